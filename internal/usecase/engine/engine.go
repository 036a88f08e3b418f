package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"startup-sniff/internal/domain"
	"startup-sniff/internal/infra/metrics"
	"startup-sniff/internal/usecase/fallback"
	"startup-sniff/internal/usecase/fetch"
	"startup-sniff/internal/usecase/monitor"
	"startup-sniff/internal/usecase/process"
	"startup-sniff/internal/usecase/score"
	"startup-sniff/internal/usecase/trends"
)

// Pinger проверяет доступность зависимости.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Inserter записывает пакет постов в хранилище.
type Inserter interface {
	InsertBatch(ctx context.Context, posts []domain.Post) domain.InsertionResult
}

// Deps — зависимости движка.
type Deps struct {
	Fetcher   *fetch.Fetcher
	Processor *process.Processor
	Scorer    *score.Scorer
	Detector  *trends.Detector
	Inserter  Inserter
	Fallback  *fallback.Manager
	Monitor   *monitor.Monitor
	Repo      domain.PostRepo
	Queue     domain.FetchQueue
	Pingers   map[string]Pinger
}

// Config — параметры движка.
type Config struct {
	Subreddits    []string
	HighPriority  []string
	TrendLookback time.Duration
	TrendSample   int
	RetentionAge  time.Duration
}

// RunStats — счётчики одного прогона конвейера.
type RunStats struct {
	Fetched    int
	Duplicates int
	Processed  int
	Inserted   int
	Updated    int
	Skipped    int
	Failed     int
	Trends     int
	Degraded   bool
}

// Engine связывает этапы конвейера: сбор, обработка, скоринг, тренды и
// запись. Состояние деградации живёт в менеджере обхода сбоев, движок
// лишь исполняет принятые им решения.
type Engine struct {
	deps Deps
	cfg  Config
	log  zerolog.Logger
}

// NewEngine создаёт движок.
func NewEngine(deps Deps, cfg Config, log zerolog.Logger) *Engine {
	if cfg.TrendLookback <= 0 {
		cfg.TrendLookback = 14 * 24 * time.Hour
	}
	if cfg.TrendSample <= 0 {
		cfg.TrendSample = 2000
	}
	return &Engine{deps: deps, cfg: cfg, log: log}
}

// Run выполняет полный прогон конвейера для набора источников задачи.
func (e *Engine) Run(ctx context.Context, job domain.JobConfig) (RunStats, error) {
	started := time.Now()
	defer func() {
		metrics.PipelineRunSeconds.Observe(time.Since(started).Seconds())
	}()

	var stats RunStats

	subreddits := job.Subreddits
	if len(subreddits) == 0 {
		subreddits = e.cfg.Subreddits
	}
	opts := domain.FetchOptions{}

	// Решение об обходе принимается до обращения к upstream.
	decision := e.deps.Fallback.ShouldUseFallback(ctx, "reddit")
	switch {
	case decision.UseFallback && decision.Method == fallback.MethodCache:
		// Предохранитель открыт: upstream не трогаем, пересчитываем
		// тренды по уже собранным данным.
		e.deps.Monitor.Record("warn", "engine", "сбор пропущен: "+decision.Reason, nil)
		stats.Degraded = true
		n, err := e.refreshTrends(ctx, nil)
		stats.Trends = n
		return stats, err
	case decision.UseFallback && decision.Method == fallback.MethodQueue:
		// Квота почти исчерпана: источники откладываются в очередь, их
		// доберёт worker после сброса окна.
		e.deps.Monitor.Record("warn", "engine", "сбор отложен: "+decision.Reason, nil)
		stats.Degraded = true
		e.deps.Fallback.DeferFetch(ctx, subreddits, e.deps.Fetcher.Priority, opts)
		n, err := e.refreshTrends(ctx, nil)
		stats.Trends = n
		return stats, err
	case decision.UseFallback && decision.Method == fallback.MethodDegrade:
		stats.Degraded = true
		_, params := e.deps.Fallback.Degraded()
		opts.Limit = params.FetchLimit
		if params.PriorityOnly && len(e.cfg.HighPriority) > 0 {
			subreddits = intersect(subreddits, e.cfg.HighPriority)
		}
		e.deps.Monitor.Record("warn", "engine", "урезанный режим: "+decision.Reason, nil)
	}

	fetched := e.deps.Fetcher.FetchSubreddits(ctx, subreddits, opts)
	stats.Fetched = fetched.Fetched
	stats.Duplicates = fetched.Duplicates
	if fetched.RateLimit != nil {
		e.deps.Fallback.ObserveRateLimit(fetched.RateLimit)
		used := float64(fetched.RateLimit.Used)
		if total := used + fetched.RateLimit.Remaining; total > 0 {
			e.deps.Monitor.ObserveRateLimitUse(used / total)
		}
	}
	if len(fetched.Posts) == 0 && len(fetched.Errors) > 0 {
		err := firstError(fetched.Errors)
		e.deps.Fallback.HandleFailure(ctx, err, "reddit", opts)
		e.deps.Monitor.RecordOutcome(false)
		return stats, fmt.Errorf("сбор не дал результатов: %w", err)
	}

	posts := fetched.Posts
	if job.WithAnalysis && e.deps.Processor != nil {
		processed := e.deps.Processor.ProcessBatch(ctx, posts)
		posts = processed.Processed
		stats.Failed = len(processed.Failed)
	}
	stats.Processed = len(posts)

	opps := make([]domain.OpportunityScore, len(posts))
	for i := range posts {
		opps[i] = e.deps.Scorer.ScorePost(posts[i])
		v := opps[i].Viability
		posts[i].ViabilityScore = &v
	}

	result := e.deps.Inserter.InsertBatch(ctx, posts)
	stats.Inserted = result.Inserted
	stats.Updated = result.Updated
	stats.Skipped = result.Skipped
	stats.Failed += result.Failed

	for i := range posts {
		if err := e.deps.Repo.UpdateScores(ctx, posts[i].ExternalID, opps[i]); err != nil {
			e.log.Warn().Err(err).Str("post", posts[i].ExternalID).Msg("engine: скоринг не сохранён")
		}
	}

	n, err := e.refreshTrends(ctx, posts)
	stats.Trends = n
	if err != nil {
		e.log.Warn().Err(err).Msg("engine: тренды не пересчитаны")
	}

	e.deps.Fallback.RecordSuccess()
	e.deps.Monitor.RecordOutcome(true)
	e.deps.Monitor.IncCounter("pipeline_runs")
	e.deps.Monitor.SetGauge("last_run_fetched", float64(stats.Fetched))
	e.deps.Monitor.ObserveTiming("pipeline_run", time.Since(started))
	e.log.Info().
		Int("fetched", stats.Fetched).
		Int("processed", stats.Processed).
		Int("inserted", stats.Inserted).
		Int("updated", stats.Updated).
		Int("trends", stats.Trends).
		Bool("degraded", stats.Degraded).
		Dur("took", time.Since(started)).
		Msg("engine: прогон завершён")
	return stats, nil
}

// refreshTrends пересчитывает тренды по окну хранилища и свежему пакету и
// раскладывает темы текущей недели по постам.
func (e *Engine) refreshTrends(ctx context.Context, fresh []domain.Post) (int, error) {
	since := time.Now().Add(-e.cfg.TrendLookback)
	recent, err := e.deps.Repo.ListRecent(ctx, since, e.cfg.TrendSample)
	if err != nil {
		return 0, fmt.Errorf("выборка постов для трендов: %w", err)
	}

	seen := make(map[string]struct{}, len(recent))
	for _, p := range recent {
		seen[p.ExternalID] = struct{}{}
	}
	for _, p := range fresh {
		if _, ok := seen[p.ExternalID]; !ok {
			recent = append(recent, p)
		}
	}

	analysis := e.deps.Detector.AnalyzeTrends(recent)

	topicsByPost := make(map[string][]string)
	for _, trend := range analysis.Trends {
		for _, id := range trend.PostIDs {
			topicsByPost[id] = append(topicsByPost[id], trend.Topic)
		}
	}
	for id, topics := range topicsByPost {
		if err := e.deps.Repo.UpdateTrendTopics(ctx, id, topics); err != nil {
			e.log.Warn().Err(err).Str("post", id).Msg("engine: темы поста не сохранены")
		}
	}
	return len(analysis.Trends), nil
}

// Trends пересчитывает тренды без сбора, для операционного API.
func (e *Engine) Trends(ctx context.Context) (domain.TrendAnalysis, error) {
	since := time.Now().Add(-e.cfg.TrendLookback)
	recent, err := e.deps.Repo.ListRecent(ctx, since, e.cfg.TrendSample)
	if err != nil {
		return domain.TrendAnalysis{}, fmt.Errorf("выборка постов для трендов: %w", err)
	}
	return e.deps.Detector.AnalyzeTrends(recent), nil
}

// Health собирает снимок здоровья всех компонентов.
func (e *Engine) Health(ctx context.Context) domain.HealthStatus {
	now := time.Now().UTC()
	status := domain.HealthStatus{
		CircuitState: e.deps.Fallback.State(),
		ErrorRate:    e.deps.Monitor.ErrorRate(),
		ActiveAlerts: len(e.deps.Monitor.ActiveAlerts()),
		GeneratedAt:  now,
	}

	for name, p := range e.deps.Pingers {
		ch := domain.ComponentHealth{Name: name, Healthy: true, CheckedAt: now}
		if err := p.Ping(ctx); err != nil {
			ch.Healthy = false
			ch.Detail = err.Error()
		}
		status.Components = append(status.Components, ch)
	}
	healthySources := 0
	snapshot := e.deps.Fetcher.HealthSnapshot()
	for _, ok := range snapshot {
		if ok {
			healthySources++
		}
	}
	status.Components = append(status.Components, domain.ComponentHealth{
		Name:      "sources",
		Healthy:   len(snapshot) == 0 || healthySources > 0,
		Detail:    fmt.Sprintf("%d/%d здоровы", healthySources, len(snapshot)),
		CheckedAt: now,
	})

	status.Overall = domain.HealthHealthy
	for _, c := range status.Components {
		if !c.Healthy {
			status.Overall = domain.HealthUnhealthy
		}
	}
	if degraded, _ := e.deps.Fallback.Degraded(); status.Overall == domain.HealthHealthy &&
		(degraded || status.CircuitState != string(fallback.StateClosed)) {
		status.Overall = domain.HealthDegraded
	}
	return status
}

// Stats — сводка хранилища и очереди для операционного API.
func (e *Engine) Stats(ctx context.Context) (map[string]any, error) {
	total, err := e.deps.Repo.CountPosts(ctx, domain.PostFilter{})
	if err != nil {
		return nil, fmt.Errorf("подсчёт постов: %w", err)
	}
	lastDay, err := e.deps.Repo.CountPosts(ctx, domain.PostFilter{Since: time.Now().Add(-24 * time.Hour)})
	if err != nil {
		return nil, fmt.Errorf("подсчёт постов за сутки: %w", err)
	}
	promising, err := e.deps.Repo.CountPosts(ctx, domain.PostFilter{MinViability: 7})
	if err != nil {
		return nil, fmt.Errorf("подсчёт перспективных постов: %w", err)
	}
	out := map[string]any{
		"posts_total":     total,
		"posts_last_24h":  lastDay,
		"posts_promising": promising,
		"circuit_state":   e.deps.Fallback.State(),
		"error_rate":      e.deps.Monitor.ErrorRate(),
	}
	if e.deps.Queue != nil {
		if depth, err := e.deps.Queue.Len(ctx); err == nil {
			out["queue_depth"] = depth
		}
	}
	counters, gauges := e.deps.Monitor.Snapshot()
	out["counters"] = counters
	out["gauges"] = gauges
	return out, nil
}

// Cleanup удаляет посты старше срока хранения.
func (e *Engine) Cleanup(ctx context.Context) (int64, error) {
	if e.cfg.RetentionAge <= 0 {
		return 0, nil
	}
	deleted, err := e.deps.Repo.DeleteOlderThan(ctx, e.cfg.RetentionAge)
	if err != nil {
		return 0, fmt.Errorf("очистка хранилища: %w", err)
	}
	if deleted > 0 {
		e.log.Info().Int64("deleted", deleted).Msg("engine: старые посты удалены")
	}
	return deleted, nil
}

// Shutdown сбрасывает буферы монитора.
func (e *Engine) Shutdown(ctx context.Context) {
	e.deps.Monitor.Flush(ctx)
}

func intersect(all, allowed []string) []string {
	set := make(map[string]struct{}, len(allowed))
	for _, s := range allowed {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(all))
	for _, s := range all {
		if _, ok := set[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

func firstError(errs map[string]string) error {
	for source, msg := range errs {
		return fmt.Errorf("%s: %s", source, msg)
	}
	return fmt.Errorf("неизвестная ошибка сбора")
}
