package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"startup-sniff/internal/domain"
)

const historySize = 100

// JobResult — счётчики одного прогона конвейера.
type JobResult struct {
	Fetched   int
	Processed int
	Inserted  int
}

// JobFunc выполняет полезную работу задачи.
type JobFunc func(ctx context.Context, job domain.JobConfig) (JobResult, error)

// Config — параметры планировщика.
type Config struct {
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	MetricsWindow time.Duration
}

type jobState struct {
	cfg     domain.JobConfig
	fn      JobFunc
	entryID cron.EntryID
	running bool
}

// Scheduler запускает задачи по cron-выражениям, ведёт историю запусков и
// повторяет упавшие попытки с нарастающей задержкой.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
	cfg  Config
	runs domain.RunRepo

	mu      sync.Mutex
	jobs    map[string]*jobState
	history []domain.JobRun
	baseCtx context.Context
}

// NewScheduler создаёт планировщик. Задачи исполняются в контексте ctx:
// его отмена останавливает начатые прогоны.
func NewScheduler(ctx context.Context, runs domain.RunRepo, cfg Config, log zerolog.Logger) *Scheduler {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = 5 * time.Minute
	}
	if cfg.MetricsWindow <= 0 {
		cfg.MetricsWindow = 24 * time.Hour
	}
	return &Scheduler{
		cron:    cron.New(),
		log:     log,
		cfg:     cfg,
		runs:    runs,
		jobs:    make(map[string]*jobState),
		baseCtx: ctx,
	}
}

// AddJob регистрирует задачу. Повторная регистрация с тем же именем
// заменяет расписание.
func (s *Scheduler) AddJob(job domain.JobConfig, fn JobFunc) error {
	if job.Name == "" {
		return fmt.Errorf("пустое имя задачи")
	}
	if fn == nil {
		return fmt.Errorf("задача %q без функции", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.jobs[job.Name]; ok {
		s.cron.Remove(prev.entryID)
	}
	state := &jobState{cfg: job, fn: fn}
	name := job.Name
	entryID, err := s.cron.AddFunc(job.CronExpr, func() { s.execute(name) })
	if err != nil {
		return fmt.Errorf("расписание задачи %q: %w", job.Name, err)
	}
	state.entryID = entryID
	s.jobs[job.Name] = state
	s.log.Info().Str("job", job.Name).Str("cron", job.CronExpr).Msg("scheduler: задача зарегистрирована")
	return nil
}

// RemoveJob снимает задачу с расписания.
func (s *Scheduler) RemoveJob(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.jobs[name]
	if !ok {
		return false
	}
	s.cron.Remove(state.entryID)
	delete(s.jobs, name)
	return true
}

// RunNow запускает задачу вне расписания.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	_, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("задача %q не зарегистрирована", name)
	}
	go s.execute(name)
	return nil
}

// Jobs возвращает зарегистрированные задачи.
func (s *Scheduler) Jobs() []domain.JobConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.JobConfig, 0, len(s.jobs))
	for _, st := range s.jobs {
		out = append(out, st.cfg)
	}
	return out
}

// Start запускает cron-цикл.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop останавливает расписание и ждёт завершения начатых задач.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn().Msg("scheduler: остановка прервана, задачи ещё выполняются")
	}
}

// History возвращает последние запуски (новые первыми), опционально по имени.
func (s *Scheduler) History(name string, limit int) []domain.JobRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]domain.JobRun, 0, limit)
	for i := len(s.history) - 1; i >= 0 && len(out) < limit; i-- {
		if name != "" && s.history[i].JobName != name {
			continue
		}
		out = append(out, s.history[i])
	}
	return out
}

// Metrics агрегирует историю запусков задачи за скользящее окно.
func (s *Scheduler) Metrics(name string) domain.JobMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.cfg.MetricsWindow)
	m := domain.JobMetrics{JobName: name, Window: s.cfg.MetricsWindow}
	var total time.Duration
	for i := range s.history {
		run := s.history[i]
		if run.JobName != name || run.StartedAt.Before(cutoff) {
			continue
		}
		m.Runs++
		total += run.Duration
		switch run.Status {
		case domain.RunSuccess:
			m.Succeeded++
		case domain.RunFailed, domain.RunTimeout:
			m.Failed++
		}
		if m.LastRun == nil || run.StartedAt.After(m.LastRun.StartedAt) {
			last := run
			m.LastRun = &last
		}
	}
	if m.Runs > 0 {
		m.AvgDuration = total / time.Duration(m.Runs)
		m.ErrorRate = float64(m.Failed) / float64(m.Runs)
	}
	return m
}

// execute выполняет один запланированный запуск с повторами.
func (s *Scheduler) execute(name string) {
	s.mu.Lock()
	state, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	if state.running && state.cfg.SkipIfRunning {
		s.mu.Unlock()
		s.record(domain.JobRun{
			ID:        uuid.NewString(),
			JobName:   name,
			StartedAt: time.Now().UTC(),
			Status:    domain.RunSkipped,
		})
		s.log.Debug().Str("job", name).Msg("scheduler: запуск пропущен, предыдущий ещё идёт")
		return
	}
	state.running = true
	cfg := state.cfg
	fn := state.fn
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if st, ok := s.jobs[name]; ok {
			st.running = false
		}
		s.mu.Unlock()
	}()

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxRetries+1; attempt++ {
		run := s.runOnce(cfg, fn, attempt)
		s.record(run)
		if run.Status == domain.RunSuccess || run.Status == domain.RunTimeout {
			return
		}
		lastErr = fmt.Errorf("%s", run.Error)
		if attempt <= cfg.MaxRetries {
			delay := s.cfg.RetryDelay << (attempt - 1)
			if delay > s.cfg.MaxRetryDelay {
				delay = s.cfg.MaxRetryDelay
			}
			s.log.Warn().Str("job", name).Int("attempt", attempt).Dur("delay", delay).
				Err(lastErr).Msg("scheduler: попытка не удалась, повтор")
			select {
			case <-s.baseCtx.Done():
				return
			case <-time.After(delay):
			}
		}
	}
	s.log.Error().Str("job", name).Err(lastErr).Msg("scheduler: задача исчерпала повторы")
}

// runOnce выполняет одну попытку. Лимит времени рекомендательный: по его
// истечении запуск помечается timeout и результат отбрасывается, контекст
// работы при этом отменяется.
func (s *Scheduler) runOnce(cfg domain.JobConfig, fn JobFunc, attempt int) domain.JobRun {
	run := domain.JobRun{
		ID:        uuid.NewString(),
		JobName:   cfg.Name,
		StartedAt: time.Now().UTC(),
		Attempt:   attempt,
	}

	ctx := s.baseCtx
	cancel := context.CancelFunc(func() {})
	if cfg.MaxDuration > 0 {
		ctx, cancel = context.WithTimeout(ctx, cfg.MaxDuration)
	}
	defer cancel()

	type outcome struct {
		res JobResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := fn(ctx, cfg)
		done <- outcome{res: res, err: err}
	}()

	var timedOut bool
	var out outcome
	if cfg.MaxDuration > 0 {
		select {
		case out = <-done:
		case <-time.After(cfg.MaxDuration):
			timedOut = true
		}
	} else {
		out = <-done
	}

	run.FinishedAt = time.Now().UTC()
	run.Duration = run.FinishedAt.Sub(run.StartedAt)
	switch {
	case timedOut:
		run.Status = domain.RunTimeout
		run.Error = fmt.Sprintf("превышен лимит %s", cfg.MaxDuration)
	case out.err != nil:
		run.Status = domain.RunFailed
		run.Error = out.err.Error()
	default:
		run.Status = domain.RunSuccess
		run.Fetched = out.res.Fetched
		run.Processed = out.res.Processed
		run.Inserted = out.res.Inserted
	}
	return run
}

// record добавляет запуск в кольцевую историю и хранилище.
func (s *Scheduler) record(run domain.JobRun) {
	s.mu.Lock()
	s.history = append(s.history, run)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.mu.Unlock()

	if s.runs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.runs.SaveRun(ctx, run); err != nil {
		s.log.Warn().Err(err).Str("job", run.JobName).Msg("scheduler: запуск не сохранён")
	}
}
