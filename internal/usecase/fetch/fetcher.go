package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"startup-sniff/internal/domain"
	"startup-sniff/internal/infra/metrics"
)

// Config — параметры оркестрации сбора.
type Config struct {
	Subreddits     []string
	HighPriority   []string
	LowPriority    []string
	MaxConcurrent  int
	GroupDelay     time.Duration
	BatchDelay     time.Duration
	CacheTTL       time.Duration
	HealthInterval time.Duration
	RetryAttempts  int
	RetryDelay     time.Duration
	DefaultSort    string
	DefaultLimit   int
}

// BatchResult — итог сбора пакета источников.
type BatchResult struct {
	Posts      []domain.Post
	Fetched    int
	Duplicates int
	Skipped    []string
	Errors     map[string]string
	RateLimit  *domain.RateLimitInfo
}

type sourceHealth struct {
	healthy     bool
	failures    int
	lastChecked time.Time
}

// Fetcher оркестрирует сбор сабреддитов: группы приоритетов, ограниченная
// конкурентность, здоровье источников, кэш результатов и дедупликация.
type Fetcher struct {
	client domain.Fetcher
	cache  domain.Cache
	cfg    Config
	log    zerolog.Logger

	mu     sync.Mutex
	health map[string]*sourceHealth
}

// NewFetcher создаёт оркестратор сбора.
func NewFetcher(client domain.Fetcher, cache domain.Cache, cfg Config, log zerolog.Logger) *Fetcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 2
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultSort == "" {
		cfg.DefaultSort = "hot"
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 50
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 5 * time.Minute
	}
	return &Fetcher{
		client: client,
		cache:  cache,
		cfg:    cfg,
		log:    log,
		health: make(map[string]*sourceHealth),
	}
}

// Priority возвращает приоритет источника по конфигурации.
func (f *Fetcher) Priority(subreddit string) domain.Priority {
	if containsFold(f.cfg.HighPriority, subreddit) {
		return domain.PriorityHigh
	}
	if containsFold(f.cfg.LowPriority, subreddit) {
		return domain.PriorityLow
	}
	return domain.PriorityMedium
}

// FetchAll собирает весь настроенный список источников.
func (f *Fetcher) FetchAll(ctx context.Context) BatchResult {
	return f.FetchSubreddits(ctx, f.cfg.Subreddits, domain.FetchOptions{})
}

// FetchSubreddits собирает перечисленные источники. Группы приоритетов
// обрабатываются строго по порядку high → medium → low с паузой между
// группами; внутри группы — пул ограниченной ширины с паузой между
// волнами. Порядок внутри группы не гарантируется: дедупликация идёт
// после завершения всех выборок.
func (f *Fetcher) FetchSubreddits(ctx context.Context, names []string, opts domain.FetchOptions) BatchResult {
	if opts.Sort == "" {
		opts.Sort = f.cfg.DefaultSort
	}
	if opts.Limit <= 0 {
		opts.Limit = f.cfg.DefaultLimit
	}

	result := BatchResult{Errors: make(map[string]string)}
	groups := f.groupByPriority(names)

	for gi, group := range groups {
		if len(group) == 0 {
			continue
		}
		if gi > 0 && f.cfg.GroupDelay > 0 {
			if !sleepCtx(ctx, f.cfg.GroupDelay) {
				break
			}
		}
		f.fetchGroup(ctx, group, opts, &result)
		if ctx.Err() != nil {
			break
		}
	}

	// Дедупликация по хэшу применяется уже после всех выборок, поэтому
	// порядок завершения горутин на корректность не влияет.
	seen := make(map[string]struct{}, len(result.Posts))
	unique := make([]domain.Post, 0, len(result.Posts))
	for _, post := range result.Posts {
		if _, dup := seen[post.Hash]; dup {
			result.Duplicates++
			metrics.DuplicatePosts.Inc()
			continue
		}
		seen[post.Hash] = struct{}{}
		unique = append(unique, post)
	}
	result.Posts = unique
	return result
}

func (f *Fetcher) fetchGroup(ctx context.Context, group []string, opts domain.FetchOptions, result *BatchResult) {
	var mu sync.Mutex
	for offset := 0; offset < len(group); offset += f.cfg.MaxConcurrent {
		end := offset + f.cfg.MaxConcurrent
		if end > len(group) {
			end = len(group)
		}
		if offset > 0 && f.cfg.BatchDelay > 0 {
			if !sleepCtx(ctx, f.cfg.BatchDelay) {
				return
			}
		}
		var wg sync.WaitGroup
		for _, name := range group[offset:end] {
			if !f.isHealthy(name) {
				mu.Lock()
				result.Skipped = append(result.Skipped, name)
				mu.Unlock()
				f.log.Debug().Str("subreddit", name).Msg("fetcher: источник нездоров, пропускаем")
				continue
			}
			wg.Add(1)
			go func(subreddit string) {
				defer wg.Done()
				posts, rate, err := f.fetchOne(ctx, subreddit, opts)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					result.Errors[subreddit] = err.Error()
					metrics.FetchErrors.WithLabelValues(subreddit, string(domain.ClassifyError(err))).Inc()
					return
				}
				result.Posts = append(result.Posts, posts...)
				result.Fetched += len(posts)
				if rate != nil {
					result.RateLimit = rate
				}
			}(name)
		}
		wg.Wait()
		if ctx.Err() != nil {
			return
		}
	}
}

// fetchOne выполняет сбор одного источника: кэш, затем живой вызов с
// локальными повторами поверх повторов самого клиента.
func (f *Fetcher) fetchOne(ctx context.Context, subreddit string, opts domain.FetchOptions) ([]domain.Post, *domain.RateLimitInfo, error) {
	cacheKey := fmt.Sprintf("fetch:%s:%s:%d", strings.ToLower(subreddit), opts.Sort, opts.Limit)
	if f.cache != nil && f.cfg.CacheTTL > 0 {
		if data, ok, err := f.cache.Get(ctx, cacheKey); err == nil && ok {
			var posts []domain.Post
			if err := json.Unmarshal(data, &posts); err == nil {
				f.log.Debug().Str("subreddit", subreddit).Int("posts", len(posts)).Msg("fetcher: ответ из кэша")
				return posts, nil, nil
			}
		}
	}

	var lastErr error
	for attempt := 0; attempt <= f.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * f.cfg.RetryDelay
			if !sleepCtx(ctx, delay) {
				return nil, nil, ctx.Err()
			}
		}
		res, err := f.client.FetchPosts(ctx, subreddit, opts)
		if err != nil {
			lastErr = err
			f.markFailure(subreddit)
			// Невалидный запрос повторять бессмысленно, а запертый
			// лимитом уже отложен в очередь.
			kind := domain.ClassifyError(err)
			if kind == domain.FailureValidation || kind == domain.FailureRateLimit {
				break
			}
			continue
		}
		f.markSuccess(subreddit)
		if f.cache != nil && f.cfg.CacheTTL > 0 && len(res.Posts) > 0 {
			if data, err := json.Marshal(res.Posts); err == nil {
				if err := f.cache.Set(ctx, cacheKey, data, f.cfg.CacheTTL); err != nil {
					f.log.Warn().Err(err).Str("subreddit", subreddit).Msg("fetcher: не удалось записать кэш")
				}
			}
		}
		return res.Posts, res.RateLimit, nil
	}
	return nil, nil, lastErr
}

// groupByPriority раскладывает источники по группам high/medium/low.
func (f *Fetcher) groupByPriority(names []string) [][]string {
	groups := make([][]string, 3)
	for _, name := range names {
		switch f.Priority(name) {
		case domain.PriorityHigh:
			groups[0] = append(groups[0], name)
		case domain.PriorityLow:
			groups[2] = append(groups[2], name)
		default:
			groups[1] = append(groups[1], name)
		}
	}
	return groups
}

// isHealthy сообщает, можно ли обращаться к источнику. Нездоровый источник
// повторно проверяется не чаще интервала здоровья.
func (f *Fetcher) isHealthy(subreddit string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.health[strings.ToLower(subreddit)]
	if !ok {
		return true
	}
	if h.healthy {
		return true
	}
	if time.Since(h.lastChecked) >= f.cfg.HealthInterval {
		// Даём один пробный вызов по истечении интервала.
		h.lastChecked = time.Now()
		return true
	}
	return false
}

func (f *Fetcher) markFailure(subreddit string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.ToLower(subreddit)
	h, ok := f.health[key]
	if !ok {
		h = &sourceHealth{healthy: true}
		f.health[key] = h
	}
	h.failures++
	h.lastChecked = time.Now()
	if h.failures >= 3 {
		h.healthy = false
	}
}

func (f *Fetcher) markSuccess(subreddit string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.ToLower(subreddit)
	h, ok := f.health[key]
	if !ok {
		h = &sourceHealth{}
		f.health[key] = h
	}
	h.healthy = true
	h.failures = 0
	h.lastChecked = time.Now()
}

// HealthSnapshot возвращает состояние источников для операционного API.
func (f *Fetcher) HealthSnapshot() map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool, len(f.health))
	for name, h := range f.health {
		out[name] = h.healthy
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func containsFold(list []string, item string) bool {
	for _, v := range list {
		if strings.EqualFold(v, item) {
			return true
		}
	}
	return false
}
