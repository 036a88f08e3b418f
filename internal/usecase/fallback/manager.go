package fallback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"startup-sniff/internal/domain"
	"startup-sniff/internal/infra/metrics"
)

// Method — способ обхода отказа.
type Method string

const (
	// MethodNone — обход не нужен.
	MethodNone Method = "none"
	// MethodCache — отдать данные из кэша.
	MethodCache Method = "cache"
	// MethodQueue — отложить запрос в очередь.
	MethodQueue Method = "queue"
	// MethodDegrade — перейти в урезанный режим.
	MethodDegrade Method = "degrade"
)

// Decision — ответ ShouldUseFallback.
type Decision struct {
	UseFallback bool
	Method      Method
	Reason      string
	Delay       time.Duration
}

// DegradedParams — параметры урезанного режима: меньше постов, реже
// запуски, только приоритетное подмножество источников.
type DegradedParams struct {
	FetchLimit       int
	IntervalMultiple int
	PriorityOnly     bool
}

// Config — параметры менеджера.
type Config struct {
	FailureThreshold int
	OpenTimeout      time.Duration
	GracePeriod      time.Duration
	DrainInterval    time.Duration
	// RateLimitProximity — доля использованной квоты, после которой
	// включается защитный обход (0..1).
	RateLimitProximity float64
}

// Manager объединяет предохранитель, классификацию отказов и цепочку
// реакции cache → queue → degrade. Один экземпляр на процесс; все
// вызывающие делят его состояние.
type Manager struct {
	breaker *Breaker
	queue   domain.FetchQueue
	cfg     Config
	log     zerolog.Logger

	mu          sync.Mutex
	lastSuccess time.Time
	lastRate    *domain.RateLimitInfo
	degraded    bool
}

// NewManager создаёт менеджер.
func NewManager(queue domain.FetchQueue, cfg Config, log zerolog.Logger) *Manager {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 10 * time.Minute
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = 30 * time.Second
	}
	if cfg.RateLimitProximity <= 0 {
		cfg.RateLimitProximity = 0.9
	}
	return &Manager{
		breaker:     NewBreaker(cfg.FailureThreshold, cfg.OpenTimeout),
		queue:       queue,
		cfg:         cfg,
		log:         log,
		lastSuccess: time.Now(),
	}
}

// Breaker отдаёт предохранитель для прямых проверок.
func (m *Manager) Breaker() *Breaker { return m.breaker }

// ObserveRateLimit запоминает последние квоты upstream для оценки
// близости к лимиту.
func (m *Manager) ObserveRateLimit(info *domain.RateLimitInfo) {
	if info == nil {
		return
	}
	m.mu.Lock()
	m.lastRate = info
	m.mu.Unlock()
}

// ShouldUseFallback проверяет по порядку: предохранитель, близость к
// лимитам, давность последнего успеха.
func (m *Manager) ShouldUseFallback(ctx context.Context, source string) Decision {
	if allowed, state := m.breaker.Allow(); !allowed {
		return Decision{UseFallback: true, Method: MethodCache, Reason: "circuit " + string(state), Delay: m.cfg.OpenTimeout}
	}

	m.mu.Lock()
	rate := m.lastRate
	lastSuccess := m.lastSuccess
	m.mu.Unlock()

	if rate != nil && rate.Used > 0 {
		total := float64(rate.Used) + rate.Remaining
		if total > 0 && float64(rate.Used)/total >= m.cfg.RateLimitProximity {
			delay := time.Until(rate.ResetAt)
			if delay < 0 {
				delay = 0
			}
			return Decision{UseFallback: true, Method: MethodQueue, Reason: "rate limit proximity", Delay: delay}
		}
	}

	if time.Since(lastSuccess) > m.cfg.GracePeriod {
		return Decision{UseFallback: true, Method: MethodCache, Reason: "upstream stale", Delay: 0}
	}
	return Decision{Method: MethodNone}
}

// HandleFailure классифицирует отказ и выбирает реакцию.
// rate-limit → отложить запрос; auth → только кэш, цепь размыкается до
// ручного вмешательства; server/network → отложить и разрешить повтор;
// прочее → урезанный режим.
func (m *Manager) HandleFailure(ctx context.Context, err error, source string, opts domain.FetchOptions) Decision {
	kind := domain.ClassifyError(err)
	m.breaker.RecordFailure()

	switch kind {
	case domain.FailureRateLimit:
		m.enqueue(ctx, source, domain.PriorityMedium, opts)
		delay := 5 * time.Second
		var rateErr *domain.RateLimitError
		if errors.As(err, &rateErr) {
			delay = rateErr.RetryAfter
		}
		return Decision{UseFallback: true, Method: MethodQueue, Reason: string(kind), Delay: delay}

	case domain.FailureAuth:
		// Автоматический повтор бессилен: нужен оператор.
		m.breaker.Trip(true)
		m.log.Error().Str("source", source).Msg("fallback: отказ авторизации, цепь разомкнута до ручного сброса")
		return Decision{UseFallback: true, Method: MethodCache, Reason: string(kind)}

	case domain.FailureServer, domain.FailureNetwork:
		m.enqueue(ctx, source, domain.PriorityMedium, opts)
		return Decision{UseFallback: true, Method: MethodQueue, Reason: string(kind), Delay: 10 * time.Second}

	default:
		m.mu.Lock()
		m.degraded = true
		m.mu.Unlock()
		m.log.Warn().Str("source", source).Str("kind", string(kind)).Msg("fallback: входим в урезанный режим")
		return Decision{UseFallback: true, Method: MethodDegrade, Reason: string(kind)}
	}
}

// RecordSuccess сбрасывает счётчики, замыкает цепь и выводит систему из
// урезанного режима.
func (m *Manager) RecordSuccess() {
	m.breaker.RecordSuccess()
	m.mu.Lock()
	m.lastSuccess = time.Now()
	m.degraded = false
	m.mu.Unlock()
}

// Reset — ручной сброс после вмешательства оператора.
func (m *Manager) Reset() {
	m.breaker.Reset()
	m.mu.Lock()
	m.lastSuccess = time.Now()
	m.degraded = false
	m.mu.Unlock()
}

// Degraded сообщает, действует ли урезанный режим, и его параметры.
func (m *Manager) Degraded() (bool, DegradedParams) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.degraded {
		return false, DegradedParams{}
	}
	return true, DegradedParams{FetchLimit: 10, IntervalMultiple: 2, PriorityOnly: true}
}

// State возвращает строку состояния предохранителя.
func (m *Manager) State() string {
	return string(m.breaker.State())
}

// DeferFetch откладывает запросы по источникам в очередь; их вычитает
// DrainLoop, когда окно квоты освободится. priorityOf может быть nil.
func (m *Manager) DeferFetch(ctx context.Context, sources []string, priorityOf func(string) domain.Priority, opts domain.FetchOptions) {
	for _, source := range sources {
		priority := domain.PriorityMedium
		if priorityOf != nil {
			priority = priorityOf(source)
		}
		m.enqueue(ctx, source, priority, opts)
	}
}

func (m *Manager) enqueue(ctx context.Context, source string, priority domain.Priority, opts domain.FetchOptions) {
	if m.queue == nil {
		return
	}
	req := domain.QueuedRequest{
		ID:         uuid.NewString(),
		Subreddit:  source,
		Priority:   priority,
		Options:    opts,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := m.queue.Enqueue(ctx, req); err != nil {
		m.log.Error().Err(err).Str("source", source).Msg("fallback: не удалось отложить запрос")
	}
}

// DrainLoop периодически вычитывает отложенные запросы и передаёт их
// обработчику, пока предохранитель позволяет вызовы. Неудачно
// обработанный запрос возвращается в очередь с инкрементом попыток.
func (m *Manager) DrainLoop(ctx context.Context, handle func(context.Context, domain.QueuedRequest) error) {
	ticker := time.NewTicker(m.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if m.queue == nil {
			continue
		}
		if depth, err := m.queue.Len(ctx); err == nil {
			metrics.QueueDepth.Set(float64(depth))
		}
		for {
			if allowed, _ := m.breaker.Allow(); !allowed {
				break
			}
			req, ok, err := m.queue.Dequeue(ctx)
			if err != nil {
				m.log.Error().Err(err).Msg("fallback: ошибка чтения очереди")
				break
			}
			if !ok {
				break
			}
			if err := handle(ctx, req); err != nil {
				m.log.Warn().Err(err).Str("subreddit", req.Subreddit).Int("retries", req.Retries).Msg("fallback: отложенный запрос не выполнен")
				if req.Retries < 5 {
					req.Retries++
					if enqErr := m.queue.Enqueue(ctx, req); enqErr != nil {
						m.log.Error().Err(enqErr).Str("subreddit", req.Subreddit).Msg("fallback: не удалось вернуть запрос в очередь")
					}
				}
				break
			}
			m.RecordSuccess()
		}
	}
}
