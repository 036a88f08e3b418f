package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"startup-sniff/internal/domain"
	"startup-sniff/internal/infra/metrics"
)

// Unlimited отключает подсчёт для безлимитных вызывающих.
const Unlimited = -1

// Decision — результат проверки лимита.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	// Enqueued выставляется, если отклонённый запрос поставлен в очередь.
	Enqueued bool
	// Err заполняется при недоступном хранилище счётчиков; запрос при этом
	// пропускается (fail open) — доступность важнее строгости.
	Err string
}

// Limiter — лимитер с фиксированным окном на общих счётчиках Redis.
// Инкременты атомарные, гонок read-modify-write нет.
type Limiter struct {
	cache  domain.Cache
	queue  domain.FetchQueue
	window time.Duration
	log    zerolog.Logger
}

// NewLimiter создаёт лимитер. Очередь может быть nil: тогда отклонённые
// запросы не откладываются.
func NewLimiter(cache domain.Cache, queue domain.FetchQueue, window time.Duration, log zerolog.Logger) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{cache: cache, queue: queue, window: window, log: log}
}

// Check проверяет и инкрементирует счётчик окна для ключа.
func (l *Limiter) Check(ctx context.Context, key string, limit int, priority domain.Priority) Decision {
	if limit == Unlimited {
		return Decision{Allowed: true, Remaining: Unlimited}
	}
	count, ttl, err := l.cache.Incr(ctx, "ratelimit:"+key, l.window)
	if err != nil {
		metrics.RateLimitFailOpen.Inc()
		l.log.Warn().Err(err).Str("key", key).Msg("лимитер: хранилище недоступно, пропускаем запрос")
		return Decision{Allowed: true, Remaining: 0, Err: err.Error()}
	}
	resetAt := time.Now().Add(ttl)
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	if int(count) > limit {
		metrics.RateLimitDenied.WithLabelValues(key, string(priority)).Inc()
		return Decision{Allowed: false, Remaining: remaining, ResetAt: resetAt}
	}
	return Decision{Allowed: true, Remaining: remaining, ResetAt: resetAt}
}

// CheckFetch проверяет лимит для запроса на сбор. Отклонённые запросы
// невысокого приоритета откладываются в долговременную очередь вместо
// простого отказа.
func (l *Limiter) CheckFetch(ctx context.Context, key string, limit int, req domain.QueuedRequest) Decision {
	decision := l.Check(ctx, key, limit, req.Priority)
	if decision.Allowed || l.queue == nil || req.Priority == domain.PriorityHigh {
		return decision
	}
	if err := l.queue.Enqueue(ctx, req); err != nil {
		l.log.Error().Err(err).Str("subreddit", req.Subreddit).Msg("лимитер: не удалось отложить запрос")
		return decision
	}
	decision.Enqueued = true
	l.log.Debug().Str("subreddit", req.Subreddit).Str("priority", string(req.Priority)).Msg("лимитер: запрос отложен в очередь")
	return decision
}

// Window возвращает длительность окна лимитера.
func (l *Limiter) Window() time.Duration { return l.window }
