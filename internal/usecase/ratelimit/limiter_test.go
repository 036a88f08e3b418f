package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"startup-sniff/internal/domain"
)

type fakeCache struct {
	counts map[string]int64
	err    error
}

func newFakeCache() *fakeCache {
	return &fakeCache{counts: make(map[string]int64)}
}

func (c *fakeCache) Get(_ context.Context, _ string) ([]byte, bool, error) { return nil, false, nil }

func (c *fakeCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error { return nil }

func (c *fakeCache) Incr(_ context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	if c.err != nil {
		return 0, 0, c.err
	}
	c.counts[key]++
	return c.counts[key], ttl, nil
}

func (c *fakeCache) Delete(_ context.Context, key string) error {
	delete(c.counts, key)
	return nil
}

type captureQueue struct {
	items []domain.QueuedRequest
}

func (q *captureQueue) Enqueue(_ context.Context, req domain.QueuedRequest) error {
	q.items = append(q.items, req)
	return nil
}

func (q *captureQueue) Dequeue(_ context.Context) (domain.QueuedRequest, bool, error) {
	return domain.QueuedRequest{}, false, nil
}

func (q *captureQueue) Len(_ context.Context) (int64, error) { return int64(len(q.items)), nil }

func TestCheckCountsWindow(t *testing.T) {
	limiter := NewLimiter(newFakeCache(), nil, time.Minute, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		decision := limiter.Check(ctx, "api", 3, domain.PriorityMedium)
		if !decision.Allowed {
			t.Fatalf("запрос %d из 3 не должен отклоняться", i+1)
		}
		if decision.Remaining != 3-(i+1) {
			t.Fatalf("после запроса %d ожидали остаток %d, получили %d", i+1, 3-(i+1), decision.Remaining)
		}
	}

	decision := limiter.Check(ctx, "api", 3, domain.PriorityMedium)
	if decision.Allowed {
		t.Fatal("четвёртый запрос в окне с лимитом 3 должен отклоняться")
	}
	if decision.Remaining != 0 {
		t.Fatalf("остаток исчерпанного окна должен быть 0, получили %d", decision.Remaining)
	}
}

func TestCheckUnlimitedBypassesStore(t *testing.T) {
	cache := newFakeCache()
	limiter := NewLimiter(cache, nil, time.Minute, zerolog.Nop())

	decision := limiter.Check(context.Background(), "api", Unlimited, domain.PriorityHigh)
	if !decision.Allowed || decision.Remaining != Unlimited {
		t.Fatalf("безлимитный вызывающий должен проходить без подсчёта, получили %+v", decision)
	}
	if len(cache.counts) != 0 {
		t.Fatal("безлимитная проверка не должна трогать счётчики")
	}
}

func TestCheckFailsOpenOnStoreError(t *testing.T) {
	cache := newFakeCache()
	cache.err = errors.New("redis: connection refused")
	limiter := NewLimiter(cache, nil, time.Minute, zerolog.Nop())

	decision := limiter.Check(context.Background(), "api", 1, domain.PriorityMedium)
	if !decision.Allowed {
		t.Fatal("при недоступном хранилище запрос должен пропускаться")
	}
	if decision.Err == "" {
		t.Fatal("решение должно сохранять текст ошибки хранилища")
	}
}

func TestCheckFetchEnqueuesDenied(t *testing.T) {
	queue := &captureQueue{}
	limiter := NewLimiter(newFakeCache(), queue, time.Minute, zerolog.Nop())
	ctx := context.Background()

	req := domain.QueuedRequest{ID: "q1", Subreddit: "startups", Priority: domain.PriorityMedium}
	first := limiter.CheckFetch(ctx, "fetch", 1, req)
	if !first.Allowed || first.Enqueued {
		t.Fatalf("первый запрос проходит без очереди, получили %+v", first)
	}

	second := limiter.CheckFetch(ctx, "fetch", 1, req)
	if second.Allowed {
		t.Fatal("второй запрос в окне с лимитом 1 должен отклоняться")
	}
	if !second.Enqueued {
		t.Fatal("отклонённый запрос среднего приоритета должен откладываться")
	}
	if len(queue.items) != 1 || queue.items[0].ID != "q1" {
		t.Fatalf("в очереди ожидали исходный запрос, получили %+v", queue.items)
	}
}

func TestCheckFetchHighPriorityNeverQueued(t *testing.T) {
	queue := &captureQueue{}
	limiter := NewLimiter(newFakeCache(), queue, time.Minute, zerolog.Nop())
	ctx := context.Background()

	req := domain.QueuedRequest{Subreddit: "startups", Priority: domain.PriorityHigh}
	limiter.CheckFetch(ctx, "fetch", 1, req)
	decision := limiter.CheckFetch(ctx, "fetch", 1, req)
	if decision.Allowed {
		t.Fatal("второй запрос должен отклоняться")
	}
	if decision.Enqueued || len(queue.items) != 0 {
		t.Fatal("запросы высокого приоритета не откладываются: они либо проходят, либо отклоняются явно")
	}
}
