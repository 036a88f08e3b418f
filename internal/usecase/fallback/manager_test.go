package fallback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"startup-sniff/internal/domain"
)

type fakeQueue struct {
	items []domain.QueuedRequest
	err   error
}

func (q *fakeQueue) Enqueue(_ context.Context, req domain.QueuedRequest) error {
	if q.err != nil {
		return q.err
	}
	q.items = append(q.items, req)
	return nil
}

func (q *fakeQueue) Dequeue(_ context.Context) (domain.QueuedRequest, bool, error) {
	if q.err != nil {
		return domain.QueuedRequest{}, false, q.err
	}
	if len(q.items) == 0 {
		return domain.QueuedRequest{}, false, nil
	}
	req := q.items[0]
	q.items = q.items[1:]
	return req, true, nil
}

func (q *fakeQueue) Len(_ context.Context) (int64, error) {
	return int64(len(q.items)), nil
}

func newTestManager(queue domain.FetchQueue) *Manager {
	return NewManager(queue, Config{
		FailureThreshold: 3,
		OpenTimeout:      time.Minute,
		GracePeriod:      time.Hour,
	}, zerolog.Nop())
}

func TestHandleFailureRateLimitEnqueues(t *testing.T) {
	queue := &fakeQueue{}
	manager := newTestManager(queue)

	err := &domain.RateLimitError{RetryAfter: 42 * time.Second}
	decision := manager.HandleFailure(context.Background(), err, "startups", domain.FetchOptions{Limit: 25})

	if !decision.UseFallback || decision.Method != MethodQueue {
		t.Fatalf("превышение квоты должно откладывать запрос, получили %+v", decision)
	}
	if decision.Delay != 42*time.Second {
		t.Fatalf("задержка должна браться из Retry-After, получили %v", decision.Delay)
	}
	if len(queue.items) != 1 {
		t.Fatalf("ожидали один отложенный запрос, получили %d", len(queue.items))
	}
	req := queue.items[0]
	if req.Subreddit != "startups" || req.Options.Limit != 25 {
		t.Fatalf("отложенный запрос потерял параметры: %+v", req)
	}
	if req.ID == "" {
		t.Fatal("отложенный запрос должен получать идентификатор")
	}
}

func TestHandleFailureAuthPinsBreaker(t *testing.T) {
	manager := newTestManager(&fakeQueue{})

	decision := manager.HandleFailure(context.Background(), domain.ErrAuth, "startups", domain.FetchOptions{})
	if decision.Method != MethodCache {
		t.Fatalf("отказ авторизации должен переводить на кэш, получили %s", decision.Method)
	}
	if manager.State() != string(StateOpen) {
		t.Fatalf("цепь должна быть разомкнута, получили %s", manager.State())
	}

	manager.RecordSuccess()
	if manager.State() != string(StateOpen) {
		t.Fatal("успех не должен замыкать закреплённую цепь")
	}
	manager.Reset()
	if manager.State() != string(StateClosed) {
		t.Fatalf("ручной сброс должен замыкать цепь, получили %s", manager.State())
	}
}

func TestHandleFailureGenericDegrades(t *testing.T) {
	manager := newTestManager(&fakeQueue{})

	decision := manager.HandleFailure(context.Background(), errors.New("что-то пошло не так"), "startups", domain.FetchOptions{})
	if decision.Method != MethodDegrade {
		t.Fatalf("неклассифицированный отказ ведёт в урезанный режим, получили %s", decision.Method)
	}
	degraded, params := manager.Degraded()
	if !degraded {
		t.Fatal("урезанный режим не включился")
	}
	if params.FetchLimit != 10 || params.IntervalMultiple != 2 || !params.PriorityOnly {
		t.Fatalf("неожиданные параметры урезанного режима: %+v", params)
	}

	manager.RecordSuccess()
	if degraded, _ := manager.Degraded(); degraded {
		t.Fatal("успех должен выводить из урезанного режима")
	}
}

func TestShouldUseFallbackRateProximity(t *testing.T) {
	manager := newTestManager(&fakeQueue{})

	manager.ObserveRateLimit(&domain.RateLimitInfo{Used: 95, Remaining: 5, ResetAt: time.Now().Add(30 * time.Second)})
	decision := manager.ShouldUseFallback(context.Background(), "reddit")
	if !decision.UseFallback || decision.Method != MethodQueue {
		t.Fatalf("при исчерпании квоты ожидали отложенный режим, получили %+v", decision)
	}

	manager.ObserveRateLimit(&domain.RateLimitInfo{Used: 10, Remaining: 90})
	decision = manager.ShouldUseFallback(context.Background(), "reddit")
	if decision.UseFallback {
		t.Fatalf("при свободной квоте обход не нужен, получили %+v", decision)
	}
}

func TestDrainLoopRetriesFailedRequests(t *testing.T) {
	queue := &fakeQueue{}
	manager := NewManager(queue, Config{
		FailureThreshold: 3,
		OpenTimeout:      time.Minute,
		GracePeriod:      time.Hour,
		DrainInterval:    5 * time.Millisecond,
	}, zerolog.Nop())

	_ = queue.Enqueue(context.Background(), domain.QueuedRequest{ID: "r1", Subreddit: "startups"})

	calls := 0
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(60 * time.Millisecond)
		cancel()
	}()
	manager.DrainLoop(ctx, func(_ context.Context, req domain.QueuedRequest) error {
		calls++
		if calls == 1 {
			return errors.New("временный сбой")
		}
		return nil
	})

	if calls < 2 {
		t.Fatalf("неудачный запрос должен вернуться в очередь и повториться, вызовов: %d", calls)
	}
	if len(queue.items) != 0 {
		t.Fatalf("после успешной обработки очередь должна быть пустой, осталось %d", len(queue.items))
	}
}
