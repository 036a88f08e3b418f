package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"startup-sniff/internal/domain"
)

// RedisFetchQueue реализует долговременную приоритетную очередь отложенных
// запросов на базе Redis sorted set. Меньший score извлекается первым:
// high раньше medium, medium раньше low, внутри приоритета — FIFO.
type RedisFetchQueue struct {
	client *redis.Client
	key    string
}

var _ domain.FetchQueue = (*RedisFetchQueue)(nil)

// NewRedisFetchQueue создаёт очередь по указанному ключу.
func NewRedisFetchQueue(client *redis.Client, key string) *RedisFetchQueue {
	return &RedisFetchQueue{client: client, key: key}
}

// priorityScore строит score элемента: полоса приоритета + момент постановки.
func priorityScore(p domain.Priority, at time.Time) float64 {
	band := float64(3-p.Weight()) * 1e13
	return band + float64(at.UnixMilli())
}

// Enqueue публикует запрос в очередь.
func (q *RedisFetchQueue) Enqueue(ctx context.Context, req domain.QueuedRequest) error {
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	member := redis.Z{Score: priorityScore(req.Priority, req.EnqueuedAt), Member: payload}
	if err := q.client.ZAdd(ctx, q.key, member).Err(); err != nil {
		return fmt.Errorf("zadd request: %w", err)
	}
	return nil
}

// Dequeue атомарно извлекает запрос с наивысшим приоритетом.
func (q *RedisFetchQueue) Dequeue(ctx context.Context) (domain.QueuedRequest, bool, error) {
	members, err := q.client.ZPopMin(ctx, q.key, 1).Result()
	if err != nil {
		return domain.QueuedRequest{}, false, fmt.Errorf("zpopmin: %w", err)
	}
	if len(members) == 0 {
		return domain.QueuedRequest{}, false, nil
	}
	raw, ok := members[0].Member.(string)
	if !ok {
		return domain.QueuedRequest{}, false, fmt.Errorf("redis queue: неожиданный тип элемента %T", members[0].Member)
	}
	var req domain.QueuedRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return domain.QueuedRequest{}, false, fmt.Errorf("decode request: %w", err)
	}
	return req, true, nil
}

// Len возвращает размер очереди.
func (q *RedisFetchQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.ZCard(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard: %w", err)
	}
	return n, nil
}
