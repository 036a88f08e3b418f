package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"startup-sniff/internal/domain"
	"startup-sniff/internal/infra/metrics"
)

// RabbitFetchQueue реализует очередь отложенных запросов через AMQP.
// Приоритет моделируется тремя долговечными очередями; чтение обходит их
// в порядке high → medium → low.
type RabbitFetchQueue struct {
	url    string
	prefix string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

var _ domain.FetchQueue = (*RabbitFetchQueue)(nil)

var queuePriorities = []domain.Priority{domain.PriorityHigh, domain.PriorityMedium, domain.PriorityLow}

// NewRabbitFetchQueue создаёт очередь с указанным префиксом имён.
func NewRabbitFetchQueue(url, prefix string) (*RabbitFetchQueue, error) {
	if url == "" {
		return nil, errors.New("amqp url is empty")
	}
	if prefix == "" {
		return nil, errors.New("queue prefix is empty")
	}
	return &RabbitFetchQueue{url: url, prefix: prefix}, nil
}

func (q *RabbitFetchQueue) queueName(p domain.Priority) string {
	return fmt.Sprintf("%s.%s", q.prefix, p)
}

// channel лениво устанавливает соединение и объявляет очереди.
func (q *RabbitFetchQueue) channel() (*amqp.Channel, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch != nil && !q.ch.IsClosed() {
		return q.ch, nil
	}
	conn, err := amqp.Dial(q.url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	for _, p := range queuePriorities {
		if _, err := ch.QueueDeclare(q.queueName(p), true, false, false, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, fmt.Errorf("declare queue %s: %w", q.queueName(p), err)
		}
	}
	q.conn = conn
	q.ch = ch
	return ch, nil
}

// Enqueue публикует запрос в очередь его приоритета.
func (q *RabbitFetchQueue) Enqueue(ctx context.Context, req domain.QueuedRequest) error {
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	ch, err := q.channel()
	if err != nil {
		return err
	}
	start := time.Now()
	err = ch.PublishWithContext(ctx, "", q.queueName(req.Priority), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    req.ID,
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queueName(req.Priority), start, err)
	if err != nil {
		return fmt.Errorf("publish request: %w", err)
	}
	return nil
}

// Dequeue извлекает запрос, обходя очереди от высокого приоритета к низкому.
func (q *RabbitFetchQueue) Dequeue(ctx context.Context) (domain.QueuedRequest, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.QueuedRequest{}, false, err
	}
	ch, err := q.channel()
	if err != nil {
		return domain.QueuedRequest{}, false, err
	}
	for _, p := range queuePriorities {
		start := time.Now()
		delivery, ok, err := ch.Get(q.queueName(p), true)
		metrics.ObserveNetworkRequest("rabbitmq", "get", q.queueName(p), start, err)
		if err != nil {
			return domain.QueuedRequest{}, false, fmt.Errorf("get from %s: %w", q.queueName(p), err)
		}
		if !ok {
			continue
		}
		var req domain.QueuedRequest
		if err := json.Unmarshal(delivery.Body, &req); err != nil {
			return domain.QueuedRequest{}, false, fmt.Errorf("decode request: %w", err)
		}
		return req, true, nil
	}
	return domain.QueuedRequest{}, false, nil
}

// Len возвращает суммарный размер очередей всех приоритетов.
func (q *RabbitFetchQueue) Len(ctx context.Context) (int64, error) {
	ch, err := q.channel()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, p := range queuePriorities {
		state, err := ch.QueueDeclarePassive(q.queueName(p), true, false, false, false, nil)
		if err != nil {
			return 0, fmt.Errorf("inspect queue %s: %w", q.queueName(p), err)
		}
		total += int64(state.Messages)
	}
	return total, nil
}

// Close закрывает соединение с брокером.
func (q *RabbitFetchQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch != nil {
		_ = q.ch.Close()
		q.ch = nil
	}
	if q.conn != nil {
		err := q.conn.Close()
		q.conn = nil
		return err
	}
	return nil
}
