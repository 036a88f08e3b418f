package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const logListKey = "monitor:logs"

// RedisLogSink хранит журнал в ограниченном списке Redis.
type RedisLogSink struct {
	client  *redis.Client
	maxSize int64
	ttl     time.Duration
}

// NewRedisLogSink создаёт хранилище журнала.
func NewRedisLogSink(client *redis.Client, maxSize int64, ttl time.Duration) *RedisLogSink {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &RedisLogSink{client: client, maxSize: maxSize, ttl: ttl}
}

// Append дописывает пакет записей и урезает список до maxSize.
func (s *RedisLogSink) Append(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal log entry: %w", err)
		}
		values = append(values, raw)
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, logListKey, values...)
	pipe.LTrim(ctx, logListKey, -s.maxSize, -1)
	pipe.Expire(ctx, logListKey, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append log entries: %w", err)
	}
	return nil
}

// Query выбирает последние записи с фильтрами по компоненту, уровню и времени.
func (s *RedisLogSink) Query(ctx context.Context, component, level string, since time.Time, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := s.client.LRange(ctx, logListKey, -s.maxSize, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read log entries: %w", err)
	}
	out := make([]Entry, 0, limit)
	// Список упорядочен от старых к новым, идём с конца.
	for i := len(raws) - 1; i >= 0 && len(out) < limit; i-- {
		var e Entry
		if err := json.Unmarshal([]byte(raws[i]), &e); err != nil {
			continue
		}
		if component != "" && e.Component != component {
			continue
		}
		if level != "" && !strings.EqualFold(e.Level, level) {
			continue
		}
		if !since.IsZero() && e.Time.Before(since) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
