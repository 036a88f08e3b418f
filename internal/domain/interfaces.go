package domain

import (
	"context"
	"time"
)

// Fetcher выгружает посты одного сабреддита из upstream API.
type Fetcher interface {
	FetchPosts(ctx context.Context, subreddit string, opts FetchOptions) (FetchResult, error)
}

// Analyzer строит анализ содержимого поста.
type Analyzer interface {
	Analyze(ctx context.Context, post Post) (Analysis, error)
}

// PostRepo управляет постами в реляционном хранилище.
type PostRepo interface {
	InsertPosts(ctx context.Context, posts []Post) (int, error)
	FindByHashesOrIDs(ctx context.Context, hashes, externalIDs []string) ([]Post, error)
	UpdatePost(ctx context.Context, post Post) error
	UpdateScores(ctx context.Context, externalID string, score OpportunityScore) error
	UpdateTrendTopics(ctx context.Context, externalID string, topics []string) error
	ListRecent(ctx context.Context, since time.Time, limit int) ([]Post, error)
	CountPosts(ctx context.Context, filter PostFilter) (int, error)
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// PostFilter задаёт фильтр для подсчёта постов.
type PostFilter struct {
	Subreddit    string
	MinScore     int
	MinViability float64
	Since        time.Time
}

// RunRepo сохраняет историю запусков задач.
type RunRepo interface {
	SaveRun(ctx context.Context, run JobRun) error
	ListRuns(ctx context.Context, jobName string, since time.Time, limit int) ([]JobRun, error)
}

// Cache — простое TTL-хранилище с атомарными счётчиками.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	Delete(ctx context.Context, key string) error
}

// FetchQueue — долговременная приоритетная очередь отложенных запросов.
type FetchQueue interface {
	Enqueue(ctx context.Context, req QueuedRequest) error
	// Dequeue возвращает запрос с наивысшим приоритетом или ok=false,
	// если очередь пуста.
	Dequeue(ctx context.Context) (QueuedRequest, bool, error)
	Len(ctx context.Context) (int64, error)
}

// HealthReporter отдаёт снимок здоровья компонента.
type HealthReporter interface {
	Health(ctx context.Context) ComponentHealth
}
