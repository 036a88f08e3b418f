package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"startup-sniff/internal/domain"
	"startup-sniff/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.PostRepo = (*Postgres)(nil)
	_ domain.RunRepo  = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return p.connCtx()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// InsertPosts делает мультистрочную вставку постов. Конфликты по внешнему
// идентификатору или хэшу игнорируются на уровне БД; возвращается число
// реально вставленных строк.
func (p *Postgres) InsertPosts(ctx context.Context, posts []domain.Post) (int, error) {
	if len(posts) == 0 {
		return 0, nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	values := make([]string, 0, len(posts))
	args := make([]any, 0, len(posts)*12)
	for i, post := range posts {
		base := i * 12
		values = append(values, fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11, base+12))
		args = append(args,
			post.ExternalID, post.Subreddit, post.Title, nullString(post.Body), post.URL,
			post.Author, post.Score, post.NumComments, post.CreatedAt, post.Hash,
			marshalAnalysis(post.Analysis), post.ProcessedAt,
		)
	}
	query := `
INSERT INTO posts (external_id, subreddit, title, body, url, author, score, num_comments, created_at, hash, analysis, processed_at)
VALUES ` + strings.Join(values, ",") + `
ON CONFLICT DO NOTHING`

	start := time.Now()
	tag, err := p.pool.Exec(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", "posts_insert", "posts", start, err)
	if err != nil {
		return 0, fmt.Errorf("insert posts: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// FindByHashesOrIDs возвращает существующие строки по хэшу содержимого или
// внешнему идентификатору: оба ключа участвуют в разрешении конфликтов.
func (p *Postgres) FindByHashesOrIDs(ctx context.Context, hashes, externalIDs []string) ([]domain.Post, error) {
	if len(hashes) == 0 && len(externalIDs) == 0 {
		return nil, nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, external_id, subreddit, title, COALESCE(body,''), url, author, score, num_comments,
       created_at, hash, analysis, viability_score, processed_at, inserted_at, updated_at
FROM posts
WHERE hash = ANY($1) OR external_id = ANY($2)`, hashes, externalIDs)
	metrics.ObserveNetworkRequest("postgres", "posts_lookup", "posts", start, err)
	if err != nil {
		return nil, fmt.Errorf("lookup posts: %w", err)
	}
	defer rows.Close()

	var out []domain.Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, post)
	}
	return out, rows.Err()
}

// UpdatePost обновляет изменяемые поля существующей строки.
func (p *Postgres) UpdatePost(ctx context.Context, post domain.Post) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE posts
SET title = $2, body = NULLIF($3,''), score = $4, num_comments = $5,
    analysis = COALESCE($6, analysis), processed_at = COALESCE($7, processed_at), updated_at = now()
WHERE external_id = $1`,
		post.ExternalID, post.Title, post.Body, post.Score, post.NumComments,
		marshalAnalysis(post.Analysis), post.ProcessedAt)
	metrics.ObserveNetworkRequest("postgres", "posts_update", "posts", start, err)
	if err != nil {
		return fmt.Errorf("update post %s: %w", post.ExternalID, err)
	}
	return nil
}

// UpdateScores дописывает оценку жизнеспособности, не разрушая остальные
// поля строки.
func (p *Postgres) UpdateScores(ctx context.Context, externalID string, score domain.OpportunityScore) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	payload, err := json.Marshal(score)
	if err != nil {
		return fmt.Errorf("marshal score: %w", err)
	}
	start := time.Now()
	_, err = p.pool.Exec(ctx, `
UPDATE posts SET viability_score = $2, opportunity = $3, updated_at = now()
WHERE external_id = $1`, externalID, score.Viability, payload)
	metrics.ObserveNetworkRequest("postgres", "posts_update_score", "posts", start, err)
	if err != nil {
		return fmt.Errorf("update score %s: %w", externalID, err)
	}
	return nil
}

// UpdateTrendTopics дописывает темы трендов к строке поста.
func (p *Postgres) UpdateTrendTopics(ctx context.Context, externalID string, topics []string) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE posts SET trend_topics = $2, updated_at = now() WHERE external_id = $1`, externalID, topics)
	metrics.ObserveNetworkRequest("postgres", "posts_update_trends", "posts", start, err)
	if err != nil {
		return fmt.Errorf("update trends %s: %w", externalID, err)
	}
	return nil
}

// ListRecent возвращает посты, созданные после указанного момента.
func (p *Postgres) ListRecent(ctx context.Context, since time.Time, limit int) ([]domain.Post, error) {
	if limit <= 0 {
		limit = 1000
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, external_id, subreddit, title, COALESCE(body,''), url, author, score, num_comments,
       created_at, hash, analysis, viability_score, processed_at, inserted_at, updated_at
FROM posts WHERE created_at >= $1
ORDER BY created_at DESC LIMIT $2`, since, limit)
	metrics.ObserveNetworkRequest("postgres", "posts_list_recent", "posts", start, err)
	if err != nil {
		return nil, fmt.Errorf("list recent posts: %w", err)
	}
	defer rows.Close()

	var out []domain.Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, post)
	}
	return out, rows.Err()
}

// CountPosts считает посты по фильтру.
func (p *Postgres) CountPosts(ctx context.Context, filter domain.PostFilter) (int, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	conditions := []string{"TRUE"}
	args := []any{}
	if filter.Subreddit != "" {
		args = append(args, strings.ToLower(filter.Subreddit))
		conditions = append(conditions, fmt.Sprintf("subreddit = $%d", len(args)))
	}
	if filter.MinScore > 0 {
		args = append(args, filter.MinScore)
		conditions = append(conditions, fmt.Sprintf("score >= $%d", len(args)))
	}
	if filter.MinViability > 0 {
		args = append(args, filter.MinViability)
		conditions = append(conditions, fmt.Sprintf("viability_score >= $%d", len(args)))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	query := "SELECT COUNT(*) FROM posts WHERE " + strings.Join(conditions, " AND ")

	var count int
	start := time.Now()
	err := p.pool.QueryRow(ctx, query, args...).Scan(&count)
	metrics.ObserveNetworkRequest("postgres", "posts_count", "posts", start, err)
	if err != nil {
		return 0, fmt.Errorf("count posts: %w", err)
	}
	return count, nil
}

// DeleteOlderThan удаляет посты старше указанного возраста (retention).
func (p *Postgres) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	cutoff := time.Now().UTC().Add(-age)
	start := time.Now()
	tag, err := p.pool.Exec(ctx, `DELETE FROM posts WHERE created_at < $1`, cutoff)
	metrics.ObserveNetworkRequest("postgres", "posts_cleanup", "posts", start, err)
	if err != nil {
		return 0, fmt.Errorf("cleanup posts: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SaveRun сохраняет запись истории запуска.
func (p *Postgres) SaveRun(ctx context.Context, run domain.JobRun) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO job_runs (id, job_name, started_at, finished_at, status, error, attempt, fetched, processed, inserted)
VALUES ($1, $2, $3, $4, $5, NULLIF($6,''), $7, $8, $9, $10)
ON CONFLICT (id) DO UPDATE SET finished_at = EXCLUDED.finished_at, status = EXCLUDED.status,
    error = EXCLUDED.error, fetched = EXCLUDED.fetched, processed = EXCLUDED.processed, inserted = EXCLUDED.inserted`,
		run.ID, run.JobName, run.StartedAt, run.FinishedAt, run.Status, run.Error,
		run.Attempt, run.Fetched, run.Processed, run.Inserted)
	metrics.ObserveNetworkRequest("postgres", "job_runs_insert", "job_runs", start, err)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// ListRuns возвращает историю запусков задачи за период.
func (p *Postgres) ListRuns(ctx context.Context, jobName string, since time.Time, limit int) ([]domain.JobRun, error) {
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, job_name, started_at, finished_at, status, COALESCE(error,''), attempt, fetched, processed, inserted
FROM job_runs
WHERE ($1 = '' OR job_name = $1) AND started_at >= $2
ORDER BY started_at DESC LIMIT $3`, jobName, since, limit)
	metrics.ObserveNetworkRequest("postgres", "job_runs_list", "job_runs", start, err)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []domain.JobRun
	for rows.Next() {
		var run domain.JobRun
		if err := rows.Scan(&run.ID, &run.JobName, &run.StartedAt, &run.FinishedAt, &run.Status,
			&run.Error, &run.Attempt, &run.Fetched, &run.Processed, &run.Inserted); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Duration = run.FinishedAt.Sub(run.StartedAt)
		out = append(out, run)
	}
	return out, rows.Err()
}

// SaveHealthSnapshot сохраняет снимок здоровья для истории.
func (p *Postgres) SaveHealthSnapshot(ctx context.Context, status domain.HealthStatus) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal health: %w", err)
	}
	start := time.Now()
	_, err = p.pool.Exec(ctx, `
INSERT INTO health_snapshots (overall, snapshot, created_at) VALUES ($1, $2, $3)`,
		status.Overall, payload, status.GeneratedAt)
	metrics.ObserveNetworkRequest("postgres", "health_insert", "health_snapshots", start, err)
	if err != nil {
		return fmt.Errorf("save health snapshot: %w", err)
	}
	return nil
}

func scanPost(rows pgx.Rows) (domain.Post, error) {
	var (
		post      domain.Post
		analysis  []byte
		viability sql.NullFloat64
		processed sql.NullTime
	)
	if err := rows.Scan(&post.ID, &post.ExternalID, &post.Subreddit, &post.Title, &post.Body,
		&post.URL, &post.Author, &post.Score, &post.NumComments, &post.CreatedAt, &post.Hash,
		&analysis, &viability, &processed, &post.InsertedAt, &post.UpdatedAt); err != nil {
		return domain.Post{}, fmt.Errorf("scan post: %w", err)
	}
	if len(analysis) > 0 {
		var parsed domain.Analysis
		if err := json.Unmarshal(analysis, &parsed); err == nil {
			post.Analysis = &parsed
		}
	}
	if viability.Valid {
		v := viability.Float64
		post.ViabilityScore = &v
	}
	if processed.Valid {
		ts := processed.Time
		post.ProcessedAt = &ts
	}
	return post, nil
}

func marshalAnalysis(a *domain.Analysis) []byte {
	if a == nil {
		return nil
	}
	data, err := json.Marshal(a)
	if err != nil {
		return nil
	}
	return data
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
