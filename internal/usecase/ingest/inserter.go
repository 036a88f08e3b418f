package ingest

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"startup-sniff/internal/domain"
	"startup-sniff/internal/infra/metrics"
)

// Config — параметры пакетной вставки.
type Config struct {
	BatchSize     int
	MaxRetries    int
	RetryDelay    time.Duration
	ScoreMargin   int
	CommentMargin int
	StaleAfter    time.Duration
	// Deduplicate включает режим с поиском существующих строк. Без него
	// вставка идёт напрямую: быстрее, но возможны дубликаты.
	Deduplicate bool
}

// Inserter выполняет пакетную, дедуплицированную вставку с разрешением
// конфликтов по политике.
type Inserter struct {
	repo domain.PostRepo
	cfg  Config
	log  zerolog.Logger
}

// NewInserter создаёт вставщик.
func NewInserter(repo domain.PostRepo, cfg Config, log zerolog.Logger) *Inserter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 7 * 24 * time.Hour
	}
	return &Inserter{repo: repo, cfg: cfg, log: log}
}

// InsertBatch вставляет пакет: предварительная дедупликация по хэшу, затем
// под-батчи с ограниченным повтором при временных сбоях.
func (ins *Inserter) InsertBatch(ctx context.Context, posts []domain.Post) domain.InsertionResult {
	var result domain.InsertionResult
	if len(posts) == 0 {
		return result
	}

	seen := make(map[string]struct{}, len(posts))
	deduped := make([]domain.Post, 0, len(posts))
	for _, post := range posts {
		if _, dup := seen[post.Hash]; dup {
			result.Duplicates++
			continue
		}
		seen[post.Hash] = struct{}{}
		deduped = append(deduped, post)
	}

	for offset := 0; offset < len(deduped); offset += ins.cfg.BatchSize {
		end := offset + ins.cfg.BatchSize
		if end > len(deduped) {
			end = len(deduped)
		}
		chunk := deduped[offset:end]
		chunkResult := ins.insertChunkWithRetry(ctx, chunk)
		result.Add(chunkResult)
	}

	metrics.InsertOutcomes.WithLabelValues("inserted").Add(float64(result.Inserted))
	metrics.InsertOutcomes.WithLabelValues("updated").Add(float64(result.Updated))
	metrics.InsertOutcomes.WithLabelValues("skipped").Add(float64(result.Skipped))
	metrics.InsertOutcomes.WithLabelValues("failed").Add(float64(result.Failed))
	return result
}

func (ins *Inserter) insertChunkWithRetry(ctx context.Context, chunk []domain.Post) domain.InsertionResult {
	var lastErr error
	for attempt := 0; attempt < ins.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := ins.cfg.RetryDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return failAll(chunk)
			case <-time.After(delay):
			}
		}
		result, err := ins.insertChunk(ctx, chunk)
		if err == nil {
			return result
		}
		lastErr = err
		ins.log.Warn().Err(err).Int("attempt", attempt+1).Int("chunk", len(chunk)).Msg("inserter: сбой под-батча, повторим")
	}
	ins.log.Error().Err(lastErr).Int("chunk", len(chunk)).Msg("inserter: под-батч не вставлен после всех повторов")
	return failAll(chunk)
}

func (ins *Inserter) insertChunk(ctx context.Context, chunk []domain.Post) (domain.InsertionResult, error) {
	var result domain.InsertionResult

	if !ins.cfg.Deduplicate {
		inserted, err := ins.repo.InsertPosts(ctx, chunk)
		if err != nil {
			return result, err
		}
		result.Inserted = inserted
		result.Skipped = len(chunk) - inserted
		return result, nil
	}

	hashes := make([]string, 0, len(chunk))
	ids := make([]string, 0, len(chunk))
	for _, post := range chunk {
		hashes = append(hashes, post.Hash)
		ids = append(ids, post.ExternalID)
	}
	existing, err := ins.repo.FindByHashesOrIDs(ctx, hashes, ids)
	if err != nil {
		return result, err
	}
	byHash := make(map[string]domain.Post, len(existing))
	byID := make(map[string]domain.Post, len(existing))
	for _, post := range existing {
		byHash[post.Hash] = post
		byID[post.ExternalID] = post
	}

	toInsert := make([]domain.Post, 0, len(chunk))
	for _, post := range chunk {
		current, found := byHash[post.Hash]
		if !found {
			current, found = byID[post.ExternalID]
		}
		if !found {
			toInsert = append(toInsert, post)
			continue
		}
		if ins.shouldUpdate(post, current) {
			if err := ins.repo.UpdatePost(ctx, post); err != nil {
				// Конфликт не разрешён — фиксируем идентификатор, не теряем молча.
				ins.log.Error().Err(err).Str("post", post.ExternalID).Msg("inserter: конфликт не разрешён")
				result.Failed++
				result.FailedIDs = append(result.FailedIDs, post.ExternalID)
				continue
			}
			result.Updated++
			continue
		}
		result.Skipped++
	}

	if len(toInsert) > 0 {
		inserted, err := ins.repo.InsertPosts(ctx, toInsert)
		if err != nil {
			return result, err
		}
		result.Inserted += inserted
		// Гонка с параллельным писателем: строка появилась между поиском
		// и вставкой. ON CONFLICT DO NOTHING превращает её в пропуск.
		result.Skipped += len(toInsert) - inserted
	}
	return result, nil
}

// shouldUpdate — политика обновления существующей строки: заметный рост
// рейтинга или комментариев, появление анализа или устаревание записи.
func (ins *Inserter) shouldUpdate(incoming, current domain.Post) bool {
	if incoming.Score-current.Score > ins.cfg.ScoreMargin {
		return true
	}
	if incoming.NumComments-current.NumComments > ins.cfg.CommentMargin {
		return true
	}
	if incoming.Analysis != nil && current.Analysis == nil {
		return true
	}
	if time.Since(current.UpdatedAt) > ins.cfg.StaleAfter {
		return true
	}
	return false
}

func failAll(chunk []domain.Post) domain.InsertionResult {
	result := domain.InsertionResult{Failed: len(chunk)}
	for _, post := range chunk {
		result.FailedIDs = append(result.FailedIDs, post.ExternalID)
	}
	return result
}
