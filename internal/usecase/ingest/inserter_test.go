package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"startup-sniff/internal/domain"
)

type fakeRepo struct {
	posts      map[string]domain.Post // по хэшу
	insertErrs int
	findErrs   int
	updateErr  error
	inserts    int
	updates    int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{posts: make(map[string]domain.Post)}
}

func (r *fakeRepo) InsertPosts(_ context.Context, posts []domain.Post) (int, error) {
	if r.insertErrs > 0 {
		r.insertErrs--
		return 0, errors.New("db: временный сбой")
	}
	inserted := 0
	for _, post := range posts {
		if _, exists := r.posts[post.Hash]; exists {
			continue
		}
		r.posts[post.Hash] = post
		inserted++
	}
	r.inserts++
	return inserted, nil
}

func (r *fakeRepo) FindByHashesOrIDs(_ context.Context, hashes, externalIDs []string) ([]domain.Post, error) {
	if r.findErrs > 0 {
		r.findErrs--
		return nil, errors.New("db: временный сбой")
	}
	var out []domain.Post
	for _, post := range r.posts {
		for _, h := range hashes {
			if post.Hash == h {
				out = append(out, post)
			}
		}
		for _, id := range externalIDs {
			if post.ExternalID == id && post.Hash != "" && !containsHash(hashes, post.Hash) {
				out = append(out, post)
			}
		}
	}
	return out, nil
}

func containsHash(hashes []string, h string) bool {
	for _, x := range hashes {
		if x == h {
			return true
		}
	}
	return false
}

func (r *fakeRepo) UpdatePost(_ context.Context, post domain.Post) error {
	if r.updateErr != nil {
		return r.updateErr
	}
	for hash, existing := range r.posts {
		if existing.ExternalID == post.ExternalID {
			delete(r.posts, hash)
			break
		}
	}
	r.posts[post.Hash] = post
	r.updates++
	return nil
}

func (r *fakeRepo) UpdateScores(_ context.Context, _ string, _ domain.OpportunityScore) error {
	return nil
}

func (r *fakeRepo) UpdateTrendTopics(_ context.Context, _ string, _ []string) error { return nil }

func (r *fakeRepo) ListRecent(_ context.Context, _ time.Time, _ int) ([]domain.Post, error) {
	return nil, nil
}

func (r *fakeRepo) CountPosts(_ context.Context, _ domain.PostFilter) (int, error) {
	return len(r.posts), nil
}

func (r *fakeRepo) DeleteOlderThan(_ context.Context, _ time.Duration) (int64, error) {
	return 0, nil
}

func testPost(id, title string, score int) domain.Post {
	post := domain.Post{
		ExternalID:  id,
		Subreddit:   "startups",
		Title:       title,
		Author:      "jane",
		Score:       score,
		NumComments: 1,
		CreatedAt:   time.Now().Add(-time.Hour),
		UpdatedAt:   time.Now(),
	}
	post.ComputeHash()
	return post
}

func newTestInserter(repo domain.PostRepo) *Inserter {
	return NewInserter(repo, Config{
		BatchSize:     2,
		MaxRetries:    3,
		RetryDelay:    time.Millisecond,
		ScoreMargin:   10,
		CommentMargin: 5,
		StaleAfter:    time.Hour,
		Deduplicate:   true,
	}, zerolog.Nop())
}

func TestInsertBatchDedupesWithinBatch(t *testing.T) {
	repo := newFakeRepo()
	inserter := newTestInserter(repo)

	a := testPost("t3_a", "first idea", 5)
	result := inserter.InsertBatch(context.Background(), []domain.Post{a, a, testPost("t3_b", "second idea", 3)})

	if result.Duplicates != 1 {
		t.Fatalf("повтор внутри пакета считается дубликатом, получили %d", result.Duplicates)
	}
	if result.Inserted != 2 {
		t.Fatalf("ожидали 2 вставки, получили %d", result.Inserted)
	}
}

func TestInsertBatchSecondRunIsIdempotent(t *testing.T) {
	repo := newFakeRepo()
	inserter := newTestInserter(repo)
	batch := []domain.Post{
		testPost("t3_a", "first idea", 5),
		testPost("t3_b", "second idea", 3),
		testPost("t3_c", "third idea", 8),
	}

	first := inserter.InsertBatch(context.Background(), batch)
	if first.Inserted != 3 || first.Failed != 0 {
		t.Fatalf("первый прогон должен вставить все посты, получили %+v", first)
	}

	second := inserter.InsertBatch(context.Background(), batch)
	if second.Inserted != 0 {
		t.Fatalf("повторный прогон не должен вставлять, получили %d вставок", second.Inserted)
	}
	if second.Skipped != 3 {
		t.Fatalf("неизменившиеся посты пропускаются, получили %+v", second)
	}
	if got := len(repo.posts); got != 3 {
		t.Fatalf("в хранилище должно остаться 3 поста, получили %d", got)
	}
}

func TestInsertBatchUpdatesOnScoreGrowth(t *testing.T) {
	repo := newFakeRepo()
	inserter := newTestInserter(repo)

	original := testPost("t3_a", "first idea", 5)
	inserter.InsertBatch(context.Background(), []domain.Post{original})

	grown := testPost("t3_a", "first idea", 50)
	result := inserter.InsertBatch(context.Background(), []domain.Post{grown})
	if result.Updated != 1 {
		t.Fatalf("рост рейтинга выше порога должен обновлять строку, получили %+v", result)
	}
	if repo.posts[grown.Hash].Score != 50 {
		t.Fatalf("обновлённый рейтинг не сохранился: %+v", repo.posts[grown.Hash])
	}
}

func TestInsertBatchUpdatesWhenAnalysisAppears(t *testing.T) {
	repo := newFakeRepo()
	inserter := newTestInserter(repo)

	plain := testPost("t3_a", "first idea", 5)
	inserter.InsertBatch(context.Background(), []domain.Post{plain})

	analyzed := plain
	analyzed.Analysis = &domain.Analysis{Quality: 70, Source: domain.AnalysisSourceLLM}
	result := inserter.InsertBatch(context.Background(), []domain.Post{analyzed})
	if result.Updated != 1 {
		t.Fatalf("появление анализа должно обновлять строку, получили %+v", result)
	}
}

func TestInsertBatchRetriesTransientFailure(t *testing.T) {
	repo := newFakeRepo()
	repo.findErrs = 2 // первые две попытки падают, третья проходит
	inserter := newTestInserter(repo)

	result := inserter.InsertBatch(context.Background(), []domain.Post{testPost("t3_a", "first idea", 5)})
	if result.Inserted != 1 || result.Failed != 0 {
		t.Fatalf("временный сбой должен перекрываться повтором, получили %+v", result)
	}
}

func TestInsertBatchFailsAfterRetriesExhausted(t *testing.T) {
	repo := newFakeRepo()
	repo.findErrs = 10
	inserter := newTestInserter(repo)

	result := inserter.InsertBatch(context.Background(), []domain.Post{
		testPost("t3_a", "first idea", 5),
		testPost("t3_b", "second idea", 3),
	})
	if result.Failed != 2 {
		t.Fatalf("исчерпание повторов помечает весь под-батч, получили %+v", result)
	}
	if len(result.FailedIDs) != 2 {
		t.Fatalf("идентификаторы проваленных постов должны сохраняться, получили %v", result.FailedIDs)
	}
}

func TestInsertBatchUnresolvedConflictKeepsID(t *testing.T) {
	repo := newFakeRepo()
	inserter := newTestInserter(repo)

	original := testPost("t3_a", "first idea", 5)
	inserter.InsertBatch(context.Background(), []domain.Post{original})

	repo.updateErr = errors.New("db: deadlock")
	grown := testPost("t3_a", "first idea", 50)
	result := inserter.InsertBatch(context.Background(), []domain.Post{grown})
	if result.Failed != 1 || len(result.FailedIDs) != 1 || result.FailedIDs[0] != "t3_a" {
		t.Fatalf("неразрешённый конфликт должен фиксировать идентификатор, получили %+v", result)
	}
}
