package process

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"startup-sniff/internal/adapters/analyzer"
	"startup-sniff/internal/domain"
)

type stubAnalyzer struct {
	analysis domain.Analysis
	err      error
	calls    int
}

func (a *stubAnalyzer) Analyze(_ context.Context, _ domain.Post) (domain.Analysis, error) {
	a.calls++
	if a.err != nil {
		return domain.Analysis{}, a.err
	}
	return a.analysis, nil
}

func contentPost(id, title, body string) domain.Post {
	return domain.Post{
		ExternalID: id,
		Subreddit:  "startups",
		Title:      title,
		Body:       body,
		Author:     "jane",
		Score:      5,
		CreatedAt:  time.Now().Add(-time.Hour),
	}
}

func TestProcessBatchAttachesAnalysis(t *testing.T) {
	stub := &stubAnalyzer{analysis: domain.Analysis{
		Sentiment: 0.4,
		Intent:    []string{"seeking_solution"},
		Quality:   60,
		Source:    domain.AnalysisSourceLLM,
	}}
	processor := NewProcessor(stub, Config{MinQuality: 20, MinContentLength: 10}, zerolog.Nop())

	result := processor.ProcessBatch(context.Background(), []domain.Post{
		contentPost("t3_a", "Need an invoicing tool", "Spreadsheets stopped working for me."),
	})

	if len(result.Processed) != 1 {
		t.Fatalf("ожидали один обработанный пост, получили %+v", result)
	}
	post := result.Processed[0]
	if post.Analysis == nil || post.Analysis.Quality != 60 {
		t.Fatalf("анализ не прикреплён к посту: %+v", post.Analysis)
	}
	if post.Sentiment == nil || *post.Sentiment != 0.4 {
		t.Fatal("тональность должна копироваться из анализа")
	}
	if len(post.IntentFlags) != 1 || post.IntentFlags[0] != "seeking_solution" {
		t.Fatalf("флаги намерения не перенесены: %v", post.IntentFlags)
	}
	if post.ProcessedAt == nil {
		t.Fatal("время обработки не проставлено")
	}
}

func TestProcessBatchFallbackMarksLowConfidence(t *testing.T) {
	fallbacks := 0
	chain := analyzer.NewFallback(
		&stubAnalyzer{err: errors.New("llm: недоступен")},
		analyzer.NewRules(),
		func() { fallbacks++ },
	)
	processor := NewProcessor(chain, Config{MinQuality: 0, MinContentLength: 0}, zerolog.Nop())

	result := processor.ProcessBatch(context.Background(), []domain.Post{
		contentPost("t3_a", "How do I automate invoices?", "Frustrated with the current broken process, need a tool."),
	})

	if len(result.Processed) != 1 {
		t.Fatalf("отказ LLM не должен терять пост, получили %+v", result)
	}
	post := result.Processed[0]
	if post.Analysis.Source != domain.AnalysisSourceRules {
		t.Fatalf("ожидали эвристический анализ, получили %s", post.Analysis.Source)
	}
	if !post.Analysis.LowConfidence {
		t.Fatal("эвристический анализ обязан помечаться как низкодоверительный")
	}
	if fallbacks != 1 {
		t.Fatalf("колбэк перехода должен сработать один раз, получили %d", fallbacks)
	}
	if result.Metrics.Fallbacks != 1 {
		t.Fatalf("метрика переходов не посчитана: %+v", result.Metrics)
	}
}

func TestProcessBatchFiltersLowQuality(t *testing.T) {
	stub := &stubAnalyzer{analysis: domain.Analysis{Quality: 10, Source: domain.AnalysisSourceLLM}}
	processor := NewProcessor(stub, Config{MinQuality: 40, MinContentLength: 5}, zerolog.Nop())

	result := processor.ProcessBatch(context.Background(), []domain.Post{
		contentPost("t3_a", "Meh post", "nothing here"),
	})

	if len(result.Processed) != 0 {
		t.Fatalf("пост ниже порога качества должен отфильтровываться, получили %+v", result.Processed)
	}
	if result.Metrics.FilteredOut != 1 {
		t.Fatalf("фильтрация должна учитываться в метриках: %+v", result.Metrics)
	}
	if len(result.Failed) != 0 {
		t.Fatal("отфильтрованный пост не считается проваленным")
	}
}

func TestProcessBatchFailedAnalysisReported(t *testing.T) {
	stub := &stubAnalyzer{err: errors.New("совсем всё сломалось")}
	processor := NewProcessor(stub, Config{}, zerolog.Nop())

	result := processor.ProcessBatch(context.Background(), []domain.Post{
		contentPost("t3_a", "заголовок", "текст"),
	})

	if len(result.Failed) != 1 || result.Failed[0] != "t3_a" {
		t.Fatalf("проваленный анализ должен фиксировать идентификатор, получили %+v", result.Failed)
	}
}

func TestProcessBatchStripsMarkdown(t *testing.T) {
	stub := &stubAnalyzer{analysis: domain.Analysis{Quality: 80, Source: domain.AnalysisSourceLLM}}
	processor := NewProcessor(stub, Config{StripMarkdown: true}, zerolog.Nop())

	result := processor.ProcessBatch(context.Background(), []domain.Post{
		contentPost("t3_a", "A proper title", "**bold** statement with `code`"),
	})

	if len(result.Processed) != 1 {
		t.Fatalf("пост потерян: %+v", result)
	}
	if body := result.Processed[0].Body; body != "bold statement with code" {
		t.Fatalf("markdown должен убираться перед анализом, получили %q", body)
	}
}
