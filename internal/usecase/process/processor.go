package process

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"startup-sniff/internal/domain"
	"startup-sniff/internal/usecase/validate"
)

// Config — параметры обработчика постов.
type Config struct {
	MaxConcurrent    int
	MinQuality       int
	MinContentLength int
	ScoreFloor       int
	StripURLs        bool
	StripMarkdown    bool
	MaxBodyLength    int
}

// BatchMetrics — счётчики одного прогона обработки.
type BatchMetrics struct {
	Total       int
	Analyzed    int
	Fallbacks   int
	FilteredOut int
	Failed      int
	Duration    time.Duration
}

// BatchResult — итог обработки пакета.
type BatchResult struct {
	Processed []domain.Post
	Failed    []string
	Metrics   BatchMetrics
}

type outcome struct {
	post     domain.Post
	failed   bool
	keep     bool
	fellBack bool
}

// Processor прогоняет посты через санитизацию, анализ и фильтры качества.
type Processor struct {
	analyzer domain.Analyzer
	cfg      Config
	log      zerolog.Logger
}

// NewProcessor создаёт обработчик.
func NewProcessor(analyzer domain.Analyzer, cfg Config, log zerolog.Logger) *Processor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.MaxBodyLength <= 0 {
		cfg.MaxBodyLength = 10000
	}
	return &Processor{analyzer: analyzer, cfg: cfg, log: log}
}

var urlPattern = regexp.MustCompile(`https?://\S+`)

// ProcessBatch обрабатывает пакет чанками с ограниченной конкурентностью.
// Отказ анализа не валит пост: его прозрачно подменяет эвристика ещё на
// уровне анализатора, здесь фиксируется только признак низкого доверия.
func (p *Processor) ProcessBatch(ctx context.Context, posts []domain.Post) BatchResult {
	start := time.Now()
	result := BatchResult{Metrics: BatchMetrics{Total: len(posts)}}
	if len(posts) == 0 {
		return result
	}

	outcomes := make([]outcome, len(posts))
	for offset := 0; offset < len(posts); offset += p.cfg.MaxConcurrent {
		end := offset + p.cfg.MaxConcurrent
		if end > len(posts) {
			end = len(posts)
		}
		var wg sync.WaitGroup
		for i := offset; i < end; i++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				outcomes[idx] = p.processOne(ctx, posts[idx])
			}(i)
		}
		wg.Wait()
		if ctx.Err() != nil {
			break
		}
	}

	for i, o := range outcomes {
		switch {
		case o.failed:
			result.Failed = append(result.Failed, posts[i].ExternalID)
			result.Metrics.Failed++
		case !o.keep:
			result.Metrics.FilteredOut++
		default:
			result.Processed = append(result.Processed, o.post)
			result.Metrics.Analyzed++
			if o.fellBack {
				result.Metrics.Fallbacks++
			}
		}
	}
	result.Metrics.Duration = time.Since(start)
	return result
}

func (p *Processor) processOne(ctx context.Context, post domain.Post) outcome {
	p.sanitize(&post)

	analysis, err := p.analyzer.Analyze(ctx, post)
	if err != nil {
		// Сюда попадаем, только если и эвристика вернула ошибку.
		p.log.Error().Err(err).Str("post", post.ExternalID).Msg("processor: анализ не удался")
		return outcome{failed: true}
	}
	post.Analysis = &analysis
	post.Sentiment = &analysis.Sentiment
	if len(analysis.Intent) > 0 {
		post.IntentFlags = analysis.Intent
	}
	now := time.Now().UTC()
	post.ProcessedAt = &now

	if !p.passesFilters(post, analysis) {
		return outcome{}
	}
	return outcome{
		post:     post,
		keep:     true,
		fellBack: analysis.Source == domain.AnalysisSourceRules,
	}
}

// sanitize выполняет дополнительную очистку перед анализом: опциональное
// удаление ссылок и markdown, усечение текста.
func (p *Processor) sanitize(post *domain.Post) {
	if p.cfg.StripMarkdown {
		post.Body = validate.StripMarkdown(post.Body)
	}
	if p.cfg.StripURLs {
		post.Body = strings.TrimSpace(urlPattern.ReplaceAllString(post.Body, ""))
	}
	runes := []rune(post.Body)
	if len(runes) > p.cfg.MaxBodyLength {
		post.Body = string(runes[:p.cfg.MaxBodyLength])
	}
}

// passesFilters отсекает посты ниже порогов качества, длины и рейтинга.
func (p *Processor) passesFilters(post domain.Post, analysis domain.Analysis) bool {
	if analysis.Quality < p.cfg.MinQuality {
		return false
	}
	if post.ContentLength() < p.cfg.MinContentLength {
		return false
	}
	if post.Score < p.cfg.ScoreFloor {
		return false
	}
	return true
}
