package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"startup-sniff/internal/domain"
	openai "startup-sniff/internal/infra/openai"
)

type completionClient interface {
	Complete(ctx context.Context, req openai.Request) (openai.Response, error)
}

// LLMAnalyzer строит структурированный анализ поста через Chat Completions.
type LLMAnalyzer struct {
	client  completionClient
	model   string
	timeout time.Duration
}

var _ domain.Analyzer = (*LLMAnalyzer)(nil)

// NewLLM создаёт анализатор на базе OpenAI-совместимого API.
func NewLLM(client completionClient, model string, timeout time.Duration) *LLMAnalyzer {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &LLMAnalyzer{client: client, model: model, timeout: timeout}
}

type llmAnalysisResponse struct {
	Sentiment         json.Number `json:"sentiment"`
	Intent            []string    `json:"intent"`
	Quality           json.Number `json:"quality"`
	Topics            []string    `json:"topics"`
	BusinessRelevance json.Number `json:"business_relevance"`
}

const maxPromptContent = 4000

// Analyze запрашивает у модели структурированный JSON-анализ. Любая ошибка
// транспорта или формата возвращается наверх: подмену на эвристику делает
// вызывающий.
func (a *LLMAnalyzer) Analyze(ctx context.Context, post domain.Post) (domain.Analysis, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	content := truncate(post.Title+"\n\n"+post.Body, maxPromptContent)
	userPrompt := fmt.Sprintf(`Проанализируй пост из сабреддита r/%s и верни строго JSON вида
{"sentiment": -1..1, "intent": ["..."], "quality": 0-100, "topics": ["..."], "business_relevance": 0-100}.
sentiment — тональность текста; intent — намерения автора (ищет решение, жалуется, делится опытом, спрашивает совет);
quality — содержательность текста; business_relevance — насколько пост указывает на коммерческую возможность.

Текст поста:
%s`, post.Subreddit, content)

	req := openai.Request{
		Model:       a.model,
		Temperature: 0.1,
		Messages: []openai.Message{
			{Role: openai.RoleSystem, Content: "Ты аналитик, который оценивает посты на предмет коммерческих возможностей. Отвечай только валидным JSON без пояснений."},
			{Role: openai.RoleUser, Content: userPrompt},
		},
		JSONOnly: true,
	}

	resp, err := a.client.Complete(ctx, req)
	if err != nil {
		return domain.Analysis{}, fmt.Errorf("llm completion: %w", err)
	}
	raw := strings.TrimSpace(resp.Content)
	var parsed llmAnalysisResponse
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return domain.Analysis{}, fmt.Errorf("распаковка ответа LLM: %w", err)
	}

	analysis := domain.Analysis{
		Sentiment:         clampFloat(numberOr(parsed.Sentiment, 0), -1, 1),
		Intent:            filterNonEmpty(parsed.Intent),
		Quality:           clampInt(int(numberOr(parsed.Quality, 0)), 0, 100),
		Topics:            filterNonEmpty(parsed.Topics),
		BusinessRelevance: clampInt(int(numberOr(parsed.BusinessRelevance, 0)), 0, 100),
		Source:            domain.AnalysisSourceLLM,
	}
	return analysis, nil
}

func numberOr(n json.Number, def float64) float64 {
	if n == "" {
		return def
	}
	v, err := n.Float64()
	if err != nil {
		return def
	}
	return v
}

func filterNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "…"
}
