package analyzer

import (
	"context"
	"strings"

	"startup-sniff/internal/domain"
)

// RulesAnalyzer — детерминированная эвристика, подменяющая LLM при его
// отказе. Результат всегда помечается как низкодоверительный.
type RulesAnalyzer struct{}

var _ domain.Analyzer = (*RulesAnalyzer)(nil)

// NewRules создаёт эвристический анализатор.
func NewRules() *RulesAnalyzer {
	return &RulesAnalyzer{}
}

var (
	positiveWords = []string{
		"great", "love", "awesome", "amazing", "success", "solved", "helpful",
		"excited", "profitable", "works",
	}
	negativeWords = []string{
		"hate", "terrible", "awful", "frustrated", "annoying", "broken",
		"failed", "struggle", "waste", "scam", "problem",
	}
	topicKeywords = map[string][]string{
		"saas":        {"saas", "subscription", "b2b"},
		"ai":          {"ai", "llm", "gpt", "machine learning"},
		"marketing":   {"marketing", "seo", "ads", "growth"},
		"ecommerce":   {"ecommerce", "shopify", "store", "dropshipping"},
		"finance":     {"revenue", "funding", "investor", "pricing"},
		"automation":  {"automation", "workflow", "no-code", "integration"},
		"hiring":      {"hiring", "freelance", "outsource", "team"},
	}
)

// Analyze строит анализ по ключевым словам и вовлечённости.
func (a *RulesAnalyzer) Analyze(_ context.Context, post domain.Post) (domain.Analysis, error) {
	text := strings.ToLower(post.Title + " " + post.Body)

	sentiment := 0.0
	for _, w := range positiveWords {
		if strings.Contains(text, w) {
			sentiment += 0.2
		}
	}
	for _, w := range negativeWords {
		if strings.Contains(text, w) {
			sentiment -= 0.2
		}
	}
	sentiment = clampFloat(sentiment, -1, 1)

	topics := make([]string, 0, 4)
	for topic, words := range topicKeywords {
		for _, w := range words {
			if strings.Contains(text, w) {
				topics = append(topics, topic)
				break
			}
		}
	}

	// Намерения наследуются из флагов, проставленных ранее по содержимому.
	intent := post.IntentFlags
	if len(intent) == 0 {
		if strings.Contains(text, "?") || strings.Contains(text, "how do") || strings.Contains(text, "how to") {
			intent = []string{"seeking_advice"}
		}
	}

	// Качество выводим из вовлечённости: голые числа вместо понимания текста,
	// отсюда и низкая уверенность.
	engagement := post.Score + post.NumComments*2
	quality := 20
	switch {
	case engagement > 500:
		quality = 85
	case engagement > 100:
		quality = 70
	case engagement > 20:
		quality = 50
	case engagement > 5:
		quality = 35
	}
	if post.ContentLength() > 500 {
		quality += 10
	}

	relevance := 10
	if len(topics) > 0 {
		relevance = 30 + 15*len(topics)
	}

	return domain.Analysis{
		Sentiment:         sentiment,
		Intent:            intent,
		Quality:           clampInt(quality, 0, 100),
		Topics:            topics,
		BusinessRelevance: clampInt(relevance, 0, 100),
		LowConfidence:     true,
		Source:            domain.AnalysisSourceRules,
	}, nil
}

// FallbackAnalyzer пробует основной анализатор и прозрачно подменяет его
// эвристикой при любой ошибке, таймауте или некорректном ответе.
type FallbackAnalyzer struct {
	primary    domain.Analyzer
	fallback   domain.Analyzer
	onFallback func()
}

var _ domain.Analyzer = (*FallbackAnalyzer)(nil)

// NewFallback создаёт цепочку анализаторов. onFallback может быть nil.
func NewFallback(primary, fallback domain.Analyzer, onFallback func()) *FallbackAnalyzer {
	return &FallbackAnalyzer{primary: primary, fallback: fallback, onFallback: onFallback}
}

// Analyze реализует domain.Analyzer.
func (a *FallbackAnalyzer) Analyze(ctx context.Context, post domain.Post) (domain.Analysis, error) {
	if a.primary != nil {
		analysis, err := a.primary.Analyze(ctx, post)
		if err == nil {
			return analysis, nil
		}
		if a.onFallback != nil {
			a.onFallback()
		}
	}
	return a.fallback.Analyze(ctx, post)
}
