package score

import (
	"math"
	"strings"
	"time"

	"startup-sniff/internal/domain"
)

// Weights — фиксированные веса итоговой оценки.
type Weights struct {
	BusinessViability float64
	MarketValidation  float64
	ActionPotential   float64
	DiscoveryTiming   float64
}

// DefaultWeights возвращает веса по умолчанию (0.35/0.30/0.20/0.15).
func DefaultWeights() Weights {
	return Weights{
		BusinessViability: 0.35,
		MarketValidation:  0.30,
		ActionPotential:   0.20,
		DiscoveryTiming:   0.15,
	}
}

// Scorer — детерминированный четырёхфакторный скоринг. Внешних вызовов нет:
// одинаковый пост при одинаковой конфигурации всегда даёт одинаковую оценку.
type Scorer struct {
	weights Weights
	now     func() time.Time
}

// NewScorer создаёт скорер.
func NewScorer(weights Weights) *Scorer {
	return &Scorer{weights: weights, now: time.Now}
}

// NewScorerAt создаёт скорер с фиксированными часами (для тестов).
func NewScorerAt(weights Weights, now func() time.Time) *Scorer {
	return &Scorer{weights: weights, now: now}
}

var (
	problemKeywords = []string{
		"problem", "issue", "struggle", "frustrated", "pain", "difficult",
		"annoying", "broken", "can't find", "wish there was", "no way to",
	}
	solutionKeywords = []string{
		"solution", "tool", "app", "built", "launched", "created", "made a",
		"alternative", "workaround", "automate",
	}
	marketKeywords = []string{
		"customers", "revenue", "pricing", "market", "competitors", "niche",
		"demand", "pay for", "willing to pay", "mrr",
	}
	actionKeywords = []string{
		"how do i", "how to", "looking for", "need a", "recommend",
		"any tool", "is there a", "help me", "advice",
	}
	specificityKeywords = []string{
		"step", "guide", "specifically", "exactly", "$", "per month", "budget",
	}
)

// ScorePost вычисляет оценку возможности для поста.
func (s *Scorer) ScorePost(post domain.Post) domain.OpportunityScore {
	bv := s.businessViability(post)
	mv := s.marketValidation(post)
	ap := s.actionPotential(post)
	dt := s.discoveryTiming(post)

	viability := s.weights.BusinessViability*bv +
		s.weights.MarketValidation*mv +
		s.weights.ActionPotential*ap +
		s.weights.DiscoveryTiming*dt

	return domain.OpportunityScore{
		BusinessViability: bv,
		MarketValidation:  mv,
		ActionPotential:   ap,
		DiscoveryTiming:   dt,
		Viability:         round2(viability),
		Confidence:        s.confidence(post),
	}
}

// businessViability оценивает плотность проблемных/прикладных/рыночных
// формулировок и объём текста.
func (s *Scorer) businessViability(post domain.Post) float64 {
	text := strings.ToLower(post.Title + " " + post.Body)
	pts := 0.0
	pts += math.Min(4, float64(countMatches(text, problemKeywords))*1.2)
	pts += math.Min(3, float64(countMatches(text, solutionKeywords))*1.0)
	pts += math.Min(2, float64(countMatches(text, marketKeywords))*1.0)
	switch length := post.ContentLength(); {
	case length > 500:
		pts += 1
	case length > 150:
		pts += 0.5
	}
	return clamp10(pts)
}

// marketValidation оценивает вовлечённость: логарифмы голосов и комментариев
// плюс бонус за высокую долю комментариев.
func (s *Scorer) marketValidation(post domain.Post) float64 {
	pts := 0.0
	if post.Score > 0 {
		pts += math.Min(5, math.Log10(float64(post.Score)+1)*2)
	}
	if post.NumComments > 0 {
		pts += math.Min(3, math.Log10(float64(post.NumComments)+1)*1.5)
	}
	base := post.Score
	if base < 1 {
		base = 1
	}
	switch rate := float64(post.NumComments) / float64(base); {
	case rate > 0.5:
		pts += 2
	case rate > 0.2:
		pts += 1
	}
	return clamp10(pts)
}

// actionPotential оценивает конкретность и выполнимость запроса.
func (s *Scorer) actionPotential(post domain.Post) float64 {
	text := strings.ToLower(post.Title + " " + post.Body)
	pts := 0.0
	pts += math.Min(4, float64(countMatches(text, actionKeywords))*1.5)
	pts += math.Min(2, float64(countMatches(text, specificityKeywords)))
	if strings.Contains(post.Title, "?") || strings.Contains(post.Body, "?") {
		pts += 1.5
	}
	if post.URL != "" {
		pts += 1
	}
	if post.ContentLength() >= 100 {
		pts += 1.5
	}
	return clamp10(pts)
}

// discoveryTiming оценивает свежесть (по возрастным корзинам) и скорость
// набора вовлечённости.
func (s *Scorer) discoveryTiming(post domain.Post) float64 {
	age := s.now().Sub(post.CreatedAt)
	freshness := 0.0
	switch {
	case age <= 6*time.Hour:
		freshness = 5
	case age <= 24*time.Hour:
		freshness = 4
	case age <= 72*time.Hour:
		freshness = 3
	case age <= 7*24*time.Hour:
		freshness = 2.5
	case age <= 14*24*time.Hour:
		freshness = 2
	default:
		freshness = 1
	}

	hours := age.Hours()
	if hours < 1 {
		hours = 1
	}
	velocity := float64(post.Score+post.NumComments) / hours
	velocityPts := 0.0
	switch {
	case velocity > 10:
		velocityPts = 5
	case velocity > 3:
		velocityPts = 4
	case velocity > 1:
		velocityPts = 3
	case velocity > 0.1:
		velocityPts = 2
	case velocity > 0:
		velocityPts = 1
	}
	return clamp10(freshness + velocityPts)
}

// confidence выводит уверенность из полноты данных. Сигналы пересекаются с
// сигналами оценки, но считаются независимо: высокая оценка при скудных
// данных остаётся низкодоверительной.
func (s *Scorer) confidence(post domain.Post) int {
	pts := 0

	switch length := post.ContentLength(); {
	case length >= 1000:
		pts += 30
	case length >= 300:
		pts += 22
	case length >= 100:
		pts += 15
	case length >= 20:
		pts += 8
	default:
		pts += 3
	}

	switch engagement := post.Score + post.NumComments; {
	case engagement >= 500:
		pts += 30
	case engagement >= 100:
		pts += 24
	case engagement >= 20:
		pts += 16
	case engagement >= 5:
		pts += 10
	case engagement >= 1:
		pts += 5
	}

	switch age := s.now().Sub(post.CreatedAt); {
	case age <= 24*time.Hour:
		pts += 25
	case age <= 72*time.Hour:
		pts += 20
	case age <= 7*24*time.Hour:
		pts += 12
	case age <= 14*24*time.Hour:
		pts += 6
	default:
		pts += 2
	}

	if post.URL != "" {
		pts += 15
	}

	if pts > 100 {
		pts = 100
	}
	return pts
}

func countMatches(text string, keywords []string) int {
	count := 0
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			count++
		}
	}
	return count
}

func clamp10(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 10 {
		return 10
	}
	return round2(v)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
