package score

import (
	"math"
	"testing"
	"time"

	"startup-sniff/internal/domain"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestScorer() *Scorer {
	return NewScorerAt(DefaultWeights(), func() time.Time { return testNow })
}

func TestScorePostWeightedSum(t *testing.T) {
	scorer := newTestScorer()
	post := domain.Post{
		Title:       "How do I automate invoicing? Looking for a tool",
		Body:        "I struggle with a painful problem: no way to automate invoices for customers willing to pay. Budget is $50 per month.",
		URL:         "https://example.com/post",
		Score:       120,
		NumComments: 45,
		CreatedAt:   testNow.Add(-3 * time.Hour),
	}

	got := scorer.ScorePost(post)

	want := round2(0.35*got.BusinessViability +
		0.30*got.MarketValidation +
		0.20*got.ActionPotential +
		0.15*got.DiscoveryTiming)
	if math.Abs(got.Viability-want) > 1e-9 {
		t.Fatalf("итоговая оценка %v не равна взвешенной сумме %v", got.Viability, want)
	}
	for name, sub := range map[string]float64{
		"business_viability": got.BusinessViability,
		"market_validation":  got.MarketValidation,
		"action_potential":   got.ActionPotential,
		"discovery_timing":   got.DiscoveryTiming,
	} {
		if sub < 0 || sub > 10 {
			t.Fatalf("подоценка %s=%v вышла за пределы [0,10]", name, sub)
		}
	}
	if got.Viability < 0 || got.Viability > 10 {
		t.Fatalf("итоговая оценка %v вышла за пределы [0,10]", got.Viability)
	}
}

func TestScorePostDeterministic(t *testing.T) {
	scorer := newTestScorer()
	post := domain.Post{
		Title:       "Is there a tool to track competitors pricing?",
		Body:        "Looking for advice, need a solution for my niche.",
		Score:       30,
		NumComments: 12,
		CreatedAt:   testNow.Add(-20 * time.Hour),
	}

	first := scorer.ScorePost(post)
	second := scorer.ScorePost(post)
	if first != second {
		t.Fatalf("повторный скоринг дал другой результат: %+v против %+v", first, second)
	}
}

func TestSparseStalePostLowConfidence(t *testing.T) {
	scorer := newTestScorer()
	post := domain.Post{
		Title:       "Help",
		Score:       0,
		NumComments: 1,
		CreatedAt:   testNow.Add(-10 * 24 * time.Hour),
	}

	got := scorer.ScorePost(post)
	if got.Confidence >= 30 {
		t.Fatalf("скудный десятидневный пост должен давать уверенность ниже 30, получили %d", got.Confidence)
	}
}

func TestDiscoveryTimingFreshnessBuckets(t *testing.T) {
	scorer := newTestScorer()

	// Без вовлечённости остаётся только корзина свежести.
	stale := domain.Post{Title: "old", CreatedAt: testNow.Add(-10 * 24 * time.Hour)}
	if got := scorer.ScorePost(stale).DiscoveryTiming; got != 2 {
		t.Fatalf("пост возрастом 10 дней должен попадать в корзину свежести 2, получили %v", got)
	}

	ancient := domain.Post{Title: "ancient", CreatedAt: testNow.Add(-30 * 24 * time.Hour)}
	if got := scorer.ScorePost(ancient).DiscoveryTiming; got != 1 {
		t.Fatalf("пост старше двух недель должен попадать в корзину свежести 1, получили %v", got)
	}

	fresh := domain.Post{Title: "fresh", CreatedAt: testNow.Add(-2 * time.Hour)}
	if got := scorer.ScorePost(fresh).DiscoveryTiming; got != 5 {
		t.Fatalf("двухчасовой пост без вовлечённости должен давать 5, получили %v", got)
	}
}

func TestRichPostOutscoresSparse(t *testing.T) {
	scorer := newTestScorer()
	rich := domain.Post{
		Title:       "How to automate customer onboarding? Need a tool",
		Body:        "Frustrated with a broken process, our customers demand a solution. Willing to pay, revenue matters. Specifically looking for a guide, budget is $100 per month. " + longText(400),
		URL:         "https://example.com/rich",
		Score:       250,
		NumComments: 130,
		CreatedAt:   testNow.Add(-5 * time.Hour),
	}
	sparse := domain.Post{
		Title:     "Random thought",
		CreatedAt: testNow.Add(-20 * 24 * time.Hour),
	}

	richScore := scorer.ScorePost(rich)
	sparseScore := scorer.ScorePost(sparse)
	if richScore.Viability <= sparseScore.Viability {
		t.Fatalf("насыщенный пост (%v) должен оцениваться выше скудного (%v)",
			richScore.Viability, sparseScore.Viability)
	}
	if richScore.Confidence <= sparseScore.Confidence {
		t.Fatalf("уверенность насыщенного поста (%d) должна быть выше скудного (%d)",
			richScore.Confidence, sparseScore.Confidence)
	}
	if richScore.Confidence > 100 {
		t.Fatalf("уверенность не может превышать 100, получили %d", richScore.Confidence)
	}
}

func longText(n int) string {
	out := make([]rune, n)
	for i := range out {
		out[i] = 'a'
	}
	return string(out)
}
