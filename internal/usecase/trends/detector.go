package trends

import (
	"math"
	"sort"
	"strings"
	"time"

	"startup-sniff/internal/domain"
)

// maxChangePct ограничивает процент изменения шириной колонки с
// фиксированной точностью.
const maxChangePct = 999.99

// stableBand — порог, ниже которого изменение считается шумом.
const stableBand = 10.0

// Detector считает динамику тем неделя к неделе по фиксированному словарю.
// Состояние не накапливается: каждый запуск пересчитывает всё заново.
type Detector struct {
	vocabulary map[string][]string
	lookback   time.Duration
	now        func() time.Time
}

// DefaultVocabulary — словарь тем с синонимами.
func DefaultVocabulary() map[string][]string {
	return map[string][]string{
		"saas":          {"saas", "subscription software", "b2b software"},
		"ai":            {"ai", "artificial intelligence", "llm", "gpt", "machine learning", "chatbot"},
		"no-code":       {"no-code", "nocode", "low-code", "bubble.io"},
		"marketing":     {"marketing", "seo", "content marketing", "growth hacking"},
		"ecommerce":     {"ecommerce", "e-commerce", "shopify", "dropshipping", "online store"},
		"automation":    {"automation", "automate", "workflow", "zapier"},
		"remote-work":   {"remote work", "remote team", "work from home", "distributed team"},
		"fintech":       {"fintech", "payments", "invoicing", "stripe"},
		"productivity":  {"productivity", "time management", "task management", "notion"},
		"freelancing":   {"freelance", "freelancing", "upwork", "solo founder", "solopreneur"},
		"crypto":        {"crypto", "blockchain", "web3", "nft"},
		"healthtech":    {"healthtech", "telemedicine", "mental health app", "fitness app"},
		"edtech":        {"edtech", "online course", "e-learning", "cohort"},
		"devtools":      {"devtools", "api", "sdk", "open source", "developer tool"},
		"marketplaces":  {"marketplace", "two-sided", "gig economy"},
	}
}

// NewDetector создаёт детектор с 14-дневным окном анализа.
func NewDetector(vocabulary map[string][]string) *Detector {
	if len(vocabulary) == 0 {
		vocabulary = DefaultVocabulary()
	}
	return &Detector{vocabulary: vocabulary, lookback: 14 * 24 * time.Hour, now: time.Now}
}

// NewDetectorAt создаёт детектор с фиксированными часами (для тестов).
func NewDetectorAt(vocabulary map[string][]string, now func() time.Time) *Detector {
	d := NewDetector(vocabulary)
	d.now = now
	return d
}

// AnalyzeTrends делит посты на текущую и предыдущую недели, считает
// упоминания тем и классифицирует направление каждой темы.
func (d *Detector) AnalyzeTrends(posts []domain.Post) domain.TrendAnalysis {
	now := d.now().UTC()
	weekAgo := now.Add(-7 * 24 * time.Hour)
	lookbackStart := now.Add(-d.lookback)

	currentCounts := make(map[string]int)
	previousCounts := make(map[string]int)
	postIDs := make(map[string][]string)

	for _, post := range posts {
		created := post.CreatedAt.UTC()
		if created.Before(lookbackStart) || created.After(now) {
			continue
		}
		text := strings.ToLower(post.Title + " " + post.Body)
		for topic, terms := range d.vocabulary {
			if !mentionsAny(text, terms) {
				continue
			}
			if created.After(weekAgo) {
				currentCounts[topic]++
				postIDs[topic] = append(postIDs[topic], post.ExternalID)
			} else {
				previousCounts[topic]++
			}
		}
	}

	topics := make(map[string]struct{}, len(currentCounts)+len(previousCounts))
	for t := range currentCounts {
		topics[t] = struct{}{}
	}
	for t := range previousCounts {
		topics[t] = struct{}{}
	}

	analysis := domain.TrendAnalysis{GeneratedAt: now}
	for topic := range topics {
		cur := currentCounts[topic]
		prev := previousCounts[topic]
		trend := domain.TopicTrend{
			Topic:         topic,
			CurrentCount:  cur,
			PreviousCount: prev,
			ChangePct:     changePct(cur, prev),
			PostIDs:       postIDs[topic],
		}
		trend.Direction = direction(trend.ChangePct)
		// Новая тема: >50% роста при малом абсолютном числе упоминаний.
		trend.Emerging = trend.ChangePct > 50 && cur > 0 && cur < 10
		analysis.Trends = append(analysis.Trends, trend)

		switch {
		case trend.Emerging:
			analysis.Emerging = append(analysis.Emerging, topic)
		case trend.Direction == domain.TrendUp:
			analysis.Growing = append(analysis.Growing, topic)
		case trend.Direction == domain.TrendDown:
			analysis.Declining = append(analysis.Declining, topic)
		}
	}

	sort.Slice(analysis.Trends, func(i, j int) bool {
		return analysis.Trends[i].ChangePct > analysis.Trends[j].ChangePct
	})
	sort.Strings(analysis.Emerging)
	sort.Strings(analysis.Growing)
	sort.Strings(analysis.Declining)
	return analysis
}

// changePct считает процент изменения с клампом в ±999.99.
func changePct(cur, prev int) float64 {
	switch {
	case prev == 0 && cur == 0:
		return 0
	case prev == 0:
		return 100
	case cur == 0:
		return -100
	}
	pct := (float64(cur) - float64(prev)) / float64(prev) * 100
	if pct > maxChangePct {
		return maxChangePct
	}
	if pct < -maxChangePct {
		return -maxChangePct
	}
	return math.Round(pct*100) / 100
}

func direction(pct float64) domain.TrendDirection {
	switch {
	case math.Abs(pct) < stableBand:
		return domain.TrendStable
	case pct > 0:
		return domain.TrendUp
	default:
		return domain.TrendDown
	}
}

func mentionsAny(text string, terms []string) bool {
	for _, term := range terms {
		if strings.Contains(text, term) {
			return true
		}
	}
	return false
}
