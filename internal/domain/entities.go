package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Priority задаёт приоритет источника или отложенного запроса.
type Priority string

const (
	// PriorityHigh — источники, которые собираются первыми.
	PriorityHigh Priority = "high"
	// PriorityMedium — источники со средним приоритетом.
	PriorityMedium Priority = "medium"
	// PriorityLow — источники, которые деградируют первыми.
	PriorityLow Priority = "low"
)

// Weight возвращает числовой вес приоритета для сортировки очереди.
func (p Priority) Weight() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	default:
		return 1
	}
}

// Post представляет пост из сабреддита.
type Post struct {
	ID          int64
	ExternalID  string
	Subreddit   string
	Title       string
	Body        string
	URL         string
	Author      string
	Score       int
	NumComments int
	CreatedAt   time.Time
	Hash        string
	IntentFlags []string
	Sentiment   *float64

	Analysis       *Analysis
	ViabilityScore *float64
	TrendTopics    []string
	ProcessedAt    *time.Time
	InsertedAt     time.Time
	UpdatedAt      time.Time
}

// hashSeparator разделяет поля при вычислении хэша содержимого.
const hashSeparator = "\x1f"

// ContentHash вычисляет детерминированный отпечаток поста.
// Хэш — чистая функция от (title, body, url, subreddit, author):
// посты с одинаковым хэшем считаются одним и тем же содержимым
// независимо от внешних идентификаторов.
func ContentHash(title, body, url, subreddit, author string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{title, body, url, subreddit, author}, hashSeparator)))
	return hex.EncodeToString(sum[:])
}

// ComputeHash заполняет поле Hash поста.
func (p *Post) ComputeHash() {
	p.Hash = ContentHash(p.Title, p.Body, p.URL, p.Subreddit, p.Author)
}

// ContentLength возвращает суммарную длину заголовка и текста в рунах.
func (p *Post) ContentLength() int {
	return len([]rune(p.Title)) + len([]rune(p.Body))
}

// AnalysisSource указывает, кто построил анализ поста.
type AnalysisSource string

const (
	// AnalysisSourceLLM — анализ получен от языковой модели.
	AnalysisSourceLLM AnalysisSource = "llm"
	// AnalysisSourceRules — анализ построен детерминированной эвристикой.
	AnalysisSourceRules AnalysisSource = "rules"
)

// Analysis содержит результат анализа содержимого поста.
type Analysis struct {
	Sentiment         float64
	Intent            []string
	Quality           int
	Topics            []string
	BusinessRelevance int
	LowConfidence     bool
	Source            AnalysisSource
}

// OpportunityScore — четырёхфакторная оценка коммерческого потенциала.
// Каждая составляющая лежит в [0,10], уверенность — в [0,100].
type OpportunityScore struct {
	BusinessViability float64
	MarketValidation  float64
	ActionPotential   float64
	DiscoveryTiming   float64
	Viability         float64
	Confidence        int
}

// TrendDirection описывает направление изменения темы.
type TrendDirection string

const (
	// TrendUp — тема растёт.
	TrendUp TrendDirection = "up"
	// TrendDown — тема падает.
	TrendDown TrendDirection = "down"
	// TrendStable — изменение в пределах шума.
	TrendStable TrendDirection = "stable"
)

// TopicTrend описывает динамику одной темы неделя к неделе.
type TopicTrend struct {
	Topic         string
	CurrentCount  int
	PreviousCount int
	Direction     TrendDirection
	ChangePct     float64
	Emerging      bool
	PostIDs       []string
}

// TrendAnalysis — полный результат анализа трендов. Пересчитывается
// целиком при каждом запуске, инкрементального состояния нет.
type TrendAnalysis struct {
	GeneratedAt time.Time
	Trends      []TopicTrend
	Emerging    []string
	Growing     []string
	Declining   []string
}

// FetchOptions описывает параметры выборки листинга сабреддита.
type FetchOptions struct {
	Sort      string `json:"sort,omitempty"`
	TimeRange string `json:"time_range,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	After     string `json:"after,omitempty"`
	Before    string `json:"before,omitempty"`
}

// RateLimitInfo — квоты из заголовков ответа upstream API.
type RateLimitInfo struct {
	Remaining float64
	Used      int
	ResetAt   time.Time
}

// FetchResult — типизированный результат обращения к upstream API.
type FetchResult struct {
	Success   bool
	Posts     []Post
	RateLimit *RateLimitInfo
	Err       string
}

// QueuedRequest — отложенный запрос на сбор, переживающий рестарт процесса.
type QueuedRequest struct {
	ID         string       `json:"id"`
	Subreddit  string       `json:"subreddit"`
	Priority   Priority     `json:"priority"`
	Retries    int          `json:"retries"`
	Options    FetchOptions `json:"options"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
}

// InsertionResult — итог пакетной вставки.
type InsertionResult struct {
	Inserted   int
	Updated    int
	Skipped    int
	Failed     int
	Duplicates int
	FailedIDs  []string
}

// Add суммирует результаты под-батчей.
func (r *InsertionResult) Add(other InsertionResult) {
	r.Inserted += other.Inserted
	r.Updated += other.Updated
	r.Skipped += other.Skipped
	r.Failed += other.Failed
	r.Duplicates += other.Duplicates
	r.FailedIDs = append(r.FailedIDs, other.FailedIDs...)
}

// Total возвращает количество постов, учтённых в результате.
func (r InsertionResult) Total() int {
	return r.Inserted + r.Updated + r.Skipped + r.Failed
}

// ComponentHealth — состояние одного компонента.
type ComponentHealth struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// OverallHealth агрегирует состояние системы.
type OverallHealth string

const (
	// HealthHealthy — все компоненты в норме.
	HealthHealthy OverallHealth = "healthy"
	// HealthDegraded — система работает в урезанном режиме.
	HealthDegraded OverallHealth = "degraded"
	// HealthUnhealthy — система неработоспособна.
	HealthUnhealthy OverallHealth = "unhealthy"
)

// HealthStatus — агрегированный снимок здоровья для операционного API.
type HealthStatus struct {
	Overall      OverallHealth     `json:"overall"`
	Components   []ComponentHealth `json:"components"`
	CircuitState string            `json:"circuit_state"`
	ErrorRate    float64           `json:"error_rate"`
	ActiveAlerts int               `json:"active_alerts"`
	GeneratedAt  time.Time         `json:"generated_at"`
}
