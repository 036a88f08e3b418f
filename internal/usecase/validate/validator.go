package validate

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"startup-sniff/internal/domain"
)

// RawPost — сырой пост из upstream API до валидации.
type RawPost struct {
	ExternalID  string
	Subreddit   string
	Title       string
	Body        string
	URL         string
	Author      string
	Score       int
	NumComments int
	CreatedAt   time.Time
	NSFW        bool
}

// Policy — настраиваемые правила валидации.
type Policy struct {
	MaxTitleLength    int
	MaxBodyLength     int
	AllowedSubreddits []string
	MinScore          int
	ExcludeNSFW       bool
	StripURLs         bool
}

// DefaultPolicy возвращает политику по умолчанию.
func DefaultPolicy() Policy {
	return Policy{
		MaxTitleLength: 300,
		MaxBodyLength:  10000,
		MinScore:       0,
		ExcludeNSFW:    true,
	}
}

// Result — исход валидации. Невалидный пост не проходит санитизацию:
// Sanitized заполняется только при Valid.
type Result struct {
	Valid     bool
	Errors    []string
	Warnings  []string
	Sanitized *domain.Post
}

// Validator проверяет и очищает посты перед обработкой.
type Validator struct {
	policy Policy
}

// NewValidator создаёт валидатор.
func NewValidator(policy Policy) *Validator {
	if policy.MaxTitleLength <= 0 {
		policy.MaxTitleLength = 300
	}
	if policy.MaxBodyLength <= 0 {
		policy.MaxBodyLength = 10000
	}
	return &Validator{policy: policy}
}

var (
	botAuthorPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)bot$`),
		regexp.MustCompile(`(?i)^auto`),
		regexp.MustCompile(`^\[deleted\]$`),
		regexp.MustCompile(`(?i)^[a-z]+[-_]?\d{4,}$`),
	}
	spamPhrases = []string{
		"click here", "limited offer", "make money fast", "100% free",
		"guaranteed income", "dm me", "crypto giveaway", "free followers",
	}
	linkPattern    = regexp.MustCompile(`https?://\S+`)
	scriptPattern  = regexp.MustCompile(`(?is)<\s*(script|iframe)[^>]*>.*?<\s*/\s*(script|iframe)\s*>`)
	tagPattern     = regexp.MustCompile(`(?is)<\s*/?\s*(script|iframe)[^>]*>`)
	emailPattern   = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern   = regexp.MustCompile(`\+?\d[\d\s\-()]{8,}\d`)
	emojiPattern   = regexp.MustCompile(`[\x{1F300}-\x{1FAFF}\x{2600}-\x{27BF}]`)
	markdownChars  = strings.NewReplacer("**", "", "__", "", "~~", "", "```", "", "`", "", "> ", "", "# ", "", "## ", "", "### ", "")
	whitespaceRuns = regexp.MustCompile(`\s+`)
)

// ValidatePost проверяет обязательные поля и политику, затем очищает
// содержимое и вычисляет хэш идентичности.
func (v *Validator) ValidatePost(raw RawPost) Result {
	res := Result{}

	// Проверки обязательных полей прерывают валидацию сразу.
	if raw.ExternalID == "" {
		res.Errors = append(res.Errors, "отсутствует внешний идентификатор")
	}
	if strings.TrimSpace(raw.Title) == "" {
		res.Errors = append(res.Errors, "отсутствует заголовок")
	}
	if strings.TrimSpace(raw.Author) == "" {
		res.Errors = append(res.Errors, "отсутствует автор")
	}
	if raw.CreatedAt.IsZero() {
		res.Errors = append(res.Errors, "отсутствует время создания")
	}
	if len(res.Errors) > 0 {
		return res
	}

	if len(v.policy.AllowedSubreddits) > 0 && !containsFold(v.policy.AllowedSubreddits, raw.Subreddit) {
		res.Errors = append(res.Errors, fmt.Sprintf("сабреддит %q вне списка разрешённых", raw.Subreddit))
	}
	if raw.Score < v.policy.MinScore {
		res.Errors = append(res.Errors, fmt.Sprintf("score %d ниже порога %d", raw.Score, v.policy.MinScore))
	}
	if v.policy.ExcludeNSFW && raw.NSFW {
		res.Errors = append(res.Errors, "NSFW исключён политикой")
	}
	if isBotAuthor(raw.Author) {
		res.Errors = append(res.Errors, fmt.Sprintf("подозрительный автор %q", raw.Author))
	}
	if reason, spam := isSpam(raw.Title + " " + raw.Body); spam {
		res.Errors = append(res.Errors, "спам: "+reason)
	}
	if len(res.Errors) > 0 {
		return res
	}

	if reason, low := isLowQuality(raw.Title); low {
		res.Warnings = append(res.Warnings, reason)
	}
	if len([]rune(raw.Title)) > v.policy.MaxTitleLength {
		res.Warnings = append(res.Warnings, "заголовок усечён до лимита")
	}
	if len([]rune(raw.Body)) > v.policy.MaxBodyLength {
		res.Warnings = append(res.Warnings, "текст усечён до лимита")
	}

	post := domain.Post{
		ExternalID:  raw.ExternalID,
		Subreddit:   strings.ToLower(strings.TrimSpace(raw.Subreddit)),
		Title:       v.sanitizeText(raw.Title, v.policy.MaxTitleLength),
		Body:        v.sanitizeText(raw.Body, v.policy.MaxBodyLength),
		URL:         strings.TrimSpace(raw.URL),
		Author:      strings.TrimSpace(raw.Author),
		Score:       raw.Score,
		NumComments: raw.NumComments,
		CreatedAt:   raw.CreatedAt.UTC(),
	}
	post.ComputeHash()

	res.Valid = true
	res.Sanitized = &post
	return res
}

// sanitizeText удаляет управляющие символы, script/iframe вставки,
// редактирует PII, схлопывает пробелы и усекает до лимита.
func (v *Validator) sanitizeText(text string, limit int) string {
	text = scriptPattern.ReplaceAllString(text, " ")
	text = tagPattern.ReplaceAllString(text, " ")
	text = emailPattern.ReplaceAllString(text, "[email]")
	text = phonePattern.ReplaceAllString(text, "[phone]")
	if v.policy.StripURLs {
		text = linkPattern.ReplaceAllString(text, "")
	}
	text = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
	text = whitespaceRuns.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) > limit {
		text = string(runes[:limit])
	}
	return text
}

// StripMarkdown убирает базовую markdown-разметку.
func StripMarkdown(text string) string {
	return markdownChars.Replace(text)
}

func isBotAuthor(author string) bool {
	for _, re := range botAuthorPatterns {
		if re.MatchString(author) {
			return true
		}
	}
	return false
}

func isSpam(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, phrase := range spamPhrases {
		if strings.Contains(lower, phrase) {
			return fmt.Sprintf("фраза %q", phrase), true
		}
	}
	if links := linkPattern.FindAllString(text, -1); len(links) > 5 {
		return fmt.Sprintf("%d ссылок", len(links)), true
	}
	return "", false
}

func isLowQuality(title string) (string, bool) {
	trimmed := strings.TrimSpace(title)
	if len([]rune(trimmed)) < 10 {
		return "очень короткий заголовок", true
	}
	letters := 0
	uppers := 0
	for _, r := range trimmed {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				uppers++
			}
		}
	}
	if letters > 10 && uppers == letters {
		return "заголовок капсом", true
	}
	if emojis := emojiPattern.FindAllString(trimmed, -1); len(emojis) > 5 {
		return "избыток эмодзи", true
	}
	return "", false
}

func containsFold(list []string, item string) bool {
	for _, v := range list {
		if strings.EqualFold(v, item) {
			return true
		}
	}
	return false
}
