package reddit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"startup-sniff/internal/domain"
	"startup-sniff/internal/infra/metrics"
	"startup-sniff/internal/usecase/ratelimit"
	"startup-sniff/internal/usecase/validate"
)

// Config — параметры клиента Reddit.
type Config struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	UserAgent    string
	BaseURL      string
	AuthURL      string
	Timeout      time.Duration
	MaxRetries   int
	GlobalLimit  int
	SourceLimit  int
}

// Client выполняет авторизованные запросы к Reddit API с повторами
// и уважением к квотам.
type Client struct {
	cfg       Config
	http      *http.Client
	limiter   *ratelimit.Limiter
	validator *validate.Validator
	log       zerolog.Logger

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time

	rateMu   sync.Mutex
	lastRate *domain.RateLimitInfo
}

var _ domain.Fetcher = (*Client)(nil)

// NewClient создаёт клиента.
func NewClient(cfg Config, limiter *ratelimit.Limiter, validator *validate.Validator, log zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://oauth.reddit.com"
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = "https://www.reddit.com/api/v1/access_token"
	}
	return &Client{
		cfg:       cfg,
		http:      &http.Client{Timeout: cfg.Timeout},
		limiter:   limiter,
		validator: validator,
		log:       log,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Error       string `json:"error"`
}

// ensureToken обновляет токен доступа, если он истёк или близок к истечению.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken != "" && time.Until(c.tokenExpiry) > time.Minute {
		return c.accessToken, nil
	}
	return c.refreshTokenLocked(ctx)
}

// forceRefresh сбрасывает токен и получает новый; применяется после 401
// посреди сессии.
func (c *Client) forceRefresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = ""
	return c.refreshTokenLocked(ctx)
}

func (c *Client) refreshTokenLocked(ctx context.Context) (string, error) {
	form := url.Values{}
	if c.cfg.RefreshToken != "" {
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", c.cfg.RefreshToken)
	} else {
		form.Set("grant_type", "client_credentials")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build auth request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.ObserveNetworkRequest("reddit", "auth", "access_token", start, err)
	if err != nil {
		return "", fmt.Errorf("auth request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("read auth response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("%w: auth status %d: %s", domain.ErrAuth, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var token tokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return "", fmt.Errorf("decode auth response: %w", err)
	}
	if token.Error != "" || token.AccessToken == "" {
		return "", fmt.Errorf("%w: %s", domain.ErrAuth, token.Error)
	}
	c.accessToken = token.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
	c.log.Debug().Time("expiry", c.tokenExpiry).Msg("reddit: токен обновлён")
	return c.accessToken, nil
}

// listing — формат ответа Reddit listing API.
type listing struct {
	Data struct {
		After    string `json:"after"`
		Children []struct {
			Data listingChild `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type listingChild struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Subreddit   string  `json:"subreddit"`
	Title       string  `json:"title"`
	SelfText    string  `json:"selftext"`
	URL         string  `json:"url"`
	Author      string  `json:"author"`
	Score       int     `json:"score"`
	NumComments int     `json:"num_comments"`
	CreatedUTC  float64 `json:"created_utc"`
	Over18      bool    `json:"over_18"`
	Stickied    bool    `json:"stickied"`
}

// FetchPosts выгружает листинг сабреддита. Каждый пост проходит через
// валидатор; невалидные отбрасываются, дубликаты по хэшу внутри одного
// вызова удаляются.
func (c *Client) FetchPosts(ctx context.Context, subreddit string, opts domain.FetchOptions) (domain.FetchResult, error) {
	if opts.Sort == "" {
		opts.Sort = "hot"
	}
	if opts.Limit <= 0 || opts.Limit > 100 {
		opts.Limit = 100
	}

	// Отклонённый локальным лимитом запрос откладывается в очередь: его
	// доберёт worker, когда окно освободится.
	decision := c.limiter.CheckFetch(ctx, "reddit:"+subreddit, c.cfg.SourceLimit, domain.QueuedRequest{
		ID:         uuid.NewString(),
		Subreddit:  subreddit,
		Priority:   domain.PriorityMedium,
		Options:    opts,
		EnqueuedAt: time.Now().UTC(),
	})
	if !decision.Allowed {
		err := &domain.RateLimitError{RetryAfter: time.Until(decision.ResetAt)}
		if decision.Enqueued {
			return domain.FetchResult{Err: "rate limited locally, deferred"}, err
		}
		return domain.FetchResult{Err: "rate limited locally"}, err
	}
	global := c.limiter.Check(ctx, "reddit:global", c.cfg.GlobalLimit, domain.PriorityMedium)
	if !global.Allowed {
		return domain.FetchResult{Err: "global rate limited"}, &domain.RateLimitError{RetryAfter: time.Until(global.ResetAt)}
	}

	params := url.Values{}
	params.Set("limit", strconv.Itoa(opts.Limit))
	params.Set("raw_json", "1")
	if opts.TimeRange != "" {
		params.Set("t", opts.TimeRange)
	}
	if opts.After != "" {
		params.Set("after", opts.After)
	}
	if opts.Before != "" {
		params.Set("before", opts.Before)
	}
	endpoint := fmt.Sprintf("%s/r/%s/%s?%s", c.cfg.BaseURL, url.PathEscape(subreddit), url.PathEscape(opts.Sort), params.Encode())

	body, rate, err := c.doWithRetry(ctx, http.MethodGet, endpoint, subreddit)
	if err != nil {
		return domain.FetchResult{RateLimit: rate, Err: err.Error()}, err
	}

	var parsed listing
	if err := json.Unmarshal(body, &parsed); err != nil {
		return domain.FetchResult{RateLimit: rate, Err: err.Error()}, fmt.Errorf("decode listing: %w", err)
	}

	posts := make([]domain.Post, 0, len(parsed.Data.Children))
	seen := make(map[string]struct{}, len(parsed.Data.Children))
	for _, child := range parsed.Data.Children {
		if child.Data.Stickied {
			continue
		}
		raw := validate.RawPost{
			ExternalID:  child.Data.Name,
			Subreddit:   child.Data.Subreddit,
			Title:       child.Data.Title,
			Body:        child.Data.SelfText,
			URL:         child.Data.URL,
			Author:      child.Data.Author,
			Score:       child.Data.Score,
			NumComments: child.Data.NumComments,
			CreatedAt:   time.Unix(int64(child.Data.CreatedUTC), 0).UTC(),
			NSFW:        child.Data.Over18,
		}
		res := c.validator.ValidatePost(raw)
		if !res.Valid {
			c.log.Debug().Str("post", child.Data.Name).Strs("errors", res.Errors).Msg("reddit: пост отброшен валидатором")
			continue
		}
		if _, dup := seen[res.Sanitized.Hash]; dup {
			metrics.DuplicatePosts.Inc()
			continue
		}
		seen[res.Sanitized.Hash] = struct{}{}
		posts = append(posts, *res.Sanitized)
	}
	metrics.FetchedPosts.WithLabelValues(subreddit).Add(float64(len(posts)))
	return domain.FetchResult{Success: true, Posts: posts, RateLimit: rate}, nil
}

// doWithRetry выполняет авторизованный запрос с повторами: 429 уважает
// Retry-After и повторяется один раз, 5xx и сетевые ошибки повторяются с
// экспоненциальной задержкой и джиттером, прочие 4xx не повторяются.
func (c *Client) doWithRetry(ctx context.Context, method, endpoint, target string) ([]byte, *domain.RateLimitInfo, error) {
	var lastErr error
	var rate *domain.RateLimitInfo
	retriedRateLimit := false
	reauthed := false

	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt)
			select {
			case <-ctx.Done():
				return nil, rate, ctx.Err()
			case <-time.After(delay):
			}
		}

		token, err := c.ensureToken(ctx)
		if err != nil {
			return nil, rate, err
		}

		req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
		if err != nil {
			return nil, rate, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("User-Agent", c.cfg.UserAgent)

		start := time.Now()
		resp, err := c.http.Do(req)
		metrics.ObserveNetworkRequest("reddit", strings.ToLower(method), target, start, err)
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", domain.ErrNetwork, err)
			continue
		}

		if parsedRate := parseRateHeaders(resp.Header); parsedRate != nil {
			rate = parsedRate
			c.rateMu.Lock()
			c.lastRate = parsedRate
			c.rateMu.Unlock()
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("%w: read body: %v", domain.ErrNetwork, readErr)
			continue
		}

		switch {
		case resp.StatusCode < 400:
			return body, rate, nil
		case resp.StatusCode == 429:
			retryAfter := parseRetryAfter(resp.Header)
			if retriedRateLimit {
				return nil, rate, &domain.RateLimitError{RetryAfter: retryAfter}
			}
			retriedRateLimit = true
			c.log.Warn().Dur("retry_after", retryAfter).Str("target", target).Msg("reddit: 429, ждём предписанную задержку")
			select {
			case <-ctx.Done():
				return nil, rate, ctx.Err()
			case <-time.After(retryAfter):
			}
			continue
		case resp.StatusCode == 401 && !reauthed:
			reauthed = true
			if _, err := c.forceRefresh(ctx); err != nil {
				return nil, rate, err
			}
			continue
		case resp.StatusCode >= 500:
			lastErr = &domain.StatusError{Status: resp.StatusCode, Body: truncateBody(body)}
			continue
		default:
			// Прочие 4xx не повторяем.
			return nil, rate, &domain.StatusError{Status: resp.StatusCode, Body: truncateBody(body)}
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: все попытки исчерпаны", domain.ErrServer)
	}
	return nil, rate, lastErr
}

// LastRateLimit возвращает последние известные квоты upstream.
func (c *Client) LastRateLimit() *domain.RateLimitInfo {
	c.rateMu.Lock()
	defer c.rateMu.Unlock()
	return c.lastRate
}

func backoffDelay(attempt int) time.Duration {
	base := time.Second << (attempt - 1)
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(base) / 2))
	return base + jitter
}

func parseRetryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 5 * time.Second
}

func parseRateHeaders(h http.Header) *domain.RateLimitInfo {
	remaining := h.Get("X-Ratelimit-Remaining")
	if remaining == "" {
		return nil
	}
	info := &domain.RateLimitInfo{}
	if v, err := strconv.ParseFloat(remaining, 64); err == nil {
		info.Remaining = v
	}
	if v, err := strconv.Atoi(h.Get("X-Ratelimit-Used")); err == nil {
		info.Used = v
	}
	if v, err := strconv.Atoi(h.Get("X-Ratelimit-Reset")); err == nil {
		info.ResetAt = time.Now().Add(time.Duration(v) * time.Second)
	}
	return info
}

func truncateBody(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}
