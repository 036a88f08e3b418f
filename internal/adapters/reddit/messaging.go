package reddit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"startup-sniff/internal/domain"
	"startup-sniff/internal/infra/metrics"
)

// Identity — ответ эндпоинта /api/v1/me.
type Identity struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Created float64 `json:"created_utc"`
}

// Me возвращает идентичность авторизованного аккаунта.
func (c *Client) Me(ctx context.Context) (Identity, error) {
	body, _, err := c.doWithRetry(ctx, http.MethodGet, c.cfg.BaseURL+"/api/v1/me", "me")
	if err != nil {
		return Identity{}, err
	}
	var me Identity
	if err := json.Unmarshal(body, &me); err != nil {
		return Identity{}, fmt.Errorf("decode identity: %w", err)
	}
	return me, nil
}

// SendMessage отправляет личное сообщение от имени авторизованного
// аккаунта. Используется нижестоящей фичей рассылки, которая живёт на
// том же токене.
func (c *Client) SendMessage(ctx context.Context, to, subject, text string) error {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}
	form := url.Values{}
	form.Set("api_type", "json")
	form.Set("to", to)
	form.Set("subject", subject)
	form.Set("text", text)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/compose", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build compose request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.ObserveNetworkRequest("reddit", "post", "compose", start, err)
	if err != nil {
		return fmt.Errorf("%w: compose: %v", domain.ErrNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &domain.StatusError{Status: resp.StatusCode, Body: truncateBody(body)}
	}
	return nil
}
