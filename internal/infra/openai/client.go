package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"startup-sniff/internal/infra/metrics"
)

const defaultBaseURL = "https://api.openai.com/v1"

const (
	// RoleSystem — системная инструкция.
	RoleSystem = "system"
	// RoleUser — сообщение пользователя.
	RoleUser = "user"
)

// Message — одно сообщение диалога.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request — параметры одного запроса к Chat Completions.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	// JSONOnly просит модель вернуть строго объект JSON.
	JSONOnly bool
}

// Usage — статистика расхода токенов.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response — содержимое первого варианта ответа модели.
type Response struct {
	Content string
	Usage   Usage
}

// APIError — ошибка, возвращённая самим API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("openai: статус %d", e.Status)
	}
	return fmt.Sprintf("openai: %s (статус %d)", e.Message, e.Status)
}

// Client выполняет запросы к OpenAI-совместимому Chat Completions API.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

// NewClient создаёт клиента. Пустой baseURL означает api.openai.com.
func NewClient(apiKey, baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		http:    &http.Client{Timeout: timeout + 5*time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

// Проводные структуры API наружу не выходят: вызывающим нужен только текст
// первого варианта и расход токенов.
type wireRequest struct {
	Model          string      `json:"model"`
	Messages       []Message   `json:"messages"`
	Temperature    float64     `json:"temperature,omitempty"`
	MaxTokens      int         `json:"max_tokens,omitempty"`
	ResponseFormat *wireFormat `json:"response_format,omitempty"`
}

type wireFormat struct {
	Type string `json:"type"`
}

type wireResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage *Usage `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete вызывает /chat/completions и возвращает первый вариант ответа.
func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	if c.apiKey == "" {
		return Response{}, fmt.Errorf("openai: не задан ключ API")
	}

	wire := wireRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSONOnly {
		wire.ResponseFormat = &wireFormat{Type: "json_object"}
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return Response{}, fmt.Errorf("openai: сериализация запроса: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("openai: сборка запроса: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.ObserveNetworkRequest("openai", "chat_completions", req.Model, start, err)
		return Response{}, fmt.Errorf("openai: запрос не выполнен: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ObserveNetworkRequest("openai", "chat_completions", req.Model, start, err)
		return Response{}, fmt.Errorf("openai: чтение ответа: %w", err)
	}

	var parsed wireResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil && resp.StatusCode < 400 {
		metrics.ObserveNetworkRequest("openai", "chat_completions", req.Model, start, err)
		return Response{}, fmt.Errorf("openai: разбор ответа: %w", err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if parsed.Error != nil {
			apiErr.Message = parsed.Error.Message
		}
		metrics.ObserveNetworkRequest("openai", "chat_completions", req.Model, start, apiErr)
		return Response{}, apiErr
	}
	if len(parsed.Choices) == 0 {
		err := fmt.Errorf("openai: ответ без вариантов")
		metrics.ObserveNetworkRequest("openai", "chat_completions", req.Model, start, err)
		return Response{}, err
	}
	metrics.ObserveNetworkRequest("openai", "chat_completions", req.Model, start, nil)

	out := Response{Content: parsed.Choices[0].Message.Content}
	if parsed.Usage != nil {
		out.Usage = *parsed.Usage
		metrics.ObserveLLMGeneration(req.Model, time.Since(start),
			out.Usage.PromptTokens, out.Usage.CompletionTokens, out.Usage.TotalTokens)
	}
	return out, nil
}
