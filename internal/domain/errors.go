package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Сентинельные ошибки таксономии отказов upstream API.
var (
	// ErrValidation — вход нарушает схему или политику; не повторяется.
	ErrValidation = errors.New("validation error")
	// ErrRateLimited — upstream ограничил частоту; повтор после задержки.
	ErrRateLimited = errors.New("rate limited")
	// ErrAuth — отказ авторизации; требует ручного вмешательства.
	ErrAuth = errors.New("authentication error")
	// ErrServer — ошибка 5xx; повтор с экспоненциальной задержкой.
	ErrServer = errors.New("server error")
	// ErrNetwork — транспортная ошибка; повтор с экспоненциальной задержкой.
	ErrNetwork = errors.New("network error")
	// ErrCircuitOpen — предохранитель разомкнут, вызовы заблокированы.
	ErrCircuitOpen = errors.New("circuit breaker open")
)

// FailureKind — класс отказа для выбора стратегии реакции.
type FailureKind string

const (
	// FailureValidation — невалидный вход, пост отбрасывается.
	FailureValidation FailureKind = "validation"
	// FailureRateLimit — превышение квоты.
	FailureRateLimit FailureKind = "rate_limit"
	// FailureAuth — отказ авторизации.
	FailureAuth FailureKind = "auth"
	// FailureServer — ошибка на стороне upstream.
	FailureServer FailureKind = "server"
	// FailureNetwork — сетевая ошибка.
	FailureNetwork FailureKind = "network"
	// FailureGeneric — неклассифицированная ошибка.
	FailureGeneric FailureKind = "generic"
)

// RateLimitError несёт задержку, предписанную сервером.
type RateLimitError struct {
	RetryAfter time.Duration
}

// Error реализует error.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Unwrap относит ошибку к ErrRateLimited.
func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// StatusError несёт HTTP-статус ответа upstream.
type StatusError struct {
	Status int
	Body   string
}

// Error реализует error.
func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Body)
}

// Unwrap классифицирует статус в таксономию.
func (e *StatusError) Unwrap() error {
	switch {
	case e.Status == 429:
		return ErrRateLimited
	case e.Status == 401 || e.Status == 403:
		return ErrAuth
	case e.Status >= 500:
		return ErrServer
	default:
		return ErrValidation
	}
}

// Retryable сообщает, имеет ли смысл автоматический повтор.
func (e *StatusError) Retryable() bool {
	return e.Status == 429 || e.Status >= 500
}

// ClassifyError относит произвольную ошибку к классу отказа.
func ClassifyError(err error) FailureKind {
	switch {
	case err == nil:
		return FailureGeneric
	case errors.Is(err, ErrRateLimited):
		return FailureRateLimit
	case errors.Is(err, ErrAuth):
		return FailureAuth
	case errors.Is(err, ErrServer):
		return FailureServer
	case errors.Is(err, ErrValidation):
		return FailureValidation
	case errors.Is(err, ErrNetwork):
		return FailureNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return FailureNetwork
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureNetwork
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return FailureRateLimit
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "invalid token"), strings.Contains(msg, "forbidden"):
		return FailureAuth
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"), strings.Contains(msg, "timeout"):
		return FailureNetwork
	}
	return FailureGeneric
}
