package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	FetchErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fetch_errors_total",
		Help: "Ошибки при сборе сабреддитов",
	}, []string{"subreddit", "kind"})

	FetchedPosts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fetched_posts_total",
		Help: "Количество собранных постов",
	}, []string{"subreddit"})

	DuplicatePosts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duplicate_posts_total",
		Help: "Посты, отброшенные дедупликацией по хэшу",
	})

	RateLimitDenied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rate_limit_denied_total",
		Help: "Отказы лимитера по ключам",
	}, []string{"key", "priority"})

	RateLimitFailOpen = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rate_limit_fail_open_total",
		Help: "Срабатывания fail-open при недоступном хранилище счётчиков",
	})

	CircuitState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "Состояние предохранителя: 0 closed, 1 half-open, 2 open",
	})

	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "deferred_queue_depth",
		Help: "Глубина очереди отложенных запросов",
	})

	InsertOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "insert_outcomes_total",
		Help: "Результаты пакетной вставки по типам",
	}, []string{"outcome"})

	PipelineRunSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_run_seconds",
		Help:    "Время полного прохода collect-process-score-persist",
		Buckets: prometheus.DefBuckets,
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 30, 60, 120, 300},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})

	LLMGenerationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llm_generation_duration_seconds",
		Help:    "Длительность генерации ответа LLM",
		Buckets: prometheus.DefBuckets,
	}, []string{"model"})

	LLMTokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_tokens_total",
		Help: "Количество токенов, использованных LLM",
	}, []string{"model", "type"})

	AnalysisFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "analysis_fallbacks_total",
		Help: "Переходы на эвристический анализ после отказа LLM",
	})

	AlertsFired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "alerts_fired_total",
		Help: "Количество сработавших алертов по типам",
	}, []string{"alert"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		FetchErrors,
		FetchedPosts,
		DuplicatePosts,
		RateLimitDenied,
		RateLimitFailOpen,
		CircuitState,
		QueueDepth,
		InsertOutcomes,
		PipelineRunSeconds,
		NetworkRequestDuration,
		NetworkRequestTotal,
		LLMGenerationDuration,
		LLMTokensTotal,
		AnalysisFallbacks,
		AlertsFired,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveLLMGeneration записывает длительность и токены генерации LLM.
func ObserveLLMGeneration(model string, duration time.Duration, promptTokens, completionTokens, totalTokens int) {
	if model == "" {
		model = "unknown"
	}
	LLMGenerationDuration.WithLabelValues(model).Observe(duration.Seconds())
	if promptTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
	if totalTokens <= 0 {
		totalTokens = promptTokens + completionTokens
	}
	if totalTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "total").Add(float64(totalTokens))
	}
}

// SetCircuitState отражает состояние предохранителя в метрике.
func SetCircuitState(state string) {
	switch state {
	case "open":
		CircuitState.Set(2)
	case "half-open":
		CircuitState.Set(1)
	default:
		CircuitState.Set(0)
	}
}
