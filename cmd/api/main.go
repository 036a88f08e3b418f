package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"startup-sniff/internal/adapters/analyzer"
	"startup-sniff/internal/adapters/reddit"
	"startup-sniff/internal/adapters/repo"
	"startup-sniff/internal/domain"
	"startup-sniff/internal/infra/cache"
	"startup-sniff/internal/infra/config"
	"startup-sniff/internal/infra/db"
	httpinfra "startup-sniff/internal/infra/http"
	applog "startup-sniff/internal/infra/log"
	"startup-sniff/internal/infra/metrics"
	"startup-sniff/internal/infra/openai"
	"startup-sniff/internal/infra/queue"
	"startup-sniff/internal/usecase/engine"
	"startup-sniff/internal/usecase/fallback"
	"startup-sniff/internal/usecase/fetch"
	"startup-sniff/internal/usecase/ingest"
	"startup-sniff/internal/usecase/monitor"
	"startup-sniff/internal/usecase/process"
	"startup-sniff/internal/usecase/ratelimit"
	"startup-sniff/internal/usecase/score"
	"startup-sniff/internal/usecase/trends"
	"startup-sniff/internal/usecase/validate"
)

func main() {
	cfg := config.Load()
	cfg.MustValidateCredentials()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	cacheAdapter := cache.NewRedis(redisClient)

	var fetchQueue domain.FetchQueue
	switch cfg.Queues.Backend {
	case "rabbitmq":
		if cfg.Queues.RabbitURL == "" {
			logger.Fatal().Msg("api: не указан адрес RabbitMQ (RABBITMQ_URL)")
		}
		rabbitQueue, err := queue.NewRabbitFetchQueue(cfg.Queues.RabbitURL, cfg.Queues.FetchQueueKey)
		if err != nil {
			logger.Fatal().Err(err).Msg("api: не удалось инициализировать очередь RabbitMQ")
		}
		defer rabbitQueue.Close()
		fetchQueue = rabbitQueue
	default:
		fetchQueue = queue.NewRedisFetchQueue(redisClient, cfg.Queues.FetchQueueKey)
	}

	limiter := ratelimit.NewLimiter(cacheAdapter, fetchQueue, cfg.RateLimit.Window,
		logger.With().Str("component", "ratelimit").Logger())
	validator := validate.NewValidator(validate.DefaultPolicy())

	redditClient := reddit.NewClient(reddit.Config{
		ClientID:     cfg.Reddit.ClientID,
		ClientSecret: cfg.Reddit.ClientSecret,
		RefreshToken: cfg.Reddit.RefreshToken,
		UserAgent:    cfg.Reddit.UserAgent,
		BaseURL:      cfg.Reddit.BaseURL,
		AuthURL:      cfg.Reddit.AuthURL,
		Timeout:      cfg.Reddit.Timeout,
		MaxRetries:   cfg.Reddit.MaxRetries,
		GlobalLimit:  cfg.RateLimit.GlobalLimit,
		SourceLimit:  cfg.RateLimit.PerSource,
	}, limiter, validator, logger.With().Str("component", "reddit").Logger())

	var postAnalyzer domain.Analyzer = analyzer.NewRules()
	if cfg.OpenAI.APIKey != "" {
		openaiClient := openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Timeout)
		llm := analyzer.NewLLM(openaiClient, cfg.OpenAI.Model, cfg.OpenAI.Timeout)
		postAnalyzer = analyzer.NewFallback(llm, analyzer.NewRules(), func() {
			metrics.AnalysisFallbacks.Inc()
		})
	}

	fetcher := fetch.NewFetcher(redditClient, cacheAdapter, fetch.Config{
		Subreddits:     cfg.Fetch.Subreddits,
		HighPriority:   cfg.Fetch.HighPriority,
		LowPriority:    cfg.Fetch.LowPriority,
		MaxConcurrent:  cfg.Fetch.MaxConcurrent,
		GroupDelay:     cfg.Fetch.GroupDelay,
		BatchDelay:     cfg.Fetch.BatchDelay,
		CacheTTL:       cfg.Fetch.CacheTTL,
		HealthInterval: cfg.Fetch.HealthInterval,
		RetryAttempts:  cfg.Fetch.RetryAttempts,
		DefaultSort:    cfg.Fetch.DefaultSort,
		DefaultLimit:   cfg.Fetch.DefaultLimit,
	}, logger.With().Str("component", "fetch").Logger())

	processor := process.NewProcessor(postAnalyzer, process.Config{
		MaxConcurrent:    cfg.Process.MaxConcurrent,
		MinQuality:       cfg.Process.MinQuality,
		MinContentLength: cfg.Process.MinContentLength,
		ScoreFloor:       cfg.Process.ScoreFloor,
		StripMarkdown:    true,
	}, logger.With().Str("component", "process").Logger())

	inserter := ingest.NewInserter(repoAdapter, ingest.Config{
		BatchSize:     cfg.Insert.BatchSize,
		MaxRetries:    cfg.Insert.MaxRetries,
		RetryDelay:    cfg.Insert.RetryDelay,
		ScoreMargin:   cfg.Insert.ScoreMargin,
		CommentMargin: cfg.Insert.CommentMargin,
		StaleAfter:    cfg.Insert.StaleAfter,
		Deduplicate:   true,
	}, logger.With().Str("component", "ingest").Logger())

	fallbackManager := fallback.NewManager(fetchQueue, fallback.Config{
		FailureThreshold:   cfg.Fallback.FailureThreshold,
		OpenTimeout:        cfg.Fallback.OpenTimeout,
		GracePeriod:        cfg.Fallback.GracePeriod,
		DrainInterval:      cfg.Fallback.DrainInterval,
		RateLimitProximity: cfg.Monitor.RateLimitAlert,
	}, logger.With().Str("component", "fallback").Logger())

	logSink := monitor.NewRedisLogSink(redisClient, 0, cfg.Monitor.LogTTL)
	mon := monitor.NewMonitor(logSink, monitor.Config{
		BufferSize:     cfg.Monitor.BufferSize,
		FlushInterval:  cfg.Monitor.FlushInterval,
		ErrorRateAlert: cfg.Monitor.ErrorRateAlert,
		RateLimitAlert: cfg.Monitor.RateLimitAlert,
		AlertCooldown:  cfg.Monitor.AlertCooldown,
	}, logger.With().Str("component", "monitor").Logger())
	go mon.Run(ctx)

	eng := engine.NewEngine(engine.Deps{
		Fetcher:   fetcher,
		Processor: processor,
		Scorer:    score.NewScorer(score.DefaultWeights()),
		Detector:  trends.NewDetector(trends.DefaultVocabulary()),
		Inserter:  inserter,
		Fallback:  fallbackManager,
		Monitor:   mon,
		Repo:      repoAdapter,
		Queue:     fetchQueue,
		Pingers: map[string]engine.Pinger{
			"postgres": pingFunc(pool.Ping),
			"redis":    pingFunc(cacheAdapter.Ping),
		},
	}, engine.Config{
		Subreddits:   cfg.Fetch.Subreddits,
		HighPriority: cfg.Fetch.HighPriority,
		RetentionAge: cfg.Schedule.RetentionAge,
	}, logger.With().Str("component", "engine").Logger())

	srv := httpinfra.NewServer(logger.With().Str("component", "http").Logger())
	registerRoutes(srv.Router, eng, repoAdapter, fallbackManager, mon)

	go func() {
		if err := srv.Start(":" + strconv.Itoa(cfg.Port)); err != nil {
			logger.Fatal().Err(err).Msg("api: сервер завершился с ошибкой")
		}
	}()

	logger.Info().Int("port", cfg.Port).Msg("api: запущен")
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(stopCtx); err != nil {
		logger.Warn().Err(err).Msg("api: сервер остановлен с ошибкой")
	}
	eng.Shutdown(stopCtx)
	logger.Info().Msg("api: остановлен")
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func registerRoutes(r chi.Router, eng *engine.Engine, repoAdapter *repo.Postgres, fallbackManager *fallback.Manager, mon *monitor.Monitor) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		status := eng.Health(r.Context())
		if status.Overall == domain.HealthUnhealthy {
			writeJSON(w, http.StatusServiceUnavailable, status)
			return
		}
		writeJSON(w, http.StatusOK, status)
	})

	r.Get("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, eng.Health(r.Context()))
	})

	r.Get("/api/v1/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := eng.Stats(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})

	r.Get("/api/v1/trends", func(w http.ResponseWriter, r *http.Request) {
		analysis, err := eng.Trends(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, analysis)
	})

	r.Get("/api/v1/posts/recent", func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 50)
		hours := queryInt(r, "hours", 24)
		posts, err := repoAdapter.ListRecent(r.Context(), time.Now().Add(-time.Duration(hours)*time.Hour), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, posts)
	})

	r.Get("/api/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		job := r.URL.Query().Get("job")
		limit := queryInt(r, "limit", 50)
		runs, err := repoAdapter.ListRuns(r.Context(), job, time.Now().Add(-7*24*time.Hour), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, runs)
	})

	// Внеплановый прогон конвейера. Выполняется асинхронно: ответ
	// подтверждает постановку, итог виден в /api/v1/runs и журнале.
	r.Post("/api/v1/collect", func(w http.ResponseWriter, r *http.Request) {
		go func() {
			runCtx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
			defer cancel()
			if _, err := eng.Run(runCtx, domain.JobConfig{Name: "manual", WithAnalysis: true}); err != nil {
				mon.Record("error", "api", "ручной прогон завершился ошибкой: "+err.Error(), nil)
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	})

	r.Get("/api/v1/logs", func(w http.ResponseWriter, r *http.Request) {
		var since time.Time
		if raw := r.URL.Query().Get("since"); raw != "" {
			if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
				since = parsed
			}
		}
		entries, err := mon.QueryLogs(r.Context(),
			r.URL.Query().Get("component"),
			r.URL.Query().Get("level"),
			since,
			queryInt(r, "limit", 100))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	})

	r.Get("/api/v1/alerts", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, mon.ActiveAlerts())
	})

	// Ручной сброс предохранителя после смены учётных данных.
	r.Post("/api/v1/circuit/reset", func(w http.ResponseWriter, _ *http.Request) {
		fallbackManager.Reset()
		writeJSON(w, http.StatusOK, map[string]string{"circuit_state": fallbackManager.State()})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, name string, def int) int {
	if raw := r.URL.Query().Get(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	return def
}
