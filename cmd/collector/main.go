package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"startup-sniff/internal/adapters/analyzer"
	"startup-sniff/internal/adapters/reddit"
	"startup-sniff/internal/adapters/repo"
	"startup-sniff/internal/domain"
	"startup-sniff/internal/infra/cache"
	"startup-sniff/internal/infra/config"
	"startup-sniff/internal/infra/db"
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
	"startup-sniff/internal/usecase/schedule"
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

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("collector: нет подключения к БД")
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
			logger.Fatal().Msg("collector: не указан адрес RabbitMQ (RABBITMQ_URL)")
		}
		rabbitQueue, err := queue.NewRabbitFetchQueue(cfg.Queues.RabbitURL, cfg.Queues.FetchQueueKey)
		if err != nil {
			logger.Fatal().Err(err).Msg("collector: не удалось инициализировать очередь RabbitMQ")
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
	} else {
		logger.Warn().Msg("collector: ключ OpenAI не задан, анализ только эвристический")
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

	scheduler := schedule.NewScheduler(ctx, repoAdapter, schedule.Config{},
		logger.With().Str("component", "scheduler").Logger())

	collectJob := domain.JobConfig{
		Name:          "collect",
		CronExpr:      cfg.Schedule.CollectCron,
		WithAnalysis:  true,
		MaxDuration:   cfg.Schedule.JobMaxDuration,
		SkipIfRunning: true,
		MaxRetries:    2,
	}
	if err := scheduler.AddJob(collectJob, func(ctx context.Context, job domain.JobConfig) (schedule.JobResult, error) {
		stats, err := eng.Run(ctx, job)
		return schedule.JobResult{Fetched: stats.Fetched, Processed: stats.Processed, Inserted: stats.Inserted}, err
	}); err != nil {
		logger.Fatal().Err(err).Msg("collector: задача сбора не зарегистрирована")
	}

	cleanupJob := domain.JobConfig{
		Name:          "cleanup",
		CronExpr:      cfg.Schedule.CleanupCron,
		SkipIfRunning: true,
	}
	if err := scheduler.AddJob(cleanupJob, func(ctx context.Context, job domain.JobConfig) (schedule.JobResult, error) {
		_, err := eng.Cleanup(ctx)
		return schedule.JobResult{}, err
	}); err != nil {
		logger.Fatal().Err(err).Msg("collector: задача очистки не зарегистрирована")
	}

	go healthLoop(ctx, eng, repoAdapter, mon, cfg.Schedule.HealthInterval)

	scheduler.Start()
	logger.Info().Msg("collector: запущен")
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	scheduler.Stop(stopCtx)
	eng.Shutdown(stopCtx)
	logger.Info().Msg("collector: остановлен")
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// healthLoop периодически снимает состояние системы и пишет его в историю.
func healthLoop(ctx context.Context, eng *engine.Engine, repoAdapter *repo.Postgres, mon *monitor.Monitor, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			status := eng.Health(checkCtx)
			if err := repoAdapter.SaveHealthSnapshot(checkCtx, status); err != nil {
				mon.Record("warn", "health", "снимок здоровья не сохранён: "+err.Error(), nil)
			}
			mon.SetGauge("overall_health", healthScore(status.Overall))
			cancel()
		}
	}
}

func healthScore(overall domain.OverallHealth) float64 {
	switch overall {
	case domain.HealthHealthy:
		return 1
	case domain.HealthDegraded:
		return 0.5
	default:
		return 0
	}
}
