package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

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
	"startup-sniff/internal/usecase/fallback"
	"startup-sniff/internal/usecase/fetch"
	"startup-sniff/internal/usecase/ingest"
	"startup-sniff/internal/usecase/process"
	"startup-sniff/internal/usecase/ratelimit"
	"startup-sniff/internal/usecase/score"
	"startup-sniff/internal/usecase/validate"
)

// worker разбирает очередь отложенных запросов: повторяет сбор, который
// коллектор отложил из-за квот или сбоев upstream.
func main() {
	cfg := config.Load()
	cfg.MustValidateCredentials()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9091")

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: нет подключения к БД")
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
			logger.Fatal().Msg("worker: не указан адрес RabbitMQ (RABBITMQ_URL)")
		}
		rabbitQueue, err := queue.NewRabbitFetchQueue(cfg.Queues.RabbitURL, cfg.Queues.FetchQueueKey)
		if err != nil {
			logger.Fatal().Err(err).Msg("worker: не удалось инициализировать очередь RabbitMQ")
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
		MaxConcurrent:  1,
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

	scorer := score.NewScorer(score.DefaultWeights())

	handle := func(ctx context.Context, req domain.QueuedRequest) error {
		result := fetcher.FetchSubreddits(ctx, []string{req.Subreddit}, req.Options)
		if result.RateLimit != nil {
			fallbackManager.ObserveRateLimit(result.RateLimit)
		}
		if len(result.Posts) == 0 {
			if msg, ok := result.Errors[req.Subreddit]; ok {
				return fmt.Errorf("отложенный сбор r/%s: %s", req.Subreddit, msg)
			}
			return nil
		}
		processed := processor.ProcessBatch(ctx, result.Posts)
		posts := processed.Processed
		for i := range posts {
			v := scorer.ScorePost(posts[i]).Viability
			posts[i].ViabilityScore = &v
		}
		insertResult := inserter.InsertBatch(ctx, posts)
		logger.Info().
			Str("subreddit", req.Subreddit).
			Int("fetched", result.Fetched).
			Int("inserted", insertResult.Inserted).
			Int("updated", insertResult.Updated).
			Msg("worker: отложенный запрос обработан")
		return nil
	}

	logger.Info().Str("backend", cfg.Queues.Backend).Msg("worker: разбор очереди запущен")
	fallbackManager.DrainLoop(ctx, handle)
	logger.Info().Msg("worker: остановлен")
}
