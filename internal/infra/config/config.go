package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов. Конфигурация читается один раз
// на старте; изменение параметров требует перезапуска процесса.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"TZ" default:"UTC"`
	Port   int    `envconfig:"PORT" default:"8080"`

	Reddit struct {
		ClientID     string        `envconfig:"REDDIT_CLIENT_ID"`
		ClientSecret string        `envconfig:"REDDIT_CLIENT_SECRET"`
		RefreshToken string        `envconfig:"REDDIT_REFRESH_TOKEN"`
		UserAgent    string        `envconfig:"REDDIT_USER_AGENT" default:"startup-sniff/1.0"`
		BaseURL      string        `envconfig:"REDDIT_BASE_URL" default:"https://oauth.reddit.com"`
		AuthURL      string        `envconfig:"REDDIT_AUTH_URL" default:"https://www.reddit.com/api/v1/access_token"`
		Timeout      time.Duration `envconfig:"REDDIT_TIMEOUT" default:"30s"`
		MaxRetries   int           `envconfig:"REDDIT_MAX_RETRIES" default:"3"`
	} `envconfig:""`

	OpenAI struct {
		APIKey  string        `envconfig:"OPENAI_API_KEY"`
		BaseURL string        `envconfig:"OPENAI_BASE_URL"`
		Model   string        `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
		Timeout time.Duration `envconfig:"OPENAI_TIMEOUT" default:"60s"`
	} `envconfig:""`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR" default:"localhost:6379"`

	Queues struct {
		Backend       string `envconfig:"QUEUE_BACKEND" default:"redis"`
		FetchQueueKey string `envconfig:"FETCH_QUEUE_KEY" default:"deferred_fetches"`
		RabbitURL     string `envconfig:"RABBITMQ_URL"`
	} `envconfig:""`

	RateLimit struct {
		Window      time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"60s"`
		GlobalLimit int           `envconfig:"RATE_LIMIT_GLOBAL" default:"60"`
		PerSource   int           `envconfig:"RATE_LIMIT_PER_SOURCE" default:"10"`
	} `envconfig:""`

	Fetch struct {
		Subreddits     []string      `envconfig:"FETCH_SUBREDDITS" default:"startups,entrepreneur,smallbusiness,SaaS"`
		HighPriority   []string      `envconfig:"FETCH_HIGH_PRIORITY" default:"startups,entrepreneur"`
		LowPriority    []string      `envconfig:"FETCH_LOW_PRIORITY"`
		MaxConcurrent  int           `envconfig:"FETCH_MAX_CONCURRENT" default:"3"`
		GroupDelay     time.Duration `envconfig:"FETCH_GROUP_DELAY" default:"2s"`
		BatchDelay     time.Duration `envconfig:"FETCH_BATCH_DELAY" default:"500ms"`
		CacheTTL       time.Duration `envconfig:"FETCH_CACHE_TTL" default:"10m"`
		HealthInterval time.Duration `envconfig:"FETCH_HEALTH_INTERVAL" default:"5m"`
		RetryAttempts  int           `envconfig:"FETCH_RETRY_ATTEMPTS" default:"2"`
		DefaultSort    string        `envconfig:"FETCH_DEFAULT_SORT" default:"hot"`
		DefaultLimit   int           `envconfig:"FETCH_DEFAULT_LIMIT" default:"50"`
	} `envconfig:""`

	Process struct {
		MaxConcurrent    int `envconfig:"PROCESS_MAX_CONCURRENT" default:"4"`
		MinQuality       int `envconfig:"PROCESS_MIN_QUALITY" default:"20"`
		MinContentLength int `envconfig:"PROCESS_MIN_CONTENT_LENGTH" default:"20"`
		ScoreFloor       int `envconfig:"PROCESS_SCORE_FLOOR" default:"-5"`
	} `envconfig:""`

	Insert struct {
		BatchSize     int           `envconfig:"INSERT_BATCH_SIZE" default:"50"`
		MaxRetries    int           `envconfig:"INSERT_MAX_RETRIES" default:"3"`
		RetryDelay    time.Duration `envconfig:"INSERT_RETRY_DELAY" default:"500ms"`
		ScoreMargin   int           `envconfig:"INSERT_SCORE_MARGIN" default:"10"`
		CommentMargin int           `envconfig:"INSERT_COMMENT_MARGIN" default:"5"`
		StaleAfter    time.Duration `envconfig:"INSERT_STALE_AFTER" default:"168h"`
	} `envconfig:""`

	Fallback struct {
		FailureThreshold int           `envconfig:"FALLBACK_FAILURE_THRESHOLD" default:"5"`
		OpenTimeout      time.Duration `envconfig:"FALLBACK_OPEN_TIMEOUT" default:"60s"`
		GracePeriod      time.Duration `envconfig:"FALLBACK_GRACE_PERIOD" default:"10m"`
		DrainInterval    time.Duration `envconfig:"FALLBACK_DRAIN_INTERVAL" default:"30s"`
	} `envconfig:""`

	Schedule struct {
		CollectCron    string        `envconfig:"SCHEDULE_COLLECT_CRON" default:"0 */2 * * *"`
		CleanupCron    string        `envconfig:"SCHEDULE_CLEANUP_CRON" default:"30 4 * * *"`
		RetentionAge   time.Duration `envconfig:"SCHEDULE_RETENTION_AGE" default:"720h"`
		JobMaxDuration time.Duration `envconfig:"SCHEDULE_JOB_MAX_DURATION" default:"10m"`
		HealthInterval time.Duration `envconfig:"SCHEDULE_HEALTH_INTERVAL" default:"60s"`
	} `envconfig:""`

	Monitor struct {
		BufferSize     int           `envconfig:"MONITOR_BUFFER_SIZE" default:"500"`
		FlushInterval  time.Duration `envconfig:"MONITOR_FLUSH_INTERVAL" default:"10s"`
		LogTTL         time.Duration `envconfig:"MONITOR_LOG_TTL" default:"72h"`
		ErrorRateAlert float64       `envconfig:"MONITOR_ERROR_RATE_ALERT" default:"0.25"`
		RateLimitAlert float64       `envconfig:"MONITOR_RATE_LIMIT_ALERT" default:"0.9"`
		AlertCooldown  time.Duration `envconfig:"MONITOR_ALERT_COOLDOWN" default:"15m"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}

// MustValidateCredentials падает при отсутствии обязательных учётных данных.
// Отсутствие кредов — невосстановимая ошибка конфигурации, её ловим на старте.
func (c AppConfig) MustValidateCredentials() {
	if c.Reddit.ClientID == "" || c.Reddit.ClientSecret == "" {
		log.Fatal("не заданы REDDIT_CLIENT_ID / REDDIT_CLIENT_SECRET")
	}
	if c.PGDSN == "" {
		log.Fatal("не задан PG_DSN")
	}
}
