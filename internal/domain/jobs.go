package domain

import "time"

// RunStatus — итоговый статус запуска задачи.
type RunStatus string

const (
	// RunSuccess — задача завершилась успешно.
	RunSuccess RunStatus = "success"
	// RunFailed — задача завершилась ошибкой после всех повторов.
	RunFailed RunStatus = "failed"
	// RunTimeout — задача превысила лимит времени. Лимит рекомендательный:
	// запущенная работа не прерывается принудительно, её результат отбрасывается.
	RunTimeout RunStatus = "timeout"
	// RunSkipped — запуск пропущен (предыдущий ещё выполняется).
	RunSkipped RunStatus = "skipped"
)

// JobConfig описывает периодическую задачу планировщика.
type JobConfig struct {
	Name          string        `json:"name"`
	CronExpr      string        `json:"cron_expr"`
	Subreddits    []string      `json:"subreddits,omitempty"`
	WithAnalysis  bool          `json:"with_analysis"`
	MaxDuration   time.Duration `json:"max_duration"`
	SkipIfRunning bool          `json:"skip_if_running"`
	MaxRetries    int           `json:"max_retries"`
}

// JobRun — одна запись истории запусков.
type JobRun struct {
	ID         string        `json:"id"`
	JobName    string        `json:"job_name"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
	Status     RunStatus     `json:"status"`
	Error      string        `json:"error,omitempty"`
	Attempt    int           `json:"attempt"`
	Fetched    int           `json:"fetched"`
	Processed  int           `json:"processed"`
	Inserted   int           `json:"inserted"`
}

// JobMetrics — агрегаты по истории запусков за скользящее окно.
type JobMetrics struct {
	JobName     string        `json:"job_name"`
	Window      time.Duration `json:"window"`
	Runs        int           `json:"runs"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	AvgDuration time.Duration `json:"avg_duration"`
	ErrorRate   float64       `json:"error_rate"`
	LastRun     *JobRun       `json:"last_run,omitempty"`
}
