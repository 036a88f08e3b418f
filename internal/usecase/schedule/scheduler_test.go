package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"startup-sniff/internal/domain"
)

type fakeRunRepo struct {
	mu   sync.Mutex
	runs []domain.JobRun
}

func (r *fakeRunRepo) SaveRun(_ context.Context, run domain.JobRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return nil
}

func (r *fakeRunRepo) ListRuns(_ context.Context, name string, since time.Time, limit int) ([]domain.JobRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.JobRun
	for _, run := range r.runs {
		if name != "" && run.JobName != name {
			continue
		}
		out = append(out, run)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func newTestScheduler(ctx context.Context, repo domain.RunRepo) *Scheduler {
	return NewScheduler(ctx, repo, Config{
		RetryDelay:    time.Millisecond,
		MaxRetryDelay: 5 * time.Millisecond,
	}, zerolog.Nop())
}

// waitHistory ждёт, пока в истории задачи не появится limit записей.
func waitHistory(t *testing.T, s *Scheduler, name string, want int) []domain.JobRun {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		runs := s.History(name, 0)
		if len(runs) >= want {
			return runs
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("не дождались %d записей истории задачи %q", want, name)
	return nil
}

func TestRunNowRecordsSuccess(t *testing.T) {
	repo := &fakeRunRepo{}
	s := newTestScheduler(context.Background(), repo)

	job := domain.JobConfig{Name: "collect", CronExpr: "0 */2 * * *"}
	err := s.AddJob(job, func(_ context.Context, _ domain.JobConfig) (JobResult, error) {
		return JobResult{Fetched: 7, Processed: 5, Inserted: 3}, nil
	})
	if err != nil {
		t.Fatalf("регистрация задачи: %v", err)
	}

	if err := s.RunNow("collect"); err != nil {
		t.Fatalf("внеплановый запуск: %v", err)
	}

	runs := waitHistory(t, s, "collect", 1)
	run := runs[0]
	if run.Status != domain.RunSuccess {
		t.Fatalf("ожидали success, получили %s (%s)", run.Status, run.Error)
	}
	if run.Fetched != 7 || run.Processed != 5 || run.Inserted != 3 {
		t.Fatalf("счётчики прогона потеряны: %+v", run)
	}
	if run.ID == "" || run.Attempt != 1 {
		t.Fatalf("запись запуска неполная: %+v", run)
	}

	repo.mu.Lock()
	saved := len(repo.runs)
	repo.mu.Unlock()
	if saved != 1 {
		t.Fatalf("запуск должен сохраняться в хранилище, сохранено %d", saved)
	}
}

func TestRunNowUnknownJob(t *testing.T) {
	s := newTestScheduler(context.Background(), nil)
	if err := s.RunNow("ghost"); err == nil {
		t.Fatal("запуск незарегистрированной задачи должен возвращать ошибку")
	}
}

func TestExecuteRetriesUntilSuccess(t *testing.T) {
	s := newTestScheduler(context.Background(), nil)

	var mu sync.Mutex
	calls := 0
	job := domain.JobConfig{Name: "flaky", CronExpr: "* * * * *", MaxRetries: 3}
	_ = s.AddJob(job, func(_ context.Context, _ domain.JobConfig) (JobResult, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return JobResult{}, errors.New("временный сбой")
		}
		return JobResult{}, nil
	})

	_ = s.RunNow("flaky")
	runs := waitHistory(t, s, "flaky", 3)

	// История новыми вперёд: успех идёт первым.
	if runs[0].Status != domain.RunSuccess {
		t.Fatalf("последняя попытка должна быть успешной: %+v", runs[0])
	}
	if runs[0].Attempt != 3 {
		t.Fatalf("успех ожидали на третьей попытке, получили %d", runs[0].Attempt)
	}
	for _, run := range runs[1:] {
		if run.Status != domain.RunFailed {
			t.Fatalf("ранние попытки должны быть failed: %+v", run)
		}
	}
}

func TestExecuteExhaustsRetries(t *testing.T) {
	s := newTestScheduler(context.Background(), nil)

	job := domain.JobConfig{Name: "broken", CronExpr: "* * * * *", MaxRetries: 2}
	_ = s.AddJob(job, func(_ context.Context, _ domain.JobConfig) (JobResult, error) {
		return JobResult{}, errors.New("постоянный сбой")
	})

	_ = s.RunNow("broken")
	runs := waitHistory(t, s, "broken", 3)

	// Даём циклу завершиться: четвёртой попытки быть не должно.
	time.Sleep(20 * time.Millisecond)
	if got := len(s.History("broken", 0)); got != 3 {
		t.Fatalf("MaxRetries=2 даёт ровно 3 попытки, получили %d", got)
	}
	for _, run := range runs {
		if run.Status != domain.RunFailed {
			t.Fatalf("все попытки должны быть failed: %+v", run)
		}
		if run.Error == "" {
			t.Fatal("текст ошибки должен сохраняться в записи запуска")
		}
	}
}

func TestAdvisoryTimeoutNotRetried(t *testing.T) {
	s := newTestScheduler(context.Background(), nil)

	var mu sync.Mutex
	calls := 0
	job := domain.JobConfig{
		Name:        "slow",
		CronExpr:    "* * * * *",
		MaxDuration: 5 * time.Millisecond,
		MaxRetries:  3,
	}
	_ = s.AddJob(job, func(ctx context.Context, _ domain.JobConfig) (JobResult, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
		return JobResult{Fetched: 99}, nil
	})

	_ = s.RunNow("slow")
	runs := waitHistory(t, s, "slow", 1)

	if runs[0].Status != domain.RunTimeout {
		t.Fatalf("ожидали timeout, получили %s", runs[0].Status)
	}
	if runs[0].Fetched != 0 {
		t.Fatal("результат просроченного запуска должен отбрасываться")
	}

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	got := calls
	mu.Unlock()
	if got != 1 {
		t.Fatalf("просроченный запуск не повторяется, вызовов было %d", got)
	}
}

func TestSkipIfRunningRecordsSkipped(t *testing.T) {
	s := newTestScheduler(context.Background(), nil)

	release := make(chan struct{})
	job := domain.JobConfig{Name: "long", CronExpr: "* * * * *", SkipIfRunning: true}
	_ = s.AddJob(job, func(_ context.Context, _ domain.JobConfig) (JobResult, error) {
		<-release
		return JobResult{}, nil
	})

	_ = s.RunNow("long")
	time.Sleep(10 * time.Millisecond)
	_ = s.RunNow("long")

	runs := waitHistory(t, s, "long", 1)
	if runs[0].Status != domain.RunSkipped {
		t.Fatalf("повторный запуск должен помечаться skipped, получили %s", runs[0].Status)
	}

	close(release)
	runs = waitHistory(t, s, "long", 2)
	found := false
	for _, run := range runs {
		if run.Status == domain.RunSuccess {
			found = true
		}
	}
	if !found {
		t.Fatalf("первый запуск должен завершиться успехом: %+v", runs)
	}
}

func TestAddJobReplacesSchedule(t *testing.T) {
	s := newTestScheduler(context.Background(), nil)

	job := domain.JobConfig{Name: "collect", CronExpr: "0 * * * *"}
	fn := func(_ context.Context, _ domain.JobConfig) (JobResult, error) { return JobResult{}, nil }
	if err := s.AddJob(job, fn); err != nil {
		t.Fatalf("первая регистрация: %v", err)
	}
	job.CronExpr = "*/5 * * * *"
	if err := s.AddJob(job, fn); err != nil {
		t.Fatalf("повторная регистрация: %v", err)
	}

	jobs := s.Jobs()
	if len(jobs) != 1 {
		t.Fatalf("повторная регистрация не должна плодить задачи, их %d", len(jobs))
	}
	if jobs[0].CronExpr != "*/5 * * * *" {
		t.Fatalf("расписание не заменилось: %s", jobs[0].CronExpr)
	}
}

func TestAddJobRejectsBadInput(t *testing.T) {
	s := newTestScheduler(context.Background(), nil)
	fn := func(_ context.Context, _ domain.JobConfig) (JobResult, error) { return JobResult{}, nil }

	if err := s.AddJob(domain.JobConfig{CronExpr: "* * * * *"}, fn); err == nil {
		t.Fatal("задача без имени должна отклоняться")
	}
	if err := s.AddJob(domain.JobConfig{Name: "x", CronExpr: "* * * * *"}, nil); err == nil {
		t.Fatal("задача без функции должна отклоняться")
	}
	if err := s.AddJob(domain.JobConfig{Name: "x", CronExpr: "не крон"}, fn); err == nil {
		t.Fatal("некорректное cron-выражение должно отклоняться")
	}
}

func TestMetricsAggregatesWindow(t *testing.T) {
	s := newTestScheduler(context.Background(), nil)

	now := time.Now().UTC()
	s.record(domain.JobRun{JobName: "collect", StartedAt: now.Add(-time.Hour), Status: domain.RunSuccess, Duration: 2 * time.Second})
	s.record(domain.JobRun{JobName: "collect", StartedAt: now.Add(-30 * time.Minute), Status: domain.RunFailed, Duration: 4 * time.Second})
	s.record(domain.JobRun{JobName: "collect", StartedAt: now.Add(-48 * time.Hour), Status: domain.RunFailed, Duration: time.Second})
	s.record(domain.JobRun{JobName: "cleanup", StartedAt: now, Status: domain.RunSuccess, Duration: time.Second})

	m := s.Metrics("collect")
	if m.Runs != 2 {
		t.Fatalf("в окно 24ч попадают 2 запуска, получили %d", m.Runs)
	}
	if m.Succeeded != 1 || m.Failed != 1 {
		t.Fatalf("неверная разбивка статусов: %+v", m)
	}
	if m.AvgDuration != 3*time.Second {
		t.Fatalf("средняя длительность должна быть 3s, получили %s", m.AvgDuration)
	}
	if m.ErrorRate != 0.5 {
		t.Fatalf("доля ошибок должна быть 0.5, получили %v", m.ErrorRate)
	}
	if m.LastRun == nil || m.LastRun.Status != domain.RunFailed {
		t.Fatalf("LastRun должен быть самым свежим запуском: %+v", m.LastRun)
	}
}
