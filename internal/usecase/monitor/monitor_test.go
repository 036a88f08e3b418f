package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeSink struct {
	mu      sync.Mutex
	batches [][]Entry
}

func (s *fakeSink) Append(_ context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := make([]Entry, len(entries))
	copy(batch, entries)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *fakeSink) Query(_ context.Context, component, level string, since time.Time, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, batch := range s.batches {
		for _, e := range batch {
			if component != "" && e.Component != component {
				continue
			}
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeSink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func newTestMonitor(sink LogSink, cfg Config) *Monitor {
	return NewMonitor(sink, cfg, zerolog.Nop())
}

func TestRecordBuffersUntilFlush(t *testing.T) {
	sink := &fakeSink{}
	mon := newTestMonitor(sink, Config{BufferSize: 100})

	mon.Record("info", "fetch", "собрано 10 постов", map[string]string{"subreddit": "startups"})
	mon.Record("warn", "fetch", "источник нездоров", nil)
	if sink.total() != 0 {
		t.Fatal("записи должны копиться в буфере до сброса")
	}

	mon.Flush(context.Background())
	if sink.total() != 2 {
		t.Fatalf("после сброса в хранилище должно быть 2 записи, получили %d", sink.total())
	}

	mon.Flush(context.Background())
	if sink.total() != 2 {
		t.Fatal("повторный сброс пустого буфера не должен дублировать записи")
	}
}

func TestRecordFlushesOnOverflow(t *testing.T) {
	sink := &fakeSink{}
	mon := newTestMonitor(sink, Config{BufferSize: 3})

	for i := 0; i < 3; i++ {
		mon.Record("info", "engine", "запись", nil)
	}
	if sink.total() != 3 {
		t.Fatalf("переполненный буфер должен сбрасываться сам, получили %d записей", sink.total())
	}
}

func TestErrorRateRollingWindow(t *testing.T) {
	mon := newTestMonitor(&fakeSink{}, Config{})

	for i := 0; i < 8; i++ {
		mon.RecordOutcome(true)
	}
	mon.RecordOutcome(false)
	mon.RecordOutcome(false)

	if got := mon.ErrorRate(); got != 0.2 {
		t.Fatalf("2 отказа из 10 дают долю 0.2, получили %v", got)
	}
}

func TestCheckAlertsFiresAndClears(t *testing.T) {
	mon := newTestMonitor(&fakeSink{}, Config{ErrorRateAlert: 0.5, AlertCooldown: time.Hour})

	mon.RecordOutcome(false)
	mon.RecordOutcome(false)
	alerts := mon.CheckAlerts()
	if len(alerts) != 1 || alerts[0].Name != "error_rate" {
		t.Fatalf("ожидали алерт error_rate, получили %+v", alerts)
	}

	// Порог больше не превышен: алерт снимается.
	for i := 0; i < 20; i++ {
		mon.RecordOutcome(true)
	}
	if alerts := mon.CheckAlerts(); len(alerts) != 0 {
		t.Fatalf("алерт должен сниматься при нормализации, получили %+v", alerts)
	}
}

func TestAlertCooldownSuppressesFlapping(t *testing.T) {
	mon := newTestMonitor(&fakeSink{}, Config{ErrorRateAlert: 0.5, AlertCooldown: time.Hour})

	mon.RecordOutcome(false)
	if alerts := mon.CheckAlerts(); len(alerts) != 1 {
		t.Fatalf("первое срабатывание должно возбуждать алерт, получили %+v", alerts)
	}

	for i := 0; i < 10; i++ {
		mon.RecordOutcome(true)
	}
	if alerts := mon.CheckAlerts(); len(alerts) != 0 {
		t.Fatalf("нормализация снимает алерт, получили %+v", alerts)
	}

	// Дребезг: порог снова превышен внутри окна кулдауна.
	for i := 0; i < 30; i++ {
		mon.RecordOutcome(false)
	}
	if alerts := mon.CheckAlerts(); len(alerts) != 0 {
		t.Fatalf("внутри кулдауна снятый алерт не возбуждается повторно, получили %+v", alerts)
	}
}

func TestCheckAlertsRateLimitSaturation(t *testing.T) {
	mon := newTestMonitor(&fakeSink{}, Config{RateLimitAlert: 0.9})

	mon.ObserveRateLimitUse(0.95)
	alerts := mon.CheckAlerts()
	if len(alerts) != 1 || alerts[0].Name != "rate_limit_saturation" {
		t.Fatalf("ожидали алерт о квоте, получили %+v", alerts)
	}

	mon.ObserveRateLimitUse(0.1)
	if alerts := mon.CheckAlerts(); len(alerts) != 0 {
		t.Fatalf("свободная квота снимает алерт, получили %+v", alerts)
	}
}

func TestQueryLogsDelegatesToSink(t *testing.T) {
	sink := &fakeSink{}
	mon := newTestMonitor(sink, Config{})

	mon.Record("info", "fetch", "раз", nil)
	mon.Record("info", "engine", "два", nil)
	mon.Flush(context.Background())

	entries, err := mon.QueryLogs(context.Background(), "fetch", "", time.Time{}, 10)
	if err != nil {
		t.Fatalf("неожиданная ошибка выборки: %v", err)
	}
	if len(entries) != 1 || entries[0].Component != "fetch" {
		t.Fatalf("фильтр по компоненту не сработал: %+v", entries)
	}
}

func TestSnapshotCopiesCounters(t *testing.T) {
	mon := newTestMonitor(&fakeSink{}, Config{})

	mon.IncCounter("runs")
	mon.IncCounter("runs")
	mon.SetGauge("depth", 7)

	counters, gauges := mon.Snapshot()
	if counters["runs"] != 2 {
		t.Fatalf("счётчик runs должен быть 2, получили %d", counters["runs"])
	}
	if gauges["depth"] != 7 {
		t.Fatalf("датчик depth должен быть 7, получили %v", gauges["depth"])
	}

	counters["runs"] = 100
	fresh, _ := mon.Snapshot()
	if fresh["runs"] != 2 {
		t.Fatal("снимок должен быть копией, а не ссылкой на внутреннее состояние")
	}
}
