package monitor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"startup-sniff/internal/infra/metrics"
)

// Entry — одна структурированная запись журнала.
type Entry struct {
	Time      time.Time         `json:"time"`
	Level     string            `json:"level"`
	Component string            `json:"component"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// LogSink — долговременное хранилище журнала с выборкой.
type LogSink interface {
	Append(ctx context.Context, entries []Entry) error
	Query(ctx context.Context, component, level string, since time.Time, limit int) ([]Entry, error)
}

// Config — параметры монитора.
type Config struct {
	BufferSize     int
	FlushInterval  time.Duration
	ErrorRateAlert float64
	RateLimitAlert float64
	AlertCooldown  time.Duration
}

// Alert — активный алерт.
type Alert struct {
	Name     string    `json:"name"`
	Severity string    `json:"severity"`
	Message  string    `json:"message"`
	FiredAt  time.Time `json:"fired_at"`
}

type outcomeRecord struct {
	at time.Time
	ok bool
}

// Monitor буферизует структурированные записи журнала, ведёт счётчики и
// проверяет пороги алертов. Записи дублируются в zerolog немедленно, в
// долговременное хранилище — пакетами.
type Monitor struct {
	log  zerolog.Logger
	sink LogSink
	cfg  Config

	mu       sync.Mutex
	buffer   []Entry
	counters map[string]int64
	gauges   map[string]float64
	timers   map[string][]time.Duration
	outcomes []outcomeRecord
	alerts   map[string]Alert
	lastFire map[string]time.Time
	rateUse  float64
}

// NewMonitor создаёт монитор.
func NewMonitor(sink LogSink, cfg Config, log zerolog.Logger) *Monitor {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.AlertCooldown <= 0 {
		cfg.AlertCooldown = 15 * time.Minute
	}
	return &Monitor{
		log:      log,
		sink:     sink,
		cfg:      cfg,
		counters: make(map[string]int64),
		gauges:   make(map[string]float64),
		timers:   make(map[string][]time.Duration),
		alerts:   make(map[string]Alert),
		lastFire: make(map[string]time.Time),
	}
}

// Record добавляет запись журнала: немедленно в zerolog, в буфер — для
// долговременного хранилища. Переполненный буфер сбрасывается на месте.
func (m *Monitor) Record(level, component, message string, fields map[string]string) {
	event := m.log.WithLevel(parseLevel(level)).Str("component", component)
	for k, v := range fields {
		event = event.Str(k, v)
	}
	event.Msg(message)

	entry := Entry{
		Time:      time.Now().UTC(),
		Level:     strings.ToLower(level),
		Component: component,
		Message:   message,
		Fields:    fields,
	}

	m.mu.Lock()
	m.buffer = append(m.buffer, entry)
	full := len(m.buffer) >= m.cfg.BufferSize
	m.mu.Unlock()
	if full {
		m.Flush(context.Background())
	}
}

// IncCounter увеличивает именованный счётчик.
func (m *Monitor) IncCounter(name string) {
	m.mu.Lock()
	m.counters[name]++
	m.mu.Unlock()
}

// SetGauge задаёт значение датчика.
func (m *Monitor) SetGauge(name string, value float64) {
	m.mu.Lock()
	m.gauges[name] = value
	m.mu.Unlock()
}

// ObserveTiming фиксирует длительность операции.
func (m *Monitor) ObserveTiming(name string, d time.Duration) {
	m.mu.Lock()
	m.timers[name] = append(m.timers[name], d)
	if len(m.timers[name]) > 1000 {
		m.timers[name] = m.timers[name][len(m.timers[name])-1000:]
	}
	m.mu.Unlock()
}

// RecordOutcome фиксирует исход операции для скользящей доли ошибок.
func (m *Monitor) RecordOutcome(ok bool) {
	m.mu.Lock()
	m.outcomes = append(m.outcomes, outcomeRecord{at: time.Now(), ok: ok})
	m.trimOutcomesLocked()
	m.mu.Unlock()
}

// ObserveRateLimitUse сохраняет использованную долю квоты upstream (0..1).
func (m *Monitor) ObserveRateLimitUse(used float64) {
	m.mu.Lock()
	m.rateUse = used
	m.mu.Unlock()
}

// ErrorRate возвращает долю ошибок за последний час.
func (m *Monitor) ErrorRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trimOutcomesLocked()
	if len(m.outcomes) == 0 {
		return 0
	}
	failed := 0
	for _, o := range m.outcomes {
		if !o.ok {
			failed++
		}
	}
	return float64(failed) / float64(len(m.outcomes))
}

// CheckAlerts сверяет пороги и возбуждает алерты с учётом кулдауна.
func (m *Monitor) CheckAlerts() []Alert {
	rate := m.ErrorRate()

	m.mu.Lock()
	rateUse := m.rateUse
	m.mu.Unlock()

	if m.cfg.ErrorRateAlert > 0 && rate >= m.cfg.ErrorRateAlert {
		m.fire("error_rate", "critical", "доля ошибок превысила порог")
	} else {
		m.clear("error_rate")
	}
	if m.cfg.RateLimitAlert > 0 && rateUse >= m.cfg.RateLimitAlert {
		m.fire("rate_limit_saturation", "warning", "квота upstream почти исчерпана")
	} else {
		m.clear("rate_limit_saturation")
	}
	return m.ActiveAlerts()
}

// ActiveAlerts возвращает активные алерты.
func (m *Monitor) ActiveAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		out = append(out, a)
	}
	return out
}

// QueryLogs выбирает записи журнала из долговременного хранилища.
func (m *Monitor) QueryLogs(ctx context.Context, component, level string, since time.Time, limit int) ([]Entry, error) {
	if m.sink == nil {
		return nil, nil
	}
	return m.sink.Query(ctx, component, level, since, limit)
}

// Flush сбрасывает буфер журнала в хранилище.
func (m *Monitor) Flush(ctx context.Context) {
	m.mu.Lock()
	if len(m.buffer) == 0 || m.sink == nil {
		m.mu.Unlock()
		return
	}
	batch := m.buffer
	m.buffer = nil
	m.mu.Unlock()

	if err := m.sink.Append(ctx, batch); err != nil {
		m.log.Warn().Err(err).Int("entries", len(batch)).Msg("monitor: буфер журнала не сброшен")
	}
}

// Run запускает периодический сброс буфера; завершение контекста делает
// финальный сброс.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			m.Flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			m.Flush(ctx)
			m.CheckAlerts()
		}
	}
}

// Snapshot возвращает счётчики и датчики для операционного API.
func (m *Monitor) Snapshot() (map[string]int64, map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counters := make(map[string]int64, len(m.counters))
	for k, v := range m.counters {
		counters[k] = v
	}
	gauges := make(map[string]float64, len(m.gauges))
	for k, v := range m.gauges {
		gauges[k] = v
	}
	return counters, gauges
}

func (m *Monitor) fire(name, severity, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, active := m.alerts[name]; active {
		return
	}
	// Кулдаун гасит дребезг: снятый алерт не возбуждается повторно,
	// пока окно не истечёт.
	if last, ok := m.lastFire[name]; ok && time.Since(last) < m.cfg.AlertCooldown {
		return
	}
	m.lastFire[name] = time.Now()
	m.alerts[name] = Alert{Name: name, Severity: severity, Message: message, FiredAt: time.Now().UTC()}
	metrics.AlertsFired.WithLabelValues(name).Inc()
	m.log.Warn().Str("alert", name).Str("severity", severity).Msg(message)
}

func (m *Monitor) clear(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.alerts, name)
}

func (m *Monitor) trimOutcomesLocked() {
	cutoff := time.Now().Add(-time.Hour)
	idx := 0
	for ; idx < len(m.outcomes); idx++ {
		if m.outcomes[idx].at.After(cutoff) {
			break
		}
	}
	m.outcomes = m.outcomes[idx:]
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
