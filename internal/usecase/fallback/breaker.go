package fallback

import (
	"sync"
	"time"

	"startup-sniff/internal/infra/metrics"
)

// State — состояние предохранителя.
type State string

const (
	// StateClosed — вызовы проходят свободно.
	StateClosed State = "closed"
	// StateOpen — вызовы заблокированы до истечения таймаута.
	StateOpen State = "open"
	// StateHalfOpen — разрешён один пробный вызов.
	StateHalfOpen State = "half-open"
)

// Breaker — предохранитель closed → open → half-open → closed.
// Превышение порога отказов размыкает цепь на фиксированный таймаут;
// после таймаута пропускается ровно один пробный вызов: успех замыкает
// цепь, отказ размыкает её заново.
type Breaker struct {
	threshold int
	timeout   time.Duration

	mu         sync.Mutex
	state      State
	failures   int
	openedAt   time.Time
	trialTaken bool
	// pinned блокирует автоматическое восстановление до ручного Reset
	// (употребляется при отказах авторизации).
	pinned bool
}

// NewBreaker создаёт предохранитель.
func NewBreaker(threshold int, timeout time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Breaker{threshold: threshold, timeout: timeout, state: StateClosed}
}

// Allow сообщает, можно ли выполнять вызов. В полуоткрытом состоянии
// пробный вызов выдаётся ровно один раз: проверка и захват выполняются
// под одной блокировкой.
func (b *Breaker) Allow() (bool, State) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true, StateClosed
	case StateOpen:
		if b.pinned || time.Since(b.openedAt) < b.timeout {
			return false, StateOpen
		}
		b.state = StateHalfOpen
		b.trialTaken = true
		metrics.SetCircuitState(string(StateHalfOpen))
		return true, StateHalfOpen
	default: // StateHalfOpen
		if b.trialTaken {
			return false, StateHalfOpen
		}
		b.trialTaken = true
		return true, StateHalfOpen
	}
}

// RecordSuccess замыкает цепь и сбрасывает счётчик отказов.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pinned {
		return
	}
	b.state = StateClosed
	b.failures = 0
	b.trialTaken = false
	metrics.SetCircuitState(string(StateClosed))
}

// RecordFailure накапливает отказ; превышение порога (или отказ пробного
// вызова) размыкает цепь с новым таймаутом.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.open()
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.open()
	}
}

// Trip принудительно размыкает цепь. При pin=true автоматическое
// восстановление отключается до ручного Reset.
func (b *Breaker) Trip(pin bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open()
	if pin {
		b.pinned = true
	}
}

// Reset возвращает предохранитель в исходное состояние; снимает pin.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.trialTaken = false
	b.pinned = false
	metrics.SetCircuitState(string(StateClosed))
}

// State возвращает текущее состояние.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !b.pinned && time.Since(b.openedAt) >= b.timeout {
		return StateHalfOpen
	}
	return b.state
}

func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = time.Now()
	b.failures = 0
	b.trialTaken = false
	metrics.SetCircuitState(string(StateOpen))
}
