package fallback

import (
	"testing"
	"time"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	breaker := NewBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		breaker.RecordFailure()
		if ok, _ := breaker.Allow(); !ok {
			t.Fatalf("цепь не должна размыкаться после %d отказов", i+1)
		}
	}
	breaker.RecordFailure()

	if ok, state := breaker.Allow(); ok || state != StateOpen {
		t.Fatalf("после порога отказов ожидали закрытый доступ в open, получили ok=%v state=%s", ok, state)
	}
}

func TestBreakerSingleTrialAfterTimeout(t *testing.T) {
	breaker := NewBreaker(1, 10*time.Millisecond)
	breaker.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	ok, state := breaker.Allow()
	if !ok || state != StateHalfOpen {
		t.Fatalf("после таймаута ожидали один пробный вызов, получили ok=%v state=%s", ok, state)
	}
	if ok, _ := breaker.Allow(); ok {
		t.Fatal("второй пробный вызов до итога первого запрещён")
	}
}

func TestBreakerTrialSuccessCloses(t *testing.T) {
	breaker := NewBreaker(1, 10*time.Millisecond)
	breaker.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	if ok, _ := breaker.Allow(); !ok {
		t.Fatal("пробный вызов не выдан")
	}
	breaker.RecordSuccess()

	if state := breaker.State(); state != StateClosed {
		t.Fatalf("успех пробного вызова должен замыкать цепь, получили %s", state)
	}
	if ok, _ := breaker.Allow(); !ok {
		t.Fatal("после замыкания вызовы должны проходить свободно")
	}
}

func TestBreakerTrialFailureReopens(t *testing.T) {
	breaker := NewBreaker(1, 10*time.Millisecond)
	breaker.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	if ok, _ := breaker.Allow(); !ok {
		t.Fatal("пробный вызов не выдан")
	}
	breaker.RecordFailure()

	if ok, state := breaker.Allow(); ok || state != StateOpen {
		t.Fatalf("отказ пробного вызова должен размыкать цепь заново, получили ok=%v state=%s", ok, state)
	}
}

func TestBreakerPinnedIgnoresTimeoutAndSuccess(t *testing.T) {
	breaker := NewBreaker(5, 10*time.Millisecond)
	breaker.Trip(true)
	time.Sleep(20 * time.Millisecond)

	if ok, _ := breaker.Allow(); ok {
		t.Fatal("закреплённая цепь не восстанавливается по таймауту")
	}
	breaker.RecordSuccess()
	if state := breaker.State(); state != StateOpen {
		t.Fatalf("успех не снимает закрепление, получили %s", state)
	}

	breaker.Reset()
	if ok, state := breaker.Allow(); !ok || state != StateClosed {
		t.Fatalf("после ручного Reset цепь должна замкнуться, получили ok=%v state=%s", ok, state)
	}
}
