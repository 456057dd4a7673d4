package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func record(t *testing.T, cb *CircuitBreaker, o Outcome) {
	t.Helper()
	if err := cb.Allow(); err != nil {
		t.Fatalf("call site rejected: %v", err)
	}
	cb.Record(o)
}

func TestCircuitBreaker_ClosedAdmitsCallSites(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())

	for range 10 {
		record(t, cb, OutcomeSuccess)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed state, got %s", cb.State())
	}
}

func TestCircuitBreaker_OpensAfterConsecutiveDegraded(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	record(t, cb, OutcomeDegraded)
	record(t, cb, OutcomeDegraded)
	record(t, cb, OutcomeSuccess)
	record(t, cb, OutcomeDegraded)
	record(t, cb, OutcomeDegraded)
	if cb.State() != CircuitClosed {
		t.Fatalf("a success should reset the streak, got %s", cb.State())
	}

	record(t, cb, OutcomeDegraded)
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open state, got %s", cb.State())
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if snap := cb.Snapshot(); snap.Trips != 1 || snap.ConsecutiveFailures != 3 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestCircuitBreaker_IgnoredOutcomesDoNotCount(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})

	record(t, cb, OutcomeDegraded)
	for range 5 {
		record(t, cb, OutcomeIgnored)
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("cancelled call sites should not trip, got %s", cb.State())
	}
	record(t, cb, OutcomeDegraded)
	if cb.State() != CircuitOpen {
		t.Errorf("expected open state, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenAdmitsSingleTrial(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Second})
	cb.nowFunc = func() time.Time { return now }

	record(t, cb, OutcomeDegraded)
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	now = now.Add(11 * time.Second)
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open, got %s", cb.State())
	}
	if err := cb.Allow(); err != nil {
		t.Fatalf("trial call rejected: %v", err)
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second caller during trial call: got %v", err)
	}

	cb.Record(OutcomeSuccess)
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after successful trial call, got %s", cb.State())
	}
}

func TestCircuitBreaker_FailedTrialReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second})
	cb.nowFunc = func() time.Time { return now }

	record(t, cb, OutcomeDegraded)
	now = now.Add(2 * time.Second)
	record(t, cb, OutcomeDegraded)

	snap := cb.Snapshot()
	if snap.State != CircuitOpen {
		t.Errorf("expected open after failed trial call, got %s", snap.State)
	}
	if snap.Trips != 2 || !snap.OpenedAt.Equal(now) {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestCircuitBreaker_IgnoredTrialReleasesSlot(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second})
	cb.nowFunc = func() time.Time { return now }

	record(t, cb, OutcomeDegraded)
	now = now.Add(2 * time.Second)
	record(t, cb, OutcomeIgnored)

	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open, got %s", cb.State())
	}
	if err := cb.Allow(); err != nil {
		t.Errorf("next trial call rejected: %v", err)
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	now := time.Now()
	var transitions []CircuitState
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Second,
		OnStateChange:    func(_, to CircuitState) { transitions = append(transitions, to) },
	})
	cb.nowFunc = func() time.Time { return now }

	record(t, cb, OutcomeDegraded)
	now = now.Add(2 * time.Second)
	record(t, cb, OutcomeSuccess)

	want := []CircuitState{CircuitOpen, CircuitHalfOpen, CircuitClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v", transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1000, ResetTimeout: time.Minute})

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := cb.Allow(); err != nil {
				return
			}
			if i%2 == 0 {
				cb.Record(OutcomeDegraded)
				return
			}
			cb.Record(OutcomeSuccess)
		}()
	}
	wg.Wait()

	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
}

func TestCircuitState_String(t *testing.T) {
	cases := map[CircuitState]string{
		CircuitClosed:    "closed",
		CircuitOpen:      "open",
		CircuitHalfOpen:  "half-open",
		CircuitState(99): "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("%d: got %q, want %q", state, got, want)
		}
	}
}
