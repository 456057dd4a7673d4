// Package resilience bounds and guards calls to the cognitive collaborator:
// a fixed retry budget per call site and a circuit breaker that short-circuits
// to fallback while the collaborator is down.
package resilience

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed lets every call site through.
	CircuitClosed CircuitState = iota
	// CircuitHalfOpen lets exactly one trial call site through at a time.
	CircuitHalfOpen
	// CircuitOpen sends every call site straight to fallback.
	CircuitOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half-open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Outcome is how a collaborator call site ended, after its retries.
type Outcome int

const (
	// OutcomeSuccess is a validated response.
	OutcomeSuccess Outcome = iota
	// OutcomeDegraded is a call site that ended in fallback: repeated schema
	// violations, a timeout or an outage. It counts toward tripping.
	OutcomeDegraded
	// OutcomeIgnored says nothing about collaborator health, e.g. the
	// caller cancelled or the request itself was rejected.
	OutcomeIgnored
)

// ErrCircuitOpen is returned by Allow while the circuit rejects call sites.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive degraded call sites that
	// opens the circuit. Default: 5.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before a trial call is
	// admitted. Default: 30s.
	ResetTimeout time.Duration

	// OnStateChange is called, with the breaker lock held, on every
	// transition.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// BreakerSnapshot is a point-in-time view of a breaker.
type BreakerSnapshot struct {
	State               CircuitState
	ConsecutiveFailures int
	Trips               int
	OpenedAt            time.Time
}

// CircuitBreaker judges the collaborator by call-site outcomes rather than
// individual requests. Every successful Allow must be followed by exactly one
// Record.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    CircuitState
	failures int
	trips    int
	openedAt time.Time
	trialing bool

	nowFunc func() time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given config.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	return &CircuitBreaker{cfg: cfg, nowFunc: time.Now}
}

// Allow admits a call site or returns ErrCircuitOpen. Once the reset timeout
// has passed on an open circuit, the first caller becomes the trial call; others
// are rejected until the trial call is recorded.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && cb.nowFunc().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		cb.transition(CircuitHalfOpen)
	}
	switch cb.state {
	case CircuitOpen:
		return ErrCircuitOpen
	case CircuitHalfOpen:
		if cb.trialing {
			return ErrCircuitOpen
		}
		cb.trialing = true
	}
	return nil
}

// Record reports how an admitted call site ended.
func (cb *CircuitBreaker) Record(o Outcome) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	wasTrial := cb.state == CircuitHalfOpen && cb.trialing
	cb.trialing = false

	switch o {
	case OutcomeSuccess:
		cb.failures = 0
		if wasTrial {
			cb.transition(CircuitClosed)
		}
	case OutcomeDegraded:
		cb.failures++
		if wasTrial || (cb.state == CircuitClosed && cb.failures >= cb.cfg.FailureThreshold) {
			cb.open()
		}
	}
}

// State returns the current circuit state. An open circuit whose reset
// timeout has passed reports half-open.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.nowFunc().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// Snapshot returns the breaker's counters.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerSnapshot{
		State:               cb.state,
		ConsecutiveFailures: cb.failures,
		Trips:               cb.trips,
		OpenedAt:            cb.openedAt,
	}
}

func (cb *CircuitBreaker) open() {
	cb.trips++
	cb.openedAt = cb.nowFunc()
	cb.transition(CircuitOpen)
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}
