// Package resilience keeps transcription flowing when a backend misbehaves.
//
// [CircuitBreaker] stops sessions from queueing segments behind an engine
// that keeps failing: after enough consecutive errors it rejects calls
// outright until a cool-down has passed, then lets a few probe segments
// through to decide whether the engine has recovered. [FallbackGroup] gives
// every engine its own breaker and walks the list in order, and
// [STTFallback] exposes the group as a plain [stt.Provider].
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has elapsed since the last failure.
	StateOpen

	// StateHalfOpen admits up to HalfOpenMax probe calls. Enough successes
	// close the breaker; any failure opens it again.
	StateHalfOpen
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker]. Zero values
// take the defaults noted on each field.
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs, usually the provider name.
	Name string

	// MaxFailures is the number of consecutive failures that opens a closed
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long an open breaker waits before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls admitted in the half-open
	// state, and the number of successes needed to close. Default: 3.
	HalfOpenMax int

	// IsFailure decides whether an error counts against the breaker.
	// Default: [CountsAsFailure].
	IsFailure func(error) bool

	// OnStateChange, if set, is called after every transition with the
	// breaker's mutex released.
	OnStateChange func(name string, from, to State)

	// Now overrides the clock. Default: [time.Now].
	Now func() time.Time
}

// CountsAsFailure treats every error as a failure except context
// cancellation. A session that hangs up mid-transcription says nothing about
// the engine.
func CountsAsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// CircuitBreaker is a three-state breaker around one transcription engine.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	isFailure     func(error) bool
	onStateChange func(name string, from, to State)
	now           func() time.Time

	mu       sync.Mutex
	state    State
	failures int       // consecutive failures while closed
	openedAt time.Time // time of the failure that opened the breaker
	probes   int       // probe calls admitted in the current half-open window
	passed   int       // successful probes in the current half-open window
}

// NewCircuitBreaker creates a closed [CircuitBreaker].
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = CountsAsFailure
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		isFailure:     cfg.IsFailure,
		onStateChange: cfg.OnStateChange,
		now:           cfg.Now,
	}
}

// Execute runs fn if the breaker admits the call and records its outcome.
// Rejected calls return [ErrCircuitOpen] without running fn. Errors for
// which IsFailure is false leave the counters untouched.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(probe, err)
	return err
}

// admit decides whether a call may proceed. probe reports whether the call
// occupies a half-open probe slot.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	var from State
	changed := false
	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		from, changed = cb.setState(StateHalfOpen), true
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.halfOpenMax {
			cb.mu.Unlock()
			cb.notify(from, StateHalfOpen, changed)
			return false, ErrCircuitOpen
		}
		cb.probes++
		probe = true
	}
	cb.mu.Unlock()
	cb.notify(from, StateHalfOpen, changed)
	return probe, nil
}

// settle records the outcome of an admitted call.
func (cb *CircuitBreaker) settle(probe bool, err error) {
	cb.mu.Lock()
	// A probe admitted in an earlier half-open window no longer counts.
	probe = probe && cb.state == StateHalfOpen
	from := cb.state
	switch {
	case err == nil && probe:
		cb.passed++
		if cb.passed >= cb.halfOpenMax {
			cb.setState(StateClosed)
		}
	case err == nil:
		if cb.state == StateClosed {
			cb.failures = 0
		}
	case cb.isFailure(err):
		if probe || cb.state == StateClosed {
			cb.failures++
		}
		if probe || cb.failures >= cb.maxFailures {
			cb.openedAt = cb.now()
			if cb.state != StateOpen {
				cb.setState(StateOpen)
			}
		}
	case probe:
		// Neutral outcome; hand the slot back.
		cb.probes--
	}
	to := cb.state
	failures := cb.failures
	cb.mu.Unlock()

	if to == from {
		return
	}
	switch to {
	case StateOpen:
		slog.Warn("circuit breaker opened", "name", cb.name, "from", from, "consecutive_failures", failures)
	case StateClosed:
		slog.Info("circuit breaker closed after successful probes", "name", cb.name)
	}
	cb.notify(from, to, true)
}

// setState switches to s and resets the window counters. It returns the
// previous state. Must be called with cb.mu held.
func (cb *CircuitBreaker) setState(s State) State {
	prev := cb.state
	cb.state = s
	cb.probes, cb.passed = 0, 0
	if s == StateClosed {
		cb.failures = 0
	}
	return prev
}

// notify invokes the state change hook. Must be called without cb.mu held.
func (cb *CircuitBreaker) notify(from, to State, changed bool) {
	if !changed {
		return
	}
	if to == StateHalfOpen {
		slog.Info("circuit breaker probing", "name", cb.name)
	}
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}

// Name returns the label the breaker was configured with.
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.setState(StateClosed)
	cb.mu.Unlock()
	slog.Info("circuit breaker manually reset", "name", cb.name)
	cb.notify(from, StateClosed, from != StateClosed)
}
