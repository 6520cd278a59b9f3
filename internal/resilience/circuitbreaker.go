// Package resilience provides the per-target circuit breaker primitives that
// isolate failing MCP servers and providers from the rest of the system.
//
// The central type is [CircuitBreaker], a classic three-state breaker
// (closed → open → half-open). A [Registry] keys breakers by target name and
// reports transitions to the observability bus.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [CircuitBreaker.Execute] when the breaker is
// in the open state and the cooldown deadline has not yet passed.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state: all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to consecutive
	// failures. Calls are rejected immediately with [ErrBreakerOpen] until
	// the cooldown deadline passes.
	StateOpen

	// StateHalfOpen is the probe state entered after the cooldown. Calls are
	// admitted; enough consecutive successes close the breaker, any failure
	// re-opens it with a doubled cooldown.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// Config holds tuning knobs for a [CircuitBreaker].
type Config struct {
	// Name is the target label used in log messages and events.
	Name string

	// FailureThreshold is the number of consecutive failures in the closed
	// state before the breaker opens. Default: 5.
	FailureThreshold int

	// HalfOpenSuccessThreshold is the number of consecutive half-open
	// successes required to close the breaker. Default: 3.
	HalfOpenSuccessThreshold int

	// Cooldown is how long the breaker stays open after tripping. Each
	// half-open failure doubles it, capped at MaxCooldown. Default: 30s.
	Cooldown time.Duration

	// MaxCooldown caps cooldown doubling. Default: 5m.
	MaxCooldown time.Duration

	// OnTransition, when non-nil, is invoked (outside the breaker lock) for
	// every state change.
	OnTransition func(name string, from, to State)
}

// CircuitBreaker implements the three-state circuit breaker pattern.
// It is safe for concurrent use from multiple goroutines.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	successThreshold int
	baseCooldown     time.Duration
	maxCooldown      time.Duration
	onTransition     func(name string, from, to State)

	mu               sync.Mutex
	state            State
	consecutiveFail  int
	halfOpenSuccess  int
	currentCooldown  time.Duration
	cooldownDeadline time.Time
	lastError        string
}

// New creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with sensible defaults.
func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.HalfOpenSuccessThreshold <= 0 {
		cfg.HalfOpenSuccessThreshold = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = 5 * time.Minute
	}
	return &CircuitBreaker{
		name:             cfg.Name,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.HalfOpenSuccessThreshold,
		baseCooldown:     cfg.Cooldown,
		maxCooldown:      cfg.MaxCooldown,
		onTransition:     cfg.OnTransition,
		state:            StateClosed,
		currentCooldown:  cfg.Cooldown,
	}
}

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrBreakerOpen] without calling fn until the cooldown deadline passes,
// at which point the breaker moves to half-open and admits probe calls.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}

	err := fn()
	cb.Record(err == nil, err)
	return err
}

// admit checks whether a call may proceed, performing the open → half-open
// transition when the cooldown has elapsed.
func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	var transition func()
	switch cb.state {
	case StateOpen:
		if time.Now().Before(cb.cooldownDeadline) {
			cb.mu.Unlock()
			return ErrBreakerOpen
		}
		transition = cb.transitionLocked(StateHalfOpen)
		cb.halfOpenSuccess = 0
	}
	cb.mu.Unlock()
	if transition != nil {
		transition()
	}
	return nil
}

// Record feeds one call outcome into the breaker. Components that cannot
// wrap their work in a closure (e.g. streaming paths) call admit/Record
// through [CircuitBreaker.Allow] and Record directly.
func (cb *CircuitBreaker) Record(success bool, err error) {
	cb.mu.Lock()
	var transition func()

	if success {
		switch cb.state {
		case StateClosed:
			cb.consecutiveFail = 0
		case StateHalfOpen:
			cb.halfOpenSuccess++
			if cb.halfOpenSuccess >= cb.successThreshold {
				cb.consecutiveFail = 0
				cb.currentCooldown = cb.baseCooldown
				transition = cb.transitionLocked(StateClosed)
				slog.Info("circuit breaker closed after successful probes",
					"name", cb.name)
			}
		}
		cb.mu.Unlock()
		if transition != nil {
			transition()
		}
		return
	}

	if err != nil {
		cb.lastError = err.Error()
	}

	switch cb.state {
	case StateClosed:
		cb.consecutiveFail++
		if cb.consecutiveFail >= cb.failureThreshold {
			cb.cooldownDeadline = time.Now().Add(cb.currentCooldown)
			transition = cb.transitionLocked(StateOpen)
			slog.Warn("circuit breaker opened",
				"name", cb.name,
				"consecutive_failures", cb.consecutiveFail,
				"cooldown", cb.currentCooldown)
		}
	case StateHalfOpen:
		// Any failure in half-open immediately re-opens with a doubled
		// cooldown, capped.
		cb.currentCooldown = min(cb.currentCooldown*2, cb.maxCooldown)
		cb.cooldownDeadline = time.Now().Add(cb.currentCooldown)
		cb.halfOpenSuccess = 0
		transition = cb.transitionLocked(StateOpen)
		slog.Warn("circuit breaker re-opened from half-open",
			"name", cb.name,
			"cooldown", cb.currentCooldown)
	}
	cb.mu.Unlock()
	if transition != nil {
		transition()
	}
}

// Allow reports whether a call may proceed right now, performing the
// open → half-open transition as a side effect. Callers that use Allow pair
// every admitted call with at most one [CircuitBreaker.Record]; calls whose
// outcome carries no signal (e.g. caller cancellation) record nothing.
func (cb *CircuitBreaker) Allow() bool {
	return cb.admit() == nil
}

// transitionLocked changes state and returns the deferred notification
// callback. Must be called with cb.mu held; the returned func must be invoked
// after unlocking.
func (cb *CircuitBreaker) transitionLocked(to State) func() {
	from := cb.state
	cb.state = to
	if cb.onTransition == nil || from == to {
		return nil
	}
	name := cb.name
	fn := cb.onTransition
	return func() { fn(name, from, to) }
}

// State returns the current [State] of the breaker. If the breaker is open
// and the cooldown deadline has passed, the returned state is
// [StateHalfOpen] (the actual transition happens on the next admitted call).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && !time.Now().Before(cb.cooldownDeadline) {
		return StateHalfOpen
	}
	return cb.state
}

// Snapshot reports the breaker's observable counters for status endpoints.
type Snapshot struct {
	Name             string    `json:"name"`
	State            string    `json:"state"`
	ConsecutiveFails int       `json:"consecutive_failures"`
	LastError        string    `json:"last_error,omitempty"`
	CooldownDeadline time.Time `json:"cooldown_deadline,omitzero"`
}

// Snapshot returns the current observable state of the breaker.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	snap := Snapshot{
		Name:             cb.name,
		State:            cb.state.String(),
		ConsecutiveFails: cb.consecutiveFail,
		LastError:        cb.lastError,
	}
	if cb.state == StateOpen {
		snap.CooldownDeadline = cb.cooldownDeadline
	}
	return snap
}

// Reset forces the breaker back to [StateClosed], clearing all counters and
// restoring the base cooldown. Resetting an already-closed breaker is a
// no-op, which makes the administrative reset idempotent.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	var transition func()
	if cb.state != StateClosed {
		transition = cb.transitionLocked(StateClosed)
	}
	cb.consecutiveFail = 0
	cb.halfOpenSuccess = 0
	cb.currentCooldown = cb.baseCooldown
	cb.cooldownDeadline = time.Time{}
	cb.lastError = ""
	cb.mu.Unlock()
	if transition != nil {
		transition()
	}
	slog.Info("circuit breaker manually reset", "name", cb.name)
}
