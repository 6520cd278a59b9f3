package resilience

import (
	"context"
	"sync"

	"github.com/maitred-dev/maitred/internal/track"
)

// Registry keys circuit breakers by target name, creating them lazily with a
// shared configuration. Transitions are reported to the observability bus as
// "breaker" events and counted as metrics.
//
// Registry is safe for concurrent use.
type Registry struct {
	cfg Config
	bus *track.Bus

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates a Registry. cfg.Name and cfg.OnTransition are ignored;
// each breaker gets its target name and the registry's bus reporter.
func NewRegistry(cfg Config, bus *track.Bus) *Registry {
	r := &Registry{
		cfg:      cfg,
		bus:      bus,
		breakers: make(map[string]*CircuitBreaker),
	}
	return r
}

// For returns the breaker for target, creating it on first use.
func (r *Registry) For(target string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[target]; ok {
		return cb
	}
	cfg := r.cfg
	cfg.Name = target
	cfg.OnTransition = r.reportTransition
	cb := New(cfg)
	r.breakers[target] = cb
	return cb
}

// reportTransition publishes a breaker state change to the bus.
func (r *Registry) reportTransition(name string, from, to State) {
	if r.bus == nil {
		return
	}
	r.bus.RecordEvent("breaker", track.SeverityWarn, map[string]any{
		"target": name,
		"from":   from.String(),
		"to":     to.String(),
	})
	if m := r.bus.Metrics(); m != nil {
		m.RecordBreakerTransition(context.Background(), name, to.String())
	}
}

// Snapshots returns the observable state of every known breaker.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Snapshot, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb.Snapshot())
	}
	return out
}

// Reset returns the named breaker to closed, zeroing its counters. Unknown
// targets are a no-op, which keeps the administrative reset idempotent.
func (r *Registry) Reset(target string) {
	r.mu.Lock()
	cb, ok := r.breakers[target]
	r.mu.Unlock()
	if ok {
		cb.Reset()
	}
}

// ResetAll resets every known breaker.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.Unlock()
	for _, cb := range breakers {
		cb.Reset()
	}
}
