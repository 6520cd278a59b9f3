// Package track is the in-process observability substrate: request
// lifecycles, component health, events, and OpenTelemetry metrics.
//
// The central type is [Bus], a bounded in-memory sink that every component
// writes to. Producer calls never block: when a ring buffer is full the
// oldest entry is evicted and a dropped counter is incremented. Readers
// obtain consistent copies via [Bus.ExportSnapshot] under a single brief
// lock.
//
// The bus also exposes the read API consumed by external collaborators
// (dashboard, anomaly detection) that ship outside this repository.
package track

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Severity grades an event.
type Severity string

const (
	SeverityDebug Severity = "debug"
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Event is one recorded occurrence (breaker transition, fallback, budget
// bypass, selector failure, ...).
type Event struct {
	// Time is when the event was recorded.
	Time time.Time `json:"time"`

	// Category groups related events (e.g. "breaker", "budget", "selector").
	Category string `json:"category"`

	// Severity grades the event.
	Severity Severity `json:"severity"`

	// Payload carries event-specific fields.
	Payload map[string]any `json:"payload,omitempty"`
}

// Stage is one named phase of a request's lifecycle.
type Stage struct {
	Name     string         `json:"name"`
	Started  time.Time      `json:"started"`
	Ended    time.Time      `json:"ended,omitzero"`
	Outcome  string         `json:"outcome,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// LifecycleRecord tracks one request from admission to its terminal frame.
type LifecycleRecord struct {
	RequestID   string    `json:"request_id"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
	Outcome     string    `json:"outcome,omitempty"`
	Stages      []Stage   `json:"stages,omitempty"`
}

// HealthStatus grades a component.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth is the last reported health of one component.
type ComponentHealth struct {
	ComponentID string       `json:"component_id"`
	Status      HealthStatus `json:"status"`
	LastChange  time.Time    `json:"last_change"`
	LastError   string       `json:"last_error,omitempty"`
	Details     string       `json:"details,omitempty"`
}

// Snapshot is a point-in-time copy of the bus contents for read endpoints.
type Snapshot struct {
	Events     []Event                    `json:"events"`
	Lifecycles []LifecycleRecord          `json:"lifecycles"`
	Health     map[string]ComponentHealth `json:"health"`
	Dropped    uint64                     `json:"dropped"`
}

// Bus is the in-process observability sink. All methods are safe for
// concurrent use, and all producer methods are non-blocking.
type Bus struct {
	mu sync.Mutex

	events     *ring[Event]
	lifecycles *ring[*LifecycleRecord]
	byRequest  map[string]*LifecycleRecord
	health     map[string]ComponentHealth
	dropped    uint64

	metrics *Metrics
}

// Option configures a [Bus].
type Option func(*busConfig)

type busConfig struct {
	eventCap     int
	lifecycleCap int
	metrics      *Metrics
}

// WithEventBuffer sets the event ring capacity. The default is 2048.
func WithEventBuffer(n int) Option {
	return func(c *busConfig) {
		if n > 0 {
			c.eventCap = n
		}
	}
}

// WithLifecycleBuffer sets the lifecycle ring capacity. The default is 512.
func WithLifecycleBuffer(n int) Option {
	return func(c *busConfig) {
		if n > 0 {
			c.lifecycleCap = n
		}
	}
}

// WithMetrics attaches OTel metric instruments so that events and stages
// also increment counters/histograms.
func WithMetrics(m *Metrics) Option {
	return func(c *busConfig) {
		c.metrics = m
	}
}

// NewBus creates a Bus with bounded ring buffers.
func NewBus(opts ...Option) *Bus {
	cfg := busConfig{eventCap: 2048, lifecycleCap: 512}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Bus{
		events:     newRing[Event](cfg.eventCap),
		lifecycles: newRing[*LifecycleRecord](cfg.lifecycleCap),
		byRequest:  make(map[string]*LifecycleRecord),
		health:     make(map[string]ComponentHealth),
		metrics:    cfg.metrics,
	}
}

// Metrics returns the attached metric instruments, or nil.
func (b *Bus) Metrics() *Metrics { return b.metrics }

// NewRequestID mints a ULID for request correlation.
func NewRequestID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// RecordEvent appends an event to the bounded ring. Never blocks.
func (b *Bus) RecordEvent(category string, severity Severity, payload map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.events.push(Event{
		Time:     time.Now(),
		Category: category,
		Severity: severity,
		Payload:  payload,
	}) {
		b.dropped++
	}
}

// BeginRequest opens a lifecycle record for requestID. If the lifecycle ring
// evicts an older record, its index entry is removed too.
func (b *Bus) BeginRequest(requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := &LifecycleRecord{RequestID: requestID, StartedAt: time.Now()}
	if evicted, ok := b.lifecycles.pushEvict(rec); ok {
		b.dropped++
		delete(b.byRequest, evicted.RequestID)
	}
	b.byRequest[requestID] = rec
}

// EndRequest closes the lifecycle record with a terminal outcome
// ("ok", "error", "cancelled", "timeout"). Unknown request IDs are ignored.
func (b *Bus) EndRequest(requestID, outcome string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.byRequest[requestID]
	if !ok {
		return
	}
	rec.CompletedAt = time.Now()
	rec.Outcome = outcome
}

// StartStage opens a named stage on the request's lifecycle record.
func (b *Bus) StartStage(requestID, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.byRequest[requestID]
	if !ok {
		return
	}
	rec.Stages = append(rec.Stages, Stage{Name: name, Started: time.Now()})
}

// EndStage closes the most recent open stage with the given name.
func (b *Bus) EndStage(requestID, name, outcome string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.byRequest[requestID]
	if !ok {
		return
	}
	for i := len(rec.Stages) - 1; i >= 0; i-- {
		st := &rec.Stages[i]
		if st.Name == name && st.Ended.IsZero() {
			st.Ended = time.Now()
			st.Outcome = outcome
			return
		}
	}
}

// UpdateComponentHealth records the latest status for a component. The
// LastChange timestamp only moves when the status actually changes.
func (b *Bus) UpdateComponentHealth(componentID string, status HealthStatus, lastError, details string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev, ok := b.health[componentID]
	ch := ComponentHealth{
		ComponentID: componentID,
		Status:      status,
		LastChange:  time.Now(),
		LastError:   lastError,
		Details:     details,
	}
	if ok && prev.Status == status {
		ch.LastChange = prev.LastChange
	}
	b.health[componentID] = ch
}

// ComponentHealthFor returns the last reported health of one component.
func (b *Bus) ComponentHealthFor(componentID string) (ComponentHealth, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.health[componentID]
	return ch, ok
}

// ExportSnapshot copies the bus contents under a single brief lock.
func (b *Bus) ExportSnapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{
		Events:  b.events.items(),
		Health:  make(map[string]ComponentHealth, len(b.health)),
		Dropped: b.dropped,
	}
	for _, rec := range b.lifecycles.items() {
		cp := *rec
		cp.Stages = append([]Stage(nil), rec.Stages...)
		snap.Lifecycles = append(snap.Lifecycles, cp)
	}
	for k, v := range b.health {
		snap.Health[k] = v
	}
	return snap
}

// ring is a fixed-capacity FIFO that overwrites its oldest entry when full.
type ring[T any] struct {
	buf   []T
	start int
	size  int
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{buf: make([]T, capacity)}
}

// push appends v, reporting whether an old entry was evicted.
func (r *ring[T]) push(v T) (evicted bool) {
	_, evicted = r.pushEvict(v)
	return evicted
}

// pushEvict appends v and returns the evicted entry, if any.
func (r *ring[T]) pushEvict(v T) (old T, evicted bool) {
	if r.size == len(r.buf) {
		old = r.buf[r.start]
		r.buf[r.start] = v
		r.start = (r.start + 1) % len(r.buf)
		return old, true
	}
	r.buf[(r.start+r.size)%len(r.buf)] = v
	r.size++
	return old, false
}

// items returns the ring contents oldest-first.
func (r *ring[T]) items() []T {
	out := make([]T, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}
