// Package registry multiplexes chat-completion traffic across configured
// providers and enforces the governed-path policies: budget admission for
// remote providers, per-provider circuit breakers, and an at-most-once
// fallback to a local model when a governed provider fails before the first
// token.
//
// Each provider has a lifecycle state derived from periodic probes
// (unknown → discovering → ready ↔ degraded → unavailable); unavailable
// providers are hidden from model listings.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/maitred-dev/maitred/internal/config"
	"github.com/maitred-dev/maitred/internal/maitrederr"
	"github.com/maitred-dev/maitred/internal/resilience"
	"github.com/maitred-dev/maitred/internal/track"
	"github.com/maitred-dev/maitred/pkg/provider/llm"
	"github.com/maitred-dev/maitred/pkg/provider/llm/anyllm"
	"github.com/maitred-dev/maitred/pkg/provider/llm/openai"
)

// ProviderState is the lifecycle state of one configured provider.
type ProviderState string

const (
	ProviderUnknown     ProviderState = "unknown"
	ProviderDiscovering ProviderState = "discovering"
	ProviderReady       ProviderState = "ready"
	ProviderDegraded    ProviderState = "degraded"
	ProviderUnavailable ProviderState = "unavailable"
)

// Descriptor is the observable state of one provider.
type Descriptor struct {
	ID            string        `json:"id"`
	Kind          config.ProviderKind `json:"kind"`
	BaseURL       string        `json:"base_url,omitempty"`
	Models        []string      `json:"models"`
	State         ProviderState `json:"state"`
	LastLatencyMs int64         `json:"last_latency_ms,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
}

// ModelInfo is one row of the aggregated /v1/models listing.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// Factory builds an [llm.Provider] client for one provider/model pair.
// Swappable in tests.
type Factory func(cfg config.ProviderConfig, model string) (llm.Provider, error)

// Registry owns provider descriptors, their probe scheduler, and the
// chat-stream entry point. Safe for concurrent use.
type Registry struct {
	routing  config.RoutingConfig
	ledger   *BudgetLedger
	breakers *resilience.Registry
	bus      *track.Bus
	factory  Factory
	probeHTTP *http.Client

	mu      sync.Mutex
	entries map[string]*entry
	clients map[string]llm.Provider

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// entry is the mutable per-provider state.
type entry struct {
	cfg config.ProviderConfig

	mu        sync.Mutex
	state     ProviderState
	latencyMs int64
	lastErr   string
}

func (e *entry) setState(st ProviderState, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = st
	if err != nil {
		e.lastErr = err.Error()
	} else {
		e.lastErr = ""
	}
}

func (e *entry) getState() ProviderState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *entry) setLatency(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.latencyMs = d.Milliseconds()
}

func (e *entry) descriptor() Descriptor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Descriptor{
		ID:            e.cfg.ID,
		Kind:          e.cfg.Kind,
		BaseURL:       e.cfg.BaseURL,
		Models:        e.cfg.Models,
		State:         e.state,
		LastLatencyMs: e.latencyMs,
		LastError:     e.lastErr,
	}
}

// serves reports whether the provider lists model.
func (e *entry) serves(model string) bool {
	for _, m := range e.cfg.Models {
		if m == model {
			return true
		}
	}
	return false
}

// Option configures a [Registry].
type Option func(*Registry)

// WithFactory overrides client construction. Used by tests.
func WithFactory(f Factory) Option {
	return func(r *Registry) { r.factory = f }
}

// New creates a Registry. Remote providers without an API key are marked
// unavailable rather than failing startup.
func New(providers []config.ProviderConfig, routing config.RoutingConfig,
	ledger *BudgetLedger, breakers *resilience.Registry, bus *track.Bus, opts ...Option) *Registry {

	r := &Registry{
		routing:   routing,
		ledger:    ledger,
		breakers:  breakers,
		bus:       bus,
		factory:   defaultFactory,
		probeHTTP: &http.Client{Timeout: 5 * time.Second},
		entries:   make(map[string]*entry),
		clients:   make(map[string]llm.Provider),
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, pc := range providers {
		e := &entry{cfg: pc, state: ProviderUnknown}
		if pc.Kind == config.KindRemote && pc.APIKey == "" {
			e.state = ProviderUnavailable
			e.lastErr = "no API key configured"
			slog.Warn("provider disabled, no API key", "provider", pc.ID)
		}
		r.entries[pc.ID] = e
	}
	return r
}

// defaultFactory builds real SDK clients: the openai client for
// OpenAI-compatible endpoints, any-llm for everything else.
func defaultFactory(cfg config.ProviderConfig, model string) (llm.Provider, error) {
	if cfg.SDK == "" || cfg.SDK == "openai" {
		var opts []openai.Option
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(cfg.APIKey, model, opts...)
	}
	var opts []anyllmlib.Option
	if cfg.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(cfg.BaseURL))
	}
	return anyllm.New(cfg.SDK, model, opts...)
}

// Start launches the probe scheduler. Providers are probed immediately and
// then on their configured interval.
func (r *Registry) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.mu.Lock()
	r.cancel = cancel
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		if e.getState() == ProviderUnavailable {
			continue
		}
		r.wg.Add(1)
		go r.probeLoop(runCtx, e)
	}
}

// Close stops the probe scheduler.
func (r *Registry) Close() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

func (r *Registry) probeLoop(ctx context.Context, e *entry) {
	defer r.wg.Done()

	e.setState(ProviderDiscovering, nil)
	r.probe(ctx, e)

	timer := time.NewTimer(jittered(e.cfg.ProbeInterval))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			r.probe(ctx, e)
			timer.Reset(jittered(e.cfg.ProbeInterval))
		}
	}
}

// jittered spreads probe ticks by ±10% so providers sharing an interval do
// not probe in lockstep.
func jittered(d time.Duration) time.Duration {
	spread := d / 10
	if spread <= 0 {
		return d
	}
	return d - spread + rand.N(2*spread)
}

// probe checks a provider's model listing endpoint. Providers without a base
// URL (hosted SDK defaults) are assumed reachable; the breaker catches real
// failures. A probe failure degrades only this descriptor.
func (r *Registry) probe(ctx context.Context, e *entry) {
	if e.cfg.BaseURL == "" {
		r.transitionProbe(e, nil, 0)
		return
	}

	url := strings.TrimSuffix(e.cfg.BaseURL, "/") + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		r.transitionProbe(e, err, 0)
		return
	}
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	start := time.Now()
	resp, err := r.probeHTTP.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		r.transitionProbe(e, err, 0)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		r.transitionProbe(e, fmt.Errorf("probe returned %s", resp.Status), 0)
		return
	}
	r.transitionProbe(e, nil, elapsed)
}

func (r *Registry) transitionProbe(e *entry, err error, latency time.Duration) {
	if err != nil {
		e.setState(ProviderDegraded, err)
		if r.bus != nil {
			r.bus.UpdateComponentHealth("provider:"+e.cfg.ID, track.StatusDegraded, err.Error(), "")
		}
		return
	}
	if latency > 0 {
		e.setLatency(latency)
	}
	e.setState(ProviderReady, nil)
	if r.bus != nil {
		r.bus.UpdateComponentHealth("provider:"+e.cfg.ID, track.StatusHealthy, "", "")
	}
}

// Descriptors reports the observable state of every provider.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.descriptor())
	}
	return out
}

// Models aggregates the model listing across providers. Unavailable providers
// contribute nothing.
func (r *Registry) Models() []ModelInfo {
	var out []ModelInfo
	for _, d := range r.Descriptors() {
		if d.State == ProviderUnavailable {
			continue
		}
		for _, m := range d.Models {
			out = append(out, ModelInfo{
				ID:      d.ID + ":" + m,
				Object:  "model",
				OwnedBy: d.ID,
			})
		}
	}
	return out
}

// Resolve maps a model spec to a provider entry and concrete model name.
func (r *Registry) Resolve(spec ModelSpec) (providerID, model string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch spec.Kind {
	case SpecProvider:
		e, ok := r.entries[spec.Provider]
		if !ok {
			return "", "", maitrederr.New(maitrederr.KindNotFound,
				"unknown provider %q", spec.Provider)
		}
		return e.cfg.ID, spec.Model, nil

	case SpecLocal:
		for _, e := range r.entries {
			if e.cfg.Kind == config.KindLocal && e.serves(spec.Model) {
				return e.cfg.ID, spec.Model, nil
			}
		}
		return "", "", maitrederr.New(maitrederr.KindNotFound,
			"no local provider serves model %q", spec.Model)

	default:
		model := spec.Model
		if model == "" {
			model = r.routing.DefaultModel
		}
		// A bare name that a local provider serves bypasses the governed path.
		for _, e := range r.entries {
			if e.cfg.Kind == config.KindLocal && e.serves(model) {
				return e.cfg.ID, model, nil
			}
		}
		for _, e := range r.entries {
			if e.serves(model) {
				return e.cfg.ID, model, nil
			}
		}
		return "", "", maitrederr.New(maitrederr.KindNotFound,
			"no provider serves model %q", model)
	}
}

// Client returns (building if needed) the SDK client for a provider/model.
func (r *Registry) Client(providerID, model string) (llm.Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[providerID]
	if !ok {
		return nil, maitrederr.New(maitrederr.KindNotFound, "unknown provider %q", providerID)
	}
	if e.getState() == ProviderUnavailable {
		return nil, maitrederr.New(maitrederr.KindUnavailable,
			"provider %q is unavailable", providerID)
	}

	key := providerID + "/" + model
	if c, ok := r.clients[key]; ok {
		return c, nil
	}
	c, err := r.factory(e.cfg, model)
	if err != nil {
		return nil, maitrederr.Wrap(maitrederr.KindInternal, err,
			"build client for %s", key)
	}
	r.clients[key] = c
	return c, nil
}

// StreamOptions carries the per-request knobs for [Registry.ChatStream].
type StreamOptions struct {
	// AllowFallback enables the at-most-once local fallback for governed
	// failures before the first token.
	AllowFallback bool

	// RequestID correlates bus events.
	RequestID string
}

// ChatStream starts a streaming completion against the resolved provider and
// returns the chunk channel. Remote providers pass the budget gate and their
// circuit breaker first.
//
// When a governed provider fails before emitting any token with an
// availability-class error (including an open breaker), and fallback is
// allowed and configured, the request is retried exactly once against the
// local fallback model with tools dropped. Classified non-transient failures
// such as auth or validation errors are never masked by fallback. Failures
// after the first token are surfaced verbatim as an error chunk.
func (r *Registry) ChatStream(ctx context.Context, spec ModelSpec, req llm.CompletionRequest, opts StreamOptions) (<-chan llm.Chunk, error) {
	providerID, model, err := r.Resolve(spec)
	if err != nil {
		return nil, err
	}
	e := r.entry(providerID)

	client, err := r.Client(providerID, model)
	if err != nil {
		return nil, err
	}

	governed := e.cfg.Kind == config.KindRemote
	var breaker *resilience.CircuitBreaker
	if governed {
		if err := r.admitBudget(client, req); err != nil {
			return nil, err
		}
		breaker = r.breakers.For("provider:" + providerID)
		if !breaker.Allow() {
			berr := maitrederr.Wrap(maitrederr.KindBreakerOpen,
				resilience.ErrBreakerOpen, "provider %q", providerID)
			if fb, ok := r.tryFallback(ctx, e, req, opts, berr); ok {
				return fb, nil
			}
			return nil, berr
		}
	}

	start := time.Now()
	upstream, err := client.StreamCompletion(ctx, req)
	if err != nil {
		if breaker != nil {
			breaker.Record(false, err)
		}
		r.countRequest(ctx, providerID, "start_error")
		if fb, ok := r.tryFallback(ctx, e, req, opts, err); ok {
			return fb, nil
		}
		// Keep the provider's own classification when it has one; auth and
		// validation failures must not render as 503s.
		if k := maitrederr.KindOf(err); k != maitrederr.KindInternal {
			return nil, maitrederr.Wrap(k, err, "provider %q stream", providerID)
		}
		return nil, maitrederr.Wrap(maitrederr.KindUnavailable, err,
			"provider %q stream", providerID)
	}

	out := make(chan llm.Chunk, 32)
	go r.pipe(ctx, e, breaker, req, opts, upstream, out, start)
	return out, nil
}

// pipe forwards upstream chunks, handling breaker accounting, latency and
// usage recording, and the before-first-token fallback window.
func (r *Registry) pipe(ctx context.Context, e *entry, breaker *resilience.CircuitBreaker,
	req llm.CompletionRequest, opts StreamOptions, upstream <-chan llm.Chunk, out chan<- llm.Chunk, start time.Time) {

	defer close(out)

	emitted := false
	failed := false
	var usage *llm.Usage

	for chunk := range upstream {
		if chunk.FinishReason == "error" {
			failed = true
			err := errors.New(chunk.Text)
			if breaker != nil {
				breaker.Record(false, err)
			}
			r.countRequest(ctx, e.cfg.ID, "stream_error")

			if !emitted {
				if fb, ok := r.tryFallback(ctx, e, req, opts, err); ok {
					for c := range fb {
						select {
						case out <- c:
						case <-ctx.Done():
							return
						}
					}
					return
				}
			}
			// Tokens already went out (or no fallback); surface verbatim.
			select {
			case out <- chunk:
			case <-ctx.Done():
			}
			return
		}

		if chunk.Text != "" || len(chunk.ToolCalls) > 0 {
			emitted = true
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
			return
		}
	}

	if failed {
		return
	}
	elapsed := time.Since(start)
	e.setLatency(elapsed)
	if breaker != nil {
		breaker.Record(true, nil)
	}
	if e.cfg.Kind == config.KindRemote && usage != nil {
		r.ledger.Commit(int64(usage.TotalTokens))
	}
	r.countRequest(ctx, e.cfg.ID, "ok")
	if r.bus != nil {
		if m := r.bus.Metrics(); m != nil {
			m.ProviderStreamDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(attribute.String("provider", e.cfg.ID)))
		}
	}
}

// tryFallback starts the at-most-once local fallback stream. It reports false
// when fallback is not allowed, not configured, or not applicable.
func (r *Registry) tryFallback(ctx context.Context, e *entry, req llm.CompletionRequest,
	opts StreamOptions, cause error) (<-chan llm.Chunk, bool) {

	if !opts.AllowFallback || !r.routing.AllowFallback || r.routing.FallbackModel == "" {
		return nil, false
	}
	if e.cfg.Kind != config.KindRemote {
		return nil, false
	}
	// Only availability-class failures are recoverable: classified
	// non-transient kinds (auth, validation, cancellation) surface to the
	// caller untouched. Unclassified causes are presumed transport-level;
	// stream error chunks arrive as bare text and land in that bucket.
	if k := maitrederr.KindOf(cause); k != maitrederr.KindInternal && !maitrederr.IsTransient(cause) {
		return nil, false
	}

	spec := ParseSpec(r.routing.FallbackModel)
	providerID, model, err := r.Resolve(spec)
	if err != nil || providerID == e.cfg.ID {
		return nil, false
	}
	client, err := r.Client(providerID, model)
	if err != nil {
		return nil, false
	}

	// The fallback model is a chat completer, not an agent.
	fbReq := req
	fbReq.Tools = nil

	ch, err := client.StreamCompletion(ctx, fbReq)
	if err != nil {
		r.recordFallback(ctx, e.cfg.ID, providerID, "failed")
		return nil, false
	}
	r.recordFallback(ctx, e.cfg.ID, providerID, "ok")
	slog.Warn("provider fallback engaged",
		"from", e.cfg.ID, "to", providerID, "model", model,
		"request_id", opts.RequestID, "cause", cause)
	return ch, true
}

func (r *Registry) recordFallback(ctx context.Context, from, to, outcome string) {
	if r.bus == nil {
		return
	}
	r.bus.RecordEvent("fallback", track.SeverityWarn, map[string]any{
		"from":    from,
		"to":      to,
		"outcome": outcome,
	})
	if m := r.bus.Metrics(); m != nil {
		m.Fallbacks.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", outcome)))
	}
}

// admitBudget estimates the request cost and consults the ledger.
func (r *Registry) admitBudget(client llm.Provider, req llm.CompletionRequest) error {
	prompt, err := client.CountTokens(req.Messages)
	if err != nil {
		prompt = 0
	}
	completion := req.MaxTokens
	if completion == 0 {
		completion = client.Capabilities().MaxOutputTokens
	}
	return r.ledger.Admit(int64(prompt + completion))
}

func (r *Registry) countRequest(ctx context.Context, providerID, status string) {
	if r.bus == nil {
		return
	}
	if m := r.bus.Metrics(); m != nil {
		m.RecordProviderRequest(ctx, providerID, status)
	}
}

func (r *Registry) entry(providerID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[providerID]
}

// Ledger exposes the budget ledger for status endpoints.
func (r *Registry) Ledger() *BudgetLedger { return r.ledger }
