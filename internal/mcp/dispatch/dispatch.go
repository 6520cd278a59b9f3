// Package dispatch owns the lifecycle of every configured MCP server and
// routes tool calls to them.
//
// Each server gets a maintenance goroutine that dials its transport, performs
// tool discovery, and reconnects with capped exponential backoff whenever the
// connection dies. Calls flow through the server's circuit breaker and a
// per-server concurrency semaphore, bounded by the configured call timeout.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/maitred-dev/maitred/internal/config"
	"github.com/maitred-dev/maitred/internal/mcp"
	"github.com/maitred-dev/maitred/internal/mcp/transport"
	"github.com/maitred-dev/maitred/internal/resilience"
	"github.com/maitred-dev/maitred/internal/track"
)

// ErrUnknownServer is returned by [Dispatcher.Call] for server names not
// present in the configuration.
var ErrUnknownServer = errors.New("unknown mcp server")

// reconnect backoff bounds for the maintenance loop.
const (
	initialBackoff = time.Second
	maxBackoff     = time.Minute
)

// ToolsListener is notified whenever a server's tool set changes: after a
// successful (re)connect with the discovered tools, and with nil tools when
// the server becomes unavailable.
type ToolsListener func(server, category string, tools []mcp.ToolInfo)

// ServerStatus is the administrative view of one managed server.
type ServerStatus struct {
	Name      string          `json:"name"`
	Transport string          `json:"transport"`
	Category  string          `json:"category,omitempty"`
	State     mcp.ServerState `json:"state"`
	ToolCount int             `json:"tool_count"`
	Restarts  int             `json:"restarts"`
	LastError string          `json:"last_error,omitempty"`

	// ToolLatencyMs maps tool names to their rolling mean dispatch latency.
	ToolLatencyMs map[string]int64 `json:"tool_latency_ms,omitempty"`
}

// dialer is the transport entry point, swappable in tests.
type dialer func(ctx context.Context, cfg config.MCPServerConfig) (mcp.Conn, error)

// Dispatcher manages connections to all configured MCP servers.
type Dispatcher struct {
	mcpCfg   config.MCPConfig
	breakers *resilience.Registry
	bus      *track.Bus
	dial     dialer
	onTools  ToolsListener

	mu      sync.Mutex
	servers map[string]*serverHandle
	started bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithToolsListener registers the catalog republish hook.
func WithToolsListener(fn ToolsListener) Option {
	return func(d *Dispatcher) { d.onTools = fn }
}

// WithDialer overrides the transport dialer. Used by tests to substitute
// in-memory connections.
func WithDialer(fn dialer) Option {
	return func(d *Dispatcher) { d.dial = fn }
}

// New creates a Dispatcher for the servers in cfg. Call [Dispatcher.Start]
// to begin connecting.
func New(cfg config.MCPConfig, breakers *resilience.Registry, bus *track.Bus, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		mcpCfg:   cfg,
		breakers: breakers,
		bus:      bus,
		dial:     transport.Dial,
		servers:  make(map[string]*serverHandle),
	}
	for _, opt := range opts {
		opt(d)
	}
	for _, sc := range cfg.Servers {
		d.servers[sc.Name] = newServerHandle(sc)
	}
	return d
}

// Start launches a maintenance goroutine per enabled server. Disabled servers
// are registered but never dialed. Start returns immediately; discovery
// happens in the background so a slow server cannot hold up boot.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel

	for _, h := range d.servers {
		if h.cfg.Disabled {
			h.setState(mcp.StateDisabled, nil)
			continue
		}
		d.wg.Add(1)
		go d.maintain(runCtx, h)
	}
}

// Close tears down every connection and waits for the maintenance goroutines
// to exit. The context bounds the wait.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatch: shutdown: %w", ctx.Err())
	}
}

// maintain is the per-server lifecycle loop: dial, discover, publish, then
// wait for a failure signal and reconnect with capped exponential backoff.
func (d *Dispatcher) maintain(ctx context.Context, h *serverHandle) {
	defer d.wg.Done()
	logger := slog.With("server", h.cfg.Name, "transport", string(h.cfg.Transport))

	backoff := initialBackoff
	for {
		h.setState(mcp.StateDiscovering, nil)

		dialCtx, cancel := context.WithTimeout(ctx, d.mcpCfg.HandshakeTimeout)
		conn, err := d.dial(dialCtx, h.cfg)
		var tools []mcp.ToolInfo
		if err == nil {
			tools, err = conn.ListTools(dialCtx)
			if err != nil {
				_ = conn.Close()
			}
		}
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				h.setState(mcp.StateUnknown, nil)
				return
			}
			logger.Warn("mcp server unavailable, will retry",
				"error", err, "backoff", backoff)
			d.markDegraded(h, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		h.install(conn, tools)
		backoff = initialBackoff
		logger.Info("mcp server ready", "tools", len(tools), "restarts", h.restartCount())
		d.markReady(h, tools)

		select {
		case <-ctx.Done():
			d.teardown(h, conn)
			h.setState(mcp.StateUnknown, nil)
			return
		case <-h.reconnectCh:
			d.teardown(h, conn)
			h.bumpRestarts()
		}
	}
}

// teardown closes conn within the configured shutdown grace. Transports that
// supervise a child process get the grace window to terminate it.
func (d *Dispatcher) teardown(h *serverHandle, conn mcp.Conn) {
	h.clearConn()
	done := make(chan struct{})
	go func() {
		_ = conn.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d.mcpCfg.ShutdownGrace):
		slog.Warn("mcp connection close exceeded shutdown grace", "server", h.cfg.Name)
	}
}

// markReady publishes the new tool set and flips health to healthy.
func (d *Dispatcher) markReady(h *serverHandle, tools []mcp.ToolInfo) {
	if d.onTools != nil {
		d.onTools(h.cfg.Name, h.cfg.Category, tools)
	}
	if d.bus != nil {
		d.bus.UpdateComponentHealth("mcp:"+h.cfg.Name, track.StatusHealthy, "",
			fmt.Sprintf("%d tools", len(tools)))
		if m := d.bus.Metrics(); m != nil {
			m.ReadyServers.Add(context.Background(), 1)
		}
	}
}

// markDegraded withdraws the server's tools and flips health to unhealthy.
func (d *Dispatcher) markDegraded(h *serverHandle, err error) {
	wasReady := h.state() == mcp.StateReady
	h.setState(mcp.StateDegraded, err)
	if d.onTools != nil {
		d.onTools(h.cfg.Name, h.cfg.Category, nil)
	}
	if d.bus != nil {
		d.bus.UpdateComponentHealth("mcp:"+h.cfg.Name, track.StatusUnhealthy, err.Error(), "")
		if m := d.bus.Metrics(); m != nil && wasReady {
			m.ReadyServers.Add(context.Background(), -1)
		}
	}
}

// Call dispatches one tool call to the named server. The call is gated by the
// server's circuit breaker and bounded by both the caller's deadline and the
// configured per-call timeout.
//
// A non-nil *ToolResult with IsError set is a successful dispatch carrying a
// tool-level error; it closes the breaker's failure streak like any success.
func (d *Dispatcher) Call(ctx context.Context, server, tool string, args map[string]any) (*mcp.ToolResult, error) {
	h := d.handle(server)
	if h == nil {
		return nil, fmt.Errorf("dispatch: %w: %q", ErrUnknownServer, server)
	}
	if h.cfg.Disabled {
		return nil, mcp.NewError(mcp.ClassDisabled, server,
			errors.New("dispatch: server is disabled"))
	}

	breaker := d.breakers.For("mcp:" + server)
	if !breaker.Allow() {
		return nil, fmt.Errorf("dispatch: %s: %w", server, resilience.ErrBreakerOpen)
	}

	conn := h.current()
	if conn == nil {
		err := mcp.NewError(mcp.ClassUnreachable, server,
			fmt.Errorf("dispatch: server is %s", h.state()))
		breaker.Record(false, err)
		d.countCall(ctx, server, "unavailable", 0)
		return nil, err
	}

	if err := h.sem.Acquire(ctx, 1); err != nil {
		return nil, mcp.NewError(mcp.ClassOf(err), server,
			fmt.Errorf("dispatch: waiting for slot: %w", err))
	}
	defer h.sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, d.mcpCfg.CallTimeout)
	defer cancel()

	start := time.Now()
	result, err := conn.Call(callCtx, tool, args)
	elapsed := time.Since(start)

	if err != nil {
		class := mcp.ClassOf(err)
		// The per-call timeout must not surface as caller cancellation.
		if class == mcp.ClassCancelled && callCtx.Err() != nil && ctx.Err() == nil {
			class = mcp.ClassTimeout
			err = mcp.NewError(class, server, err)
		}
		if class.FeedsBreaker() {
			breaker.Record(false, err)
		}
		if class == mcp.ClassUnreachable || class == mcp.ClassProtocol {
			h.triggerReconnect()
		}
		d.countCall(ctx, server, string(class), elapsed)
		return nil, err
	}

	breaker.Record(true, nil)
	result.DurationMs = elapsed.Milliseconds()
	h.recordLatency(tool, result.DurationMs)
	status := "ok"
	if result.IsError {
		status = "tool_error"
	}
	d.countCall(ctx, server, status, elapsed)
	return result, nil
}

func (d *Dispatcher) countCall(ctx context.Context, server, status string, elapsed time.Duration) {
	if d.bus == nil {
		return
	}
	if m := d.bus.Metrics(); m != nil {
		m.RecordToolCall(ctx, server, status)
		if elapsed > 0 {
			m.ToolDispatchDuration.Record(ctx, elapsed.Seconds())
		}
	}
}

// Tools returns the last discovered tool set for server, or nil if the server
// is unknown or not ready.
func (d *Dispatcher) Tools(server string) []mcp.ToolInfo {
	h := d.handle(server)
	if h == nil {
		return nil
	}
	return h.toolSet()
}

// Roster reports the administrative status of every configured server.
func (d *Dispatcher) Roster() []ServerStatus {
	d.mu.Lock()
	handles := make([]*serverHandle, 0, len(d.servers))
	for _, h := range d.servers {
		handles = append(handles, h)
	}
	d.mu.Unlock()

	out := make([]ServerStatus, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.status())
	}
	return out
}

// Restart forces a reconnect of the named server. Unknown names are a no-op.
func (d *Dispatcher) Restart(server string) {
	if h := d.handle(server); h != nil {
		h.triggerReconnect()
	}
}

func (d *Dispatcher) handle(server string) *serverHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.servers[server]
}

// serverHandle is the mutable per-server state guarded by its own mutex.
type serverHandle struct {
	cfg config.MCPServerConfig
	sem *semaphore.Weighted

	reconnectCh chan struct{}

	mu       sync.Mutex
	st       mcp.ServerState
	conn     mcp.Conn
	tools    []mcp.ToolInfo
	restarts int
	lastErr  string
	lat      map[string]*latencyWindow
}

func newServerHandle(cfg config.MCPServerConfig) *serverHandle {
	return &serverHandle{
		cfg:         cfg,
		sem:         semaphore.NewWeighted(int64(cfg.MaxInflight)),
		reconnectCh: make(chan struct{}, 1),
		st:          mcp.StateUnknown,
		lat:         make(map[string]*latencyWindow),
	}
}

// latencyWindow is a fixed-size ring of recent dispatch latencies.
type latencyWindow struct {
	samples [16]int64
	n       int
	next    int
}

func (w *latencyWindow) add(ms int64) {
	w.samples[w.next] = ms
	w.next = (w.next + 1) % len(w.samples)
	if w.n < len(w.samples) {
		w.n++
	}
}

func (w *latencyWindow) mean() int64 {
	if w.n == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < w.n; i++ {
		sum += w.samples[i]
	}
	return sum / int64(w.n)
}

func (h *serverHandle) recordLatency(tool string, ms int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	w := h.lat[tool]
	if w == nil {
		w = &latencyWindow{}
		h.lat[tool] = w
	}
	w.add(ms)
}

func (h *serverHandle) install(conn mcp.Conn, tools []mcp.ToolInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conn = conn
	h.tools = tools
	h.st = mcp.StateReady
	h.lastErr = ""
}

func (h *serverHandle) clearConn() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conn = nil
	h.tools = nil
}

func (h *serverHandle) current() mcp.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn
}

func (h *serverHandle) toolSet() []mcp.ToolInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tools
}

func (h *serverHandle) state() mcp.ServerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.st
}

func (h *serverHandle) setState(st mcp.ServerState, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.st = st
	if err != nil {
		h.lastErr = err.Error()
	}
}

func (h *serverHandle) bumpRestarts() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.restarts++
}

func (h *serverHandle) restartCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.restarts
}

// triggerReconnect signals the maintenance loop without blocking; a pending
// signal is enough, repeated triggers coalesce.
func (h *serverHandle) triggerReconnect() {
	select {
	case h.reconnectCh <- struct{}{}:
	default:
	}
}

func (h *serverHandle) status() ServerStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := ServerStatus{
		Name:      h.cfg.Name,
		Transport: string(h.cfg.Transport),
		Category:  h.cfg.Category,
		State:     h.st,
		ToolCount: len(h.tools),
		Restarts:  h.restarts,
		LastError: h.lastErr,
	}
	if len(h.lat) > 0 {
		st.ToolLatencyMs = make(map[string]int64, len(h.lat))
		for tool, w := range h.lat {
			st.ToolLatencyMs[tool] = w.mean()
		}
	}
	return st
}
