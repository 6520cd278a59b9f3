package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/maitred-dev/maitred/internal/config"
	"github.com/maitred-dev/maitred/internal/mcp"
	"github.com/maitred-dev/maitred/internal/resilience"
	"github.com/maitred-dev/maitred/internal/track"
)

// fakeConn is an in-memory mcp.Conn with scripted behavior.
type fakeConn struct {
	tools []mcp.ToolInfo

	mu       sync.Mutex
	result   *mcp.ToolResult
	callErr  error
	delay    time.Duration
	calls    int
	closed   bool
	lastTool string
}

func (c *fakeConn) ListTools(_ context.Context) ([]mcp.ToolInfo, error) {
	return c.tools, nil
}

func (c *fakeConn) Call(ctx context.Context, tool string, _ map[string]any) (*mcp.ToolResult, error) {
	c.mu.Lock()
	c.calls++
	c.lastTool = tool
	result, callErr, delay := c.result, c.callErr, c.delay
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if callErr != nil {
		return nil, callErr
	}
	return result, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *fakeConn) set(result *mcp.ToolResult, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result, c.callErr = result, err
}

func testMCPConfig(servers ...config.MCPServerConfig) config.MCPConfig {
	for i := range servers {
		if servers[i].MaxInflight <= 0 {
			servers[i].MaxInflight = 8
		}
	}
	return config.MCPConfig{
		Servers:          servers,
		HandshakeTimeout: time.Second,
		CallTimeout:      time.Second,
		ShutdownGrace:    time.Second,
	}
}

func testBreakers() *resilience.Registry {
	return resilience.NewRegistry(resilience.Config{
		FailureThreshold:         2,
		HalfOpenSuccessThreshold: 1,
		Cooldown:                 time.Hour,
		MaxCooldown:              time.Hour,
	}, nil)
}

// newReadyDispatcher starts a dispatcher over conn and waits for the tools
// listener to report the server ready.
func newReadyDispatcher(t *testing.T, conn *fakeConn, cfg config.MCPConfig) (*Dispatcher, <-chan []mcp.ToolInfo) {
	t.Helper()

	published := make(chan []mcp.ToolInfo, 8)
	d := New(cfg, testBreakers(), track.NewBus(),
		WithDialer(func(_ context.Context, _ config.MCPServerConfig) (mcp.Conn, error) {
			return conn, nil
		}),
		WithToolsListener(func(_, _ string, tools []mcp.ToolInfo) {
			published <- tools
		}))
	d.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		d.Close(ctx)
	})

	select {
	case tools := <-published:
		if tools == nil {
			t.Fatal("first publish withdrew tools")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never became ready")
	}
	return d, published
}

func TestCallSuccess(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{
		tools:  []mcp.ToolInfo{{Name: "query"}},
		result: &mcp.ToolResult{Content: "42"},
	}
	d, _ := newReadyDispatcher(t, conn, testMCPConfig(config.MCPServerConfig{
		Name: "search", Transport: config.TransportStdio, Command: "x",
	}))

	result, err := d.Call(context.Background(), "search", "query", map[string]any{"q": "x"})
	if err != nil {
		t.Fatalf("Call = %v", err)
	}
	if result.Content != "42" || result.IsError {
		t.Errorf("result = %+v", result)
	}
	if conn.lastTool != "query" {
		t.Errorf("dispatched tool = %q", conn.lastTool)
	}
}

func TestToolErrorIsNotATransportError(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{
		tools:  []mcp.ToolInfo{{Name: "query"}},
		result: &mcp.ToolResult{Content: "no such index", IsError: true},
	}
	d, _ := newReadyDispatcher(t, conn, testMCPConfig(config.MCPServerConfig{
		Name: "search", Transport: config.TransportStdio, Command: "x",
	}))

	result, err := d.Call(context.Background(), "search", "query", nil)
	if err != nil {
		t.Fatalf("Call = %v, tool-level errors travel in the result", err)
	}
	if !result.IsError || result.Content != "no such index" {
		t.Errorf("result = %+v", result)
	}
}

func TestCallUnknownServer(t *testing.T) {
	t.Parallel()

	d := New(testMCPConfig(), testBreakers(), nil)
	_, err := d.Call(context.Background(), "nope", "t", nil)
	if !errors.Is(err, ErrUnknownServer) {
		t.Fatalf("Call = %v, want ErrUnknownServer", err)
	}
}

func TestCallDisabledServer(t *testing.T) {
	t.Parallel()

	d := New(testMCPConfig(config.MCPServerConfig{
		Name: "search", Transport: config.TransportStdio, Command: "x", Disabled: true,
	}), testBreakers(), nil)
	d.Start(context.Background())
	defer d.Close(context.Background())

	_, err := d.Call(context.Background(), "search", "query", nil)
	if mcp.ClassOf(err) != mcp.ClassDisabled {
		t.Fatalf("Call = %v, want disabled class", err)
	}

	roster := d.Roster()
	if len(roster) != 1 || roster[0].State != mcp.StateDisabled {
		t.Errorf("roster = %+v, want disabled state", roster)
	}
}

func TestBreakerOpensOnRepeatedTransportFailures(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{tools: []mcp.ToolInfo{{Name: "query"}}}
	d, _ := newReadyDispatcher(t, conn, testMCPConfig(config.MCPServerConfig{
		Name: "search", Transport: config.TransportStdio, Command: "x",
	}))
	conn.set(nil, mcp.NewError(mcp.ClassTimeout, "search", errors.New("slow")))

	for i := 0; i < 2; i++ {
		if _, err := d.Call(context.Background(), "search", "query", nil); err == nil {
			t.Fatal("scripted failure did not surface")
		}
	}
	_, err := d.Call(context.Background(), "search", "query", nil)
	if !errors.Is(err, resilience.ErrBreakerOpen) {
		t.Fatalf("third call = %v, want breaker open", err)
	}
	if got := conn.callCount(); got != 2 {
		t.Errorf("conn calls = %d, open breaker must not dispatch", got)
	}
}

func TestCancelledCallsDoNotFeedBreaker(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{tools: []mcp.ToolInfo{{Name: "query"}}}
	d, _ := newReadyDispatcher(t, conn, testMCPConfig(config.MCPServerConfig{
		Name: "search", Transport: config.TransportStdio, Command: "x",
	}))
	conn.set(nil, mcp.NewError(mcp.ClassCancelled, "search", context.Canceled))

	for i := 0; i < 5; i++ {
		if _, err := d.Call(context.Background(), "search", "query", nil); err == nil {
			t.Fatal("scripted cancellation did not surface")
		}
	}
	conn.set(&mcp.ToolResult{Content: "ok"}, nil)
	if _, err := d.Call(context.Background(), "search", "query", nil); err != nil {
		t.Fatalf("breaker opened on cancellations: %v", err)
	}
}

func TestPerCallTimeoutSurfacesAsTimeout(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{
		tools: []mcp.ToolInfo{{Name: "query"}},
		delay: time.Second,
	}
	cfg := testMCPConfig(config.MCPServerConfig{
		Name: "search", Transport: config.TransportStdio, Command: "x",
	})
	cfg.CallTimeout = 30 * time.Millisecond
	d, _ := newReadyDispatcher(t, conn, cfg)

	_, err := d.Call(context.Background(), "search", "query", nil)
	if mcp.ClassOf(err) != mcp.ClassTimeout {
		t.Fatalf("Call = %v, per-call expiry must classify as timeout", err)
	}
}

func TestUnreachableTriggersReconnectAndRepublish(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{tools: []mcp.ToolInfo{{Name: "query"}}}
	d, published := newReadyDispatcher(t, conn, testMCPConfig(config.MCPServerConfig{
		Name: "search", Transport: config.TransportStdio, Command: "x",
	}))
	conn.set(nil, mcp.NewError(mcp.ClassUnreachable, "search", errors.New("broken pipe")))

	if _, err := d.Call(context.Background(), "search", "query", nil); err == nil {
		t.Fatal("scripted failure did not surface")
	}

	// The maintenance loop redials and republishes the tool set.
	select {
	case tools := <-published:
		if len(tools) != 1 {
			t.Errorf("republish = %v, want one tool", tools)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no republish after reconnect")
	}

	roster := d.Roster()
	if roster[0].Restarts != 1 {
		t.Errorf("Restarts = %d, want 1", roster[0].Restarts)
	}
}

func TestDialFailureWithdrawsTools(t *testing.T) {
	t.Parallel()

	published := make(chan []mcp.ToolInfo, 8)
	d := New(testMCPConfig(config.MCPServerConfig{
		Name: "search", Transport: config.TransportStdio, Command: "x",
	}), testBreakers(), nil,
		WithDialer(func(_ context.Context, _ config.MCPServerConfig) (mcp.Conn, error) {
			return nil, errors.New("dial refused")
		}),
		WithToolsListener(func(_, _ string, tools []mcp.ToolInfo) {
			published <- tools
		}))
	d.Start(context.Background())
	defer d.Close(context.Background())

	select {
	case tools := <-published:
		if tools != nil {
			t.Errorf("publish = %v, want nil withdrawal", tools)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dial failure never reported")
	}

	_, err := d.Call(context.Background(), "search", "query", nil)
	if mcp.ClassOf(err) != mcp.ClassUnreachable {
		t.Errorf("Call = %v, want unreachable", err)
	}
	roster := d.Roster()
	if roster[0].State != mcp.StateDegraded || !strings.Contains(roster[0].LastError, "dial refused") {
		t.Errorf("roster = %+v, want degraded with last error", roster[0])
	}
}

func TestToolsAndRestart(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{tools: []mcp.ToolInfo{{Name: "query"}, {Name: "news"}}}
	d, published := newReadyDispatcher(t, conn, testMCPConfig(config.MCPServerConfig{
		Name: "search", Transport: config.TransportStdio, Command: "x",
	}))

	if tools := d.Tools("search"); len(tools) != 2 {
		t.Errorf("Tools = %d, want 2", len(tools))
	}
	if tools := d.Tools("nope"); tools != nil {
		t.Errorf("Tools(unknown) = %v, want nil", tools)
	}

	d.Restart("search")
	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("restart did not republish")
	}
	d.Restart("nope")
}

func TestRosterReportsToolLatency(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{
		tools:  []mcp.ToolInfo{{Name: "query"}},
		result: &mcp.ToolResult{Content: "ok"},
	}
	d, _ := newReadyDispatcher(t, conn, testMCPConfig(config.MCPServerConfig{
		Name: "search", Transport: config.TransportStdio, Command: "x",
	}))

	for i := 0; i < 3; i++ {
		if _, err := d.Call(context.Background(), "search", "query", nil); err != nil {
			t.Fatalf("Call = %v", err)
		}
	}
	roster := d.Roster()
	if _, ok := roster[0].ToolLatencyMs["query"]; !ok {
		t.Errorf("roster = %+v, want a latency entry for the dispatched tool", roster[0])
	}
}

func TestLatencyWindowMean(t *testing.T) {
	t.Parallel()

	var w latencyWindow
	if w.mean() != 0 {
		t.Error("empty window mean must be 0")
	}
	for _, ms := range []int64{10, 20, 30} {
		w.add(ms)
	}
	if got := w.mean(); got != 20 {
		t.Errorf("mean = %d, want 20", got)
	}
	// Overflow evicts the oldest samples.
	for i := 0; i < 16; i++ {
		w.add(100)
	}
	if got := w.mean(); got != 100 {
		t.Errorf("mean after wrap = %d, want 100", got)
	}
}

func TestCloseShutsDownConnections(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{tools: []mcp.ToolInfo{{Name: "query"}}}
	published := make(chan []mcp.ToolInfo, 8)
	d := New(testMCPConfig(config.MCPServerConfig{
		Name: "search", Transport: config.TransportStdio, Command: "x",
	}), testBreakers(), nil,
		WithDialer(func(_ context.Context, _ config.MCPServerConfig) (mcp.Conn, error) {
			return conn, nil
		}),
		WithToolsListener(func(_, _ string, tools []mcp.ToolInfo) {
			published <- tools
		}))
	d.Start(context.Background())
	<-published

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close = %v", err)
	}
	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	if !closed {
		t.Error("connection not closed on shutdown")
	}
}
