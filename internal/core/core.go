// Package core assembles the shared service graph: observability bus,
// circuit breakers, budget ledger, provider registry, tool catalog, MCP
// dispatcher, selector, and the agent loop factory.
//
// Both binaries build a Core from one config snapshot. The gateway uses the
// full graph; the runner swaps the loop's completer for a gateway-backed
// client when it is configured to defer completions.
package core

import (
	"context"
	"log/slog"

	"github.com/maitred-dev/maitred/internal/agentloop"
	"github.com/maitred-dev/maitred/internal/catalog"
	"github.com/maitred-dev/maitred/internal/catalog/fstools"
	"github.com/maitred-dev/maitred/internal/config"
	"github.com/maitred-dev/maitred/internal/maitrederr"
	"github.com/maitred-dev/maitred/internal/mcp/dispatch"
	"github.com/maitred-dev/maitred/internal/registry"
	"github.com/maitred-dev/maitred/internal/resilience"
	"github.com/maitred-dev/maitred/internal/selector"
	"github.com/maitred-dev/maitred/internal/track"
	"github.com/maitred-dev/maitred/pkg/provider/llm"
)

// Core is the assembled service graph. Construct with [New], then [Start].
type Core struct {
	Bus        *track.Bus
	Breakers   *resilience.Registry
	Registry   *registry.Registry
	Catalog    *catalog.Catalog
	Dispatcher *dispatch.Dispatcher
	Selector   *selector.Selector
	Sandbox    *fstools.Sandbox

	loopCfg agentloop.Config
}

// New wires the full graph from one config snapshot. It does not start any
// background work; call [Core.Start] once the process is ready.
func New(cfg *config.Config) (*Core, error) {
	metrics := track.DefaultMetrics()
	bus := track.NewBus(
		track.WithEventBuffer(cfg.Track.EventBuffer),
		track.WithLifecycleBuffer(cfg.Track.LifecycleBuffer),
		track.WithMetrics(metrics),
	)

	breakers := resilience.NewRegistry(resilience.Config{
		FailureThreshold:         cfg.Breaker.FailureThreshold,
		HalfOpenSuccessThreshold: cfg.Breaker.HalfOpenSuccessThreshold,
		Cooldown:                 cfg.Breaker.Cooldown,
		MaxCooldown:              cfg.Breaker.MaxCooldown,
	}, bus)

	ledger := registry.NewBudgetLedger(cfg.Budget, bus)
	reg := registry.New(cfg.Providers, cfg.Routing, ledger, breakers, bus)

	var (
		sandbox  *fstools.Sandbox
		builtins []catalog.ToolDescriptor
	)
	if cfg.Agent.FSRoot != "" {
		sb, err := fstools.New(cfg.Agent.FSRoot, cfg.Agent.MaxReadBytes)
		if err != nil {
			return nil, maitrederr.Wrap(maitrederr.KindValidation, err, "file tools sandbox")
		}
		sandbox = sb
		builtins = fstools.Descriptors()
	}
	cat := catalog.New(builtins)

	disp := dispatch.New(cfg.MCP, breakers, bus,
		dispatch.WithToolsListener(cat.Publish))

	sel := selector.New(cfg.Selector, resolveJudge(cfg.Selector, reg), bus)

	return &Core{
		Bus:        bus,
		Breakers:   breakers,
		Registry:   reg,
		Catalog:    cat,
		Dispatcher: disp,
		Selector:   sel,
		Sandbox:    sandbox,
		loopCfg: agentloop.Config{
			MaxIterations: *cfg.Agent.MaxIterations,
			IdleTimeout:   cfg.Agent.ProviderIdleTimeout,
		},
	}, nil
}

// resolveJudge builds the selector's judge client. A missing or broken judge
// is not fatal: the selector degrades to its safe default.
func resolveJudge(cfg config.SelectorConfig, reg *registry.Registry) selector.Judge {
	if cfg.Mode == config.SelectorDisabled {
		return nil
	}
	if cfg.JudgeProvider == "" || cfg.JudgeModel == "" {
		slog.Warn("no judge model configured, selector will use safe defaults")
		return nil
	}
	judge, err := reg.Client(cfg.JudgeProvider, cfg.JudgeModel)
	if err != nil {
		slog.Warn("judge client unavailable, selector will use safe defaults",
			"provider", cfg.JudgeProvider, "model", cfg.JudgeModel, "error", err)
		return nil
	}
	return judge
}

// Start launches the provider probe scheduler and the MCP maintenance
// goroutines.
func (c *Core) Start(ctx context.Context) {
	c.Registry.Start(ctx)
	c.Dispatcher.Start(ctx)
}

// Close stops background work. The context bounds the dispatcher teardown.
func (c *Core) Close(ctx context.Context) error {
	err := c.Dispatcher.Close(ctx)
	c.Registry.Close()
	return err
}

// AgentLoop binds a loop to the registry stream for the given model spec.
func (c *Core) AgentLoop(spec registry.ModelSpec, opts registry.StreamOptions) *agentloop.Loop {
	complete := func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
		return c.Registry.ChatStream(ctx, spec, req, opts)
	}
	return c.AgentLoopWith(complete)
}

// AgentLoopWith binds a loop to an externally supplied completer. The runner
// uses this to route completions back through the gateway.
func (c *Core) AgentLoopWith(complete agentloop.Completer) *agentloop.Loop {
	var fs agentloop.FSRunner
	if c.Sandbox != nil {
		fs = c.Sandbox
	}
	return agentloop.New(c.loopCfg, complete, c.Dispatcher, fs, c.Bus)
}

// SystemStatus is the aggregate view served by the admin status endpoints.
type SystemStatus struct {
	Observability track.Snapshot          `json:"observability"`
	Breakers      []resilience.Snapshot   `json:"breakers"`
	Budget        registry.LedgerSnapshot `json:"budget"`
	Providers     []registry.Descriptor   `json:"providers"`
	MCPServers    []dispatch.ServerStatus `json:"mcp_servers"`
	CatalogSize   int                     `json:"catalog_size"`
	CatalogRev    string                  `json:"catalog_version"`
}

// Status collects a point-in-time view of every subsystem.
func (c *Core) Status() SystemStatus {
	snap := c.Catalog.Snapshot()
	return SystemStatus{
		Observability: c.Bus.ExportSnapshot(),
		Breakers:      c.Breakers.Snapshots(),
		Budget:        c.Registry.Ledger().Snapshot(),
		Providers:     c.Registry.Descriptors(),
		MCPServers:    c.Dispatcher.Roster(),
		CatalogSize:   len(snap.Descriptors()),
		CatalogRev:    snap.Version,
	}
}
