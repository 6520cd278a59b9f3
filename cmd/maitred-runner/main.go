// Command maitred-runner hosts the agent loop and the MCP tool plane as a
// separate process. The gateway forwards agent requests here; the runner can
// route model turns back through the gateway or complete them with its own
// provider registry.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maitred-dev/maitred/internal/config"
	"github.com/maitred-dev/maitred/internal/core"
	"github.com/maitred-dev/maitred/internal/gatewayclient"
	"github.com/maitred-dev/maitred/internal/runner"
	"github.com/maitred-dev/maitred/internal/track"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

const (
	exitOK       = 0
	exitConfig   = 64
	exitBind     = 65
	exitInternal = 70
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "maitred-runner: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "maitred-runner: %v\n", err)
		}
		return exitConfig
	}
	if cfg.Runner.ListenAddr == "" {
		fmt.Fprintln(os.Stderr, "maitred-runner: runner.listen_addr is not configured")
		return exitConfig
	}

	slog.SetDefault(newLogger(cfg.Gateway.LogLevel))
	slog.Info("maitred runner starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Runner.ListenAddr,
		"gateway_base", cfg.Runner.GatewayBase,
		"mcp_servers", len(cfg.MCP.Servers),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := track.InitProvider(ctx, track.ProviderConfig{
		ServiceName:    "maitred-runner",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("telemetry init failed", "err", err)
		return exitInternal
	}

	store, err := config.NewStore(cfg)
	if err != nil {
		slog.Error("config snapshot rejected", "err", err)
		return exitConfig
	}
	watcher, err := config.NewWatcher(*configPath, store)
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	c, err := core.New(cfg)
	if err != nil {
		slog.Error("core assembly failed", "err", err)
		return exitInternal
	}
	c.Start(ctx)

	// Surface a misconfigured gateway base at boot instead of on the first
	// agent request. Failure is logged, not fatal: the gateway may simply
	// start after us.
	if cfg.Runner.GatewayBase != "" {
		probe, err := gatewayclient.New(cfg.Runner.GatewayBase, "agent:mcp",
			gatewayclient.WithAuthToken(cfg.Gateway.AuthToken))
		if err != nil {
			slog.Error("gateway base rejected", "err", err)
			return exitConfig
		}
		if err := probe.Probe(ctx); err != nil {
			slog.Warn("gateway not reachable yet", "base", cfg.Runner.GatewayBase, "err", err)
		}
	}

	mux := http.NewServeMux()
	runner.New(store, c).Register(mux)
	handler := track.Middleware(c.Bus.Metrics())(mux)

	ln, err := net.Listen("tcp", cfg.Runner.ListenAddr)
	if err != nil {
		slog.Error("cannot bind listen address", "addr", cfg.Runner.ListenAddr, "err", err)
		return exitBind
	}
	srv := &http.Server{Handler: handler}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	slog.Info("runner listening", "addr", ln.Addr().String())

	code := exitOK
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("serve error", "err", err)
			code = exitInternal
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "err", err)
	}
	if err := c.Close(shutdownCtx); err != nil {
		slog.Warn("core shutdown incomplete", "err", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown incomplete", "err", err)
	}
	slog.Info("goodbye")
	return code
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
