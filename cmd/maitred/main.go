// Command maitred is the public gateway: the OpenAI-compatible chat ingress
// with model routing, budget and breaker governance, and the agent loop.
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
	"github.com/maitred-dev/maitred/internal/gateway"
	"github.com/maitred-dev/maitred/internal/track"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

// Exit codes follow the sysexits convention for the two actionable failure
// classes (bad config, unusable port); everything else is an internal error.
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
			fmt.Fprintf(os.Stderr, "maitred: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "maitred: %v\n", err)
		}
		return exitConfig
	}

	slog.SetDefault(newLogger(cfg.Gateway.LogLevel))
	slog.Info("maitred gateway starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Gateway.ListenAddr,
		"providers", len(cfg.Providers),
		"mcp_servers", len(cfg.MCP.Servers),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry first: the core's metric instruments bind to the global meter
	// provider at construction.
	shutdownTelemetry, err := track.InitProvider(ctx, track.ProviderConfig{
		ServiceName:    "maitred",
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

	mux := http.NewServeMux()
	gateway.New(store, c, *configPath).Register(mux)
	handler := track.Middleware(c.Bus.Metrics())(mux)

	ln, err := net.Listen("tcp", cfg.Gateway.ListenAddr)
	if err != nil {
		slog.Error("cannot bind listen address", "addr", cfg.Gateway.ListenAddr, "err", err)
		return exitBind
	}
	srv := &http.Server{Handler: handler}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	slog.Info("gateway listening", "addr", ln.Addr().String())

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
