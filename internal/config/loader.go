package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variable names recognised by [ApplyEnv].
const (
	EnvAuthToken      = "ROUTER_AUTH_TOKEN"
	EnvMaxConcurrency = "ROUTER_MAX_CONCURRENCY"
	EnvGatewayBase    = "GATEWAY_BASE"
	EnvRunnerBase     = "RUNNER_BASE"
	EnvFSRoot         = "AGENT_FS_ROOT"
	EnvMaxReadBytes   = "AGENT_MAX_READ_BYTES"
	EnvMaxToolSteps   = "AGENT_MAX_TOOL_STEPS"
)

// Load reads the YAML configuration file at path, overlays environment
// variables, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, overlays environment
// variables, applies defaults, and validates the result. Useful in tests
// where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays recognised environment variables onto cfg. Environment
// values win over file values. Provider API keys are resolved per provider as
// <ID>_API_KEY (upper-cased ID).
func ApplyEnv(cfg *Config) {
	if v := os.Getenv(EnvAuthToken); v != "" {
		cfg.Gateway.AuthToken = v
	}
	if v := os.Getenv(EnvMaxConcurrency); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Gateway.MaxConcurrency = n
		}
	}
	if v := os.Getenv(EnvGatewayBase); v != "" {
		cfg.Runner.GatewayBase = v
	}
	if v := os.Getenv(EnvRunnerBase); v != "" {
		cfg.Gateway.RunnerBase = v
	}
	if v := os.Getenv(EnvFSRoot); v != "" {
		cfg.Agent.FSRoot = v
	}
	if v := os.Getenv(EnvMaxReadBytes); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Agent.MaxReadBytes = n
		}
	}
	if v := os.Getenv(EnvMaxToolSteps); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Agent.MaxIterations = &n
		}
	}
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.APIKey == "" {
			p.APIKey = os.Getenv(envKeyName(p.ID))
		}
	}
}

// envKeyName maps a provider ID to its API-key environment variable
// (e.g. "openai" → "OPENAI_API_KEY").
func envKeyName(id string) string {
	out := make([]byte, 0, len(id)+8)
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z':
			out = append(out, c-'a'+'A')
		case (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9'):
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out) + "_API_KEY"
}

// ApplyDefaults fills zero-valued tunables with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Gateway.ListenAddr == "" {
		cfg.Gateway.ListenAddr = ":8080"
	}
	if cfg.Gateway.MaxConcurrency <= 0 {
		cfg.Gateway.MaxConcurrency = 64
	}
	if cfg.Gateway.RequestTimeout <= 0 {
		cfg.Gateway.RequestTimeout = 300 * time.Second
	}
	if cfg.Runner.ListenAddr == "" {
		cfg.Runner.ListenAddr = ":8091"
	}
	if cfg.Selector.Mode == "" {
		cfg.Selector.Mode = SelectorModerate
	}
	if cfg.Selector.ConfidenceThreshold <= 0 {
		cfg.Selector.ConfidenceThreshold = 0.75
	}
	if cfg.Selector.MaxTools <= 0 {
		cfg.Selector.MaxTools = 24
	}
	if cfg.Selector.CacheTTL <= 0 {
		cfg.Selector.CacheTTL = 5 * time.Minute
	}
	if cfg.Selector.Timeout <= 0 {
		cfg.Selector.Timeout = 5 * time.Second
	}
	if cfg.MCP.HandshakeTimeout <= 0 {
		cfg.MCP.HandshakeTimeout = 10 * time.Second
	}
	if cfg.MCP.CallTimeout <= 0 {
		cfg.MCP.CallTimeout = 30 * time.Second
	}
	if cfg.MCP.ShutdownGrace <= 0 {
		cfg.MCP.ShutdownGrace = 5 * time.Second
	}
	for i := range cfg.MCP.Servers {
		if cfg.MCP.Servers[i].MaxInflight <= 0 {
			cfg.MCP.Servers[i].MaxInflight = 8
		}
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.HalfOpenSuccessThreshold <= 0 {
		cfg.Breaker.HalfOpenSuccessThreshold = 3
	}
	if cfg.Breaker.Cooldown <= 0 {
		cfg.Breaker.Cooldown = 30 * time.Second
	}
	if cfg.Breaker.MaxCooldown <= 0 {
		cfg.Breaker.MaxCooldown = 5 * time.Minute
	}
	if cfg.Budget.FailOpenOnBudgetError == nil {
		t := true
		cfg.Budget.FailOpenOnBudgetError = &t
	}
	if cfg.Agent.MaxIterations == nil {
		n := 6
		cfg.Agent.MaxIterations = &n
	}
	if cfg.Agent.MaxReadBytes <= 0 {
		cfg.Agent.MaxReadBytes = 1 << 20
	}
	if cfg.Agent.ProviderIdleTimeout <= 0 {
		cfg.Agent.ProviderIdleTimeout = 120 * time.Second
	}
	for i := range cfg.Providers {
		if cfg.Providers[i].ProbeInterval <= 0 {
			cfg.Providers[i].ProbeInterval = 60 * time.Second
		}
	}
	if cfg.Track.EventBuffer <= 0 {
		cfg.Track.EventBuffer = 2048
	}
	if cfg.Track.LifecycleBuffer <= 0 {
		cfg.Track.LifecycleBuffer = 512
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Gateway.LogLevel != "" && !cfg.Gateway.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("gateway.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Gateway.LogLevel))
	}
	if !cfg.Selector.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("selector.mode %q is invalid; valid values: aggressive, moderate, disabled", cfg.Selector.Mode))
	}

	providerIDs := make(map[string]int, len(cfg.Providers))
	for i, p := range cfg.Providers {
		prefix := fmt.Sprintf("providers[%d]", i)
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else if prev, ok := providerIDs[p.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of providers[%d]", prefix, p.ID, prev))
		} else {
			providerIDs[p.ID] = i
		}
		if !p.Kind.IsValid() {
			errs = append(errs, fmt.Errorf("%s.kind %q is invalid; valid values: local, remote", prefix, p.Kind))
		}
		if p.Kind == KindLocal && p.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s: local providers require base_url", prefix))
		}
		if len(p.Models) == 0 {
			errs = append(errs, fmt.Errorf("%s.models must list at least one model", prefix))
		}
	}

	serverNames := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else if prev, ok := serverNames[srv.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
		} else {
			serverNames[srv.Name] = i
		}
		if !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http, websocket, unix", prefix, srv.Transport))
		}
		switch srv.Transport {
		case TransportStdio:
			if srv.Command == "" {
				errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
			}
		case TransportStreamableHTTP, TransportWebSocket:
			if srv.URL == "" {
				errs = append(errs, fmt.Errorf("%s.url is required when transport is %s", prefix, srv.Transport))
			}
		case TransportUnix:
			if srv.SocketPath == "" {
				errs = append(errs, fmt.Errorf("%s.socket_path is required when transport is unix", prefix))
			}
		}
	}

	for tier := range cfg.Routing.Tiers {
		if !tier.IsValid() {
			errs = append(errs, fmt.Errorf("routing.tiers key %q is invalid; valid values: speed, balanced, high", tier))
		}
	}
	if cfg.Routing.AllowFallback && cfg.Routing.FallbackModel == "" {
		errs = append(errs, fmt.Errorf("routing.allow_fallback requires routing.fallback_model"))
	}

	return errors.Join(errs...)
}
