// Package config provides the configuration schema, loader, atomic snapshot
// store, and file watcher for the maitred gateway and runner.
//
// Configuration is read-mostly: a request captures one immutable [Snapshot]
// at admission and observes it unchanged until completion. Mutations (reload
// endpoint or file watcher) are single-writer atomic swaps via [Store].
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// QualityTier selects the role→model mapping for a request.
type QualityTier string

const (
	TierSpeed    QualityTier = "speed"
	TierBalanced QualityTier = "balanced"
	TierHigh     QualityTier = "high"
)

// IsValid reports whether q is a recognised quality tier.
func (q QualityTier) IsValid() bool {
	switch q {
	case TierSpeed, TierBalanced, TierHigh:
		return true
	}
	return false
}

// SelectorMode controls how aggressively the tool selector filters.
type SelectorMode string

const (
	// SelectorAggressive uses the classifier recommendation alone once its
	// confidence clears the threshold.
	SelectorAggressive SelectorMode = "aggressive"

	// SelectorModerate unions the recommendation with category matches,
	// capped at MaxTools.
	SelectorModerate SelectorMode = "moderate"

	// SelectorDisabled passes the full catalog through unfiltered.
	SelectorDisabled SelectorMode = "disabled"
)

// IsValid reports whether m is a recognised selector mode.
func (m SelectorMode) IsValid() bool {
	switch m {
	case SelectorAggressive, SelectorModerate, SelectorDisabled:
		return true
	}
	return false
}

// Transport identifies the connection mechanism for an MCP server.
type Transport string

const (
	TransportStdio          Transport = "stdio"
	TransportStreamableHTTP Transport = "streamable-http"
	TransportWebSocket      Transport = "websocket"
	TransportUnix           Transport = "unix"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	switch t {
	case TransportStdio, TransportStreamableHTTP, TransportWebSocket, TransportUnix:
		return true
	}
	return false
}

// ProviderKind distinguishes the two provider classes the router multiplexes.
type ProviderKind string

const (
	// KindLocal is a cooperative endpoint on this host (no budget gate).
	KindLocal ProviderKind = "local"

	// KindRemote is a governed endpoint subject to the budget ledger and
	// circuit breakers.
	KindRemote ProviderKind = "remote"
)

// IsValid reports whether k is a recognised provider kind.
func (k ProviderKind) IsValid() bool {
	return k == KindLocal || k == KindRemote
}

// Config is the root configuration structure, typically loaded from a YAML
// file with [Load] and overlaid with environment variables by [ApplyEnv].
type Config struct {
	Gateway   GatewayConfig    `yaml:"gateway"`
	Runner    RunnerConfig     `yaml:"runner"`
	Providers []ProviderConfig `yaml:"providers"`
	Routing   RoutingConfig    `yaml:"routing"`
	Selector  SelectorConfig   `yaml:"selector"`
	MCP       MCPConfig        `yaml:"mcp"`
	Breaker   BreakerConfig    `yaml:"breaker"`
	Budget    BudgetConfig     `yaml:"budget"`
	Agent     AgentConfig      `yaml:"agent"`
	Track     TrackConfig      `yaml:"track"`
}

// GatewayConfig holds network, auth, and admission settings for the public
// ingress.
type GatewayConfig struct {
	// ListenAddr is the TCP address the gateway listens on (e.g. ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity for the whole process.
	LogLevel LogLevel `yaml:"log_level"`

	// AuthToken is the bearer secret for non-public endpoints. When empty,
	// only loopback clients are admitted. Overridable via ROUTER_AUTH_TOKEN.
	AuthToken string `yaml:"auth_token"`

	// MaxConcurrency caps in-flight requests across the gateway. Rejected
	// admissions return 429 with a Retry-After header. Overridable via
	// ROUTER_MAX_CONCURRENCY. Default: 64.
	MaxConcurrency int `yaml:"max_concurrency"`

	// RequestTimeout is the default per-request deadline. Default: 300s.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// RunnerBase is the base URL of the runner service. When set, agent
	// requests are forwarded there; when empty, the agent loop runs in
	// process. Overridable via RUNNER_BASE.
	RunnerBase string `yaml:"runner_base"`
}

// RunnerConfig holds settings for the internal runner service.
type RunnerConfig struct {
	// ListenAddr is the TCP address the runner listens on (e.g. ":8091").
	ListenAddr string `yaml:"listen_addr"`

	// GatewayBase is the base URL the runner uses to reach the gateway for
	// local-model completions. Overridable via GATEWAY_BASE.
	GatewayBase string `yaml:"gateway_base"`
}

// ProviderConfig describes one chat-completion backend.
type ProviderConfig struct {
	// ID is the unique provider identifier used in "provider:model" specs.
	ID string `yaml:"id"`

	// Kind is local (cooperative) or remote (governed).
	Kind ProviderKind `yaml:"kind"`

	// SDK selects the client implementation: "openai" for OpenAI-compatible
	// endpoints, or an any-llm vendor name (anthropic, mistral, groq, ...).
	SDK string `yaml:"sdk"`

	// BaseURL overrides the SDK's default endpoint. Required for local kind.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates against the backend. A remote provider with no
	// key available (here or via <ID>_API_KEY) is disabled, not fatal.
	APIKey string `yaml:"api_key"`

	// Models lists the model names this provider serves.
	Models []string `yaml:"models"`

	// ProbeInterval is how often the registry re-probes the provider's model
	// listing. Default: 60s.
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

// RoutingConfig maps request shapes to models.
type RoutingConfig struct {
	// DefaultModel serves requests whose model spec carries no prefix.
	DefaultModel string `yaml:"default_model"`

	// FallbackModel is the local chat completer used when a governed provider
	// fails before the first token. Tools are dropped on fallback.
	FallbackModel string `yaml:"fallback_model"`

	// AllowFallback enables the at-most-once fallback policy per request.
	AllowFallback bool `yaml:"allow_fallback"`

	// Tiers maps quality tiers to model specs for agent-role selection.
	Tiers map[QualityTier]string `yaml:"tiers"`
}

// SelectorConfig tunes the tool-selection classifier.
type SelectorConfig struct {
	// Mode is aggressive, moderate, or disabled. Default: moderate.
	Mode SelectorMode `yaml:"mode"`

	// JudgeProvider and JudgeModel name the fast classifier backend.
	JudgeProvider string `yaml:"judge_provider"`
	JudgeModel    string `yaml:"judge_model"`

	// ConfidenceThreshold gates aggressive mode. Default: 0.75.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`

	// MaxTools caps the effective tool set in moderate mode. Default: 24.
	MaxTools int `yaml:"max_tools"`

	// CacheTTL bounds selection cache entries. Default: 5m.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// CoreServers are always included and bypass classification
	// (identity, time, memory, thinking by convention).
	CoreServers []string `yaml:"core_servers"`

	// Timeout bounds one classifier call. Default: 5s.
	Timeout time.Duration `yaml:"timeout"`
}

// MCPServerConfig describes how to reach a single MCP server.
type MCPServerConfig struct {
	// Name is the unique server identifier; it becomes the middle segment of
	// canonical tool names (mcp__{name}__{tool}).
	Name string `yaml:"name"`

	// Transport selects the connection mechanism.
	Transport Transport `yaml:"transport"`

	// Command is the executable (plus arguments) for stdio transport.
	Command string `yaml:"command"`

	// URL is the endpoint for streamable-http and websocket transports.
	URL string `yaml:"url"`

	// SocketPath is the filesystem path for unix transport.
	SocketPath string `yaml:"socket_path"`

	// AuthToken is sent as a bearer credential where the transport allows.
	AuthToken string `yaml:"auth_token"`

	// Env holds extra environment variables for stdio servers.
	Env map[string]string `yaml:"env"`

	// Disabled hides the server from the catalog without removing its config.
	Disabled bool `yaml:"disabled"`

	// MaxInflight bounds concurrent calls to this server. Default: 8.
	MaxInflight int `yaml:"max_inflight"`

	// Category tags the server's tools for selector heuristics
	// (e.g. "search", "filesystem", "time").
	Category string `yaml:"category"`
}

// MCPConfig groups MCP transport settings.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`

	// HandshakeTimeout bounds initialize + tools/list. Default: 10s.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// CallTimeout bounds one tools/call. Default: 30s.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// ShutdownGrace is how long a stdio child gets between terminate and
	// kill. Default: 5s.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// BreakerConfig tunes the per-target circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is consecutive failures before opening. Default: 5.
	FailureThreshold int `yaml:"failure_threshold"`

	// HalfOpenSuccessThreshold is consecutive half-open successes before
	// closing. Default: 3.
	HalfOpenSuccessThreshold int `yaml:"half_open_success_threshold"`

	// Cooldown is the initial open duration; it doubles on each half-open
	// failure up to MaxCooldown. Defaults: 30s / 5m.
	Cooldown    time.Duration `yaml:"cooldown"`
	MaxCooldown time.Duration `yaml:"max_cooldown"`
}

// BudgetConfig tunes the remote-spend ledger.
type BudgetConfig struct {
	// DailyLimitUnits caps remote token spend per UTC day. Zero disables the
	// gate entirely.
	DailyLimitUnits int64 `yaml:"daily_limit_units"`

	// FailOpenOnBudgetError admits requests when the ledger itself is
	// failing. Every such admission logs a budget_bypass event. Default: true.
	FailOpenOnBudgetError *bool `yaml:"fail_open_on_budget_error"`

	// DenyStatusPaymentRequired renders ledger denials as 402 instead of 429.
	DenyStatusPaymentRequired bool `yaml:"deny_status_payment_required"`
}

// AgentConfig tunes the agent loop and its built-in file tools.
type AgentConfig struct {
	// MaxIterations bounds model/tool cycles per request. An explicit zero
	// behaves as a pure completion; unset gets the default of 6. Overridable
	// via AGENT_MAX_TOOL_STEPS.
	MaxIterations *int `yaml:"max_iterations"`

	// FSRoot is the sandbox root for fs__* tools. Empty disables them.
	// Overridable via AGENT_FS_ROOT.
	FSRoot string `yaml:"fs_root"`

	// MaxReadBytes caps fs__read_text responses. Overridable via
	// AGENT_MAX_READ_BYTES. Default: 1 MiB.
	MaxReadBytes int64 `yaml:"max_read_bytes"`

	// ProviderIdleTimeout bounds the gap between provider stream frames.
	// Default: 120s.
	ProviderIdleTimeout time.Duration `yaml:"provider_idle_timeout"`
}

// TrackConfig sizes the observability ring buffers.
type TrackConfig struct {
	// EventBuffer is the event ring capacity. Default: 2048.
	EventBuffer int `yaml:"event_buffer"`

	// LifecycleBuffer is the request-lifecycle ring capacity. Default: 512.
	LifecycleBuffer int `yaml:"lifecycle_buffer"`
}
