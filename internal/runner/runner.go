// Package runner implements the internal agent service: the agent-completions
// endpoint the gateway forwards to, plus the operational surface for MCP
// roster, breaker, and tool-dispatch administration.
//
// The runner owns the MCP connections and the agent loop. Model turns go
// through its own provider registry, or back through the gateway when a
// gateway base URL is configured so that budget and fallback policy stay in
// one process.
package runner

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/maitred-dev/maitred/internal/agentloop"
	"github.com/maitred-dev/maitred/internal/config"
	"github.com/maitred-dev/maitred/internal/core"
	"github.com/maitred-dev/maitred/internal/gateway"
	"github.com/maitred-dev/maitred/internal/gatewayclient"
	"github.com/maitred-dev/maitred/internal/maitrederr"
	"github.com/maitred-dev/maitred/internal/mcp"
	"github.com/maitred-dev/maitred/internal/oaiwire"
	"github.com/maitred-dev/maitred/internal/registry"
	"github.com/maitred-dev/maitred/internal/track"
	"github.com/maitred-dev/maitred/pkg/stream"
)

// Handler serves the runner HTTP surface.
type Handler struct {
	store *config.Store
	core  *core.Core

	mu        sync.Mutex
	gwClients map[string]*gatewayclient.Client
}

// New creates a Handler over the config store and assembled core.
func New(store *config.Store, c *core.Core) *Handler {
	return &Handler{
		store:     store,
		core:      c,
		gwClients: make(map[string]*gatewayclient.Client),
	}
}

// Register mounts all runner routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /v1/agent/completions", h.auth(h.handleAgent))
	mux.Handle("GET /admin/status", h.auth(h.handleStatus))
	mux.Handle("GET /admin/mcp", h.auth(h.handleRoster))
	mux.Handle("POST /admin/mcp/restart", h.auth(h.handleRestart))
	mux.Handle("POST /admin/mcp/tool", h.auth(h.handleToolCall))
	mux.Handle("GET /admin/breakers", h.auth(h.handleBreakers))
	mux.Handle("POST /admin/breakers/reset", h.auth(h.handleBreakerReset))
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.Handle("GET /metrics", track.MetricsHandler())
}

// auth mirrors the gateway's model: constant-time bearer check, loopback-only
// when no token is configured.
func (h *Handler) auth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := h.store.Snapshot().Config.Gateway.AuthToken
		if token == "" {
			if !isLoopback(r.RemoteAddr) {
				gateway.WriteError(w, maitrederr.New(maitrederr.KindAuth,
					"no auth token configured, remote access denied"), false)
				return
			}
			next(w, r)
			return
		}
		got, ok := bearerToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			gateway.WriteError(w, maitrederr.New(maitrederr.KindAuth,
				"missing or invalid bearer token"), false)
			return
		}
		next(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		return "", false
	}
	return auth[len(prefix):], true
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// handleAgent runs one agent request and renders the frame stream.
func (h *Handler) handleAgent(w http.ResponseWriter, r *http.Request) {
	cfg := h.store.Snapshot().Config

	var body oaiwire.ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<20)).Decode(&body); err != nil {
		gateway.WriteError(w, maitrederr.Wrap(maitrederr.KindValidation, err,
			"malformed request body"), false)
		return
	}
	if len(body.Messages) == 0 {
		gateway.WriteError(w, maitrederr.New(maitrederr.KindValidation,
			"messages must not be empty"), false)
		return
	}

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = track.NewRequestID()
	}
	w.Header().Set("X-Request-ID", requestID)

	ctx, cancel := context.WithTimeout(r.Context(), cfg.Gateway.RequestTimeout)
	defer cancel()
	h.core.Bus.BeginRequest(requestID)

	messages := oaiwire.ToLLMMessages(body.Messages)
	snap := h.core.Catalog.Snapshot()
	selection := h.core.Selector.Select(ctx, messages, snap)

	tier := resolveTier(r.Header.Get("X-Quality-Tier"), selection.RecommendedTier)
	spec := agentModelSpec(cfg.Routing, tier)

	req := agentloop.Request{
		RequestID: requestID,
		Messages:  messages,
		Tools:     selection.Tools,
		MaxTokens: body.MaxTokens,
	}
	if body.Temperature != nil {
		req.Temperature = *body.Temperature
	}

	loop, err := h.loopFor(cfg, spec, requestID)
	if err != nil {
		h.core.Bus.EndRequest(requestID, "error")
		gateway.WriteError(w, err, cfg.Budget.DenyStatusPaymentRequired)
		return
	}

	frames := make(chan stream.Frame, 32)
	go loop.Run(ctx, req, frames)

	model := body.Model
	if model == "" {
		model = "agent:mcp"
	}
	outcome, usedServers := gateway.RenderFrames(ctx, w, frames, model, requestID,
		body.Stream, cfg.Budget.DenyStatusPaymentRequired)
	if outcome == "ok" && len(usedServers) > 0 {
		h.core.Selector.RecordSuccess(messages, usedServers)
	}
	h.core.Bus.EndRequest(requestID, outcome)
}

// loopFor binds an agent loop to the configured completion path: the local
// registry by default, or a gateway-backed client when runner.gateway_base is
// set.
func (h *Handler) loopFor(cfg *config.Config, spec registry.ModelSpec, requestID string) (*agentloop.Loop, error) {
	if cfg.Runner.GatewayBase == "" {
		return h.core.AgentLoop(spec, registry.StreamOptions{
			AllowFallback: true,
			RequestID:     requestID,
		}), nil
	}
	client, err := h.gatewayClient(cfg, spec.Raw)
	if err != nil {
		return nil, err
	}
	return h.core.AgentLoopWith(client.StreamCompletion), nil
}

// gatewayClient returns (building if needed) the gateway-backed provider for
// one model spec.
func (h *Handler) gatewayClient(cfg *config.Config, model string) (*gatewayclient.Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.gwClients[model]; ok {
		return c, nil
	}
	c, err := gatewayclient.New(cfg.Runner.GatewayBase, model,
		gatewayclient.WithAuthToken(cfg.Gateway.AuthToken))
	if err != nil {
		return nil, maitrederr.Wrap(maitrederr.KindInternal, err, "gateway client")
	}
	h.gwClients[model] = c
	return c, nil
}

// handleHealth reports liveness and MCP readiness counts.
func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	ready := 0
	roster := h.core.Dispatcher.Roster()
	for _, s := range roster {
		if s.State == mcp.StateReady {
			ready++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"ok":        true,
		"mcp_ready": ready,
		"mcp_total": len(roster),
	})
}

// handleStatus reports the aggregate subsystem view.
func (h *Handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.core.Status())
}

// handleRoster reports the administrative state of every MCP server.
func (h *Handler) handleRoster(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"servers": h.core.Dispatcher.Roster(),
	})
}

// handleRestart forces a reconnect of one MCP server.
func (h *Handler) handleRestart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Server string `json:"server"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Server == "" {
		gateway.WriteError(w, maitrederr.New(maitrederr.KindValidation,
			"restart requires a server name"), false)
		return
	}
	h.core.Dispatcher.Restart(body.Server)
	slog.Info("mcp server restart requested", "server", body.Server)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleToolCall is the dispatch passthrough for operators: one tool call,
// bypassing the agent loop but not the breaker or semaphore.
func (h *Handler) handleToolCall(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Server    string         `json:"server"`
		Tool      string         `json:"tool"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		gateway.WriteError(w, maitrederr.Wrap(maitrederr.KindValidation, err,
			"malformed tool call body"), false)
		return
	}
	if body.Server == "" || body.Tool == "" {
		gateway.WriteError(w, maitrederr.New(maitrederr.KindValidation,
			"server and tool are required"), false)
		return
	}

	result, err := h.core.Dispatcher.Call(r.Context(), body.Server, body.Tool, body.Arguments)
	if err != nil {
		gateway.WriteError(w, maitrederr.Wrap(kindForClass(mcp.ClassOf(err)), err,
			"dispatch %s/%s", body.Server, body.Tool), false)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"content":     result.Content,
		"is_error":    result.IsError,
		"duration_ms": result.DurationMs,
	})
}

// handleBreakers reports every breaker snapshot.
func (h *Handler) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"breakers": h.core.Breakers.Snapshots(),
	})
}

// handleBreakerReset resets one breaker, or all when no target is named.
func (h *Handler) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Target string `json:"target"`
	}
	// An empty or absent body resets everything.
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Target == "" {
		h.core.Breakers.ResetAll()
	} else {
		h.core.Breakers.Reset(body.Target)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response body", "error", err)
	}
}

// resolveTier prefers the forwarded header over the selector recommendation.
func resolveTier(header string, recommended config.QualityTier) config.QualityTier {
	if t := config.QualityTier(header); t.IsValid() {
		return t
	}
	if recommended.IsValid() {
		return recommended
	}
	return config.TierBalanced
}

// agentModelSpec resolves the model serving an agent request for the tier.
func agentModelSpec(routing config.RoutingConfig, tier config.QualityTier) registry.ModelSpec {
	if raw, ok := routing.Tiers[tier]; ok && raw != "" {
		return registry.ParseSpec(raw)
	}
	return registry.ParseSpec(routing.DefaultModel)
}

// kindForClass maps an MCP error class to the client-facing error kind.
func kindForClass(class mcp.ErrorClass) maitrederr.Kind {
	switch class {
	case mcp.ClassTimeout:
		return maitrederr.KindTimeout
	case mcp.ClassCancelled:
		return maitrederr.KindCancelled
	case mcp.ClassDisabled:
		return maitrederr.KindNotFound
	}
	return maitrederr.KindUnavailable
}
