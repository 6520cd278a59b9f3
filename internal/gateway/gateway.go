// Package gateway implements the public HTTP ingress: the OpenAI-compatible
// chat-completions surface, the model listing, and the admin endpoints.
//
// The gateway validates and admits requests, resolves the model spec to the
// direct provider path or the agent loop, and renders either a buffered JSON
// envelope or server-sent events. It never retries user requests on its own;
// provider and agent failures are reported verbatim.
package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"golang.org/x/sync/semaphore"

	"github.com/maitred-dev/maitred/internal/config"
	"github.com/maitred-dev/maitred/internal/core"
	"github.com/maitred-dev/maitred/internal/maitrederr"
	"github.com/maitred-dev/maitred/internal/oaiwire"
	"github.com/maitred-dev/maitred/internal/track"
)

// Handler serves the gateway HTTP surface. Construct with [New] and mount via
// [Handler.Register].
type Handler struct {
	store *config.Store
	core  *core.Core

	// admit caps in-flight chat requests. Sized once at boot; a concurrency
	// change requires a restart.
	admit *semaphore.Weighted

	// proxy carries forwarded agent requests to the runner. No global timeout:
	// streams are bounded by the per-request context.
	proxy *http.Client

	// configPath is the file the reload endpoint re-reads.
	configPath string
}

// New creates a Handler over the config store and assembled core. configPath
// is the file re-read by the reload endpoint; empty disables reload.
func New(store *config.Store, c *core.Core, configPath string) *Handler {
	cfg := store.Snapshot().Config
	return &Handler{
		store:      store,
		core:       c,
		admit:      semaphore.NewWeighted(int64(cfg.Gateway.MaxConcurrency)),
		proxy:      &http.Client{},
		configPath: configPath,
	}
}

// Register mounts all gateway routes on mux. Health and metrics are public;
// everything else passes the bearer check.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /v1/chat/completions", h.auth(h.handleChat))
	mux.Handle("GET /v1/models", h.auth(h.handleModels))
	mux.Handle("POST /admin/reload", h.auth(h.handleReload))
	mux.Handle("GET /admin/system-status", h.auth(h.handleSystemStatus))
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.Handle("GET /metrics", track.MetricsHandler())
}

// auth enforces the bearer token in constant time. With no token configured,
// only loopback clients are admitted.
func (h *Handler) auth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := h.store.Snapshot().Config.Gateway.AuthToken
		if token == "" {
			if !isLoopback(r.RemoteAddr) {
				WriteError(w, maitrederr.New(maitrederr.KindAuth,
					"no auth token configured, remote access denied"), false)
				return
			}
			next(w, r)
			return
		}

		got, ok := bearerToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			WriteError(w, maitrederr.New(maitrederr.KindAuth,
				"missing or invalid bearer token"), false)
			return
		}
		next(w, r)
	})
}

// bearerToken extracts the credential from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		return "", false
	}
	return auth[len(prefix):], true
}

// isLoopback reports whether the remote address is a loopback interface.
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// handleHealth reports liveness.
func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "ok": true})
}

// handleModels aggregates the provider listing with the agent pseudo-models.
func (h *Handler) handleModels(w http.ResponseWriter, _ *http.Request) {
	list := oaiwire.ModelList{Object: "list"}
	for _, m := range h.core.Registry.Models() {
		list.Data = append(list.Data, oaiwire.ModelInfo{
			ID:      m.ID,
			Object:  m.Object,
			OwnedBy: m.OwnedBy,
		})
	}
	list.Data = append(list.Data, oaiwire.ModelInfo{
		ID:      "agent:mcp",
		Object:  "model",
		OwnedBy: "maitred",
	})
	writeJSON(w, http.StatusOK, list)
}

// handleReload re-reads the boot config file and swaps the store snapshot.
// The running core keeps its boot-time wiring; per-request settings (auth
// token, routing, selector tuning) take effect immediately.
func (h *Handler) handleReload(w http.ResponseWriter, _ *http.Request) {
	if h.configPath == "" {
		WriteError(w, maitrederr.New(maitrederr.KindValidation,
			"no config file to reload"), false)
		return
	}

	cfg, err := config.Load(h.configPath)
	if err != nil {
		WriteError(w, maitrederr.Wrap(maitrederr.KindValidation, err, "reload"), false)
		return
	}
	version, err := h.store.Swap(cfg)
	if err != nil {
		WriteError(w, maitrederr.Wrap(maitrederr.KindValidation, err, "reload"), false)
		return
	}
	slog.Info("configuration reloaded via admin endpoint", "version", version)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "version": version})
}

// handleSystemStatus reports the aggregate subsystem view.
func (h *Handler) handleSystemStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.core.Status())
}

// writeJSON writes v as a JSON response body with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response body", "error", err)
	}
}

// WriteError renders a classified error as the structured error body.
// BreakerOpen is rendered as Unavailable; it must not leak to clients.
// paymentRequired switches ledger denials from 429 to 402.
func WriteError(w http.ResponseWriter, err error, paymentRequired bool) {
	kind := maitrederr.KindOf(err)
	if kind == maitrederr.KindBreakerOpen {
		kind = maitrederr.KindUnavailable
	}
	status := kind.HTTPStatus()
	if kind == maitrederr.KindBudgetExceeded && paymentRequired {
		status = http.StatusPaymentRequired
	}

	detail := oaiwire.ErrorDetail{Code: kind.String(), Message: err.Error()}
	var me *maitrederr.Error
	if errors.As(err, &me) && me.RetryAfterSeconds > 0 {
		detail.RetryAfter = me.RetryAfterSeconds
		w.Header().Set("Retry-After", strconv.Itoa(me.RetryAfterSeconds))
	}
	writeJSON(w, status, oaiwire.ErrorBody{Error: detail})
}
