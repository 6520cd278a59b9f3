package runner

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/maitred-dev/maitred/internal/config"
	"github.com/maitred-dev/maitred/internal/core"
	"github.com/maitred-dev/maitred/internal/maitrederr"
	"github.com/maitred-dev/maitred/internal/mcp"
	"github.com/maitred-dev/maitred/internal/oaiwire"
)

const runnerYAML = `
providers:
  - id: ollama
    kind: local
    base_url: http://localhost:11434
    models: [small]
routing:
  default_model: small
selector:
  mode: disabled
mcp:
  servers:
    - name: search
      transport: stdio
      command: search-server
      disabled: true
`

func newTestMux(t *testing.T) *http.ServeMux {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(runnerYAML))
	if err != nil {
		t.Fatalf("config = %v", err)
	}
	store, err := config.NewStore(cfg)
	if err != nil {
		t.Fatalf("store = %v", err)
	}
	c, err := core.New(cfg)
	if err != nil {
		t.Fatalf("core = %v", err)
	}
	mux := http.NewServeMux()
	New(store, c).Register(mux)
	return mux
}

func do(mux *http.ServeMux, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	req.RemoteAddr = "127.0.0.1:1"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHealthReportsMCPCounts(t *testing.T) {
	t.Parallel()

	rec := do(newTestMux(t), http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	json.NewDecoder(rec.Body).Decode(&body)
	if body["ok"] != true || body["mcp_total"] != float64(1) {
		t.Errorf("body = %v", body)
	}
}

func TestAdminRequiresLoopbackWithoutToken(t *testing.T) {
	t.Parallel()

	mux := newTestMux(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/mcp", nil)
	req.RemoteAddr = "203.0.113.9:1"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("remote admin access = %d, want 401", rec.Code)
	}
}

func TestRoster(t *testing.T) {
	t.Parallel()

	rec := do(newTestMux(t), http.MethodGet, "/admin/mcp", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Servers []struct {
			Name  string `json:"name"`
			State string `json:"state"`
		} `json:"servers"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode = %v", err)
	}
	if len(body.Servers) != 1 || body.Servers[0].Name != "search" {
		t.Errorf("servers = %+v", body.Servers)
	}
}

func TestRestartRequiresServerName(t *testing.T) {
	t.Parallel()

	mux := newTestMux(t)
	if rec := do(mux, http.MethodPost, "/admin/mcp/restart", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty restart = %d, want 400", rec.Code)
	}
	if rec := do(mux, http.MethodPost, "/admin/mcp/restart", `{"server":"search"}`); rec.Code != http.StatusOK {
		t.Errorf("restart = %d, want 200", rec.Code)
	}
}

func TestToolCallValidation(t *testing.T) {
	t.Parallel()

	mux := newTestMux(t)
	if rec := do(mux, http.MethodPost, "/admin/mcp/tool", `{"server":"search"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing tool = %d, want 400", rec.Code)
	}
	if rec := do(mux, http.MethodPost, "/admin/mcp/tool", `{not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body = %d, want 400", rec.Code)
	}
}

func TestToolCallOnDisabledServer(t *testing.T) {
	t.Parallel()

	rec := do(newTestMux(t), http.MethodPost, "/admin/mcp/tool",
		`{"server":"search","tool":"query"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for a disabled server", rec.Code)
	}
	var body oaiwire.ErrorBody
	json.NewDecoder(rec.Body).Decode(&body)
	if body.Error.Code != "not_found" {
		t.Errorf("code = %q", body.Error.Code)
	}
}

func TestBreakersListAndReset(t *testing.T) {
	t.Parallel()

	mux := newTestMux(t)
	if rec := do(mux, http.MethodGet, "/admin/breakers", ""); rec.Code != http.StatusOK {
		t.Errorf("list = %d", rec.Code)
	}
	if rec := do(mux, http.MethodPost, "/admin/breakers/reset", ""); rec.Code != http.StatusOK {
		t.Errorf("reset all = %d", rec.Code)
	}
	if rec := do(mux, http.MethodPost, "/admin/breakers/reset", `{"target":"mcp:search"}`); rec.Code != http.StatusOK {
		t.Errorf("reset one = %d", rec.Code)
	}
}

func TestAgentRejectsEmptyMessages(t *testing.T) {
	t.Parallel()

	rec := do(newTestMux(t), http.MethodPost, "/v1/agent/completions",
		`{"model":"agent:mcp","messages":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestKindForClass(t *testing.T) {
	t.Parallel()

	cases := map[mcp.ErrorClass]maitrederr.Kind{
		mcp.ClassTimeout:     maitrederr.KindTimeout,
		mcp.ClassCancelled:   maitrederr.KindCancelled,
		mcp.ClassDisabled:    maitrederr.KindNotFound,
		mcp.ClassUnreachable: maitrederr.KindUnavailable,
		mcp.ClassProtocol:    maitrederr.KindUnavailable,
	}
	for class, want := range cases {
		if got := kindForClass(class); got != want {
			t.Errorf("kindForClass(%s) = %v, want %v", class, got, want)
		}
	}
}
