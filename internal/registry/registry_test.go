package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/maitred-dev/maitred/internal/config"
	"github.com/maitred-dev/maitred/internal/maitrederr"
	"github.com/maitred-dev/maitred/internal/resilience"
	"github.com/maitred-dev/maitred/internal/track"
	"github.com/maitred-dev/maitred/pkg/provider/llm"
	"github.com/maitred-dev/maitred/pkg/provider/llm/mock"
)

// testHarness wires a registry over mock providers: one governed remote
// ("cloud" serving "big") and one local ("ollama" serving "small").
type testHarness struct {
	reg    *Registry
	cloud  *mock.Provider
	local  *mock.Provider
	ledger *BudgetLedger
}

func newHarness(t *testing.T, routing config.RoutingConfig, budget config.BudgetConfig) *testHarness {
	t.Helper()

	h := &testHarness{
		cloud: &mock.Provider{ModelCapabilities: llm.ModelCapabilities{MaxOutputTokens: 10}},
		local: &mock.Provider{ModelCapabilities: llm.ModelCapabilities{MaxOutputTokens: 10}},
	}
	bus := track.NewBus()
	h.ledger = NewBudgetLedger(budget, bus)
	breakers := resilience.NewRegistry(resilience.Config{
		FailureThreshold: 2,
		Cooldown:         time.Hour,
	}, bus)

	providers := []config.ProviderConfig{
		{ID: "cloud", Kind: config.KindRemote, APIKey: "k", Models: []string{"big"}},
		{ID: "ollama", Kind: config.KindLocal, BaseURL: "http://localhost:11434", Models: []string{"small"}},
	}
	h.reg = New(providers, routing, h.ledger, breakers, bus,
		WithFactory(func(cfg config.ProviderConfig, _ string) (llm.Provider, error) {
			switch cfg.ID {
			case "cloud":
				return h.cloud, nil
			default:
				return h.local, nil
			}
		}))
	return h
}

func defaultRouting() config.RoutingConfig {
	return config.RoutingConfig{
		DefaultModel:  "big",
		FallbackModel: "local:small",
		AllowFallback: true,
	}
}

func drain(t *testing.T, ch <-chan llm.Chunk) []llm.Chunk {
	t.Helper()
	var out []llm.Chunk
	timeout := time.After(2 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func TestResolvePrecedence(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultRouting(), config.BudgetConfig{})

	provider, model, err := h.reg.Resolve(ParseSpec(""))
	if err != nil || provider != "cloud" || model != "big" {
		t.Errorf("default spec → %s/%s (%v), want cloud/big", provider, model, err)
	}

	provider, _, err = h.reg.Resolve(ParseSpec("small"))
	if err != nil || provider != "ollama" {
		t.Errorf("bare local model → %s (%v), want ollama", provider, err)
	}

	provider, _, err = h.reg.Resolve(ParseSpec("local:small"))
	if err != nil || provider != "ollama" {
		t.Errorf("local: spec → %s (%v), want ollama", provider, err)
	}

	if _, _, err := h.reg.Resolve(ParseSpec("local:big")); maitrederr.KindOf(err) != maitrederr.KindNotFound {
		t.Errorf("local: spec for remote-only model = %v, want not_found", err)
	}
	if _, _, err := h.reg.Resolve(ParseSpec("nosuch:thing")); maitrederr.KindOf(err) != maitrederr.KindNotFound {
		t.Errorf("unknown provider = %v, want not_found", err)
	}
}

func TestModelsHidesUnavailableProviders(t *testing.T) {
	t.Parallel()

	providers := []config.ProviderConfig{
		{ID: "keyless", Kind: config.KindRemote, Models: []string{"big"}},
		{ID: "ollama", Kind: config.KindLocal, Models: []string{"small"}},
	}
	reg := New(providers, config.RoutingConfig{}, NewBudgetLedger(config.BudgetConfig{}, nil),
		resilience.NewRegistry(resilience.Config{}, nil), nil)

	models := reg.Models()
	if len(models) != 1 {
		t.Fatalf("Models() = %v, want only the local provider's model", models)
	}
	if models[0].ID != "ollama:small" {
		t.Errorf("model ID = %q, want ollama:small", models[0].ID)
	}
}

func TestChatStreamCommitsUsage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultRouting(), config.BudgetConfig{DailyLimitUnits: 1000})
	h.cloud.StreamChunks = []llm.Chunk{
		{Text: "hel"},
		{Text: "lo", FinishReason: "stop", Usage: &llm.Usage{TotalTokens: 25}},
	}

	ch, err := h.reg.ChatStream(context.Background(), ParseSpec("cloud:big"),
		llm.CompletionRequest{Messages: []llm.Message{{Role: "user", Content: "hi"}}},
		StreamOptions{})
	if err != nil {
		t.Fatalf("ChatStream = %v", err)
	}
	chunks := drain(t, ch)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}

	if spend := h.ledger.Snapshot().SpendUnits; spend != 25 {
		t.Errorf("ledger spend = %d, want 25 (usage committed)", spend)
	}
}

func TestChatStreamFallbackBeforeFirstToken(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultRouting(), config.BudgetConfig{})
	h.cloud.StreamErr = errors.New("connection refused")
	h.local.StreamChunks = []llm.Chunk{{Text: "fallback answer", FinishReason: "stop"}}

	ch, err := h.reg.ChatStream(context.Background(), ParseSpec("cloud:big"),
		llm.CompletionRequest{
			Messages: []llm.Message{{Role: "user", Content: "hi"}},
			Tools:    []llm.ToolDefinition{{Name: "mcp__search__query"}},
		},
		StreamOptions{AllowFallback: true})
	if err != nil {
		t.Fatalf("ChatStream should fall back, got error %v", err)
	}
	chunks := drain(t, ch)
	if len(chunks) != 1 || chunks[0].Text != "fallback answer" {
		t.Fatalf("fallback chunks = %+v", chunks)
	}

	if len(h.local.StreamCalls) != 1 {
		t.Fatalf("local provider calls = %d, want 1", len(h.local.StreamCalls))
	}
	if h.local.StreamCalls[0].Req.Tools != nil {
		t.Error("fallback request must drop tools")
	}
}

func TestChatStreamFallbackOnEarlyStreamError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultRouting(), config.BudgetConfig{})
	h.cloud.StreamChunks = []llm.Chunk{{FinishReason: "error", Text: "upstream 503"}}
	h.local.StreamChunks = []llm.Chunk{{Text: "rescued", FinishReason: "stop"}}

	ch, err := h.reg.ChatStream(context.Background(), ParseSpec("cloud:big"),
		llm.CompletionRequest{Messages: []llm.Message{{Role: "user", Content: "hi"}}},
		StreamOptions{AllowFallback: true})
	if err != nil {
		t.Fatalf("ChatStream = %v", err)
	}
	chunks := drain(t, ch)
	if len(chunks) != 1 || chunks[0].Text != "rescued" {
		t.Fatalf("chunks = %+v, want the fallback stream", chunks)
	}
}

func TestChatStreamNoFallbackAfterFirstToken(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultRouting(), config.BudgetConfig{})
	h.cloud.StreamChunks = []llm.Chunk{
		{Text: "partial "},
		{FinishReason: "error", Text: "mid-stream failure"},
	}
	h.local.StreamChunks = []llm.Chunk{{Text: "should not appear", FinishReason: "stop"}}

	ch, err := h.reg.ChatStream(context.Background(), ParseSpec("cloud:big"),
		llm.CompletionRequest{Messages: []llm.Message{{Role: "user", Content: "hi"}}},
		StreamOptions{AllowFallback: true})
	if err != nil {
		t.Fatalf("ChatStream = %v", err)
	}
	chunks := drain(t, ch)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want partial text then error", len(chunks))
	}
	if chunks[1].FinishReason != "error" {
		t.Errorf("terminal chunk = %+v, want verbatim error", chunks[1])
	}
	if len(h.local.StreamCalls) != 0 {
		t.Error("fallback must not engage once tokens went out")
	}
}

func TestChatStreamBreakerOpens(t *testing.T) {
	t.Parallel()

	routing := defaultRouting()
	routing.AllowFallback = false
	h := newHarness(t, routing, config.BudgetConfig{})
	h.cloud.StreamErr = errors.New("down")

	req := llm.CompletionRequest{Messages: []llm.Message{{Role: "user", Content: "hi"}}}
	for i := 0; i < 2; i++ {
		if _, err := h.reg.ChatStream(context.Background(), ParseSpec("cloud:big"), req, StreamOptions{}); err == nil {
			t.Fatal("expected stream start error")
		}
	}

	_, err := h.reg.ChatStream(context.Background(), ParseSpec("cloud:big"), req, StreamOptions{})
	if maitrederr.KindOf(err) != maitrederr.KindBreakerOpen {
		t.Fatalf("after threshold failures, err = %v, want breaker_open", err)
	}
}

func TestChatStreamNoFallbackOnNonTransientError(t *testing.T) {
	t.Parallel()

	for _, kind := range []maitrederr.Kind{maitrederr.KindAuth, maitrederr.KindValidation} {
		h := newHarness(t, defaultRouting(), config.BudgetConfig{})
		h.cloud.StreamErr = maitrederr.New(kind, "upstream rejected request")
		h.local.StreamChunks = []llm.Chunk{{Text: "must not appear", FinishReason: "stop"}}

		_, err := h.reg.ChatStream(context.Background(), ParseSpec("cloud:big"),
			llm.CompletionRequest{Messages: []llm.Message{{Role: "user", Content: "hi"}}},
			StreamOptions{AllowFallback: true})
		if maitrederr.KindOf(err) != kind {
			t.Errorf("%v error = %v, want the provider failure surfaced", kind, err)
		}
		if len(h.local.StreamCalls) != 0 {
			t.Errorf("%v error engaged fallback; misconfiguration must not be masked", kind)
		}
	}
}

func TestChatStreamBreakerOpenFallsBack(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultRouting(), config.BudgetConfig{})
	h.cloud.StreamErr = errors.New("down")
	h.local.StreamChunks = []llm.Chunk{{Text: "recovered locally", FinishReason: "stop"}}

	req := llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
		Tools:    []llm.ToolDefinition{{Name: "mcp__search__query"}},
	}
	for i := 0; i < 2; i++ {
		if _, err := h.reg.ChatStream(context.Background(), ParseSpec("cloud:big"), req, StreamOptions{}); err == nil {
			t.Fatal("expected stream start error")
		}
	}

	ch, err := h.reg.ChatStream(context.Background(), ParseSpec("cloud:big"), req,
		StreamOptions{AllowFallback: true})
	if err != nil {
		t.Fatalf("open breaker with fallback allowed = %v, want the local stream", err)
	}
	chunks := drain(t, ch)
	if len(chunks) != 1 || chunks[0].Text != "recovered locally" {
		t.Fatalf("chunks = %+v", chunks)
	}

	if calls := len(h.cloud.StreamCalls); calls != 2 {
		t.Errorf("cloud calls = %d, want 2 (open breaker short-circuits)", calls)
	}
	if len(h.local.StreamCalls) != 1 {
		t.Fatalf("local provider calls = %d, want 1", len(h.local.StreamCalls))
	}
	if h.local.StreamCalls[0].Req.Tools != nil {
		t.Error("fallback request must drop tools")
	}
}

func TestChatStreamBudgetDeniesRemoteOnly(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultRouting(), config.BudgetConfig{DailyLimitUnits: 5})
	h.cloud.TokenCount = 100
	h.local.StreamChunks = []llm.Chunk{{Text: "local ok", FinishReason: "stop"}}

	req := llm.CompletionRequest{Messages: []llm.Message{{Role: "user", Content: "hi"}}}
	_, err := h.reg.ChatStream(context.Background(), ParseSpec("cloud:big"), req, StreamOptions{})
	if maitrederr.KindOf(err) != maitrederr.KindBudgetExceeded {
		t.Fatalf("governed request = %v, want budget_exceeded", err)
	}

	// The local path is not budget gated.
	ch, err := h.reg.ChatStream(context.Background(), ParseSpec("local:small"), req, StreamOptions{})
	if err != nil {
		t.Fatalf("local request = %v, want admitted", err)
	}
	drain(t, ch)
}
