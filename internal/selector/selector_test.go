package selector

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/maitred-dev/maitred/internal/catalog"
	"github.com/maitred-dev/maitred/internal/config"
	"github.com/maitred-dev/maitred/internal/mcp"
	"github.com/maitred-dev/maitred/pkg/provider/llm"
)

// fakeJudge scripts one verdict per call.
type fakeJudge struct {
	resp  *llm.CompletionResponse
	err   error
	caps  llm.ModelCapabilities
	calls int
}

func (j *fakeJudge) Complete(_ context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
	j.calls++
	return j.resp, j.err
}

func (j *fakeJudge) Capabilities() llm.ModelCapabilities { return j.caps }

func testSnapshot() *catalog.Snapshot {
	c := catalog.New(nil)
	c.Publish("identity", "identity", []mcp.ToolInfo{{Name: "whoami"}})
	c.Publish("search", "search", []mcp.ToolInfo{{Name: "query"}, {Name: "news"}})
	c.Publish("time", "time", []mcp.ToolInfo{{Name: "now"}})
	return c.Snapshot()
}

func testConfig(mode config.SelectorMode) config.SelectorConfig {
	return config.SelectorConfig{
		Mode:                mode,
		ConfidenceThreshold: 0.75,
		MaxTools:            24,
		CacheTTL:            time.Minute,
		CoreServers:         []string{"identity"},
		Timeout:             time.Second,
	}
}

func userMsg(content string) []llm.Message {
	return []llm.Message{{Role: "user", Content: content}}
}

func hasServer(sel Selection, name string) bool {
	for _, s := range sel.TargetServers {
		if s == name {
			return true
		}
	}
	return false
}

func TestDisabledModePassesEverything(t *testing.T) {
	t.Parallel()

	judge := &fakeJudge{}
	s := New(testConfig(config.SelectorDisabled), judge, nil)
	snap := testSnapshot()

	sel := s.Select(context.Background(), userMsg("anything"), snap)
	if len(sel.TargetServers) != 3 {
		t.Errorf("TargetServers = %v, want all servers", sel.TargetServers)
	}
	if len(sel.Tools) != len(snap.Descriptors()) {
		t.Errorf("Tools = %d, want the full catalog", len(sel.Tools))
	}
	if judge.calls != 0 {
		t.Error("disabled mode must not call the judge")
	}
}

func TestJudgeFailureDegradesToCoreServers(t *testing.T) {
	t.Parallel()

	judge := &fakeJudge{err: errors.New("judge down")}
	s := New(testConfig(config.SelectorAggressive), judge, nil)

	sel := s.Select(context.Background(), userMsg("find me news"), testSnapshot())
	if len(sel.TargetServers) != 1 || sel.TargetServers[0] != "identity" {
		t.Errorf("degraded TargetServers = %v, want core set only", sel.TargetServers)
	}
	if sel.Confidence != 0 {
		t.Errorf("degraded Confidence = %v, want 0", sel.Confidence)
	}
}

func TestNilJudgeDegradesToCoreServers(t *testing.T) {
	t.Parallel()

	s := New(testConfig(config.SelectorModerate), nil, nil)
	sel := s.Select(context.Background(), userMsg("hello"), testSnapshot())
	if len(sel.TargetServers) != 1 || sel.TargetServers[0] != "identity" {
		t.Errorf("TargetServers = %v, want core set only", sel.TargetServers)
	}
}

func TestAggressiveTrustsConfidentVerdict(t *testing.T) {
	t.Parallel()

	judge := &fakeJudge{resp: &llm.CompletionResponse{
		Content: `{"servers":["search"],"tier":"high","confidence":0.9}`,
	}}
	s := New(testConfig(config.SelectorAggressive), judge, nil)

	sel := s.Select(context.Background(), userMsg("latest headlines"), testSnapshot())
	if !hasServer(sel, "search") || !hasServer(sel, "identity") {
		t.Errorf("TargetServers = %v, want search + core", sel.TargetServers)
	}
	if hasServer(sel, "time") {
		t.Errorf("TargetServers = %v, confident aggressive verdict must exclude time", sel.TargetServers)
	}
	if sel.RecommendedTier != config.TierHigh {
		t.Errorf("RecommendedTier = %q, want high", sel.RecommendedTier)
	}
}

func TestAggressiveLowConfidenceWidens(t *testing.T) {
	t.Parallel()

	judge := &fakeJudge{resp: &llm.CompletionResponse{
		Content: `{"servers":["search"],"tier":"balanced","confidence":0.3}`,
	}}
	s := New(testConfig(config.SelectorAggressive), judge, nil)

	// Query mentions the "time" category, which the keyword pass picks up.
	sel := s.Select(context.Background(), userMsg("what time is it in tokyo"), testSnapshot())
	if !hasServer(sel, "time") {
		t.Errorf("TargetServers = %v, low confidence must union category matches", sel.TargetServers)
	}
}

func TestLogprobOverridesSelfReportedConfidence(t *testing.T) {
	t.Parallel()

	logprob := math.Log(0.95)
	judge := &fakeJudge{
		resp: &llm.CompletionResponse{
			Content:           `{"servers":["search"],"confidence":0.1}`,
			FirstTokenLogprob: logprob,
		},
		caps: llm.ModelCapabilities{SupportsLogprobs: true},
	}
	s := New(testConfig(config.SelectorAggressive), judge, nil)

	sel := s.Select(context.Background(), userMsg("search something"), testSnapshot())
	if math.Abs(sel.Confidence-0.95) > 1e-9 {
		t.Errorf("Confidence = %v, want exp(logprob) ≈ 0.95", sel.Confidence)
	}
}

func TestJudgeInventedServersAreDropped(t *testing.T) {
	t.Parallel()

	judge := &fakeJudge{resp: &llm.CompletionResponse{
		Content: `{"servers":["search","made-up"],"confidence":0.9}`,
	}}
	s := New(testConfig(config.SelectorAggressive), judge, nil)

	sel := s.Select(context.Background(), userMsg("query"), testSnapshot())
	if hasServer(sel, "made-up") {
		t.Errorf("TargetServers = %v, invented names must be clamped", sel.TargetServers)
	}
}

func TestJudgeProseWrappedJSONIsTolerated(t *testing.T) {
	t.Parallel()

	judge := &fakeJudge{resp: &llm.CompletionResponse{
		Content: "Sure! Here is my verdict:\n```json\n{\"servers\":[\"search\"],\"confidence\":0.8}\n```",
	}}
	s := New(testConfig(config.SelectorAggressive), judge, nil)

	sel := s.Select(context.Background(), userMsg("query"), testSnapshot())
	if !hasServer(sel, "search") {
		t.Errorf("TargetServers = %v, fenced JSON must parse", sel.TargetServers)
	}
}

func TestSelectionCache(t *testing.T) {
	t.Parallel()

	judge := &fakeJudge{resp: &llm.CompletionResponse{
		Content: `{"servers":["search"],"confidence":0.9}`,
	}}
	s := New(testConfig(config.SelectorAggressive), judge, nil)
	snap := testSnapshot()

	first := s.Select(context.Background(), userMsg("find cats"), snap)
	if first.Cached {
		t.Error("first selection must not be cached")
	}
	// Same query modulo whitespace and case hits the cache.
	second := s.Select(context.Background(), userMsg("  Find   CATS "), snap)
	if !second.Cached {
		t.Error("normalized repeat query must hit the cache")
	}
	if judge.calls != 1 {
		t.Errorf("judge calls = %d, want 1", judge.calls)
	}

	// A catalog republish changes the version and invalidates the entry.
	c := catalog.New(nil)
	c.Publish("search", "search", []mcp.ToolInfo{{Name: "query"}})
	third := s.Select(context.Background(), userMsg("find cats"), c.Snapshot())
	if third.Cached {
		t.Error("selection against a new catalog version must not be cached")
	}
}

func TestCacheEntryExpires(t *testing.T) {
	t.Parallel()

	judge := &fakeJudge{resp: &llm.CompletionResponse{
		Content: `{"servers":["search"],"confidence":0.9}`,
	}}
	cfg := testConfig(config.SelectorAggressive)
	cfg.CacheTTL = time.Minute
	s := New(cfg, judge, nil)
	snap := testSnapshot()

	base := time.Now()
	s.now = func() time.Time { return base }
	s.Select(context.Background(), userMsg("q"), snap)

	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	sel := s.Select(context.Background(), userMsg("q"), snap)
	if sel.Cached {
		t.Error("expired cache entry must be discarded")
	}
	if judge.calls != 2 {
		t.Errorf("judge calls = %d, want 2", judge.calls)
	}
}

func TestModerateCapsToolCount(t *testing.T) {
	t.Parallel()

	judge := &fakeJudge{resp: &llm.CompletionResponse{
		Content: `{"servers":["search","time"],"confidence":0.9}`,
	}}
	cfg := testConfig(config.SelectorModerate)
	cfg.MaxTools = 2
	s := New(cfg, judge, nil)

	sel := s.Select(context.Background(), userMsg("busy query"), testSnapshot())
	if len(sel.Tools) > 2 {
		t.Errorf("Tools = %d entries, want at most 2", len(sel.Tools))
	}
}

func TestRecordSuccessFeedsRecallHints(t *testing.T) {
	t.Parallel()

	judge := &fakeJudge{resp: &llm.CompletionResponse{
		Content: `{"servers":[],"confidence":0.9}`,
	}}
	s := New(testConfig(config.SelectorAggressive), judge, nil)

	s.RecordSuccess(userMsg("weather in berlin today"), []string{"search"})

	s.mu.Lock()
	hints := s.recall.match("weather forecast")
	s.mu.Unlock()
	if len(hints) != 1 || hints[0] != "search" {
		t.Errorf("recall hints = %v, want [search]", hints)
	}
}
