// Package selector implements the maître d': a fast classifier that, given a
// user query and the current tool catalog, picks the MCP servers worth
// offering to the model and a recommended quality tier.
//
// The classifier is a cheap judge model called with temperature zero and a
// strict JSON response shape. Its first-token log-probability, when the
// backend supports it, is converted to a confidence via exp(logprob). On any
// judge failure the selector degrades to the core server set and never fails
// the enclosing request.
package selector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/maitred-dev/maitred/internal/catalog"
	"github.com/maitred-dev/maitred/internal/config"
	"github.com/maitred-dev/maitred/internal/track"
	"github.com/maitred-dev/maitred/pkg/provider/llm"
)

// Selection is the maître d's verdict for one request.
type Selection struct {
	// TargetServers is the clamped server set, always including core servers.
	TargetServers []string

	// RecommendedTier is the judge's quality recommendation, empty when the
	// judge did not produce one.
	RecommendedTier config.QualityTier

	// Confidence is in [0,1]. Derived from exp(first token logprob) when
	// available, otherwise from the judge's self-reported value.
	Confidence float64

	// Tools is the effective tool set after filtering the catalog.
	Tools []catalog.ToolDescriptor

	// Cached reports whether this selection came from the TTL cache.
	Cached bool
}

// Judge is the subset of [llm.Provider] the selector needs. The registry's
// client for the configured judge provider/model satisfies it.
type Judge interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
	Capabilities() llm.ModelCapabilities
}

// Selector classifies requests against catalog snapshots. Safe for
// concurrent use.
type Selector struct {
	cfg   config.SelectorConfig
	judge Judge
	bus   *track.Bus

	mu     sync.Mutex
	cache  map[string]cacheEntry
	recall *recallRing

	now func() time.Time
}

type cacheEntry struct {
	sel     Selection
	expires time.Time
}

// New creates a Selector. judge may be nil, in which case every selection
// degrades to the safe default (core servers only) unless mode is disabled.
func New(cfg config.SelectorConfig, judge Judge, bus *track.Bus) *Selector {
	return &Selector{
		cfg:    cfg,
		judge:  judge,
		bus:    bus,
		cache:  make(map[string]cacheEntry),
		recall: newRecallRing(32),
		now:    time.Now,
	}
}

// judgeResponse is the strict JSON shape the judge must produce.
type judgeResponse struct {
	Servers    []string `json:"servers"`
	Tier       string   `json:"tier"`
	Confidence float64  `json:"confidence"`
}

// Select produces the effective tool set for a request. It never returns an
// error: judge failures degrade to the core-only set and are logged as
// selector_failure events.
func (s *Selector) Select(ctx context.Context, messages []llm.Message, snap *catalog.Snapshot) Selection {
	if s.cfg.Mode == config.SelectorDisabled {
		return Selection{
			TargetServers: allServers(snap),
			Confidence:    1,
			Tools:         snap.Descriptors(),
		}
	}

	query := lastUserQuery(messages)
	key := cacheKey(query, snap.Version)

	if sel, ok := s.cached(key); ok {
		sel.Cached = true
		return sel
	}

	start := s.now()
	sel, err := s.classify(ctx, query, snap)
	if err != nil {
		s.reportFailure(err)
		sel = s.safeDefault(snap)
	}
	s.recordDuration(ctx, time.Since(start))

	s.store(key, sel)
	return sel
}

// RecordSuccess feeds a completed request back as a recall hint: the servers
// whose tools were actually called for this query.
func (s *Selector) RecordSuccess(messages []llm.Message, servers []string) {
	if len(servers) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recall.add(lastUserQuery(messages), servers)
}

// classify runs the judge and applies the configured mode.
func (s *Selector) classify(ctx context.Context, query string, snap *catalog.Snapshot) (Selection, error) {
	if s.judge == nil {
		return Selection{}, fmt.Errorf("selector: no judge configured")
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	wantLogprobs := s.judge.Capabilities().SupportsLogprobs
	resp, err := s.judge.Complete(cctx, llm.CompletionRequest{
		Messages:     []llm.Message{{Role: "user", Content: s.menu(query, snap)}},
		Temperature:  0,
		MaxTokens:    200,
		WantLogprobs: wantLogprobs,
	})
	if err != nil {
		return Selection{}, fmt.Errorf("selector: judge call: %w", err)
	}

	var verdict judgeResponse
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &verdict); err != nil {
		return Selection{}, fmt.Errorf("selector: malformed judge output: %w", err)
	}

	confidence := clamp01(verdict.Confidence)
	if wantLogprobs && resp.FirstTokenLogprob != 0 {
		confidence = clamp01(math.Exp(resp.FirstTokenLogprob))
	}

	servers := s.clampServers(verdict.Servers, snap)
	sel := Selection{
		TargetServers: servers,
		Confidence:    confidence,
	}
	if tier := config.QualityTier(verdict.Tier); tier.IsValid() {
		sel.RecommendedTier = tier
	}

	switch s.cfg.Mode {
	case config.SelectorAggressive:
		if confidence < s.cfg.ConfidenceThreshold {
			// Not confident enough to trust the recommendation alone.
			sel.TargetServers = unionServers(servers, s.categoryMatches(query, snap))
		}
	case config.SelectorModerate:
		sel.TargetServers = unionServers(servers, s.categoryMatches(query, snap))
	}

	sel.Tools = snap.FilterByServers(sel.TargetServers)
	if s.cfg.Mode == config.SelectorModerate && s.cfg.MaxTools > 0 && len(sel.Tools) > s.cfg.MaxTools {
		sel.Tools = sel.Tools[:s.cfg.MaxTools]
	}
	return sel, nil
}

// menu renders the compact per-server summary the judge classifies against.
func (s *Selector) menu(query string, snap *catalog.Snapshot) string {
	var sb strings.Builder
	sb.WriteString("You route user requests to tool servers. Reply with JSON only, shaped as\n")
	sb.WriteString(`{"servers":["name",...],"tier":"speed|balanced|high","confidence":0.0}`)
	sb.WriteString("\n\nAvailable servers:\n")

	servers := snap.Servers()
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		category := servers[name]
		if category == "" {
			category = "general"
		}
		fmt.Fprintf(&sb, "- %s (%s): %d tools\n", name, category, countTools(snap, name))
	}

	s.mu.Lock()
	hints := s.recall.match(query)
	s.mu.Unlock()
	if len(hints) > 0 {
		sb.WriteString("\nServers that handled similar requests before: ")
		sb.WriteString(strings.Join(hints, ", "))
		sb.WriteString("\n")
	}

	sb.WriteString("\nUser request:\n")
	sb.WriteString(query)
	return sb.String()
}

// clampServers drops judge-invented names and unions in the core set.
func (s *Selector) clampServers(proposed []string, snap *catalog.Snapshot) []string {
	known := snap.Servers()
	var out []string
	for _, name := range proposed {
		if _, ok := known[name]; ok {
			out = append(out, name)
		}
	}
	return unionServers(out, s.coreServers(snap))
}

// coreServers returns the configured always-on set, limited to servers that
// actually exist in the snapshot.
func (s *Selector) coreServers(snap *catalog.Snapshot) []string {
	known := snap.Servers()
	var out []string
	for _, name := range s.cfg.CoreServers {
		if _, ok := known[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// categoryMatches does the cheap keyword pass moderate mode unions in: a
// server matches when its category tag appears in the query.
func (s *Selector) categoryMatches(query string, snap *catalog.Snapshot) []string {
	lower := strings.ToLower(query)
	var out []string
	for name, category := range snap.Servers() {
		if category != "" && strings.Contains(lower, strings.ToLower(category)) {
			out = append(out, name)
		}
	}
	return out
}

// safeDefault is the degraded selection: core servers only.
func (s *Selector) safeDefault(snap *catalog.Snapshot) Selection {
	core := s.coreServers(snap)
	return Selection{
		TargetServers: core,
		Confidence:    0,
		Tools:         snap.FilterByServers(core),
	}
}

func (s *Selector) reportFailure(err error) {
	slog.Warn("tool selection failed, using safe default", "error", err)
	if s.bus != nil {
		s.bus.RecordEvent("selector", track.SeverityWarn, map[string]any{
			"reason": "selector_failure",
			"error":  err.Error(),
		})
	}
}

func (s *Selector) recordDuration(ctx context.Context, d time.Duration) {
	if s.bus == nil {
		return
	}
	if m := s.bus.Metrics(); m != nil {
		m.SelectorDuration.Record(ctx, d.Seconds())
	}
}

func (s *Selector) cached(key string) (Selection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[key]
	if !ok || s.now().After(entry.expires) {
		delete(s.cache, key)
		return Selection{}, false
	}
	return entry.sel, true
}

func (s *Selector) store(key string, sel Selection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Opportunistic expiry sweep keeps the map bounded without a janitor.
	if len(s.cache) > 256 {
		now := s.now()
		for k, e := range s.cache {
			if now.After(e.expires) {
				delete(s.cache, k)
			}
		}
	}
	s.cache[key] = cacheEntry{sel: sel, expires: s.now().Add(s.cfg.CacheTTL)}
}

// cacheKey hashes the normalized query with the catalog version so that any
// catalog republish invalidates prior selections.
func cacheKey(query, catalogVersion string) string {
	sum := sha256.Sum256([]byte(normalize(query) + "\x00" + catalogVersion))
	return hex.EncodeToString(sum[:16])
}

func normalize(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// lastUserQuery extracts the most recent user message.
func lastUserQuery(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

// extractJSON tolerates judges that wrap their JSON in prose or code fences.
func extractJSON(content string) string {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start >= 0 && end > start {
		return content[start : end+1]
	}
	return content
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func unionServers(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, name := range append(append([]string{}, a...), b...) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func allServers(snap *catalog.Snapshot) []string {
	var out []string
	for name := range snap.Servers() {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func countTools(snap *catalog.Snapshot, server string) int {
	n := 0
	for _, d := range snap.Descriptors() {
		if d.Server == server {
			n++
		}
	}
	return n
}

// recallRing remembers which servers served recent queries, fed back into the
// judge prompt as hints.
type recallRing struct {
	buf  []recallEntry
	next int
	size int
}

type recallEntry struct {
	query   string
	servers []string
}

func newRecallRing(capacity int) *recallRing {
	return &recallRing{buf: make([]recallEntry, capacity)}
}

func (r *recallRing) add(query string, servers []string) {
	r.buf[r.next] = recallEntry{query: normalize(query), servers: servers}
	r.next = (r.next + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

// match returns servers from past queries sharing a word with this one.
func (r *recallRing) match(query string) []string {
	words := make(map[string]bool)
	for _, w := range strings.Fields(normalize(query)) {
		if len(w) > 3 {
			words[w] = true
		}
	}
	seen := make(map[string]bool)
	var out []string
	for i := 0; i < r.size; i++ {
		entry := r.buf[i]
		for _, w := range strings.Fields(entry.query) {
			if words[w] {
				for _, srv := range entry.servers {
					if !seen[srv] {
						seen[srv] = true
						out = append(out, srv)
					}
				}
				break
			}
		}
	}
	sort.Strings(out)
	return out
}
