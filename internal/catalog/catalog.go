// Package catalog maintains the union of tool descriptors across all ready
// MCP servers plus the built-in file tools, keyed by canonical name.
//
// The catalog is read-mostly: servers publish their tool sets as they become
// ready (or withdraw them when they fail), and every publication is an atomic
// swap of an immutable [Snapshot]. Readers grab a snapshot handle and never
// observe a partial update.
package catalog

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/maitred-dev/maitred/internal/mcp"
)

// Canonical name segments. MCP tools are named mcp__{server}__{tool}; the
// built-in file tools are named fs__{op}.
const (
	mcpPrefix = "mcp"
	fsPrefix  = "fs"
	nameSep   = "__"
)

// MCPName builds the canonical name for a server-local tool.
func MCPName(server, tool string) string {
	return mcpPrefix + nameSep + server + nameSep + tool
}

// FSName builds the canonical name for a built-in file operation.
func FSName(op string) string {
	return fsPrefix + nameSep + op
}

// SplitMCP breaks a canonical mcp__ name into server and local tool name.
// ok is false for built-in or malformed names.
func SplitMCP(canonical string) (server, tool string, ok bool) {
	rest, found := strings.CutPrefix(canonical, mcpPrefix+nameSep)
	if !found {
		return "", "", false
	}
	server, tool, found = strings.Cut(rest, nameSep)
	if !found || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}

// IsBuiltin reports whether canonical names a built-in file tool.
func IsBuiltin(canonical string) bool {
	return strings.HasPrefix(canonical, fsPrefix+nameSep)
}

// ToolDescriptor is one catalog entry.
type ToolDescriptor struct {
	// CanonicalName is the globally unique tool identifier.
	CanonicalName string `json:"canonical_name"`

	// Server is the owning MCP server name, or "fs" for built-ins.
	Server string `json:"server"`

	// LocalName is the server-side tool name without the canonical prefix.
	LocalName string `json:"local_name"`

	// Description explains the tool to the model.
	Description string `json:"description"`

	// ArgSchema is the JSON Schema for the tool's arguments.
	ArgSchema map[string]any `json:"arg_schema,omitempty"`

	// Category is the owning server's category tag ("search", "filesystem",
	// "time", ...). Best-effort; drives selector heuristics.
	Category string `json:"category,omitempty"`
}

// Snapshot is an immutable published view of the catalog.
type Snapshot struct {
	// Version changes with every publication. Selector caches key on it.
	Version string

	descriptors []ToolDescriptor
	byName      map[string]ToolDescriptor
	categories  map[string]string // server name → category
}

// Descriptors returns all entries ordered by canonical name. Callers must not
// mutate the returned slice.
func (s *Snapshot) Descriptors() []ToolDescriptor {
	return s.descriptors
}

// Lookup resolves a canonical name.
func (s *Snapshot) Lookup(canonical string) (ToolDescriptor, bool) {
	d, ok := s.byName[canonical]
	return d, ok
}

// Servers returns the server names contributing descriptors, with the "fs"
// pseudo-server for built-ins, mapped to their category tags.
func (s *Snapshot) Servers() map[string]string {
	return s.categories
}

// FilterByServers returns the descriptors owned by the named servers.
// Built-in file tools are always included; the sandbox root decides whether
// any exist at all.
func (s *Snapshot) FilterByServers(servers []string) []ToolDescriptor {
	want := make(map[string]bool, len(servers)+1)
	for _, name := range servers {
		want[name] = true
	}
	want[fsPrefix] = true

	var out []ToolDescriptor
	for _, d := range s.descriptors {
		if want[d.Server] {
			out = append(out, d)
		}
	}
	return out
}

// Catalog owns the mutable server→tools index and publishes [Snapshot]s.
// All methods are safe for concurrent use.
type Catalog struct {
	mu       sync.Mutex
	builtins []ToolDescriptor
	servers  map[string]serverTools
	seq      uint64

	current atomic.Pointer[Snapshot]
}

type serverTools struct {
	category string
	tools    []mcp.ToolInfo
}

// New creates a Catalog seeded with the given built-in descriptors and
// publishes the initial snapshot.
func New(builtins []ToolDescriptor) *Catalog {
	c := &Catalog{
		builtins: builtins,
		servers:  make(map[string]serverTools),
	}
	c.current.Store(c.buildLocked())
	return c
}

// Snapshot returns the current published view.
func (c *Catalog) Snapshot() *Snapshot {
	return c.current.Load()
}

// Publish replaces the tool set for server and atomically swaps in a new
// snapshot. A nil or empty tool set withdraws the server's descriptors, which
// is how degraded and disabled servers contribute zero entries.
func (c *Catalog) Publish(server, category string, tools []mcp.ToolInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(tools) == 0 {
		delete(c.servers, server)
	} else {
		c.servers[server] = serverTools{category: category, tools: tools}
	}
	snap := c.buildLocked()
	c.current.Store(snap)
	slog.Debug("tool catalog published",
		"version", snap.Version, "tools", len(snap.descriptors))
}

// buildLocked assembles a new immutable snapshot. Must hold c.mu.
func (c *Catalog) buildLocked() *Snapshot {
	c.seq++
	snap := &Snapshot{
		Version:    fmt.Sprintf("v%d", c.seq),
		byName:     make(map[string]ToolDescriptor),
		categories: make(map[string]string, len(c.servers)+1),
	}

	for _, d := range c.builtins {
		snap.byName[d.CanonicalName] = d
	}
	if len(c.builtins) > 0 {
		snap.categories[fsPrefix] = "filesystem"
	}

	for server, st := range c.servers {
		snap.categories[server] = st.category
		for _, t := range st.tools {
			d := ToolDescriptor{
				CanonicalName: MCPName(server, t.Name),
				Server:        server,
				LocalName:     t.Name,
				Description:   t.Description,
				ArgSchema:     t.InputSchema,
				Category:      st.category,
			}
			if _, dup := snap.byName[d.CanonicalName]; dup {
				slog.Warn("duplicate tool name in catalog, keeping first",
					"canonical_name", d.CanonicalName)
				continue
			}
			snap.byName[d.CanonicalName] = d
		}
	}

	snap.descriptors = make([]ToolDescriptor, 0, len(snap.byName))
	for _, d := range snap.byName {
		snap.descriptors = append(snap.descriptors, d)
	}
	sort.Slice(snap.descriptors, func(i, j int) bool {
		return snap.descriptors[i].CanonicalName < snap.descriptors[j].CanonicalName
	})
	return snap
}
