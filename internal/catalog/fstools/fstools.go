// Package fstools implements the built-in file tools (fs__read_text,
// fs__write_text, fs__list_dir, fs__move, fs__delete).
//
// All operations are confined to a configured sandbox root: paths are
// interpreted relative to the root and rejected when they escape it, and
// reads are capped at a configured byte limit.
package fstools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/maitred-dev/maitred/internal/catalog"
	"github.com/maitred-dev/maitred/internal/mcp"
)

// Built-in operation names (the part after the fs__ prefix).
const (
	OpReadText  = "read_text"
	OpWriteText = "write_text"
	OpListDir   = "list_dir"
	OpMove      = "move"
	OpDelete    = "delete"
)

// ErrUnknownOp is returned for canonical names outside the fixed fs__ set.
var ErrUnknownOp = errors.New("unknown file operation")

// Sandbox executes the built-in file tools under a root directory.
type Sandbox struct {
	root         string
	maxReadBytes int64
}

// New creates a Sandbox rooted at root. The root must exist and be a
// directory; maxReadBytes caps read_text responses.
func New(root string, maxReadBytes int64) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("fstools: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("fstools: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("fstools: root %s is not a directory", abs)
	}
	if maxReadBytes <= 0 {
		maxReadBytes = 1 << 20
	}
	return &Sandbox{root: abs, maxReadBytes: maxReadBytes}, nil
}

// Root returns the sandbox root directory.
func (s *Sandbox) Root() string { return s.root }

// Descriptors returns the catalog entries for every built-in operation.
func Descriptors() []catalog.ToolDescriptor {
	pathProp := map[string]any{"type": "string", "description": "Path relative to the sandbox root."}
	desc := func(op, description string, props map[string]any, required []string) catalog.ToolDescriptor {
		return catalog.ToolDescriptor{
			CanonicalName: catalog.FSName(op),
			Server:        "fs",
			LocalName:     op,
			Description:   description,
			Category:      "filesystem",
			ArgSchema: map[string]any{
				"type":       "object",
				"properties": props,
				"required":   required,
			},
		}
	}
	return []catalog.ToolDescriptor{
		desc(OpReadText, "Read a text file from the sandbox. Large files are truncated.",
			map[string]any{"path": pathProp}, []string{"path"}),
		desc(OpWriteText, "Write a text file in the sandbox, creating parent directories.",
			map[string]any{
				"path":    pathProp,
				"content": map[string]any{"type": "string", "description": "Full file content."},
			}, []string{"path", "content"}),
		desc(OpListDir, "List the entries of a sandbox directory.",
			map[string]any{"path": pathProp}, []string{"path"}),
		desc(OpMove, "Move or rename a file or directory inside the sandbox.",
			map[string]any{
				"from": pathProp,
				"to":   pathProp,
			}, []string{"from", "to"}),
		desc(OpDelete, "Delete a file or empty directory inside the sandbox.",
			map[string]any{"path": pathProp}, []string{"path"}),
	}
}

// Call executes one built-in operation. Argument and filesystem problems are
// reported as tool-level errors (IsError set) so the model can recover; a Go
// error is returned only for operations outside the fixed set.
func (s *Sandbox) Call(_ context.Context, canonical string, args map[string]any) (*mcp.ToolResult, error) {
	op := canonical
	if server, local, ok := splitFS(canonical); ok && server == "fs" {
		op = local
	}

	var (
		out string
		err error
	)
	switch op {
	case OpReadText:
		out, err = s.readText(args)
	case OpWriteText:
		out, err = s.writeText(args)
	case OpListDir:
		out, err = s.listDir(args)
	case OpMove:
		out, err = s.move(args)
	case OpDelete:
		out, err = s.delete(args)
	default:
		return nil, fmt.Errorf("fstools: %w: %q", ErrUnknownOp, canonical)
	}
	if err != nil {
		return &mcp.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return &mcp.ToolResult{Content: out}, nil
}

func splitFS(canonical string) (server, local string, ok bool) {
	if !catalog.IsBuiltin(canonical) {
		return "", "", false
	}
	return "fs", canonical[len("fs__"):], true
}

// resolve maps a user-supplied path into the sandbox, rejecting absolute
// paths and traversal outside the root.
func (s *Sandbox) resolve(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("path must not be empty")
	}
	cleaned := filepath.Clean(raw)
	if cleaned == "." {
		return s.root, nil
	}
	if !filepath.IsLocal(cleaned) {
		return "", fmt.Errorf("path %q escapes the sandbox", raw)
	}
	return filepath.Join(s.root, cleaned), nil
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	str, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	return str, nil
}

func (s *Sandbox) readText(args map[string]any) (string, error) {
	rel, err := stringArg(args, "path")
	if err != nil {
		return "", err
	}
	path, err := s.resolve(rel)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, s.maxReadBytes))
	if err != nil {
		return "", err
	}
	if int64(len(data)) == s.maxReadBytes {
		// Probe one more byte to distinguish an exact-size file from a
		// truncated one.
		var probe [1]byte
		if n, _ := f.Read(probe[:]); n > 0 {
			return string(data) + fmt.Sprintf("\n[truncated at %d bytes]", s.maxReadBytes), nil
		}
	}
	return string(data), nil
}

func (s *Sandbox) writeText(args map[string]any) (string, error) {
	rel, err := stringArg(args, "path")
	if err != nil {
		return "", err
	}
	content, err := stringArg(args, "content")
	if err != nil {
		return "", err
	}
	path, err := s.resolve(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), rel), nil
}

// dirEntry is one list_dir result row.
type dirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size,omitempty"`
}

func (s *Sandbox) listDir(args map[string]any) (string, error) {
	rel, err := stringArg(args, "path")
	if err != nil {
		return "", err
	}
	path, err := s.resolve(rel)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", err
	}
	rows := make([]dirEntry, 0, len(entries))
	for _, e := range entries {
		row := dirEntry{Name: e.Name(), IsDir: e.IsDir()}
		if info, err := e.Info(); err == nil && !e.IsDir() {
			row.Size = info.Size()
		}
		rows = append(rows, row)
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *Sandbox) move(args map[string]any) (string, error) {
	fromRel, err := stringArg(args, "from")
	if err != nil {
		return "", err
	}
	toRel, err := stringArg(args, "to")
	if err != nil {
		return "", err
	}
	from, err := s.resolve(fromRel)
	if err != nil {
		return "", err
	}
	to, err := s.resolve(toRel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return "", err
	}
	if err := os.Rename(from, to); err != nil {
		return "", err
	}
	return fmt.Sprintf("moved %s to %s", fromRel, toRel), nil
}

// delete removes a file or an empty directory. Recursive deletion is
// deliberately unsupported.
func (s *Sandbox) delete(args map[string]any) (string, error) {
	rel, err := stringArg(args, "path")
	if err != nil {
		return "", err
	}
	path, err := s.resolve(rel)
	if err != nil {
		return "", err
	}
	if path == s.root {
		return "", errors.New("refusing to delete the sandbox root")
	}
	if err := os.Remove(path); err != nil {
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			return "", fmt.Errorf("delete %s: %w", rel, pathErr.Err)
		}
		return "", err
	}
	return fmt.Sprintf("deleted %s", rel), nil
}
