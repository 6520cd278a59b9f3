package fstools

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newSandbox(t *testing.T, maxRead int64) *Sandbox {
	t.Helper()
	s, err := New(t.TempDir(), maxRead)
	if err != nil {
		t.Fatalf("New = %v", err)
	}
	return s
}

func call(t *testing.T, s *Sandbox, op string, args map[string]any) (string, bool) {
	t.Helper()
	result, err := s.Call(context.Background(), op, args)
	if err != nil {
		t.Fatalf("Call(%s) = %v", op, err)
	}
	return result.Content, result.IsError
}

func TestWriteThenRead(t *testing.T) {
	t.Parallel()

	s := newSandbox(t, 0)
	if _, isErr := call(t, s, "fs__write_text", map[string]any{
		"path": "notes/a.txt", "content": "hello",
	}); isErr {
		t.Fatal("write_text returned a tool error")
	}
	out, isErr := call(t, s, "fs__read_text", map[string]any{"path": "notes/a.txt"})
	if isErr || out != "hello" {
		t.Fatalf("read_text = %q (err=%v), want hello", out, isErr)
	}
}

func TestReadTruncation(t *testing.T) {
	t.Parallel()

	s := newSandbox(t, 8)
	call(t, s, "fs__write_text", map[string]any{"path": "big.txt", "content": "0123456789abcdef"})

	out, isErr := call(t, s, "fs__read_text", map[string]any{"path": "big.txt"})
	if isErr {
		t.Fatal("read_text returned a tool error")
	}
	if !strings.HasPrefix(out, "01234567") || !strings.Contains(out, "[truncated at 8 bytes]") {
		t.Errorf("read_text = %q, want truncation marker", out)
	}

	// A file exactly at the limit is not marked truncated.
	call(t, s, "fs__write_text", map[string]any{"path": "exact.txt", "content": "01234567"})
	out, _ = call(t, s, "fs__read_text", map[string]any{"path": "exact.txt"})
	if out != "01234567" {
		t.Errorf("exact-size read = %q, want untouched content", out)
	}
}

func TestTraversalRejected(t *testing.T) {
	t.Parallel()

	s := newSandbox(t, 0)
	for _, path := range []string{"../outside.txt", "/etc/passwd", "a/../../b"} {
		_, isErr := call(t, s, "fs__read_text", map[string]any{"path": path})
		if !isErr {
			t.Errorf("path %q must be rejected as a tool error", path)
		}
	}
}

func TestListDir(t *testing.T) {
	t.Parallel()

	s := newSandbox(t, 0)
	call(t, s, "fs__write_text", map[string]any{"path": "d/one.txt", "content": "1"})
	call(t, s, "fs__write_text", map[string]any{"path": "d/two.txt", "content": "22"})

	out, isErr := call(t, s, "fs__list_dir", map[string]any{"path": "d"})
	if isErr {
		t.Fatalf("list_dir error: %s", out)
	}
	var rows []struct {
		Name  string `json:"name"`
		IsDir bool   `json:"is_dir"`
		Size  int64  `json:"size"`
	}
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("list_dir output is not JSON: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("list_dir = %d rows, want 2", len(rows))
	}
}

func TestMoveAndDelete(t *testing.T) {
	t.Parallel()

	s := newSandbox(t, 0)
	call(t, s, "fs__write_text", map[string]any{"path": "a.txt", "content": "x"})

	if _, isErr := call(t, s, "fs__move", map[string]any{"from": "a.txt", "to": "sub/b.txt"}); isErr {
		t.Fatal("move returned a tool error")
	}
	if _, err := os.Stat(filepath.Join(s.Root(), "sub", "b.txt")); err != nil {
		t.Fatalf("moved file missing: %v", err)
	}

	if _, isErr := call(t, s, "fs__delete", map[string]any{"path": "sub/b.txt"}); isErr {
		t.Fatal("delete returned a tool error")
	}
	if _, err := os.Stat(filepath.Join(s.Root(), "sub", "b.txt")); !os.IsNotExist(err) {
		t.Error("deleted file still present")
	}

	// Deleting a non-empty directory is refused.
	call(t, s, "fs__write_text", map[string]any{"path": "full/x.txt", "content": "x"})
	if _, isErr := call(t, s, "fs__delete", map[string]any{"path": "full"}); !isErr {
		t.Error("deleting a non-empty directory must be a tool error")
	}
	if _, isErr := call(t, s, "fs__delete", map[string]any{"path": "."}); !isErr {
		t.Error("deleting the sandbox root must be a tool error")
	}
}

func TestMissingArgumentIsToolError(t *testing.T) {
	t.Parallel()

	s := newSandbox(t, 0)
	out, isErr := call(t, s, "fs__read_text", map[string]any{})
	if !isErr || !strings.Contains(out, "path") {
		t.Errorf("missing path = %q (err=%v), want tool error naming the argument", out, isErr)
	}
}

func TestUnknownOperation(t *testing.T) {
	t.Parallel()

	s := newSandbox(t, 0)
	_, err := s.Call(context.Background(), "fs__chmod", map[string]any{"path": "x"})
	if !errors.Is(err, ErrUnknownOp) {
		t.Fatalf("unknown op = %v, want ErrUnknownOp", err)
	}
}

func TestNewRejectsBadRoot(t *testing.T) {
	t.Parallel()

	if _, err := New(filepath.Join(t.TempDir(), "missing"), 0); err == nil {
		t.Error("New must reject a nonexistent root")
	}
	file := filepath.Join(t.TempDir(), "f")
	os.WriteFile(file, []byte("x"), 0o644)
	if _, err := New(file, 0); err == nil {
		t.Error("New must reject a non-directory root")
	}
}

func TestDescriptorsCoverAllOps(t *testing.T) {
	t.Parallel()

	ds := Descriptors()
	if len(ds) != 5 {
		t.Fatalf("Descriptors() = %d entries, want 5", len(ds))
	}
	for _, d := range ds {
		if d.Server != "fs" || d.Category != "filesystem" {
			t.Errorf("descriptor %q has server=%q category=%q", d.CanonicalName, d.Server, d.Category)
		}
	}
}
