// Package mcp defines the contracts shared by the MCP transport
// implementations and the tool dispatcher.
//
// An MCP (Model Context Protocol) server exposes tools over one of four
// transports: stdio child process, streamable HTTP, WebSocket, or Unix
// socket. The transport layer normalizes all of them to a single
// [Conn] contract: connect, list tools, call a tool, close.
package mcp

import (
	"context"
	"errors"
	"fmt"
)

// ServerState is the lifecycle state of a configured MCP server.
type ServerState string

const (
	StateUnknown     ServerState = "unknown"
	StateDiscovering ServerState = "discovering"
	StateReady       ServerState = "ready"
	StateDegraded    ServerState = "degraded"
	StateDisabled    ServerState = "disabled"
)

// ToolInfo describes one tool as reported by a server's tools/list.
type ToolInfo struct {
	// Name is the server-local tool name (without the canonical prefix).
	Name string

	// Description explains what the tool does.
	Description string

	// InputSchema is the JSON Schema for the tool's arguments.
	InputSchema map[string]any
}

// ToolResult holds the outcome of a single tool call.
type ToolResult struct {
	// Content is the tool's textual output, typically JSON or human-readable
	// text ready for insertion into a model context window.
	Content string

	// IsError indicates the server returned an application-level error (as
	// opposed to a transport or protocol failure returned via the Go error
	// value). When true, Content carries the error message.
	IsError bool

	// DurationMs is the wall-clock time from dispatch to full response.
	DurationMs int64
}

// ErrorClass partitions call failures for breaker and recovery decisions.
type ErrorClass string

const (
	// ClassUnreachable is a transport-level failure (dial refused, broken
	// pipe, dead child process). Feeds the breaker.
	ClassUnreachable ErrorClass = "unreachable"

	// ClassProtocol is a malformed or uncorrelatable response. Feeds the
	// breaker.
	ClassProtocol ErrorClass = "protocol"

	// ClassTimeout is a deadline expiry while a call was in flight. Feeds
	// the breaker.
	ClassTimeout ErrorClass = "timeout"

	// ClassCancelled is caller-initiated cancellation. Never feeds the
	// breaker.
	ClassCancelled ErrorClass = "cancelled"

	// ClassDisabled means the server is flagged off in configuration.
	ClassDisabled ErrorClass = "disabled"
)

// FeedsBreaker reports whether failures of this class count against the
// server's circuit breaker.
func (c ErrorClass) FeedsBreaker() bool {
	switch c {
	case ClassUnreachable, ClassProtocol, ClassTimeout:
		return true
	}
	return false
}

// Error is a classified MCP call failure.
type Error struct {
	Class  ErrorClass
	Server string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mcp %s: %s: %v", e.Server, e.Class, e.Err)
	}
	return fmt.Sprintf("mcp %s: %s", e.Server, e.Class)
}

// Unwrap exposes the cause.
func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified failure for server.
func NewError(class ErrorClass, server string, err error) *Error {
	return &Error{Class: class, Server: server, Err: err}
}

// ClassOf extracts the error class from err, defaulting to unreachable for
// unclassified transport errors and honouring context sentinel errors.
func ClassOf(err error) ErrorClass {
	var me *Error
	if errors.As(err, &me) {
		return me.Class
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, context.Canceled):
		return ClassCancelled
	}
	return ClassUnreachable
}

// Conn is a live connection to one MCP server, normalized across all four
// transports. Implementations must be safe for concurrent Call use; the
// dispatcher multiplexes in-flight calls over a single Conn.
type Conn interface {
	// ListTools returns the server's current tool catalogue. Called during
	// the handshake and on re-probe.
	ListTools(ctx context.Context) ([]ToolInfo, error)

	// Call invokes the named tool. A non-nil *ToolResult is returned even
	// when [ToolResult.IsError] is true (application-level error). A Go
	// error is returned only on transport or protocol failure and is
	// classified with [ClassOf].
	Call(ctx context.Context, tool string, args map[string]any) (*ToolResult, error)

	// Close releases the connection. For stdio transports this terminates
	// the child process (terminate signal, then kill after a grace window).
	Close() error
}
