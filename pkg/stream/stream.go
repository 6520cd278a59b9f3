// Package stream defines the portable token-stream frame shape shared by the
// direct provider path and the agent path.
//
// Both paths emit [Frame] values into a bounded channel; the gateway consumes
// them and renders either a buffered JSON envelope or server-sent events.
// A stream is a sequence of zero or more delta/tool frames followed by exactly
// one terminal frame (end or error).
package stream

import "github.com/maitred-dev/maitred/pkg/provider/llm"

// Kind discriminates the frame variants.
type Kind int

const (
	// KindDelta carries incremental assistant text.
	KindDelta Kind = iota

	// KindToolStart announces that a tool dispatch has begun.
	KindToolStart

	// KindToolEnd announces that a tool dispatch has finished.
	KindToolEnd

	// KindEnd terminates the stream successfully, carrying final usage.
	KindEnd

	// KindError terminates the stream with a failure.
	KindError
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindDelta:
		return "delta"
	case KindToolStart:
		return "tool_start"
	case KindToolEnd:
		return "tool_end"
	case KindEnd:
		return "end"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// ToolLifecycle describes one tool dispatch for side-channel frames.
type ToolLifecycle struct {
	// CallID is the model-assigned tool call identifier.
	CallID string `json:"call_id"`

	// Server is the MCP server (or "fs" for built-in file tools).
	Server string `json:"server"`

	// Tool is the canonical tool name.
	Tool string `json:"tool"`

	// OK reports whether the dispatch succeeded. Only set on tool_end.
	OK bool `json:"ok,omitempty"`

	// DurationMs is the wall-clock dispatch duration. Only set on tool_end.
	DurationMs int64 `json:"duration_ms,omitempty"`
}

// Frame is one event in a token stream. Exactly one of the payload fields is
// meaningful, selected by Kind.
type Frame struct {
	Kind Kind

	// Delta is the incremental text for KindDelta.
	Delta string

	// Tool is the lifecycle payload for KindToolStart / KindToolEnd.
	Tool *ToolLifecycle

	// Usage is the final token accounting for KindEnd.
	Usage *llm.Usage

	// Err is the terminal failure for KindError.
	Err error
}

// Delta builds a content frame.
func Delta(text string) Frame { return Frame{Kind: KindDelta, Delta: text} }

// ToolStart builds a tool_start side-channel frame.
func ToolStart(tl ToolLifecycle) Frame { return Frame{Kind: KindToolStart, Tool: &tl} }

// ToolEnd builds a tool_end side-channel frame.
func ToolEnd(tl ToolLifecycle) Frame { return Frame{Kind: KindToolEnd, Tool: &tl} }

// End builds the successful terminal frame.
func End(u *llm.Usage) Frame { return Frame{Kind: KindEnd, Usage: u} }

// Error builds the failing terminal frame.
func Error(err error) Frame { return Frame{Kind: KindError, Err: err} }
