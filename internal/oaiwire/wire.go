// Package oaiwire defines the OpenAI-compatible JSON shapes spoken on the
// gateway's chat-completions surface, shared by the HTTP handlers and the
// runner's gateway-backed client.
package oaiwire

import (
	"github.com/maitred-dev/maitred/pkg/provider/llm"
)

// ChatRequest is the request body of POST /v1/chat/completions.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Tools       []Tool    `json:"tools,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
	Logprobs    bool      `json:"logprobs,omitempty"`
}

// Message is one conversation entry on the wire.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a requested tool invocation. Index is only present on streaming
// deltas, where fragments of one call share an index.
type ToolCall struct {
	Index    *int         `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the tool name and JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Tool is one offered tool definition.
type Tool struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef describes a callable function.
type FunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ChatResponse is the buffered response envelope; with Object set to
// "chat.completion.chunk" and Delta populated it is also the streaming frame.
type ChatResponse struct {
	ID      string     `json:"id"`
	Object  string     `json:"object"`
	Created int64      `json:"created"`
	Model   string     `json:"model"`
	Choices []Choice   `json:"choices"`
	Usage   *llm.Usage `json:"usage,omitempty"`
}

// Choice is one completion alternative. Exactly one of Message (buffered) and
// Delta (streaming) is set.
type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	Delta        *Message `json:"delta,omitempty"`
	FinishReason *string  `json:"finish_reason"`
	Logprobs     *Logprob `json:"logprobs,omitempty"`
}

// Logprob carries per-token log-probabilities when requested.
type Logprob struct {
	Content []TokenLogprob `json:"content,omitempty"`
}

// TokenLogprob is one token's log-probability.
type TokenLogprob struct {
	Token   string  `json:"token"`
	Logprob float64 `json:"logprob"`
}

// ModelList is the response body of GET /v1/models.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// ModelInfo is one model listing row.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by,omitempty"`
}

// ErrorBody is the structured error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail names the failure class and human-readable message.
type ErrorDetail struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// ToolEvent is the side-channel SSE frame emitted around each tool dispatch
// on agent streams. Object is always "maitred.tool".
type ToolEvent struct {
	Object     string `json:"object"`
	Phase      string `json:"phase"`
	CallID     string `json:"call_id"`
	Server     string `json:"server"`
	Tool       string `json:"tool"`
	OK         bool   `json:"ok,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// ToolEventObject is the Object value of a [ToolEvent] frame.
const ToolEventObject = "maitred.tool"

// FromLLMMessages converts internal messages to the wire shape.
func FromLLMMessages(messages []llm.Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		wm := Message{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, ToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		out = append(out, wm)
	}
	return out
}

// ToLLMMessages converts wire messages to the internal shape.
func ToLLMMessages(messages []Message) []llm.Message {
	out := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		lm := llm.Message{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			lm.ToolCalls = append(lm.ToolCalls, llm.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		out = append(out, lm)
	}
	return out
}

// FromLLMTools converts internal tool definitions to the wire shape.
func FromLLMTools(tools []llm.ToolDefinition) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, td := range tools {
		out = append(out, Tool{
			Type: "function",
			Function: FunctionDef{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.Parameters,
			},
		})
	}
	return out
}

// ToLLMTools converts wire tool definitions to the internal shape.
func ToLLMTools(tools []Tool) []llm.ToolDefinition {
	out := make([]llm.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		out = append(out, llm.ToolDefinition{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	return out
}

// ToLLMToolCalls converts buffered wire tool calls to the internal shape.
func ToLLMToolCalls(calls []ToolCall) []llm.ToolCall {
	out := make([]llm.ToolCall, 0, len(calls))
	for _, tc := range calls {
		out = append(out, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out
}
