package oaiwire

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/maitred-dev/maitred/pkg/provider/llm"
)

// SSEWriter emits server-sent events in the chat-completions streaming
// format: one "data: <json>" frame per event, terminated by "data: [DONE]".
type SSEWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

// NewSSEWriter prepares w for event streaming and writes the response
// headers. It fails when the underlying writer cannot flush.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("oaiwire: response writer does not support flushing")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return &SSEWriter{w: w, f: f}, nil
}

// Send marshals v into one data frame and flushes it.
func (s *SSEWriter) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("oaiwire: encode frame: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// Done writes the terminal sentinel.
func (s *SSEWriter) Done() error {
	if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// ChunkStream stamps streaming chunks with a shared completion identity.
type ChunkStream struct {
	ID      string
	Model   string
	Created int64
}

// NewChunkStream creates a ChunkStream for one response.
func NewChunkStream(id, model string) *ChunkStream {
	return &ChunkStream{ID: id, Model: model, Created: time.Now().Unix()}
}

// Delta builds a content chunk.
func (c *ChunkStream) Delta(text string) ChatResponse {
	return ChatResponse{
		ID:      c.ID,
		Object:  "chat.completion.chunk",
		Created: c.Created,
		Model:   c.Model,
		Choices: []Choice{{
			Delta:        &Message{Role: "assistant", Content: text},
			FinishReason: nil,
		}},
	}
}

// Finish builds the terminal chunk carrying the finish reason and usage.
func (c *ChunkStream) Finish(reason string, usage *llm.Usage) ChatResponse {
	return ChatResponse{
		ID:      c.ID,
		Object:  "chat.completion.chunk",
		Created: c.Created,
		Model:   c.Model,
		Choices: []Choice{{
			Delta:        &Message{},
			FinishReason: &reason,
		}},
		Usage: usage,
	}
}

// ToolCallFinish builds the terminal chunk when the model requested tools,
// carrying the accumulated calls as indexed deltas.
func (c *ChunkStream) ToolCallFinish(calls []llm.ToolCall, usage *llm.Usage) ChatResponse {
	delta := &Message{Role: "assistant"}
	for i, tc := range calls {
		idx := i
		delta.ToolCalls = append(delta.ToolCalls, ToolCall{
			Index:    &idx,
			ID:       tc.ID,
			Type:     "function",
			Function: FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
		})
	}
	reason := "tool_calls"
	return ChatResponse{
		ID:      c.ID,
		Object:  "chat.completion.chunk",
		Created: c.Created,
		Model:   c.Model,
		Choices: []Choice{{
			Delta:        delta,
			FinishReason: &reason,
		}},
		Usage: usage,
	}
}

// Completion builds a buffered (non-streaming) response envelope.
func Completion(id, model, content string, calls []llm.ToolCall, usage llm.Usage, finishReason string) ChatResponse {
	msg := &Message{Role: "assistant", Content: content}
	for _, tc := range calls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:       tc.ID,
			Type:     "function",
			Function: FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
		})
	}
	u := usage
	return ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{{
			Message:      msg,
			FinishReason: &finishReason,
		}},
		Usage: &u,
	}
}
