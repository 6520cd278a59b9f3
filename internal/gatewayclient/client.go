// Package gatewayclient implements [llm.Provider] over the gateway's
// chat-completions API. The runner uses it to route model turns back through
// the gateway so that budget, breaker, and fallback policy stay in one place.
package gatewayclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/maitred-dev/maitred/internal/maitrederr"
	"github.com/maitred-dev/maitred/internal/oaiwire"
	"github.com/maitred-dev/maitred/pkg/provider/llm"
)

// Client is an [llm.Provider] bound to one model spec served by the gateway.
type Client struct {
	base  string
	model string
	token string
	http  *http.Client
	caps  llm.ModelCapabilities
}

var _ llm.Provider = (*Client)(nil)

// Option configures a [Client].
type Option func(*Client)

// WithAuthToken sets the bearer token sent on every request.
func WithAuthToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient overrides the HTTP client. Streaming requests need a client
// without a global timeout; the default has none.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithCapabilities overrides the advertised capabilities.
func WithCapabilities(caps llm.ModelCapabilities) Option {
	return func(c *Client) { c.caps = caps }
}

// New creates a Client for the given gateway base URL and model spec.
func New(baseURL, model string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("gatewayclient: base URL must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("gatewayclient: model must not be empty")
	}
	c := &Client{
		base:  strings.TrimSuffix(baseURL, "/"),
		model: model,
		http:  &http.Client{},
		caps: llm.ModelCapabilities{
			ContextWindow:       128_000,
			MaxOutputTokens:     4_096,
			SupportsToolCalling: true,
			SupportsStreaming:   true,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// StreamCompletion implements llm.Provider.
func (c *Client) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	resp, err := c.post(ctx, c.buildRequest(req, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		toolCallAccum := map[int]*llm.ToolCall{}
		var usage *llm.Usage

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			data, ok := strings.CutPrefix(scanner.Text(), "data: ")
			if !ok || data == "[DONE]" {
				continue
			}

			var frame oaiwire.ChatResponse
			if err := json.Unmarshal([]byte(data), &frame); err != nil {
				emit(ctx, ch, llm.Chunk{FinishReason: "error",
					Text: fmt.Sprintf("gatewayclient: malformed frame: %v", err)})
				return
			}
			if frame.Usage != nil {
				usage = frame.Usage
			}
			if len(frame.Choices) == 0 {
				continue
			}
			choice := frame.Choices[0]
			if choice.Delta == nil {
				continue
			}

			out := llm.Chunk{Text: choice.Delta.Content}
			if choice.FinishReason != nil {
				out.FinishReason = *choice.FinishReason
			}

			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				existing, ok := toolCallAccum[idx]
				if !ok {
					existing = &llm.ToolCall{}
					toolCallAccum[idx] = existing
				}
				if tc.ID != "" {
					existing.ID = tc.ID
				}
				if tc.Function.Name != "" {
					existing.Name = tc.Function.Name
				}
				existing.Arguments += tc.Function.Arguments
			}

			if out.FinishReason != "" {
				for i := 0; i < len(toolCallAccum); i++ {
					if tc, ok := toolCallAccum[i]; ok {
						out.ToolCalls = append(out.ToolCalls, *tc)
					}
				}
				out.Usage = usage
			}
			if !emit(ctx, ch, out) {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			emit(ctx, ch, llm.Chunk{FinishReason: "error",
				Text: fmt.Sprintf("gatewayclient: read stream: %v", err)})
		}
	}()
	return ch, nil
}

// Complete implements llm.Provider.
func (c *Client) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := c.post(ctx, c.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body oaiwire.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("gatewayclient: decode response: %w", err)
	}
	if len(body.Choices) == 0 || body.Choices[0].Message == nil {
		return nil, fmt.Errorf("gatewayclient: empty choices in response")
	}

	choice := body.Choices[0]
	result := &llm.CompletionResponse{
		Content:   choice.Message.Content,
		ToolCalls: oaiwire.ToLLMToolCalls(choice.Message.ToolCalls),
	}
	if body.Usage != nil {
		result.Usage = *body.Usage
	}
	if choice.Logprobs != nil && len(choice.Logprobs.Content) > 0 {
		result.FirstTokenLogprob = choice.Logprobs.Content[0].Logprob
	}
	return result, nil
}

// CountTokens implements llm.Provider with the same rough chars/4 estimate the
// direct providers use.
func (c *Client) CountTokens(messages []llm.Message) (int, error) {
	total := 0
	for _, m := range messages {
		total += (len(m.Content)+3)/4 + 4
		for _, tc := range m.ToolCalls {
			total += (len(tc.Name) + len(tc.Arguments) + 3) / 4
		}
	}
	return total, nil
}

// Capabilities implements llm.Provider.
func (c *Client) Capabilities() llm.ModelCapabilities {
	return c.caps
}

// buildRequest converts req into the wire shape. The system prompt becomes a
// leading system message.
func (c *Client) buildRequest(req llm.CompletionRequest, stream bool) oaiwire.ChatRequest {
	messages := make([]oaiwire.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, oaiwire.Message{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, oaiwire.FromLLMMessages(req.Messages)...)

	temp := req.Temperature
	return oaiwire.ChatRequest{
		Model:       c.model,
		Messages:    messages,
		Tools:       oaiwire.FromLLMTools(req.Tools),
		Temperature: &temp,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
		Logprobs:    req.WantLogprobs,
	}
}

// post sends the request and returns the response on 200, or a classified
// error decoded from the structured error body.
func (c *Client) post(ctx context.Context, body oaiwire.ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("gatewayclient: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("gatewayclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, maitrederr.Wrap(maitrederr.KindUnavailable, err, "gateway request")
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp, nil
}

// decodeError reconstructs a classified error from the gateway's error body.
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var body oaiwire.ErrorBody
	if err := json.Unmarshal(raw, &body); err != nil || body.Error.Message == "" {
		return maitrederr.New(kindForStatus(resp.StatusCode),
			"gateway returned %s", resp.Status)
	}
	out := maitrederr.New(maitrederr.ParseKind(body.Error.Code), "%s", body.Error.Message)
	out.RetryAfterSeconds = body.Error.RetryAfter
	return out
}

// kindForStatus classifies bodiless failures by status code alone.
func kindForStatus(status int) maitrederr.Kind {
	switch {
	case status == http.StatusUnauthorized:
		return maitrederr.KindAuth
	case status == http.StatusNotFound:
		return maitrederr.KindNotFound
	case status == http.StatusTooManyRequests:
		return maitrederr.KindUnavailable
	case status == http.StatusGatewayTimeout:
		return maitrederr.KindTimeout
	case status >= 500:
		return maitrederr.KindUnavailable
	case status >= 400:
		return maitrederr.KindValidation
	}
	return maitrederr.KindInternal
}

// emit forwards one chunk, honouring cancellation. Reports false when the
// consumer is gone.
func emit(ctx context.Context, ch chan<- llm.Chunk, chunk llm.Chunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// Probe checks the gateway's health endpoint. The runner calls it at boot to
// log early when its configured gateway base is wrong.
func (c *Client) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return fmt.Errorf("gatewayclient: build probe: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return maitrederr.Wrap(maitrederr.KindUnavailable, err, "gateway health probe")
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return maitrederr.New(maitrederr.KindUnavailable,
			"gateway health probe returned %s", resp.Status)
	}
	return nil
}
