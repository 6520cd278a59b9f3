package gatewayclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/maitred-dev/maitred/internal/maitrederr"
	"github.com/maitred-dev/maitred/internal/oaiwire"
	"github.com/maitred-dev/maitred/pkg/provider/llm"
)

func sseBody(frames ...string) string {
	out := ""
	for _, f := range frames {
		out += "data: " + f + "\n\n"
	}
	return out + "data: [DONE]\n\n"
}

func collect(t *testing.T, ch <-chan llm.Chunk) []llm.Chunk {
	t.Helper()
	var chunks []llm.Chunk
	deadline := time.After(2 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return chunks
			}
			chunks = append(chunks, c)
		case <-deadline:
			t.Fatal("stream did not close")
		}
	}
}

func TestNewRequiresBaseAndModel(t *testing.T) {
	t.Parallel()

	if _, err := New("", "m"); err == nil {
		t.Error("empty base URL must be rejected")
	}
	if _, err := New("http://gw", ""); err == nil {
		t.Error("empty model must be rejected")
	}
	c, err := New("http://gw/", "m")
	if err != nil {
		t.Fatalf("New = %v", err)
	}
	if c.base != "http://gw" {
		t.Errorf("base = %q, trailing slash must be trimmed", c.base)
	}
}

func TestStreamCompletionDeltas(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req oaiwire.ChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream || req.Model != "big" {
			t.Errorf("request = stream %v model %q", req.Stream, req.Model)
		}
		if req.Messages[0].Role != "system" || req.Messages[0].Content != "be brief" {
			t.Errorf("system prompt missing: %+v", req.Messages[0])
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			`{"choices":[{"delta":{"content":"hel"},"finish_reason":null}]}`,
			`{"choices":[{"delta":{"content":"lo"},"finish_reason":null}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":2,"completion_tokens":3,"total_tokens":5}}`,
		))
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "big")
	ch, err := c.StreamCompletion(context.Background(), llm.CompletionRequest{
		SystemPrompt: "be brief",
		Messages:     []llm.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion = %v", err)
	}
	chunks := collect(t, ch)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	if chunks[0].Text+chunks[1].Text != "hello" {
		t.Errorf("text = %q%q", chunks[0].Text, chunks[1].Text)
	}
	last := chunks[2]
	if last.FinishReason != "stop" {
		t.Errorf("FinishReason = %q", last.FinishReason)
	}
	if last.Usage == nil || last.Usage.TotalTokens != 5 {
		t.Errorf("Usage = %+v, want total 5", last.Usage)
	}
}

func TestStreamCompletionAccumulatesToolCallDeltas(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"mcp__search__query","arguments":"{\"q\":"}}]},"finish_reason":null}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"cats\"}"}}]},"finish_reason":null}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":1,"id":"call_2","function":{"name":"fs__read_text","arguments":"{}"}}]},"finish_reason":null}]}`,
			`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		))
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "big")
	ch, err := c.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("StreamCompletion = %v", err)
	}
	chunks := collect(t, ch)
	last := chunks[len(chunks)-1]
	if last.FinishReason != "tool_calls" {
		t.Fatalf("FinishReason = %q", last.FinishReason)
	}
	if len(last.ToolCalls) != 2 {
		t.Fatalf("ToolCalls = %d, want 2", len(last.ToolCalls))
	}
	first := last.ToolCalls[0]
	if first.ID != "call_1" || first.Name != "mcp__search__query" || first.Arguments != `{"q":"cats"}` {
		t.Errorf("call 0 = %+v, argument fragments must concatenate", first)
	}
	if last.ToolCalls[1].ID != "call_2" {
		t.Errorf("call 1 = %+v", last.ToolCalls[1])
	}
}

func TestStreamCompletionMalformedFrame(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {not json\n\n")
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "big")
	ch, err := c.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("StreamCompletion = %v", err)
	}
	chunks := collect(t, ch)
	if len(chunks) != 1 || chunks[0].FinishReason != "error" {
		t.Fatalf("chunks = %+v, want single error chunk", chunks)
	}
}

func TestErrorBodyDecoding(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(oaiwire.ErrorBody{Error: oaiwire.ErrorDetail{
			Code: "breaker_open", Message: "provider cloud is cooling down", RetryAfter: 30,
		}})
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "big")
	_, err := c.Complete(context.Background(), llm.CompletionRequest{})
	if err == nil {
		t.Fatal("Complete must fail")
	}
	var me *maitrederr.Error
	if !errors.As(err, &me) {
		t.Fatalf("error %T is not classified", err)
	}
	if me.Kind != maitrederr.KindBreakerOpen {
		t.Errorf("Kind = %v, want BreakerOpen from the wire code", me.Kind)
	}
	if me.RetryAfterSeconds != 30 {
		t.Errorf("RetryAfterSeconds = %d, want 30", me.RetryAfterSeconds)
	}
}

func TestStatusFallbackWithoutBody(t *testing.T) {
	t.Parallel()

	cases := map[int]maitrederr.Kind{
		http.StatusUnauthorized:        maitrederr.KindAuth,
		http.StatusNotFound:            maitrederr.KindNotFound,
		http.StatusBadRequest:          maitrederr.KindValidation,
		http.StatusGatewayTimeout:      maitrederr.KindTimeout,
		http.StatusInternalServerError: maitrederr.KindUnavailable,
	}
	for status, want := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		c, _ := New(srv.URL, "big")
		_, err := c.Complete(context.Background(), llm.CompletionRequest{})
		srv.Close()
		if got := maitrederr.KindOf(err); got != want {
			t.Errorf("status %d classified as %v, want %v", status, got, want)
		}
	}
}

func TestCompleteWithLogprobs(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req oaiwire.ChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.Logprobs {
			t.Error("logprobs flag not forwarded")
		}
		lp := -0.05
		reason := "stop"
		json.NewEncoder(w).Encode(oaiwire.ChatResponse{
			Object: "chat.completion",
			Choices: []oaiwire.Choice{{
				Message:      &oaiwire.Message{Role: "assistant", Content: `{"servers":[]}`},
				FinishReason: &reason,
				Logprobs: &oaiwire.Logprob{Content: []oaiwire.TokenLogprob{
					{Token: "{", Logprob: lp},
				}},
			}},
			Usage: &llm.Usage{TotalTokens: 9},
		})
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "fast")
	resp, err := c.Complete(context.Background(), llm.CompletionRequest{WantLogprobs: true})
	if err != nil {
		t.Fatalf("Complete = %v", err)
	}
	if resp.FirstTokenLogprob != -0.05 {
		t.Errorf("FirstTokenLogprob = %v, want -0.05", resp.FirstTokenLogprob)
	}
	if resp.Usage.TotalTokens != 9 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
}

func TestAuthTokenHeader(t *testing.T) {
	t.Parallel()

	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		reason := "stop"
		json.NewEncoder(w).Encode(oaiwire.ChatResponse{
			Choices: []oaiwire.Choice{{Message: &oaiwire.Message{}, FinishReason: &reason}},
		})
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "big", WithAuthToken("s3cret"))
	if _, err := c.Complete(context.Background(), llm.CompletionRequest{}); err != nil {
		t.Fatalf("Complete = %v", err)
	}
	if got != "Bearer s3cret" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestProbe(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "big")
	if err := c.Probe(context.Background()); err != nil {
		t.Errorf("Probe = %v", err)
	}

	down, _ := New("http://127.0.0.1:1", "big")
	if err := down.Probe(context.Background()); maitrederr.KindOf(err) != maitrederr.KindUnavailable {
		t.Errorf("unreachable probe = %v, want unavailable", err)
	}
}

func TestCountTokensEstimate(t *testing.T) {
	t.Parallel()

	c, _ := New("http://gw", "big")
	n, err := c.CountTokens([]llm.Message{{Role: "user", Content: "12345678"}})
	if err != nil {
		t.Fatalf("CountTokens = %v", err)
	}
	if n != 6 {
		t.Errorf("CountTokens = %d, want chars/4 + overhead = 6", n)
	}
}
