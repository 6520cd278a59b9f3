package agentloop

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/maitred-dev/maitred/internal/catalog"
	"github.com/maitred-dev/maitred/internal/maitrederr"
	"github.com/maitred-dev/maitred/internal/mcp"
	"github.com/maitred-dev/maitred/pkg/provider/llm"
	"github.com/maitred-dev/maitred/pkg/stream"
)

// scriptedCompleter replays one chunk sequence per turn and records requests.
type scriptedCompleter struct {
	mu    sync.Mutex
	turns [][]llm.Chunk
	reqs  []llm.CompletionRequest
}

func (c *scriptedCompleter) complete(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	c.mu.Lock()
	c.reqs = append(c.reqs, req)
	var turn []llm.Chunk
	if len(c.turns) > 0 {
		turn = c.turns[0]
		c.turns = c.turns[1:]
	}
	c.mu.Unlock()

	ch := make(chan llm.Chunk, len(turn))
	go func() {
		defer close(ch)
		for _, chunk := range turn {
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// recordingDispatcher answers every MCP call with a canned result.
type recordingDispatcher struct {
	mu     sync.Mutex
	calls  []string
	result *mcp.ToolResult
	err    error
}

func (d *recordingDispatcher) Call(_ context.Context, server, tool string, _ map[string]any) (*mcp.ToolResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, server+"/"+tool)
	if d.err != nil {
		return nil, d.err
	}
	return d.result, nil
}

func searchTool() catalog.ToolDescriptor {
	return catalog.ToolDescriptor{
		CanonicalName: "mcp__search__query",
		Server:        "search",
		LocalName:     "query",
		Description:   "web search",
	}
}

func runLoop(t *testing.T, loop *Loop, req Request) []stream.Frame {
	t.Helper()
	out := make(chan stream.Frame, 64)
	done := make(chan struct{})
	var frames []stream.Frame
	go func() {
		defer close(done)
		for f := range out {
			frames = append(frames, f)
		}
	}()
	loop.Run(context.Background(), req, out)
	<-done
	return frames
}

func kinds(frames []stream.Frame) []stream.Kind {
	out := make([]stream.Kind, len(frames))
	for i, f := range frames {
		out[i] = f.Kind
	}
	return out
}

func TestPureCompletionTurn(t *testing.T) {
	t.Parallel()

	completer := &scriptedCompleter{turns: [][]llm.Chunk{{
		{Text: "hello "},
		{Text: "world", FinishReason: "stop", Usage: &llm.Usage{TotalTokens: 7}},
	}}}
	loop := New(Config{MaxIterations: 0}, completer.complete, &recordingDispatcher{}, nil, nil)

	frames := runLoop(t, loop, Request{
		RequestID: "r1",
		Messages:  []llm.Message{{Role: "user", Content: "hi"}},
		Tools:     []catalog.ToolDescriptor{searchTool()},
	})

	want := []stream.Kind{stream.KindDelta, stream.KindDelta, stream.KindEnd}
	got := kinds(frames)
	if len(got) != len(want) {
		t.Fatalf("frames = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frames = %v, want %v", got, want)
		}
	}
	if frames[2].Usage.TotalTokens != 7 {
		t.Errorf("final usage = %+v, want 7 total", frames[2].Usage)
	}
	// Zero iteration budget means a pure completion: no tools offered.
	if completer.reqs[0].Tools != nil {
		t.Error("pure completion turn must not offer tools")
	}
}

func TestToolCallCycle(t *testing.T) {
	t.Parallel()

	completer := &scriptedCompleter{turns: [][]llm.Chunk{
		{{FinishReason: "tool_calls", ToolCalls: []llm.ToolCall{
			{ID: "call_1", Name: "mcp__search__query", Arguments: `{"q":"cats"}`},
		}, Usage: &llm.Usage{TotalTokens: 10}}},
		{{Text: "cats are great", FinishReason: "stop", Usage: &llm.Usage{TotalTokens: 5}}},
	}}
	dispatcher := &recordingDispatcher{result: &mcp.ToolResult{Content: `{"hits":3}`}}
	loop := New(Config{MaxIterations: 3}, completer.complete, dispatcher, nil, nil)

	frames := runLoop(t, loop, Request{
		RequestID: "r2",
		Messages:  []llm.Message{{Role: "user", Content: "search cats"}},
		Tools:     []catalog.ToolDescriptor{searchTool()},
	})

	want := []stream.Kind{stream.KindToolStart, stream.KindToolEnd, stream.KindDelta, stream.KindEnd}
	got := kinds(frames)
	if len(got) != len(want) {
		t.Fatalf("frames = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frames = %v, want %v", got, want)
		}
	}

	if frames[1].Tool == nil || !frames[1].Tool.OK {
		t.Errorf("tool_end = %+v, want OK", frames[1].Tool)
	}
	if len(dispatcher.calls) != 1 || dispatcher.calls[0] != "search/query" {
		t.Errorf("dispatched = %v, want [search/query]", dispatcher.calls)
	}

	// The second turn sees the assistant tool-call message followed by the
	// tool observation, in that order.
	second := completer.reqs[1].Messages
	if len(second) != 3 {
		t.Fatalf("second turn has %d messages, want 3", len(second))
	}
	if second[1].Role != "assistant" || len(second[1].ToolCalls) != 1 {
		t.Errorf("message[1] = %+v, want assistant with tool calls", second[1])
	}
	if second[2].Role != "tool" || second[2].ToolCallID != "call_1" {
		t.Errorf("message[2] = %+v, want tool observation for call_1", second[2])
	}

	// Usage accumulates across turns.
	if frames[3].Usage.TotalTokens != 15 {
		t.Errorf("total usage = %+v, want 15", frames[3].Usage)
	}
}

func TestObservationsAppliedInCallOrder(t *testing.T) {
	t.Parallel()

	completer := &scriptedCompleter{turns: [][]llm.Chunk{
		{{FinishReason: "tool_calls", ToolCalls: []llm.ToolCall{
			{ID: "call_b", Name: "mcp__search__query", Arguments: `{}`},
			{ID: "call_a", Name: "mcp__search__query", Arguments: `{}`},
		}}},
		{{Text: "done", FinishReason: "stop"}},
	}}
	dispatcher := &recordingDispatcher{result: &mcp.ToolResult{Content: "ok"}}
	loop := New(Config{MaxIterations: 3}, completer.complete, dispatcher, nil, nil)

	runLoop(t, loop, Request{
		RequestID: "r3",
		Messages:  []llm.Message{{Role: "user", Content: "go"}},
		Tools:     []catalog.ToolDescriptor{searchTool()},
	})

	second := completer.reqs[1].Messages
	if len(second) != 4 {
		t.Fatalf("second turn has %d messages, want 4", len(second))
	}
	if second[2].ToolCallID != "call_b" || second[3].ToolCallID != "call_a" {
		t.Errorf("observation order = %s, %s; want assistant message order",
			second[2].ToolCallID, second[3].ToolCallID)
	}
}

func TestUnknownToolBecomesObservation(t *testing.T) {
	t.Parallel()

	completer := &scriptedCompleter{turns: [][]llm.Chunk{
		{{FinishReason: "tool_calls", ToolCalls: []llm.ToolCall{
			{ID: "call_1", Name: "mcp__rogue__tool", Arguments: `{}`},
		}}},
		{{Text: "recovered", FinishReason: "stop"}},
	}}
	dispatcher := &recordingDispatcher{result: &mcp.ToolResult{Content: "ok"}}
	loop := New(Config{MaxIterations: 3}, completer.complete, dispatcher, nil, nil)

	frames := runLoop(t, loop, Request{
		RequestID: "r4",
		Messages:  []llm.Message{{Role: "user", Content: "go"}},
		Tools:     []catalog.ToolDescriptor{searchTool()},
	})

	// The dispatch fails as an observation, not a stream error.
	if frames[len(frames)-1].Kind != stream.KindEnd {
		t.Fatalf("terminal frame = %v, want end", frames[len(frames)-1].Kind)
	}
	if len(dispatcher.calls) != 0 {
		t.Error("a tool outside the effective set must not be dispatched")
	}
	obs := completer.reqs[1].Messages[2]
	if obs.Role != "tool" || !strings.Contains(obs.Content, "not available") {
		t.Errorf("observation = %+v, want a not-available error", obs)
	}
}

func TestIterationBudgetForcesFinalTurn(t *testing.T) {
	t.Parallel()

	completer := &scriptedCompleter{turns: [][]llm.Chunk{
		{{FinishReason: "tool_calls", ToolCalls: []llm.ToolCall{
			{ID: "call_1", Name: "mcp__search__query", Arguments: `{}`},
		}}},
		{{Text: "forced final", FinishReason: "stop"}},
	}}
	dispatcher := &recordingDispatcher{result: &mcp.ToolResult{Content: "ok"}}
	loop := New(Config{MaxIterations: 1}, completer.complete, dispatcher, nil, nil)

	frames := runLoop(t, loop, Request{
		RequestID: "r5",
		Messages:  []llm.Message{{Role: "user", Content: "go"}},
		Tools:     []catalog.ToolDescriptor{searchTool()},
	})

	if frames[len(frames)-1].Kind != stream.KindEnd {
		t.Fatalf("terminal frame = %v, want end", frames[len(frames)-1].Kind)
	}
	if len(completer.reqs) != 2 {
		t.Fatalf("turns = %d, want 2", len(completer.reqs))
	}
	finalTurn := completer.reqs[1]
	if finalTurn.Tools != nil {
		t.Error("final turn must not offer tools")
	}
	last := finalTurn.Messages[len(finalTurn.Messages)-1]
	if !strings.Contains(last.Content, "final answer") {
		t.Errorf("final turn directive missing, last message = %+v", last)
	}
}

func TestCompleterFailureEmitsErrorFrame(t *testing.T) {
	t.Parallel()

	fail := func(context.Context, llm.CompletionRequest) (<-chan llm.Chunk, error) {
		return nil, maitrederr.New(maitrederr.KindUnavailable, "no provider")
	}
	loop := New(Config{MaxIterations: 2}, fail, &recordingDispatcher{}, nil, nil)

	frames := runLoop(t, loop, Request{
		RequestID: "r6",
		Messages:  []llm.Message{{Role: "user", Content: "go"}},
	})
	if len(frames) != 1 || frames[0].Kind != stream.KindError {
		t.Fatalf("frames = %v, want a single error frame", kinds(frames))
	}
	if maitrederr.KindOf(frames[0].Err) != maitrederr.KindUnavailable {
		t.Errorf("error kind = %v, want unavailable", maitrederr.KindOf(frames[0].Err))
	}
}

func TestProviderIdleTimeout(t *testing.T) {
	t.Parallel()

	stall := func(ctx context.Context, _ llm.CompletionRequest) (<-chan llm.Chunk, error) {
		ch := make(chan llm.Chunk)
		go func() {
			<-ctx.Done()
			close(ch)
		}()
		return ch, nil
	}
	loop := New(Config{MaxIterations: 2, IdleTimeout: 30 * time.Millisecond},
		stall, &recordingDispatcher{}, nil, nil)

	frames := runLoop(t, loop, Request{
		RequestID: "r7",
		Messages:  []llm.Message{{Role: "user", Content: "go"}},
	})
	if len(frames) != 1 || frames[0].Kind != stream.KindError {
		t.Fatalf("frames = %v, want a single error frame", kinds(frames))
	}
	if maitrederr.KindOf(frames[0].Err) != maitrederr.KindTimeout {
		t.Errorf("error kind = %v, want timeout", maitrederr.KindOf(frames[0].Err))
	}
}

func TestCancellationTerminatesWithError(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	stall := func(ctx context.Context, _ llm.CompletionRequest) (<-chan llm.Chunk, error) {
		close(started)
		ch := make(chan llm.Chunk)
		go func() {
			<-ctx.Done()
			close(ch)
		}()
		return ch, nil
	}
	loop := New(Config{MaxIterations: 2}, stall, &recordingDispatcher{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan stream.Frame, 16)
	go func() {
		<-started
		cancel()
	}()

	done := make(chan []stream.Frame, 1)
	go func() {
		var frames []stream.Frame
		for f := range out {
			frames = append(frames, f)
		}
		done <- frames
	}()
	loop.Run(ctx, Request{
		RequestID: "r8",
		Messages:  []llm.Message{{Role: "user", Content: "go"}},
	}, out)

	frames := <-done
	if len(frames) != 1 || frames[0].Kind != stream.KindError {
		t.Fatalf("frames = %v, want a single error frame", kinds(frames))
	}
	if !errors.Is(frames[0].Err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled in the chain", frames[0].Err)
	}
}

func TestStreamErrorChunkSurfacesAsErrorFrame(t *testing.T) {
	t.Parallel()

	completer := &scriptedCompleter{turns: [][]llm.Chunk{
		{{FinishReason: "error", Text: "provider exploded"}},
	}}
	loop := New(Config{MaxIterations: 2}, completer.complete, &recordingDispatcher{}, nil, nil)

	frames := runLoop(t, loop, Request{
		RequestID: "r9",
		Messages:  []llm.Message{{Role: "user", Content: "go"}},
	})
	if len(frames) != 1 || frames[0].Kind != stream.KindError {
		t.Fatalf("frames = %v, want a single error frame", kinds(frames))
	}
	if !strings.Contains(frames[0].Err.Error(), "provider exploded") {
		t.Errorf("error = %v, want the upstream message", frames[0].Err)
	}
}
