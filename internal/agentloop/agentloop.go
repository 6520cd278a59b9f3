// Package agentloop runs the model/tool iteration cycle for agent-routed
// requests.
//
// Each turn streams a completion from the provider, forwards plain content
// deltas to the client immediately, and buffers tool-call deltas until the
// assistant message completes. Tool calls are then validated against the
// effective tool set, dispatched in parallel, and their observations appended
// to the scratch message list in call-ID order before the next turn. The loop
// is bounded by a configured iteration budget and the request deadline.
package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maitred-dev/maitred/internal/catalog"
	"github.com/maitred-dev/maitred/internal/maitrederr"
	"github.com/maitred-dev/maitred/internal/mcp"
	"github.com/maitred-dev/maitred/internal/track"
	"github.com/maitred-dev/maitred/pkg/provider/llm"
	"github.com/maitred-dev/maitred/pkg/stream"
)

// Completer starts one streaming model turn. The registry's ChatStream bound
// to the chosen provider satisfies it.
type Completer func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error)

// ToolDispatcher routes one MCP tool call. Satisfied by *dispatch.Dispatcher.
type ToolDispatcher interface {
	Call(ctx context.Context, server, tool string, args map[string]any) (*mcp.ToolResult, error)
}

// FSRunner executes built-in fs__ tools. Satisfied by *fstools.Sandbox.
type FSRunner interface {
	Call(ctx context.Context, canonical string, args map[string]any) (*mcp.ToolResult, error)
}

// Config tunes one loop instance.
type Config struct {
	// MaxIterations bounds model/tool cycles. Zero runs a single pure
	// completion turn with no tool dispatch.
	MaxIterations int

	// IdleTimeout bounds the gap between provider stream frames.
	IdleTimeout time.Duration
}

// Loop drives agent-routed requests. Safe for concurrent use; per-request
// state lives on the stack of Run.
type Loop struct {
	cfg      Config
	complete Completer
	tools    ToolDispatcher
	fs       FSRunner
	bus      *track.Bus
}

// New assembles a Loop. fs may be nil when no sandbox root is configured.
func New(cfg Config, complete Completer, tools ToolDispatcher, fs FSRunner, bus *track.Bus) *Loop {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 120 * time.Second
	}
	return &Loop{cfg: cfg, complete: complete, tools: tools, fs: fs, bus: bus}
}

// Request is one agent invocation.
type Request struct {
	// RequestID correlates lifecycle stages and events.
	RequestID string

	// Messages is the client-supplied conversation.
	Messages []llm.Message

	// Tools is the effective tool set from the selector.
	Tools []catalog.ToolDescriptor

	// Temperature and MaxTokens pass through to each model turn.
	Temperature float64
	MaxTokens   int
}

// directive is the system preamble describing tool usage for this request.
const directive = "You can call the provided tools when they help answer the request. " +
	"Call tools only when needed; answer directly when you already know. " +
	"After using tools, give a complete final answer."

// terminalDirective forces a final answer once the iteration budget runs out.
const terminalDirective = "Tool budget exhausted. Produce your final answer now " +
	"from the observations collected so far. Do not request any more tool calls."

// Run executes the loop and emits frames on out. It always closes out after
// exactly one terminal frame (end or error). Cancellation of ctx propagates
// to the provider stream and all in-flight tool calls; partial results are
// discarded and the stream terminates with an error frame.
func (l *Loop) Run(ctx context.Context, req Request, out chan<- stream.Frame) {
	defer close(out)

	logger := slog.With("request_id", req.RequestID)
	scratch := append([]llm.Message(nil), req.Messages...)
	defs := toolDefinitions(req.Tools)
	effective := effectiveSet(req.Tools)

	var totalUsage llm.Usage

	final := false
	for i := 0; ; i++ {
		if l.bus != nil {
			l.bus.StartStage(req.RequestID, fmt.Sprintf("turn_%d", i))
		}

		turnReq := llm.CompletionRequest{
			Messages:     scratch,
			Temperature:  req.Temperature,
			MaxTokens:    req.MaxTokens,
			SystemPrompt: directive,
		}
		if l.cfg.MaxIterations > 0 && !final {
			turnReq.Tools = defs
		}

		text, calls, usage, err := l.streamTurn(ctx, turnReq, out)
		l.endStage(req.RequestID, i, err)
		if err != nil {
			out <- stream.Error(err)
			return
		}
		if usage != nil {
			totalUsage.PromptTokens += usage.PromptTokens
			totalUsage.CompletionTokens += usage.CompletionTokens
			totalUsage.TotalTokens += usage.TotalTokens
		}

		if len(calls) == 0 || final {
			out <- stream.End(&totalUsage)
			return
		}

		// Assistant message with its tool calls enters the scratch list
		// before any observation.
		scratch = append(scratch, llm.Message{
			Role:      "assistant",
			Content:   text,
			ToolCalls: calls,
		})

		observations, err := l.dispatchAll(ctx, calls, effective, out)
		if err != nil {
			out <- stream.Error(err)
			return
		}
		// Results are applied in the order the call IDs appeared in the
		// assistant message, independent of completion order.
		for _, call := range calls {
			scratch = append(scratch, observations[call.ID])
		}

		if i+1 >= l.cfg.MaxIterations {
			logger.Info("iteration budget exhausted, forcing final turn",
				"iterations", i+1)
			scratch = append(scratch, llm.Message{Role: "user", Content: terminalDirective})
			final = true
		}
	}
}

// streamTurn runs one provider turn, forwarding deltas and collecting
// buffered tool calls, the assistant text, and usage.
func (l *Loop) streamTurn(ctx context.Context, req llm.CompletionRequest, out chan<- stream.Frame) (string, []llm.ToolCall, *llm.Usage, error) {
	ch, err := l.complete(ctx, req)
	if err != nil {
		return "", nil, nil, err
	}

	var (
		text  strings.Builder
		calls []llm.ToolCall
		usage *llm.Usage
	)

	idle := time.NewTimer(l.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", nil, nil, maitrederr.Wrap(maitrederr.KindOf(ctx.Err()), ctx.Err(), "agent turn")
		case <-idle.C:
			return "", nil, nil, maitrederr.New(maitrederr.KindTimeout,
				"provider stream idle for %s", l.cfg.IdleTimeout)
		case chunk, ok := <-ch:
			if !ok {
				return text.String(), calls, usage, nil
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(l.cfg.IdleTimeout)

			if chunk.FinishReason == "error" {
				return "", nil, nil, maitrederr.New(maitrederr.KindUnavailable,
					"provider stream failed: %s", chunk.Text)
			}
			if chunk.Text != "" {
				text.WriteString(chunk.Text)
				select {
				case out <- stream.Delta(chunk.Text):
				case <-ctx.Done():
					return "", nil, nil, maitrederr.Wrap(maitrederr.KindOf(ctx.Err()), ctx.Err(), "agent turn")
				}
			}
			if len(chunk.ToolCalls) > 0 {
				calls = append(calls, chunk.ToolCalls...)
			}
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
		}
	}
}

// dispatchAll runs one turn's tool calls in parallel and returns the
// synthetic tool-result messages keyed by call ID.
func (l *Loop) dispatchAll(ctx context.Context, calls []llm.ToolCall, effective map[string]catalog.ToolDescriptor, out chan<- stream.Frame) (map[string]llm.Message, error) {
	var (
		mu           sync.Mutex
		observations = make(map[string]llm.Message, len(calls))
		frames       = make(chan stream.Frame, len(calls)*2)
	)

	g, gctx := errgroup.WithContext(ctx)

	// Frames from concurrent dispatches are serialized onto the client
	// stream by this forwarder.
	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		for f := range frames {
			select {
			case out <- f:
			case <-ctx.Done():
			}
		}
	}()

	for _, call := range calls {
		g.Go(func() error {
			msg := l.dispatchOne(gctx, call, effective, frames)
			mu.Lock()
			observations[call.ID] = msg
			mu.Unlock()
			return gctx.Err()
		})
	}

	err := g.Wait()
	close(frames)
	<-forwardDone
	if err != nil {
		return nil, maitrederr.Wrap(maitrederr.KindOf(err), err, "tool dispatch")
	}
	return observations, nil
}

// dispatchOne validates and executes a single call, emitting its lifecycle
// frames. Failures become structured observations; the model is expected to
// recover.
func (l *Loop) dispatchOne(ctx context.Context, call llm.ToolCall, effective map[string]catalog.ToolDescriptor, frames chan<- stream.Frame) llm.Message {
	serverName := "fs"
	if srv, _, ok := catalog.SplitMCP(call.Name); ok {
		serverName = srv
	}
	lifecycle := stream.ToolLifecycle{CallID: call.ID, Server: serverName, Tool: call.Name}
	frames <- stream.ToolStart(lifecycle)

	start := time.Now()
	result := l.execute(ctx, call, effective)
	lifecycle.DurationMs = time.Since(start).Milliseconds()
	lifecycle.OK = !result.IsError
	frames <- stream.ToolEnd(lifecycle)

	if l.bus != nil {
		severity := track.SeverityDebug
		if result.IsError {
			severity = track.SeverityWarn
		}
		l.bus.RecordEvent("tool", severity, map[string]any{
			"tool":        call.Name,
			"ok":          !result.IsError,
			"duration_ms": lifecycle.DurationMs,
		})
	}

	return llm.Message{
		Role:       "tool",
		Content:    result.Content,
		ToolCallID: call.ID,
	}
}

// execute resolves the canonical name and runs the call, converting every
// failure into a tool-level error result.
func (l *Loop) execute(ctx context.Context, call llm.ToolCall, effective map[string]catalog.ToolDescriptor) *mcp.ToolResult {
	if _, ok := effective[call.Name]; !ok {
		return errResult("tool %q is not available for this request", call.Name)
	}

	args := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return errResult("malformed arguments for %q: %v", call.Name, err)
		}
	}

	if catalog.IsBuiltin(call.Name) {
		if l.fs == nil {
			return errResult("file tools are not enabled")
		}
		result, err := l.fs.Call(ctx, call.Name, args)
		if err != nil {
			return errResult("%v", err)
		}
		return result
	}

	server, tool, ok := catalog.SplitMCP(call.Name)
	if !ok {
		return errResult("malformed tool name %q", call.Name)
	}
	result, err := l.tools.Call(ctx, server, tool, args)
	if err != nil {
		// Unreachable/timeout failures already fed the breaker inside the
		// dispatcher; here they become an observation.
		return errResult("tool %q failed: %v", call.Name, err)
	}
	return result
}

func errResult(format string, args ...any) *mcp.ToolResult {
	return &mcp.ToolResult{Content: fmt.Sprintf(format, args...), IsError: true}
}

// toolDefinitions converts catalog descriptors to the provider wire shape.
func toolDefinitions(tools []catalog.ToolDescriptor) []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(tools))
	for _, d := range tools {
		defs = append(defs, llm.ToolDefinition{
			Name:        d.CanonicalName,
			Description: d.Description,
			Parameters:  d.ArgSchema,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

func effectiveSet(tools []catalog.ToolDescriptor) map[string]catalog.ToolDescriptor {
	set := make(map[string]catalog.ToolDescriptor, len(tools))
	for _, d := range tools {
		set[d.CanonicalName] = d
	}
	return set
}

func (l *Loop) endStage(requestID string, turn int, err error) {
	if l.bus == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	l.bus.EndStage(requestID, fmt.Sprintf("turn_%d", turn), outcome)
}
