package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/maitred-dev/maitred/internal/agentloop"
	"github.com/maitred-dev/maitred/internal/config"
	"github.com/maitred-dev/maitred/internal/maitrederr"
	"github.com/maitred-dev/maitred/internal/oaiwire"
	"github.com/maitred-dev/maitred/internal/registry"
	"github.com/maitred-dev/maitred/internal/track"
	"github.com/maitred-dev/maitred/pkg/provider/llm"
	"github.com/maitred-dev/maitred/pkg/stream"
)

// maxRequestBody bounds the chat request payload.
const maxRequestBody = 8 << 20

// handleChat is the main ingress: admission, validation, model-spec dispatch,
// and response rendering.
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	cfg := h.store.Snapshot().Config
	paymentRequired := cfg.Budget.DenyStatusPaymentRequired

	if !h.admit.TryAcquire(1) {
		w.Header().Set("Retry-After", "1")
		WriteError(w, maitrederr.New(maitrederr.KindUnavailable,
			"gateway at capacity, retry shortly"), paymentRequired)
		return
	}
	defer h.admit.Release(1)

	var body oaiwire.ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&body); err != nil {
		WriteError(w, maitrederr.Wrap(maitrederr.KindValidation, err, "malformed request body"), paymentRequired)
		return
	}
	if err := validateChat(&body); err != nil {
		WriteError(w, err, paymentRequired)
		return
	}

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = track.NewRequestID()
	}
	w.Header().Set("X-Request-ID", requestID)

	ctx, cancel := context.WithTimeout(r.Context(), cfg.Gateway.RequestTimeout)
	defer cancel()

	if m := h.core.Bus.Metrics(); m != nil {
		m.ActiveRequests.Add(ctx, 1)
		defer m.ActiveRequests.Add(context.WithoutCancel(ctx), -1)
	}
	h.core.Bus.BeginRequest(requestID)

	spec := registry.ParseSpec(body.Model)
	if spec.Kind == registry.SpecAgent {
		if cfg.Gateway.RunnerBase != "" {
			h.forwardAgent(ctx, w, r, &body, requestID, cfg)
			return
		}
		h.serveAgent(ctx, w, r, &body, requestID, cfg)
		return
	}
	h.serveDirect(ctx, w, &body, spec, requestID, cfg)
}

// validateChat enforces the minimal request shape.
func validateChat(body *oaiwire.ChatRequest) error {
	if body.Model == "" {
		return maitrederr.New(maitrederr.KindValidation, "model is required")
	}
	if len(body.Messages) == 0 {
		return maitrederr.New(maitrederr.KindValidation, "messages must not be empty")
	}
	for i, m := range body.Messages {
		switch m.Role {
		case "system", "user", "assistant", "tool":
		default:
			return maitrederr.New(maitrederr.KindValidation,
				"messages[%d].role %q is invalid", i, m.Role)
		}
	}
	if body.Temperature != nil && (*body.Temperature < 0 || *body.Temperature > 2) {
		return maitrederr.New(maitrederr.KindValidation,
			"temperature must be within [0, 2]")
	}
	return nil
}

// serveDirect streams a completion from the resolved provider.
func (h *Handler) serveDirect(ctx context.Context, w http.ResponseWriter,
	body *oaiwire.ChatRequest, spec registry.ModelSpec, requestID string, cfg *config.Config) {

	req := llm.CompletionRequest{
		Messages:     oaiwire.ToLLMMessages(body.Messages),
		Tools:        oaiwire.ToLLMTools(body.Tools),
		MaxTokens:    body.MaxTokens,
		WantLogprobs: body.Logprobs,
	}
	if body.Temperature != nil {
		req.Temperature = *body.Temperature
	}

	ch, err := h.core.Registry.ChatStream(ctx, spec, req, registry.StreamOptions{
		AllowFallback: true,
		RequestID:     requestID,
	})
	if err != nil {
		h.core.Bus.EndRequest(requestID, outcomeFor(err))
		WriteError(w, err, cfg.Budget.DenyStatusPaymentRequired)
		return
	}

	if body.Stream {
		h.streamDirect(ctx, w, ch, body.Model, requestID)
		return
	}
	h.bufferDirect(ctx, w, ch, body.Model, requestID, cfg)
}

// streamDirect renders provider chunks as SSE.
func (h *Handler) streamDirect(ctx context.Context, w http.ResponseWriter,
	ch <-chan llm.Chunk, model, requestID string) {

	sse, err := oaiwire.NewSSEWriter(w)
	if err != nil {
		h.core.Bus.EndRequest(requestID, "error")
		WriteError(w, maitrederr.Wrap(maitrederr.KindInternal, err, "start stream"), false)
		return
	}
	cs := oaiwire.NewChunkStream(requestID, model)

	outcome := "ok"
	for chunk := range ch {
		switch {
		case chunk.FinishReason == "error":
			outcome = "error"
			_ = sse.Send(oaiwire.ErrorBody{Error: oaiwire.ErrorDetail{
				Code:    maitrederr.KindUnavailable.String(),
				Message: chunk.Text,
			}})
		case chunk.FinishReason != "":
			if len(chunk.ToolCalls) > 0 {
				_ = sse.Send(cs.ToolCallFinish(chunk.ToolCalls, chunk.Usage))
			} else {
				if chunk.Text != "" {
					_ = sse.Send(cs.Delta(chunk.Text))
				}
				_ = sse.Send(cs.Finish(chunk.FinishReason, chunk.Usage))
			}
		case chunk.Text != "":
			if err := sse.Send(cs.Delta(chunk.Text)); err != nil {
				// Client is gone; drain upstream via context cancellation.
				h.core.Bus.EndRequest(requestID, "cancelled")
				return
			}
		}
	}
	_ = sse.Done()
	if ctx.Err() != nil {
		outcome = "cancelled"
	}
	h.core.Bus.EndRequest(requestID, outcome)
}

// bufferDirect drains the stream into one JSON envelope.
func (h *Handler) bufferDirect(ctx context.Context, w http.ResponseWriter,
	ch <-chan llm.Chunk, model, requestID string, cfg *config.Config) {

	var (
		content   strings.Builder
		toolCalls []llm.ToolCall
		usage     llm.Usage
		finish    = "stop"
	)
	for chunk := range ch {
		if chunk.FinishReason == "error" {
			h.core.Bus.EndRequest(requestID, "error")
			WriteError(w, maitrederr.New(maitrederr.KindUnavailable,
				"provider stream failed: %s", chunk.Text), cfg.Budget.DenyStatusPaymentRequired)
			return
		}
		content.WriteString(chunk.Text)
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
		if len(chunk.ToolCalls) > 0 {
			toolCalls = append(toolCalls, chunk.ToolCalls...)
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
	}
	if err := ctx.Err(); err != nil {
		h.core.Bus.EndRequest(requestID, outcomeFor(err))
		WriteError(w, maitrederr.Wrap(maitrederr.KindOf(err), err, "request"), false)
		return
	}

	h.core.Bus.EndRequest(requestID, "ok")
	writeJSON(w, http.StatusOK,
		oaiwire.Completion(requestID, model, content.String(), toolCalls, usage, finish))
}

// serveAgent runs the agent loop in-process and renders its frame stream.
func (h *Handler) serveAgent(ctx context.Context, w http.ResponseWriter, r *http.Request,
	body *oaiwire.ChatRequest, requestID string, cfg *config.Config) {

	messages := oaiwire.ToLLMMessages(body.Messages)
	snap := h.core.Catalog.Snapshot()
	selection := h.core.Selector.Select(ctx, messages, snap)

	tier := resolveTier(r.Header.Get("X-Quality-Tier"), selection.RecommendedTier)
	spec := agentModelSpec(cfg.Routing, tier)

	req := agentloop.Request{
		RequestID: requestID,
		Messages:  messages,
		Tools:     selection.Tools,
		MaxTokens: body.MaxTokens,
	}
	if body.Temperature != nil {
		req.Temperature = *body.Temperature
	}

	loop := h.core.AgentLoop(spec, registry.StreamOptions{
		AllowFallback: true,
		RequestID:     requestID,
	})
	frames := make(chan stream.Frame, 32)
	go loop.Run(ctx, req, frames)

	outcome, usedServers := RenderFrames(ctx, w, frames, body.Model, requestID,
		body.Stream, cfg.Budget.DenyStatusPaymentRequired)
	if outcome == "ok" && len(usedServers) > 0 {
		h.core.Selector.RecordSuccess(messages, usedServers)
	}
	h.core.Bus.EndRequest(requestID, outcome)
}

// RenderFrames renders an agent frame stream as either SSE or a buffered JSON
// envelope. It reports the lifecycle outcome and the servers whose tools
// completed successfully, which feed the selector's recall hints. The runner
// shares this renderer for its agent endpoint.
func RenderFrames(ctx context.Context, w http.ResponseWriter, frames <-chan stream.Frame,
	model, requestID string, streamMode, paymentRequired bool) (outcome string, usedServers []string) {

	if streamMode {
		return streamFrames(ctx, w, frames, model, requestID)
	}
	return bufferFrames(ctx, w, frames, model, requestID, paymentRequired)
}

// streamFrames renders agent frames as SSE, with tool lifecycle side-channel
// frames interleaved.
func streamFrames(ctx context.Context, w http.ResponseWriter,
	frames <-chan stream.Frame, model, requestID string) (outcome string, usedServers []string) {

	sse, err := oaiwire.NewSSEWriter(w)
	if err != nil {
		WriteError(w, maitrederr.Wrap(maitrederr.KindInternal, err, "start stream"), false)
		return "error", nil
	}
	cs := oaiwire.NewChunkStream(requestID, model)

	outcome = "ok"
	seen := map[string]bool{}
	for f := range frames {
		switch f.Kind {
		case stream.KindDelta:
			if err := sse.Send(cs.Delta(f.Delta)); err != nil {
				return "cancelled", nil
			}
		case stream.KindToolStart, stream.KindToolEnd:
			_ = sse.Send(toolEvent(f))
			if f.Kind == stream.KindToolEnd && f.Tool.OK && !seen[f.Tool.Server] {
				seen[f.Tool.Server] = true
				usedServers = append(usedServers, f.Tool.Server)
			}
		case stream.KindEnd:
			_ = sse.Send(cs.Finish("stop", f.Usage))
		case stream.KindError:
			outcome = outcomeFor(f.Err)
			kind := maitrederr.KindOf(f.Err)
			if kind == maitrederr.KindBreakerOpen {
				kind = maitrederr.KindUnavailable
			}
			_ = sse.Send(oaiwire.ErrorBody{Error: oaiwire.ErrorDetail{
				Code:    kind.String(),
				Message: f.Err.Error(),
			}})
		}
	}
	_ = sse.Done()
	if ctx.Err() != nil {
		outcome = "cancelled"
	}
	return outcome, usedServers
}

// bufferFrames drains agent frames into one JSON envelope. Tool lifecycle
// frames contribute only to the recall hints.
func bufferFrames(ctx context.Context, w http.ResponseWriter,
	frames <-chan stream.Frame, model, requestID string, paymentRequired bool) (outcome string, usedServers []string) {

	var (
		content strings.Builder
		usage   llm.Usage
		seen    = map[string]bool{}
	)
	for f := range frames {
		switch f.Kind {
		case stream.KindDelta:
			content.WriteString(f.Delta)
		case stream.KindToolEnd:
			if f.Tool.OK && !seen[f.Tool.Server] {
				seen[f.Tool.Server] = true
				usedServers = append(usedServers, f.Tool.Server)
			}
		case stream.KindEnd:
			if f.Usage != nil {
				usage = *f.Usage
			}
		case stream.KindError:
			WriteError(w, f.Err, paymentRequired)
			return outcomeFor(f.Err), nil
		}
	}
	if err := ctx.Err(); err != nil {
		WriteError(w, maitrederr.Wrap(maitrederr.KindOf(err), err, "request"), false)
		return outcomeFor(err), nil
	}

	writeJSON(w, http.StatusOK,
		oaiwire.Completion(requestID, model, content.String(), nil, usage, "stop"))
	return "ok", usedServers
}

// forwardAgent proxies an agent request to the runner and streams the
// response back verbatim.
func (h *Handler) forwardAgent(ctx context.Context, w http.ResponseWriter, r *http.Request,
	body *oaiwire.ChatRequest, requestID string, cfg *config.Config) {

	payload, err := json.Marshal(body)
	if err != nil {
		h.core.Bus.EndRequest(requestID, "error")
		WriteError(w, maitrederr.Wrap(maitrederr.KindInternal, err, "encode forward"), false)
		return
	}

	url := strings.TrimSuffix(cfg.Gateway.RunnerBase, "/") + "/v1/agent/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		h.core.Bus.EndRequest(requestID, "error")
		WriteError(w, maitrederr.Wrap(maitrederr.KindInternal, err, "build forward"), false)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if tier := r.Header.Get("X-Quality-Tier"); tier != "" {
		req.Header.Set("X-Quality-Tier", tier)
	}
	if cfg.Gateway.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Gateway.AuthToken)
	}

	resp, err := h.proxy.Do(req)
	if err != nil {
		h.core.Bus.EndRequest(requestID, "error")
		WriteError(w, maitrederr.Wrap(maitrederr.KindUnavailable, err, "runner unreachable"), false)
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	flushCopy(w, resp.Body)

	outcome := "ok"
	if resp.StatusCode != http.StatusOK {
		outcome = "error"
	}
	h.core.Bus.EndRequest(requestID, outcome)
}

// flushCopy streams src to w, flushing after every read so SSE frames reach
// the client promptly.
func flushCopy(w http.ResponseWriter, src io.Reader) {
	f, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if f != nil {
				f.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

// toolEvent converts a lifecycle frame into its wire shape.
func toolEvent(f stream.Frame) oaiwire.ToolEvent {
	phase := "start"
	if f.Kind == stream.KindToolEnd {
		phase = "end"
	}
	return oaiwire.ToolEvent{
		Object:     oaiwire.ToolEventObject,
		Phase:      phase,
		CallID:     f.Tool.CallID,
		Server:     f.Tool.Server,
		Tool:       f.Tool.Tool,
		OK:         f.Tool.OK,
		DurationMs: f.Tool.DurationMs,
	}
}

// resolveTier prefers the client header over the selector recommendation,
// defaulting to balanced.
func resolveTier(header string, recommended config.QualityTier) config.QualityTier {
	if t := config.QualityTier(header); t.IsValid() {
		return t
	}
	if recommended.IsValid() {
		return recommended
	}
	return config.TierBalanced
}

// agentModelSpec resolves the model serving an agent request for the tier.
func agentModelSpec(routing config.RoutingConfig, tier config.QualityTier) registry.ModelSpec {
	if raw, ok := routing.Tiers[tier]; ok && raw != "" {
		return registry.ParseSpec(raw)
	}
	return registry.ParseSpec(routing.DefaultModel)
}

// outcomeFor maps an error to the lifecycle outcome label.
func outcomeFor(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	switch maitrederr.KindOf(err) {
	case maitrederr.KindCancelled:
		return "cancelled"
	case maitrederr.KindTimeout:
		return "timeout"
	}
	return "error"
}
