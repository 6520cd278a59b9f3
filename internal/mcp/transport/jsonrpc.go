package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/maitred-dev/maitred/internal/mcp"
)

// protocolVersion is the MCP protocol revision sent during initialize.
const protocolVersion = "2025-03-26"

// errConnClosed is reported to waiters when the connection shuts down with
// calls still in flight.
var errConnClosed = errors.New("connection closed")

// framer carries opaque JSON-RPC message frames over some byte transport.
// Implementations need not be concurrency-safe: rpcConn serializes writes,
// and ReadFrame is called from a single reader goroutine.
type framer interface {
	WriteFrame(ctx context.Context, data []byte) error
	ReadFrame(ctx context.Context) ([]byte, error)
	Close() error
}

// rpcRequest is a JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcError is a JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpcResponse is a JSON-RPC 2.0 response envelope.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcConn multiplexes concurrent JSON-RPC calls over a single framer by
// assigning request IDs and correlating responses. It implements [mcp.Conn]
// for the WebSocket and Unix-socket transports.
type rpcConn struct {
	server string
	fr     framer

	writeMu sync.Mutex // serializes frame writes

	mu      sync.Mutex
	pending map[string]chan *rpcResponse
	closed  bool
	readErr error

	done chan struct{}
}

// Compile-time check.
var _ mcp.Conn = (*rpcConn)(nil)

// initializeParams is the client half of the MCP initialize handshake.
type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      clientInfo     `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// newRPCConn wraps fr, starts the read loop, and performs the initialize
// handshake.
func newRPCConn(ctx context.Context, server string, fr framer) (*rpcConn, error) {
	c := &rpcConn{
		server:  server,
		fr:      fr,
		pending: make(map[string]chan *rpcResponse),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	var initResult json.RawMessage
	err := c.call(ctx, "initialize", initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo{Name: clientImpl.Name, Version: clientImpl.Version},
	}, &initResult)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// readLoop correlates inbound responses to waiting callers. It exits when
// the framer fails (connection closed or broken), failing all waiters.
func (c *rpcConn) readLoop() {
	for {
		data, err := c.fr.ReadFrame(context.Background())
		if err != nil {
			c.failAll(err)
			return
		}

		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			// One malformed frame poisons correlation for the whole
			// connection; shut it down.
			c.failAll(mcp.NewError(mcp.ClassProtocol, c.server,
				fmt.Errorf("transport: malformed frame: %w", err)))
			return
		}
		if resp.ID == "" {
			// Server-initiated notification; nothing correlates to it.
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

// failAll closes the connection state and releases every waiter with err.
func (c *rpcConn) failAll(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.readErr = err
	pending := c.pending
	c.pending = make(map[string]chan *rpcResponse)
	c.mu.Unlock()

	close(c.done)
	for _, ch := range pending {
		close(ch)
	}
}

// call performs one JSON-RPC round trip, decoding the result into out.
func (c *rpcConn) call(ctx context.Context, method string, params, out any) error {
	id := uuid.NewString()
	ch := make(chan *rpcResponse, 1)

	c.mu.Lock()
	if c.closed {
		err := c.readErr
		c.mu.Unlock()
		return mcp.NewError(mcp.ClassUnreachable, c.server,
			fmt.Errorf("transport: %w", errors.Join(errConnClosed, err)))
	}
	c.pending[id] = ch
	c.mu.Unlock()

	data, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		c.forget(id)
		return mcp.NewError(mcp.ClassProtocol, c.server,
			fmt.Errorf("transport: encode %s: %w", method, err))
	}

	c.writeMu.Lock()
	err = c.fr.WriteFrame(ctx, data)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return mcp.NewError(mcp.ClassUnreachable, c.server,
			fmt.Errorf("transport: write %s: %w", method, err))
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return mcp.NewError(mcp.ClassOf(ctx.Err()), c.server, ctx.Err())
	case <-c.done:
		return mcp.NewError(mcp.ClassUnreachable, c.server,
			fmt.Errorf("transport: %w during %s", errConnClosed, method))
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return mcp.NewError(mcp.ClassUnreachable, c.server,
				fmt.Errorf("transport: %w during %s", errConnClosed, method))
		}
		if resp.Error != nil {
			return mcp.NewError(mcp.ClassProtocol, c.server,
				fmt.Errorf("transport: %s: rpc error %d: %s", method, resp.Error.Code, resp.Error.Message))
		}
		if out != nil {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return mcp.NewError(mcp.ClassProtocol, c.server,
					fmt.Errorf("transport: decode %s result: %w", method, err))
			}
		}
		return nil
	}
}

// forget drops a pending correlation entry.
func (c *rpcConn) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// listToolsResult mirrors the MCP tools/list result shape.
type listToolsResult struct {
	Tools []struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		InputSchema map[string]any `json:"inputSchema"`
	} `json:"tools"`
}

// ListTools implements [mcp.Conn].
func (c *rpcConn) ListTools(ctx context.Context) ([]mcp.ToolInfo, error) {
	var result listToolsResult
	if err := c.call(ctx, "tools/list", map[string]any{}, &result); err != nil {
		return nil, err
	}
	tools := make([]mcp.ToolInfo, 0, len(result.Tools))
	for _, t := range result.Tools {
		tools = append(tools, mcp.ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return tools, nil
}

// callToolParams mirrors the MCP tools/call params shape.
type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// callToolResult mirrors the MCP tools/call result shape.
type callToolResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

// Call implements [mcp.Conn].
func (c *rpcConn) Call(ctx context.Context, tool string, args map[string]any) (*mcp.ToolResult, error) {
	var result callToolResult
	if err := c.call(ctx, "tools/call", callToolParams{Name: tool, Arguments: args}, &result); err != nil {
		return nil, err
	}
	var content string
	for _, part := range result.Content {
		if part.Type == "text" {
			content += part.Text
		}
	}
	return &mcp.ToolResult{Content: content, IsError: result.IsError}, nil
}

// Close implements [mcp.Conn].
func (c *rpcConn) Close() error {
	err := c.fr.Close()
	c.failAll(errConnClosed)
	return err
}
