package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/maitred-dev/maitred/internal/config"
	"github.com/maitred-dev/maitred/internal/mcp"
)

// clientImpl identifies this client in MCP initialize handshakes.
var clientImpl = &mcpsdk.Implementation{Name: "maitred", Version: "1.0.0"}

// sdkConn adapts an official-SDK client session (stdio or streamable-HTTP)
// to the [mcp.Conn] contract.
type sdkConn struct {
	server  string
	session *mcpsdk.ClientSession
}

// Compile-time check.
var _ mcp.Conn = (*sdkConn)(nil)

// dialSDK connects via the official MCP Go SDK. For stdio, cfg.Command is
// split on spaces into executable + args and cfg.Env is injected into the
// child's environment. For streamable-HTTP, cfg.URL is the endpoint and
// cfg.AuthToken (if set) is sent as a bearer credential.
func dialSDK(ctx context.Context, cfg config.MCPServerConfig) (mcp.Conn, error) {
	var tr mcpsdk.Transport

	switch cfg.Transport {
	case config.TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return nil, mcp.NewError(mcp.ClassUnreachable, cfg.Name,
				fmt.Errorf("transport: stdio server requires a non-empty command"))
		}
		cmd := exec.Command(executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		tr = &mcpsdk.CommandTransport{Command: cmd}

	case config.TransportStreamableHTTP:
		if cfg.URL == "" {
			return nil, mcp.NewError(mcp.ClassUnreachable, cfg.Name,
				fmt.Errorf("transport: streamable-http server requires a non-empty url"))
		}
		st := &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
		if cfg.AuthToken != "" {
			st.HTTPClient = &http.Client{
				Transport: &bearerRoundTripper{token: cfg.AuthToken, next: http.DefaultTransport},
			}
		}
		tr = st
	}

	client := mcpsdk.NewClient(clientImpl, nil)
	session, err := client.Connect(ctx, tr, nil)
	if err != nil {
		return nil, mcp.NewError(mcp.ClassUnreachable, cfg.Name,
			fmt.Errorf("transport: connect: %w", err))
	}
	return &sdkConn{server: cfg.Name, session: session}, nil
}

// ListTools implements [mcp.Conn].
func (c *sdkConn) ListTools(ctx context.Context) ([]mcp.ToolInfo, error) {
	var tools []mcp.ToolInfo
	for tool, err := range c.session.Tools(ctx, nil) {
		if err != nil {
			return nil, mcp.NewError(mcp.ClassOf(err), c.server,
				fmt.Errorf("transport: list tools: %w", err))
		}
		tools = append(tools, mcp.ToolInfo{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schemaToMap(tool.InputSchema),
		})
	}
	return tools, nil
}

// Call implements [mcp.Conn].
func (c *sdkConn) Call(ctx context.Context, tool string, args map[string]any) (*mcp.ToolResult, error) {
	result, err := c.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      tool,
		Arguments: args,
	})
	if err != nil {
		return nil, mcp.NewError(mcp.ClassOf(err), c.server,
			fmt.Errorf("transport: call %q: %w", tool, err))
	}

	// Concatenate all text content from the result.
	var sb strings.Builder
	for _, content := range result.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return &mcp.ToolResult{Content: sb.String(), IsError: result.IsError}, nil
}

// Close implements [mcp.Conn]. The SDK terminates stdio children itself.
func (c *sdkConn) Close() error {
	return c.session.Close()
}

// bearerRoundTripper injects an Authorization header on every request.
type bearerRoundTripper struct {
	token string
	next  http.RoundTripper
}

func (rt *bearerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+rt.token)
	return rt.next.RoundTrip(clone)
}

// splitCommand splits a command string into executable and arguments.
// e.g. "/bin/foo --bar baz" → ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
