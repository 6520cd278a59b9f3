// Package transport dials MCP servers over their four supported transports
// and normalizes them to the [mcp.Conn] contract.
//
// stdio and streamable-HTTP servers are driven through the official MCP Go
// SDK (github.com/modelcontextprotocol/go-sdk). WebSocket and Unix-socket
// servers speak the same JSON-RPC 2.0 envelopes over a message framer owned
// by this package: one text frame per message for WebSocket, length-prefixed
// frames for Unix sockets.
package transport

import (
	"context"
	"fmt"

	"github.com/maitred-dev/maitred/internal/config"
	"github.com/maitred-dev/maitred/internal/mcp"
)

// Dial connects to the server described by cfg and performs the MCP
// handshake (initialize). The caller is expected to bound ctx with the
// configured handshake timeout.
//
// The returned Conn is ready for ListTools and Call. Dial failures are
// classified [mcp.ClassUnreachable].
func Dial(ctx context.Context, cfg config.MCPServerConfig) (mcp.Conn, error) {
	switch cfg.Transport {
	case config.TransportStdio, config.TransportStreamableHTTP:
		return dialSDK(ctx, cfg)
	case config.TransportWebSocket:
		return dialWebSocket(ctx, cfg)
	case config.TransportUnix:
		return dialUnix(ctx, cfg)
	default:
		return nil, mcp.NewError(mcp.ClassUnreachable, cfg.Name,
			fmt.Errorf("transport: unknown transport %q", cfg.Transport))
	}
}
