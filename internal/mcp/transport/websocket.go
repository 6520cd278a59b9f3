package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"

	"github.com/maitred-dev/maitred/internal/config"
	"github.com/maitred-dev/maitred/internal/mcp"
)

// wsFramer carries one JSON-RPC message per WebSocket text frame.
type wsFramer struct {
	conn *websocket.Conn
}

var _ framer = (*wsFramer)(nil)

func (f *wsFramer) WriteFrame(ctx context.Context, data []byte) error {
	return f.conn.Write(ctx, websocket.MessageText, data)
}

func (f *wsFramer) ReadFrame(ctx context.Context) ([]byte, error) {
	_, data, err := f.conn.Read(ctx)
	return data, err
}

func (f *wsFramer) Close() error {
	return f.conn.Close(websocket.StatusNormalClosure, "shutting down")
}

// dialWebSocket connects to a WebSocket MCP server at cfg.URL and performs
// the initialize handshake. cfg.AuthToken (if set) is sent as a bearer
// credential on the upgrade request.
func dialWebSocket(ctx context.Context, cfg config.MCPServerConfig) (mcp.Conn, error) {
	if cfg.URL == "" {
		return nil, mcp.NewError(mcp.ClassUnreachable, cfg.Name,
			fmt.Errorf("transport: websocket server requires a non-empty url"))
	}

	var opts *websocket.DialOptions
	if cfg.AuthToken != "" {
		opts = &websocket.DialOptions{
			HTTPHeader: http.Header{"Authorization": []string{"Bearer " + cfg.AuthToken}},
		}
	}
	conn, _, err := websocket.Dial(ctx, cfg.URL, opts)
	if err != nil {
		return nil, mcp.NewError(mcp.ClassUnreachable, cfg.Name,
			fmt.Errorf("transport: websocket dial %s: %w", cfg.URL, err))
	}
	// Tool results can be large; the default read limit is 32 KiB.
	conn.SetReadLimit(16 << 20)

	return newRPCConn(ctx, cfg.Name, &wsFramer{conn: conn})
}
