package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/maitred-dev/maitred/internal/config"
	"github.com/maitred-dev/maitred/internal/mcp"
)

// maxUnixFrame bounds a single length-prefixed frame (16 MiB).
const maxUnixFrame = 16 << 20

// unixFramer carries JSON-RPC messages over a Unix domain socket, each frame
// prefixed with a 4-byte big-endian length.
type unixFramer struct {
	conn net.Conn
	rd   *bufio.Reader
}

var _ framer = (*unixFramer)(nil)

func (f *unixFramer) WriteFrame(ctx context.Context, data []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = f.conn.SetWriteDeadline(deadline)
		defer f.conn.SetWriteDeadline(time.Time{})
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := f.conn.Write(hdr[:]); err != nil {
		return err
	}
	_, err := f.conn.Write(data)
	return err
}

func (f *unixFramer) ReadFrame(_ context.Context) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(f.rd, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxUnixFrame {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(f.rd, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (f *unixFramer) Close() error {
	return f.conn.Close()
}

// dialUnix connects to a Unix-socket MCP server at cfg.SocketPath and
// performs the initialize handshake.
func dialUnix(ctx context.Context, cfg config.MCPServerConfig) (mcp.Conn, error) {
	if cfg.SocketPath == "" {
		return nil, mcp.NewError(mcp.ClassUnreachable, cfg.Name,
			fmt.Errorf("transport: unix server requires a non-empty socket_path"))
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", cfg.SocketPath)
	if err != nil {
		return nil, mcp.NewError(mcp.ClassUnreachable, cfg.Name,
			fmt.Errorf("transport: unix dial %s: %w", cfg.SocketPath, err))
	}

	return newRPCConn(ctx, cfg.Name, &unixFramer{conn: conn, rd: bufio.NewReader(conn)})
}
