// Package ws provides the WebSocket transport used to reach the realtime API.
package ws

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/pkg/errors"
)

// Conn adapts a client-side gobwas/ws connection to transport.Conn.
type Conn struct {
	conn    net.Conn
	writeMu sync.Mutex
	readMu  sync.Mutex
	closed  sync.Once
}

// NewConn wraps an established, already upgraded client connection.
func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn}
}

// Read implements transport.Conn.
// Reads one data frame from the server; control frames are answered internally.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, errors.Wrap(err, "failed to set read deadline")
	}

	// Control frame replies share the write lock with data frames.
	rw := struct {
		io.Reader
		io.Writer
	}{c.conn, lockedWriter{c}}

	data, op, err := wsutil.ReadServerData(rw)
	if err != nil {
		var closed wsutil.ClosedError
		if errors.As(err, &closed) {
			return nil, io.EOF
		}
		return nil, err
	}
	if op != ws.OpText && op != ws.OpBinary {
		return nil, errors.Errorf("unexpected websocket opcode %v", op)
	}
	return data, nil
}

// Write implements transport.Conn.
// Writes a text frame; DDP frames are JSON.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return errors.Wrap(err, "failed to set write deadline")
	}
	return wsutil.WriteClientText(c.conn, data)
}

// Close implements transport.Conn.
// Sends a close frame before closing the socket; safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closed.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

type lockedWriter struct {
	c *Conn
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.conn.Write(p)
}

// RemoteAddr implements transport.Conn.
func (c *Conn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
