package ws

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/pkg/errors"

	"github.com/omochice/rocketchat-adapter/internal/transport"
)

// DefaultHandshakeTimeout bounds the TCP connect and HTTP upgrade.
const DefaultHandshakeTimeout = 10 * time.Second

// Dialer opens WebSocket connections with gobwas/ws.
type Dialer struct {
	// HandshakeTimeout bounds the upgrade; zero means DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration
}

var _ transport.Dialer = (*Dialer)(nil)

// NewDialer creates a Dialer with default settings.
func NewDialer() *Dialer {
	return &Dialer{HandshakeTimeout: DefaultHandshakeTimeout}
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}

	dialer := ws.Dialer{Timeout: timeout}
	conn, br, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", url)
	}

	// Frames sent right after the upgrade response may already sit in br.
	if br != nil {
		conn = &bufferedConn{Conn: conn, r: io.MultiReader(br, conn)}
	}
	return NewConn(conn), nil
}

type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}
