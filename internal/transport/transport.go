// Package transport defines the connection abstraction the realtime client runs on.
package transport

import "context"

// Conn abstracts a bidirectional message connection.
// This interface isolates socket details from protocol logic.
type Conn interface {
	// Read reads a single message frame.
	// Returns io.EOF when connection is closed.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single message frame. Safe for concurrent use.
	Write(ctx context.Context, data []byte) error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}

// Dialer opens connections. It is injected into the realtime client so tests
// and embedders can substitute their own transport.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

// Dial calls f(ctx, url).
func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) {
	return f(ctx, url)
}
