// Package ddp implements the client side of the Distributed Data Protocol used by
// the Rocket.Chat realtime API: connect handshake, method calls, subscriptions and
// collection change notifications.
package ddp

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/omochice/rocketchat-adapter/internal/logging"
	"github.com/omochice/rocketchat-adapter/internal/transport"
	"github.com/omochice/rocketchat-adapter/pkg/protocol"
)

var (
	// ErrClosed is returned for calls pending when the connection ends.
	ErrClosed = errors.New("ddp connection closed")
	// ErrNotConnected is returned when a frame is sent before Connect succeeded.
	ErrNotConnected = errors.New("ddp client not connected")
)

// ChangeHandler receives added and changed frames of one collection.
type ChangeHandler func(msg *protocol.Message)

type subResult struct {
	err error
}

// Client is a DDP client bound to a single connection.
type Client struct {
	url    string
	dialer transport.Dialer
	logger zerolog.Logger
	newID  func() string

	conn    transport.Conn
	session string
	mu      sync.RWMutex

	pendingMu    sync.Mutex
	connectWait  chan *protocol.Message
	pendingCalls map[string]chan *protocol.Message
	pendingSubs  map[string]chan subResult

	handlersMu sync.RWMutex
	handlers   map[string][]ChangeHandler

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used for protocol events.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithIDGenerator replaces the uuid based call and subscription ids.
func WithIDGenerator(newID func() string) Option {
	return func(c *Client) {
		c.newID = newID
	}
}

// New creates a Client for url. Nothing is dialed until Connect.
func New(url string, dialer transport.Dialer, opts ...Option) *Client {
	c := &Client{
		url:          url,
		dialer:       dialer,
		logger:       logging.Component("ddp"),
		newID:        uuid.NewString,
		pendingCalls: make(map[string]chan *protocol.Message),
		pendingSubs:  make(map[string]chan subResult),
		handlers:     make(map[string][]ChangeHandler),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the endpoint and performs the DDP connect handshake.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return errors.New("ddp client already connected")
	}
	c.mu.Unlock()

	conn, err := c.dialer.Dial(ctx, c.url)
	if err != nil {
		return errors.Wrap(err, "failed to dial realtime endpoint")
	}

	wait := make(chan *protocol.Message, 1)
	c.pendingMu.Lock()
	c.connectWait = wait
	c.pendingMu.Unlock()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.wg.Add(1)
	go c.receiveMessages(conn)

	connect := &protocol.Message{
		Msg:     protocol.MessageTypeConnect,
		Version: protocol.Version,
		Support: protocol.SupportedVersions,
	}
	if err := c.write(ctx, connect); err != nil {
		c.Close()
		return err
	}

	select {
	case msg := <-wait:
		if msg == nil {
			return ErrClosed
		}
		if msg.Msg == protocol.MessageTypeFailed {
			c.Close()
			return errors.Errorf("server rejected ddp version, suggests %q", msg.Version)
		}
		c.mu.Lock()
		c.session = msg.Session
		c.mu.Unlock()
		c.logger.Debug().Str("session", msg.Session).Str("remote", conn.RemoteAddr()).Msg("DDP connected")
		return nil
	case <-ctx.Done():
		c.Close()
		return errors.Wrap(ctx.Err(), "waiting for ddp connected")
	case <-c.done:
		return ErrClosed
	}
}

// Session returns the session id assigned by the server.
func (c *Client) Session() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// IsConnected returns whether the handshake completed and the connection is open.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	select {
	case <-c.done:
		return false
	default:
		return c.conn != nil && c.session != ""
	}
}

// Done returns a channel that closes when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Call invokes method and waits for its result. Backend errors are returned as *protocol.Error.
func (c *Client) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	id := c.newID()
	msg, err := protocol.NewMethod(id, method, params...)
	if err != nil {
		return nil, err
	}

	wait := make(chan *protocol.Message, 1)
	c.pendingMu.Lock()
	c.pendingCalls[id] = wait
	c.pendingMu.Unlock()
	defer c.forgetCall(id)

	if err := c.write(ctx, msg); err != nil {
		return nil, err
	}

	select {
	case res := <-wait:
		if res == nil {
			return nil, ErrClosed
		}
		if res.Error != nil {
			return nil, res.Error
		}
		return res.Result, nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "waiting for %s result", method)
	case <-c.done:
		return nil, ErrClosed
	}
}

// Send invokes method without waiting for its result and returns the call id.
func (c *Client) Send(ctx context.Context, method string, params ...any) (string, error) {
	id := c.newID()
	msg, err := protocol.NewMethod(id, method, params...)
	if err != nil {
		return "", err
	}
	if err := c.write(ctx, msg); err != nil {
		return "", err
	}
	return id, nil
}

// Subscribe starts subscription name and waits until the server reports it ready.
// A nosub for the subscription is returned as an error wrapping the server's *protocol.Error.
func (c *Client) Subscribe(ctx context.Context, name string, params ...any) (string, error) {
	id := c.newID()
	msg, err := protocol.NewSub(id, name, params...)
	if err != nil {
		return "", err
	}

	wait := make(chan subResult, 1)
	c.pendingMu.Lock()
	c.pendingSubs[id] = wait
	c.pendingMu.Unlock()
	defer c.forgetSub(id)

	if err := c.write(ctx, msg); err != nil {
		return "", err
	}

	select {
	case res := <-wait:
		if res.err != nil {
			return "", res.err
		}
		return id, nil
	case <-ctx.Done():
		return "", errors.Wrapf(ctx.Err(), "waiting for %s ready", name)
	case <-c.done:
		return "", ErrClosed
	}
}

// OnChanged registers a standing handler for added and changed frames of collection.
func (c *Client) OnChanged(collection string, handler ChangeHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[collection] = append(c.handlers[collection], handler)
}

// Close closes the connection and fails every pending call.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		close(c.done)
		if conn != nil {
			err = conn.Close()
		}
		c.failPending()
	})
	c.wg.Wait()
	return err
}

func (c *Client) write(ctx context.Context, msg *protocol.Message) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	data, err := msg.Encode()
	if err != nil {
		return err
	}
	c.logger.Trace().RawJSON("frame", data).Msg("DDP send")

	if err := conn.Write(ctx, data); err != nil {
		return errors.Wrapf(err, "failed to send %s frame", msg.Msg)
	}
	return nil
}

func (c *Client) forgetCall(id string) {
	c.pendingMu.Lock()
	delete(c.pendingCalls, id)
	c.pendingMu.Unlock()
}

func (c *Client) forgetSub(id string) {
	c.pendingMu.Lock()
	delete(c.pendingSubs, id)
	c.pendingMu.Unlock()
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	if c.connectWait != nil {
		close(c.connectWait)
		c.connectWait = nil
	}
	for id, wait := range c.pendingCalls {
		close(wait)
		delete(c.pendingCalls, id)
	}
	for id, wait := range c.pendingSubs {
		wait <- subResult{err: ErrClosed}
		delete(c.pendingSubs, id)
	}
}

// receiveMessages continuously reads frames until the connection ends.
func (c *Client) receiveMessages(conn transport.Conn) {
	defer c.wg.Done()

	for {
		data, err := conn.Read(context.Background())
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn().Err(err).Msg("Realtime connection lost")
				go c.Close()
			}
			return
		}

		var msg protocol.Message
		if err := msg.Decode(data); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to decode frame")
			continue
		}
		c.logger.Trace().RawJSON("frame", data).Msg("DDP recv")
		c.dispatch(&msg)
	}
}

func (c *Client) dispatch(msg *protocol.Message) {
	switch msg.Msg {
	case protocol.MessageTypeConnected, protocol.MessageTypeFailed:
		c.pendingMu.Lock()
		wait := c.connectWait
		c.connectWait = nil
		c.pendingMu.Unlock()
		if wait != nil {
			wait <- msg
		}

	case protocol.MessageTypePing:
		pong := &protocol.Message{Msg: protocol.MessageTypePong, ID: msg.ID}
		if err := c.write(context.Background(), pong); err != nil {
			c.logger.Debug().Err(err).Msg("Failed to answer ping")
		}

	case protocol.MessageTypeResult:
		c.pendingMu.Lock()
		wait, ok := c.pendingCalls[msg.ID]
		delete(c.pendingCalls, msg.ID)
		c.pendingMu.Unlock()
		if !ok {
			c.logger.Debug().Str("id", msg.ID).Msg("Result for unknown call")
			return
		}
		wait <- msg

	case protocol.MessageTypeReady:
		for _, id := range msg.Subs {
			c.settleSub(id, nil)
		}

	case protocol.MessageTypeNoSub:
		var err error = errors.Errorf("subscription %s stopped", msg.ID)
		if msg.Error != nil {
			err = errors.Wrapf(msg.Error, "subscription %s refused", msg.ID)
		}
		if !c.settleSub(msg.ID, err) {
			c.logger.Debug().Str("id", msg.ID).Msg("Subscription stopped")
		}

	case protocol.MessageTypeAdded, protocol.MessageTypeChanged:
		c.handlersMu.RLock()
		handlers := c.handlers[msg.Collection]
		c.handlersMu.RUnlock()
		for _, handler := range handlers {
			handler(msg)
		}

	case protocol.MessageTypeError:
		c.logger.Error().Str("reason", msg.Reason).Msg("Server reported protocol error")

	default:
		// updated, removed, pong and the server_id greeting carry nothing we act on.
	}
}

func (c *Client) settleSub(id string, err error) bool {
	c.pendingMu.Lock()
	wait, ok := c.pendingSubs[id]
	delete(c.pendingSubs, id)
	c.pendingMu.Unlock()
	if ok {
		wait <- subResult{err: err}
	}
	return ok
}
