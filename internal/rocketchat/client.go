// Package rocketchat drives a Rocket.Chat session over the realtime API: it
// connects, logs in, loads history, subscribes to one channel and translates
// records to and from the widget message shape.
package rocketchat

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/omochice/rocketchat-adapter/internal/chat"
	"github.com/omochice/rocketchat-adapter/internal/ddp"
	"github.com/omochice/rocketchat-adapter/internal/logging"
	"github.com/omochice/rocketchat-adapter/internal/transport"
	"github.com/omochice/rocketchat-adapter/internal/transport/ws"
	"github.com/omochice/rocketchat-adapter/pkg/protocol"
	"github.com/omochice/rocketchat-adapter/pkg/widget"
)

// DefaultTimeout bounds each handshake step and history request.
const DefaultTimeout = 30 * time.Second

const (
	messageSubscribed = "Rocket Chat connected and subscribed to messages"
	messageDeferred   = "Rocket Chat connected, subscription deferred until the first message"
)

// State is the position of a Client in its handshake.
type State int

const (
	StateDisconnected State = iota
	StateSocketConnected
	StateAuthenticated
	StateHistoryLoaded
	StateSubscribed
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateSocketConnected:
		return "SOCKET_CONNECTED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateHistoryLoaded:
		return "HISTORY_LOADED"
	case StateSubscribed:
		return "SUBSCRIBED"
	default:
		return "UNKNOWN"
	}
}

// Config holds the session credentials and connection settings.
type Config struct {
	BackendURL string
	Username   string
	Password   string
	// AuthToken, when set, is used for a resume login instead of the password.
	AuthToken string
	UserID    string
	ChannelID string

	// Dialer opens the realtime socket; nil means the WebSocket dialer.
	Dialer transport.Dialer
	// Timeout bounds each blocking step; zero means DefaultTimeout.
	Timeout time.Duration
	Logger  *zerolog.Logger
}

// Client is a single Rocket.Chat realtime session.
type Client struct {
	cfg       Config
	events    *chat.Hub
	logger    zerolog.Logger
	ddpLogger zerolog.Logger

	mu             sync.RWMutex
	conn           *ddp.Client
	state          State
	userID         string
	token          string
	tokenExpires   time.Time
	avatar         string
	messageCount   int
	deferSubscribe bool

	subMu      sync.Mutex
	subscribed map[string]string // channel id → subscription id

	wg sync.WaitGroup
}

// New creates a Client publishing inbound messages on events.
func New(cfg Config, events *chat.Hub) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = ws.NewDialer()
	}
	logger, ddpLogger := logging.Component("rocketchat"), logging.Component("ddp")
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "rocketchat").Logger()
		ddpLogger = cfg.Logger.With().Str("component", "ddp").Logger()
	}
	return &Client{
		cfg:        cfg,
		events:     events,
		logger:     logger,
		ddpLogger:  ddpLogger,
		userID:     cfg.UserID,
		subscribed: make(map[string]string),
	}
}

// Init runs the whole handshake: connect, login, initial history and subscription.
// Each step gets its own timeout; the first failing step ends the handshake.
func (c *Client) Init(ctx context.Context) (*widget.InitResult, error) {
	if err := c.ConnectSocket(ctx); err != nil {
		return nil, err
	}
	if err := c.Login(ctx); err != nil {
		return nil, err
	}

	history, err := c.GetOlderMessages(ctx, time.Time{})
	if err != nil {
		return nil, err
	}

	message := messageSubscribed
	if c.subscriptionDeferred() {
		message = messageDeferred
		c.logger.Info().Str("channel", c.cfg.ChannelID).Msg("Channel has no history yet, subscription deferred")
	} else if err := c.SubscribeToChannel(ctx, c.cfg.ChannelID); err != nil {
		return nil, err
	}

	c.logger.Info().
		Str("user", c.cfg.Username).
		Str("channel", c.cfg.ChannelID).
		Int("messages", len(history.Data)).
		Msg("Rocket Chat session ready")

	return &widget.InitResult{
		OK:           true,
		Message:      message,
		User:         widget.Sender{Username: c.cfg.Username, Avatar: c.Avatar()},
		MessageCount: c.MessageCount(),
		LastMessages: history.Data,
	}, nil
}

// ConnectSocket opens the realtime socket and completes the DDP handshake.
func (c *Client) ConnectSocket(ctx context.Context) error {
	endpoint, err := RealtimeURL(c.cfg.BackendURL)
	if err != nil {
		return widget.NewError(widget.KindConfig, err, "Invalid backend url: %v", err)
	}

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return widget.NewError(widget.KindTransport, nil, "Socket already connected")
	}
	conn := ddp.New(endpoint, c.cfg.Dialer, ddp.WithLogger(c.ddpLogger))
	c.conn = conn
	c.mu.Unlock()

	conn.OnChanged(protocol.StreamRoomMessages, c.handleNewMessage)

	stepCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if err := conn.Connect(stepCtx); err != nil {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
		return widget.NewError(widget.KindTransport, err, "Error connecting to socket: %v", err)
	}

	c.setState(StateSocketConnected)
	c.logger.Debug().Str("endpoint", endpoint).Msg("Socket connected")
	return nil
}

// Login authenticates with the resume token when one is configured, otherwise
// with the sha-256 digest of the password.
func (c *Client) Login(ctx context.Context) error {
	conn, err := c.connection()
	if err != nil {
		return widget.NewError(widget.KindAuth, err, "Error logging in: %v", err)
	}

	req := protocol.LoginRequest{}
	if c.cfg.AuthToken != "" {
		req.Resume = c.cfg.AuthToken
	} else {
		req.User = &protocol.LoginUser{Username: c.cfg.Username}
		req.Password = &protocol.PasswordProof{Digest: protocol.PasswordDigest(c.cfg.Password), Algorithm: protocol.DigestAlgorithm}
	}

	stepCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	raw, err := conn.Call(stepCtx, protocol.MethodLogin, req)
	if err != nil {
		return widget.NewError(widget.KindAuth, err, "Error logging in: %s", backendMessage(err))
	}

	var res protocol.LoginResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return widget.NewError(widget.KindAuth, errors.Wrap(err, "failed to decode login result"), "Error logging in: %v", err)
	}

	c.mu.Lock()
	c.userID = res.ID
	c.token = res.Token
	if res.TokenExpires != nil {
		c.tokenExpires = res.TokenExpires.Time
	}
	c.state = StateAuthenticated
	c.mu.Unlock()

	c.logger.Info().Str("user", c.cfg.Username).Str("user_id", res.ID).Msg("Logged in")
	return nil
}

// GetOlderMessages loads one page of messages older than before, or the latest
// page when before is zero, sorted ascending by time.
func (c *Client) GetOlderMessages(ctx context.Context, before time.Time) (*widget.HistoryResult, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, &widget.Error{Kind: widget.KindHistory, Status: 500, Message: "Error loading messages: " + err.Error(), Err: err}
	}

	var cursor any
	if !before.IsZero() {
		cursor = protocol.NewDate(before)
	}

	stepCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	raw, err := conn.Call(stepCtx, protocol.MethodLoadHistory,
		c.cfg.ChannelID, cursor, protocol.HistoryPageSize, protocol.NewDate(time.Now()))
	if err != nil {
		var perr *protocol.Error
		if errors.As(err, &perr) && string(perr.Code) == protocol.ErrInvalidRoom {
			c.mu.Lock()
			c.messageCount = 0
			c.deferSubscribe = true
			c.mu.Unlock()
			return &widget.HistoryResult{Status: 200, Data: []widget.Message{}}, nil
		}
		return nil, &widget.Error{
			Kind:    widget.KindHistory,
			Status:  500,
			Message: "Error loading messages: " + backendMessage(err),
			Err:     err,
		}
	}

	var res protocol.HistoryResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, &widget.Error{Kind: widget.KindHistory, Status: 500, Message: "Error loading messages: " + err.Error(), Err: err}
	}

	selfID := c.UserID()
	data := make([]widget.Message, 0, len(res.Messages))
	for _, rec := range res.Messages {
		c.rememberAvatar(rec)
		data = append(data, ConvertMessage(rec, selfID))
	}
	sort.SliceStable(data, func(i, j int) bool {
		return data[i].Time.Before(data[j].Time)
	})

	c.mu.Lock()
	c.messageCount = len(data)
	if c.state < StateHistoryLoaded {
		c.state = StateHistoryLoaded
	}
	c.mu.Unlock()

	return &widget.HistoryResult{Status: 200, Data: data}, nil
}

// SubscribeToChannel subscribes to the message stream of channelID and returns
// once the backend confirmed it. Subscribing a channel twice is a no-op.
func (c *Client) SubscribeToChannel(ctx context.Context, channelID string) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if _, ok := c.subscribed[channelID]; ok {
		return nil
	}

	conn, err := c.connection()
	if err != nil {
		return widget.NewError(widget.KindSubscription, err, "Error subscribing to channel: %v", err)
	}

	stepCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	subID, err := conn.Subscribe(stepCtx, protocol.StreamRoomMessages, channelID, false)
	if err != nil {
		return widget.NewError(widget.KindSubscription, err, "Error subscribing to channel: %s", backendMessage(err))
	}
	c.subscribed[channelID] = subID

	c.mu.Lock()
	c.state = StateSubscribed
	c.mu.Unlock()

	c.logger.Debug().Str("channel", channelID).Str("sub", subID).Msg("Subscribed to channel")
	return nil
}

// PostMessage sends out to the channel without waiting for the backend's result.
// When the subscription was deferred, the first message is confirmed in the
// background and the channel is subscribed once the backend accepted it.
func (c *Client) PostMessage(ctx context.Context, out widget.OutboundMessage) error {
	conn, err := c.connection()
	if err != nil {
		return widget.NewError(widget.KindSend, err, "Error sending message: %v", err)
	}

	rec := protocol.OutgoingRecord{ID: out.ID, RoomID: c.cfg.ChannelID, Text: out.Text}

	if c.takeDeferred() {
		c.wg.Add(1)
		go c.sendAndSubscribe(conn, rec)
		return nil
	}

	if _, err := conn.Send(ctx, protocol.MethodSendMessage, rec); err != nil {
		return widget.NewError(widget.KindSend, err, "Error sending message: %v", err)
	}
	return nil
}

func (c *Client) sendAndSubscribe(conn *ddp.Client, rec protocol.OutgoingRecord) {
	defer c.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()

	if _, err := conn.Call(ctx, protocol.MethodSendMessage, rec); err != nil {
		c.logger.Error().Err(err).Str("channel", rec.RoomID).Msg("First message rejected, subscription still deferred")
		c.mu.Lock()
		c.deferSubscribe = true
		c.mu.Unlock()
		return
	}
	if err := c.SubscribeToChannel(ctx, rec.RoomID); err != nil {
		c.logger.Error().Err(err).Str("channel", rec.RoomID).Msg("Deferred subscription failed")
	}
}

// handleNewMessage handles changed frames of the room message stream. Only the
// first record of a frame is considered; the local user's own echoes are dropped.
func (c *Client) handleNewMessage(msg *protocol.Message) {
	if msg.Msg != protocol.MessageTypeChanged {
		return
	}

	var fields protocol.StreamFields
	if err := json.Unmarshal(msg.Fields, &fields); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to decode stream fields")
		return
	}
	if fields.EventName != c.cfg.ChannelID || len(fields.Args) == 0 {
		return
	}

	rec := fields.Args[0]
	selfID := c.UserID()
	if rec.User.ID == selfID {
		c.rememberAvatar(rec)
		c.logger.Debug().Str("id", rec.ID).Msg("Suppressed own message echo")
		return
	}

	n := c.events.Emit(widget.EventNewRemoteMessage, ConvertMessage(rec, selfID))
	c.logger.Debug().Str("id", rec.ID).Int("listeners", n).Msg("Delivered remote message")
}

// rememberAvatar caches the avatar of the local user from their own records.
func (c *Client) rememberAvatar(rec protocol.Record) {
	if rec.Avatar == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.avatar == "" && c.userID != "" && rec.User.ID == c.userID {
		c.avatar = rec.Avatar
	}
}

// Avatar returns the local user's avatar, falling back to the backend's avatar route.
// Without a username there is no route to fall back to and the result is empty.
func (c *Client) Avatar() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.avatar != "" {
		return c.avatar
	}
	if c.cfg.Username == "" {
		return ""
	}
	return strings.TrimSuffix(c.cfg.BackendURL, "/") + "/avatar/" + url.PathEscape(c.cfg.Username)
}

// State returns the handshake state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// UserID returns the local user id, known after login.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Token returns the session token issued at login.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// TokenExpires returns when the login token expires. It is informational only.
func (c *Client) TokenExpires() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokenExpires
}

// MessageCount returns the size of the last history page.
func (c *Client) MessageCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.messageCount
}

// Close ends the session. It must not be called from a message listener.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.wg.Wait()

	c.subMu.Lock()
	c.subscribed = make(map[string]string)
	c.subMu.Unlock()
	return err
}

func (c *Client) connection() (*ddp.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return nil, ddp.ErrNotConnected
	}
	return c.conn, nil
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) subscriptionDeferred() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deferSubscribe
}

func (c *Client) takeDeferred() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	deferred := c.deferSubscribe
	c.deferSubscribe = false
	return deferred
}

// RealtimeURL derives the realtime endpoint from the backend's HTTP url.
func RealtimeURL(backendURL string) (string, error) {
	u, err := url.Parse(backendURL)
	if err != nil {
		return "", errors.Wrap(err, "failed to parse backend url")
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", errors.Errorf("unsupported backend url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.Errorf("backend url %q has no host", backendURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/websocket"
	return u.String(), nil
}

func backendMessage(err error) string {
	var perr *protocol.Error
	if errors.As(err, &perr) {
		return perr.Error()
	}
	return err.Error()
}
