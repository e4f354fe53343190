// Package adapter is the universal chat widget's entry point to Rocket.Chat.
//
// A typical session:
//
//	a := adapter.New()
//	defer a.Close()
//	res, err := a.Init(ctx, cfg)
//	unsubscribe := a.On(widget.EventNewRemoteMessage, render)
//	err = a.Send(ctx, widget.OutboundMessage{ID: id, Text: text})
package adapter

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/omochice/rocketchat-adapter/internal/chat"
	"github.com/omochice/rocketchat-adapter/internal/rocketchat"
	"github.com/omochice/rocketchat-adapter/internal/transport"
	"github.com/omochice/rocketchat-adapter/pkg/widget"
)

// Name identifies this adapter to the widget.
const Name = "ChatAdapterRocketChat"

// ErrNotInitialized is returned by operations that need a completed Init.
var ErrNotInitialized = errors.New("adapter not initialized")

// Config is the widget configuration of the adapter.
type Config struct {
	BackendURL string   `json:"backendUrl" yaml:"backendUrl"`
	InitData   InitData `json:"initData" yaml:"initData"`
}

// InitData wraps the session credentials.
type InitData struct {
	Data SessionData `json:"data" yaml:"data"`
}

// SessionData holds the credentials and target channel of a session.
type SessionData struct {
	Username  string `json:"username" yaml:"username"`
	Password  string `json:"password" yaml:"password"`
	AuthToken string `json:"authToken,omitempty" yaml:"authToken,omitempty"`
	UserID    string `json:"userId,omitempty" yaml:"userId,omitempty"`
	ChannelID string `json:"channelId" yaml:"channelId"`
}

// Validate checks that cfg names a backend, a channel and a way to log in.
func (cfg Config) Validate() error {
	d := cfg.InitData.Data
	var missing []string
	if cfg.BackendURL == "" {
		missing = append(missing, "backendUrl")
	}
	if d.ChannelID == "" {
		missing = append(missing, "channelId")
	}
	if d.AuthToken == "" {
		if d.Username == "" {
			missing = append(missing, "username")
		}
		if d.Password == "" {
			missing = append(missing, "password")
		}
	}
	if len(missing) > 0 {
		return widget.NewError(widget.KindConfig, nil, "Missing configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Adapter connects the widget to one Rocket.Chat channel.
type Adapter struct {
	dialer  transport.Dialer
	timeout time.Duration
	logger  zerolog.Logger
	events  *chat.Hub

	mu     sync.RWMutex
	client *rocketchat.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithDialer replaces the WebSocket transport.
func WithDialer(d transport.Dialer) Option {
	return func(a *Adapter) {
		a.dialer = d
	}
}

// WithTimeout sets the per-step timeout of the handshake and history requests.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		a.timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// New creates an Adapter. Nothing is connected until Init.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		timeout: rocketchat.DefaultTimeout,
		logger:  log.Logger,
		events:  chat.NewHub(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the adapter name.
func (a *Adapter) Name() string {
	return Name
}

// Init connects, logs in, loads the latest history and subscribes to the channel.
// Errors are *widget.Error values whose Kind names the failed step.
func (a *Adapter) Init(ctx context.Context, cfg Config) (*widget.InitResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	if a.client != nil {
		a.mu.Unlock()
		return nil, widget.NewError(widget.KindConfig, nil, "Adapter already initialized")
	}
	d := cfg.InitData.Data
	client := rocketchat.New(rocketchat.Config{
		BackendURL: cfg.BackendURL,
		Username:   d.Username,
		Password:   d.Password,
		AuthToken:  d.AuthToken,
		UserID:     d.UserID,
		ChannelID:  d.ChannelID,
		Dialer:     a.dialer,
		Timeout:    a.timeout,
		Logger:     &a.logger,
	}, a.events)
	a.client = client
	a.mu.Unlock()

	res, err := client.Init(ctx)
	if err != nil {
		a.mu.Lock()
		a.client = nil
		a.mu.Unlock()
		_ = client.Close()
		a.logger.Error().Err(err).Str("kind", string(widget.KindOf(err))).Msg("Rocket Chat init failed")
		return nil, err
	}
	return res, nil
}

// Send posts out to the channel. The backend's acknowledgement is not awaited.
func (a *Adapter) Send(ctx context.Context, out widget.OutboundMessage) error {
	client, err := a.current()
	if err != nil {
		return widget.NewError(widget.KindSend, err, "Error sending message: %v", err)
	}
	return client.PostMessage(ctx, out)
}

// On registers listener for event and returns a function removing it.
// Listeners run on the connection's read goroutine and must not call Close.
func (a *Adapter) On(event string, listener func(widget.Message)) func() {
	return a.events.On(event, listener)
}

// RequestOlderMessages loads the page before cursor. A nil cursor or a zero time
// pages back from now.
func (a *Adapter) RequestOlderMessages(ctx context.Context, cursor *widget.HistoryCursor) (*widget.HistoryResult, error) {
	client, err := a.current()
	if err != nil {
		return nil, &widget.Error{Kind: widget.KindHistory, Status: 500, Message: "Error loading messages: " + err.Error(), Err: err}
	}

	lastTime := time.Now()
	if cursor != nil && !cursor.Time.IsZero() {
		lastTime = cursor.Time
	}
	return client.GetOlderMessages(ctx, lastTime)
}

// Close disconnects from the backend. The adapter can be initialized again afterwards.
func (a *Adapter) Close() error {
	a.mu.Lock()
	client := a.client
	a.client = nil
	a.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Close()
}

func (a *Adapter) current() (*rocketchat.Client, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.client == nil {
		return nil, ErrNotInitialized
	}
	return a.client, nil
}
