// Package server is an in-memory emulator of the Rocket.Chat realtime API. It speaks
// enough DDP for the adapter (login, loadHistory, sendMessage, stream-room-messages)
// and backs both the package tests and the rocketchat-mock command.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/omochice/rocketchat-adapter/internal/logging"
	"github.com/omochice/rocketchat-adapter/pkg/protocol"
)

// DefaultTokenTTL is the lifetime reported for login tokens.
const DefaultTokenTTL = 90 * 24 * time.Hour

// Options tweak the emulator's behaviour.
type Options struct {
	// AutoCreateRooms makes sendMessage create unknown rooms instead of failing.
	AutoCreateRooms bool
	// RejectSubscriptions answers every subscription with nosub.
	RejectSubscriptions bool
	// ReadyGate, when set, delays every ready frame until the channel is closed.
	ReadyGate <-chan struct{}
	// FailMethods forces the given methods to answer with an error.
	FailMethods map[string]*protocol.Error
	// TokenTTL is the token lifetime reported on login; zero means DefaultTokenTTL.
	TokenTTL time.Duration
}

// Server represents a Rocket.Chat realtime emulator.
type Server struct {
	address  string
	opts     Options
	listener net.Listener
	server   *http.Server
	logger   zerolog.Logger

	mu       sync.RWMutex
	users    map[string]User
	tokens   map[string]string
	rooms    map[string]*room
	sessions map[*session]bool
	calls    []protocol.Message

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new Server instance listening on address once started.
func New(address string, opts Options) *Server {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = DefaultTokenTTL
	}
	return &Server{
		address:  address,
		opts:     opts,
		logger:   logging.Component("server"),
		users:    make(map[string]User),
		tokens:   make(map[string]string),
		rooms:    make(map[string]*room),
		sessions: make(map[*session]bool),
		quit:     make(chan struct{}),
	}
}

// Handler returns the HTTP handler serving the realtime endpoint at /websocket.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/websocket", s.handleWebSocket)
	return mux
}

// Start listens on the configured address and serves until Stop is called.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return errors.Wrap(err, "failed to start server")
	}

	s.mu.Lock()
	s.listener = listener
	s.server = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	srv := s.server
	s.mu.Unlock()

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Realtime emulator started")

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server failed")
	}
	return nil
}

// Stop stops the server and disconnects every session.
func (s *Server) Stop() {
	s.quitOnce.Do(func() {
		close(s.quit)
	})

	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}

	s.mu.Lock()
	for sess := range s.sessions {
		sess.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// Addr returns the listening address
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// ClientCount returns the number of connected sessions.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Calls returns the method frames received for method, in arrival order.
func (s *Server) Calls(method string) []protocol.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []protocol.Message
	for _, call := range s.calls {
		if call.Method == method {
			out = append(out, call)
		}
	}
	return out
}

// Publish stores rec and streams it to every session subscribed to its room.
func (s *Server) Publish(rec protocol.Record) {
	s.AddMessage(rec)
	s.broadcast(rec)
}
