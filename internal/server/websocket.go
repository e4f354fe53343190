package server

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/omochice/rocketchat-adapter/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for simplicity
	},
}

// session is one connected realtime client.
type session struct {
	id       string
	conn     *websocket.Conn
	outgoing chan []byte

	mu     sync.Mutex
	userID string
	user   User
	subs   map[string]string // sub id → room id
}

func (sess *session) subscribedTo(roomID string) []string {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	var ids []string
	for id, rid := range sess.subs {
		if rid == roomID {
			ids = append(ids, id)
		}
	}
	return ids
}

// handleWebSocket handles WebSocket upgrade and session lifetime
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.quit:
		http.Error(w, "server stopped", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to upgrade connection")
		return
	}

	sess := &session{
		id:       uuid.NewString(),
		conn:     conn,
		outgoing: make(chan []byte, 64),
		subs:     make(map[string]string),
	}

	s.mu.Lock()
	s.sessions[sess] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.handleSession(sess)
}

func (s *Server) handleSession(sess *session) {
	defer s.wg.Done()

	var writers sync.WaitGroup
	writers.Add(1)
	go func() {
		defer writers.Done()
		for data := range sess.outgoing {
			if err := sess.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug().Err(err).Msg("Failed to write to session")
				return
			}
		}
	}()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		close(sess.outgoing)
		s.mu.Unlock()
		sess.conn.Close()
		writers.Wait()
	}()

	s.sendRaw(sess, []byte(`{"server_id":"0"}`))

	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Msg("Session read failed")
			}
			return
		}

		var msg protocol.Message
		if err := msg.Decode(data); err != nil {
			s.send(sess, &protocol.Message{Msg: protocol.MessageTypeError, Reason: "Bad request"})
			continue
		}
		s.handleFrame(sess, &msg)
	}
}

func (s *Server) handleFrame(sess *session, msg *protocol.Message) {
	switch msg.Msg {
	case protocol.MessageTypeConnect:
		if msg.Version != protocol.Version {
			s.send(sess, &protocol.Message{Msg: protocol.MessageTypeFailed, Version: protocol.Version})
			return
		}
		s.send(sess, &protocol.Message{Msg: protocol.MessageTypeConnected, Session: sess.id})

	case protocol.MessageTypePing:
		s.send(sess, &protocol.Message{Msg: protocol.MessageTypePong, ID: msg.ID})

	case protocol.MessageTypeMethod:
		s.mu.Lock()
		s.calls = append(s.calls, *msg)
		s.mu.Unlock()
		s.handleMethod(sess, msg)

	case protocol.MessageTypeSub:
		s.handleSub(sess, msg)

	case protocol.MessageTypeUnsub:
		sess.mu.Lock()
		delete(sess.subs, msg.ID)
		sess.mu.Unlock()
		s.send(sess, &protocol.Message{Msg: protocol.MessageTypeNoSub, ID: msg.ID})

	case protocol.MessageTypePong:

	default:
		s.send(sess, &protocol.Message{Msg: protocol.MessageTypeError, Reason: "Bad request"})
	}
}

func (s *Server) handleSub(sess *session, msg *protocol.Message) {
	params, err := msg.DecodeParams()
	if err != nil || msg.Name != protocol.StreamRoomMessages || len(params) == 0 {
		s.send(sess, &protocol.Message{Msg: protocol.MessageTypeNoSub, ID: msg.ID, Error: &protocol.Error{
			Code:      "404",
			Reason:    "Subscription '" + msg.Name + "' not found",
			Message:   "Subscription '" + msg.Name + "' not found [404]",
			ErrorType: "Meteor.Error",
		}})
		return
	}

	var roomID string
	_ = json.Unmarshal(params[0], &roomID)

	if s.opts.RejectSubscriptions || !s.HasRoom(roomID) {
		s.send(sess, &protocol.Message{Msg: protocol.MessageTypeNoSub, ID: msg.ID, Error: notAllowed()})
		return
	}

	sess.mu.Lock()
	sess.subs[msg.ID] = roomID
	sess.mu.Unlock()

	ready := &protocol.Message{Msg: protocol.MessageTypeReady, Subs: []string{msg.ID}}
	if s.opts.ReadyGate == nil {
		s.send(sess, ready)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.opts.ReadyGate:
			s.send(sess, ready)
		case <-s.quit:
		}
	}()
}

// broadcast sends a changed frame for rec to every session subscribed to its room,
// the sender included, as Rocket.Chat does.
func (s *Server) broadcast(rec protocol.Record) {
	fields, err := json.Marshal(protocol.StreamFields{EventName: rec.RoomID, Args: []protocol.Record{rec}})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode stream fields")
		return
	}

	s.mu.RLock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	for _, sess := range sessions {
		if len(sess.subscribedTo(rec.RoomID)) == 0 {
			continue
		}
		s.send(sess, &protocol.Message{
			Msg:        protocol.MessageTypeChanged,
			Collection: protocol.StreamRoomMessages,
			ID:         "id",
			Fields:     fields,
		})
	}
}

func (s *Server) send(sess *session, msg *protocol.Message) {
	data, err := msg.Encode()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode frame")
		return
	}
	s.sendRaw(sess, data)
}

// sendRaw queues data for sess, dropping it when the session is gone or its queue is full.
func (s *Server) sendRaw(sess *session, data []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.sessions[sess] {
		return
	}
	select {
	case sess.outgoing <- data:
	default:
		s.logger.Warn().Str("session", sess.id).Msg("Session queue full, dropping frame")
	}
}

func notAllowed() *protocol.Error {
	return &protocol.Error{
		Code:      "error-not-allowed",
		Reason:    "Not allowed",
		Message:   "Not allowed [error-not-allowed]",
		ErrorType: "Meteor.Error",
	}
}
