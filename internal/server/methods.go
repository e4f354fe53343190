package server

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/omochice/rocketchat-adapter/pkg/protocol"
)

func (s *Server) handleMethod(sess *session, msg *protocol.Message) {
	if perr, ok := s.opts.FailMethods[msg.Method]; ok {
		s.reply(sess, msg.ID, nil, perr)
		return
	}

	params, err := msg.DecodeParams()
	if err != nil {
		s.reply(sess, msg.ID, nil, badRequest(err.Error()))
		return
	}

	var (
		result any
		perr   *protocol.Error
	)
	switch msg.Method {
	case protocol.MethodLogin:
		result, perr = s.login(sess, params)
	case protocol.MethodLoadHistory:
		result, perr = s.loadHistory(sess, params)
	case protocol.MethodSendMessage:
		var rec *protocol.Record
		rec, perr = s.sendMessage(sess, params)
		if perr == nil {
			result = rec
			defer s.broadcast(*rec)
		}
	default:
		perr = &protocol.Error{
			Code:      "404",
			Reason:    fmt.Sprintf("Method '%s' not found", msg.Method),
			Message:   fmt.Sprintf("Method '%s' not found [404]", msg.Method),
			ErrorType: "Meteor.Error",
		}
	}
	s.reply(sess, msg.ID, result, perr)
}

func (s *Server) reply(sess *session, id string, result any, perr *protocol.Error) {
	res := &protocol.Message{Msg: protocol.MessageTypeResult, ID: id, Error: perr}
	if perr == nil && result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			res.Error = badRequest(err.Error())
		} else {
			res.Result = raw
		}
	}
	s.send(sess, res)
	if perr == nil {
		s.send(sess, &protocol.Message{Msg: protocol.MessageTypeUpdated, Methods: []string{id}})
	}
}

func (s *Server) login(sess *session, params []json.RawMessage) (any, *protocol.Error) {
	if len(params) != 1 {
		return nil, badRequest("login expects one parameter")
	}
	var req protocol.LoginRequest
	if err := json.Unmarshal(params[0], &req); err != nil {
		return nil, badRequest(err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		user  User
		found bool
	)
	switch {
	case req.Resume != "":
		username, ok := s.tokens[req.Resume]
		if ok {
			user, found = s.users[username]
		}
		if !found {
			return nil, forbidden("You've been logged out by the server. Please log in again.")
		}
	case req.User != nil && req.Password != nil:
		user, found = s.users[req.User.Username]
		if !found {
			return nil, forbidden("User not found")
		}
		if req.Password.Algorithm != protocol.DigestAlgorithm || req.Password.Digest != protocol.PasswordDigest(user.Password) {
			return nil, forbidden("Incorrect password")
		}
	default:
		return nil, badRequest("Unrecognized options for login request")
	}

	token := uuid.NewString()
	s.tokens[token] = user.Username

	sess.mu.Lock()
	sess.userID = user.ID
	sess.user = user
	sess.mu.Unlock()

	expires := protocol.NewDate(time.Now().Add(s.opts.TokenTTL))
	return protocol.LoginResult{ID: user.ID, Token: token, TokenExpires: &expires}, nil
}

func (s *Server) loadHistory(sess *session, params []json.RawMessage) (any, *protocol.Error) {
	if len(params) < 1 {
		return nil, badRequest("loadHistory expects a room id")
	}
	if !sess.loggedIn() {
		return nil, notAllowed()
	}

	var roomID string
	if err := json.Unmarshal(params[0], &roomID); err != nil {
		return nil, badRequest(err.Error())
	}

	var before time.Time
	if len(params) > 1 && string(params[1]) != "null" {
		var d protocol.Date
		if err := json.Unmarshal(params[1], &d); err != nil {
			return nil, badRequest(err.Error())
		}
		before = d.Time
	}

	limit := 20
	if len(params) > 2 {
		if err := json.Unmarshal(params[2], &limit); err != nil {
			return nil, badRequest(err.Error())
		}
	}

	messages, ok := s.history(roomID, before, limit)
	if !ok {
		return nil, invalidRoom()
	}
	return protocol.HistoryResult{Messages: messages}, nil
}

func (s *Server) sendMessage(sess *session, params []json.RawMessage) (*protocol.Record, *protocol.Error) {
	if len(params) != 1 {
		return nil, badRequest("sendMessage expects one parameter")
	}
	if !sess.loggedIn() {
		return nil, notAllowed()
	}

	var out protocol.OutgoingRecord
	if err := json.Unmarshal(params[0], &out); err != nil {
		return nil, badRequest(err.Error())
	}

	if !s.HasRoom(out.RoomID) {
		if !s.opts.AutoCreateRooms {
			return nil, invalidRoom()
		}
		s.AddRoom(out.RoomID)
	}

	sess.mu.Lock()
	user := sess.user
	sess.mu.Unlock()

	id := out.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := protocol.NewDate(time.Now())
	rec := protocol.Record{
		ID:        id,
		RoomID:    out.RoomID,
		Text:      out.Text,
		Timestamp: now,
		User:      protocol.User{ID: user.ID, Username: user.Username, Name: user.Name},
		Avatar:    user.Avatar,
		UpdatedAt: &now,
	}
	s.AddMessage(rec)
	return &rec, nil
}

func (sess *session) loggedIn() bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.userID != ""
}

func forbidden(reason string) *protocol.Error {
	return &protocol.Error{
		Code:      "403",
		Reason:    reason,
		Message:   reason + " [403]",
		ErrorType: "Meteor.Error",
	}
}

func badRequest(reason string) *protocol.Error {
	return &protocol.Error{
		Code:      "400",
		Reason:    reason,
		Message:   reason + " [400]",
		ErrorType: "Meteor.Error",
	}
}

func invalidRoom() *protocol.Error {
	return &protocol.Error{
		Code:      protocol.ErrInvalidRoom,
		Reason:    "Invalid room",
		Message:   "Invalid room [error-invalid-room]",
		ErrorType: "Meteor.Error",
	}
}
