package server

import (
	"sort"
	"time"

	"github.com/omochice/rocketchat-adapter/pkg/protocol"
)

// User is an account known to the emulator.
type User struct {
	ID       string
	Username string
	Name     string
	Password string
	Avatar   string
}

type room struct {
	id       string
	messages []protocol.Record
}

// AddUser registers an account.
func (s *Server) AddUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.Username] = u
}

// AddRoom creates an empty room if it does not exist yet.
func (s *Server) AddRoom(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureRoomLocked(id)
}

// AddMessage stores rec in its room, creating the room when needed.
// Subscribers are not notified; use Publish for live messages.
func (s *Server) AddMessage(rec protocol.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.ensureRoomLocked(rec.RoomID)
	r.messages = append(r.messages, rec)
}

// Messages returns a copy of the messages stored in room id, oldest first.
func (s *Server) Messages(id string) []protocol.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil
	}
	out := make([]protocol.Record, len(r.messages))
	copy(out, r.messages)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp.Time)
	})
	return out
}

// HasRoom reports whether room id exists.
func (s *Server) HasRoom(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[id]
	return ok
}

func (s *Server) ensureRoomLocked(id string) *room {
	r, ok := s.rooms[id]
	if !ok {
		r = &room{id: id}
		s.rooms[id] = r
	}
	return r
}

// history returns up to limit messages older than before (all when before is zero), newest first.
func (s *Server) history(id string, before time.Time, limit int) ([]protocol.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[id]
	if !ok {
		return nil, false
	}

	var out []protocol.Record
	for _, rec := range r.messages {
		if before.IsZero() || rec.Timestamp.Before(before) {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp.Time)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	if out == nil {
		out = []protocol.Record{}
	}
	return out, true
}
