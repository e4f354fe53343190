// Package chat provides the event channel shared between the realtime client and the widget.
package chat

import (
	"sync"

	"github.com/omochice/rocketchat-adapter/pkg/widget"
)

// Listener receives one canonical message per emitted event.
type Listener func(msg widget.Message)

type registration struct {
	id       uint64
	listener Listener
}

// Hub manages listeners per event name and fans events out to them.
// The realtime client emits and the adapter registers on behalf of the widget.
type Hub struct {
	listeners map[string][]registration
	nextID    uint64
	mu        sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		listeners: make(map[string][]registration),
	}
}

// On registers listener for event and returns a function that removes it.
func (h *Hub) On(event string, listener Listener) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	h.listeners[event] = append(h.listeners[event], registration{id: id, listener: listener})

	var once sync.Once
	return func() {
		once.Do(func() { h.off(event, id) })
	}
}

func (h *Hub) off(event string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	regs := h.listeners[event]
	for i, reg := range regs {
		if reg.id == id {
			h.listeners[event] = append(regs[:i:i], regs[i+1:]...)
			break
		}
	}
	if len(h.listeners[event]) == 0 {
		delete(h.listeners, event)
	}
}

// Emit calls every listener of event in registration order.
// Listeners run on the caller's goroutine, outside the hub lock.
func (h *Hub) Emit(event string, msg widget.Message) int {
	h.mu.RLock()
	regs := h.listeners[event]
	h.mu.RUnlock()

	for _, reg := range regs {
		reg.listener(msg)
	}
	return len(regs)
}

// ListenerCount returns number of listeners registered for event.
func (h *Hub) ListenerCount(event string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners[event])
}
