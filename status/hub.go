// Package status fans sync status events out to connected UI clients over
// WebSocket, and keeps the latest event for late joiners.
package status

import (
	"sync"
	"time"

	"linentrack/station/syncer"
)

// Message is the wire shape pushed to status subscribers.
type Message struct {
	Type      string       `json:"type"`
	Event     syncer.Event `json:"event"`
	Timestamp time.Time    `json:"timestamp"`
}

// MessageTypeSyncStatus is the only message type the station currently
// pushes; the field exists so the UI protocol can grow.
const MessageTypeSyncStatus = "sync_status"

// Hub manages in-process subscribers. It is independent of net/http and the
// websocket library so the coordinator can publish without knowing who is
// listening. Subscribers register a buffered channel; a full channel drops
// the message rather than blocking the hub.
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]chan Message
	register   chan registration
	unregister chan string
	broadcast  chan Message
	shutdown   chan struct{}

	lastMu sync.RWMutex
	last   *Message
}

type registration struct {
	id string
	ch chan Message
}

// NewHub creates and starts a new Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:    make(map[string]chan Message),
		register:   make(chan registration),
		unregister: make(chan string),
		broadcast:  make(chan Message, 100),
		shutdown:   make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case reg := <-h.register:
			h.mu.Lock()
			h.clients[reg.id] = reg.ch
			h.mu.Unlock()
		case id := <-h.unregister:
			h.mu.Lock()
			if ch, ok := h.clients[id]; ok {
				close(ch)
				delete(h.clients, id)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.RLock()
			for _, ch := range h.clients {
				select {
				case ch <- msg:
				default:
					// Slow client; skip so the hub never blocks.
				}
			}
			h.mu.RUnlock()
		case <-h.shutdown:
			h.mu.Lock()
			for id, ch := range h.clients {
				close(ch)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Register registers a client channel under id. The channel should be
// buffered (recommended size 10). Registering on a stopped hub is a no-op.
func (h *Hub) Register(id string, ch chan Message) {
	select {
	case h.register <- registration{id: id, ch: ch}:
	case <-h.shutdown:
	}
}

// Unregister removes the client with the given id and closes its channel.
// Safe to call after Stop; the shutdown already closed every channel.
func (h *Hub) Unregister(id string) {
	select {
	case h.unregister <- id:
	case <-h.shutdown:
	}
}

// Publish implements syncer.Sink. The event is wrapped, remembered as the
// latest, and broadcast to every subscriber without blocking.
func (h *Hub) Publish(event syncer.Event) {
	msg := Message{
		Type:      MessageTypeSyncStatus,
		Event:     event,
		Timestamp: time.Now(),
	}

	h.lastMu.Lock()
	h.last = &msg
	h.lastMu.Unlock()

	select {
	case h.broadcast <- msg:
	default:
		// Broadcast queue full; status updates are advisory.
	}
}

// Last returns the most recently published message, or nil if none yet.
// New WebSocket clients get it as their first frame.
func (h *Hub) Last() *Message {
	h.lastMu.RLock()
	defer h.lastMu.RUnlock()
	if h.last == nil {
		return nil
	}
	msg := *h.last
	return &msg
}

// ClientCount returns the number of registered subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop shuts down the hub and closes all client channels.
func (h *Hub) Stop() {
	close(h.shutdown)
}
