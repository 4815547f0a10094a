package api

import (
	"context"
	"encoding/json"
	"time"

	"codeberg.org/mutker/forestwatch/internal/logger"
	"codeberg.org/mutker/forestwatch/internal/store"
)

const (
	eventBuffer  = 256
	clientBuffer = 64

	MessageState = "state"
)

// Envelope is the frame pushed to WebSocket subscribers.
type Envelope struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Hub fans store events out to WebSocket clients. A client whose send buffer
// is full is disconnected rather than allowed to stall the others.
type Hub struct {
	store      *store.Store
	log        logger.Logger
	register   chan *client
	unregister chan *client
	done       chan struct{}
	clients    map[*client]struct{}
}

func NewHub(st *store.Store) *Hub {
	return &Hub{
		store:      st,
		log:        logger.Component("hub"),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
	}
}

// Run serves registrations and broadcasts until ctx is done. It must be
// called once.
func (h *Hub) Run(ctx context.Context) {
	events, cancel := h.store.Subscribe(eventBuffer)
	defer cancel()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.remove(c)
			}
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.log.Debug().
				Str("remote", c.conn.RemoteAddr().String()).
				Int("clients", len(h.clients)).
				Msg("WebSocket client registered")

			if msg, ok := h.encode(MessageState, h.store.View()); ok {
				h.deliver(c, msg)
			}

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.remove(c)
				h.log.Debug().
					Str("remote", c.conn.RemoteAddr().String()).
					Int("clients", len(h.clients)).
					Msg("WebSocket client unregistered")
			}

		case ev, ok := <-events:
			if !ok {
				return
			}
			msg, ok := h.encode(ev.Kind.String(), eventData(ev))
			if !ok {
				continue
			}
			for c := range h.clients {
				h.deliver(c, msg)
			}
		}
	}
}

func (h *Hub) add(c *client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) drop(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) deliver(c *client, msg []byte) {
	select {
	case c.send <- msg:
	default:
		h.log.Warn().
			Str("remote", c.conn.RemoteAddr().String()).
			Msg("WebSocket client send buffer full, removing")
		h.remove(c)
	}
}

func (h *Hub) remove(c *client) {
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) encode(kind string, data any) ([]byte, bool) {
	msg, err := json.Marshal(Envelope{
		Type:      kind,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		h.log.Error().Err(err).Str("type", kind).Msg("Failed to encode push message")
		return nil, false
	}
	return msg, true
}

func eventData(ev store.Event) any {
	switch ev.Kind {
	case store.EventSnapshot, store.EventSnapshotMerged:
		return ev.Snapshot
	case store.EventAlert, store.EventAlertResolved:
		return ev.Alert
	case store.EventStatus:
		return ev.Status
	default:
		return nil
	}
}
