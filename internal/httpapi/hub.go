package httpapi

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog"

	"market-signal-engine/internal/alerting"
)

// ErrHubClosed is returned when delivering to a hub that has stopped.
var ErrHubClosed = errors.New("websocket hub closed")

// Message is the frame pushed to websocket clients.
type Message struct {
	Type  string         `json:"type"`
	Event alerting.Event `json:"event"`
	Text  string         `json:"text"`
}

const messageAlertTriggered = "alert_triggered"

// Hub fans alert events out to connected websocket clients. New clients get
// the most recent events replayed on connect.
type Hub struct {
	register   chan *client
	unregister chan *client
	broadcast  chan Message
	done       chan struct{}

	clients map[*client]struct{}
	recent  []Message
	replay  int

	connected atomic.Int32
	logger    zerolog.Logger
}

// NewHub constructs a hub that replays up to replay recent events.
func NewHub(replay int, logger zerolog.Logger) *Hub {
	if replay < 0 {
		replay = 0
	}
	return &Hub{
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan Message, 256),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
		replay:     replay,
		logger:     logger.With().Str("component", "ws_hub").Logger(),
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	return int(h.connected.Load())
}

// Run owns the client set until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.connected.Store(int32(len(h.clients)))
			for _, msg := range h.recent {
				select {
				case c.send <- msg:
				default:
				}
			}

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}

		case msg := <-h.broadcast:
			if h.replay > 0 {
				h.recent = append(h.recent, msg)
				if len(h.recent) > h.replay {
					h.recent = h.recent[len(h.recent)-h.replay:]
				}
			}
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// slow consumer
					h.logger.Warn().Str("remote", c.remote).Msg("dropping slow websocket client")
					h.drop(c)
				}
			}
		}
	}
}

func (h *Hub) drop(c *client) {
	delete(h.clients, c)
	close(c.send)
	h.connected.Store(int32(len(h.clients)))
}

// DeliverAlertEvent implements alerting.Sink. It only enqueues the event;
// clients receive it asynchronously.
func (h *Hub) DeliverAlertEvent(ctx context.Context, event alerting.Event) error {
	msg := Message{Type: messageAlertTriggered, Event: event, Text: alerting.RenderMessage(event)}
	select {
	case <-h.done:
		return ErrHubClosed
	default:
	}
	select {
	case h.broadcast <- msg:
		return nil
	case <-h.done:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// join registers c unless the hub has stopped.
func (h *Hub) join(c *client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

var _ alerting.Sink = (*Hub)(nil)
