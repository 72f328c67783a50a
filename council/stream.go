package council

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itsneelabh/orchestra/logging"
)

// RoundEvent is published after each debate round completes, letting a
// caller watch a long-running Council debate progress instead of waiting
// for the final Result.
type RoundEvent struct {
	RequestID string
	Topic     string
	Round     int
	Responses []Response
	Final     bool
}

// RoundBroadcaster publishes debate round updates to whichever listeners
// are currently attached.
type RoundBroadcaster interface {
	Broadcast(event RoundEvent)
}

// WithStream attaches a RoundBroadcaster; runDebate publishes a RoundEvent
// after every round when one is set.
func (c *Council) WithStream(b RoundBroadcaster) *Council {
	c.stream = b
	return c
}

type streamClient struct {
	conn *websocket.Conn
	send chan RoundEvent
}

// StreamHub is a RoundBroadcaster backed by WebSocket connections, one
// goroutine pair per attached client.
type StreamHub struct {
	upgrader websocket.Upgrader
	logger   logging.Logger

	mu      sync.RWMutex
	clients map[string]*streamClient
}

func NewStreamHub(logger logging.Logger) *StreamHub {
	return &StreamHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:  logging.Fallback(logger),
		clients: make(map[string]*streamClient),
	}
}

// Handler upgrades the connection and registers it to receive RoundEvents
// until the client disconnects.
func (h *StreamHub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, fmt.Sprintf("websocket upgrade failed: %v", err), http.StatusBadRequest)
			return
		}

		client := &streamClient{conn: conn, send: make(chan RoundEvent, 32)}
		id := fmt.Sprintf("%p", client)

		h.mu.Lock()
		h.clients[id] = client
		h.mu.Unlock()

		go h.writePump(id, client)
		go h.readPump(id, client)
	})
}

func (h *StreamHub) writePump(id string, c *streamClient) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only drains the connection so pongs and close frames are
// processed; the protocol is one-directional (hub to client).
func (h *StreamHub) readPump(id string, c *streamClient) {
	defer h.detach(id)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *StreamHub) detach(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[id]; ok {
		close(c.send)
		delete(h.clients, id)
	}
}

// Broadcast fans a RoundEvent out to every attached client, dropping it
// for any client whose send buffer is full rather than blocking the
// debate loop.
func (h *StreamHub) Broadcast(event RoundEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, c := range h.clients {
		select {
		case c.send <- event:
		default:
			h.logger.Warn("council stream client backpressured, dropping round event", map[string]interface{}{"client": id})
		}
	}
}
