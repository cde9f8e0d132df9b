package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BadgerOps/dsmanager/internal/engine"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 512
	eventBuffer    = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// eventClient streams orchestrator events to one websocket connection.
type eventClient struct {
	conn        *websocket.Conn
	events      <-chan engine.Event
	unsubscribe func()
	key         string // empty streams every dataset
	logger      *slog.Logger
	closed      chan struct{}
}

// handleEvents upgrades to a websocket and streams started, progress and
// finished events. ?key= restricts the stream to one dataset.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the handshake completes so no event after it is missed.
	events, unsubscribe := s.orch.Subscribe(eventBuffer)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		unsubscribe()
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &eventClient{
		conn:        conn,
		events:      events,
		unsubscribe: unsubscribe,
		key:         r.URL.Query().Get("key"),
		logger:      s.logger,
		closed:      make(chan struct{}),
	}
	s.logger.Debug("event stream connected", "remote", r.RemoteAddr, "key", c.key)

	go c.writePump()
	go c.readPump()
}

// readPump only watches for the peer going away.
func (c *eventClient) readPump() {
	defer func() {
		c.unsubscribe()
		close(c.closed)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("event stream read error", "error", err)
			}
			return
		}
	}
}

func (c *eventClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		// Unsubscribing here keeps a dead connection from stalling delivery.
		c.unsubscribe()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.events:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if c.key != "" && ev.Key != c.key {
				continue
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				c.logger.Debug("event stream write error", "error", err)
				return
			}

		case <-c.closed:
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
