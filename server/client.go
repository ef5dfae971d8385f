package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/entanglab/qcore/event"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 4 * 1024
)

// Client is one event-feed subscriber. It owns a bus subscription for its
// lifetime; writes are throttled so a slow consumer sheds load at the bus
// (drop counters) rather than stalling publishers.
type Client struct {
	server  *Server
	conn    *websocket.Conn
	sub     *event.Subscription
	limiter *rate.Limiter
	id      string
}

func newClient(s *Server, conn *websocket.Conn) *Client {
	limit := rate.Limit(s.cfg.EventRatePerSecond)
	burst := int(s.cfg.EventRatePerSecond)
	if s.cfg.EventRatePerSecond <= 0 {
		limit = rate.Inf
		burst = 1
	}
	return &Client{
		server:  s,
		conn:    conn,
		sub:     s.core.Subscribe(),
		limiter: rate.NewLimiter(limit, burst),
		id:      uuid.NewString()[:8],
	}
}

// readPump discards client frames; it exists to service pongs and detect
// closure.
func (c *Client) readPump() {
	defer func() {
		c.server.unregisterClient(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.server.logger.Warnw("WebSocket read error",
					"client_id", c.id,
					"error", err,
				)
			}
			return
		}
	}
}

// writePump streams bus events to the peer in sequence order.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.server.ctx.Done():
			return

		case ev, ok := <-c.sub.C():
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.limiter.Wait(c.server.ctx); err != nil {
				return
			}

			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.server.logger.Debugw("Event write error",
					"client_id", c.id,
					"seq", ev.Seq,
					"error", err,
				)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close releases the bus subscription and the connection. Safe to call from
// both pumps.
func (c *Client) close() {
	c.sub.Close()
	c.conn.Close()
}

// HandleEventsWebSocket upgrades the connection and starts the pumps.
func (s *Server) HandleEventsWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", "error", err)
		return
	}

	client := newClient(s, conn)
	if !s.registerClient(client) {
		s.logger.Warnw("Max clients reached, rejecting connection",
			"client_id", client.id,
			"max_clients", MaxClients,
		)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many subscribers"))
		client.close()
		return
	}

	s.logger.Infow("Event subscriber connected", "client_id", client.id)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		client.writePump()
	}()
	go func() {
		defer s.wg.Done()
		client.readPump()
	}()
}
