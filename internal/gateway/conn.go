package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/edgewild/fleetcore/internal/infrastructure/config"
)

// ErrSendBufferFull indicates the agent's outbound buffer overflowed.
// The connection is torn down; the agent reconnects and re-registers.
var ErrSendBufferFull = errors.New("gateway: send buffer full")

// agentConn is one device's live websocket connection. It implements
// device.Conn for the registry and router.
//
// All outbound traffic goes through the buffered send channel so the
// write pump is the only goroutine touching the socket for writes.
type agentConn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	gw *Gateway
}

func newAgentConn(gw *Gateway, ws *websocket.Conn) *agentConn {
	return &agentConn{
		id:     uuid.New().String(),
		ws:     ws,
		send:   make(chan []byte, gw.cfg.SendBufferSize),
		closed: make(chan struct{}),
		gw:     gw,
	}
}

// ID returns the connection identifier.
func (c *agentConn) ID() string { return c.id }

// WriteJSON queues a JSON-encoded message for the write pump. A full
// buffer means the agent is not draining its socket; the connection is
// closed rather than blocking the caller.
func (c *agentConn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		c.gw.logger.Warn("agent send buffer full, dropping connection", "conn_id", c.id)
		c.Close() //nolint:errcheck // Already failing
		return ErrSendBufferFull
	}
}

// Close tears the connection down exactly once. The read pump notices
// the closed socket and runs the disconnect path.
func (c *agentConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close() //nolint:errcheck // Peer may already be gone
	})
	return nil
}

// readPump reads agent messages until the connection dies, then runs
// the registry disconnect. Pong receipt resets the read deadline.
func (c *agentConn) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.Close() //nolint:errcheck // Idempotent
		c.gw.handleDisconnect(c.id)
	}()

	c.ws.SetReadLimit(int64(cfg.MaxMessageSize))
	deadline := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	c.ws.SetReadDeadline(time.Now().Add(deadline)) //nolint:errcheck // Best-effort deadline on setup
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.gw.logger.Warn("agent read error", "conn_id", c.id, "error", err)
			} else {
				c.gw.logger.Debug("agent connection closed", "conn_id", c.id)
			}
			return
		}
		// Any agent traffic proves liveness, not just pongs.
		c.ws.SetReadDeadline(time.Now().Add(deadline)) //nolint:errcheck // Best-effort deadline reset
		c.gw.dispatch(c, message)
	}
}

// writePump drains the send channel onto the socket and keeps the
// protocol-level ping going.
func (c *agentConn) writePump(cfg config.WebSocketConfig) {
	ticker := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	defer func() {
		ticker.Stop()
		c.Close() //nolint:errcheck // Idempotent
	}()

	writeWait := time.Duration(cfg.PongTimeout) * time.Second

	for {
		select {
		case <-c.closed:
			c.ws.WriteMessage(websocket.CloseMessage, nil) //nolint:errcheck // Best-effort close message
			return
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // Best-effort deadline; write error caught below
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // Best-effort deadline; ping error caught below
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
