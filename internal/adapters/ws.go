// Package adapters binds the transport edges (WebSocket, HTTP) to the
// application core.
package adapters

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/arohealth/teleconsult/internal/core"
)

var ErrBackpressure = errors.New("backpressure")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const writeWait = 5 * time.Second

// wsConn adapts a gorilla connection to core.SignalConnection. Outbound
// frames go through a bounded channel so a slow reader never blocks the
// relay; when the channel is full the frame is refused, not dropped
// silently.
type wsConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{
		conn: ws,
		send: make(chan core.Frame, 32),
	}
}

func (c *wsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// writePump drains the send channel onto the wire. With a non-zero
// pingPeriod it also emits protocol-level pings so half-dead connections
// get torn down by the read side's deadline.
func (c *wsConn) writePump(ctx context.Context, module string, pingPeriod time.Duration) {
	var pingC <-chan time.Time
	if pingPeriod > 0 {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		pingC = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", module).Msg("writePump ctx done")
			return
		case <-pingC:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("module", module).Msg("writePump ping failed")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", module).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", module).Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", module).Msg("writePump write error")
				return
			}
		}
	}
}

// logCloseReason distinguishes a clean goodbye from an abnormal closure
// (code 1006: the peer vanished without a close frame, typically a network
// drop the client will try to ride out with a reconnect).
func logCloseReason(module string, err error) {
	var ce *websocket.CloseError
	switch {
	case errors.As(err, &ce) && ce.Code == websocket.CloseAbnormalClosure:
		log.Warn().Str("module", module).Int("code", ce.Code).
			Msg("abnormal closure, peer gone without close frame")
	case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		log.Warn().Err(err).Str("module", module).Msg("unexpected close")
	default:
		log.Debug().Err(err).Str("module", module).Msg("connection closed")
	}
}
