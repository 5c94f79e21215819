package signal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/avoskan/huddle/internal/core"
)

// wsConn wraps one live websocket with a bounded send queue. A new one
// is built per (re)connect; the Channel only ever talks to the current.
type wsConn struct {
	conn  *websocket.Conn
	send  chan core.Frame
	ready chan struct{}
	dead  chan struct{}

	mu        sync.RWMutex
	closed    bool
	readyOnce sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{
		conn:  ws,
		send:  make(chan core.Frame, 32),
		ready: make(chan struct{}),
		dead:  make(chan struct{}),
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

func (c *wsConn) markReady() {
	c.readyOnce.Do(func() { close(c.ready) })
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	close(c.dead)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (c *Channel) writePump(ctx context.Context, conn *wsConn) {
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-conn.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := conn.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := conn.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (c *Channel) readPump(ctx context.Context, conn *wsConn) {
	var readErr error
	defer func() {
		log.Debug().Str("module", "signal").Msg("readPump closing")
		c.onDisconnect(conn, readErr)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := conn.conn.ReadMessage()
			if err != nil {
				readErr = err
				return
			}
			c.dispatch(conn, data)
		}
	}
}

func (c *Channel) dispatch(conn *wsConn, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	switch env.Event {
	case EventReady:
		conn.markReady()
	case EventAck:
		c.resolveAck(env.Ack)
	default:
		c.mu.RLock()
		fn := c.handlers[env.Event]
		c.mu.RUnlock()
		if fn == nil {
			log.Warn().Str("module", "signal").Str("event", env.Event).Msg("unknown signal")
			return
		}
		fn(core.Frame(env.Data))
	}
}
