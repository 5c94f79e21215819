package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var errConnClosed = errors.New("connection closed")

const writeWait = 5 * time.Second

// wsPeer wraps one accepted websocket with a bounded send queue.
// Writers go through TrySend; backpressure is an error, not a stall.
type wsPeer struct {
	ws   *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func newWSPeer(ws *websocket.Conn, readLimit int64) *wsPeer {
	ws.SetReadLimit(readLimit)
	return &wsPeer{
		ws:   ws,
		send: make(chan []byte, 32),
	}
}

func (c *wsPeer) TrySend(frame []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- frame:
	default:
		return errBackpressure
	}
	return nil
}

var errBackpressure = errors.New("backpressure")

func (c *wsPeer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.ws.Close()
	c.mu.Unlock()
}

// writePump drains the send queue and keeps the socket alive with
// pings. The read deadline rides on the pong handler, so a peer that
// stops answering gets reaped by its read pump.
func (c *wsPeer) writePump(pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	_ = c.ws.SetReadDeadline(time.Now().Add(pingPeriod + writeWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pingPeriod + writeWait))
	})

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump set deadline")
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump delivers inbound frames to fn until the socket dies.
func (c *wsPeer) readPump(fn func(data []byte)) {
	defer c.Close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Str("module", "relay").Msg("readPump closing")
			return
		}
		fn(data)
	}
}
