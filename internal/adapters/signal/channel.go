// Package signal implements the control-plane connection: a websocket
// client with a two-phase connect handshake and capped exponential
// reconnection.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/avoskan/huddle/internal/backoff"
	"github.com/avoskan/huddle/internal/config"
	"github.com/avoskan/huddle/internal/core"
	"github.com/avoskan/huddle/internal/domain"
	"github.com/avoskan/huddle/internal/events"
)

var ErrBackpressure = errors.New("backpressure")

// Channel is the signaling connection. Zero value is unusable; New
// then Initialize, then Connect.
type Channel struct {
	bus *events.Bus

	mu        sync.RWMutex
	cfg       *config.Signaling
	conn      *wsConn
	handlers  map[string]func(core.Frame)
	connected bool
	voluntary bool
	everUp    bool

	token   atomic.String
	retrier *backoff.Retrier

	ackSeq atomic.Uint64
	ackMu  sync.Mutex
	acks   map[uint64]chan struct{}

	cancelPumps context.CancelFunc
}

func NewChannel(bus *events.Bus) *Channel {
	return &Channel{
		bus:      bus,
		handlers: make(map[string]func(core.Frame)),
		acks:     make(map[uint64]chan struct{}),
	}
}

// Initialize stores the configuration and arms the retry policy. It
// does not connect.
func (c *Channel) Initialize(cfg config.Signaling) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = &cfg
	c.retrier = backoff.NewRetrier(backoff.Exponential{
		Delay:    cfg.Delay,
		Factor:   cfg.BackoffFactor,
		MaxDelay: cfg.MaxDelay,
		Attempts: cfg.Attempts,
	})
}

// Connect dials and waits for the server's ready envelope. Both phases
// share the handshake timeout; a transport error before ready fails
// the whole call. A failed first attempt still rejects, but the retry
// policy keeps dialing in the background until Disconnect or
// exhaustion.
func (c *Channel) Connect(ctx context.Context, token string) error {
	c.mu.Lock()
	if c.cfg == nil {
		c.mu.Unlock()
		return domain.ErrNotInitialized
	}
	if c.connected {
		c.mu.Unlock()
		return domain.ErrAlreadyConnected
	}
	c.voluntary = false
	enabled := c.cfg.Enabled
	c.mu.Unlock()

	c.token.Store(token)
	c.retrier.Reset()
	err := c.connectOnce(ctx)
	if err != nil && enabled {
		c.scheduleReconnect()
	}
	return err
}

func (c *Channel) connectOnce(ctx context.Context) error {
	c.mu.RLock()
	cfg := *c.cfg
	c.mu.RUnlock()

	dialCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()

	u := cfg.URL
	if tok := c.token.Load(); tok != "" {
		u += "?token=" + url.QueryEscape(tok)
	}
	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, u, nil)
	if err != nil {
		return fmt.Errorf("dial signaling: %w", err)
	}

	conn := newWSConn(ws)
	pumpCtx, cancelPumps := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.cancelPumps = cancelPumps
	c.mu.Unlock()

	go c.writePump(pumpCtx, conn)
	go c.readPump(pumpCtx, conn)

	select {
	case <-conn.ready:
	case <-conn.dead:
		c.drop(conn)
		return fmt.Errorf("signaling handshake: %w", domain.ErrNotConnected)
	case <-dialCtx.Done():
		c.drop(conn)
		return fmt.Errorf("signaling handshake: %w", domain.ErrConnectTimeout)
	}

	c.mu.Lock()
	c.connected = true
	reconnected := c.everUp
	c.everUp = true
	c.mu.Unlock()

	c.retrier.Reset()
	log.Info().Str("module", "signal").Bool("reconnected", reconnected).Msg("channel up")
	c.bus.Publish(events.SignalUp{Reconnected: reconnected})
	return nil
}

// Disconnect closes the channel for good: reconnection is disabled
// before the socket goes down, so no retry fires afterwards.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	if c.cfg == nil {
		c.mu.Unlock()
		return domain.ErrNotInitialized
	}
	c.voluntary = true
	conn := c.conn
	c.conn = nil
	c.connected = false
	cancel := c.cancelPumps
	c.mu.Unlock()

	c.retrier.Stop()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	log.Info().Str("module", "signal").Msg("voluntary disconnect")
	return nil
}

func (c *Channel) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Emit sends one event envelope. Backpressure is an error, not a stall.
func (c *Channel) Emit(event string, payload any) error {
	return c.emit(event, 0, payload)
}

func (c *Channel) emit(event string, ack uint64, payload any) error {
	c.mu.RLock()
	cfg, conn, connected := c.cfg, c.conn, c.connected
	c.mu.RUnlock()

	if cfg == nil {
		return domain.ErrNotInitialized
	}
	if !connected || conn == nil {
		return domain.ErrNotConnected
	}

	env := Envelope{Event: event, Ack: ack}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", event, err)
		}
		env.Data = data
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", event, err)
	}
	return conn.TrySend(frame)
}

// EmitWithAck sends and waits for the server to echo the ack id.
func (c *Channel) EmitWithAck(ctx context.Context, event string, payload any) error {
	id := c.ackSeq.Inc()
	done := make(chan struct{})

	c.ackMu.Lock()
	c.acks[id] = done
	c.ackMu.Unlock()
	defer func() {
		c.ackMu.Lock()
		delete(c.acks, id)
		c.ackMu.Unlock()
	}()

	if err := c.emit(event, id, payload); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("await ack for %s: %w", event, ctx.Err())
	}
}

// Listen registers the handler for one inbound event. Re-registering
// replaces the previous handler.
func (c *Channel) Listen(event string, fn func(core.Frame)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg == nil {
		return domain.ErrNotInitialized
	}
	c.handlers[event] = fn
	return nil
}

// drop tears down conn if it is still the current one.
func (c *Channel) drop(conn *wsConn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.connected = false
		if c.cancelPumps != nil {
			c.cancelPumps()
			c.cancelPumps = nil
		}
	}
	c.mu.Unlock()
	conn.Close()
}

// onDisconnect runs when the read pump of the current connection dies.
func (c *Channel) onDisconnect(conn *wsConn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	wasConnected := c.connected
	c.connected = false
	voluntary := c.voluntary
	enabled := c.cfg != nil && c.cfg.Enabled
	cancel := c.cancelPumps
	c.cancelPumps = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	conn.Close()
	if !wasConnected {
		return
	}

	log.Warn().Err(err).Str("module", "signal").Bool("voluntary", voluntary).Msg("channel down")
	c.bus.Publish(events.SignalDown{Err: err})

	if voluntary || !enabled {
		return
	}
	c.scheduleReconnect()
}

func (c *Channel) scheduleReconnect() {
	attempt := c.retrier.Attempt()
	delay, ok := c.retrier.Schedule(c.reconnect)
	if !ok {
		log.Error().Str("module", "signal").Int("attempts", attempt).Msg("reconnect retries exhausted")
		c.bus.Publish(events.SignalDown{Err: domain.ErrRetriesExhausted})
		return
	}
	log.Info().Str("module", "signal").Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")
}

func (c *Channel) reconnect() {
	c.mu.RLock()
	voluntary := c.voluntary
	c.mu.RUnlock()
	if voluntary {
		return
	}
	if err := c.connectOnce(context.Background()); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("reconnect failed")
		c.scheduleReconnect()
	}
}

func (c *Channel) resolveAck(id uint64) {
	c.ackMu.Lock()
	done, ok := c.acks[id]
	if ok {
		delete(c.acks, id)
	}
	c.ackMu.Unlock()
	if ok {
		close(done)
	}
}
