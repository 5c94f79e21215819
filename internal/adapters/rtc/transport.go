// Package rtc implements the peer transport: a broker websocket for
// call signaling plus one pion connection per remote peer. Plain calls
// are auto-answered into the roster; side-channel calls are handed to
// whoever registered for them.
package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/avoskan/huddle/internal/backoff"
	"github.com/avoskan/huddle/internal/config"
	"github.com/avoskan/huddle/internal/core"
	"github.com/avoskan/huddle/internal/domain"
	"github.com/avoskan/huddle/internal/events"
)

const sideChannelScreen = "screen"

type Transport struct {
	cfg    config.Transport
	bus    *events.Bus
	roster core.RosterSink
	tracks core.TrackProvider

	api    *webrtc.API
	rtcCfg webrtc.Configuration

	token     atomic.String
	id        atomic.String
	closed    atomic.Bool
	connected atomic.Bool

	mu      sync.RWMutex
	conn    *websocket.Conn
	welcome chan domain.PeerID
	user    domain.User
	links   map[domain.PeerID]*PeerLink
	shares  map[string]*PeerLink
	onShare func(core.IncomingShare)

	writeMu sync.Mutex
	retrier *backoff.Retrier
}

func NewTransport(cfg config.Transport, bus *events.Bus, roster core.RosterSink, tracks core.TrackProvider) (*Transport, error) {
	api, rtcCfg, err := newAPI(cfg.ICEServers)
	if err != nil {
		return nil, err
	}
	return &Transport{
		cfg:    cfg,
		bus:    bus,
		roster: roster,
		tracks: tracks,
		api:    api,
		rtcCfg: rtcCfg,
		links:  make(map[domain.PeerID]*PeerLink),
		shares: make(map[string]*PeerLink),
		retrier: backoff.NewRetrier(backoff.DoublingJitter{
			Delay:    cfg.ReconnectDelay,
			MaxDelay: cfg.MaxReconnectDelay,
			Attempts: cfg.MaxReconnectAttempts,
		}),
	}, nil
}

// Connect dials the broker and waits for its welcome. Open and welcome
// must both land inside the connection-delay window; a miss is fatal
// and never retried.
func (t *Transport) Connect(ctx context.Context, token string) (domain.PeerID, error) {
	if t.closed.Load() {
		return "", errors.New("transport closed")
	}
	t.token.Store(token)
	t.retrier.Reset()

	id, err := t.dial(ctx)
	if err != nil {
		t.bus.Publish(events.PeerConnectionFailed{Stage: "connect", Fatal: true, Err: err})
		return "", err
	}
	t.connected.Store(true)
	log.Info().Str("module", "rtc").Str("id", string(id)).Msg("transport up")
	return id, nil
}

func (t *Transport) dial(ctx context.Context) (domain.PeerID, error) {
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectionDelay)
	defer cancel()

	u := t.cfg.URL
	if tok := t.token.Load(); tok != "" {
		u += "?token=" + url.QueryEscape(tok)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u, nil)
	if err != nil {
		return "", fmt.Errorf("dial broker: %w", err)
	}

	welcome := make(chan domain.PeerID, 1)
	t.mu.Lock()
	t.conn = conn
	t.welcome = welcome
	t.mu.Unlock()

	go t.readLoop(conn)

	select {
	case id := <-welcome:
		t.id.Store(string(id))
		return id, nil
	case <-dialCtx.Done():
		_ = conn.Close()
		return "", fmt.Errorf("broker welcome: %w", domain.ErrConnectTimeout)
	}
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	var loopErr error
	defer func() { t.onDisconnect(conn, loopErr) }()

	for {
		var env brokerEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			loopErr = err
			return
		}
		switch env.Event {
		case evWelcome:
			var w welcomeData
			if err := json.Unmarshal(env.Data, &w); err != nil {
				log.Error().Err(err).Str("module", "rtc").Msg("bad welcome")
				continue
			}
			t.mu.RLock()
			ch := t.welcome
			t.mu.RUnlock()
			select {
			case ch <- w.ID:
			default:
			}
		case evCall:
			go t.handleCall(env)
		case evAnswer:
			t.handleAnswer(env)
		case evError:
			var e errorData
			_ = json.Unmarshal(env.Data, &e)
			log.Error().Str("module", "rtc").Str("message", e.Message).Msg("broker error")
			t.bus.Publish(events.PeerConnectionFailed{Stage: "broker", Fatal: true, Err: errors.New(e.Message)})
		case evBye:
			t.dropLink(env.From)
		default:
			log.Warn().Str("module", "rtc").Str("event", env.Event).Msg("unknown broker event")
		}
	}
}

func (t *Transport) send(env brokerEnvelope) error {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return domain.ErrNotConnected
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteJSON(env)
}

func (t *Transport) offerSender(peer domain.PeerID) func(webrtc.SessionDescription, callMeta) error {
	return func(sdp webrtc.SessionDescription, meta callMeta) error {
		data, err := json.Marshal(callData{SDP: sdp, Meta: meta, User: t.attendee()})
		if err != nil {
			return err
		}
		return t.send(brokerEnvelope{Event: evCall, To: peer, Data: data})
	}
}

func (t *Transport) attendee() domain.Attendee {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return domain.Attendee{PeerID: t.ID(), Name: t.user.Name}
}

// handleCall answers inbound offers. Side-channel calls are routed to
// the registered handler and must not be answered here.
func (t *Transport) handleCall(env brokerEnvelope) {
	var data callData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("bad call payload")
		return
	}

	if data.Meta.Kind == sideChannelScreen {
		t.mu.RLock()
		fn := t.onShare
		t.mu.RUnlock()
		if fn == nil {
			log.Warn().Str("module", "rtc").Str("peer", string(env.From)).Msg("share call with no handler")
			return
		}
		fn(core.IncomingShare{
			From:    env.From,
			ShareID: data.Meta.ShareID,
			Accept: func(ctx context.Context) (core.MediaLink, error) {
				return t.acceptShare(env.From, data)
			},
		})
		return
	}

	t.mu.RLock()
	existing := t.links[env.From]
	t.mu.RUnlock()
	if existing != nil && data.Meta.Renegotiate {
		answer, err := existing.applyOfferCreateAnswer(data.SDP)
		if err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("peer", string(env.From)).Msg("renegotiate answer")
			return
		}
		t.sendAnswer(env.From, *answer, data.Meta)
		return
	}

	link, err := newPeerLink(t.api, t.rtcCfg, env.From, "")
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("peer", string(env.From)).Msg("inbound link")
		return
	}
	link.sendOffer = t.offerSender(env.From)
	if t.tracks != nil {
		if err := link.addOutboundTracks(t.tracks.OutboundTracks()); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("peer", string(env.From)).Msg("attach tracks")
		}
	}

	t.mu.Lock()
	t.links[env.From] = link
	t.mu.Unlock()

	// Roster first, then the answer: the entry must exist before the
	// remote can possibly see our media.
	if t.roster != nil {
		t.roster.Add(link, link, data.User)
	}

	answer, err := link.applyOfferCreateAnswer(data.SDP)
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("peer", string(env.From)).Msg("answer call")
		t.dropLink(env.From)
		return
	}
	t.sendAnswer(env.From, *answer, callMeta{})
}

func (t *Transport) sendAnswer(to domain.PeerID, sdp webrtc.SessionDescription, meta callMeta) {
	data, err := json.Marshal(answerData{SDP: sdp, Meta: meta})
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("marshal answer")
		return
	}
	if err := t.send(brokerEnvelope{Event: evAnswer, To: to, Data: data}); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("peer", string(to)).Msg("send answer")
	}
}

func (t *Transport) handleAnswer(env brokerEnvelope) {
	var data answerData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("bad answer payload")
		return
	}

	t.mu.RLock()
	var link *PeerLink
	if data.Meta.Kind == sideChannelScreen {
		link = t.shares[data.Meta.ShareID]
	} else {
		link = t.links[env.From]
	}
	t.mu.RUnlock()

	if link == nil {
		log.Warn().Str("module", "rtc").Str("peer", string(env.From)).Msg("answer for unknown link")
		return
	}
	if err := link.applyAnswer(data.SDP); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("peer", string(env.From)).Msg("apply answer")
	}
}

// Call places an outgoing plain call. The caller owns wiring the
// returned halves into the roster.
func (t *Transport) Call(ctx context.Context, peer domain.PeerID) (core.MediaLink, core.DataLink, error) {
	if !t.connected.Load() {
		return nil, nil, domain.ErrNotConnected
	}

	link, err := newPeerLink(t.api, t.rtcCfg, peer, "")
	if err != nil {
		return nil, nil, err
	}
	link.sendOffer = t.offerSender(peer)

	dc, err := link.pc.CreateDataChannel("data", nil)
	if err != nil {
		_ = link.Close()
		return nil, nil, fmt.Errorf("create data channel: %w", err)
	}
	link.attachDataChannel(dc)

	if t.tracks != nil {
		if err := link.addOutboundTracks(t.tracks.OutboundTracks()); err != nil {
			_ = link.Close()
			return nil, nil, err
		}
	}

	offer, err := link.createOffer(ctx)
	if err != nil {
		_ = link.Close()
		return nil, nil, err
	}

	t.mu.Lock()
	t.links[peer] = link
	t.mu.Unlock()

	if err := link.sendOffer(*offer, callMeta{}); err != nil {
		t.dropLink(peer)
		return nil, nil, err
	}
	return link, link, nil
}

// ShareCall opens the screen side channel to one peer: video only,
// tagged so the remote transport does not auto-answer it.
func (t *Transport) ShareCall(ctx context.Context, peer domain.PeerID, shareID string, track webrtc.TrackLocal) (core.MediaLink, error) {
	if !t.connected.Load() {
		return nil, domain.ErrNotConnected
	}

	link, err := newPeerLink(t.api, t.rtcCfg, peer, shareID)
	if err != nil {
		return nil, err
	}
	link.sendOffer = t.offerSender(peer)
	if err := link.addOutboundTracks([]webrtc.TrackLocal{track}); err != nil {
		_ = link.Close()
		return nil, err
	}

	offer, err := link.createOffer(ctx)
	if err != nil {
		_ = link.Close()
		return nil, err
	}

	t.mu.Lock()
	t.shares[shareID] = link
	t.mu.Unlock()

	data, err := json.Marshal(callData{SDP: *offer, Meta: callMeta{Kind: sideChannelScreen, ShareID: shareID}, User: t.attendee()})
	if err != nil {
		return nil, err
	}
	if err := t.send(brokerEnvelope{Event: evCall, To: peer, Data: data}); err != nil {
		t.dropShare(shareID)
		return nil, err
	}
	return link, nil
}

func (t *Transport) acceptShare(from domain.PeerID, data callData) (core.MediaLink, error) {
	link, err := newPeerLink(t.api, t.rtcCfg, from, data.Meta.ShareID)
	if err != nil {
		return nil, err
	}
	answer, err := link.applyOfferCreateAnswer(data.SDP)
	if err != nil {
		_ = link.Close()
		return nil, err
	}

	t.mu.Lock()
	t.shares[data.Meta.ShareID] = link
	t.mu.Unlock()

	t.sendAnswer(from, *answer, data.Meta)
	return link, nil
}

func (t *Transport) OnShareCall(fn func(core.IncomingShare)) {
	t.mu.Lock()
	t.onShare = fn
	t.mu.Unlock()
}

func (t *Transport) SetUser(u domain.User) {
	t.mu.Lock()
	t.user = u
	t.mu.Unlock()
}

func (t *Transport) ID() domain.PeerID {
	return domain.PeerID(t.id.Load())
}

func (t *Transport) dropLink(peer domain.PeerID) {
	t.mu.Lock()
	link := t.links[peer]
	delete(t.links, peer)
	t.mu.Unlock()
	if link != nil {
		_ = link.Close()
	}
}

func (t *Transport) dropShare(shareID string) {
	t.mu.Lock()
	link := t.shares[shareID]
	delete(t.shares, shareID)
	t.mu.Unlock()
	if link != nil {
		_ = link.Close()
	}
}

func (t *Transport) onDisconnect(conn *websocket.Conn, err error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.mu.Unlock()

	wasConnected := t.connected.Swap(false)
	if t.closed.Load() || !wasConnected {
		return
	}

	log.Warn().Err(err).Str("module", "rtc").Msg("broker connection lost")
	t.scheduleReconnect()
}

func (t *Transport) scheduleReconnect() {
	attempt := t.retrier.Attempt()
	delay, ok := t.retrier.Schedule(t.reconnect)
	if !ok {
		log.Error().Str("module", "rtc").Int("attempts", attempt).Msg("reconnect attempts exhausted")
		t.bus.Publish(events.PeerConnectionFailed{Stage: "reconnect", Fatal: true, Err: domain.ErrRetriesExhausted})
		return
	}
	log.Info().Str("module", "rtc").Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")
}

func (t *Transport) reconnect() {
	if t.closed.Load() {
		return
	}
	id, err := t.dial(context.Background())
	if err != nil {
		log.Warn().Err(err).Str("module", "rtc").Msg("reconnect failed")
		t.scheduleReconnect()
		return
	}
	t.connected.Store(true)
	t.retrier.Reset()
	log.Info().Str("module", "rtc").Str("id", string(id)).Msg("transport back up")
}

// Close shuts the broker connection and every link. Idempotent.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.retrier.Stop()
	t.connected.Store(false)

	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	links := t.links
	shares := t.shares
	t.links = make(map[domain.PeerID]*PeerLink)
	t.shares = make(map[string]*PeerLink)
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	for _, l := range links {
		_ = l.Close()
	}
	for _, l := range shares {
		_ = l.Close()
	}
	log.Info().Str("module", "rtc").Msg("transport closed")
	return nil
}
