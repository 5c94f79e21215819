// Package session ties the client together. One Session owns the
// control channel, the peer transport, the roster, the media pipeline
// and the action registry, and drives the room lifecycle across them.
// There is no shared state outside the Session; construct one, use it,
// close it.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/avoskan/huddle/internal/app/actions"
	"github.com/avoskan/huddle/internal/app/roster"
	"github.com/avoskan/huddle/internal/core"
	"github.com/avoskan/huddle/internal/domain"
	"github.com/avoskan/huddle/internal/events"
)

// DataTag is the label of the primary peer data channel. Feature
// subscriptions against it use this tag.
const DataTag = "data"

const (
	leaveAckTimeout = 5 * time.Second
	peerCallTimeout = 15 * time.Second
)

// MediaController is the slice of the media pipeline the session
// drives. *media.Pipeline implements it.
type MediaController interface {
	Start(ctx context.Context, st domain.MediaState) error
	Stop()
	State() domain.MediaState
	SetVideoMute(ctx context.Context, mute bool) error
	SetAudioMute(mute bool) error
	OfferShareTo(ctx context.Context, peer domain.PeerID) error
	HandleShareCall(s core.IncomingShare)
	StopScreenShare()
}

type subKey struct {
	tag   string
	event string
}

// Session is the live client: everything a conference participant
// holds while connected.
type Session struct {
	bus       *events.Bus
	channel   core.SignalChannel
	transport core.PeerTransport
	roster    *roster.Manager
	pipeline  MediaController
	registry  *actions.Registry

	wireOnce sync.Once

	mu       sync.Mutex
	user     domain.User
	room     domain.RoomID
	roomInfo domain.RoomInfo
	joined   bool
	pending  bool
	creator  bool

	subMu sync.RWMutex
	subs  map[subKey]func(domain.PeerID, core.Frame)
}

func NewSession(bus *events.Bus, channel core.SignalChannel, transport core.PeerTransport, r *roster.Manager, pl MediaController, user domain.User) *Session {
	s := &Session{
		bus:       bus,
		channel:   channel,
		transport: transport,
		roster:    r,
		pipeline:  pl,
		user:      user,
		subs:      make(map[subKey]func(domain.PeerID, core.Frame)),
	}
	s.registry = actions.NewRegistry(channel, bus, s)
	return s
}

// Connect brings the whole client up: local media first, then the
// peer transport (which assigns our id), then the control channel.
// A failure rolls back whatever already started.
func (s *Session) Connect(ctx context.Context, token string, st domain.MediaState) error {
	var wireErr error
	s.wireOnce.Do(func() { wireErr = s.wire() })
	if wireErr != nil {
		return fmt.Errorf("wire session: %w", wireErr)
	}

	if err := s.pipeline.Start(ctx, st); err != nil {
		return err
	}

	id, err := s.transport.Connect(ctx, token)
	if err != nil {
		s.pipeline.Stop()
		return err
	}
	s.mu.Lock()
	s.user.ID = id
	user := s.user
	s.mu.Unlock()
	s.transport.SetUser(user)

	if err := s.channel.Connect(ctx, token); err != nil {
		_ = s.transport.Close()
		s.pipeline.Stop()
		return err
	}

	log.Info().Str("module", "session").Str("peer", string(id)).Msg("session up")
	return nil
}

// Join asks the server for a room. If the control channel is down the
// request is queued and flushed on the next connect.
func (s *Session) Join(room domain.RoomID) error {
	if room == "" {
		return fmt.Errorf("join: empty room id")
	}
	s.mu.Lock()
	s.room = room
	user := s.user
	if !s.channel.Connected() {
		s.pending = true
		s.mu.Unlock()
		log.Info().Str("module", "session").Str("room", string(room)).Msg("join queued until channel up")
		return nil
	}
	s.pending = false
	s.mu.Unlock()
	return s.channel.Emit(evJoinRoom, joinRoomMessage{RoomID: room, User: user})
}

// Left runs the room exit ladder: roster teardown, local media stop,
// peer transport close, server notice with ack, channel disconnect.
// Every step runs even when an earlier one fails; the first failure
// is returned after the ladder completes.
func (s *Session) Left(ctx context.Context) error {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return domain.ErrRoomNotJoined
	}
	if !s.channel.Connected() {
		s.mu.Unlock()
		return domain.ErrNotConnected
	}
	room, user := s.room, s.user
	s.joined = false
	s.pending = false
	s.room = ""
	s.creator = false
	s.roomInfo = domain.RoomInfo{}
	s.mu.Unlock()

	var first error
	keep := func(step string, err error) {
		if err == nil {
			return
		}
		log.Warn().Err(err).Str("module", "session").Str("step", step).Msg("leave step failed")
		if first == nil {
			first = fmt.Errorf("%s: %w", step, err)
		}
	}

	s.roster.CloseAll()
	s.pipeline.Stop()
	keep("transport close", s.transport.Close())

	ackCtx, cancel := context.WithTimeout(ctx, leaveAckTimeout)
	keep("leave notice", s.channel.EmitWithAck(ackCtx, evLeftRoom, leftRoomMessage{RoomID: room, User: user}))
	cancel()

	keep("channel disconnect", s.channel.Disconnect())

	log.Info().Str("module", "session").Str("room", string(room)).Msg("left room")
	return first
}

// Close is the hard teardown for sessions that never joined or whose
// leave ladder already ran. Safe to call more than once.
func (s *Session) Close() {
	s.roster.CloseAll()
	s.pipeline.Stop()
	_ = s.transport.Close()
	_ = s.channel.Disconnect()
}

// AdmitWaiting lets the waiting-list entry at index i into the room by
// echoing its access grant back to the server.
func (s *Session) AdmitWaiting(i int) error {
	list := s.roster.Waiting()
	if i < 0 || i >= len(list) {
		return fmt.Errorf("admit: no waiting entry at %d", i)
	}
	s.mu.Lock()
	room, joined := s.room, s.joined
	s.mu.Unlock()
	if !joined || room == "" {
		return domain.ErrRoomNotJoined
	}

	w := list[i]
	if err := s.channel.Emit(evJoinFromWaiting, waitingAccessMessage{RoomID: room, Access: w.Access}); err != nil {
		return err
	}
	s.roster.RemoveWaiting(i)
	log.Info().Str("module", "session").Str("peer", string(w.PeerID)).Msg("admitted from waiting list")
	return nil
}

// SubscribeData registers a feature handler for peer-data messages
// with the given event name on the given channel tag. Registering the
// same key again replaces the handler.
func (s *Session) SubscribeData(tag, event string, fn func(peer domain.PeerID, payload core.Frame)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subs[subKey{tag: tag, event: event}] = fn
}

// Actions exposes the moderated-action registry for host
// registrations and requests.
func (s *Session) Actions() *actions.Registry { return s.registry }

// Roster exposes the live roster for host queries.
func (s *Session) Roster() *roster.Manager { return s.roster }

// Room returns the latest attendance snapshot.
func (s *Session) Room() domain.RoomInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomInfo
}

// Creator reports whether the local user owns the joined room.
func (s *Session) Creator() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creator
}

// LocalID is the transport-assigned id of the local user.
func (s *Session) LocalID() domain.PeerID { return s.transport.ID() }

// RoomID returns the joined room, or empty when none is joined.
func (s *Session) RoomID() domain.RoomID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.joined {
		return ""
	}
	return s.room
}

// Leave, SetVideoMute, SetAudioMute and Notify complete the action
// capability surface.
func (s *Session) Leave(ctx context.Context) error { return s.Left(ctx) }

func (s *Session) SetVideoMute(ctx context.Context, mute bool) error {
	return s.pipeline.SetVideoMute(ctx, mute)
}

func (s *Session) SetAudioMute(mute bool) error { return s.pipeline.SetAudioMute(mute) }

func (s *Session) Notify(e events.Event) { s.bus.Publish(e) }
