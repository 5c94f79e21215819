package core

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/avoskan/huddle/internal/domain"
)

// SignalChannel is the control-plane connection to the coordination
// server. Implementations reconnect on their own; callers only see
// Connected flip and the signal-up/down bus events.
type SignalChannel interface {
	Connect(ctx context.Context, token string) error
	Disconnect() error
	Emit(event string, payload any) error
	EmitWithAck(ctx context.Context, event string, payload any) error
	Listen(event string, fn func(Frame)) error
	Connected() bool
}

// PeerTransport owns the broker connection and every negotiated peer
// link. Incoming plain calls are answered and parked in the roster by
// the transport itself; outgoing ones go through Call.
type PeerTransport interface {
	Connect(ctx context.Context, token string) (domain.PeerID, error)
	ID() domain.PeerID
	SetUser(u domain.User)
	Call(ctx context.Context, peer domain.PeerID) (MediaLink, DataLink, error)
	ShareCall(ctx context.Context, peer domain.PeerID, shareID string, track webrtc.TrackLocal) (MediaLink, error)
	OnShareCall(fn func(IncomingShare))
	Close() error
}

// RosterSink is where the transport parks links negotiated from
// incoming calls.
type RosterSink interface {
	Add(media MediaLink, data DataLink, meta domain.Attendee)
}

// RosterView is the read side the media pipeline works against.
type RosterView interface {
	MediaLinks() []MediaLink
	ForEachData(fn func(DataLink))
}

// TrackProvider hands the transport the current outbound tracks
// whenever a call is placed or answered.
type TrackProvider interface {
	OutboundTracks() []webrtc.TrackLocal
}
