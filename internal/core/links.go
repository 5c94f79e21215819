package core

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/avoskan/huddle/internal/domain"
)

// Frame is a raw message payload on a control or data channel.
type Frame []byte

// MediaLink is the media half of one roster entry. A link may share
// its underlying peer connection with the entry's data half; closing
// either closes both, exactly once.
type MediaLink interface {
	PeerID() domain.PeerID
	// ReplaceVideoTrack swaps the outbound video track, adding one when
	// the link never carried video. Calls on the same link are
	// serialized; a second call waits for the first to finish.
	ReplaceVideoTrack(ctx context.Context, track webrtc.TrackLocal) error
	// OnActive fires once, on the first media packet from the remote.
	OnActive(fn func())
	Close() error
}

// DataLink is the data half of one roster entry.
type DataLink interface {
	PeerID() domain.PeerID
	Send(v any) error
	OnOpen(fn func())
	OnMessage(fn func(Frame))
	Close() error
}

// IncomingShare is a side-channel call (screen share). It must never
// be auto-answered by the transport; the pipeline decides.
type IncomingShare struct {
	From    domain.PeerID
	ShareID string
	Accept  func(ctx context.Context) (MediaLink, error)
}
