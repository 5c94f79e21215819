package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/avoskan/huddle/internal/core"
	"github.com/avoskan/huddle/internal/domain"
)

var errDataChannelClosed = errors.New("data channel not open")

// PeerLink is one negotiated connection to a remote peer. It backs
// both the media and the data half of a roster entry: closing either
// half closes the link, exactly once.
type PeerLink struct {
	peer    domain.PeerID
	shareID string
	pc      *webrtc.PeerConnection

	// renegMu serializes video replace/add per link. Parallel calls on
	// different links are fine.
	renegMu     sync.Mutex
	videoSender *webrtc.RTPSender
	sendOffer   func(sdp webrtc.SessionDescription, meta callMeta) error

	mu         sync.Mutex
	dc         *webrtc.DataChannel
	dcOpen     bool
	onOpen     func()
	onMessage  func(core.Frame)
	onActive   func()
	activeOnce sync.Once
	closeOnce  sync.Once
}

func newPeerLink(api *webrtc.API, cfg webrtc.Configuration, peer domain.PeerID, shareID string) (*PeerLink, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	l := &PeerLink{peer: peer, shareID: shareID, pc: pc}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("peer", string(peer)).Str("ice_state", s.String()).Msg("ICE state")
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("peer", string(peer)).Str("peer_connection_state", s.String()).Msg("peer state")
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("peer", string(peer)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("remote track")
		go l.consume(track)
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		l.attachDataChannel(dc)
	})

	return l, nil
}

func (l *PeerLink) PeerID() domain.PeerID { return l.peer }

// consume drains a remote track. The first packet marks the link
// active; for video a keyframe is requested right away so the remote
// picture starts clean.
func (l *PeerLink) consume(track *webrtc.TrackRemote) {
	first := true
	for {
		_, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if first {
			first = false
			if track.Kind() == webrtc.RTPCodecTypeVideo {
				_ = l.pc.WriteRTCP([]rtcp.Packet{
					&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
				})
			}
			l.activeOnce.Do(func() {
				l.mu.Lock()
				fn := l.onActive
				l.mu.Unlock()
				if fn != nil {
					fn()
				}
			})
		}
	}
}

// OnActive registers the first-packet callback. Register before media
// can arrive; a packet that beats the registration is lost.
func (l *PeerLink) OnActive(fn func()) {
	l.mu.Lock()
	l.onActive = fn
	l.mu.Unlock()
}

func (l *PeerLink) attachDataChannel(dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.dc = dc
	l.mu.Unlock()

	dc.OnOpen(func() {
		l.mu.Lock()
		l.dcOpen = true
		fn := l.onOpen
		l.mu.Unlock()
		log.Debug().Str("module", "rtc").Str("peer", string(l.peer)).Msg("data channel open")
		if fn != nil {
			fn()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		l.mu.Lock()
		fn := l.onMessage
		l.mu.Unlock()
		if fn != nil {
			fn(core.Frame(msg.Data))
		}
	})
}

// OnOpen registers the data-channel open callback; if the channel beat
// the registration it fires immediately.
func (l *PeerLink) OnOpen(fn func()) {
	l.mu.Lock()
	l.onOpen = fn
	open := l.dcOpen
	l.mu.Unlock()
	if open {
		fn()
	}
}

func (l *PeerLink) OnMessage(fn func(core.Frame)) {
	l.mu.Lock()
	l.onMessage = fn
	l.mu.Unlock()
}

// Send marshals v onto the data channel, best effort.
func (l *PeerLink) Send(v any) error {
	l.mu.Lock()
	dc, open := l.dc, l.dcOpen
	l.mu.Unlock()
	if dc == nil || !open {
		return errDataChannelClosed
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal data message: %w", err)
	}
	return dc.SendText(string(b))
}

// addOutboundTracks attaches the current local tracks before the
// initial offer or answer, remembering the video sender for later
// replacement.
func (l *PeerLink) addOutboundTracks(tracks []webrtc.TrackLocal) error {
	for _, tr := range tracks {
		sender, err := l.pc.AddTrack(tr)
		if err != nil {
			return fmt.Errorf("add track %s: %w", tr.ID(), err)
		}
		if tr.Kind() == webrtc.RTPCodecTypeVideo {
			l.videoSender = sender
		}
	}
	return nil
}

// ReplaceVideoTrack swaps the outbound video track. Links that never
// carried video get a fresh sender plus one renegotiation offer.
// Serialized per link; concurrent calls queue behind renegMu.
func (l *PeerLink) ReplaceVideoTrack(ctx context.Context, track webrtc.TrackLocal) error {
	l.renegMu.Lock()
	defer l.renegMu.Unlock()

	if l.videoSender != nil {
		return l.videoSender.ReplaceTrack(track)
	}

	sender, err := l.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add video track: %w", err)
	}
	l.videoSender = sender

	offer, err := l.createOffer(ctx)
	if err != nil {
		return err
	}
	if l.sendOffer == nil {
		return errors.New("link has no signaling path")
	}
	return l.sendOffer(*offer, callMeta{ShareID: l.shareID, Renegotiate: true})
}

func (l *PeerLink) createOffer(ctx context.Context) (*webrtc.SessionDescription, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(l.pc)
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return l.pc.LocalDescription(), nil
}

// applyOfferCreateAnswer runs the callee side of a negotiation, waiting
// for ICE gathering so the answer carries its candidates.
func (l *PeerLink) applyOfferCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := l.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(l.pc)
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	<-gathered
	return l.pc.LocalDescription(), nil
}

func (l *PeerLink) applyAnswer(answer webrtc.SessionDescription) error {
	return l.pc.SetRemoteDescription(answer)
}

// Close tears the link down. Safe to call from both roster halves;
// only the first call does anything.
func (l *PeerLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.pc.Close()
		if err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("peer", string(l.peer)).Msg("close error")
		} else {
			log.Info().Str("module", "rtc").Str("peer", string(l.peer)).Msg("closed")
		}
	})
	return err
}
