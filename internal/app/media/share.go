package media

import (
	"context"
	"image"
	"image/draw"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/avoskan/huddle/internal/core"
	"github.com/avoskan/huddle/internal/domain"
)

// localShare is one outbound share session. It runs beside the main
// loop with its own source, encoder, track and per-peer links.
type localShare struct {
	id     string
	src    core.FrameSource
	enc    core.VideoEncoder
	track  *webrtc.TrackLocalStaticSample
	cancel context.CancelFunc

	mu    sync.Mutex
	links map[domain.PeerID]core.MediaLink
}

func (s *localShare) addLink(peer domain.PeerID, link core.MediaLink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.links[peer]; ok {
		_ = old.Close()
	}
	s.links[peer] = link
}

func (s *localShare) teardown() {
	s.cancel()
	s.mu.Lock()
	links := s.links
	s.links = make(map[domain.PeerID]core.MediaLink)
	s.mu.Unlock()
	for _, l := range links {
		_ = l.Close()
	}
	_ = s.enc.Close()
	_ = s.src.Close()
}

// StartScreenShare opens a second outbound session fed by src, places
// a share call to every connected peer and announces the share over
// the data channels. The returned id names the session for viewers.
func (p *Pipeline) StartScreenShare(ctx context.Context, src core.FrameSource) (string, error) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return "", ErrNotStarted
	}
	if p.share != nil {
		p.mu.Unlock()
		return "", ErrShareActive
	}
	transport := p.transport
	if transport == nil {
		p.mu.Unlock()
		return "", ErrNotStarted
	}

	enc, err := p.newEnc(p.videoConstraintsLocked())
	if err != nil {
		p.mu.Unlock()
		return "", err
	}
	track, err := newVideoTrack("huddle-share")
	if err != nil {
		_ = enc.Close()
		p.mu.Unlock()
		return "", err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	share := &localShare{
		id:     uuid.NewString(),
		src:    src,
		enc:    enc,
		track:  track,
		cancel: cancel,
		links:  make(map[domain.PeerID]core.MediaLink),
	}
	p.share = share
	p.state.Sharing = true
	w, h := p.videoConstraintsLocked().Resolution()
	step := time.Second / time.Duration(p.cfg.FramesPerSecond)
	links := p.roster.MediaLinks()
	p.mu.Unlock()

	go p.shareLoop(loopCtx, share, image.NewRGBA(image.Rect(0, 0, w, h)), step)

	fanout := pool.New().WithErrors()
	for _, l := range links {
		fanout.Go(func() error {
			link, err := transport.ShareCall(ctx, l.PeerID(), share.id, track)
			if err != nil {
				return err
			}
			share.addLink(l.PeerID(), link)
			return nil
		})
	}
	if err := fanout.Wait(); err != nil {
		log.Warn().Str("module", "media").Err(err).Msg("share call incomplete")
	}

	p.broadcastShare(true, share.id)
	log.Info().Str("module", "media").Str("share_id", share.id).Int("peers", len(links)).Msg("screen share started")
	return share.id, nil
}

// StopScreenShare ends the active share. Calling it without one is a
// no-op.
func (p *Pipeline) StopScreenShare() {
	p.mu.Lock()
	share := p.share
	p.share = nil
	p.state.Sharing = false
	p.mu.Unlock()
	if share == nil {
		return
	}

	share.teardown()
	p.broadcastShare(false, "")
	log.Info().Str("module", "media").Str("share_id", share.id).Msg("screen share stopped")
}

// OfferShareTo extends the running share to one peer, for attendees
// who join while it is on air.
func (p *Pipeline) OfferShareTo(ctx context.Context, peer domain.PeerID) error {
	p.mu.Lock()
	share := p.share
	transport := p.transport
	p.mu.Unlock()
	if share == nil {
		return ErrNoShare
	}
	if transport == nil {
		return ErrNotStarted
	}

	link, err := transport.ShareCall(ctx, peer, share.id, share.track)
	if err != nil {
		return err
	}
	share.addLink(peer, link)
	return nil
}

// shareLoop mirrors the main loop for the share session. A source
// error ends the share instead of idling on a dead feed.
func (p *Pipeline) shareLoop(ctx context.Context, s *localShare, surface *image.RGBA, step time.Duration) {
	ticker := time.NewTicker(step)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, err := s.src.Read()
			if err != nil {
				log.Debug().Str("module", "media").Err(err).Msg("share source ended")
				go p.StopScreenShare()
				return
			}
			draw.Draw(surface, surface.Bounds(), frame, frame.Bounds().Min, draw.Src)
			data, err := s.enc.Encode(surface)
			if err != nil {
				log.Warn().Str("module", "media").Err(err).Msg("share encode failed")
				continue
			}
			if len(data) == 0 {
				continue
			}
			if err := s.track.WriteSample(pionmedia.Sample{Data: data, Duration: step}); err != nil {
				log.Warn().Str("module", "media").Err(err).Msg("share sample write failed")
			}
		}
	}
}

func (p *Pipeline) broadcastShare(active bool, shareID string) {
	p.broadcast(ScreenShareMessage{
		Event:   DataScreenShare,
		Status:  active,
		PeerID:  p.localID(),
		ShareID: shareID,
	})
}
