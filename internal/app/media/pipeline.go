// Package media owns local capture and the outbound stream: the
// compose/encode tick loop, mute semantics, screen sharing and
// recording taps.
package media

import (
	"context"
	"errors"
	"image"
	"image/draw"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/atomic"

	"github.com/avoskan/huddle/internal/config"
	"github.com/avoskan/huddle/internal/core"
	"github.com/avoskan/huddle/internal/domain"
	"github.com/avoskan/huddle/internal/events"
)

var (
	ErrNotStarted  = errors.New("pipeline not started")
	ErrStarted     = errors.New("pipeline already started")
	ErrShareActive = errors.New("screen share already active")
	ErrNoShare     = errors.New("no active screen share")
)

const (
	blurRadius         = 4
	shareAcceptTimeout = 10 * time.Second
)

// Roster is the slice of the roster the pipeline works against.
type Roster interface {
	core.RosterView
	AttachShare(peer domain.PeerID, shareID string, link core.MediaLink) bool
	ClearShare(peer domain.PeerID)
}

// ShareTransport places share side-channel calls. Bound after the
// transport is constructed; the pipeline works without one until then.
type ShareTransport interface {
	ID() domain.PeerID
	ShareCall(ctx context.Context, peer domain.PeerID, shareID string, track webrtc.TrackLocal) (core.MediaLink, error)
}

// EncoderFactory builds one video encoder for the given constraints.
type EncoderFactory func(domain.CaptureConstraints) (core.VideoEncoder, error)

// DetectFunc receives the first detected region, the composed surface
// and the name the callback was registered under.
type DetectFunc func(region domain.Region, surface *image.RGBA, name string)

type detector struct {
	fn      DetectFunc
	enabled bool
}

// Pipeline composes camera frames onto a surface at a fixed tick
// rate, encodes them onto the outbound video track and keeps every
// peer connection's senders in sync with the mute state.
type Pipeline struct {
	cfg    config.Media
	bus    *events.Bus
	roster Roster
	caps   core.CaptureProvider
	newEnc EncoderFactory

	mu          sync.Mutex
	orientation domain.Orientation
	transport   ShareTransport
	state       domain.MediaState
	running     bool
	audioDev    core.CaptureDevice
	videoDev    core.CaptureDevice
	src         core.FrameSource
	enc         core.VideoEncoder
	videoOut    *webrtc.TrackLocalStaticSample
	audioOut    webrtc.TrackLocal
	surface     *image.RGBA
	blurBuf     []uint8
	rec         core.RecordingSink
	share       *localShare
	loopCancel  context.CancelFunc

	blur     atomic.Bool
	inFlight atomic.Bool

	detMu     sync.Mutex
	det       core.Detector
	detectors map[string]*detector
}

func NewPipeline(cfg config.Media, bus *events.Bus, r Roster, caps core.CaptureProvider, newEnc EncoderFactory) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		bus:       bus,
		roster:    r,
		caps:      caps,
		newEnc:    newEnc,
		detectors: make(map[string]*detector),
	}
}

// SetDetector installs the detection collaborator. Without one the
// detection stage is skipped even when callbacks are enabled.
func (p *Pipeline) SetDetector(d core.Detector) {
	p.detMu.Lock()
	defer p.detMu.Unlock()
	p.det = d
}

// SetOrientation applies to the next device acquisition.
func (p *Pipeline) SetOrientation(o domain.Orientation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.orientation = o
}

// BindTransport wires the share side channel once the transport
// exists.
func (p *Pipeline) BindTransport(t ShareTransport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transport = t
}

// Start acquires the devices and begins the tick loop. With the
// camera muted from the outset a black substitute feeds the loop, so
// the outbound stream still carries a video track.
func (p *Pipeline) Start(ctx context.Context, st domain.MediaState) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrStarted
	}

	audio, err := p.caps.Acquire(ctx, p.audioConstraintsLocked())
	if err != nil {
		p.mu.Unlock()
		return err
	}

	var videoDev core.CaptureDevice
	var src core.FrameSource
	w, h := p.videoConstraintsLocked().Resolution()
	if st.CamMuted {
		src = newBlackSource(w, h)
	} else {
		videoDev, err = p.caps.Acquire(ctx, p.videoConstraintsLocked())
		if err != nil {
			_ = audio.Close()
			p.mu.Unlock()
			return err
		}
		src = videoDev.Frames()
	}

	track, err := newVideoTrack("huddle-video")
	if err != nil {
		p.releaseLocked(audio, videoDev, nil)
		p.mu.Unlock()
		return err
	}
	enc, err := p.newEnc(p.videoConstraintsLocked())
	if err != nil {
		p.releaseLocked(audio, videoDev, nil)
		p.mu.Unlock()
		return err
	}

	audio.SetAudioEnabled(!st.MicMuted)
	p.audioDev = audio
	p.audioOut = audio.AudioOut()
	p.videoDev = videoDev
	p.src = src
	p.videoOut = track
	p.enc = enc
	p.surface = image.NewRGBA(image.Rect(0, 0, w, h))
	p.blurBuf = make([]uint8, len(p.surface.Pix))
	p.state = domain.MediaState{CamMuted: st.CamMuted, MicMuted: st.MicMuted}
	p.running = true
	p.startLoopLocked()
	p.mu.Unlock()

	log.Info().
		Str("module", "media").
		Bool("cam_muted", st.CamMuted).
		Bool("mic_muted", st.MicMuted).
		Int("fps", p.cfg.FramesPerSecond).
		Msg("pipeline started")
	return nil
}

// Stop tears everything down: loop, devices, encoder, share,
// recording sink.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.stopLoopLocked()
	audio, video, enc := p.audioDev, p.videoDev, p.enc
	rec, share := p.rec, p.share
	p.audioDev, p.videoDev, p.enc, p.rec, p.share = nil, nil, nil, nil, nil
	p.videoOut, p.audioOut, p.src = nil, nil, nil
	p.running = false
	p.state = domain.MediaState{}
	p.mu.Unlock()

	if share != nil {
		share.teardown()
	}
	if enc != nil {
		_ = enc.Close()
	}
	if video != nil {
		_ = video.Close()
	}
	if audio != nil {
		_ = audio.Close()
	}
	if rec != nil {
		_ = rec.Close()
	}
	log.Info().Str("module", "media").Msg("pipeline stopped")
}

func (p *Pipeline) State() domain.MediaState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// OutboundTracks is what new calls and answers carry.
func (p *Pipeline) OutboundTracks() []webrtc.TrackLocal {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []webrtc.TrackLocal
	if p.videoOut != nil {
		out = append(out, p.videoOut)
	}
	if p.audioOut != nil {
		out = append(out, p.audioOut)
	}
	return out
}

// SetVideoMute on stops capture and halts the loop; nothing is sent,
// so no sender is touched. Off re-acquires the camera, restarts the
// loop and replaces (or adds) the video sender on every connection,
// exactly once each. Both directions finish by broadcasting the new
// posture.
func (p *Pipeline) SetVideoMute(ctx context.Context, mute bool) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrNotStarted
	}
	if p.state.CamMuted == mute {
		p.mu.Unlock()
		return nil
	}

	if mute {
		p.stopLoopLocked()
		if p.videoDev != nil {
			_ = p.videoDev.Close()
			p.videoDev = nil
		}
		p.src = nil
		p.state.CamMuted = true
		p.mu.Unlock()

		log.Info().Str("module", "media").Msg("camera muted")
		p.broadcastState()
		return nil
	}

	if p.videoDev != nil {
		_ = p.videoDev.Close()
		p.videoDev = nil
	}
	dev, err := p.caps.Acquire(ctx, p.videoConstraintsLocked())
	if err != nil {
		p.mu.Unlock()
		return err
	}
	track, err := newVideoTrack("huddle-video")
	if err != nil {
		_ = dev.Close()
		p.mu.Unlock()
		return err
	}
	enc, err := p.newEnc(p.videoConstraintsLocked())
	if err != nil {
		_ = dev.Close()
		p.mu.Unlock()
		return err
	}

	p.stopLoopLocked()
	if p.enc != nil {
		_ = p.enc.Close()
	}
	p.videoDev = dev
	p.src = dev.Frames()
	p.videoOut = track
	p.enc = enc
	p.state.CamMuted = false
	p.startLoopLocked()
	links := p.roster.MediaLinks()
	p.mu.Unlock()

	fanout := pool.New().WithErrors()
	for _, l := range links {
		fanout.Go(func() error { return l.ReplaceVideoTrack(ctx, track) })
	}
	if err := fanout.Wait(); err != nil {
		log.Warn().Str("module", "media").Err(err).Msg("track replacement incomplete")
	}

	log.Info().Str("module", "media").Int("links", len(links)).Msg("camera unmuted")
	p.broadcastState()
	return nil
}

// SetAudioMute only flips the capture gate. No sender is replaced or
// added, ever.
func (p *Pipeline) SetAudioMute(mute bool) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrNotStarted
	}
	if p.state.MicMuted == mute {
		p.mu.Unlock()
		return nil
	}
	p.state.MicMuted = mute
	dev := p.audioDev
	p.mu.Unlock()

	if dev != nil {
		dev.SetAudioEnabled(!mute)
	}
	log.Info().Str("module", "media").Bool("muted", mute).Msg("microphone toggled")
	p.broadcastState()
	return nil
}

// SetBlur toggles the background blur pass.
func (p *Pipeline) SetBlur(on bool) { p.blur.Store(on) }

// RegisterDetectFunc adds or replaces a callback by name. New
// callbacks start disabled.
func (p *Pipeline) RegisterDetectFunc(name string, fn DetectFunc) {
	p.detMu.Lock()
	defer p.detMu.Unlock()
	if d, ok := p.detectors[name]; ok {
		d.fn = fn
		return
	}
	p.detectors[name] = &detector{fn: fn}
}

// EnableDetectFunc toggles a registered callback. Unknown names are a
// no-op.
func (p *Pipeline) EnableDetectFunc(name string, on bool) {
	p.detMu.Lock()
	defer p.detMu.Unlock()
	if d, ok := p.detectors[name]; ok {
		d.enabled = on
	}
}

// SetRecording routes composed frames into sink while on, and
// broadcasts the flag either way. The previous sink is closed.
func (p *Pipeline) SetRecording(on bool, sink core.RecordingSink) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrNotStarted
	}
	old := p.rec
	if on {
		p.rec = sink
	} else {
		p.rec = nil
	}
	p.state.Recording = on
	p.mu.Unlock()

	if old != nil && old != sink {
		_ = old.Close()
	}
	p.broadcast(RecordScreenMessage{Event: DataRecordScreen, Record: on})
	p.bus.Publish(events.ScreenRecordStateChange{PeerID: p.localID(), Recording: on})
	log.Info().Str("module", "media").Bool("recording", on).Msg("recording toggled")
	return nil
}

// HandleShareCall accepts a remote share, parks the link in the
// roster and announces the display.
func (p *Pipeline) HandleShareCall(s core.IncomingShare) {
	ctx, cancel := context.WithTimeout(context.Background(), shareAcceptTimeout)
	defer cancel()

	link, err := s.Accept(ctx)
	if err != nil {
		log.Warn().Str("module", "media").Str("peer", string(s.From)).Err(err).Msg("share accept failed")
		return
	}
	if !p.roster.AttachShare(s.From, s.ShareID, link) {
		_ = link.Close()
		log.Warn().Str("module", "media").Str("peer", string(s.From)).Msg("share from unknown peer dropped")
		return
	}
	p.bus.Publish(events.ScreenShareDisplay{PeerID: s.From, Active: true})
}

func (p *Pipeline) startLoopLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	p.loopCancel = cancel
	interval := time.Second / time.Duration(p.cfg.FramesPerSecond)
	go p.loop(ctx, loopState{
		src:     p.src,
		enc:     p.enc,
		out:     p.videoOut,
		surface: p.surface,
		live:    !p.state.CamMuted,
		step:    interval,
	})
}

func (p *Pipeline) stopLoopLocked() {
	if p.loopCancel != nil {
		p.loopCancel()
		p.loopCancel = nil
	}
}

// loopState pins everything a loop generation works on, so a mute
// swap never races a tick in flight.
type loopState struct {
	src     core.FrameSource
	enc     core.VideoEncoder
	out     *webrtc.TrackLocalStaticSample
	surface *image.RGBA
	live    bool
	step    time.Duration
}

func (p *Pipeline) loop(ctx context.Context, ls loopState) {
	ticker := time.NewTicker(ls.step)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx, ls)
		}
	}
}

// tick runs one composition pass. A tick arriving while the previous
// one still runs is dropped, bounding work under slow processing.
func (p *Pipeline) tick(ctx context.Context, ls loopState) bool {
	if !p.inFlight.CompareAndSwap(false, true) {
		return false
	}
	defer p.inFlight.Store(false)

	frame, err := ls.src.Read()
	if err != nil {
		log.Debug().Str("module", "media").Err(err).Msg("frame read failed")
		return true
	}
	draw.Draw(ls.surface, ls.surface.Bounds(), frame, frame.Bounds().Min, draw.Src)
	if ls.live {
		mirror(ls.surface)
	}
	if p.blur.Load() {
		boxBlur(ls.surface, p.blurBuf, blurRadius)
	}
	p.runDetection(ctx, ls.surface)

	data, err := ls.enc.Encode(ls.surface)
	if err != nil {
		log.Warn().Str("module", "media").Err(err).Msg("encode failed")
		return true
	}
	if len(data) > 0 {
		if err := ls.out.WriteSample(pionmedia.Sample{Data: data, Duration: ls.step}); err != nil {
			log.Warn().Str("module", "media").Err(err).Msg("sample write failed")
		}
	}

	p.mu.Lock()
	rec := p.rec
	p.mu.Unlock()
	if rec != nil {
		if err := rec.WriteFrame(ls.surface, time.Now()); err != nil {
			log.Warn().Str("module", "media").Err(err).Msg("recording write failed")
		}
	}
	return true
}

// runDetection invokes every enabled callback with the first region.
// A panicking callback is contained and logged; the tick goes on.
func (p *Pipeline) runDetection(ctx context.Context, surface *image.RGBA) {
	p.detMu.Lock()
	det := p.det
	var enabled []struct {
		name string
		fn   DetectFunc
	}
	for name, d := range p.detectors {
		if d.enabled {
			enabled = append(enabled, struct {
				name string
				fn   DetectFunc
			}{name, d.fn})
		}
	}
	p.detMu.Unlock()

	if det == nil || len(enabled) == 0 {
		return
	}
	regions, err := det.Detect(ctx, surface)
	if err != nil {
		log.Debug().Str("module", "media").Err(err).Msg("detection failed")
		return
	}
	if len(regions) == 0 {
		return
	}
	for _, d := range enabled {
		p.invokeDetect(d.name, d.fn, regions[0], surface)
	}
}

func (p *Pipeline) invokeDetect(name string, fn DetectFunc, r domain.Region, surface *image.RGBA) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Str("module", "media").Str("detector", name).Interface("panic", rec).Msg("detector callback panicked")
		}
	}()
	fn(r, surface, name)
}

// broadcastState sends the current posture to every peer.
func (p *Pipeline) broadcastState() {
	st := p.State()
	p.broadcast(MuteMediaMessage{Event: DataMuteMedia, CamMute: st.CamMuted, MicMute: st.MicMuted})
}

func (p *Pipeline) broadcast(v any) {
	p.roster.ForEachData(func(d core.DataLink) {
		if err := d.Send(v); err != nil {
			log.Debug().Str("module", "media").Str("peer", string(d.PeerID())).Err(err).Msg("data broadcast dropped")
		}
	})
}

func (p *Pipeline) videoConstraintsLocked() domain.CaptureConstraints {
	return domain.CaptureConstraints{
		Width:       p.cfg.Width,
		Height:      p.cfg.Height,
		FrameRate:   float32(p.cfg.FramesPerSecond),
		Orientation: p.orientation,
		Video:       true,
	}
}

func (p *Pipeline) audioConstraintsLocked() domain.CaptureConstraints {
	return domain.CaptureConstraints{Audio: true}
}

func (p *Pipeline) releaseLocked(audio, video core.CaptureDevice, enc core.VideoEncoder) {
	if enc != nil {
		_ = enc.Close()
	}
	if video != nil {
		_ = video.Close()
	}
	if audio != nil {
		_ = audio.Close()
	}
}

func (p *Pipeline) localID() domain.PeerID {
	p.mu.Lock()
	t := p.transport
	p.mu.Unlock()
	if t == nil {
		return ""
	}
	return t.ID()
}

func newVideoTrack(stream string) (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}, "video", stream)
}
