package media

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/atomic"

	"github.com/avoskan/huddle/internal/config"
	"github.com/avoskan/huddle/internal/core"
	"github.com/avoskan/huddle/internal/domain"
	"github.com/avoskan/huddle/internal/events"
)

type fakeSource struct {
	mu    sync.Mutex
	frame *image.RGBA
	err   error
	after int
	reads int
	close atomic.Int32
}

func newFakeSource(w, h int, v uint8) *fakeSource {
	f := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range f.Pix {
		f.Pix[i] = v
	}
	return &fakeSource{frame: f, after: -1}
}

func (s *fakeSource) failAfter(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.after = n
	s.err = err
}

func (s *fakeSource) Read() (*image.RGBA, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.after >= 0 && s.reads >= s.after {
		return nil, s.err
	}
	s.reads++
	return s.frame, nil
}

func (s *fakeSource) Close() error {
	s.close.Inc()
	return nil
}

type fakeDevice struct {
	src    *fakeSource
	audio  webrtc.TrackLocal
	mu     sync.Mutex
	gates  []bool
	closed atomic.Int32
}

func (d *fakeDevice) Frames() core.FrameSource {
	if d.src == nil {
		return nil
	}
	return d.src
}

func (d *fakeDevice) AudioOut() webrtc.TrackLocal { return d.audio }

func (d *fakeDevice) SetAudioEnabled(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gates = append(d.gates, on)
}

func (d *fakeDevice) lastGate() (bool, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.gates) == 0 {
		return false, false
	}
	return d.gates[len(d.gates)-1], true
}

func (d *fakeDevice) Close() error {
	d.closed.Inc()
	return nil
}

type fakeProvider struct {
	mu       sync.Mutex
	audio    webrtc.TrackLocal
	videoErr error
	acquired []domain.CaptureConstraints
	devices  []*fakeDevice
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  1,
	}, "audio", "fake-audio")
	if err != nil {
		t.Fatalf("audio track: %v", err)
	}
	return &fakeProvider{audio: track}
}

func (p *fakeProvider) Acquire(_ context.Context, c domain.CaptureConstraints) (core.CaptureDevice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquired = append(p.acquired, c)
	if c.Video && p.videoErr != nil {
		return nil, p.videoErr
	}
	d := &fakeDevice{}
	if c.Video {
		w, h := c.Resolution()
		d.src = newFakeSource(w, h, 0x80)
	}
	if c.Audio {
		d.audio = p.audio
	}
	p.devices = append(p.devices, d)
	return d, nil
}

func (p *fakeProvider) videoAcquires() []domain.CaptureConstraints {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.CaptureConstraints
	for _, c := range p.acquired {
		if c.Video {
			out = append(out, c)
		}
	}
	return out
}

func (p *fakeProvider) device(i int) *fakeDevice {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.devices) {
		return nil
	}
	return p.devices[i]
}

type fakeVideoEncoder struct {
	mu     sync.Mutex
	first  *image.RGBA
	count  int
	closed int
}

func (e *fakeVideoEncoder) Encode(frame *image.RGBA) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.count++
	if e.first == nil {
		cp := image.NewRGBA(frame.Bounds())
		copy(cp.Pix, frame.Pix)
		e.first = cp
	}
	return []byte{0x9d, 0x01}, nil
}

func (e *fakeVideoEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed++
	return nil
}

func (e *fakeVideoEncoder) encodes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

func (e *fakeVideoEncoder) closedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *fakeVideoEncoder) firstFrame() *image.RGBA {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.first
}

type encoderFarm struct {
	mu   sync.Mutex
	made []*fakeVideoEncoder
}

func (f *encoderFarm) factory(domain.CaptureConstraints) (core.VideoEncoder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := &fakeVideoEncoder{}
	f.made = append(f.made, e)
	return e, nil
}

func (f *encoderFarm) at(i int) *fakeVideoEncoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.made) {
		return nil
	}
	return f.made[i]
}

func (f *encoderFarm) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.made)
}

type fakeMediaLink struct {
	peer     domain.PeerID
	replaced atomic.Int32
	closed   atomic.Int32
}

func (l *fakeMediaLink) PeerID() domain.PeerID { return l.peer }

func (l *fakeMediaLink) ReplaceVideoTrack(context.Context, webrtc.TrackLocal) error {
	l.replaced.Inc()
	return nil
}

func (l *fakeMediaLink) OnActive(func()) {}

func (l *fakeMediaLink) Close() error {
	l.closed.Inc()
	return nil
}

type fakeDataLink struct {
	peer domain.PeerID
	mu   sync.Mutex
	sent []any
}

func (l *fakeDataLink) PeerID() domain.PeerID { return l.peer }

func (l *fakeDataLink) Send(v any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, v)
	return nil
}

func (l *fakeDataLink) OnOpen(func())              {}
func (l *fakeDataLink) OnMessage(func(core.Frame)) {}
func (l *fakeDataLink) Close() error               { return nil }

func (l *fakeDataLink) sentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sent)
}

func (l *fakeDataLink) lastSent() any {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.sent) == 0 {
		return nil
	}
	return l.sent[len(l.sent)-1]
}

type fakeRoster struct {
	mu       sync.Mutex
	media    []core.MediaLink
	data     []*fakeDataLink
	reject   bool
	attached map[domain.PeerID]string
	links    map[domain.PeerID]core.MediaLink
	cleared  []domain.PeerID
}

func newFakeRoster(peers ...domain.PeerID) *fakeRoster {
	r := &fakeRoster{
		attached: make(map[domain.PeerID]string),
		links:    make(map[domain.PeerID]core.MediaLink),
	}
	for _, p := range peers {
		r.media = append(r.media, &fakeMediaLink{peer: p})
		r.data = append(r.data, &fakeDataLink{peer: p})
	}
	return r
}

func (r *fakeRoster) MediaLinks() []core.MediaLink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.MediaLink(nil), r.media...)
}

func (r *fakeRoster) ForEachData(fn func(core.DataLink)) {
	r.mu.Lock()
	data := append([]*fakeDataLink(nil), r.data...)
	r.mu.Unlock()
	for _, d := range data {
		fn(d)
	}
}

func (r *fakeRoster) AttachShare(peer domain.PeerID, shareID string, link core.MediaLink) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reject {
		return false
	}
	r.attached[peer] = shareID
	r.links[peer] = link
	return true
}

func (r *fakeRoster) ClearShare(peer domain.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleared = append(r.cleared, peer)
}

type shareCall struct {
	peer    domain.PeerID
	shareID string
}

type fakeShareTransport struct {
	mu    sync.Mutex
	calls []shareCall
	links []*fakeMediaLink
	err   error
}

func (t *fakeShareTransport) ID() domain.PeerID { return "local" }

func (t *fakeShareTransport) ShareCall(_ context.Context, peer domain.PeerID, shareID string, _ webrtc.TrackLocal) (core.MediaLink, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, shareCall{peer: peer, shareID: shareID})
	if t.err != nil {
		return nil, t.err
	}
	l := &fakeMediaLink{peer: peer}
	t.links = append(t.links, l)
	return l, nil
}

func (t *fakeShareTransport) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

func (t *fakeShareTransport) call(i int) shareCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[i]
}

type fakeSink struct {
	frames atomic.Int32
	closed atomic.Int32
}

func (s *fakeSink) WriteFrame(*image.RGBA, time.Time) error {
	s.frames.Inc()
	return nil
}

func (s *fakeSink) Close() error {
	s.closed.Inc()
	return nil
}

type fakeDetector struct {
	regions []domain.Region
	calls   atomic.Int32
}

func (d *fakeDetector) Detect(context.Context, *image.RGBA) ([]domain.Region, error) {
	d.calls.Inc()
	return d.regions, nil
}

func testMediaConfig() config.Media {
	return config.Media{FramesPerSecond: 50, Width: 32, Height: 24}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func startPipeline(t *testing.T, r *fakeRoster, st domain.MediaState) (*Pipeline, *fakeProvider, *encoderFarm) {
	t.Helper()
	prov := newFakeProvider(t)
	farm := &encoderFarm{}
	p := NewPipeline(testMediaConfig(), events.NewBus(), r, prov, farm.factory)
	if err := p.Start(context.Background(), st); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(p.Stop)
	return p, prov, farm
}

func TestStartAcquiresAudioAndVideo(t *testing.T) {
	r := newFakeRoster()
	p, prov, farm := startPipeline(t, r, domain.MediaState{})

	waitFor(t, func() bool {
		e := farm.at(0)
		return e != nil && e.encodes() > 0
	}, "loop never encoded a frame")

	if got := len(prov.videoAcquires()); got != 1 {
		t.Fatalf("video acquires = %d, want 1", got)
	}
	if tracks := p.OutboundTracks(); len(tracks) != 2 {
		t.Fatalf("outbound tracks = %d, want video and audio", len(tracks))
	}
	if got, ok := prov.device(0).lastGate(); !ok || !got {
		t.Fatalf("audio gate = %v,%v, want open", got, ok)
	}
}

func TestStartWithCameraMutedFeedsBlackFrames(t *testing.T) {
	r := newFakeRoster()
	p, prov, farm := startPipeline(t, r, domain.MediaState{CamMuted: true})

	waitFor(t, func() bool {
		e := farm.at(0)
		return e != nil && e.encodes() > 0
	}, "loop never encoded a frame")

	if got := len(prov.videoAcquires()); got != 0 {
		t.Fatalf("video acquires = %d, want none while muted", got)
	}
	if tracks := p.OutboundTracks(); len(tracks) != 2 {
		t.Fatalf("outbound tracks = %d, want video track even when muted", len(tracks))
	}
	f := farm.at(0).firstFrame()
	pix := f.Pix[:4]
	if pix[0] != 0 || pix[1] != 0 || pix[2] != 0 || pix[3] != 0xff {
		t.Fatalf("muted frame pixel = %v, want opaque black", pix)
	}
	if p.State().CamMuted != true {
		t.Fatal("state lost the camera mute")
	}
}

func TestStartTwiceFails(t *testing.T) {
	r := newFakeRoster()
	p, _, _ := startPipeline(t, r, domain.MediaState{})
	if err := p.Start(context.Background(), domain.MediaState{}); !errors.Is(err, ErrStarted) {
		t.Fatalf("second start = %v, want ErrStarted", err)
	}
}

func TestOperationsRequireStart(t *testing.T) {
	p := NewPipeline(testMediaConfig(), events.NewBus(), newFakeRoster(), newFakeProvider(t), (&encoderFarm{}).factory)
	if err := p.SetVideoMute(context.Background(), true); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("video mute = %v, want ErrNotStarted", err)
	}
	if err := p.SetAudioMute(true); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("audio mute = %v, want ErrNotStarted", err)
	}
	if err := p.SetRecording(true, &fakeSink{}); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("recording = %v, want ErrNotStarted", err)
	}
	if _, err := p.StartScreenShare(context.Background(), newFakeSource(8, 8, 0)); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("share = %v, want ErrNotStarted", err)
	}
}

func TestVideoMuteStopsCaptureWithoutTouchingSenders(t *testing.T) {
	r := newFakeRoster("p1", "p2")
	p, prov, farm := startPipeline(t, r, domain.MediaState{})
	waitFor(t, func() bool { return farm.at(0).encodes() > 0 }, "loop never ran")

	if err := p.SetVideoMute(context.Background(), true); err != nil {
		t.Fatalf("mute: %v", err)
	}

	if got := prov.device(1).closed.Load(); got != 1 {
		t.Fatalf("camera device closed %d times, want 1", got)
	}
	for _, l := range r.media {
		if got := l.(*fakeMediaLink).replaced.Load(); got != 0 {
			t.Fatalf("mute replaced a track on %s", l.PeerID())
		}
	}
	for _, d := range r.data {
		msg, ok := d.lastSent().(MuteMediaMessage)
		if !ok || !msg.CamMute {
			t.Fatalf("peer %s got %#v, want camMute broadcast", d.peer, d.lastSent())
		}
	}

	time.Sleep(30 * time.Millisecond)
	before := farm.at(0).encodes()
	time.Sleep(60 * time.Millisecond)
	if after := farm.at(0).encodes(); after != before {
		t.Fatalf("loop still encoding after mute: %d -> %d", before, after)
	}
}

func TestVideoUnmuteReplacesTrackOncePerLink(t *testing.T) {
	r := newFakeRoster("p1", "p2", "p3")
	p, prov, farm := startPipeline(t, r, domain.MediaState{CamMuted: true})
	waitFor(t, func() bool { return farm.at(0).encodes() > 0 }, "black loop never ran")

	if err := p.SetVideoMute(context.Background(), false); err != nil {
		t.Fatalf("unmute: %v", err)
	}

	if got := len(prov.videoAcquires()); got != 1 {
		t.Fatalf("video acquires = %d, want 1", got)
	}
	c := prov.videoAcquires()[0]
	if c.Width != 32 || c.Height != 24 || c.FrameRate != 50 {
		t.Fatalf("camera constraints = %+v", c)
	}
	for _, l := range r.media {
		if got := l.(*fakeMediaLink).replaced.Load(); got != 1 {
			t.Fatalf("peer %s saw %d track replacements, want exactly 1", l.PeerID(), got)
		}
	}
	for _, d := range r.data {
		msg, ok := d.lastSent().(MuteMediaMessage)
		if !ok || msg.CamMute {
			t.Fatalf("peer %s got %#v, want camMute=false broadcast", d.peer, d.lastSent())
		}
	}
	if farm.count() != 2 {
		t.Fatalf("encoders made = %d, want fresh encoder on unmute", farm.count())
	}
	if farm.at(0).closedCount() == 0 {
		t.Fatal("stale encoder left open")
	}
	waitFor(t, func() bool { return farm.at(1).encodes() > 0 }, "live loop never ran")
}

func TestVideoUnmuteAcquireFailureKeepsMuted(t *testing.T) {
	r := newFakeRoster("p1")
	p, prov, farm := startPipeline(t, r, domain.MediaState{CamMuted: true})
	waitFor(t, func() bool { return farm.at(0).encodes() > 0 }, "black loop never ran")

	prov.mu.Lock()
	prov.videoErr = &domain.MediaError{Kind: domain.MediaDeviceInUse, Device: "camera"}
	prov.mu.Unlock()

	err := p.SetVideoMute(context.Background(), false)
	var merr *domain.MediaError
	if !errors.As(err, &merr) || merr.Kind != domain.MediaDeviceInUse {
		t.Fatalf("unmute error = %v, want device-in-use", err)
	}
	if !p.State().CamMuted {
		t.Fatal("failed unmute flipped the state")
	}
	if got := r.media[0].(*fakeMediaLink).replaced.Load(); got != 0 {
		t.Fatal("failed unmute touched a sender")
	}

	before := farm.at(0).encodes()
	waitFor(t, func() bool { return farm.at(0).encodes() > before }, "black loop stopped after failed unmute")
}

func TestAudioMuteNeverTouchesSenders(t *testing.T) {
	r := newFakeRoster("p1", "p2")
	p, prov, _ := startPipeline(t, r, domain.MediaState{})

	if err := p.SetAudioMute(true); err != nil {
		t.Fatalf("mute: %v", err)
	}
	if gate, ok := prov.device(0).lastGate(); !ok || gate {
		t.Fatalf("audio gate = %v, want closed", gate)
	}
	for _, l := range r.media {
		if got := l.(*fakeMediaLink).replaced.Load(); got != 0 {
			t.Fatal("audio mute replaced a track")
		}
	}
	for _, d := range r.data {
		msg, ok := d.lastSent().(MuteMediaMessage)
		if !ok || !msg.MicMute {
			t.Fatalf("peer %s got %#v, want micMute broadcast", d.peer, d.lastSent())
		}
	}

	sent := r.data[0].sentCount()
	if err := p.SetAudioMute(true); err != nil {
		t.Fatalf("repeat mute: %v", err)
	}
	if r.data[0].sentCount() != sent {
		t.Fatal("repeated mute re-broadcast the same posture")
	}

	if err := p.SetAudioMute(false); err != nil {
		t.Fatalf("unmute: %v", err)
	}
	if gate, _ := prov.device(0).lastGate(); !gate {
		t.Fatal("unmute left the gate closed")
	}
}

func TestRecordingTap(t *testing.T) {
	r := newFakeRoster("p1")
	prov := newFakeProvider(t)
	farm := &encoderFarm{}
	bus := events.NewBus()
	p := NewPipeline(testMediaConfig(), bus, r, prov, farm.factory)

	var notices []events.ScreenRecordStateChange
	bus.Subscribe(events.KindScreenRecordStateChange, func(e events.Event) {
		notices = append(notices, e.(events.ScreenRecordStateChange))
	})

	if err := p.Start(context.Background(), domain.MediaState{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(p.Stop)

	sink := &fakeSink{}
	if err := p.SetRecording(true, sink); err != nil {
		t.Fatalf("record on: %v", err)
	}
	waitFor(t, func() bool { return sink.frames.Load() > 0 }, "sink never saw a frame")
	if msg, ok := r.data[0].lastSent().(RecordScreenMessage); !ok || !msg.Record {
		t.Fatalf("got %#v, want record=true broadcast", r.data[0].lastSent())
	}
	if !p.State().Recording {
		t.Fatal("state not recording")
	}
	if len(notices) != 1 || !notices[0].Recording {
		t.Fatalf("notices = %+v, want one recording=true state change", notices)
	}

	if err := p.SetRecording(false, nil); err != nil {
		t.Fatalf("record off: %v", err)
	}
	if sink.closed.Load() != 1 {
		t.Fatal("sink not closed on stop")
	}
	if msg, ok := r.data[0].lastSent().(RecordScreenMessage); !ok || msg.Record {
		t.Fatalf("got %#v, want record=false broadcast", r.data[0].lastSent())
	}
	if len(notices) != 2 || notices[1].Recording {
		t.Fatalf("notices = %+v, want the recording=false state change appended", notices)
	}
}

func TestDetectCallbacksStartDisabled(t *testing.T) {
	r := newFakeRoster()
	p, _, farm := startPipeline(t, r, domain.MediaState{})
	det := &fakeDetector{regions: []domain.Region{{X: 1, Y: 2, Width: 3, Height: 4}}}
	p.SetDetector(det)

	var hits atomic.Int32
	p.RegisterDetectFunc("frames", func(domain.Region, *image.RGBA, string) { hits.Inc() })

	waitFor(t, func() bool { return farm.at(0).encodes() > 3 }, "loop never ran")
	if hits.Load() != 0 {
		t.Fatal("disabled callback was invoked")
	}
	if det.calls.Load() != 0 {
		t.Fatal("detector ran with no enabled callbacks")
	}

	p.EnableDetectFunc("frames", true)
	waitFor(t, func() bool { return hits.Load() > 0 }, "enabled callback never invoked")

	p.EnableDetectFunc("frames", false)
	time.Sleep(30 * time.Millisecond)
	n := hits.Load()
	time.Sleep(60 * time.Millisecond)
	if hits.Load() != n {
		t.Fatal("disabled callback still invoked")
	}

	p.EnableDetectFunc("ghost", true)
}

func TestDetectCallbackSeesFirstRegionAndName(t *testing.T) {
	r := newFakeRoster()
	p, _, _ := startPipeline(t, r, domain.MediaState{})
	want := domain.Region{X: 5, Y: 6, Width: 7, Height: 8}
	p.SetDetector(&fakeDetector{regions: []domain.Region{want, {X: 9}}})

	type hit struct {
		region  domain.Region
		name    string
		surface bool
	}
	ch := make(chan hit, 1)
	p.RegisterDetectFunc("first", func(reg domain.Region, surface *image.RGBA, name string) {
		select {
		case ch <- hit{region: reg, name: name, surface: surface != nil}:
		default:
		}
	})
	p.EnableDetectFunc("first", true)

	select {
	case h := <-ch:
		if h.region != want {
			t.Fatalf("region = %+v, want the first one", h.region)
		}
		if h.name != "first" {
			t.Fatalf("name = %q", h.name)
		}
		if !h.surface {
			t.Fatal("surface was nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback never fired")
	}
}

func TestDetectCallbackPanicIsContained(t *testing.T) {
	r := newFakeRoster()
	p, _, _ := startPipeline(t, r, domain.MediaState{})
	p.SetDetector(&fakeDetector{regions: []domain.Region{{Width: 1, Height: 1}}})

	var calm atomic.Int32
	p.RegisterDetectFunc("angry", func(domain.Region, *image.RGBA, string) { panic("boom") })
	p.RegisterDetectFunc("calm", func(domain.Region, *image.RGBA, string) { calm.Inc() })
	p.EnableDetectFunc("angry", true)
	p.EnableDetectFunc("calm", true)

	waitFor(t, func() bool { return calm.Load() > 2 }, "panicking sibling starved the calm callback")
}

func TestRegisterDetectFuncReplacesByName(t *testing.T) {
	r := newFakeRoster()
	p, _, _ := startPipeline(t, r, domain.MediaState{})
	p.SetDetector(&fakeDetector{regions: []domain.Region{{Width: 1, Height: 1}}})

	var old, fresh atomic.Int32
	p.RegisterDetectFunc("hook", func(domain.Region, *image.RGBA, string) { old.Inc() })
	p.EnableDetectFunc("hook", true)
	waitFor(t, func() bool { return old.Load() > 0 }, "first callback never ran")

	p.RegisterDetectFunc("hook", func(domain.Region, *image.RGBA, string) { fresh.Inc() })
	waitFor(t, func() bool { return fresh.Load() > 0 }, "replacement lost the enabled flag")

	was := old.Load()
	waitFor(t, func() bool { return fresh.Load() > was+1 }, "replacement not sticking")
	if old.Load() > was+1 {
		t.Fatal("replaced callback still running")
	}
}

func TestScreenShareLifecycle(t *testing.T) {
	r := newFakeRoster("p1", "p2")
	p, _, farm := startPipeline(t, r, domain.MediaState{})
	ft := &fakeShareTransport{}
	p.BindTransport(ft)

	src := newFakeSource(32, 24, 0x20)
	id, err := p.StartScreenShare(context.Background(), src)
	if err != nil {
		t.Fatalf("share: %v", err)
	}
	if id == "" {
		t.Fatal("empty share id")
	}
	if got := ft.callCount(); got != 2 {
		t.Fatalf("share calls = %d, want one per peer", got)
	}
	for i := 0; i < 2; i++ {
		if c := ft.call(i); c.shareID != id {
			t.Fatalf("share call %d used id %q, want %q", i, c.shareID, id)
		}
	}
	if !p.State().Sharing {
		t.Fatal("state not sharing")
	}
	msg, ok := r.data[0].lastSent().(ScreenShareMessage)
	if !ok || !msg.Status || msg.PeerID != "local" || msg.ShareID != id {
		t.Fatalf("got %#v, want share-on broadcast", r.data[0].lastSent())
	}
	if _, err := p.StartScreenShare(context.Background(), src); !errors.Is(err, ErrShareActive) {
		t.Fatalf("second share = %v, want ErrShareActive", err)
	}
	waitFor(t, func() bool { return farm.at(1).encodes() > 0 }, "share loop never encoded")

	p.StopScreenShare()
	if p.State().Sharing {
		t.Fatal("state still sharing")
	}
	if src.close.Load() != 1 {
		t.Fatal("share source not closed")
	}
	msg, ok = r.data[0].lastSent().(ScreenShareMessage)
	if !ok || msg.Status {
		t.Fatalf("got %#v, want share-off broadcast", r.data[0].lastSent())
	}
	for _, l := range ft.links {
		if l.closed.Load() != 1 {
			t.Fatalf("share link to %s not closed", l.peer)
		}
	}

	sent := r.data[0].sentCount()
	p.StopScreenShare()
	if r.data[0].sentCount() != sent {
		t.Fatal("idle stop re-broadcast")
	}
}

func TestShareSourceErrorStopsShare(t *testing.T) {
	r := newFakeRoster("p1")
	p, _, _ := startPipeline(t, r, domain.MediaState{})
	p.BindTransport(&fakeShareTransport{})

	src := newFakeSource(32, 24, 0x20)
	src.failAfter(2, errors.New("display gone"))
	if _, err := p.StartScreenShare(context.Background(), src); err != nil {
		t.Fatalf("share: %v", err)
	}

	waitFor(t, func() bool { return !p.State().Sharing }, "dead source left the share running")
	waitFor(t, func() bool {
		msg, ok := r.data[0].lastSent().(ScreenShareMessage)
		return ok && !msg.Status
	}, "no share-off broadcast after source death")
}

func TestOfferShareTo(t *testing.T) {
	r := newFakeRoster("p1")
	p, _, _ := startPipeline(t, r, domain.MediaState{})
	ft := &fakeShareTransport{}
	p.BindTransport(ft)

	if err := p.OfferShareTo(context.Background(), "p9"); !errors.Is(err, ErrNoShare) {
		t.Fatalf("offer without share = %v, want ErrNoShare", err)
	}

	id, err := p.StartScreenShare(context.Background(), newFakeSource(32, 24, 0x20))
	if err != nil {
		t.Fatalf("share: %v", err)
	}
	if err := p.OfferShareTo(context.Background(), "p9"); err != nil {
		t.Fatalf("offer: %v", err)
	}
	last := ft.call(ft.callCount() - 1)
	if last.peer != "p9" || last.shareID != id {
		t.Fatalf("offer went to %+v, want p9 with %q", last, id)
	}
}

func TestHandleShareCallAttachesAndAnnounces(t *testing.T) {
	r := newFakeRoster("p9")
	prov := newFakeProvider(t)
	farm := &encoderFarm{}
	bus := events.NewBus()
	p := NewPipeline(testMediaConfig(), bus, r, prov, farm.factory)

	var got []events.ScreenShareDisplay
	bus.Subscribe(events.KindScreenShareDisplay, func(e events.Event) {
		got = append(got, e.(events.ScreenShareDisplay))
	})

	link := &fakeMediaLink{peer: "p9"}
	p.HandleShareCall(core.IncomingShare{
		From:    "p9",
		ShareID: "s1",
		Accept:  func(context.Context) (core.MediaLink, error) { return link, nil },
	})

	if got := r.attached["p9"]; got != "s1" {
		t.Fatalf("attached share id = %q, want s1", got)
	}
	if len(got) != 1 || got[0].PeerID != "p9" || !got[0].Active {
		t.Fatalf("events = %+v, want one active display", got)
	}
	if link.closed.Load() != 0 {
		t.Fatal("accepted link was closed")
	}
}

func TestHandleShareCallFromUnknownPeerDropsLink(t *testing.T) {
	r := newFakeRoster()
	r.reject = true
	bus := events.NewBus()
	p := NewPipeline(testMediaConfig(), bus, r, newFakeProvider(t), (&encoderFarm{}).factory)

	fired := false
	bus.Subscribe(events.KindScreenShareDisplay, func(events.Event) { fired = true })

	link := &fakeMediaLink{peer: "ghost"}
	p.HandleShareCall(core.IncomingShare{
		From:    "ghost",
		ShareID: "s1",
		Accept:  func(context.Context) (core.MediaLink, error) { return link, nil },
	})

	if link.closed.Load() != 1 {
		t.Fatal("orphan share link not closed")
	}
	if fired {
		t.Fatal("announced a share nobody holds")
	}
}

func TestStopTearsEverythingDown(t *testing.T) {
	r := newFakeRoster("p1")
	p, prov, farm := startPipeline(t, r, domain.MediaState{})
	p.BindTransport(&fakeShareTransport{})
	sink := &fakeSink{}
	if err := p.SetRecording(true, sink); err != nil {
		t.Fatalf("record: %v", err)
	}
	src := newFakeSource(32, 24, 0x20)
	if _, err := p.StartScreenShare(context.Background(), src); err != nil {
		t.Fatalf("share: %v", err)
	}

	p.Stop()

	if prov.device(0).closed.Load() == 0 || prov.device(1).closed.Load() == 0 {
		t.Fatal("devices left open")
	}
	if sink.closed.Load() == 0 {
		t.Fatal("sink left open")
	}
	if src.close.Load() == 0 {
		t.Fatal("share source left open")
	}
	if farm.at(0).closedCount() == 0 {
		t.Fatal("encoder left open")
	}
	if st := p.State(); st.Sharing || st.Recording {
		t.Fatalf("state not reset: %+v", st)
	}

	p.Stop()
}

func TestTickDropsWhileBusy(t *testing.T) {
	p := NewPipeline(testMediaConfig(), events.NewBus(), newFakeRoster(), newFakeProvider(t), (&encoderFarm{}).factory)
	enc := &fakeVideoEncoder{}
	ls := loopState{
		src:     newFakeSource(8, 8, 0x10),
		enc:     enc,
		out:     mustVideoTrack(t),
		surface: image.NewRGBA(image.Rect(0, 0, 8, 8)),
		step:    time.Millisecond,
	}

	p.inFlight.Store(true)
	if p.tick(context.Background(), ls) {
		t.Fatal("tick ran while one was in flight")
	}
	if enc.encodes() != 0 {
		t.Fatal("dropped tick still encoded")
	}
	p.inFlight.Store(false)
	if !p.tick(context.Background(), ls) {
		t.Fatal("tick refused to run while idle")
	}
	if enc.encodes() != 1 {
		t.Fatalf("encodes = %d, want 1", enc.encodes())
	}
}

func mustVideoTrack(t *testing.T) *webrtc.TrackLocalStaticSample {
	t.Helper()
	track, err := newVideoTrack("test")
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	return track
}
