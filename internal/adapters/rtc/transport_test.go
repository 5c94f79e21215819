package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"go.uber.org/atomic"

	"github.com/avoskan/huddle/internal/config"
	"github.com/avoskan/huddle/internal/core"
	"github.com/avoskan/huddle/internal/domain"
	"github.com/avoskan/huddle/internal/events"
)

type fakeBroker struct {
	srv     *httptest.Server
	silent  bool
	assign  domain.PeerID
	dials   atomic.Int32
	inbound chan brokerEnvelope

	mu        sync.Mutex
	conns     []*websocket.Conn
	closeOnce sync.Once
}

func newFakeBroker(t *testing.T, assign domain.PeerID, silent bool) *fakeBroker {
	t.Helper()
	f := &fakeBroker{assign: assign, silent: silent, inbound: make(chan brokerEnvelope, 32)}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.dials.Inc()
		f.mu.Lock()
		f.conns = append(f.conns, ws)
		f.mu.Unlock()

		if !f.silent {
			data, _ := json.Marshal(welcomeData{ID: f.assign})
			_ = ws.WriteJSON(brokerEnvelope{Event: evWelcome, Data: data})
		}
		for {
			var env brokerEnvelope
			if err := ws.ReadJSON(&env); err != nil {
				return
			}
			select {
			case f.inbound <- env:
			default:
			}
		}
	}))
	t.Cleanup(f.close)
	return f
}

func (f *fakeBroker) url() string { return "ws" + strings.TrimPrefix(f.srv.URL, "http") }

func (f *fakeBroker) push(env brokerEnvelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		_ = c.WriteJSON(env)
	}
}

func (f *fakeBroker) dropClients() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		_ = c.Close()
	}
	f.conns = nil
}

func (f *fakeBroker) close() {
	f.closeOnce.Do(func() {
		f.dropClients()
		f.srv.Close()
	})
}

func (f *fakeBroker) await(t *testing.T, event string, d time.Duration) brokerEnvelope {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case env := <-f.inbound:
			if env.Event == event {
				return env
			}
		case <-deadline:
			t.Fatalf("broker never saw %q", event)
		}
	}
}

type fakeSink struct {
	mu    sync.Mutex
	added []domain.Attendee
	ch    chan domain.Attendee
}

func newFakeSink() *fakeSink { return &fakeSink{ch: make(chan domain.Attendee, 8)} }

func (s *fakeSink) Add(media core.MediaLink, data core.DataLink, meta domain.Attendee) {
	s.mu.Lock()
	s.added = append(s.added, meta)
	s.mu.Unlock()
	s.ch <- meta
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.added)
}

type noTracks struct{}

func (noTracks) OutboundTracks() []webrtc.TrackLocal { return nil }

func transportCfg(url string) config.Transport {
	return config.Transport{
		URL:                  url,
		ConnectionDelay:      3 * time.Second,
		ReconnectDelay:       10 * time.Millisecond,
		MaxReconnectDelay:    50 * time.Millisecond,
		MaxReconnectAttempts: 3,
	}
}

// remotePeer drives the far side of a negotiation with a real pion
// connection so answers and ICE exchanges are genuine.
type remotePeer struct {
	pc *webrtc.PeerConnection
}

func newRemotePeer(t *testing.T) *remotePeer {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("remote pc: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	return &remotePeer{pc: pc}
}

func (r *remotePeer) offer(t *testing.T) webrtc.SessionDescription {
	t.Helper()
	if _, err := r.pc.CreateDataChannel("data", nil); err != nil {
		t.Fatalf("create dc: %v", err)
	}
	offer, err := r.pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	gathered := webrtc.GatheringCompletePromise(r.pc)
	if err := r.pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local: %v", err)
	}
	<-gathered
	return *r.pc.LocalDescription()
}

func (r *remotePeer) answer(t *testing.T, offer webrtc.SessionDescription) webrtc.SessionDescription {
	t.Helper()
	if err := r.pc.SetRemoteDescription(offer); err != nil {
		t.Fatalf("remote set offer: %v", err)
	}
	answer, err := r.pc.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("remote answer: %v", err)
	}
	gathered := webrtc.GatheringCompletePromise(r.pc)
	if err := r.pc.SetLocalDescription(answer); err != nil {
		t.Fatalf("remote set local: %v", err)
	}
	<-gathered
	return *r.pc.LocalDescription()
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestConnectResolvesOnWelcome(t *testing.T) {
	broker := newFakeBroker(t, "p-local", false)
	tr, err := NewTransport(transportCfg(broker.url()), events.NewBus(), newFakeSink(), noTracks{})
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	defer tr.Close()

	id, err := tr.Connect(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if id != "p-local" || tr.ID() != "p-local" {
		t.Fatalf("id = %q / %q, want p-local", id, tr.ID())
	}
}

func TestConnectTimeoutIsFatal(t *testing.T) {
	broker := newFakeBroker(t, "", true) // never welcomes
	bus := events.NewBus()
	failures := make(chan events.PeerConnectionFailed, 4)
	bus.Subscribe(events.KindPeerConnectionFailed, func(e events.Event) {
		failures <- e.(events.PeerConnectionFailed)
	})

	cfg := transportCfg(broker.url())
	cfg.ConnectionDelay = 150 * time.Millisecond
	tr, err := NewTransport(cfg, bus, newFakeSink(), noTracks{})
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	defer tr.Close()

	if _, err := tr.Connect(context.Background(), "tok"); !errors.Is(err, domain.ErrConnectTimeout) {
		t.Fatalf("Connect err = %v, want ErrConnectTimeout", err)
	}
	select {
	case f := <-failures:
		if f.Stage != "connect" || !f.Fatal {
			t.Fatalf("failure = %+v, want fatal connect stage", f)
		}
	default:
		t.Fatal("no failure notification")
	}

	// Handshake timeouts do not retry.
	time.Sleep(200 * time.Millisecond)
	if broker.dials.Load() != 1 {
		t.Fatalf("dials = %d, want 1", broker.dials.Load())
	}
}

func TestBrokerErrorSurfacesFatal(t *testing.T) {
	broker := newFakeBroker(t, "p-local", false)
	bus := events.NewBus()
	failures := make(chan events.PeerConnectionFailed, 4)
	bus.Subscribe(events.KindPeerConnectionFailed, func(e events.Event) {
		failures <- e.(events.PeerConnectionFailed)
	})

	tr, err := NewTransport(transportCfg(broker.url()), bus, newFakeSink(), noTracks{})
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	defer tr.Close()
	if _, err := tr.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	data, _ := json.Marshal(errorData{Message: "room full"})
	broker.push(brokerEnvelope{Event: evError, Data: data})

	select {
	case f := <-failures:
		if f.Stage != "broker" || !f.Fatal {
			t.Fatalf("failure = %+v, want fatal broker stage", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("broker error never surfaced")
	}
}

func TestIncomingCallLandsInRosterThenAnswers(t *testing.T) {
	broker := newFakeBroker(t, "p-local", false)
	sink := newFakeSink()
	tr, err := NewTransport(transportCfg(broker.url()), events.NewBus(), sink, noTracks{})
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	defer tr.Close()
	if _, err := tr.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	remote := newRemotePeer(t)
	offer := remote.offer(t)
	data, _ := json.Marshal(callData{
		SDP:  offer,
		User: domain.Attendee{PeerID: "p2", Name: "Bob"},
	})
	broker.push(brokerEnvelope{Event: evCall, From: "p2", Data: data})

	select {
	case meta := <-sink.ch:
		if meta.PeerID != "p2" || meta.Name != "Bob" {
			t.Fatalf("roster meta = %+v", meta)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("call never reached the roster")
	}

	env := broker.await(t, evAnswer, 5*time.Second)
	if env.To != "p2" {
		t.Fatalf("answer routed to %q, want p2", env.To)
	}
	var ans answerData
	if err := json.Unmarshal(env.Data, &ans); err != nil || ans.SDP.SDP == "" {
		t.Fatalf("answer payload invalid: %v", err)
	}
}

func TestShareCallIsNotAutoAnswered(t *testing.T) {
	broker := newFakeBroker(t, "p-local", false)
	sink := newFakeSink()
	tr, err := NewTransport(transportCfg(broker.url()), events.NewBus(), sink, noTracks{})
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	defer tr.Close()

	shares := make(chan core.IncomingShare, 1)
	tr.OnShareCall(func(s core.IncomingShare) { shares <- s })

	if _, err := tr.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	remote := newRemotePeer(t)
	data, _ := json.Marshal(callData{
		SDP:  remote.offer(t),
		Meta: callMeta{Kind: sideChannelScreen, ShareID: "s1"},
		User: domain.Attendee{PeerID: "p2", Name: "Bob"},
	})
	broker.push(brokerEnvelope{Event: evCall, From: "p2", Data: data})

	select {
	case s := <-shares:
		if s.From != "p2" || s.ShareID != "s1" {
			t.Fatalf("share = %+v", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("share handler never ran")
	}

	time.Sleep(150 * time.Millisecond)
	if sink.count() != 0 {
		t.Fatal("side-channel call was added to the roster")
	}
	select {
	case env := <-broker.inbound:
		t.Fatalf("unexpected outbound %q after share call", env.Event)
	default:
	}
}

func TestOutgoingCallNegotiates(t *testing.T) {
	broker := newFakeBroker(t, "p-local", false)
	tr, err := NewTransport(transportCfg(broker.url()), events.NewBus(), newFakeSink(), noTracks{})
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	defer tr.Close()
	if _, err := tr.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	tr.SetUser(domain.User{ID: "p-local", Name: "Alice"})

	media, dataLink, err := tr.Call(context.Background(), "p7")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if media == nil || dataLink == nil {
		t.Fatal("nil link halves")
	}

	opened := make(chan struct{})
	dataLink.OnOpen(func() { close(opened) })

	env := broker.await(t, evCall, 5*time.Second)
	if env.To != "p7" {
		t.Fatalf("call routed to %q, want p7", env.To)
	}
	var call callData
	if err := json.Unmarshal(env.Data, &call); err != nil {
		t.Fatalf("call payload: %v", err)
	}
	if call.Meta.Kind != "" || call.User.Name != "Alice" {
		t.Fatalf("call meta/user = %+v", call)
	}

	remote := newRemotePeer(t)
	answer := remote.answer(t, call.SDP)
	ansData, _ := json.Marshal(answerData{SDP: answer})
	broker.push(brokerEnvelope{Event: evAnswer, From: "p7", Data: ansData})

	select {
	case <-opened:
	case <-time.After(10 * time.Second):
		t.Fatal("data channel never opened over loopback")
	}
}

func TestBrokerDropReconnects(t *testing.T) {
	broker := newFakeBroker(t, "p-local", false)
	tr, err := NewTransport(transportCfg(broker.url()), events.NewBus(), newFakeSink(), noTracks{})
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	defer tr.Close()
	if _, err := tr.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	broker.dropClients()
	waitFor(t, 3*time.Second, func() bool { return broker.dials.Load() >= 2 })
}

func TestBrokerReconnectExhaustionIsTerminal(t *testing.T) {
	broker := newFakeBroker(t, "p-local", false)
	bus := events.NewBus()
	var terminal atomic.Bool
	bus.Subscribe(events.KindPeerConnectionFailed, func(e events.Event) {
		f := e.(events.PeerConnectionFailed)
		if f.Stage == "reconnect" && f.Fatal {
			terminal.Store(true)
		}
	})

	cfg := transportCfg(broker.url())
	cfg.ConnectionDelay = 200 * time.Millisecond
	tr, err := NewTransport(cfg, bus, newFakeSink(), noTracks{})
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	defer tr.Close()
	if _, err := tr.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	broker.close()
	waitFor(t, 5*time.Second, func() bool { return terminal.Load() })
}
