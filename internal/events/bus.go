// Package events carries session notifications to the host application.
// Delivery is synchronous and in subscription order, so handlers observe
// state exactly as it was when the event was published.
package events

import "sync"

type Kind string

const (
	KindRoomAdmitWait           Kind = "roomAdmitWait"
	KindAdmissionRequest        Kind = "admissionRequest"
	KindAdmissionCancel         Kind = "admissionCancel"
	KindRoomJoined              Kind = "roomJoined"
	KindUserJoined              Kind = "userJoined"
	KindRoomLeft                Kind = "roomLeft"
	KindRoomInvalid             Kind = "roomInvalid"
	KindRoomBanned              Kind = "roomBanned"
	KindPeerConnectionFailed    Kind = "peerConnectionFailed"
	KindMediaStreamReady        Kind = "mediaStreamReady"
	KindMediaStreamReset        Kind = "mediaStreamReset"
	KindScreenShareDisplay      Kind = "screenShareDisplay"
	KindScreenRecordStateChange Kind = "screenRecordStateChange"
	KindExitConference          Kind = "exitConference"
	KindActionDone              Kind = "actionDone"
	KindActionFailed            Kind = "actionFailed"
	KindSignalUp                Kind = "signalUp"
	KindSignalDown              Kind = "signalDown"
)

type Event interface {
	Kind() Kind
}

type Handler func(Event)

type subscription struct {
	id int
	fn Handler
}

// Bus is a typed, synchronous pub/sub hub. Not meant for fan-out across
// goroutines; publishers block until every handler returns.
type Bus struct {
	mu   sync.RWMutex
	next int
	subs map[Kind][]subscription
	all  []subscription
}

func NewBus() *Bus {
	return &Bus{subs: make(map[Kind][]subscription)}
}

// Subscribe registers fn for one kind and returns its unsubscribe func.
// Unsubscribing twice is harmless.
func (b *Bus) Subscribe(k Kind, fn Handler) func() {
	b.mu.Lock()
	b.next++
	id := b.next
	b.subs[k] = append(b.subs[k], subscription{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[k]
		for i, s := range list {
			if s.id == id {
				b.subs[k] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll registers fn for every kind. Wildcard handlers run after
// the kind-specific ones.
func (b *Bus) SubscribeAll(fn Handler) func() {
	b.mu.Lock()
	b.next++
	id := b.next
	b.all = append(b.all, subscription{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.all {
			if s.id == id {
				b.all = append(b.all[:i:i], b.all[i+1:]...)
				return
			}
		}
	}
}

func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	list := b.subs[e.Kind()]
	snapshot := make([]subscription, 0, len(list)+len(b.all))
	snapshot = append(snapshot, list...)
	snapshot = append(snapshot, b.all...)
	b.mu.RUnlock()

	for _, s := range snapshot {
		s.fn(e)
	}
}
