// Package roster tracks the live peer links of the current conference
// and the waiting list of knocking users.
package roster

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/avoskan/huddle/internal/core"
	"github.com/avoskan/huddle/internal/domain"
	"github.com/avoskan/huddle/internal/events"
)

var ErrUnknownPeer = errors.New("unknown peer")

// entry is one remote participant with its negotiated links. Both
// halves (and a viewed share, when attached) are torn down together,
// exactly once.
type entry struct {
	meta    domain.Attendee
	media   core.MediaLink
	data    core.DataLink
	share   core.MediaLink
	shareID string
	status  domain.MediaState
	active  bool
	once    sync.Once
}

func (e *entry) close() {
	e.once.Do(func() {
		if e.media != nil {
			_ = e.media.Close()
		}
		if e.data != nil {
			_ = e.data.Close()
		}
		if e.share != nil {
			_ = e.share.Close()
		}
	})
}

// Matcher selects peers in Find and FindOne.
type Matcher func(domain.PeerStatus) bool

func ByPeerID(id domain.PeerID) Matcher {
	return func(p domain.PeerStatus) bool { return p.PeerID == id }
}

func Active() Matcher {
	return func(p domain.PeerStatus) bool { return p.Active }
}

func Sharing() Matcher {
	return func(p domain.PeerStatus) bool { return p.Media.Sharing }
}

func ByShareID(id string) Matcher {
	return func(p domain.PeerStatus) bool { return p.ShareID == id }
}

// Manager is a threadsafe in-memory roster. It owns the links parked
// in it and closes them on removal; everything else it hands out is a
// snapshot.
type Manager struct {
	bus *events.Bus

	mu      sync.RWMutex
	peers   map[domain.PeerID]*entry
	order   []domain.PeerID
	waiting []domain.WaitingEntry
	room    *domain.RoomInfo
	dirty   bool

	onOpen    func(domain.PeerID)
	onData    func(domain.PeerID, core.Frame)
	stopShare func()
}

func NewManager(bus *events.Bus) *Manager {
	return &Manager{
		bus:   bus,
		peers: make(map[domain.PeerID]*entry),
	}
}

// OnDataOpen registers the hook run when a peer's data channel opens.
// Set before the transport starts delivering calls.
func (r *Manager) OnDataOpen(fn func(domain.PeerID)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onOpen = fn
}

// OnDataMessage registers the hook for inbound data-channel frames.
func (r *Manager) OnDataMessage(fn func(domain.PeerID, core.Frame)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onData = fn
}

// SetShareStopper registers the routine that ends the local screen
// share. CloseAll runs it before tearing the links down.
func (r *Manager) SetShareStopper(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopShare = fn
}

// SetRoom replaces the attendance snapshot used to resolve names and
// the creator flag.
func (r *Manager) SetRoom(info domain.RoomInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.room = &info
}

// Add parks a negotiated link pair. A second add for the same peer is
// ignored and the duplicate links are closed.
func (r *Manager) Add(media core.MediaLink, data core.DataLink, meta domain.Attendee) {
	r.mu.Lock()
	if _, ok := r.peers[meta.PeerID]; ok {
		r.mu.Unlock()
		log.Warn().Str("module", "roster").Str("peer", string(meta.PeerID)).Msg("duplicate peer ignored")
		dup := &entry{media: media, data: data}
		dup.close()
		return
	}
	e := &entry{meta: meta, media: media, data: data}
	r.peers[meta.PeerID] = e
	r.order = append(r.order, meta.PeerID)
	r.dirty = true
	onOpen, onData := r.onOpen, r.onData
	r.mu.Unlock()

	peer := meta.PeerID
	if data != nil {
		if onData != nil {
			data.OnMessage(func(f core.Frame) { onData(peer, f) })
		}
		if onOpen != nil {
			data.OnOpen(func() { onOpen(peer) })
		}
	}
	if media != nil {
		media.OnActive(func() { r.markActive(peer) })
	}
	log.Info().Str("module", "roster").Str("peer", string(peer)).Str("name", meta.Name).Msg("peer added")
}

// Remove drops a peer and closes its links. Unknown peers are a no-op.
func (r *Manager) Remove(peer domain.PeerID) {
	r.mu.Lock()
	e, ok := r.peers[peer]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.peers, peer)
	for i, id := range r.order {
		if id == peer {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.dirty = true
	r.mu.Unlock()

	e.close()
	log.Info().Str("module", "roster").Str("peer", string(peer)).Msg("peer removed")
}

// Settle publishes the current roster if it changed since the last
// settle. Callers invoke it once membership churn has quieted down
// instead of emitting a reset per mutation.
func (r *Manager) Settle() {
	r.mu.Lock()
	if !r.dirty {
		r.mu.Unlock()
		return
	}
	r.dirty = false
	peers := r.snapshotLocked()
	r.mu.Unlock()

	log.Debug().Str("module", "roster").Int("peers", len(peers)).Msg("roster settled")
	r.bus.Publish(events.MediaStreamReset{Peers: peers})
}

// CloseAll stops the local screen share, tears down every link and
// clears the waiting list.
func (r *Manager) CloseAll() {
	r.mu.RLock()
	stop := r.stopShare
	r.mu.RUnlock()
	if stop != nil {
		stop()
	}

	r.mu.Lock()
	entries := make([]*entry, 0, len(r.peers))
	for _, e := range r.peers {
		entries = append(entries, e)
	}
	r.peers = make(map[domain.PeerID]*entry)
	r.order = nil
	r.waiting = nil
	r.dirty = false
	r.mu.Unlock()

	for _, e := range entries {
		e.close()
	}
	log.Info().Str("module", "roster").Int("peers", len(entries)).Msg("roster closed")
}

func (r *Manager) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Find returns every peer the matcher accepts, in join order.
func (r *Manager) Find(m Matcher) []domain.PeerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.PeerStatus
	for _, p := range r.snapshotLocked() {
		if m(p) {
			out = append(out, p)
		}
	}
	return out
}

// FindOne returns the first peer the matcher accepts.
func (r *Manager) FindOne(m Matcher) (domain.PeerStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.snapshotLocked() {
		if m(p) {
			return p, true
		}
	}
	return domain.PeerStatus{}, false
}

// SetMediaStatus replaces a peer's device posture. Unknown peers are a
// no-op; status may arrive after the peer already left.
func (r *Manager) SetMediaStatus(peer domain.PeerID, st domain.MediaState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.peers[peer]; ok {
		e.status = st
	}
}

// SetMuteStatus updates only the cam/mic flags, leaving the peer's
// share and recording state alone.
func (r *Manager) SetMuteStatus(peer domain.PeerID, cam, mic bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.peers[peer]; ok {
		e.status.CamMuted = cam
		e.status.MicMuted = mic
	}
}

func (r *Manager) SetShareStatus(peer domain.PeerID, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.peers[peer]; ok {
		e.status.Sharing = on
	}
}

func (r *Manager) SetRecording(peer domain.PeerID, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.peers[peer]; ok {
		e.status.Recording = on
	}
}

// AttachShare parks the viewed share link next to the peer's entry so
// it is torn down with the peer. Reports false for unknown peers.
func (r *Manager) AttachShare(peer domain.PeerID, shareID string, link core.MediaLink) bool {
	r.mu.Lock()
	e, ok := r.peers[peer]
	var old core.MediaLink
	if ok {
		old = e.share
		e.share = link
		e.shareID = shareID
		e.status.Sharing = true
	}
	r.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return ok
}

// ClearShare drops the viewed share link, if any.
func (r *Manager) ClearShare(peer domain.PeerID) {
	r.mu.Lock()
	e, ok := r.peers[peer]
	var old core.MediaLink
	if ok {
		old = e.share
		e.share = nil
		e.shareID = ""
		e.status.Sharing = false
	}
	r.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

// Send delivers one payload to a single peer's data channel.
func (r *Manager) Send(peer domain.PeerID, v any) error {
	r.mu.RLock()
	e, ok := r.peers[peer]
	var d core.DataLink
	if ok {
		d = e.data
	}
	r.mu.RUnlock()
	if !ok || d == nil {
		return ErrUnknownPeer
	}
	return d.Send(v)
}

// MediaLinks snapshots the media halves, in join order.
func (r *Manager) MediaLinks() []core.MediaLink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.MediaLink, 0, len(r.order))
	for _, id := range r.order {
		if e := r.peers[id]; e != nil && e.media != nil {
			out = append(out, e.media)
		}
	}
	return out
}

// ForEachData runs fn for every peer's data half, outside the lock.
func (r *Manager) ForEachData(fn func(core.DataLink)) {
	r.mu.RLock()
	links := make([]core.DataLink, 0, len(r.order))
	for _, id := range r.order {
		if e := r.peers[id]; e != nil && e.data != nil {
			links = append(links, e.data)
		}
	}
	r.mu.RUnlock()
	for _, d := range links {
		fn(d)
	}
}

// AddWaiting inserts a knocking user, deduplicated by peer id. The
// returned index is the entry's position either way.
func (r *Manager) AddWaiting(w domain.WaitingEntry) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cur := range r.waiting {
		if cur.PeerID == w.PeerID {
			return i, false
		}
	}
	r.waiting = append(r.waiting, w)
	return len(r.waiting) - 1, true
}

// RemoveWaiting drops the entry at index. Out-of-range indexes are a
// no-op.
func (r *Manager) RemoveWaiting(i int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < 0 || i >= len(r.waiting) {
		return false
	}
	r.waiting = append(r.waiting[:i], r.waiting[i+1:]...)
	return true
}

// RemoveWaitingByPeer drops the entry for a peer and reports the index
// it held.
func (r *Manager) RemoveWaitingByPeer(id domain.PeerID) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cur := range r.waiting {
		if cur.PeerID == id {
			r.waiting = append(r.waiting[:i], r.waiting[i+1:]...)
			return i, true
		}
	}
	return 0, false
}

func (r *Manager) Waiting() []domain.WaitingEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.WaitingEntry, len(r.waiting))
	copy(out, r.waiting)
	return out
}

func (r *Manager) markActive(peer domain.PeerID) {
	r.mu.Lock()
	e, ok := r.peers[peer]
	if !ok || e.active {
		r.mu.Unlock()
		return
	}
	e.active = true
	r.mu.Unlock()

	log.Debug().Str("module", "roster").Str("peer", string(peer)).Msg("media flowing")
	r.bus.Publish(events.MediaStreamReady{PeerID: peer})
}

// snapshotLocked resolves names and creator flags against the latest
// attendance snapshot; the call payload is the fallback.
func (r *Manager) snapshotLocked() []domain.PeerStatus {
	out := make([]domain.PeerStatus, 0, len(r.order))
	for _, id := range r.order {
		e := r.peers[id]
		if e == nil {
			continue
		}
		p := domain.PeerStatus{
			PeerID:  id,
			Name:    e.meta.Name,
			Creator: e.meta.Creator,
			Media:   e.status,
			Active:  e.active,
			ShareID: e.shareID,
		}
		if r.room != nil {
			if a, ok := r.room.Attendee(id); ok {
				p.Name = a.Name
				p.Creator = a.Creator
			}
		}
		out = append(out, p)
	}
	return out
}
