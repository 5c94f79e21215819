// Package relay is the development coordination server the client
// adapters talk to: a signaling room hub and a peer broker. It only
// moves envelopes between sockets; no media ever crosses it.
package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/avoskan/huddle/internal/domain"
)

// clientState tracks where a signal socket stands with its room.
type clientState int

const (
	stateIdle clientState = iota
	stateWaiting
	stateMember
)

// client is one signal socket with the identity it presented at join.
type client struct {
	conn sender

	mu    sync.Mutex
	state clientState
	user  domain.User
	room  domain.RoomID
}

func (c *client) set(state clientState, room domain.RoomID, user domain.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
	c.room = room
	c.user = user
}

func (c *client) snapshot() (clientState, domain.RoomID, domain.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.room, c.user
}

type waitingClient struct {
	entry domain.WaitingEntry
	cl    *client
}

// room is the hub-side state of one conference room. The creator is
// whoever joined it first; locked rooms park later joiners on the
// waiting list until the creator lets them in.
type room struct {
	id      domain.RoomID
	locked  bool
	created time.Time
	creator domain.PeerID
	members map[domain.PeerID]*client
	order   []domain.PeerID
	waiting []*waitingClient
	banned  map[domain.PeerID]struct{}
}

func (r *room) info() domain.RoomInfo {
	info := domain.RoomInfo{ID: r.id, Attendees: make([]domain.Attendee, 0, len(r.order))}
	for _, id := range r.order {
		cl := r.members[id]
		if cl == nil {
			continue
		}
		_, _, user := cl.snapshot()
		info.Attendees = append(info.Attendees, domain.Attendee{
			PeerID:  id,
			Name:    user.Name,
			Creator: id == r.creator,
		})
	}
	return info
}

func (r *room) memberClients() []*client {
	out := make([]*client, 0, len(r.order))
	for _, id := range r.order {
		if cl := r.members[id]; cl != nil {
			out = append(out, cl)
		}
	}
	return out
}

func (r *room) creatorClient() *client {
	return r.members[r.creator]
}

func (r *room) dropWaiting(peer domain.PeerID) (*waitingClient, bool) {
	for i, w := range r.waiting {
		if w.entry.PeerID == peer {
			r.waiting = append(r.waiting[:i], r.waiting[i+1:]...)
			return w, true
		}
	}
	return nil, false
}

func (r *room) waitingByAccess(access string) (*waitingClient, bool) {
	for _, w := range r.waiting {
		if w.entry.Access == access {
			return w, true
		}
	}
	return nil, false
}

// Hub owns every room. All mutation happens under one lock; sends go
// out after it is released.
type Hub struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]*room
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[domain.RoomID]*room)}
}

// CreateRoom registers an empty room and hands back its id.
func (h *Hub) CreateRoom(locked bool) domain.RoomID {
	id := domain.RoomID(uuid.NewString())
	h.mu.Lock()
	h.rooms[id] = &room{
		id:      id,
		locked:  locked,
		created: time.Now(),
		members: make(map[domain.PeerID]*client),
		banned:  make(map[domain.PeerID]struct{}),
	}
	h.mu.Unlock()
	log.Info().Str("module", "relay").Str("room", string(id)).Bool("locked", locked).Msg("room created")
	return id
}

func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// reapLocked deletes the room once nobody is left in or in front of it.
func (h *Hub) reapLocked(r *room) {
	if len(r.members) == 0 && len(r.waiting) == 0 {
		delete(h.rooms, r.id)
		log.Info().Str("module", "relay").Str("room", string(r.id)).Msg("room reaped")
	}
}
