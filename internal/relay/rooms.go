package relay

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/avoskan/huddle/internal/domain"
)

// outbound is one pending delivery, collected under the hub lock and
// flushed after it is released.
type outbound struct {
	cl    *client
	event string
	ack   uint64
	data  any
}

func flush(batch []outbound) {
	for _, o := range batch {
		sendAck(o.cl, o.event, o.ack, o.data)
	}
}

// Join handles one join-room request. Unknown rooms bounce with
// room-id-invalid, banned peers with you-are-ban, and locked rooms
// park the joiner until the creator answers the knock.
func (h *Hub) Join(cl *client, req joinRoomMessage) {
	h.mu.Lock()
	r, ok := h.rooms[req.RoomID]
	if !ok {
		h.mu.Unlock()
		log.Warn().Str("module", "relay").Str("room", string(req.RoomID)).Msg("join to unknown room")
		send(cl, evRoomInvalid, roomRef{RoomID: req.RoomID})
		return
	}
	if _, banned := r.banned[req.User.ID]; banned {
		h.mu.Unlock()
		send(cl, evBanned, nil)
		return
	}
	if _, member := r.members[req.User.ID]; member {
		// Duplicate join, e.g. after a signal reconnect: refresh the
		// socket and replay the success without touching membership.
		r.members[req.User.ID] = cl
		cl.set(stateMember, r.id, req.User)
		batch := []outbound{
			{cl: cl, event: evRoomInfo, data: r.info()},
			{cl: cl, event: evConnectOK},
		}
		h.mu.Unlock()
		flush(batch)
		return
	}

	if r.locked && len(r.members) > 0 {
		batch := h.parkLocked(r, cl, req.User)
		h.mu.Unlock()
		flush(batch)
		return
	}

	batch := h.admitLocked(r, cl, req.User)
	h.mu.Unlock()
	flush(batch)
}

// parkLocked queues the joiner and knocks on the creator's socket.
func (h *Hub) parkLocked(r *room, cl *client, user domain.User) []outbound {
	for _, w := range r.waiting {
		if w.entry.PeerID == user.ID {
			// Repeated knock keeps the original grant.
			w.cl = cl
			cl.set(stateWaiting, r.id, user)
			return []outbound{{cl: cl, event: evWaitAccept, data: roomRef{RoomID: r.id}}}
		}
	}

	entry := domain.WaitingEntry{PeerID: user.ID, Name: user.Name, Access: uuid.NewString()}
	r.waiting = append(r.waiting, &waitingClient{entry: entry, cl: cl})
	cl.set(stateWaiting, r.id, user)
	log.Info().Str("module", "relay").Str("room", string(r.id)).Str("peer", string(user.ID)).Msg("parked on waiting list")

	batch := []outbound{{cl: cl, event: evWaitAccept, data: roomRef{RoomID: r.id}}}
	if creator := r.creatorClient(); creator != nil {
		batch = append(batch, outbound{cl: creator, event: evAdmitUser, data: entry})
	}
	return batch
}

// admitLocked makes the joiner a member and tells the room. The first
// member becomes the creator.
func (h *Hub) admitLocked(r *room, cl *client, user domain.User) []outbound {
	present := r.memberClients()

	if len(r.members) == 0 {
		r.creator = user.ID
	}
	r.members[user.ID] = cl
	r.order = append(r.order, user.ID)
	cl.set(stateMember, r.id, user)
	log.Info().Str("module", "relay").Str("room", string(r.id)).Str("peer", string(user.ID)).Str("name", user.Name).Msg("member joined")

	info := r.info()
	batch := make([]outbound, 0, 2*len(present)+3)
	batch = append(batch,
		outbound{cl: cl, event: evRoomInfo, data: info},
		outbound{cl: cl, event: evConnectOK},
		outbound{cl: cl, event: evRoomData, data: roomDiagnostics{RoomID: r.id, Members: len(r.members), Created: r.created.Unix()}},
	)
	ref := peerRef{PeerID: user.ID, Name: user.Name}
	for _, m := range present {
		batch = append(batch,
			outbound{cl: m, event: evRoomInfo, data: info},
			outbound{cl: m, event: evUserConnected, data: ref},
		)
	}
	return batch
}

// AdmitFromWaiting lets the creator answer a knock by echoing its
// access grant.
func (h *Hub) AdmitFromWaiting(cl *client, req waitingAccessMessage) {
	h.mu.Lock()
	r, ok := h.rooms[req.RoomID]
	if !ok {
		h.mu.Unlock()
		send(cl, evRoomInvalid, roomRef{RoomID: req.RoomID})
		return
	}
	_, _, user := cl.snapshot()
	if r.creator != user.ID {
		h.mu.Unlock()
		log.Warn().Str("module", "relay").Str("room", string(r.id)).Str("peer", string(user.ID)).Msg("admit from non-creator ignored")
		return
	}
	w, ok := r.waitingByAccess(req.Access)
	if !ok {
		h.mu.Unlock()
		log.Warn().Str("module", "relay").Str("room", string(r.id)).Msg("admit with unknown grant")
		return
	}
	r.dropWaiting(w.entry.PeerID)
	batch := h.admitLocked(r, w.cl, domain.User{ID: w.entry.PeerID, Name: w.entry.Name})
	h.mu.Unlock()
	flush(batch)
}

// Leave handles an explicit left-room. The ack goes back even when the
// peer was not a member anymore, so the client's teardown never hangs
// on a race with a ban or a drop.
func (h *Hub) Leave(cl *client, req joinRoomMessage, ack uint64) {
	h.mu.Lock()
	batch := h.removeLocked(req.RoomID, req.User.ID, evUserLeft)
	h.mu.Unlock()

	cl.set(stateIdle, "", domain.User{})
	if ack != 0 {
		sendAck(cl, evAck, ack, nil)
	}
	flush(batch)
}

// Disconnect cleans up after a dead socket: members leave the room as
// user-disconnected, parked joiners withdraw their knock.
func (h *Hub) Disconnect(cl *client) {
	state, roomID, user := cl.snapshot()
	if state == stateIdle {
		return
	}

	h.mu.Lock()
	var batch []outbound
	switch state {
	case stateMember:
		batch = h.removeLocked(roomID, user.ID, evUserDropped)
	case stateWaiting:
		if r, ok := h.rooms[roomID]; ok {
			if _, dropped := r.dropWaiting(user.ID); dropped {
				if creator := r.creatorClient(); creator != nil {
					batch = append(batch, outbound{cl: creator, event: evRemoveWaiting, data: peerRef{PeerID: user.ID, Name: user.Name}})
				}
			}
			h.reapLocked(r)
		}
	}
	h.mu.Unlock()

	cl.set(stateIdle, "", domain.User{})
	flush(batch)
}

// removeLocked drops one member and notifies the remainder with the
// given leave event plus a fresh attendance snapshot. Unknown rooms
// and unknown members are a no-op.
func (h *Hub) removeLocked(roomID domain.RoomID, peer domain.PeerID, leaveEvent string) []outbound {
	r, ok := h.rooms[roomID]
	if !ok {
		return nil
	}
	cl, ok := r.members[peer]
	if !ok {
		return nil
	}
	_, _, user := cl.snapshot()
	delete(r.members, peer)
	for i, id := range r.order {
		if id == peer {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	log.Info().Str("module", "relay").Str("room", string(roomID)).Str("peer", string(peer)).Str("event", leaveEvent).Msg("member removed")

	info := r.info()
	ref := peerRef{PeerID: peer, Name: user.Name}
	var batch []outbound
	for _, m := range r.memberClients() {
		batch = append(batch,
			outbound{cl: m, event: leaveEvent, data: ref},
			outbound{cl: m, event: evRoomInfo, data: info},
		)
	}
	h.reapLocked(r)
	return batch
}

// RunAction relays one action. Delivery follows the envelope's target
// list when it is non-empty, the whole room otherwise. Actions flagged
// moderator-only go through only when the sender created the room. The
// sender hears back with successfully-run-action or failed-run-action;
// a moderated ban additionally evicts the target server-side.
func (h *Hub) RunAction(cl *client, req roomActionMessage) {
	_, _, user := cl.snapshot()
	action := req.Action
	if action.SenderID == "" {
		action.SenderID = user.ID
	}

	h.mu.Lock()
	r, ok := h.rooms[req.RoomID]
	if !ok || r.members[user.ID] == nil {
		h.mu.Unlock()
		send(cl, evActionFail, actionResult{Name: action.Name, Reason: "not a room member"})
		return
	}
	if action.Moderator && r.creator != user.ID {
		h.mu.Unlock()
		log.Warn().Str("module", "relay").Str("room", string(r.id)).Str("peer", string(user.ID)).Str("action", action.Name).Msg("moderated action from non-creator")
		send(cl, evActionFail, actionResult{Name: action.Name, Reason: "creator only"})
		return
	}

	var wanted map[domain.PeerID]bool
	if len(action.Targets) > 0 {
		wanted = make(map[domain.PeerID]bool, len(action.Targets))
		for _, id := range action.Targets {
			wanted[id] = true
		}
	}

	batch := make([]outbound, 0, len(r.members)+2)
	for _, id := range r.order {
		m := r.members[id]
		if m == nil || (wanted != nil && !wanted[id]) {
			continue
		}
		batch = append(batch, outbound{cl: m, event: evRunAction, data: action})
	}
	batch = append(batch, outbound{cl: cl, event: evActionOK, data: actionResult{Name: action.Name}})

	if action.Moderator && action.Name == "ban" && action.TargetID != "" {
		r.banned[action.TargetID] = struct{}{}
		if target := r.members[action.TargetID]; target != nil {
			batch = append(batch, outbound{cl: target, event: evBanned})
			target.set(stateIdle, "", domain.User{})
		}
		// The eviction notice rides behind run-action so the target's
		// own copy of the handler fires first.
		batch = append(batch, h.removeLocked(r.id, action.TargetID, evUserLeft)...)
	}
	h.mu.Unlock()

	log.Info().Str("module", "relay").Str("room", string(req.RoomID)).Str("action", action.Name).Str("sender", string(action.SenderID)).Msg("action relayed")
	flush(batch)
}
