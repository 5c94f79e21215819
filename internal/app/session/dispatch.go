package session

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/avoskan/huddle/internal/app/media"
	"github.com/avoskan/huddle/internal/core"
	"github.com/avoskan/huddle/internal/domain"
	"github.com/avoskan/huddle/internal/events"
)

// wire registers every inbound control handler and the cross-component
// hooks. It runs exactly once per session.
func (s *Session) wire() error {
	handlers := map[string]func(core.Frame){
		evWaitAccept:     s.onWaitAccept,
		evAdmitUser:      s.onAdmitUser,
		evRemoveWaiting:  s.onRemoveWaiting,
		evConnectSuccess: s.onConnectSuccess,
		evRoomInfo:       s.onRoomInformation,
		evUserConnected:  s.onUserConnected,
		evUserLeft:       s.onUserLeft,
		evUserDropped:    s.onUserLeft,
		evRoomInvalid:    s.onRoomInvalid,
		evRunAction:      s.onRunAction,
		evActionOK:       s.diagnostic(evActionOK),
		evActionFail:     s.diagnostic(evActionFail),
		evBanned:         s.onBanned,
		evRoomData:       s.diagnostic(evRoomData),
	}
	for ev, fn := range handlers {
		if err := s.channel.Listen(ev, fn); err != nil {
			return err
		}
	}

	s.bus.Subscribe(events.KindSignalUp, s.onSignalUp)
	s.roster.OnDataOpen(s.onDataOpen)
	s.roster.OnDataMessage(s.onDataMessage)
	s.roster.SetShareStopper(s.pipeline.StopScreenShare)
	s.transport.OnShareCall(s.pipeline.HandleShareCall)
	return nil
}

// onSignalUp flushes a queued join, and re-joins after a reconnect so
// the server re-learns which room this socket belongs to.
func (s *Session) onSignalUp(e events.Event) {
	up := e.(events.SignalUp)

	s.mu.Lock()
	room, user := s.room, s.user
	send := room != "" && (s.pending || (up.Reconnected && s.joined))
	if send {
		s.pending = false
	}
	s.mu.Unlock()
	if !send {
		return
	}

	if err := s.channel.Emit(evJoinRoom, joinRoomMessage{RoomID: room, User: user}); err != nil {
		log.Warn().Err(err).Str("module", "session").Str("room", string(room)).Msg("queued join failed")
		s.mu.Lock()
		s.pending = true
		s.mu.Unlock()
	}
}

func (s *Session) onWaitAccept(core.Frame) {
	s.mu.Lock()
	room := s.room
	s.mu.Unlock()
	log.Info().Str("module", "session").Str("room", string(room)).Msg("parked on waiting list")
	s.bus.Publish(events.RoomAdmitWait{Room: room})
}

func (s *Session) onAdmitUser(f core.Frame) {
	var w domain.WaitingEntry
	if err := json.Unmarshal(f, &w); err != nil {
		log.Debug().Err(err).Str("module", "session").Msg("bad admit payload")
		return
	}
	if _, added := s.roster.AddWaiting(w); !added {
		return
	}
	s.bus.Publish(events.AdmissionRequest{User: w})
}

func (s *Session) onRemoveWaiting(f core.Frame) {
	var ref peerRef
	if err := json.Unmarshal(f, &ref); err != nil {
		log.Debug().Err(err).Str("module", "session").Msg("bad waiting removal payload")
		return
	}
	if i, ok := s.roster.RemoveWaitingByPeer(ref.PeerID); ok {
		s.bus.Publish(events.AdmissionCancel{Index: i})
	}
}

func (s *Session) onConnectSuccess(core.Frame) {
	s.mu.Lock()
	s.joined = true
	s.pending = false
	room, user := s.room, s.user
	info, creator := s.roomInfo, s.creator
	s.mu.Unlock()

	if err := s.channel.Emit(evJoinedOK, joinedOKMessage{RoomID: room, PeerID: user.ID}); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("join confirmation failed")
	}
	log.Info().Str("module", "session").Str("room", string(room)).Msg("room joined")
	s.bus.Publish(events.RoomJoined{Room: info, Self: user.ID, Creator: creator})
}

// onRoomInformation swallows each attendance snapshot whole and
// re-derives the local creator flag from it.
func (s *Session) onRoomInformation(f core.Frame) {
	var info domain.RoomInfo
	if err := json.Unmarshal(f, &info); err != nil {
		log.Debug().Err(err).Str("module", "session").Msg("bad room information payload")
		return
	}

	s.mu.Lock()
	s.roomInfo = info
	s.creator = info.IsCreator(s.user.ID)
	s.mu.Unlock()

	s.roster.SetRoom(info)
	log.Debug().Str("module", "session").Int("attendees", len(info.Attendees)).Msg("room information applied")
}

// onUserConnected dials the newcomer. The call happens off the read
// pump; a failure is reported, not fatal.
func (s *Session) onUserConnected(f core.Frame) {
	var ref peerRef
	if err := json.Unmarshal(f, &ref); err != nil {
		log.Debug().Err(err).Str("module", "session").Msg("bad user-connected payload")
		return
	}
	if ref.PeerID == "" || ref.PeerID == s.transport.ID() {
		return
	}
	go s.establishPeer(ref)
}

func (s *Session) establishPeer(ref peerRef) {
	ctx, cancel := context.WithTimeout(context.Background(), peerCallTimeout)
	defer cancel()

	mediaLink, dataLink, err := s.transport.Call(ctx, ref.PeerID)
	if err != nil {
		log.Warn().Err(err).Str("module", "session").Str("peer", string(ref.PeerID)).Msg("peer call failed")
		s.bus.Publish(events.PeerConnectionFailed{Stage: "call", Err: err})
		return
	}

	meta := domain.Attendee{PeerID: ref.PeerID, Name: ref.Name}
	s.roster.Add(mediaLink, dataLink, meta)
	s.bus.Publish(events.UserJoined{User: meta})

	if s.pipeline.State().Sharing {
		if err := s.pipeline.OfferShareTo(ctx, ref.PeerID); err != nil {
			log.Warn().Err(err).Str("module", "session").Str("peer", string(ref.PeerID)).Msg("share offer failed")
		}
	}
}

func (s *Session) onUserLeft(f core.Frame) {
	var ref peerRef
	if err := json.Unmarshal(f, &ref); err != nil {
		log.Debug().Err(err).Str("module", "session").Msg("bad user-left payload")
		return
	}

	name := ref.Name
	if name == "" {
		s.mu.Lock()
		if a, ok := s.roomInfo.Attendee(ref.PeerID); ok {
			name = a.Name
		}
		s.mu.Unlock()
	}

	s.roster.Remove(ref.PeerID)
	s.roster.Settle()
	s.bus.Publish(events.RoomLeft{PeerID: ref.PeerID, Name: name})
}

// onRoomInvalid is terminal: the join target does not exist. The host
// decides what happens next; no retry is scheduled.
func (s *Session) onRoomInvalid(core.Frame) {
	s.mu.Lock()
	room := s.room
	s.room = ""
	s.joined = false
	s.pending = false
	s.mu.Unlock()

	log.Warn().Str("module", "session").Str("room", string(room)).Msg("room id invalid")
	s.bus.Publish(events.RoomInvalid{Room: room})
}

// onBanned is terminal: the server threw us out. The host is expected
// to close the session.
func (s *Session) onBanned(core.Frame) {
	s.mu.Lock()
	s.room = ""
	s.joined = false
	s.pending = false
	s.mu.Unlock()

	log.Warn().Str("module", "session").Msg("banned from room")
	s.bus.Publish(events.RoomBanned{})
}

// onRunAction executes off the read pump so a slow handler (the ban
// ladder acks over this very channel) cannot deadlock the dispatcher.
func (s *Session) onRunAction(f core.Frame) {
	var a domain.ActionEnvelope
	if err := json.Unmarshal(f, &a); err != nil {
		log.Debug().Err(err).Str("module", "session").Msg("bad action payload")
		return
	}
	go s.registry.Run(context.Background(), a)
}

func (s *Session) diagnostic(event string) func(core.Frame) {
	return func(f core.Frame) {
		e := log.Debug().Str("module", "session").Str("event", event)
		if len(f) > 0 {
			e = e.RawJSON("payload", f)
		}
		e.Msg("server notice")
	}
}

// onDataOpen greets a fresh data channel with our current mute
// posture, so the remote renders us correctly from the first frame.
func (s *Session) onDataOpen(peer domain.PeerID) {
	st := s.pipeline.State()
	msg := media.MuteMediaMessage{Event: media.DataMuteMedia, CamMute: st.CamMuted, MicMute: st.MicMuted}
	if err := s.roster.Send(peer, msg); err != nil {
		log.Debug().Err(err).Str("module", "session").Str("peer", string(peer)).Msg("mute greeting dropped")
	}
}

// onDataMessage routes one peer-data envelope: the three built-in
// events mutate the roster, anything else goes to a feature
// subscriber or is dropped.
func (s *Session) onDataMessage(peer domain.PeerID, f core.Frame) {
	var probe struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(f, &probe); err != nil {
		log.Debug().Err(err).Str("module", "session").Str("peer", string(peer)).Msg("bad data envelope")
		return
	}

	switch probe.Event {
	case media.DataMuteMedia:
		var m media.MuteMediaMessage
		if err := json.Unmarshal(f, &m); err != nil {
			return
		}
		s.roster.SetMuteStatus(peer, m.CamMute, m.MicMute)

	case media.DataScreenShare:
		var m media.ScreenShareMessage
		if err := json.Unmarshal(f, &m); err != nil {
			return
		}
		if m.Status {
			s.roster.SetShareStatus(peer, true)
		} else {
			s.roster.ClearShare(peer)
			s.bus.Publish(events.ScreenShareDisplay{PeerID: peer, Active: false})
		}

	case media.DataRecordScreen:
		var m media.RecordScreenMessage
		if err := json.Unmarshal(f, &m); err != nil {
			return
		}
		s.roster.SetRecording(peer, m.Record)
		s.bus.Publish(events.ScreenRecordStateChange{PeerID: peer, Recording: m.Record})

	default:
		s.subMu.RLock()
		fn := s.subs[subKey{tag: DataTag, event: probe.Event}]
		s.subMu.RUnlock()
		if fn == nil {
			log.Debug().Str("module", "session").Str("event", probe.Event).Msg("unhandled data event")
			return
		}
		fn(peer, f)
	}
}
