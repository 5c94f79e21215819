package relay

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/avoskan/huddle/internal/domain"
)

// envelope is the signal wire frame, mirroring the client adapter's.
type envelope struct {
	Event string          `json:"event"`
	Ack   uint64          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Server to client.
const (
	evReady         = "ready"
	evAck           = "ack"
	evWaitAccept    = "wait-accept-room-join"
	evAdmitUser     = "admit-user-to-join"
	evRemoveWaiting = "remove-user-from-waiting-list"
	evConnectOK     = "connect-room-success"
	evRoomInfo      = "room-information"
	evUserConnected = "user-connected"
	evUserLeft      = "user-left-room"
	evUserDropped   = "user-disconnected"
	evRoomInvalid   = "room-id-invalid"
	evRunAction     = "run-action"
	evActionOK      = "successfully-run-action"
	evActionFail    = "failed-run-action"
	evBanned        = "you-are-ban"
	evRoomData      = "info-room-data"
)

// Client to server.
const (
	evJoinRoom        = "join-room"
	evJoinedOK        = "join-room-successfully"
	evLeftRoom        = "left-room"
	evRunRoomAction   = "run-room-action"
	evJoinFromWaiting = "join-room-from-waiting-list"
)

type joinRoomMessage struct {
	RoomID domain.RoomID `json:"roomId"`
	User   domain.User   `json:"user"`
}

type roomActionMessage struct {
	RoomID domain.RoomID         `json:"roomId"`
	Action domain.ActionEnvelope `json:"action"`
}

type waitingAccessMessage struct {
	RoomID domain.RoomID `json:"roomId"`
	Access string        `json:"access"`
}

type peerRef struct {
	PeerID domain.PeerID `json:"peerId"`
	Name   string        `json:"name"`
}

type roomRef struct {
	RoomID domain.RoomID `json:"roomId"`
}

type actionResult struct {
	Name   string `json:"name"`
	Reason string `json:"reason,omitempty"`
}

// roomDiagnostics is the info-room-data payload sent to fresh members.
type roomDiagnostics struct {
	RoomID  domain.RoomID `json:"roomId"`
	Members int           `json:"members"`
	Created int64         `json:"created"`
}

// sender is the write half of a connected socket. *wsPeer implements
// it; tests substitute their own.
type sender interface {
	TrySend(frame []byte) error
	Close()
}

func send(cl *client, event string, v any) {
	sendAck(cl, event, 0, v)
}

func sendAck(cl *client, event string, ack uint64, v any) {
	env := envelope{Event: event, Ack: ack}
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			log.Error().Err(err).Str("module", "relay").Str("event", event).Msg("marshal payload")
			return
		}
		env.Data = data
	}
	frame, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Str("event", event).Msg("marshal envelope")
		return
	}
	if err := cl.conn.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("event", event).Msg("send dropped")
	}
}
