package session

import "github.com/avoskan/huddle/internal/domain"

// Control-channel event names, client to server.
const (
	evJoinRoom        = "join-room"
	evJoinedOK        = "join-room-successfully"
	evLeftRoom        = "left-room"
	evJoinFromWaiting = "join-room-from-waiting-list"
)

// Control-channel event names, server to client.
const (
	evWaitAccept     = "wait-accept-room-join"
	evAdmitUser      = "admit-user-to-join"
	evRemoveWaiting  = "remove-user-from-waiting-list"
	evConnectSuccess = "connect-room-success"
	evRoomInfo       = "room-information"
	evUserConnected  = "user-connected"
	evUserLeft       = "user-left-room"
	evUserDropped    = "user-disconnected"
	evRoomInvalid    = "room-id-invalid"
	evRunAction      = "run-action"
	evActionOK       = "successfully-run-action"
	evActionFail     = "failed-run-action"
	evBanned         = "you-are-ban"
	evRoomData       = "info-room-data"
)

type joinRoomMessage struct {
	RoomID domain.RoomID `json:"roomId"`
	User   domain.User   `json:"user"`
}

type joinedOKMessage struct {
	RoomID domain.RoomID `json:"roomId"`
	PeerID domain.PeerID `json:"peerId"`
}

type leftRoomMessage struct {
	RoomID domain.RoomID `json:"roomId"`
	User   domain.User   `json:"user"`
}

// waitingAccessMessage admits one parked user: Access is the grant
// token from their waiting-list entry, echoed back by the creator.
type waitingAccessMessage struct {
	RoomID domain.RoomID `json:"roomId"`
	Access string        `json:"access"`
}

// peerRef is the minimal inbound payload naming one peer.
type peerRef struct {
	PeerID domain.PeerID `json:"peerId"`
	Name   string        `json:"name"`
}
