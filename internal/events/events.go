package events

import "github.com/avoskan/huddle/internal/domain"

// RoomAdmitWait: the room is locked and the server parked us on its
// waiting list.
type RoomAdmitWait struct {
	Room domain.RoomID
}

// AdmissionRequest: someone is knocking; only the creator sees these.
type AdmissionRequest struct {
	User domain.WaitingEntry
}

// AdmissionCancel: a knock was withdrawn before the creator answered.
type AdmissionCancel struct {
	Index int
}

type RoomJoined struct {
	Room    domain.RoomInfo
	Self    domain.PeerID
	Creator bool
}

type UserJoined struct {
	User domain.Attendee
}

type RoomLeft struct {
	PeerID domain.PeerID
	Name   string
}

type RoomInvalid struct {
	Room domain.RoomID
}

type RoomBanned struct{}

// PeerConnectionFailed: the peer transport gave up. Fatal means no
// further retries will happen.
type PeerConnectionFailed struct {
	Stage string
	Fatal bool
	Err   error
}

type MediaStreamReady struct {
	PeerID domain.PeerID
}

// MediaStreamReset carries the surviving roster after a settle pass.
type MediaStreamReset struct {
	Peers []domain.PeerStatus
}

// ScreenShareDisplay: a remote share started (Active) or ended.
type ScreenShareDisplay struct {
	PeerID domain.PeerID
	Active bool
}

type ScreenRecordStateChange struct {
	PeerID    domain.PeerID
	Recording bool
}

// ExitConference: the session must be abandoned (e.g. the local user
// was banned). The host decides what the UI does next.
type ExitConference struct {
	Reason string
}

type ActionDone struct {
	Name  string
	Attrs map[string]any
}

type ActionFailed struct {
	Name string
	Err  error
}

// SignalUp / SignalDown track the control channel lifecycle. Internal
// consumers use them to flush queued work; hosts may subscribe too.
type SignalUp struct{ Reconnected bool }

type SignalDown struct{ Err error }

func (RoomAdmitWait) Kind() Kind           { return KindRoomAdmitWait }
func (AdmissionRequest) Kind() Kind        { return KindAdmissionRequest }
func (AdmissionCancel) Kind() Kind         { return KindAdmissionCancel }
func (RoomJoined) Kind() Kind              { return KindRoomJoined }
func (UserJoined) Kind() Kind              { return KindUserJoined }
func (RoomLeft) Kind() Kind                { return KindRoomLeft }
func (RoomInvalid) Kind() Kind             { return KindRoomInvalid }
func (RoomBanned) Kind() Kind              { return KindRoomBanned }
func (PeerConnectionFailed) Kind() Kind    { return KindPeerConnectionFailed }
func (MediaStreamReady) Kind() Kind        { return KindMediaStreamReady }
func (MediaStreamReset) Kind() Kind        { return KindMediaStreamReset }
func (ScreenShareDisplay) Kind() Kind      { return KindScreenShareDisplay }
func (ScreenRecordStateChange) Kind() Kind { return KindScreenRecordStateChange }
func (ExitConference) Kind() Kind          { return KindExitConference }
func (ActionDone) Kind() Kind              { return KindActionDone }
func (ActionFailed) Kind() Kind            { return KindActionFailed }
func (SignalUp) Kind() Kind                { return KindSignalUp }
func (SignalDown) Kind() Kind              { return KindSignalDown }
