package media

import "github.com/avoskan/huddle/internal/domain"

// Data-channel event names. Anything else is routed to feature
// subscribers or dropped.
const (
	DataMuteMedia    = "muteMedia"
	DataScreenShare  = "screenShare"
	DataRecordScreen = "recordScreen"
)

// MuteMediaMessage announces the sender's device posture. Sent on
// every mute toggle and once when a data channel opens.
type MuteMediaMessage struct {
	Event   string `json:"event"`
	CamMute bool   `json:"camMute"`
	MicMute bool   `json:"micMute"`
}

// ScreenShareMessage announces a share starting or ending.
type ScreenShareMessage struct {
	Event   string        `json:"event"`
	Status  bool          `json:"status"`
	PeerID  domain.PeerID `json:"peerId"`
	ShareID string        `json:"shareId,omitempty"`
}

// RecordScreenMessage announces that the sender started or stopped
// recording.
type RecordScreenMessage struct {
	Event  string `json:"event"`
	Record bool   `json:"record"`
}
