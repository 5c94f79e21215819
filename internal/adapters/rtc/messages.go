package rtc

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"

	"github.com/avoskan/huddle/internal/domain"
)

// brokerEnvelope is the peer-broker wire frame. The broker routes by
// To and stamps From on delivery.
type brokerEnvelope struct {
	Event string          `json:"event"`
	From  domain.PeerID   `json:"from,omitempty"`
	To    domain.PeerID   `json:"to,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

const (
	evWelcome = "welcome"
	evCall    = "call"
	evAnswer  = "answer"
	evError   = "error"
	evBye     = "bye"
)

// callMeta distinguishes plain media calls from side channels and
// renegotiation offers on an established link.
type callMeta struct {
	Kind        string `json:"kind,omitempty"` // "" = media, "screen" = share side channel
	ShareID     string `json:"shareId,omitempty"`
	Renegotiate bool   `json:"renegotiate,omitempty"`
}

type callData struct {
	SDP  webrtc.SessionDescription `json:"sdp"`
	Meta callMeta                  `json:"meta"`
	User domain.Attendee           `json:"user"`
}

type answerData struct {
	SDP  webrtc.SessionDescription `json:"sdp"`
	Meta callMeta                  `json:"meta"`
}

type welcomeData struct {
	ID domain.PeerID `json:"id"`
}

type errorData struct {
	Message string `json:"message"`
}
