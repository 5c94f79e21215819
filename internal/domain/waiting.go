package domain

// WaitingEntry is a knock on the door: someone asking to join a locked
// room. Access is the grant token echoed back when the creator admits.
type WaitingEntry struct {
	PeerID PeerID `json:"peerId"`
	Name   string `json:"name"`
	Access string `json:"access"`
}
