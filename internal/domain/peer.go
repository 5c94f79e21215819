package domain

// PeerStatus is a read-only roster view of one remote participant
// (no transport fields). ShareID is set while a share from that peer
// is being viewed.
type PeerStatus struct {
	PeerID  PeerID     `json:"peerId"`
	Name    string     `json:"name"`
	Creator bool       `json:"creator"`
	Media   MediaState `json:"media"`
	Active  bool       `json:"active"`
	ShareID string     `json:"shareId,omitempty"`
}
