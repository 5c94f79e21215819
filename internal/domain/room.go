package domain

type RoomID string

// Attendee is one room member as reported by the server's attendance
// snapshot. Creator marks the room owner.
type Attendee struct {
	PeerID  PeerID `json:"peerId"`
	Name    string `json:"name"`
	Creator bool   `json:"creator"`
}

// RoomInfo is the latest attendance snapshot for the joined room.
// Each snapshot replaces the previous one wholesale.
type RoomInfo struct {
	ID        RoomID     `json:"roomId"`
	Attendees []Attendee `json:"users"`
}

func (r *RoomInfo) Attendee(id PeerID) (Attendee, bool) {
	for _, a := range r.Attendees {
		if a.PeerID == id {
			return a, true
		}
	}
	return Attendee{}, false
}

// IsCreator reports whether id owns the room per the current snapshot.
func (r *RoomInfo) IsCreator(id PeerID) bool {
	a, ok := r.Attendee(id)
	return ok && a.Creator
}
