package domain

// ActionEnvelope is one room action on the wire. TargetID names the
// peer the action is about; Targets narrows delivery to the listed
// members, empty meaning the whole room. Moderator marks the action
// creator-only, which the relay enforces before fanning out. Attrs is
// free-form and owned by the named action.
type ActionEnvelope struct {
	Name      string         `json:"name"`
	SenderID  PeerID         `json:"senderId"`
	TargetID  PeerID         `json:"targetId,omitempty"`
	Targets   []PeerID       `json:"targets,omitempty"`
	Moderator bool           `json:"moderator,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}
