package actions

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/avoskan/huddle/internal/domain"
	"github.com/avoskan/huddle/internal/events"
)

// Built-in action names.
const (
	ActionBan       = "ban"
	ActionForceMute = "force-mute"
)

// banHandler throws the target out of the conference. When the target
// is the local user the session is abandoned: the host learns first,
// then the leave ladder runs. Everyone else only gets the notice.
func banHandler(ctx context.Context, caps Capabilities, a domain.ActionEnvelope) error {
	if a.TargetID == "" {
		return fmt.Errorf("ban: missing target")
	}
	if a.TargetID != caps.LocalID() {
		log.Info().Str("module", "actions").Str("peer", string(a.TargetID)).Msg("peer banned from room")
		return nil
	}

	caps.Notify(events.ExitConference{Reason: "banned by moderator"})
	return caps.Leave(ctx)
}

// forceMuteHandler applies a moderator mute to the local devices.
// Other targets mute themselves when their own copy runs, so anything
// not addressed to us is a no-op.
func forceMuteHandler(ctx context.Context, caps Capabilities, a domain.ActionEnvelope) error {
	if a.TargetID != caps.LocalID() {
		return nil
	}

	cam, camSet := boolAttr(a.Attrs, "camMute")
	mic, micSet := boolAttr(a.Attrs, "micMute")
	if !camSet && !micSet {
		// A bare force-mute silences the microphone.
		return caps.SetAudioMute(true)
	}
	if camSet {
		if err := caps.SetVideoMute(ctx, cam); err != nil {
			return err
		}
	}
	if micSet {
		return caps.SetAudioMute(mic)
	}
	return nil
}

func boolAttr(attrs map[string]any, key string) (bool, bool) {
	v, ok := attrs[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}
