// Package actions is the moderated-action layer: a name-keyed registry
// of handlers executed on the moderator's behalf on every client.
package actions

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/avoskan/huddle/internal/core"
	"github.com/avoskan/huddle/internal/domain"
	"github.com/avoskan/huddle/internal/events"
)

const eventRunRoomAction = "run-room-action"

// Capabilities is the fixed surface a handler may touch. The session
// implements it; handlers never see the session itself.
type Capabilities interface {
	LocalID() domain.PeerID
	RoomID() domain.RoomID
	Leave(ctx context.Context) error
	SetVideoMute(ctx context.Context, mute bool) error
	SetAudioMute(mute bool) error
	Notify(e events.Event)
}

// Handler executes one named action locally.
type Handler interface {
	Execute(ctx context.Context, caps Capabilities, action domain.ActionEnvelope) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, caps Capabilities, action domain.ActionEnvelope) error

func (f HandlerFunc) Execute(ctx context.Context, caps Capabilities, action domain.ActionEnvelope) error {
	return f(ctx, caps, action)
}

// roomActionMessage is the control-channel payload for relaying an
// action to the room.
type roomActionMessage struct {
	RoomID domain.RoomID         `json:"roomId"`
	Action domain.ActionEnvelope `json:"action"`
}

// Registry resolves actions by name. Host-registered handlers shadow
// the built-ins.
type Registry struct {
	channel core.SignalChannel
	bus     *events.Bus
	caps    Capabilities

	mu        sync.RWMutex
	custom    map[string]Handler
	builtin   map[string]Handler
	moderated map[string]bool
}

func NewRegistry(channel core.SignalChannel, bus *events.Bus, caps Capabilities) *Registry {
	return &Registry{
		channel: channel,
		bus:     bus,
		caps:    caps,
		custom:  make(map[string]Handler),
		builtin: map[string]Handler{
			ActionBan:       HandlerFunc(banHandler),
			ActionForceMute: HandlerFunc(forceMuteHandler),
		},
		moderated: map[string]bool{
			ActionBan:       true,
			ActionForceMute: true,
		},
	}
}

// Register installs a host handler under name, replacing any previous
// registration and shadowing a built-in of the same name.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.custom[name] = h
}

// RegisterModerated installs a host handler only the room creator may
// trigger. Requests for the name go out with the moderator flag set,
// and the relay refuses them from anyone else.
func (r *Registry) RegisterModerated(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.custom[name] = h
	r.moderated[name] = true
}

// Request relays the envelope to the room through the control channel.
// Without a joined room or a name there is nothing to moderate, so it
// does nothing.
func (r *Registry) Request(a domain.ActionEnvelope) error {
	room := r.caps.RoomID()
	if room == "" || a.Name == "" {
		return nil
	}
	if a.SenderID == "" {
		a.SenderID = r.caps.LocalID()
	}
	if !a.Moderator {
		r.mu.RLock()
		a.Moderator = r.moderated[a.Name]
		r.mu.RUnlock()
	}
	return r.channel.Emit(eventRunRoomAction, roomActionMessage{RoomID: room, Action: a})
}

// Run executes one inbound action. Handler errors and panics are
// contained and published as ActionFailed; a broken handler never
// takes the dispatcher down with it. Success publishes ActionDone
// with the envelope's attributes.
func (r *Registry) Run(ctx context.Context, a domain.ActionEnvelope) {
	if a.Name == "" {
		return
	}
	h := r.resolve(a.Name)
	if h == nil {
		log.Debug().Str("module", "actions").Str("action", a.Name).Msg("no handler registered")
		return
	}
	if err := r.execute(ctx, h, a); err != nil {
		log.Warn().Err(err).Str("module", "actions").Str("action", a.Name).Msg("action failed")
		r.bus.Publish(events.ActionFailed{Name: a.Name, Err: err})
		return
	}
	r.bus.Publish(events.ActionDone{Name: a.Name, Attrs: a.Attrs})
}

func (r *Registry) resolve(name string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.custom[name]; ok {
		return h
	}
	return r.builtin[name]
}

func (r *Registry) execute(ctx context.Context, h Handler, a domain.ActionEnvelope) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("action %s panicked: %v", a.Name, rec)
		}
	}()
	return h.Execute(ctx, r.caps, a)
}
