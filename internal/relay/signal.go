package relay

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/avoskan/huddle/internal/config"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SignalServer accepts the signaling sockets and feeds their frames
// into the hub. Actions are rate-limited per sender so one noisy
// moderator cannot flood the room.
type SignalServer struct {
	cfg     config.Relay
	hub     *Hub
	actions *rateLimiter
}

func NewSignalServer(cfg config.Relay, hub *Hub) *SignalServer {
	return &SignalServer{
		cfg:     cfg,
		hub:     hub,
		actions: newRateLimiter(10, 10*time.Second),
	}
}

// Handle upgrades one signaling connection. The ready envelope goes
// out first; the client's connect handshake waits for it.
func (s *SignalServer) Handle(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("signal upgrade")
		return
	}
	log.Info().Str("module", "relay").Str("token", c.Query("token")).Msg("signal socket accepted")

	conn := newWSPeer(ws, s.cfg.ReadLimit)
	cl := &client{conn: conn}
	go conn.writePump(s.cfg.PingPeriod)

	send(cl, evReady, nil)

	conn.readPump(func(data []byte) { s.dispatch(cl, data) })
	s.hub.Disconnect(cl)
}

func (s *SignalServer) dispatch(cl *client, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("bad signal json")
		return
	}

	switch env.Event {
	case evJoinRoom:
		var req joinRoomMessage
		if !decode(env, &req) {
			return
		}
		s.hub.Join(cl, req)

	case evLeftRoom:
		var req joinRoomMessage
		if !decode(env, &req) {
			return
		}
		s.hub.Leave(cl, req, env.Ack)

	case evRunRoomAction:
		var req roomActionMessage
		if !decode(env, &req) {
			return
		}
		_, _, user := cl.snapshot()
		if !s.actions.Allow(user.ID) {
			log.Warn().Str("module", "relay").Str("peer", string(user.ID)).Msg("action rate limited")
			send(cl, evActionFail, actionResult{Name: req.Action.Name, Reason: "rate limited"})
			return
		}
		s.hub.RunAction(cl, req)

	case evJoinFromWaiting:
		var req waitingAccessMessage
		if !decode(env, &req) {
			return
		}
		s.hub.AdmitFromWaiting(cl, req)

	case evJoinedOK:
		_, room, user := cl.snapshot()
		log.Debug().Str("module", "relay").Str("room", string(room)).Str("peer", string(user.ID)).Msg("join confirmed")

	default:
		log.Warn().Str("module", "relay").Str("event", env.Event).Msg("unknown signal event")
	}
}

func decode(env envelope, v any) bool {
	if err := json.Unmarshal(env.Data, v); err != nil {
		log.Error().Err(err).Str("module", "relay").Str("event", env.Event).Msg("bad payload")
		return false
	}
	return true
}
