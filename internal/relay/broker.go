package relay

import (
	"encoding/json"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/avoskan/huddle/internal/config"
	"github.com/avoskan/huddle/internal/domain"
)

// brokerEnvelope is the peer-broker wire frame, mirroring the client
// transport's. The broker routes by To and stamps From on delivery.
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

type welcomeData struct {
	ID domain.PeerID `json:"id"`
}

type errorData struct {
	Message string `json:"message"`
}

// brokerClient is one connected transport. Correspondents are the
// peers it exchanged envelopes with; they get a bye when it drops.
type brokerClient struct {
	id   domain.PeerID
	conn *wsPeer

	mu             sync.Mutex
	correspondents map[domain.PeerID]struct{}
}

func (b *brokerClient) noted(peer domain.PeerID) {
	b.mu.Lock()
	b.correspondents[peer] = struct{}{}
	b.mu.Unlock()
}

func (b *brokerClient) contacts() []domain.PeerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.PeerID, 0, len(b.correspondents))
	for id := range b.correspondents {
		out = append(out, id)
	}
	return out
}

// Broker assigns each transport an identity and shuttles call/answer
// envelopes between them by target id.
type Broker struct {
	cfg config.Relay

	mu    sync.RWMutex
	peers map[domain.PeerID]*brokerClient
}

func NewBroker(cfg config.Relay) *Broker {
	return &Broker{
		cfg:   cfg,
		peers: make(map[domain.PeerID]*brokerClient),
	}
}

func (b *Broker) PeerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.peers)
}

// Handle upgrades one transport socket, hands it its id and routes its
// envelopes until it drops.
func (b *Broker) Handle(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "broker").Msg("peer upgrade")
		return
	}

	conn := newWSPeer(ws, b.cfg.ReadLimit)
	cl := &brokerClient{
		id:             domain.PeerID(uuid.NewString()),
		conn:           conn,
		correspondents: make(map[domain.PeerID]struct{}),
	}
	go conn.writePump(b.cfg.PingPeriod)

	b.mu.Lock()
	b.peers[cl.id] = cl
	b.mu.Unlock()
	log.Info().Str("module", "broker").Str("id", string(cl.id)).Msg("transport connected")

	b.reply(cl, brokerEnvelope{Event: evWelcome}, welcomeData{ID: cl.id})

	conn.readPump(func(data []byte) { b.route(cl, data) })
	b.drop(cl)
}

func (b *Broker) route(cl *brokerClient, data []byte) {
	var env brokerEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "broker").Msg("bad broker json")
		return
	}

	switch env.Event {
	case evCall, evAnswer, evBye:
	default:
		log.Warn().Str("module", "broker").Str("event", env.Event).Msg("unknown broker event")
		return
	}

	b.mu.RLock()
	target := b.peers[env.To]
	b.mu.RUnlock()
	if target == nil {
		log.Warn().Str("module", "broker").Str("to", string(env.To)).Str("event", env.Event).Msg("envelope for unknown peer")
		b.reply(cl, brokerEnvelope{Event: evError}, errorData{Message: "unknown peer " + string(env.To)})
		return
	}

	cl.noted(target.id)
	target.noted(cl.id)

	env.From = cl.id
	frame, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "broker").Msg("marshal routed envelope")
		return
	}
	if err := target.conn.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "broker").Str("to", string(target.id)).Msg("routed envelope dropped")
	}
}

// drop forgets the client and tells everyone it talked to.
func (b *Broker) drop(cl *brokerClient) {
	b.mu.Lock()
	delete(b.peers, cl.id)
	b.mu.Unlock()
	log.Info().Str("module", "broker").Str("id", string(cl.id)).Msg("transport gone")

	bye := brokerEnvelope{Event: evBye, From: cl.id}
	frame, err := json.Marshal(bye)
	if err != nil {
		return
	}
	for _, id := range cl.contacts() {
		b.mu.RLock()
		peer := b.peers[id]
		b.mu.RUnlock()
		if peer != nil {
			_ = peer.conn.TrySend(frame)
		}
	}
}

func (b *Broker) reply(cl *brokerClient, env brokerEnvelope, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "broker").Msg("marshal reply")
		return
	}
	env.Data = data
	frame, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := cl.conn.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "broker").Str("id", string(cl.id)).Msg("reply dropped")
	}
}
