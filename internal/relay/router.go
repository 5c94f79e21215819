package relay

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/avoskan/huddle/internal/config"
	"github.com/avoskan/huddle/internal/domain"
)

type createRoomRequest struct {
	Locked bool `json:"locked"`
}

type createRoomResponse struct {
	RoomID domain.RoomID `json:"roomId"`
}

// SetupRouter wires the relay's HTTP surface: room creation plus the
// two websocket endpoints the client adapters dial.
func SetupRouter(cfg config.Relay, hub *Hub, broker *Broker) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	signal := NewSignalServer(cfg, hub)

	api := r.Group("/api")

	api.POST("/rooms", func(c *gin.Context) {
		var req createRoomRequest
		// An empty body means an unlocked room.
		_ = c.ShouldBindJSON(&req)
		id := hub.CreateRoom(req.Locked)
		c.JSON(http.StatusCreated, createRoomResponse{RoomID: id})
	})

	api.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"rooms": hub.RoomCount(),
			"peers": broker.PeerCount(),
		})
	})

	api.GET("/ws/signal", signal.Handle)
	api.GET("/ws/peer", broker.Handle)

	log.Info().Str("module", "relay").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
