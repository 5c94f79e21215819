package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/avoskan/huddle/internal/adapters/capture"
	"github.com/avoskan/huddle/internal/adapters/rtc"
	"github.com/avoskan/huddle/internal/adapters/signal"
	"github.com/avoskan/huddle/internal/app/media"
	"github.com/avoskan/huddle/internal/app/roster"
	"github.com/avoskan/huddle/internal/app/session"
	"github.com/avoskan/huddle/internal/config"
	"github.com/avoskan/huddle/internal/core"
	"github.com/avoskan/huddle/internal/domain"
	"github.com/avoskan/huddle/internal/events"
)

var joinFlags struct {
	name      string
	token     string
	api       string
	create    bool
	locked    bool
	camOff    bool
	micOff    bool
	blur      bool
	autoAdmit bool
}

var joinCmd = &cobra.Command{
	Use:   "join [room-id]",
	Short: "Join a conference room",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runJoin,
}

func init() {
	joinCmd.Flags().StringVarP(&joinFlags.name, "name", "n", "guest", "display name")
	joinCmd.Flags().StringVar(&joinFlags.token, "token", "", "auth token passed to both channels")
	joinCmd.Flags().StringVar(&joinFlags.api, "api", "http://localhost:8080", "relay HTTP base for room management")
	joinCmd.Flags().BoolVar(&joinFlags.create, "create", false, "create the room first and join it")
	joinCmd.Flags().BoolVar(&joinFlags.locked, "locked", false, "with --create: admit joiners from the waiting list")
	joinCmd.Flags().BoolVar(&joinFlags.camOff, "cam-off", false, "start with the camera muted")
	joinCmd.Flags().BoolVar(&joinFlags.micOff, "mic-off", false, "start with the microphone muted")
	joinCmd.Flags().BoolVar(&joinFlags.blur, "blur", false, "blur the camera background")
	joinCmd.Flags().BoolVar(&joinFlags.autoAdmit, "auto-admit", false, "admit every knocking user without asking")
	rootCmd.AddCommand(joinCmd)
}

func runJoin(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if level, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	var roomID domain.RoomID
	switch {
	case joinFlags.create:
		id, err := createRoom(joinFlags.api, joinFlags.locked)
		if err != nil {
			return err
		}
		fmt.Printf("room created: %s\n", id)
		roomID = id
	case len(args) == 1:
		roomID = domain.RoomID(args[0])
	default:
		return fmt.Errorf("a room id or --create is required")
	}

	user, err := domain.NewUser(joinFlags.name)
	if err != nil {
		return err
	}

	bus := events.NewBus()
	r := roster.NewManager(bus)
	pipeline := media.NewPipeline(cfg.Media, bus, r, capture.NewProvider(), func(c domain.CaptureConstraints) (core.VideoEncoder, error) {
		return capture.NewVP8Encoder(c)
	})
	pipeline.SetBlur(joinFlags.blur)

	transport, err := rtc.NewTransport(cfg.Transport, bus, r, pipeline)
	if err != nil {
		return err
	}
	pipeline.BindTransport(transport)

	channel := signal.NewChannel(bus)
	channel.Initialize(cfg.Signaling)

	sess := session.NewSession(bus, channel, transport, r, pipeline, *user)
	watchSession(bus, sess)

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := domain.MediaState{CamMuted: joinFlags.camOff, MicMuted: joinFlags.micOff}
	if err := sess.Connect(ctx, joinFlags.token, st); err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.Join(roomID); err != nil {
		return err
	}

	<-ctx.Done()
	fmt.Println("leaving...")
	leaveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sess.Left(leaveCtx); err != nil && err != domain.ErrRoomNotJoined {
		log.Warn().Err(err).Msg("leave was not clean")
	}
	return nil
}

// watchSession prints every notification and reacts to the handful
// that need a headless decision.
func watchSession(bus *events.Bus, sess *session.Session) {
	bus.SubscribeAll(func(e events.Event) {
		log.Info().Str("event", string(e.Kind())).Msg("session notification")
	})

	bus.Subscribe(events.KindAdmissionRequest, func(e events.Event) {
		req := e.(events.AdmissionRequest)
		if !joinFlags.autoAdmit {
			fmt.Printf("knock from %s (%s), restart with --auto-admit to let them in\n", req.User.Name, req.User.PeerID)
			return
		}
		for i, w := range sess.Roster().Waiting() {
			if w.PeerID == req.User.PeerID {
				if err := sess.AdmitWaiting(i); err != nil {
					log.Warn().Err(err).Msg("auto-admit failed")
				}
				return
			}
		}
	})

	terminal := func(reason string) func(events.Event) {
		return func(events.Event) {
			fmt.Printf("%s, closing session\n", reason)
			sess.Close()
			os.Exit(1)
		}
	}
	bus.Subscribe(events.KindRoomInvalid, terminal("room id invalid"))
	bus.Subscribe(events.KindRoomBanned, terminal("banned from room"))
	bus.Subscribe(events.KindExitConference, func(e events.Event) {
		fmt.Printf("exit conference: %s\n", e.(events.ExitConference).Reason)
	})
}

// createRoom asks the relay's HTTP surface for a fresh room.
func createRoom(api string, locked bool) (domain.RoomID, error) {
	body, _ := json.Marshal(map[string]bool{"locked": locked})
	resp, err := http.Post(api+"/api/rooms", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create room: unexpected status %s", resp.Status)
	}
	var out struct {
		RoomID domain.RoomID `json:"roomId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	return out.RoomID, nil
}
