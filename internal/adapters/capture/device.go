package capture

import (
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/avoskan/huddle/internal/core"
)

const rtpMTU = 1200

// rtpSource matches the packet reader mediadevices hands back.
type rtpSource interface {
	Read() (pkts []*rtp.Packet, release func(), err error)
	Close() error
}

// Device is one acquired camera/microphone pair.
type Device struct {
	stream    mediadevices.MediaStream
	frames    core.FrameSource
	audioOut  *webrtc.TrackLocalStaticRTP
	audioOn   *atomic.Bool
	reader    rtpSource
	closeOnce sync.Once
}

func (d *Device) Frames() core.FrameSource { return d.frames }

func (d *Device) AudioOut() webrtc.TrackLocal {
	if d.audioOut == nil {
		return nil
	}
	return d.audioOut
}

// SetAudioEnabled gates the pump without touching the encoder, so a
// mute costs nothing and an unmute is instant.
func (d *Device) SetAudioEnabled(on bool) { d.audioOn.Store(on) }

func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		if d.reader != nil {
			_ = d.reader.Close()
		}
		if d.frames != nil {
			_ = d.frames.Close()
		}
		if d.stream != nil {
			for _, t := range d.stream.GetTracks() {
				_ = t.Close()
			}
		}
		log.Debug().Str("module", "capture").Msg("devices released")
	})
	return nil
}

func (d *Device) startAudio(track mediadevices.Track) error {
	out, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  1,
	}, "audio", "huddle-audio")
	if err != nil {
		return err
	}
	reader, err := track.NewRTPReader("opus", uuid.New().ID(), rtpMTU)
	if err != nil {
		return err
	}
	d.audioOut = out
	d.reader = reader
	go d.pumpAudio(reader, out.WriteRTP)
	return nil
}

// pumpAudio forwards captured packets into the outbound track. Muted
// packets are read and dropped so the capture buffer never backs up.
func (d *Device) pumpAudio(src rtpSource, write func(*rtp.Packet) error) {
	for {
		pkts, release, err := src.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Str("module", "capture").Err(err).Msg("audio reader stopped")
			}
			return
		}
		if d.audioOn.Load() {
			for _, pkt := range pkts {
				if err := write(pkt); err != nil {
					log.Warn().Str("module", "capture").Err(err).Msg("audio write failed")
				}
			}
		}
		if release != nil {
			release()
		}
	}
}
