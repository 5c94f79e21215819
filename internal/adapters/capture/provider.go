// Package capture opens local camera and microphone devices through
// pion/mediadevices and adapts them to the pipeline contracts.
package capture

import (
	"context"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	// Driver registration. Without these GetUserMedia finds no devices.
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"

	"github.com/avoskan/huddle/internal/core"
	"github.com/avoskan/huddle/internal/domain"
)

// Provider opens real devices. It satisfies core.CaptureProvider.
type Provider struct{}

func NewProvider() *Provider { return &Provider{} }

func (p *Provider) Acquire(ctx context.Context, c domain.CaptureConstraints) (core.CaptureDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Video && !c.Audio {
		return nil, &domain.MediaError{Kind: domain.MediaBadConstraints, Device: deviceLabel(c)}
	}

	msc := mediadevices.MediaStreamConstraints{}
	if c.Video {
		msc.Video = videoConstraint(c)
	}
	if c.Audio {
		opusParams, err := opus.NewParams()
		if err != nil {
			return nil, classify(err, "microphone")
		}
		opusParams.BitRate = 32_000
		opusParams.Latency = opus.Latency20ms
		msc.Audio = audioConstraint()
		msc.Codec = mediadevices.NewCodecSelector(mediadevices.WithAudioEncoders(&opusParams))
	}

	stream, err := mediadevices.GetUserMedia(msc)
	if err != nil {
		return nil, classify(err, deviceLabel(c))
	}

	dev := &Device{stream: stream, audioOn: atomic.NewBool(true)}
	if c.Video {
		tracks := stream.GetVideoTracks()
		if len(tracks) == 0 {
			_ = dev.Close()
			return nil, &domain.MediaError{Kind: domain.MediaDeviceMissing, Device: "camera"}
		}
		dev.frames = newTrackSource(tracks[0].(*mediadevices.VideoTrack))
	}
	if c.Audio {
		tracks := stream.GetAudioTracks()
		if len(tracks) == 0 {
			_ = dev.Close()
			return nil, &domain.MediaError{Kind: domain.MediaDeviceMissing, Device: "microphone"}
		}
		if err := dev.startAudio(tracks[0]); err != nil {
			_ = dev.Close()
			return nil, classify(err, "microphone")
		}
	}

	w, h := c.Resolution()
	log.Debug().
		Str("module", "capture").
		Bool("video", c.Video).
		Bool("audio", c.Audio).
		Int("width", w).
		Int("height", h).
		Msg("devices acquired")
	return dev, nil
}

func videoConstraint(c domain.CaptureConstraints) mediadevices.MediaOption {
	w, h := c.Resolution()
	return func(mtc *mediadevices.MediaTrackConstraints) {
		mtc.Width = prop.Int(w)
		mtc.Height = prop.Int(h)
		mtc.FrameRate = prop.Float(c.FrameRate)
		mtc.FrameFormat = prop.FrameFormatOneOf{
			frame.FormatI420,
			frame.FormatYUY2,
			frame.FormatUYVY,
			frame.FormatNV21,
		}
	}
}

func audioConstraint() mediadevices.MediaOption {
	return func(mtc *mediadevices.MediaTrackConstraints) {
		mtc.SampleRate = prop.Int(48000)
		mtc.ChannelCount = prop.Int(1)
		mtc.Latency = prop.Duration(20 * time.Millisecond)
	}
}

func deviceLabel(c domain.CaptureConstraints) string {
	switch {
	case c.Video && c.Audio:
		return "camera+microphone"
	case c.Video:
		return "camera"
	default:
		return "microphone"
	}
}
