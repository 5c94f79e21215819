package core

import (
	"context"
	"image"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/avoskan/huddle/internal/domain"
)

// Collaborator contracts. Detection, recording encode and frame
// delivery are external concerns; the pipeline only ever sees these
// interfaces.

// Detector runs one inference pass over the composed surface.
type Detector interface {
	Detect(ctx context.Context, frame *image.RGBA) ([]domain.Region, error)
}

// VideoEncoder turns a composed surface into one encoded video frame.
type VideoEncoder interface {
	Encode(frame *image.RGBA) ([]byte, error)
	Close() error
}

// RecordingSink receives composed frames while recording is active.
type RecordingSink interface {
	WriteFrame(frame *image.RGBA, ts time.Time) error
	Close() error
}

// FrameSource delivers raw frames. Read blocks until the next frame.
type FrameSource interface {
	Read() (*image.RGBA, error)
	Close() error
}

// CaptureDevice is an acquired camera/microphone pair. Frames is nil
// when video was not requested; AudioOut is nil without audio.
type CaptureDevice interface {
	Frames() FrameSource
	AudioOut() webrtc.TrackLocal
	SetAudioEnabled(on bool)
	Close() error
}

// CaptureProvider acquires devices under the given constraints.
// Failures are *domain.MediaError values.
type CaptureProvider interface {
	Acquire(ctx context.Context, c domain.CaptureConstraints) (CaptureDevice, error)
}
