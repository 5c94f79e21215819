package capture

import (
	"image"
	"io"
	"sync"

	"github.com/pion/mediadevices/pkg/codec"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"

	"github.com/avoskan/huddle/internal/domain"
)

const (
	vp8BitRate          = 500_000
	vp8KeyFrameInterval = 15
)

// VP8Encoder drives a libvpx encoder one surface at a time. The
// builder wants to pull frames from a reader, so Encode parks the
// frame in a one-slot channel and immediately pulls the encoded
// output back out.
type VP8Encoder struct {
	mu     sync.Mutex
	in     chan *image.RGBA
	enc    codec.ReadCloser
	closed bool
}

func NewVP8Encoder(c domain.CaptureConstraints) (*VP8Encoder, error) {
	params, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	params.BitRate = vp8BitRate
	params.KeyFrameInterval = vp8KeyFrameInterval

	e := &VP8Encoder{in: make(chan *image.RGBA, 1)}
	reader := video.ReaderFunc(func() (image.Image, func(), error) {
		img, ok := <-e.in
		if !ok {
			return nil, func() {}, io.EOF
		}
		return img, func() {}, nil
	})

	w, h := c.Resolution()
	enc, err := params.BuildVideoEncoder(reader, prop.Media{
		Video: prop.Video{
			Width:       w,
			Height:      h,
			FrameRate:   c.FrameRate,
			FrameFormat: frame.FormatI420,
		},
	})
	if err != nil {
		return nil, err
	}
	e.enc = enc
	return e, nil
}

func (e *VP8Encoder) Encode(img *image.RGBA) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, io.ErrClosedPipe
	}
	e.in <- img
	buf, release, err := e.enc.Read()
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	if release != nil {
		release()
	}
	return out, nil
}

func (e *VP8Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	close(e.in)
	return e.enc.Close()
}
