package capture

import (
	"image"
	"image/draw"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/io/video"
)

// trackSource adapts a mediadevices video track to a frame source.
// The returned frame is owned by the source and reused on the next
// Read, so callers draw it into their own surface before the next
// tick.
type trackSource struct {
	track  *mediadevices.VideoTrack
	reader video.Reader
	buf    *image.RGBA
}

func newTrackSource(track *mediadevices.VideoTrack) *trackSource {
	return &trackSource{track: track, reader: track.NewReader(false)}
}

func (s *trackSource) Read() (*image.RGBA, error) {
	img, release, err := s.reader.Read()
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	if s.buf == nil || s.buf.Bounds() != b {
		s.buf = image.NewRGBA(b)
	}
	draw.Draw(s.buf, b, img, b.Min, draw.Src)
	if release != nil {
		release()
	}
	return s.buf, nil
}

func (s *trackSource) Close() error { return s.track.Close() }
