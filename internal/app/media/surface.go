package media

import "image"

// mirror flips the surface horizontally in place.
func mirror(img *image.RGBA) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w/2; x++ {
			l := x * 4
			r := (w - 1 - x) * 4
			row[l], row[r] = row[r], row[l]
			row[l+1], row[r+1] = row[r+1], row[l+1]
			row[l+2], row[r+2] = row[r+2], row[l+2]
			row[l+3], row[r+3] = row[r+3], row[l+3]
		}
	}
}

// boxBlur runs a separable box blur over the surface, horizontal pass
// into tmp, vertical pass back. tmp must be at least len(img.Pix).
func boxBlur(img *image.RGBA, tmp []uint8, radius int) {
	if radius <= 0 {
		return
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return
	}
	win := 2*radius + 1
	stride := img.Stride

	clampX := func(x int) int {
		if x < 0 {
			return 0
		}
		if x >= w {
			return w - 1
		}
		return x
	}
	clampY := func(y int) int {
		if y < 0 {
			return 0
		}
		if y >= h {
			return h - 1
		}
		return y
	}

	for y := 0; y < h; y++ {
		base := y * stride
		for c := 0; c < 4; c++ {
			sum := 0
			for x := -radius; x <= radius; x++ {
				sum += int(img.Pix[base+clampX(x)*4+c])
			}
			for x := 0; x < w; x++ {
				tmp[base+x*4+c] = uint8(sum / win)
				sum += int(img.Pix[base+clampX(x+radius+1)*4+c])
				sum -= int(img.Pix[base+clampX(x-radius)*4+c])
			}
		}
	}

	for x := 0; x < w; x++ {
		off := x * 4
		for c := 0; c < 4; c++ {
			sum := 0
			for y := -radius; y <= radius; y++ {
				sum += int(tmp[clampY(y)*stride+off+c])
			}
			for y := 0; y < h; y++ {
				img.Pix[y*stride+off+c] = uint8(sum / win)
				sum += int(tmp[clampY(y+radius+1)*stride+off+c])
				sum -= int(tmp[clampY(y-radius)*stride+off+c])
			}
		}
	}
}

// blackSource stands in for the camera when video starts muted, so an
// outbound video track always exists. Read never blocks.
type blackSource struct {
	frame *image.RGBA
}

func newBlackSource(width, height int) *blackSource {
	f := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 3; i < len(f.Pix); i += 4 {
		f.Pix[i] = 0xff
	}
	return &blackSource{frame: f}
}

func (s *blackSource) Read() (*image.RGBA, error) { return s.frame, nil }

func (s *blackSource) Close() error { return nil }
