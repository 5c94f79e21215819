package domain

import "fmt"

// Orientation of the capture surface. Portrait swaps the requested
// width and height before the device is opened.
type Orientation int

const (
	OrientationLandscape Orientation = iota
	OrientationPortrait
)

// CaptureConstraints describes what to ask the devices for.
type CaptureConstraints struct {
	Width       int
	Height      int
	FrameRate   float32
	Orientation Orientation
	Video       bool
	Audio       bool
}

// Resolution returns the target size with orientation applied.
func (c CaptureConstraints) Resolution() (w, h int) {
	if c.Orientation == OrientationPortrait {
		return c.Height, c.Width
	}
	return c.Width, c.Height
}

// MediaState is the local device posture, echoed to every peer on
// change and on data-channel open.
type MediaState struct {
	CamMuted  bool `json:"camMute"`
	MicMuted  bool `json:"micMute"`
	Sharing   bool `json:"screenShare"`
	Recording bool `json:"recordScreen"`
}

// Region is a detection result in surface pixel coordinates.
type Region struct {
	X      int
	Y      int
	Width  int
	Height int
}

// MediaErrorKind is the fixed device-acquisition failure taxonomy.
type MediaErrorKind int

const (
	MediaDeviceMissing MediaErrorKind = iota
	MediaDeviceInUse
	MediaConstraintsUnsatisfiable
	MediaPermissionDenied
	MediaBadConstraints
)

func (k MediaErrorKind) String() string {
	switch k {
	case MediaDeviceMissing:
		return "device missing"
	case MediaDeviceInUse:
		return "device in use"
	case MediaConstraintsUnsatisfiable:
		return "constraints unsatisfiable"
	case MediaPermissionDenied:
		return "permission denied"
	case MediaBadConstraints:
		return "bad constraints"
	default:
		return "unknown"
	}
}

// MediaError classifies a failed device acquisition. It is returned as
// a value, never panicked.
type MediaError struct {
	Kind   MediaErrorKind
	Device string
	Err    error
}

func (e *MediaError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("media %s: %s", e.Device, e.Kind)
	}
	return fmt.Sprintf("media %s: %s: %v", e.Device, e.Kind, e.Err)
}

func (e *MediaError) Unwrap() error { return e.Err }
