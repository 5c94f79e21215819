package capture

import (
	"strings"

	"github.com/avoskan/huddle/internal/domain"
)

// classify folds driver failures into the fixed acquisition taxonomy.
// mediadevices reports plain errors, so matching is by message.
func classify(err error, device string) *domain.MediaError {
	kind := domain.MediaConstraintsUnsatisfiable
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not found") || strings.Contains(msg, "failed to find"):
		kind = domain.MediaDeviceMissing
	case strings.Contains(msg, "busy") || strings.Contains(msg, "in use"):
		kind = domain.MediaDeviceInUse
	case strings.Contains(msg, "permission") || strings.Contains(msg, "denied"):
		kind = domain.MediaPermissionDenied
	}
	return &domain.MediaError{Kind: kind, Device: device, Err: err}
}
