package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, device.ErrNotFound) {
//	    // handle not found case
//	}
var (
	// ErrNotFound is returned when a device id does not exist.
	ErrNotFound = errors.New("device: not found")

	// ErrInvalidID is returned when a device id is empty or too long.
	ErrInvalidID = errors.New("device: invalid id")

	// ErrInvalidProject is returned when a project value is not recognised.
	ErrInvalidProject = errors.New("device: invalid project")
)
