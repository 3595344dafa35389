package scanner

import "errors"

var (
	// ErrPermissionDenied indicates the camera permission is not held.
	ErrPermissionDenied = errors.New("camera permission denied")
	// ErrNoActiveSession indicates the operation needs an attached camera.
	ErrNoActiveSession = errors.New("no active scanner session")
	// ErrUnsupportedFeature indicates the device lacks the requested hardware.
	ErrUnsupportedFeature = errors.New("feature not supported by this device")
	// ErrHardwareFault indicates the camera failed to open, reopen, or capture.
	ErrHardwareFault = errors.New("camera hardware fault")
	// ErrInvalidArgument indicates malformed operation input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrDisposed indicates the session reached its terminal state.
	ErrDisposed = errors.New("scanner session disposed")
)
