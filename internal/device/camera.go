package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/touchcapture/qrbridge/internal/barcode"
)

// Facing selects a physical camera. Values match the host wire ids.
type Facing int

const (
	// FacingBack is the rear camera (wire id 0).
	FacingBack Facing = 0
	// FacingFront is the user-facing camera (wire id 1).
	FacingFront Facing = 1
)

// ErrUnknownFacing indicates a facing id outside {0, 1}.
var ErrUnknownFacing = errors.New("unknown camera facing")

// ParseFacing validates a wire facing id.
func ParseFacing(id int) (Facing, error) {
	switch Facing(id) {
	case FacingBack, FacingFront:
		return Facing(id), nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownFacing, id)
	}
}

// Opposite returns the other facing.
func (f Facing) Opposite() Facing {
	if f == FacingFront {
		return FacingBack
	}
	return FacingFront
}

func (f Facing) String() string {
	if f == FacingFront {
		return "front"
	}
	return "back"
}

// Capabilities describes camera hardware present on the device.
type Capabilities struct {
	HasFrontCamera bool
	HasBackCamera  bool
	HasFlash       bool
}

// Has reports whether a camera with the given facing exists.
func (c Capabilities) Has(facing Facing) bool {
	if facing == FacingFront {
		return c.HasFrontCamera
	}
	return c.HasBackCamera
}

// Camera is the native camera/scanner handle. Implementations are supplied
// by the platform layer and are not safe for concurrent mutation; callers
// serialize every method except Capabilities.
type Camera interface {
	// Capabilities reports hardware features. Safe to call at any time.
	Capabilities() Capabilities

	// Open binds the handle to a facing, closing any previous binding.
	Open(ctx context.Context, facing Facing) error

	// Resume starts frame capture on the open handle.
	Resume(ctx context.Context) error

	// Pause freezes frame capture but keeps the handle bound.
	Pause(ctx context.Context) error

	// Decode starts continuous recognition and returns a fresh stream. The
	// stream is closed once ctx is canceled or capture pauses.
	Decode(ctx context.Context) (<-chan barcode.Detection, error)

	// SetTorch switches the flash unit used as a continuous light.
	SetTorch(ctx context.Context, on bool) error

	// Close releases the handle.
	Close() error
}
