package bridge

import (
	"errors"

	"github.com/touchcapture/qrbridge/internal/barcode"
	"github.com/touchcapture/qrbridge/internal/device"
	"github.com/touchcapture/qrbridge/internal/permission"
	"github.com/touchcapture/qrbridge/internal/protocol"
	"github.com/touchcapture/qrbridge/internal/scanner"
)

// ErrUnknownMethod indicates a command name the bridge does not implement.
var ErrUnknownMethod = errors.New("method not implemented")

// ErrUnknownView indicates a request for a view that was never created or
// was already disposed.
var ErrUnknownView = errors.New("unknown view")

// Code maps an internal error onto the stable wire error code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, scanner.ErrPermissionDenied),
		errors.Is(err, permission.ErrRequestPending),
		errors.Is(err, permission.ErrGateClosed):
		return protocol.CodeCameraPermission
	case errors.Is(err, scanner.ErrHardwareFault):
		return protocol.CodeUnknown
	case errors.Is(err, scanner.ErrNoActiveSession),
		errors.Is(err, scanner.ErrDisposed),
		errors.Is(err, scanner.ErrUnsupportedFeature),
		errors.Is(err, scanner.ErrInvalidArgument),
		errors.Is(err, ErrUnknownView),
		errors.Is(err, barcode.ErrUnknownOrdinal),
		errors.Is(err, device.ErrUnknownFacing),
		errors.Is(err, protocol.ErrInvalidArgs),
		errors.Is(err, protocol.ErrUnknownChannel):
		return protocol.CodeNotFound
	case errors.Is(err, ErrUnknownMethod):
		return protocol.CodeNotImplemented
	case errors.Is(err, protocol.ErrMalformedRequest):
		return protocol.CodeInvalidRequest
	default:
		return protocol.CodeUnknown
	}
}
