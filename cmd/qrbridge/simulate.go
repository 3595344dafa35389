package main

import (
	"context"
	"fmt"

	"github.com/touchcapture/qrbridge/internal/barcode"
	"github.com/touchcapture/qrbridge/internal/bridge"
	"github.com/touchcapture/qrbridge/internal/device/sim"
	"github.com/touchcapture/qrbridge/internal/lifecycle"
	"github.com/touchcapture/qrbridge/internal/protocol"
	"github.com/touchcapture/qrbridge/internal/scanner"
)

// Channel methods available in simulate mode.
const (
	methodSimulateDetection  = "simulateDetection"
	methodSimulateLifecycle  = "simulateLifecycle"
	methodSimulatePermission = "simulatePermission"
)

type detectionArgs struct {
	Code     string `json:"code"`
	Type     string `json:"type"`
	RawBytes []byte `json:"rawBytes,omitzero"`
}

type lifecycleArgs struct {
	Event string `json:"event"`
	Owner string `json:"owner,omitzero"`
}

type permissionArgs struct {
	Granted bool `json:"granted"`
}

// registerSimulation adds the methods a test host uses to stand in for the
// camera, the OS permission dialog and the application lifecycle.
func registerSimulation(views *bridge.Registry, cameras *cameraRack, permissions *sim.Permissions, hub *lifecycle.Hub) error {
	handlers := map[string]bridge.ExtensionFunc{
		// simulateDetection reports whether a live decode stream took the
		// detection. Detections sent while the view is not scanning are lost,
		// as they would be on a device.
		methodSimulateDetection: func(_ context.Context, request protocol.Request) (any, error) {
			viewID, err := request.View()
			if err != nil {
				return nil, err
			}
			camera, ok := cameras.camera(viewID)
			if !ok {
				return nil, fmt.Errorf("%w: %d", bridge.ErrUnknownView, viewID)
			}
			var args detectionArgs
			if err := protocol.DecodeArgs(request, &args); err != nil {
				return nil, err
			}
			return camera.Inject(barcode.Detection{Text: args.Code, Format: args.Type, RawBytes: args.RawBytes}), nil
		},
		methodSimulateLifecycle: func(_ context.Context, request protocol.Request) (any, error) {
			var args lifecycleArgs
			if err := protocol.DecodeArgs(request, &args); err != nil {
				return nil, err
			}
			owner := args.Owner
			if owner == "" {
				owner = bridge.DefaultOwner
			}
			if err := hub.Signal(args.Event, owner); err != nil {
				return nil, fmt.Errorf("%w: %w", scanner.ErrInvalidArgument, err)
			}
			return true, nil
		},
		methodSimulatePermission: func(_ context.Context, request protocol.Request) (any, error) {
			var args permissionArgs
			if err := protocol.DecodeArgs(request, &args); err != nil {
				return nil, err
			}
			permissions.SetGranted(args.Granted)
			views.ResolvePermission(args.Granted)
			return args.Granted, nil
		},
	}
	for method, handler := range handlers {
		if err := views.HandleFunc(method, handler); err != nil {
			return err
		}
	}
	return nil
}
