package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-json-experiment/json/jsontext"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/touchcapture/qrbridge/internal/barcode"
	"github.com/touchcapture/qrbridge/internal/device"
	"github.com/touchcapture/qrbridge/internal/device/sim"
	"github.com/touchcapture/qrbridge/internal/events"
	"github.com/touchcapture/qrbridge/internal/lifecycle"
	"github.com/touchcapture/qrbridge/internal/locks"
	"github.com/touchcapture/qrbridge/internal/permission"
	"github.com/touchcapture/qrbridge/internal/protocol"
	"github.com/touchcapture/qrbridge/internal/scanner"
	"github.com/touchcapture/qrbridge/internal/state"
	"github.com/touchcapture/qrbridge/internal/telemetry"
)

type recordingSink struct {
	mu     sync.Mutex
	events []protocol.Event
	notify chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{notify: make(chan struct{}, 256)}
}

func (s *recordingSink) Send(envelope any) error {
	event, ok := envelope.(protocol.Event)
	if !ok {
		return fmt.Errorf("unexpected envelope %T", envelope)
	}
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

func (s *recordingSink) Events() []protocol.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Event(nil), s.events...)
}

func (s *recordingSink) waitFor(t *testing.T, count int) []protocol.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if got := s.Events(); len(got) >= count {
			return got
		}
		select {
		case <-s.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, have %d", count, len(s.Events()))
		}
	}
}

type harness struct {
	registry    *Registry
	permissions *sim.Permissions
	hub         *lifecycle.Hub
	sink        *recordingSink
	board       *sim.Board
	metrics     *telemetry.Metrics

	mu      sync.Mutex
	cameras map[int]*sim.Camera
	nextID  uint64
}

func newHarness(t *testing.T, granted bool, cameraOptions ...sim.Option) *harness {
	t.Helper()

	h := &harness{
		permissions: sim.NewPermissions(granted),
		hub:         lifecycle.NewHub(),
		sink:        newRecordingSink(),
		board:       sim.NewBoard(),
		metrics:     telemetry.NewMetrics(prometheus.NewRegistry()),
		cameras:     map[int]*sim.Camera{},
	}
	bus := events.New()
	t.Cleanup(bus.Close)

	registry, err := NewRegistry(Environment{
		NewCamera: func(viewID int) device.Camera {
			camera := sim.New(append([]sim.Option{sim.WithBoard(h.board)}, cameraOptions...)...)
			h.mu.Lock()
			h.cameras[viewID] = camera
			h.mu.Unlock()
			return camera
		},
		Permissions:       h.permissions,
		Lifecycle:         h.hub,
		Sink:              h.sink,
		Leases:            locks.NewInMemoryManager(),
		Bus:               bus,
		Metrics:           h.metrics,
		PermissionTimeout: 50 * time.Millisecond,
	}, Defaults{})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = registry.Close(context.Background())
	})
	h.registry = registry
	return h
}

func (h *harness) camera(viewID int) *sim.Camera {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cameras[viewID]
}

func (h *harness) call(viewID int, method string, args string) protocol.Response {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.mu.Unlock()

	request := protocol.Request{ID: id, ViewID: &viewID, Method: method}
	if args != "" {
		request.Args = jsontext.Value(args)
	}
	return h.registry.Handle(context.Background(), request)
}

func (h *harness) create(t *testing.T, viewID int, args string) {
	t.Helper()
	response := h.call(viewID, MethodCreateView, args)
	require.Nil(t, response.Error, "createView failed: %+v", response.Error)
	assert.JSONEq(t, fmt.Sprintf("%q", protocol.ChannelName(viewID)), string(response.Result))
}

func requireOK(t *testing.T, response protocol.Response, wantResult string) {
	t.Helper()
	require.Nil(t, response.Error, "unexpected error: %+v", response.Error)
	if wantResult == "" {
		assert.Empty(t, response.Result)
		return
	}
	assert.JSONEq(t, wantResult, string(response.Result))
}

func requireCode(t *testing.T, response protocol.Response, code string) {
	t.Helper()
	require.NotNil(t, response.Error, "expected error code %s, got result %s", code, response.Result)
	assert.Equal(t, code, response.Error.Code)
}

func TestFrontCameraScanDeliversRecognizeEvent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.create(t, 1, `{"cameraFacing":1}`)

	requireOK(t, h.call(1, MethodStartScan, `[]`), "")
	camera := h.camera(1)
	assert.Equal(t, device.FacingFront, camera.Facing())
	require.True(t, camera.Inject(barcode.Detection{Text: "ABC123", Format: "QR_CODE"}))

	got := h.sink.waitFor(t, 1)
	assert.Equal(t, protocol.MethodRecognizeQR, got[0].Method)
	assert.Equal(t, protocol.RecognizeArgs{Code: "ABC123", Type: "QR_CODE"}, got[0].Args)
	assert.Equal(t, protocol.ChannelName(1), got[0].Channel)
}

func TestQROnlyScanDropsCode128(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.create(t, 1, "")

	requireOK(t, h.call(1, MethodStartScan, `[9]`), "")
	camera := h.camera(1)
	require.True(t, camera.Inject(barcode.Detection{Text: "128", Format: "CODE_128"}))
	require.True(t, camera.Inject(barcode.Detection{Text: "marker", Format: "QR_CODE"}))

	got := h.sink.waitFor(t, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "marker", got[0].Args.Code)
}

func TestCapabilityQueriesSucceedBeforeScanning(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)
	h.create(t, 1, `{"cameraFacing":1}`)

	requireOK(t, h.call(1, MethodGetSystemFeatures, ""),
		`{"hasFrontCamera":true,"hasBackCamera":true,"hasFlash":true,"activeCamera":1}`)
	requireOK(t, h.call(1, MethodGetCameraInfo, ""), `1`)
	requireOK(t, h.call(1, MethodGetFlashInfo, ""), `false`)
	assert.Empty(t, h.camera(1).Calls())
}

func TestPermissionDeniedNeverTouchesCamera(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)
	h.create(t, 1, "")
	assert.Equal(t, 1, h.permissions.Prompts(), "view construction prompts once")

	requireCode(t, h.call(1, MethodStartScan, ""), protocol.CodeCameraPermission)
	requireCode(t, h.call(1, MethodResumeCamera, ""), protocol.CodeNotFound)
	requireCode(t, h.call(1, MethodFlipCamera, ""), protocol.CodeNotFound)
	assert.Empty(t, h.camera(1).Calls())
}

func TestRequestPermissions(t *testing.T) {
	t.Parallel()

	t.Run("already granted", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, true)
		h.create(t, 1, "")
		requireOK(t, h.call(1, MethodRequestPermissions, ""), `true`)
	})

	t.Run("outcome delivered by the OS", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, false)
		h.create(t, 1, "")
		view, ok := h.registry.View(1)
		require.True(t, ok)
		require.True(t, view.Gate().Pending())

		h.registry.ResolvePermission(false)
		result := make(chan protocol.Response, 1)
		go func() { result <- h.call(1, MethodRequestPermissions, "") }()

		require.Eventually(t, view.Gate().Pending, 2*time.Second, 5*time.Millisecond)
		h.permissions.SetGranted(true)
		h.registry.ResolvePermission(true)

		select {
		case response := <-result:
			requireOK(t, response, `true`)
		case <-time.After(2 * time.Second):
			t.Fatal("requestPermissions did not return")
		}
		requireOK(t, h.call(1, MethodStartScan, ""), "")
	})

	t.Run("no outcome before timeout", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, false)
		h.create(t, 1, "")
		h.registry.ResolvePermission(false)

		requireCode(t, h.call(1, MethodRequestPermissions, ""), protocol.CodeCameraPermission)
		requireCode(t, h.call(1, MethodRequestPermissions, ""), protocol.CodeCameraPermission)
		view, _ := h.registry.View(1)
		assert.Equal(t, permission.StateDenied, view.Gate().State())
	})
}

func TestPauseResumeFlipAndTorchCommands(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.create(t, 1, "")
	requireOK(t, h.call(1, MethodStartScan, ""), "")

	requireOK(t, h.call(1, MethodToggleFlash, ""), `true`)
	requireOK(t, h.call(1, MethodGetFlashInfo, ""), `true`)
	requireOK(t, h.call(1, MethodPauseCamera, ""), `true`)
	requireOK(t, h.call(1, MethodResumeCamera, ""), `true`)
	requireOK(t, h.call(1, MethodGetFlashInfo, ""), `true`)
	requireOK(t, h.call(1, MethodGetCameraInfo, ""), `0`)

	requireOK(t, h.call(1, MethodFlipCamera, ""), `1`)
	requireOK(t, h.call(1, MethodGetFlashInfo, ""), `false`)
	requireOK(t, h.call(1, MethodFlipCamera, ""), `0`)

	requireOK(t, h.call(1, MethodStopCamera, ""), `true`)
	requireOK(t, h.call(1, MethodResumeCamera, ""), `true`)
	requireOK(t, h.call(1, MethodStopScan, ""), "")

	view, _ := h.registry.View(1)
	assert.Equal(t, state.Paused, view.Session().Snapshot().State)
}

func TestToggleFlashWithoutFlashUnit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true, sim.WithCapabilities(device.Capabilities{HasBackCamera: true, HasFrontCamera: true}))
	h.create(t, 1, "")
	requireOK(t, h.call(1, MethodStartScan, ""), "")

	requireCode(t, h.call(1, MethodToggleFlash, ""), protocol.CodeNotFound)
	requireOK(t, h.call(1, MethodGetFlashInfo, ""), `false`)
}

func TestInvalidFormatListChangesNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.create(t, 1, "")
	requireOK(t, h.call(1, MethodSetAllowedBarcodeFormats, `[9]`), `true`)

	requireCode(t, h.call(1, MethodStartScan, `[9, 42]`), protocol.CodeNotFound)
	requireCode(t, h.call(1, MethodSetAllowedBarcodeFormats, `["QR_CODE"]`), protocol.CodeNotFound)
	requireCode(t, h.call(1, MethodSetAllowedBarcodeFormats, ""), protocol.CodeNotFound)

	view, _ := h.registry.View(1)
	snapshot := view.Session().Snapshot()
	assert.Equal(t, []barcode.Format{barcode.FormatQRCode}, snapshot.AllowedFormats)
	assert.Equal(t, state.Uninitialized, snapshot.State)
	assert.Empty(t, h.camera(1).Calls())
}

func TestStartScanWithoutArgsKeepsFilter(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.create(t, 1, "")
	requireOK(t, h.call(1, MethodSetAllowedBarcodeFormats, `[5]`), `true`)
	requireOK(t, h.call(1, MethodStartScan, "null"), "")

	view, _ := h.registry.View(1)
	assert.Equal(t, []barcode.Format{barcode.FormatEAN13}, view.Session().Snapshot().AllowedFormats)
}

func TestDeniedStartScanKeepsFilter(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)
	h.create(t, 1, "")

	requireCode(t, h.call(1, MethodStartScan, `[9]`), protocol.CodeCameraPermission)

	view, _ := h.registry.View(1)
	snapshot := view.Session().Snapshot()
	assert.Empty(t, snapshot.AllowedFormats)
	assert.Equal(t, state.Uninitialized, snapshot.State)

	h.permissions.SetGranted(true)
	requireOK(t, h.call(1, MethodStartScan, `[9]`), "")
	assert.Equal(t, []barcode.Format{barcode.FormatQRCode}, view.Session().Snapshot().AllowedFormats)
}

func TestAwaitsHost(t *testing.T) {
	t.Parallel()

	assert.True(t, AwaitsHost(protocol.Request{Method: MethodRequestPermissions}))
	for _, method := range []string{MethodStartScan, MethodGetCameraInfo, MethodCreateView, "simulatePermission"} {
		assert.False(t, AwaitsHost(protocol.Request{Method: method}), method)
	}
}

func TestUnknownMethodAndView(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.create(t, 1, "")

	requireCode(t, h.call(1, "zoomCamera", ""), protocol.CodeNotImplemented)
	requireCode(t, h.call(2, MethodStartScan, ""), protocol.CodeNotFound)

	response := h.registry.Handle(context.Background(), protocol.Request{ID: 1, Method: MethodStartScan})
	requireCode(t, response, protocol.CodeInvalidRequest)
}

func TestDuplicateCreateAndDispose(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.create(t, 1, "")
	requireCode(t, h.call(1, MethodCreateView, ""), protocol.CodeUnknown)
	requireCode(t, h.call(3, MethodCreateView, `{"cameraFacing":4}`), protocol.CodeNotFound)

	requireOK(t, h.call(1, MethodStartScan, ""), "")
	requireOK(t, h.call(1, MethodDisposeView, ""), `true`)
	assert.False(t, h.camera(1).IsOpen())
	requireCode(t, h.call(1, MethodStartScan, ""), protocol.CodeNotFound)
	requireCode(t, h.call(1, MethodDisposeView, ""), protocol.CodeNotFound)
}

func TestOnlyOneViewHoldsTheCamera(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.create(t, 1, "")
	h.create(t, 2, "")

	requireOK(t, h.call(1, MethodStartScan, ""), "")
	requireCode(t, h.call(2, MethodStartScan, ""), protocol.CodeUnknown)

	requireOK(t, h.call(1, MethodDisposeView, ""), `true`)
	requireOK(t, h.call(2, MethodStartScan, ""), "")
	assert.Equal(t, 1, h.board.Peak())
}

func TestDisposeStopsEvents(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.create(t, 1, "")
	requireOK(t, h.call(1, MethodStartScan, ""), "")
	camera := h.camera(1)
	require.True(t, camera.Inject(barcode.Detection{Text: "one", Format: "QR_CODE"}))
	h.sink.waitFor(t, 1)

	requireOK(t, h.call(1, MethodDisposeView, ""), `true`)
	assert.False(t, camera.Inject(barcode.Detection{Text: "two", Format: "QR_CODE"}))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.sink.Events(), 1)
}

func TestLifecycleSignalsFollowOwner(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.create(t, 1, `{"owner":"activity-a"}`)
	requireOK(t, h.call(1, MethodStartScan, ""), "")
	view, _ := h.registry.View(1)

	h.hub.Background("activity-b")
	assert.Equal(t, state.Running, view.Session().Snapshot().State)

	h.hub.Background("activity-a")
	assert.Equal(t, state.Paused, view.Session().Snapshot().State)
	h.hub.Foreground("activity-a")
	assert.Equal(t, state.Running, view.Session().Snapshot().State)
}

func TestExtensionsAndPanicRecovery(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	require.NoError(t, h.registry.HandleFunc("explode", func(context.Context, protocol.Request) (any, error) {
		panic("boom")
	}))
	require.NoError(t, h.registry.HandleFunc("echo", func(_ context.Context, request protocol.Request) (any, error) {
		return request.Method, nil
	}))
	require.Error(t, h.registry.HandleFunc(MethodCreateView, func(context.Context, protocol.Request) (any, error) { return nil, nil }))

	requireCode(t, h.call(0, "explode", ""), protocol.CodeUnknown)
	requireOK(t, h.call(0, "echo", ""), `"echo"`)
}

type panickingRequester struct{}

func (panickingRequester) Request(context.Context) (bool, error) {
	panic("permission platform crashed")
}

func TestDispatcherRecoversPanics(t *testing.T) {
	t.Parallel()

	gate, err := permission.NewGate(sim.NewPermissions(true))
	require.NoError(t, err)
	session, err := scanner.New(scanner.Config{ViewID: "9"}, sim.New(), gate)
	require.NoError(t, err)
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	dispatcher, err := NewDispatcher(session, panickingRequester{}, WithDispatchMetrics(metrics))
	require.NoError(t, err)

	response := dispatcher.Handle(context.Background(), protocol.Request{ID: 3, Method: MethodRequestPermissions})
	requireCode(t, response, protocol.CodeUnknown)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Commands.WithLabelValues(MethodRequestPermissions, protocol.CodeUnknown)))
}

func TestCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{err: nil, want: ""},
		{err: scanner.ErrNoActiveSession, want: protocol.CodeNotFound},
		{err: scanner.ErrDisposed, want: protocol.CodeNotFound},
		{err: fmt.Errorf("wrap: %w", scanner.ErrUnsupportedFeature), want: protocol.CodeNotFound},
		{err: scanner.ErrInvalidArgument, want: protocol.CodeNotFound},
		{err: scanner.ErrPermissionDenied, want: protocol.CodeCameraPermission},
		{err: permission.ErrRequestPending, want: protocol.CodeCameraPermission},
		{err: permission.ErrGateClosed, want: protocol.CodeCameraPermission},
		{err: fmt.Errorf("%w: %w", scanner.ErrHardwareFault, locks.ErrConflict), want: protocol.CodeUnknown},
		{err: &state.IllegalTransitionError{}, want: protocol.CodeUnknown},
		{err: ErrUnknownMethod, want: protocol.CodeNotImplemented},
		{err: errors.New("anything else"), want: protocol.CodeUnknown},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Code(tt.err), "Code(%v)", tt.err)
	}
}

func TestPerViewDefaults(t *testing.T) {
	t.Parallel()

	registry, err := NewRegistry(Environment{
		NewCamera:   func(int) device.Camera { return sim.New() },
		Permissions: sim.NewPermissions(true),
		Lifecycle:   lifecycle.NewHub(),
		Sink:        newRecordingSink(),
	}, Defaults{
		AllowedFormats: barcode.NewFormatSet(barcode.FormatQRCode),
		Views: map[int]Defaults{
			5: {Facing: device.FacingFront, Owner: "kiosk"},
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = registry.Close(context.Background()) })

	for _, id := range []int{4, 5} {
		viewID := id
		response := registry.Handle(context.Background(), protocol.Request{ID: uint64(id), ViewID: &viewID, Method: MethodCreateView})
		require.Nil(t, response.Error)
	}

	four, _ := registry.View(4)
	assert.Equal(t, DefaultOwner, four.Owner())
	assert.Equal(t, device.FacingBack, four.Session().Snapshot().Facing)
	assert.Equal(t, []barcode.Format{barcode.FormatQRCode}, four.Session().Snapshot().AllowedFormats)

	five, _ := registry.View(5)
	assert.Equal(t, "kiosk", five.Owner())
	assert.Equal(t, device.FacingFront, five.Session().Snapshot().Facing)
	assert.Empty(t, five.Session().Snapshot().AllowedFormats)
}
