package integration_test

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/touchcapture/qrbridge/internal/barcode"
	"github.com/touchcapture/qrbridge/internal/bridge"
	"github.com/touchcapture/qrbridge/internal/device"
	"github.com/touchcapture/qrbridge/internal/device/sim"
	"github.com/touchcapture/qrbridge/internal/events"
	"github.com/touchcapture/qrbridge/internal/lifecycle"
	"github.com/touchcapture/qrbridge/internal/locks"
	"github.com/touchcapture/qrbridge/internal/protocol"
	"github.com/touchcapture/qrbridge/internal/transport"
	"github.com/touchcapture/qrbridge/test"
)

type stack struct {
	t     *testing.T
	in    *io.PipeWriter
	lines <-chan test.Line
	board *sim.Board
	hub   *lifecycle.Hub

	mu      sync.Mutex
	cameras map[int]*sim.Camera
	seen    []test.Line

	transitions sync.Map
}

func newStack(t *testing.T) *stack {
	t.Helper()

	ctx := test.Context(t)
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	s := &stack{
		t:       t,
		in:      inW,
		lines:   test.ReadLines(outR),
		board:   sim.NewBoard(),
		hub:     lifecycle.NewHub(),
		cameras: map[int]*sim.Camera{},
	}

	bus := events.New()
	t.Cleanup(bus.Close)
	bus.Subscribe(events.EventTypeStateTransition, func(event events.Event) {
		count, _ := s.transitions.LoadOrStore(event.ViewID, new(int))
		s.mu.Lock()
		*count.(*int)++
		s.mu.Unlock()
	})

	var views *bridge.Registry
	server, err := transport.NewServer(inR, outW, transport.HandlerFunc(func(ctx context.Context, request protocol.Request) protocol.Response {
		return views.Handle(ctx, request)
	}), transport.WithDetached(bridge.AwaitsHost))
	require.NoError(t, err)

	views, err = bridge.NewRegistry(bridge.Environment{
		NewCamera: func(viewID int) device.Camera {
			camera := sim.New(sim.WithBoard(s.board))
			s.mu.Lock()
			s.cameras[viewID] = camera
			s.mu.Unlock()
			return camera
		},
		Permissions:       sim.NewPermissions(true),
		Lifecycle:         s.hub,
		Sink:              server,
		Leases:            locks.NewInMemoryManager(),
		Bus:               bus,
		PermissionTimeout: 100 * time.Millisecond,
	}, bridge.Defaults{AllowedFormats: barcode.NewFormatSet()})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx)
		_ = outW.Close()
	}()
	t.Cleanup(func() {
		_ = inW.Close()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(test.DefaultTimeout):
			t.Error("transport did not stop after input closed")
		}
		assert.NoError(t, views.Close(context.Background()))
	})
	return s
}

func (s *stack) call(id int, body string) test.Line {
	s.t.Helper()
	_, err := fmt.Fprintf(s.in, "{\"id\":%d,%s}\n", id, body)
	require.NoError(s.t, err)
	for {
		line := test.Next(s.t, s.lines)
		if line["kind"] == protocol.KindEvent {
			s.seen = append(s.seen, line)
			continue
		}
		require.Equal(s.t, float64(id), line["id"], "unexpected line %v", line)
		return line
	}
}

func (s *stack) event() test.Line {
	s.t.Helper()
	if len(s.seen) > 0 {
		line := s.seen[0]
		s.seen = s.seen[1:]
		return line
	}
	line := test.Next(s.t, s.lines)
	require.Equal(s.t, protocol.KindEvent, line["kind"], "unexpected line %v", line)
	return line
}

func (s *stack) camera(viewID int) *sim.Camera {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cameras[viewID]
}

func (s *stack) transitionCount(viewID string) int {
	count, ok := s.transitions.Load(viewID)
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return *count.(*int)
}

func code(line test.Line) string {
	failure, _ := line["error"].(map[string]any)
	value, _ := failure["code"].(string)
	return value
}

func TestIntegrationTwoViewsShareOneCamera(t *testing.T) {
	test.SkipIfShort(t)
	s := newStack(t)

	assert.Equal(t, protocol.ChannelName(1), s.call(1, `"viewId":1,"method":"createView"`)["result"])
	assert.Equal(t, protocol.ChannelName(2), s.call(2, `"viewId":2,"method":"createView","args":{"cameraFacing":1}`)["result"])

	assert.Empty(t, code(s.call(3, `"viewId":1,"method":"startScan","args":[9]`)))
	assert.Equal(t, protocol.CodeUnknown, code(s.call(4, `"viewId":2,"method":"startScan"`)))

	require.True(t, s.camera(1).Inject(barcode.Detection{Text: "ignored", Format: "EAN_13"}))
	require.True(t, s.camera(1).Inject(barcode.Detection{Text: "first", Format: "QR_CODE"}))
	first := s.event()
	assert.Equal(t, protocol.ChannelName(1), first["channel"])
	assert.Equal(t, map[string]any{"code": "first", "type": "QR_CODE"}, first["args"])

	assert.Equal(t, true, s.call(5, `"viewId":1,"method":"disposeView"`)["result"])
	assert.Equal(t, protocol.CodeNotFound, code(s.call(6, `"viewId":1,"method":"resumeCamera"`)))

	assert.Empty(t, code(s.call(7, `"channel":"net.touchcapture.qr.flutterqr/qrview_2","method":"startScan"`)))
	require.True(t, s.camera(2).Inject(barcode.Detection{Text: "second", Format: "EAN_13"}))
	second := s.event()
	assert.Equal(t, protocol.ChannelName(2), second["channel"])
	assert.NotEqual(t, first["eventId"], second["eventId"])

	assert.Equal(t, 1, s.board.Peak())
	assert.Equal(t, device.FacingFront, s.camera(2).Facing())
}

func TestIntegrationBackgroundPausesEveryOwnedView(t *testing.T) {
	test.SkipIfShort(t)
	s := newStack(t)

	s.call(1, `"viewId":1,"method":"createView"`)
	require.Empty(t, code(s.call(2, `"viewId":1,"method":"startScan"`)))
	require.Equal(t, 1, s.hub.Registered())

	s.hub.Background(bridge.DefaultOwner)
	assert.False(t, s.camera(1).Streaming())
	assert.False(t, s.camera(1).Inject(barcode.Detection{Text: "lost", Format: "QR_CODE"}))

	s.hub.Foreground(bridge.DefaultOwner)
	test.Eventually(t, s.camera(1).Streaming, "stream should restart on foreground")
	require.True(t, s.camera(1).Inject(barcode.Detection{Text: "kept", Format: "QR_CODE"}))
	assert.Equal(t, "kept", s.event()["args"].(map[string]any)["code"])

	test.Eventually(t, func() bool { return s.transitionCount("1") >= 3 }, "state transitions should reach the bus")

	s.call(3, `"viewId":1,"method":"disposeView"`)
	assert.Equal(t, 0, s.hub.Registered())
}
