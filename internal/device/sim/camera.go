// Package sim provides an in-memory camera used by tests and the simulate
// mode of the CLI.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/touchcapture/qrbridge/internal/barcode"
	"github.com/touchcapture/qrbridge/internal/device"
)

const streamBuffer = 64

// ErrClosed is returned when a closed handle is used.
var ErrClosed = errors.New("sim: camera handle is closed")

// ErrNotCapturing is returned by Decode when capture is paused.
var ErrNotCapturing = errors.New("sim: camera is not capturing")

// Board tracks how many simulated cameras capture at once across handles.
type Board struct {
	mu        sync.Mutex
	capturing int
	peak      int
}

// NewBoard constructs an empty board.
func NewBoard() *Board {
	return &Board{}
}

// Capturing returns the number of handles currently capturing.
func (b *Board) Capturing() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capturing
}

// Peak returns the highest concurrent capture count observed.
func (b *Board) Peak() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peak
}

func (b *Board) add(delta int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.capturing += delta
	if b.capturing > b.peak {
		b.peak = b.capturing
	}
}

// Option configures a simulated camera.
type Option func(*Camera)

// WithCapabilities overrides the default capabilities (both cameras, flash).
func WithCapabilities(caps device.Capabilities) Option {
	return func(c *Camera) {
		c.caps = caps
	}
}

// WithBoard attaches the camera to a shared board.
func WithBoard(board *Board) Option {
	return func(c *Camera) {
		c.board = board
	}
}

// Camera is a device.Camera double with scriptable failures.
type Camera struct {
	mu        sync.Mutex
	caps      device.Capabilities
	board     *Board
	facing    device.Facing
	open      bool
	capturing bool
	torch     bool
	stream    chan barcode.Detection
	cancel    context.CancelFunc
	openFail  map[device.Facing]error
	resumeErr error
	calls     []string
}

// New constructs a simulated camera.
func New(options ...Option) *Camera {
	camera := &Camera{
		caps: device.Capabilities{
			HasFrontCamera: true,
			HasBackCamera:  true,
			HasFlash:       true,
		},
		openFail: map[device.Facing]error{},
	}
	for _, option := range options {
		if option != nil {
			option(camera)
		}
	}
	return camera
}

// FailOpen makes future Open calls for facing return err. A nil err clears it.
func (c *Camera) FailOpen(facing device.Facing, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.openFail, facing)
		return
	}
	c.openFail[facing] = err
}

// FailResume makes future Resume calls return err. A nil err clears it.
func (c *Camera) FailResume(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resumeErr = err
}

// Capabilities implements device.Camera.
func (c *Camera) Capabilities() device.Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

// Open implements device.Camera.
func (c *Camera) Open(_ context.Context, facing device.Facing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, fmt.Sprintf("open:%s", facing))

	c.stopLocked()
	c.open = false
	c.torch = false
	if err := c.openFail[facing]; err != nil {
		return err
	}
	if !c.caps.Has(facing) {
		return fmt.Errorf("sim: no %s camera", facing)
	}
	c.facing = facing
	c.open = true
	return nil
}

// Resume implements device.Camera.
func (c *Camera) Resume(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "resume")

	if !c.open {
		return ErrClosed
	}
	if c.resumeErr != nil {
		return c.resumeErr
	}
	if !c.capturing {
		c.capturing = true
		c.board.add(1)
	}
	return nil
}

// Pause implements device.Camera.
func (c *Camera) Pause(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "pause")

	if !c.open {
		return ErrClosed
	}
	c.stopLocked()
	return nil
}

// Decode implements device.Camera.
func (c *Camera) Decode(ctx context.Context) (<-chan barcode.Detection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "decode")

	if !c.open {
		return nil, ErrClosed
	}
	if !c.capturing {
		return nil, ErrNotCapturing
	}
	c.closeStreamLocked()

	streamCtx, cancel := context.WithCancel(ctx)
	stream := make(chan barcode.Detection, streamBuffer)
	c.stream = stream
	c.cancel = cancel
	go func() {
		<-streamCtx.Done()
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.stream == stream {
			c.closeStreamLocked()
		}
	}()
	return stream, nil
}

// SetTorch implements device.Camera.
func (c *Camera) SetTorch(_ context.Context, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, fmt.Sprintf("torch:%t", on))

	if !c.open {
		return ErrClosed
	}
	if !c.caps.HasFlash {
		return errors.New("sim: no flash unit")
	}
	c.torch = on
	return nil
}

// Close implements device.Camera.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "close")

	c.stopLocked()
	c.open = false
	c.torch = false
	return nil
}

// Inject delivers one detection to the active decode stream. It reports
// false when no stream is active.
func (c *Camera) Inject(detection barcode.Detection) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return false
	}
	select {
	case c.stream <- detection:
		return true
	default:
		return false
	}
}

// Streaming reports whether a decode stream is active.
func (c *Camera) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream != nil
}

// Torch reports the hardware torch state.
func (c *Camera) Torch() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.torch
}

// Facing reports the currently bound facing.
func (c *Camera) Facing() device.Facing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.facing
}

// IsOpen reports whether the handle is bound.
func (c *Camera) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// IsCapturing reports whether frame capture is active.
func (c *Camera) IsCapturing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capturing
}

// Calls returns the recorded method calls in order.
func (c *Camera) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	copy(out, c.calls)
	return out
}

func (c *Camera) stopLocked() {
	c.closeStreamLocked()
	if c.capturing {
		c.capturing = false
		c.board.add(-1)
	}
}

func (c *Camera) closeStreamLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.stream != nil {
		close(c.stream)
		c.stream = nil
	}
}
