// Package test provides helpers shared by the end-to-end suites.
package test

import (
	"bufio"
	"context"
	"io"
	"testing"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/stretchr/testify/require"
)

// DefaultTimeout bounds every wait in the end-to-end suites.
const DefaultTimeout = 2 * time.Second

// Context returns a context cancelled when the test completes.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

// SkipIfShort skips the test if -short flag is provided
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping test in short mode")
	}
}

// Line is one decoded JSON line written by the bridge.
type Line map[string]any

// ReadLines decodes JSON lines from r until it closes. Lines that are not
// JSON objects arrive with kind "garbage".
func ReadLines(r io.Reader) <-chan Line {
	lines := make(chan Line, 64)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			var decoded Line
			if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
				decoded = Line{"kind": "garbage", "raw": scanner.Text()}
			}
			lines <- decoded
		}
	}()
	return lines
}

// Next returns the next line or fails the test after DefaultTimeout.
func Next(t *testing.T, lines <-chan Line) Line {
	t.Helper()
	select {
	case line, ok := <-lines:
		require.True(t, ok, "output closed")
		return line
	case <-time.After(DefaultTimeout):
		t.Fatal("timed out waiting for output")
		return nil
	}
}

// Eventually fails the test if condition does not hold within DefaultTimeout.
func Eventually(t *testing.T, condition func() bool, msg string) {
	t.Helper()
	require.Eventually(t, condition, DefaultTimeout, 5*time.Millisecond, msg)
}
