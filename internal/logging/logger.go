// Package logging writes the bridge's structured logs to disk. Standard
// output carries the host channel, so nothing here ever writes to it.
package logging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/trace"
)

const filePrefix = "qrbridge-"

// Option configures New.
type Option func(*settings)

type settings struct {
	dir      string
	level    log.Level
	maxFiles int
	runID    string
}

// WithDir overrides the log directory. The default is ~/.qrbridge/logs.
func WithDir(dir string) Option {
	return func(s *settings) { s.dir = strings.TrimSpace(dir) }
}

// WithLevel sets the minimum level written.
func WithLevel(level log.Level) Option {
	return func(s *settings) { s.level = level }
}

// WithMaxFiles keeps at most n log files in the directory, removing the
// oldest when a new one is created. Zero keeps everything.
func WithMaxFiles(n int) Option {
	return func(s *settings) { s.maxFiles = n }
}

// WithRunID stamps every record with run_id and adds it to the file name.
func WithRunID(runID string) Option {
	return func(s *settings) { s.runID = strings.TrimSpace(runID) }
}

// RuntimeLogger is the process log file and the JSON logger writing to it.
// Logger always carries run_id.
type RuntimeLogger struct {
	Logger *log.Logger

	file  *os.File
	path  string
	runID string
}

// New opens a fresh log file named qrbridge-<timestamp>[-<run_id>].log.
func New(_ context.Context, options ...Option) (*RuntimeLogger, error) {
	s := settings{level: log.InfoLevel}
	for _, option := range options {
		if option != nil {
			option(&s)
		}
	}
	if s.dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		s.dir = filepath.Join(home, ".qrbridge", "logs")
	}
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	name := filePrefix + time.Now().UTC().Format("20060102-150405")
	if s.runID != "" {
		name += "-" + s.runID
	}
	path := filepath.Join(s.dir, name+".log")
	// #nosec G304 -- path is built from the log directory and a timestamp.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	base := log.NewWithOptions(file, log.Options{
		Level:           s.level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       log.JSONFormatter,
	})
	r := &RuntimeLogger{
		Logger: base.With("run_id", s.runID),
		file:   file,
		path:   path,
		runID:  s.runID,
	}
	r.Logger.Info("logger initialized", "log_file", path)

	if s.maxFiles > 0 {
		if err := prune(s.dir, path, s.maxFiles); err != nil {
			r.Logger.Warn("prune old log files", "error", err)
		}
	}
	return r, nil
}

// ForSpan returns Logger with trace_id and span_id taken from the span in
// ctx. Without a valid span it returns Logger unchanged.
func (r *RuntimeLogger) ForSpan(ctx context.Context) *log.Logger {
	if r == nil {
		return nil
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return r.Logger
	}
	return r.Logger.With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
}

// RunID is the run identifier stamped on every record.
func (r *RuntimeLogger) RunID() string {
	if r == nil {
		return ""
	}
	return r.runID
}

// Path returns the log file path.
func (r *RuntimeLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

// Close closes the log file.
func (r *RuntimeLogger) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}

// prune removes the oldest qrbridge log files so at most keep remain. The
// timestamped names sort chronologically. current is never removed.
func prune(dir, current string, keep int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() && strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, ".log") {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	for len(names) > keep {
		oldest := filepath.Join(dir, names[0])
		names = names[1:]
		if oldest == current {
			continue
		}
		if err := os.Remove(oldest); err != nil {
			return err
		}
	}
	return nil
}
