// Package transport carries protocol envelopes between the bridge and its host
// as newline-delimited JSON.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/touchcapture/qrbridge/internal/protocol"
)

const maxLineBytes = 1 << 20

// ErrClosed is returned by Send after the server stopped.
var ErrClosed = errors.New("transport closed")

// Handler answers one request.
type Handler interface {
	Handle(ctx context.Context, request protocol.Request) protocol.Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, request protocol.Request) protocol.Response

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, request protocol.Request) protocol.Response {
	return f(ctx, request)
}

// Option configures Server construction.
type Option func(*Server)

// WithLogger configures the server logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDetached answers requests for which detach reports true on their own
// goroutine, so later requests are read and answered while they wait. Their
// responses may arrive after responses to later requests.
func WithDetached(detach func(protocol.Request) bool) Option {
	return func(s *Server) {
		s.detach = detach
	}
}

// Server reads requests line by line, answers them in arrival order, and
// interleaves push events on the same output. Writes are serialized so lines
// never tear.
type Server struct {
	in      io.Reader
	logger  *log.Logger
	handler Handler
	detach  func(protocol.Request) bool
	pending sync.WaitGroup

	mu     sync.Mutex
	out    *bufio.Writer
	closed bool
}

// NewServer constructs a server over in and out.
func NewServer(in io.Reader, out io.Writer, handler Handler, options ...Option) (*Server, error) {
	if in == nil || out == nil {
		return nil, errors.New("input and output are required")
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	server := &Server{
		in:      in,
		out:     bufio.NewWriter(out),
		handler: handler,
		logger:  log.New(io.Discard),
	}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	return server, nil
}

// Serve processes requests until in reaches EOF or ctx is canceled. Detached
// requests still in flight are canceled and answered before Serve returns.
func (s *Server) Serve(ctx context.Context) error {
	defer s.close()
	ctx, cancel := context.WithCancel(ctx)
	defer s.pending.Wait()
	defer cancel()

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(s.in)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("read request: %w", err)
					}
				default:
				}
				return nil
			}
			if len(line) == 0 {
				continue
			}
			request, err := protocol.DecodeRequest(line)
			if err != nil {
				s.logger.Warn("rejecting request", "error", err)
				if err := s.Send(protocol.Failure(request.ID, protocol.CodeInvalidRequest, err.Error())); err != nil {
					return err
				}
				continue
			}
			if s.detach != nil && s.detach(request) {
				s.pending.Add(1)
				go func() {
					defer s.pending.Done()
					if err := s.Send(s.handler.Handle(ctx, request)); err != nil {
						s.logger.Warn("send detached response", "id", request.ID, "method", request.Method, "error", err)
					}
				}()
				continue
			}
			if err := s.Send(s.handler.Handle(ctx, request)); err != nil {
				return err
			}
		}
	}
}

// Send writes one envelope as a single line.
func (s *Server) Send(envelope any) error {
	encoded, err := protocol.Encode(envelope)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.out.Write(encoded); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	if err := s.out.WriteByte('\n'); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	if err := s.out.Flush(); err != nil {
		return fmt.Errorf("flush envelope: %w", err)
	}
	return nil
}

func (s *Server) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if err := s.out.Flush(); err != nil {
		s.logger.Warn("flush output on close", "error", err)
	}
}
