package bridge

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/touchcapture/qrbridge/internal/barcode"
	"github.com/touchcapture/qrbridge/internal/device"
	"github.com/touchcapture/qrbridge/internal/protocol"
)

// Channel-level methods handled by the registry itself.
const (
	MethodCreateView  = "createView"
	MethodDisposeView = "disposeView"
)

// ErrViewExists indicates createView for an id that is already live.
var ErrViewExists = errors.New("view already exists")

// ExtensionFunc handles a registry-level method added by the embedding binary.
type ExtensionFunc func(ctx context.Context, request protocol.Request) (any, error)

// CreateViewArgs is the createView payload.
type CreateViewArgs struct {
	CameraFacing *int   `json:"cameraFacing,omitzero"`
	Owner        string `json:"owner,omitzero"`
}

// Defaults seed every new view.
type Defaults struct {
	Facing         device.Facing
	AllowedFormats barcode.FormatSet
	Owner          string
	// Views replaces the defaults for specific view ids.
	Views map[int]Defaults
}

// ForView returns the defaults for viewID.
func (d Defaults) ForView(viewID int) Defaults {
	if view, ok := d.Views[viewID]; ok {
		return view
	}
	return d
}

// Registry owns the live views of one bridge process and routes requests to
// them by view id.
type Registry struct {
	env      Environment
	defaults Defaults
	logger   *log.Logger

	mu         sync.Mutex
	views      map[int]*View
	extensions map[string]ExtensionFunc
}

// NewRegistry constructs an empty registry.
func NewRegistry(env Environment, defaults Defaults) (*Registry, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	logger := env.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Registry{
		env:        env,
		defaults:   defaults,
		logger:     logger,
		views:      map[int]*View{},
		extensions: map[string]ExtensionFunc{},
	}, nil
}

// HandleFunc registers an extension method. Built-in names cannot be replaced.
func (r *Registry) HandleFunc(method string, fn ExtensionFunc) error {
	if fn == nil {
		return errors.New("extension handler is required")
	}
	if method == MethodCreateView || method == MethodDisposeView {
		return fmt.Errorf("method %q is reserved", method)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extensions[method] = fn
	return nil
}

// CreateView builds and registers a view. It fails when viewID is live.
func (r *Registry) CreateView(cfg ViewConfig) (*View, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.views[cfg.ViewID]; exists {
		return nil, fmt.Errorf("%w: %d", ErrViewExists, cfg.ViewID)
	}
	view, err := NewView(cfg, r.env)
	if err != nil {
		return nil, err
	}
	r.views[cfg.ViewID] = view
	r.logger.Info("view created", "view_id", cfg.ViewID, "facing", cfg.Facing, "owner", view.Owner())
	return view, nil
}

// DisposeView disposes and forgets a view.
func (r *Registry) DisposeView(ctx context.Context, viewID int) error {
	r.mu.Lock()
	view, ok := r.views[viewID]
	delete(r.views, viewID)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownView, viewID)
	}
	r.logger.Info("view disposed", "view_id", viewID)
	return view.Dispose(ctx)
}

// View returns a live view.
func (r *Registry) View(viewID int) (*View, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	view, ok := r.views[viewID]
	return view, ok
}

// ResolvePermission forwards the OS permission outcome to every live view.
func (r *Registry) ResolvePermission(granted bool) {
	for _, view := range r.liveViews() {
		view.Gate().Resolve(granted)
	}
}

// Close disposes every live view.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	views := r.views
	r.views = map[int]*View{}
	r.mu.Unlock()

	var errs []error
	for _, id := range slices.Sorted(maps.Keys(views)) {
		if err := views[id].Dispose(ctx); err != nil {
			errs = append(errs, fmt.Errorf("dispose view %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Handle implements transport.Handler.
func (r *Registry) Handle(ctx context.Context, request protocol.Request) protocol.Response {
	switch request.Method {
	case MethodCreateView:
		return r.respond(request, func() (any, error) { return r.handleCreate(request) })
	case MethodDisposeView:
		return r.respond(request, func() (any, error) {
			viewID, err := request.View()
			if err != nil {
				return nil, err
			}
			return true, r.DisposeView(ctx, viewID)
		})
	}

	r.mu.Lock()
	extension, ok := r.extensions[request.Method]
	r.mu.Unlock()
	if ok {
		return r.respond(request, func() (any, error) { return extension(ctx, request) })
	}

	viewID, err := request.View()
	if err != nil {
		return protocol.Failure(request.ID, Code(err), err.Error())
	}
	view, ok := r.View(viewID)
	if !ok {
		err := fmt.Errorf("%w: %d", ErrUnknownView, viewID)
		return protocol.Failure(request.ID, Code(err), err.Error())
	}
	return view.Handle(ctx, request)
}

func (r *Registry) handleCreate(request protocol.Request) (any, error) {
	viewID, err := request.View()
	if err != nil {
		return nil, err
	}
	var args CreateViewArgs
	if err := protocol.DecodeArgs(request, &args); err != nil {
		return nil, err
	}
	defaults := r.defaults.ForView(viewID)
	facing := defaults.Facing
	if args.CameraFacing != nil {
		facing, err = device.ParseFacing(*args.CameraFacing)
		if err != nil {
			return nil, err
		}
	}
	view, err := r.CreateView(ViewConfig{
		ViewID:         viewID,
		Facing:         facing,
		AllowedFormats: defaults.AllowedFormats.Clone(),
		Owner:          cmp.Or(args.Owner, defaults.Owner),
	})
	if err != nil {
		return nil, err
	}
	return protocol.ChannelName(view.ID()), nil
}

func (r *Registry) respond(request protocol.Request, run func() (any, error)) (response protocol.Response) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Error("registry method panicked", "method", request.Method, "panic", recovered)
			response = protocol.Failure(request.ID, protocol.CodeUnknown, fmt.Sprintf("internal error: %v", recovered))
		}
	}()

	result, err := run()
	if err != nil {
		return protocol.Failure(request.ID, Code(err), err.Error())
	}
	response, err = protocol.Success(request.ID, result)
	if err != nil {
		return protocol.Failure(request.ID, protocol.CodeUnknown, err.Error())
	}
	return response
}

func (r *Registry) liveViews() []*View {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*View, 0, len(r.views))
	for _, id := range slices.Sorted(maps.Keys(r.views)) {
		out = append(out, r.views[id])
	}
	return out
}
