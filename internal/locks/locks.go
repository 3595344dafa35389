package locks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/touchcapture/qrbridge/internal/telemetry/invariants"
)

const (
	// ResourceCamera is the lease name for the device camera hardware.
	ResourceCamera = "camera"
)

var (
	// ErrConflict indicates the resource is already leased by another holder.
	ErrConflict = errors.New("camera handle lease conflict")
)

// Lease tracks one holder's reservation of a hardware resource.
type Lease struct {
	Resource   string    `json:"resource"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt,omitzero"`
}

// ManagerConfig controls lease behavior.
type ManagerConfig struct {
	// ExpiryTimeout bounds a lease lifetime. Zero keeps leases until released.
	ExpiryTimeout time.Duration
}

// Store persists lease state.
type Store interface {
	Load(ctx context.Context) ([]Lease, error)
	Save(ctx context.Context, leases []Lease) error
}

// Manager grants exclusive hardware leases so that at most one scanner
// session holds the camera at a time.
type Manager struct {
	mu            sync.Mutex
	store         Store
	now           func() time.Time
	expiryTimeout time.Duration
}

// NewManager constructs a lease manager.
func NewManager(store Store, cfg ManagerConfig) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.ExpiryTimeout < 0 {
		cfg.ExpiryTimeout = 0
	}
	return &Manager{
		store:         store,
		now:           time.Now,
		expiryTimeout: cfg.ExpiryTimeout,
	}, nil
}

// NewInMemoryManager constructs a manager backed by process memory.
func NewInMemoryManager() *Manager {
	manager, _ := NewManager(NewMemoryStore(), ManagerConfig{})
	return manager
}

// Acquire reserves resource for holder. Re-acquiring an owned lease renews it.
func (m *Manager) Acquire(ctx context.Context, resource, holder string) error {
	if m == nil {
		return errors.New("manager is nil")
	}
	resource, holder, err := normalize(resource, holder)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	leases, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load leases: %w", err)
	}
	now := m.now().UTC()
	leases = onlyActive(leases, now)

	holders := []string{holder}
	for _, lease := range leases {
		if lease.Resource == resource && lease.Holder != holder {
			holders = append(holders, lease.Holder)
		}
	}
	if len(holders) > 1 {
		return fmt.Errorf("%w: resource=%s held by %s", ErrConflict, resource, strings.Join(holders[1:], ","))
	}

	leases = without(leases, resource, holder)
	lease := Lease{
		Resource:   resource,
		Holder:     holder,
		AcquiredAt: now,
	}
	if m.expiryTimeout > 0 {
		lease.ExpiresAt = now.Add(m.expiryTimeout)
	}
	leases = append(leases, lease)

	if err := m.store.Save(ctx, leases); err != nil {
		return fmt.Errorf("save leases: %w", err)
	}
	invariants.CheckSingleActiveHandle(ctx, "locks.Acquire", holdersOf(leases, resource))
	return nil
}

// Release drops holder's lease on resource. Releasing an absent lease is a no-op.
func (m *Manager) Release(ctx context.Context, resource, holder string) error {
	if m == nil {
		return errors.New("manager is nil")
	}
	resource, holder, err := normalize(resource, holder)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	leases, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load leases: %w", err)
	}
	leases = without(onlyActive(leases, m.now().UTC()), resource, holder)
	if err := m.store.Save(ctx, leases); err != nil {
		return fmt.Errorf("save leases: %w", err)
	}
	return nil
}

// Holder returns the active holder of resource, or "" when free.
func (m *Manager) Holder(ctx context.Context, resource string) (string, error) {
	if m == nil {
		return "", errors.New("manager is nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	leases, err := m.store.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("load leases: %w", err)
	}
	holders := holdersOf(onlyActive(leases, m.now().UTC()), strings.TrimSpace(resource))
	if len(holders) == 0 {
		return "", nil
	}
	return holders[0], nil
}

// MemoryStore keeps leases in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	leases []Lease
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context) ([]Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Lease, len(s.leases))
	copy(out, s.leases)
	return out, nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, leases []Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases = append([]Lease(nil), leases...)
	return nil
}

func normalize(resource, holder string) (string, string, error) {
	resource = strings.TrimSpace(resource)
	holder = strings.TrimSpace(holder)
	if resource == "" {
		return "", "", errors.New("resource must not be empty")
	}
	if holder == "" {
		return "", "", errors.New("holder must not be empty")
	}
	return resource, holder, nil
}

func onlyActive(leases []Lease, now time.Time) []Lease {
	active := make([]Lease, 0, len(leases))
	for _, lease := range leases {
		if lease.ExpiresAt.IsZero() || lease.ExpiresAt.After(now) {
			active = append(active, lease)
		}
	}
	return active
}

func without(leases []Lease, resource, holder string) []Lease {
	filtered := make([]Lease, 0, len(leases))
	for _, lease := range leases {
		if lease.Resource == resource && lease.Holder == holder {
			continue
		}
		filtered = append(filtered, lease)
	}
	return filtered
}

func holdersOf(leases []Lease, resource string) []string {
	holders := make([]string, 0, 1)
	for _, lease := range leases {
		if lease.Resource == resource {
			holders = append(holders, lease.Holder)
		}
	}
	return holders
}
