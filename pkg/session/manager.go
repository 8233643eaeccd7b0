package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/storyguard/internal/logging"
	"github.com/aretw0/storyguard/pkg/domain"
	"github.com/aretw0/storyguard/pkg/ports"
)

// DefaultLockTTL bounds how long a distributed session lock outlives a crashed holder.
const DefaultLockTTL = 30 * time.Second

// Snapshotter produces the snapshot of the active flow, or nil when idle.
type Snapshotter interface {
	Snapshot() *domain.SessionSnapshot
}

// Restorer rehydrates a flow from a snapshot.
type Restorer interface {
	Restore(ctx context.Context, flow *domain.DialogueFlow, snap *domain.SessionSnapshot) error
}

// lockEntry holds the mutex and the reference count.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Manager orchestrates snapshot access, ensuring safe concurrent operations.
// Per-session locks are reference counted and dropped when unused.
type Manager struct {
	store ports.SnapshotStore

	mu    sync.Mutex
	locks map[string]*lockEntry

	locker  ports.DistributedLocker
	lockTTL time.Duration
	logger  *slog.Logger
}

// Option configures the Manager.
type Option func(*Manager)

// WithLocker enables distributed locking.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(m *Manager) {
		m.locker = locker
	}
}

// WithLockTTL overrides DefaultLockTTL.
func WithLockTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.lockTTL = ttl
		}
	}
}

// WithLogger configures a logger for the Manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a Manager over store.
func NewManager(store ports.SnapshotStore, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		locks:   make(map[string]*lockEntry),
		lockTTL: DefaultLockTTL,
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "session")
	return m
}

// acquire gets or creates a lock entry and increments its reference count.
// The caller must lock entry.mu and call release after unlocking.
func (m *Manager) acquire(sessionID string) *lockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.locks[sessionID]
	if !ok {
		entry = &lockEntry{}
		m.locks[sessionID] = entry
	}
	entry.refs++
	return entry
}

func (m *Manager) release(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.locks[sessionID]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(m.locks, sessionID)
	}
}

// WithLock executes fn while holding the lock for the session.
func (m *Manager) WithLock(ctx context.Context, sessionID string, fn func(context.Context) error) error {
	entry := m.acquire(sessionID)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		m.release(sessionID)
	}()

	if m.locker != nil {
		unlock, err := m.locker.Lock(ctx, "session:"+sessionID, m.lockTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire distributed lock: %w", err)
		}
		defer func() {
			if err := unlock(ctx); err != nil {
				m.logger.Warn("failed to release distributed lock (will expire via TTL)",
					"session_id", sessionID,
					"err", err,
				)
			}
		}()
	}

	return fn(ctx)
}

// Load retrieves a stored snapshot.
func (m *Manager) Load(ctx context.Context, sessionID string) (*domain.SessionSnapshot, error) {
	var snap *domain.SessionSnapshot
	err := m.WithLock(ctx, sessionID, func(ctx context.Context) error {
		var err error
		snap, err = m.store.Load(ctx, sessionID)
		return err
	})
	return snap, err
}

// Save stores a snapshot.
func (m *Manager) Save(ctx context.Context, sessionID string, snap *domain.SessionSnapshot) error {
	if snap == nil {
		return errors.New("nil snapshot")
	}
	return m.WithLock(ctx, sessionID, func(ctx context.Context) error {
		return m.store.Save(ctx, sessionID, snap)
	})
}

// Delete removes a stored snapshot.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	return m.WithLock(ctx, sessionID, func(ctx context.Context) error {
		return m.store.Delete(ctx, sessionID)
	})
}

// List delegates to the store.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	return m.store.List(ctx)
}

// Persist saves the current snapshot of src, or deletes the session when
// src has no active flow.
func (m *Manager) Persist(ctx context.Context, sessionID string, src Snapshotter) error {
	return m.WithLock(ctx, sessionID, func(ctx context.Context) error {
		snap := src.Snapshot()
		if snap == nil {
			return m.store.Delete(ctx, sessionID)
		}
		return m.store.Save(ctx, sessionID, snap)
	})
}

// Resume restores the stored conversation of sessionID into dst.
// It reports false when nothing was stored.
func (m *Manager) Resume(ctx context.Context, sessionID string, catalog ports.FlowCatalog, dst Restorer) (bool, error) {
	var resumed bool
	err := m.WithLock(ctx, sessionID, func(ctx context.Context) error {
		snap, err := m.store.Load(ctx, sessionID)
		if errors.Is(err, domain.ErrSnapshotNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load snapshot: %w", err)
		}

		flow, err := catalog.Flow(snap.FlowID)
		if err != nil {
			return fmt.Errorf("snapshot references unknown flow: %w", err)
		}
		if err := dst.Restore(ctx, flow, snap); err != nil {
			return err
		}
		resumed = true
		m.logger.Info("session resumed", "session_id", sessionID, "flow", snap.FlowID, "state", snap.Context.CurrentStateID)
		return nil
	})
	return resumed, err
}
