// Package ledger implements the append-only transaction ledger that tracks
// in-flight critical operations (item grants, introductions, revelations,
// boss encounters) and flags the ones that got stuck.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aretw0/storyguard/internal/logging"
	"github.com/aretw0/storyguard/pkg/adapters/memory"
	"github.com/aretw0/storyguard/pkg/domain"
	"github.com/aretw0/storyguard/pkg/ports"
)

// DefaultStaleAfter is how long a transaction may stay open before it needs repair.
const DefaultStaleAfter = 45 * time.Second

// Ledger records critical operations. Records are never deleted; they only move
// forward through their lifecycle. Safe for concurrent use.
type Ledger struct {
	mu    sync.Mutex
	txs   map[string]*domain.Transaction
	order []string

	store      ports.LedgerStore
	staleAfter time.Duration
	now        func() time.Time
	newID      func() string
	hooks      domain.LifecycleHooks
	logger     *slog.Logger
}

// Option configures the Ledger.
type Option func(*Ledger)

// WithStore persists every transition through the given store.
func WithStore(store ports.LedgerStore) Option {
	return func(l *Ledger) {
		l.store = store
	}
}

// WithStaleAfter sets the staleness threshold.
func WithStaleAfter(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.staleAfter = d
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// WithIDGenerator overrides the default UUID generator.
func WithIDGenerator(gen func() string) Option {
	return func(l *Ledger) {
		l.newID = gen
	}
}

// WithLifecycleHooks registers observability hooks.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(l *Ledger) {
		l.hooks = hooks
	}
}

// WithLogger sets a custom structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// New creates an empty ledger backed by an in-memory store unless WithStore is given.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		txs:        make(map[string]*domain.Transaction),
		store:      memory.NewLedgerStore(),
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		newID:      func() string { return "tx-" + uuid.NewString() },
		logger:     logging.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "ledger")
	return l
}

// Load hydrates the ledger from its store, replacing what is in memory.
func (l *Ledger) Load(ctx context.Context) error {
	txs, err := l.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load ledger: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.txs = make(map[string]*domain.Transaction, len(txs))
	l.order = l.order[:0]
	for i := range txs {
		tx := txs[i]
		l.txs[tx.ID] = &tx
		l.order = append(l.order, tx.ID)
	}
	l.logger.DebugContext(ctx, "ledger loaded", "transactions", len(txs))
	return nil
}

// StaleAfter returns the staleness threshold.
func (l *Ledger) StaleAfter() time.Duration {
	return l.staleAfter
}

// Open records a pending transaction.
func (l *Ledger) Open(ctx context.Context, typ domain.TransactionType, metadata map[string]any, characterID, nodeID string) (string, error) {
	if !typ.Valid() {
		return "", fmt.Errorf("unknown transaction type '%s'", typ)
	}

	tx := domain.Transaction{
		ID:          l.newID(),
		Type:        typ,
		Status:      domain.TxPending,
		Metadata:    maps.Clone(metadata),
		StartedAt:   l.now(),
		CharacterID: characterID,
		NodeID:      nodeID,
	}
	if err := l.store.Put(ctx, tx); err != nil {
		return "", fmt.Errorf("failed to record transaction: %w", err)
	}

	l.mu.Lock()
	l.txs[tx.ID] = &tx
	l.order = append(l.order, tx.ID)
	l.mu.Unlock()

	l.emit(ctx, tx, "")
	return tx.ID, nil
}

// Start records a transaction and makes it active in one call.
func (l *Ledger) Start(ctx context.Context, typ domain.TransactionType, metadata map[string]any, characterID, nodeID string) (string, error) {
	id, err := l.Open(ctx, typ, metadata, characterID, nodeID)
	if err != nil {
		return "", err
	}
	if err := l.Activate(ctx, id); err != nil {
		return "", err
	}
	l.logger.InfoContext(ctx, "transaction started", "tx", id, "type", typ, "character", characterID, "node", nodeID)
	return id, nil
}

// Activate moves a pending transaction to active. Activating an active one is a no-op.
func (l *Ledger) Activate(ctx context.Context, id string) error {
	return l.transition(ctx, id, func(tx *domain.Transaction) (bool, error) {
		switch tx.Status {
		case domain.TxActive:
			return false, nil
		case domain.TxCompleted:
			return false, domain.ErrTransactionCompleted
		case domain.TxFailed:
			return false, fmt.Errorf("transaction %s failed, use Retry", id)
		}
		tx.Status = domain.TxActive
		tx.StartedAt = l.now()
		tx.Attempts++
		return true, nil
	})
}

// Complete marks a transaction completed. Completing an already completed
// transaction returns true without side effects.
func (l *Ledger) Complete(ctx context.Context, id string) (bool, error) {
	err := l.transition(ctx, id, func(tx *domain.Transaction) (bool, error) {
		if tx.Status == domain.TxCompleted {
			return false, nil
		}
		at := l.now()
		tx.Status = domain.TxCompleted
		tx.CompletedAt = &at
		tx.FailureReason = ""
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Fail marks an open transaction failed. Completed transactions never regress.
func (l *Ledger) Fail(ctx context.Context, id, reason string) error {
	return l.transition(ctx, id, func(tx *domain.Transaction) (bool, error) {
		switch tx.Status {
		case domain.TxCompleted:
			return false, domain.ErrTransactionCompleted
		case domain.TxFailed:
			if tx.FailureReason == reason {
				return false, nil
			}
		}
		tx.Status = domain.TxFailed
		tx.FailureReason = reason
		return true, nil
	})
}

// Retry moves a failed transaction back to active and restarts its clock.
func (l *Ledger) Retry(ctx context.Context, id string) error {
	return l.transition(ctx, id, func(tx *domain.Transaction) (bool, error) {
		switch tx.Status {
		case domain.TxCompleted:
			return false, domain.ErrTransactionCompleted
		case domain.TxActive:
			return false, nil
		}
		tx.Status = domain.TxActive
		tx.StartedAt = l.now()
		tx.Attempts++
		return true, nil
	})
}

// transition applies fn to a copy, persists it, then commits it.
// fn returns false when nothing changed, in which case nothing is persisted.
func (l *Ledger) transition(ctx context.Context, id string, fn func(tx *domain.Transaction) (bool, error)) error {
	l.mu.Lock()
	current, ok := l.txs[id]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrTransactionNotFound, id)
	}
	next := *current
	next.Metadata = maps.Clone(current.Metadata)
	from := current.Status

	changed, err := fn(&next)
	if err != nil || !changed {
		l.mu.Unlock()
		return err
	}
	if err := l.store.Put(ctx, next); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("failed to persist transaction %s: %w", id, err)
	}
	*current = next
	l.mu.Unlock()

	l.logger.DebugContext(ctx, "transaction transition", "tx", id, "from", from, "to", next.Status)
	l.emit(ctx, next, from)
	return nil
}

func (l *Ledger) emit(ctx context.Context, tx domain.Transaction, from domain.TransactionStatus) {
	if l.hooks.OnTransaction != nil {
		l.hooks.OnTransaction(ctx, &domain.TransactionEvent{Transaction: tx, From: from})
	}
}

// Get returns a copy of a transaction.
func (l *Ledger) Get(id string) (domain.Transaction, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.txs[id]
	if !ok {
		return domain.Transaction{}, false
	}
	return copyTx(tx), true
}

// Active returns the active transactions of a type in start order.
func (l *Ledger) Active(typ domain.TransactionType) []domain.Transaction {
	return l.filter(func(tx *domain.Transaction) bool {
		return tx.Type == typ && tx.Status == domain.TxActive
	})
}

// OfType returns every transaction of a type in start order.
func (l *Ledger) OfType(typ domain.TransactionType) []domain.Transaction {
	return l.filter(func(tx *domain.Transaction) bool { return tx.Type == typ })
}

// All returns every transaction in start order.
func (l *Ledger) All() []domain.Transaction {
	return l.filter(func(*domain.Transaction) bool { return true })
}

func (l *Ledger) filter(keep func(*domain.Transaction) bool) []domain.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Transaction
	for _, id := range l.order {
		tx := l.txs[id]
		if keep(tx) {
			out = append(out, copyTx(tx))
		}
	}
	return out
}

// IntegrityReport lists transactions that need repair.
type IntegrityReport struct {
	CheckedAt time.Time
	Stale     []domain.Transaction
}

// Healthy reports whether nothing is stale.
func (r IntegrityReport) Healthy() bool {
	return len(r.Stale) == 0
}

// StaleIDs lists the ids of the stale transactions.
func (r IntegrityReport) StaleIDs() []string {
	ids := make([]string, 0, len(r.Stale))
	for _, tx := range r.Stale {
		ids = append(ids, tx.ID)
	}
	return ids
}

// CheckIntegrity flags every active transaction older than the staleness threshold.
// A zero now means the ledger clock.
func (l *Ledger) CheckIntegrity(now time.Time) IntegrityReport {
	if now.IsZero() {
		now = l.now()
	}
	return IntegrityReport{
		CheckedAt: now,
		Stale: l.filter(func(tx *domain.Transaction) bool {
			return tx.StaleAt(now, l.staleAfter)
		}),
	}
}

// Reset wipes the ledger and its store. Test and debug use only.
func (l *Ledger) Reset(ctx context.Context) error {
	if err := l.store.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset ledger store: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.txs = make(map[string]*domain.Transaction)
	l.order = nil
	l.logger.WarnContext(ctx, "ledger reset")
	return nil
}

func copyTx(tx *domain.Transaction) domain.Transaction {
	out := *tx
	out.Metadata = maps.Clone(tx.Metadata)
	return out
}
