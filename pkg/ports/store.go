package ports

import (
	"context"

	"github.com/aretw0/storyguard/pkg/domain"
)

// LedgerStore persists ledger transactions. Records are never deleted by the
// engine: Put upserts the latest status of a transaction by id.
type LedgerStore interface {
	Put(ctx context.Context, tx domain.Transaction) error

	// List returns every stored transaction ordered by start time.
	List(ctx context.Context) ([]domain.Transaction, error)

	// Reset wipes the ledger. Test and debug use only.
	Reset(ctx context.Context) error
}

// SnapshotStore persists active conversations for resume after refresh.
type SnapshotStore interface {
	Save(ctx context.Context, sessionID string, snap *domain.SessionSnapshot) error

	// Load returns domain.ErrSnapshotNotFound if the session has no snapshot.
	Load(ctx context.Context, sessionID string) (*domain.SessionSnapshot, error)

	Delete(ctx context.Context, sessionID string) error

	List(ctx context.Context) ([]string, error)
}
