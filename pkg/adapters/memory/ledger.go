package memory

import (
	"context"
	"maps"
	"sort"
	"sync"

	"github.com/aretw0/storyguard/pkg/domain"
)

// LedgerStore implements ports.LedgerStore in memory.
// Safe for concurrent use.
type LedgerStore struct {
	mu   sync.RWMutex
	data map[string]domain.Transaction
}

// NewLedgerStore creates an empty in-memory ledger store.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{data: make(map[string]domain.Transaction)}
}

// Put upserts a transaction by id.
func (s *LedgerStore) Put(ctx context.Context, tx domain.Transaction) error {
	tx.Metadata = maps.Clone(tx.Metadata)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[tx.ID] = tx
	return nil
}

// List returns all transactions ordered by start time, then id.
func (s *LedgerStore) List(ctx context.Context) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Transaction, 0, len(s.data))
	for _, tx := range s.data {
		tx.Metadata = maps.Clone(tx.Metadata)
		out = append(out, tx)
	}
	SortTransactions(out)
	return out, nil
}

// Reset wipes every record.
func (s *LedgerStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]domain.Transaction)
	return nil
}

// SortTransactions orders transactions by start time, breaking ties by id.
func SortTransactions(txs []domain.Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		if txs[i].StartedAt.Equal(txs[j].StartedAt) {
			return txs[i].ID < txs[j].ID
		}
		return txs[i].StartedAt.Before(txs[j].StartedAt)
	})
}
