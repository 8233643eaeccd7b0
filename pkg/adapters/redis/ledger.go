package redis

import (
	"context"
	"encoding/json"
	"fmt"

	backend "github.com/redis/go-redis/v9"

	"github.com/aretw0/storyguard/pkg/adapters/memory"
	"github.com/aretw0/storyguard/pkg/domain"
)

// LedgerStore implements ports.LedgerStore as a single hash: id -> JSON record.
type LedgerStore struct {
	client *backend.Client
	key    string
}

// NewLedgerStore creates a ledger store under prefix (DefaultPrefix when empty).
func NewLedgerStore(client *backend.Client, prefix string) *LedgerStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &LedgerStore{client: client, key: prefix + "ledger"}
}

// Put upserts a transaction by id.
func (s *LedgerStore) Put(ctx context.Context, tx domain.Transaction) error {
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("failed to marshal transaction: %w", err)
	}
	if err := s.client.HSet(ctx, s.key, tx.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to write transaction %s: %w", tx.ID, err)
	}
	return nil
}

// List returns every transaction ordered by start time.
func (s *LedgerStore) List(ctx context.Context) ([]domain.Transaction, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}

	txs := make([]domain.Transaction, 0, len(raw))
	for id, val := range raw {
		var tx domain.Transaction
		if err := json.Unmarshal([]byte(val), &tx); err != nil {
			return nil, fmt.Errorf("failed to unmarshal transaction %s: %w", id, err)
		}
		txs = append(txs, tx)
	}
	memory.SortTransactions(txs)
	return txs, nil
}

// Reset deletes the ledger hash.
func (s *LedgerStore) Reset(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}
