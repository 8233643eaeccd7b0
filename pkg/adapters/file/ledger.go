package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/aretw0/storyguard/pkg/adapters/memory"
	"github.com/aretw0/storyguard/pkg/domain"
)

// LedgerStore implements ports.LedgerStore as a single JSON document.
// It is meant for the CLI and single-process deployments; concurrent
// processes writing the same file will lose updates.
type LedgerStore struct {
	mu   sync.Mutex
	path string
}

// NewLedgerStore stores the ledger at path.
// If path is empty, it defaults to ".storyguard/ledger.json".
func NewLedgerStore(path string) *LedgerStore {
	if path == "" {
		path = filepath.Join(".storyguard", "ledger.json")
	}
	return &LedgerStore{path: path}
}

func (s *LedgerStore) read() (map[string]domain.Transaction, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]domain.Transaction{}, nil
		}
		return nil, fmt.Errorf("failed to read ledger file: %w", err)
	}

	var txs []domain.Transaction
	if err := json.Unmarshal(data, &txs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ledger: %w", err)
	}
	byID := make(map[string]domain.Transaction, len(txs))
	for _, tx := range txs {
		byID[tx.ID] = tx
	}
	return byID, nil
}

func (s *LedgerStore) write(byID map[string]domain.Transaction) error {
	txs := make([]domain.Transaction, 0, len(byID))
	for _, tx := range byID {
		txs = append(txs, tx)
	}
	memory.SortTransactions(txs)

	data, err := json.MarshalIndent(txs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal ledger: %w", err)
	}
	return writeAtomic(s.path, data)
}

// Put upserts a transaction by id.
func (s *LedgerStore) Put(ctx context.Context, tx domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, err := s.read()
	if err != nil {
		return err
	}
	byID[tx.ID] = tx
	return s.write(byID)
}

// List returns every transaction ordered by start time.
func (s *LedgerStore) List(ctx context.Context) ([]domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, err := s.read()
	if err != nil {
		return nil, err
	}
	txs := make([]domain.Transaction, 0, len(byID))
	for _, tx := range byID {
		txs = append(txs, tx)
	}
	memory.SortTransactions(txs)
	return txs, nil
}

// Reset removes the ledger file.
func (s *LedgerStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to reset ledger: %w", err)
	}
	return nil
}
