package tests

import (
	"context"
	"testing"
	"time"

	"github.com/aretw0/storyguard/pkg/domain"
	"github.com/aretw0/storyguard/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunLedgerStoreContract verifies that a LedgerStore upserts by id, keeps
// start order and survives a reset.
func RunLedgerStoreContract(t *testing.T, store ports.LedgerStore) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Reset(ctx))

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	first := domain.Transaction{
		ID:        "tx-1",
		Type:      domain.TxItemAcquisition,
		Status:    domain.TxActive,
		StartedAt: base,
		Metadata:  map[string]any{"tier": "technical"},
	}
	second := domain.Transaction{
		ID:          "tx-2",
		Type:        domain.TxKnowledgeRevelation,
		Status:      domain.TxActive,
		StartedAt:   base.Add(time.Second),
		CharacterID: "mentor",
	}

	t.Run("Put and List", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, second))
		require.NoError(t, store.Put(ctx, first))

		txs, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, txs, 2)
		assert.Equal(t, "tx-1", txs[0].ID)
		assert.Equal(t, "tx-2", txs[1].ID)
		assert.Equal(t, "technical", txs[0].Metadata["tier"])
		assert.Equal(t, "mentor", txs[1].CharacterID)
	})

	t.Run("Put Upserts", func(t *testing.T) {
		done := first
		completedAt := base.Add(time.Minute)
		done.Status = domain.TxCompleted
		done.CompletedAt = &completedAt
		require.NoError(t, store.Put(ctx, done))

		txs, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, txs, 2, "upsert must not duplicate records")
		assert.Equal(t, domain.TxCompleted, txs[0].Status)
		require.NotNil(t, txs[0].CompletedAt)
		assert.True(t, completedAt.Equal(*txs[0].CompletedAt))
	})

	t.Run("Reset", func(t *testing.T) {
		require.NoError(t, store.Reset(ctx))
		txs, err := store.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, txs)
	})
}

// RunSnapshotStoreContract verifies the SnapshotStore semantics shared by every adapter.
func RunSnapshotStoreContract(t *testing.T, store ports.SnapshotStore) {
	t.Helper()
	ctx := context.Background()
	sessionID := "contract-" + time.Now().Format("20060102150405")

	snap := &domain.SessionSnapshot{
		FlowID: "mentor",
		Context: domain.ContextRecord{
			FlowID:         "mentor",
			CurrentStateID: "basics",
			Score:          2,
			VisitedStates:  []string{"intro", "basics"},
			CriticalHits:   []string{"state-basics"},
			Transactions:   map[string]string{"item-acquisition": "tx-9"},
		},
		UI:      domain.UIFlags{ShowResponse: true},
		SavedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	t.Run("Save and Load", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, sessionID, snap))

		loaded, err := store.Load(ctx, sessionID)
		require.NoError(t, err)
		assert.Equal(t, "mentor", loaded.FlowID)
		assert.Equal(t, "basics", loaded.Context.CurrentStateID)
		assert.Equal(t, 2, loaded.Context.Score)
		assert.Equal(t, []string{"intro", "basics"}, loaded.Context.VisitedStates)
		assert.Equal(t, "tx-9", loaded.Context.Transactions["item-acquisition"])
		assert.True(t, loaded.UI.ShowResponse)
	})

	t.Run("Load Non-Existent", func(t *testing.T) {
		_, err := store.Load(ctx, "missing-"+sessionID)
		assert.ErrorIs(t, err, domain.ErrSnapshotNotFound)
	})

	t.Run("List", func(t *testing.T) {
		ids, err := store.List(ctx)
		require.NoError(t, err)
		assert.Contains(t, ids, sessionID)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, sessionID))
		_, err := store.Load(ctx, sessionID)
		assert.ErrorIs(t, err, domain.ErrSnapshotNotFound)
	})
}
