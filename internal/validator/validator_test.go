package validator_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/storyguard/internal/validator"
	"github.com/aretw0/storyguard/pkg/adapters/memory"
	"github.com/aretw0/storyguard/pkg/domain"
)

func mustFlow(t *testing.T, def domain.FlowDefinition) *domain.DialogueFlow {
	t.Helper()
	flow, err := domain.NewFlow(def)
	require.NoError(t, err)
	return flow
}

func TestValidateGraph(t *testing.T) {
	// start -> a -> end
	valid := mustFlow(t, domain.FlowDefinition{
		ID: "valid", InitialStateID: "start",
		States: []domain.DialogueState{
			{ID: "start", Options: []domain.DialogueOption{{ID: "go", NextStateID: "a"}}},
			{ID: "a", IsCriticalPath: true, NextStateID: "end"},
			{ID: "end", IsConclusion: true},
		},
	})
	assert.NoError(t, validator.ValidateGraph(valid))

	// island is critical but nothing points at it
	island := mustFlow(t, domain.FlowDefinition{
		ID: "island", InitialStateID: "start",
		States: []domain.DialogueState{
			{ID: "start", NextStateID: "end"},
			{ID: "island", IsCriticalPath: true, NextStateID: "end"},
			{ID: "end", IsConclusion: true},
		},
	})
	err := validator.ValidateGraph(island)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "critical state 'island' is unreachable")

	endless := mustFlow(t, domain.FlowDefinition{
		ID: "endless", InitialStateID: "start",
		States: []domain.DialogueState{{ID: "start"}},
	})
	err = validator.ValidateGraph(endless)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conclusion")
}

func TestValidateGraph_RouteTargetsAreReachable(t *testing.T) {
	flow := mustFlow(t, domain.FlowDefinition{
		ID: "routed", InitialStateID: "start",
		Routes: &domain.ConclusionRoutes{ExcellenceStateID: "excellent", ExcellenceThreshold: 3},
		States: []domain.DialogueState{
			{ID: "start", NextStateID: "end"},
			{ID: "end", IsConclusion: true},
			{ID: "excellent", IsConclusion: true},
		},
	})
	assert.NoError(t, validator.ValidateGraph(flow))
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func criticalFlow(t *testing.T) *domain.DialogueFlow {
	return mustFlow(t, domain.FlowDefinition{
		ID: "kapoor", InitialStateID: "intro",
		States: []domain.DialogueState{
			{ID: "intro", NextStateID: "a"},
			{ID: "a", IsCriticalPath: true, NextStateID: "b"},
			{ID: "b", IsCriticalPath: true, NextStateID: "end"},
			{ID: "end", IsConclusion: true},
		},
	})
}

func snapshotAt(flow *domain.DialogueFlow, visited ...string) domain.FlowSnapshot {
	dctx := domain.NewDialogueContext(flow)
	for _, id := range visited {
		dctx.VisitedStates = append(dctx.VisitedStates, id)
		dctx.CurrentStateID = id
		if st, _ := flow.State(id); st.IsCriticalPath {
			dctx.CriticalProgress[domain.StateKey(id)] = true
		}
	}
	return domain.FlowSnapshot{Status: domain.StatusActive, FlowID: flow.ID(), Flow: flow, Context: dctx}
}

func TestValidate_Healthy(t *testing.T) {
	report := validator.Validate(validator.Input{Now: now, StaleAfter: 45 * time.Second})
	assert.True(t, report.Valid())
	assert.Equal(t, now, report.CheckedAt)
}

func TestValidate_MissingCheckpointsOnlyMatterAtConclusion(t *testing.T) {
	flow := criticalFlow(t)

	midway := validator.Validate(validator.Input{Flow: snapshotAt(flow, "a"), Now: now})
	assert.Equal(t, []string{domain.StateKey("b")}, midway.MissingCheckpoints)
	assert.True(t, midway.Valid())

	skipped := validator.Validate(validator.Input{Flow: snapshotAt(flow, "a", "end"), Now: now})
	assert.Equal(t, []string{domain.StateKey("b")}, skipped.MissingCheckpoints)
	assert.False(t, skipped.Valid())
	assert.Equal(t, "kapoor", skipped.FlowID)

	complete := validator.Validate(validator.Input{Flow: snapshotAt(flow, "a", "b", "end"), Now: now})
	assert.Empty(t, complete.MissingCheckpoints)
	assert.True(t, complete.Valid())
}

func TestValidate_CheckpointCorrectness(t *testing.T) {
	flow := criticalFlow(t)
	tests := []struct {
		visited  []string
		complete bool
	}{
		{visited: nil, complete: false},
		{visited: []string{"a"}, complete: false},
		{visited: []string{"b"}, complete: false},
		{visited: []string{"a", "b"}, complete: true},
		{visited: []string{"b", "a", "end"}, complete: true},
	}
	for _, tt := range tests {
		snap := snapshotAt(flow, tt.visited...)
		status := domain.DeriveProgression(flow, snap.Context)
		assert.Equal(t, tt.complete, status.CriticalPathsCompleted, "visited %v", tt.visited)
	}
}

func TestValidate_Loops(t *testing.T) {
	flow := criticalFlow(t)
	report := validator.Validate(validator.Input{Flow: snapshotAt(flow, "a", "intro", "a", "intro", "a", "intro", "a"), Now: now})
	assert.Equal(t, []string{"a", "intro"}, report.LoopingStates)
	assert.True(t, report.RequiresRepair)
}

func TestValidate_StalledTransactions(t *testing.T) {
	txs := []domain.Transaction{
		{ID: "old", Type: domain.TxBossEncounter, Status: domain.TxActive, StartedAt: now.Add(-time.Minute)},
		{ID: "fresh", Type: domain.TxBossEncounter, Status: domain.TxActive, StartedAt: now.Add(-10 * time.Second)},
		{ID: "pending", Type: domain.TxBossEncounter, Status: domain.TxPending, StartedAt: now.Add(-time.Hour)},
		{ID: "done", Type: domain.TxKnowledgeRevelation, Status: domain.TxCompleted, StartedAt: now.Add(-time.Hour)},
		{ID: "failed", Type: domain.TxBossEncounter, Status: domain.TxFailed, StartedAt: now.Add(-time.Hour)},
	}
	report := validator.Validate(validator.Input{Transactions: txs, Now: now, StaleAfter: 45 * time.Second})
	assert.Equal(t, []string{"old", "pending"}, report.StalledTransactions, "a record stuck before activation ages too")
	assert.True(t, report.RequiresRepair)
}

func TestValidate_MissingItem(t *testing.T) {
	reqs := []validator.Requirement{
		{ID: "after-node", GrantingNodeID: "node-1"},
		{ID: "by-day-3", ExpectedByDay: 3},
	}
	tests := []struct {
		name    string
		store   validator.StoreSnapshot
		missing []string
	}{
		{name: "nothing due", store: validator.StoreSnapshot{CurrentDay: 1}},
		{name: "day reached but not passed", store: validator.StoreSnapshot{CurrentDay: 3}},
		{name: "node completed", store: validator.StoreSnapshot{CurrentDay: 1, CompletedNodes: map[string]bool{"node-1": true}}, missing: []string{"after-node"}},
		{name: "both due", store: validator.StoreSnapshot{CurrentDay: 4, CompletedNodes: map[string]bool{"node-1": true}}, missing: []string{"after-node", "by-day-3"}},
		{name: "held", store: validator.StoreSnapshot{HasCriticalItem: true, CurrentDay: 9, CompletedNodes: map[string]bool{"node-1": true}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := validator.Validate(validator.Input{Store: tt.store, Requirements: reqs, Now: now})
			assert.Equal(t, tt.missing, report.MissingItems)
			assert.Equal(t, len(tt.missing) > 0, report.RequiresRepair)
		})
	}
}

func TestValidate_UndeliveredGrant(t *testing.T) {
	txs := []domain.Transaction{
		{ID: "granted", Type: domain.TxItemAcquisition, Status: domain.TxCompleted, StartedAt: now},
	}
	report := validator.Validate(validator.Input{Transactions: txs, Now: now})
	assert.Equal(t, []string{"granted"}, report.UndeliveredGrants)
	assert.True(t, report.RequiresRepair)

	report = validator.Validate(validator.Input{Transactions: txs, Store: validator.StoreSnapshot{HasCriticalItem: true}, Now: now})
	assert.True(t, report.Valid())
}

func TestValidate_DoesNotMutate(t *testing.T) {
	flow := criticalFlow(t)
	snap := snapshotAt(flow, "a", "end")
	before := snap.Context.Clone()
	txs := []domain.Transaction{{ID: "x", Status: domain.TxActive, StartedAt: now.Add(-time.Hour)}}

	validator.Validate(validator.Input{Flow: snap, Transactions: txs, Now: now, StaleAfter: time.Second})

	assert.Equal(t, before, snap.Context)
	assert.Equal(t, domain.TxActive, txs[0].Status)
}

func TestObserve(t *testing.T) {
	ctx := context.Background()
	game := memory.NewGameStore()
	game.SetDay(4)
	require.NoError(t, game.CompleteNode(ctx, "node-1", nil))

	reqs := []validator.Requirement{
		{ID: "after-node", GrantingNodeID: "node-1"},
		{ID: "after-other", GrantingNodeID: "node-2"},
	}
	snap, err := validator.Observe(ctx, game, game, reqs)
	require.NoError(t, err)
	assert.False(t, snap.HasCriticalItem)
	assert.Equal(t, 4, snap.CurrentDay)
	assert.True(t, snap.CompletedNodes["node-1"])
	assert.False(t, snap.CompletedNodes["node-2"])
}
