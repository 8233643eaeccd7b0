package machine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/storyguard/internal/ledger"
	"github.com/aretw0/storyguard/internal/machine"
	"github.com/aretw0/storyguard/internal/tick"
	"github.com/aretw0/storyguard/pkg/adapters/memory"
	"github.com/aretw0/storyguard/pkg/domain"
)

type recorder struct {
	events []domain.Event
}

func (r *recorder) Publish(_ context.Context, e domain.Event) error {
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) ofType(t domain.EventType) []domain.Event {
	var out []domain.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	m      *machine.Machine
	queue  *tick.Queue
	ledger *ledger.Ledger
	game   *memory.GameStore
	events *recorder
}

func newHarness(t *testing.T, opts ...machine.Option) *harness {
	t.Helper()
	h := &harness{
		queue:  tick.New(),
		ledger: ledger.New(),
		game:   memory.NewGameStore(),
		events: &recorder{},
	}
	base := []machine.Option{
		machine.WithScheduler(h.queue),
		machine.WithLedger(h.ledger),
		machine.WithPublisher(h.events),
		machine.WithCompletionHandler(func(ctx context.Context, c machine.Completion) error {
			if c.CriticalType != domain.TxItemAcquisition {
				return nil
			}
			return h.game.GrantCriticalItem(ctx, c.Tier)
		}),
	}
	h.m = machine.New(append(base, opts...)...)
	return h
}

func mustFlow(t *testing.T, def domain.FlowDefinition) *domain.DialogueFlow {
	t.Helper()
	flow, err := domain.NewFlow(def)
	require.NoError(t, err)
	return flow
}

// scenarioFlow is intro -> basics -> critical, where critical is both the
// critical-path state and the conclusion.
func scenarioFlow(t *testing.T) *domain.DialogueFlow {
	return mustFlow(t, domain.FlowDefinition{
		ID:             "kapoor-intro",
		CharacterID:    "kapoor",
		NodeID:         "node-physics-1",
		InitialStateID: "intro",
		CriticalType:   domain.TxItemAcquisition,
		States: []domain.DialogueState{
			{ID: "intro", Kind: domain.KindIntro, Options: []domain.DialogueOption{
				{ID: "greet", Text: "Good morning", RelationshipChange: 1, NextStateID: "basics"},
			}},
			{ID: "basics", Kind: domain.KindQuestion, NextStateID: "critical"},
			{ID: "critical", Kind: domain.KindCriticalMoment, IsCriticalPath: true, IsConclusion: true},
		},
	})
}

func TestScenario_IntroBasicsCritical(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.m.InitializeFlow(ctx, scenarioFlow(t)))
	require.NoError(t, h.m.SelectOption(ctx, "greet"))
	assert.Equal(t, 1, h.m.Context().Score)

	require.NoError(t, h.m.AdvanceState(ctx))
	state, _ := h.m.CurrentState()
	assert.Equal(t, "basics", state.ID)

	require.NoError(t, h.m.AdvanceState(ctx))
	state, _ = h.m.CurrentState()
	assert.Equal(t, "critical", state.ID)
	require.Len(t, h.ledger.Active(domain.TxItemAcquisition), 1)
	assert.True(t, h.m.ProgressionStatus().CriticalPathsCompleted)

	require.NoError(t, h.m.AdvanceState(ctx))

	assert.Equal(t, domain.StatusNoFlow, h.m.Status())
	assert.Empty(t, h.ledger.Active(domain.TxItemAcquisition))
	has, err := h.game.HasCriticalItem(ctx)
	require.NoError(t, err)
	assert.True(t, has)
	assert.Equal(t, domain.TierTechnical, h.game.ItemTier())

	completed := h.events.ofType(domain.EventDialogueCompleted)
	require.Len(t, completed, 1)
	assert.True(t, completed[0].Completed)
	assert.Equal(t, "kapoor-intro", completed[0].FlowID)
}

func TestInitializeFlow_RejectsSecondFlow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	flow := scenarioFlow(t)

	require.NoError(t, h.m.InitializeFlow(ctx, flow))
	assert.ErrorIs(t, h.m.InitializeFlow(ctx, flow), domain.ErrFlowAlreadyActive)

	require.NoError(t, h.m.AbandonFlow(ctx, "navigated away"))
	assert.NoError(t, h.m.InitializeFlow(ctx, flow))
}

func TestSelectOption_UnknownLeavesContextUntouched(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.m.InitializeFlow(ctx, scenarioFlow(t)))
	before := h.m.Context()

	err := h.m.SelectOption(ctx, "does-not-exist")
	require.ErrorIs(t, err, domain.ErrUnknownOption)
	assert.Equal(t, before, h.m.Context())
	assert.Empty(t, h.events.ofType(domain.EventOptionApplied))
}

func TestSelectOption_IneligibleIsRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	minScore := 5
	flow := mustFlow(t, domain.FlowDefinition{
		ID: "gated", InitialStateID: "ask",
		States: []domain.DialogueState{
			{ID: "ask", Options: []domain.DialogueOption{
				{ID: "deep", Condition: &domain.OptionCondition{MinScore: &minScore}},
				{ID: "plain"},
			}},
		},
	})
	require.NoError(t, h.m.InitializeFlow(ctx, flow))

	assert.ErrorIs(t, h.m.SelectOption(ctx, "deep"), domain.ErrUnknownOption)
	opts := h.m.AvailableOptions()
	require.Len(t, opts, 1)
	assert.Equal(t, "plain", opts[0].ID)
}

func TestSelectOption_NoActiveFlow(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.m.SelectOption(context.Background(), "x"), domain.ErrNoActiveFlow)
	assert.ErrorIs(t, h.m.AdvanceState(context.Background()), domain.ErrNoActiveFlow)
}

func TestSelectOption_ScoreGatedBackstory(t *testing.T) {
	tests := []struct {
		name      string
		warmup    int
		delta     int
		backstory bool
	}{
		{name: "below threshold", warmup: 0, delta: 1, backstory: false},
		{name: "reaches threshold with the same selection", warmup: 1, delta: 1, backstory: true},
		{name: "above threshold", warmup: 3, delta: 0, backstory: true},
		{name: "drops below threshold", warmup: 2, delta: -1, backstory: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t)
			flow := mustFlow(t, domain.FlowDefinition{
				ID: "lore", InitialStateID: "warm",
				States: []domain.DialogueState{
					{ID: "warm", Options: []domain.DialogueOption{
						{ID: "warmup", RelationshipChange: tt.warmup, NextStateID: "ask"},
					}},
					{ID: "ask", Options: []domain.DialogueOption{
						{ID: "story", RelationshipChange: tt.delta, TriggersBackstory: true},
					}},
				},
			})
			require.NoError(t, h.m.InitializeFlow(ctx, flow))
			require.NoError(t, h.m.SelectOption(ctx, "warmup"))
			require.NoError(t, h.m.AdvanceState(ctx))
			require.NoError(t, h.m.SelectOption(ctx, "story"))

			assert.Equal(t, tt.backstory, h.m.UI().ShowBackstory)
		})
	}
}

func TestAdvanceState_DefersWhilePanelShown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	flow := mustFlow(t, domain.FlowDefinition{
		ID: "panel", InitialStateID: "ask",
		States: []domain.DialogueState{
			{ID: "ask", Options: []domain.DialogueOption{
				{ID: "why", ResponseText: "Because dosimetry matters.", NextStateID: "after"},
			}},
			{ID: "after"},
		},
	})
	require.NoError(t, h.m.InitializeFlow(ctx, flow))
	require.NoError(t, h.m.SelectOption(ctx, "why"))
	assert.True(t, h.m.UI().ShowResponse)

	require.NoError(t, h.m.AdvanceState(ctx))
	state, _ := h.m.CurrentState()
	assert.Equal(t, "ask", state.ID, "advance waits for the next tick")
	assert.False(t, h.m.UI().ShowResponse)
	assert.Equal(t, 1, h.queue.Pending())

	h.queue.Flush()
	state, _ = h.m.CurrentState()
	assert.Equal(t, "after", state.ID)
}

func TestJumpToState_Unknown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.m.InitializeFlow(ctx, scenarioFlow(t)))
	before := h.m.Context()

	err := h.m.JumpToState(ctx, "nowhere")
	require.ErrorIs(t, err, domain.ErrUnknownState)
	var use *domain.UnknownStateError
	require.True(t, errors.As(err, &use))
	assert.Equal(t, "nowhere", use.StateID)
	assert.Equal(t, before, h.m.Context())
}

func routedFlow(t *testing.T) *domain.DialogueFlow {
	return mustFlow(t, domain.FlowDefinition{
		ID: "routed", InitialStateID: "start",
		Routes: &domain.ConclusionRoutes{
			ExcellenceStateID:       "excellent",
			ExcellenceThreshold:     domain.DefaultExcellenceThreshold,
			NeedsImprovementStateID: "improve",
			NeedsImprovementBelow:   domain.DefaultNeedsImprovementThreshold,
		},
		States: []domain.DialogueState{
			{ID: "start", Options: []domain.DialogueOption{
				{ID: "great", RelationshipChange: 3, NextStateID: "end"},
				{ID: "ok", RelationshipChange: 1, NextStateID: "end"},
				{ID: "rude", RelationshipChange: -1, NextStateID: "end"},
			}},
			{ID: "end", IsConclusion: true},
			{ID: "excellent", IsConclusion: true},
			{ID: "improve", IsConclusion: true},
		},
	})
}

func TestJumpToState_ConclusionRouting(t *testing.T) {
	tests := []struct {
		option string
		want   string
	}{
		{option: "great", want: "excellent"},
		{option: "ok", want: "end"},
		{option: "rude", want: "improve"},
	}
	for _, tt := range tests {
		t.Run(tt.option, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t)
			require.NoError(t, h.m.InitializeFlow(ctx, routedFlow(t)))
			require.NoError(t, h.m.SelectOption(ctx, tt.option))
			require.NoError(t, h.m.AdvanceState(ctx))

			state, _ := h.m.CurrentState()
			assert.Equal(t, "end", state.ID, "redirect is deferred")

			h.queue.Flush()
			state, _ = h.m.CurrentState()
			assert.Equal(t, tt.want, state.ID)
		})
	}
}

func TestDeferredWorkDoesNotLeakIntoNextFlow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.m.InitializeFlow(ctx, routedFlow(t)))
	require.NoError(t, h.m.SelectOption(ctx, "great"))
	require.NoError(t, h.m.AdvanceState(ctx))
	require.NoError(t, h.m.AbandonFlow(ctx, "closed"))

	require.NoError(t, h.m.InitializeFlow(ctx, routedFlow(t)))
	h.queue.Flush()

	state, _ := h.m.CurrentState()
	assert.Equal(t, "start", state.ID)
}

func TestAdvanceState_RepairsIncompleteCriticalPath(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	flow := mustFlow(t, domain.FlowDefinition{
		ID: "shortcut", InitialStateID: "intro", CriticalType: domain.TxKnowledgeRevelation,
		States: []domain.DialogueState{
			{ID: "intro", Options: []domain.DialogueOption{
				{ID: "skip", NextStateID: "end"},
			}},
			{ID: "secret", Kind: domain.KindCriticalMoment, IsCriticalPath: true, NextStateID: "end"},
			{ID: "end", IsConclusion: true},
		},
	})
	require.NoError(t, h.m.InitializeFlow(ctx, flow))
	require.NoError(t, h.m.SelectOption(ctx, "skip"))
	require.NoError(t, h.m.AdvanceState(ctx))
	assert.False(t, h.m.ProgressionStatus().CriticalPathsCompleted)

	// Conclusion reached without the critical state: local repair instead of completion.
	require.NoError(t, h.m.AdvanceState(ctx))
	require.True(t, h.m.Active())
	state, _ := h.m.CurrentState()
	assert.Equal(t, "secret", state.ID)
	assert.Len(t, h.ledger.Active(domain.TxKnowledgeRevelation), 1)

	require.NoError(t, h.m.AdvanceState(ctx))
	require.NoError(t, h.m.AdvanceState(ctx))
	assert.False(t, h.m.Active())
	assert.Empty(t, h.ledger.Active(domain.TxKnowledgeRevelation))
}

func TestAdvanceState_RepairIsBounded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	flow := mustFlow(t, domain.FlowDefinition{
		ID: "unreachable", InitialStateID: "end",
		States: []domain.DialogueState{
			{ID: "end", IsConclusion: true, Options: []domain.DialogueOption{
				{ID: "must-pick", IsCriticalPath: true},
			}},
		},
	})
	require.NoError(t, h.m.InitializeFlow(ctx, flow))

	require.NoError(t, h.m.AdvanceState(ctx))
	assert.True(t, h.m.Active(), "first advance repairs")

	require.NoError(t, h.m.AdvanceState(ctx))
	assert.False(t, h.m.Active(), "budget exhausted, flow completes anyway")
}

func TestForceProgressionRepair_Targets(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	flow := mustFlow(t, domain.FlowDefinition{
		ID: "targets", InitialStateID: "a",
		States: []domain.DialogueState{
			{ID: "a", NextStateID: "b"},
			{ID: "b", IsCriticalPath: true, NextStateID: "c"},
			{ID: "c", IsCriticalPath: true, NextStateID: "end"},
			{ID: "end", IsConclusion: true},
		},
	})
	var repairs []domain.RepairEvent
	h.m = machine.New(
		machine.WithScheduler(h.queue),
		machine.WithLifecycleHooks(domain.LifecycleHooks{
			OnRepair: func(_ context.Context, e *domain.RepairEvent) { repairs = append(repairs, *e) },
		}),
	)
	require.NoError(t, h.m.InitializeFlow(ctx, flow))

	require.NoError(t, h.m.ForceProgressionRepair(ctx, "c"))
	state, _ := h.m.CurrentState()
	assert.Equal(t, "c", state.ID)

	require.NoError(t, h.m.ForceProgressionRepair(ctx, ""))
	state, _ = h.m.CurrentState()
	assert.Equal(t, "b", state.ID)

	require.NoError(t, h.m.ForceProgressionRepair(ctx, ""))
	state, _ = h.m.CurrentState()
	assert.Equal(t, "end", state.ID)
	assert.Len(t, repairs, 3)
}

func TestVisitationIsMonotonic(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	flow := mustFlow(t, domain.FlowDefinition{
		ID: "loop", InitialStateID: "a",
		States: []domain.DialogueState{
			{ID: "a", Options: []domain.DialogueOption{{ID: "to-b", NextStateID: "b"}}},
			{ID: "b", Options: []domain.DialogueOption{{ID: "to-a", NextStateID: "a"}}},
			{ID: "c"},
		},
	})
	require.NoError(t, h.m.InitializeFlow(ctx, flow))

	steps := []func() error{
		func() error { return h.m.SelectOption(ctx, "to-b") },
		func() error { return h.m.AdvanceState(ctx) },
		func() error { return h.m.JumpToState(ctx, "missing") },
		func() error { return h.m.SelectOption(ctx, "to-a") },
		func() error { return h.m.AdvanceState(ctx) },
		func() error { return h.m.SelectOption(ctx, "bogus") },
		func() error { return h.m.JumpToState(ctx, "c") },
		func() error { return h.m.JumpToState(ctx, "a") },
	}

	prev := h.m.Context().VisitedStates
	for i, step := range steps {
		_ = step()
		cur := h.m.Context().VisitedStates
		require.GreaterOrEqual(t, len(cur), len(prev), "step %d", i)
		assert.Equal(t, prev, cur[:len(prev)], "step %d rewrote history", i)
		prev = cur
	}
	assert.Equal(t, []string{"a", "b", "a", "c", "a"}, prev)
}

func TestProgressionStatus_LoopDetected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	flow := mustFlow(t, domain.FlowDefinition{
		ID: "spin", InitialStateID: "a",
		States: []domain.DialogueState{
			{ID: "a", MaxVisits: 2},
			{ID: "b"},
		},
	})
	require.NoError(t, h.m.InitializeFlow(ctx, flow))
	require.NoError(t, h.m.JumpToState(ctx, "b"))
	require.NoError(t, h.m.JumpToState(ctx, "a"))
	assert.False(t, h.m.ProgressionStatus().LoopDetected())

	require.NoError(t, h.m.JumpToState(ctx, "b"))
	require.NoError(t, h.m.JumpToState(ctx, "a"))
	status := h.m.ProgressionStatus()
	assert.True(t, status.LoopDetected())
	assert.Equal(t, []string{"a"}, status.LoopingStates)
}

func TestEffects(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	flow := mustFlow(t, domain.FlowDefinition{
		ID: "lab", CharacterID: "quinn", InitialStateID: "enter",
		States: []domain.DialogueState{
			{ID: "enter", NextStateID: "bench", OnExit: []domain.Effect{
				domain.RecordEquipment{Ref: "linac"},
			}},
			{ID: "bench", NextStateID: "enter", OnEnter: []domain.Effect{
				domain.MarkConcept{ConceptID: "dose", Domain: "physics", Amount: 2},
				domain.RecordEquipment{Ref: "linac"},
				domain.OpenTransaction{Type: domain.TxCharacterIntroduction, Metadata: map[string]any{"who": "quinn"}},
			}},
		},
	})
	require.NoError(t, h.m.InitializeFlow(ctx, flow))
	require.NoError(t, h.m.AdvanceState(ctx))
	require.NoError(t, h.m.AdvanceState(ctx))
	require.NoError(t, h.m.AdvanceState(ctx))

	dctx := h.m.Context()
	assert.Equal(t, 4, dctx.Knowledge["dose"])
	assert.Equal(t, []string{"linac"}, dctx.Equipment)

	intros := h.ledger.Active(domain.TxCharacterIntroduction)
	require.Len(t, intros, 1, "one transaction per type per flow")
	assert.Equal(t, "quinn", intros[0].Metadata["who"])
	assert.Equal(t, "bench", intros[0].Metadata["state_id"])
	assert.Equal(t, "quinn", intros[0].CharacterID)

	assert.Len(t, h.events.ofType(domain.EventKnowledgeGained), 2)
}

func TestAbandonFlow_LeavesTransactionsOpen(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.m.InitializeFlow(ctx, scenarioFlow(t)))
	require.NoError(t, h.m.JumpToState(ctx, "critical"))

	require.NoError(t, h.m.AbandonFlow(ctx, "refresh"))
	assert.Len(t, h.ledger.Active(domain.TxItemAcquisition), 1)
	has, _ := h.game.HasCriticalItem(ctx)
	assert.False(t, has)

	completed := h.events.ofType(domain.EventDialogueCompleted)
	require.Len(t, completed, 1)
	assert.False(t, completed[0].Completed)
	assert.Equal(t, "refresh", completed[0].Reason)
}

func TestSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	flow := scenarioFlow(t)
	require.NoError(t, h.m.InitializeFlow(ctx, flow))
	require.NoError(t, h.m.SelectOption(ctx, "greet"))
	require.NoError(t, h.m.AdvanceState(ctx))
	require.NoError(t, h.m.AdvanceState(ctx))

	snap := h.m.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, []string{domain.StateKey("critical")}, snap.Context.CriticalHits)

	other := newHarness(t)
	other.m = machine.New(machine.WithLedger(h.ledger), machine.WithPublisher(other.events))
	require.NoError(t, other.m.Restore(ctx, flow, snap))

	assert.Equal(t, h.m.Context(), other.m.Context())
	assert.Len(t, other.events.ofType(domain.EventDialogueResumed), 1)
	assert.ErrorIs(t, other.m.Restore(ctx, flow, snap), domain.ErrFlowAlreadyActive)

	require.NoError(t, other.m.CompleteFlow(ctx))
	assert.Empty(t, h.ledger.Active(domain.TxItemAcquisition))
}

func TestRestore_RejectsForeignSnapshot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	snap := &domain.SessionSnapshot{FlowID: "other", Context: domain.ContextRecord{FlowID: "other", CurrentStateID: "intro"}}
	assert.Error(t, h.m.Restore(ctx, scenarioFlow(t), snap))

	snap = &domain.SessionSnapshot{FlowID: "kapoor-intro", Context: domain.ContextRecord{FlowID: "kapoor-intro", CurrentStateID: "gone"}}
	assert.ErrorIs(t, h.m.Restore(ctx, scenarioFlow(t), snap), domain.ErrUnknownState)
}
