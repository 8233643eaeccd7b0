package recovery_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/storyguard/internal/ledger"
	"github.com/aretw0/storyguard/internal/machine"
	"github.com/aretw0/storyguard/internal/recovery"
	"github.com/aretw0/storyguard/internal/tick"
	"github.com/aretw0/storyguard/internal/validator"
	"github.com/aretw0/storyguard/pkg/adapters/memory"
	"github.com/aretw0/storyguard/pkg/domain"
)

type fixture struct {
	now      time.Time
	game     *memory.GameStore
	ledger   *ledger.Ledger
	queue    *tick.Queue
	machine  *machine.Machine
	presence *memory.Presence
	planner  *recovery.Planner
}

func newFixture(t *testing.T, opts ...recovery.Option) *fixture {
	t.Helper()
	f := &fixture{
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		game:     memory.NewGameStore(),
		queue:    tick.New(),
		presence: memory.NewPresence(true),
	}
	clock := func() time.Time { return f.now }
	f.ledger = ledger.New(ledger.WithClock(clock))
	f.machine = machine.New(
		machine.WithLedger(f.ledger),
		machine.WithScheduler(f.queue),
		machine.WithCompletionHandler(func(ctx context.Context, c machine.Completion) error {
			if c.CriticalType != domain.TxItemAcquisition {
				return nil
			}
			if has, _ := f.game.HasCriticalItem(ctx); has {
				return nil
			}
			return f.game.GrantCriticalItem(ctx, c.Tier)
		}),
	)
	seq := 0
	base := []recovery.Option{
		recovery.WithMachine(f.machine),
		recovery.WithPresence(f.presence),
		recovery.WithClock(clock),
		recovery.WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("rec-%d", seq)
		}),
	}
	stores := recovery.Stores{Items: f.game, Progress: f.game, Knowledge: f.game}
	f.planner = recovery.New(stores, f.ledger, append(base, opts...)...)
	return f
}

func scenarioFlow(t *testing.T) *domain.DialogueFlow {
	flow, err := domain.NewFlow(domain.FlowDefinition{
		ID:             "kapoor-intro",
		CharacterID:    "kapoor",
		NodeID:         "node-physics-1",
		InitialStateID: "intro",
		CriticalType:   domain.TxItemAcquisition,
		States: []domain.DialogueState{
			{ID: "intro", Kind: domain.KindIntro, Options: []domain.DialogueOption{
				{ID: "greet", RelationshipChange: 1, NextStateID: "basics"},
			}},
			{ID: "basics", Kind: domain.KindQuestion, NextStateID: "critical"},
			{ID: "critical", Kind: domain.KindCriticalMoment, IsCriticalPath: true, IsConclusion: true},
		},
	})
	require.NoError(t, err)
	return flow
}

func TestDetectIssues_Healthy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	assert.False(t, f.planner.DetectIssues(ctx))
	record, err := f.planner.Audit(ctx, "sweep")
	require.NoError(t, err)
	assert.Nil(t, record)
	assert.Empty(t, f.planner.History())
}

func TestInterruptedFlow_ResumesWhenNothingElseApplies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.machine.InitializeFlow(ctx, scenarioFlow(t)))
	require.NoError(t, f.machine.SelectOption(ctx, "greet"))
	require.NoError(t, f.machine.AdvanceState(ctx))
	f.presence.Set(false)

	d, err := f.planner.Diagnose(ctx)
	require.NoError(t, err)
	assert.True(t, d.Orphaned)
	assert.Equal(t, []string{"orphaned-flow:kapoor-intro"}, d.Issues)

	plan := f.planner.CreateRecoveryPlan(d)
	assert.Equal(t, []domain.ActionKind{domain.ActionResumeDialogue}, plan.Kinds())
	assert.False(t, plan.CleanupFlow)
	assert.Equal(t, "kapoor", plan.CharacterID)

	record := f.planner.ExecuteRecoveryPlan(ctx, plan, "ui unmounted")
	assert.True(t, record.Success)
	assert.True(t, f.machine.Active(), "resume keeps the flow")
	assert.True(t, record.Before.FlowActive)
	assert.True(t, record.After.FlowActive)

	assert.Empty(t, record.Cleanup)
	assert.Empty(t, record.TransactionID, "resuming delivers nothing worth a ledger entry")
	assert.Empty(t, f.ledger.All())
}

func TestInterruptedFlow_AbandonedAfterOneResume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.machine.InitializeFlow(ctx, scenarioFlow(t)))
	require.NoError(t, f.machine.SelectOption(ctx, "greet"))
	require.NoError(t, f.machine.AdvanceState(ctx))
	f.presence.Set(false)

	first, err := f.planner.Audit(ctx, "sweep")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, []domain.ActionKind{domain.ActionResumeDialogue}, first.Actions)
	assert.True(t, f.machine.Active())

	second, err := f.planner.Audit(ctx, "sweep")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Empty(t, second.Actions)
	assert.Equal(t, "abandoned", second.Cleanup)
	assert.True(t, second.Success)
	assert.False(t, f.machine.Active())

	for n := 0; n < 5; n++ {
		record, err := f.planner.Audit(ctx, "sweep")
		require.NoError(t, err)
		assert.Nil(t, record)
	}
	assert.Len(t, f.planner.History(), 2)
	assert.Empty(t, f.ledger.All())
	assert.Zero(t, f.game.ItemGrants(), "never reached the critical state")
}

func TestInterruptedFlow_ResumedAgainAfterRemount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.machine.InitializeFlow(ctx, scenarioFlow(t)))
	f.presence.Set(false)

	record, err := f.planner.Audit(ctx, "sweep")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, []domain.ActionKind{domain.ActionResumeDialogue}, record.Actions)

	// The player came back and left again: a new orphaning.
	f.presence.Set(true)
	f.presence.Set(false)

	record, err = f.planner.Audit(ctx, "sweep")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, []domain.ActionKind{domain.ActionResumeDialogue}, record.Actions)
	assert.Empty(t, record.Cleanup)
	assert.True(t, f.machine.Active())
}

func TestInterruptedFlow_SettlesOpenAcquisitionAtEarnedTier(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.machine.InitializeFlow(ctx, scenarioFlow(t)))
	require.NoError(t, f.machine.SelectOption(ctx, "greet"))
	require.NoError(t, f.machine.AdvanceState(ctx))
	require.NoError(t, f.machine.AdvanceState(ctx))
	require.Len(t, f.ledger.Active(domain.TxItemAcquisition), 1)
	f.presence.Set(false)

	first, err := f.planner.Audit(ctx, "sweep")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, []domain.ActionKind{domain.ActionResumeDialogue}, first.Actions)
	assert.Zero(t, f.game.ItemGrants(), "not stale yet")

	second, err := f.planner.Audit(ctx, "sweep")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, []domain.ActionKind{domain.ActionGrantItem}, second.Actions)
	assert.Equal(t, "completed", second.Cleanup)
	assert.Equal(t, domain.TierTechnical, f.game.ItemTier(), "score 1 earns technical")
	assert.Equal(t, 1, f.game.ItemGrants())
	assert.False(t, f.machine.Active())
	assert.Empty(t, f.ledger.Active(domain.TxItemAcquisition))

	record, err := f.planner.Audit(ctx, "sweep")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestInterruptedFlow_GrantSupersedesResume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.machine.InitializeFlow(ctx, scenarioFlow(t)))
	require.NoError(t, f.machine.JumpToState(ctx, "critical"))
	require.Len(t, f.ledger.Active(domain.TxItemAcquisition), 1)
	f.presence.Set(false)
	f.now = f.now.Add(time.Minute)

	require.True(t, f.planner.DetectIssues(ctx))
	d, err := f.planner.Diagnose(ctx)
	require.NoError(t, err)

	plan := f.planner.CreateRecoveryPlan(d)
	assert.Equal(t, []domain.ActionKind{domain.ActionGrantItem}, plan.Kinds())
	assert.False(t, plan.Has(domain.ActionResumeDialogue))
	assert.True(t, plan.CleanupFlow)

	record := f.planner.ExecuteRecoveryPlan(ctx, plan, "navigated away")
	assert.True(t, record.Success)
	assert.Equal(t, "completed", record.Cleanup)
	assert.Equal(t, domain.RecoverySnapshot{HasCriticalItem: false, CurrentDay: 1, FlowActive: true}, record.Before)
	assert.Equal(t, domain.RecoverySnapshot{HasCriticalItem: true, CurrentDay: 1, FlowActive: false}, record.After)

	assert.False(t, f.machine.Active(), "cleanup completes the orphaned flow")
	assert.Equal(t, 1, f.game.ItemGrants(), "completion does not grant twice")
	assert.Empty(t, f.ledger.Active(domain.TxItemAcquisition))

	history := f.planner.History()
	require.Len(t, history, 1)
	assert.Equal(t, plan.ID, history[0].PlanID)

	assert.False(t, f.planner.DetectIssues(ctx))
}

func TestCreateRecoveryPlan_Priority(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, recovery.WithRequirements(validator.Requirement{ID: "by-day-1", ExpectedByDay: 1, Tier: domain.TierTechnical}))
	f.game.SetDay(2)

	_, err := f.ledger.Start(ctx, domain.TxBossEncounter, map[string]any{"node_id": "arena"}, "", "")
	require.NoError(t, err)
	_, err = f.ledger.Start(ctx, domain.TxCharacterIntroduction, nil, "quinn", "")
	require.NoError(t, err)
	_, err = f.ledger.Start(ctx, domain.TxKnowledgeRevelation, map[string]any{"concept_id": "dose", "domain": "physics", "amount": 3}, "", "")
	require.NoError(t, err)
	f.now = f.now.Add(time.Minute)

	d, err := f.planner.Diagnose(ctx)
	require.NoError(t, err)
	assert.Contains(t, d.Issues, "missing-item:by-day-1")

	plan := f.planner.CreateRecoveryPlan(d)
	assert.Equal(t, []domain.ActionKind{
		domain.ActionGrantItem,
		domain.ActionGrantKnowledge,
		domain.ActionRepairRelationship,
		domain.ActionMarkNodeComplete,
	}, plan.Kinds())
	assert.Equal(t, domain.GrantItem{Tier: domain.TierTechnical}, plan.Actions[0])

	record := f.planner.ExecuteRecoveryPlan(ctx, plan, "sweep")
	assert.True(t, record.Success)
	assert.Equal(t, domain.TierTechnical, f.game.ItemTier())
	assert.Equal(t, 3, f.game.Mastery("dose"))
	assert.Equal(t, 1, f.game.NodeCompletions())

	tx, _ := f.ledger.Get(record.TransactionID)
	assert.Equal(t, domain.TxItemAcquisition, tx.Type, "traced under the first action's type")

	// Same plan again: every action re-checks and nothing is applied twice.
	again := f.planner.ExecuteRecoveryPlan(ctx, plan, "sweep")
	assert.True(t, again.Success)
	assert.Equal(t, 1, f.game.ItemGrants())
	assert.Equal(t, 3, f.game.Mastery("dose"))
	assert.Equal(t, 1, f.game.NodeCompletions())
}

func TestCreateRecoveryPlan_ForcesStuckFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	flow, err := domain.NewFlow(domain.FlowDefinition{
		ID: "skip", InitialStateID: "intro",
		States: []domain.DialogueState{
			{ID: "intro", NextStateID: "end"},
			{ID: "secret", IsCriticalPath: true, NextStateID: "end"},
			{ID: "end", IsConclusion: true},
		},
	})
	require.NoError(t, err)
	require.NoError(t, f.machine.InitializeFlow(ctx, flow))
	require.NoError(t, f.machine.JumpToState(ctx, "end"))

	d, err := f.planner.Diagnose(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"invalid-progression"}, d.Issues)

	plan := f.planner.CreateRecoveryPlan(d)
	require.Equal(t, []domain.ActionKind{domain.ActionForceCriticalState}, plan.Kinds())
	assert.Equal(t, domain.ForceCriticalState{StateID: "secret"}, plan.Actions[0])

	f.planner.ExecuteRecoveryPlan(ctx, plan, "audit")
	state, _ := f.machine.CurrentState()
	assert.Equal(t, "secret", state.ID)
}

type panickingKnowledge struct{}

func (panickingKnowledge) UpdateMastery(context.Context, string, int) error {
	panic("mastery table corrupted")
}

func TestExecuteRecoveryPlan_IsolatesFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	stores := recovery.Stores{Items: f.game, Progress: f.game, Knowledge: panickingKnowledge{}}
	planner := recovery.New(stores, f.ledger)

	plan := domain.RecoveryPlan{
		ID: "manual",
		Actions: []domain.RecoveryAction{
			domain.GrantKnowledge{ConceptID: "dose", Amount: 1},
			domain.MarkNodeComplete{NodeID: "arena"},
			domain.ResumeDialogue{FlowID: "none"},
		},
	}

	var record domain.RecoveryRecord
	require.NotPanics(t, func() { record = planner.ExecuteRecoveryPlan(ctx, plan, "test") })

	assert.False(t, record.Success)
	require.Len(t, record.Failures, 2)
	assert.Contains(t, record.Failures[0], "panic: mastery table corrupted")
	assert.Contains(t, record.Failures[1], "resume_dialogue")
	assert.Equal(t, 1, f.game.NodeCompletions(), "independent actions still run")

	tx, _ := f.ledger.Get(record.TransactionID)
	assert.Equal(t, domain.TxFailed, tx.Status)
	assert.Len(t, planner.History(), 1)
}

func TestExecuteRecoveryPlan_EmptyPlan(t *testing.T) {
	f := newFixture(t)
	record := f.planner.ExecuteRecoveryPlan(context.Background(), domain.RecoveryPlan{ID: "noop"}, "sweep")
	assert.True(t, record.Success)
	assert.Empty(t, record.TransactionID)
	assert.Empty(t, f.planner.History())
	assert.Empty(t, f.ledger.All())
}
