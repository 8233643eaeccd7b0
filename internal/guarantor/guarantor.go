// Package guarantor makes sure story-critical content is eventually granted.
//
// Every run sweeps completed grants, repairs stale ledger transactions and
// then evaluates each checkpoint of a fixed table. Nothing short-circuits:
// every repair re-checks its own precondition, so running the guarantor any
// number of times on a healthy system changes nothing.
package guarantor

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/aretw0/storyguard/internal/ledger"
	"github.com/aretw0/storyguard/internal/logging"
	"github.com/aretw0/storyguard/internal/tick"
	"github.com/aretw0/storyguard/internal/validator"
	"github.com/aretw0/storyguard/pkg/domain"
	"github.com/aretw0/storyguard/pkg/ports"
)

// DefaultMaxAttempts bounds how many times a failed transaction is retried.
const DefaultMaxAttempts = 3

// DefaultGatingNodeTypes are the map node types whose completion triggers a run.
var DefaultGatingNodeTypes = []string{"boss", "critical", "story"}

// Machine is the part of the dialogue machine the guarantor may force.
type Machine interface {
	FlowSnapshot() domain.FlowSnapshot
	ForceProgressionRepair(ctx context.Context, targetStateID string) error
}

// Stores groups the external collaborators the guarantor repairs.
type Stores struct {
	Items     ports.ItemStore
	Progress  ports.ProgressStore
	Knowledge ports.KnowledgeStore
}

// Guarantor owns the checkpoint table and its triggers.
type Guarantor struct {
	stores      Stores
	ledger      *ledger.Ledger
	machine     Machine
	scheduler   tick.Scheduler
	checkpoints []Checkpoint
	gating      []string
	maxAttempts int
	hooks       domain.LifecycleHooks
	now         func() time.Time
	logger      *slog.Logger

	scheduled bool
}

// Option configures the Guarantor.
type Option func(*Guarantor)

// WithMachine lets checkpoints force dialogue repairs.
func WithMachine(m Machine) Option {
	return func(g *Guarantor) {
		g.machine = m
	}
}

// WithScheduler sets the queue triggers defer onto.
func WithScheduler(s tick.Scheduler) Option {
	return func(g *Guarantor) {
		g.scheduler = s
	}
}

// WithRequirements appends one critical-item checkpoint per requirement.
func WithRequirements(reqs ...validator.Requirement) Option {
	return func(g *Guarantor) {
		for _, r := range reqs {
			g.checkpoints = append(g.checkpoints, CriticalItemCheckpoint(r))
		}
	}
}

// WithCheckpoints appends custom checkpoints to the table.
func WithCheckpoints(cps ...Checkpoint) Option {
	return func(g *Guarantor) {
		g.checkpoints = append(g.checkpoints, cps...)
	}
}

// WithGatingNodeTypes overrides DefaultGatingNodeTypes.
func WithGatingNodeTypes(types ...string) Option {
	return func(g *Guarantor) {
		g.gating = types
	}
}

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n int) Option {
	return func(g *Guarantor) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

// WithLifecycleHooks registers observability hooks.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(g *Guarantor) {
		g.hooks = hooks
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Guarantor) {
		g.now = now
	}
}

// WithLogger sets a custom structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guarantor) {
		g.logger = logger
	}
}

// New creates a guarantor. The table always starts with the active-flow
// checkpoint; requirement and custom checkpoints follow in option order.
func New(stores Stores, l *ledger.Ledger, opts ...Option) *Guarantor {
	g := &Guarantor{
		stores:      stores,
		ledger:      l,
		checkpoints: []Checkpoint{ActiveFlowCheckpoint()},
		gating:      DefaultGatingNodeTypes,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
		logger:      logging.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.scheduler == nil {
		g.scheduler = tick.New(tick.WithLogger(g.logger))
	}
	g.logger = g.logger.With("component", "guarantor")
	return g
}

// Checkpoints returns the table in evaluation order.
func (g *Guarantor) Checkpoints() []Checkpoint {
	return slices.Clone(g.checkpoints)
}

// Requirements returns the requirements behind the critical-item checkpoints.
func (g *Guarantor) Requirements() []validator.Requirement {
	var reqs []validator.Requirement
	for _, cp := range g.checkpoints {
		if cp.requirement != nil {
			reqs = append(reqs, *cp.requirement)
		}
	}
	return reqs
}

// OnNodeCompleted schedules a run when the node type gates critical content
// or the node grants a required item.
func (g *Guarantor) OnNodeCompleted(ctx context.Context, nodeID, nodeType string) {
	gating := slices.Contains(g.gating, nodeType)
	if !gating {
		for _, req := range g.Requirements() {
			if req.GrantingNodeID == nodeID {
				gating = true
				break
			}
		}
	}
	if !gating {
		return
	}
	g.schedule(ctx, "node.completed")
}

// OnPhaseChanged schedules a run on a day/night transition.
func (g *Guarantor) OnPhaseChanged(ctx context.Context, from, to string) {
	g.logger.DebugContext(ctx, "phase changed", "from", from, "to", to)
	g.schedule(ctx, "phase.changed")
}

// OnSessionStarted schedules a run at session start.
func (g *Guarantor) OnSessionStarted(ctx context.Context) {
	g.schedule(ctx, "session.started")
}

// OnTransactionFailed retries the transaction (bounded) and schedules a run.
func (g *Guarantor) OnTransactionFailed(ctx context.Context, tx domain.Transaction) {
	g.scheduler.Defer(func() {
		if tx.Attempts >= g.maxAttempts {
			g.logger.ErrorContext(ctx, "transaction retry budget exhausted", "tx", tx.ID, "type", tx.Type, "attempts", tx.Attempts, "reason", tx.FailureReason)
			return
		}
		if err := g.ledger.Retry(ctx, tx.ID); err != nil {
			g.logger.WarnContext(ctx, "failed to retry transaction", "tx", tx.ID, "err", err)
		}
	})
	g.schedule(ctx, "transaction.failed")
}

// schedule defers a run to the next tick. Triggers that fire before the run
// happens are coalesced into it.
func (g *Guarantor) schedule(ctx context.Context, trigger string) {
	if g.scheduled {
		g.logger.DebugContext(ctx, "run already scheduled", "trigger", trigger)
		return
	}
	g.scheduled = true
	g.scheduler.Defer(func() {
		g.scheduled = false
		res := g.RunProgressionChecks(ctx)
		g.logger.DebugContext(ctx, "triggered run finished", "trigger", trigger, "repairs", len(res.Repairs), "failures", len(res.Failures))
	})
}
