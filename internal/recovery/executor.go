package recovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/aretw0/storyguard/pkg/domain"
)

// ExecuteRecoveryPlan runs every action of the plan in isolation and records
// the outcome. Plans that deliver ledger-typed effects run under a
// traceability transaction of that type. It never returns an error and never
// panics; failures end up in the record.
func (p *Planner) ExecuteRecoveryPlan(ctx context.Context, plan domain.RecoveryPlan, reason string) domain.RecoveryRecord {
	record := domain.RecoveryRecord{
		ID:         p.newID(),
		PlanID:     plan.ID,
		Reason:     reason,
		Actions:    plan.Kinds(),
		ExecutedAt: p.now(),
		Success:    true,
	}
	if plan.Empty() {
		return record
	}

	record.Before = p.snapshot(ctx)
	logger := p.logger.With("plan", plan.ID, "reason", reason)
	logger.InfoContext(ctx, "executing recovery plan", "actions", record.Actions, "cleanup", plan.CleanupFlow, "abandon", plan.AbandonFlow)

	var (
		txID string
		err  error
	)
	if typ, ok := traceType(plan); ok {
		txID, err = p.ledger.Start(ctx, typ, map[string]any{
			"recovery": true,
			"reason":   reason,
			"plan_id":  plan.ID,
			"flow_id":  plan.FlowID,
		}, plan.CharacterID, plan.NodeID)
		if err != nil {
			logger.WarnContext(ctx, "failed to open recovery transaction", "err", err)
		}
		record.TransactionID = txID
	}

	exec := &executor{planner: p, ctx: ctx}
	for _, action := range plan.Actions {
		if err := isolate(func() error { return action.Accept(exec) }); err != nil {
			record.Failures = append(record.Failures, fmt.Sprintf("%s: %v", action.Kind(), err))
			logger.ErrorContext(ctx, "recovery action failed", "action", action.Kind(), "err", err)
		}
	}

	if p.machine != nil && p.machine.FlowSnapshot().Active() {
		var cleanup func() error
		switch {
		case plan.CleanupFlow:
			record.Cleanup = "completed"
			cleanup = func() error { return p.machine.CompleteFlow(ctx) }
		case plan.AbandonFlow:
			record.Cleanup = "abandoned"
			cleanup = func() error { return p.machine.AbandonFlow(ctx, "orphaned after recovery: "+reason) }
		}
		if cleanup != nil {
			if err := isolate(cleanup); err != nil {
				record.Failures = append(record.Failures, fmt.Sprintf("cleanup: %v", err))
				logger.ErrorContext(ctx, "flow cleanup failed", "err", err)
			}
		}
	}

	record.After = p.snapshot(ctx)
	record.Success = len(record.Failures) == 0

	if txID != "" {
		if record.Success {
			_, err = p.ledger.Complete(ctx, txID)
		} else {
			err = p.ledger.Fail(ctx, txID, fmt.Sprintf("%d recovery actions failed", len(record.Failures)))
		}
		if err != nil {
			logger.WarnContext(ctx, "failed to close recovery transaction", "tx", txID, "err", err)
		}
	}

	p.mu.Lock()
	p.history = append(p.history, record)
	p.mu.Unlock()

	if p.hooks.OnRepair != nil {
		p.hooks.OnRepair(ctx, &domain.RepairEvent{Source: "recovery", CheckpointID: plan.ID, Description: reason})
	}
	logger.InfoContext(ctx, "recovery plan executed", "success", record.Success, "failures", len(record.Failures))
	return record
}

// Audit detects, plans and executes in one call. It returns nil when nothing was wrong.
func (p *Planner) Audit(ctx context.Context, reason string) (*domain.RecoveryRecord, error) {
	d, err := p.Diagnose(ctx)
	if err != nil {
		return nil, err
	}
	if !d.HasIssues() {
		return nil, nil
	}
	plan := p.CreateRecoveryPlan(d)
	if plan.Empty() {
		p.logger.DebugContext(ctx, "issues found but nothing to do", "issues", d.Issues)
		return nil, nil
	}
	record := p.ExecuteRecoveryPlan(ctx, plan, reason)
	return &record, nil
}

func (p *Planner) snapshot(ctx context.Context) domain.RecoverySnapshot {
	var snap domain.RecoverySnapshot
	if p.stores.Items != nil {
		snap.HasCriticalItem, _ = p.stores.Items.HasCriticalItem(ctx)
	}
	if p.stores.Progress != nil {
		snap.CurrentDay, _ = p.stores.Progress.CurrentDay(ctx)
	}
	if p.machine != nil {
		snap.FlowActive = p.machine.FlowSnapshot().Active()
	}
	return snap
}

// traceType picks the ledger type of the traceability transaction from the
// first ledger-typed action of the plan. Plans that only steer the
// conversation have no such action and are not traced in the ledger.
func traceType(plan domain.RecoveryPlan) (domain.TransactionType, bool) {
	for _, a := range plan.Actions {
		switch a.Kind() {
		case domain.ActionGrantItem:
			return domain.TxItemAcquisition, true
		case domain.ActionGrantKnowledge:
			return domain.TxKnowledgeRevelation, true
		case domain.ActionRepairRelationship:
			return domain.TxCharacterIntroduction, true
		case domain.ActionMarkNodeComplete:
			return domain.TxBossEncounter, true
		}
	}
	return "", false
}

// isolate runs fn and turns a panic into an error.
func isolate(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// executor runs actions against the collaborators. Every visit re-checks
// whether its effect already holds before acting.
// It lives for one plan execution only.
type executor struct {
	planner *Planner
	ctx     context.Context
}

var errNoMachine = errors.New("no dialogue machine configured")

func (e *executor) closeTx(id string) error {
	if id == "" {
		return nil
	}
	_, err := e.planner.ledger.Complete(e.ctx, id)
	return err
}

// done reports whether the transaction behind an action is already completed.
func (e *executor) done(id string) bool {
	if id == "" {
		return false
	}
	tx, ok := e.planner.ledger.Get(id)
	return ok && tx.Status == domain.TxCompleted
}

func (e *executor) VisitGrantItem(a domain.GrantItem) error {
	items := e.planner.stores.Items
	has, err := items.HasCriticalItem(e.ctx)
	if err != nil {
		return err
	}
	if !has {
		if err := items.GrantCriticalItem(e.ctx, a.Tier); err != nil {
			return err
		}
	}
	return e.closeTx(a.TransactionID)
}

func (e *executor) VisitGrantKnowledge(a domain.GrantKnowledge) error {
	if e.done(a.TransactionID) {
		return nil
	}
	if a.ConceptID != "" && e.planner.stores.Knowledge != nil {
		if err := e.planner.stores.Knowledge.UpdateMastery(e.ctx, a.ConceptID, a.Amount); err != nil {
			return err
		}
	}
	return e.closeTx(a.TransactionID)
}

func (e *executor) VisitRepairRelationship(a domain.RepairRelationship) error {
	if e.done(a.TransactionID) {
		return nil
	}
	if a.CharacterID != "" {
		progress := e.planner.stores.Progress
		level, err := progress.RelationshipLevel(e.ctx, a.CharacterID)
		if err != nil {
			return err
		}
		if level < a.MinLevel {
			if err := progress.UpdateRelationship(e.ctx, a.CharacterID, a.MinLevel-level); err != nil {
				return err
			}
		}
	}
	return e.closeTx(a.TransactionID)
}

func (e *executor) VisitMarkNodeComplete(a domain.MarkNodeComplete) error {
	if a.NodeID != "" {
		progress := e.planner.stores.Progress
		history, err := progress.NodeHistory(e.ctx, a.NodeID)
		if err != nil {
			return err
		}
		if len(history) == 0 {
			if err := progress.CompleteNode(e.ctx, a.NodeID, a.Metadata); err != nil {
				return err
			}
		}
	}
	return e.closeTx(a.TransactionID)
}

func (e *executor) VisitForceCriticalState(a domain.ForceCriticalState) error {
	if e.planner.machine == nil {
		return errNoMachine
	}
	if !e.planner.machine.FlowSnapshot().Active() {
		return nil
	}
	return e.planner.machine.ForceProgressionRepair(e.ctx, a.StateID)
}

func (e *executor) VisitResumeDialogue(a domain.ResumeDialogue) error {
	if e.planner.machine == nil {
		return errNoMachine
	}
	snap := e.planner.machine.FlowSnapshot()
	if !snap.Active() || snap.FlowID != a.FlowID {
		return nil
	}
	if err := e.planner.machine.Resume(e.ctx); err != nil {
		return err
	}
	e.planner.markResumed(a.FlowID)
	return nil
}
