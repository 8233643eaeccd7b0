package guarantor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/storyguard/internal/ledger"
	"github.com/aretw0/storyguard/pkg/domain"
)

// Stages of a run, in order.
const (
	StageSweep      = "sweep"
	StageLedger     = "ledger"
	StageCheckpoint = "checkpoint"
)

// Repair records one mutation a run performed.
type Repair struct {
	Stage        string `json:"stage"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
	Description  string `json:"description"`
}

// Failure records a check or repair that returned an error.
type Failure struct {
	Stage        string `json:"stage"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
	Err          error  `json:"-"`
}

// Result is the outcome of one RunProgressionChecks.
type Result struct {
	StartedAt time.Time `json:"started_at"`
	Repairs   []Repair  `json:"repairs,omitempty"`
	Failures  []Failure `json:"-"`
}

// Healthy reports whether the run found nothing to do and nothing failed.
func (r Result) Healthy() bool {
	return len(r.Repairs) == 0 && len(r.Failures) == 0
}

// RunProgressionChecks runs every stage. Errors are recorded, never returned.
func (g *Guarantor) RunProgressionChecks(ctx context.Context) Result {
	res := Result{StartedAt: g.now()}

	// 1. Generic sweep: a completed grant must have delivered the item.
	g.sweep(ctx, &res)

	// 2. Ledger staleness: deliver and close what got stuck.
	g.repairStale(ctx, &res)

	// 3. Checkpoint table, in order, no short circuit.
	env := Env{Stores: g.stores, Ledger: g.ledger, Machine: g.machine, Now: res.StartedAt}
	for _, cp := range g.checkpoints {
		ok, err := cp.Condition(ctx, env)
		if err != nil {
			g.fail(ctx, &res, StageCheckpoint, cp.ID, err)
			continue
		}
		if ok {
			continue
		}
		g.logger.InfoContext(ctx, "checkpoint violated, repairing", "checkpoint", cp.ID)
		if err := cp.Repair(ctx, env); err != nil {
			g.fail(ctx, &res, StageCheckpoint, cp.ID, err)
			continue
		}
		if ok, err := cp.Condition(ctx, env); err == nil && ok {
			g.repaired(ctx, &res, StageCheckpoint, cp.ID, cp.Description)
		}
	}

	if !res.Healthy() {
		g.logger.InfoContext(ctx, "progression checks finished", "repairs", len(res.Repairs), "failures", len(res.Failures))
	}
	return res
}

func (g *Guarantor) sweep(ctx context.Context, res *Result) {
	for _, tx := range g.ledger.OfType(domain.TxItemAcquisition) {
		if tx.Status != domain.TxCompleted {
			continue
		}
		p, err := ledger.Payload(tx)
		if err != nil {
			g.fail(ctx, res, StageSweep, tx.ID, err)
			continue
		}
		granted, err := g.grantItem(ctx, domain.AcquisitionTier(p.Tier, tx.ID, g.flowSnapshot()))
		if err != nil {
			g.fail(ctx, res, StageSweep, tx.ID, err)
			return
		}
		if granted {
			g.repaired(ctx, res, StageSweep, tx.ID, "granted item of completed transaction")
			return
		}
	}
}

func (g *Guarantor) repairStale(ctx context.Context, res *Result) {
	report := g.ledger.CheckIntegrity(res.StartedAt)
	for _, tx := range report.Stale {
		g.logger.WarnContext(ctx, "stale transaction", "tx", tx.ID, "type", tx.Type, "age", res.StartedAt.Sub(tx.StartedAt))

		if err := g.deliver(ctx, tx); err != nil {
			g.fail(ctx, res, StageLedger, tx.ID, err)
			if ferr := g.ledger.Fail(ctx, tx.ID, err.Error()); ferr != nil {
				g.logger.WarnContext(ctx, "failed to mark transaction failed", "tx", tx.ID, "err", ferr)
			}
			continue
		}
		if _, err := g.ledger.Complete(ctx, tx.ID); err != nil {
			g.fail(ctx, res, StageLedger, tx.ID, err)
			continue
		}
		g.repaired(ctx, res, StageLedger, tx.ID, fmt.Sprintf("completed stale %s transaction", tx.Type))
	}
}

// deliver performs the effect a transaction stands for, if it has not happened yet.
func (g *Guarantor) deliver(ctx context.Context, tx domain.Transaction) error {
	p, err := ledger.Payload(tx)
	if err != nil {
		return err
	}

	switch tx.Type {
	case domain.TxItemAcquisition:
		// The running conversation's own acquisition keeps the tier it earned.
		_, err := g.grantItem(ctx, domain.AcquisitionTier(p.Tier, tx.ID, g.flowSnapshot()))
		return err

	case domain.TxKnowledgeRevelation:
		if p.ConceptID == "" || g.stores.Knowledge == nil {
			return nil
		}
		amount := p.Amount
		if amount == 0 {
			amount = 1
		}
		return g.stores.Knowledge.UpdateMastery(ctx, p.ConceptID, amount)

	case domain.TxBossEncounter:
		node := p.NodeID
		if node == "" {
			node = tx.NodeID
		}
		if node == "" {
			return nil
		}
		history, err := g.stores.Progress.NodeHistory(ctx, node)
		if err != nil || len(history) > 0 {
			return err
		}
		return g.stores.Progress.CompleteNode(ctx, node, map[string]any{"recovered": true, "transaction_id": tx.ID})

	case domain.TxCharacterIntroduction:
		return nil
	}
	return fmt.Errorf("unknown transaction type '%s'", tx.Type)
}

func (g *Guarantor) flowSnapshot() domain.FlowSnapshot {
	if g.machine == nil {
		return domain.FlowSnapshot{}
	}
	return g.machine.FlowSnapshot()
}

// grantItem grants the critical item unless it is already held.
func (g *Guarantor) grantItem(ctx context.Context, tier domain.Tier) (bool, error) {
	if g.stores.Items == nil {
		return false, errors.New("no item store configured")
	}
	has, err := g.stores.Items.HasCriticalItem(ctx)
	if err != nil || has {
		return false, err
	}
	if err := g.stores.Items.GrantCriticalItem(ctx, tier); err != nil {
		return false, err
	}
	return true, nil
}

func (g *Guarantor) repaired(ctx context.Context, res *Result, stage, id, description string) {
	res.Repairs = append(res.Repairs, Repair{Stage: stage, CheckpointID: id, Description: description})
	g.logger.InfoContext(ctx, "repaired", "stage", stage, "checkpoint", id, "description", description)
	if g.hooks.OnRepair != nil {
		g.hooks.OnRepair(ctx, &domain.RepairEvent{Source: "guarantor", CheckpointID: id, Description: description})
	}
}

func (g *Guarantor) fail(ctx context.Context, res *Result, stage, id string, err error) {
	res.Failures = append(res.Failures, Failure{Stage: stage, CheckpointID: id, Err: err})
	g.logger.ErrorContext(ctx, "progression check failed", "stage", stage, "checkpoint", id, "err", err)
}
