package guarantor

import (
	"context"
	"time"

	"github.com/aretw0/storyguard/internal/ledger"
	"github.com/aretw0/storyguard/internal/validator"
	"github.com/aretw0/storyguard/pkg/domain"
)

// Env is what a checkpoint sees while it runs.
type Env struct {
	Stores  Stores
	Ledger  *ledger.Ledger
	Machine Machine
	Now     time.Time
}

// Checkpoint is a named, independently repairable progression condition.
// Repair must check its own precondition again before acting.
type Checkpoint struct {
	ID          string
	Description string
	Condition   func(ctx context.Context, env Env) (bool, error)
	Repair      func(ctx context.Context, env Env) error

	requirement *validator.Requirement
}

// ActiveFlowCheckpoint holds while no active conversation sits on a conclusion
// with critical checkpoints missing. Its repair forces the machine forward.
func ActiveFlowCheckpoint() Checkpoint {
	stuck := func(env Env) bool {
		if env.Machine == nil {
			return false
		}
		snap := env.Machine.FlowSnapshot()
		if !snap.Active() {
			return false
		}
		current, _ := snap.Flow.State(snap.Context.CurrentStateID)
		return current.IsConclusion && !domain.DeriveProgression(snap.Flow, snap.Context).CriticalPathsCompleted
	}
	return Checkpoint{
		ID:          "active-flow-critical-path",
		Description: "an active conversation must not conclude with critical checkpoints missing",
		Condition: func(_ context.Context, env Env) (bool, error) {
			return !stuck(env), nil
		},
		Repair: func(ctx context.Context, env Env) error {
			if !stuck(env) {
				return nil
			}
			return env.Machine.ForceProgressionRepair(ctx, "")
		},
	}
}

// CriticalItemCheckpoint holds while the requirement is not yet due or the
// critical item is held. Its repair grants the item at the requirement tier
// under a ledger transaction, unless another acquisition is still in flight.
func CriticalItemCheckpoint(req validator.Requirement) Checkpoint {
	due := func(ctx context.Context, env Env) (bool, error) {
		snap, err := validator.Observe(ctx, env.Stores.Items, env.Stores.Progress, []validator.Requirement{req})
		if err != nil {
			return false, err
		}
		return !snap.HasCriticalItem && req.Due(snap), nil
	}

	description := req.Description
	if description == "" {
		description = "critical item must be held once its acquisition point has passed"
	}
	return Checkpoint{
		ID:          "critical-item:" + req.ID,
		Description: description,
		Condition: func(ctx context.Context, env Env) (bool, error) {
			missing, err := due(ctx, env)
			return !missing, err
		},
		Repair: func(ctx context.Context, env Env) error {
			missing, err := due(ctx, env)
			if err != nil || !missing {
				return err
			}
			for _, tx := range env.Ledger.OfType(domain.TxItemAcquisition) {
				if tx.Open() {
					// The acquisition in flight is repaired by staleness once it times out.
					return nil
				}
			}

			tier := req.Tier
			if tier == "" {
				tier = domain.TierBase
			}
			id, err := env.Ledger.Start(ctx, domain.TxItemAcquisition, map[string]any{
				"tier":    string(tier),
				"reason":  "checkpoint " + req.ID,
				"node_id": req.GrantingNodeID,
			}, "", req.GrantingNodeID)
			if err != nil {
				return err
			}
			if err := env.Stores.Items.GrantCriticalItem(ctx, tier); err != nil {
				_ = env.Ledger.Fail(ctx, id, err.Error())
				return err
			}
			_, err = env.Ledger.Complete(ctx, id)
			return err
		},
		requirement: &req,
	}
}
