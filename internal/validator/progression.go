package validator

import (
	"time"

	"github.com/aretw0/storyguard/pkg/domain"
)

// Requirement declares when the critical item must be held.
type Requirement struct {
	ID          string      `json:"id" yaml:"id"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Tier        domain.Tier `json:"tier,omitempty" yaml:"tier,omitempty"`

	// GrantingNodeID: once this node is completed the item must be held.
	GrantingNodeID string `json:"granting_node,omitempty" yaml:"granting_node,omitempty"`

	// ExpectedByDay: past this day the item must be held. Zero disables the check.
	ExpectedByDay int `json:"expected_by_day,omitempty" yaml:"expected_by_day,omitempty"`
}

// StoreSnapshot is what the validator needs to know about the external stores.
type StoreSnapshot struct {
	HasCriticalItem bool
	CurrentDay      int

	// CompletedNodes holds every node that has at least one completion record.
	CompletedNodes map[string]bool
}

// Due reports whether a requirement's acquisition point has passed.
func (r Requirement) Due(store StoreSnapshot) bool {
	if r.GrantingNodeID != "" && store.CompletedNodes[r.GrantingNodeID] {
		return true
	}
	return r.ExpectedByDay > 0 && store.CurrentDay > r.ExpectedByDay
}

// Input is everything Validate looks at.
type Input struct {
	Flow         domain.FlowSnapshot
	Transactions []domain.Transaction
	Store        StoreSnapshot
	Requirements []Requirement
	Now          time.Time
	StaleAfter   time.Duration
}

// Report is the structured outcome of Validate.
type Report struct {
	CheckedAt time.Time `json:"checked_at"`
	FlowID    string    `json:"flow_id,omitempty"`

	MissingCheckpoints  []string `json:"missing_checkpoints,omitempty"`
	LoopingStates       []string `json:"looping_states,omitempty"`
	StalledTransactions []string `json:"stalled_transactions,omitempty"`

	// MissingItems lists the ids of due requirements while the item is not held.
	MissingItems []string `json:"missing_items,omitempty"`

	// UndeliveredGrants lists completed item-acquisition transactions whose item is not held.
	UndeliveredGrants []string `json:"undelivered_grants,omitempty"`

	RequiresRepair bool `json:"requires_repair"`
}

// Valid is the inverse of RequiresRepair.
func (r Report) Valid() bool {
	return !r.RequiresRepair
}

// Validate inspects the snapshots and reports what is broken. It never mutates its input.
//
// Missing checkpoints of an active flow only require repair once the
// conversation sits on a conclusion; before that they are simply not reached yet.
func Validate(in Input) Report {
	report := Report{CheckedAt: in.Now}

	if in.Flow.Active() {
		report.FlowID = in.Flow.FlowID
		status := domain.DeriveProgression(in.Flow.Flow, in.Flow.Context)
		report.MissingCheckpoints = status.MissingCheckpoints
		report.LoopingStates = status.LoopingStates

		current, _ := in.Flow.Flow.State(in.Flow.Context.CurrentStateID)
		if current.IsConclusion && !status.CriticalPathsCompleted {
			report.RequiresRepair = true
		}
		if status.LoopDetected() {
			report.RequiresRepair = true
		}
	}

	for _, tx := range in.Transactions {
		if tx.StaleAt(in.Now, in.StaleAfter) {
			report.StalledTransactions = append(report.StalledTransactions, tx.ID)
		}
		if tx.Type == domain.TxItemAcquisition && tx.Status == domain.TxCompleted && !in.Store.HasCriticalItem {
			report.UndeliveredGrants = append(report.UndeliveredGrants, tx.ID)
		}
	}

	if !in.Store.HasCriticalItem {
		for _, req := range in.Requirements {
			if req.Due(in.Store) {
				report.MissingItems = append(report.MissingItems, req.ID)
			}
		}
	}

	if len(report.StalledTransactions) > 0 || len(report.MissingItems) > 0 || len(report.UndeliveredGrants) > 0 {
		report.RequiresRepair = true
	}
	return report
}
