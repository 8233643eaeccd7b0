package domain

import (
	"sort"
	"time"
)

// ActionKind names a recovery action.
type ActionKind string

const (
	ActionGrantItem          ActionKind = "grant_item"
	ActionGrantKnowledge     ActionKind = "grant_knowledge"
	ActionRepairRelationship ActionKind = "repair_relationship"
	ActionMarkNodeComplete   ActionKind = "mark_node_complete"
	ActionForceCriticalState ActionKind = "force_critical_state"
	ActionResumeDialogue     ActionKind = "resume_dialogue"
)

// RecoveryAction is one repair step of a RecoveryPlan. The set is closed:
// executors implement ActionVisitor, so adding a kind breaks every executor
// that does not handle it.
type RecoveryAction interface {
	Kind() ActionKind
	Accept(v ActionVisitor) error
}

// ActionVisitor executes recovery actions.
type ActionVisitor interface {
	VisitGrantItem(GrantItem) error
	VisitGrantKnowledge(GrantKnowledge) error
	VisitRepairRelationship(RepairRelationship) error
	VisitMarkNodeComplete(MarkNodeComplete) error
	VisitForceCriticalState(ForceCriticalState) error
	VisitResumeDialogue(ResumeDialogue) error
}

// GrantItem grants the critical item when it is not already held.
type GrantItem struct {
	Tier          Tier   `json:"tier"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// GrantKnowledge credits mastery of a concept.
type GrantKnowledge struct {
	ConceptID     string `json:"concept_id"`
	Domain        string `json:"domain,omitempty"`
	Amount        int    `json:"amount"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// RepairRelationship raises a character relationship to at least MinLevel.
type RepairRelationship struct {
	CharacterID   string `json:"character_id"`
	MinLevel      int    `json:"min_level"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// MarkNodeComplete completes a map node in the progress store.
type MarkNodeComplete struct {
	NodeID        string         `json:"node_id"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	TransactionID string         `json:"transaction_id,omitempty"`
}

// ForceCriticalState moves the active flow onto a critical-path state.
type ForceCriticalState struct {
	StateID string `json:"state_id,omitempty"`
}

// ResumeDialogue re-enters the current state of an interrupted flow.
type ResumeDialogue struct {
	FlowID  string `json:"flow_id"`
	StateID string `json:"state_id"`
}

func (GrantItem) Kind() ActionKind          { return ActionGrantItem }
func (GrantKnowledge) Kind() ActionKind     { return ActionGrantKnowledge }
func (RepairRelationship) Kind() ActionKind { return ActionRepairRelationship }
func (MarkNodeComplete) Kind() ActionKind   { return ActionMarkNodeComplete }
func (ForceCriticalState) Kind() ActionKind { return ActionForceCriticalState }
func (ResumeDialogue) Kind() ActionKind     { return ActionResumeDialogue }

func (a GrantItem) Accept(v ActionVisitor) error          { return v.VisitGrantItem(a) }
func (a GrantKnowledge) Accept(v ActionVisitor) error     { return v.VisitGrantKnowledge(a) }
func (a RepairRelationship) Accept(v ActionVisitor) error { return v.VisitRepairRelationship(a) }
func (a MarkNodeComplete) Accept(v ActionVisitor) error   { return v.VisitMarkNodeComplete(a) }
func (a ForceCriticalState) Accept(v ActionVisitor) error { return v.VisitForceCriticalState(a) }
func (a ResumeDialogue) Accept(v ActionVisitor) error     { return v.VisitResumeDialogue(a) }

// actionPriority orders grants before invasive actions.
var actionPriority = map[ActionKind]int{
	ActionGrantItem:          0,
	ActionGrantKnowledge:     1,
	ActionRepairRelationship: 2,
	ActionMarkNodeComplete:   3,
	ActionForceCriticalState: 4,
	ActionResumeDialogue:     5,
}

// IsGrant reports whether the action only grants content and is therefore safe to run unconditionally.
func IsGrant(a RecoveryAction) bool {
	switch a.Kind() {
	case ActionGrantItem, ActionGrantKnowledge, ActionRepairRelationship, ActionMarkNodeComplete:
		return true
	}
	return false
}

// SortActions orders actions by priority, keeping insertion order inside a priority.
func SortActions(actions []RecoveryAction) {
	sort.SliceStable(actions, func(i, j int) bool {
		return actionPriority[actions[i].Kind()] < actionPriority[actions[j].Kind()]
	})
}

// RecoveryPlan is an ordered, idempotent set of repair actions built fresh on each audit.
type RecoveryPlan struct {
	ID          string           `json:"id"`
	CreatedAt   time.Time        `json:"created_at"`
	CharacterID string           `json:"character_id,omitempty"`
	NodeID      string           `json:"node_id,omitempty"`
	FlowID      string           `json:"flow_id,omitempty"`
	Issues      []string         `json:"issues,omitempty"`
	Actions     []RecoveryAction `json:"-"`

	// CleanupFlow completes an orphaned flow once the actions ran, because a
	// more specific repair superseded resuming it.
	CleanupFlow bool `json:"cleanup_flow,omitempty"`
	// AbandonFlow drops an orphaned flow that was already resumed once and
	// still has no UI. Its open transactions are left to the guarantor.
	AbandonFlow bool `json:"abandon_flow,omitempty"`
}

// Empty reports whether the plan has nothing to do.
func (p RecoveryPlan) Empty() bool {
	return len(p.Actions) == 0 && !p.CleanupFlow && !p.AbandonFlow
}

// Kinds lists the action kinds in execution order.
func (p RecoveryPlan) Kinds() []ActionKind {
	kinds := make([]ActionKind, 0, len(p.Actions))
	for _, a := range p.Actions {
		kinds = append(kinds, a.Kind())
	}
	return kinds
}

// Has reports whether the plan contains an action of the given kind.
func (p RecoveryPlan) Has(kind ActionKind) bool {
	for _, a := range p.Actions {
		if a.Kind() == kind {
			return true
		}
	}
	return false
}

// RecoverySnapshot captures the few attributes that matter before and after a recovery.
type RecoverySnapshot struct {
	HasCriticalItem bool `json:"has_critical_item"`
	CurrentDay      int  `json:"current_day"`
	FlowActive      bool `json:"flow_active"`
}

// RecoveryRecord is the audit entry of one executed plan.
type RecoveryRecord struct {
	ID            string           `json:"id"`
	PlanID        string           `json:"plan_id"`
	Reason        string           `json:"reason"`
	Actions       []ActionKind     `json:"actions"`
	Cleanup       string           `json:"cleanup,omitempty"`
	Before        RecoverySnapshot `json:"before"`
	After         RecoverySnapshot `json:"after"`
	Success       bool             `json:"success"`
	Failures      []string         `json:"failures,omitempty"`
	TransactionID string           `json:"transaction_id,omitempty"`
	ExecutedAt    time.Time        `json:"executed_at"`
}
