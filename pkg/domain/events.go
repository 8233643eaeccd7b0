package domain

import (
	"context"
	"time"
)

// EventType names an event on the engine's event surface.
type EventType string

const (
	// Consumed from the UI / domain.
	EventDialogueStarted        EventType = "dialogue.started"
	EventDialogueOptionSelected EventType = "dialogue.option_selected"
	EventDialogueAdvanced       EventType = "dialogue.advanced"
	EventNodeCompleted          EventType = "node.completed"
	EventPhaseChanged           EventType = "phase.changed"
	EventSessionStarted         EventType = "session.started"
	EventSessionEnded           EventType = "session.ended"
	EventUIMounted              EventType = "ui.mounted"
	EventUIUnmounted            EventType = "ui.unmounted"

	// Produced by the engine.
	EventDialogueCompleted   EventType = "dialogue.completed"
	EventDialogueResumed     EventType = "dialogue.resumed"
	EventStateEntered        EventType = "dialogue.state_entered"
	EventOptionApplied       EventType = "dialogue.option_applied"
	EventKnowledgeGained     EventType = "knowledge.gained"
	EventCriticalItemGranted EventType = "critical_item.granted"
	EventTransactionFailed   EventType = "transaction.failed"
)

// Event is the single envelope used on the event bus.
// Only the fields relevant to Type are populated.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	FlowID      string `json:"flow_id,omitempty"`
	CharacterID string `json:"character_id,omitempty"`
	NodeID      string `json:"node_id,omitempty"`
	NodeType    string `json:"node_type,omitempty"`
	StateID     string `json:"state_id,omitempty"`
	OptionID    string `json:"option_id,omitempty"`

	Score              int            `json:"score,omitempty"`
	RelationshipChange int            `json:"relationship_change,omitempty"`
	InsightGain        int            `json:"insight_gain,omitempty"`
	Knowledge          *KnowledgeGain `json:"knowledge,omitempty"`
	Tier               Tier           `json:"tier,omitempty"`

	// dialogue.completed
	Completed bool   `json:"completed,omitempty"`
	Reason    string `json:"reason,omitempty"`

	// phase.changed
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	TransactionID string `json:"transaction_id,omitempty"`
}

// StateEvent is emitted when the machine enters or leaves a dialogue state.
type StateEvent struct {
	FlowID  string
	StateID string
	Kind    StateKind
	Visits  int
}

// TransactionEvent is emitted on every ledger status change.
type TransactionEvent struct {
	Transaction Transaction
	From        TransactionStatus
}

// RepairEvent is emitted whenever a repair actually mutated something.
type RepairEvent struct {
	Source       string // "guarantor", "recovery" or "machine"
	CheckpointID string
	Description  string
}

// LifecycleHooks defines callbacks for engine observability.
type LifecycleHooks struct {
	OnStateEnter  func(context.Context, *StateEvent)
	OnStateLeave  func(context.Context, *StateEvent)
	OnTransaction func(context.Context, *TransactionEvent)
	OnRepair      func(context.Context, *RepairEvent)
}

// Merge returns hooks that call h first and then other.
func (h LifecycleHooks) Merge(other LifecycleHooks) LifecycleHooks {
	return LifecycleHooks{
		OnStateEnter:  chain(h.OnStateEnter, other.OnStateEnter),
		OnStateLeave:  chain(h.OnStateLeave, other.OnStateLeave),
		OnTransaction: chain(h.OnTransaction, other.OnTransaction),
		OnRepair:      chain(h.OnRepair, other.OnRepair),
	}
}

func chain[T any](a, b func(context.Context, T)) func(context.Context, T) {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return func(ctx context.Context, v T) {
		a(ctx, v)
		b(ctx, v)
	}
}
