package domain

import "slices"

// MachineStatus is the control-flow state of the dialogue engine itself.
type MachineStatus string

const (
	StatusNoFlow     MachineStatus = "no_flow"    // Initial and terminal
	StatusActive     MachineStatus = "active"     // A conversation is running
	StatusCompleting MachineStatus = "completing" // Completion is being committed
)

// DialogueContext is the mutable accumulator of the active conversation.
type DialogueContext struct {
	FlowID      string
	CharacterID string
	NodeID      string

	CurrentStateID string
	Score          int

	// SelectedOptions is the ordered selection history.
	SelectedOptions []string

	// Knowledge maps a concept to its accumulated amount.
	Knowledge map[string]int

	// VisitedStates is append-only; repeats are allowed.
	VisitedStates []string

	// CriticalProgress marks which `state-<id>` / `option-<id>` keys were hit.
	CriticalProgress map[string]bool

	// Transactions maps a transaction type to the ledger id opened for it.
	Transactions map[TransactionType]string

	// Equipment lists references recorded by RecordEquipment effects.
	Equipment []string
}

// NewDialogueContext creates a context positioned on the initial state, already marked visited.
func NewDialogueContext(flow *DialogueFlow) *DialogueContext {
	return &DialogueContext{
		FlowID:           flow.ID(),
		CharacterID:      flow.CharacterID(),
		NodeID:           flow.NodeID(),
		CurrentStateID:   flow.InitialStateID(),
		Knowledge:        make(map[string]int),
		VisitedStates:    []string{flow.InitialStateID()},
		CriticalProgress: make(map[string]bool),
		Transactions:     make(map[TransactionType]string),
	}
}

// HasVisited reports whether the state appears in the visit history.
func (c *DialogueContext) HasVisited(stateID string) bool {
	return slices.Contains(c.VisitedStates, stateID)
}

// VisitCount counts how many times the state was entered.
func (c *DialogueContext) VisitCount(stateID string) int {
	n := 0
	for _, id := range c.VisitedStates {
		if id == stateID {
			n++
		}
	}
	return n
}

// Clone returns a deep copy, safe to hand to read-only consumers.
func (c *DialogueContext) Clone() *DialogueContext {
	if c == nil {
		return nil
	}
	next := *c
	next.SelectedOptions = slices.Clone(c.SelectedOptions)
	next.VisitedStates = slices.Clone(c.VisitedStates)
	next.Equipment = slices.Clone(c.Equipment)
	next.Knowledge = make(map[string]int, len(c.Knowledge))
	for k, v := range c.Knowledge {
		next.Knowledge[k] = v
	}
	next.CriticalProgress = make(map[string]bool, len(c.CriticalProgress))
	for k, v := range c.CriticalProgress {
		next.CriticalProgress[k] = v
	}
	next.Transactions = make(map[TransactionType]string, len(c.Transactions))
	for k, v := range c.Transactions {
		next.Transactions[k] = v
	}
	return &next
}

// UIFlags are transient presentation hints raised by option selection.
type UIFlags struct {
	ShowResponse  bool `json:"show_response"`
	ShowBackstory bool `json:"show_backstory"`
}

// ProgressionStatus is derived purely from the context and the flow graph.
type ProgressionStatus struct {
	CriticalPathsCompleted bool     `json:"critical_paths_completed"`
	MissingCheckpoints     []string `json:"missing_checkpoints,omitempty"`
	LoopingStates          []string `json:"looping_states,omitempty"`
}

// LoopDetected reports whether any visited state exceeded its visit bound.
func (s ProgressionStatus) LoopDetected() bool {
	return len(s.LoopingStates) > 0
}

// FlowSnapshot is a read-only view of the machine used by the validator.
type FlowSnapshot struct {
	Status  MachineStatus
	FlowID  string
	Context *DialogueContext
	Flow    *DialogueFlow
}

// Active reports whether the snapshot describes a running conversation.
func (s FlowSnapshot) Active() bool {
	return s.Status != StatusNoFlow && s.Context != nil && s.Flow != nil
}
