package domain

import (
	"slices"
	"sort"
	"time"
)

// ContextRecord is the JSON-native form of a DialogueContext.
// Sets are stored as sorted slices.
type ContextRecord struct {
	FlowID          string            `json:"flow_id"`
	CharacterID     string            `json:"character_id,omitempty"`
	NodeID          string            `json:"node_id,omitempty"`
	CurrentStateID  string            `json:"current_state_id"`
	Score           int               `json:"score"`
	SelectedOptions []string          `json:"selected_options,omitempty"`
	Knowledge       map[string]int    `json:"knowledge,omitempty"`
	VisitedStates   []string          `json:"visited_states"`
	CriticalHits    []string          `json:"critical_hits,omitempty"`
	Transactions    map[string]string `json:"transactions,omitempty"`
	Equipment       []string          `json:"equipment,omitempty"`
}

// EncodeContext converts a context into its persistence form.
func EncodeContext(c *DialogueContext) ContextRecord {
	rec := ContextRecord{
		FlowID:          c.FlowID,
		CharacterID:     c.CharacterID,
		NodeID:          c.NodeID,
		CurrentStateID:  c.CurrentStateID,
		Score:           c.Score,
		SelectedOptions: slices.Clone(c.SelectedOptions),
		VisitedStates:   slices.Clone(c.VisitedStates),
		Equipment:       slices.Clone(c.Equipment),
	}
	if len(c.Knowledge) > 0 {
		rec.Knowledge = make(map[string]int, len(c.Knowledge))
		for k, v := range c.Knowledge {
			rec.Knowledge[k] = v
		}
	}
	for key, hit := range c.CriticalProgress {
		if hit {
			rec.CriticalHits = append(rec.CriticalHits, key)
		}
	}
	sort.Strings(rec.CriticalHits)
	if len(c.Transactions) > 0 {
		rec.Transactions = make(map[string]string, len(c.Transactions))
		for t, id := range c.Transactions {
			rec.Transactions[string(t)] = id
		}
	}
	return rec
}

// DecodeContext rebuilds a context from its persistence form.
func DecodeContext(rec ContextRecord) *DialogueContext {
	c := &DialogueContext{
		FlowID:           rec.FlowID,
		CharacterID:      rec.CharacterID,
		NodeID:           rec.NodeID,
		CurrentStateID:   rec.CurrentStateID,
		Score:            rec.Score,
		SelectedOptions:  slices.Clone(rec.SelectedOptions),
		VisitedStates:    slices.Clone(rec.VisitedStates),
		Equipment:        slices.Clone(rec.Equipment),
		Knowledge:        make(map[string]int, len(rec.Knowledge)),
		CriticalProgress: make(map[string]bool, len(rec.CriticalHits)),
		Transactions:     make(map[TransactionType]string, len(rec.Transactions)),
	}
	for k, v := range rec.Knowledge {
		c.Knowledge[k] = v
	}
	for _, key := range rec.CriticalHits {
		c.CriticalProgress[key] = true
	}
	for t, id := range rec.Transactions {
		c.Transactions[TransactionType(t)] = id
	}
	return c
}

// SessionSnapshot is what a SnapshotStore persists for an active conversation.
type SessionSnapshot struct {
	FlowID         string        `json:"flow_id"`
	Context        ContextRecord `json:"context"`
	UI             UIFlags       `json:"ui"`
	RepairAttempts int           `json:"repair_attempts"`
	SavedAt        time.Time     `json:"saved_at"`

	// Sealed carries the whole snapshot encrypted when the store is wrapped by
	// an encryption middleware. The other fields are then left empty.
	Sealed string `json:"sealed,omitempty"`
}
