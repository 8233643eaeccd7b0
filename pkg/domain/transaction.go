package domain

import "time"

// TransactionType is the closed set of critical operations the ledger tracks.
type TransactionType string

const (
	TxItemAcquisition       TransactionType = "item-acquisition"
	TxCharacterIntroduction TransactionType = "character-introduction"
	TxKnowledgeRevelation   TransactionType = "knowledge-revelation"
	TxBossEncounter         TransactionType = "boss-encounter"
)

// TransactionTypes lists every type in a stable order.
var TransactionTypes = []TransactionType{
	TxItemAcquisition,
	TxCharacterIntroduction,
	TxKnowledgeRevelation,
	TxBossEncounter,
}

// Valid reports whether the type belongs to the closed set.
func (t TransactionType) Valid() bool {
	switch t {
	case TxItemAcquisition, TxCharacterIntroduction, TxKnowledgeRevelation, TxBossEncounter:
		return true
	}
	return false
}

// TransactionStatus is the lifecycle of a ledger record.
// pending -> active -> completed is monotonic; failed may be retried back to active.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxActive    TransactionStatus = "active"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
)

// Transaction is an append-only record of one critical grant operation.
type Transaction struct {
	ID          string            `json:"id"`
	Type        TransactionType   `json:"type"`
	Status      TransactionStatus `json:"status"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	CharacterID string            `json:"character_id,omitempty"`
	NodeID      string            `json:"node_id,omitempty"`

	FailureReason string `json:"failure_reason,omitempty"`
	Attempts      int    `json:"attempts"`
}

// Open reports whether the transaction still awaits confirmation.
func (t Transaction) Open() bool {
	return t.Status == TxPending || t.Status == TxActive
}

// StaleAt reports whether an open transaction has exceeded the threshold at now.
// A pending record that never got activated ages like an active one.
func (t Transaction) StaleAt(now time.Time, threshold time.Duration) bool {
	return t.Open() && now.Sub(t.StartedAt) > threshold
}

// TransactionPayload is the typed view of the well-known metadata keys.
// Ledger metadata is decoded into it with mapstructure.
type TransactionPayload struct {
	FlowID    string `mapstructure:"flow_id"`
	StateID   string `mapstructure:"state_id"`
	Tier      string `mapstructure:"tier"`
	ConceptID string `mapstructure:"concept_id"`
	Domain    string `mapstructure:"domain"`
	Amount    int    `mapstructure:"amount"`
	NodeID    string `mapstructure:"node_id"`
	Recovery  bool   `mapstructure:"recovery"`
	Reason    string `mapstructure:"reason"`
}
