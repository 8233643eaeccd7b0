package domain

// EffectKind names a declarative enter/exit effect.
type EffectKind string

const (
	EffectMarkConcept     EffectKind = "mark_concept"
	EffectRecordEquipment EffectKind = "record_equipment"
	EffectOpenTransaction EffectKind = "open_transaction"
)

// Effect is a data-only side effect attached to a state's enter or exit.
// The set is closed: only the types in this file implement it.
type Effect interface {
	Kind() EffectKind
	sealedEffect()
}

// MarkConcept credits knowledge of a concept to the dialogue context.
type MarkConcept struct {
	ConceptID string `json:"concept_id" yaml:"concept"`
	Domain    string `json:"domain,omitempty" yaml:"domain,omitempty"`
	Amount    int    `json:"amount" yaml:"amount"`
}

// RecordEquipment remembers a piece of equipment the conversation referenced.
type RecordEquipment struct {
	Ref string `json:"ref" yaml:"ref"`
}

// OpenTransaction starts a ledger transaction for a critical moment.
// At most one transaction per type is opened for a single flow.
type OpenTransaction struct {
	Type     TransactionType `json:"type" yaml:"type"`
	Metadata map[string]any  `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

func (MarkConcept) Kind() EffectKind     { return EffectMarkConcept }
func (RecordEquipment) Kind() EffectKind { return EffectRecordEquipment }
func (OpenTransaction) Kind() EffectKind { return EffectOpenTransaction }

func (MarkConcept) sealedEffect()     {}
func (RecordEquipment) sealedEffect() {}
func (OpenTransaction) sealedEffect() {}
