package domain

// StateKind is the semantic role of a DialogueState within a conversation.
// Kinds are authored data; they never change the engine's own control flow.
type StateKind string

const (
	KindIntro          StateKind = "intro"
	KindQuestion       StateKind = "question"
	KindResponse       StateKind = "response"
	KindBackstory      StateKind = "backstory"
	KindConclusion     StateKind = "conclusion"
	KindCriticalMoment StateKind = "critical-moment"
	KindTransition     StateKind = "transition"
)

// Valid reports whether the kind belongs to the closed set.
func (k StateKind) Valid() bool {
	switch k {
	case KindIntro, KindQuestion, KindResponse, KindBackstory,
		KindConclusion, KindCriticalMoment, KindTransition:
		return true
	}
	return false
}

// DialogueState is a node in an authored conversation graph.
type DialogueState struct {
	ID          string           `json:"id" yaml:"id"`
	Kind        StateKind        `json:"kind" yaml:"kind"`
	Text        string           `json:"text" yaml:"text"`
	Options     []DialogueOption `json:"options,omitempty" yaml:"options,omitempty"`
	NextStateID string           `json:"next_state_id,omitempty" yaml:"next,omitempty"`

	IsConclusion   bool `json:"is_conclusion,omitempty" yaml:"is_conclusion,omitempty"`
	IsCriticalPath bool `json:"is_critical_path,omitempty" yaml:"is_critical_path,omitempty"`
	IsMandatory    bool `json:"is_mandatory,omitempty" yaml:"is_mandatory,omitempty"`

	// MaxVisits bounds loops through this state. Zero means DefaultMaxVisits.
	MaxVisits int `json:"max_visits,omitempty" yaml:"max_visits,omitempty"`

	OnEnter []Effect `json:"-" yaml:"-"`
	OnExit  []Effect `json:"-" yaml:"-"`
}

// VisitLimit returns the effective loop bound of the state.
func (s DialogueState) VisitLimit() int {
	if s.MaxVisits > 0 {
		return s.MaxVisits
	}
	return DefaultMaxVisits
}

// Option looks up an option by id.
func (s DialogueState) Option(id string) (DialogueOption, bool) {
	for _, opt := range s.Options {
		if opt.ID == id {
			return opt, true
		}
	}
	return DialogueOption{}, false
}

// KnowledgeGain is the concept/domain/amount triple granted by an option.
type KnowledgeGain struct {
	ConceptID string `json:"concept_id" yaml:"concept"`
	Domain    string `json:"domain,omitempty" yaml:"domain,omitempty"`
	Amount    int    `json:"amount" yaml:"amount"`
}

// DialogueOption is a player choice attached to a state.
type DialogueOption struct {
	ID           string `json:"id" yaml:"id"`
	Text         string `json:"text" yaml:"text"`
	ResponseText string `json:"response_text,omitempty" yaml:"response,omitempty"`
	NextStateID  string `json:"next_state_id,omitempty" yaml:"next,omitempty"`

	RelationshipChange int            `json:"relationship_change,omitempty" yaml:"relationship_change,omitempty"`
	InsightGain        int            `json:"insight_gain,omitempty" yaml:"insight_gain,omitempty"`
	KnowledgeGain      *KnowledgeGain `json:"knowledge_gain,omitempty" yaml:"knowledge_gain,omitempty"`

	TriggersBackstory bool `json:"triggers_backstory,omitempty" yaml:"triggers_backstory,omitempty"`
	IsCriticalPath    bool `json:"is_critical_path,omitempty" yaml:"is_critical_path,omitempty"`

	// Condition restricts when the option may be offered. Nil means always.
	Condition *OptionCondition `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// OptionCondition is a declarative eligibility predicate over the dialogue context.
// All set fields must hold.
type OptionCondition struct {
	MinScore        *int   `json:"min_score,omitempty" yaml:"min_score,omitempty"`
	MaxScore        *int   `json:"max_score,omitempty" yaml:"max_score,omitempty"`
	RequiresVisited string `json:"requires_visited,omitempty" yaml:"requires_visited,omitempty"`
	RequiresConcept string `json:"requires_concept,omitempty" yaml:"requires_concept,omitempty"`
}

// Eligible evaluates the condition against a context. A nil condition is always eligible.
func (c *OptionCondition) Eligible(ctx *DialogueContext) bool {
	if c == nil {
		return true
	}
	if ctx == nil {
		return false
	}
	if c.MinScore != nil && ctx.Score < *c.MinScore {
		return false
	}
	if c.MaxScore != nil && ctx.Score > *c.MaxScore {
		return false
	}
	if c.RequiresVisited != "" && !ctx.HasVisited(c.RequiresVisited) {
		return false
	}
	if c.RequiresConcept != "" && ctx.Knowledge[c.RequiresConcept] <= 0 {
		return false
	}
	return true
}
