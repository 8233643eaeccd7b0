package domain

import (
	"fmt"
	"slices"
	"strings"
)

// ConclusionRoutes redirects a reached conclusion according to the final score.
type ConclusionRoutes struct {
	// ExcellenceStateID is entered when the score is at least ExcellenceThreshold.
	ExcellenceStateID   string `json:"excellence_state_id,omitempty" yaml:"excellence,omitempty"`
	ExcellenceThreshold int    `json:"excellence_threshold" yaml:"excellence_threshold"`

	// NeedsImprovementStateID is entered when the score is below NeedsImprovementBelow.
	NeedsImprovementStateID string `json:"needs_improvement_state_id,omitempty" yaml:"needs_improvement,omitempty"`
	NeedsImprovementBelow   int    `json:"needs_improvement_below" yaml:"needs_improvement_below"`
}

// Route returns the conclusion that the score selects, or "" when none applies.
func (r *ConclusionRoutes) Route(score int) string {
	if r == nil {
		return ""
	}
	if r.ExcellenceStateID != "" && score >= r.ExcellenceThreshold {
		return r.ExcellenceStateID
	}
	if r.NeedsImprovementStateID != "" && score < r.NeedsImprovementBelow {
		return r.NeedsImprovementStateID
	}
	return ""
}

// FlowDefinition is the converted, authoring-format independent shape of a conversation.
type FlowDefinition struct {
	ID             string          `json:"id" yaml:"id"`
	CharacterID    string          `json:"character_id" yaml:"character"`
	NodeID         string          `json:"node_id,omitempty" yaml:"node,omitempty"`
	InitialStateID string          `json:"initial_state_id" yaml:"initial"`
	States         []DialogueState `json:"states" yaml:"states"`

	// CriticalType is the transaction type opened when a critical-path state is entered.
	// Empty means the flow carries no critical grant.
	CriticalType TransactionType `json:"critical_type,omitempty" yaml:"critical_type,omitempty"`

	Routes *ConclusionRoutes `json:"routes,omitempty" yaml:"routes,omitempty"`
}

// DialogueFlow is an immutable conversation graph.
type DialogueFlow struct {
	def         FlowDefinition
	states      map[string]DialogueState
	checkpoints []string
}

// NewFlow validates a definition and derives its critical-path checkpoints.
func NewFlow(def FlowDefinition) (*DialogueFlow, error) {
	flow := &DialogueFlow{
		def:    def,
		states: make(map[string]DialogueState, len(def.States)),
	}

	var problems []string
	for _, s := range def.States {
		if s.ID == "" {
			problems = append(problems, "state with empty id")
			continue
		}
		if _, dup := flow.states[s.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate state '%s'", s.ID))
			continue
		}
		if s.Kind != "" && !s.Kind.Valid() {
			problems = append(problems, fmt.Sprintf("state '%s' has unknown kind '%s'", s.ID, s.Kind))
		}
		flow.states[s.ID] = s
	}

	if _, ok := flow.states[def.InitialStateID]; !ok {
		problems = append(problems, fmt.Sprintf("initial state '%s' not found", def.InitialStateID))
	}

	for _, s := range def.States {
		if s.NextStateID != "" && !flow.has(s.NextStateID) {
			problems = append(problems, fmt.Sprintf("state '%s' points to missing state '%s'", s.ID, s.NextStateID))
		}
		for _, opt := range s.Options {
			if opt.NextStateID != "" && !flow.has(opt.NextStateID) {
				problems = append(problems, fmt.Sprintf("option '%s' points to missing state '%s'", opt.ID, opt.NextStateID))
			}
		}
	}

	if def.Routes != nil {
		for _, target := range []string{def.Routes.ExcellenceStateID, def.Routes.NeedsImprovementStateID} {
			if target == "" {
				continue
			}
			st, ok := flow.states[target]
			if !ok {
				problems = append(problems, fmt.Sprintf("route target '%s' not found", target))
			} else if !st.IsConclusion {
				problems = append(problems, fmt.Sprintf("route target '%s' is not a conclusion", target))
			}
		}
	}

	if def.CriticalType != "" && !def.CriticalType.Valid() {
		problems = append(problems, fmt.Sprintf("unknown critical type '%s'", def.CriticalType))
	}

	if len(problems) > 0 {
		return nil, &InvalidFlowError{FlowID: def.ID, Problems: problems}
	}

	// Checkpoints follow authoring order: states first, each followed by its critical options.
	for _, s := range def.States {
		if s.IsCriticalPath {
			flow.checkpoints = append(flow.checkpoints, StateKey(s.ID))
		}
		for _, opt := range s.Options {
			if opt.IsCriticalPath {
				flow.checkpoints = append(flow.checkpoints, OptionKey(opt.ID))
			}
		}
	}

	return flow, nil
}

func (f *DialogueFlow) has(id string) bool {
	_, ok := f.states[id]
	return ok
}

func (f *DialogueFlow) ID() string                    { return f.def.ID }
func (f *DialogueFlow) CharacterID() string           { return f.def.CharacterID }
func (f *DialogueFlow) NodeID() string                { return f.def.NodeID }
func (f *DialogueFlow) InitialStateID() string        { return f.def.InitialStateID }
func (f *DialogueFlow) CriticalType() TransactionType { return f.def.CriticalType }
func (f *DialogueFlow) Routes() *ConclusionRoutes     { return f.def.Routes }

// State returns a state by id.
func (f *DialogueFlow) State(id string) (DialogueState, bool) {
	s, ok := f.states[id]
	return s, ok
}

// States returns the states in authoring order.
func (f *DialogueFlow) States() []DialogueState {
	return slices.Clone(f.def.States)
}

// Checkpoints returns the ordered critical-path progress keys.
func (f *DialogueFlow) Checkpoints() []string {
	return slices.Clone(f.checkpoints)
}

// CriticalStateIDs returns the ids of critical-path states in authoring order.
func (f *DialogueFlow) CriticalStateIDs() []string {
	var ids []string
	for _, key := range f.checkpoints {
		if id, ok := strings.CutPrefix(key, StateKeyPrefix); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Conclusions returns the ids of conclusion states in authoring order.
func (f *DialogueFlow) Conclusions() []string {
	var ids []string
	for _, s := range f.def.States {
		if s.IsConclusion {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// Definition returns a copy of the definition the flow was built from.
func (f *DialogueFlow) Definition() FlowDefinition {
	def := f.def
	def.States = slices.Clone(f.def.States)
	return def
}
