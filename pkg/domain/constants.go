package domain

// Engine-wide defaults. Every one of them can be overridden through configuration.
const (
	// DefaultMaxVisits bounds how many times a state may be visited before a loop is reported.
	DefaultMaxVisits = 3

	// DefaultBackstoryThreshold is the minimum score that surfaces backstory content.
	DefaultBackstoryThreshold = 2

	// DefaultExcellenceThreshold routes a conclusion to the excellence variant.
	DefaultExcellenceThreshold = 3

	// DefaultNeedsImprovementThreshold routes a conclusion to the needs-improvement
	// variant when the score is strictly below it.
	DefaultNeedsImprovementThreshold = 0
)

// Progress key prefixes used in DialogueContext.CriticalProgress.
const (
	StateKeyPrefix  = "state-"
	OptionKeyPrefix = "option-"
)

// StateKey returns the critical-path progress key of a state.
func StateKey(id string) string { return StateKeyPrefix + id }

// OptionKey returns the critical-path progress key of an option.
func OptionKey(id string) string { return OptionKeyPrefix + id }
