package domain

import (
	"sort"
	"time"
)

// DeriveProgression computes the progression status of a context against its flow.
// It never mutates either argument.
func DeriveProgression(flow *DialogueFlow, ctx *DialogueContext) ProgressionStatus {
	status := ProgressionStatus{CriticalPathsCompleted: true}
	if flow == nil || ctx == nil {
		return status
	}

	for _, key := range flow.Checkpoints() {
		if !ctx.CriticalProgress[key] {
			status.MissingCheckpoints = append(status.MissingCheckpoints, key)
		}
	}
	status.CriticalPathsCompleted = len(status.MissingCheckpoints) == 0

	counts := make(map[string]int)
	for _, id := range ctx.VisitedStates {
		counts[id]++
	}
	for id, n := range counts {
		st, ok := flow.State(id)
		if !ok {
			continue
		}
		if n > st.VisitLimit() {
			status.LoopingStates = append(status.LoopingStates, id)
		}
	}
	sort.Strings(status.LoopingStates)

	return status
}

// NodeRecord is one completion entry of a map node in the progress store.
type NodeRecord struct {
	NodeID      string         `json:"node_id"`
	CompletedAt time.Time      `json:"completed_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}
