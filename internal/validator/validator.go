// Package validator inspects progression without mutating anything.
//
// ValidateGraph lints an authored flow. Validate is the pure progression
// check over machine, ledger and store snapshots that the guarantor and the
// recovery planner act on.
package validator

import (
	"fmt"
	"strings"

	"github.com/aretw0/storyguard/pkg/domain"
)

// ValidateGraph crawls a flow from its initial state and reports critical-path
// states and conclusions that can never be reached, and flows with no conclusion.
func ValidateGraph(flow *domain.DialogueFlow) error {
	// 1. Crawl
	visited := map[string]bool{}
	queue := []string{flow.InitialStateID()}

	for len(queue) > 0 {
		currentID := queue[0]
		queue = queue[1:]

		if visited[currentID] {
			continue
		}
		visited[currentID] = true

		state, ok := flow.State(currentID)
		if !ok {
			continue
		}
		targets := []string{state.NextStateID}
		for _, opt := range state.Options {
			targets = append(targets, opt.NextStateID)
		}
		if state.IsConclusion {
			if r := flow.Routes(); r != nil {
				targets = append(targets, r.ExcellenceStateID, r.NeedsImprovementStateID)
			}
		}
		for _, target := range targets {
			if target != "" && !visited[target] {
				queue = append(queue, target)
			}
		}
	}

	// 2. Report
	var problems []string
	if len(flow.Conclusions()) == 0 {
		problems = append(problems, "flow has no conclusion state")
	}
	for _, s := range flow.States() {
		if visited[s.ID] {
			continue
		}
		switch {
		case s.IsCriticalPath:
			problems = append(problems, fmt.Sprintf("critical state '%s' is unreachable", s.ID))
		case s.IsConclusion:
			problems = append(problems, fmt.Sprintf("conclusion '%s' is unreachable", s.ID))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("flow '%s': found %d problems:\n- %s", flow.ID(), len(problems), strings.Join(problems, "\n- "))
	}
	return nil
}
