package graph

import (
	"fmt"
	"strings"

	"github.com/aretw0/storyguard/pkg/domain"
)

// GraphOverlay contains conversation progress to visualize on the graph.
type GraphOverlay struct {
	VisitedStates []string
	CurrentState  string
}

// OverlayFor builds an overlay from a dialogue context.
func OverlayFor(dctx *domain.DialogueContext) *GraphOverlay {
	if dctx == nil {
		return nil
	}
	return &GraphOverlay{VisitedStates: dctx.VisitedStates, CurrentState: dctx.CurrentStateID}
}

// GenerateMermaid produces a Mermaid flowchart of a dialogue flow.
// It applies semantic styling:
// - Initial state: ((Circle))
// - Critical moment: {{Hexagon}}
// - Conclusion: ([Stadium])
// - Default: [Rectangle]
// Critical-path states are outlined and score routes are dotted.
func GenerateMermaid(flow *domain.DialogueFlow, overlay *GraphOverlay) string {
	var sb strings.Builder
	sb.WriteString("graph TD\n")

	var critical []string
	for _, state := range flow.States() {
		safeID := sanitizeMermaidID(state.ID)

		opener, closer := "[", "]"
		switch {
		case state.ID == flow.InitialStateID():
			opener, closer = "((", "))"
		case state.Kind == domain.KindCriticalMoment:
			opener, closer = "{{", "}}"
		case state.IsConclusion:
			opener, closer = "([", "])"
		}
		fmt.Fprintf(&sb, "    %s%s\"%s\"%s\n", safeID, opener, state.ID, closer)
		if state.IsCriticalPath {
			critical = append(critical, safeID)
		}

		if state.NextStateID != "" {
			fmt.Fprintf(&sb, "    %s --> %s\n", safeID, sanitizeMermaidID(state.NextStateID))
		}
		for _, opt := range state.Options {
			if opt.NextStateID == "" {
				continue
			}
			label := strings.ReplaceAll(opt.ID, "\"", "'")
			if opt.RelationshipChange != 0 {
				label = fmt.Sprintf("%s %+d", label, opt.RelationshipChange)
			}
			arrow := fmt.Sprintf("-- \"%s\" -->", label)
			if opt.Condition != nil {
				arrow = fmt.Sprintf("-. \"%s\" .->", label)
			}
			fmt.Fprintf(&sb, "    %s %s %s\n", safeID, arrow, sanitizeMermaidID(opt.NextStateID))
		}
	}

	// Score routes leave every conclusion.
	if routes := flow.Routes(); routes != nil {
		for _, id := range flow.Conclusions() {
			from := sanitizeMermaidID(id)
			if to := routes.ExcellenceStateID; to != "" && to != id {
				fmt.Fprintf(&sb, "    %s -. \"score >= %d\" .-> %s\n", from, routes.ExcellenceThreshold, sanitizeMermaidID(to))
			}
			if to := routes.NeedsImprovementStateID; to != "" && to != id {
				fmt.Fprintf(&sb, "    %s -. \"score < %d\" .-> %s\n", from, routes.NeedsImprovementBelow, sanitizeMermaidID(to))
			}
		}
	}

	if len(critical) > 0 {
		sb.WriteString("\n    classDef critical stroke:#d32f2f,stroke-width:3px;\n")
		fmt.Fprintf(&sb, "    class %s critical;\n", strings.Join(critical, ","))
	}

	if overlay != nil {
		sb.WriteString("\n    %% Overlay Styles\n")
		// Force black text (color:#000) for high-contrast on light backgrounds.
		sb.WriteString("    classDef visited fill:#e1f5fe,stroke:#01579b,stroke-width:2px,color:#000;\n")
		sb.WriteString("    classDef current fill:#ffeb3b,stroke:#fbc02d,stroke-width:4px,color:#000;\n")

		seen := make(map[string]bool)
		for _, id := range overlay.VisitedStates {
			safeID := sanitizeMermaidID(id)
			if !seen[safeID] && safeID != "" && id != overlay.CurrentState {
				seen[safeID] = true
				fmt.Fprintf(&sb, "    class %s visited;\n", safeID)
			}
		}
		if overlay.CurrentState != "" {
			fmt.Fprintf(&sb, "    class %s current;\n", sanitizeMermaidID(overlay.CurrentState))
		}
	}

	return sb.String()
}

func sanitizeMermaidID(id string) string {
	s := strings.ReplaceAll(id, ".", "_")
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, " ", "_")
	return s
}
