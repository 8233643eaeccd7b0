package cli

import (
	"strings"

	"github.com/aretw0/storyguard"
	"github.com/aretw0/storyguard/internal/presentation/tui"
)

// PrintAudit summarizes an audit run.
func PrintAudit(p *tui.Printer, report storyguard.AuditReport) {
	if report.Healthy() && len(report.CheckFailures) == 0 {
		p.Success("Progression is healthy.")
		return
	}
	for _, r := range report.Checks.Repairs {
		p.Warn("repaired [%s] %s: %s", r.Stage, r.CheckpointID, r.Description)
	}
	for _, f := range report.CheckFailures {
		p.Warn("check failed: %s", f)
	}
	if rec := report.Recovery; rec != nil {
		kinds := make([]string, 0, len(rec.Actions))
		for _, k := range rec.Actions {
			kinds = append(kinds, string(k))
		}
		if rec.Cleanup != "" {
			kinds = append(kinds, "flow "+rec.Cleanup)
		}
		if rec.Success {
			p.Success("Recovery %s applied: %s", rec.ID, strings.Join(kinds, ", "))
		} else {
			p.Warn("Recovery %s partially failed: %s", rec.ID, strings.Join(rec.Failures, "; "))
		}
	}
}

// PrintStatus summarizes the engine status.
func PrintStatus(p *tui.Printer, st storyguard.Status) {
	if st.FlowID == "" {
		p.System("No active conversation.")
	} else {
		p.System("Conversation '%s' at '%s' (score %d).", st.FlowID, st.StateID, st.Score)
		if prog := st.Progression; prog != nil && !prog.CriticalPathsCompleted {
			p.System("Missing checkpoints: %s", strings.Join(prog.MissingCheckpoints, ", "))
		}
	}
	if st.OpenTransactions > 0 {
		p.System("%d open transactions, %d stale.", st.OpenTransactions, len(st.StaleTransactions))
	}
}
