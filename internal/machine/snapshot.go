package machine

import (
	"context"
	"fmt"

	"github.com/aretw0/storyguard/pkg/domain"
)

// FlowSnapshot returns a read-only view of the machine for validation.
func (m *Machine) FlowSnapshot() domain.FlowSnapshot {
	snap := domain.FlowSnapshot{Status: m.status}
	if m.Active() {
		snap.FlowID = m.flow.ID()
		snap.Flow = m.flow
		snap.Context = m.dctx.Clone()
	}
	return snap
}

// Snapshot captures the active flow for persistence. It returns nil when idle.
func (m *Machine) Snapshot() *domain.SessionSnapshot {
	if !m.Active() {
		return nil
	}
	return &domain.SessionSnapshot{
		FlowID:         m.flow.ID(),
		Context:        domain.EncodeContext(m.dctx),
		UI:             m.ui,
		RepairAttempts: m.repairAttempts,
		SavedAt:        m.now(),
	}
}

// Restore re-activates a flow from a snapshot taken earlier. Enter effects are
// not replayed; their results are already part of the stored context.
func (m *Machine) Restore(ctx context.Context, flow *domain.DialogueFlow, snap *domain.SessionSnapshot) error {
	if m.Active() {
		return domain.ErrFlowAlreadyActive
	}
	if flow == nil || snap == nil {
		return fmt.Errorf("restore needs a flow and a snapshot")
	}
	if snap.FlowID != flow.ID() {
		return fmt.Errorf("snapshot belongs to flow '%s', not '%s'", snap.FlowID, flow.ID())
	}

	dctx := domain.DecodeContext(snap.Context)
	if _, ok := flow.State(dctx.CurrentStateID); !ok {
		return &domain.UnknownStateError{FlowID: flow.ID(), StateID: dctx.CurrentStateID}
	}

	m.flow = flow
	m.dctx = dctx
	m.status = domain.StatusActive
	m.ui = snap.UI
	m.pending = nil
	m.repairAttempts = snap.RepairAttempts
	m.epoch++

	m.logger.InfoContext(ctx, "flow restored", "flow", flow.ID(), "state", dctx.CurrentStateID, "score", dctx.Score)
	m.publish(ctx, domain.Event{Type: domain.EventDialogueResumed, StateID: dctx.CurrentStateID, Score: dctx.Score})
	return nil
}

// Resume re-presents the current state of the active flow without re-running
// its effects. Used after the UI reattaches to an orphaned conversation.
func (m *Machine) Resume(ctx context.Context) error {
	if !m.Active() {
		return domain.ErrNoActiveFlow
	}
	m.ui = domain.UIFlags{}
	m.pending = nil
	m.logger.InfoContext(ctx, "flow resumed", "flow", m.flow.ID(), "state", m.dctx.CurrentStateID)
	m.publish(ctx, domain.Event{Type: domain.EventDialogueResumed, StateID: m.dctx.CurrentStateID, Score: m.dctx.Score})
	return nil
}
