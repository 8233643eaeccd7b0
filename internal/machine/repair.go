package machine

import (
	"context"
	"strings"

	"github.com/aretw0/storyguard/pkg/domain"
)

// ProgressionStatus derives critical-path completion and loops from the active context.
func (m *Machine) ProgressionStatus() domain.ProgressionStatus {
	if !m.Active() {
		return domain.ProgressionStatus{CriticalPathsCompleted: true}
	}
	return domain.DeriveProgression(m.flow, m.dctx)
}

// ForceProgressionRepair is the machine's local self-repair. An explicit
// target is jumped to directly. Otherwise it visits the first unvisited
// critical state, then the state offering a missing critical option, and
// finally falls back to a conclusion.
func (m *Machine) ForceProgressionRepair(ctx context.Context, targetStateID string) error {
	if !m.Active() {
		return domain.ErrNoActiveFlow
	}

	m.repairing = true
	defer func() { m.repairing = false }()

	target := targetStateID
	if target == "" {
		target = m.repairTarget()
	}
	if target == "" {
		m.logger.WarnContext(ctx, "no repair target", "flow", m.flow.ID())
		return nil
	}

	m.logger.InfoContext(ctx, "forcing progression repair", "flow", m.flow.ID(), "from", m.dctx.CurrentStateID, "to", target)
	if err := m.JumpToState(ctx, target); err != nil {
		return err
	}
	if m.hooks.OnRepair != nil {
		m.hooks.OnRepair(ctx, &domain.RepairEvent{Source: "machine", CheckpointID: domain.StateKey(target), Description: "forced jump to " + target})
	}
	return nil
}

func (m *Machine) repairTarget() string {
	for _, id := range m.flow.CriticalStateIDs() {
		if !m.dctx.HasVisited(id) {
			return id
		}
	}

	missing := m.ProgressionStatus().MissingCheckpoints
	for _, key := range missing {
		optionID, ok := strings.CutPrefix(key, domain.OptionKeyPrefix)
		if !ok {
			continue
		}
		if owner := m.optionOwner(optionID); owner != "" && owner != m.dctx.CurrentStateID {
			return owner
		}
	}

	conclusions := m.flow.Conclusions()
	for _, id := range conclusions {
		if id != m.dctx.CurrentStateID {
			return id
		}
	}
	if len(conclusions) > 0 {
		return conclusions[0]
	}
	return ""
}

func (m *Machine) optionOwner(optionID string) string {
	for _, s := range m.flow.States() {
		if _, ok := s.Option(optionID); ok {
			return s.ID
		}
	}
	return ""
}
