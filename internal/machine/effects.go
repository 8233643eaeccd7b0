package machine

import (
	"context"
	"maps"
	"slices"

	"github.com/aretw0/storyguard/pkg/domain"
)

// enter runs everything tied to arriving on a state: critical-path marking,
// the critical transaction, enter effects and notifications.
func (m *Machine) enter(ctx context.Context, state domain.DialogueState) {
	if state.IsCriticalPath {
		m.dctx.CriticalProgress[domain.StateKey(state.ID)] = true
		if typ := m.flow.CriticalType(); typ != "" {
			m.openTransaction(ctx, typ, map[string]any{"state_id": state.ID})
		}
	}

	m.applyEffects(ctx, state.ID, state.OnEnter)

	visits := m.dctx.VisitCount(state.ID)
	if visits > state.VisitLimit() {
		m.logger.WarnContext(ctx, "state visit bound exceeded", "flow", m.flow.ID(), "state", state.ID, "visits", visits)
	}
	if m.hooks.OnStateEnter != nil {
		m.hooks.OnStateEnter(ctx, &domain.StateEvent{FlowID: m.flow.ID(), StateID: state.ID, Kind: state.Kind, Visits: visits})
	}
	m.publish(ctx, domain.Event{Type: domain.EventStateEntered, StateID: state.ID, Score: m.dctx.Score})
}

func (m *Machine) leave(ctx context.Context, state domain.DialogueState) {
	m.applyEffects(ctx, state.ID, state.OnExit)
	if m.hooks.OnStateLeave != nil {
		m.hooks.OnStateLeave(ctx, &domain.StateEvent{
			FlowID:  m.flow.ID(),
			StateID: state.ID,
			Kind:    state.Kind,
			Visits:  m.dctx.VisitCount(state.ID),
		})
	}
}

func (m *Machine) applyEffects(ctx context.Context, stateID string, effects []domain.Effect) {
	for _, eff := range effects {
		switch e := eff.(type) {
		case domain.MarkConcept:
			if e.ConceptID == "" {
				continue
			}
			m.dctx.Knowledge[e.ConceptID] += e.Amount
			m.publish(ctx, domain.Event{
				Type:      domain.EventKnowledgeGained,
				StateID:   stateID,
				Knowledge: &domain.KnowledgeGain{ConceptID: e.ConceptID, Domain: e.Domain, Amount: e.Amount},
			})
		case domain.RecordEquipment:
			if e.Ref != "" && !slices.Contains(m.dctx.Equipment, e.Ref) {
				m.dctx.Equipment = append(m.dctx.Equipment, e.Ref)
			}
		case domain.OpenTransaction:
			meta := maps.Clone(e.Metadata)
			if meta == nil {
				meta = make(map[string]any)
			}
			meta["state_id"] = stateID
			m.openTransaction(ctx, e.Type, meta)
		default:
			m.logger.WarnContext(ctx, "unknown effect", "state", stateID, "kind", eff.Kind())
		}
	}
}

// openTransaction starts a ledger transaction of typ unless the flow already has one.
func (m *Machine) openTransaction(ctx context.Context, typ domain.TransactionType, metadata map[string]any) {
	if _, exists := m.dctx.Transactions[typ]; exists {
		return
	}
	meta := maps.Clone(metadata)
	if meta == nil {
		meta = make(map[string]any)
	}
	meta["flow_id"] = m.flow.ID()
	if m.dctx.NodeID != "" {
		meta["node_id"] = m.dctx.NodeID
	}

	id, err := m.ledger.Start(ctx, typ, meta, m.dctx.CharacterID, m.dctx.NodeID)
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to open transaction", "flow", m.flow.ID(), "type", typ, "err", err)
		return
	}
	m.dctx.Transactions[typ] = id
}
