package domain_test

import (
	"encoding/json"
	"testing"

	"github.com/aretw0/storyguard/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeContext_SetsBecomeSortedSlices(t *testing.T) {
	ctx := &domain.DialogueContext{
		FlowID:           "f",
		CurrentStateID:   "b",
		VisitedStates:    []string{"a", "b", "a"},
		CriticalProgress: map[string]bool{"state-b": true, "option-x": true, "state-a": false},
		Transactions:     map[domain.TransactionType]string{domain.TxItemAcquisition: "tx-1"},
		Knowledge:        map[string]int{"dose": 2},
	}

	rec := domain.EncodeContext(ctx)
	assert.Equal(t, []string{"option-x", "state-b"}, rec.CriticalHits)

	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	var back domain.ContextRecord
	require.NoError(t, json.Unmarshal(raw, &back))

	decoded := domain.DecodeContext(back)
	assert.Equal(t, []string{"a", "b", "a"}, decoded.VisitedStates)
	assert.True(t, decoded.CriticalProgress["state-b"])
	assert.False(t, decoded.CriticalProgress["state-a"])
	assert.Equal(t, "tx-1", decoded.Transactions[domain.TxItemAcquisition])
	assert.Equal(t, 2, decoded.Knowledge["dose"])
}

func TestSortActions_GrantsFirst(t *testing.T) {
	actions := []domain.RecoveryAction{
		domain.ResumeDialogue{FlowID: "f"},
		domain.MarkNodeComplete{NodeID: "n"},
		domain.GrantItem{Tier: domain.TierBase},
		domain.GrantKnowledge{ConceptID: "c"},
	}
	domain.SortActions(actions)

	plan := domain.RecoveryPlan{Actions: actions}
	assert.Equal(t, []domain.ActionKind{
		domain.ActionGrantItem,
		domain.ActionGrantKnowledge,
		domain.ActionMarkNodeComplete,
		domain.ActionResumeDialogue,
	}, plan.Kinds())
	assert.True(t, domain.IsGrant(actions[0]))
	assert.False(t, domain.IsGrant(actions[3]))
}
