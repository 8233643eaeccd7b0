package content_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/storyguard/internal/content"
	"github.com/aretw0/storyguard/pkg/domain"
)

const kapoorYAML = `
flows:
  - id: kapoor-intro
    character: kapoor
    node: node-physics-1
    initial: intro
    critical_type: item-acquisition
    routes:
      excellence: excellent
      needs_improvement: improve
    states:
      - id: intro
        kind: intro
        text: Good morning.
        on_enter:
          - kind: mark_concept
            concept: dosimetry
            amount: 1
          - kind: record_equipment
            ref: linac-2
        options:
          - id: greet
            text: Morning!
            relationship_change: 1
            next: critical
          - id: deep
            text: Ask about calibration
            condition:
              min_score: 2
            knowledge_gain:
              concept: calibration
              amount: 2
            next: critical
      - id: critical
        kind: critical-moment
        is_critical_path: true
        is_conclusion: true
        max_visits: 5
        on_exit:
          - kind: open_transaction
            type: boss-encounter
            metadata:
              boss: calibration
      - id: excellent
        kind: conclusion
        is_conclusion: true
      - id: improve
        kind: conclusion
        is_conclusion: true
requirements:
  - id: after-lab
    tier: technical
    granting_node: lab-1
  - id: by-day-3
    expected_by_day: 3
`

func TestParse(t *testing.T) {
	b, err := content.NewLoader(content.WithMaxVisits(4)).Parse([]byte(kapoorYAML))
	require.NoError(t, err)

	require.Len(t, b.Flows, 1)
	flow := b.Flows[0]
	assert.Equal(t, "kapoor-intro", flow.ID())
	assert.Equal(t, domain.TxItemAcquisition, flow.CriticalType())
	assert.Equal(t, []string{domain.StateKey("critical")}, flow.Checkpoints())

	intro, ok := flow.State("intro")
	require.True(t, ok)
	assert.Equal(t, 4, intro.MaxVisits, "default applied")
	assert.Equal(t, []domain.Effect{
		domain.MarkConcept{ConceptID: "dosimetry", Amount: 1},
		domain.RecordEquipment{Ref: "linac-2"},
	}, intro.OnEnter)

	deep, ok := intro.Option("deep")
	require.True(t, ok)
	require.NotNil(t, deep.Condition)
	assert.Equal(t, 2, *deep.Condition.MinScore)
	assert.Equal(t, "calibration", deep.KnowledgeGain.ConceptID)

	critical, _ := flow.State("critical")
	assert.Equal(t, 5, critical.MaxVisits)
	require.Len(t, critical.OnExit, 1)
	open, ok := critical.OnExit[0].(domain.OpenTransaction)
	require.True(t, ok)
	assert.Equal(t, domain.TxBossEncounter, open.Type)
	assert.Equal(t, "calibration", open.Metadata["boss"])

	assert.Equal(t, "excellent", flow.Routes().Route(domain.DefaultExcellenceThreshold))
	assert.Equal(t, "improve", flow.Routes().Route(-1))
	assert.Equal(t, "", flow.Routes().Route(1))

	require.Len(t, b.Requirements, 2)
	assert.Equal(t, "lab-1", b.Requirements[0].GrantingNodeID)
	assert.Equal(t, domain.TierTechnical, b.Requirements[0].Tier)
	assert.Equal(t, 3, b.Requirements[1].ExpectedByDay)

	_, err = b.Catalog().Flow("kapoor-intro")
	assert.NoError(t, err)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown effect", `
flows:
  - id: f
    initial: a
    states:
      - id: a
        is_conclusion: true
        on_enter:
          - kind: teleport
`},
		{"unknown transaction type", `
flows:
  - id: f
    initial: a
    states:
      - id: a
        is_conclusion: true
        on_enter:
          - kind: open_transaction
            type: lottery
`},
		{"unknown field", `
flows:
  - id: f
    initial: a
    colour: blue
    states:
      - id: a
        is_conclusion: true
`},
		{"no conclusion", `
flows:
  - id: f
    initial: a
    states:
      - id: a
`},
		{"dangling next", `
flows:
  - id: f
    initial: a
    states:
      - id: a
        next: nowhere
        is_conclusion: true
`},
		{"requirement without id", `
requirements:
  - granting_node: lab-1
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := content.NewLoader().Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParse_Empty(t *testing.T) {
	b, err := content.NewLoader().Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, b.Flows)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kapoor.yaml"), []byte(kapoorYAML), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "extra"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extra", "quinn.yml"), []byte(`
flows:
  - id: quinn-intro
    character: quinn
    initial: hello
    states:
      - id: hello
        kind: intro
        is_conclusion: true
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	b, err := content.NewLoader().LoadDir(dir)
	require.NoError(t, err)
	assert.Len(t, b.Flows, 2)
	assert.Len(t, b.Requirements, 2)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "zz-dup.yaml"), []byte(kapoorYAML), 0o644))
	_, err = content.NewLoader().LoadDir(dir)
	assert.ErrorContains(t, err, "defined in both")
}
