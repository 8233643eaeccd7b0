package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/storyguard/internal/config"
	"github.com/aretw0/storyguard/internal/presentation/tui"
)

func TestRunScript(t *testing.T) {
	cfg := testConfig(t, config.StoreMemory)
	rt := build(t, cfg, openBackends(t, cfg))

	script := `
steps:
  - event: ui.mounted
  - event: dialogue.started
    flow: kapoor-intro
    expect:
      machine: active
      state: intro
  - event: dialogue.option_selected
    option: greet
  - event: dialogue.advanced
    expect:
      state: critical
  - event: dialogue.option_selected
    option: greet
    allow_error: true
  - event: dialogue.advanced
    expect:
      machine: no_flow
      item_tier: technical
      grants: 1
  - audit: nightly
    day: 2
`
	var out bytes.Buffer
	require.NoError(t, RunScript(context.Background(), rt, strings.NewReader(script), tui.NewPlainPrinter(&out)))

	assert.Contains(t, out.String(), "expected error:")
	assert.Contains(t, out.String(), "Progression is healthy.")
	assert.Contains(t, out.String(), "Script finished (7 steps).")
}

func TestRunScript_Failures(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   string
	}{
		{
			name:   "unknown key",
			script: "steps:\n  - evnt: ui.mounted\n",
			want:   "failed to parse script",
		},
		{
			name:   "engine error",
			script: "steps:\n  - event: ui.mounted\n  - event: dialogue.started\n    flow: missing\n",
			want:   "step 2: ",
		},
		{
			name:   "unmet expectation",
			script: "steps:\n  - event: dialogue.started\n    flow: kapoor-intro\n    expect:\n      state: critical\n",
			want:   "state is 'intro', want 'critical'",
		},
		{
			name:   "event and audit",
			script: "steps:\n  - event: ui.mounted\n    audit: now\n",
			want:   "either an event or an audit",
		},
		{
			name:   "empty step",
			script: "steps:\n  - allow_error: true\n",
			want:   "empty step",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, config.StoreMemory)
			rt := build(t, cfg, openBackends(t, cfg))

			err := RunScript(context.Background(), rt, strings.NewReader(tt.script), tui.NewPlainPrinter(&bytes.Buffer{}))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}
