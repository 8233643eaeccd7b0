package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/aretw0/storyguard"
	"github.com/aretw0/storyguard/internal/presentation/tui"
	"github.com/aretw0/storyguard/pkg/domain"
)

// Script is a recorded sequence of engine inputs, replayed without a terminal.
//
//	steps:
//	  - event: ui.mounted
//	  - event: dialogue.started
//	    flow: kapoor-intro
//	  - event: dialogue.option_selected
//	    option: greet
//	  - audit: nightly
//	    expect:
//	      item_tier: technical
type Script struct {
	Steps []Step `yaml:"steps"`
}

// Step is either an event or an audit, optionally followed by expectations.
type Step struct {
	Event     domain.EventType `yaml:"event"`
	Flow      string           `yaml:"flow"`
	Option    string           `yaml:"option"`
	Node      string           `yaml:"node"`
	NodeType  string           `yaml:"node_type"`
	Character string           `yaml:"character"`
	From      string           `yaml:"from"`
	To        string           `yaml:"to"`
	Concept   string           `yaml:"concept"`
	Amount    int              `yaml:"amount"`

	Audit string `yaml:"audit"`
	Day   *int   `yaml:"day"`

	AllowError bool    `yaml:"allow_error"`
	Expect     *Expect `yaml:"expect"`
}

// Expect is checked after the step has run.
type Expect struct {
	Machine  domain.MachineStatus `yaml:"machine"`
	State    string               `yaml:"state"`
	ItemTier domain.Tier          `yaml:"item_tier"`
	Grants   *int                 `yaml:"grants"`
}

// ParseScript decodes a script, rejecting unknown keys.
func ParseScript(r io.Reader) (*Script, error) {
	var s Script
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}
	return &s, nil
}

// RunScript replays every step in order and stops at the first failure.
func RunScript(ctx context.Context, rt *Runtime, r io.Reader, p *tui.Printer) error {
	script, err := ParseScript(r)
	if err != nil {
		return err
	}

	for i, step := range script.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := runStep(ctx, rt, step, p); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	p.Success("Script finished (%d steps).", len(script.Steps))
	return nil
}

func runStep(ctx context.Context, rt *Runtime, step Step, p *tui.Printer) error {
	if step.Day != nil {
		rt.Game.SetDay(*step.Day)
	}

	var err error
	switch {
	case step.Event != "" && step.Audit != "":
		return errors.New("a step is either an event or an audit")

	case step.Audit != "":
		var report storyguard.AuditReport
		report, err = rt.Engine.Audit(ctx, step.Audit)
		if err == nil {
			PrintAudit(p, report)
		}

	case step.Event != "":
		evt := domain.Event{
			Type:        step.Event,
			FlowID:      step.Flow,
			OptionID:    step.Option,
			NodeID:      step.Node,
			NodeType:    step.NodeType,
			CharacterID: step.Character,
			From:        step.From,
			To:          step.To,
		}
		if step.Concept != "" {
			evt.Knowledge = &domain.KnowledgeGain{ConceptID: step.Concept, Amount: step.Amount}
		}
		err = rt.Engine.Handle(ctx, evt)
		if err == nil {
			p.System("%s", step.Event)
		}

	case step.Day == nil:
		return errors.New("empty step")
	}

	if err != nil {
		if !step.AllowError {
			return err
		}
		p.Warn("expected error: %v", err)
	}
	if step.Expect != nil {
		return check(rt, *step.Expect)
	}
	return nil
}

func check(rt *Runtime, want Expect) error {
	st := rt.Engine.Status()
	var errs []error
	if want.Machine != "" && st.Machine != want.Machine {
		errs = append(errs, fmt.Errorf("machine is '%s', want '%s'", st.Machine, want.Machine))
	}
	if want.State != "" && st.StateID != want.State {
		errs = append(errs, fmt.Errorf("state is '%s', want '%s'", st.StateID, want.State))
	}
	if want.ItemTier != "" && rt.Game.ItemTier() != want.ItemTier {
		errs = append(errs, fmt.Errorf("item tier is '%s', want '%s'", rt.Game.ItemTier(), want.ItemTier))
	}
	if want.Grants != nil && rt.Game.ItemGrants() != *want.Grants {
		errs = append(errs, fmt.Errorf("item granted %d times, want %d", rt.Game.ItemGrants(), *want.Grants))
	}
	return errors.Join(errs...)
}
