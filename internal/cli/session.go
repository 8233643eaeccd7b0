package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/aretw0/storyguard/internal/presentation/tui"
	"github.com/aretw0/storyguard/pkg/domain"
)

// SessionOptions configures an interactive conversation.
type SessionOptions struct {
	// SessionID persists the conversation across runs when set.
	SessionID string
	// FlowID is started when nothing was resumed. It may be omitted when the
	// content holds a single flow.
	FlowID string
	// Fresh discards the stored conversation first.
	Fresh bool
}

// RunSession drives one conversation, reading choices line by line from in.
//
// A number or option id selects an option, an empty line advances and
// "q" leaves. Leaving or losing the input unmounts the UI and keeps the
// conversation in the session store for the next run.
func RunSession(ctx context.Context, rt *Runtime, opts SessionOptions, in io.Reader, p *tui.Printer) error {
	eng := rt.Engine

	if opts.SessionID != "" && opts.Fresh {
		if err := rt.Sessions.Delete(ctx, opts.SessionID); err != nil {
			return fmt.Errorf("failed to reset session: %w", err)
		}
	}

	resumed := false
	if opts.SessionID != "" {
		var err error
		resumed, err = rt.Sessions.Resume(ctx, opts.SessionID, rt.Catalog, eng)
		if err != nil {
			return fmt.Errorf("failed to resume session: %w", err)
		}
	}

	var outcome *domain.Event
	unsubscribe := eng.Subscribe(domain.EventDialogueCompleted, func(_ context.Context, evt domain.Event) error {
		outcome = &evt
		return nil
	})
	defer unsubscribe()

	if err := eng.Handle(ctx, domain.Event{Type: domain.EventSessionStarted}); err != nil {
		return err
	}
	if err := eng.Handle(ctx, domain.Event{Type: domain.EventUIMounted}); err != nil {
		return err
	}

	if resumed {
		st := eng.Status()
		p.System("Resuming '%s' at '%s'.", st.FlowID, st.StateID)
	} else {
		flowID, err := pickFlow(rt, opts.FlowID)
		if err != nil {
			return err
		}
		if err := eng.Handle(ctx, domain.Event{Type: domain.EventDialogueStarted, FlowID: flowID}); err != nil {
			return err
		}
	}

	lines := readLines(ctx, in)
	for {
		st := eng.Status()
		if st.Machine != domain.StatusActive {
			break
		}
		flow, err := rt.Catalog.Flow(st.FlowID)
		if err != nil {
			return err
		}
		state, _ := flow.State(st.StateID)
		options := make([]domain.DialogueOption, 0, len(st.Options))
		for _, id := range st.Options {
			if opt, ok := state.Option(id); ok {
				options = append(options, opt)
			}
		}
		p.State(state, options)

		var line string
		select {
		case <-ctx.Done():
			return handleExecutionError(suspend(rt, opts, p, ctx.Err()))
		case l, ok := <-lines:
			if !ok {
				return handleExecutionError(suspend(rt, opts, p, io.EOF))
			}
			line = strings.TrimSpace(l)
		}

		switch {
		case line == "q" || line == "quit" || line == "exit":
			return suspend(rt, opts, p, nil)

		case line == "":
			if len(options) > 0 {
				p.Warn("Choose an option (1-%d).", len(options))
				continue
			}
			err = eng.Handle(ctx, domain.Event{Type: domain.EventDialogueAdvanced})

		default:
			opt, ok := resolveOption(line, options)
			if !ok {
				p.Warn("Unknown option '%s'.", line)
				continue
			}
			if err = eng.Handle(ctx, domain.Event{Type: domain.EventDialogueOptionSelected, OptionID: opt.ID}); err == nil {
				p.Response(opt.ResponseText)
				err = eng.Handle(ctx, domain.Event{Type: domain.EventDialogueAdvanced})
			}
		}
		if err != nil {
			p.Warn("Error: %v", err)
		}
		if opts.SessionID != "" {
			if err := rt.Sessions.Persist(ctx, opts.SessionID, eng); err != nil {
				rt.Logger.WarnContext(ctx, "failed to persist session", "session_id", opts.SessionID, "err", err)
			}
		}
	}

	if outcome != nil {
		p.Success("Conversation '%s' finished with score %d (%s).", outcome.FlowID, outcome.Score, outcome.Tier)
	}
	if rt.Game.ItemGrants() > 0 {
		p.Success("Critical item held at tier '%s'.", rt.Game.ItemTier())
	}
	if err := eng.Handle(ctx, domain.Event{Type: domain.EventUIUnmounted}); err != nil {
		return err
	}
	if opts.SessionID != "" {
		return rt.Sessions.Persist(ctx, opts.SessionID, eng)
	}
	return nil
}

// suspend unmounts the UI and stores the conversation for later.
func suspend(rt *Runtime, opts SessionOptions, p *tui.Printer, cause error) error {
	ctx := context.Background()
	if err := rt.Engine.Handle(ctx, domain.Event{Type: domain.EventUIUnmounted}); err != nil {
		return err
	}
	if opts.SessionID == "" {
		p.System("Conversation left open.")
		return cause
	}
	if err := rt.Sessions.Persist(ctx, opts.SessionID, rt.Engine); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	p.System("Session '%s' saved.", opts.SessionID)
	return cause
}

func pickFlow(rt *Runtime, flowID string) (string, error) {
	if flowID != "" {
		return flowID, nil
	}
	ids := rt.Catalog.IDs()
	if len(ids) == 1 {
		return ids[0], nil
	}
	return "", fmt.Errorf("choose a flow: %s", strings.Join(ids, ", "))
}

// resolveOption accepts a 1-based index or an option id.
func resolveOption(input string, options []domain.DialogueOption) (domain.DialogueOption, bool) {
	if n, err := strconv.Atoi(input); err == nil {
		if n >= 1 && n <= len(options) {
			return options[n-1], true
		}
		return domain.DialogueOption{}, false
	}
	for _, opt := range options {
		if opt.ID == input {
			return opt, true
		}
	}
	return domain.DialogueOption{}, false
}

// readLines feeds lines from r until EOF or ctx is done.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}
