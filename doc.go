/*
Package storyguard is a narrative progression engine: it runs branching
character conversations and guarantees that story-critical content (the
critical item, key knowledge, boss encounters) is eventually granted, even
when a conversation is interrupted or a grant fails halfway.

# Concept

A conversation is an immutable graph of dialogue states. Entering a
critical state opens a ledger transaction; completing the conversation
closes it and grants the reward. Anything that breaks this chain (a closed
tab, a failed write, a loop in authored content) leaves evidence in the
ledger or in the progression report, and two layers repair it:

  - The guarantor runs a fixed table of checkpoints on node completion,
    day/night transitions, session start and transaction failure.
  - The recovery planner diagnoses broken progression, builds an ordered
    plan and executes each action in isolation, recording an audit entry.

Every repair re-checks its precondition, so audits are idempotent.

# Usage

The host owns the game state and exposes it through the ports in pkg/ports.
UI and domain events go in through Handle:

	eng, err := storyguard.New(catalog, storyguard.Stores{
		Items:     game,
		Progress:  game,
		Knowledge: game,
		Resources: game,
	}, storyguard.WithRequirements(storyguard.Requirement{
		ID:             "after-lab",
		GrantingNodeID: "lab-1",
	}))
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	_ = eng.Handle(ctx, domain.Event{Type: domain.EventUIMounted})
	_ = eng.Handle(ctx, domain.Event{Type: domain.EventDialogueStarted, FlowID: "kapoor-intro"})
	_ = eng.Handle(ctx, domain.Event{Type: domain.EventDialogueOptionSelected, OptionID: "greet"})
	_ = eng.Handle(ctx, domain.Event{Type: domain.EventDialogueAdvanced})

	// Periodically, or when something looks off:
	report, err := eng.Audit(ctx, "periodic sweep")
*/
package storyguard
