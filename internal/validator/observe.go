package validator

import (
	"context"
	"fmt"

	"github.com/aretw0/storyguard/pkg/ports"
)

// Observe reads the store state Validate needs. Only the granting nodes of
// the requirements are looked up in the node history.
func Observe(ctx context.Context, items ports.ItemStore, progress ports.ProgressStore, reqs []Requirement) (StoreSnapshot, error) {
	var snap StoreSnapshot

	has, err := items.HasCriticalItem(ctx)
	if err != nil {
		return snap, fmt.Errorf("failed to read critical item: %w", err)
	}
	snap.HasCriticalItem = has

	day, err := progress.CurrentDay(ctx)
	if err != nil {
		return snap, fmt.Errorf("failed to read current day: %w", err)
	}
	snap.CurrentDay = day

	snap.CompletedNodes = make(map[string]bool)
	for _, req := range reqs {
		if req.GrantingNodeID == "" || snap.CompletedNodes[req.GrantingNodeID] {
			continue
		}
		history, err := progress.NodeHistory(ctx, req.GrantingNodeID)
		if err != nil {
			return snap, fmt.Errorf("failed to read history of node %s: %w", req.GrantingNodeID, err)
		}
		snap.CompletedNodes[req.GrantingNodeID] = len(history) > 0
	}
	return snap, nil
}
