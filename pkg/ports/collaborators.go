package ports

import (
	"context"

	"github.com/aretw0/storyguard/pkg/domain"
)

// ItemStore owns the player's unlocks and the critical item.
type ItemStore interface {
	HasCriticalItem(ctx context.Context) (bool, error)
	GrantCriticalItem(ctx context.Context, tier domain.Tier) error
}

// ProgressStore owns the calendar, map node completion and relationships.
type ProgressStore interface {
	CurrentDay(ctx context.Context) (int, error)
	CompleteNode(ctx context.Context, nodeID string, metadata map[string]any) error
	RelationshipLevel(ctx context.Context, characterID string) (int, error)
	UpdateRelationship(ctx context.Context, characterID string, delta int) error
	NodeHistory(ctx context.Context, nodeID string) ([]domain.NodeRecord, error)
}

// KnowledgeStore owns concept mastery.
type KnowledgeStore interface {
	UpdateMastery(ctx context.Context, conceptID string, amount int) error
}

// ResourceStore owns spendable resources such as insight.
type ResourceStore interface {
	AddInsight(ctx context.Context, amount int) error
}

// Presence reports whether the dialogue UI is currently mounted.
// An active flow without presence is considered orphaned.
type Presence interface {
	Present() bool
	// Unmounts counts how often the UI went away, which tells one
	// orphaning of a flow apart from the next.
	Unmounts() uint64
}

// FlowCatalog resolves authored flows by id.
type FlowCatalog interface {
	Flow(id string) (*domain.DialogueFlow, error)
}
