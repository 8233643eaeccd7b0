package memory

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/aretw0/storyguard/pkg/domain"
)

// GameStore is an in-memory implementation of every collaborator port
// (ItemStore, ProgressStore, KnowledgeStore, ResourceStore).
// It counts mutations so callers can assert idempotence.
type GameStore struct {
	mu sync.Mutex

	hasItem   bool
	itemTier  domain.Tier
	day       int
	nodes     map[string][]domain.NodeRecord
	relations map[string]int
	mastery   map[string]int
	insight   int

	itemGrants    int
	nodeCompletes int
	masteryCalls  int

	// GrantErr, when set, is returned by GrantCriticalItem instead of granting.
	GrantErr error

	now func() time.Time
}

// NewGameStore creates an empty game store on day 1.
func NewGameStore() *GameStore {
	return &GameStore{
		day:       1,
		nodes:     make(map[string][]domain.NodeRecord),
		relations: make(map[string]int),
		mastery:   make(map[string]int),
		now:       time.Now,
	}
}

func (g *GameStore) HasCriticalItem(ctx context.Context) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.hasItem, nil
}

func (g *GameStore) GrantCriticalItem(ctx context.Context, tier domain.Tier) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.GrantErr != nil {
		return g.GrantErr
	}
	g.hasItem = true
	g.itemTier = tier
	g.itemGrants++
	return nil
}

func (g *GameStore) CurrentDay(ctx context.Context) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.day, nil
}

func (g *GameStore) CompleteNode(ctx context.Context, nodeID string, metadata map[string]any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[nodeID] = append(g.nodes[nodeID], domain.NodeRecord{
		NodeID:      nodeID,
		CompletedAt: g.now(),
		Metadata:    maps.Clone(metadata),
	})
	g.nodeCompletes++
	return nil
}

func (g *GameStore) RelationshipLevel(ctx context.Context, characterID string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.relations[characterID], nil
}

func (g *GameStore) UpdateRelationship(ctx context.Context, characterID string, delta int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.relations[characterID] += delta
	return nil
}

func (g *GameStore) NodeHistory(ctx context.Context, nodeID string) ([]domain.NodeRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.nodes[nodeID]), nil
}

func (g *GameStore) UpdateMastery(ctx context.Context, conceptID string, amount int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mastery[conceptID] += amount
	g.masteryCalls++
	return nil
}

func (g *GameStore) AddInsight(ctx context.Context, amount int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.insight += amount
	return nil
}

// SetDay moves the calendar.
func (g *GameStore) SetDay(day int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.day = day
}

// RevokeCriticalItem simulates a corrupted save that lost the item.
func (g *GameStore) RevokeCriticalItem() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hasItem = false
}

// ItemTier returns the tier of the held item.
func (g *GameStore) ItemTier() domain.Tier {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.itemTier
}

// ItemGrants counts successful GrantCriticalItem calls.
func (g *GameStore) ItemGrants() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.itemGrants
}

// NodeCompletions counts CompleteNode calls.
func (g *GameStore) NodeCompletions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nodeCompletes
}

// Mastery returns the accumulated mastery of a concept.
func (g *GameStore) Mastery(conceptID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mastery[conceptID]
}

// Insight returns the accumulated insight.
func (g *GameStore) Insight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.insight
}

// Presence is a settable ports.Presence.
type Presence struct {
	mu       sync.Mutex
	present  bool
	unmounts uint64
}

// NewPresence creates a presence signal with the given initial value.
func NewPresence(present bool) *Presence {
	return &Presence{present: present}
}

func (p *Presence) Present() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.present
}

func (p *Presence) Unmounts() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unmounts
}

// Set updates the signal. Going from present to absent counts as an unmount.
func (p *Presence) Set(present bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.present && !present {
		p.unmounts++
	}
	p.present = present
}
