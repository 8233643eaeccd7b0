// Package controller translates UI and domain events into machine calls and
// fans machine output out to the relationship, insight and knowledge stores.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/aretw0/storyguard/internal/eventbus"
	"github.com/aretw0/storyguard/internal/logging"
	"github.com/aretw0/storyguard/internal/machine"
	"github.com/aretw0/storyguard/pkg/domain"
	"github.com/aretw0/storyguard/pkg/ports"
)

// Machine is the subset of the dialogue machine driven by events.
type Machine interface {
	Active() bool
	Flow() *domain.DialogueFlow
	InitializeFlow(ctx context.Context, flow *domain.DialogueFlow) error
	SelectOption(ctx context.Context, optionID string) error
	AdvanceState(ctx context.Context) error
	Resume(ctx context.Context) error
}

// Guarantor receives the progression triggers.
type Guarantor interface {
	OnNodeCompleted(ctx context.Context, nodeID, nodeType string)
	OnPhaseChanged(ctx context.Context, from, to string)
	OnSessionStarted(ctx context.Context)
}

// Stores groups the collaborators the controller writes to.
type Stores struct {
	Items     ports.ItemStore
	Progress  ports.ProgressStore
	Knowledge ports.KnowledgeStore
	Resources ports.ResourceStore
}

// Controller owns UI presence and routes events.
type Controller struct {
	catalog   ports.FlowCatalog
	machine   Machine
	stores    Stores
	guarantor Guarantor
	publisher ports.EventPublisher
	present   atomic.Bool
	unmounts  atomic.Uint64
	logger    *slog.Logger
}

// Option configures the Controller.
type Option func(*Controller)

// WithGuarantor forwards node, phase and session triggers.
func WithGuarantor(g Guarantor) Option {
	return func(c *Controller) {
		c.guarantor = g
	}
}

// WithPublisher configures where critical_item.granted is published.
func WithPublisher(p ports.EventPublisher) Option {
	return func(c *Controller) {
		c.publisher = p
	}
}

// WithLogger configures the controller logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// New creates a controller. The UI starts unmounted.
func New(catalog ports.FlowCatalog, m Machine, stores Stores, opts ...Option) *Controller {
	c := &Controller{
		catalog: catalog,
		machine: m,
		stores:  stores,
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "controller")
	return c
}

// Present reports whether the dialogue UI is mounted.
func (c *Controller) Present() bool {
	return c.present.Load()
}

// Unmounts counts the unmount signals that found the UI mounted.
func (c *Controller) Unmounts() uint64 {
	return c.unmounts.Load()
}

// Consumed lists the event types Handle reacts to.
var Consumed = []domain.EventType{
	domain.EventDialogueStarted,
	domain.EventDialogueOptionSelected,
	domain.EventDialogueAdvanced,
	domain.EventNodeCompleted,
	domain.EventPhaseChanged,
	domain.EventSessionStarted,
	domain.EventSessionEnded,
	domain.EventUIMounted,
	domain.EventUIUnmounted,
	domain.EventOptionApplied,
	domain.EventKnowledgeGained,
}

// Register subscribes Handle to every consumed event type.
// The returned func removes all subscriptions.
func (c *Controller) Register(bus *eventbus.Bus) func() {
	cancels := make([]func(), 0, len(Consumed))
	for _, typ := range Consumed {
		cancels = append(cancels, bus.Subscribe(typ, c.Handle))
	}
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}

// Handle applies a single event.
func (c *Controller) Handle(ctx context.Context, evt domain.Event) error {
	switch evt.Type {
	case domain.EventDialogueStarted:
		// The machine announces its own start on the same bus.
		if c.machine.Active() && c.machine.Flow().ID() == evt.FlowID {
			return nil
		}
		flow, err := c.catalog.Flow(evt.FlowID)
		if err != nil {
			return err
		}
		return c.machine.InitializeFlow(ctx, flow)

	case domain.EventDialogueOptionSelected:
		return c.machine.SelectOption(ctx, evt.OptionID)

	case domain.EventDialogueAdvanced:
		return c.machine.AdvanceState(ctx)

	case domain.EventNodeCompleted:
		meta := map[string]any{"type": evt.NodeType}
		if evt.CharacterID != "" {
			meta["character"] = evt.CharacterID
		}
		if err := c.stores.Progress.CompleteNode(ctx, evt.NodeID, meta); err != nil {
			return fmt.Errorf("complete node %s: %w", evt.NodeID, err)
		}
		if c.guarantor != nil {
			c.guarantor.OnNodeCompleted(ctx, evt.NodeID, evt.NodeType)
		}

	case domain.EventPhaseChanged:
		if c.guarantor != nil {
			c.guarantor.OnPhaseChanged(ctx, evt.From, evt.To)
		}

	case domain.EventSessionStarted:
		if c.guarantor != nil {
			c.guarantor.OnSessionStarted(ctx)
		}

	case domain.EventSessionEnded:
		c.logger.InfoContext(ctx, "session ended", "flow_active", c.machine.Active())

	case domain.EventUIMounted:
		c.present.Store(true)
		if c.machine.Active() {
			return c.machine.Resume(ctx)
		}

	case domain.EventUIUnmounted:
		// The flow stays active; an orphaned flow is resolved by the next audit.
		if c.present.Swap(false) {
			c.unmounts.Add(1)
		}

	case domain.EventOptionApplied:
		return c.applyOption(ctx, evt)

	case domain.EventKnowledgeGained:
		if kg := evt.Knowledge; kg != nil && kg.ConceptID != "" {
			return c.stores.Knowledge.UpdateMastery(ctx, kg.ConceptID, kg.Amount)
		}

	default:
		c.logger.DebugContext(ctx, "ignoring event", "type", evt.Type)
	}
	return nil
}

func (c *Controller) applyOption(ctx context.Context, evt domain.Event) error {
	if evt.RelationshipChange != 0 && evt.CharacterID != "" {
		if err := c.stores.Progress.UpdateRelationship(ctx, evt.CharacterID, evt.RelationshipChange); err != nil {
			return fmt.Errorf("update relationship: %w", err)
		}
	}
	if evt.InsightGain > 0 && c.stores.Resources != nil {
		if err := c.stores.Resources.AddInsight(ctx, evt.InsightGain); err != nil {
			return fmt.Errorf("add insight: %w", err)
		}
	}
	if kg := evt.Knowledge; kg != nil && kg.ConceptID != "" {
		if err := c.stores.Knowledge.UpdateMastery(ctx, kg.ConceptID, kg.Amount); err != nil {
			return fmt.Errorf("update mastery: %w", err)
		}
	}
	return nil
}

// HandleCompletion is the machine's completion callback. A completed flow
// whose critical type is item acquisition grants the critical item at the
// tier its score earned, unless it is already held.
func (c *Controller) HandleCompletion(ctx context.Context, done machine.Completion) error {
	if !done.Completed || done.CriticalType != domain.TxItemAcquisition {
		return nil
	}

	has, err := c.stores.Items.HasCriticalItem(ctx)
	if err != nil {
		return fmt.Errorf("check critical item: %w", err)
	}
	if has {
		c.logger.DebugContext(ctx, "critical item already held", "flow", done.FlowID)
		return nil
	}
	if err := c.stores.Items.GrantCriticalItem(ctx, done.Tier); err != nil {
		return fmt.Errorf("grant critical item: %w", err)
	}

	c.logger.InfoContext(ctx, "critical item granted", "flow", done.FlowID, "tier", done.Tier, "score", done.Score)
	if c.publisher != nil {
		evt := domain.Event{
			Type:        domain.EventCriticalItemGranted,
			FlowID:      done.FlowID,
			CharacterID: done.CharacterID,
			NodeID:      done.NodeID,
			Score:       done.Score,
			Tier:        done.Tier,
		}
		if done.Transactions != nil {
			evt.TransactionID = done.Transactions[domain.TxItemAcquisition]
		}
		if err := c.publisher.Publish(ctx, evt); err != nil {
			c.logger.WarnContext(ctx, "failed to publish grant", "error", err)
		}
	}
	return nil
}
