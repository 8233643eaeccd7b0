// Package recovery is the last line of defense: it diagnoses broken
// progression, builds an ordered plan of repair actions and executes it in
// isolation, recording an audit entry for every execution.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aretw0/storyguard/internal/ledger"
	"github.com/aretw0/storyguard/internal/logging"
	"github.com/aretw0/storyguard/internal/validator"
	"github.com/aretw0/storyguard/pkg/domain"
	"github.com/aretw0/storyguard/pkg/ports"
)

// Machine is the part of the dialogue machine recovery drives.
type Machine interface {
	FlowSnapshot() domain.FlowSnapshot
	ForceProgressionRepair(ctx context.Context, targetStateID string) error
	Resume(ctx context.Context) error
	CompleteFlow(ctx context.Context) error
	AbandonFlow(ctx context.Context, reason string) error
}

// orphaning identifies one loss of UI presence by one conversation.
type orphaning struct {
	flowID   string
	unmounts uint64
}

// Stores groups the collaborators recovery actions run against.
type Stores struct {
	Items     ports.ItemStore
	Progress  ports.ProgressStore
	Knowledge ports.KnowledgeStore
}

// Planner diagnoses, plans and executes recoveries.
type Planner struct {
	stores       Stores
	ledger       *ledger.Ledger
	machine      Machine
	presence     ports.Presence
	requirements []validator.Requirement
	hooks        domain.LifecycleHooks
	now          func() time.Time
	newID        func() string
	logger       *slog.Logger

	mu      sync.Mutex
	history []domain.RecoveryRecord
	resumed orphaning
}

// Option configures the Planner.
type Option func(*Planner)

// WithMachine lets plans force and resume dialogue.
func WithMachine(m Machine) Option {
	return func(p *Planner) {
		p.machine = m
	}
}

// WithPresence sets the UI presence signal used to detect orphaned flows.
func WithPresence(presence ports.Presence) Option {
	return func(p *Planner) {
		p.presence = presence
	}
}

// WithRequirements sets when the critical item must be held.
func WithRequirements(reqs ...validator.Requirement) Option {
	return func(p *Planner) {
		p.requirements = append(p.requirements, reqs...)
	}
}

// WithLifecycleHooks registers observability hooks.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(p *Planner) {
		p.hooks = hooks
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Planner) {
		p.now = now
	}
}

// WithIDGenerator overrides the plan and record id generator.
func WithIDGenerator(gen func() string) Option {
	return func(p *Planner) {
		p.newID = gen
	}
}

// WithLogger sets a custom structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Planner) {
		p.logger = logger
	}
}

// New creates a planner.
func New(stores Stores, l *ledger.Ledger, opts ...Option) *Planner {
	p := &Planner{
		stores: stores,
		ledger: l,
		now:    time.Now,
		newID:  uuid.NewString,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "recovery")
	return p
}

// Diagnosis is what DetectIssues found.
type Diagnosis struct {
	Report   validator.Report
	Store    validator.StoreSnapshot
	Flow     domain.FlowSnapshot
	Orphaned bool
	Unmounts uint64
	Issues   []string
}

// HasIssues reports whether recovery is needed.
func (d Diagnosis) HasIssues() bool {
	return len(d.Issues) > 0
}

// Diagnose gathers the snapshots and runs the validator over them.
func (p *Planner) Diagnose(ctx context.Context) (Diagnosis, error) {
	var d Diagnosis
	if p.machine != nil {
		d.Flow = p.machine.FlowSnapshot()
	}

	store, err := validator.Observe(ctx, p.stores.Items, p.stores.Progress, p.requirements)
	if err != nil {
		return d, fmt.Errorf("failed to observe stores: %w", err)
	}
	d.Store = store

	now := p.now()
	d.Report = validator.Validate(validator.Input{
		Flow:         d.Flow,
		Transactions: p.ledger.All(),
		Store:        store,
		Requirements: p.requirements,
		Now:          now,
		StaleAfter:   p.ledger.StaleAfter(),
	})
	d.Orphaned = d.Flow.Active() && p.presence != nil && !p.presence.Present()
	if d.Orphaned {
		d.Unmounts = p.presence.Unmounts()
	}

	r := d.Report
	if r.RequiresRepair && len(r.StalledTransactions) == 0 && len(r.MissingItems) == 0 && len(r.UndeliveredGrants) == 0 {
		d.Issues = append(d.Issues, "invalid-progression")
	}
	for _, id := range r.StalledTransactions {
		d.Issues = append(d.Issues, "stale-transaction:"+id)
	}
	for _, id := range r.MissingItems {
		d.Issues = append(d.Issues, "missing-item:"+id)
	}
	for _, id := range r.UndeliveredGrants {
		d.Issues = append(d.Issues, "undelivered-grant:"+id)
	}
	if d.Orphaned {
		d.Issues = append(d.Issues, "orphaned-flow:"+d.Flow.FlowID)
	}
	return d, nil
}

// DetectIssues reports whether anything needs recovery. A failure to read the
// stores is logged and reported as no issue.
func (p *Planner) DetectIssues(ctx context.Context) bool {
	d, err := p.Diagnose(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "diagnosis failed", "err", err)
		return false
	}
	return d.HasIssues()
}

// CreateRecoveryPlan turns a diagnosis into ordered actions. Grants come
// first; resuming an orphaned flow is planned only when no grant applies,
// otherwise the flow is marked for cleanup. An orphaned flow is resumed once
// per unmount; when it is still orphaned on a later audit it is abandoned.
func (p *Planner) CreateRecoveryPlan(d Diagnosis) domain.RecoveryPlan {
	plan := domain.RecoveryPlan{
		ID:        p.newID(),
		CreatedAt: p.now(),
		Issues:    slices.Clone(d.Issues),
	}
	if d.Flow.Active() {
		plan.FlowID = d.Flow.FlowID
		plan.CharacterID = d.Flow.Context.CharacterID
		plan.NodeID = d.Flow.Context.NodeID
	}

	itemPlanned := false
	grantItem := func(a domain.GrantItem) {
		if itemPlanned || d.Store.HasCriticalItem {
			return
		}
		itemPlanned = true
		plan.Actions = append(plan.Actions, a)
	}

	// 1. Stale transactions, each by its own type.
	for _, id := range d.Report.StalledTransactions {
		tx, ok := p.ledger.Get(id)
		if !ok {
			continue
		}
		payload, err := ledger.Payload(tx)
		if err != nil {
			p.logger.Warn("unreadable transaction metadata", "tx", id, "err", err)
		}
		switch tx.Type {
		case domain.TxItemAcquisition:
			grant := domain.GrantItem{Tier: domain.AcquisitionTier(payload.Tier, tx.ID, d.Flow), TransactionID: tx.ID}
			if d.Store.HasCriticalItem {
				// Nothing to grant, only the record to close.
				plan.Actions = append(plan.Actions, grant)
				continue
			}
			grantItem(grant)
		case domain.TxKnowledgeRevelation:
			amount := payload.Amount
			if amount == 0 {
				amount = 1
			}
			plan.Actions = append(plan.Actions, domain.GrantKnowledge{
				ConceptID: payload.ConceptID, Domain: payload.Domain, Amount: amount, TransactionID: tx.ID,
			})
		case domain.TxCharacterIntroduction:
			plan.Actions = append(plan.Actions, domain.RepairRelationship{CharacterID: tx.CharacterID, TransactionID: tx.ID})
		case domain.TxBossEncounter:
			node := payload.NodeID
			if node == "" {
				node = tx.NodeID
			}
			plan.Actions = append(plan.Actions, domain.MarkNodeComplete{
				NodeID: node, Metadata: map[string]any{"recovered": true}, TransactionID: tx.ID,
			})
		}
	}

	// 2. Completed grants that never arrived, then due requirements.
	for _, id := range d.Report.UndeliveredGrants {
		tx, _ := p.ledger.Get(id)
		payload, _ := ledger.Payload(tx)
		grantItem(domain.GrantItem{Tier: domain.AcquisitionTier(payload.Tier, id, d.Flow), TransactionID: id})
	}
	for _, reqID := range d.Report.MissingItems {
		tier := domain.TierBase
		for _, req := range p.requirements {
			if req.ID == reqID && req.Tier != "" {
				tier = req.Tier
			}
		}
		grantItem(domain.GrantItem{Tier: tier})
	}

	// 3. An active conversation stuck on a conclusion or inside a loop.
	if target, stuck := stuckFlow(d.Flow); stuck {
		plan.Actions = append(plan.Actions, domain.ForceCriticalState{StateID: target})
	}

	// 4. Orphaned flow: resume only when nothing more specific applies.
	if d.Orphaned {
		switch {
		case slices.ContainsFunc(plan.Actions, domain.IsGrant):
			plan.CleanupFlow = true
		case p.wasResumed(orphaning{flowID: d.Flow.FlowID, unmounts: d.Unmounts}):
			// The acquisition it opened is settled now at the tier it earned.
			if id := d.Flow.Context.Transactions[domain.TxItemAcquisition]; p.openTx(id) {
				plan.Actions = append(plan.Actions, domain.GrantItem{
					Tier:          domain.AcquisitionTier("", id, d.Flow),
					TransactionID: id,
				})
				plan.CleanupFlow = true
				break
			}
			plan.AbandonFlow = true
		default:
			plan.Actions = append(plan.Actions, domain.ResumeDialogue{
				FlowID:  d.Flow.FlowID,
				StateID: d.Flow.Context.CurrentStateID,
			})
		}
	}

	domain.SortActions(plan.Actions)
	return plan
}

// stuckFlow reports whether the active flow needs a forced transition and
// where to. An empty target lets the machine pick.
func stuckFlow(snap domain.FlowSnapshot) (string, bool) {
	if !snap.Active() {
		return "", false
	}
	status := domain.DeriveProgression(snap.Flow, snap.Context)
	current, _ := snap.Flow.State(snap.Context.CurrentStateID)

	concludedEarly := current.IsConclusion && !status.CriticalPathsCompleted
	looping := slices.Contains(status.LoopingStates, current.ID)
	if !concludedEarly && !looping {
		return "", false
	}
	for _, id := range snap.Flow.CriticalStateIDs() {
		if !snap.Context.HasVisited(id) {
			return id, true
		}
	}
	return "", true
}

func (p *Planner) openTx(id string) bool {
	if id == "" {
		return false
	}
	tx, ok := p.ledger.Get(id)
	return ok && tx.Open()
}

func (p *Planner) wasResumed(o orphaning) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resumed == o
}

func (p *Planner) markResumed(flowID string) {
	o := orphaning{flowID: flowID}
	if p.presence != nil {
		o.unmounts = p.presence.Unmounts()
	}
	p.mu.Lock()
	p.resumed = o
	p.mu.Unlock()
}

// History returns the audit entries of executed plans, oldest first.
func (p *Planner) History() []domain.RecoveryRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.history)
}
