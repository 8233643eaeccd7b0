// Package machine implements the dialogue state machine: the single active
// conversation, its traversal, score accumulation and critical-path tracking.
package machine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aretw0/storyguard/internal/ledger"
	"github.com/aretw0/storyguard/internal/logging"
	"github.com/aretw0/storyguard/internal/tick"
	"github.com/aretw0/storyguard/pkg/domain"
	"github.com/aretw0/storyguard/pkg/ports"
)

// Ledger is the subset of the transaction ledger the machine needs.
type Ledger interface {
	Start(ctx context.Context, typ domain.TransactionType, metadata map[string]any, characterID, nodeID string) (string, error)
	Complete(ctx context.Context, id string) (bool, error)
}

// Completion describes a finished or abandoned conversation.
type Completion struct {
	FlowID       string
	CharacterID  string
	NodeID       string
	CriticalType domain.TransactionType
	Score        int
	Tier         domain.Tier
	Completed    bool
	Reason       string
	Progression  domain.ProgressionStatus
	Transactions map[domain.TransactionType]string
}

// CompletionHandler is invoked once per completed flow, before the completion event.
type CompletionHandler func(ctx context.Context, c Completion) error

// Machine is the dialogue engine. At most one flow is active at a time.
// It is not safe for concurrent use; callers serialize access.
type Machine struct {
	flow   *domain.DialogueFlow
	dctx   *domain.DialogueContext
	status domain.MachineStatus
	ui     domain.UIFlags

	// pending is the option selected on the current state, consumed by AdvanceState.
	pending *domain.DialogueOption

	repairing      bool
	repairAttempts int

	// epoch changes on every flow start/clear so that deferred work from an
	// earlier flow never touches a later one.
	epoch uint64

	ledger             Ledger
	scheduler          tick.Scheduler
	publisher          ports.EventPublisher
	onComplete         CompletionHandler
	hooks              domain.LifecycleHooks
	backstoryThreshold int
	now                func() time.Time
	logger             *slog.Logger
}

// Option configures the Machine.
type Option func(*Machine)

// WithLedger sets the ledger that records critical moments.
func WithLedger(l Ledger) Option {
	return func(m *Machine) {
		m.ledger = l
	}
}

// WithScheduler sets the deferred-continuation queue.
func WithScheduler(s tick.Scheduler) Option {
	return func(m *Machine) {
		m.scheduler = s
	}
}

// WithPublisher sets where machine events go.
func WithPublisher(p ports.EventPublisher) Option {
	return func(m *Machine) {
		m.publisher = p
	}
}

// WithCompletionHandler registers the flow completion callback.
func WithCompletionHandler(h CompletionHandler) Option {
	return func(m *Machine) {
		m.onComplete = h
	}
}

// WithLifecycleHooks registers observability hooks.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(m *Machine) {
		m.hooks = hooks
	}
}

// WithBackstoryThreshold sets the score needed to surface backstory.
func WithBackstoryThreshold(n int) Option {
	return func(m *Machine) {
		m.backstoryThreshold = n
	}
}

// WithClock injects the time source used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		m.now = now
	}
}

// WithLogger sets a custom structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		m.logger = logger
	}
}

// New creates an idle machine.
func New(opts ...Option) *Machine {
	m := &Machine{
		status:             domain.StatusNoFlow,
		backstoryThreshold: domain.DefaultBackstoryThreshold,
		now:                time.Now,
		logger:             logging.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.ledger == nil {
		m.ledger = ledger.New(ledger.WithLogger(m.logger))
	}
	if m.scheduler == nil {
		m.scheduler = tick.New(tick.WithLogger(m.logger))
	}
	m.logger = m.logger.With("component", "machine")
	return m
}

// Status returns the control-flow state of the machine.
func (m *Machine) Status() domain.MachineStatus {
	return m.status
}

// Active reports whether a flow is running.
func (m *Machine) Active() bool {
	return m.status != domain.StatusNoFlow && m.flow != nil
}

// Flow returns the active flow, or nil.
func (m *Machine) Flow() *domain.DialogueFlow {
	return m.flow
}

// Context returns a copy of the active context, or nil.
func (m *Machine) Context() *domain.DialogueContext {
	return m.dctx.Clone()
}

// UI returns the transient presentation flags.
func (m *Machine) UI() domain.UIFlags {
	return m.ui
}

// CurrentState returns the state the conversation is on.
func (m *Machine) CurrentState() (domain.DialogueState, bool) {
	if !m.Active() {
		return domain.DialogueState{}, false
	}
	return m.flow.State(m.dctx.CurrentStateID)
}

// AvailableOptions returns the eligible options of the current state.
func (m *Machine) AvailableOptions() []domain.DialogueOption {
	state, ok := m.CurrentState()
	if !ok {
		return nil
	}
	var out []domain.DialogueOption
	for _, opt := range state.Options {
		if opt.Condition.Eligible(m.dctx) {
			out = append(out, opt)
		}
	}
	return out
}

// InitializeFlow makes flow the sole active conversation.
func (m *Machine) InitializeFlow(ctx context.Context, flow *domain.DialogueFlow) error {
	if flow == nil {
		return errors.New("nil flow")
	}
	if m.Active() {
		m.logger.WarnContext(ctx, "flow already active", "active", m.flow.ID(), "requested", flow.ID())
		return domain.ErrFlowAlreadyActive
	}

	m.flow = flow
	m.dctx = domain.NewDialogueContext(flow)
	m.status = domain.StatusActive
	m.ui = domain.UIFlags{}
	m.pending = nil
	m.repairAttempts = 0
	m.epoch++

	initial, _ := flow.State(flow.InitialStateID())
	m.logger.InfoContext(ctx, "flow initialized", "flow", flow.ID(), "character", flow.CharacterID(), "state", initial.ID)

	m.publish(ctx, domain.Event{Type: domain.EventDialogueStarted, StateID: initial.ID})
	m.enter(ctx, initial)
	return nil
}

// SelectOption applies a choice on the current state. Unknown or ineligible
// options are rejected without touching the context.
func (m *Machine) SelectOption(ctx context.Context, optionID string) error {
	if !m.Active() {
		m.logger.WarnContext(ctx, "option selected without active flow", "option", optionID)
		return domain.ErrNoActiveFlow
	}

	state, _ := m.flow.State(m.dctx.CurrentStateID)
	opt, ok := state.Option(optionID)
	if !ok || !opt.Condition.Eligible(m.dctx) {
		m.logger.WarnContext(ctx, "option not available", "flow", m.flow.ID(), "state", state.ID, "option", optionID)
		return &UnavailableOptionError{StateID: state.ID, OptionID: optionID}
	}

	m.dctx.Score += opt.RelationshipChange
	m.dctx.SelectedOptions = append(m.dctx.SelectedOptions, opt.ID)
	if opt.IsCriticalPath {
		m.dctx.CriticalProgress[domain.OptionKey(opt.ID)] = true
	}
	if kg := opt.KnowledgeGain; kg != nil && kg.ConceptID != "" {
		m.dctx.Knowledge[kg.ConceptID] += kg.Amount
	}

	m.ui = domain.UIFlags{
		ShowResponse:  opt.ResponseText != "",
		ShowBackstory: opt.TriggersBackstory && m.dctx.Score >= m.backstoryThreshold,
	}
	m.pending = &opt

	m.logger.DebugContext(ctx, "option applied", "flow", m.flow.ID(), "option", opt.ID, "score", m.dctx.Score, "backstory", m.ui.ShowBackstory)

	evt := domain.Event{
		Type:               domain.EventOptionApplied,
		StateID:            state.ID,
		OptionID:           opt.ID,
		RelationshipChange: opt.RelationshipChange,
		InsightGain:        opt.InsightGain,
	}
	if opt.KnowledgeGain != nil {
		kg := *opt.KnowledgeGain
		evt.Knowledge = &kg
	}
	m.publish(ctx, evt)
	return nil
}

// AdvanceState moves past the current state.
//
// While a response or backstory panel is shown, the panel is cleared and the
// advance is retried on the next tick. Otherwise the next state is, in order:
// the selected option's target, the state's default next, or completion when
// the state is a conclusion.
func (m *Machine) AdvanceState(ctx context.Context) error {
	if !m.Active() {
		m.logger.WarnContext(ctx, "advance without active flow")
		return domain.ErrNoActiveFlow
	}

	if m.ui.ShowResponse || m.ui.ShowBackstory {
		m.ui = domain.UIFlags{}
		m.deferCall(ctx, "advance", m.AdvanceState)
		return nil
	}

	state, _ := m.flow.State(m.dctx.CurrentStateID)

	next := state.NextStateID
	if m.pending != nil && m.pending.NextStateID != "" {
		next = m.pending.NextStateID
	}

	if next != "" {
		if target, ok := m.flow.State(next); ok && m.dctx.VisitCount(next) >= target.VisitLimit() {
			if m.canRepair() {
				m.logger.WarnContext(ctx, "loop detected, repairing", "flow", m.flow.ID(), "state", next, "visits", m.dctx.VisitCount(next))
				m.repairAttempts++
				return m.ForceProgressionRepair(ctx, "")
			}
			m.logger.WarnContext(ctx, "loop detected, repair budget exhausted", "flow", m.flow.ID(), "state", next)
		}
		return m.JumpToState(ctx, next)
	}

	if state.IsConclusion {
		return m.conclude(ctx)
	}

	m.logger.DebugContext(ctx, "nothing to advance to", "flow", m.flow.ID(), "state", state.ID)
	return nil
}

// conclude completes the flow unless its critical path is incomplete, in which
// case it repairs locally. Repair is bounded so a broken graph still completes.
func (m *Machine) conclude(ctx context.Context) error {
	status := m.ProgressionStatus()
	if !status.CriticalPathsCompleted {
		if m.canRepair() {
			m.repairAttempts++
			m.logger.WarnContext(ctx, domain.ErrCriticalPathIncomplete.Error(),
				"flow", m.flow.ID(), "missing", status.MissingCheckpoints, "attempt", m.repairAttempts)
			return m.ForceProgressionRepair(ctx, "")
		}
		m.logger.ErrorContext(ctx, "completing with incomplete critical path",
			"flow", m.flow.ID(), "missing", status.MissingCheckpoints)
	}
	return m.CompleteFlow(ctx)
}

func (m *Machine) canRepair() bool {
	return !m.repairing && m.repairAttempts < max(1, len(m.flow.Checkpoints()))
}

// JumpToState moves the conversation to stateID.
func (m *Machine) JumpToState(ctx context.Context, stateID string) error {
	if !m.Active() {
		m.logger.WarnContext(ctx, "jump without active flow", "state", stateID)
		return domain.ErrNoActiveFlow
	}

	target, ok := m.flow.State(stateID)
	if !ok {
		m.logger.WarnContext(ctx, "jump to unknown state", "flow", m.flow.ID(), "state", stateID)
		return &domain.UnknownStateError{FlowID: m.flow.ID(), StateID: stateID}
	}

	if from, ok := m.flow.State(m.dctx.CurrentStateID); ok {
		m.leave(ctx, from)
	}

	m.pending = nil
	m.ui = domain.UIFlags{}
	m.dctx.CurrentStateID = target.ID
	m.dctx.VisitedStates = append(m.dctx.VisitedStates, target.ID)
	m.enter(ctx, target)

	if target.IsConclusion {
		if route := m.flow.Routes().Route(m.dctx.Score); route != "" && route != target.ID {
			m.logger.DebugContext(ctx, "conclusion rerouted by score", "flow", m.flow.ID(), "from", target.ID, "to", route, "score", m.dctx.Score)
			m.deferCall(ctx, "reroute", func(ctx context.Context) error {
				if m.dctx.CurrentStateID != target.ID {
					return nil
				}
				return m.JumpToState(ctx, route)
			})
		}
	}
	return nil
}

// CompleteFlow completes every open transaction of the flow, runs the
// completion handler, emits dialogue.completed and clears the machine.
func (m *Machine) CompleteFlow(ctx context.Context) error {
	if !m.Active() {
		m.logger.WarnContext(ctx, "complete without active flow")
		return domain.ErrNoActiveFlow
	}
	m.status = domain.StatusCompleting

	for _, typ := range domain.TransactionTypes {
		id, ok := m.dctx.Transactions[typ]
		if !ok {
			continue
		}
		if _, err := m.ledger.Complete(ctx, id); err != nil {
			m.logger.ErrorContext(ctx, "failed to complete transaction", "flow", m.flow.ID(), "tx", id, "err", err)
		}
	}

	c := m.completion(true, "completed")
	if m.onComplete != nil {
		if err := m.onComplete(ctx, c); err != nil {
			m.logger.ErrorContext(ctx, "completion handler failed", "flow", c.FlowID, "err", err)
		}
	}

	m.logger.InfoContext(ctx, "flow completed", "flow", c.FlowID, "score", c.Score, "tier", c.Tier)
	m.publish(ctx, domain.Event{
		Type:      domain.EventDialogueCompleted,
		Score:     c.Score,
		Tier:      c.Tier,
		Completed: true,
		Reason:    c.Reason,
	})
	m.clear()
	return nil
}

// AbandonFlow drops the active flow without completing it. Open transactions
// are left untouched for the guarantor to resolve.
func (m *Machine) AbandonFlow(ctx context.Context, reason string) error {
	if !m.Active() {
		return domain.ErrNoActiveFlow
	}
	c := m.completion(false, reason)
	m.logger.InfoContext(ctx, "flow abandoned", "flow", c.FlowID, "reason", reason)
	m.publish(ctx, domain.Event{
		Type:      domain.EventDialogueCompleted,
		Score:     c.Score,
		Completed: false,
		Reason:    reason,
	})
	m.clear()
	return nil
}

func (m *Machine) completion(completed bool, reason string) Completion {
	txs := make(map[domain.TransactionType]string, len(m.dctx.Transactions))
	for k, v := range m.dctx.Transactions {
		txs[k] = v
	}
	return Completion{
		FlowID:       m.flow.ID(),
		CharacterID:  m.dctx.CharacterID,
		NodeID:       m.dctx.NodeID,
		CriticalType: m.flow.CriticalType(),
		Score:        m.dctx.Score,
		Tier:         domain.TierForScore(m.dctx.Score),
		Completed:    completed,
		Reason:       reason,
		Progression:  m.ProgressionStatus(),
		Transactions: txs,
	}
}

func (m *Machine) clear() {
	m.flow = nil
	m.dctx = nil
	m.status = domain.StatusNoFlow
	m.ui = domain.UIFlags{}
	m.pending = nil
	m.repairing = false
	m.repairAttempts = 0
	m.epoch++
}

// deferCall schedules fn on the next tick, bound to the current flow.
func (m *Machine) deferCall(ctx context.Context, what string, fn func(context.Context) error) {
	epoch := m.epoch
	m.scheduler.Defer(func() {
		if m.epoch != epoch || !m.Active() {
			return
		}
		if err := fn(ctx); err != nil {
			m.logger.WarnContext(ctx, "deferred call failed", "call", what, "err", err)
		}
	})
}

func (m *Machine) publish(ctx context.Context, evt domain.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = m.now()
	}
	if m.dctx != nil {
		if evt.FlowID == "" {
			evt.FlowID = m.dctx.FlowID
		}
		if evt.CharacterID == "" {
			evt.CharacterID = m.dctx.CharacterID
		}
		if evt.NodeID == "" {
			evt.NodeID = m.dctx.NodeID
		}
	}
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(ctx, evt); err != nil {
		m.logger.WarnContext(ctx, "failed to publish event", "type", evt.Type, "err", err)
	}
}
