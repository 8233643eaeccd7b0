package storyguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/storyguard/internal/controller"
	"github.com/aretw0/storyguard/internal/eventbus"
	"github.com/aretw0/storyguard/internal/guarantor"
	"github.com/aretw0/storyguard/internal/ledger"
	"github.com/aretw0/storyguard/internal/logging"
	"github.com/aretw0/storyguard/internal/machine"
	"github.com/aretw0/storyguard/internal/metrics"
	"github.com/aretw0/storyguard/internal/recovery"
	"github.com/aretw0/storyguard/internal/tick"
	"github.com/aretw0/storyguard/internal/validator"
	"github.com/aretw0/storyguard/pkg/domain"
	"github.com/aretw0/storyguard/pkg/ports"
)

// Requirement declares when the critical item must be held.
type Requirement = validator.Requirement

// CheckResult is the outcome of one guarantor run.
type CheckResult = guarantor.Result

// IntegrityReport lists stale ledger transactions.
type IntegrityReport = ledger.IntegrityReport

// Stores groups the game collaborators the engine reads and repairs.
// Resources is optional.
type Stores struct {
	Items     ports.ItemStore
	Progress  ports.ProgressStore
	Knowledge ports.KnowledgeStore
	Resources ports.ResourceStore
}

// Engine wires the ledger, machine, guarantor, recovery planner and
// controller behind one event entry point. All methods are serialized;
// event handlers registered with Subscribe must not call back into the Engine.
type Engine struct {
	mu sync.Mutex

	catalog   ports.FlowCatalog
	queue     *tick.Queue
	bus       *eventbus.Bus
	ledger    *ledger.Ledger
	machine   *machine.Machine
	guarantor *guarantor.Guarantor
	planner   *recovery.Planner
	ctrl      *controller.Controller

	ledgerStore        ports.LedgerStore
	requirements       []Requirement
	staleAfter         time.Duration
	backstoryThreshold int
	maxAttempts        int
	forward            ports.EventPublisher
	metrics            *metrics.Metrics
	hooks              domain.LifecycleHooks
	now                func() time.Time
	logger             *slog.Logger
}

// Option configures the Engine.
type Option func(*Engine)

// WithLedgerStore persists the ledger (file, redis). Defaults to memory.
func WithLedgerStore(store ports.LedgerStore) Option {
	return func(e *Engine) {
		e.ledgerStore = store
	}
}

// WithRequirements registers critical item requirements.
func WithRequirements(reqs ...Requirement) Option {
	return func(e *Engine) {
		e.requirements = append(e.requirements, reqs...)
	}
}

// WithStaleAfter overrides the ledger staleness threshold.
func WithStaleAfter(d time.Duration) Option {
	return func(e *Engine) {
		e.staleAfter = d
	}
}

// WithBackstoryThreshold overrides the score that unlocks backstory panels.
func WithBackstoryThreshold(n int) Option {
	return func(e *Engine) {
		e.backstoryThreshold = n
	}
}

// WithMaxAttempts bounds retries of failed transactions.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		e.maxAttempts = n
	}
}

// WithForward mirrors every bus event to an outbound publisher.
func WithForward(p ports.EventPublisher) Option {
	return func(e *Engine) {
		e.forward = p
	}
}

// WithMetrics records engine activity into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithLifecycleHooks registers observability hooks.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(e *Engine) {
		e.hooks = e.hooks.Merge(hooks)
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// New builds an Engine over catalog and stores and hydrates the ledger.
func New(catalog ports.FlowCatalog, stores Stores, opts ...Option) (*Engine, error) {
	if catalog == nil {
		return nil, errors.New("flow catalog is required")
	}
	if stores.Items == nil || stores.Progress == nil || stores.Knowledge == nil {
		return nil, errors.New("item, progress and knowledge stores are required")
	}

	e := &Engine{
		catalog:            catalog,
		staleAfter:         ledger.DefaultStaleAfter,
		backstoryThreshold: domain.DefaultBackstoryThreshold,
		maxAttempts:        guarantor.DefaultMaxAttempts,
		now:                time.Now,
		logger:             logging.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}

	// 1. Hooks: user hooks, metrics, then failure fan-out.
	hooks := e.hooks
	if e.metrics != nil {
		hooks = hooks.Merge(e.metrics.Hooks())
	}
	hooks = hooks.Merge(domain.LifecycleHooks{OnTransaction: e.onTransaction})

	// 2. Scheduling and events.
	e.queue = tick.New(tick.WithLogger(e.logger))
	busOpts := []eventbus.Option{eventbus.WithLogger(e.logger)}
	if e.forward != nil {
		busOpts = append(busOpts, eventbus.WithForward(e.forward))
	}
	e.bus = eventbus.New(busOpts...)

	// 3. Ledger.
	ledgerOpts := []ledger.Option{
		ledger.WithStaleAfter(e.staleAfter),
		ledger.WithClock(e.now),
		ledger.WithLifecycleHooks(hooks),
		ledger.WithLogger(e.logger),
	}
	if e.ledgerStore != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithStore(e.ledgerStore))
	}
	e.ledger = ledger.New(ledgerOpts...)
	if err := e.ledger.Load(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}

	// 4. Machine. The completion handler is bound to the controller built below.
	e.machine = machine.New(
		machine.WithLedger(e.ledger),
		machine.WithScheduler(e.queue),
		machine.WithPublisher(e.bus),
		machine.WithCompletionHandler(func(ctx context.Context, c machine.Completion) error {
			return e.ctrl.HandleCompletion(ctx, c)
		}),
		machine.WithLifecycleHooks(hooks),
		machine.WithBackstoryThreshold(e.backstoryThreshold),
		machine.WithClock(e.now),
		machine.WithLogger(e.logger),
	)

	// 5. Guarantor.
	e.guarantor = guarantor.New(
		guarantor.Stores{Items: stores.Items, Progress: stores.Progress, Knowledge: stores.Knowledge},
		e.ledger,
		guarantor.WithMachine(e.machine),
		guarantor.WithScheduler(e.queue),
		guarantor.WithRequirements(e.requirements...),
		guarantor.WithMaxAttempts(e.maxAttempts),
		guarantor.WithLifecycleHooks(hooks),
		guarantor.WithClock(e.now),
		guarantor.WithLogger(e.logger),
	)

	// 6. Controller.
	e.ctrl = controller.New(catalog, e.machine,
		controller.Stores{
			Items:     stores.Items,
			Progress:  stores.Progress,
			Knowledge: stores.Knowledge,
			Resources: stores.Resources,
		},
		controller.WithGuarantor(e.guarantor),
		controller.WithPublisher(e.bus),
		controller.WithLogger(e.logger),
	)
	e.ctrl.Register(e.bus)

	// 7. Recovery.
	e.planner = recovery.New(
		recovery.Stores{Items: stores.Items, Progress: stores.Progress, Knowledge: stores.Knowledge},
		e.ledger,
		recovery.WithMachine(e.machine),
		recovery.WithPresence(e.ctrl),
		recovery.WithRequirements(e.requirements...),
		recovery.WithLifecycleHooks(hooks),
		recovery.WithClock(e.now),
		recovery.WithLogger(e.logger),
	)

	if e.metrics != nil {
		e.bus.SubscribeAll(e.metrics.Observe)
	}
	return e, nil
}

// onTransaction forwards ledger failures to the guarantor and the bus.
func (e *Engine) onTransaction(ctx context.Context, ev *domain.TransactionEvent) {
	if ev.Transaction.Status != domain.TxFailed || e.guarantor == nil {
		return
	}
	tx := ev.Transaction
	e.guarantor.OnTransactionFailed(ctx, tx)
	err := e.bus.Publish(ctx, domain.Event{
		Type:          domain.EventTransactionFailed,
		Timestamp:     e.now(),
		CharacterID:   tx.CharacterID,
		NodeID:        tx.NodeID,
		TransactionID: tx.ID,
		Reason:        tx.FailureReason,
	})
	if err != nil {
		e.logger.WarnContext(ctx, "transaction.failed handlers failed", "tx", tx.ID, "err", err)
	}
}

// Handle publishes an inbound event and runs every continuation it deferred.
func (e *Engine) Handle(ctx context.Context, evt domain.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if evt.Timestamp.IsZero() {
		evt.Timestamp = e.now()
	}
	err := e.bus.Publish(ctx, evt)
	e.queue.Flush()
	return err
}

// Flush runs pending continuations and returns how many ran.
func (e *Engine) Flush() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Flush()
}

// AuditReport combines a guarantor run with a recovery pass.
type AuditReport struct {
	Checks        CheckResult            `json:"checks"`
	CheckFailures []string               `json:"check_failures,omitempty"`
	Recovery      *domain.RecoveryRecord `json:"recovery,omitempty"`
}

// Healthy reports whether the audit neither repaired nor recovered anything.
func (r AuditReport) Healthy() bool {
	return r.Checks.Healthy() && r.Recovery == nil
}

// Audit runs the progression checks and then detects, plans and executes a
// recovery. Both are idempotent on a healthy system.
func (e *Engine) Audit(ctx context.Context, reason string) (AuditReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	report := AuditReport{Checks: e.guarantor.RunProgressionChecks(ctx)}
	for _, f := range report.Checks.Failures {
		report.CheckFailures = append(report.CheckFailures, fmt.Sprintf("%s %s: %v", f.Stage, f.CheckpointID, f.Err))
	}
	e.queue.Flush()

	rec, err := e.planner.Audit(ctx, reason)
	e.queue.Flush()
	if err != nil {
		return report, fmt.Errorf("recovery: %w", err)
	}
	report.Recovery = rec
	return report, nil
}

// Issues lists what recovery would repair right now, without repairing it.
func (e *Engine) Issues(ctx context.Context) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	d, err := e.planner.Diagnose(ctx)
	if err != nil {
		return nil, err
	}
	return d.Issues, nil
}

// Status is a point-in-time view of the engine.
type Status struct {
	Machine           domain.MachineStatus      `json:"machine"`
	FlowID            string                    `json:"flow_id,omitempty"`
	StateID           string                    `json:"state_id,omitempty"`
	Score             int                       `json:"score"`
	UIPresent         bool                      `json:"ui_present"`
	Progression       *domain.ProgressionStatus `json:"progression,omitempty"`
	Options           []string                  `json:"options,omitempty"`
	OpenTransactions  int                       `json:"open_transactions"`
	StaleTransactions []string                  `json:"stale_transactions,omitempty"`
}

// Status reports the machine, presence and ledger health.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{
		Machine:   e.machine.Status(),
		UIPresent: e.ctrl.Present(),
	}
	if e.machine.Active() {
		dctx := e.machine.Context()
		prog := e.machine.ProgressionStatus()
		st.FlowID = dctx.FlowID
		st.StateID = dctx.CurrentStateID
		st.Score = dctx.Score
		st.Progression = &prog
		for _, opt := range e.machine.AvailableOptions() {
			st.Options = append(st.Options, opt.ID)
		}
	}
	for _, tx := range e.ledger.All() {
		if tx.Open() {
			st.OpenTransactions++
		}
	}
	st.StaleTransactions = e.ledger.CheckIntegrity(time.Time{}).StaleIDs()
	return st
}

// Transactions returns every ledger record in start order.
func (e *Engine) Transactions() []domain.Transaction {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.All()
}

// Integrity reports stale transactions at the engine clock.
func (e *Engine) Integrity() IntegrityReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.CheckIntegrity(time.Time{})
}

// History returns the executed recovery records, oldest first.
func (e *Engine) History() []domain.RecoveryRecord {
	return e.planner.History()
}

// Snapshot captures the active conversation, or nil when idle.
func (e *Engine) Snapshot() *domain.SessionSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.machine.Snapshot()
}

// Restore rehydrates a conversation captured by Snapshot.
func (e *Engine) Restore(ctx context.Context, flow *domain.DialogueFlow, snap *domain.SessionSnapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.machine.Restore(ctx, flow, snap)
	e.queue.Flush()
	return err
}

// Subscribe registers h for events of type typ.
func (e *Engine) Subscribe(typ domain.EventType, h func(context.Context, domain.Event) error) func() {
	return e.bus.Subscribe(typ, h)
}

// Stream opens a buffered feed of every event; slow readers drop events.
func (e *Engine) Stream(buffer int) (<-chan domain.Event, func()) {
	return e.bus.Stream(buffer)
}

// Catalog returns the flow catalog the engine starts flows from.
func (e *Engine) Catalog() ports.FlowCatalog {
	return e.catalog
}

// Checkpoints lists the guarantor checkpoint ids in evaluation order.
func (e *Engine) Checkpoints() []string {
	cps := e.guarantor.Checkpoints()
	ids := make([]string, 0, len(cps))
	for _, cp := range cps {
		ids = append(ids, cp.ID)
	}
	return ids
}
