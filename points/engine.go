package points

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/contravention-engine/metrics"
)

// Engine bundles the points components. They share one store, policy,
// notifier and clock, and call each other inside a single transaction.
type Engine struct {
	Ledger   *Ledger
	Recorder *Recorder
	Trainer  *Trainer
	Resetter *Resetter
}

type deps struct {
	store    TxStore
	policy   *Policy
	notifier Notifier
	metrics  *metrics.Metrics
	clock    Clock
	log      zerolog.Logger
	voided   []string
}

// Option configures the Engine.
type Option func(*deps)

func WithPolicy(p *Policy) Option { return func(d *deps) { d.policy = p } }

func WithNotifier(n Notifier) Option { return func(d *deps) { d.notifier = n } }

func WithMetrics(m *metrics.Metrics) Option { return func(d *deps) { d.metrics = m } }

// WithClock overrides the clock for deterministic testing.
func WithClock(c Clock) Option { return func(d *deps) { d.clock = c } }

func WithLogger(l zerolog.Logger) Option { return func(d *deps) { d.log = l } }

// WithVoidedStatuses sets the contravention statuses excluded from
// reconciliation totals.
func WithVoidedStatuses(statuses ...string) Option {
	return func(d *deps) { d.voided = append([]string(nil), statuses...) }
}

// New wires the points components around store.
func New(store TxStore, opts ...Option) (*Engine, error) {
	d := &deps{
		store:    store,
		policy:   DefaultPolicy(),
		notifier: nopNotifier{},
		clock:    utcNow,
		log:      zerolog.Nop(),
		voided:   []string{"VOIDED"},
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.notifier == nil {
		d.notifier = nopNotifier{}
	}
	if err := d.policy.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{}
	e.Recorder = &Recorder{deps: d}
	e.Trainer = &Trainer{deps: d, recorder: e.Recorder}
	e.Ledger = &Ledger{deps: d, recorder: e.Recorder, trainer: e.Trainer}
	e.Trainer.ledger = e.Ledger
	e.Resetter = &Resetter{deps: d, ledger: e.Ledger}
	return e, nil
}

// Policy returns the active escalation policy.
func (e *Engine) Policy() *Policy { return e.Ledger.policy }

// Now reads the engine clock.
func (e *Engine) Now() time.Time { return e.Ledger.clock() }

// run executes fn in one transaction and dispatches the collected events
// after it commits. Nothing is dispatched on rollback.
func (d *deps) run(ctx context.Context, fn func(Repo, *Outbox) error) error {
	out := &Outbox{}
	if err := d.store.WithTx(ctx, func(r Repo) error { return fn(r, out) }); err != nil {
		return err
	}
	if events := out.Events(); len(events) > 0 {
		d.notifier.Notify(ctx, events...)
	}
	return nil
}

func (d *deps) event(t EventType, id EmployeeID, payload map[string]any) Event {
	return Event{Type: t, EmployeeID: id, Payload: payload, OccurredAt: d.clock()}
}

func requireEmployee(ctx context.Context, repo Repo, id EmployeeID) (*Employee, error) {
	emp, err := repo.GetEmployee(ctx, id)
	if err != nil {
		return nil, err
	}
	if emp == nil {
		return nil, NotFound("employee", string(id))
	}
	return emp, nil
}

// loadAccount returns the stored account, or a zero account when the
// employee has none yet. Accounts are created lazily on first save.
func loadAccount(ctx context.Context, repo Repo, id EmployeeID) (Account, error) {
	a, err := repo.GetAccount(ctx, id)
	if err != nil {
		return Account{}, err
	}
	if a == nil {
		return Account{EmployeeID: id}, nil
	}
	return *a, nil
}

// =============================================================================
// OUTBOX - Events collected inside a transaction
// =============================================================================

// Outbox collects events produced inside a transaction. They are
// dispatched only after the transaction commits.
type Outbox struct {
	events []Event
}

func (o *Outbox) Add(events ...Event) {
	if o == nil {
		return
	}
	o.events = append(o.events, events...)
}

func (o *Outbox) Events() []Event {
	if o == nil {
		return nil
	}
	return o.events
}
