/*
Package notify delivers ledger and workflow events to the outside world.

PURPOSE:
  Dispatcher implements points.Notifier. Services hand it the events they
  collected after their transaction commits; it fans each event out to every
  configured Sink.

DELIVERY:
  - Sinks run concurrently, bounded by the concurrency limit.
  - The whole dispatch shares one timeout. A caller whose request context
    is already cancelled still gets its events delivered.
  - A failing sink never blocks or fails the other sinks, and failures are
    never returned to the caller. They are logged and counted.

SEE ALSO:
  - points/store.go: Notifier contract
  - redis.go: Redis stream sink
*/
package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/warp/contravention-engine/metrics"
	"github.com/warp/contravention-engine/points"
)

//go:generate mockgen -destination=mocks/sink.go -package=mocks github.com/warp/contravention-engine/notify Sink
//go:generate mockgen -destination=mocks/notifier.go -package=mocks github.com/warp/contravention-engine/points Notifier

// Sink delivers one event to one channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, e points.Event) error
}

const (
	DefaultTimeout     = 5 * time.Second
	DefaultConcurrency = 4
)

type Dispatcher struct {
	sinks       []Sink
	timeout     time.Duration
	concurrency int
	metrics     *metrics.Metrics
	log         zerolog.Logger
}

var _ points.Notifier = (*Dispatcher)(nil)

type Option func(*Dispatcher)

func WithTimeout(d time.Duration) Option { return func(x *Dispatcher) { x.timeout = d } }

func WithConcurrency(n int) Option { return func(x *Dispatcher) { x.concurrency = n } }

func WithMetrics(m *metrics.Metrics) Option { return func(x *Dispatcher) { x.metrics = m } }

func WithLogger(l zerolog.Logger) Option { return func(x *Dispatcher) { x.log = l } }

// NewDispatcher fans events out to sinks. Nil sinks are skipped.
func NewDispatcher(sinks []Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		timeout:     DefaultTimeout,
		concurrency: DefaultConcurrency,
		log:         zerolog.Nop(),
	}
	for _, s := range sinks {
		if s != nil {
			d.sinks = append(d.sinks, s)
		}
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.concurrency < 1 {
		d.concurrency = 1
	}
	return d
}

// Sinks returns the names of the configured sinks.
func (d *Dispatcher) Sinks() []string {
	names := make([]string, len(d.sinks))
	for i, s := range d.sinks {
		names[i] = s.Name()
	}
	return names
}

// Notify delivers events to every sink and waits for all deliveries to
// finish or time out.
func (d *Dispatcher) Notify(ctx context.Context, events ...points.Event) {
	if len(events) == 0 || len(d.sinks) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	// A plain Group: one failed delivery must not cancel the others.
	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for _, e := range events {
		for _, s := range d.sinks {
			g.Go(func() error {
				d.deliver(ctx, s, e)
				return nil
			})
		}
	}
	_ = g.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, s Sink, e points.Event) {
	err := s.Send(ctx, e)
	d.metrics.IncrementNotification(s.Name(), string(e.Type), err)
	if err != nil {
		d.log.Warn().
			Err(err).
			Str("sink", s.Name()).
			Str("event", string(e.Type)).
			Str("employee_id", string(e.EmployeeID)).
			Msg("notification delivery failed")
	}
}

// =============================================================================
// LOG SINK
// =============================================================================

// LogSink writes every event as one structured log line. It is always
// configured so events are visible without any external broker.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink { return &LogSink{log: log} }

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, e points.Event) error {
	s.log.Info().
		Str("event", string(e.Type)).
		Str("employee_id", string(e.EmployeeID)).
		Time("occurred_at", e.OccurredAt).
		Fields(e.Payload).
		Msg("notification")
	return nil
}
