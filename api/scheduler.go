/*
scheduler.go - Automated ledger maintenance scheduler

PURPOSE:
  Periodically runs the time-driven jobs so the service keeps itself
  current without an external cron:
    1. Fiscal boundary check: reset ledgers once the fiscal year rolls over
    2. Overdue sweep: mark training past its due date OVERDUE
    3. Decay: legacy dormancy erosion, only when the policy enables it

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Runs one pass immediately on start
  - Every job is idempotent, so a pass overlapping a manual admin call or
    an external cron trigger changes nothing twice
  - A failing job is logged and the remaining jobs still run

CONFIGURATION:
  - CheckInterval: How often to check (SCHEDULER_INTERVAL, default 1 hour)
  - Enabled: Whether the scheduler is active (SCHEDULER_ENABLED)

USAGE:
  scheduler := NewMaintenanceScheduler(engine, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: /api/admin/* endpoints (manual triggers)
  - points/reset.go: RunFiscalBoundaryCheck
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/contravention-engine/points"
)

// MaintenanceScheduler runs the periodic ledger jobs.
type MaintenanceScheduler struct {
	Engine        *points.Engine
	CheckInterval time.Duration
	Enabled       bool

	log    zerolog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// PassResult summarises one scheduler pass.
type PassResult struct {
	FiscalReset bool
	Overdue     *points.OverdueSummary
	Decay       *points.DecaySummary
	Errors      int
	NextRun     time.Time
}

// NewMaintenanceScheduler creates a new scheduler.
func NewMaintenanceScheduler(engine *points.Engine, logger zerolog.Logger) *MaintenanceScheduler {
	return &MaintenanceScheduler{
		Engine:        engine,
		CheckInterval: time.Hour,
		Enabled:       true,
		log:           logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start begins the scheduler.
func (ms *MaintenanceScheduler) Start() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if !ms.Enabled {
		ms.log.Info().Msg("disabled, not starting")
		return
	}
	if ms.ticker != nil {
		return
	}

	ms.ticker = time.NewTicker(ms.CheckInterval)
	ms.stop = make(chan struct{})
	ms.wg.Add(1)

	go ms.run(ms.ticker, ms.stop)

	ms.log.Info().Dur("interval", ms.CheckInterval).Msg("started")
}

// Stop stops the scheduler and waits for a running pass to finish.
func (ms *MaintenanceScheduler) Stop() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.ticker != nil {
		ms.ticker.Stop()
		close(ms.stop)
		ms.wg.Wait()
		ms.ticker = nil
		ms.log.Info().Msg("stopped")
	}
}

func (ms *MaintenanceScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer ms.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Run immediately on start
	ms.RunNow(ctx)

	for {
		select {
		case <-ticker.C:
			ms.RunNow(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow performs one pass synchronously (for tests and admin use).
func (ms *MaintenanceScheduler) RunNow(ctx context.Context) PassResult {
	var res PassResult

	reset, err := ms.Engine.Resetter.RunFiscalBoundaryCheck(ctx)
	if err != nil {
		res.Errors++
		ms.log.Error().Err(err).Msg("fiscal boundary check failed")
	}
	res.FiscalReset = reset

	if res.Overdue, err = ms.Engine.Trainer.MarkOverdue(ctx); err != nil {
		res.Errors++
		ms.log.Error().Err(err).Msg("overdue training sweep failed")
	}

	if ms.Engine.Policy().Decay.Enabled {
		if res.Decay, err = ms.Engine.Ledger.ApplyDecay(ctx); err != nil {
			res.Errors++
			ms.log.Error().Err(err).Msg("decay failed")
		}
	}

	res.NextRun = ms.NextRunTime()
	ev := ms.log.Info().
		Bool("fiscal_reset", res.FiscalReset).
		Int("errors", res.Errors).
		Time("next_run", res.NextRun)
	if res.Overdue != nil {
		ev = ev.Int("overdue_marked", res.Overdue.Marked)
	}
	if res.Decay != nil {
		ev = ev.Int("decayed", res.Decay.Decayed)
	}
	ev.Msg("pass complete")
	return res
}

// NextRunTime returns when the next scheduled check will occur.
func (ms *MaintenanceScheduler) NextRunTime() time.Time {
	return time.Now().Add(ms.CheckInterval)
}
