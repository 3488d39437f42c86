package points

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// RESETTER - Fiscal year boundary
// =============================================================================

// Resetter runs the fiscal-year reset and keeps one ResetRun audit row per
// fiscal label.
type Resetter struct {
	*deps
	ledger *Ledger
}

// ResetPointsForNewFiscalYear zeroes every ledger for the fiscal year that
// contains now. A label with a completed run is not reset again; the stored
// summary is returned with AlreadyCompleted set. A failed or interrupted run
// may be repeated.
func (r *Resetter) ResetPointsForNewFiscalYear(ctx context.Context) (*ResetSummary, error) {
	return r.resetFor(ctx, FiscalYearLabel(r.clock()))
}

// RunFiscalBoundaryCheck is the scheduler entry point. It resets only when
// the current fiscal year has no completed run, and reports whether a reset
// ran. On a database with no runs at all the current year is recorded as a
// baseline instead, so deploying mid-year does not wipe live totals.
func (r *Resetter) RunFiscalBoundaryCheck(ctx context.Context) (bool, error) {
	label := FiscalYearLabel(r.clock())
	run, err := r.lookupRun(ctx, label)
	if err != nil {
		return false, err
	}
	if run != nil && run.Status == RunCompleted {
		return false, nil
	}
	if run == nil {
		runs, err := r.ResetRuns(ctx)
		if err != nil {
			return false, err
		}
		if len(runs) == 0 {
			now := r.clock()
			r.log.Info().Str("fiscal_label", label).Msg("recording fiscal year baseline")
			return false, r.save(ctx, ResetRun{
				ID:          uuid.NewString(),
				FiscalLabel: label,
				Status:      RunCompleted,
				StartedAt:   now,
				CompletedAt: &now,
			})
		}
	}
	if _, err := r.resetFor(ctx, label); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Resetter) resetFor(ctx context.Context, label string) (*ResetSummary, error) {
	start := time.Now()
	defer r.metrics.ObserveJob("fiscal_reset", start)

	existing, err := r.lookupRun(ctx, label)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Status == RunCompleted {
		return &ResetSummary{
			FiscalLabel:        label,
			EmployeesProcessed: existing.EmployeesProcessed,
			PointsRemoved:      existing.PointsRemoved,
			AlreadyCompleted:   true,
		}, nil
	}

	run := ResetRun{ID: uuid.NewString(), FiscalLabel: label, StartedAt: r.clock()}
	if existing != nil {
		run = *existing
	}
	run.Status = RunRunning
	run.CompletedAt = nil
	if err := r.save(ctx, run); err != nil {
		return nil, err
	}

	sum, resetErr := r.ledger.ResetAll(ctx, label)
	if sum != nil {
		// Counts accumulate across reruns of a failed label.
		run.EmployeesProcessed += sum.EmployeesProcessed
		run.PointsRemoved += sum.PointsRemoved
		run.ErrorCount = len(sum.Errors)
	}
	now := r.clock()
	run.CompletedAt = &now
	run.Status = RunCompleted
	if resetErr != nil || run.ErrorCount > 0 {
		run.Status = RunFailed
	}
	// Record the outcome even when the context was cancelled midway.
	if err := r.save(context.WithoutCancel(ctx), run); err != nil {
		return sum, err
	}
	if resetErr != nil {
		return sum, resetErr
	}

	r.log.Info().
		Str("fiscal_label", label).
		Int("employees_processed", sum.EmployeesProcessed).
		Int("points_removed", sum.PointsRemoved).
		Int("errors", len(sum.Errors)).
		Msg("fiscal year reset finished")
	return sum, nil
}

// ResetRuns lists the audit rows, newest first.
func (r *Resetter) ResetRuns(ctx context.Context) ([]ResetRun, error) {
	var runs []ResetRun
	err := r.store.WithTx(ctx, func(repo Repo) error {
		var err error
		runs, err = repo.ListResetRuns(ctx)
		return err
	})
	return runs, err
}

func (r *Resetter) lookupRun(ctx context.Context, label string) (*ResetRun, error) {
	var run *ResetRun
	err := r.store.WithTx(ctx, func(repo Repo) error {
		var err error
		run, err = repo.GetResetRun(ctx, label)
		return err
	})
	return run, err
}

func (r *Resetter) save(ctx context.Context, run ResetRun) error {
	return r.store.WithTx(ctx, func(repo Repo) error {
		return repo.SaveResetRun(ctx, run)
	})
}
