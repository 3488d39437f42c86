/*
ledger.go - The per-employee points ledger

PURPOSE:
  The Ledger is the only code that mutates Account rows. Every change to a
  total is one transaction that reads the account, computes the new total
  and level, appends a typed Entry and saves the account. Side effects that
  depend on the new state (escalations, training) run in the same
  transaction; notifications are dispatched after it commits.

CRITICAL INVARIANTS:
  1. total == sum of entry deltas since the last reset entry
  2. total >= 0. Negative changes are floored and the floored delta is
     what gets recorded.
  3. Level == Policy.Evaluate(total, PerformanceImpact) after every write
  4. A training record credits the ledger at most once

OPERATIONS:
  AddPoints / AddPointsTx   contravention logged (or manual addition)
  ApplyCredit               training completion credit
  ReverseTx                 contravention deleted or voided
  ResetAll                  fiscal-year zeroing, idempotent per label
  ReconcileFromContraventions  re-sync from the contravention table
  ApplyDecay                legacy dormancy erosion, off by default

SEE ALSO:
  - policy.go: level evaluation
  - escalation.go: RecordIfNeeded
  - training.go: TriggerTx
  - reset.go: fiscal-year orchestration and run audit
*/
package points

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Ledger struct {
	*deps
	recorder *Recorder
	trainer  *Trainer
}

// Addition is the input of AddPoints.
type Addition struct {
	EmployeeID       EmployeeID
	Points           int
	Reason           string
	ContraventionRef string // optional
}

// Result describes one ledger mutation.
type Result struct {
	EmployeeID    EmployeeID
	Delta         int // as applied, after flooring
	NewTotal      int
	PreviousLevel Level
	NewLevel      Level
	LevelChanged  bool

	// Side effects created in the same transaction, if any.
	Escalation *Escalation
	Training   *TrainingRecord
}

// EmployeeError is one failed employee in a bulk job.
type EmployeeError struct {
	EmployeeID EmployeeID `json:"employee_id"`
	Error      string     `json:"error"`
}

// =============================================================================
// ADD
// =============================================================================

// AddPoints adds points in its own transaction.
func (l *Ledger) AddPoints(ctx context.Context, in Addition) (*Result, error) {
	var res *Result
	err := l.run(ctx, func(repo Repo, out *Outbox) error {
		var err error
		res, err = l.AddPointsTx(ctx, repo, in, out)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// AddPointsTx adds points inside the caller's transaction. Escalation and
// training side effects are written through repo and their events are
// collected in out.
func (l *Ledger) AddPointsTx(ctx context.Context, repo Repo, in Addition, out *Outbox) (*Result, error) {
	if in.Points < 0 {
		return nil, Invalid("points", "must not be negative")
	}
	if _, err := requireEmployee(ctx, repo, in.EmployeeID); err != nil {
		return nil, err
	}
	acct, err := loadAccount(ctx, repo, in.EmployeeID)
	if err != nil {
		return nil, err
	}

	newTotal := acct.TotalPoints + in.Points
	sticky := acct.PerformanceImpact
	if !sticky && in.ContraventionRef != "" {
		trained, err := repo.HasCompletedTraining(ctx, in.EmployeeID)
		if err != nil {
			return nil, err
		}
		sticky = l.policy.IsPerformanceImpact(in.Points, trained)
	}

	now := l.clock()
	entry := Entry{
		ID:               uuid.NewString(),
		EmployeeID:       in.EmployeeID,
		Kind:             EntryAdd,
		Delta:            in.Points,
		BalanceAfter:     newTotal,
		ContraventionRef: in.ContraventionRef,
		Reason:           in.Reason,
		CreatedAt:        now,
	}
	res, err := l.write(ctx, repo, acct, entry, sticky)
	if err != nil {
		return nil, err
	}
	if err := l.applySideEffects(ctx, repo, res, out); err != nil {
		return nil, err
	}

	l.metrics.AddPoints(in.Points)
	l.log.Debug().
		Str("employee_id", string(in.EmployeeID)).
		Int("points", in.Points).
		Int("total", res.NewTotal).
		Str("level", string(res.NewLevel)).
		Msg("points added")
	return res, nil
}

// applySideEffects creates the escalation for a level change and assigns
// training once the total reaches the training threshold.
func (l *Ledger) applySideEffects(ctx context.Context, repo Repo, res *Result, out *Outbox) error {
	if res.LevelChanged {
		esc, err := l.recorder.RecordIfNeeded(ctx, repo, res.EmployeeID, res.PreviousLevel, res.NewLevel, res.NewTotal, out)
		if err != nil {
			return err
		}
		res.Escalation = esc
	}
	if res.NewTotal >= l.policy.TrainingThreshold {
		rec, err := l.trainer.TriggerTx(ctx, repo, res.EmployeeID, out)
		if err != nil {
			return err
		}
		res.Training = rec
	}
	return nil
}

// =============================================================================
// CREDIT & REVERSAL
// =============================================================================

// ApplyCredit subtracts the training credit for a completed training record.
// It fails with ErrCreditAlreadyApplied when the record was already credited.
func (l *Ledger) ApplyCredit(ctx context.Context, id EmployeeID, trainingID string) (*Result, error) {
	var res *Result
	err := l.run(ctx, func(repo Repo, _ *Outbox) error {
		rec, err := repo.GetTraining(ctx, trainingID)
		if err != nil {
			return err
		}
		if rec == nil {
			return NotFound("training record", trainingID)
		}
		if rec.EmployeeID != id {
			return Invalid("training_id", "training record belongs to another employee")
		}
		res, err = l.applyCreditTx(ctx, repo, rec)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// applyCreditTx credits rec and marks it credited. rec is updated in place.
func (l *Ledger) applyCreditTx(ctx context.Context, repo Repo, rec *TrainingRecord) (*Result, error) {
	if rec.Credited {
		return nil, ErrCreditAlreadyApplied
	}
	if rec.Status != TrainingCompleted {
		return nil, Conflictf("training %s is %s, only completed training earns credit", rec.ID, rec.Status)
	}
	acct, err := loadAccount(ctx, repo, rec.EmployeeID)
	if err != nil {
		return nil, err
	}

	now := l.clock()
	newTotal := max(0, acct.TotalPoints-l.policy.TrainingCredit)
	entry := Entry{
		ID:           uuid.NewString(),
		EmployeeID:   rec.EmployeeID,
		Kind:         EntryCredit,
		Delta:        newTotal - acct.TotalPoints,
		BalanceAfter: newTotal,
		TrainingID:   rec.ID,
		Reason:       "training completed",
		CreatedAt:    now,
	}
	res, err := l.write(ctx, repo, acct, entry, acct.PerformanceImpact)
	if err != nil {
		return nil, err
	}

	rec.Credited = true
	rec.CreditedAt = &now
	rec.UpdatedAt = now
	if err := repo.UpdateTraining(ctx, *rec); err != nil {
		return nil, err
	}
	l.metrics.IncrementCreditApplied()
	return res, nil
}

// ReverseTx removes points previously added for a contravention, floored at
// zero. The level is recomputed; the sticky flag is kept and no escalation
// is created. A contravention added before the ledger's last fiscal reset
// has nothing left to reverse: ReverseTx then writes nothing and returns a
// nil Result.
func (l *Ledger) ReverseTx(ctx context.Context, repo Repo, id EmployeeID, points int, contraventionRef, reason string) (*Result, error) {
	if points < 0 {
		return nil, Invalid("points", "must not be negative")
	}
	acct, err := loadAccount(ctx, repo, id)
	if err != nil {
		return nil, err
	}
	inWindow, err := l.InResetWindow(ctx, repo, id, contraventionRef)
	if err != nil {
		return nil, err
	}
	if !inWindow {
		l.log.Info().
			Str("employee_id", string(id)).
			Str("contravention_ref", contraventionRef).
			Msg("reversal skipped, points already cleared by fiscal reset")
		return nil, nil
	}
	newTotal := max(0, acct.TotalPoints-points)
	entry := Entry{
		ID:               uuid.NewString(),
		EmployeeID:       id,
		Kind:             EntryReversal,
		Delta:            newTotal - acct.TotalPoints,
		BalanceAfter:     newTotal,
		ContraventionRef: contraventionRef,
		Reason:           reason,
		CreatedAt:        l.clock(),
	}
	return l.write(ctx, repo, acct, entry, acct.PerformanceImpact)
}

// write appends entry and saves the account with the recomputed level.
func (l *Ledger) write(ctx context.Context, repo Repo, acct Account, entry Entry, sticky bool) (*Result, error) {
	if err := entry.Validate(); err != nil {
		return nil, err
	}
	if err := repo.AppendEntry(ctx, entry); err != nil {
		return nil, err
	}
	prev := acct.Level
	acct.TotalPoints = entry.BalanceAfter
	acct.PerformanceImpact = sticky
	acct.Level = l.policy.Evaluate(acct.TotalPoints, sticky)
	acct.UpdatedAt = entry.CreatedAt
	if err := repo.SaveAccount(ctx, acct); err != nil {
		return nil, err
	}
	return &Result{
		EmployeeID:    acct.EmployeeID,
		Delta:         entry.Delta,
		NewTotal:      acct.TotalPoints,
		PreviousLevel: prev,
		NewLevel:      acct.Level,
		LevelChanged:  prev != acct.Level,
	}, nil
}

// =============================================================================
// FISCAL RESET
// =============================================================================

type ResetSummary struct {
	FiscalLabel        string          `json:"fiscal_label"`
	EmployeesProcessed int             `json:"employees_processed"`
	PointsRemoved      int             `json:"points_removed"`
	Skipped            int             `json:"skipped"`
	Errors             []EmployeeError `json:"errors,omitempty"`
	AlreadyCompleted   bool            `json:"already_completed,omitempty"`
}

// ResetAll zeroes every ledger for fiscalLabel. Each account is reset in its
// own transaction and at most once per label, so an interrupted run can be
// repeated without double-zeroing points added since.
func (l *Ledger) ResetAll(ctx context.Context, fiscalLabel string) (*ResetSummary, error) {
	if fiscalLabel == "" {
		return nil, Invalid("fiscal_label", "required")
	}
	var accounts []Account
	if err := l.store.WithTx(ctx, func(repo Repo) error {
		var err error
		accounts, err = repo.ListAccounts(ctx)
		return err
	}); err != nil {
		return nil, err
	}

	sum := &ResetSummary{FiscalLabel: fiscalLabel}
	for _, a := range accounts {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		removed, changed, err := l.resetOne(ctx, a.EmployeeID, fiscalLabel)
		if err != nil {
			l.log.Warn().Err(err).Str("employee_id", string(a.EmployeeID)).Msg("fiscal reset failed for employee")
			sum.Errors = append(sum.Errors, EmployeeError{EmployeeID: a.EmployeeID, Error: err.Error()})
			continue
		}
		if !changed {
			sum.Skipped++
			continue
		}
		sum.EmployeesProcessed++
		sum.PointsRemoved += removed
	}
	return sum, nil
}

func (l *Ledger) resetOne(ctx context.Context, id EmployeeID, label string) (removed int, changed bool, err error) {
	err = l.store.WithTx(ctx, func(repo Repo) error {
		acct, err := loadAccount(ctx, repo, id)
		if err != nil {
			return err
		}
		if acct.LastResetLabel == label {
			return nil
		}
		if acct.TotalPoints == 0 && acct.Level.IsNone() && !acct.PerformanceImpact {
			return nil
		}

		now := l.clock()
		if acct.TotalPoints > 0 {
			entry := Entry{
				ID:           uuid.NewString(),
				EmployeeID:   id,
				Kind:         EntryReset,
				Delta:        -acct.TotalPoints,
				BalanceAfter: 0,
				FiscalLabel:  label,
				Reason:       fmt.Sprintf("fiscal year reset %s (prior total %d)", label, acct.TotalPoints),
				CreatedAt:    now,
			}
			if err := entry.Validate(); err != nil {
				return err
			}
			if err := repo.AppendEntry(ctx, entry); err != nil {
				return err
			}
			removed = acct.TotalPoints
		}
		acct.TotalPoints = 0
		acct.Level = LevelNone
		acct.PerformanceImpact = false
		acct.LastResetLabel = label
		acct.UpdatedAt = now
		changed = true
		return repo.SaveAccount(ctx, acct)
	})
	return removed, changed, err
}

// =============================================================================
// RECONCILIATION
// =============================================================================

type Correction struct {
	EmployeeID  EmployeeID `json:"employee_id"`
	Before      int        `json:"before"`
	After       int        `json:"after"`
	LevelBefore Level      `json:"level_before"`
	LevelAfter  Level      `json:"level_after"`
}

type ReconcileReport struct {
	Checked     int             `json:"checked"`
	Corrected   int             `json:"corrected"`
	Unchanged   int             `json:"unchanged"`
	Corrections []Correction    `json:"corrections,omitempty"`
	Errors      []EmployeeError `json:"errors,omitempty"`
}

// ReconcileFromContraventions recomputes every active employee's total from
// their contraventions and corrects drifted ledgers. Running it twice in a
// row writes nothing the second time.
func (l *Ledger) ReconcileFromContraventions(ctx context.Context) (*ReconcileReport, error) {
	start := time.Now()
	defer l.metrics.ObserveJob("reconcile", start)

	var employees []Employee
	if err := l.store.WithTx(ctx, func(repo Repo) error {
		var err error
		employees, err = repo.ListActiveEmployees(ctx)
		return err
	}); err != nil {
		return nil, err
	}

	rep := &ReconcileReport{}
	for _, emp := range employees {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Checked++
		var fix *Correction
		err := l.run(ctx, func(repo Repo, out *Outbox) error {
			var err error
			fix, err = l.reconcileTx(ctx, repo, emp.ID, out)
			return err
		})
		switch {
		case err != nil:
			l.log.Warn().Err(err).Str("employee_id", string(emp.ID)).Msg("reconcile failed for employee")
			rep.Errors = append(rep.Errors, EmployeeError{EmployeeID: emp.ID, Error: err.Error()})
		case fix == nil:
			rep.Unchanged++
		default:
			rep.Corrected++
			rep.Corrections = append(rep.Corrections, *fix)
		}
	}
	l.log.Info().
		Int("checked", rep.Checked).
		Int("corrected", rep.Corrected).
		Int("errors", len(rep.Errors)).
		Msg("reconciliation finished")
	return rep, nil
}

func (l *Ledger) reconcileTx(ctx context.Context, repo Repo, id EmployeeID, out *Outbox) (*Correction, error) {
	acct, err := loadAccount(ctx, repo, id)
	if err != nil {
		return nil, err
	}
	expected, err := l.ExpectedTotal(ctx, repo, id)
	if err != nil {
		return nil, err
	}
	level := l.policy.Evaluate(expected, acct.PerformanceImpact)
	if expected == acct.TotalPoints && level == acct.Level {
		return nil, nil
	}

	fix := &Correction{
		EmployeeID:  id,
		Before:      acct.TotalPoints,
		After:       expected,
		LevelBefore: acct.Level,
		LevelAfter:  level,
	}
	now := l.clock()
	if delta := expected - acct.TotalPoints; delta != 0 {
		entry := Entry{
			ID:           uuid.NewString(),
			EmployeeID:   id,
			Kind:         EntryAdjustment,
			Delta:        delta,
			BalanceAfter: expected,
			Reason:       "reconciled from contraventions",
			CreatedAt:    now,
		}
		if err := entry.Validate(); err != nil {
			return nil, err
		}
		if err := repo.AppendEntry(ctx, entry); err != nil {
			return nil, err
		}
	}
	prev := acct.Level
	acct.TotalPoints = expected
	acct.Level = level
	acct.UpdatedAt = now
	if err := repo.SaveAccount(ctx, acct); err != nil {
		return nil, err
	}

	res := &Result{
		EmployeeID:    id,
		Delta:         fix.After - fix.Before,
		NewTotal:      expected,
		PreviousLevel: prev,
		NewLevel:      level,
		LevelChanged:  prev != level,
	}
	if err := l.applySideEffects(ctx, repo, res, out); err != nil {
		return nil, err
	}
	return fix, nil
}

// ExpectedTotal is the total an employee's ledger should hold: the points of
// their non-voided contraventions inside the current reset window, less the
// training credits and decay applied since the reset, floored at zero.
func (l *Ledger) ExpectedTotal(ctx context.Context, repo Repo, id EmployeeID) (int, error) {
	entries, err := repo.Entries(ctx, id)
	if err != nil {
		return 0, err
	}
	offset := 0
	for _, e := range entries {
		switch e.Kind {
		case EntryReset:
			offset = 0
		case EntryCredit, EntryDecay:
			offset += e.Delta
		}
	}
	resetSeq, err := repo.LastResetSeq(ctx, id)
	if err != nil {
		return 0, err
	}
	contra, err := repo.ContraventionPoints(ctx, id, l.voided, resetSeq)
	if err != nil {
		return 0, err
	}
	return max(0, contra+offset), nil
}

// InResetWindow reports whether a contravention's points still count
// toward the ledger: true unless its add entry precedes the newest reset
// entry. Ledger order decides, not timestamps, so a reset and an addition
// stamped with the same instant are still ordered. A contravention with no
// add entry is inside the window.
func (l *Ledger) InResetWindow(ctx context.Context, repo Repo, id EmployeeID, contraventionRef string) (bool, error) {
	resetSeq, err := repo.LastResetSeq(ctx, id)
	if err != nil {
		return false, err
	}
	if resetSeq == 0 || contraventionRef == "" {
		return true, nil
	}
	addSeq, err := repo.AddEntrySeq(ctx, id, contraventionRef)
	if err != nil {
		return false, err
	}
	return addSeq == 0 || addSeq > resetSeq, nil
}

// =============================================================================
// DECAY - Legacy dormancy erosion
// =============================================================================

type DecaySummary struct {
	Enabled       bool            `json:"enabled"`
	Checked       int             `json:"checked"`
	Decayed       int             `json:"decayed"`
	PointsRemoved int             `json:"points_removed"`
	Errors        []EmployeeError `json:"errors,omitempty"`
}

// ApplyDecay removes Decay.Points from every ledger that has been dormant
// for Decay.DormancyDays. A ledger decays at most once per dormancy window
// because the decay entry itself restarts the window. Does nothing unless
// the policy enables decay.
func (l *Ledger) ApplyDecay(ctx context.Context) (*DecaySummary, error) {
	sum := &DecaySummary{Enabled: l.policy.Decay.Enabled}
	if !sum.Enabled {
		return sum, nil
	}
	start := time.Now()
	defer l.metrics.ObserveJob("decay", start)

	var accounts []Account
	if err := l.store.WithTx(ctx, func(repo Repo) error {
		var err error
		accounts, err = repo.ListAccounts(ctx)
		return err
	}); err != nil {
		return nil, err
	}

	for _, a := range accounts {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if a.TotalPoints == 0 {
			continue
		}
		sum.Checked++
		var res *Result
		err := l.store.WithTx(ctx, func(repo Repo) error {
			var err error
			res, err = l.decayTx(ctx, repo, a.EmployeeID)
			return err
		})
		if err != nil {
			l.log.Warn().Err(err).Str("employee_id", string(a.EmployeeID)).Msg("decay failed for employee")
			sum.Errors = append(sum.Errors, EmployeeError{EmployeeID: a.EmployeeID, Error: err.Error()})
			continue
		}
		if res != nil {
			sum.Decayed++
			sum.PointsRemoved -= res.Delta
		}
	}
	return sum, nil
}

func (l *Ledger) decayTx(ctx context.Context, repo Repo, id EmployeeID) (*Result, error) {
	acct, err := loadAccount(ctx, repo, id)
	if err != nil {
		return nil, err
	}
	if acct.TotalPoints == 0 {
		return nil, nil
	}
	var anchor time.Time
	for _, kind := range []EntryKind{EntryAdd, EntryDecay, EntryAdjustment} {
		e, err := repo.LastEntryOfKind(ctx, id, kind)
		if err != nil {
			return nil, err
		}
		if e != nil && e.CreatedAt.After(anchor) {
			anchor = e.CreatedAt
		}
	}
	now := l.clock()
	if !anchor.IsZero() && now.Sub(anchor) < time.Duration(l.policy.Decay.DormancyDays)*24*time.Hour {
		return nil, nil
	}

	newTotal := max(0, acct.TotalPoints-l.policy.Decay.Points)
	entry := Entry{
		ID:           uuid.NewString(),
		EmployeeID:   id,
		Kind:         EntryDecay,
		Delta:        newTotal - acct.TotalPoints,
		BalanceAfter: newTotal,
		Reason:       fmt.Sprintf("no contraventions for %d days", l.policy.Decay.DormancyDays),
		CreatedAt:    now,
	}
	return l.write(ctx, repo, acct, entry, acct.PerformanceImpact)
}

// =============================================================================
// READS
// =============================================================================

// Account returns the employee's ledger. Employees without points get a
// zero account.
func (l *Ledger) Account(ctx context.Context, id EmployeeID) (*Account, error) {
	var acct Account
	err := l.store.WithTx(ctx, func(repo Repo) error {
		if _, err := requireEmployee(ctx, repo, id); err != nil {
			return err
		}
		var err error
		acct, err = loadAccount(ctx, repo, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// History returns the employee's entries, oldest first.
func (l *Ledger) History(ctx context.Context, id EmployeeID) ([]Entry, error) {
	var entries []Entry
	err := l.store.WithTx(ctx, func(repo Repo) error {
		if _, err := requireEmployee(ctx, repo, id); err != nil {
			return err
		}
		var err error
		entries, err = repo.Entries(ctx, id)
		return err
	})
	return entries, err
}
