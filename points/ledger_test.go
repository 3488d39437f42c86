package points_test

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/contravention-engine/contravention"
	"github.com/warp/contravention-engine/points"
)

// =============================================================================
// ADD POINTS
// =============================================================================

func TestLedger_AddThreePoints_Level2WithTraining_CreditBackToLevel1(t *testing.T) {
	// GIVEN: Employee with 0 points and a mandatory course configured
	// WHEN: A 3-point contravention is logged, then the training is completed
	// THEN: Total 3 at LEVEL_2 with training ASSIGNED; after completion total 2 at LEVEL_1

	f := newFixture(t)
	f.addEmployee(t, "emp-1")
	f.addMandatoryCourse(t)

	res := f.add(t, "emp-1", 3, "CONTRA-2025-001")

	assert.Equal(t, 3, res.NewTotal)
	assert.Equal(t, points.Level2, res.NewLevel)
	assert.True(t, res.LevelChanged)
	require.NotNil(t, res.Training)
	assert.Equal(t, points.TrainingAssigned, res.Training.Status)
	assert.Equal(t, f.clock.Now().AddDate(0, 0, 30), res.Training.DueDate)
	require.NotNil(t, res.Escalation)
	assert.Equal(t, points.Level2, res.Escalation.Level)
	assert.Len(t, f.notifier.ofType(points.EventTrainingAssigned), 1)
	assert.Len(t, f.notifier.ofType(points.EventEscalationTriggered), 1)

	done, err := f.engine.Trainer.Complete(f.ctx, res.Training.ID)
	require.NoError(t, err)
	require.NotNil(t, done.Credit)
	assert.Equal(t, -1, done.Credit.Delta)
	assert.Equal(t, 2, done.Credit.NewTotal)
	assert.Equal(t, points.Level1, done.Credit.NewLevel)
	assert.True(t, done.Training.Credited)

	acct := f.account(t, "emp-1")
	assert.Equal(t, 2, acct.TotalPoints)
	assert.Equal(t, points.Level1, acct.Level)
}

func TestLedger_SingleLargeOffense_StickyLevel3(t *testing.T) {
	// GIVEN: Employee with 0 points
	// WHEN: A single 5-point contravention is logged and later reversed
	// THEN: LEVEL_3 immediately, and reversal does not demote it

	f := newFixture(t)
	f.addEmployee(t, "emp-1")

	res := f.add(t, "emp-1", 5, "CONTRA-2025-001")
	assert.Equal(t, points.Level3, res.NewLevel)
	assert.True(t, f.account(t, "emp-1").PerformanceImpact)

	rev := f.reverse(t, "emp-1", 5, "CONTRA-2025-001")
	assert.Equal(t, 0, rev.NewTotal)
	assert.Equal(t, points.Level3, rev.NewLevel)
	assert.False(t, rev.LevelChanged)
}

func TestLedger_OffenseAfterCompletedTraining_IsLevel3(t *testing.T) {
	// GIVEN: Employee who has completed the mandatory training
	// WHEN: A 1-point contravention is logged
	// THEN: The case is promoted to LEVEL_3

	f := newFixture(t)
	f.addEmployee(t, "emp-1")
	f.addMandatoryCourse(t)
	res := f.add(t, "emp-1", 3, "CONTRA-2025-001")
	_, err := f.engine.Trainer.Complete(f.ctx, res.Training.ID)
	require.NoError(t, err)

	res = f.add(t, "emp-1", 1, "CONTRA-2025-002")

	assert.Equal(t, 3, res.NewTotal)
	assert.Equal(t, points.Level3, res.NewLevel)
	require.NotNil(t, res.Escalation)
	assert.Equal(t, points.Level3, res.Escalation.Level)
	assert.Nil(t, res.Training, "training is assigned at most once per course")
}

func TestLedger_ManualAdditionWithoutReference_DoesNotConsultOverride(t *testing.T) {
	f := newFixture(t)
	f.addEmployee(t, "emp-1")

	res, err := f.engine.Ledger.AddPoints(f.ctx, points.Addition{EmployeeID: "emp-1", Points: 5, Reason: "manual correction"})
	require.NoError(t, err)

	assert.Equal(t, points.Level2, res.NewLevel)
}

func TestLedger_AddPoints_Errors(t *testing.T) {
	f := newFixture(t)
	f.addEmployee(t, "emp-1")

	_, err := f.engine.Ledger.AddPoints(f.ctx, points.Addition{EmployeeID: "ghost", Points: 1, ContraventionRef: "x"})
	assert.True(t, points.IsNotFound(err))

	_, err = f.engine.Ledger.AddPoints(f.ctx, points.Addition{EmployeeID: "emp-1", Points: -1, ContraventionRef: "x"})
	assert.True(t, points.IsValidation(err))

	_, err = f.engine.Ledger.AddPoints(f.ctx, points.Addition{EmployeeID: "emp-1", Points: 1})
	assert.True(t, points.IsValidation(err), "an addition needs a reference or a reason")

	assert.Equal(t, 0, f.account(t, "emp-1").TotalPoints)
	assert.Empty(t, f.history(t, "emp-1"))
}

func TestLedger_ConcurrentAdds_NoLostUpdate(t *testing.T) {
	tests := []struct {
		name string
		path func(t *testing.T) string
		n    int
	}{
		{
			name: "in-memory database",
			path: func(*testing.T) string { return ":memory:" },
			n:    10,
		},
		{
			name: "file database",
			path: func(t *testing.T) string { return filepath.Join(t.TempDir(), "ledger.db") },
			n:    40,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// GIVEN: One employee
			f := newFixtureAt(t, tt.path(t))
			f.addEmployee(t, "emp-1")

			// WHEN: Additions of 1 point run concurrently
			var wg sync.WaitGroup
			errs := make(chan error, tt.n)
			for i := 0; i < tt.n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := f.engine.Ledger.AddPoints(f.ctx, points.Addition{EmployeeID: "emp-1", Points: 1, Reason: "concurrent"})
					errs <- err
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			// THEN: Every addition is reflected in the total and the history
			assert.Equal(t, tt.n, f.account(t, "emp-1").TotalPoints)
			entries := f.history(t, "emp-1")
			require.Len(t, entries, tt.n)
			assert.Equal(t, tt.n, sumDeltas(entries))
		})
	}
}

func TestLedger_TotalEqualsSumOfDeltas(t *testing.T) {
	f := newFixture(t)
	f.addEmployee(t, "emp-1")
	f.addMandatoryCourse(t)

	res := f.add(t, "emp-1", 2, "CONTRA-2025-001")
	res = f.add(t, "emp-1", 2, "CONTRA-2025-002")
	_, err := f.engine.Trainer.Complete(f.ctx, res.Training.ID)
	require.NoError(t, err)
	f.reverse(t, "emp-1", 10, "CONTRA-2025-002")

	entries := f.history(t, "emp-1")
	acct := f.account(t, "emp-1")
	assert.Equal(t, 0, acct.TotalPoints)
	assert.Equal(t, acct.TotalPoints, sumDeltas(entries))
	last := entries[len(entries)-1]
	assert.Equal(t, points.EntryReversal, last.Kind)
	assert.Equal(t, -3, last.Delta, "the recorded delta is the floored one")
}

// =============================================================================
// CREDIT
// =============================================================================

func TestLedger_ApplyCreditTwice_Conflict(t *testing.T) {
	// GIVEN: A completed and credited training record
	// WHEN: The credit is applied again
	// THEN: ErrCreditAlreadyApplied and the total is unchanged

	f := newFixture(t)
	f.addEmployee(t, "emp-1")
	f.addMandatoryCourse(t)
	res := f.add(t, "emp-1", 4, "CONTRA-2025-001")
	_, err := f.engine.Trainer.Complete(f.ctx, res.Training.ID)
	require.NoError(t, err)
	before := f.account(t, "emp-1").TotalPoints

	_, err = f.engine.Ledger.ApplyCredit(f.ctx, "emp-1", res.Training.ID)

	assert.True(t, errors.Is(err, points.ErrCreditAlreadyApplied))
	assert.True(t, points.IsConflict(err))
	assert.Equal(t, before, f.account(t, "emp-1").TotalPoints)

	_, err = f.engine.Trainer.Complete(f.ctx, res.Training.ID)
	assert.True(t, points.IsConflict(err), "completing twice is a state conflict")
	assert.Equal(t, before, f.account(t, "emp-1").TotalPoints)
}

func TestLedger_ApplyCredit_RequiresCompletedTraining(t *testing.T) {
	f := newFixture(t)
	f.addEmployee(t, "emp-1")
	f.addMandatoryCourse(t)
	res := f.add(t, "emp-1", 3, "CONTRA-2025-001")

	_, err := f.engine.Ledger.ApplyCredit(f.ctx, "emp-1", res.Training.ID)
	assert.True(t, points.IsConflict(err))

	_, err = f.engine.Ledger.ApplyCredit(f.ctx, "emp-2", res.Training.ID)
	assert.True(t, points.IsValidation(err))

	_, err = f.engine.Ledger.ApplyCredit(f.ctx, "emp-1", "missing")
	assert.True(t, points.IsNotFound(err))
}

func TestLedger_Credit_FlooredAtZero(t *testing.T) {
	f := newFixture(t)
	f.addEmployee(t, "emp-1")
	f.addMandatoryCourse(t)
	rec, err := f.engine.Trainer.Assign(f.ctx, "emp-1")
	require.NoError(t, err)

	done, err := f.engine.Trainer.Complete(f.ctx, rec.ID)
	require.NoError(t, err)

	assert.Equal(t, 0, done.Credit.Delta)
	assert.Equal(t, 0, f.account(t, "emp-1").TotalPoints)
}

// =============================================================================
// FISCAL RESET
// =============================================================================

func TestLedger_ResetAll_TwiceIsIdempotent(t *testing.T) {
	// GIVEN: Two employees with points, one holding sticky LEVEL_3
	// WHEN: ResetAll runs twice for the same label
	// THEN: Totals are 0 after both runs and each ledger has exactly one reset entry

	f := newFixture(t)
	f.addEmployee(t, "emp-1")
	f.addEmployee(t, "emp-2")
	f.add(t, "emp-1", 2, "CONTRA-2025-001")
	f.add(t, "emp-2", 5, "CONTRA-2025-002")

	first, err := f.engine.Ledger.ResetAll(f.ctx, "FY2025-26")
	require.NoError(t, err)
	assert.Equal(t, 2, first.EmployeesProcessed)
	assert.Equal(t, 7, first.PointsRemoved)

	second, err := f.engine.Ledger.ResetAll(f.ctx, "FY2025-26")
	require.NoError(t, err)
	assert.Equal(t, 0, second.EmployeesProcessed)
	assert.Equal(t, 0, second.PointsRemoved)
	assert.Equal(t, 2, second.Skipped)

	for _, id := range []points.EmployeeID{"emp-1", "emp-2"} {
		acct := f.account(t, id)
		assert.Equal(t, 0, acct.TotalPoints)
		assert.Equal(t, points.LevelNone, acct.Level)
		assert.False(t, acct.PerformanceImpact)
		assert.Equal(t, "FY2025-26", acct.LastResetLabel)

		resets := 0
		for _, e := range f.history(t, id) {
			if e.Kind == points.EntryReset {
				resets++
			}
		}
		assert.Equal(t, 1, resets)
	}
}

func TestLedger_ResetAll_DoesNotZeroPointsAddedAfterReset(t *testing.T) {
	f := newFixture(t)
	f.addEmployee(t, "emp-1")
	f.add(t, "emp-1", 2, "CONTRA-2025-001")
	_, err := f.engine.Ledger.ResetAll(f.ctx, "FY2025-26")
	require.NoError(t, err)

	f.add(t, "emp-1", 1, "CONTRA-2025-002")
	_, err = f.engine.Ledger.ResetAll(f.ctx, "FY2025-26")
	require.NoError(t, err)

	assert.Equal(t, 1, f.account(t, "emp-1").TotalPoints)
}

func TestLedger_ResetAll_ClearsStaleLevelWithoutEntry(t *testing.T) {
	f := newFixture(t)
	f.addEmployee(t, "emp-1")
	f.setAccount(t, points.Account{EmployeeID: "emp-1", TotalPoints: 0, Level: points.Level3, PerformanceImpact: true})

	sum, err := f.engine.Ledger.ResetAll(f.ctx, "FY2025-26")
	require.NoError(t, err)

	assert.Equal(t, 1, sum.EmployeesProcessed)
	assert.Equal(t, 0, sum.PointsRemoved)
	assert.Equal(t, points.LevelNone, f.account(t, "emp-1").Level)
	assert.Empty(t, f.history(t, "emp-1"))
}

// =============================================================================
// RECONCILIATION
// =============================================================================

func TestLedger_Reconcile_CorrectsDriftOnceThenNoOp(t *testing.T) {
	// GIVEN: A ledger that drifted away from its contraventions
	// WHEN: Reconciliation runs twice
	// THEN: The first run writes one adjustment; the second changes nothing

	f := newFixture(t)
	f.addEmployee(t, "emp-1")
	f.addEmployee(t, "emp-2")
	f.logContravention(t, "emp-1", 2)
	f.setAccount(t, points.Account{EmployeeID: "emp-1", TotalPoints: 7, Level: points.Level2, UpdatedAt: f.clock.Now()})

	rep, err := f.engine.Ledger.ReconcileFromContraventions(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Checked)
	assert.Equal(t, 1, rep.Corrected)
	assert.Equal(t, 1, rep.Unchanged)
	require.Len(t, rep.Corrections, 1)
	assert.Equal(t, 7, rep.Corrections[0].Before)
	assert.Equal(t, 2, rep.Corrections[0].After)

	acct := f.account(t, "emp-1")
	assert.Equal(t, 2, acct.TotalPoints)
	assert.Equal(t, points.Level1, acct.Level)
	entries := f.history(t, "emp-1")
	last := entries[len(entries)-1]
	assert.Equal(t, points.EntryAdjustment, last.Kind)
	assert.Equal(t, -5, last.Delta)

	rep, err = f.engine.Ledger.ReconcileFromContraventions(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Corrected)
	assert.Len(t, f.history(t, "emp-1"), len(entries))
}

func TestLedger_Reconcile_ExcludesVoidedAndKeepsCredits(t *testing.T) {
	f := newFixture(t)
	f.addEmployee(t, "emp-1")
	f.addMandatoryCourse(t)
	f.logContravention(t, "emp-1", 3)
	voided := f.logContravention(t, "emp-1", 2)
	_, err := f.workflow().Void(f.ctx, voided.ID, "logged against wrong employee", admin)
	require.NoError(t, err)

	recs := f.trainingFor(t, "emp-1")
	require.Len(t, recs, 1)
	_, err = f.engine.Trainer.Complete(f.ctx, recs[0].ID)
	require.NoError(t, err)
	require.Equal(t, 2, f.account(t, "emp-1").TotalPoints)

	rep, err := f.engine.Ledger.ReconcileFromContraventions(f.ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, rep.Corrected)
	assert.Equal(t, 2, f.account(t, "emp-1").TotalPoints)
}

func TestLedger_Reconcile_IgnoresContraventionsBeforeReset(t *testing.T) {
	f := newFixture(t)
	f.addEmployee(t, "emp-1")
	f.logContravention(t, "emp-1", 2)
	f.clock.Advance(time.Hour)
	_, err := f.engine.Ledger.ResetAll(f.ctx, "FY2025-26")
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	f.logContravention(t, "emp-1", 1)

	rep, err := f.engine.Ledger.ReconcileFromContraventions(f.ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, rep.Corrected)
	assert.Equal(t, 1, f.account(t, "emp-1").TotalPoints)
}

func TestLedger_Reconcile_CountsAdditionAtResetInstant(t *testing.T) {
	// GIVEN: A reset and a new contravention stamped with the same instant
	// WHEN: Reconciliation runs
	// THEN: The new contravention is counted and the ledger is left alone

	f := newFixture(t)
	f.addEmployee(t, "emp-1")
	f.logContravention(t, "emp-1", 1)
	_, err := f.engine.Ledger.ResetAll(f.ctx, "FY2025-26")
	require.NoError(t, err)
	f.logContravention(t, "emp-1", 2)
	require.Equal(t, 2, f.account(t, "emp-1").TotalPoints)

	rep, err := f.engine.Ledger.ReconcileFromContraventions(f.ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, rep.Corrected)
	assert.Equal(t, 2, f.account(t, "emp-1").TotalPoints)
}

func TestLedger_ReverseTx_SkipsContraventionBeforeReset(t *testing.T) {
	// GIVEN: Last year's 2-point contravention, a reset, and this year's 2 points
	f := newFixture(t)
	f.addEmployee(t, "emp-1")
	old := f.logContravention(t, "emp-1", 2)
	_, err := f.engine.Ledger.ResetAll(f.ctx, "FY2025-26")
	require.NoError(t, err)
	current := f.logContravention(t, "emp-1", 2)

	var oldInWindow, currentInWindow bool
	require.NoError(t, f.store.WithTx(f.ctx, func(r contravention.Repo) error {
		var err error
		if oldInWindow, err = f.engine.Ledger.InResetWindow(f.ctx, r, "emp-1", old.ReferenceNumber); err != nil {
			return err
		}
		currentInWindow, err = f.engine.Ledger.InResetWindow(f.ctx, r, "emp-1", current.ReferenceNumber)
		return err
	}))
	assert.False(t, oldInWindow)
	assert.True(t, currentInWindow)

	// WHEN: Last year's contravention is reversed
	res := f.reverse(t, "emp-1", 2, old.ReferenceNumber)

	// THEN: Nothing is written and reconciliation agrees
	assert.Nil(t, res)
	assert.Equal(t, 2, f.account(t, "emp-1").TotalPoints)
	history := f.history(t, "emp-1")
	require.Len(t, history, 3)
	assert.Equal(t, points.EntryAdd, history[2].Kind)

	rep, err := f.engine.Ledger.ReconcileFromContraventions(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Corrected)
}

func TestLedger_Reconcile_RefiresTrainingTrigger(t *testing.T) {
	// GIVEN: 3 points of contraventions but a ledger drifted to 0, and a
	//        mandatory course configured only afterwards
	// WHEN: Reconciliation runs
	// THEN: The total is restored and training is assigned

	f := newFixture(t)
	f.addEmployee(t, "emp-1")
	f.logContravention(t, "emp-1", 3)
	require.Empty(t, f.trainingFor(t, "emp-1"))
	f.setAccount(t, points.Account{EmployeeID: "emp-1", UpdatedAt: f.clock.Now()})
	f.addMandatoryCourse(t)

	_, err := f.engine.Ledger.ReconcileFromContraventions(f.ctx)
	require.NoError(t, err)

	acct := f.account(t, "emp-1")
	assert.Equal(t, 3, acct.TotalPoints)
	assert.Equal(t, points.Level2, acct.Level)
	recs := f.trainingFor(t, "emp-1")
	require.Len(t, recs, 1)
	assert.Equal(t, points.TrainingAssigned, recs[0].Status)

	open, err := f.engine.Recorder.ListEscalations(f.ctx, points.EscalationFilter{OpenOnly: true})
	require.NoError(t, err)
	assert.Len(t, open, 1, "the existing open LEVEL_2 escalation is reused")
}

// =============================================================================
// DECAY
// =============================================================================

func TestLedger_ApplyDecay_DisabledByDefault(t *testing.T) {
	f := newFixture(t)
	f.addEmployee(t, "emp-1")
	f.add(t, "emp-1", 2, "CONTRA-2025-001")
	f.clock.Advance(400 * 24 * time.Hour)

	sum, err := f.engine.Ledger.ApplyDecay(f.ctx)
	require.NoError(t, err)

	assert.False(t, sum.Enabled)
	assert.Equal(t, 2, f.account(t, "emp-1").TotalPoints)
}

func TestLedger_ApplyDecay_OncePerDormancyWindow(t *testing.T) {
	p := points.DefaultPolicy()
	p.Decay = points.DecayPolicy{Enabled: true, DormancyDays: 180, Points: 1}
	f := newFixture(t, points.WithPolicy(p))
	f.addEmployee(t, "emp-1")
	f.add(t, "emp-1", 2, "CONTRA-2025-001")

	f.clock.Advance(10 * 24 * time.Hour)
	sum, err := f.engine.Ledger.ApplyDecay(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Decayed, "not dormant yet")

	f.clock.Advance(171 * 24 * time.Hour)
	sum, err = f.engine.Ledger.ApplyDecay(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Decayed)
	assert.Equal(t, 1, sum.PointsRemoved)
	assert.Equal(t, 1, f.account(t, "emp-1").TotalPoints)

	sum, err = f.engine.Ledger.ApplyDecay(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Decayed, "the decay entry restarts the window")

	f.clock.Advance(181 * 24 * time.Hour)
	_, err = f.engine.Ledger.ApplyDecay(f.ctx)
	require.NoError(t, err)
	acct := f.account(t, "emp-1")
	assert.Equal(t, 0, acct.TotalPoints)
	assert.Equal(t, points.LevelNone, acct.Level)
}

func TestLedger_ApplyDecay_KeepsStickyLevel3(t *testing.T) {
	p := points.DefaultPolicy()
	p.Decay = points.DecayPolicy{Enabled: true, DormancyDays: 30, Points: 5}
	f := newFixture(t, points.WithPolicy(p))
	f.addEmployee(t, "emp-1")
	f.add(t, "emp-1", 4, "CONTRA-2025-001")
	f.clock.Advance(31 * 24 * time.Hour)

	_, err := f.engine.Ledger.ApplyDecay(f.ctx)
	require.NoError(t, err)

	acct := f.account(t, "emp-1")
	assert.Equal(t, 0, acct.TotalPoints)
	assert.Equal(t, points.Level3, acct.Level)
}
