package points

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// TRAINER - Mandatory training assignment and completion
// =============================================================================

// Trainer assigns the mandatory course and routes completions through the
// ledger credit. Completing training any other way would bypass the
// at-most-once credit check.
type Trainer struct {
	*deps
	ledger   *Ledger
	recorder *Recorder
}

// Completion is the outcome of Trainer.Complete.
type Completion struct {
	Training *TrainingRecord
	Credit   *Result // nil when the record was already credited
}

// Trigger assigns the mandatory course in its own transaction.
func (t *Trainer) Trigger(ctx context.Context, id EmployeeID) (*TrainingRecord, error) {
	var rec *TrainingRecord
	err := t.run(ctx, func(repo Repo, out *Outbox) error {
		if _, err := requireEmployee(ctx, repo, id); err != nil {
			return err
		}
		var err error
		rec, err = t.TriggerTx(ctx, repo, id, out)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// TriggerTx assigns the mandatory course unless the employee already has a
// record for it in any status, or no mandatory course is configured. It
// returns nil when nothing was assigned.
func (t *Trainer) TriggerTx(ctx context.Context, repo Repo, id EmployeeID, out *Outbox) (*TrainingRecord, error) {
	rec, err := t.assign(ctx, repo, id, out)
	if errors.Is(err, ErrTrainingAlreadyAssigned) {
		return nil, nil
	}
	return rec, err
}

// Assign is the explicit administrative assignment. Unlike Trigger it
// reports ErrTrainingAlreadyAssigned instead of doing nothing.
func (t *Trainer) Assign(ctx context.Context, id EmployeeID) (*TrainingRecord, error) {
	var rec *TrainingRecord
	err := t.run(ctx, func(repo Repo, out *Outbox) error {
		if _, err := requireEmployee(ctx, repo, id); err != nil {
			return err
		}
		var err error
		rec, err = t.assign(ctx, repo, id, out)
		if err == nil && rec == nil {
			return NotFound("mandatory course", "")
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (t *Trainer) assign(ctx context.Context, repo Repo, id EmployeeID, out *Outbox) (*TrainingRecord, error) {
	course, err := repo.MandatoryCourse(ctx)
	if err != nil {
		return nil, err
	}
	if course == nil {
		t.log.Debug().Str("employee_id", string(id)).Msg("no mandatory course configured, training not assigned")
		return nil, nil
	}
	existing, err := repo.TrainingFor(ctx, id, course.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrTrainingAlreadyAssigned
	}

	now := t.clock()
	rec := TrainingRecord{
		ID:         uuid.NewString(),
		EmployeeID: id,
		CourseID:   course.ID,
		Status:     TrainingAssigned,
		AssignedAt: now,
		DueDate:    now.AddDate(0, 0, t.policy.TrainingDueDays),
		UpdatedAt:  now,
	}
	if err := repo.InsertTraining(ctx, rec); err != nil {
		return nil, err
	}
	out.Add(t.event(EventTrainingAssigned, id, map[string]any{
		"training_id": rec.ID,
		"course_id":   course.ID,
		"course_name": course.Name,
		"due_date":    rec.DueDate.Format(time.DateOnly),
	}))
	t.metrics.IncrementTrainingAssigned()
	t.log.Info().Str("employee_id", string(id)).Str("course_id", course.ID).Msg("training assigned")
	return &rec, nil
}

// =============================================================================
// STATUS TRANSITIONS
// =============================================================================

// Complete marks training completed and applies the ledger credit if it was
// not applied yet. Late completion of OVERDUE training still earns credit.
func (t *Trainer) Complete(ctx context.Context, trainingID string) (*Completion, error) {
	var res Completion
	err := t.store.WithTx(ctx, func(repo Repo) error {
		rec, err := t.transition(ctx, repo, trainingID, TrainingCompleted,
			TrainingAssigned, TrainingInProgress, TrainingOverdue)
		if err != nil {
			return err
		}
		if !rec.Credited {
			if res.Credit, err = t.ledger.applyCreditTx(ctx, repo, rec); err != nil {
				return err
			}
		}
		res.Training = rec
		return t.recorder.completeTrainingActions(ctx, repo, rec.EmployeeID)
	})
	if err != nil {
		return nil, err
	}
	t.log.Info().Str("employee_id", string(res.Training.EmployeeID)).Str("training_id", trainingID).Msg("training completed")
	return &res, nil
}

// Start moves ASSIGNED training to IN_PROGRESS.
func (t *Trainer) Start(ctx context.Context, trainingID string) (*TrainingRecord, error) {
	return t.transitionTx(ctx, trainingID, TrainingInProgress, TrainingAssigned)
}

// Waive closes training without credit.
func (t *Trainer) Waive(ctx context.Context, trainingID string) (*TrainingRecord, error) {
	return t.transitionTx(ctx, trainingID, TrainingWaived,
		TrainingAssigned, TrainingInProgress, TrainingOverdue)
}

func (t *Trainer) transitionTx(ctx context.Context, trainingID string, to TrainingStatus, from ...TrainingStatus) (*TrainingRecord, error) {
	var rec *TrainingRecord
	err := t.store.WithTx(ctx, func(repo Repo) error {
		var err error
		rec, err = t.transition(ctx, repo, trainingID, to, from...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (t *Trainer) transition(ctx context.Context, repo Repo, trainingID string, to TrainingStatus, from ...TrainingStatus) (*TrainingRecord, error) {
	rec, err := repo.GetTraining(ctx, trainingID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, NotFound("training record", trainingID)
	}
	if !slices.Contains(from, rec.Status) {
		return nil, Conflictf("training %s is %s, cannot move to %s", trainingID, rec.Status, to)
	}
	now := t.clock()
	rec.Status = to
	rec.UpdatedAt = now
	if to == TrainingCompleted {
		rec.CompletedAt = &now
	}
	if err := repo.UpdateTraining(ctx, *rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// =============================================================================
// OVERDUE SWEEP
// =============================================================================

type OverdueSummary struct {
	Marked int             `json:"marked"`
	Errors []EmployeeError `json:"errors,omitempty"`
}

// MarkOverdue moves open training past its due date to OVERDUE and sends a
// training_overdue notification for each. Records already OVERDUE are not
// touched again.
func (t *Trainer) MarkOverdue(ctx context.Context) (*OverdueSummary, error) {
	start := time.Now()
	defer t.metrics.ObserveJob("training_overdue", start)

	now := t.clock()
	var due []TrainingRecord
	if err := t.store.WithTx(ctx, func(repo Repo) error {
		var err error
		due, err = repo.ListTraining(ctx, TrainingFilter{
			Statuses:  []TrainingStatus{TrainingAssigned, TrainingInProgress},
			DueBefore: &now,
		})
		return err
	}); err != nil {
		return nil, err
	}

	sum := &OverdueSummary{}
	for _, rec := range due {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		err := t.run(ctx, func(repo Repo, out *Outbox) error {
			updated, err := t.transition(ctx, repo, rec.ID, TrainingOverdue, TrainingAssigned, TrainingInProgress)
			if err != nil {
				return err
			}
			out.Add(t.event(EventTrainingOverdue, updated.EmployeeID, map[string]any{
				"training_id": updated.ID,
				"course_id":   updated.CourseID,
				"due_date":    updated.DueDate.Format(time.DateOnly),
			}))
			return nil
		})
		if err != nil {
			t.log.Warn().Err(err).Str("training_id", rec.ID).Msg("overdue sweep failed for record")
			sum.Errors = append(sum.Errors, EmployeeError{EmployeeID: rec.EmployeeID, Error: err.Error()})
			continue
		}
		sum.Marked++
	}
	return sum, nil
}

// =============================================================================
// READS & COURSES
// =============================================================================

func (t *Trainer) ListTraining(ctx context.Context, f TrainingFilter) ([]TrainingRecord, error) {
	var out []TrainingRecord
	err := t.store.WithTx(ctx, func(repo Repo) error {
		var err error
		out, err = repo.ListTraining(ctx, f)
		return err
	})
	return out, err
}

// SaveCourse creates or updates a course. The newest active mandatory
// course is the one Trigger assigns.
func (t *Trainer) SaveCourse(ctx context.Context, c Course) (*Course, error) {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return nil, Invalid("name", "required")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = t.clock()
	}
	if err := t.store.WithTx(ctx, func(repo Repo) error {
		return repo.SaveCourse(ctx, c)
	}); err != nil {
		return nil, err
	}
	return &c, nil
}

func (t *Trainer) ListCourses(ctx context.Context) ([]Course, error) {
	var out []Course
	err := t.store.WithTx(ctx, func(repo Repo) error {
		var err error
		out, err = repo.ListCourses(ctx)
		return err
	})
	return out, err
}
