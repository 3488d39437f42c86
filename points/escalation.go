package points

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// RECORDER - Escalation records for level crossings
// =============================================================================

// Recorder creates escalation records when a ledger changes level, and
// repairs them after policy changes.
type Recorder struct {
	*deps
}

const (
	ArchivedUnknownLevel = "level not defined by current policy"
	ArchivedMismatch     = "level does not match policy for trigger points"
	ArchivedDuplicate    = "duplicate open escalation"
)

// RecordIfNeeded creates an escalation when next differs from prev and is
// not empty. It never creates a second open escalation for the same
// employee and level; in that case it returns nil.
func (r *Recorder) RecordIfNeeded(ctx context.Context, repo Repo, id EmployeeID, prev, next Level, triggerPoints int, out *Outbox) (*Escalation, error) {
	if next == prev || next.IsNone() {
		return nil, nil
	}
	return r.ensureOpen(ctx, repo, id, next, triggerPoints, out)
}

func (r *Recorder) ensureOpen(ctx context.Context, repo Repo, id EmployeeID, level Level, triggerPoints int, out *Outbox) (*Escalation, error) {
	spec, ok := r.policy.Spec(level)
	if !ok {
		return nil, Invalid("level", "no policy for "+string(level))
	}
	existing, err := repo.OpenEscalation(ctx, id, level)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, nil
	}

	now := r.clock()
	esc := Escalation{
		ID:            uuid.NewString(),
		EmployeeID:    id,
		Level:         level,
		TriggerPoints: triggerPoints,
		Actions:       r.policy.ActionsFor(level),
		DueDate:       r.policy.DueDate(level, now),
		CreatedAt:     now,
	}
	if err := repo.InsertEscalation(ctx, esc); err != nil {
		return nil, err
	}

	codes := make([]string, len(esc.Actions))
	for i, a := range esc.Actions {
		codes[i] = a.Code
	}
	out.Add(r.event(EventEscalationTriggered, id, map[string]any{
		"escalation_id":  esc.ID,
		"level":          string(level),
		"level_name":     spec.Name,
		"trigger_points": triggerPoints,
		"due_date":       esc.DueDate.Format(time.DateOnly),
		"actions":        codes,
	}))
	r.metrics.IncrementEscalation(string(level))
	r.log.Info().
		Str("employee_id", string(id)).
		Str("level", string(level)).
		Int("trigger_points", triggerPoints).
		Msg("escalation triggered")
	return &esc, nil
}

// CompleteAction marks one required action done. Completing the last one
// closes the escalation. Completing an action twice is a no-op.
func (r *Recorder) CompleteAction(ctx context.Context, escalationID, code string) (*Escalation, error) {
	var esc *Escalation
	err := r.store.WithTx(ctx, func(repo Repo) error {
		var err error
		esc, err = repo.GetEscalation(ctx, escalationID)
		if err != nil {
			return err
		}
		if esc == nil {
			return NotFound("escalation", escalationID)
		}
		if !esc.Open() {
			return Conflictf("escalation %s is closed", escalationID)
		}
		if !esc.HasAction(code) {
			return Invalid("action", "escalation has no action "+code)
		}
		if esc.ActionDone(code) {
			return nil
		}
		r.markDone(esc, code)
		return repo.UpdateEscalation(ctx, *esc)
	})
	if err != nil {
		return nil, err
	}
	return esc, nil
}

func (r *Recorder) markDone(esc *Escalation, code string) {
	esc.CompletedActions = append(esc.CompletedActions, code)
	if esc.AllActionsDone() {
		now := r.clock()
		esc.CompletedAt = &now
	}
}

// completeTrainingActions marks the mandatory training action done on the
// employee's open escalations.
func (r *Recorder) completeTrainingActions(ctx context.Context, repo Repo, id EmployeeID) error {
	open, err := repo.ListEscalations(ctx, EscalationFilter{EmployeeID: &id, OpenOnly: true})
	if err != nil {
		return err
	}
	for i := range open {
		esc := &open[i]
		if !esc.HasAction(ActionMandatoryTraining) || esc.ActionDone(ActionMandatoryTraining) {
			continue
		}
		r.markDone(esc, ActionMandatoryTraining)
		if err := repo.UpdateEscalation(ctx, *esc); err != nil {
			return err
		}
	}
	return nil
}

// ListEscalations returns escalations matching f, newest first.
func (r *Recorder) ListEscalations(ctx context.Context, f EscalationFilter) ([]Escalation, error) {
	var out []Escalation
	err := r.store.WithTx(ctx, func(repo Repo) error {
		var err error
		out, err = repo.ListEscalations(ctx, f)
		return err
	})
	return out, err
}

// =============================================================================
// REPAIR - RecalculateAllEscalations
// =============================================================================

type RecalcReport struct {
	Archived int             `json:"archived"`
	Created  int             `json:"created"`
	Errors   []EmployeeError `json:"errors,omitempty"`
}

// RecalculateAllEscalations archives open escalations that the current
// policy no longer supports and creates the missing escalation for every
// ledger whose level has no open record. It is a repair tool: running it
// twice in a row changes nothing the second time.
//
// LEVEL_3 rows are never archived as mismatched, since they come from an
// override rather than from trigger points.
func (r *Recorder) RecalculateAllEscalations(ctx context.Context) (*RecalcReport, error) {
	start := time.Now()
	defer r.metrics.ObserveJob("recalculate_escalations", start)

	var (
		open     []Escalation
		accounts []Account
	)
	if err := r.store.WithTx(ctx, func(repo Repo) error {
		var err error
		if open, err = repo.ListEscalations(ctx, EscalationFilter{OpenOnly: true}); err != nil {
			return err
		}
		accounts, err = repo.ListAccounts(ctx)
		return err
	}); err != nil {
		return nil, err
	}

	rep := &RecalcReport{}
	for id, reason := range r.staleEscalations(open) {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		archived, err := r.archive(ctx, id, reason)
		if err != nil {
			rep.Errors = append(rep.Errors, EmployeeError{EmployeeID: employeeOf(open, id), Error: err.Error()})
			continue
		}
		if archived {
			rep.Archived++
		}
	}

	for _, a := range accounts {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if a.Level.IsNone() {
			continue
		}
		var created *Escalation
		err := r.run(ctx, func(repo Repo, out *Outbox) error {
			current, err := loadAccount(ctx, repo, a.EmployeeID)
			if err != nil || current.Level.IsNone() {
				return err
			}
			created, err = r.ensureOpen(ctx, repo, a.EmployeeID, current.Level, current.TotalPoints, out)
			return err
		})
		if err != nil {
			r.log.Warn().Err(err).Str("employee_id", string(a.EmployeeID)).Msg("escalation repair failed")
			rep.Errors = append(rep.Errors, EmployeeError{EmployeeID: a.EmployeeID, Error: err.Error()})
			continue
		}
		if created != nil {
			rep.Created++
		}
	}

	r.log.Info().Int("archived", rep.Archived).Int("created", rep.Created).Msg("escalations recalculated")
	return rep, nil
}

// staleEscalations returns escalation IDs to archive with their reason.
func (r *Recorder) staleEscalations(open []Escalation) map[string]string {
	stale := make(map[string]string)
	type key struct {
		emp   EmployeeID
		level Level
	}
	groups := make(map[key][]Escalation)
	for _, e := range open {
		switch {
		case !r.policy.Known(e.Level):
			stale[e.ID] = ArchivedUnknownLevel
		case e.Level != Level3 && r.policy.LevelFor(e.TriggerPoints) != e.Level:
			stale[e.ID] = ArchivedMismatch
		default:
			k := key{e.EmployeeID, e.Level}
			groups[k] = append(groups[k], e)
		}
	}
	// Keep the newest of each duplicate group.
	for _, g := range groups {
		if len(g) < 2 {
			continue
		}
		sort.Slice(g, func(i, j int) bool { return g[i].CreatedAt.After(g[j].CreatedAt) })
		for _, e := range g[1:] {
			stale[e.ID] = ArchivedDuplicate
		}
	}
	return stale
}

func (r *Recorder) archive(ctx context.Context, id, reason string) (bool, error) {
	archived := false
	err := r.store.WithTx(ctx, func(repo Repo) error {
		esc, err := repo.GetEscalation(ctx, id)
		if err != nil || esc == nil || !esc.Open() {
			return err
		}
		esc.Archived = true
		esc.ArchivedReason = reason
		archived = true
		return repo.UpdateEscalation(ctx, *esc)
	})
	return archived, err
}

func employeeOf(escs []Escalation, id string) EmployeeID {
	for _, e := range escs {
		if e.ID == id {
			return e.EmployeeID
		}
	}
	return ""
}
