package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/warp/contravention-engine/points"
)

// =============================================================================
// EMPLOYEES
// =============================================================================

func (r *queries) SaveEmployee(ctx context.Context, e points.Employee) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO employees (id, name, email, active, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			active = excluded.active
	`, e.ID, e.Name, e.Email, boolInt(e.Active), formatTime(e.CreatedAt))
	return wrap(err, "employee")
}

const employeeColumns = "id, name, email, active, created_at"

func scanEmployee(row interface{ Scan(...any) error }) (points.Employee, error) {
	var e points.Employee
	var active int
	var createdAt string
	if err := row.Scan(&e.ID, &e.Name, &e.Email, &active, &createdAt); err != nil {
		return e, err
	}
	e.Active = active == 1
	e.CreatedAt = parseTime(createdAt)
	return e, nil
}

func (r *queries) GetEmployee(ctx context.Context, id points.EmployeeID) (*points.Employee, error) {
	e, err := scanEmployee(r.q.QueryRowContext(ctx,
		"SELECT "+employeeColumns+" FROM employees WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *queries) ListEmployees(ctx context.Context) ([]points.Employee, error) {
	return r.queryEmployees(ctx, "SELECT "+employeeColumns+" FROM employees ORDER BY name, id")
}

func (r *queries) ListActiveEmployees(ctx context.Context) ([]points.Employee, error) {
	return r.queryEmployees(ctx, "SELECT "+employeeColumns+" FROM employees WHERE active = 1 ORDER BY id")
}

func (r *queries) queryEmployees(ctx context.Context, query string, args ...any) ([]points.Employee, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query employees: %w", err)
	}
	defer rows.Close()

	var out []points.Employee
	for rows.Next() {
		e, err := scanEmployee(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// LEDGERS
// =============================================================================

const ledgerColumns = "employee_id, total_points, level, performance_impact, last_reset_label, updated_at"

func scanAccount(row interface{ Scan(...any) error }) (points.Account, error) {
	var a points.Account
	var level, updatedAt string
	var sticky int
	if err := row.Scan(&a.EmployeeID, &a.TotalPoints, &level, &sticky, &a.LastResetLabel, &updatedAt); err != nil {
		return a, err
	}
	a.Level = points.Level(level)
	a.PerformanceImpact = sticky == 1
	a.UpdatedAt = parseTime(updatedAt)
	return a, nil
}

func (r *queries) GetAccount(ctx context.Context, id points.EmployeeID) (*points.Account, error) {
	a, err := scanAccount(r.q.QueryRowContext(ctx,
		"SELECT "+ledgerColumns+" FROM ledgers WHERE employee_id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *queries) SaveAccount(ctx context.Context, a points.Account) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO ledgers (employee_id, total_points, level, performance_impact, last_reset_label, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(employee_id) DO UPDATE SET
			total_points = excluded.total_points,
			level = excluded.level,
			performance_impact = excluded.performance_impact,
			last_reset_label = excluded.last_reset_label,
			updated_at = excluded.updated_at
	`, a.EmployeeID, a.TotalPoints, string(a.Level), boolInt(a.PerformanceImpact), a.LastResetLabel, formatTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save ledger: %w", err)
	}
	return nil
}

func (r *queries) ListAccounts(ctx context.Context) ([]points.Account, error) {
	rows, err := r.q.QueryContext(ctx, "SELECT "+ledgerColumns+" FROM ledgers ORDER BY employee_id")
	if err != nil {
		return nil, fmt.Errorf("failed to query ledgers: %w", err)
	}
	defer rows.Close()

	var out []points.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// LEDGER ENTRIES (append-only)
// =============================================================================

func (r *queries) AppendEntry(ctx context.Context, e points.Entry) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(id, employee_id, kind, delta, balance_after, contravention_ref, training_id, fiscal_label, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.EmployeeID, string(e.Kind), e.Delta, e.BalanceAfter,
		e.ContraventionRef, e.TrainingID, e.FiscalLabel, e.Reason, formatTime(e.CreatedAt))
	return wrap(err, "ledger entry")
}

const entryColumns = "id, employee_id, kind, delta, balance_after, contravention_ref, training_id, fiscal_label, reason, created_at"

func scanEntry(row interface{ Scan(...any) error }) (points.Entry, error) {
	var e points.Entry
	var kind, createdAt string
	err := row.Scan(&e.ID, &e.EmployeeID, &kind, &e.Delta, &e.BalanceAfter,
		&e.ContraventionRef, &e.TrainingID, &e.FiscalLabel, &e.Reason, &createdAt)
	if err != nil {
		return e, err
	}
	e.Kind = points.EntryKind(kind)
	e.CreatedAt = parseTime(createdAt)
	return e, nil
}

func (r *queries) Entries(ctx context.Context, id points.EmployeeID) ([]points.Entry, error) {
	rows, err := r.q.QueryContext(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE employee_id = ? ORDER BY seq", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var out []points.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *queries) LastEntryOfKind(ctx context.Context, id points.EmployeeID, kind points.EntryKind) (*points.Entry, error) {
	e, err := scanEntry(r.q.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE employee_id = ? AND kind = ?
		ORDER BY seq DESC LIMIT 1
	`, id, string(kind)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *queries) LastResetSeq(ctx context.Context, id points.EmployeeID) (int64, error) {
	var seq int64
	err := r.q.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM ledger_entries
		WHERE employee_id = ? AND kind = ?
	`, id, string(points.EntryReset)).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to query last reset: %w", err)
	}
	return seq, nil
}

func (r *queries) AddEntrySeq(ctx context.Context, id points.EmployeeID, contraventionRef string) (int64, error) {
	var seq int64
	err := r.q.QueryRowContext(ctx, `
		SELECT COALESCE(MIN(seq), 0) FROM ledger_entries
		WHERE employee_id = ? AND kind = ? AND contravention_ref = ?
	`, id, string(points.EntryAdd), contraventionRef).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to query add entry: %w", err)
	}
	return seq, nil
}

func (r *queries) ContraventionPoints(ctx context.Context, id points.EmployeeID, excludeStatuses []string, afterSeq int64) (int, error) {
	query := "SELECT COALESCE(SUM(c.points), 0) FROM contraventions c WHERE c.employee_id = ?"
	args := []any{id}
	if afterSeq > 0 {
		query += ` AND NOT EXISTS (
			SELECT 1 FROM ledger_entries e
			WHERE e.employee_id = c.employee_id AND e.kind = ?
			  AND e.contravention_ref = c.reference_number AND e.seq <= ?)`
		args = append(args, string(points.EntryAdd), afterSeq)
	}
	if len(excludeStatuses) > 0 {
		query += " AND c.status NOT IN (" + placeholders(len(excludeStatuses)) + ")"
		for _, s := range excludeStatuses {
			args = append(args, s)
		}
	}
	var total int
	if err := r.q.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum contravention points: %w", err)
	}
	return total, nil
}

// =============================================================================
// ESCALATIONS
// =============================================================================

func (r *queries) InsertEscalation(ctx context.Context, e points.Escalation) error {
	actions, completed, err := escalationJSON(e)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO escalations
		(id, employee_id, level, trigger_points, actions_json, completed_actions_json,
		 due_date, completed_at, archived, archived_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.EmployeeID, string(e.Level), e.TriggerPoints, actions, completed,
		formatTime(e.DueDate), nullTime(e.CompletedAt), boolInt(e.Archived), e.ArchivedReason, formatTime(e.CreatedAt))
	return wrap(err, "escalation")
}

func (r *queries) UpdateEscalation(ctx context.Context, e points.Escalation) error {
	_, completed, err := escalationJSON(e)
	if err != nil {
		return err
	}
	return r.execOne(ctx, "escalation", e.ID, `
		UPDATE escalations SET
			completed_actions_json = ?, completed_at = ?, archived = ?, archived_reason = ?
		WHERE id = ?
	`, completed, nullTime(e.CompletedAt), boolInt(e.Archived), e.ArchivedReason, e.ID)
}

func escalationJSON(e points.Escalation) (actions, completed string, err error) {
	a, err := json.Marshal(e.Actions)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode actions: %w", err)
	}
	done := e.CompletedActions
	if done == nil {
		done = []string{}
	}
	c, err := json.Marshal(done)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode completed actions: %w", err)
	}
	return string(a), string(c), nil
}

const escalationColumns = `id, employee_id, level, trigger_points, actions_json, completed_actions_json,
	due_date, completed_at, archived, archived_reason, created_at`

func scanEscalation(row interface{ Scan(...any) error }) (points.Escalation, error) {
	var e points.Escalation
	var level, actions, completed, dueDate, createdAt string
	var completedAt sql.NullString
	var archived int
	err := row.Scan(&e.ID, &e.EmployeeID, &level, &e.TriggerPoints, &actions, &completed,
		&dueDate, &completedAt, &archived, &e.ArchivedReason, &createdAt)
	if err != nil {
		return e, err
	}
	if err := json.Unmarshal([]byte(actions), &e.Actions); err != nil {
		return e, fmt.Errorf("escalation %s: bad actions: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(completed), &e.CompletedActions); err != nil {
		return e, fmt.Errorf("escalation %s: bad completed actions: %w", e.ID, err)
	}
	e.Level = points.Level(level)
	e.DueDate = parseTime(dueDate)
	e.CompletedAt = parseNullTime(completedAt)
	e.Archived = archived == 1
	e.CreatedAt = parseTime(createdAt)
	return e, nil
}

func (r *queries) GetEscalation(ctx context.Context, id string) (*points.Escalation, error) {
	e, err := scanEscalation(r.q.QueryRowContext(ctx,
		"SELECT "+escalationColumns+" FROM escalations WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *queries) OpenEscalation(ctx context.Context, id points.EmployeeID, level points.Level) (*points.Escalation, error) {
	e, err := scanEscalation(r.q.QueryRowContext(ctx, `
		SELECT `+escalationColumns+` FROM escalations
		WHERE employee_id = ? AND level = ? AND completed_at IS NULL AND archived = 0
		ORDER BY created_at DESC LIMIT 1
	`, id, string(level)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *queries) ListEscalations(ctx context.Context, f points.EscalationFilter) ([]points.Escalation, error) {
	query := "SELECT " + escalationColumns + " FROM escalations WHERE 1 = 1"
	var args []any
	if f.EmployeeID != nil {
		query += " AND employee_id = ?"
		args = append(args, *f.EmployeeID)
	}
	if f.OpenOnly {
		query += " AND completed_at IS NULL AND archived = 0"
	}
	query += " ORDER BY created_at DESC, id"

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query escalations: %w", err)
	}
	defer rows.Close()

	var out []points.Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// COURSES & TRAINING
// =============================================================================

func (r *queries) SaveCourse(ctx context.Context, c points.Course) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO courses (id, name, mandatory, active, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			mandatory = excluded.mandatory,
			active = excluded.active
	`, c.ID, c.Name, boolInt(c.Mandatory), boolInt(c.Active), formatTime(c.CreatedAt))
	return wrap(err, "course")
}

func scanCourse(row interface{ Scan(...any) error }) (points.Course, error) {
	var c points.Course
	var mandatory, active int
	var createdAt string
	if err := row.Scan(&c.ID, &c.Name, &mandatory, &active, &createdAt); err != nil {
		return c, err
	}
	c.Mandatory = mandatory == 1
	c.Active = active == 1
	c.CreatedAt = parseTime(createdAt)
	return c, nil
}

func (r *queries) ListCourses(ctx context.Context) ([]points.Course, error) {
	rows, err := r.q.QueryContext(ctx,
		"SELECT id, name, mandatory, active, created_at FROM courses ORDER BY name, id")
	if err != nil {
		return nil, fmt.Errorf("failed to query courses: %w", err)
	}
	defer rows.Close()

	var out []points.Course
	for rows.Next() {
		c, err := scanCourse(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MandatoryCourse returns the newest active mandatory course.
func (r *queries) MandatoryCourse(ctx context.Context) (*points.Course, error) {
	c, err := scanCourse(r.q.QueryRowContext(ctx, `
		SELECT id, name, mandatory, active, created_at FROM courses
		WHERE mandatory = 1 AND active = 1
		ORDER BY created_at DESC LIMIT 1
	`))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *queries) InsertTraining(ctx context.Context, t points.TrainingRecord) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO training_records
		(id, employee_id, course_id, status, assigned_at, due_date, completed_at, credited, credited_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.EmployeeID, t.CourseID, string(t.Status), formatTime(t.AssignedAt), formatTime(t.DueDate),
		nullTime(t.CompletedAt), boolInt(t.Credited), nullTime(t.CreditedAt), formatTime(t.UpdatedAt))
	if isUniqueConstraintError(err) {
		return points.ErrTrainingAlreadyAssigned
	}
	return wrap(err, "training record")
}

func (r *queries) UpdateTraining(ctx context.Context, t points.TrainingRecord) error {
	return r.execOne(ctx, "training record", t.ID, `
		UPDATE training_records SET
			status = ?, due_date = ?, completed_at = ?, credited = ?, credited_at = ?, updated_at = ?
		WHERE id = ?
	`, string(t.Status), formatTime(t.DueDate), nullTime(t.CompletedAt),
		boolInt(t.Credited), nullTime(t.CreditedAt), formatTime(t.UpdatedAt), t.ID)
}

const trainingColumns = "id, employee_id, course_id, status, assigned_at, due_date, completed_at, credited, credited_at, updated_at"

func scanTraining(row interface{ Scan(...any) error }) (points.TrainingRecord, error) {
	var t points.TrainingRecord
	var status, assignedAt, dueDate, updatedAt string
	var completedAt, creditedAt sql.NullString
	var credited int
	err := row.Scan(&t.ID, &t.EmployeeID, &t.CourseID, &status, &assignedAt, &dueDate,
		&completedAt, &credited, &creditedAt, &updatedAt)
	if err != nil {
		return t, err
	}
	t.Status = points.TrainingStatus(status)
	t.AssignedAt = parseTime(assignedAt)
	t.DueDate = parseTime(dueDate)
	t.CompletedAt = parseNullTime(completedAt)
	t.Credited = credited == 1
	t.CreditedAt = parseNullTime(creditedAt)
	t.UpdatedAt = parseTime(updatedAt)
	return t, nil
}

func (r *queries) GetTraining(ctx context.Context, id string) (*points.TrainingRecord, error) {
	t, err := scanTraining(r.q.QueryRowContext(ctx,
		"SELECT "+trainingColumns+" FROM training_records WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *queries) TrainingFor(ctx context.Context, id points.EmployeeID, courseID string) (*points.TrainingRecord, error) {
	t, err := scanTraining(r.q.QueryRowContext(ctx,
		"SELECT "+trainingColumns+" FROM training_records WHERE employee_id = ? AND course_id = ?", id, courseID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *queries) ListTraining(ctx context.Context, f points.TrainingFilter) ([]points.TrainingRecord, error) {
	query := "SELECT " + trainingColumns + " FROM training_records WHERE 1 = 1"
	var args []any
	if f.EmployeeID != nil {
		query += " AND employee_id = ?"
		args = append(args, *f.EmployeeID)
	}
	if len(f.Statuses) > 0 {
		query += " AND status IN (" + placeholders(len(f.Statuses)) + ")"
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if f.DueBefore != nil {
		query += " AND due_date < ?"
		args = append(args, formatTime(*f.DueBefore))
	}
	query += " ORDER BY due_date, id"

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query training records: %w", err)
	}
	defer rows.Close()

	var out []points.TrainingRecord
	for rows.Next() {
		t, err := scanTraining(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *queries) HasCompletedTraining(ctx context.Context, id points.EmployeeID) (bool, error) {
	var exists int
	err := r.q.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM training_records WHERE employee_id = ? AND status = ?)",
		id, string(points.TrainingCompleted),
	).Scan(&exists)
	return exists == 1, err
}

// =============================================================================
// RESET RUNS
// =============================================================================

func (r *queries) SaveResetRun(ctx context.Context, run points.ResetRun) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO reset_runs
		(id, fiscal_label, status, employees_processed, points_removed, error_count, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			employees_processed = excluded.employees_processed,
			points_removed = excluded.points_removed,
			error_count = excluded.error_count,
			completed_at = excluded.completed_at
	`, run.ID, run.FiscalLabel, string(run.Status), run.EmployeesProcessed, run.PointsRemoved,
		run.ErrorCount, formatTime(run.StartedAt), nullTime(run.CompletedAt))
	return wrap(err, "reset run for "+run.FiscalLabel)
}

const resetRunColumns = "id, fiscal_label, status, employees_processed, points_removed, error_count, started_at, completed_at"

func scanResetRun(row interface{ Scan(...any) error }) (points.ResetRun, error) {
	var run points.ResetRun
	var status, startedAt string
	var completedAt sql.NullString
	err := row.Scan(&run.ID, &run.FiscalLabel, &status, &run.EmployeesProcessed,
		&run.PointsRemoved, &run.ErrorCount, &startedAt, &completedAt)
	if err != nil {
		return run, err
	}
	run.Status = points.RunStatus(status)
	run.StartedAt = parseTime(startedAt)
	run.CompletedAt = parseNullTime(completedAt)
	return run, nil
}

func (r *queries) GetResetRun(ctx context.Context, fiscalLabel string) (*points.ResetRun, error) {
	run, err := scanResetRun(r.q.QueryRowContext(ctx,
		"SELECT "+resetRunColumns+" FROM reset_runs WHERE fiscal_label = ?", fiscalLabel))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *queries) ListResetRuns(ctx context.Context) ([]points.ResetRun, error) {
	rows, err := r.q.QueryContext(ctx,
		"SELECT "+resetRunColumns+" FROM reset_runs ORDER BY started_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to query reset runs: %w", err)
	}
	defer rows.Close()

	var out []points.ResetRun
	for rows.Next() {
		run, err := scanResetRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}
