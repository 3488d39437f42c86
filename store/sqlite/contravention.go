package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/contravention-engine/contravention"
)

// =============================================================================
// CONTRAVENTIONS
// =============================================================================

const contraventionColumns = `id, reference_number, employee_id, type_id, severity, points, incident_date,
	monetary_value, approver_email, document_url, status, description, justification, mitigation,
	submitted_by, resolved_by, resolved_at, resolution_notes, void_reason, created_at, updated_at`

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func (r *queries) InsertContravention(ctx context.Context, c contravention.Contravention) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO contraventions (`+contraventionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.ReferenceNumber, c.EmployeeID, c.TypeID, string(c.Severity), c.Points, formatTime(c.IncidentDate),
		nullDecimal(c.MonetaryValue), c.ApproverEmail, c.DocumentURL, string(c.Status),
		c.Description, c.Justification, c.Mitigation,
		c.SubmittedBy, c.ResolvedBy, nullTime(c.ResolvedAt), c.ResolutionNotes, c.VoidReason,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	return wrap(err, "contravention "+c.ReferenceNumber)
}

// UpdateContravention writes the mutable columns. Reference number,
// employee, type, severity and points never change after insert.
func (r *queries) UpdateContravention(ctx context.Context, c contravention.Contravention) error {
	return r.execOne(ctx, "contravention", c.ID, `
		UPDATE contraventions SET
			incident_date = ?, monetary_value = ?, approver_email = ?, document_url = ?, status = ?,
			description = ?, justification = ?, mitigation = ?,
			resolved_by = ?, resolved_at = ?, resolution_notes = ?, void_reason = ?, updated_at = ?
		WHERE id = ?
	`, formatTime(c.IncidentDate), nullDecimal(c.MonetaryValue), c.ApproverEmail, c.DocumentURL, string(c.Status),
		c.Description, c.Justification, c.Mitigation,
		c.ResolvedBy, nullTime(c.ResolvedAt), c.ResolutionNotes, c.VoidReason, formatTime(c.UpdatedAt),
		c.ID)
}

func scanContravention(row interface{ Scan(...any) error }) (contravention.Contravention, error) {
	var c contravention.Contravention
	var severity, status, incidentDate, createdAt, updatedAt string
	var monetary, resolvedAt sql.NullString
	err := row.Scan(&c.ID, &c.ReferenceNumber, &c.EmployeeID, &c.TypeID, &severity, &c.Points, &incidentDate,
		&monetary, &c.ApproverEmail, &c.DocumentURL, &status, &c.Description, &c.Justification, &c.Mitigation,
		&c.SubmittedBy, &c.ResolvedBy, &resolvedAt, &c.ResolutionNotes, &c.VoidReason, &createdAt, &updatedAt)
	if err != nil {
		return c, err
	}
	if monetary.Valid {
		d, err := decimal.NewFromString(monetary.String)
		if err != nil {
			return c, fmt.Errorf("contravention %s: bad monetary value: %w", c.ID, err)
		}
		c.MonetaryValue = &d
	}
	c.Severity = contravention.Severity(severity)
	c.Status = contravention.Status(status)
	c.IncidentDate = parseTime(incidentDate)
	c.ResolvedAt = parseNullTime(resolvedAt)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return c, nil
}

func (r *queries) GetContravention(ctx context.Context, id string) (*contravention.Contravention, error) {
	c, err := scanContravention(r.q.QueryRowContext(ctx,
		"SELECT "+contraventionColumns+" FROM contraventions WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *queries) DeleteContravention(ctx context.Context, id string) error {
	return r.execOne(ctx, "contravention", id, "DELETE FROM contraventions WHERE id = ?", id)
}

func (r *queries) ListContraventions(ctx context.Context, f contravention.Filter) ([]contravention.Contravention, error) {
	query := "SELECT " + contraventionColumns + " FROM contraventions WHERE 1 = 1"
	var args []any
	if f.EmployeeID != nil {
		query += " AND employee_id = ?"
		args = append(args, *f.EmployeeID)
	}
	if f.Status != nil {
		query += " AND status = ?"
		args = append(args, string(*f.Status))
	}
	query += " ORDER BY created_at DESC, reference_number DESC"

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query contraventions: %w", err)
	}
	defer rows.Close()

	var out []contravention.Contravention
	for rows.Next() {
		c, err := scanContravention(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// NextReferenceSeq increments the year's counter inside the transaction.
// The immediate transaction lock serializes concurrent allocations.
func (r *queries) NextReferenceSeq(ctx context.Context, year int) (int, error) {
	var seq int
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO reference_sequences (year, last_seq) VALUES (?, 1)
		ON CONFLICT(year) DO UPDATE SET last_seq = last_seq + 1
		RETURNING last_seq
	`, year).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate reference sequence: %w", err)
	}
	return seq, nil
}

// =============================================================================
// APPROVAL REQUESTS
// =============================================================================

const approvalColumns = "id, contravention_id, approver_email, status, reviewed_by, reviewed_at, notes, created_at, updated_at"

func (r *queries) InsertApproval(ctx context.Context, a contravention.ApprovalRequest) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO approval_requests (`+approvalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.ContraventionID, a.ApproverEmail, string(a.Status), a.ReviewedBy, nullTime(a.ReviewedAt),
		a.Notes, formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	return wrap(err, "approval request for "+a.ApproverEmail)
}

func (r *queries) UpdateApproval(ctx context.Context, a contravention.ApprovalRequest) error {
	return r.execOne(ctx, "approval request", a.ID, `
		UPDATE approval_requests SET
			status = ?, reviewed_by = ?, reviewed_at = ?, notes = ?, updated_at = ?
		WHERE id = ?
	`, string(a.Status), a.ReviewedBy, nullTime(a.ReviewedAt), a.Notes, formatTime(a.UpdatedAt), a.ID)
}

func scanApproval(row interface{ Scan(...any) error }) (contravention.ApprovalRequest, error) {
	var a contravention.ApprovalRequest
	var status, createdAt, updatedAt string
	var reviewedAt sql.NullString
	err := row.Scan(&a.ID, &a.ContraventionID, &a.ApproverEmail, &status, &a.ReviewedBy,
		&reviewedAt, &a.Notes, &createdAt, &updatedAt)
	if err != nil {
		return a, err
	}
	a.Status = contravention.ApprovalStatus(status)
	a.ReviewedAt = parseNullTime(reviewedAt)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return a, nil
}

func (r *queries) getApproval(ctx context.Context, query string, args ...any) (*contravention.ApprovalRequest, error) {
	a, err := scanApproval(r.q.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *queries) GetApproval(ctx context.Context, id string) (*contravention.ApprovalRequest, error) {
	return r.getApproval(ctx, "SELECT "+approvalColumns+" FROM approval_requests WHERE id = ?", id)
}

func (r *queries) ApprovalFor(ctx context.Context, contraventionID, approverEmail string) (*contravention.ApprovalRequest, error) {
	return r.getApproval(ctx,
		"SELECT "+approvalColumns+" FROM approval_requests WHERE contravention_id = ? AND approver_email = ?",
		contraventionID, approverEmail)
}

func (r *queries) ListApprovals(ctx context.Context, contraventionID string) ([]contravention.ApprovalRequest, error) {
	return r.queryApprovals(ctx,
		"SELECT "+approvalColumns+" FROM approval_requests WHERE contravention_id = ? ORDER BY created_at, id",
		contraventionID)
}

func (r *queries) PendingApprovals(ctx context.Context, approverEmail string) ([]contravention.ApprovalRequest, error) {
	return r.queryApprovals(ctx,
		"SELECT "+approvalColumns+" FROM approval_requests WHERE approver_email = ? AND status = ? ORDER BY created_at, id",
		approverEmail, string(contravention.ApprovalPending))
}

func (r *queries) queryApprovals(ctx context.Context, query string, args ...any) ([]contravention.ApprovalRequest, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query approval requests: %w", err)
	}
	defer rows.Close()

	var out []contravention.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *queries) DeleteApprovals(ctx context.Context, contraventionID string) error {
	_, err := r.q.ExecContext(ctx, "DELETE FROM approval_requests WHERE contravention_id = ?", contraventionID)
	if err != nil {
		return fmt.Errorf("failed to delete approval requests: %w", err)
	}
	return nil
}

// =============================================================================
// CONTRAVENTION TYPES
// =============================================================================

const typeColumns = "id, category, name, description, default_severity, default_points, active, created_at, updated_at"

func (r *queries) InsertType(ctx context.Context, t contravention.Type) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO contravention_types (`+typeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Category, t.Name, t.Description, string(t.DefaultSeverity), t.DefaultPoints,
		boolInt(t.Active), formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	return wrap(err, "contravention type "+t.ID)
}

func (r *queries) UpdateType(ctx context.Context, t contravention.Type) error {
	return r.execOne(ctx, "contravention type", t.ID, `
		UPDATE contravention_types SET
			category = ?, name = ?, description = ?, default_severity = ?, default_points = ?, active = ?, updated_at = ?
		WHERE id = ?
	`, t.Category, t.Name, t.Description, string(t.DefaultSeverity), t.DefaultPoints,
		boolInt(t.Active), formatTime(t.UpdatedAt), t.ID)
}

func scanType(row interface{ Scan(...any) error }) (contravention.Type, error) {
	var t contravention.Type
	var severity, createdAt, updatedAt string
	var active int
	err := row.Scan(&t.ID, &t.Category, &t.Name, &t.Description, &severity, &t.DefaultPoints,
		&active, &createdAt, &updatedAt)
	if err != nil {
		return t, err
	}
	t.DefaultSeverity = contravention.Severity(severity)
	t.Active = active == 1
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return t, nil
}

func (r *queries) GetType(ctx context.Context, id string) (*contravention.Type, error) {
	t, err := scanType(r.q.QueryRowContext(ctx,
		"SELECT "+typeColumns+" FROM contravention_types WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *queries) ListTypes(ctx context.Context) ([]contravention.Type, error) {
	rows, err := r.q.QueryContext(ctx,
		"SELECT "+typeColumns+" FROM contravention_types ORDER BY category, name")
	if err != nil {
		return nil, fmt.Errorf("failed to query contravention types: %w", err)
	}
	defer rows.Close()

	var out []contravention.Type
	for rows.Next() {
		t, err := scanType(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
