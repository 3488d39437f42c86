/*
Package contravention drives each recorded compliance violation through its
approval lifecycle and keeps the employee's points ledger in step with it.

STATE MACHINE:

	create ── approver ──────────▶ PENDING_APPROVAL ── approve ──▶ PENDING_REVIEW
	       ── document, no approver ─────────────────────────────▶ PENDING_REVIEW
	       ── neither ───────────▶ PENDING_UPLOAD ─── upload ────▶ PENDING_REVIEW
	                               PENDING_APPROVAL ── reject ───▶ REJECTED
	                               REJECTED ───────── resubmit ──▶ PENDING_APPROVAL
	                               PENDING_REVIEW ─── complete ──▶ COMPLETED
	       any state except VOIDED ── void (admin) ──────────────▶ VOIDED

	delete is allowed from any state and removes the row.

POINTS:
  Points are added once, at create, in the same transaction as the row.
  They are reversed on delete and void and never touched by decisions.

SEE ALSO:
  - workflow.go: the transitions
  - points/ledger.go: AddPointsTx, ReverseTx
*/
package contravention

import (
	"net/mail"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/contravention-engine/points"
)

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusPendingUpload   Status = "PENDING_UPLOAD"
	StatusPendingApproval Status = "PENDING_APPROVAL"
	StatusPendingReview   Status = "PENDING_REVIEW"
	StatusCompleted       Status = "COMPLETED"
	StatusRejected        Status = "REJECTED"
	StatusVoided          Status = "VOIDED"
)

// VoidedStatuses are excluded from ledger reconciliation totals.
var VoidedStatuses = []string{string(StatusVoided)}

// PointsActive reports whether a contravention in status s still counts
// towards the employee's ledger.
func (s Status) PointsActive() bool { return s != StatusVoided }

func (s Status) Valid() bool {
	switch s {
	case StatusPendingUpload, StatusPendingApproval, StatusPendingReview,
		StatusCompleted, StatusRejected, StatusVoided:
		return true
	}
	return false
}

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

// Type is a contravention category with its defaults. Changing the defaults
// never changes contraventions already logged.
type Type struct {
	ID              string
	Category        string
	Name            string
	Description     string
	DefaultSeverity Severity
	DefaultPoints   int
	Active          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (t Type) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return points.Invalid("name", "required")
	}
	if strings.TrimSpace(t.Category) == "" {
		return points.Invalid("category", "required")
	}
	if !t.DefaultSeverity.Valid() {
		return points.Invalid("default_severity", "must be LOW, MEDIUM, HIGH or CRITICAL")
	}
	if t.DefaultPoints < 0 {
		return points.Invalid("default_points", "must not be negative")
	}
	return nil
}

// TypeUpdate carries the fields an administrator may change. Nil fields are
// left as they are.
type TypeUpdate struct {
	Name            *string
	Description     *string
	DefaultSeverity *Severity
	DefaultPoints   *int
	Active          *bool
}

// =============================================================================
// CONTRAVENTION
// =============================================================================

type Contravention struct {
	ID              string
	ReferenceNumber string
	EmployeeID      points.EmployeeID
	TypeID          string

	// Severity and Points are frozen at creation.
	Severity Severity
	Points   int

	IncidentDate  time.Time
	MonetaryValue *decimal.Decimal
	ApproverEmail string
	DocumentURL   string
	Status        Status

	Description   string
	Justification string
	Mitigation    string

	SubmittedBy     string
	ResolvedBy      string
	ResolvedAt      *time.Time
	ResolutionNotes string
	VoidReason      string

	CreatedAt time.Time
	UpdatedAt time.Time
}

type Filter struct {
	EmployeeID *points.EmployeeID
	Status     *Status
}

// =============================================================================
// APPROVAL REQUEST
// =============================================================================

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// ApprovalRequest is one designated approver's decision. There is at most
// one per (contravention, approver).
type ApprovalRequest struct {
	ID              string
	ContraventionID string
	ApproverEmail   string
	Status          ApprovalStatus
	ReviewedBy      string
	ReviewedAt      *time.Time
	Notes           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// =============================================================================
// ACTOR & INPUTS
// =============================================================================

// Actor is the authenticated caller, supplied by the transport layer.
type Actor struct {
	ID    string
	Email string
	Admin bool
}

func (a Actor) String() string {
	if a.Email != "" {
		return a.Email
	}
	if a.ID != "" {
		return a.ID
	}
	return "anonymous"
}

// CreateInput is validated before it reaches the workflow. Severity and
// Points override the type defaults when set.
type CreateInput struct {
	EmployeeID    points.EmployeeID
	TypeID        string
	Severity      *Severity
	Points        *int
	IncidentDate  time.Time
	MonetaryValue *decimal.Decimal
	ApproverEmail string
	DocumentURL   string
	Description   string
	Justification string
	Mitigation    string
}

func (in CreateInput) Validate() error {
	if in.EmployeeID == "" {
		return points.Invalid("employee_id", "required")
	}
	if in.TypeID == "" {
		return points.Invalid("type_id", "required")
	}
	if in.IncidentDate.IsZero() {
		return points.Invalid("incident_date", "required")
	}
	if strings.TrimSpace(in.Description) == "" {
		return points.Invalid("description", "required")
	}
	if in.Severity != nil && !in.Severity.Valid() {
		return points.Invalid("severity", "must be LOW, MEDIUM, HIGH or CRITICAL")
	}
	if in.Points != nil && *in.Points < 0 {
		return points.Invalid("points", "must not be negative")
	}
	if in.MonetaryValue != nil && in.MonetaryValue.IsNegative() {
		return points.Invalid("monetary_value", "must not be negative")
	}
	if in.ApproverEmail != "" {
		if err := validEmail(in.ApproverEmail); err != nil {
			return err
		}
	}
	return nil
}

// Revision carries the fields a submitter may change when resubmitting a
// rejected contravention. Point-affecting fields are not revisable.
type Revision struct {
	ApproverEmail string // empty keeps the current approver
	Description   *string
	Justification *string
	Mitigation    *string
	MonetaryValue *decimal.Decimal
	IncidentDate  *time.Time
}

func (r Revision) Validate() error {
	if r.ApproverEmail != "" {
		if err := validEmail(r.ApproverEmail); err != nil {
			return err
		}
	}
	if r.Description != nil && strings.TrimSpace(*r.Description) == "" {
		return points.Invalid("description", "must not be empty")
	}
	if r.MonetaryValue != nil && r.MonetaryValue.IsNegative() {
		return points.Invalid("monetary_value", "must not be negative")
	}
	if r.IncidentDate != nil && r.IncidentDate.IsZero() {
		return points.Invalid("incident_date", "must not be zero")
	}
	return nil
}

func validEmail(s string) error {
	if _, err := mail.ParseAddress(s); err != nil {
		return points.Invalid("approver_email", "not a valid email address")
	}
	return nil
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
