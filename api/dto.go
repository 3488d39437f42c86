/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Domain types in
  points and contravention carry no JSON tags; these types are the
  external contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

FORMATS:
  Dates are YYYY-MM-DD, timestamps RFC 3339. Monetary values are decimal
  strings so amounts survive the round trip exactly.

VALIDATION:
  Validation is done by the domain layer. DTOs are pure data carriers; the
  handlers only parse formats.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/contravention-engine/contravention"
	"github.com/warp/contravention-engine/points"
)

// =============================================================================
// EMPLOYEES & LEDGER
// =============================================================================

type EmployeeDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at,omitempty"`
}

type CreateEmployeeRequest struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Active *bool  `json:"active,omitempty"`
}

// PointsDTO is the current ledger state of one employee.
type PointsDTO struct {
	EmployeeID        string `json:"employee_id"`
	TotalPoints       int    `json:"total_points"`
	Level             string `json:"level"`
	LevelName         string `json:"level_name,omitempty"`
	PerformanceImpact bool   `json:"performance_impact"`
	LastResetLabel    string `json:"last_reset_label,omitempty"`
	FiscalYear        string `json:"fiscal_year"`
	UpdatedAt         string `json:"updated_at,omitempty"`
}

type EntryDTO struct {
	ID               string `json:"id"`
	Kind             string `json:"kind"`
	Delta            int    `json:"delta"`
	BalanceAfter     int    `json:"balance_after"`
	ContraventionRef string `json:"contravention_ref,omitempty"`
	TrainingID       string `json:"training_id,omitempty"`
	FiscalLabel      string `json:"fiscal_label,omitempty"`
	Reason           string `json:"reason,omitempty"`
	CreatedAt        string `json:"created_at"`
}

type EscalationDTO struct {
	ID               string          `json:"id"`
	EmployeeID       string          `json:"employee_id"`
	Level            string          `json:"level"`
	TriggerPoints    int             `json:"trigger_points"`
	Actions          []points.Action `json:"actions"`
	CompletedActions []string        `json:"completed_actions"`
	DueDate          string          `json:"due_date"`
	CompletedAt      *string         `json:"completed_at,omitempty"`
	Archived         bool            `json:"archived"`
	ArchivedReason   string          `json:"archived_reason,omitempty"`
	CreatedAt        string          `json:"created_at"`
}

type TrainingDTO struct {
	ID          string  `json:"id"`
	EmployeeID  string  `json:"employee_id"`
	CourseID    string  `json:"course_id"`
	Status      string  `json:"status"`
	AssignedAt  string  `json:"assigned_at"`
	DueDate     string  `json:"due_date"`
	CompletedAt *string `json:"completed_at,omitempty"`
	Credited    bool    `json:"credited"`
}

type CourseDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Mandatory bool   `json:"mandatory"`
	Active    bool   `json:"active"`
}

// ResultDTO describes a ledger mutation caused by a request.
type ResultDTO struct {
	Delta         int            `json:"delta"`
	NewTotal      int            `json:"new_total"`
	PreviousLevel string         `json:"previous_level"`
	NewLevel      string         `json:"new_level"`
	LevelChanged  bool           `json:"level_changed"`
	Escalation    *EscalationDTO `json:"escalation,omitempty"`
}

type CompletionResponse struct {
	Training TrainingDTO `json:"training"`
	Credit   *ResultDTO  `json:"credit,omitempty"`
}

type ResetRunDTO struct {
	ID                 string  `json:"id"`
	FiscalLabel        string  `json:"fiscal_label"`
	Status             string  `json:"status"`
	EmployeesProcessed int     `json:"employees_processed"`
	PointsRemoved      int     `json:"points_removed"`
	ErrorCount         int     `json:"error_count"`
	StartedAt          string  `json:"started_at"`
	CompletedAt        *string `json:"completed_at,omitempty"`
}

// =============================================================================
// CONTRAVENTIONS
// =============================================================================

type TypeDTO struct {
	ID              string `json:"id"`
	Category        string `json:"category"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	DefaultSeverity string `json:"default_severity"`
	DefaultPoints   int    `json:"default_points"`
	Active          bool   `json:"active"`
}

type CreateTypeRequest struct {
	Category        string `json:"category"`
	Name            string `json:"name"`
	Description     string `json:"description"`
	DefaultSeverity string `json:"default_severity"`
	DefaultPoints   int    `json:"default_points"`
	Active          *bool  `json:"active,omitempty"`
}

type UpdateTypeRequest struct {
	Name            *string `json:"name,omitempty"`
	Description     *string `json:"description,omitempty"`
	DefaultSeverity *string `json:"default_severity,omitempty"`
	DefaultPoints   *int    `json:"default_points,omitempty"`
	Active          *bool   `json:"active,omitempty"`
}

type ContraventionDTO struct {
	ID              string           `json:"id"`
	ReferenceNumber string           `json:"reference_number"`
	EmployeeID      string           `json:"employee_id"`
	TypeID          string           `json:"type_id"`
	Severity        string           `json:"severity"`
	Points          int              `json:"points"`
	IncidentDate    string           `json:"incident_date"`
	MonetaryValue   *decimal.Decimal `json:"monetary_value,omitempty"`
	ApproverEmail   string           `json:"approver_email,omitempty"`
	DocumentURL     string           `json:"document_url,omitempty"`
	Status          string           `json:"status"`
	Description     string           `json:"description"`
	Justification   string           `json:"justification,omitempty"`
	Mitigation      string           `json:"mitigation,omitempty"`
	SubmittedBy     string           `json:"submitted_by"`
	ResolvedBy      string           `json:"resolved_by,omitempty"`
	ResolvedAt      *string          `json:"resolved_at,omitempty"`
	ResolutionNotes string           `json:"resolution_notes,omitempty"`
	VoidReason      string           `json:"void_reason,omitempty"`
	CreatedAt       string           `json:"created_at"`
	UpdatedAt       string           `json:"updated_at"`
}

type CreateContraventionRequest struct {
	EmployeeID    string           `json:"employee_id"`
	TypeID        string           `json:"type_id"`
	Severity      *string          `json:"severity,omitempty"`
	Points        *int             `json:"points,omitempty"`
	IncidentDate  string           `json:"incident_date"`
	MonetaryValue *decimal.Decimal `json:"monetary_value,omitempty"`
	ApproverEmail string           `json:"approver_email,omitempty"`
	DocumentURL   string           `json:"document_url,omitempty"`
	Description   string           `json:"description"`
	Justification string           `json:"justification,omitempty"`
	Mitigation    string           `json:"mitigation,omitempty"`
}

type ResubmitRequest struct {
	ApproverEmail string           `json:"approver_email,omitempty"`
	Description   *string          `json:"description,omitempty"`
	Justification *string          `json:"justification,omitempty"`
	Mitigation    *string          `json:"mitigation,omitempty"`
	MonetaryValue *decimal.Decimal `json:"monetary_value,omitempty"`
	IncidentDate  *string          `json:"incident_date,omitempty"`
}

// DocumentRequest carries an uploaded approval document location.
type DocumentRequest struct {
	DocumentURL string `json:"document_url"`
}

// NotesRequest is shared by complete and void; void requires Reason.
type NotesRequest struct {
	Notes  string `json:"notes,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type ApprovalDTO struct {
	ID              string  `json:"id"`
	ContraventionID string  `json:"contravention_id"`
	ApproverEmail   string  `json:"approver_email"`
	Status          string  `json:"status"`
	ReviewedBy      string  `json:"reviewed_by,omitempty"`
	ReviewedAt      *string `json:"reviewed_at,omitempty"`
	Notes           string  `json:"notes,omitempty"`
	CreatedAt       string  `json:"created_at"`
}

type DecisionRequest struct {
	Decision string `json:"decision"` // APPROVED or REJECTED
	Notes    string `json:"notes,omitempty"`
}

// =============================================================================
// SCENARIOS & ERRORS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func formatDate(t time.Time) string { return t.Format(time.DateOnly) }

func optionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toEmployeeDTO(e points.Employee) EmployeeDTO {
	return EmployeeDTO{
		ID:        string(e.ID),
		Name:      e.Name,
		Email:     e.Email,
		Active:    e.Active,
		CreatedAt: formatTime(e.CreatedAt),
	}
}

func toEntryDTO(e points.Entry) EntryDTO {
	return EntryDTO{
		ID:               e.ID,
		Kind:             string(e.Kind),
		Delta:            e.Delta,
		BalanceAfter:     e.BalanceAfter,
		ContraventionRef: e.ContraventionRef,
		TrainingID:       e.TrainingID,
		FiscalLabel:      e.FiscalLabel,
		Reason:           e.Reason,
		CreatedAt:        formatTime(e.CreatedAt),
	}
}

func toEscalationDTO(e points.Escalation) EscalationDTO {
	completed := e.CompletedActions
	if completed == nil {
		completed = []string{}
	}
	return EscalationDTO{
		ID:               e.ID,
		EmployeeID:       string(e.EmployeeID),
		Level:            string(e.Level),
		TriggerPoints:    e.TriggerPoints,
		Actions:          e.Actions,
		CompletedActions: completed,
		DueDate:          formatDate(e.DueDate),
		CompletedAt:      optionalTime(e.CompletedAt),
		Archived:         e.Archived,
		ArchivedReason:   e.ArchivedReason,
		CreatedAt:        formatTime(e.CreatedAt),
	}
}

func toTrainingDTO(t points.TrainingRecord) TrainingDTO {
	return TrainingDTO{
		ID:          t.ID,
		EmployeeID:  string(t.EmployeeID),
		CourseID:    t.CourseID,
		Status:      string(t.Status),
		AssignedAt:  formatTime(t.AssignedAt),
		DueDate:     formatDate(t.DueDate),
		CompletedAt: optionalTime(t.CompletedAt),
		Credited:    t.Credited,
	}
}

func toCourseDTO(c points.Course) CourseDTO {
	return CourseDTO{ID: c.ID, Name: c.Name, Mandatory: c.Mandatory, Active: c.Active}
}

func toResultDTO(r *points.Result) *ResultDTO {
	if r == nil {
		return nil
	}
	dto := &ResultDTO{
		Delta:         r.Delta,
		NewTotal:      r.NewTotal,
		PreviousLevel: string(r.PreviousLevel),
		NewLevel:      string(r.NewLevel),
		LevelChanged:  r.LevelChanged,
	}
	if r.Escalation != nil {
		esc := toEscalationDTO(*r.Escalation)
		dto.Escalation = &esc
	}
	return dto
}

func toResetRunDTO(r points.ResetRun) ResetRunDTO {
	return ResetRunDTO{
		ID:                 r.ID,
		FiscalLabel:        r.FiscalLabel,
		Status:             string(r.Status),
		EmployeesProcessed: r.EmployeesProcessed,
		PointsRemoved:      r.PointsRemoved,
		ErrorCount:         r.ErrorCount,
		StartedAt:          formatTime(r.StartedAt),
		CompletedAt:        optionalTime(r.CompletedAt),
	}
}

func toTypeDTO(t contravention.Type) TypeDTO {
	return TypeDTO{
		ID:              t.ID,
		Category:        t.Category,
		Name:            t.Name,
		Description:     t.Description,
		DefaultSeverity: string(t.DefaultSeverity),
		DefaultPoints:   t.DefaultPoints,
		Active:          t.Active,
	}
}

func toContraventionDTO(c contravention.Contravention) ContraventionDTO {
	return ContraventionDTO{
		ID:              c.ID,
		ReferenceNumber: c.ReferenceNumber,
		EmployeeID:      string(c.EmployeeID),
		TypeID:          c.TypeID,
		Severity:        string(c.Severity),
		Points:          c.Points,
		IncidentDate:    formatDate(c.IncidentDate),
		MonetaryValue:   c.MonetaryValue,
		ApproverEmail:   c.ApproverEmail,
		DocumentURL:     c.DocumentURL,
		Status:          string(c.Status),
		Description:     c.Description,
		Justification:   c.Justification,
		Mitigation:      c.Mitigation,
		SubmittedBy:     c.SubmittedBy,
		ResolvedBy:      c.ResolvedBy,
		ResolvedAt:      optionalTime(c.ResolvedAt),
		ResolutionNotes: c.ResolutionNotes,
		VoidReason:      c.VoidReason,
		CreatedAt:       formatTime(c.CreatedAt),
		UpdatedAt:       formatTime(c.UpdatedAt),
	}
}

func toApprovalDTO(a contravention.ApprovalRequest) ApprovalDTO {
	return ApprovalDTO{
		ID:              a.ID,
		ContraventionID: a.ContraventionID,
		ApproverEmail:   a.ApproverEmail,
		Status:          string(a.Status),
		ReviewedBy:      a.ReviewedBy,
		ReviewedAt:      optionalTime(a.ReviewedAt),
		Notes:           a.Notes,
		CreatedAt:       formatTime(a.CreatedAt),
	}
}

// mapSlice converts a domain slice, never returning nil so lists encode as [].
func mapSlice[T, D any](in []T, fn func(T) D) []D {
	out := make([]D, 0, len(in))
	for _, v := range in {
		out = append(out, fn(v))
	}
	return out
}
