/*
handlers.go - HTTP request handlers

PURPOSE:
  Translates HTTP requests into points/contravention calls and domain
  results back into JSON. Business rules live in the domain packages;
  handlers only parse input, pick the caller, and map errors.

HANDLER GROUPS:
  Employees & ledger:  ListEmployees, CreateEmployee, GetEmployee, GetPoints,
                       GetHistory, GetEscalations, GetTraining
  Training:            AssignTraining, StartTraining, CompleteTraining,
                       WaiveTraining, ListCourses, SaveCourse
  Escalations:         CompleteEscalationAction
  Admin jobs:          FiscalReset, Reconcile, RecalculateEscalations,
                       MarkTrainingOverdue, ApplyDecay, ListResetRuns
  Workflow:            see contraventions.go
  Scenarios:           see scenarios.go

ERROR MAPPING:
  validation -> 400, forbidden -> 403, not found -> 404, conflict -> 409,
  anything else -> 500 with a generic message (details are logged, not
  returned).

SEE ALSO:
  - dto.go: Request/response types
  - server.go: Route definitions
*/
package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/warp/contravention-engine/contravention"
	"github.com/warp/contravention-engine/factory"
	"github.com/warp/contravention-engine/points"
	"github.com/warp/contravention-engine/store/sqlite"
)

const (
	headerActorID    = "X-Actor-ID"
	headerActorEmail = "X-Actor-Email"
	headerActorRole  = "X-Actor-Role"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    *sqlite.Store
	Engine   *points.Engine
	Workflow *contravention.Workflow

	PolicyFactory *factory.PolicyFactory

	gatherer prometheus.Gatherer
	log      zerolog.Logger
}

type Option func(*Handler)

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option { return func(h *Handler) { h.gatherer = g } }

func WithLogger(l zerolog.Logger) Option { return func(h *Handler) { h.log = l } }

// NewHandler creates a new handler over a wired engine and workflow.
func NewHandler(store *sqlite.Store, engine *points.Engine, workflow *contravention.Workflow, opts ...Option) *Handler {
	h := &Handler{
		Store:         store,
		Engine:        engine,
		Workflow:      workflow,
		PolicyFactory: factory.NewPolicyFactory(),
		log:           zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// actorFrom reads the caller identity set by the upstream gateway.
func actorFrom(r *http.Request) contravention.Actor {
	return contravention.Actor{
		ID:    strings.TrimSpace(r.Header.Get(headerActorID)),
		Email: strings.TrimSpace(r.Header.Get(headerActorEmail)),
		Admin: strings.EqualFold(strings.TrimSpace(r.Header.Get(headerActorRole)), "admin"),
	}
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		h.log.Error().Err(err).Msg("health check failed")
		writeError(w, http.StatusServiceUnavailable, "Database unavailable", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetPolicy returns the escalation matrix in force.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	data, err := h.PolicyFactory.Marshal(h.Engine.Policy(), factory.FormatJSON)
	if err != nil {
		h.writeDomainError(w, "Failed to render policy", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// =============================================================================
// EMPLOYEE HANDLERS
// =============================================================================

func (h *Handler) ListEmployees(w http.ResponseWriter, r *http.Request) {
	employees, err := h.Engine.Ledger.Employees(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list employees", err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(employees, toEmployeeDTO))
}

func (h *Handler) GetEmployee(w http.ResponseWriter, r *http.Request) {
	emp, err := h.Engine.Ledger.Employee(r.Context(), employeeParam(r))
	if err != nil {
		h.writeDomainError(w, "Failed to get employee", err)
		return
	}
	writeJSON(w, http.StatusOK, toEmployeeDTO(*emp))
}

func (h *Handler) CreateEmployee(w http.ResponseWriter, r *http.Request) {
	var req CreateEmployeeRequest
	if !decode(w, r, &req) {
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	emp, err := h.Engine.Ledger.SaveEmployee(r.Context(), points.Employee{
		ID:     points.EmployeeID(req.ID),
		Name:   req.Name,
		Email:  req.Email,
		Active: active,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to create employee", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEmployeeDTO(*emp))
}

// GetPoints returns the current total and level.
func (h *Handler) GetPoints(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Engine.Ledger.Account(r.Context(), employeeParam(r))
	if err != nil {
		h.writeDomainError(w, "Failed to get points", err)
		return
	}
	dto := PointsDTO{
		EmployeeID:        string(acct.EmployeeID),
		TotalPoints:       acct.TotalPoints,
		Level:             string(acct.Level),
		PerformanceImpact: acct.PerformanceImpact,
		LastResetLabel:    acct.LastResetLabel,
		FiscalYear:        points.FiscalYearLabel(h.Engine.Now()),
	}
	if spec, ok := h.Engine.Policy().Spec(acct.Level); ok {
		dto.LevelName = spec.Name
	}
	if !acct.UpdatedAt.IsZero() {
		dto.UpdatedAt = formatTime(acct.UpdatedAt)
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Engine.Ledger.History(r.Context(), employeeParam(r))
	if err != nil {
		h.writeDomainError(w, "Failed to get history", err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(entries, toEntryDTO))
}

// GetEscalations lists escalations; ?open=true limits to open ones.
func (h *Handler) GetEscalations(w http.ResponseWriter, r *http.Request) {
	id := employeeParam(r)
	if _, err := h.Engine.Ledger.Employee(r.Context(), id); err != nil {
		h.writeDomainError(w, "Failed to get employee", err)
		return
	}
	escs, err := h.Engine.Recorder.ListEscalations(r.Context(), points.EscalationFilter{
		EmployeeID: &id,
		OpenOnly:   r.URL.Query().Get("open") == "true",
	})
	if err != nil {
		h.writeDomainError(w, "Failed to list escalations", err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(escs, toEscalationDTO))
}

func (h *Handler) GetTraining(w http.ResponseWriter, r *http.Request) {
	id := employeeParam(r)
	if _, err := h.Engine.Ledger.Employee(r.Context(), id); err != nil {
		h.writeDomainError(w, "Failed to get employee", err)
		return
	}
	recs, err := h.Engine.Trainer.ListTraining(r.Context(), points.TrainingFilter{EmployeeID: &id})
	if err != nil {
		h.writeDomainError(w, "Failed to list training", err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(recs, toTrainingDTO))
}

// =============================================================================
// TRAINING HANDLERS
// =============================================================================

// AssignTraining assigns the mandatory course by hand.
func (h *Handler) AssignTraining(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Engine.Trainer.Assign(r.Context(), employeeParam(r))
	if err != nil {
		h.writeDomainError(w, "Failed to assign training", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTrainingDTO(*rec))
}

func (h *Handler) StartTraining(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Engine.Trainer.Start(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to start training", err)
		return
	}
	writeJSON(w, http.StatusOK, toTrainingDTO(*rec))
}

// CompleteTraining completes training and applies the credit once.
func (h *Handler) CompleteTraining(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.Trainer.Complete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to complete training", err)
		return
	}
	writeJSON(w, http.StatusOK, CompletionResponse{
		Training: toTrainingDTO(*res.Training),
		Credit:   toResultDTO(res.Credit),
	})
}

func (h *Handler) WaiveTraining(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Engine.Trainer.Waive(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to waive training", err)
		return
	}
	writeJSON(w, http.StatusOK, toTrainingDTO(*rec))
}

func (h *Handler) ListCourses(w http.ResponseWriter, r *http.Request) {
	courses, err := h.Engine.Trainer.ListCourses(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list courses", err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(courses, toCourseDTO))
}

func (h *Handler) SaveCourse(w http.ResponseWriter, r *http.Request) {
	var req CourseDTO
	if !decode(w, r, &req) {
		return
	}
	c, err := h.Engine.Trainer.SaveCourse(r.Context(), points.Course{
		ID:        req.ID,
		Name:      req.Name,
		Mandatory: req.Mandatory,
		Active:    req.Active,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to save course", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCourseDTO(*c))
}

// =============================================================================
// ESCALATION HANDLERS
// =============================================================================

func (h *Handler) CompleteEscalationAction(w http.ResponseWriter, r *http.Request) {
	esc, err := h.Engine.Recorder.CompleteAction(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "code"))
	if err != nil {
		h.writeDomainError(w, "Failed to complete action", err)
		return
	}
	writeJSON(w, http.StatusOK, toEscalationDTO(*esc))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// FiscalReset runs the reset for the current fiscal year. A repeat call
// returns the completed summary with already_completed set.
func (h *Handler) FiscalReset(w http.ResponseWriter, r *http.Request) {
	sum, err := h.Engine.Resetter.ResetPointsForNewFiscalYear(r.Context())
	if err != nil {
		h.writeDomainError(w, "Fiscal reset failed", err)
		return
	}
	h.log.Info().Str("actor", actorFrom(r).String()).Str("fiscal_label", sum.FiscalLabel).Msg("fiscal reset requested")
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Engine.Ledger.ReconcileFromContraventions(r.Context())
	if err != nil {
		h.writeDomainError(w, "Reconciliation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) RecalculateEscalations(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Engine.Recorder.RecalculateAllEscalations(r.Context())
	if err != nil {
		h.writeDomainError(w, "Escalation recalculation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) MarkTrainingOverdue(w http.ResponseWriter, r *http.Request) {
	sum, err := h.Engine.Trainer.MarkOverdue(r.Context())
	if err != nil {
		h.writeDomainError(w, "Overdue sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) ApplyDecay(w http.ResponseWriter, r *http.Request) {
	sum, err := h.Engine.Ledger.ApplyDecay(r.Context())
	if err != nil {
		h.writeDomainError(w, "Decay failed", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) ListResetRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Engine.Resetter.ResetRuns(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list reset runs", err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(runs, toResetRunDTO))
}

// =============================================================================
// HELPERS
// =============================================================================

func employeeParam(r *http.Request) points.EmployeeID {
	return points.EmployeeID(chi.URLParam(r, "id"))
}

// decode reads a JSON body, writing a 400 on failure. An empty body decodes
// to the zero value.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps an error kind to a status. Unexpected errors are
// logged and answered with the message only.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg(message)
		writeError(w, status, message, nil)
		return
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case points.IsValidation(err):
		return http.StatusBadRequest
	case points.IsForbidden(err):
		return http.StatusForbidden
	case points.IsNotFound(err):
		return http.StatusNotFound
	case points.IsConflict(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
