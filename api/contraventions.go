package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/contravention-engine/contravention"
	"github.com/warp/contravention-engine/points"
)

// =============================================================================
// CONTRAVENTION TYPE HANDLERS
// =============================================================================

func (h *Handler) ListTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.Workflow.ListTypes(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list contravention types", err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(types, toTypeDTO))
}

func (h *Handler) CreateType(w http.ResponseWriter, r *http.Request) {
	var req CreateTypeRequest
	if !decode(w, r, &req) {
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	t, err := h.Workflow.CreateType(r.Context(), contravention.Type{
		Category:        req.Category,
		Name:            req.Name,
		Description:     req.Description,
		DefaultSeverity: contravention.Severity(req.DefaultSeverity),
		DefaultPoints:   req.DefaultPoints,
		Active:          active,
	}, actorFrom(r))
	if err != nil {
		h.writeDomainError(w, "Failed to create contravention type", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTypeDTO(*t))
}

// UpdateType changes type defaults. Contraventions already logged keep
// their frozen severity and points.
func (h *Handler) UpdateType(w http.ResponseWriter, r *http.Request) {
	var req UpdateTypeRequest
	if !decode(w, r, &req) {
		return
	}
	u := contravention.TypeUpdate{
		Name:          req.Name,
		Description:   req.Description,
		DefaultPoints: req.DefaultPoints,
		Active:        req.Active,
	}
	if req.DefaultSeverity != nil {
		sev := contravention.Severity(*req.DefaultSeverity)
		u.DefaultSeverity = &sev
	}

	t, err := h.Workflow.UpdateType(r.Context(), chi.URLParam(r, "id"), u, actorFrom(r))
	if err != nil {
		h.writeDomainError(w, "Failed to update contravention type", err)
		return
	}
	writeJSON(w, http.StatusOK, toTypeDTO(*t))
}

// =============================================================================
// CONTRAVENTION HANDLERS
// =============================================================================

// ListContraventions supports ?employee_id= and ?status= filters.
func (h *Handler) ListContraventions(w http.ResponseWriter, r *http.Request) {
	var f contravention.Filter
	if v := r.URL.Query().Get("employee_id"); v != "" {
		id := points.EmployeeID(v)
		f.EmployeeID = &id
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := contravention.Status(v)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "Unknown status "+v, nil)
			return
		}
		f.Status = &status
	}

	list, err := h.Workflow.List(r.Context(), f)
	if err != nil {
		h.writeDomainError(w, "Failed to list contraventions", err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(list, toContraventionDTO))
}

func (h *Handler) GetContravention(w http.ResponseWriter, r *http.Request) {
	c, err := h.Workflow.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to get contravention", err)
		return
	}
	writeJSON(w, http.StatusOK, toContraventionDTO(*c))
}

// CreateContravention logs a contravention and adds its points in the same
// transaction.
func (h *Handler) CreateContravention(w http.ResponseWriter, r *http.Request) {
	var req CreateContraventionRequest
	if !decode(w, r, &req) {
		return
	}
	incident, err := parseDate(req.IncidentDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid incident_date format (use YYYY-MM-DD)", err)
		return
	}

	in := contravention.CreateInput{
		EmployeeID:    points.EmployeeID(req.EmployeeID),
		TypeID:        req.TypeID,
		Points:        req.Points,
		IncidentDate:  incident,
		MonetaryValue: req.MonetaryValue,
		ApproverEmail: req.ApproverEmail,
		DocumentURL:   req.DocumentURL,
		Description:   req.Description,
		Justification: req.Justification,
		Mitigation:    req.Mitigation,
	}
	if req.Severity != nil {
		sev := contravention.Severity(*req.Severity)
		in.Severity = &sev
	}

	c, err := h.Workflow.Create(r.Context(), in, actorFrom(r))
	if err != nil {
		h.writeDomainError(w, "Failed to create contravention", err)
		return
	}
	writeJSON(w, http.StatusCreated, toContraventionDTO(*c))
}

func (h *Handler) UploadApproval(w http.ResponseWriter, r *http.Request) {
	var req DocumentRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := h.Workflow.UploadApproval(r.Context(), chi.URLParam(r, "id"), req.DocumentURL, actorFrom(r))
	if err != nil {
		h.writeDomainError(w, "Failed to upload approval", err)
		return
	}
	writeJSON(w, http.StatusOK, toContraventionDTO(*c))
}

func (h *Handler) ReplaceDocument(w http.ResponseWriter, r *http.Request) {
	var req DocumentRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := h.Workflow.ReplaceDocument(r.Context(), chi.URLParam(r, "id"), req.DocumentURL, actorFrom(r))
	if err != nil {
		h.writeDomainError(w, "Failed to replace document", err)
		return
	}
	writeJSON(w, http.StatusOK, toContraventionDTO(*c))
}

func (h *Handler) Resubmit(w http.ResponseWriter, r *http.Request) {
	var req ResubmitRequest
	if !decode(w, r, &req) {
		return
	}
	rev := contravention.Revision{
		ApproverEmail: req.ApproverEmail,
		Description:   req.Description,
		Justification: req.Justification,
		Mitigation:    req.Mitigation,
		MonetaryValue: req.MonetaryValue,
	}
	if req.IncidentDate != nil {
		d, err := parseDate(*req.IncidentDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid incident_date format (use YYYY-MM-DD)", err)
			return
		}
		rev.IncidentDate = &d
	}

	c, err := h.Workflow.Resubmit(r.Context(), chi.URLParam(r, "id"), rev, actorFrom(r))
	if err != nil {
		h.writeDomainError(w, "Failed to resubmit contravention", err)
		return
	}
	writeJSON(w, http.StatusOK, toContraventionDTO(*c))
}

func (h *Handler) MarkComplete(w http.ResponseWriter, r *http.Request) {
	var req NotesRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := h.Workflow.MarkComplete(r.Context(), chi.URLParam(r, "id"), req.Notes, actorFrom(r))
	if err != nil {
		h.writeDomainError(w, "Failed to complete contravention", err)
		return
	}
	writeJSON(w, http.StatusOK, toContraventionDTO(*c))
}

// VoidContravention voids and reverses points. Administrators only.
func (h *Handler) VoidContravention(w http.ResponseWriter, r *http.Request) {
	var req NotesRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := h.Workflow.Void(r.Context(), chi.URLParam(r, "id"), req.Reason, actorFrom(r))
	if err != nil {
		h.writeDomainError(w, "Failed to void contravention", err)
		return
	}
	writeJSON(w, http.StatusOK, toContraventionDTO(*c))
}

func (h *Handler) DeleteContravention(w http.ResponseWriter, r *http.Request) {
	if err := h.Workflow.Delete(r.Context(), chi.URLParam(r, "id"), actorFrom(r)); err != nil {
		h.writeDomainError(w, "Failed to delete contravention", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// APPROVAL HANDLERS
// =============================================================================

func (h *Handler) ListApprovals(w http.ResponseWriter, r *http.Request) {
	list, err := h.Workflow.ApprovalRequests(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to list approvals", err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(list, toApprovalDTO))
}

// ListPendingApprovals returns the caller's inbox, or ?approver= for admins.
func (h *Handler) ListPendingApprovals(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	email := actor.Email
	if v := r.URL.Query().Get("approver"); v != "" && actor.Admin {
		email = v
	}
	if email == "" {
		writeError(w, http.StatusBadRequest, "Approver email required", nil)
		return
	}

	list, err := h.Workflow.PendingApprovals(r.Context(), email)
	if err != nil {
		h.writeDomainError(w, "Failed to list pending approvals", err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(list, toApprovalDTO))
}

func (h *Handler) DecideApproval(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := h.Workflow.Decide(r.Context(), chi.URLParam(r, "id"),
		contravention.ApprovalStatus(req.Decision), req.Notes, actorFrom(r))
	if err != nil {
		h.writeDomainError(w, "Failed to record decision", err)
		return
	}
	writeJSON(w, http.StatusOK, toContraventionDTO(*c))
}

func parseDate(s string) (time.Time, error) {
	return time.Parse(time.DateOnly, s)
}
