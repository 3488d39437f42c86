package contravention

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warp/contravention-engine/metrics"
	"github.com/warp/contravention-engine/points"
)

// =============================================================================
// ERRORS
// =============================================================================

// StateError is returned when an operation is not allowed from the
// contravention's current status.
type StateError struct {
	ID     string
	From   Status
	Action string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("contravention %s is %s: cannot %s", e.ID, e.From, e.Action)
}

func (e *StateError) Unwrap() error { return points.ErrConflict }

func forbidden(actor Actor, action string) error {
	return &points.ForbiddenError{Actor: actor.String(), Action: action}
}

// =============================================================================
// WORKFLOW
// =============================================================================

// Workflow owns every contravention status change. Ledger effects go
// through points.Ledger in the same transaction; notifications are sent
// after commit.
type Workflow struct {
	store    TxStore
	ledger   *points.Ledger
	notifier points.Notifier
	metrics  *metrics.Metrics
	clock    points.Clock
	log      zerolog.Logger
}

type Option func(*Workflow)

func WithNotifier(n points.Notifier) Option { return func(w *Workflow) { w.notifier = n } }

func WithMetrics(m *metrics.Metrics) Option { return func(w *Workflow) { w.metrics = m } }

func WithClock(c points.Clock) Option { return func(w *Workflow) { w.clock = c } }

func WithLogger(l zerolog.Logger) Option { return func(w *Workflow) { w.log = l } }

func NewWorkflow(store TxStore, ledger *points.Ledger, opts ...Option) *Workflow {
	w := &Workflow{
		store:  store,
		ledger: ledger,
		clock:  func() time.Time { return time.Now().UTC() },
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Workflow) run(ctx context.Context, fn func(Repo, *points.Outbox) error) error {
	out := &points.Outbox{}
	if err := w.store.WithTx(ctx, func(r Repo) error { return fn(r, out) }); err != nil {
		return err
	}
	if events := out.Events(); len(events) > 0 && w.notifier != nil {
		w.notifier.Notify(ctx, events...)
	}
	return nil
}

func (w *Workflow) event(t points.EventType, c *Contravention, extra map[string]any) points.Event {
	payload := map[string]any{
		"contravention_id": c.ID,
		"reference_number": c.ReferenceNumber,
		"status":           string(c.Status),
		"points":           c.Points,
	}
	for k, v := range extra {
		payload[k] = v
	}
	return points.Event{Type: t, EmployeeID: c.EmployeeID, Payload: payload, OccurredAt: w.clock()}
}

func load(ctx context.Context, repo Repo, id string) (*Contravention, error) {
	c, err := repo.GetContravention(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, points.NotFound("contravention", id)
	}
	return c, nil
}

// save persists a status change and counts the transition.
func (w *Workflow) save(ctx context.Context, repo Repo, c *Contravention, from Status) error {
	c.UpdatedAt = w.clock()
	if err := repo.UpdateContravention(ctx, *c); err != nil {
		return err
	}
	if from != c.Status {
		w.metrics.IncrementTransition(string(from), string(c.Status))
	}
	return nil
}

// =============================================================================
// CREATE
// =============================================================================

// Create logs a contravention. The row, its reference number, its first
// approval request and the ledger addition commit together or not at all.
func (w *Workflow) Create(ctx context.Context, in CreateInput, actor Actor) (*Contravention, error) {
	if actor.ID == "" {
		return nil, forbidden(actor, "log contraventions")
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	var c *Contravention
	err := w.run(ctx, func(repo Repo, out *points.Outbox) error {
		typ, err := repo.GetType(ctx, in.TypeID)
		if err != nil {
			return err
		}
		if typ == nil {
			return points.NotFound("contravention type", in.TypeID)
		}
		if !typ.Active {
			return points.Invalid("type_id", "contravention type is inactive")
		}

		now := w.clock()
		ref, err := nextReference(ctx, repo, now.Year())
		if err != nil {
			return err
		}
		c = &Contravention{
			ID:              uuid.NewString(),
			ReferenceNumber: ref,
			EmployeeID:      in.EmployeeID,
			TypeID:          typ.ID,
			Severity:        typ.DefaultSeverity,
			Points:          typ.DefaultPoints,
			IncidentDate:    in.IncidentDate,
			MonetaryValue:   in.MonetaryValue,
			ApproverEmail:   normalizeEmail(in.ApproverEmail),
			DocumentURL:     strings.TrimSpace(in.DocumentURL),
			Description:     in.Description,
			Justification:   in.Justification,
			Mitigation:      in.Mitigation,
			SubmittedBy:     actor.ID,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if in.Severity != nil {
			c.Severity = *in.Severity
		}
		if in.Points != nil {
			c.Points = *in.Points
		}
		switch {
		case c.ApproverEmail != "":
			c.Status = StatusPendingApproval
		case c.DocumentURL != "":
			c.Status = StatusPendingReview
		default:
			c.Status = StatusPendingUpload
		}

		// The ledger checks the employee exists before anything is written.
		if _, err := w.ledger.AddPointsTx(ctx, repo, points.Addition{
			EmployeeID:       c.EmployeeID,
			Points:           c.Points,
			Reason:           typ.Name,
			ContraventionRef: c.ReferenceNumber,
		}, out); err != nil {
			return err
		}
		if err := repo.InsertContravention(ctx, *c); err != nil {
			return err
		}
		out.Add(w.event(points.EventContraventionLogged, c, map[string]any{
			"type":     typ.Name,
			"severity": string(c.Severity),
		}))

		if c.ApproverEmail != "" {
			if err := w.requestApproval(ctx, repo, c, out); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	w.metrics.IncrementTransition("", string(c.Status))
	w.log.Info().
		Str("reference", c.ReferenceNumber).
		Str("employee_id", string(c.EmployeeID)).
		Int("points", c.Points).
		Str("status", string(c.Status)).
		Msg("contravention logged")
	return c, nil
}

// requestApproval creates the approval request for c.ApproverEmail, or
// resets an earlier one for the same approver back to PENDING.
func (w *Workflow) requestApproval(ctx context.Context, repo Repo, c *Contravention, out *points.Outbox) error {
	now := w.clock()
	existing, err := repo.ApprovalFor(ctx, c.ID, c.ApproverEmail)
	if err != nil {
		return err
	}
	if existing != nil {
		existing.Status = ApprovalPending
		existing.ReviewedBy = ""
		existing.ReviewedAt = nil
		existing.Notes = ""
		existing.UpdatedAt = now
		if err := repo.UpdateApproval(ctx, *existing); err != nil {
			return err
		}
	} else {
		if err := repo.InsertApproval(ctx, ApprovalRequest{
			ID:              uuid.NewString(),
			ContraventionID: c.ID,
			ApproverEmail:   c.ApproverEmail,
			Status:          ApprovalPending,
			CreatedAt:       now,
			UpdatedAt:       now,
		}); err != nil {
			return err
		}
	}
	out.Add(w.event(points.EventApprovalRequested, c, map[string]any{
		"approver_email": c.ApproverEmail,
	}))
	return nil
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// UploadApproval attaches the approval document and moves PENDING_UPLOAD to
// PENDING_REVIEW.
func (w *Workflow) UploadApproval(ctx context.Context, id, documentURL string, actor Actor) (*Contravention, error) {
	documentURL = strings.TrimSpace(documentURL)
	if documentURL == "" {
		return nil, points.Invalid("document_url", "required")
	}
	return w.transition(ctx, id, func(repo Repo, c *Contravention, _ *points.Outbox) error {
		if !actor.Admin && actor.ID != c.SubmittedBy {
			return forbidden(actor, "upload approval documents for "+c.ReferenceNumber)
		}
		if c.Status != StatusPendingUpload {
			return &StateError{ID: c.ID, From: c.Status, Action: "upload an approval document"}
		}
		c.DocumentURL = documentURL
		c.Status = StatusPendingReview
		return nil
	})
}

// ReplaceDocument lets an administrator swap the document of a COMPLETED
// contravention. The status does not change.
func (w *Workflow) ReplaceDocument(ctx context.Context, id, documentURL string, actor Actor) (*Contravention, error) {
	documentURL = strings.TrimSpace(documentURL)
	if documentURL == "" {
		return nil, points.Invalid("document_url", "required")
	}
	if !actor.Admin {
		return nil, forbidden(actor, "replace approval documents")
	}
	return w.transition(ctx, id, func(repo Repo, c *Contravention, _ *points.Outbox) error {
		if c.Status != StatusCompleted {
			return &StateError{ID: c.ID, From: c.Status, Action: "replace the approval document"}
		}
		c.DocumentURL = documentURL
		return nil
	})
}

// Decide records the approver's decision. Approval moves the contravention
// to PENDING_REVIEW, rejection to REJECTED. Points are not touched.
func (w *Workflow) Decide(ctx context.Context, approvalID string, decision ApprovalStatus, notes string, actor Actor) (*Contravention, error) {
	if decision != ApprovalApproved && decision != ApprovalRejected {
		return nil, points.Invalid("decision", "must be APPROVED or REJECTED")
	}

	var c *Contravention
	err := w.run(ctx, func(repo Repo, out *points.Outbox) error {
		req, err := repo.GetApproval(ctx, approvalID)
		if err != nil {
			return err
		}
		if req == nil {
			return points.NotFound("approval request", approvalID)
		}
		if !actor.Admin && normalizeEmail(actor.Email) != req.ApproverEmail {
			return forbidden(actor, "review approval request "+approvalID)
		}
		if c, err = load(ctx, repo, req.ContraventionID); err != nil {
			return err
		}
		if c.Status != StatusPendingApproval {
			return &StateError{ID: c.ID, From: c.Status, Action: "record an approval decision"}
		}
		if req.Status != ApprovalPending {
			return points.Conflictf("approval request %s was already %s", req.ID, req.Status)
		}

		now := w.clock()
		req.Status = decision
		req.ReviewedBy = actor.String()
		req.ReviewedAt = &now
		req.Notes = notes
		req.UpdatedAt = now
		if err := repo.UpdateApproval(ctx, *req); err != nil {
			return err
		}

		from := c.Status
		if decision == ApprovalApproved {
			c.Status = StatusPendingReview
		} else {
			c.Status = StatusRejected
			out.Add(w.event(points.EventContraventionRejected, c, map[string]any{
				"reviewed_by":  req.ReviewedBy,
				"notes":        notes,
				"submitted_by": c.SubmittedBy,
			}))
		}
		return w.save(ctx, repo, c, from)
	})
	if err != nil {
		return nil, err
	}
	w.log.Info().Str("reference", c.ReferenceNumber).Str("decision", string(decision)).Msg("approval decision recorded")
	return c, nil
}

// Resubmit sends a rejected contravention back for approval with revised
// narrative fields. Only the original submitter may resubmit.
func (w *Workflow) Resubmit(ctx context.Context, id string, rev Revision, actor Actor) (*Contravention, error) {
	if err := rev.Validate(); err != nil {
		return nil, err
	}
	return w.transition(ctx, id, func(repo Repo, c *Contravention, out *points.Outbox) error {
		if actor.ID == "" || actor.ID != c.SubmittedBy {
			return forbidden(actor, "resubmit "+c.ReferenceNumber)
		}
		if c.Status != StatusRejected {
			return &StateError{ID: c.ID, From: c.Status, Action: "resubmit"}
		}
		if rev.ApproverEmail != "" {
			c.ApproverEmail = normalizeEmail(rev.ApproverEmail)
		}
		if c.ApproverEmail == "" {
			return points.Invalid("approver_email", "required to resubmit")
		}
		if rev.Description != nil {
			c.Description = *rev.Description
		}
		if rev.Justification != nil {
			c.Justification = *rev.Justification
		}
		if rev.Mitigation != nil {
			c.Mitigation = *rev.Mitigation
		}
		if rev.MonetaryValue != nil {
			c.MonetaryValue = rev.MonetaryValue
		}
		if rev.IncidentDate != nil {
			c.IncidentDate = *rev.IncidentDate
		}
		c.Status = StatusPendingApproval
		return w.requestApproval(ctx, repo, c, out)
	})
}

// MarkComplete closes a reviewed contravention. Administrators only.
func (w *Workflow) MarkComplete(ctx context.Context, id, notes string, actor Actor) (*Contravention, error) {
	if !actor.Admin {
		return nil, forbidden(actor, "complete contraventions")
	}
	return w.transition(ctx, id, func(repo Repo, c *Contravention, _ *points.Outbox) error {
		if c.Status != StatusPendingReview {
			return &StateError{ID: c.ID, From: c.Status, Action: "mark complete"}
		}
		now := w.clock()
		c.Status = StatusCompleted
		c.ResolvedBy = actor.String()
		c.ResolvedAt = &now
		c.ResolutionNotes = notes
		return nil
	})
}

// Void is the administrative override. It reverses the points, unless a
// fiscal reset already cleared them, and keeps the row and its approval
// requests for audit.
func (w *Workflow) Void(ctx context.Context, id, reason string, actor Actor) (*Contravention, error) {
	if !actor.Admin {
		return nil, forbidden(actor, "void contraventions")
	}
	if strings.TrimSpace(reason) == "" {
		return nil, points.Invalid("reason", "required")
	}
	return w.transition(ctx, id, func(repo Repo, c *Contravention, _ *points.Outbox) error {
		if c.Status == StatusVoided {
			return &StateError{ID: c.ID, From: c.Status, Action: "void"}
		}
		if _, err := w.ledger.ReverseTx(ctx, repo, c.EmployeeID, c.Points, c.ReferenceNumber, "voided: "+reason); err != nil {
			return err
		}
		now := w.clock()
		c.Status = StatusVoided
		c.VoidReason = reason
		c.ResolvedBy = actor.String()
		c.ResolvedAt = &now
		return nil
	})
}

// Delete removes a contravention and its approval requests from any state,
// reversing its points unless a void already did.
func (w *Workflow) Delete(ctx context.Context, id string, actor Actor) error {
	var c *Contravention
	err := w.run(ctx, func(repo Repo, _ *points.Outbox) error {
		var err error
		if c, err = load(ctx, repo, id); err != nil {
			return err
		}
		if !actor.Admin && (actor.ID == "" || actor.ID != c.SubmittedBy) {
			return forbidden(actor, "delete "+c.ReferenceNumber)
		}
		if c.Status.PointsActive() {
			if _, err := w.ledger.ReverseTx(ctx, repo, c.EmployeeID, c.Points, c.ReferenceNumber, "contravention deleted"); err != nil {
				return err
			}
		}
		if err := repo.DeleteApprovals(ctx, c.ID); err != nil {
			return err
		}
		return repo.DeleteContravention(ctx, c.ID)
	})
	if err != nil {
		return err
	}
	w.log.Info().Str("reference", c.ReferenceNumber).Str("actor", actor.String()).Msg("contravention deleted")
	return nil
}

// transition loads the contravention, applies fn and saves it, all in one
// transaction.
func (w *Workflow) transition(ctx context.Context, id string, fn func(Repo, *Contravention, *points.Outbox) error) (*Contravention, error) {
	var c *Contravention
	err := w.run(ctx, func(repo Repo, out *points.Outbox) error {
		var err error
		if c, err = load(ctx, repo, id); err != nil {
			return err
		}
		from := c.Status
		if err := fn(repo, c, out); err != nil {
			return err
		}
		return w.save(ctx, repo, c, from)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// =============================================================================
// READS
// =============================================================================

func (w *Workflow) Get(ctx context.Context, id string) (*Contravention, error) {
	var c *Contravention
	err := w.store.WithTx(ctx, func(repo Repo) error {
		var err error
		c, err = load(ctx, repo, id)
		return err
	})
	return c, err
}

func (w *Workflow) List(ctx context.Context, f Filter) ([]Contravention, error) {
	var out []Contravention
	err := w.store.WithTx(ctx, func(repo Repo) error {
		var err error
		out, err = repo.ListContraventions(ctx, f)
		return err
	})
	return out, err
}

func (w *Workflow) ApprovalRequests(ctx context.Context, contraventionID string) ([]ApprovalRequest, error) {
	var out []ApprovalRequest
	err := w.store.WithTx(ctx, func(repo Repo) error {
		if _, err := load(ctx, repo, contraventionID); err != nil {
			return err
		}
		var err error
		out, err = repo.ListApprovals(ctx, contraventionID)
		return err
	})
	return out, err
}

func (w *Workflow) PendingApprovals(ctx context.Context, approverEmail string) ([]ApprovalRequest, error) {
	var out []ApprovalRequest
	err := w.store.WithTx(ctx, func(repo Repo) error {
		var err error
		out, err = repo.PendingApprovals(ctx, normalizeEmail(approverEmail))
		return err
	})
	return out, err
}

// =============================================================================
// CONTRAVENTION TYPES
// =============================================================================

func (w *Workflow) CreateType(ctx context.Context, t Type, actor Actor) (*Type, error) {
	if !actor.Admin {
		return nil, forbidden(actor, "manage contravention types")
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	now := w.clock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt, t.UpdatedAt = now, now
	if err := w.store.WithTx(ctx, func(repo Repo) error {
		return repo.InsertType(ctx, t)
	}); err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateType changes a type's defaults. Existing contraventions keep the
// severity and points they were logged with.
func (w *Workflow) UpdateType(ctx context.Context, id string, u TypeUpdate, actor Actor) (*Type, error) {
	if !actor.Admin {
		return nil, forbidden(actor, "manage contravention types")
	}
	var t *Type
	err := w.store.WithTx(ctx, func(repo Repo) error {
		var err error
		if t, err = repo.GetType(ctx, id); err != nil {
			return err
		}
		if t == nil {
			return points.NotFound("contravention type", id)
		}
		if u.Name != nil {
			t.Name = *u.Name
		}
		if u.Description != nil {
			t.Description = *u.Description
		}
		if u.DefaultSeverity != nil {
			t.DefaultSeverity = *u.DefaultSeverity
		}
		if u.DefaultPoints != nil {
			t.DefaultPoints = *u.DefaultPoints
		}
		if u.Active != nil {
			t.Active = *u.Active
		}
		if err := t.Validate(); err != nil {
			return err
		}
		t.UpdatedAt = w.clock()
		return repo.UpdateType(ctx, *t)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (w *Workflow) ListTypes(ctx context.Context) ([]Type, error) {
	var out []Type
	err := w.store.WithTx(ctx, func(repo Repo) error {
		var err error
		out, err = repo.ListTypes(ctx)
		return err
	})
	return out, err
}
