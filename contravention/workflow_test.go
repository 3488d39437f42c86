package contravention_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/contravention-engine/contravention"
	"github.com/warp/contravention-engine/points"
)

// =============================================================================
// CREATE
// =============================================================================

func TestCreate_InitialStatus(t *testing.T) {
	f := newFixture(t)
	typ := f.createType(t, 1)

	tests := []struct {
		name     string
		approver string
		document string
		want     contravention.Status
	}{
		{"neither", "", "", contravention.StatusPendingUpload},
		{"document only", "", "https://docs.example.com/approval.pdf", contravention.StatusPendingReview},
		{"approver", approver.Email, "", contravention.StatusPendingApproval},
		{"approver and document", approver.Email, "https://docs.example.com/approval.pdf", contravention.StatusPendingApproval},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := f.input(typ.ID)
			in.ApproverEmail = tt.approver
			in.DocumentURL = tt.document

			c := f.create(t, in)

			assert.Equal(t, tt.want, c.Status)
		})
	}
}

func TestCreate_AddsPointsAndNotifies(t *testing.T) {
	// GIVEN: A 2-point contravention type
	// WHEN: A contravention is logged with an approver
	// THEN: Points are added, the approval request exists and both events are sent

	f := newFixture(t)
	typ := f.createType(t, 2)
	in := f.input(typ.ID)
	in.ApproverEmail = approver.Email
	value := decimal.RequireFromString("1250.50")
	in.MonetaryValue = &value

	c := f.create(t, in)

	assert.Equal(t, "CONTRA-2025-001", c.ReferenceNumber)
	assert.Equal(t, 2, c.Points)
	assert.Equal(t, contravention.SeverityMedium, c.Severity)
	assert.Equal(t, "director@example.com", c.ApproverEmail)
	assert.Equal(t, submitter.ID, c.SubmittedBy)
	assert.Equal(t, 2, f.total(t))

	got, err := f.workflow.Get(f.ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got.MonetaryValue)
	assert.True(t, value.Equal(*got.MonetaryValue))

	req := f.pendingApproval(t, c)
	assert.Equal(t, "director@example.com", req.ApproverEmail)

	logged := f.events.ofType(points.EventContraventionLogged)
	require.Len(t, logged, 1)
	assert.Equal(t, "CONTRA-2025-001", logged[0].Payload["reference_number"])
	assert.Len(t, f.events.ofType(points.EventApprovalRequested), 1)
	assert.Len(t, f.events.ofType(points.EventEscalationTriggered), 1)
}

func TestCreate_OverridesAndStickyLevel3(t *testing.T) {
	f := newFixture(t)
	typ := f.createType(t, 1)
	in := f.input(typ.ID)
	sev := contravention.SeverityCritical
	pts := 5
	in.Severity = &sev
	in.Points = &pts

	c := f.create(t, in)

	assert.Equal(t, contravention.SeverityCritical, c.Severity)
	assert.Equal(t, 5, c.Points)
	acct, err := f.engine.Ledger.Account(f.ctx, "emp-1")
	require.NoError(t, err)
	assert.Equal(t, points.Level3, acct.Level)
}

func TestCreate_Errors_WriteNothing(t *testing.T) {
	f := newFixture(t)
	typ := f.createType(t, 2)
	inactive := f.createType(t, 2)
	off := false
	_, err := f.workflow.UpdateType(f.ctx, inactive.ID, contravention.TypeUpdate{Active: &off}, admin)
	require.NoError(t, err)

	_, err = f.workflow.Create(f.ctx, f.input(typ.ID), contravention.Actor{})
	assert.True(t, points.IsForbidden(err))

	in := f.input(typ.ID)
	in.Description = " "
	_, err = f.workflow.Create(f.ctx, in, submitter)
	assert.True(t, points.IsValidation(err))

	in = f.input(typ.ID)
	in.ApproverEmail = "not-an-email"
	_, err = f.workflow.Create(f.ctx, in, submitter)
	assert.True(t, points.IsValidation(err))

	_, err = f.workflow.Create(f.ctx, f.input("missing"), submitter)
	assert.True(t, points.IsNotFound(err))

	_, err = f.workflow.Create(f.ctx, f.input(inactive.ID), submitter)
	assert.True(t, points.IsValidation(err))

	in = f.input(typ.ID)
	in.EmployeeID = "ghost"
	_, err = f.workflow.Create(f.ctx, in, submitter)
	assert.True(t, points.IsNotFound(err))

	all, err := f.workflow.List(f.ctx, contravention.Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Equal(t, 0, f.total(t))

	c := f.create(t, f.input(typ.ID))
	assert.Equal(t, "CONTRA-2025-001", c.ReferenceNumber, "failed creates do not consume reference numbers")
}

// =============================================================================
// UPLOAD / REVIEW / COMPLETE
// =============================================================================

func TestWorkflow_UploadThenComplete(t *testing.T) {
	// GIVEN: A contravention waiting for its approval document
	// WHEN: The submitter uploads it and an administrator completes the case
	// THEN: The status follows PENDING_UPLOAD -> PENDING_REVIEW -> COMPLETED

	f := newFixture(t)
	c := f.create(t, f.input(f.createType(t, 1).ID))

	_, err := f.workflow.UploadApproval(f.ctx, c.ID, "https://docs.example.com/a.pdf", bystander)
	assert.True(t, points.IsForbidden(err))

	_, err = f.workflow.UploadApproval(f.ctx, c.ID, "  ", submitter)
	assert.True(t, points.IsValidation(err))

	c, err = f.workflow.UploadApproval(f.ctx, c.ID, "https://docs.example.com/a.pdf", submitter)
	require.NoError(t, err)
	assert.Equal(t, contravention.StatusPendingReview, c.Status)
	assert.Equal(t, "https://docs.example.com/a.pdf", c.DocumentURL)

	_, err = f.workflow.UploadApproval(f.ctx, c.ID, "https://docs.example.com/b.pdf", submitter)
	var stateErr *contravention.StateError
	require.True(t, errors.As(err, &stateErr))
	assert.Equal(t, contravention.StatusPendingReview, stateErr.From)
	assert.True(t, points.IsConflict(err))

	_, err = f.workflow.MarkComplete(f.ctx, c.ID, "reviewed", submitter)
	assert.True(t, points.IsForbidden(err))

	c, err = f.workflow.MarkComplete(f.ctx, c.ID, "reviewed", admin)
	require.NoError(t, err)
	assert.Equal(t, contravention.StatusCompleted, c.Status)
	assert.Equal(t, admin.Email, c.ResolvedBy)
	require.NotNil(t, c.ResolvedAt)
	assert.Equal(t, "reviewed", c.ResolutionNotes)
	assert.Equal(t, 1, f.total(t), "status changes never touch points")
}

func TestWorkflow_ReplaceDocument_AdminOnCompletedOnly(t *testing.T) {
	f := newFixture(t)
	in := f.input(f.createType(t, 1).ID)
	in.DocumentURL = "https://docs.example.com/a.pdf"
	c := f.create(t, in)

	_, err := f.workflow.ReplaceDocument(f.ctx, c.ID, "https://docs.example.com/b.pdf", admin)
	assert.True(t, points.IsConflict(err))

	_, err = f.workflow.MarkComplete(f.ctx, c.ID, "", admin)
	require.NoError(t, err)

	_, err = f.workflow.ReplaceDocument(f.ctx, c.ID, "https://docs.example.com/b.pdf", submitter)
	assert.True(t, points.IsForbidden(err))

	c, err = f.workflow.ReplaceDocument(f.ctx, c.ID, "https://docs.example.com/b.pdf", admin)
	require.NoError(t, err)
	assert.Equal(t, contravention.StatusCompleted, c.Status)
	assert.Equal(t, "https://docs.example.com/b.pdf", c.DocumentURL)
}

// =============================================================================
// APPROVAL
// =============================================================================

func TestWorkflow_RejectResubmitApprove(t *testing.T) {
	// GIVEN: A contravention pending the director's approval
	// WHEN: The director rejects, the submitter resubmits and the director approves
	// THEN: One approval request is reused and points never change

	f := newFixture(t)
	in := f.input(f.createType(t, 2).ID)
	in.ApproverEmail = approver.Email
	c := f.create(t, in)
	req := f.pendingApproval(t, c)

	_, err := f.workflow.Decide(f.ctx, req.ID, contravention.ApprovalRejected, "no", bystander)
	assert.True(t, points.IsForbidden(err))

	_, err = f.workflow.Decide(f.ctx, req.ID, "MAYBE", "", approver)
	assert.True(t, points.IsValidation(err))

	c, err = f.workflow.Decide(f.ctx, req.ID, contravention.ApprovalRejected, "missing quotes", approver)
	require.NoError(t, err)
	assert.Equal(t, contravention.StatusRejected, c.Status)
	rejected := f.events.ofType(points.EventContraventionRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, "missing quotes", rejected[0].Payload["notes"])
	assert.Equal(t, submitter.ID, rejected[0].Payload["submitted_by"])

	_, err = f.workflow.Decide(f.ctx, req.ID, contravention.ApprovalApproved, "", approver)
	assert.True(t, points.IsConflict(err))

	desc := "Invoice received before PO; three quotes attached"
	_, err = f.workflow.Resubmit(f.ctx, c.ID, contravention.Revision{Description: &desc}, admin)
	assert.True(t, points.IsForbidden(err), "only the submitter may resubmit")

	c, err = f.workflow.Resubmit(f.ctx, c.ID, contravention.Revision{Description: &desc}, submitter)
	require.NoError(t, err)
	assert.Equal(t, contravention.StatusPendingApproval, c.Status)
	assert.Equal(t, desc, c.Description)

	reqs, err := f.workflow.ApprovalRequests(f.ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, contravention.ApprovalPending, reqs[0].Status)
	assert.Empty(t, reqs[0].ReviewedBy)

	c, err = f.workflow.Decide(f.ctx, req.ID, contravention.ApprovalApproved, "ok", approver)
	require.NoError(t, err)
	assert.Equal(t, contravention.StatusPendingReview, c.Status)
	assert.Equal(t, 2, f.total(t))
}

func TestWorkflow_ResubmitToNewApprover(t *testing.T) {
	f := newFixture(t)
	in := f.input(f.createType(t, 1).ID)
	in.ApproverEmail = approver.Email
	c := f.create(t, in)
	_, err := f.workflow.Decide(f.ctx, f.pendingApproval(t, c).ID, contravention.ApprovalRejected, "", admin)
	require.NoError(t, err)

	c, err = f.workflow.Resubmit(f.ctx, c.ID, contravention.Revision{ApproverEmail: "CFO@example.com"}, submitter)
	require.NoError(t, err)

	assert.Equal(t, "cfo@example.com", c.ApproverEmail)
	reqs, err := f.workflow.ApprovalRequests(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, reqs, 2)

	pending, err := f.workflow.PendingApprovals(f.ctx, "Cfo@Example.com")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, c.ID, pending[0].ContraventionID)
}

func TestWorkflow_Resubmit_OnlyFromRejected(t *testing.T) {
	f := newFixture(t)
	in := f.input(f.createType(t, 1).ID)
	c := f.create(t, in)

	_, err := f.workflow.Resubmit(f.ctx, c.ID, contravention.Revision{}, submitter)
	assert.True(t, points.IsConflict(err), "only rejected contraventions can be resubmitted")
}

// =============================================================================
// VOID & DELETE
// =============================================================================

func TestWorkflow_Void_ReversesPointsOnce(t *testing.T) {
	// GIVEN: A 3-point contravention
	// WHEN: An administrator voids it and then deletes it
	// THEN: The points are reversed by the void only

	f := newFixture(t)
	typ := f.createType(t, 3)
	f.create(t, f.input(typ.ID))
	c := f.create(t, f.input(typ.ID))
	require.Equal(t, 6, f.total(t))

	_, err := f.workflow.Void(f.ctx, c.ID, "duplicate", submitter)
	assert.True(t, points.IsForbidden(err))

	_, err = f.workflow.Void(f.ctx, c.ID, "", admin)
	assert.True(t, points.IsValidation(err))

	c, err = f.workflow.Void(f.ctx, c.ID, "duplicate", admin)
	require.NoError(t, err)
	assert.Equal(t, contravention.StatusVoided, c.Status)
	assert.Equal(t, "duplicate", c.VoidReason)
	assert.Equal(t, 3, f.total(t))

	_, err = f.workflow.Void(f.ctx, c.ID, "again", admin)
	assert.True(t, points.IsConflict(err))

	require.NoError(t, f.workflow.Delete(f.ctx, c.ID, admin))
	assert.Equal(t, 3, f.total(t))

	_, err = f.workflow.Get(f.ctx, c.ID)
	assert.True(t, points.IsNotFound(err))
}

func TestWorkflow_DeleteAndVoid_AfterFiscalReset(t *testing.T) {
	// GIVEN: Two 2-point contraventions last fiscal year, a reset, and one
	//        2-point contravention this year
	f := newFixture(t)
	typ := f.createType(t, 2)
	deleted := f.create(t, f.input(typ.ID))
	voided := f.create(t, f.input(typ.ID))

	f.now = time.Date(2026, time.April, 2, 9, 0, 0, 0, time.UTC)
	_, err := f.engine.Resetter.ResetPointsForNewFiscalYear(f.ctx)
	require.NoError(t, err)
	current := f.create(t, f.input(typ.ID))
	require.Equal(t, 2, f.total(t))

	// WHEN: Last year's contraventions are deleted and voided
	require.NoError(t, f.workflow.Delete(f.ctx, deleted.ID, admin))
	_, err = f.workflow.Void(f.ctx, voided.ID, "raised in error", admin)
	require.NoError(t, err)

	// THEN: This year's points are untouched and reconciliation agrees
	assert.Equal(t, 2, f.total(t))
	rep, err := f.engine.Ledger.ReconcileFromContraventions(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Corrected)

	// WHEN: This year's contravention is voided
	_, err = f.workflow.Void(f.ctx, current.ID, "raised in error", admin)
	require.NoError(t, err)

	// THEN: Its points are reversed
	assert.Equal(t, 0, f.total(t))
}

func TestWorkflow_Delete_ReversesPointsAndApprovals(t *testing.T) {
	f := newFixture(t)
	in := f.input(f.createType(t, 2).ID)
	in.ApproverEmail = approver.Email
	c := f.create(t, in)

	err := f.workflow.Delete(f.ctx, c.ID, bystander)
	assert.True(t, points.IsForbidden(err))

	require.NoError(t, f.workflow.Delete(f.ctx, c.ID, submitter))

	assert.Equal(t, 0, f.total(t))
	_, err = f.workflow.ApprovalRequests(f.ctx, c.ID)
	assert.True(t, points.IsNotFound(err))
	pending, err := f.workflow.PendingApprovals(f.ctx, approver.Email)
	require.NoError(t, err)
	assert.Empty(t, pending)

	history, err := f.engine.Ledger.History(f.ctx, "emp-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, points.EntryReversal, history[1].Kind)
	assert.Equal(t, c.ReferenceNumber, history[1].ContraventionRef)
}

// =============================================================================
// TYPES
// =============================================================================

func TestUpdateType_NotRetroactive(t *testing.T) {
	f := newFixture(t)
	typ := f.createType(t, 1)
	before := f.create(t, f.input(typ.ID))

	four := 4
	_, err := f.workflow.UpdateType(f.ctx, typ.ID, contravention.TypeUpdate{DefaultPoints: &four}, submitter)
	assert.True(t, points.IsForbidden(err))

	updated, err := f.workflow.UpdateType(f.ctx, typ.ID, contravention.TypeUpdate{DefaultPoints: &four}, admin)
	require.NoError(t, err)
	assert.Equal(t, 4, updated.DefaultPoints)

	got, err := f.workflow.Get(f.ctx, before.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Points)

	after := f.create(t, f.input(typ.ID))
	assert.Equal(t, 4, after.Points)

	negative := -1
	_, err = f.workflow.UpdateType(f.ctx, typ.ID, contravention.TypeUpdate{DefaultPoints: &negative}, admin)
	assert.True(t, points.IsValidation(err))

	_, err = f.workflow.UpdateType(f.ctx, "missing", contravention.TypeUpdate{}, admin)
	assert.True(t, points.IsNotFound(err))
}

func TestCreateType_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.workflow.CreateType(f.ctx, contravention.Type{Name: "x", Category: "y", DefaultSeverity: "LOW"}, submitter)
	assert.True(t, points.IsForbidden(err))

	_, err = f.workflow.CreateType(f.ctx, contravention.Type{Name: "x", Category: "y", DefaultSeverity: "SEVERE"}, admin)
	assert.True(t, points.IsValidation(err))

	types, err := f.workflow.ListTypes(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, types)
}

func TestList_Filters(t *testing.T) {
	f := newFixture(t)
	typ := f.createType(t, 1)
	_, err := f.engine.Ledger.SaveEmployee(f.ctx, points.Employee{ID: "emp-2", Name: "Sam", Email: "sam@example.com", Active: true})
	require.NoError(t, err)

	f.create(t, f.input(typ.ID))
	in := f.input(typ.ID)
	in.EmployeeID = "emp-2"
	in.DocumentURL = "https://docs.example.com/a.pdf"
	f.create(t, in)

	emp := points.EmployeeID("emp-2")
	got, err := f.workflow.List(f.ctx, contravention.Filter{EmployeeID: &emp})
	require.NoError(t, err)
	require.Len(t, got, 1)

	status := contravention.StatusPendingUpload
	got, err = f.workflow.List(f.ctx, contravention.Filter{Status: &status})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, points.EmployeeID("emp-1"), got[0].EmployeeID)
}
