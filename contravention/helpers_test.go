package contravention_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warp/contravention-engine/contravention"
	"github.com/warp/contravention-engine/points"
	"github.com/warp/contravention-engine/store/sqlite"
)

var (
	admin     = contravention.Actor{ID: "admin-1", Email: "admin@example.com", Admin: true}
	submitter = contravention.Actor{ID: "mgr-1", Email: "manager@example.com"}
	approver  = contravention.Actor{ID: "dir-1", Email: "Director@Example.com"}
	bystander = contravention.Actor{ID: "other-1", Email: "other@example.com"}
)

type eventLog struct {
	mu     sync.Mutex
	events []points.Event
}

func (l *eventLog) Notify(_ context.Context, events ...points.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, events...)
}

func (l *eventLog) ofType(t points.EventType) []points.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []points.Event
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	ctx      context.Context
	engine   *points.Engine
	workflow *contravention.Workflow
	events   *eventLog
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		ctx:    context.Background(),
		events: &eventLog{},
		now:    time.Date(2025, time.June, 2, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.engine, err = points.New(contravention.PointsStore(store),
		points.WithClock(clock),
		points.WithVoidedStatuses(contravention.VoidedStatuses...),
	)
	require.NoError(t, err)
	f.workflow = contravention.NewWorkflow(store, f.engine.Ledger,
		contravention.WithClock(clock),
		contravention.WithNotifier(f.events),
	)

	_, err = f.engine.Ledger.SaveEmployee(f.ctx, points.Employee{ID: "emp-1", Name: "Jane Buyer", Email: "jane@example.com", Active: true})
	require.NoError(t, err)
	return f
}

func (f *fixture) createType(t *testing.T, pts int) *contravention.Type {
	t.Helper()
	typ, err := f.workflow.CreateType(f.ctx, contravention.Type{
		Category:        "Procurement",
		Name:            "Purchase without PO",
		DefaultSeverity: contravention.SeverityMedium,
		DefaultPoints:   pts,
		Active:          true,
	}, admin)
	require.NoError(t, err)
	return typ
}

func (f *fixture) input(typeID string) contravention.CreateInput {
	return contravention.CreateInput{
		EmployeeID:   "emp-1",
		TypeID:       typeID,
		IncidentDate: f.now.AddDate(0, 0, -3),
		Description:  "Invoice received before purchase order was raised",
	}
}

func (f *fixture) create(t *testing.T, in contravention.CreateInput) *contravention.Contravention {
	t.Helper()
	c, err := f.workflow.Create(f.ctx, in, submitter)
	require.NoError(t, err)
	return c
}

func (f *fixture) total(t *testing.T) int {
	t.Helper()
	acct, err := f.engine.Ledger.Account(f.ctx, "emp-1")
	require.NoError(t, err)
	return acct.TotalPoints
}

func (f *fixture) pendingApproval(t *testing.T, c *contravention.Contravention) contravention.ApprovalRequest {
	t.Helper()
	reqs, err := f.workflow.ApprovalRequests(f.ctx, c.ID)
	require.NoError(t, err)
	for _, r := range reqs {
		if r.Status == contravention.ApprovalPending {
			return r
		}
	}
	t.Fatalf("no pending approval request for %s", c.ReferenceNumber)
	return contravention.ApprovalRequest{}
}
