package points_test

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

// =============================================================================
// TEST HELPERS
// =============================================================================

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []points.Event
}

func (n *recordingNotifier) Notify(_ context.Context, events ...points.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, events...)
}

func (n *recordingNotifier) ofType(t points.EventType) []points.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []points.Event
	for _, e := range n.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	ctx      context.Context
	store    *sqlite.Store
	engine   *points.Engine
	clock    *testClock
	notifier *recordingNotifier
}

func newFixture(t *testing.T, opts ...points.Option) *fixture {
	t.Helper()
	return newFixtureAt(t, ":memory:", opts...)
}

// newFixtureAt opens the fixture on the given database path.
func newFixtureAt(t *testing.T, path string, opts ...points.Option) *fixture {
	t.Helper()
	store, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		ctx:      context.Background(),
		store:    store,
		clock:    &testClock{now: time.Date(2025, time.June, 2, 9, 0, 0, 0, time.UTC)},
		notifier: &recordingNotifier{},
	}
	opts = append([]points.Option{
		points.WithClock(f.clock.Now),
		points.WithNotifier(f.notifier),
	}, opts...)
	f.engine, err = points.New(contravention.PointsStore(store), opts...)
	require.NoError(t, err)
	return f
}

func (f *fixture) addEmployee(t *testing.T, id points.EmployeeID) {
	t.Helper()
	_, err := f.engine.Ledger.SaveEmployee(f.ctx, points.Employee{
		ID:     id,
		Name:   "Employee " + string(id),
		Email:  string(id) + "@example.com",
		Active: true,
	})
	require.NoError(t, err)
}

func (f *fixture) addMandatoryCourse(t *testing.T) *points.Course {
	t.Helper()
	c, err := f.engine.Trainer.SaveCourse(f.ctx, points.Course{
		ID:        "course-procurement",
		Name:      "Procurement Policy Essentials",
		Mandatory: true,
		Active:    true,
	})
	require.NoError(t, err)
	return c
}

func (f *fixture) add(t *testing.T, id points.EmployeeID, pts int, ref string) *points.Result {
	t.Helper()
	res, err := f.engine.Ledger.AddPoints(f.ctx, points.Addition{
		EmployeeID:       id,
		Points:           pts,
		Reason:           "test contravention",
		ContraventionRef: ref,
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) account(t *testing.T, id points.EmployeeID) *points.Account {
	t.Helper()
	a, err := f.engine.Ledger.Account(f.ctx, id)
	require.NoError(t, err)
	return a
}

func (f *fixture) history(t *testing.T, id points.EmployeeID) []points.Entry {
	t.Helper()
	entries, err := f.engine.Ledger.History(f.ctx, id)
	require.NoError(t, err)
	return entries
}

func (f *fixture) trainingFor(t *testing.T, id points.EmployeeID) []points.TrainingRecord {
	t.Helper()
	recs, err := f.engine.Trainer.ListTraining(f.ctx, points.TrainingFilter{EmployeeID: &id})
	require.NoError(t, err)
	return recs
}

func (f *fixture) reverse(t *testing.T, id points.EmployeeID, pts int, ref string) *points.Result {
	t.Helper()
	var res *points.Result
	require.NoError(t, f.store.WithTx(f.ctx, func(r contravention.Repo) error {
		var err error
		res, err = f.engine.Ledger.ReverseTx(f.ctx, r, id, pts, ref, "deleted")
		return err
	}))
	return res
}

// setAccount overwrites a ledger row directly, simulating drift.
func (f *fixture) setAccount(t *testing.T, a points.Account) {
	t.Helper()
	require.NoError(t, f.store.WithTx(f.ctx, func(r contravention.Repo) error {
		return r.SaveAccount(f.ctx, a)
	}))
}

var (
	admin     = contravention.Actor{ID: "admin-1", Email: "admin@example.com", Admin: true}
	submitter = contravention.Actor{ID: "mgr-1", Email: "manager@example.com"}
)

func (f *fixture) workflow() *contravention.Workflow {
	return contravention.NewWorkflow(f.store, f.engine.Ledger, contravention.WithClock(f.clock.Now))
}

// logContravention creates a type worth pts and logs one contravention of it
// through the approval workflow.
func (f *fixture) logContravention(t *testing.T, id points.EmployeeID, pts int) *contravention.Contravention {
	t.Helper()
	w := f.workflow()
	typ, err := w.CreateType(f.ctx, contravention.Type{
		Category:        "Procurement",
		Name:            "Split purchase order",
		DefaultSeverity: contravention.SeverityMedium,
		DefaultPoints:   pts,
		Active:          true,
	}, admin)
	require.NoError(t, err)
	c, err := w.Create(f.ctx, contravention.CreateInput{
		EmployeeID:   id,
		TypeID:       typ.ID,
		IncidentDate: f.clock.Now().AddDate(0, 0, -1),
		Description:  "PO split to stay under approval limit",
	}, submitter)
	require.NoError(t, err)
	return c
}

func sumDeltas(entries []points.Entry) int {
	total := 0
	for _, e := range entries {
		if e.Kind == points.EntryReset {
			total = 0
			continue
		}
		total += e.Delta
	}
	return total
}
