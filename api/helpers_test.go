package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/warp/contravention-engine/contravention"
	"github.com/warp/contravention-engine/metrics"
	"github.com/warp/contravention-engine/points"
	"github.com/warp/contravention-engine/store/sqlite"
)

var (
	adminActor   = contravention.Actor{ID: "admin-1", Email: "admin@example.com", Admin: true}
	managerActor = contravention.Actor{ID: "mgr-1", Email: "manager@example.com"}
	approver     = contravention.Actor{ID: "dir-1", Email: "director@example.com"}
	anonymous    = contravention.Actor{}
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type testServer struct {
	handler *Handler
	router  *chi.Mux
	clock   *testClock
}

func setupTestServer(t *testing.T, opts ...points.Option) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	clock := &testClock{now: time.Date(2025, time.June, 2, 9, 0, 0, 0, time.UTC)}

	opts = append([]points.Option{points.WithClock(clock.Now), points.WithMetrics(m)}, opts...)
	engine, err := points.New(contravention.PointsStore(store), opts...)
	require.NoError(t, err)
	workflow := contravention.NewWorkflow(store, engine.Ledger,
		contravention.WithClock(clock.Now),
		contravention.WithMetrics(m))

	h := NewHandler(store, engine, workflow, WithGatherer(reg))
	return &testServer{handler: h, router: NewRouter(h), clock: clock}
}

func (s *testServer) do(t *testing.T, method, path string, body any, actor contravention.Actor) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor.ID != "" {
		req.Header.Set(headerActorID, actor.ID)
	}
	if actor.Email != "" {
		req.Header.Set(headerActorEmail, actor.Email)
	}
	if actor.Admin {
		req.Header.Set(headerActorRole, "admin")
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeAs[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// mustDo asserts the status and decodes the body.
func mustDo[T any](t *testing.T, s *testServer, method, path string, body any, actor contravention.Actor, status int) T {
	t.Helper()
	rec := s.do(t, method, path, body, actor)
	require.Equal(t, status, rec.Code, rec.Body.String())
	return decodeAs[T](t, rec)
}

func (s *testServer) createEmployee(t *testing.T, id string) {
	t.Helper()
	mustDo[EmployeeDTO](t, s, http.MethodPost, "/api/employees", CreateEmployeeRequest{
		ID:    id,
		Name:  "Employee " + id,
		Email: id + "@example.com",
	}, adminActor, http.StatusCreated)
}

func (s *testServer) createType(t *testing.T, name string, pts int) TypeDTO {
	t.Helper()
	return mustDo[TypeDTO](t, s, http.MethodPost, "/api/contravention-types", CreateTypeRequest{
		Category:        "Procurement",
		Name:            name,
		DefaultSeverity: "MEDIUM",
		DefaultPoints:   pts,
	}, adminActor, http.StatusCreated)
}

func (s *testServer) logContravention(t *testing.T, employeeID, typeID, approverEmail string) ContraventionDTO {
	t.Helper()
	return mustDo[ContraventionDTO](t, s, http.MethodPost, "/api/contraventions", CreateContraventionRequest{
		EmployeeID:    employeeID,
		TypeID:        typeID,
		IncidentDate:  "2025-05-30",
		ApproverEmail: approverEmail,
		Description:   "Purchase order raised after the invoice",
	}, managerActor, http.StatusCreated)
}

func (s *testServer) pointsOf(t *testing.T, employeeID string) PointsDTO {
	t.Helper()
	return mustDo[PointsDTO](t, s, http.MethodGet, "/api/employees/"+employeeID+"/points", nil, managerActor, http.StatusOK)
}
