/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario lands its employee at the expected stage:
	- Employees are created
	- Contraventions are logged through the workflow
	- Points, levels and training match the scenario description
*/
package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadScenario(t *testing.T, s *testServer, id string) {
	t.Helper()
	mustDo[map[string]string](t, s, http.MethodPost, "/api/admin/scenarios/load",
		LoadScenarioRequest{ScenarioID: id}, adminActor, http.StatusOK)
}

func TestScenarios_List(t *testing.T) {
	s := setupTestServer(t)
	list := mustDo[[]ScenarioDTO](t, s, http.MethodGet, "/api/admin/scenarios", nil, adminActor, http.StatusOK)
	require.Len(t, list, len(scenarios))
	assert.Equal(t, "first-offense", list[0].ID)
}

func TestScenario_FirstOffense(t *testing.T) {
	s := setupTestServer(t)
	loadScenario(t, s, "first-offense")

	pts := s.pointsOf(t, "emp-alice")
	assert.Equal(t, 1, pts.TotalPoints)
	assert.Equal(t, "LEVEL_1", pts.Level)

	list := mustDo[[]ContraventionDTO](t, s, http.MethodGet, "/api/contraventions?employee_id=emp-alice", nil, adminActor, http.StatusOK)
	require.Len(t, list, 1)
	assert.Equal(t, "PENDING_APPROVAL", list[0].Status)
}

func TestScenario_TrainingCycle(t *testing.T) {
	s := setupTestServer(t)
	loadScenario(t, s, "training-cycle")

	pts := s.pointsOf(t, "emp-bob")
	assert.Equal(t, 3, pts.TotalPoints)
	assert.Equal(t, "LEVEL_2", pts.Level)

	training := mustDo[[]TrainingDTO](t, s, http.MethodGet, "/api/employees/emp-bob/training", nil, adminActor, http.StatusOK)
	require.Len(t, training, 1)
	assert.Equal(t, "ASSIGNED", training[0].Status)
}

func TestScenario_PerformanceImpact(t *testing.T) {
	s := setupTestServer(t)
	loadScenario(t, s, "performance-impact")

	pts := s.pointsOf(t, "emp-carol")
	assert.Equal(t, 5, pts.TotalPoints)
	assert.Equal(t, "LEVEL_3", pts.Level)
	assert.True(t, pts.PerformanceImpact)
}

func TestScenario_ReusesTypes(t *testing.T) {
	// GIVEN: Two scenarios sharing the "Missing quotation" type
	s := setupTestServer(t)
	loadScenario(t, s, "first-offense")
	loadScenario(t, s, "training-cycle")

	// THEN: The type exists once
	types := mustDo[[]TypeDTO](t, s, http.MethodGet, "/api/contravention-types", nil, adminActor, http.StatusOK)
	assert.Len(t, types, 2)
}

func TestScenario_Unknown(t *testing.T) {
	s := setupTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/admin/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"}, adminActor)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
