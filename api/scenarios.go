/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
	Provides pre-built scenarios that populate the database with realistic
	data for demos. Each scenario creates employees and contraventions that
	land the employee at a specific escalation stage.

AVAILABLE SCENARIOS:

	first-offense:       One 1-point contravention awaiting approval (LEVEL_1)
	training-cycle:      Two contraventions totalling 3 points, mandatory
	                     training assigned (LEVEL_2)
	performance-impact:  One 5-point contravention, sticky LEVEL_3

HOW SCENARIOS WORK:
 1. Ensure the mandatory course and the demo contravention types exist
 2. Create the employee
 3. Log contraventions through the workflow, exactly as a manager would

USAGE VIA API:

	POST /api/admin/scenarios/load
	{"scenario_id": "training-cycle"}

NOTE:
	Scenarios add data and never reset. Loading one twice logs its
	contraventions twice. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: admin routes
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/warp/contravention-engine/contravention"
	"github.com/warp/contravention-engine/points"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ScenarioDTO
	load func(h *Handler, ctx context.Context) error
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "first-offense",
			Name:        "First Offense",
			Description: "One minor contravention with a designated approver",
		},
		load: (*Handler).loadFirstOffenseScenario,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "training-cycle",
			Name:        "Training Cycle",
			Description: "Repeat offender reaches 3 points and is assigned mandatory training",
		},
		load: (*Handler).loadTrainingCycleScenario,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "performance-impact",
			Name:        "Performance Impact",
			Description: "A single serious contravention escalates straight to LEVEL_3",
		},
		load: (*Handler).loadPerformanceImpactScenario,
	},
}

var scenarioActor = contravention.Actor{ID: "scenario-loader", Email: "scenarios@example.com", Admin: true}

// =============================================================================
// HANDLERS
// =============================================================================

func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	out := make([]ScenarioDTO, 0, len(scenarios))
	for _, s := range scenarios {
		out = append(out, s.ScenarioDTO)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}
	for _, s := range scenarios {
		if s.ID != req.ScenarioID {
			continue
		}
		if err := s.load(h, r.Context()); err != nil {
			h.writeDomainError(w, "Failed to load scenario", err)
			return
		}
		h.log.Info().Str("scenario", s.ID).Msg("scenario loaded")
		writeJSON(w, http.StatusOK, map[string]string{
			"status":   "loaded",
			"scenario": s.ID,
		})
		return
	}
	writeError(w, http.StatusNotFound, "Unknown scenario: "+req.ScenarioID, nil)
}

// =============================================================================
// LOADERS
// =============================================================================

func (h *Handler) loadFirstOffenseScenario(ctx context.Context) error {
	emp, err := h.ensureEmployee(ctx, "emp-alice", "Alice Chen", "alice.chen@example.com")
	if err != nil {
		return err
	}
	typ, err := h.ensureType(ctx, "Missing quotation", contravention.SeverityLow, 1)
	if err != nil {
		return err
	}
	_, err = h.logScenarioContravention(ctx, emp, typ, nil, "director.procurement@example.com",
		"Purchase of office chairs without the required three quotations")
	return err
}

func (h *Handler) loadTrainingCycleScenario(ctx context.Context) error {
	if err := h.ensureMandatoryCourse(ctx); err != nil {
		return err
	}
	emp, err := h.ensureEmployee(ctx, "emp-bob", "Bob Martins", "bob.martins@example.com")
	if err != nil {
		return err
	}
	minor, err := h.ensureType(ctx, "Missing quotation", contravention.SeverityLow, 1)
	if err != nil {
		return err
	}
	split, err := h.ensureType(ctx, "Split purchase order", contravention.SeverityMedium, 2)
	if err != nil {
		return err
	}
	if _, err := h.logScenarioContravention(ctx, emp, minor, nil, "",
		"Catering ordered with a single quotation"); err != nil {
		return err
	}
	_, err = h.logScenarioContravention(ctx, emp, split, nil, "",
		"Laptop order split in two to stay under the approval limit")
	return err
}

func (h *Handler) loadPerformanceImpactScenario(ctx context.Context) error {
	emp, err := h.ensureEmployee(ctx, "emp-carol", "Carol Osei", "carol.osei@example.com")
	if err != nil {
		return err
	}
	typ, err := h.ensureType(ctx, "Unauthorised commitment", contravention.SeverityHigh, 3)
	if err != nil {
		return err
	}
	pts := 5
	_, err = h.logScenarioContravention(ctx, emp, typ, &pts, "",
		"Signed a supplier contract without delegated authority")
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) ensureEmployee(ctx context.Context, id, name, email string) (points.EmployeeID, error) {
	emp, err := h.Engine.Ledger.SaveEmployee(ctx, points.Employee{
		ID:     points.EmployeeID(id),
		Name:   name,
		Email:  email,
		Active: true,
	})
	if err != nil {
		return "", fmt.Errorf("create employee %s: %w", id, err)
	}
	return emp.ID, nil
}

// ensureType reuses an existing type with the same name.
func (h *Handler) ensureType(ctx context.Context, name string, severity contravention.Severity, pts int) (string, error) {
	types, err := h.Workflow.ListTypes(ctx)
	if err != nil {
		return "", err
	}
	for _, t := range types {
		if t.Name == name {
			return t.ID, nil
		}
	}
	t, err := h.Workflow.CreateType(ctx, contravention.Type{
		Category:        "Procurement",
		Name:            name,
		DefaultSeverity: severity,
		DefaultPoints:   pts,
		Active:          true,
	}, scenarioActor)
	if err != nil {
		return "", fmt.Errorf("create type %q: %w", name, err)
	}
	return t.ID, nil
}

func (h *Handler) ensureMandatoryCourse(ctx context.Context) error {
	_, err := h.Engine.Trainer.SaveCourse(ctx, points.Course{
		ID:        "course-procurement-essentials",
		Name:      "Procurement Policy Essentials",
		Mandatory: true,
		Active:    true,
	})
	return err
}

func (h *Handler) logScenarioContravention(ctx context.Context, emp points.EmployeeID, typeID string, pts *int, approver, description string) (*contravention.Contravention, error) {
	return h.Workflow.Create(ctx, contravention.CreateInput{
		EmployeeID:    emp,
		TypeID:        typeID,
		Points:        pts,
		IncidentDate:  h.Engine.Now().AddDate(0, 0, -3),
		ApproverEmail: approver,
		Description:   description,
	}, scenarioActor)
}
