package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/contravention-engine/points"
)

func TestScheduler_RunNow(t *testing.T) {
	// GIVEN: Points and assigned training in June 2025
	s := setupTestServer(t)
	mustDo[CourseDTO](t, s, http.MethodPost, "/api/courses",
		CourseDTO{ID: "course-1", Name: "Procurement Essentials", Mandatory: true, Active: true}, adminActor, http.StatusCreated)
	s.createEmployee(t, "emp-1")
	typ := s.createType(t, "Split purchase order", 3)
	s.logContravention(t, "emp-1", typ.ID, "")

	sched := NewMaintenanceScheduler(s.handler.Engine, zerolog.Nop())
	ctx := context.Background()

	// WHEN: The first pass runs on a fresh database
	before := time.Now()
	res := sched.RunNow(ctx)

	// THEN: It records a baseline and changes nothing
	assert.False(t, res.FiscalReset)
	assert.Zero(t, res.Errors)
	require.NotNil(t, res.Overdue)
	assert.Zero(t, res.Overdue.Marked)
	assert.Nil(t, res.Decay, "decay is disabled by default")
	assert.Equal(t, 3, s.pointsOf(t, "emp-1").TotalPoints)
	assert.False(t, res.NextRun.Before(before.Add(sched.CheckInterval)))
	assert.WithinDuration(t, time.Now().Add(sched.CheckInterval), res.NextRun, time.Minute)

	// WHEN: A pass runs after the training due date
	s.clock.Set(time.Date(2025, time.July, 3, 0, 0, 0, 0, time.UTC))
	res = sched.RunNow(ctx)

	// THEN: The training is overdue, and only once
	assert.Equal(t, 1, res.Overdue.Marked)
	assert.Zero(t, sched.RunNow(ctx).Overdue.Marked)

	// WHEN: A pass runs in the next fiscal year
	s.clock.Set(time.Date(2026, time.April, 1, 1, 0, 0, 0, time.UTC))
	res = sched.RunNow(ctx)

	// THEN: Ledgers are reset exactly once
	assert.True(t, res.FiscalReset)
	assert.Equal(t, 0, s.pointsOf(t, "emp-1").TotalPoints)
	assert.False(t, sched.RunNow(ctx).FiscalReset)
}

func TestScheduler_RunsDecayWhenEnabled(t *testing.T) {
	policy := points.DefaultPolicy()
	policy.Decay.Enabled = true
	s := setupTestServer(t, points.WithPolicy(policy))
	s.createEmployee(t, "emp-1")
	typ := s.createType(t, "Split purchase order", 2)
	s.logContravention(t, "emp-1", typ.ID, "")

	sched := NewMaintenanceScheduler(s.handler.Engine, zerolog.Nop())
	s.clock.Set(s.clock.Now().AddDate(0, 0, 181))
	res := sched.RunNow(context.Background())

	require.NotNil(t, res.Decay)
	assert.Equal(t, 1, res.Decay.Decayed)
	assert.Equal(t, 1, s.pointsOf(t, "emp-1").TotalPoints)
}

func TestScheduler_StartStop(t *testing.T) {
	s := setupTestServer(t)
	sched := NewMaintenanceScheduler(s.handler.Engine, zerolog.Nop())
	sched.CheckInterval = 10 * time.Millisecond

	sched.Start()
	sched.Start() // already running
	time.Sleep(30 * time.Millisecond)
	sched.Stop()
	sched.Stop() // already stopped

	runs := mustDo[[]ResetRunDTO](t, s, http.MethodGet, "/api/admin/reset-runs", nil, adminActor, http.StatusOK)
	require.Len(t, runs, 1, "the immediate pass recorded the baseline")

	sched.Enabled = false
	sched.Start()
	sched.Stop()
}
