/*
policy.go - Escalation policy: points to levels, levels to actions

PURPOSE:
  Pure, stateless mapping from a point total (plus a few auxiliary facts)
  to a discrete escalation level, and from a level to the actions and
  remediation window it requires. Every number here is configuration;
  factory/policy.go loads alternative matrices from YAML or JSON.

DEFAULT MATRIX:
  points 0      -> no level
  points 1..2   -> LEVEL_1 "Verbal Advisory"     (7 days)
  points >= 3   -> LEVEL_2 "Mandatory Training"  (30 days)
  override      -> LEVEL_3 "Performance Impact"  (1 day)

PERFORMANCE IMPACT:
  A single contravention carrying more than PerformanceImpactSinglePoints,
  or any offense by an employee who has ever completed training, promotes
  the case to LEVEL_3 regardless of the point-based level. Once reached,
  LEVEL_3 is held by Account.PerformanceImpact.

SEE ALSO:
  - ledger.go: calls Evaluate on every mutation
  - escalation.go: copies Spec(level).Actions into Escalation rows
*/
package points

import (
	"fmt"
	"sort"
	"time"
)

// =============================================================================
// POLICY
// =============================================================================

// Threshold maps the lowest point total at which a level applies.
type Threshold struct {
	Level     Level `json:"level" yaml:"level"`
	MinPoints int   `json:"min_points" yaml:"min_points"`
}

// LevelSpec describes what a level requires.
type LevelSpec struct {
	Name            string   `json:"name" yaml:"name"`
	Actions         []Action `json:"actions" yaml:"actions"`
	RemediationDays int      `json:"remediation_days" yaml:"remediation_days"`
}

// DecayPolicy is the legacy dormancy-based erosion. Disabled by default.
type DecayPolicy struct {
	Enabled      bool `json:"enabled" yaml:"enabled"`
	DormancyDays int  `json:"dormancy_days" yaml:"dormancy_days"`
	Points       int  `json:"points" yaml:"points"`
}

type Policy struct {
	// Thresholds are point-based levels, ascending by MinPoints.
	Thresholds []Threshold `json:"thresholds" yaml:"thresholds"`

	Levels map[Level]LevelSpec `json:"levels" yaml:"levels"`

	// A single contravention strictly above this promotes to LEVEL_3.
	PerformanceImpactSinglePoints int `json:"performance_impact_single_points" yaml:"performance_impact_single_points"`

	TrainingCredit    int `json:"training_credit" yaml:"training_credit"`
	TrainingThreshold int `json:"training_threshold" yaml:"training_threshold"`
	TrainingDueDays   int `json:"training_due_days" yaml:"training_due_days"`

	Decay DecayPolicy `json:"decay" yaml:"decay"`
}

// DefaultPolicy returns the authoritative 3-level matrix.
func DefaultPolicy() *Policy {
	return &Policy{
		Thresholds: []Threshold{
			{Level: Level1, MinPoints: 1},
			{Level: Level2, MinPoints: 3},
		},
		Levels: map[Level]LevelSpec{
			Level1: {
				Name: "Verbal Advisory",
				Actions: []Action{
					{Code: ActionVerbalAdvisory, Description: "Verbal advisory from line manager"},
					{Code: ActionPolicyAcknowledgement, Description: "Acknowledge the procurement policy"},
				},
				RemediationDays: 7,
			},
			Level2: {
				Name: "Mandatory Training",
				Actions: []Action{
					{Code: ActionMandatoryTraining, Description: "Complete mandatory procurement training"},
					{Code: ActionManagerReview, Description: "Review meeting with line manager"},
				},
				RemediationDays: 30,
			},
			Level3: {
				Name: "Performance Impact",
				Actions: []Action{
					{Code: ActionPerformanceReviewFlag, Description: "Flag in next performance review"},
					{Code: ActionHRNotification, Description: "Notify HR business partner"},
				},
				RemediationDays: 1,
			},
		},
		PerformanceImpactSinglePoints: 3,
		TrainingCredit:                1,
		TrainingThreshold:             3,
		TrainingDueDays:               30,
		Decay: DecayPolicy{
			Enabled:      false,
			DormancyDays: 180,
			Points:       1,
		},
	}
}

// Validate checks the policy is internally consistent.
func (p *Policy) Validate() error {
	if len(p.Thresholds) == 0 {
		return Invalid("thresholds", "at least one threshold is required")
	}
	for i, t := range p.Thresholds {
		if t.MinPoints < 1 {
			return Invalid("thresholds", fmt.Sprintf("%s: min_points must be >= 1", t.Level))
		}
		if i > 0 && t.MinPoints <= p.Thresholds[i-1].MinPoints {
			return Invalid("thresholds", "min_points must be strictly ascending")
		}
		if _, ok := p.Levels[t.Level]; !ok {
			return Invalid("levels", fmt.Sprintf("no spec for %s", t.Level))
		}
	}
	if _, ok := p.Levels[Level3]; !ok {
		return Invalid("levels", "no spec for LEVEL_3")
	}
	for level, spec := range p.Levels {
		if spec.RemediationDays < 0 {
			return Invalid("levels", fmt.Sprintf("%s: remediation_days must not be negative", level))
		}
	}
	if p.TrainingCredit < 0 {
		return Invalid("training_credit", "must not be negative")
	}
	if p.TrainingDueDays <= 0 {
		return Invalid("training_due_days", "must be positive")
	}
	if p.Decay.Enabled && (p.Decay.DormancyDays <= 0 || p.Decay.Points <= 0) {
		return Invalid("decay", "dormancy_days and points must be positive when enabled")
	}
	return nil
}

// =============================================================================
// EVALUATION - Pure functions
// =============================================================================

// LevelFor returns the point-based level for a total, ignoring overrides.
func (p *Policy) LevelFor(total int) Level {
	level := LevelNone
	for _, t := range p.sortedThresholds() {
		if total >= t.MinPoints {
			level = t.Level
		}
	}
	return level
}

// IsPerformanceImpact reports whether a single offense promotes to LEVEL_3.
func (p *Policy) IsPerformanceImpact(singleOffensePoints int, hasCompletedTraining bool) bool {
	return singleOffensePoints > p.PerformanceImpactSinglePoints || hasCompletedTraining
}

// Evaluate combines the point level with stickiness. sticky is true when the
// account already holds, or is about to hold, performance impact.
func (p *Policy) Evaluate(total int, sticky bool) Level {
	if sticky {
		return Level3
	}
	return p.LevelFor(total)
}

// Spec returns the level's requirements. ok is false for unknown levels.
func (p *Policy) Spec(level Level) (LevelSpec, bool) {
	spec, ok := p.Levels[level]
	return spec, ok
}

// Known reports whether the policy defines the level.
func (p *Policy) Known(level Level) bool {
	_, ok := p.Levels[level]
	return ok
}

// DueDate returns the remediation deadline for a level triggered at from.
func (p *Policy) DueDate(level Level, from time.Time) time.Time {
	spec, _ := p.Spec(level)
	return from.AddDate(0, 0, spec.RemediationDays)
}

// ActionsFor returns a copy of the level's action list.
func (p *Policy) ActionsFor(level Level) []Action {
	spec, _ := p.Spec(level)
	out := make([]Action, len(spec.Actions))
	copy(out, spec.Actions)
	return out
}

func (p *Policy) sortedThresholds() []Threshold {
	ts := make([]Threshold, len(p.Thresholds))
	copy(ts, p.Thresholds)
	sort.SliceStable(ts, func(i, j int) bool { return ts[i].MinPoints < ts[j].MinPoints })
	return ts
}
