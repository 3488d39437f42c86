/*
Package points owns the per-employee penalty point ledger and everything
derived from it: escalation levels, escalation records, mandatory training,
fiscal-year resets and reconciliation.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: one row per employee holding the running total and level
  - Entry: an append-only history record (tagged union over Kind)
  - Escalation: a consequence record created when the level changes
  - TrainingRecord / Course: mandatory training assignment and credit
  - Event: what gets handed to the notification collaborator

DESIGN PRINCIPLES:
  1. The total always equals the sum of entry deltas since the last reset.
     Deltas are recorded as actually applied (after flooring at zero).
  2. Entries are validated per kind before they are persisted.
  3. LEVEL_3 stickiness is an explicit flag on the Account, never inferred
     from history order.

SEE ALSO:
  - policy.go: level thresholds and actions
  - ledger.go: the only code that mutates Account rows
  - store.go: persistence contract
*/
package points

import (
	"time"
)

// =============================================================================
// IDENTIFIERS & LEVELS
// =============================================================================

type EmployeeID string

// Level is a discrete escalation tier. The empty Level means "no level".
type Level string

const (
	LevelNone Level = ""
	Level1    Level = "LEVEL_1" // Verbal Advisory
	Level2    Level = "LEVEL_2" // Mandatory Training
	Level3    Level = "LEVEL_3" // Performance Impact
)

func (l Level) IsNone() bool { return l == LevelNone }

// =============================================================================
// EMPLOYEE & ACCOUNT
// =============================================================================

type Employee struct {
	ID        EmployeeID
	Name      string
	Email     string
	Active    bool
	CreatedAt time.Time
}

// Account is the ledger row for one employee.
type Account struct {
	EmployeeID  EmployeeID
	TotalPoints int
	Level       Level

	// PerformanceImpact holds LEVEL_3 once a performance-impact condition
	// was met. Point-based recomputation never clears it; only a fiscal
	// reset does.
	PerformanceImpact bool

	// LastResetLabel is the fiscal year label of the most recent reset
	// applied to this account.
	LastResetLabel string

	UpdatedAt time.Time
}

// =============================================================================
// LEDGER ENTRIES - Tagged union over Kind
// =============================================================================

type EntryKind string

const (
	EntryAdd        EntryKind = "add"        // contravention logged
	EntryCredit     EntryKind = "credit"     // training completion credit
	EntryDecay      EntryKind = "decay"      // legacy dormancy erosion
	EntryReset      EntryKind = "reset"      // fiscal year zeroing
	EntryReversal   EntryKind = "reversal"   // contravention deleted or voided
	EntryAdjustment EntryKind = "adjustment" // reconciliation correction
)

// Entry is one append-only history record.
type Entry struct {
	ID               string
	EmployeeID       EmployeeID
	Kind             EntryKind
	Delta            int
	BalanceAfter     int
	ContraventionRef string // add, reversal
	TrainingID       string // credit
	FiscalLabel      string // reset
	Reason           string
	CreatedAt        time.Time
}

// Validate checks the per-kind shape of an entry.
func (e Entry) Validate() error {
	if e.EmployeeID == "" {
		return Invalid("employee_id", "required")
	}
	if e.BalanceAfter < 0 {
		return Invalid("balance_after", "must not be negative")
	}
	switch e.Kind {
	case EntryAdd:
		if e.Delta < 0 {
			return Invalid("delta", "add entries cannot be negative")
		}
		if e.ContraventionRef == "" && e.Reason == "" {
			return Invalid("reason", "add entries need a contravention reference or a reason")
		}
	case EntryCredit:
		if e.Delta > 0 {
			return Invalid("delta", "credit entries cannot be positive")
		}
		if e.TrainingID == "" {
			return Invalid("training_id", "required for credit entries")
		}
	case EntryDecay:
		if e.Delta > 0 {
			return Invalid("delta", "decay entries cannot be positive")
		}
	case EntryReset:
		if e.Delta > 0 {
			return Invalid("delta", "reset entries cannot be positive")
		}
		if e.FiscalLabel == "" {
			return Invalid("fiscal_label", "required for reset entries")
		}
		if e.BalanceAfter != 0 {
			return Invalid("balance_after", "reset entries must leave a zero balance")
		}
	case EntryReversal:
		if e.Delta > 0 {
			return Invalid("delta", "reversal entries cannot be positive")
		}
		if e.ContraventionRef == "" {
			return Invalid("contravention_ref", "required for reversal entries")
		}
	case EntryAdjustment:
		if e.Delta == 0 {
			return Invalid("delta", "adjustment entries must change the total")
		}
	default:
		return Invalid("kind", "unknown entry kind "+string(e.Kind))
	}
	return nil
}

// =============================================================================
// ESCALATION
// =============================================================================

// Action is one remediation step required at a level.
type Action struct {
	Code        string `json:"code" yaml:"code"`
	Description string `json:"description" yaml:"description"`
}

const (
	ActionVerbalAdvisory        = "verbal_advisory"
	ActionPolicyAcknowledgement = "policy_acknowledgement"
	ActionMandatoryTraining     = "mandatory_training"
	ActionManagerReview         = "manager_review"
	ActionPerformanceReviewFlag = "performance_review_flag"
	ActionHRNotification        = "hr_notification"
)

// Escalation records a level crossing. Actions are copied from the policy
// at trigger time.
type Escalation struct {
	ID               string
	EmployeeID       EmployeeID
	Level            Level
	TriggerPoints    int
	Actions          []Action
	CompletedActions []string
	DueDate          time.Time
	CompletedAt      *time.Time
	Archived         bool
	ArchivedReason   string
	CreatedAt        time.Time
}

// Open reports whether the escalation is still active.
func (e Escalation) Open() bool { return e.CompletedAt == nil && !e.Archived }

// HasAction reports whether code is one of the required actions.
func (e Escalation) HasAction(code string) bool {
	for _, a := range e.Actions {
		if a.Code == code {
			return true
		}
	}
	return false
}

// ActionDone reports whether code was already completed.
func (e Escalation) ActionDone(code string) bool {
	for _, c := range e.CompletedActions {
		if c == code {
			return true
		}
	}
	return false
}

// AllActionsDone reports whether every required action is completed.
func (e Escalation) AllActionsDone() bool {
	for _, a := range e.Actions {
		if !e.ActionDone(a.Code) {
			return false
		}
	}
	return true
}

type EscalationFilter struct {
	EmployeeID *EmployeeID
	OpenOnly   bool
}

// =============================================================================
// TRAINING
// =============================================================================

type Course struct {
	ID        string
	Name      string
	Mandatory bool
	Active    bool
	CreatedAt time.Time
}

type TrainingStatus string

const (
	TrainingAssigned   TrainingStatus = "ASSIGNED"
	TrainingInProgress TrainingStatus = "IN_PROGRESS"
	TrainingCompleted  TrainingStatus = "COMPLETED"
	TrainingOverdue    TrainingStatus = "OVERDUE"
	TrainingWaived     TrainingStatus = "WAIVED"
)

type TrainingRecord struct {
	ID          string
	EmployeeID  EmployeeID
	CourseID    string
	Status      TrainingStatus
	AssignedAt  time.Time
	DueDate     time.Time
	CompletedAt *time.Time

	// Credited guarantees the completion credit is applied at most once.
	Credited   bool
	CreditedAt *time.Time

	UpdatedAt time.Time
}

type TrainingFilter struct {
	EmployeeID *EmployeeID
	Statuses   []TrainingStatus
	DueBefore  *time.Time
}

// =============================================================================
// RESET RUNS - Audit of fiscal-year resets
// =============================================================================

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

type ResetRun struct {
	ID                 string
	FiscalLabel        string
	Status             RunStatus
	EmployeesProcessed int
	PointsRemoved      int
	ErrorCount         int
	StartedAt          time.Time
	CompletedAt        *time.Time
}

// =============================================================================
// NOTIFICATION EVENTS
// =============================================================================

type EventType string

const (
	EventContraventionLogged   EventType = "contravention_logged"
	EventEscalationTriggered   EventType = "escalation_triggered"
	EventTrainingAssigned      EventType = "training_assigned"
	EventTrainingOverdue       EventType = "training_overdue"
	EventApprovalRequested     EventType = "approval_requested"
	EventContraventionRejected EventType = "contravention_rejected"
)

// Event is handed to the notification collaborator after a mutation commits.
type Event struct {
	Type       EventType
	EmployeeID EmployeeID
	Payload    map[string]any
	OccurredAt time.Time
}
