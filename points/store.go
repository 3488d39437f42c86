/*
store.go - Persistence contract for the points engine

PURPOSE:
  Defines the interface between the ledger logic and the database. All
  ledger mutations happen inside TxStore.WithTx so the read-modify-write of
  an employee's total is one atomic unit at the storage layer. No process
  mutex is assumed: multiple stateless instances may share the database.

KEY INTERFACES:
  Repo:     Row-level operations, bound to one transaction
  TxStore:  Runs a function inside a storage transaction
  Notifier: The notification collaborator (implemented in notify/)

NOT FOUND CONVENTION:
  Get* methods return (nil, nil) when the row does not exist, like the
  rest of the store layer. Callers turn that into a NotFoundError.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go

SEE ALSO:
  - contravention/store.go: extends Repo with contravention rows
*/
package points

import (
	"context"
	"time"
)

// =============================================================================
// REPO - Operations available inside a transaction
// =============================================================================

type Repo interface {
	// Employees
	SaveEmployee(ctx context.Context, e Employee) error
	GetEmployee(ctx context.Context, id EmployeeID) (*Employee, error)
	ListEmployees(ctx context.Context) ([]Employee, error)
	ListActiveEmployees(ctx context.Context) ([]Employee, error)

	// Accounts and history
	GetAccount(ctx context.Context, id EmployeeID) (*Account, error)
	SaveAccount(ctx context.Context, a Account) error
	ListAccounts(ctx context.Context) ([]Account, error)
	AppendEntry(ctx context.Context, e Entry) error
	Entries(ctx context.Context, id EmployeeID) ([]Entry, error)
	LastEntryOfKind(ctx context.Context, id EmployeeID, kind EntryKind) (*Entry, error)

	// LastResetSeq is the ledger sequence number of the employee's newest
	// reset entry, or 0 when the ledger was never reset.
	LastResetSeq(ctx context.Context, id EmployeeID) (int64, error)
	// AddEntrySeq is the sequence number of the add entry recorded for a
	// contravention reference, or 0 when there is none.
	AddEntrySeq(ctx context.Context, id EmployeeID, contraventionRef string) (int64, error)

	// ContraventionPoints sums the point values of the employee's
	// contraventions whose status is not in excludeStatuses, skipping those
	// whose add entry is at or before afterSeq. A zero afterSeq counts every
	// contravention.
	ContraventionPoints(ctx context.Context, id EmployeeID, excludeStatuses []string, afterSeq int64) (int, error)

	// Escalations
	InsertEscalation(ctx context.Context, e Escalation) error
	UpdateEscalation(ctx context.Context, e Escalation) error
	GetEscalation(ctx context.Context, id string) (*Escalation, error)
	OpenEscalation(ctx context.Context, id EmployeeID, level Level) (*Escalation, error)
	ListEscalations(ctx context.Context, f EscalationFilter) ([]Escalation, error)

	// Courses and training
	SaveCourse(ctx context.Context, c Course) error
	ListCourses(ctx context.Context) ([]Course, error)
	MandatoryCourse(ctx context.Context) (*Course, error)
	InsertTraining(ctx context.Context, t TrainingRecord) error
	UpdateTraining(ctx context.Context, t TrainingRecord) error
	GetTraining(ctx context.Context, id string) (*TrainingRecord, error)
	TrainingFor(ctx context.Context, id EmployeeID, courseID string) (*TrainingRecord, error)
	ListTraining(ctx context.Context, f TrainingFilter) ([]TrainingRecord, error)
	HasCompletedTraining(ctx context.Context, id EmployeeID) (bool, error)

	// Reset audit
	GetResetRun(ctx context.Context, fiscalLabel string) (*ResetRun, error)
	SaveResetRun(ctx context.Context, r ResetRun) error
	ListResetRuns(ctx context.Context) ([]ResetRun, error)
}

// TxStore executes fn within a storage transaction.
// If fn returns an error the transaction is rolled back.
type TxStore interface {
	WithTx(ctx context.Context, fn func(Repo) error) error
}

// =============================================================================
// NOTIFIER - Fire-and-forget delivery
// =============================================================================

// Notifier delivers events. Implementations must not return delivery
// failures to the caller; they log them instead.
type Notifier interface {
	Notify(ctx context.Context, events ...Event)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, ...Event) {}

// Clock returns the current time. Tests inject a fixed clock.
type Clock func() time.Time

func utcNow() time.Time { return time.Now().UTC() }
