package points

import (
	"context"
	"net/mail"
	"strings"

	"github.com/google/uuid"
)

// SaveEmployee registers or updates an employee. The ledger account is
// created lazily on the first points event.
func (l *Ledger) SaveEmployee(ctx context.Context, e Employee) (*Employee, error) {
	e.Name = strings.TrimSpace(e.Name)
	e.Email = strings.ToLower(strings.TrimSpace(e.Email))
	if e.Name == "" {
		return nil, Invalid("name", "required")
	}
	if _, err := mail.ParseAddress(e.Email); err != nil {
		return nil, Invalid("email", "not a valid email address")
	}
	if e.ID == "" {
		e.ID = EmployeeID(uuid.NewString())
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.clock()
	}
	if err := l.store.WithTx(ctx, func(repo Repo) error {
		return repo.SaveEmployee(ctx, e)
	}); err != nil {
		return nil, err
	}
	return &e, nil
}

func (l *Ledger) Employee(ctx context.Context, id EmployeeID) (*Employee, error) {
	var emp *Employee
	err := l.store.WithTx(ctx, func(repo Repo) error {
		var err error
		emp, err = requireEmployee(ctx, repo, id)
		return err
	})
	return emp, err
}

func (l *Ledger) Employees(ctx context.Context) ([]Employee, error) {
	var out []Employee
	err := l.store.WithTx(ctx, func(repo Repo) error {
		var err error
		out, err = repo.ListEmployees(ctx)
		return err
	})
	return out, err
}
