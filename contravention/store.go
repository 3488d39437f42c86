package contravention

import (
	"context"

	"github.com/warp/contravention-engine/points"
)

// Repo extends the points repository with contravention rows so a
// contravention and its ledger entry are written in one transaction.
type Repo interface {
	points.Repo

	InsertContravention(ctx context.Context, c Contravention) error
	UpdateContravention(ctx context.Context, c Contravention) error
	GetContravention(ctx context.Context, id string) (*Contravention, error)
	DeleteContravention(ctx context.Context, id string) error
	ListContraventions(ctx context.Context, f Filter) ([]Contravention, error)

	// NextReferenceSeq returns the next sequence number for year. It is
	// incremented inside the caller's transaction.
	NextReferenceSeq(ctx context.Context, year int) (int, error)

	// InsertApproval fails with points.ErrConflict when the
	// (contravention, approver) pair already exists.
	InsertApproval(ctx context.Context, a ApprovalRequest) error
	UpdateApproval(ctx context.Context, a ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*ApprovalRequest, error)
	ApprovalFor(ctx context.Context, contraventionID, approverEmail string) (*ApprovalRequest, error)
	ListApprovals(ctx context.Context, contraventionID string) ([]ApprovalRequest, error)
	PendingApprovals(ctx context.Context, approverEmail string) ([]ApprovalRequest, error)
	DeleteApprovals(ctx context.Context, contraventionID string) error

	InsertType(ctx context.Context, t Type) error
	UpdateType(ctx context.Context, t Type) error
	GetType(ctx context.Context, id string) (*Type, error)
	ListTypes(ctx context.Context) ([]Type, error)
}

// TxStore executes fn within a storage transaction.
type TxStore interface {
	WithTx(ctx context.Context, fn func(Repo) error) error
}

// PointsStore exposes s to the points engine.
func PointsStore(s TxStore) points.TxStore { return pointsStore{s} }

type pointsStore struct{ s TxStore }

func (p pointsStore) WithTx(ctx context.Context, fn func(points.Repo) error) error {
	return p.s.WithTx(ctx, func(r Repo) error { return fn(r) })
}
