package services

import (
	"context"
	"time"

	"github.com/devsoko/escrow-engine/internal/models"
	"github.com/devsoko/escrow-engine/internal/repositories"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TxBeginner is satisfied by *pgxpool.Pool. Every multi-row state change
// runs inside a transaction obtained here.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Actor is the authenticated caller of a service operation.
type Actor struct {
	ID   uuid.UUID
	Role string
}

func (a Actor) ActorType() string {
	if a.Role == "admin" {
		return models.ActorTypeAdmin
	}
	return models.ActorTypeUser
}

func (a Actor) IsAdmin() bool { return a.Role == "admin" }

type ContractStore interface {
	Create(ctx context.Context, tx pgx.Tx, c *models.Contract) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Contract, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Contract, error)
	List(ctx context.Context, f repositories.ContractFilter) ([]models.Contract, error)
	UpdateStatusGuarded(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to string) error
	SetDeveloper(ctx context.Context, tx pgx.Tx, id, developerID uuid.UUID) error
	SetStartDate(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	SetPause(ctx context.Context, tx pgx.Tx, id uuid.UUID, pausedFrom string, reason *string) error
	ClearPause(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	UpdateTotalAmount(ctx context.Context, tx pgx.Tx, id uuid.UUID, total int64) error
	MarkCancelled(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
}

type MilestoneStore interface {
	Insert(ctx context.Context, tx pgx.Tx, m *models.Milestone) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Milestone, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Milestone, error)
	ListByContract(ctx context.Context, contractID uuid.UUID) ([]*models.Milestone, error)
	ListByContractForUpdate(ctx context.Context, tx pgx.Tx, contractID uuid.UUID) ([]*models.Milestone, error)
	UpdateStatusGuarded(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to string) error
	MarkReleasedGuarded(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	UpdateAmount(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64) error
	UpdateDueAt(ctx context.Context, tx pgx.Tx, id uuid.UUID, dueAt time.Time) error
	UpdateScope(ctx context.Context, tx pgx.Tx, id uuid.UUID, title, criteria *string) error
	UpdateOrderIndex(ctx context.Context, tx pgx.Tx, id uuid.UUID, idx int) error
	DeleteUnstarted(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	CreateSubmission(ctx context.Context, tx pgx.Tx, s *models.ProgressSubmission) error
	ListSubmissions(ctx context.Context, milestoneID uuid.UUID) ([]models.ProgressSubmission, error)
	GetLatestSubmission(ctx context.Context, milestoneID uuid.UUID) (*models.ProgressSubmission, error)
	CreateReview(ctx context.Context, tx pgx.Tx, rv *models.MilestoneReview) error
	ListReviews(ctx context.Context, milestoneID uuid.UUID) ([]models.MilestoneReview, error)
	ListOverdue(ctx context.Context, now time.Time) ([]*models.Milestone, error)
	MarkOverdueNotified(ctx context.Context, id uuid.UUID) error
	ListAwaitingReview(ctx context.Context, olderThan time.Duration) ([]*models.Milestone, error)
}

type EscrowStore interface {
	CreateAccount(ctx context.Context, tx pgx.Tx, a *models.EscrowAccount) error
	GetAccountByContract(ctx context.Context, contractID uuid.UUID) (*models.EscrowAccount, error)
	GetAccountForUpdate(ctx context.Context, tx pgx.Tx, contractID uuid.UUID) (*models.EscrowAccount, error)
	UpdateAccountStatusGuarded(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to string) error
	AddFunded(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64) error
	AddReleased(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64) error
	AddRefunded(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64) error
	InsertTransaction(ctx context.Context, tx pgx.Tx, t *models.EscrowTransaction) error
	SettleTransactionGuarded(ctx context.Context, tx pgx.Tx, id uuid.UUID, toStatus string) error
	SetTransactionProviderRef(ctx context.Context, id uuid.UUID, ref string) error
	ClearTransactionProviderRef(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	GetTransaction(ctx context.Context, id uuid.UUID) (*models.EscrowTransaction, error)
	GetTransactionForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.EscrowTransaction, error)
	GetTransactionByProviderRef(ctx context.Context, contractID uuid.UUID, ref string) (*models.EscrowTransaction, error)
	ListTransactions(ctx context.Context, contractID uuid.UUID) ([]models.EscrowTransaction, error)
	ListUndispatched(ctx context.Context, limit int) ([]models.EscrowTransaction, error)
	SumSuccessful(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, txType string) (int64, error)
	SumNonFailed(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, txType string) (int64, error)
}

type ChangeRequestStore interface {
	Create(ctx context.Context, tx pgx.Tx, cr *models.ChangeRequest) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ChangeRequest, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.ChangeRequest, error)
	ResolveGuarded(ctx context.Context, tx pgx.Tx, id uuid.UUID, toStatus string, resolvedBy uuid.UUID) error
	CountPendingForMilestone(ctx context.Context, milestoneID uuid.UUID) (int, error)
	ListByContract(ctx context.Context, contractID uuid.UUID, status *string) ([]models.ChangeRequest, error)
}

type DisputeStore interface {
	Create(ctx context.Context, tx pgx.Tx, d *models.Dispute) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Dispute, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Dispute, error)
	ResolveGuarded(ctx context.Context, tx pgx.Tx, id uuid.UUID, toStatus string,
		disposition *string, releaseAmount, refundAmount int64, note *string, resolvedBy uuid.UUID) error
	CountOpen(ctx context.Context, tx pgx.Tx, contractID uuid.UUID) (int, error)
	ListByContract(ctx context.Context, contractID uuid.UUID) ([]models.Dispute, error)
}

type ActivityStore interface {
	Record(ctx context.Context, tx pgx.Tx, e *models.ActivityEntry) error
	ListByContract(ctx context.Context, contractID uuid.UUID, limit, offset int) ([]models.ActivityEntry, error)
}
