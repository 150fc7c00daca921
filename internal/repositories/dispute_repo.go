package repositories

import (
	"context"
	"errors"

	"github.com/devsoko/escrow-engine/internal/apperr"
	"github.com/devsoko/escrow-engine/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const disputeColumns = `
	id, contract_id, milestone_id, raised_by, reason, description, status,
	disposition, release_amount, refund_amount, resolution_note, resolved_by, resolved_at, created_at
`

type DisputeRepo struct {
	pool *pgxpool.Pool
}

func NewDisputeRepo(pool *pgxpool.Pool) *DisputeRepo {
	return &DisputeRepo{pool: pool}
}

func scanDispute(row pgx.Row) (*models.Dispute, error) {
	var d models.Dispute
	err := row.Scan(&d.ID, &d.ContractID, &d.MilestoneID, &d.RaisedBy, &d.Reason, &d.Description, &d.Status,
		&d.Disposition, &d.ReleaseAmount, &d.RefundAmount, &d.ResolutionNote, &d.ResolvedBy, &d.ResolvedAt, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("dispute")
		}
		return nil, err
	}
	return &d, nil
}

func (r *DisputeRepo) Create(ctx context.Context, tx pgx.Tx, d *models.Dispute) error {
	return tx.QueryRow(ctx, `
		INSERT INTO disputes (contract_id, milestone_id, raised_by, reason, description, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, d.ContractID, d.MilestoneID, d.RaisedBy, d.Reason, d.Description, d.Status).Scan(&d.ID, &d.CreatedAt)
}

func (r *DisputeRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Dispute, error) {
	return scanDispute(r.pool.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
}

func (r *DisputeRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Dispute, error) {
	return scanDispute(tx.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, id))
}

// ResolveGuarded closes an open dispute with its disposition. The guard
// makes concurrent resolutions lose cleanly.
func (r *DisputeRepo) ResolveGuarded(ctx context.Context, tx pgx.Tx, id uuid.UUID, toStatus string,
	disposition *string, releaseAmount, refundAmount int64, note *string, resolvedBy uuid.UUID) error {
	tag, err := tx.Exec(ctx, `
		UPDATE disputes SET status = $1, disposition = $2, release_amount = $3, refund_amount = $4,
		                    resolution_note = $5, resolved_by = $6, resolved_at = now()
		WHERE id = $7 AND status = $8
	`, toStatus, disposition, releaseAmount, refundAmount, note, resolvedBy, id, models.DisputeStatusOpen)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.CodeConflict, "dispute %s is no longer open", id)
	}
	return nil
}

// CountOpen is checked inside the opening transaction so two simultaneous
// opens on one contract cannot both pass.
func (r *DisputeRepo) CountOpen(ctx context.Context, tx pgx.Tx, contractID uuid.UUID) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM disputes WHERE contract_id = $1 AND status = $2
	`, contractID, models.DisputeStatusOpen).Scan(&n)
	return n, err
}

func (r *DisputeRepo) ListByContract(ctx context.Context, contractID uuid.UUID) ([]models.Dispute, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+disputeColumns+` FROM disputes WHERE contract_id = $1 ORDER BY created_at DESC
	`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var disputes []models.Dispute
	for rows.Next() {
		var d models.Dispute
		if err := rows.Scan(&d.ID, &d.ContractID, &d.MilestoneID, &d.RaisedBy, &d.Reason, &d.Description,
			&d.Status, &d.Disposition, &d.ReleaseAmount, &d.RefundAmount, &d.ResolutionNote,
			&d.ResolvedBy, &d.ResolvedAt, &d.CreatedAt); err != nil {
			return nil, err
		}
		disputes = append(disputes, d)
	}
	return disputes, rows.Err()
}
