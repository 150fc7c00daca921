package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/devsoko/escrow-engine/internal/apperr"
	"github.com/devsoko/escrow-engine/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const changeRequestColumns = `
	id, contract_id, milestone_id, proposed_by, kind, status, changes, note,
	resolved_by, resolved_at, created_at
`

type ChangeRequestRepo struct {
	pool *pgxpool.Pool
}

func NewChangeRequestRepo(pool *pgxpool.Pool) *ChangeRequestRepo {
	return &ChangeRequestRepo{pool: pool}
}

func scanChangeRequest(row pgx.Row) (*models.ChangeRequest, error) {
	var cr models.ChangeRequest
	var changes []byte
	err := row.Scan(&cr.ID, &cr.ContractID, &cr.MilestoneID, &cr.ProposedBy, &cr.Kind, &cr.Status, &changes,
		&cr.Note, &cr.ResolvedBy, &cr.ResolvedAt, &cr.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("change request")
		}
		return nil, err
	}
	if err := json.Unmarshal(changes, &cr.Changes); err != nil {
		return nil, fmt.Errorf("decode change set: %w", err)
	}
	return &cr, nil
}

func (r *ChangeRequestRepo) Create(ctx context.Context, tx pgx.Tx, cr *models.ChangeRequest) error {
	changes, err := json.Marshal(cr.Changes)
	if err != nil {
		return err
	}
	return tx.QueryRow(ctx, `
		INSERT INTO change_requests (contract_id, milestone_id, proposed_by, kind, status, changes, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, cr.ContractID, cr.MilestoneID, cr.ProposedBy, cr.Kind, cr.Status, changes, cr.Note,
	).Scan(&cr.ID, &cr.CreatedAt)
}

func (r *ChangeRequestRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.ChangeRequest, error) {
	return scanChangeRequest(r.pool.QueryRow(ctx,
		`SELECT `+changeRequestColumns+` FROM change_requests WHERE id = $1`, id))
}

func (r *ChangeRequestRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.ChangeRequest, error) {
	return scanChangeRequest(tx.QueryRow(ctx,
		`SELECT `+changeRequestColumns+` FROM change_requests WHERE id = $1 FOR UPDATE`, id))
}

// ResolveGuarded closes a pending request. Two parties resolving the same
// request concurrently leaves exactly one winner.
func (r *ChangeRequestRepo) ResolveGuarded(ctx context.Context, tx pgx.Tx, id uuid.UUID, toStatus string, resolvedBy uuid.UUID) error {
	tag, err := tx.Exec(ctx, `
		UPDATE change_requests SET status = $1, resolved_by = $2, resolved_at = now()
		WHERE id = $3 AND status = $4
	`, toStatus, resolvedBy, id, models.ChangeRequestPending)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.CodeConflict, "change request %s is no longer pending", id)
	}
	return nil
}

// CountPendingForMilestone guards against stacking competing proposals on
// the same milestone.
func (r *ChangeRequestRepo) CountPendingForMilestone(ctx context.Context, milestoneID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM change_requests WHERE milestone_id = $1 AND status = $2
	`, milestoneID, models.ChangeRequestPending).Scan(&n)
	return n, err
}

func (r *ChangeRequestRepo) ListByContract(ctx context.Context, contractID uuid.UUID, status *string) ([]models.ChangeRequest, error) {
	query := `SELECT ` + changeRequestColumns + ` FROM change_requests WHERE contract_id = $1`
	args := []any{contractID}
	if status != nil {
		query += ` AND status = $2`
		args = append(args, *status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var crs []models.ChangeRequest
	for rows.Next() {
		var cr models.ChangeRequest
		var changes []byte
		if err := rows.Scan(&cr.ID, &cr.ContractID, &cr.MilestoneID, &cr.ProposedBy, &cr.Kind, &cr.Status,
			&changes, &cr.Note, &cr.ResolvedBy, &cr.ResolvedAt, &cr.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(changes, &cr.Changes); err != nil {
			return nil, fmt.Errorf("decode change set: %w", err)
		}
		crs = append(crs, cr)
	}
	return crs, rows.Err()
}
