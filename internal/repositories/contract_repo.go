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

const contractColumns = `
	id, client_id, developer_id, title, description, currency, total_amount,
	status, funding_mode, start_date, terms_version, paused_from, pause_reason,
	metadata, cancelled_at, created_at, updated_at
`

type ContractRepo struct {
	pool *pgxpool.Pool
}

func NewContractRepo(pool *pgxpool.Pool) *ContractRepo {
	return &ContractRepo{pool: pool}
}

func scanContract(row pgx.Row) (*models.Contract, error) {
	var c models.Contract
	var meta []byte
	err := row.Scan(&c.ID, &c.ClientID, &c.DeveloperID, &c.Title, &c.Description, &c.Currency, &c.TotalAmount,
		&c.Status, &c.FundingMode, &c.StartDate, &c.TermsVersion, &c.PausedFrom, &c.PauseReason,
		&meta, &c.CancelledAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("contract")
		}
		return nil, err
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &c.Metadata)
	}
	return &c, nil
}

func (r *ContractRepo) Create(ctx context.Context, tx pgx.Tx, c *models.Contract) error {
	metaBytes, _ := json.Marshal(c.Metadata)
	return tx.QueryRow(ctx, `
		INSERT INTO contracts (client_id, developer_id, title, description, currency, total_amount,
		                       status, funding_mode, start_date, terms_version, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at
	`, c.ClientID, c.DeveloperID, c.Title, c.Description, c.Currency, c.TotalAmount,
		c.Status, c.FundingMode, c.StartDate, c.TermsVersion, metaBytes,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
}

func (r *ContractRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Contract, error) {
	return scanContract(r.pool.QueryRow(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = $1`, id))
}

// GetForUpdate loads the contract with a row lock. Contract rows are always
// locked before escrow accounts and milestones.
func (r *ContractRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Contract, error) {
	return scanContract(tx.QueryRow(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = $1 FOR UPDATE`, id))
}

type ContractFilter struct {
	ClientID    *uuid.UUID
	DeveloperID *uuid.UUID
	Status      *string
	Limit       int
	Offset      int
}

func (r *ContractRepo) List(ctx context.Context, f ContractFilter) ([]models.Contract, error) {
	query := `SELECT ` + contractColumns + ` FROM contracts`
	args := []any{}
	argIdx := 1
	where := []string{}

	if f.ClientID != nil {
		where = append(where, fmt.Sprintf("client_id = $%d", argIdx))
		args = append(args, *f.ClientID)
		argIdx++
	}
	if f.DeveloperID != nil {
		where = append(where, fmt.Sprintf("developer_id = $%d", argIdx))
		args = append(args, *f.DeveloperID)
		argIdx++
	}
	if f.Status != nil {
		where = append(where, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, *f.Status)
		argIdx++
	}

	if len(where) > 0 {
		query += " WHERE "
		for i, w := range where {
			if i > 0 {
				query += " AND "
			}
			query += w
		}
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contracts []models.Contract
	for rows.Next() {
		var c models.Contract
		var meta []byte
		if err := rows.Scan(&c.ID, &c.ClientID, &c.DeveloperID, &c.Title, &c.Description, &c.Currency, &c.TotalAmount,
			&c.Status, &c.FundingMode, &c.StartDate, &c.TermsVersion, &c.PausedFrom, &c.PauseReason,
			&meta, &c.CancelledAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &c.Metadata)
		}
		contracts = append(contracts, c)
	}
	return contracts, nil
}

// UpdateStatusGuarded moves the contract from one exact status to another.
// A zero row count means another transaction won the race.
func (r *ContractRepo) UpdateStatusGuarded(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE contracts SET status = $1, updated_at = now() WHERE id = $2 AND status = $3
	`, to, id, from)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.CodeConflict, "contract %s is no longer %s", id, from)
	}
	return nil
}

func (r *ContractRepo) SetDeveloper(ctx context.Context, tx pgx.Tx, id, developerID uuid.UUID) error {
	_, err := tx.Exec(ctx, `UPDATE contracts SET developer_id = $1, updated_at = now() WHERE id = $2`, developerID, id)
	return err
}

func (r *ContractRepo) SetStartDate(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE contracts SET start_date = COALESCE(start_date, now()), updated_at = now() WHERE id = $1
	`, id)
	return err
}

func (r *ContractRepo) SetPause(ctx context.Context, tx pgx.Tx, id uuid.UUID, pausedFrom string, reason *string) error {
	_, err := tx.Exec(ctx, `
		UPDATE contracts SET paused_from = $1, pause_reason = $2, updated_at = now() WHERE id = $3
	`, pausedFrom, reason, id)
	return err
}

func (r *ContractRepo) ClearPause(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE contracts SET paused_from = NULL, pause_reason = NULL, updated_at = now() WHERE id = $1
	`, id)
	return err
}

func (r *ContractRepo) UpdateTotalAmount(ctx context.Context, tx pgx.Tx, id uuid.UUID, total int64) error {
	_, err := tx.Exec(ctx, `UPDATE contracts SET total_amount = $1, updated_at = now() WHERE id = $2`, total, id)
	return err
}

func (r *ContractRepo) MarkCancelled(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `UPDATE contracts SET cancelled_at = now(), updated_at = now() WHERE id = $1`, id)
	return err
}
