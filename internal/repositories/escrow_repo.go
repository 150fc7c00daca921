package repositories

import (
	"context"
	"errors"

	"github.com/devsoko/escrow-engine/internal/apperr"
	"github.com/devsoko/escrow-engine/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const accountColumns = `
	id, contract_id, currency, funded_total, released_total, refunded_total, status, created_at, updated_at
`

const txColumns = `
	id, account_id, contract_id, milestone_id, type, amount, source, destination,
	provider_reference, status, note, created_at, settled_at
`

type EscrowRepo struct {
	pool *pgxpool.Pool
}

func NewEscrowRepo(pool *pgxpool.Pool) *EscrowRepo {
	return &EscrowRepo{pool: pool}
}

func scanAccount(row pgx.Row) (*models.EscrowAccount, error) {
	var a models.EscrowAccount
	err := row.Scan(&a.ID, &a.ContractID, &a.Currency, &a.FundedTotal, &a.ReleasedTotal, &a.RefundedTotal,
		&a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("escrow account")
		}
		return nil, err
	}
	return &a, nil
}

func (r *EscrowRepo) CreateAccount(ctx context.Context, tx pgx.Tx, a *models.EscrowAccount) error {
	return tx.QueryRow(ctx, `
		INSERT INTO escrow_accounts (contract_id, currency, status)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at
	`, a.ContractID, a.Currency, a.Status).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
}

func (r *EscrowRepo) GetAccountByContract(ctx context.Context, contractID uuid.UUID) (*models.EscrowAccount, error) {
	return scanAccount(r.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM escrow_accounts WHERE contract_id = $1`, contractID))
}

// GetAccountForUpdate locks the account row. Accounts are always locked
// after the owning contract and before any milestone.
func (r *EscrowRepo) GetAccountForUpdate(ctx context.Context, tx pgx.Tx, contractID uuid.UUID) (*models.EscrowAccount, error) {
	return scanAccount(tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM escrow_accounts WHERE contract_id = $1 FOR UPDATE`, contractID))
}

func (r *EscrowRepo) UpdateAccountStatusGuarded(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE escrow_accounts SET status = $1, updated_at = now() WHERE id = $2 AND status = $3
	`, to, id, from)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.CodeConflict, "escrow account %s is no longer %s", id, from)
	}
	return nil
}

// AddFunded, AddReleased and AddRefunded bump the account's monotone
// totals. The released/refunded guards re-check the balance at the row
// level so the invariant holds even if a caller's arithmetic is stale.
func (r *EscrowRepo) AddFunded(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE escrow_accounts SET funded_total = funded_total + $1, updated_at = now() WHERE id = $2
	`, amount, id)
	return err
}

func (r *EscrowRepo) AddReleased(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64) error {
	tag, err := tx.Exec(ctx, `
		UPDATE escrow_accounts SET released_total = released_total + $1, updated_at = now()
		WHERE id = $2 AND funded_total - released_total - refunded_total >= $1
	`, amount, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.CodeInsufficientBalance, "escrow account %s cannot cover release of %d", id, amount)
	}
	return nil
}

func (r *EscrowRepo) AddRefunded(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64) error {
	tag, err := tx.Exec(ctx, `
		UPDATE escrow_accounts SET refunded_total = refunded_total + $1, updated_at = now()
		WHERE id = $2 AND funded_total - released_total - refunded_total >= $1
	`, amount, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.CodeInsufficientBalance, "escrow account %s cannot cover refund of %d", id, amount)
	}
	return nil
}

// InsertTransaction appends a ledger row. The partial unique index on
// (contract_id, provider_reference) turns a funding replay into a conflict.
func (r *EscrowRepo) InsertTransaction(ctx context.Context, tx pgx.Tx, t *models.EscrowTransaction) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO escrow_transactions (account_id, contract_id, milestone_id, type, amount,
		                                 source, destination, provider_reference, status, note, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at
	`, t.AccountID, t.ContractID, t.MilestoneID, t.Type, t.Amount,
		t.Source, t.Destination, t.ProviderRef, t.Status, t.Note, t.SettledAt,
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperr.New(apperr.CodeConflict, "provider reference %v already recorded", t.ProviderRef)
		}
		return err
	}
	return nil
}

// SettleTransactionGuarded moves a pending ledger row to success or failed.
// Replayed provider callbacks lose the guard and see a conflict.
func (r *EscrowRepo) SettleTransactionGuarded(ctx context.Context, tx pgx.Tx, id uuid.UUID, toStatus string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE escrow_transactions SET status = $1, settled_at = now()
		WHERE id = $2 AND status = $3
	`, toStatus, id, models.EscrowTxPending)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.CodeConflict, "escrow transaction %s already settled", id)
	}
	return nil
}

func (r *EscrowRepo) SetTransactionProviderRef(ctx context.Context, id uuid.UUID, ref string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE escrow_transactions SET provider_reference = $1 WHERE id = $2 AND provider_reference IS NULL
	`, ref, id)
	return err
}

// ClearTransactionProviderRef detaches a dispatched row from its provider
// reference so the dispatch worker picks it up again.
func (r *EscrowRepo) ClearTransactionProviderRef(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE escrow_transactions SET provider_reference = NULL WHERE id = $1
	`, id)
	return err
}

func scanTransaction(row pgx.Row) (*models.EscrowTransaction, error) {
	var t models.EscrowTransaction
	err := row.Scan(&t.ID, &t.AccountID, &t.ContractID, &t.MilestoneID, &t.Type, &t.Amount, &t.Source, &t.Destination,
		&t.ProviderRef, &t.Status, &t.Note, &t.CreatedAt, &t.SettledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("escrow transaction")
		}
		return nil, err
	}
	return &t, nil
}

func (r *EscrowRepo) GetTransaction(ctx context.Context, id uuid.UUID) (*models.EscrowTransaction, error) {
	return scanTransaction(r.pool.QueryRow(ctx,
		`SELECT `+txColumns+` FROM escrow_transactions WHERE id = $1`, id))
}

func (r *EscrowRepo) GetTransactionForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.EscrowTransaction, error) {
	return scanTransaction(tx.QueryRow(ctx,
		`SELECT `+txColumns+` FROM escrow_transactions WHERE id = $1 FOR UPDATE`, id))
}

func (r *EscrowRepo) GetTransactionByProviderRef(ctx context.Context, contractID uuid.UUID, ref string) (*models.EscrowTransaction, error) {
	return scanTransaction(r.pool.QueryRow(ctx, `
		SELECT `+txColumns+` FROM escrow_transactions
		WHERE contract_id = $1 AND provider_reference = $2
	`, contractID, ref))
}

func (r *EscrowRepo) ListTransactions(ctx context.Context, contractID uuid.UUID) ([]models.EscrowTransaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+txColumns+` FROM escrow_transactions WHERE contract_id = $1 ORDER BY created_at
	`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// ListUndispatched returns pending outbound rows (release payouts, refunds)
// that never reached the provider. The dispatch worker retries them.
func (r *EscrowRepo) ListUndispatched(ctx context.Context, limit int) ([]models.EscrowTransaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+txColumns+` FROM escrow_transactions
		WHERE status = $1 AND provider_reference IS NULL AND type IN ($2, $3)
		ORDER BY created_at
		LIMIT $4
	`, models.EscrowTxPending, models.EscrowTxRelease, models.EscrowTxRefund, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func collectTransactions(rows pgx.Rows) ([]models.EscrowTransaction, error) {
	var txs []models.EscrowTransaction
	for rows.Next() {
		var t models.EscrowTransaction
		if err := rows.Scan(&t.ID, &t.AccountID, &t.ContractID, &t.MilestoneID, &t.Type, &t.Amount,
			&t.Source, &t.Destination, &t.ProviderRef, &t.Status, &t.Note, &t.CreatedAt, &t.SettledAt); err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// SumSuccessful returns the total of successful ledger rows of one type.
// Funded totals reconcile against this: inbound money counts only once the
// provider has confirmed it.
func (r *EscrowRepo) SumSuccessful(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, txType string) (int64, error) {
	var sum int64
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM escrow_transactions
		WHERE account_id = $1 AND type = $2 AND status = $3
	`, accountID, txType, models.EscrowTxSuccess).Scan(&sum)
	return sum, err
}

// SumNonFailed returns the total of pending plus successful rows of one
// type. Released and refunded totals reconcile against this: outbound money
// is committed at the moment the ledger row is written, before the provider
// settles it.
func (r *EscrowRepo) SumNonFailed(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, txType string) (int64, error) {
	var sum int64
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM escrow_transactions
		WHERE account_id = $1 AND type = $2 AND status <> $3
	`, accountID, txType, models.EscrowTxFailed).Scan(&sum)
	return sum, err
}
