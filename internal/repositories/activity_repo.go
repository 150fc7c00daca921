package repositories

import (
	"context"
	"encoding/json"

	"github.com/devsoko/escrow-engine/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ActivityRepo struct {
	pool *pgxpool.Pool
}

func NewActivityRepo(pool *pgxpool.Pool) *ActivityRepo {
	return &ActivityRepo{pool: pool}
}

// Record appends an activity entry inside the caller's transaction, so the
// entry commits if and only if the state change it describes commits.
func (r *ActivityRepo) Record(ctx context.Context, tx pgx.Tx, e *models.ActivityEntry) error {
	payload, _ := json.Marshal(e.Payload)
	return tx.QueryRow(ctx, `
		INSERT INTO activity_log (contract_id, actor_id, actor_type, action, payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, e.ContractID, e.ActorID, e.ActorType, e.Action, payload).Scan(&e.ID, &e.CreatedAt)
}

func (r *ActivityRepo) ListByContract(ctx context.Context, contractID uuid.UUID, limit, offset int) ([]models.ActivityEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, contract_id, actor_id, actor_type, action, payload, created_at
		FROM activity_log WHERE contract_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, contractID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.ActivityEntry
	for rows.Next() {
		var e models.ActivityEntry
		var payload []byte
		if err := rows.Scan(&e.ID, &e.ContractID, &e.ActorID, &e.ActorType, &e.Action, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &e.Payload)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
