package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/devsoko/escrow-engine/internal/apperr"
	"github.com/devsoko/escrow-engine/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const milestoneColumns = `
	id, contract_id, order_index, title, amount, due_at, acceptance_criteria,
	status, released_at, overdue_notified_at, created_at, updated_at
`

type MilestoneRepo struct {
	pool *pgxpool.Pool
}

func NewMilestoneRepo(pool *pgxpool.Pool) *MilestoneRepo {
	return &MilestoneRepo{pool: pool}
}

func scanMilestone(row pgx.Row) (*models.Milestone, error) {
	var m models.Milestone
	err := row.Scan(&m.ID, &m.ContractID, &m.OrderIndex, &m.Title, &m.Amount, &m.DueAt, &m.AcceptanceCriteria,
		&m.Status, &m.ReleasedAt, &m.OverdueNotifiedAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("milestone")
		}
		return nil, err
	}
	return &m, nil
}

func (r *MilestoneRepo) Insert(ctx context.Context, tx pgx.Tx, m *models.Milestone) error {
	return tx.QueryRow(ctx, `
		INSERT INTO milestones (contract_id, order_index, title, amount, due_at, acceptance_criteria, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`, m.ContractID, m.OrderIndex, m.Title, m.Amount, m.DueAt, m.AcceptanceCriteria, m.Status,
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
}

func (r *MilestoneRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Milestone, error) {
	return scanMilestone(r.pool.QueryRow(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id = $1`, id))
}

func (r *MilestoneRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Milestone, error) {
	return scanMilestone(tx.QueryRow(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id = $1 FOR UPDATE`, id))
}

func (r *MilestoneRepo) ListByContract(ctx context.Context, contractID uuid.UUID) ([]*models.Milestone, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+milestoneColumns+` FROM milestones WHERE contract_id = $1 ORDER BY order_index
	`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMilestones(rows)
}

// ListByContractForUpdate locks all of a contract's milestones in
// order-index order for plan restructuring.
func (r *MilestoneRepo) ListByContractForUpdate(ctx context.Context, tx pgx.Tx, contractID uuid.UUID) ([]*models.Milestone, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+milestoneColumns+` FROM milestones WHERE contract_id = $1 ORDER BY order_index FOR UPDATE
	`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMilestones(rows)
}

func collectMilestones(rows pgx.Rows) ([]*models.Milestone, error) {
	var milestones []*models.Milestone
	for rows.Next() {
		var m models.Milestone
		if err := rows.Scan(&m.ID, &m.ContractID, &m.OrderIndex, &m.Title, &m.Amount, &m.DueAt, &m.AcceptanceCriteria,
			&m.Status, &m.ReleasedAt, &m.OverdueNotifiedAt, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		milestones = append(milestones, &m)
	}
	return milestones, rows.Err()
}

func (r *MilestoneRepo) UpdateStatusGuarded(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE milestones SET status = $1, updated_at = now() WHERE id = $2 AND status = $3
	`, to, id, from)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.CodeConflict, "milestone %s is no longer %s", id, from)
	}
	return nil
}

// MarkReleasedGuarded performs the terminal approved -> released move. The
// guard makes a concurrent double release lose with zero rows affected.
func (r *MilestoneRepo) MarkReleasedGuarded(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	tag, err := tx.Exec(ctx, `
		UPDATE milestones SET status = $1, released_at = now(), updated_at = now()
		WHERE id = $2 AND status = $3
	`, models.MilestoneStatusReleased, id, models.MilestoneStatusApproved)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.CodeAlreadyReleased, "milestone %s already released or not approved", id)
	}
	return nil
}

func (r *MilestoneRepo) UpdateAmount(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64) error {
	_, err := tx.Exec(ctx, `UPDATE milestones SET amount = $1, updated_at = now() WHERE id = $2`, amount, id)
	return err
}

func (r *MilestoneRepo) UpdateDueAt(ctx context.Context, tx pgx.Tx, id uuid.UUID, dueAt time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE milestones SET due_at = $1, overdue_notified_at = NULL, updated_at = now() WHERE id = $2
	`, dueAt, id)
	return err
}

func (r *MilestoneRepo) UpdateScope(ctx context.Context, tx pgx.Tx, id uuid.UUID, title, criteria *string) error {
	_, err := tx.Exec(ctx, `
		UPDATE milestones SET
			title = COALESCE($1, title),
			acceptance_criteria = COALESCE($2, acceptance_criteria),
			updated_at = now()
		WHERE id = $3
	`, title, criteria, id)
	return err
}

func (r *MilestoneRepo) UpdateOrderIndex(ctx context.Context, tx pgx.Tx, id uuid.UUID, idx int) error {
	_, err := tx.Exec(ctx, `UPDATE milestones SET order_index = $1, updated_at = now() WHERE id = $2`, idx, id)
	return err
}

// DeleteUnstarted removes a milestone during an accepted split or merge.
// The status guard keeps restructuring away from any milestone with history.
func (r *MilestoneRepo) DeleteUnstarted(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	tag, err := tx.Exec(ctx, `
		DELETE FROM milestones WHERE id = $1 AND status = $2
	`, id, models.MilestoneStatusNotStarted)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.CodePreconditionFailed, "milestone %s has started and cannot be restructured", id)
	}
	return nil
}

// ListOverdue returns milestones past due that are still being worked on and
// have not been flagged yet.
func (r *MilestoneRepo) ListOverdue(ctx context.Context, now time.Time) ([]*models.Milestone, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+milestoneColumns+`
		FROM milestones
		WHERE due_at < $1
		  AND status IN ($2, $3)
		  AND overdue_notified_at IS NULL
		ORDER BY due_at
	`, now, models.MilestoneStatusNotStarted, models.MilestoneStatusInProgress)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMilestones(rows)
}

func (r *MilestoneRepo) MarkOverdueNotified(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE milestones SET overdue_notified_at = now(), updated_at = now() WHERE id = $1
	`, id)
	return err
}

// ListAwaitingReview returns submitted milestones sitting unreviewed longer
// than the given age.
func (r *MilestoneRepo) ListAwaitingReview(ctx context.Context, olderThan time.Duration) ([]*models.Milestone, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+milestoneColumns+`
		FROM milestones
		WHERE status = $1 AND updated_at < now() - $2::interval
		ORDER BY updated_at
	`, models.MilestoneStatusSubmitted, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMilestones(rows)
}

// ---- Submissions ----

func (r *MilestoneRepo) CreateSubmission(ctx context.Context, tx pgx.Tx, s *models.ProgressSubmission) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO progress_submissions (milestone_id, developer_id, summary)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, s.MilestoneID, s.DeveloperID, s.Summary).Scan(&s.ID, &s.CreatedAt)
	if err != nil {
		return err
	}
	for i := range s.Items {
		item := &s.Items[i]
		item.SubmissionID = s.ID
		item.Position = i
		if err := tx.QueryRow(ctx, `
			INSERT INTO evidence_items (submission_id, position, kind, url, file_ref, body, commit_sha)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id, created_at
		`, item.SubmissionID, item.Position, item.Kind, item.URL, item.FileRef, item.Body, item.CommitSHA,
		).Scan(&item.ID, &item.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

func (r *MilestoneRepo) ListSubmissions(ctx context.Context, milestoneID uuid.UUID) ([]models.ProgressSubmission, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, milestone_id, developer_id, summary, created_at
		FROM progress_submissions WHERE milestone_id = $1 ORDER BY created_at DESC
	`, milestoneID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []models.ProgressSubmission
	for rows.Next() {
		var s models.ProgressSubmission
		if err := rows.Scan(&s.ID, &s.MilestoneID, &s.DeveloperID, &s.Summary, &s.CreatedAt); err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range subs {
		items, err := r.listEvidence(ctx, subs[i].ID)
		if err != nil {
			return nil, err
		}
		subs[i].Items = items
	}
	return subs, nil
}

func (r *MilestoneRepo) GetLatestSubmission(ctx context.Context, milestoneID uuid.UUID) (*models.ProgressSubmission, error) {
	var s models.ProgressSubmission
	err := r.pool.QueryRow(ctx, `
		SELECT id, milestone_id, developer_id, summary, created_at
		FROM progress_submissions WHERE milestone_id = $1 ORDER BY created_at DESC LIMIT 1
	`, milestoneID).Scan(&s.ID, &s.MilestoneID, &s.DeveloperID, &s.Summary, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("submission")
		}
		return nil, err
	}
	items, err := r.listEvidence(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	s.Items = items
	return &s, nil
}

func (r *MilestoneRepo) listEvidence(ctx context.Context, submissionID uuid.UUID) ([]models.EvidenceItem, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, submission_id, position, kind, url, file_ref, body, commit_sha, title, description, created_at
		FROM evidence_items WHERE submission_id = $1 ORDER BY position
	`, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.EvidenceItem
	for rows.Next() {
		var e models.EvidenceItem
		if err := rows.Scan(&e.ID, &e.SubmissionID, &e.Position, &e.Kind, &e.URL, &e.FileRef, &e.Body,
			&e.CommitSHA, &e.Title, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

// ListEvidenceNeedingMeta returns URL-kind evidence the metadata worker has
// not enriched yet.
func (r *MilestoneRepo) ListEvidenceNeedingMeta(ctx context.Context, limit int) ([]models.EvidenceItem, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, submission_id, position, kind, url, file_ref, body, commit_sha, title, description, created_at
		FROM evidence_items
		WHERE kind IN ($1, $2) AND title IS NULL
		ORDER BY created_at
		LIMIT $3
	`, models.EvidenceKindLink, models.EvidenceKindDemoURL, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.EvidenceItem
	for rows.Next() {
		var e models.EvidenceItem
		if err := rows.Scan(&e.ID, &e.SubmissionID, &e.Position, &e.Kind, &e.URL, &e.FileRef, &e.Body,
			&e.CommitSHA, &e.Title, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (r *MilestoneRepo) SetEvidenceMeta(ctx context.Context, id uuid.UUID, title, description string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE evidence_items SET title = $1, description = $2 WHERE id = $3
	`, title, description, id)
	return err
}

// ---- Reviews ----

func (r *MilestoneRepo) CreateReview(ctx context.Context, tx pgx.Tx, rv *models.MilestoneReview) error {
	return tx.QueryRow(ctx, `
		INSERT INTO milestone_reviews (milestone_id, submission_id, reviewer_id, decision, reason_code, comments)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, rv.MilestoneID, rv.SubmissionID, rv.ReviewerID, rv.Decision, rv.ReasonCode, rv.Comments,
	).Scan(&rv.ID, &rv.CreatedAt)
}

func (r *MilestoneRepo) ListReviews(ctx context.Context, milestoneID uuid.UUID) ([]models.MilestoneReview, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, milestone_id, submission_id, reviewer_id, decision, reason_code, comments, created_at
		FROM milestone_reviews WHERE milestone_id = $1 ORDER BY created_at DESC
	`, milestoneID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reviews []models.MilestoneReview
	for rows.Next() {
		var rv models.MilestoneReview
		if err := rows.Scan(&rv.ID, &rv.MilestoneID, &rv.SubmissionID, &rv.ReviewerID, &rv.Decision,
			&rv.ReasonCode, &rv.Comments, &rv.CreatedAt); err != nil {
			return nil, err
		}
		reviews = append(reviews, rv)
	}
	return reviews, rows.Err()
}
