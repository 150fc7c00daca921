package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/devsoko/escrow-engine/internal/apperr"
	"github.com/devsoko/escrow-engine/internal/config"
	"github.com/devsoko/escrow-engine/internal/events"
	"github.com/devsoko/escrow-engine/internal/models"
	"github.com/devsoko/escrow-engine/internal/repositories"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// fakePool hands out transactions that hold a mutex from Begin until
// Commit or Rollback, so concurrent service calls serialize the same way
// row locks serialize them against Postgres.
type fakePool struct {
	mu sync.Mutex
}

func (p *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	p.mu.Lock()
	return &fakeTx{pool: p}, nil
}

type fakeTx struct {
	pool *fakePool
	done bool
}

func (f *fakeTx) Commit(context.Context) error {
	if !f.done {
		f.done = true
		f.pool.mu.Unlock()
	}
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if !f.done {
		f.done = true
		f.pool.mu.Unlock()
	}
	return nil
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

// memDB backs every store interface with maps. Reads hand out copies so
// services mutating a returned struct cannot bypass the store.
type memDB struct {
	mu          sync.Mutex
	contracts   map[uuid.UUID]*models.Contract
	milestones  map[uuid.UUID]*models.Milestone
	accounts    map[uuid.UUID]*models.EscrowAccount
	acctByCtr   map[uuid.UUID]uuid.UUID
	txs         map[uuid.UUID]*models.EscrowTransaction
	txOrder     []uuid.UUID
	disputes    map[uuid.UUID]*models.Dispute
	requests    map[uuid.UUID]*models.ChangeRequest
	activity    []*models.ActivityEntry
	submissions map[uuid.UUID]*models.ProgressSubmission
	subOrder    []uuid.UUID
	reviews     []*models.MilestoneReview
}

func newMemDB() *memDB {
	return &memDB{
		contracts:   make(map[uuid.UUID]*models.Contract),
		milestones:  make(map[uuid.UUID]*models.Milestone),
		accounts:    make(map[uuid.UUID]*models.EscrowAccount),
		acctByCtr:   make(map[uuid.UUID]uuid.UUID),
		txs:         make(map[uuid.UUID]*models.EscrowTransaction),
		disputes:    make(map[uuid.UUID]*models.Dispute),
		requests:    make(map[uuid.UUID]*models.ChangeRequest),
		submissions: make(map[uuid.UUID]*models.ProgressSubmission),
	}
}

func cloneContract(c *models.Contract) *models.Contract {
	cp := *c
	return &cp
}

func cloneMilestone(m *models.Milestone) *models.Milestone {
	cp := *m
	return &cp
}

func cloneAccount(a *models.EscrowAccount) *models.EscrowAccount {
	cp := *a
	return &cp
}

func cloneTx(t *models.EscrowTransaction) *models.EscrowTransaction {
	cp := *t
	return &cp
}

func cloneDispute(d *models.Dispute) *models.Dispute {
	cp := *d
	return &cp
}

func cloneRequest(cr *models.ChangeRequest) *models.ChangeRequest {
	cp := *cr
	return &cp
}

// ---- ContractStore ----

func (db *memDB) Create(ctx context.Context, tx pgx.Tx, c *models.Contract) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	c.ID = uuid.New()
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	db.contracts[c.ID] = cloneContract(c)
	return nil
}

func (db *memDB) GetByID(ctx context.Context, id uuid.UUID) (*models.Contract, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	c, ok := db.contracts[id]
	if !ok {
		return nil, apperr.NotFound("contract")
	}
	return cloneContract(c), nil
}

func (db *memDB) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Contract, error) {
	return db.GetByID(ctx, id)
}

func (db *memDB) List(ctx context.Context, f repositories.ContractFilter) ([]models.Contract, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []models.Contract
	for _, c := range db.contracts {
		if f.ClientID != nil && c.ClientID != *f.ClientID {
			continue
		}
		if f.DeveloperID != nil && (c.DeveloperID == nil || *c.DeveloperID != *f.DeveloperID) {
			continue
		}
		if f.Status != nil && c.Status != *f.Status {
			continue
		}
		out = append(out, *cloneContract(c))
	}
	return out, nil
}

func (db *memDB) UpdateStatusGuarded(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	c, ok := db.contracts[id]
	if !ok || c.Status != from {
		return apperr.New(apperr.CodeConflict, "contract %s is no longer %s", id, from)
	}
	c.Status = to
	return nil
}

func (db *memDB) SetDeveloper(ctx context.Context, tx pgx.Tx, id, developerID uuid.UUID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if c, ok := db.contracts[id]; ok {
		dev := developerID
		c.DeveloperID = &dev
	}
	return nil
}

func (db *memDB) SetStartDate(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if c, ok := db.contracts[id]; ok && c.StartDate == nil {
		now := time.Now()
		c.StartDate = &now
	}
	return nil
}

func (db *memDB) SetPause(ctx context.Context, tx pgx.Tx, id uuid.UUID, pausedFrom string, reason *string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if c, ok := db.contracts[id]; ok {
		c.PausedFrom = &pausedFrom
		c.PauseReason = reason
	}
	return nil
}

func (db *memDB) ClearPause(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if c, ok := db.contracts[id]; ok {
		c.PausedFrom = nil
		c.PauseReason = nil
	}
	return nil
}

func (db *memDB) UpdateTotalAmount(ctx context.Context, tx pgx.Tx, id uuid.UUID, total int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if c, ok := db.contracts[id]; ok {
		c.TotalAmount = total
	}
	return nil
}

func (db *memDB) MarkCancelled(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if c, ok := db.contracts[id]; ok {
		now := time.Now()
		c.CancelledAt = &now
	}
	return nil
}

// ---- MilestoneStore ----

func (db *memDB) Insert(ctx context.Context, tx pgx.Tx, m *models.Milestone) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	m.ID = uuid.New()
	m.CreatedAt = time.Now()
	m.UpdatedAt = m.CreatedAt
	db.milestones[m.ID] = cloneMilestone(m)
	return nil
}

func (db *memDB) milestoneByID(id uuid.UUID) (*models.Milestone, error) {
	m, ok := db.milestones[id]
	if !ok {
		return nil, apperr.NotFound("milestone")
	}
	return cloneMilestone(m), nil
}

func (db *memDB) GetMilestone(ctx context.Context, id uuid.UUID) (*models.Milestone, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.milestoneByID(id)
}

func (db *memDB) listByContract(contractID uuid.UUID) []*models.Milestone {
	var out []*models.Milestone
	for _, m := range db.milestones {
		if m.ContractID == contractID {
			out = append(out, cloneMilestone(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out
}

func (db *memDB) ListByContract(ctx context.Context, contractID uuid.UUID) ([]*models.Milestone, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.listByContract(contractID), nil
}

func (db *memDB) ListByContractForUpdate(ctx context.Context, tx pgx.Tx, contractID uuid.UUID) ([]*models.Milestone, error) {
	return db.ListByContract(ctx, contractID)
}

func (db *memDB) MarkReleasedGuarded(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	m, ok := db.milestones[id]
	if !ok || m.Status != models.MilestoneStatusApproved {
		return apperr.New(apperr.CodeAlreadyReleased, "milestone %s already released or not approved", id)
	}
	now := time.Now()
	m.Status = models.MilestoneStatusReleased
	m.ReleasedAt = &now
	return nil
}

func (db *memDB) UpdateAmount(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if m, ok := db.milestones[id]; ok {
		m.Amount = amount
	}
	return nil
}

func (db *memDB) UpdateDueAt(ctx context.Context, tx pgx.Tx, id uuid.UUID, dueAt time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if m, ok := db.milestones[id]; ok {
		m.DueAt = dueAt
		m.OverdueNotifiedAt = nil
	}
	return nil
}

func (db *memDB) UpdateScope(ctx context.Context, tx pgx.Tx, id uuid.UUID, title, criteria *string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if m, ok := db.milestones[id]; ok {
		if title != nil {
			m.Title = *title
		}
		if criteria != nil {
			m.AcceptanceCriteria = *criteria
		}
	}
	return nil
}

func (db *memDB) UpdateOrderIndex(ctx context.Context, tx pgx.Tx, id uuid.UUID, idx int) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if m, ok := db.milestones[id]; ok {
		m.OrderIndex = idx
	}
	return nil
}

func (db *memDB) DeleteUnstarted(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	m, ok := db.milestones[id]
	if !ok || m.Status != models.MilestoneStatusNotStarted {
		return apperr.New(apperr.CodePreconditionFailed, "milestone %s has started and cannot be restructured", id)
	}
	delete(db.milestones, id)
	return nil
}

func (db *memDB) CreateSubmission(ctx context.Context, tx pgx.Tx, s *models.ProgressSubmission) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	s.ID = uuid.New()
	s.CreatedAt = time.Now()
	for i := range s.Items {
		s.Items[i].ID = uuid.New()
		s.Items[i].SubmissionID = s.ID
		s.Items[i].Position = i
	}
	cp := *s
	cp.Items = append([]models.EvidenceItem(nil), s.Items...)
	db.submissions[s.ID] = &cp
	db.subOrder = append(db.subOrder, s.ID)
	return nil
}

func (db *memDB) ListSubmissions(ctx context.Context, milestoneID uuid.UUID) ([]models.ProgressSubmission, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []models.ProgressSubmission
	for i := len(db.subOrder) - 1; i >= 0; i-- {
		s := db.submissions[db.subOrder[i]]
		if s.MilestoneID == milestoneID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (db *memDB) GetLatestSubmission(ctx context.Context, milestoneID uuid.UUID) (*models.ProgressSubmission, error) {
	subs, _ := db.ListSubmissions(ctx, milestoneID)
	if len(subs) == 0 {
		return nil, apperr.NotFound("submission")
	}
	return &subs[0], nil
}

func (db *memDB) CreateReview(ctx context.Context, tx pgx.Tx, rv *models.MilestoneReview) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	rv.ID = uuid.New()
	rv.CreatedAt = time.Now()
	cp := *rv
	db.reviews = append(db.reviews, &cp)
	return nil
}

func (db *memDB) ListReviews(ctx context.Context, milestoneID uuid.UUID) ([]models.MilestoneReview, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []models.MilestoneReview
	for i := len(db.reviews) - 1; i >= 0; i-- {
		if db.reviews[i].MilestoneID == milestoneID {
			out = append(out, *db.reviews[i])
		}
	}
	return out, nil
}

func (db *memDB) ListOverdue(ctx context.Context, now time.Time) ([]*models.Milestone, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []*models.Milestone
	for _, m := range db.milestones {
		working := m.Status == models.MilestoneStatusNotStarted || m.Status == models.MilestoneStatusInProgress
		if working && m.DueAt.Before(now) && m.OverdueNotifiedAt == nil {
			out = append(out, cloneMilestone(m))
		}
	}
	return out, nil
}

func (db *memDB) MarkOverdueNotified(ctx context.Context, id uuid.UUID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if m, ok := db.milestones[id]; ok {
		now := time.Now()
		m.OverdueNotifiedAt = &now
	}
	return nil
}

func (db *memDB) ListAwaitingReview(ctx context.Context, olderThan time.Duration) ([]*models.Milestone, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var out []*models.Milestone
	for _, m := range db.milestones {
		if m.Status == models.MilestoneStatusSubmitted && m.UpdatedAt.Before(cutoff) {
			out = append(out, cloneMilestone(m))
		}
	}
	return out, nil
}

// ---- EscrowStore ----

func (db *memDB) CreateAccount(ctx context.Context, tx pgx.Tx, a *models.EscrowAccount) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	a.ID = uuid.New()
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	db.accounts[a.ID] = cloneAccount(a)
	db.acctByCtr[a.ContractID] = a.ID
	return nil
}

func (db *memDB) GetAccountByContract(ctx context.Context, contractID uuid.UUID) (*models.EscrowAccount, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	id, ok := db.acctByCtr[contractID]
	if !ok {
		return nil, apperr.NotFound("escrow account")
	}
	return cloneAccount(db.accounts[id]), nil
}

func (db *memDB) GetAccountForUpdate(ctx context.Context, tx pgx.Tx, contractID uuid.UUID) (*models.EscrowAccount, error) {
	return db.GetAccountByContract(ctx, contractID)
}

func (db *memDB) UpdateAccountStatusGuarded(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	a, ok := db.accounts[id]
	if !ok || a.Status != from {
		return apperr.New(apperr.CodeConflict, "escrow account %s is no longer %s", id, from)
	}
	a.Status = to
	return nil
}

func (db *memDB) AddFunded(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if a, ok := db.accounts[id]; ok {
		a.FundedTotal += amount
	}
	return nil
}

func (db *memDB) AddReleased(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	a, ok := db.accounts[id]
	if !ok || a.Available() < amount {
		return apperr.New(apperr.CodeInsufficientBalance, "escrow account %s cannot cover release of %d", id, amount)
	}
	a.ReleasedTotal += amount
	return nil
}

func (db *memDB) AddRefunded(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	a, ok := db.accounts[id]
	if !ok || a.Available() < amount {
		return apperr.New(apperr.CodeInsufficientBalance, "escrow account %s cannot cover refund of %d", id, amount)
	}
	a.RefundedTotal += amount
	return nil
}

func (db *memDB) InsertTransaction(ctx context.Context, tx pgx.Tx, t *models.EscrowTransaction) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if t.ProviderRef != nil {
		for _, existing := range db.txs {
			if existing.ContractID == t.ContractID && existing.ProviderRef != nil && *existing.ProviderRef == *t.ProviderRef {
				return apperr.New(apperr.CodeConflict, "provider reference %v already recorded", t.ProviderRef)
			}
		}
	}
	t.ID = uuid.New()
	t.CreatedAt = time.Now()
	db.txs[t.ID] = cloneTx(t)
	db.txOrder = append(db.txOrder, t.ID)
	return nil
}

func (db *memDB) SettleTransactionGuarded(ctx context.Context, tx pgx.Tx, id uuid.UUID, toStatus string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, ok := db.txs[id]
	if !ok || t.Status != models.EscrowTxPending {
		return apperr.New(apperr.CodeConflict, "escrow transaction %s already settled", id)
	}
	now := time.Now()
	t.Status = toStatus
	t.SettledAt = &now
	return nil
}

func (db *memDB) SetTransactionProviderRef(ctx context.Context, id uuid.UUID, ref string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if t, ok := db.txs[id]; ok && t.ProviderRef == nil {
		t.ProviderRef = &ref
	}
	return nil
}

func (db *memDB) ClearTransactionProviderRef(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if t, ok := db.txs[id]; ok {
		t.ProviderRef = nil
	}
	return nil
}

func (db *memDB) GetTransaction(ctx context.Context, id uuid.UUID) (*models.EscrowTransaction, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, ok := db.txs[id]
	if !ok {
		return nil, apperr.NotFound("escrow transaction")
	}
	return cloneTx(t), nil
}

func (db *memDB) GetTransactionForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.EscrowTransaction, error) {
	return db.GetTransaction(ctx, id)
}

func (db *memDB) GetTransactionByProviderRef(ctx context.Context, contractID uuid.UUID, ref string) (*models.EscrowTransaction, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, t := range db.txs {
		if t.ContractID == contractID && t.ProviderRef != nil && *t.ProviderRef == ref {
			return cloneTx(t), nil
		}
	}
	return nil, apperr.NotFound("escrow transaction")
}

func (db *memDB) ListTransactions(ctx context.Context, contractID uuid.UUID) ([]models.EscrowTransaction, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []models.EscrowTransaction
	for _, id := range db.txOrder {
		t := db.txs[id]
		if t.ContractID == contractID {
			out = append(out, *cloneTx(t))
		}
	}
	return out, nil
}

func (db *memDB) ListUndispatched(ctx context.Context, limit int) ([]models.EscrowTransaction, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []models.EscrowTransaction
	for _, id := range db.txOrder {
		t := db.txs[id]
		outbound := t.Type == models.EscrowTxRelease || t.Type == models.EscrowTxRefund
		if outbound && t.Status == models.EscrowTxPending && t.ProviderRef == nil {
			out = append(out, *cloneTx(t))
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (db *memDB) SumSuccessful(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, txType string) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var sum int64
	for _, t := range db.txs {
		if t.AccountID == accountID && t.Type == txType && t.Status == models.EscrowTxSuccess {
			sum += t.Amount
		}
	}
	return sum, nil
}

func (db *memDB) SumNonFailed(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, txType string) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var sum int64
	for _, t := range db.txs {
		if t.AccountID == accountID && t.Type == txType && t.Status != models.EscrowTxFailed {
			sum += t.Amount
		}
	}
	return sum, nil
}

// ---- DisputeStore ----

func (db *memDB) CreateDispute(ctx context.Context, tx pgx.Tx, d *models.Dispute) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	d.ID = uuid.New()
	d.CreatedAt = time.Now()
	db.disputes[d.ID] = cloneDispute(d)
	return nil
}

func (db *memDB) GetDispute(ctx context.Context, id uuid.UUID) (*models.Dispute, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	d, ok := db.disputes[id]
	if !ok {
		return nil, apperr.NotFound("dispute")
	}
	return cloneDispute(d), nil
}

func (db *memDB) ResolveDisputeGuarded(ctx context.Context, tx pgx.Tx, id uuid.UUID, toStatus string,
	disposition *string, releaseAmount, refundAmount int64, note *string, resolvedBy uuid.UUID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	d, ok := db.disputes[id]
	if !ok || d.Status != models.DisputeStatusOpen {
		return apperr.New(apperr.CodeConflict, "dispute %s is no longer open", id)
	}
	now := time.Now()
	d.Status = toStatus
	d.Disposition = disposition
	d.ReleaseAmount = releaseAmount
	d.RefundAmount = refundAmount
	d.ResolutionNote = note
	d.ResolvedBy = &resolvedBy
	d.ResolvedAt = &now
	return nil
}

func (db *memDB) CountOpen(ctx context.Context, tx pgx.Tx, contractID uuid.UUID) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, d := range db.disputes {
		if d.ContractID == contractID && d.Status == models.DisputeStatusOpen {
			n++
		}
	}
	return n, nil
}

func (db *memDB) ListDisputesByContract(ctx context.Context, contractID uuid.UUID) ([]models.Dispute, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []models.Dispute
	for _, d := range db.disputes {
		if d.ContractID == contractID {
			out = append(out, *cloneDispute(d))
		}
	}
	return out, nil
}

// ---- ChangeRequestStore ----

func (db *memDB) CreateChangeRequest(ctx context.Context, tx pgx.Tx, cr *models.ChangeRequest) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	cr.ID = uuid.New()
	cr.CreatedAt = time.Now()
	db.requests[cr.ID] = cloneRequest(cr)
	return nil
}

func (db *memDB) GetChangeRequest(ctx context.Context, id uuid.UUID) (*models.ChangeRequest, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	cr, ok := db.requests[id]
	if !ok {
		return nil, apperr.NotFound("change request")
	}
	return cloneRequest(cr), nil
}

func (db *memDB) ResolveChangeRequestGuarded(ctx context.Context, tx pgx.Tx, id uuid.UUID, toStatus string, resolvedBy uuid.UUID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	cr, ok := db.requests[id]
	if !ok || cr.Status != models.ChangeRequestPending {
		return apperr.New(apperr.CodeConflict, "change request %s is no longer pending", id)
	}
	now := time.Now()
	cr.Status = toStatus
	cr.ResolvedBy = &resolvedBy
	cr.ResolvedAt = &now
	return nil
}

func (db *memDB) CountPendingForMilestone(ctx context.Context, milestoneID uuid.UUID) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, cr := range db.requests {
		if cr.MilestoneID != nil && *cr.MilestoneID == milestoneID && cr.Status == models.ChangeRequestPending {
			n++
		}
	}
	return n, nil
}

func (db *memDB) ListChangeRequestsByContract(ctx context.Context, contractID uuid.UUID, status *string) ([]models.ChangeRequest, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []models.ChangeRequest
	for _, cr := range db.requests {
		if cr.ContractID != contractID {
			continue
		}
		if status != nil && cr.Status != *status {
			continue
		}
		out = append(out, *cloneRequest(cr))
	}
	return out, nil
}

// ---- ActivityStore ----

func (db *memDB) Record(ctx context.Context, tx pgx.Tx, e *models.ActivityEntry) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	e.ID = uuid.New()
	e.CreatedAt = time.Now()
	cp := *e
	db.activity = append(db.activity, &cp)
	return nil
}

func (db *memDB) ListActivityByContract(ctx context.Context, contractID uuid.UUID, limit, offset int) ([]models.ActivityEntry, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []models.ActivityEntry
	for i := len(db.activity) - 1; i >= 0; i-- {
		if db.activity[i].ContractID == contractID {
			out = append(out, *db.activity[i])
		}
	}
	return out, nil
}

// Interface adapters: the store interfaces use overlapping method names
// (GetByID, Create, ListByContract), so each concern gets a thin view over
// the shared memDB.

type milestoneView struct{ *memDB }

func (v milestoneView) GetByID(ctx context.Context, id uuid.UUID) (*models.Milestone, error) {
	return v.GetMilestone(ctx, id)
}

func (v milestoneView) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Milestone, error) {
	return v.GetMilestone(ctx, id)
}

func (v milestoneView) UpdateStatusGuarded(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	m, ok := v.milestones[id]
	if !ok || m.Status != from {
		return apperr.New(apperr.CodeConflict, "milestone %s is no longer %s", id, from)
	}
	m.Status = to
	m.UpdatedAt = time.Now()
	return nil
}

type disputeView struct{ *memDB }

func (v disputeView) Create(ctx context.Context, tx pgx.Tx, d *models.Dispute) error {
	return v.CreateDispute(ctx, tx, d)
}

func (v disputeView) GetByID(ctx context.Context, id uuid.UUID) (*models.Dispute, error) {
	return v.GetDispute(ctx, id)
}

func (v disputeView) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Dispute, error) {
	return v.GetDispute(ctx, id)
}

func (v disputeView) ResolveGuarded(ctx context.Context, tx pgx.Tx, id uuid.UUID, toStatus string,
	disposition *string, releaseAmount, refundAmount int64, note *string, resolvedBy uuid.UUID) error {
	return v.ResolveDisputeGuarded(ctx, tx, id, toStatus, disposition, releaseAmount, refundAmount, note, resolvedBy)
}

func (v disputeView) ListByContract(ctx context.Context, contractID uuid.UUID) ([]models.Dispute, error) {
	return v.ListDisputesByContract(ctx, contractID)
}

type changeRequestView struct{ *memDB }

func (v changeRequestView) Create(ctx context.Context, tx pgx.Tx, cr *models.ChangeRequest) error {
	return v.CreateChangeRequest(ctx, tx, cr)
}

func (v changeRequestView) GetByID(ctx context.Context, id uuid.UUID) (*models.ChangeRequest, error) {
	return v.GetChangeRequest(ctx, id)
}

func (v changeRequestView) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.ChangeRequest, error) {
	return v.GetChangeRequest(ctx, id)
}

func (v changeRequestView) ResolveGuarded(ctx context.Context, tx pgx.Tx, id uuid.UUID, toStatus string, resolvedBy uuid.UUID) error {
	return v.ResolveChangeRequestGuarded(ctx, tx, id, toStatus, resolvedBy)
}

func (v changeRequestView) ListByContract(ctx context.Context, contractID uuid.UUID, status *string) ([]models.ChangeRequest, error) {
	return v.ListChangeRequestsByContract(ctx, contractID, status)
}

type activityView struct{ *memDB }

func (v activityView) ListByContract(ctx context.Context, contractID uuid.UUID, limit, offset int) ([]models.ActivityEntry, error) {
	return v.ListActivityByContract(ctx, contractID, limit, offset)
}

// ---- Provider and publisher fakes ----

type providerCall struct {
	id       uuid.UUID
	amount   int64
	currency string
	dest     uuid.UUID
}

type fakeProvider struct {
	mu          sync.Mutex
	fundings    []providerCall
	payouts     []providerCall
	refunds     []providerCall
	failFunding bool
	failPayout  bool
	failRefund  bool
	seq         int
}

func (p *fakeProvider) next() string {
	p.seq++
	return fmt.Sprintf("prov-%d", p.seq)
}

func (p *fakeProvider) InitiateFunding(ctx context.Context, contractID uuid.UUID, amount int64, currency string) (*ProviderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failFunding {
		return nil, apperr.New(apperr.CodeProviderFailure, "payment provider unavailable")
	}
	p.fundings = append(p.fundings, providerCall{id: contractID, amount: amount, currency: currency})
	return &ProviderResult{Reference: p.next(), Status: "pending"}, nil
}

func (p *fakeProvider) InitiatePayout(ctx context.Context, txID uuid.UUID, amount int64, currency string, destination uuid.UUID) (*ProviderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failPayout {
		return nil, apperr.New(apperr.CodeProviderFailure, "payment provider unavailable")
	}
	p.payouts = append(p.payouts, providerCall{id: txID, amount: amount, currency: currency, dest: destination})
	return &ProviderResult{Reference: p.next(), Status: "pending"}, nil
}

func (p *fakeProvider) InitiateRefund(ctx context.Context, txID uuid.UUID, amount int64, currency string, destination uuid.UUID) (*ProviderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failRefund {
		return nil, apperr.New(apperr.CodeProviderFailure, "payment provider unavailable")
	}
	p.refunds = append(p.refunds, providerCall{id: txID, amount: amount, currency: currency, dest: destination})
	return &ProviderResult{Reference: p.next(), Status: "pending"}, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *fakePublisher) Publish(ctx context.Context, stream string, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *fakePublisher) has(eventType string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.events {
		if e.Type == eventType {
			return true
		}
	}
	return false
}

// ---- Test environment ----

type env struct {
	db        *memDB
	pool      *fakePool
	provider  *fakeProvider
	publisher *fakePublisher
	cfg       *config.Config

	contractSvc  *ContractService
	milestoneSvc *MilestoneService
	escrowSvc    *EscrowService
	disputeSvc   *DisputeService
	changeSvc    *ChangeRequestService

	client    Actor
	developer Actor
	admin     Actor
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := newMemDB()
	pool := &fakePool{}
	provider := &fakeProvider{}
	publisher := &fakePublisher{}
	cfg := &config.Config{
		PlatformFeeBPS:         500,
		LatePenaltyBPSPerDay:   200,
		LatePenaltyCapBPS:      10000,
		CancelReleasedLimitBPS: 5000,
		ReviewReminderAfter:    48 * time.Hour,
	}
	log := zap.NewNop()

	mv := milestoneView{db}
	dv := disputeView{db}
	cv := changeRequestView{db}
	av := activityView{db}

	return &env{
		db:        db,
		pool:      pool,
		provider:  provider,
		publisher: publisher,
		cfg:       cfg,

		contractSvc:  NewContractService(pool, db, mv, db, av, provider, publisher, cfg, log),
		milestoneSvc: NewMilestoneService(pool, db, mv, db, av, provider, publisher, cfg, log),
		escrowSvc:    NewEscrowService(pool, db, mv, db, av, provider, publisher, cfg, log),
		disputeSvc:   NewDisputeService(pool, db, db, dv, av, provider, publisher, cfg, log),
		changeSvc:    NewChangeRequestService(pool, db, mv, cv, av, publisher, cfg, log),

		client:    Actor{ID: uuid.New(), Role: "client"},
		developer: Actor{ID: uuid.New(), Role: "developer"},
		admin:     Actor{ID: uuid.New(), Role: "admin"},
	}
}

// threeMilestones is the standard 60k/60k/60k KES plan used across tests.
func threeMilestones(base time.Time) []MilestoneInput {
	return []MilestoneInput{
		{Title: "Design", Amount: 60_000_00, DueAt: base.Add(7 * 24 * time.Hour), AcceptanceCriteria: "Wireframes approved"},
		{Title: "Build", Amount: 60_000_00, DueAt: base.Add(14 * 24 * time.Hour), AcceptanceCriteria: "Feature complete"},
		{Title: "Launch", Amount: 60_000_00, DueAt: base.Add(21 * 24 * time.Hour), AcceptanceCriteria: "Deployed to production"},
	}
}

// newActiveContract creates, sends, and accepts a contract, leaving it
// active_unfunded.
func (e *env) newActiveContract(t *testing.T, mode string, milestones []MilestoneInput) *models.Contract {
	t.Helper()
	ctx := context.Background()
	c, _, err := e.contractSvc.Create(ctx, e.client, CreateContractInput{
		Title:       "Marketplace build",
		Currency:    "KES",
		FundingMode: mode,
		Milestones:  milestones,
	})
	if err != nil {
		t.Fatalf("create contract: %v", err)
	}
	if _, err := e.contractSvc.SendToDeveloper(ctx, e.client, c.ID, e.developer.ID); err != nil {
		t.Fatalf("send contract: %v", err)
	}
	c2, err := e.contractSvc.Accept(ctx, e.developer, c.ID)
	if err != nil {
		t.Fatalf("accept contract: %v", err)
	}
	return c2
}

// fund initiates funding and settles the provider callback successfully.
func (e *env) fund(t *testing.T, contractID uuid.UUID, amount int64) {
	t.Helper()
	ctx := context.Background()
	fundTx, err := e.escrowSvc.InitiateFunding(ctx, e.client, contractID, amount)
	if err != nil {
		t.Fatalf("initiate funding: %v", err)
	}
	err = e.escrowSvc.HandleProviderCallback(ctx, ProviderCallback{
		ContractID: contractID,
		Reference:  *fundTx.ProviderRef,
		Status:     models.EscrowTxSuccess,
		Amount:     amount,
	})
	if err != nil {
		t.Fatalf("settle funding: %v", err)
	}
}

// approve walks a milestone through start, submit, and an approving
// review.
func (e *env) approve(t *testing.T, milestoneID uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.milestoneSvc.Start(ctx, e.developer, milestoneID); err != nil {
		t.Fatalf("start milestone: %v", err)
	}
	url := "https://demo.example.com"
	_, _, err := e.milestoneSvc.Submit(ctx, e.developer, milestoneID, SubmitInput{
		Summary: "done",
		Items:   []models.EvidenceItem{{Kind: models.EvidenceKindDemoURL, URL: &url}},
	})
	if err != nil {
		t.Fatalf("submit milestone: %v", err)
	}
	if _, err := e.milestoneSvc.Review(ctx, e.client, milestoneID, ReviewInput{Decision: models.ReviewDecisionApprove}); err != nil {
		t.Fatalf("review milestone: %v", err)
	}
}

func codeOf(t *testing.T, err error) apperr.Code {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	return apperr.CodeOf(err)
}
