package services

import (
	"context"
	"fmt"
	"time"

	"github.com/devsoko/escrow-engine/internal/apperr"
	"github.com/devsoko/escrow-engine/internal/config"
	"github.com/devsoko/escrow-engine/internal/events"
	"github.com/devsoko/escrow-engine/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

type MilestoneService struct {
	pool       TxBeginner
	contracts  ContractStore
	milestones MilestoneStore
	escrow     EscrowStore
	activity   ActivityStore
	provider   FundingProvider
	publisher  events.Publisher
	cfg        *config.Config
	log        *zap.Logger
	now        func() time.Time
}

func NewMilestoneService(
	pool TxBeginner,
	contracts ContractStore,
	milestones MilestoneStore,
	escrow EscrowStore,
	activity ActivityStore,
	provider FundingProvider,
	publisher events.Publisher,
	cfg *config.Config,
	log *zap.Logger,
) *MilestoneService {
	return &MilestoneService{
		pool:       pool,
		contracts:  contracts,
		milestones: milestones,
		escrow:     escrow,
		activity:   activity,
		provider:   provider,
		publisher:  publisher,
		cfg:        cfg,
		log:        log,
		now:        time.Now,
	}
}

// transition validates and performs a milestone status move with its audit
// entry, inside the caller's transaction.
func (s *MilestoneService) transition(ctx context.Context, tx pgx.Tx, m *models.Milestone, newStatus string, actor Actor) error {
	if !models.IsValidMilestoneTransition(m.Status, newStatus) {
		return apperr.InvalidTransition("milestone", m.Status, newStatus)
	}

	oldStatus := m.Status
	if err := s.milestones.UpdateStatusGuarded(ctx, tx, m.ID, oldStatus, newStatus); err != nil {
		return err
	}
	m.Status = newStatus

	return s.activity.Record(ctx, tx, &models.ActivityEntry{
		ContractID: m.ContractID,
		ActorID:    &actor.ID,
		ActorType:  actor.ActorType(),
		Action:     fmt.Sprintf("milestone_status_%s_to_%s", oldStatus, newStatus),
		Payload:    map[string]any{"milestone_id": m.ID.String(), "old_status": oldStatus, "new_status": newStatus},
	})
}

func (s *MilestoneService) publishStatusChange(ctx context.Context, m *models.Milestone, oldStatus string) {
	_ = s.publisher.Publish(ctx, events.StreamContract, events.Event{
		Type: events.EventMilestoneStatusChanged,
		Payload: map[string]any{
			"contract_id":  m.ContractID.String(),
			"milestone_id": m.ID.String(),
			"old_status":   oldStatus,
			"new_status":   m.Status,
		},
	})
}

// lockForMilestone loads and locks the contract, escrow account, and
// milestone in that fixed order. Every writer uses this ordering, which
// rules out lock cycles between concurrent operations.
func (s *MilestoneService) lockForMilestone(ctx context.Context, tx pgx.Tx, milestoneID uuid.UUID) (*models.Contract, *models.EscrowAccount, *models.Milestone, error) {
	m, err := s.milestones.GetByID(ctx, milestoneID)
	if err != nil {
		return nil, nil, nil, err
	}
	c, err := s.contracts.GetForUpdate(ctx, tx, m.ContractID)
	if err != nil {
		return nil, nil, nil, err
	}
	acct, err := s.escrow.GetAccountForUpdate(ctx, tx, m.ContractID)
	if err != nil {
		return nil, nil, nil, err
	}
	// Re-read under the lock; the unlocked peek above only gave us the
	// contract id.
	m, err = s.milestones.GetForUpdate(ctx, tx, milestoneID)
	if err != nil {
		return nil, nil, nil, err
	}
	return c, acct, m, nil
}

// Start begins work on a milestone. The funding-mode policy must already be
// satisfied: work never starts against an uncovered tranche.
func (s *MilestoneService) Start(ctx context.Context, actor Actor, milestoneID uuid.UUID) (*models.Milestone, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	c, acct, m, err := s.lockForMilestone(ctx, tx, milestoneID)
	if err != nil {
		return nil, err
	}
	if c.DeveloperID == nil || *c.DeveloperID != actor.ID {
		return nil, apperr.Forbidden("only the contract's developer can start work")
	}
	if c.Status != models.ContractStatusActiveFunded && c.Status != models.ContractStatusActiveUnfunded {
		return nil, apperr.New(apperr.CodePreconditionFailed, "contract is %s, work requires an active contract", c.Status)
	}
	if !models.FundingCovers(c, m, acct) {
		return nil, apperr.New(apperr.CodeInsufficientFunding,
			"escrow does not cover milestone %d under %s", m.OrderIndex, c.FundingMode)
	}

	oldStatus := m.Status
	if err := s.transition(ctx, tx, m, models.MilestoneStatusInProgress, actor); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.publishStatusChange(ctx, m, oldStatus)
	return m, nil
}

type SubmitInput struct {
	Summary string
	Items   []models.EvidenceItem
}

// Submit records the developer's evidence package and moves the milestone
// to submitted. Resubmission after requested changes creates a new package;
// the history stays.
func (s *MilestoneService) Submit(ctx context.Context, actor Actor, milestoneID uuid.UUID, in SubmitInput) (*models.Milestone, *models.ProgressSubmission, error) {
	if in.Summary == "" {
		return nil, nil, apperr.Validation("submission summary is required")
	}
	if len(in.Items) == 0 {
		return nil, nil, apperr.Validation("submission requires at least one evidence item")
	}
	for i := range in.Items {
		if err := in.Items[i].Validate(); err != nil {
			return nil, nil, err
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	c, acct, m, err := s.lockForMilestone(ctx, tx, milestoneID)
	if err != nil {
		return nil, nil, err
	}
	if c.DeveloperID == nil || *c.DeveloperID != actor.ID {
		return nil, nil, apperr.Forbidden("only the contract's developer can submit")
	}
	if c.Status == models.ContractStatusPaused {
		return nil, nil, apperr.New(apperr.CodePreconditionFailed, "contract is paused")
	}
	// Coverage can lapse after start, e.g. a dispute resolution refunding
	// part of the account. Submission against an unfunded tranche would
	// promise a release that cannot settle.
	if !models.FundingCovers(c, m, acct) {
		return nil, nil, apperr.New(apperr.CodeInsufficientFunding,
			"escrow does not cover milestone %d under %s", m.OrderIndex, c.FundingMode)
	}

	sub := &models.ProgressSubmission{
		MilestoneID: m.ID,
		DeveloperID: actor.ID,
		Summary:     in.Summary,
		Items:       in.Items,
	}
	if err := s.milestones.CreateSubmission(ctx, tx, sub); err != nil {
		return nil, nil, err
	}

	oldStatus := m.Status
	if err := s.transition(ctx, tx, m, models.MilestoneStatusSubmitted, actor); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	s.publishStatusChange(ctx, m, oldStatus)
	return m, sub, nil
}

type ReviewInput struct {
	Decision   string
	ReasonCode *string
	Comments   *string
}

// Review records the client's verdict on the latest submission. The
// submitted -> in_review -> decision hop happens in one transaction so a
// milestone is never left dangling in review.
func (s *MilestoneService) Review(ctx context.Context, actor Actor, milestoneID uuid.UUID, in ReviewInput) (*models.Milestone, error) {
	target := models.ReviewDecisionStatus(in.Decision)
	if target == "" {
		return nil, apperr.Validation("unknown review decision %q", in.Decision)
	}
	if in.Decision != models.ReviewDecisionApprove && (in.ReasonCode == nil || *in.ReasonCode == "") {
		return nil, apperr.Validation("%s requires a reason code", in.Decision)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	c, _, m, err := s.lockForMilestone(ctx, tx, milestoneID)
	if err != nil {
		return nil, err
	}
	if c.ClientID != actor.ID && !actor.IsAdmin() {
		return nil, apperr.Forbidden("only the contract's client can review")
	}

	sub, err := s.milestones.GetLatestSubmission(ctx, m.ID)
	if err != nil {
		return nil, err
	}

	oldStatus := m.Status
	if err := s.transition(ctx, tx, m, models.MilestoneStatusInReview, actor); err != nil {
		return nil, err
	}
	if err := s.transition(ctx, tx, m, target, actor); err != nil {
		return nil, err
	}

	if err := s.milestones.CreateReview(ctx, tx, &models.MilestoneReview{
		MilestoneID:  m.ID,
		SubmissionID: sub.ID,
		ReviewerID:   actor.ID,
		Decision:     in.Decision,
		ReasonCode:   in.ReasonCode,
		Comments:     in.Comments,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.publishStatusChange(ctx, m, oldStatus)
	return m, nil
}

// ReleaseResult reports what a release moved and withheld.
type ReleaseResult struct {
	Milestone *models.Milestone         `json:"milestone"`
	Payout    *models.EscrowTransaction `json:"payout"`
	Penalty   int64                     `json:"penalty"`
}

// Release pays out an approved milestone. The whole decision runs under
// the contract -> account -> milestone lock chain: of two concurrent
// releases exactly one commits, the other sees already_released.
func (s *MilestoneService) Release(ctx context.Context, actor Actor, milestoneID uuid.UUID) (*ReleaseResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	c, acct, m, err := s.lockForMilestone(ctx, tx, milestoneID)
	if err != nil {
		return nil, err
	}
	if c.ClientID != actor.ID && !actor.IsAdmin() {
		return nil, apperr.Forbidden("only the contract's client can release funds")
	}
	if m.Status == models.MilestoneStatusReleased {
		return nil, apperr.New(apperr.CodeAlreadyReleased, "milestone %s already released", m.ID)
	}
	if m.Status != models.MilestoneStatusApproved {
		return nil, apperr.InvalidTransition("milestone", m.Status, models.MilestoneStatusReleased)
	}
	if c.Status != models.ContractStatusActiveFunded {
		return nil, apperr.New(apperr.CodePreconditionFailed, "contract is %s, release requires active_funded", c.Status)
	}
	if acct.Status == models.EscrowAccountFrozen {
		return nil, apperr.New(apperr.CodeAccountFrozen, "escrow account is frozen by an open dispute")
	}
	if acct.Status != models.EscrowAccountActive {
		return nil, apperr.New(apperr.CodePreconditionFailed, "escrow account is %s", acct.Status)
	}

	payout, penalty := models.LatePenalty(m.Amount, m.DueAt, s.now(), s.cfg.LatePenaltyBPSPerDay, s.cfg.LatePenaltyCapBPS)
	if acct.Available() < payout {
		return nil, apperr.New(apperr.CodeInsufficientBalance,
			"escrow holds %d, release needs %d", acct.Available(), payout)
	}

	if err := s.milestones.MarkReleasedGuarded(ctx, tx, m.ID); err != nil {
		return nil, err
	}
	m.Status = models.MilestoneStatusReleased
	if err := s.escrow.AddReleased(ctx, tx, acct.ID, payout); err != nil {
		return nil, err
	}

	payoutTx := &models.EscrowTransaction{
		AccountID:   acct.ID,
		ContractID:  c.ID,
		MilestoneID: &m.ID,
		Type:        models.EscrowTxRelease,
		Amount:      payout,
		Source:      models.LedgerPartyEscrow,
		Destination: models.LedgerPartyDeveloper,
		Status:      models.EscrowTxPending,
	}
	if err := s.escrow.InsertTransaction(ctx, tx, payoutTx); err != nil {
		return nil, err
	}

	if penalty > 0 {
		note := "late penalty withheld"
		now := s.now()
		if err := s.escrow.InsertTransaction(ctx, tx, &models.EscrowTransaction{
			AccountID:   acct.ID,
			ContractID:  c.ID,
			MilestoneID: &m.ID,
			Type:        models.EscrowTxAdjustment,
			Amount:      penalty,
			Source:      models.LedgerPartyEscrow,
			Destination: models.LedgerPartyClient,
			Status:      models.EscrowTxSuccess,
			Note:        &note,
			SettledAt:   &now,
		}); err != nil {
			return nil, err
		}
	}

	if err := s.reconcile(ctx, tx, acct, payout); err != nil {
		return nil, err
	}

	if err := s.activity.Record(ctx, tx, &models.ActivityEntry{
		ContractID: c.ID,
		ActorID:    &actor.ID,
		ActorType:  actor.ActorType(),
		Action:     "milestone_released",
		Payload: map[string]any{
			"milestone_id": m.ID.String(),
			"payout":       payout,
			"penalty":      penalty,
		},
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	_ = s.publisher.Publish(ctx, events.StreamContract, events.Event{
		Type: events.EventMilestoneReleased,
		Payload: map[string]any{
			"contract_id":  c.ID.String(),
			"milestone_id": m.ID.String(),
			"payout":       payout,
			"penalty":      penalty,
		},
	})
	s.dispatchPayout(ctx, c, payoutTx)

	return &ReleaseResult{Milestone: m, Payout: payoutTx, Penalty: penalty}, nil
}

// reconcile cross-checks the account totals against the ledger before the
// release commits. A mismatch aborts the transaction rather than letting a
// corrupted balance pay out.
func (s *MilestoneService) reconcile(ctx context.Context, tx pgx.Tx, acct *models.EscrowAccount, justReleased int64) error {
	fundedSum, err := s.escrow.SumSuccessful(ctx, tx, acct.ID, models.EscrowTxFund)
	if err != nil {
		return err
	}
	releasedSum, err := s.escrow.SumNonFailed(ctx, tx, acct.ID, models.EscrowTxRelease)
	if err != nil {
		return err
	}
	if fundedSum != acct.FundedTotal {
		return apperr.New(apperr.CodeInternal,
			"ledger reconciliation failed: funded ledger %d, account %d", fundedSum, acct.FundedTotal)
	}
	if releasedSum != acct.ReleasedTotal+justReleased {
		return apperr.New(apperr.CodeInternal,
			"ledger reconciliation failed: released ledger %d, account %d", releasedSum, acct.ReleasedTotal+justReleased)
	}
	return nil
}

// dispatchPayout sends the committed payout to the provider, net of the
// platform fee. Failures are retried by the dispatch worker.
func (s *MilestoneService) dispatchPayout(ctx context.Context, c *models.Contract, payoutTx *models.EscrowTransaction) {
	fee := models.PlatformFee(payoutTx.Amount, s.cfg.PlatformFeeBPS)
	result, err := s.provider.InitiatePayout(ctx, payoutTx.ID, payoutTx.Amount-fee, c.Currency, *c.DeveloperID)
	if err != nil {
		s.log.Warn("payout dispatch failed, worker will retry",
			zap.String("transaction_id", payoutTx.ID.String()), zap.Error(err))
		return
	}
	if err := s.escrow.SetTransactionProviderRef(ctx, payoutTx.ID, result.Reference); err != nil {
		s.log.Error("failed to store payout provider reference",
			zap.String("transaction_id", payoutTx.ID.String()), zap.Error(err))
	}
}

// ---- Reads ----

func (s *MilestoneService) ListSubmissions(ctx context.Context, actor Actor, milestoneID uuid.UUID) ([]models.ProgressSubmission, error) {
	m, err := s.milestones.GetByID(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	if err := s.requireParty(ctx, m.ContractID, actor); err != nil {
		return nil, err
	}
	return s.milestones.ListSubmissions(ctx, milestoneID)
}

func (s *MilestoneService) ListReviews(ctx context.Context, actor Actor, milestoneID uuid.UUID) ([]models.MilestoneReview, error) {
	m, err := s.milestones.GetByID(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	if err := s.requireParty(ctx, m.ContractID, actor); err != nil {
		return nil, err
	}
	return s.milestones.ListReviews(ctx, milestoneID)
}

func (s *MilestoneService) Get(ctx context.Context, actor Actor, milestoneID uuid.UUID) (*models.Milestone, error) {
	m, err := s.milestones.GetByID(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	if err := s.requireParty(ctx, m.ContractID, actor); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *MilestoneService) requireParty(ctx context.Context, contractID uuid.UUID, actor Actor) error {
	if actor.IsAdmin() {
		return nil
	}
	c, err := s.contracts.GetByID(ctx, contractID)
	if err != nil {
		return err
	}
	if c.ClientID == actor.ID {
		return nil
	}
	if c.DeveloperID != nil && *c.DeveloperID == actor.ID {
		return nil
	}
	return apperr.Forbidden("not a party to this contract")
}
