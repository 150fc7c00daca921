package services

import (
	"context"
	"fmt"
	"time"

	"github.com/devsoko/escrow-engine/internal/apperr"
	"github.com/devsoko/escrow-engine/internal/config"
	"github.com/devsoko/escrow-engine/internal/events"
	"github.com/devsoko/escrow-engine/internal/models"
	"github.com/devsoko/escrow-engine/internal/repositories"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

type ContractService struct {
	pool       TxBeginner
	contracts  ContractStore
	milestones MilestoneStore
	escrow     EscrowStore
	activity   ActivityStore
	provider   FundingProvider
	publisher  events.Publisher
	cfg        *config.Config
	log        *zap.Logger
}

func NewContractService(
	pool TxBeginner,
	contracts ContractStore,
	milestones MilestoneStore,
	escrow EscrowStore,
	activity ActivityStore,
	provider FundingProvider,
	publisher events.Publisher,
	cfg *config.Config,
	log *zap.Logger,
) *ContractService {
	return &ContractService{
		pool:       pool,
		contracts:  contracts,
		milestones: milestones,
		escrow:     escrow,
		activity:   activity,
		provider:   provider,
		publisher:  publisher,
		cfg:        cfg,
		log:        log,
	}
}

// transition validates and performs a contract status move with its audit
// entry, inside the caller's transaction.
func (s *ContractService) transition(ctx context.Context, tx pgx.Tx, c *models.Contract, newStatus string, actor Actor) error {
	if !models.IsValidContractTransition(c.Status, newStatus) {
		return apperr.InvalidTransition("contract", c.Status, newStatus)
	}

	oldStatus := c.Status
	if err := s.contracts.UpdateStatusGuarded(ctx, tx, c.ID, oldStatus, newStatus); err != nil {
		return err
	}
	c.Status = newStatus

	return s.activity.Record(ctx, tx, &models.ActivityEntry{
		ContractID: c.ID,
		ActorID:    &actor.ID,
		ActorType:  actor.ActorType(),
		Action:     fmt.Sprintf("contract_status_%s_to_%s", oldStatus, newStatus),
		Payload:    map[string]any{"old_status": oldStatus, "new_status": newStatus},
	})
}

func (s *ContractService) publishStatusChange(ctx context.Context, c *models.Contract, oldStatus string) {
	_ = s.publisher.Publish(ctx, events.StreamContract, events.Event{
		Type: events.EventContractStatusChanged,
		Payload: map[string]any{
			"contract_id": c.ID.String(),
			"old_status":  oldStatus,
			"new_status":  c.Status,
		},
	})
}

type CreateContractInput struct {
	Title       string
	Description *string
	Currency    string
	DeveloperID *uuid.UUID
	FundingMode string
	Milestones  []MilestoneInput
	Metadata    map[string]any
}

type MilestoneInput struct {
	Title              string
	Amount             int64
	DueAt              time.Time
	AcceptanceCriteria string
}

// Create builds a draft contract, its milestone plan, and its escrow
// account in one transaction.
func (s *ContractService) Create(ctx context.Context, actor Actor, in CreateContractInput) (*models.Contract, []*models.Milestone, error) {
	if in.Title == "" {
		return nil, nil, apperr.Validation("contract title is required")
	}
	if len(in.Currency) != 3 {
		return nil, nil, apperr.Validation("currency must be a 3-letter ISO code")
	}
	if in.FundingMode == "" {
		in.FundingMode = models.FundingModeNextMilestone
	}
	if !models.IsValidFundingMode(in.FundingMode) {
		return nil, nil, apperr.Validation("unknown funding mode %q", in.FundingMode)
	}

	var total int64
	milestones := make([]*models.Milestone, 0, len(in.Milestones))
	for i, mi := range in.Milestones {
		total += mi.Amount
		milestones = append(milestones, &models.Milestone{
			OrderIndex:         i,
			Title:              mi.Title,
			Amount:             mi.Amount,
			DueAt:              mi.DueAt,
			AcceptanceCriteria: mi.AcceptanceCriteria,
			Status:             models.MilestoneStatusNotStarted,
		})
	}
	if err := models.ValidateMilestonePlan(total, milestones); err != nil {
		return nil, nil, err
	}

	c := &models.Contract{
		ClientID:     actor.ID,
		DeveloperID:  in.DeveloperID,
		Title:        in.Title,
		Description:  in.Description,
		Currency:     in.Currency,
		TotalAmount:  total,
		Status:       models.ContractStatusDraft,
		FundingMode:  in.FundingMode,
		TermsVersion: 1,
		Metadata:     in.Metadata,
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	if err := s.contracts.Create(ctx, tx, c); err != nil {
		return nil, nil, err
	}
	for _, m := range milestones {
		m.ContractID = c.ID
		if err := s.milestones.Insert(ctx, tx, m); err != nil {
			return nil, nil, err
		}
	}
	if err := s.escrow.CreateAccount(ctx, tx, &models.EscrowAccount{
		ContractID: c.ID,
		Currency:   c.Currency,
		Status:     models.EscrowAccountActive,
	}); err != nil {
		return nil, nil, err
	}
	if err := s.activity.Record(ctx, tx, &models.ActivityEntry{
		ContractID: c.ID,
		ActorID:    &actor.ID,
		ActorType:  actor.ActorType(),
		Action:     "contract_created",
		Payload:    map[string]any{"total_amount": total, "milestones": len(milestones)},
	}); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return c, milestones, nil
}

// SendToDeveloper moves a draft to pending acceptance and pins the
// counterparty.
func (s *ContractService) SendToDeveloper(ctx context.Context, actor Actor, contractID, developerID uuid.UUID) (*models.Contract, error) {
	if developerID == uuid.Nil {
		return nil, apperr.Validation("developer id is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	c, err := s.contracts.GetForUpdate(ctx, tx, contractID)
	if err != nil {
		return nil, err
	}
	if c.ClientID != actor.ID && !actor.IsAdmin() {
		return nil, apperr.Forbidden("only the contract's client can send it")
	}
	if developerID == c.ClientID {
		return nil, apperr.Validation("client and developer must be different parties")
	}

	oldStatus := c.Status
	if err := s.transition(ctx, tx, c, models.ContractStatusPendingAcceptance, actor); err != nil {
		return nil, err
	}
	if err := s.contracts.SetDeveloper(ctx, tx, c.ID, developerID); err != nil {
		return nil, err
	}
	c.DeveloperID = &developerID

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.publishStatusChange(ctx, c, oldStatus)
	return c, nil
}

// Accept is the developer's acceptance of the offered terms. The contract
// becomes active and the working clock starts.
func (s *ContractService) Accept(ctx context.Context, actor Actor, contractID uuid.UUID) (*models.Contract, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	c, err := s.contracts.GetForUpdate(ctx, tx, contractID)
	if err != nil {
		return nil, err
	}
	if c.DeveloperID == nil || *c.DeveloperID != actor.ID {
		return nil, apperr.Forbidden("only the named developer can accept")
	}

	oldStatus := c.Status
	if err := s.transition(ctx, tx, c, models.ContractStatusActiveUnfunded, actor); err != nil {
		return nil, err
	}
	if err := s.contracts.SetStartDate(ctx, tx, c.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.publishStatusChange(ctx, c, oldStatus)
	return c, nil
}

// Decline rejects the offer. The contract is cancelled before any money
// moved, so there is nothing to unwind.
func (s *ContractService) Decline(ctx context.Context, actor Actor, contractID uuid.UUID) (*models.Contract, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	c, err := s.contracts.GetForUpdate(ctx, tx, contractID)
	if err != nil {
		return nil, err
	}
	if c.DeveloperID == nil || *c.DeveloperID != actor.ID {
		return nil, apperr.Forbidden("only the named developer can decline")
	}
	if c.Status != models.ContractStatusPendingAcceptance {
		return nil, apperr.InvalidTransition("contract", c.Status, models.ContractStatusCancelled)
	}

	oldStatus := c.Status
	if err := s.transition(ctx, tx, c, models.ContractStatusCancelled, actor); err != nil {
		return nil, err
	}
	if err := s.contracts.MarkCancelled(ctx, tx, c.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.publishStatusChange(ctx, c, oldStatus)
	return c, nil
}

// Pause suspends work. The pre-pause status is remembered so Resume can
// restore it exactly.
func (s *ContractService) Pause(ctx context.Context, actor Actor, contractID uuid.UUID, reason *string) (*models.Contract, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	c, err := s.contracts.GetForUpdate(ctx, tx, contractID)
	if err != nil {
		return nil, err
	}
	if err := s.requireParty(c, actor); err != nil {
		return nil, err
	}

	oldStatus := c.Status
	if err := s.transition(ctx, tx, c, models.ContractStatusPaused, actor); err != nil {
		return nil, err
	}
	if err := s.contracts.SetPause(ctx, tx, c.ID, oldStatus, reason); err != nil {
		return nil, err
	}
	c.PausedFrom = &oldStatus

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.publishStatusChange(ctx, c, oldStatus)
	return c, nil
}

// Resume restores the status the contract was paused from. A contract
// frozen by an open dispute cannot resume until the dispute closes.
func (s *ContractService) Resume(ctx context.Context, actor Actor, contractID uuid.UUID) (*models.Contract, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	c, err := s.contracts.GetForUpdate(ctx, tx, contractID)
	if err != nil {
		return nil, err
	}
	if err := s.requireParty(c, actor); err != nil {
		return nil, err
	}
	if c.PausedFrom == nil {
		return nil, apperr.InvalidTransition("contract", c.Status, models.ContractStatusActiveFunded)
	}

	acct, err := s.escrow.GetAccountForUpdate(ctx, tx, c.ID)
	if err != nil {
		return nil, err
	}
	if acct.Status == models.EscrowAccountFrozen {
		return nil, apperr.New(apperr.CodePreconditionFailed, "contract has an open dispute")
	}

	oldStatus := c.Status
	if err := s.transition(ctx, tx, c, *c.PausedFrom, actor); err != nil {
		return nil, err
	}
	if err := s.contracts.ClearPause(ctx, tx, c.ID); err != nil {
		return nil, err
	}
	c.PausedFrom = nil
	c.PauseReason = nil

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.publishStatusChange(ctx, c, oldStatus)
	return c, nil
}

// Cancel ends the contract early and refunds whatever is still held in
// escrow. Clients can cancel only while the released share is under the
// configured limit; admins always can.
func (s *ContractService) Cancel(ctx context.Context, actor Actor, contractID uuid.UUID, reason *string) (*models.Contract, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	c, err := s.contracts.GetForUpdate(ctx, tx, contractID)
	if err != nil {
		return nil, err
	}
	if c.ClientID != actor.ID && !actor.IsAdmin() {
		return nil, apperr.Forbidden("only the client or an admin can cancel")
	}
	if models.IsTerminalContractStatus(c.Status) {
		return nil, apperr.InvalidTransition("contract", c.Status, models.ContractStatusCancelled)
	}

	acct, err := s.escrow.GetAccountForUpdate(ctx, tx, c.ID)
	if err != nil {
		return nil, err
	}
	if acct.Status == models.EscrowAccountFrozen && !actor.IsAdmin() {
		return nil, apperr.New(apperr.CodePreconditionFailed, "contract has an open dispute")
	}
	if !actor.IsAdmin() && acct.ReleasedTotal*10000 > c.TotalAmount*int64(s.cfg.CancelReleasedLimitBPS) {
		return nil, apperr.New(apperr.CodePreconditionFailed,
			"released share exceeds the cancellation limit, open a dispute instead")
	}

	oldStatus := c.Status
	if err := s.transition(ctx, tx, c, models.ContractStatusCancelled, actor); err != nil {
		return nil, err
	}
	if err := s.contracts.MarkCancelled(ctx, tx, c.ID); err != nil {
		return nil, err
	}

	refundTx, err := s.refundResidual(ctx, tx, c, acct, actor)
	if err != nil {
		return nil, err
	}
	if err := s.closeAccount(ctx, tx, acct); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.publishStatusChange(ctx, c, oldStatus)
	s.dispatchRefund(ctx, c, refundTx)
	return c, nil
}

// Complete closes a contract whose milestones have all been released.
// Rejected milestones block completion until a change request removes them
// or the contract is cancelled. Any residue left by penalties or
// over-funding goes back to the client.
func (s *ContractService) Complete(ctx context.Context, actor Actor, contractID uuid.UUID) (*models.Contract, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	c, err := s.contracts.GetForUpdate(ctx, tx, contractID)
	if err != nil {
		return nil, err
	}
	if c.ClientID != actor.ID && !actor.IsAdmin() {
		return nil, apperr.Forbidden("only the client or an admin can complete")
	}

	milestones, err := s.milestones.ListByContractForUpdate(ctx, tx, c.ID)
	if err != nil {
		return nil, err
	}
	for _, m := range milestones {
		if m.Status != models.MilestoneStatusReleased {
			return nil, apperr.New(apperr.CodePreconditionFailed,
				"milestone %s is %s, completion requires every milestone released", m.ID, m.Status)
		}
	}

	acct, err := s.escrow.GetAccountForUpdate(ctx, tx, c.ID)
	if err != nil {
		return nil, err
	}
	if acct.Status == models.EscrowAccountFrozen {
		return nil, apperr.New(apperr.CodePreconditionFailed, "contract has an open dispute")
	}

	oldStatus := c.Status
	if err := s.transition(ctx, tx, c, models.ContractStatusCompleted, actor); err != nil {
		return nil, err
	}

	refundTx, err := s.refundResidual(ctx, tx, c, acct, actor)
	if err != nil {
		return nil, err
	}
	if err := s.closeAccount(ctx, tx, acct); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.publishStatusChange(ctx, c, oldStatus)
	s.dispatchRefund(ctx, c, refundTx)
	return c, nil
}

// refundResidual writes a pending refund row for whatever the account
// still holds. Returns nil when the balance is already zero.
func (s *ContractService) refundResidual(ctx context.Context, tx pgx.Tx, c *models.Contract, acct *models.EscrowAccount, actor Actor) (*models.EscrowTransaction, error) {
	residual := acct.Available()
	if residual <= 0 {
		return nil, nil
	}

	refundTx := &models.EscrowTransaction{
		AccountID:   acct.ID,
		ContractID:  c.ID,
		Type:        models.EscrowTxRefund,
		Amount:      residual,
		Source:      models.LedgerPartyEscrow,
		Destination: models.LedgerPartyClient,
		Status:      models.EscrowTxPending,
	}
	if err := s.escrow.InsertTransaction(ctx, tx, refundTx); err != nil {
		return nil, err
	}
	if err := s.escrow.AddRefunded(ctx, tx, acct.ID, residual); err != nil {
		return nil, err
	}
	if err := s.activity.Record(ctx, tx, &models.ActivityEntry{
		ContractID: c.ID,
		ActorID:    &actor.ID,
		ActorType:  actor.ActorType(),
		Action:     "escrow_residual_refunded",
		Payload:    map[string]any{"amount": residual},
	}); err != nil {
		return nil, err
	}
	return refundTx, nil
}

func (s *ContractService) closeAccount(ctx context.Context, tx pgx.Tx, acct *models.EscrowAccount) error {
	if acct.Status != models.EscrowAccountActive {
		return nil
	}
	return s.escrow.UpdateAccountStatusGuarded(ctx, tx, acct.ID, models.EscrowAccountActive, models.EscrowAccountClosed)
}

// dispatchRefund sends a committed refund row to the provider. A failed
// call is retried by the dispatch worker, which picks up rows without a
// provider reference.
func (s *ContractService) dispatchRefund(ctx context.Context, c *models.Contract, refundTx *models.EscrowTransaction) {
	if refundTx == nil {
		return
	}
	result, err := s.provider.InitiateRefund(ctx, refundTx.ID, refundTx.Amount, c.Currency, c.ClientID)
	if err != nil {
		s.log.Warn("refund dispatch failed, worker will retry",
			zap.String("transaction_id", refundTx.ID.String()), zap.Error(err))
		return
	}
	if err := s.escrow.SetTransactionProviderRef(ctx, refundTx.ID, result.Reference); err != nil {
		s.log.Error("failed to store refund provider reference",
			zap.String("transaction_id", refundTx.ID.String()), zap.Error(err))
	}
}

func (s *ContractService) requireParty(c *models.Contract, actor Actor) error {
	if actor.IsAdmin() || c.ClientID == actor.ID {
		return nil
	}
	if c.DeveloperID != nil && *c.DeveloperID == actor.ID {
		return nil
	}
	return apperr.Forbidden("not a party to this contract")
}

// ---- Reads ----

func (s *ContractService) Get(ctx context.Context, actor Actor, contractID uuid.UUID) (*models.Contract, error) {
	c, err := s.contracts.GetByID(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if err := s.requireParty(c, actor); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *ContractService) List(ctx context.Context, actor Actor, f repositories.ContractFilter) ([]models.Contract, error) {
	if !actor.IsAdmin() {
		// Non-admins only see their own side of the table.
		if actor.Role == "developer" {
			f.DeveloperID = &actor.ID
			f.ClientID = nil
		} else {
			f.ClientID = &actor.ID
			f.DeveloperID = nil
		}
	}
	return s.contracts.List(ctx, f)
}

func (s *ContractService) ListMilestones(ctx context.Context, actor Actor, contractID uuid.UUID) ([]*models.Milestone, error) {
	c, err := s.contracts.GetByID(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if err := s.requireParty(c, actor); err != nil {
		return nil, err
	}
	return s.milestones.ListByContract(ctx, contractID)
}

func (s *ContractService) GetActivity(ctx context.Context, actor Actor, contractID uuid.UUID, limit, offset int) ([]models.ActivityEntry, error) {
	c, err := s.contracts.GetByID(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if err := s.requireParty(c, actor); err != nil {
		return nil, err
	}
	return s.activity.ListByContract(ctx, contractID, limit, offset)
}
