package services

import (
	"context"

	"github.com/devsoko/escrow-engine/internal/apperr"
	"github.com/devsoko/escrow-engine/internal/config"
	"github.com/devsoko/escrow-engine/internal/events"
	"github.com/devsoko/escrow-engine/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

type DisputeService struct {
	pool      TxBeginner
	contracts ContractStore
	escrow    EscrowStore
	disputes  DisputeStore
	activity  ActivityStore
	provider  FundingProvider
	publisher events.Publisher
	cfg       *config.Config
	log       *zap.Logger
}

func NewDisputeService(
	pool TxBeginner,
	contracts ContractStore,
	escrow EscrowStore,
	disputes DisputeStore,
	activity ActivityStore,
	provider FundingProvider,
	publisher events.Publisher,
	cfg *config.Config,
	log *zap.Logger,
) *DisputeService {
	return &DisputeService{
		pool:      pool,
		contracts: contracts,
		escrow:    escrow,
		disputes:  disputes,
		activity:  activity,
		provider:  provider,
		publisher: publisher,
		cfg:       cfg,
		log:       log,
	}
}

type OpenDisputeInput struct {
	MilestoneID *uuid.UUID
	Reason      string
	Description *string
}

// Open raises a dispute, freezes the escrow account, and pauses the
// contract, all in one transaction. While the dispute stands no money
// moves and the contract cannot resume.
func (s *DisputeService) Open(ctx context.Context, actor Actor, contractID uuid.UUID, in OpenDisputeInput) (*models.Dispute, error) {
	if in.Reason == "" {
		return nil, apperr.Validation("dispute reason is required")
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
	if err := s.requireParty(c, actor); err != nil {
		return nil, err
	}
	if !models.IsActiveContractStatus(c.Status) && c.Status != models.ContractStatusPaused {
		return nil, apperr.New(apperr.CodePreconditionFailed, "cannot dispute a %s contract", c.Status)
	}

	acct, err := s.escrow.GetAccountForUpdate(ctx, tx, c.ID)
	if err != nil {
		return nil, err
	}
	open, err := s.disputes.CountOpen(ctx, tx, c.ID)
	if err != nil {
		return nil, err
	}
	if open > 0 {
		return nil, apperr.New(apperr.CodeConflict, "contract already has an open dispute")
	}

	d := &models.Dispute{
		ContractID:  c.ID,
		MilestoneID: in.MilestoneID,
		RaisedBy:    actor.ID,
		Reason:      in.Reason,
		Description: in.Description,
		Status:      models.DisputeStatusOpen,
	}
	if err := s.disputes.Create(ctx, tx, d); err != nil {
		return nil, err
	}

	if acct.Status == models.EscrowAccountActive {
		if err := s.escrow.UpdateAccountStatusGuarded(ctx, tx, acct.ID,
			models.EscrowAccountActive, models.EscrowAccountFrozen); err != nil {
			return nil, err
		}
	}
	if models.IsActiveContractStatus(c.Status) {
		oldStatus := c.Status
		if err := s.contracts.UpdateStatusGuarded(ctx, tx, c.ID, oldStatus, models.ContractStatusPaused); err != nil {
			return nil, err
		}
		if err := s.contracts.SetPause(ctx, tx, c.ID, oldStatus, &in.Reason); err != nil {
			return nil, err
		}
		c.Status = models.ContractStatusPaused
		c.PausedFrom = &oldStatus
	}

	if err := s.activity.Record(ctx, tx, &models.ActivityEntry{
		ContractID: c.ID,
		ActorID:    &actor.ID,
		ActorType:  actor.ActorType(),
		Action:     "dispute_opened",
		Payload:    map[string]any{"dispute_id": d.ID.String(), "reason": in.Reason},
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	_ = s.publisher.Publish(ctx, events.StreamContract, events.Event{
		Type: events.EventDisputeOpened,
		Payload: map[string]any{
			"contract_id": c.ID.String(),
			"dispute_id":  d.ID.String(),
		},
	})
	return d, nil
}

type ResolveDisputeInput struct {
	Disposition   string
	ReleaseAmount int64
	RefundAmount  int64
	Note          *string
}

// Resolve closes a dispute with an explicit fund disposition and unwinds
// the freeze. Admin only: the parties settle informally by withdrawing.
func (s *DisputeService) Resolve(ctx context.Context, actor Actor, disputeID uuid.UUID, in ResolveDisputeInput) (*models.Dispute, error) {
	if !actor.IsAdmin() {
		return nil, apperr.Forbidden("only an admin can resolve a dispute")
	}

	var toStatus string
	switch in.Disposition {
	case models.DisputeDispositionRelease:
		toStatus = models.DisputeStatusResolvedDeveloper
		if in.ReleaseAmount <= 0 || in.RefundAmount != 0 {
			return nil, apperr.Validation("release disposition moves funds to the developer only")
		}
	case models.DisputeDispositionRefund:
		toStatus = models.DisputeStatusResolvedClient
		if in.RefundAmount <= 0 || in.ReleaseAmount != 0 {
			return nil, apperr.Validation("refund disposition moves funds to the client only")
		}
	case models.DisputeDispositionSplit:
		toStatus = models.DisputeStatusResolvedAdmin
		if in.ReleaseAmount <= 0 || in.RefundAmount <= 0 {
			return nil, apperr.Validation("split disposition requires both amounts")
		}
	default:
		return nil, apperr.Validation("unknown disposition %q", in.Disposition)
	}

	d, err := s.disputes.GetByID(ctx, disputeID)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	c, err := s.contracts.GetForUpdate(ctx, tx, d.ContractID)
	if err != nil {
		return nil, err
	}
	acct, err := s.escrow.GetAccountForUpdate(ctx, tx, d.ContractID)
	if err != nil {
		return nil, err
	}
	d, err = s.disputes.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != models.DisputeStatusOpen {
		return nil, apperr.InvalidTransition("dispute", d.Status, toStatus)
	}
	if in.ReleaseAmount+in.RefundAmount > acct.Available() {
		return nil, apperr.New(apperr.CodeInsufficientBalance,
			"escrow holds %d, disposition moves %d", acct.Available(), in.ReleaseAmount+in.RefundAmount)
	}

	if err := s.disputes.ResolveGuarded(ctx, tx, d.ID, toStatus,
		&in.Disposition, in.ReleaseAmount, in.RefundAmount, in.Note, actor.ID); err != nil {
		return nil, err
	}
	d.Status = toStatus
	d.Disposition = &in.Disposition
	d.ReleaseAmount = in.ReleaseAmount
	d.RefundAmount = in.RefundAmount

	var payoutTx, refundTx *models.EscrowTransaction
	note := "dispute resolution"
	if in.ReleaseAmount > 0 {
		payoutTx = &models.EscrowTransaction{
			AccountID:   acct.ID,
			ContractID:  c.ID,
			MilestoneID: d.MilestoneID,
			Type:        models.EscrowTxRelease,
			Amount:      in.ReleaseAmount,
			Source:      models.LedgerPartyEscrow,
			Destination: models.LedgerPartyDeveloper,
			Status:      models.EscrowTxPending,
			Note:        &note,
		}
		if err := s.escrow.InsertTransaction(ctx, tx, payoutTx); err != nil {
			return nil, err
		}
		if err := s.escrow.AddReleased(ctx, tx, acct.ID, in.ReleaseAmount); err != nil {
			return nil, err
		}
	}
	if in.RefundAmount > 0 {
		refundTx = &models.EscrowTransaction{
			AccountID:   acct.ID,
			ContractID:  c.ID,
			MilestoneID: d.MilestoneID,
			Type:        models.EscrowTxRefund,
			Amount:      in.RefundAmount,
			Source:      models.LedgerPartyEscrow,
			Destination: models.LedgerPartyClient,
			Status:      models.EscrowTxPending,
			Note:        &note,
		}
		if err := s.escrow.InsertTransaction(ctx, tx, refundTx); err != nil {
			return nil, err
		}
		if err := s.escrow.AddRefunded(ctx, tx, acct.ID, in.RefundAmount); err != nil {
			return nil, err
		}
	}

	if err := s.unfreeze(ctx, tx, c, acct); err != nil {
		return nil, err
	}

	if err := s.activity.Record(ctx, tx, &models.ActivityEntry{
		ContractID: c.ID,
		ActorID:    &actor.ID,
		ActorType:  models.ActorTypeAdmin,
		Action:     "dispute_resolved",
		Payload: map[string]any{
			"dispute_id":     d.ID.String(),
			"disposition":    in.Disposition,
			"release_amount": in.ReleaseAmount,
			"refund_amount":  in.RefundAmount,
		},
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	_ = s.publisher.Publish(ctx, events.StreamContract, events.Event{
		Type: events.EventDisputeResolved,
		Payload: map[string]any{
			"contract_id": c.ID.String(),
			"dispute_id":  d.ID.String(),
			"disposition": in.Disposition,
		},
	})
	if payoutTx != nil && c.DeveloperID != nil {
		s.dispatch(ctx, payoutTx, c.Currency, *c.DeveloperID, false)
	}
	if refundTx != nil {
		s.dispatch(ctx, refundTx, c.Currency, c.ClientID, true)
	}
	return d, nil
}

// Withdraw lets the raising party retract an open dispute, restoring the
// pre-dispute state.
func (s *DisputeService) Withdraw(ctx context.Context, actor Actor, disputeID uuid.UUID) (*models.Dispute, error) {
	d, err := s.disputes.GetByID(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.RaisedBy != actor.ID && !actor.IsAdmin() {
		return nil, apperr.Forbidden("only the raising party can withdraw a dispute")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	c, err := s.contracts.GetForUpdate(ctx, tx, d.ContractID)
	if err != nil {
		return nil, err
	}
	acct, err := s.escrow.GetAccountForUpdate(ctx, tx, d.ContractID)
	if err != nil {
		return nil, err
	}
	d, err = s.disputes.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != models.DisputeStatusOpen {
		return nil, apperr.InvalidTransition("dispute", d.Status, models.DisputeStatusWithdrawn)
	}

	if err := s.disputes.ResolveGuarded(ctx, tx, d.ID, models.DisputeStatusWithdrawn,
		nil, 0, 0, nil, actor.ID); err != nil {
		return nil, err
	}
	d.Status = models.DisputeStatusWithdrawn

	if err := s.unfreeze(ctx, tx, c, acct); err != nil {
		return nil, err
	}

	if err := s.activity.Record(ctx, tx, &models.ActivityEntry{
		ContractID: c.ID,
		ActorID:    &actor.ID,
		ActorType:  actor.ActorType(),
		Action:     "dispute_withdrawn",
		Payload:    map[string]any{"dispute_id": d.ID.String()},
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	_ = s.publisher.Publish(ctx, events.StreamContract, events.Event{
		Type: events.EventDisputeResolved,
		Payload: map[string]any{
			"contract_id": c.ID.String(),
			"dispute_id":  d.ID.String(),
			"disposition": "withdrawn",
		},
	})
	return d, nil
}

// unfreeze thaws the account and resumes the contract from its pre-dispute
// status.
func (s *DisputeService) unfreeze(ctx context.Context, tx pgx.Tx, c *models.Contract, acct *models.EscrowAccount) error {
	if acct.Status == models.EscrowAccountFrozen {
		if err := s.escrow.UpdateAccountStatusGuarded(ctx, tx, acct.ID,
			models.EscrowAccountFrozen, models.EscrowAccountActive); err != nil {
			return err
		}
	}
	if c.Status == models.ContractStatusPaused && c.PausedFrom != nil {
		if err := s.contracts.UpdateStatusGuarded(ctx, tx, c.ID, models.ContractStatusPaused, *c.PausedFrom); err != nil {
			return err
		}
		if err := s.contracts.ClearPause(ctx, tx, c.ID); err != nil {
			return err
		}
		c.Status = *c.PausedFrom
		c.PausedFrom = nil
	}
	return nil
}

func (s *DisputeService) dispatch(ctx context.Context, t *models.EscrowTransaction, currency string, destination uuid.UUID, refund bool) {
	var result *ProviderResult
	var err error
	if refund {
		result, err = s.provider.InitiateRefund(ctx, t.ID, t.Amount, currency, destination)
	} else {
		fee := models.PlatformFee(t.Amount, s.cfg.PlatformFeeBPS)
		result, err = s.provider.InitiatePayout(ctx, t.ID, t.Amount-fee, currency, destination)
	}
	if err != nil {
		s.log.Warn("dispute disposition dispatch failed, worker will retry",
			zap.String("transaction_id", t.ID.String()), zap.Error(err))
		return
	}
	if err := s.escrow.SetTransactionProviderRef(ctx, t.ID, result.Reference); err != nil {
		s.log.Error("failed to store provider reference",
			zap.String("transaction_id", t.ID.String()), zap.Error(err))
	}
}

func (s *DisputeService) ListByContract(ctx context.Context, actor Actor, contractID uuid.UUID) ([]models.Dispute, error) {
	c, err := s.contracts.GetByID(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if err := s.requireParty(c, actor); err != nil {
		return nil, err
	}
	return s.disputes.ListByContract(ctx, contractID)
}

func (s *DisputeService) Get(ctx context.Context, actor Actor, disputeID uuid.UUID) (*models.Dispute, error) {
	d, err := s.disputes.GetByID(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	c, err := s.contracts.GetByID(ctx, d.ContractID)
	if err != nil {
		return nil, err
	}
	if err := s.requireParty(c, actor); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *DisputeService) requireParty(c *models.Contract, actor Actor) error {
	if actor.IsAdmin() || c.ClientID == actor.ID {
		return nil
	}
	if c.DeveloperID != nil && *c.DeveloperID == actor.ID {
		return nil
	}
	return apperr.Forbidden("not a party to this contract")
}
