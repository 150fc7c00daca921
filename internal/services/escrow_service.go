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

type EscrowService struct {
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

func NewEscrowService(
	pool TxBeginner,
	contracts ContractStore,
	milestones MilestoneStore,
	escrow EscrowStore,
	activity ActivityStore,
	provider FundingProvider,
	publisher events.Publisher,
	cfg *config.Config,
	log *zap.Logger,
) *EscrowService {
	return &EscrowService{
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

// InitiateFunding asks the provider for a funding reference and records a
// pending fund row under it. The provider call happens before the
// transaction opens; money only counts once the callback settles the row.
func (s *EscrowService) InitiateFunding(ctx context.Context, actor Actor, contractID uuid.UUID, amount int64) (*models.EscrowTransaction, error) {
	if amount <= 0 {
		return nil, apperr.Validation("funding amount must be positive")
	}

	c, err := s.contracts.GetByID(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if c.ClientID != actor.ID && !actor.IsAdmin() {
		return nil, apperr.Forbidden("only the contract's client can fund escrow")
	}
	if !models.IsActiveContractStatus(c.Status) {
		return nil, apperr.New(apperr.CodePreconditionFailed, "contract is %s, funding requires an active status", c.Status)
	}

	result, err := s.provider.InitiateFunding(ctx, c.ID, amount, c.Currency)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	acct, err := s.escrow.GetAccountForUpdate(ctx, tx, c.ID)
	if err != nil {
		return nil, err
	}
	if acct.Status != models.EscrowAccountActive {
		return nil, apperr.New(apperr.CodePreconditionFailed, "escrow account is %s", acct.Status)
	}

	fundTx := &models.EscrowTransaction{
		AccountID:   acct.ID,
		ContractID:  c.ID,
		Type:        models.EscrowTxFund,
		Amount:      amount,
		Source:      models.LedgerPartyClient,
		Destination: models.LedgerPartyEscrow,
		ProviderRef: &result.Reference,
		Status:      models.EscrowTxPending,
	}
	if err := s.escrow.InsertTransaction(ctx, tx, fundTx); err != nil {
		return nil, err
	}
	if err := s.activity.Record(ctx, tx, &models.ActivityEntry{
		ContractID: c.ID,
		ActorID:    &actor.ID,
		ActorType:  actor.ActorType(),
		Action:     "funding_initiated",
		Payload:    map[string]any{"amount": amount, "provider_reference": result.Reference},
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return fundTx, nil
}

// ProviderCallback is the provider's settlement notification for any
// movement it processed.
type ProviderCallback struct {
	ContractID uuid.UUID `json:"contract_id"`
	Reference  string    `json:"reference"`
	Status     string    `json:"status"`
	Amount     int64     `json:"amount"`
}

// HandleProviderCallback settles the ledger row the reference points at.
// Replays are absorbed: a row that already left pending is acknowledged
// without touching anything. Failed payouts and refunds are requeued for
// dispatch rather than settled; only fund rows can terminally fail.
func (s *EscrowService) HandleProviderCallback(ctx context.Context, cb ProviderCallback) error {
	if cb.Status != models.EscrowTxSuccess && cb.Status != models.EscrowTxFailed {
		return apperr.Validation("callback status must be success or failed, got %q", cb.Status)
	}

	row, err := s.escrow.GetTransactionByProviderRef(ctx, cb.ContractID, cb.Reference)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	c, err := s.contracts.GetForUpdate(ctx, tx, cb.ContractID)
	if err != nil {
		return err
	}
	acct, err := s.escrow.GetAccountForUpdate(ctx, tx, cb.ContractID)
	if err != nil {
		return err
	}
	row, err = s.escrow.GetTransactionForUpdate(ctx, tx, row.ID)
	if err != nil {
		return err
	}
	if row.Status != models.EscrowTxPending {
		// Replayed callback; the first delivery already settled the row.
		return nil
	}
	if row.Type == models.EscrowTxFund && cb.Status == models.EscrowTxSuccess && cb.Amount != 0 && cb.Amount != row.Amount {
		return apperr.New(apperr.CodeConflict,
			"provider settled %d against a row for %d", cb.Amount, row.Amount)
	}

	// A failed payout or refund never left escrow: release_total and
	// refunded_total were bumped at commit, so marking the row failed would
	// desync the ledger from the totals for good. The row stays pending and
	// loses its reference, which puts it back in the dispatch worker's queue.
	action := "escrow_" + row.Type + "_" + cb.Status
	if cb.Status == models.EscrowTxFailed && row.Type != models.EscrowTxFund {
		if err := s.escrow.ClearTransactionProviderRef(ctx, tx, row.ID); err != nil {
			return err
		}
		action = "escrow_" + row.Type + "_requeued"
	} else {
		if err := s.escrow.SettleTransactionGuarded(ctx, tx, row.ID, cb.Status); err != nil {
			return err
		}
		row.Status = cb.Status
	}

	funded := false
	if row.Type == models.EscrowTxFund && cb.Status == models.EscrowTxSuccess {
		if err := s.escrow.AddFunded(ctx, tx, acct.ID, row.Amount); err != nil {
			return err
		}
		funded = true
		acct.FundedTotal += row.Amount
		if c.Status == models.ContractStatusActiveUnfunded {
			covered, err := s.coversNextTranche(ctx, tx, c, acct)
			if err != nil {
				return err
			}
			if covered {
				if err := s.contracts.UpdateStatusGuarded(ctx, tx, c.ID,
					models.ContractStatusActiveUnfunded, models.ContractStatusActiveFunded); err != nil {
					return err
				}
				c.Status = models.ContractStatusActiveFunded
			}
		}
	}

	if err := s.activity.Record(ctx, tx, &models.ActivityEntry{
		ContractID: c.ID,
		ActorType:  models.ActorTypeSystem,
		Action:     action,
		Payload: map[string]any{
			"transaction_id":     row.ID.String(),
			"amount":             row.Amount,
			"provider_reference": cb.Reference,
		},
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	if funded {
		_ = s.publisher.Publish(ctx, events.StreamContract, events.Event{
			Type: events.EventEscrowFunded,
			Payload: map[string]any{
				"contract_id": c.ID.String(),
				"amount":      row.Amount,
			},
		})
	}
	if cb.Status == models.EscrowTxFailed {
		s.log.Warn("provider reported a failed settlement",
			zap.String("contract_id", c.ID.String()),
			zap.String("transaction_id", row.ID.String()),
			zap.String("type", row.Type),
			zap.Bool("requeued", row.Type != models.EscrowTxFund))
	}
	return nil
}

// coversNextTranche reports whether the account now satisfies the contract's
// funding mode: the whole remaining plan under full_upfront, or the next
// unfinished milestone's amount otherwise. A plan with nothing left to do
// counts as covered.
func (s *EscrowService) coversNextTranche(ctx context.Context, tx pgx.Tx, c *models.Contract, acct *models.EscrowAccount) (bool, error) {
	milestones, err := s.milestones.ListByContractForUpdate(ctx, tx, c.ID)
	if err != nil {
		return false, err
	}
	for _, m := range milestones {
		if !models.IsTerminalMilestoneStatus(m.Status) {
			return models.FundingCovers(c, m, acct), nil
		}
	}
	return true, nil
}

// ---- Reads ----

func (s *EscrowService) GetAccount(ctx context.Context, actor Actor, contractID uuid.UUID) (*models.EscrowAccount, error) {
	if err := s.requireParty(ctx, contractID, actor); err != nil {
		return nil, err
	}
	return s.escrow.GetAccountByContract(ctx, contractID)
}

func (s *EscrowService) ListTransactions(ctx context.Context, actor Actor, contractID uuid.UUID) ([]models.EscrowTransaction, error) {
	if err := s.requireParty(ctx, contractID, actor); err != nil {
		return nil, err
	}
	return s.escrow.ListTransactions(ctx, contractID)
}

func (s *EscrowService) requireParty(ctx context.Context, contractID uuid.UUID, actor Actor) error {
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
