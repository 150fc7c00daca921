package services

import (
	"context"
	"time"

	"github.com/devsoko/escrow-engine/internal/config"
	"github.com/devsoko/escrow-engine/internal/events"
	"github.com/devsoko/escrow-engine/internal/models"
	"go.uber.org/zap"
)

// Sweeper runs the periodic background passes: flagging overdue
// milestones, nudging stale reviews, and retrying provider dispatches that
// never got a reference.
type Sweeper struct {
	contracts  ContractStore
	milestones MilestoneStore
	escrow     EscrowStore
	provider   FundingProvider
	publisher  events.Publisher
	cfg        *config.Config
	log        *zap.Logger
}

func NewSweeper(
	contracts ContractStore,
	milestones MilestoneStore,
	escrow EscrowStore,
	provider FundingProvider,
	publisher events.Publisher,
	cfg *config.Config,
	log *zap.Logger,
) *Sweeper {
	return &Sweeper{
		contracts:  contracts,
		milestones: milestones,
		escrow:     escrow,
		provider:   provider,
		publisher:  publisher,
		cfg:        cfg,
		log:        log,
	}
}

// RunOverdueSweep flags milestones past their due date exactly once each.
// The flag only drives notifications; the late penalty is computed from
// due_at at release time regardless.
func (s *Sweeper) RunOverdueSweep(ctx context.Context) {
	overdue, err := s.milestones.ListOverdue(ctx, time.Now())
	if err != nil {
		s.log.Error("overdue sweep query failed", zap.Error(err))
		return
	}
	for _, m := range overdue {
		if err := s.milestones.MarkOverdueNotified(ctx, m.ID); err != nil {
			s.log.Error("failed to flag overdue milestone",
				zap.String("milestone_id", m.ID.String()), zap.Error(err))
			continue
		}
		_ = s.publisher.Publish(ctx, events.StreamContract, events.Event{
			Type: events.EventMilestoneOverdue,
			Payload: map[string]any{
				"contract_id":  m.ContractID.String(),
				"milestone_id": m.ID.String(),
				"due_at":       m.DueAt.UTC().Format(time.RFC3339),
			},
		})
	}
	if len(overdue) > 0 {
		s.log.Info("flagged overdue milestones", zap.Int("count", len(overdue)))
	}
}

// RunReviewReminders nudges clients about submissions waiting past the
// configured age. Reminders repeat each sweep until the review happens.
func (s *Sweeper) RunReviewReminders(ctx context.Context) {
	stale, err := s.milestones.ListAwaitingReview(ctx, s.cfg.ReviewReminderAfter)
	if err != nil {
		s.log.Error("review reminder query failed", zap.Error(err))
		return
	}
	for _, m := range stale {
		_ = s.publisher.Publish(ctx, events.StreamContract, events.Event{
			Type: events.EventReviewReminder,
			Payload: map[string]any{
				"contract_id":  m.ContractID.String(),
				"milestone_id": m.ID.String(),
			},
		})
	}
}

// RunDispatchRetry re-sends committed payouts and refunds whose original
// provider call failed before a reference was stored.
func (s *Sweeper) RunDispatchRetry(ctx context.Context) {
	rows, err := s.escrow.ListUndispatched(ctx, 50)
	if err != nil {
		s.log.Error("dispatch retry query failed", zap.Error(err))
		return
	}
	for _, row := range rows {
		c, err := s.contracts.GetByID(ctx, row.ContractID)
		if err != nil {
			s.log.Error("dispatch retry: contract lookup failed",
				zap.String("transaction_id", row.ID.String()), zap.Error(err))
			continue
		}

		var result *ProviderResult
		switch row.Type {
		case models.EscrowTxRelease:
			if c.DeveloperID == nil {
				continue
			}
			fee := models.PlatformFee(row.Amount, s.cfg.PlatformFeeBPS)
			result, err = s.provider.InitiatePayout(ctx, row.ID, row.Amount-fee, c.Currency, *c.DeveloperID)
		case models.EscrowTxRefund:
			result, err = s.provider.InitiateRefund(ctx, row.ID, row.Amount, c.Currency, c.ClientID)
		default:
			continue
		}
		if err != nil {
			s.log.Warn("dispatch retry failed",
				zap.String("transaction_id", row.ID.String()), zap.Error(err))
			continue
		}
		if err := s.escrow.SetTransactionProviderRef(ctx, row.ID, result.Reference); err != nil {
			s.log.Error("failed to store provider reference",
				zap.String("transaction_id", row.ID.String()), zap.Error(err))
		}
	}
}
