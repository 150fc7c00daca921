package services

import (
	"context"
	"sort"

	"github.com/devsoko/escrow-engine/internal/apperr"
	"github.com/devsoko/escrow-engine/internal/config"
	"github.com/devsoko/escrow-engine/internal/events"
	"github.com/devsoko/escrow-engine/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Milestone statuses a scope, cost, or time change may touch. Split and
// merge are stricter and only restructure milestones with no history.
var mutableStatuses = map[string]bool{
	models.MilestoneStatusNotStarted:       true,
	models.MilestoneStatusInProgress:       true,
	models.MilestoneStatusChangesRequested: true,
}

type ChangeRequestService struct {
	pool       TxBeginner
	contracts  ContractStore
	milestones MilestoneStore
	requests   ChangeRequestStore
	activity   ActivityStore
	publisher  events.Publisher
	cfg        *config.Config
	log        *zap.Logger
}

func NewChangeRequestService(
	pool TxBeginner,
	contracts ContractStore,
	milestones MilestoneStore,
	requests ChangeRequestStore,
	activity ActivityStore,
	publisher events.Publisher,
	cfg *config.Config,
	log *zap.Logger,
) *ChangeRequestService {
	return &ChangeRequestService{
		pool:       pool,
		contracts:  contracts,
		milestones: milestones,
		requests:   requests,
		activity:   activity,
		publisher:  publisher,
		cfg:        cfg,
		log:        log,
	}
}

type CreateChangeRequestInput struct {
	MilestoneID *uuid.UUID
	Kind        string
	Changes     models.ChangeSet
	Note        *string
}

// Create proposes a plan change. The proposal itself mutates nothing; the
// counterparty's acceptance applies it.
func (s *ChangeRequestService) Create(ctx context.Context, actor Actor, contractID uuid.UUID, in CreateChangeRequestInput) (*models.ChangeRequest, error) {
	cr := &models.ChangeRequest{
		ContractID:  contractID,
		MilestoneID: in.MilestoneID,
		ProposedBy:  actor.ID,
		Kind:        in.Kind,
		Status:      models.ChangeRequestPending,
		Changes:     in.Changes,
		Note:        in.Note,
	}
	if err := cr.Validate(); err != nil {
		return nil, err
	}

	c, err := s.contracts.GetByID(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if err := s.requireParty(c, actor); err != nil {
		return nil, err
	}
	if !models.IsActiveContractStatus(c.Status) {
		return nil, apperr.New(apperr.CodePreconditionFailed, "cannot change a %s contract", c.Status)
	}

	if in.MilestoneID != nil {
		m, err := s.milestones.GetByID(ctx, *in.MilestoneID)
		if err != nil {
			return nil, err
		}
		if m.ContractID != contractID {
			return nil, apperr.Validation("milestone belongs to a different contract")
		}
		pending, err := s.requests.CountPendingForMilestone(ctx, *in.MilestoneID)
		if err != nil {
			return nil, err
		}
		if pending > 0 {
			return nil, apperr.New(apperr.CodeConflict, "milestone already has a pending change request")
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := s.requests.Create(ctx, tx, cr); err != nil {
		return nil, err
	}
	if err := s.activity.Record(ctx, tx, &models.ActivityEntry{
		ContractID: contractID,
		ActorID:    &actor.ID,
		ActorType:  actor.ActorType(),
		Action:     "change_request_created",
		Payload:    map[string]any{"change_request_id": cr.ID.String(), "kind": cr.Kind},
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return cr, nil
}

// Accept applies the proposed mutation and re-validates the whole
// milestone plan before committing. A change that would break the plan
// invariants fails atomically, leaving the request pending.
func (s *ChangeRequestService) Accept(ctx context.Context, actor Actor, requestID uuid.UUID) (*models.ChangeRequest, error) {
	cr, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	c, err := s.contracts.GetForUpdate(ctx, tx, cr.ContractID)
	if err != nil {
		return nil, err
	}
	if err := s.requireCounterparty(c, cr, actor); err != nil {
		return nil, err
	}
	if !models.IsActiveContractStatus(c.Status) {
		return nil, apperr.New(apperr.CodePreconditionFailed, "cannot change a %s contract", c.Status)
	}

	cr, err = s.requests.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return nil, err
	}
	if cr.Status != models.ChangeRequestPending {
		return nil, apperr.InvalidTransition("change request", cr.Status, models.ChangeRequestAccepted)
	}

	milestones, err := s.milestones.ListByContractForUpdate(ctx, tx, c.ID)
	if err != nil {
		return nil, err
	}

	newTotal, err := s.apply(ctx, tx, c, cr, milestones)
	if err != nil {
		return nil, err
	}
	if newTotal != c.TotalAmount {
		if err := s.contracts.UpdateTotalAmount(ctx, tx, c.ID, newTotal); err != nil {
			return nil, err
		}
		c.TotalAmount = newTotal
	}

	// Re-read and re-validate the plan as a whole.
	updated, err := s.milestones.ListByContractForUpdate(ctx, tx, c.ID)
	if err != nil {
		return nil, err
	}
	sort.Slice(updated, func(i, j int) bool { return updated[i].OrderIndex < updated[j].OrderIndex })
	if err := models.ValidateMilestonePlan(newTotal, updated); err != nil {
		return nil, err
	}

	if err := s.requests.ResolveGuarded(ctx, tx, cr.ID, models.ChangeRequestAccepted, actor.ID); err != nil {
		return nil, err
	}
	cr.Status = models.ChangeRequestAccepted

	if err := s.activity.Record(ctx, tx, &models.ActivityEntry{
		ContractID: c.ID,
		ActorID:    &actor.ID,
		ActorType:  actor.ActorType(),
		Action:     "change_request_accepted",
		Payload:    map[string]any{"change_request_id": cr.ID.String(), "kind": cr.Kind},
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.publishResolved(ctx, cr, models.ChangeRequestAccepted)
	return cr, nil
}

// apply performs the kind-specific mutation and returns the new contract
// total.
func (s *ChangeRequestService) apply(ctx context.Context, tx pgx.Tx, c *models.Contract, cr *models.ChangeRequest, milestones []*models.Milestone) (int64, error) {
	byID := make(map[uuid.UUID]*models.Milestone, len(milestones))
	for _, m := range milestones {
		byID[m.ID] = m
	}

	var target *models.Milestone
	if cr.MilestoneID != nil {
		target = byID[*cr.MilestoneID]
		if target == nil {
			return 0, apperr.NotFound("milestone")
		}
	}

	switch cr.Kind {
	case models.ChangeKindScope:
		if !mutableStatuses[target.Status] {
			return 0, apperr.New(apperr.CodePreconditionFailed, "milestone is %s and cannot change scope", target.Status)
		}
		return c.TotalAmount, s.milestones.UpdateScope(ctx, tx, target.ID, cr.Changes.Scope.Title, cr.Changes.Scope.AcceptanceCriteria)

	case models.ChangeKindCost:
		if !mutableStatuses[target.Status] {
			return 0, apperr.New(apperr.CodePreconditionFailed, "milestone is %s and cannot change cost", target.Status)
		}
		newAmount := cr.Changes.Cost.NewAmount
		delta := newAmount - target.Amount
		if err := s.milestones.UpdateAmount(ctx, tx, target.ID, newAmount); err != nil {
			return 0, err
		}
		return c.TotalAmount + delta, nil

	case models.ChangeKindTime:
		if !mutableStatuses[target.Status] {
			return 0, apperr.New(apperr.CodePreconditionFailed, "milestone is %s and cannot change due date", target.Status)
		}
		return c.TotalAmount, s.milestones.UpdateDueAt(ctx, tx, target.ID, cr.Changes.Time.NewDueAt)

	case models.ChangeKindSplit:
		return c.TotalAmount, s.applySplit(ctx, tx, c, cr, target, milestones)

	case models.ChangeKindMerge:
		return c.TotalAmount, s.applyMerge(ctx, tx, cr, target, byID, milestones)
	}
	return 0, apperr.Validation("unknown change kind %q", cr.Kind)
}

func (s *ChangeRequestService) applySplit(ctx context.Context, tx pgx.Tx, c *models.Contract, cr *models.ChangeRequest, target *models.Milestone, milestones []*models.Milestone) error {
	parts := cr.Changes.Split.Parts
	var sum int64
	for _, p := range parts {
		sum += p.Amount
	}
	if sum != target.Amount {
		return apperr.Validation("split parts sum to %d, milestone amount is %d", sum, target.Amount)
	}

	// Make room: everything after the target shifts right by the extra
	// rows the split introduces.
	shift := len(parts) - 1
	for i := len(milestones) - 1; i >= 0; i-- {
		m := milestones[i]
		if m.OrderIndex > target.OrderIndex {
			if err := s.milestones.UpdateOrderIndex(ctx, tx, m.ID, m.OrderIndex+shift); err != nil {
				return err
			}
		}
	}

	if err := s.milestones.DeleteUnstarted(ctx, tx, target.ID); err != nil {
		return err
	}
	for i, p := range parts {
		if err := s.milestones.Insert(ctx, tx, &models.Milestone{
			ContractID:         c.ID,
			OrderIndex:         target.OrderIndex + i,
			Title:              p.Title,
			Amount:             p.Amount,
			DueAt:              p.DueAt,
			AcceptanceCriteria: p.AcceptanceCriteria,
			Status:             models.MilestoneStatusNotStarted,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *ChangeRequestService) applyMerge(ctx context.Context, tx pgx.Tx, cr *models.ChangeRequest, target *models.Milestone, byID map[uuid.UUID]*models.Milestone, milestones []*models.Milestone) error {
	if target.Status != models.MilestoneStatusNotStarted {
		return apperr.New(apperr.CodePreconditionFailed, "surviving milestone has started and cannot absorb others")
	}

	amount := target.Amount
	dueAt := target.DueAt
	absorbed := make(map[uuid.UUID]bool, len(cr.Changes.Merge.MilestoneIDs))
	for _, id := range cr.Changes.Merge.MilestoneIDs {
		if id == target.ID {
			continue
		}
		m := byID[id]
		if m == nil {
			return apperr.NotFound("milestone")
		}
		if m.Status != models.MilestoneStatusNotStarted {
			return apperr.New(apperr.CodePreconditionFailed, "milestone %s has started and cannot be merged", m.ID)
		}
		amount += m.Amount
		if m.DueAt.After(dueAt) {
			dueAt = m.DueAt
		}
		absorbed[id] = true
	}
	if len(absorbed) == 0 {
		return apperr.Validation("merge change absorbs no milestones")
	}

	for id := range absorbed {
		if err := s.milestones.DeleteUnstarted(ctx, tx, id); err != nil {
			return err
		}
	}
	if err := s.milestones.UpdateAmount(ctx, tx, target.ID, amount); err != nil {
		return err
	}
	if err := s.milestones.UpdateDueAt(ctx, tx, target.ID, dueAt); err != nil {
		return err
	}

	// Close the order-index gaps the deletions left.
	idx := 0
	for _, m := range milestones {
		if absorbed[m.ID] {
			continue
		}
		if m.OrderIndex != idx {
			if err := s.milestones.UpdateOrderIndex(ctx, tx, m.ID, idx); err != nil {
				return err
			}
		}
		idx++
	}
	return nil
}

// Reject declines the proposal without touching the plan.
func (s *ChangeRequestService) Reject(ctx context.Context, actor Actor, requestID uuid.UUID) (*models.ChangeRequest, error) {
	return s.close(ctx, actor, requestID, models.ChangeRequestRejected, "change_request_rejected", false)
}

// Cancel retracts the proposer's own pending request.
func (s *ChangeRequestService) Cancel(ctx context.Context, actor Actor, requestID uuid.UUID) (*models.ChangeRequest, error) {
	return s.close(ctx, actor, requestID, models.ChangeRequestCancelled, "change_request_cancelled", true)
}

func (s *ChangeRequestService) close(ctx context.Context, actor Actor, requestID uuid.UUID, toStatus, action string, byProposer bool) (*models.ChangeRequest, error) {
	cr, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	c, err := s.contracts.GetByID(ctx, cr.ContractID)
	if err != nil {
		return nil, err
	}
	if byProposer {
		if cr.ProposedBy != actor.ID && !actor.IsAdmin() {
			return nil, apperr.Forbidden("only the proposer can cancel a change request")
		}
	} else {
		if err := s.requireCounterparty(c, cr, actor); err != nil {
			return nil, err
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	cr, err = s.requests.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return nil, err
	}
	if cr.Status != models.ChangeRequestPending {
		return nil, apperr.InvalidTransition("change request", cr.Status, toStatus)
	}
	if err := s.requests.ResolveGuarded(ctx, tx, cr.ID, toStatus, actor.ID); err != nil {
		return nil, err
	}
	cr.Status = toStatus

	if err := s.activity.Record(ctx, tx, &models.ActivityEntry{
		ContractID: cr.ContractID,
		ActorID:    &actor.ID,
		ActorType:  actor.ActorType(),
		Action:     action,
		Payload:    map[string]any{"change_request_id": cr.ID.String()},
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.publishResolved(ctx, cr, toStatus)
	return cr, nil
}

func (s *ChangeRequestService) publishResolved(ctx context.Context, cr *models.ChangeRequest, outcome string) {
	_ = s.publisher.Publish(ctx, events.StreamContract, events.Event{
		Type: events.EventChangeRequestResolved,
		Payload: map[string]any{
			"contract_id":       cr.ContractID.String(),
			"change_request_id": cr.ID.String(),
			"kind":              cr.Kind,
			"outcome":           outcome,
		},
	})
}

func (s *ChangeRequestService) ListByContract(ctx context.Context, actor Actor, contractID uuid.UUID, status *string) ([]models.ChangeRequest, error) {
	c, err := s.contracts.GetByID(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if err := s.requireParty(c, actor); err != nil {
		return nil, err
	}
	return s.requests.ListByContract(ctx, contractID, status)
}

func (s *ChangeRequestService) requireParty(c *models.Contract, actor Actor) error {
	if actor.IsAdmin() || c.ClientID == actor.ID {
		return nil
	}
	if c.DeveloperID != nil && *c.DeveloperID == actor.ID {
		return nil
	}
	return apperr.Forbidden("not a party to this contract")
}

// requireCounterparty ensures the actor is a party other than the
// proposer: nobody accepts their own proposal.
func (s *ChangeRequestService) requireCounterparty(c *models.Contract, cr *models.ChangeRequest, actor Actor) error {
	if actor.IsAdmin() {
		return nil
	}
	if err := s.requireParty(c, actor); err != nil {
		return err
	}
	if cr.ProposedBy == actor.ID {
		return apperr.Forbidden("the proposer cannot resolve their own change request")
	}
	return nil
}
