package handlers

import (
	"github.com/devsoko/escrow-engine/internal/http/dto"
	"github.com/devsoko/escrow-engine/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type DisputeHandler struct {
	disputeService *services.DisputeService
	log            *zap.Logger
}

func NewDisputeHandler(disputeService *services.DisputeService, log *zap.Logger) *DisputeHandler {
	return &DisputeHandler{disputeService: disputeService, log: log}
}

func (h *DisputeHandler) OpenDispute(c *fiber.Ctx) error {
	contractID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid contract id")
	}
	var req dto.OpenDisputeRequest
	if err := c.BodyParser(&req); err != nil || req.Reason == "" {
		return badRequest(c, "reason is required")
	}

	in := services.OpenDisputeInput{Reason: req.Reason, Description: req.Description}
	if req.MilestoneID != nil {
		id, err := uuid.Parse(*req.MilestoneID)
		if err != nil {
			return badRequest(c, "invalid milestone_id")
		}
		in.MilestoneID = &id
	}

	d, err := h.disputeService.Open(c.Context(), actor(c), contractID, in)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return created(c, d)
}

func (h *DisputeHandler) ListDisputes(c *fiber.Ctx) error {
	contractID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid contract id")
	}
	disputes, err := h.disputeService.ListByContract(c.Context(), actor(c), contractID)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return ok(c, disputes)
}

func (h *DisputeHandler) GetDispute(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid dispute id")
	}
	d, err := h.disputeService.Get(c.Context(), actor(c), id)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return ok(c, d)
}

func (h *DisputeHandler) ResolveDispute(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid dispute id")
	}
	var req dto.ResolveDisputeRequest
	if err := c.BodyParser(&req); err != nil || req.Disposition == "" {
		return badRequest(c, "disposition is required")
	}

	d, err := h.disputeService.Resolve(c.Context(), actor(c), id, services.ResolveDisputeInput{
		Disposition:   req.Disposition,
		ReleaseAmount: req.ReleaseAmount,
		RefundAmount:  req.RefundAmount,
		Note:          req.Note,
	})
	if err != nil {
		return respondError(c, h.log, err)
	}
	return ok(c, d)
}

func (h *DisputeHandler) WithdrawDispute(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid dispute id")
	}
	d, err := h.disputeService.Withdraw(c.Context(), actor(c), id)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return ok(c, d)
}
