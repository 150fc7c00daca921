package handlers

import (
	"github.com/devsoko/escrow-engine/internal/http/dto"
	"github.com/devsoko/escrow-engine/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ChangeRequestHandler struct {
	changeRequestService *services.ChangeRequestService
	log                  *zap.Logger
}

func NewChangeRequestHandler(changeRequestService *services.ChangeRequestService, log *zap.Logger) *ChangeRequestHandler {
	return &ChangeRequestHandler{changeRequestService: changeRequestService, log: log}
}

func (h *ChangeRequestHandler) CreateChangeRequest(c *fiber.Ctx) error {
	contractID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid contract id")
	}
	var req dto.CreateChangeRequestRequest
	if err := c.BodyParser(&req); err != nil || req.Kind == "" {
		return badRequest(c, "kind is required")
	}

	in := services.CreateChangeRequestInput{
		Kind:    req.Kind,
		Changes: req.Changes,
		Note:    req.Note,
	}
	if req.MilestoneID != nil {
		id, err := uuid.Parse(*req.MilestoneID)
		if err != nil {
			return badRequest(c, "invalid milestone_id")
		}
		in.MilestoneID = &id
	}

	cr, err := h.changeRequestService.Create(c.Context(), actor(c), contractID, in)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return created(c, cr)
}

func (h *ChangeRequestHandler) ListChangeRequests(c *fiber.Ctx) error {
	contractID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid contract id")
	}
	var status *string
	if v := c.Query("status"); v != "" {
		status = &v
	}

	requests, err := h.changeRequestService.ListByContract(c.Context(), actor(c), contractID, status)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return ok(c, requests)
}

func (h *ChangeRequestHandler) AcceptChangeRequest(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid change request id")
	}
	cr, err := h.changeRequestService.Accept(c.Context(), actor(c), id)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return ok(c, cr)
}

func (h *ChangeRequestHandler) RejectChangeRequest(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid change request id")
	}
	cr, err := h.changeRequestService.Reject(c.Context(), actor(c), id)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return ok(c, cr)
}

func (h *ChangeRequestHandler) CancelChangeRequest(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid change request id")
	}
	cr, err := h.changeRequestService.Cancel(c.Context(), actor(c), id)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return ok(c, cr)
}
