package handlers

import (
	"github.com/devsoko/escrow-engine/internal/http/dto"
	"github.com/devsoko/escrow-engine/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type EscrowHandler struct {
	escrowService *services.EscrowService
	log           *zap.Logger
}

func NewEscrowHandler(escrowService *services.EscrowService, log *zap.Logger) *EscrowHandler {
	return &EscrowHandler{escrowService: escrowService, log: log}
}

func (h *EscrowHandler) GetAccount(c *fiber.Ctx) error {
	contractID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid contract id")
	}
	acct, err := h.escrowService.GetAccount(c.Context(), actor(c), contractID)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return ok(c, acct)
}

func (h *EscrowHandler) ListTransactions(c *fiber.Ctx) error {
	contractID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid contract id")
	}
	rows, err := h.escrowService.ListTransactions(c.Context(), actor(c), contractID)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return ok(c, rows)
}

func (h *EscrowHandler) FundEscrow(c *fiber.Ctx) error {
	contractID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid contract id")
	}
	var req dto.FundEscrowRequest
	if err := c.BodyParser(&req); err != nil || req.Amount <= 0 {
		return badRequest(c, "amount is required and must be positive")
	}

	fundTx, err := h.escrowService.InitiateFunding(c.Context(), actor(c), contractID, req.Amount)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return created(c, fundTx)
}
