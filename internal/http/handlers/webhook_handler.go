package handlers

import (
	"encoding/json"

	"github.com/devsoko/escrow-engine/internal/config"
	"github.com/devsoko/escrow-engine/internal/http/dto"
	"github.com/devsoko/escrow-engine/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type WebhookHandler struct {
	cfg           *config.Config
	escrowService *services.EscrowService
	log           *zap.Logger
}

func NewWebhookHandler(cfg *config.Config, escrowService *services.EscrowService, log *zap.Logger) *WebhookHandler {
	return &WebhookHandler{cfg: cfg, escrowService: escrowService, log: log}
}

// FundingCallback settles funding ledger rows from the payment provider.
// The route is unauthenticated; the HMAC signature over the raw body is
// the only credential.
func (h *WebhookHandler) FundingCallback(c *fiber.Ctx) error {
	body := c.Body()
	signature := c.Get("X-Provider-Signature")
	if !services.VerifyWebhookSignature(h.cfg.ProviderWebhookSecret, body, signature) {
		h.log.Warn("funding webhook signature mismatch", zap.String("ip", c.IP()))
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: "invalid signature"})
	}

	var req dto.FundingWebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return badRequest(c, "invalid payload")
	}
	contractID, err := uuid.Parse(req.ContractID)
	if err != nil {
		return badRequest(c, "invalid contract_id")
	}
	if req.Reference == "" || req.Status == "" {
		return badRequest(c, "reference and status are required")
	}

	cb := services.ProviderCallback{
		ContractID: contractID,
		Reference:  req.Reference,
		Status:     req.Status,
		Amount:     req.Amount,
	}
	if err := h.escrowService.HandleProviderCallback(c.Context(), cb); err != nil {
		return respondError(c, h.log, err)
	}
	return ok(c, fiber.Map{"received": true})
}
