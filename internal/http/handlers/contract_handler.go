package handlers

import (
	"strconv"

	"github.com/devsoko/escrow-engine/internal/auth"
	"github.com/devsoko/escrow-engine/internal/http/dto"
	"github.com/devsoko/escrow-engine/internal/repositories"
	"github.com/devsoko/escrow-engine/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ContractHandler struct {
	contractService *services.ContractService
	log             *zap.Logger
}

func NewContractHandler(contractService *services.ContractService, log *zap.Logger) *ContractHandler {
	return &ContractHandler{contractService: contractService, log: log}
}

func (h *ContractHandler) CreateContract(c *fiber.Ctx) error {
	var req dto.CreateContractRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}

	in := services.CreateContractInput{
		Title:       req.Title,
		Description: req.Description,
		Currency:    req.Currency,
		FundingMode: req.FundingMode,
		Metadata:    req.Metadata,
	}
	if req.DeveloperID != nil {
		id, err := uuid.Parse(*req.DeveloperID)
		if err != nil {
			return badRequest(c, "invalid developer_id")
		}
		in.DeveloperID = &id
	}
	for _, m := range req.Milestones {
		in.Milestones = append(in.Milestones, services.MilestoneInput{
			Title:              m.Title,
			Amount:             m.Amount,
			DueAt:              m.DueAt,
			AcceptanceCriteria: m.AcceptanceCriteria,
		})
	}

	contract, milestones, err := h.contractService.Create(c.Context(), actor(c), in)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return created(c, fiber.Map{"contract": contract, "milestones": milestones})
}

func (h *ContractHandler) ListContracts(c *fiber.Ctx) error {
	filter := repositories.ContractFilter{Limit: 20}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}
	if v := c.Query("status"); v != "" {
		filter.Status = &v
	}

	// Admins may scope to any party explicitly.
	if actor(c).Role == auth.RoleAdmin {
		if v := c.Query("client_id"); v != "" {
			if id, err := uuid.Parse(v); err == nil {
				filter.ClientID = &id
			}
		}
		if v := c.Query("developer_id"); v != "" {
			if id, err := uuid.Parse(v); err == nil {
				filter.DeveloperID = &id
			}
		}
	}

	contracts, err := h.contractService.List(c.Context(), actor(c), filter)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return ok(c, contracts)
}

func (h *ContractHandler) GetContract(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid contract id")
	}
	contract, err := h.contractService.Get(c.Context(), actor(c), id)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return ok(c, contract)
}

func (h *ContractHandler) SendContract(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid contract id")
	}
	var req dto.SendContractRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	developerID, err := uuid.Parse(req.DeveloperID)
	if err != nil {
		return badRequest(c, "invalid developer_id")
	}

	contract, err := h.contractService.SendToDeveloper(c.Context(), actor(c), id, developerID)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return ok(c, contract)
}

func (h *ContractHandler) AcceptContract(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid contract id")
	}
	contract, err := h.contractService.Accept(c.Context(), actor(c), id)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return ok(c, contract)
}

func (h *ContractHandler) DeclineContract(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid contract id")
	}
	contract, err := h.contractService.Decline(c.Context(), actor(c), id)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return ok(c, contract)
}

func (h *ContractHandler) PauseContract(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid contract id")
	}
	var req dto.PauseContractRequest
	_ = c.BodyParser(&req)

	contract, err := h.contractService.Pause(c.Context(), actor(c), id, req.Reason)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return ok(c, contract)
}

func (h *ContractHandler) ResumeContract(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid contract id")
	}
	contract, err := h.contractService.Resume(c.Context(), actor(c), id)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return ok(c, contract)
}

func (h *ContractHandler) CancelContract(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid contract id")
	}
	var req dto.CancelContractRequest
	_ = c.BodyParser(&req)

	contract, err := h.contractService.Cancel(c.Context(), actor(c), id, req.Reason)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return ok(c, contract)
}

func (h *ContractHandler) CompleteContract(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid contract id")
	}
	contract, err := h.contractService.Complete(c.Context(), actor(c), id)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return ok(c, contract)
}

func (h *ContractHandler) ListContractMilestones(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid contract id")
	}
	milestones, err := h.contractService.ListMilestones(c.Context(), actor(c), id)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return ok(c, milestones)
}

func (h *ContractHandler) GetContractActivity(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid contract id")
	}
	limit, offset := 50, 0
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}

	entries, err := h.contractService.GetActivity(c.Context(), actor(c), id, limit, offset)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return ok(c, entries)
}
