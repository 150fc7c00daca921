package handlers

import (
	"github.com/devsoko/escrow-engine/internal/http/dto"
	"github.com/devsoko/escrow-engine/internal/models"
	"github.com/devsoko/escrow-engine/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type MilestoneHandler struct {
	milestoneService *services.MilestoneService
	log              *zap.Logger
}

func NewMilestoneHandler(milestoneService *services.MilestoneService, log *zap.Logger) *MilestoneHandler {
	return &MilestoneHandler{milestoneService: milestoneService, log: log}
}

func (h *MilestoneHandler) GetMilestone(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid milestone id")
	}
	m, err := h.milestoneService.Get(c.Context(), actor(c), id)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return ok(c, m)
}

func (h *MilestoneHandler) StartMilestone(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid milestone id")
	}
	m, err := h.milestoneService.Start(c.Context(), actor(c), id)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return ok(c, m)
}

func (h *MilestoneHandler) SubmitMilestone(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid milestone id")
	}
	var req dto.SubmitMilestoneRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}

	in := services.SubmitInput{Summary: req.Summary}
	for _, item := range req.Items {
		in.Items = append(in.Items, models.EvidenceItem{
			Kind:      item.Kind,
			URL:       item.URL,
			FileRef:   item.FileRef,
			Body:      item.Body,
			CommitSHA: item.CommitSHA,
		})
	}

	m, sub, err := h.milestoneService.Submit(c.Context(), actor(c), id, in)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return created(c, fiber.Map{"milestone": m, "submission": sub})
}

func (h *MilestoneHandler) ReviewMilestone(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid milestone id")
	}
	var req dto.ReviewMilestoneRequest
	if err := c.BodyParser(&req); err != nil || req.Decision == "" {
		return badRequest(c, "decision is required (approve, reject, request_changes)")
	}

	m, err := h.milestoneService.Review(c.Context(), actor(c), id, services.ReviewInput{
		Decision:   req.Decision,
		ReasonCode: req.ReasonCode,
		Comments:   req.Comments,
	})
	if err != nil {
		return respondError(c, h.log, err)
	}
	return ok(c, m)
}

func (h *MilestoneHandler) ReleaseMilestone(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid milestone id")
	}
	res, err := h.milestoneService.Release(c.Context(), actor(c), id)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return ok(c, res)
}

func (h *MilestoneHandler) ListSubmissions(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid milestone id")
	}
	subs, err := h.milestoneService.ListSubmissions(c.Context(), actor(c), id)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return ok(c, subs)
}

func (h *MilestoneHandler) ListReviews(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid milestone id")
	}
	reviews, err := h.milestoneService.ListReviews(c.Context(), actor(c), id)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return ok(c, reviews)
}
