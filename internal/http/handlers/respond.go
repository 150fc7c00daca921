package handlers

import (
	"errors"

	"github.com/devsoko/escrow-engine/internal/apperr"
	"github.com/devsoko/escrow-engine/internal/http/dto"
	"github.com/devsoko/escrow-engine/internal/middleware"
	"github.com/devsoko/escrow-engine/internal/services"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

func actor(c *fiber.Ctx) services.Actor {
	return services.Actor{ID: middleware.GetUserID(c), Role: middleware.GetRole(c)}
}

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeValidation:
		return fiber.StatusBadRequest
	case apperr.CodeNotFound:
		return fiber.StatusNotFound
	case apperr.CodeForbidden:
		return fiber.StatusForbidden
	case apperr.CodeConflict, apperr.CodeInvalidTransition, apperr.CodeAlreadyReleased:
		return fiber.StatusConflict
	case apperr.CodePreconditionFailed, apperr.CodeInsufficientFunding,
		apperr.CodeInsufficientBalance, apperr.CodeAccountFrozen:
		return fiber.StatusUnprocessableEntity
	case apperr.CodeProviderFailure:
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

// respondError maps an engine error onto the wire. Internal errors hide
// their detail behind a generic message; everything else is safe to echo.
func respondError(c *fiber.Ctx, log *zap.Logger, err error) error {
	code := apperr.CodeOf(err)
	status := statusFor(code)

	msg := err.Error()
	var e *apperr.Error
	if errors.As(err, &e) {
		msg = e.Message
	}
	reqID, _ := c.Locals(middleware.CtxRequestID).(string)
	if status == fiber.StatusInternalServerError {
		log.Error("request failed", zap.Error(err),
			zap.String("path", c.Path()), zap.String("request_id", reqID))
		msg = "internal error"
	}

	return c.Status(status).JSON(dto.ErrorResponse{Error: msg, Code: string(code), RequestID: reqID})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: msg, Code: string(apperr.CodeValidation)})
}

func ok(c *fiber.Ctx, data any) error {
	return c.JSON(dto.SuccessResponse{OK: true, Data: data})
}

func created(c *fiber.Ctx, data any) error {
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: data})
}
