package web

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/songzhibin97/production-workflow/deadlines"
	"github.com/songzhibin97/production-workflow/storage"
	"github.com/songzhibin97/production-workflow/workflow"
)

var (
	errInvalidBody   = errors.New("invalid JSON body")
	errForbidden     = errors.New("role not permitted")
	errUnknownEntity = errors.New("unknown entity type")
)

func success(c fiber.Ctx, status int, data any, message string) error {
	return c.Status(status).JSON(Response{Success: true, Data: data, Message: message})
}

func failure(c fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(Response{Success: false, Message: message})
}

func unauthorized(c fiber.Ctx, message string) error {
	return failure(c, fiber.StatusUnauthorized, message)
}

// handleError maps engine, tracker and validation errors to status codes.
func (h *Handlers) handleError(c fiber.Ctx, err error) error {
	var verrs validator.ValidationErrors
	switch {
	case workflow.IsGuardFailed(err):
		return failure(c, fiber.StatusBadRequest, workflow.Reason(err))

	case errors.Is(err, deadlines.ErrAlreadyCompleted):
		return failure(c, fiber.StatusBadRequest, err.Error())

	case workflow.IsUnauthorized(err), errors.Is(err, errForbidden):
		return failure(c, fiber.StatusForbidden, err.Error())

	case workflow.IsEntityNotFound(err),
		workflow.IsIllegalTransition(err),
		errors.Is(err, deadlines.ErrDeadlineNotFound),
		errors.Is(err, storage.ErrNotificationMissing),
		errors.Is(err, errUnknownEntity):
		return failure(c, fiber.StatusNotFound, err.Error())

	case errors.Is(err, storage.ErrEntityExists), errors.Is(err, deadlines.ErrAlreadyOpen):
		return failure(c, fiber.StatusConflict, err.Error())

	case errors.As(err, &verrs),
		errors.Is(err, errInvalidBody),
		errors.Is(err, workflow.ErrInvalidRequest),
		errors.Is(err, deadlines.ErrInvalidDeadline):
		return failure(c, fiber.StatusUnprocessableEntity, err.Error())

	default:
		h.logger.Error("Request failed", "method", c.Method(), "path", c.Path(), "error", err)
		return failure(c, fiber.StatusInternalServerError, "internal error")
	}
}
