package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/unibooks/orderflow/internal/domain"
)

// domainErrorStatus maps the service error taxonomy to HTTP statuses.
// Unmapped errors fall through to 500.
func domainErrorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrBookNotFound),
		errors.Is(err, domain.ErrOrderNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, domain.ErrBookNotAvailable),
		errors.Is(err, domain.ErrAlreadyReserved),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrVersionConflict),
		errors.Is(err, domain.ErrNotDeliveredYet),
		errors.Is(err, domain.ErrDisputed),
		errors.Is(err, domain.ErrNotDisputed),
		errors.Is(err, domain.ErrAlreadySettled),
		errors.Is(err, domain.ErrWindowExpired):
		return fiber.StatusConflict
	case errors.Is(err, domain.ErrInvalidToken):
		return fiber.StatusForbidden
	case errors.Is(err, domain.ErrAmountMismatch):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrGatewayUnavailable):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func errorResponse(c *fiber.Ctx, err error) error {
	return c.Status(domainErrorStatus(err)).JSON(fiber.Map{
		"error": err.Error(),
	})
}

// orderErrorResponse includes the order's current state so a client can
// recover from a conflict without an extra GET.
func orderErrorResponse(c *fiber.Ctx, err error, state domain.OrderState) error {
	body := fiber.Map{
		"error": err.Error(),
	}
	if state != "" {
		body["state"] = state
	}

	return c.Status(domainErrorStatus(err)).JSON(body)
}
