package app

import (
	"errors"

	"supplydesk-backend/internal/apperr"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

func statusOf(k apperr.Kind) int {
	switch k {
	case apperr.KindValidation:
		return fiber.StatusBadRequest
	case apperr.KindNotFound:
		return fiber.StatusNotFound
	case apperr.KindInsufficientStock, apperr.KindStockBelowReserved, apperr.KindInvalidTransition:
		return fiber.StatusConflict
	case apperr.KindInvalidConsumption, apperr.KindTransitionAborted:
		return fiber.StatusUnprocessableEntity
	case apperr.KindContention, apperr.KindStorageUnavailable:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// ErrorHandler renders engine errors as {"error", "kind", "detail"}.
func ErrorHandler(log *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(fiber.Map{
				"error": fe.Message,
			})
		}

		var ae *apperr.Error
		if errors.As(err, &ae) {
			status := statusOf(ae.Kind)
			if status >= fiber.StatusInternalServerError {
				log.Error("request failed", zap.String("path", c.Path()), zap.String("kind", ae.Kind.String()), zap.Error(err))
			}
			body := fiber.Map{
				"error": ae.Error(),
				"kind":  ae.Kind.String(),
			}
			if len(ae.Detail) > 0 {
				body["detail"] = ae.Detail
			}
			return c.Status(status).JSON(body)
		}

		log.Error("unexpected error", zap.String("path", c.Path()), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "unexpected server error",
		})
	}
}
