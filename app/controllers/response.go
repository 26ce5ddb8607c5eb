package controllers

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/CreditFox/internal/pkg/apperr"
)

var validate = validator.New()

// respondError maps the error taxonomy onto HTTP statuses. Errors outside
// the taxonomy and configuration problems are logged and answered with a
// generic message.
func respondError(c *fiber.Ctx, err error) error {
	status, code := fiber.StatusInternalServerError, "internal_server_error"
	message := "Internal server error"

	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		status, code, message = fiber.StatusBadRequest, "validation_error", apperr.Message(err, message)
	case apperr.KindAuth:
		status, code, message = fiber.StatusUnauthorized, "unauthorized", apperr.Message(err, message)
	case apperr.KindNotFound:
		status, code, message = fiber.StatusNotFound, "not_found", apperr.Message(err, message)
	case apperr.KindInsufficientCredits:
		status, code, message = fiber.StatusPaymentRequired, "insufficient_credits", apperr.Message(err, message)
	case apperr.KindConflict:
		status, code, message = fiber.StatusConflict, "conflict", apperr.Message(err, message)
	case apperr.KindExternalTransient:
		status, code, message = fiber.StatusServiceUnavailable, "provider_unavailable", apperr.Message(err, message)
	case apperr.KindExternalPermanent:
		status, code, message = fiber.StatusBadGateway, "provider_error", apperr.Message(err, message)
	case apperr.KindConfiguration:
		log.Errorf("[HTTP] %s %s: configuration error: %v", c.Method(), c.Path(), err)
		code, message = "configuration_error", "Service is not configured"
	default:
		log.Errorf("[HTTP] %s %s: %v", c.Method(), c.Path(), err)
	}

	return c.Status(status).JSON(fiber.Map{"error": code, "message": message})
}

// validationError flattens validator failures into one message.
func validationError(err error) error {
	if verrs, ok := err.(validator.ValidationErrors); ok {
		parts := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			parts = append(parts, strings.ToLower(fe.Field())+" failed "+fe.Tag())
		}
		return apperr.Validation("%s", strings.Join(parts, ", "))
	}
	return apperr.Validation("%v", err)
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
