package controllers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/CreditFox/internal/pkg/features"
)

// HandleListFeatures returns the billable feature catalog with costs.
func HandleListFeatures(catalog *features.Catalog) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"features": catalog.List()})
	}
}
