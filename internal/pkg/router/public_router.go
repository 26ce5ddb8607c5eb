package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ManuelReschke/CreditFox/app/controllers"
)

// PublicRouter serves unauthenticated endpoints: health, metrics and the
// payment webhook, which authenticates by signature instead of API key.
type PublicRouter struct {
	deps Dependencies
}

func (h PublicRouter) InstallRouter(app *fiber.App) {
	app.Get("/healthz", controllers.HandleHealth(h.deps.DB))
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	app.Post("/webhooks/payments", h.deps.Billing.HandlePaymentWebhook)
}

func NewPublicRouter(deps Dependencies) *PublicRouter {
	return &PublicRouter{deps: deps}
}
