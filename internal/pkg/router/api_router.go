package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/CreditFox/app/controllers"
	"github.com/ManuelReschke/CreditFox/internal/pkg/middleware"
)

const defaultRateLimit = 120

type ApiRouter struct {
	deps Dependencies
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	max := h.deps.RateLimit
	if max <= 0 {
		max = defaultRateLimit
	}
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        max,
		Expiration: time.Minute,
		Storage:    h.deps.LimiterStorage,
		KeyGenerator: middleware.RateLimitKey,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate_limited", "message": "Too many requests"})
		},
	}))

	v1 := api.Group("/v1")
	v1.Get("/features", controllers.HandleListFeatures(h.deps.Catalog))

	if h.deps.Admin != nil {
		admin := v1.Group("/admin", middleware.RequireAdminToken(h.deps.AdminToken))
		admin.Put("/plan-mappings", h.deps.Admin.HandleUpsertPlanMapping)
		admin.Get("/users/:id/reconcile", h.deps.Admin.HandleReconcileUser)
		admin.Get("/queue", h.deps.Admin.HandleQueueStats)
		admin.Post("/sweeps", h.deps.Admin.HandleRunSweeps)
	}

	user := v1.Group("", middleware.APIKeyAuthMiddleware(h.deps.DB), middleware.RequireAuth)

	user.Post("/jobs", h.deps.Jobs.HandleSubmitJob)
	user.Get("/jobs", h.deps.Jobs.HandleListJobs)
	user.Get("/jobs/:id", h.deps.Jobs.HandleGetJob)

	user.Get("/credits/balance", h.deps.Credits.HandleGetBalance)
	user.Get("/credits/transactions", h.deps.Credits.HandleListTransactions)
	user.Get("/credits/plan", h.deps.Billing.HandleGetPlan)
	user.Post("/onboarding/migrate-credits", h.deps.Credits.HandleMigrateCredits)
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	return &ApiRouter{deps: deps}
}
