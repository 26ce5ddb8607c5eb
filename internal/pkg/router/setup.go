package router

import (
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/ManuelReschke/CreditFox/app/controllers"
	"github.com/ManuelReschke/CreditFox/internal/pkg/features"
)

// Router installs one group of routes on the app.
type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies are the wired services the routes dispatch to.
type Dependencies struct {
	DB      *gorm.DB
	Catalog *features.Catalog
	Jobs    *controllers.JobController
	Credits *controllers.CreditController
	Billing *controllers.BillingController
	Admin   *controllers.AdminController

	AdminToken string
	// LimiterStorage backs the API rate limiter; nil keeps counters in memory.
	LimiterStorage fiber.Storage
	// RateLimit is requests per minute per API key or IP; 0 uses the default.
	RateLimit int
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	setup(app, NewPublicRouter(deps), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
