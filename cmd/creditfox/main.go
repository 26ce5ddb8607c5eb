package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/CreditFox/app/controllers"
	"github.com/ManuelReschke/CreditFox/internal/pkg/billing"
	"github.com/ManuelReschke/CreditFox/internal/pkg/cache"
	"github.com/ManuelReschke/CreditFox/internal/pkg/database"
	"github.com/ManuelReschke/CreditFox/internal/pkg/env"
	"github.com/ManuelReschke/CreditFox/internal/pkg/features"
	"github.com/ManuelReschke/CreditFox/internal/pkg/inference"
	"github.com/ManuelReschke/CreditFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/CreditFox/internal/pkg/jobs"
	"github.com/ManuelReschke/CreditFox/internal/pkg/ledger"
	"github.com/ManuelReschke/CreditFox/internal/pkg/resultstore"
	"github.com/ManuelReschke/CreditFox/internal/pkg/router"
)

const openAPIFile = "public/docs/v1/openapi.yml"

func main() {
	app, manager := NewApplication()
	manager.Start()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info("[HTTP] Shutting down")
		manager.Stop()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Errorf("[HTTP] Shutdown failed: %v", err)
		}
	}()

	if err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))); err != nil {
		log.Fatal(err)
	}
}

// NewApplication wires the services and returns the HTTP app together with
// the background job manager, which the caller starts.
func NewApplication() (*fiber.App, *jobqueue.Manager) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	db := database.GetDB()

	catalog := features.Default()
	if path := env.GetEnv("FEATURES_FILE", ""); path != "" {
		loaded, err := features.Load(path)
		if err != nil {
			log.Fatalf("[Features] Failed to load %s: %v", path, err)
		}
		catalog = loaded
	}

	gateway := inference.NewHTTPGatewayFromEnv(newResultStore())
	credits := ledger.NewService(db)
	orchestrator := jobs.NewOrchestrator(db, credits, gateway, catalog)
	payments := billing.NewService(db, credits)

	queueCfg := jobqueue.LoadConfig()
	manager := jobqueue.NewManager(queueCfg, jobqueue.NewQueue(queueCfg.Workers, orchestrator), orchestrator, credits)

	app := fiber.New(fiber.Config{
		BodyLimit: 4 * 1024 * 1024,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	if _, err := os.Stat(openAPIFile); err == nil {
		app.Use(swagger.New(swagger.Config{
			BasePath: "/docs/api/",
			FilePath: openAPIFile,
			Path:     "v1",
		}))
	}

	tolerance := time.Duration(env.GetEnvInt("PAYMENT_WEBHOOK_TOLERANCE_SECONDS", 300)) * time.Second

	// ROUTER
	router.InstallRouter(app, router.Dependencies{
		DB:             db,
		Catalog:        catalog,
		Jobs:           controllers.NewJobController(orchestrator),
		Credits:        controllers.NewCreditController(credits),
		Billing:        controllers.NewBillingController(payments, env.GetEnv("PAYMENT_WEBHOOK_SECRET", ""), tolerance),
		Admin:          controllers.NewAdminController(payments, credits, manager),
		AdminToken:     env.GetEnv("ADMIN_API_TOKEN", ""),
		LimiterStorage: cache.NewFiberStorage(cache.LimiterDatabase),
		RateLimit:      env.GetEnvInt("API_RATE_LIMIT_PER_MINUTE", 120),
	})

	return app, manager
}

// newResultStore returns the S3 store when a bucket is configured. Without one
// the gateway hands inline results back as data URIs.
func newResultStore() inference.ResultStore {
	cfg, err := resultstore.LoadConfig()
	if err != nil {
		log.Fatalf("[ResultStore] %v", err)
	}
	if cfg == nil {
		log.Info("[ResultStore] No bucket configured, inline results are returned as data URIs")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := resultstore.NewS3Store(ctx, cfg)
	if err != nil {
		log.Fatalf("[ResultStore] Failed to create client: %v", err)
	}
	if err := store.Ping(ctx); err != nil {
		log.Warnf("[ResultStore] Bucket %s not reachable: %v", cfg.BucketName, err)
	}
	return store
}
