package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/FitnessMealPlanner/entitlements/app/controllers"
	"github.com/FitnessMealPlanner/entitlements/app/repository"
	"github.com/FitnessMealPlanner/entitlements/internal/pkg/billing"
	"github.com/FitnessMealPlanner/entitlements/internal/pkg/cache"
	"github.com/FitnessMealPlanner/entitlements/internal/pkg/database"
	"github.com/FitnessMealPlanner/entitlements/internal/pkg/entitlements"
	"github.com/FitnessMealPlanner/entitlements/internal/pkg/env"
	"github.com/FitnessMealPlanner/entitlements/internal/pkg/reconciler"
	"github.com/FitnessMealPlanner/entitlements/internal/pkg/router"
	"github.com/FitnessMealPlanner/entitlements/internal/pkg/usage"
)

func main() {
	app, queue := NewApplication()

	// Graceful shutdown: stop accepting requests, then drain workers.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("Shutdown signal received")
		_ = app.Shutdown()
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4100")))
	queue.Stop()
	if err != nil {
		log.Fatal(err)
	}
}

func NewApplication() (*fiber.App, *reconciler.Queue) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()
	repository.InitializeFactory(database.GetDB())

	repos := repository.GetGlobalRepositories()
	resolver := entitlements.NewResolverFromEnv(repos.Subscription)
	gate := usage.NewGate(repos.Usage, resolver)
	ingestSvc := billing.NewService(repos.Event)

	workers, err := strconv.Atoi(env.GetEnv("RECONCILE_WORKERS", "3"))
	if err != nil {
		workers = 3
	}
	rec := reconciler.NewReconciler(repos.Event, repos.Subscription, resolver)
	queue := reconciler.NewQueue(rec, workers)
	queue.Start()

	controllers.InitializeWebhookController(ingestSvc, func(customerID string) error {
		_, err := queue.Enqueue(customerID)
		return err
	})
	controllers.InitializeEntitlementController(resolver, gate, ingestSvc)

	app := fiber.New(fiber.Config{
		AppName:               "entitlements",
		DisableStartupMessage: !env.IsDev(),
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("METRICS_USER", "admin"): env.GetEnv("METRICS_PASSWORD", "admin"),
		},
	}), monitor.New())

	// SWAGGER / OPENAPI
	openAPICfg := swagger.Config{
		BasePath: "/docs/api/",
		FilePath: "./public/docs/v1/openapi.yml",
		Path:     "v1",
	}
	app.Use(swagger.New(openAPICfg))

	// ROUTER
	router.InstallRouter(app)

	return app, queue
}
