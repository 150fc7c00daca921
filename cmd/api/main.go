package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/devsoko/escrow-engine/internal/config"
	"github.com/devsoko/escrow-engine/internal/db"
	"github.com/devsoko/escrow-engine/internal/events"
	apphttp "github.com/devsoko/escrow-engine/internal/http"
	"github.com/devsoko/escrow-engine/internal/http/handlers"
	"github.com/devsoko/escrow-engine/internal/repositories"
	"github.com/devsoko/escrow-engine/internal/services"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	// Run migrations
	if err := db.RunMigrations(ctx, pool, "migrations", log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	// Redis
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repositories
	contractRepo := repositories.NewContractRepo(pool)
	milestoneRepo := repositories.NewMilestoneRepo(pool)
	escrowRepo := repositories.NewEscrowRepo(pool)
	changeRequestRepo := repositories.NewChangeRequestRepo(pool)
	disputeRepo := repositories.NewDisputeRepo(pool)
	activityRepo := repositories.NewActivityRepo(pool)

	// Events
	publisher := events.NewRedisPublisher(rdb, log)
	subscriber := events.NewRedisSubscriber(rdb, log)

	// Services
	provider := services.NewHTTPProvider(cfg.ProviderBaseURL, cfg.ProviderAPIKey, log)
	contractService := services.NewContractService(pool, contractRepo, milestoneRepo, escrowRepo, activityRepo, provider, publisher, cfg, log)
	milestoneService := services.NewMilestoneService(pool, contractRepo, milestoneRepo, escrowRepo, activityRepo, provider, publisher, cfg, log)
	escrowService := services.NewEscrowService(pool, contractRepo, milestoneRepo, escrowRepo, activityRepo, provider, publisher, cfg, log)
	changeRequestService := services.NewChangeRequestService(pool, contractRepo, milestoneRepo, changeRequestRepo, activityRepo, publisher, cfg, log)
	disputeService := services.NewDisputeService(pool, contractRepo, escrowRepo, disputeRepo, activityRepo, provider, publisher, cfg, log)

	// Handlers
	contractHandler := handlers.NewContractHandler(contractService, log)
	milestoneHandler := handlers.NewMilestoneHandler(milestoneService, log)
	escrowHandler := handlers.NewEscrowHandler(escrowService, log)
	changeRequestHandler := handlers.NewChangeRequestHandler(changeRequestService, log)
	disputeHandler := handlers.NewDisputeHandler(disputeService, log)
	webhookHandler := handlers.NewWebhookHandler(cfg, escrowService, log)
	wsHub := handlers.NewWSHub(cfg, subscriber, log)

	// Start WS hub
	wsHub.Start(ctx)

	// Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	apphttp.SetupRouter(app, cfg, log, rdb, contractHandler, milestoneHandler, escrowHandler, changeRequestHandler, disputeHandler, webhookHandler, wsHub)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
