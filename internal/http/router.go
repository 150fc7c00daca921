package http

import (
	"time"

	"github.com/devsoko/escrow-engine/internal/config"
	"github.com/devsoko/escrow-engine/internal/http/handlers"
	"github.com/devsoko/escrow-engine/internal/middleware"
	"github.com/devsoko/escrow-engine/internal/rbac"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	rdb *redis.Client,
	contractHandler *handlers.ContractHandler,
	milestoneHandler *handlers.MilestoneHandler,
	escrowHandler *handlers.EscrowHandler,
	changeRequestHandler *handlers.ChangeRequestHandler,
	disputeHandler *handlers.DisputeHandler,
	webhookHandler *handlers.WebhookHandler,
	wsHub *handlers.WSHub,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Provider callbacks (public, signature-verified)
	app.Post("/webhooks/funding", webhookHandler.FundingCallback)

	api := app.Group("/api/v1")
	api.Use(middleware.RateLimitMiddleware(rdb, 100, time.Minute))

	// Protected endpoints
	protected := api.Group("", middleware.AuthMiddleware(cfg, log))

	// Contracts
	protected.Post("/contracts", middleware.RequirePermission(rbac.PermCreateContract), contractHandler.CreateContract)
	protected.Get("/contracts", contractHandler.ListContracts)
	protected.Get("/contracts/:id", contractHandler.GetContract)
	protected.Post("/contracts/:id/send", middleware.RequirePermission(rbac.PermSendContract), contractHandler.SendContract)
	protected.Post("/contracts/:id/accept", middleware.RequirePermission(rbac.PermAcceptContract), contractHandler.AcceptContract)
	protected.Post("/contracts/:id/decline", middleware.RequirePermission(rbac.PermAcceptContract), contractHandler.DeclineContract)
	protected.Post("/contracts/:id/pause", middleware.RequirePermission(rbac.PermPauseContract), contractHandler.PauseContract)
	protected.Post("/contracts/:id/resume", contractHandler.ResumeContract)
	protected.Post("/contracts/:id/cancel", middleware.RequirePermission(rbac.PermCancelContract), contractHandler.CancelContract)
	protected.Post("/contracts/:id/complete", middleware.RequirePermission(rbac.PermCompleteContract), contractHandler.CompleteContract)
	protected.Get("/contracts/:id/milestones", contractHandler.ListContractMilestones)
	protected.Get("/contracts/:id/activity", contractHandler.GetContractActivity)

	// Escrow
	protected.Get("/contracts/:id/escrow", escrowHandler.GetAccount)
	protected.Get("/contracts/:id/escrow/transactions", escrowHandler.ListTransactions)
	protected.Post("/contracts/:id/escrow/fund", middleware.RequirePermission(rbac.PermFundEscrow), escrowHandler.FundEscrow)

	// Milestones
	protected.Get("/milestones/:id", milestoneHandler.GetMilestone)
	protected.Post("/milestones/:id/start", middleware.RequirePermission(rbac.PermStartMilestone), milestoneHandler.StartMilestone)
	protected.Post("/milestones/:id/submit", middleware.RequirePermission(rbac.PermSubmitMilestone), milestoneHandler.SubmitMilestone)
	protected.Post("/milestones/:id/review", middleware.RequirePermission(rbac.PermReviewMilestone), milestoneHandler.ReviewMilestone)
	protected.Post("/milestones/:id/release", middleware.RequirePermission(rbac.PermReleaseMilestone), milestoneHandler.ReleaseMilestone)
	protected.Get("/milestones/:id/submissions", milestoneHandler.ListSubmissions)
	protected.Get("/milestones/:id/reviews", milestoneHandler.ListReviews)

	// Change requests
	protected.Post("/contracts/:id/change-requests", middleware.RequirePermission(rbac.PermProposeChange), changeRequestHandler.CreateChangeRequest)
	protected.Get("/contracts/:id/change-requests", changeRequestHandler.ListChangeRequests)
	protected.Post("/change-requests/:id/accept", middleware.RequirePermission(rbac.PermResolveChange), changeRequestHandler.AcceptChangeRequest)
	protected.Post("/change-requests/:id/reject", middleware.RequirePermission(rbac.PermResolveChange), changeRequestHandler.RejectChangeRequest)
	protected.Post("/change-requests/:id/cancel", changeRequestHandler.CancelChangeRequest)

	// Disputes
	protected.Post("/contracts/:id/disputes", middleware.RequirePermission(rbac.PermOpenDispute), disputeHandler.OpenDispute)
	protected.Get("/contracts/:id/disputes", disputeHandler.ListDisputes)
	protected.Get("/disputes/:id", disputeHandler.GetDispute)
	protected.Post("/disputes/:id/resolve", middleware.AdminMiddleware(), disputeHandler.ResolveDispute)
	protected.Post("/disputes/:id/withdraw", disputeHandler.WithdrawDispute)

	// WebSocket
	app.Use("/ws", handlers.WSUpgradeMiddleware())
	app.Get("/ws", websocket.New(wsHub.HandleWS))
}
