package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devsoko/escrow-engine/internal/config"
	"github.com/devsoko/escrow-engine/internal/db"
	"github.com/devsoko/escrow-engine/internal/events"
	"github.com/devsoko/escrow-engine/internal/linkmeta"
	"github.com/devsoko/escrow-engine/internal/repositories"
	"github.com/devsoko/escrow-engine/internal/services"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repos
	contractRepo := repositories.NewContractRepo(pool)
	milestoneRepo := repositories.NewMilestoneRepo(pool)
	escrowRepo := repositories.NewEscrowRepo(pool)

	// Services
	publisher := events.NewRedisPublisher(rdb, log)
	provider := services.NewHTTPProvider(cfg.ProviderBaseURL, cfg.ProviderAPIKey, log)
	sweeper := services.NewSweeper(contractRepo, milestoneRepo, escrowRepo, provider, publisher, cfg, log)
	fetcher := linkmeta.NewFetcher(cfg.LinkFetchTimeoutMS, cfg.LinkFetchMaxRetries, log)

	log.Info("worker started")

	// Run jobs on tickers
	overdueTicker := time.NewTicker(cfg.OverdueSweepInterval)
	dispatchTicker := time.NewTicker(cfg.DispatchRetryInterval)
	linkMetaTicker := time.NewTicker(cfg.LinkMetaInterval)
	defer overdueTicker.Stop()
	defer dispatchTicker.Stop()
	defer linkMetaTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-overdueTicker.C:
			sweeper.RunOverdueSweep(ctx)
			sweeper.RunReviewReminders(ctx)
		case <-dispatchTicker.C:
			sweeper.RunDispatchRetry(ctx)
		case <-linkMetaTicker.C:
			runLinkMeta(ctx, milestoneRepo, fetcher, log)
		case <-sigCh:
			log.Info("shutting down worker")
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}

// runLinkMeta enriches URL evidence with fetched page titles so reviewers
// see what a link points at without opening it.
func runLinkMeta(ctx context.Context, milestoneRepo *repositories.MilestoneRepo, fetcher *linkmeta.Fetcher, log *zap.Logger) {
	items, err := milestoneRepo.ListEvidenceNeedingMeta(ctx, 50)
	if err != nil {
		log.Error("failed to list evidence needing metadata", zap.Error(err))
		return
	}

	for _, item := range items {
		if item.URL == nil {
			continue
		}
		meta, err := fetcher.Fetch(ctx, *item.URL)
		if err != nil {
			log.Warn("failed to fetch link metadata",
				zap.String("evidence_id", item.ID.String()), zap.Error(err))
			continue
		}
		if err := milestoneRepo.SetEvidenceMeta(ctx, item.ID, meta.Title, meta.Description); err != nil {
			log.Error("failed to store link metadata",
				zap.String("evidence_id", item.ID.String()), zap.Error(err))
		}

		time.Sleep(500 * time.Millisecond) // rate limiting
	}
}
