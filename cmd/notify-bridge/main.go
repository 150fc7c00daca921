package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/devsoko/escrow-engine/internal/config"
	"github.com/devsoko/escrow-engine/internal/db"
	"github.com/devsoko/escrow-engine/internal/events"
	"go.uber.org/zap"
)

// Notify Bridge subscribes to Redis contract events and forwards them to
// the internal notification service as plain HTTP posts. It exists so the
// engine never blocks a settlement transaction on a notification.

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	subscriber := events.NewRedisSubscriber(rdb, log)

	log.Info("notify-bridge started")

	_ = subscriber.Subscribe(ctx, events.StreamContract, func(event events.Event) {
		log.Info("forwarding event", zap.String("type", event.Type))
		forward(cfg.NotifyInternalURL, event, log)
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down notify-bridge")
	cancel()
}

func forward(baseURL string, event events.Event, log *zap.Logger) {
	body, err := json.Marshal(map[string]any{
		"type":    event.Type,
		"payload": event.Payload,
	})
	if err != nil {
		return
	}

	url := fmt.Sprintf("%s/internal/notify", strings.TrimRight(baseURL, "/"))
	resp, err := http.Post(url, "application/json", strings.NewReader(string(body)))
	if err != nil {
		log.Warn("failed to forward notification", zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Warn("notification service returned non-200", zap.Int("status", resp.StatusCode))
	}
}
