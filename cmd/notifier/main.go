package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"netpanel/config"
	pgStorage "netpanel/internal/adapter/storage/postgres"
	redisStorage "netpanel/internal/adapter/storage/redis"
	"netpanel/internal/core/ports"
	"netpanel/internal/service"
	"netpanel/pkg/logger"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func main() {
	testWebhook := flag.String("test-webhook", "", "send a synthetic webhook.test delivery to the given webhook id and exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)

	log.Info().
		Int("workers", cfg.Webhook.Workers).
		Int("queue_size", cfg.Webhook.QueueSize).
		Msg("Starting NetPanel notifier")

	ctx := context.Background()

	// Initialize PostgreSQL pool
	pool, err := pgStorage.NewPool(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()
	log.Info().Msg("PostgreSQL connected")

	// Initialize Redis client
	rdb, err := redisStorage.NewClient(ctx, cfg.Redis, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()
	log.Info().Msg("Redis connected")

	// Initialize repositories
	webhookRepo := pgStorage.NewWebhookRepo(pool)
	attemptRepo := pgStorage.NewAttemptRepo(pool)

	// Initialize core services
	encSvc, err := service.NewAESEncryptionService(cfg.AES.Key)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize encryption service")
	}
	sigSvc := service.NewHMACSignatureService()

	registrySvc := service.NewRegistryService(webhookRepo, encSvc, logger.Component(log, "registry"))
	statsSvc := service.NewStatsService(attemptRepo)

	// Per-webhook delivery throttle; 0 disables it.
	var throttle ports.DeliveryThrottle
	if cfg.Webhook.ThrottlePerMinute > 0 {
		throttle = redisStorage.NewThrottleStore(rdb, cfg.Webhook.ThrottlePerMinute, time.Minute)
	}

	dispatcher := service.NewDispatcherService(
		registrySvc,
		webhookRepo,
		attemptRepo,
		sigSvc,
		throttle,
		&http.Client{Timeout: cfg.Webhook.AttemptTimeout},
		nil, // real clock
		service.DispatcherConfig{
			AttemptTimeout: cfg.Webhook.AttemptTimeout,
			MaxAttempts:    cfg.Webhook.MaxAttempts,
			BackoffBase:    cfg.Webhook.BackoffBase,
			BackoffMax:     cfg.Webhook.BackoffMax,
			QueueSize:      cfg.Webhook.QueueSize,
			Workers:        cfg.Webhook.Workers,
		},
		logger.Component(log, "dispatcher"),
	)

	// Verify backing stores before accepting work.
	for _, hc := range []ports.HealthChecker{
		pgStorage.NewHealthCheck(pool),
		redisStorage.NewHealthCheck(rdb),
	} {
		if err := hc.Ping(ctx); err != nil {
			log.Fatal().Err(err).Str("dependency", hc.Name()).Msg("Dependency health check failed")
		}
	}

	// One-shot mode: fire a test delivery, wait for it to finish, report.
	if *testWebhook != "" {
		runTestDelivery(ctx, log, dispatcher, statsSvc, *testWebhook)
		return
	}

	log.Info().Msg("Notifier ready, dispatching deliveries")

	// Graceful shutdown: stop intake, drain queued and in-flight
	// deliveries, then release the stores.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down notifier...")

	dispatcher.Close()
	log.Info().Msg("Notifier exited")
}

// runTestDelivery sends a synthetic webhook.test event to one webhook
// and prints its delivery stats once the attempt (and any retries) has
// drained.
func runTestDelivery(
	ctx context.Context,
	log zerolog.Logger,
	dispatcher ports.DispatcherService,
	statsSvc ports.StatsService,
	rawID string,
) {
	webhookID, err := uuid.Parse(rawID)
	if err != nil {
		log.Fatal().Err(err).Str("webhook_id", rawID).Msg("Invalid webhook id")
	}

	correlationID, err := dispatcher.PublishTest(ctx, webhookID)
	if err != nil {
		log.Fatal().Err(err).Str("webhook_id", rawID).Msg("Test delivery failed to schedule")
	}
	log.Info().
		Str("webhook_id", rawID).
		Str("correlation_id", correlationID.String()).
		Msg("Test delivery scheduled, waiting for completion")

	dispatcher.Close()

	stats, err := statsSvc.Stats(ctx, webhookID, time.Hour)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read delivery stats")
	}
	log.Info().
		Int64("total_attempts", stats.TotalAttempts).
		Int64("success_count", stats.SuccessCount).
		Int64("failure_count", stats.FailureCount).
		Float64("avg_latency_ms", stats.AvgLatencyMS).
		Msg("Test delivery finished")
}
