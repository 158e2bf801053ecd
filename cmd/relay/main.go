package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ivchenko/identity-platform/services/profile-service/internal/config"
	"github.com/ivchenko/identity-platform/services/profile-service/internal/health"
	"github.com/ivchenko/identity-platform/services/profile-service/internal/logger"
	"github.com/ivchenko/identity-platform/services/profile-service/internal/messaging/rabbitmq"
	"github.com/ivchenko/identity-platform/services/profile-service/internal/relay"
	"github.com/ivchenko/identity-platform/services/profile-service/internal/store/postgres"
)

const shutdownGrace = 15 * time.Second

func main() {
	logger.Init()
	log := logger.Logger

	cfg := config.FromEnv()

	db, err := config.NewDB(cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer db.Close()

	producer, err := rabbitmq.NewProducer(cfg.RabbitURL, cfg.Exchange)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect producer to broker")
	}
	defer producer.Close()

	outboxRepo := postgres.NewOutboxRepo(db)
	worker := relay.NewWorker(relay.Config{
		PollInterval: cfg.RelayPollInterval,
		BatchSize:    cfg.RelayBatchSize,
		LockTimeout:  cfg.RelayLockTimeout,
		MaxAttempts:  cfg.RelayMaxAttempts,
	}, outboxRepo, producer, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	worker.Start(ctx)

	healthHandler := health.NewHandler(db, nil, nil)
	healthServer := &http.Server{
		Addr:    config.GetString("HTTP_ADDR", ":8085"),
		Handler: healthHandler.Router(),
	}
	go func() {
		log.Info().Str("addr", healthServer.Addr).Msg("health server listening")
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("health server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()

	worker.Stop()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("health server shutdown failed")
	}
	cancel()

	log.Info().Msg("shutdown complete")
}
