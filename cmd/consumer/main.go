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
	"github.com/ivchenko/identity-platform/services/profile-service/internal/idempotency"
	"github.com/ivchenko/identity-platform/services/profile-service/internal/identity"
	"github.com/ivchenko/identity-platform/services/profile-service/internal/logger"
	"github.com/ivchenko/identity-platform/services/profile-service/internal/messaging/rabbitmq"
	"github.com/ivchenko/identity-platform/services/profile-service/internal/outbox"
	"github.com/ivchenko/identity-platform/services/profile-service/internal/retry"
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

	if config.GetBool("DB_AUTO_MIGRATE", false) {
		if err := postgres.EnsureSchema(context.Background(), db); err != nil {
			log.Fatal().Err(err).Msg("schema bootstrap failed")
		}
	}

	redisClient, err := config.NewRedisClient(cfg.RedisAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()

	producer, err := rabbitmq.NewProducer(cfg.RabbitURL, cfg.Exchange)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect producer to broker")
	}
	defer producer.Close()

	store := postgres.New(db)
	profileRepo := postgres.NewProfileRepo(db)
	outboxRepo := postgres.NewOutboxRepo(db)
	outboxPublisher := outbox.NewPublisher(outboxRepo, cfg.ServiceName, log)

	svc := identity.NewService(store, profileRepo, outboxPublisher, log)
	handler := identity.NewHandler(svc, log)

	idemStore := idempotency.NewStore(redisClient)
	dlq := rabbitmq.NewDLQPublisher(producer, cfg.DLQRoutingKey, cfg.ServiceName)

	consumer := rabbitmq.NewConsumer(rabbitmq.ConsumerConfig{
		URL:              cfg.RabbitURL,
		Exchange:         cfg.Exchange,
		Queue:            cfg.Queue,
		RoutingKey:       cfg.RoutingKey,
		DLQQueue:         cfg.DLQQueue,
		DLQRoutingKey:    cfg.DLQRoutingKey,
		Prefetch:         cfg.Prefetch,
		MaxReconnects:    cfg.MaxReconnects,
		ReconnectCeiling: cfg.ReconnectCeiling,
		HealthInterval:   cfg.HealthInterval,
		Retry:            retry.DefaultConfig(),
	}, handler, idemStore, dlq, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := consumer.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to connect consumer to broker")
	}
	if err := consumer.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start consumer")
	}

	healthHandler := health.NewHandler(db, redisClient, consumer)
	healthServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: healthHandler.Router(),
	}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("health server listening")
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("health server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	// Ordered teardown: stop intake first, then the HTTP surface, then let
	// the deferred closes drop producer, redis and postgres.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()

	if err := consumer.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("consumer stop failed")
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("health server shutdown failed")
	}
	cancel()

	log.Info().Msg("shutdown complete")
}
