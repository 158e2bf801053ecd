package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ivchenko/identity-platform/services/profile-service/internal/messaging/rabbitmq"
	"github.com/ivchenko/identity-platform/services/profile-service/internal/metrics"
	"github.com/ivchenko/identity-platform/services/profile-service/internal/outbox"
)

// claimStore is the slice of the outbox repository the relay drives.
type claimStore interface {
	Claim(ctx context.Context, limit int, lockTimeout time.Duration, maxAttempts int) ([]outbox.Record, error)
	MarkPublished(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error
}

type brokerPublisher interface {
	Publish(ctx context.Context, msg rabbitmq.Message) error
}

// Config bounds one relay instance.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	LockTimeout  time.Duration
	MaxAttempts  int
}

func (c *Config) withDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 1 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
}

// Worker drains pending outbox rows to the broker. Claiming uses
// FOR UPDATE SKIP LOCKED, so multiple relay replicas never fight over a row;
// the outbox row id doubles as the broker MessageId, which keeps redeliveries
// deduplicable downstream.
type Worker struct {
	cfg      Config
	store    claimStore
	producer brokerPublisher
	lg       zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewWorker(cfg Config, store claimStore, producer brokerPublisher, lg zerolog.Logger) *Worker {
	cfg.withDefaults()
	return &Worker{
		cfg:      cfg,
		store:    store,
		producer: producer,
		lg:       lg.With().Str("component", "outbox_relay").Logger(),
		stop:     make(chan struct{}),
	}
}

// Start launches the poll loop.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
	w.lg.Info().
		Dur("poll_interval", w.cfg.PollInterval).
		Int("batch_size", w.cfg.BatchSize).
		Msg("outbox relay started")
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RelayOnce(ctx)
		}
	}
}

// RelayOnce claims one batch and ships it. Exported so operators can trigger
// a drain out of band.
func (w *Worker) RelayOnce(ctx context.Context) int {
	records, err := w.store.Claim(ctx, w.cfg.BatchSize, w.cfg.LockTimeout, w.cfg.MaxAttempts)
	if err != nil {
		w.lg.Error().Err(err).Msg("claiming outbox batch failed")
		return 0
	}
	if len(records) == 0 {
		return 0
	}

	shipped := 0
	for _, rec := range records {
		if err := w.relayRecord(ctx, rec); err == nil {
			shipped++
		}
		select {
		case <-w.stop:
			return shipped
		case <-ctx.Done():
			return shipped
		default:
		}
	}
	w.lg.Debug().Int("claimed", len(records)).Int("shipped", shipped).Msg("relayed outbox batch")
	return shipped
}

func (w *Worker) relayRecord(ctx context.Context, rec outbox.Record) error {
	lg := w.lg.With().Str("outbox_id", rec.ID.String()).Str("type", rec.Type).Logger()

	md, err := rec.DecodeMetadata()
	if err != nil {
		// Unreadable routing metadata never heals; the attempt counter will
		// age the row out of the claim window for operator triage.
		lg.Error().Err(err).Msg("outbox metadata undecodable, marking failed")
		metrics.RecordOutboxRelayed("metadata_error")
		if markErr := w.store.MarkFailed(ctx, rec.ID, "metadata undecodable: "+err.Error()); markErr != nil {
			lg.Error().Err(markErr).Msg("marking outbox row failed did not stick")
		}
		return err
	}

	err = w.producer.Publish(ctx, rabbitmq.Message{
		RoutingKey:    md.RoutingKey,
		MessageID:     rec.ID.String(),
		PartitionKey:  md.PartitionKey,
		CorrelationID: md.CorrelationID,
		Body:          rec.Payload,
	})
	if err != nil {
		lg.Warn().Err(err).Int("attempts", rec.Attempts).Msg("broker publish failed, row stays claimable")
		metrics.RecordOutboxRelayed("publish_error")
		if markErr := w.store.MarkFailed(ctx, rec.ID, err.Error()); markErr != nil {
			lg.Error().Err(markErr).Msg("recording publish failure did not stick")
		}
		return err
	}

	if err := w.store.MarkPublished(ctx, rec.ID); err != nil {
		// The publish went out; the stable MessageId absorbs the duplicate
		// the next claim will cause.
		lg.Error().Err(err).Msg("marking outbox row published failed")
		metrics.RecordOutboxRelayed("mark_error")
		return err
	}

	metrics.RecordOutboxRelayed("published")
	return nil
}

// Stop drains the loop.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	w.wg.Wait()
	w.lg.Info().Msg("outbox relay stopped")
}
