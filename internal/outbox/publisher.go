package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ivchenko/identity-platform/services/profile-service/internal/domain"
	"github.com/ivchenko/identity-platform/services/profile-service/internal/events"
)

// Store is the persistence seam the publisher writes through.
type Store interface {
	Insert(ctx context.Context, rec Record) error
	InsertTx(ctx context.Context, tx *sql.Tx, rec Record) error
	InsertAll(ctx context.Context, recs []Record) error
	InsertAllTx(ctx context.Context, tx *sql.Tx, recs []Record) error
}

// Publisher appends envelopes to the outbox table. It never talks to the
// broker: deciding to emit an event is decoupled from shipping it.
type Publisher struct {
	store   Store
	service string
	lg      zerolog.Logger
}

func NewPublisher(store Store, service string, lg zerolog.Logger) *Publisher {
	return &Publisher{
		store:   store,
		service: service,
		lg:      lg.With().Str("component", "outbox_publisher").Logger(),
	}
}

// Publish appends one event with an independently committed write. Durable,
// but not atomic with any particular business mutation.
func (p *Publisher) Publish(ctx context.Context, env events.Envelope) error {
	rec, err := p.recordFromEnvelope(env)
	if err != nil {
		return err
	}
	if err := p.store.Insert(ctx, rec); err != nil {
		return err
	}
	p.lg.Debug().Str("event_id", env.EventID).Str("type", env.Type).Msg("outbox row appended")
	return nil
}

// PublishInTx appends one event reusing the caller's open transaction, so the
// row commits or rolls back together with the domain mutation.
func (p *Publisher) PublishInTx(ctx context.Context, tx *sql.Tx, env events.Envelope) error {
	rec, err := p.recordFromEnvelope(env)
	if err != nil {
		return err
	}
	return p.store.InsertTx(ctx, tx, rec)
}

// PublishAll appends a batch atomically.
func (p *Publisher) PublishAll(ctx context.Context, envs []events.Envelope) error {
	recs, err := p.recordsFromEnvelopes(envs)
	if err != nil {
		return err
	}
	return p.store.InsertAll(ctx, recs)
}

// PublishAllInTx appends a batch inside the caller's transaction.
func (p *Publisher) PublishAllInTx(ctx context.Context, tx *sql.Tx, envs []events.Envelope) error {
	recs, err := p.recordsFromEnvelopes(envs)
	if err != nil {
		return err
	}
	return p.store.InsertAllTx(ctx, tx, recs)
}

func (p *Publisher) recordsFromEnvelopes(envs []events.Envelope) ([]Record, error) {
	recs := make([]Record, 0, len(envs))
	for _, env := range envs {
		rec, err := p.recordFromEnvelope(env)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// recordFromEnvelope validates the envelope and maps it onto a pending row.
// Fails before any write if the event has no type or no data.
func (p *Publisher) recordFromEnvelope(env events.Envelope) (Record, error) {
	if strings.TrimSpace(env.Type) == "" {
		return Record{}, domain.ErrMissingField("type")
	}
	if len(env.Data) == 0 {
		return Record{}, domain.ErrMissingField("data")
	}

	id, err := uuid.Parse(env.EventID)
	if err != nil {
		return Record{}, domain.ErrInvalidField("eventId", "must be a UUID")
	}

	payload, err := env.Marshal()
	if err != nil {
		return Record{}, domain.ErrInternal(fmt.Errorf("marshal envelope: %w", err))
	}

	md, err := json.Marshal(RecordMetadata{
		RoutingKey:    RoutingKeyFor(p.service, env.Type),
		PartitionKey:  env.PartitionKey(),
		CorrelationID: env.CorrelationID,
	})
	if err != nil {
		return Record{}, domain.ErrInternal(fmt.Errorf("marshal outbox metadata: %w", err))
	}

	return Record{
		ID:       id,
		Type:     env.Type,
		Payload:  payload,
		Metadata: md,
		Status:   StatusPending,
		Attempts: 0,
	}, nil
}

// RoutingKeyFor maps an event type to its versioned topic, e.g.
// "identity.created" published by profile-service becomes
// "profile-service.identity-created.v1".
func RoutingKeyFor(service, eventType string) string {
	return fmt.Sprintf("%s.%s.v1", service, strings.ReplaceAll(eventType, ".", "-"))
}
