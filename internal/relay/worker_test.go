package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivchenko/identity-platform/services/profile-service/internal/domain"
	"github.com/ivchenko/identity-platform/services/profile-service/internal/messaging/rabbitmq"
	"github.com/ivchenko/identity-platform/services/profile-service/internal/outbox"
)

type fakeClaimStore struct {
	mu        sync.Mutex
	batches   [][]outbox.Record
	claimErr  error
	published []uuid.UUID
	failed    map[uuid.UUID]string
}

func newFakeClaimStore(batches ...[]outbox.Record) *fakeClaimStore {
	return &fakeClaimStore{batches: batches, failed: map[uuid.UUID]string{}}
}

func (s *fakeClaimStore) Claim(context.Context, int, time.Duration, int) ([]outbox.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	if len(s.batches) == 0 {
		return nil, nil
	}
	batch := s.batches[0]
	s.batches = s.batches[1:]
	return batch, nil
}

func (s *fakeClaimStore) MarkPublished(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, id)
	return nil
}

func (s *fakeClaimStore) MarkFailed(_ context.Context, id uuid.UUID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[id] = errMsg
	return nil
}

func (s *fakeClaimStore) publishedIDs() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uuid.UUID(nil), s.published...)
}

type fakeBroker struct {
	msgs []rabbitmq.Message
	errs []error // consumed one per Publish; nil means success
}

func (b *fakeBroker) Publish(_ context.Context, msg rabbitmq.Message) error {
	if len(b.errs) > 0 {
		err := b.errs[0]
		b.errs = b.errs[1:]
		if err != nil {
			return err
		}
	}
	b.msgs = append(b.msgs, msg)
	return nil
}

func record(t *testing.T, routingKey, partitionKey string) outbox.Record {
	t.Helper()
	md, err := json.Marshal(outbox.RecordMetadata{
		RoutingKey:    routingKey,
		PartitionKey:  partitionKey,
		CorrelationID: "corr-1",
	})
	require.NoError(t, err)
	return outbox.Record{
		ID:       uuid.New(),
		Type:     "identity.created",
		Payload:  json.RawMessage(`{"eventId":"e1","type":"identity.created"}`),
		Metadata: md,
		Status:   outbox.StatusProcessing,
		Attempts: 1,
	}
}

func newTestWorker(store *fakeClaimStore, broker *fakeBroker) *Worker {
	return NewWorker(Config{PollInterval: time.Millisecond}, store, broker, zerolog.Nop())
}

func TestRelayOnce_ShipsBatchAndMarksPublished(t *testing.T) {
	recA := record(t, "profile-service.identity-created.v1", "user-a")
	recB := record(t, "profile-service.identity-created.v1", "user-b")
	store := newFakeClaimStore([]outbox.Record{recA, recB})
	broker := &fakeBroker{}
	w := newTestWorker(store, broker)

	shipped := w.RelayOnce(context.Background())

	assert.Equal(t, 2, shipped)
	require.Len(t, broker.msgs, 2)
	// The outbox row id is the broker MessageId: stable across retries.
	assert.Equal(t, recA.ID.String(), broker.msgs[0].MessageID)
	assert.Equal(t, "user-a", broker.msgs[0].PartitionKey)
	assert.Equal(t, "corr-1", broker.msgs[0].CorrelationID)
	assert.Equal(t, []uuid.UUID{recA.ID, recB.ID}, store.published)
	assert.Empty(t, store.failed)
}

func TestRelayOnce_PublishFailureMarksFailedAndContinues(t *testing.T) {
	recA := record(t, "profile-service.identity-created.v1", "user-a")
	recB := record(t, "profile-service.identity-created.v1", "user-b")
	store := newFakeClaimStore([]outbox.Record{recA, recB})
	broker := &fakeBroker{errs: []error{domain.ErrBrokerUnavailable(errors.New("no confirm"))}}
	w := newTestWorker(store, broker)

	shipped := w.RelayOnce(context.Background())

	assert.Equal(t, 1, shipped)
	assert.Equal(t, []uuid.UUID{recB.ID}, store.published)
	assert.Contains(t, store.failed[recA.ID], "broker unavailable")
}

func TestRelayOnce_UndecodableMetadataMarksFailed(t *testing.T) {
	bad := outbox.Record{
		ID:       uuid.New(),
		Type:     "identity.created",
		Payload:  json.RawMessage(`{}`),
		Metadata: json.RawMessage(`{broken`),
	}
	store := newFakeClaimStore([]outbox.Record{bad})
	broker := &fakeBroker{}
	w := newTestWorker(store, broker)

	shipped := w.RelayOnce(context.Background())

	assert.Zero(t, shipped)
	assert.Empty(t, broker.msgs)
	assert.Contains(t, store.failed[bad.ID], "metadata undecodable")
}

func TestRelayOnce_ClaimErrorIsQuiet(t *testing.T) {
	store := newFakeClaimStore()
	store.claimErr = domain.ErrDBUnavailable(errors.New("down"))
	w := newTestWorker(store, &fakeBroker{})

	assert.Zero(t, w.RelayOnce(context.Background()))
}

func TestWorker_StartStopDrains(t *testing.T) {
	rec := record(t, "profile-service.identity-created.v1", "user-a")
	store := newFakeClaimStore([]outbox.Record{rec})
	broker := &fakeBroker{}
	w := newTestWorker(store, broker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	require.Eventually(t, func() bool {
		return len(store.publishedIDs()) == 1
	}, time.Second, 5*time.Millisecond)

	w.Stop()
	assert.Equal(t, []uuid.UUID{rec.ID}, store.publishedIDs())
}
