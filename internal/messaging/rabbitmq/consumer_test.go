package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivchenko/identity-platform/services/profile-service/internal/domain"
	"github.com/ivchenko/identity-platform/services/profile-service/internal/retry"
)

type fakeHandler struct {
	errs  []error // consumed one per call; nil entry means success
	calls int
}

func (h *fakeHandler) Handle(context.Context, []byte) error {
	h.calls++
	if len(h.errs) == 0 {
		return nil
	}
	err := h.errs[0]
	h.errs = h.errs[1:]
	return err
}

type fakeIdem struct {
	seen     map[string]bool
	checkErr error
	cleared  []string
}

func newFakeIdem() *fakeIdem { return &fakeIdem{seen: map[string]bool{}} }

func (f *fakeIdem) CheckAndMark(_ context.Context, id string) (bool, error) {
	if f.checkErr != nil {
		return false, f.checkErr
	}
	if f.seen[id] {
		return true, nil
	}
	f.seen[id] = true
	return false, nil
}

func (f *fakeIdem) Clear(_ context.Context, id string) error {
	f.cleared = append(f.cleared, id)
	delete(f.seen, id)
	return nil
}

type fakeDLQ struct {
	letters [][]byte
	causes  []error
	err     error
}

func (f *fakeDLQ) Publish(_ context.Context, original []byte, cause error) error {
	if f.err != nil {
		return f.err
	}
	f.letters = append(f.letters, original)
	f.causes = append(f.causes, cause)
	return nil
}

type fakeAcker struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (a *fakeAcker) Ack(bool) error { a.acked = true; return nil }
func (a *fakeAcker) Nack(_, requeue bool) error {
	a.nacked = true
	a.requeue = requeue
	return nil
}

func fastRetry() *retry.Config {
	return &retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func newTestConsumer(handler *fakeHandler, idem *fakeIdem, dlq *fakeDLQ) *Consumer {
	return NewConsumer(ConsumerConfig{
		Queue:         "profile-service.identity-events",
		RoutingKey:    "auth-service.identity-registered.v1",
		DLQRoutingKey: "profile-service.dlq.v1",
		Retry:         fastRetry(),
	}, handler, idem, dlq, zerolog.Nop())
}

func TestHandleDelivery_SuccessAcks(t *testing.T) {
	handler := &fakeHandler{}
	idem := newFakeIdem()
	dlq := &fakeDLQ{}
	c := newTestConsumer(handler, idem, dlq)
	ack := &fakeAcker{}

	c.handleDelivery(context.Background(), []byte(`{"type":"identity.registered"}`), "m-1", ack)

	assert.True(t, ack.acked)
	assert.False(t, ack.nacked)
	assert.Equal(t, 1, handler.calls)
	assert.Empty(t, dlq.letters)
	assert.Equal(t, uint64(1), c.Stats().MessagesProcessed)
}

func TestHandleDelivery_DuplicateAckedWithoutHandler(t *testing.T) {
	handler := &fakeHandler{}
	idem := newFakeIdem()
	c := newTestConsumer(handler, idem, &fakeDLQ{})

	first, second := &fakeAcker{}, &fakeAcker{}
	body := []byte(`{"type":"identity.registered"}`)
	c.handleDelivery(context.Background(), body, "m-1", first)
	c.handleDelivery(context.Background(), body, "m-1", second)

	assert.True(t, second.acked)
	assert.Equal(t, 1, handler.calls)
}

func TestHandleDelivery_IdempotencyFailureRequeues(t *testing.T) {
	handler := &fakeHandler{}
	idem := newFakeIdem()
	idem.checkErr = domain.ErrRedisUnavailable(errors.New("down"))
	c := newTestConsumer(handler, idem, &fakeDLQ{})
	ack := &fakeAcker{}

	c.handleDelivery(context.Background(), []byte(`{}`), "m-1", ack)

	assert.True(t, ack.nacked)
	assert.True(t, ack.requeue)
	assert.Zero(t, handler.calls)
}

func TestHandleDelivery_TransientFailureRetriedThenAcked(t *testing.T) {
	handler := &fakeHandler{errs: []error{
		domain.ErrDBUnavailable(errors.New("blip")),
		domain.ErrDBUnavailable(errors.New("blip")),
		nil,
	}}
	c := newTestConsumer(handler, newFakeIdem(), &fakeDLQ{})
	ack := &fakeAcker{}

	c.handleDelivery(context.Background(), []byte(`{"type":"identity.registered"}`), "m-1", ack)

	assert.True(t, ack.acked)
	assert.Equal(t, 3, handler.calls)
}

func TestHandleDelivery_ValidationErrorDeadLettersImmediately(t *testing.T) {
	handler := &fakeHandler{errs: []error{domain.ErrInvalidField("userId", "must be a UUID")}}
	idem := newFakeIdem()
	dlq := &fakeDLQ{}
	c := newTestConsumer(handler, idem, dlq)
	ack := &fakeAcker{}

	body := []byte(`{"type":"identity.registered","data":{"userId":"nope"}}`)
	c.handleDelivery(context.Background(), body, "m-1", ack)

	// Non-retryable: a single attempt, straight to the dead-letter topic.
	assert.Equal(t, 1, handler.calls)
	require.Len(t, dlq.letters, 1)
	assert.Equal(t, body, dlq.letters[0])
	assert.True(t, ack.acked)
	// The mark is cleared so a replay from the DLQ is processed.
	assert.Contains(t, idem.cleared, "m-1")
}

func TestHandleDelivery_ExhaustedRetriesDeadLetter(t *testing.T) {
	boom := domain.ErrDBUnavailable(errors.New("still down"))
	handler := &fakeHandler{errs: []error{boom, boom, boom}}
	dlq := &fakeDLQ{}
	c := newTestConsumer(handler, newFakeIdem(), dlq)
	ack := &fakeAcker{}

	c.handleDelivery(context.Background(), []byte(`{"type":"identity.registered"}`), "m-1", ack)

	assert.Equal(t, 3, handler.calls)
	require.Len(t, dlq.letters, 1)
	assert.True(t, ack.acked)
	assert.Equal(t, uint64(1), c.Stats().Errors)
}

func TestHandleDelivery_DLQFailureRequeuesAndUnmarks(t *testing.T) {
	handler := &fakeHandler{errs: []error{domain.ErrInvalidPayload(errors.New("bad json"))}}
	idem := newFakeIdem()
	dlq := &fakeDLQ{err: domain.ErrBrokerUnavailable(errors.New("channel closed"))}
	c := newTestConsumer(handler, idem, dlq)
	ack := &fakeAcker{}

	c.handleDelivery(context.Background(), []byte(`{}`), "m-1", ack)

	assert.True(t, ack.nacked)
	assert.True(t, ack.requeue)
	assert.False(t, ack.acked)
	assert.Contains(t, idem.cleared, "m-1")
}

func TestReconnectDelay_ExponentialWithCeiling(t *testing.T) {
	floor, ceiling := 1*time.Second, 30*time.Second

	assert.Equal(t, 1*time.Second, reconnectDelay(1, floor, ceiling))
	assert.Equal(t, 2*time.Second, reconnectDelay(2, floor, ceiling))
	assert.Equal(t, 4*time.Second, reconnectDelay(3, floor, ceiling))
	assert.Equal(t, 16*time.Second, reconnectDelay(5, floor, ceiling))
	assert.Equal(t, 30*time.Second, reconnectDelay(6, floor, ceiling))
	assert.Equal(t, 30*time.Second, reconnectDelay(40, floor, ceiling))
}

func TestConsumerConfig_Defaults(t *testing.T) {
	cfg := ConsumerConfig{Queue: "q", RoutingKey: "rk"}
	cfg.withDefaults()

	assert.Equal(t, DefaultExchange, cfg.Exchange)
	assert.Equal(t, "q.dlq", cfg.DLQQueue)
	assert.Equal(t, 10, cfg.Prefetch)
	assert.Equal(t, 5, cfg.MaxReconnects)
	assert.Equal(t, 30*time.Second, cfg.ReconnectCeiling)
	assert.Equal(t, 30*time.Second, cfg.HealthInterval)
	require.NotNil(t, cfg.Retry)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
}

func TestConsumer_StartBeforeConnectFails(t *testing.T) {
	c := newTestConsumer(&fakeHandler{}, newFakeIdem(), &fakeDLQ{})
	err := c.Start(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, "consumer_not_connected"))
	assert.Equal(t, StateUninitialized, c.Stats().State)
}

func TestEventTypeOf(t *testing.T) {
	assert.Equal(t, "identity.registered", eventTypeOf([]byte(`{"type":"identity.registered"}`)))
	assert.Equal(t, "unknown", eventTypeOf([]byte(`not json`)))
	assert.Equal(t, "unknown", eventTypeOf([]byte(`{}`)))
}
