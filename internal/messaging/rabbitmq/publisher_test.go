package rabbitmq

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivchenko/identity-platform/services/profile-service/internal/domain"
)

func TestAwaitConfirm_Ack(t *testing.T) {
	confirms := make(chan amqp.Confirmation, 1)
	returns := make(chan amqp.Return, 1)
	confirms <- amqp.Confirmation{DeliveryTag: 1, Ack: true}

	err := awaitConfirm(context.Background(), 1, time.Second, confirms, returns)
	require.NoError(t, err)
}

func TestAwaitConfirm_SkipsStaleConfirmation(t *testing.T) {
	confirms := make(chan amqp.Confirmation, 2)
	returns := make(chan amqp.Return, 1)
	// Leftover ack from a publish that already resolved via a return. It must
	// not be read as the verdict for tag 2.
	confirms <- amqp.Confirmation{DeliveryTag: 1, Ack: true}
	confirms <- amqp.Confirmation{DeliveryTag: 2, Ack: false}

	err := awaitConfirm(context.Background(), 2, time.Second, confirms, returns)
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, "publish_nacked"))
}

func TestAwaitConfirm_Return(t *testing.T) {
	confirms := make(chan amqp.Confirmation, 1)
	returns := make(chan amqp.Return, 1)
	returns <- amqp.Return{RoutingKey: "identity.registered"}

	err := awaitConfirm(context.Background(), 1, time.Second, confirms, returns)
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, "no_route"))
}

func TestAwaitConfirm_Timeout(t *testing.T) {
	confirms := make(chan amqp.Confirmation, 1)
	returns := make(chan amqp.Return, 1)

	err := awaitConfirm(context.Background(), 1, 10*time.Millisecond, confirms, returns)
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, "confirm_timeout"))
}

func TestAwaitConfirm_ContextCancelled(t *testing.T) {
	confirms := make(chan amqp.Confirmation, 1)
	returns := make(chan amqp.Return, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := awaitConfirm(ctx, 1, time.Second, confirms, returns)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDrainStale_EmptiesBothChannels(t *testing.T) {
	confirms := make(chan amqp.Confirmation, 1)
	returns := make(chan amqp.Return, 1)
	confirms <- amqp.Confirmation{DeliveryTag: 1, Ack: true}
	returns <- amqp.Return{RoutingKey: "identity.updated"}

	p := &Producer{confirmCh: confirms, returnCh: returns}
	p.drainStale()

	assert.Empty(t, confirms)
	assert.Empty(t, returns)
}
