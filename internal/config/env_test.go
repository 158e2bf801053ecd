package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetString(t *testing.T) {
	t.Setenv("TEST_STR", "value")
	assert.Equal(t, "value", GetString("TEST_STR", "default"))
	assert.Equal(t, "default", GetString("TEST_STR_MISSING", "default"))
}

func TestGetInt(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_INT_BAD", "not-a-number")
	assert.Equal(t, 42, GetInt("TEST_INT", 7))
	assert.Equal(t, 7, GetInt("TEST_INT_BAD", 7))
	assert.Equal(t, 7, GetInt("TEST_INT_MISSING", 7))
}

func TestGetBool(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	t.Setenv("TEST_BOOL_BAD", "maybe")
	assert.True(t, GetBool("TEST_BOOL", false))
	assert.False(t, GetBool("TEST_BOOL_BAD", false))
}

func TestGetDuration(t *testing.T) {
	t.Setenv("TEST_DUR", "45s")
	t.Setenv("TEST_DUR_BAD", "soon")
	assert.Equal(t, 45*time.Second, GetDuration("TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, GetDuration("TEST_DUR_BAD", time.Minute))
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg := FromEnv()

	assert.Equal(t, "profile-service", cfg.ServiceName)
	assert.Equal(t, "identity.events", cfg.Exchange)
	assert.Equal(t, "auth-service.identity-registered.v1", cfg.RoutingKey)
	assert.Equal(t, "profile-service.dlq.v1", cfg.DLQRoutingKey)
	assert.Equal(t, 5, cfg.MaxReconnects)
	assert.Equal(t, 30*time.Second, cfg.HealthInterval)
	assert.Equal(t, 1*time.Second, cfg.RelayPollInterval)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("RABBITMQ_QUEUE", "custom.queue")
	t.Setenv("PREFETCH_COUNT", "25")
	t.Setenv("HEALTH_CHECK_INTERVAL", "10s")

	cfg := FromEnv()
	assert.Equal(t, "custom.queue", cfg.Queue)
	assert.Equal(t, 25, cfg.Prefetch)
	assert.Equal(t, 10*time.Second, cfg.HealthInterval)
}
