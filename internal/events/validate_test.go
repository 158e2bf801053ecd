package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRegistered(t *testing.T) Envelope {
	t.Helper()
	env, err := New(TypeIdentityRegistered, "auth-service", IdentityRegistered{
		UserID:       uuid.NewString(),
		Email:        "ivan@x.com",
		Name:         "Ivan Petrov",
		RegisteredAt: time.Now().UTC().Format(time.RFC3339),
	})
	require.NoError(t, err)
	return env
}

func TestValidate_ValidEnvelope(t *testing.T) {
	res := NewValidator().Validate(validRegistered(t))
	assert.True(t, res.IsValid)
	assert.Empty(t, res.Errors)
}

func TestValidate_MissingEventID(t *testing.T) {
	env := validRegistered(t)
	env.EventID = ""

	res := NewValidator().Validate(env)
	assert.False(t, res.IsValid)
	assert.Contains(t, res.Errors, "eventId is required")
}

func TestValidate_BadUserID(t *testing.T) {
	env := validRegistered(t)
	env.Data = json.RawMessage(`{"userId":"not-a-uuid","email":"ivan@x.com","registeredAt":"2026-01-02T03:04:05Z"}`)

	res := NewValidator().Validate(env)
	assert.False(t, res.IsValid)
	assert.Contains(t, res.Errors, "userId must be a UUID v4")
}

func TestValidate_MissingRegisteredAt(t *testing.T) {
	env := validRegistered(t)
	env.Data = json.RawMessage(`{"userId":"` + uuid.NewString() + `","email":"ivan@x.com"}`)

	res := NewValidator().Validate(env)
	assert.False(t, res.IsValid)
	assert.Contains(t, res.Errors, "registeredAt is required")
}

func TestValidate_UnparseableRegisteredAt(t *testing.T) {
	env := validRegistered(t)
	env.Data = json.RawMessage(`{"userId":"` + uuid.NewString() + `","email":"ivan@x.com","registeredAt":"yesterday"}`)

	res := NewValidator().Validate(env)
	assert.False(t, res.IsValid)
	assert.Contains(t, res.Errors, "registeredAt must be an ISO8601 timestamp")
}

func TestValidate_BadEmail(t *testing.T) {
	env := validRegistered(t)
	env.Data = json.RawMessage(`{"userId":"` + uuid.NewString() + `","email":"not-an-email","registeredAt":"2026-01-02T03:04:05Z"}`)

	res := NewValidator().Validate(env)
	assert.False(t, res.IsValid)
	assert.Contains(t, res.Errors, "email must be a valid email address")
}

func TestValidate_AccumulatesErrors(t *testing.T) {
	env := validRegistered(t)
	env.EventID = "nope"
	env.Data = json.RawMessage(`{"userId":"nope","email":"nope"}`)

	res := NewValidator().Validate(env)
	assert.False(t, res.IsValid)
	assert.GreaterOrEqual(t, len(res.Errors), 3)
}

func TestValidate_NonIdentityTypeSkipsPayloadChecks(t *testing.T) {
	env, err := New("audit.logged", "auth-service", map[string]string{"anything": "goes"})
	require.NoError(t, err)

	res := NewValidator().Validate(env)
	assert.True(t, res.IsValid)
}
