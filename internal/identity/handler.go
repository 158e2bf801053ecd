package identity

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ivchenko/identity-platform/services/profile-service/internal/domain"
	"github.com/ivchenko/identity-platform/services/profile-service/internal/events"
)

// Handler adapts raw broker deliveries to the reconciliation use case.
type Handler struct {
	svc *Service
	lg  zerolog.Logger
}

func NewHandler(svc *Service, lg zerolog.Logger) *Handler {
	return &Handler{svc: svc, lg: lg.With().Str("component", "identity_handler").Logger()}
}

// Handle decodes the envelope and routes it by event type. Undecodable
// bodies are validation failures and dead-letter without retries; event
// types this service does not care about are dropped quietly.
func (h *Handler) Handle(ctx context.Context, body []byte) error {
	env, err := events.Decode(body)
	if err != nil {
		return domain.ErrInvalidPayload(err)
	}

	switch env.Type {
	case events.TypeIdentityRegistered:
		return h.svc.SyncFromEvent(ctx, env)
	case events.TypeIdentityDeleted:
		return h.handleDeleted(ctx, env)
	default:
		h.lg.Warn().Str("type", env.Type).Str("event_id", env.EventID).
			Msg("ignoring event type not handled by this service")
		return nil
	}
}

func (h *Handler) handleDeleted(ctx context.Context, env events.Envelope) error {
	var payload struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return domain.ErrInvalidPayload(err)
	}
	id, err := uuid.Parse(payload.UserID)
	if err != nil {
		return domain.ErrInvalidField("userId", "must be a UUID")
	}

	if err := h.svc.DeleteProfile(ctx, id); err != nil {
		// Deleting an identity we never created is the idempotent outcome.
		if domain.IsKind(err, domain.KindNotFound) {
			h.lg.Info().Str("user_id", payload.UserID).Msg("delete for unknown profile, nothing to do")
			return nil
		}
		return err
	}
	return nil
}
