package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types this service consumes and emits.
const (
	TypeIdentityRegistered = "identity.registered"
	TypeIdentityCreated    = "identity.created"
	TypeIdentityDeleted    = "identity.deleted"
)

// SchemaVersion is the payload schema version stamped on outgoing events.
const SchemaVersion = "1.0.0"

// Envelope is the wire format every event shares. It is immutable once
// created; Marshal always produces the same canonical JSON for the same
// envelope (struct fields encode in declaration order).
type Envelope struct {
	EventID       string            `json:"eventId"`
	Type          string            `json:"type"`
	Version       string            `json:"version"`
	Timestamp     time.Time         `json:"timestamp"`
	Data          json.RawMessage   `json:"data"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Source        string            `json:"source"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Option mutates an envelope at construction time only.
type Option func(*Envelope)

func WithCorrelationID(id string) Option {
	return func(e *Envelope) { e.CorrelationID = id }
}

func WithMetadata(md map[string]string) Option {
	return func(e *Envelope) { e.Metadata = md }
}

// New builds an envelope around a JSON-serializable payload.
func New(eventType, source string, data any, opts ...Option) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal event data: %w", err)
	}
	e := Envelope{
		EventID:   uuid.NewString(),
		Type:      eventType,
		Version:   SchemaVersion,
		Timestamp: time.Now().UTC(),
		Data:      raw,
		Source:    source,
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e, nil
}

// Decode parses an envelope off the wire.
func Decode(body []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return e, nil
}

// Marshal serializes the envelope to its canonical JSON form.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// subjectProbe picks the natural identity out of the payload without
// committing to a concrete payload type.
type subjectProbe struct {
	UserID string `json:"userId"`
	ID     string `json:"id"`
}

// PartitionKey is the routing key for ordered delivery: all events about the
// same subject land on the same partition. Falls back to the event id when
// the payload carries no subject.
func (e Envelope) PartitionKey() string {
	var probe subjectProbe
	if err := json.Unmarshal(e.Data, &probe); err == nil {
		if probe.UserID != "" {
			return probe.UserID
		}
		if probe.ID != "" {
			return probe.ID
		}
	}
	return e.EventID
}

// IdentityRegistered is the inbound payload published by the identity issuer.
type IdentityRegistered struct {
	UserID       string `json:"userId" validate:"required,uuid4"`
	Email        string `json:"email" validate:"required,email"`
	Name         string `json:"name,omitempty" validate:"omitempty,max=255"`
	RegisteredAt string `json:"registeredAt" validate:"required"`
}

// RegisteredTime parses the ISO8601 registration instant.
func (p IdentityRegistered) RegisteredTime() (time.Time, error) {
	return time.Parse(time.RFC3339, p.RegisteredAt)
}

// IdentityCreated is the outbound payload emitted after a profile write, so
// downstream services can pick up the new identity from the outbox relay.
type IdentityCreated struct {
	UserID    string    `json:"userId"`
	Email     string    `json:"email"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}
