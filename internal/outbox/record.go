package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the relay lifecycle of an outbox row. Rows are born pending; the
// relay claims them (processing), then marks them published or failed.
// Completed is reserved for rows that downstream tooling has fully reconciled.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPublished  Status = "published"
	StatusFailed     Status = "failed"
	StatusCompleted  Status = "completed"
)

// Record is a durable not-yet-published event. It is written in the same
// transaction as the domain mutation it describes; the row must never exist
// without the state change having committed, and vice versa.
type Record struct {
	ID            uuid.UUID
	Type          string
	Payload       json.RawMessage
	Metadata      json.RawMessage
	Status        Status
	Attempts      int
	ErrorMessage  string
	LastAttemptAt *time.Time
	ProcessedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RecordMetadata is the routing information the relay needs to ship the row.
type RecordMetadata struct {
	RoutingKey    string `json:"routingKey"`
	PartitionKey  string `json:"partitionKey"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// DecodeMetadata parses the record's routing metadata.
func (r Record) DecodeMetadata() (RecordMetadata, error) {
	var md RecordMetadata
	if len(r.Metadata) == 0 {
		return md, nil
	}
	err := json.Unmarshal(r.Metadata, &md)
	return md, err
}
