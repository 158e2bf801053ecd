package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ivchenko/identity-platform/services/profile-service/internal/domain"
)

// DeadLetter is the envelope written to the dead-letter topic. It preserves
// the original message verbatim so an operator can replay it after the cause
// is fixed.
type DeadLetter struct {
	OriginalMessage json.RawMessage `json:"originalMessage"`
	Error           string          `json:"error"`
	ErrorStack      string          `json:"errorStack"`
	Timestamp       time.Time       `json:"timestamp"`
	Service         string          `json:"service"`
}

// confirmPublisher is the slice of Producer the DLQ path needs.
type confirmPublisher interface {
	Publish(ctx context.Context, msg Message) error
}

// DLQPublisher routes failed messages to the dead-letter topic.
type DLQPublisher struct {
	producer   confirmPublisher
	routingKey string
	service    string
	now        func() time.Time
}

func NewDLQPublisher(producer confirmPublisher, routingKey, service string) *DLQPublisher {
	return &DLQPublisher{
		producer:   producer,
		routingKey: routingKey,
		service:    service,
		now:        time.Now,
	}
}

// Publish wraps the failed message in a DeadLetter envelope and sends it.
// The caller decides what to do when this fails; losing a dead letter is the
// one failure this pipeline has no further net for.
func (d *DLQPublisher) Publish(ctx context.Context, original []byte, cause error) error {
	letter := DeadLetter{
		OriginalMessage: normalizeOriginal(original),
		Error:           causeMessage(cause),
		ErrorStack:      errorChain(cause),
		Timestamp:       d.now().UTC(),
		Service:         d.service,
	}

	body, err := json.Marshal(letter)
	if err != nil {
		return domain.ErrInternal(err)
	}

	return d.producer.Publish(ctx, Message{
		RoutingKey: d.routingKey,
		MessageID:  uuid.NewString(),
		Body:       body,
	})
}

// normalizeOriginal keeps valid JSON as-is; anything else is quoted so the
// dead letter itself always stays parseable.
func normalizeOriginal(original []byte) json.RawMessage {
	if json.Valid(original) {
		return json.RawMessage(original)
	}
	quoted, err := json.Marshal(string(original))
	if err != nil {
		return json.RawMessage(`""`)
	}
	return json.RawMessage(quoted)
}

func causeMessage(cause error) string {
	if cause == nil {
		return "unknown error"
	}
	return cause.Error()
}

// errorChain renders the unwrap chain one frame per line, outermost first.
func errorChain(cause error) string {
	var frames []string
	for err := cause; err != nil; err = errors.Unwrap(err) {
		frames = append(frames, err.Error())
	}
	return strings.Join(frames, "\n")
}
