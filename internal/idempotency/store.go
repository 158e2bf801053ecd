package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ivchenko/identity-platform/services/profile-service/internal/domain"
)

const defaultTTL = 7 * 24 * time.Hour

// Store suppresses redelivered duplicates at the transport layer using an
// atomic Redis SETNX. The reconciliation use case is idempotent on its own;
// this is a cheap fast path that also keeps duplicate metrics honest.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStore(client *redis.Client) *Store {
	return &Store{client: client, ttl: defaultTTL}
}

// Key builds the Redis key for an event id.
func (s *Store) Key(eventID string) string {
	return fmt.Sprintf("profile:event:%s", eventID)
}

// MessageID returns a stable id for a delivery: the broker message id when
// present, otherwise a hash of the body. Stable across redeliveries, unlike
// the delivery tag.
func MessageID(brokerMessageID string, body []byte) string {
	if brokerMessageID != "" {
		return brokerMessageID
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// CheckAndMark atomically checks whether the event was already processed and
// marks it if not. Returns (isDuplicate, error).
func (s *Store) CheckAndMark(ctx context.Context, eventID string) (bool, error) {
	set, err := s.client.SetNX(ctx, s.Key(eventID), time.Now().Unix(), s.ttl).Result()
	if err != nil {
		return false, domain.ErrRedisUnavailable(err)
	}
	return !set, nil
}

// Clear drops the processed marker, letting a message be handled again. Used
// when processing fails after the mark so redelivery is not swallowed.
func (s *Store) Clear(ctx context.Context, eventID string) error {
	if err := s.client.Del(ctx, s.Key(eventID)).Err(); err != nil {
		return domain.ErrRedisUnavailable(err)
	}
	return nil
}
