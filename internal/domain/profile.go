package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the profile lifecycle state. Profiles are soft-deleted: the row
// stays in place for outbox/event correlation.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusInactive  Status = "INACTIVE"
	StatusSuspended Status = "SUSPENDED"
	StatusDeleted   Status = "DELETED"
)

// Source records where a profile came from.
type Source string

const (
	SourceAuthEvent Source = "auth-event"
	SourceManual    Source = "manual"
	SourceMigration Source = "migration"
)

// Metadata carries provenance for a profile. For SourceAuthEvent records the
// AuthUserID is the upstream identity id and must equal the profile id.
type Metadata struct {
	AuthUserID      string     `json:"authUserId,omitempty"`
	Source          Source     `json:"source"`
	OriginalEventID string     `json:"originalEventId,omitempty"`
	CorrelationID   string     `json:"correlationId,omitempty"`
	RegisteredAt    *time.Time `json:"registeredAt,omitempty"`
	SyncedAt        *time.Time `json:"syncedAt,omitempty"`
}

// Profile is the local copy of an upstream identity.
type Profile struct {
	ID         uuid.UUID  `json:"id"`
	Email      string     `json:"email"`
	FirstName  string     `json:"firstName"`
	LastName   string     `json:"lastName"`
	Phone      string     `json:"phone,omitempty"`
	AvatarURL  string     `json:"avatarUrl,omitempty"`
	Status     Status     `json:"status"`
	IsVerified bool       `json:"isVerified"`
	Metadata   Metadata   `json:"metadata"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	DeletedAt  *time.Time `json:"deletedAt,omitempty"`
}

// PartitionKey routes all events about this profile to the same ordered stream.
func (p *Profile) PartitionKey() string {
	return p.ID.String()
}

// CheckIdentityInvariant verifies the load-bearing rule of the sync design:
// an event-sourced profile's primary key IS the upstream identity id.
func (p *Profile) CheckIdentityInvariant() error {
	if p.Metadata.Source != SourceAuthEvent {
		return nil
	}
	if p.ID.String() != p.Metadata.AuthUserID {
		return WithMeta(New(KindInternal, "identity_invariant_violation", "profile id does not match upstream identity id"), map[string]string{
			"profile_id":   p.ID.String(),
			"auth_user_id": p.Metadata.AuthUserID,
		})
	}
	return nil
}

// NewAuthEventProfile builds a profile from an upstream identity event.
// The id is forced to the upstream id; a missing or non-UUID authUserID fails
// before any write happens.
func NewAuthEventProfile(authUserID, email, firstName, lastName string, md Metadata) (Profile, error) {
	authUserID = strings.TrimSpace(authUserID)
	if authUserID == "" {
		return Profile{}, ErrMissingField("authUserId")
	}
	id, err := uuid.Parse(authUserID)
	if err != nil {
		return Profile{}, ErrInvalidField("authUserId", "must be a UUID")
	}
	email = normalizeEmail(email)
	if email == "" {
		return Profile{}, ErrMissingField("email")
	}

	md.AuthUserID = authUserID
	md.Source = SourceAuthEvent

	return Profile{
		ID:         id,
		Email:      email,
		FirstName:  firstName,
		LastName:   lastName,
		Status:     StatusActive,
		IsVerified: false,
		Metadata:   md,
	}, nil
}

// NewLocalProfile builds a profile created by a direct call (manual or
// migration context). Id priority: explicit id, then authUserID, then a fresh
// one.
func NewLocalProfile(explicitID, authUserID, email, firstName, lastName string, source Source, md Metadata) (Profile, error) {
	email = normalizeEmail(email)
	if email == "" {
		return Profile{}, ErrMissingField("email")
	}
	if source != SourceManual && source != SourceMigration {
		return Profile{}, ErrInvalidField("source", "must be manual or migration")
	}

	var id uuid.UUID
	switch {
	case strings.TrimSpace(explicitID) != "":
		parsed, err := uuid.Parse(strings.TrimSpace(explicitID))
		if err != nil {
			return Profile{}, ErrInvalidField("id", "must be a UUID")
		}
		id = parsed
	case strings.TrimSpace(authUserID) != "":
		parsed, err := uuid.Parse(strings.TrimSpace(authUserID))
		if err != nil {
			return Profile{}, ErrInvalidField("authUserId", "must be a UUID")
		}
		id = parsed
	default:
		id = uuid.New()
	}

	md.AuthUserID = strings.TrimSpace(authUserID)
	md.Source = source

	return Profile{
		ID:         id,
		Email:      email,
		FirstName:  firstName,
		LastName:   lastName,
		Status:     StatusActive,
		IsVerified: false,
		Metadata:   md,
	}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
