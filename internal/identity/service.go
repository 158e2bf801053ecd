package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ivchenko/identity-platform/services/profile-service/internal/domain"
	"github.com/ivchenko/identity-platform/services/profile-service/internal/events"
	"github.com/ivchenko/identity-platform/services/profile-service/internal/retry"
)

// ServiceName stamps outgoing envelopes and outbox routing keys.
const ServiceName = "profile-service"

// TxRunner demarcates the transaction that makes the profile write and its
// outbox emission atomic.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// ProfileRepo is the persistence port for profiles.
type ProfileRepo interface {
	CreateTx(ctx context.Context, tx *sql.Tx, p domain.Profile) (domain.Profile, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.Profile, error)
	GetByEmail(ctx context.Context, email string) (domain.Profile, error)
	Update(ctx context.Context, p domain.Profile) (domain.Profile, error)
	SoftDelete(ctx context.Context, id uuid.UUID) error
}

// OutboxAppender appends an event inside the caller's transaction.
type OutboxAppender interface {
	PublishInTx(ctx context.Context, tx *sql.Tx, env events.Envelope) error
}

// Result reports how a create call concluded. "Already exists" is an explicit
// value, not an error: that is what makes redelivery safe.
type Result string

const (
	ResultCreated       Result = "created"
	ResultAlreadyExists Result = "already_exists"
)

// CreateOutcome is the create-identity result.
type CreateOutcome struct {
	Result  Result
	Profile domain.Profile
}

// CreateRequest carries everything needed to create a profile, from either an
// upstream event or a direct call.
type CreateRequest struct {
	ID              string
	AuthUserID      string
	Email           string
	FirstName       string
	LastName        string
	Phone           string
	AvatarURL       string
	Source          domain.Source
	OriginalEventID string
	CorrelationID   string
	RegisteredAt    *time.Time
}

// UpdateRequest mutates profile fields; id and authUserId never change.
type UpdateRequest struct {
	ID        uuid.UUID
	Email     string
	FirstName string
	LastName  string
	Phone     string
	AvatarURL string
	Status    domain.Status
}

// Service is the identity reconciliation use case: it turns validated
// identity events into local profiles while holding the id invariant, and
// backs the direct create/update/delete operations.
type Service struct {
	store     TxRunner
	profiles  ProfileRepo
	outbox    OutboxAppender
	validator *events.Validator
	lg        zerolog.Logger

	attempts int
	schedule []time.Duration
	now      func() time.Time
}

func NewService(store TxRunner, profiles ProfileRepo, outbox OutboxAppender, lg zerolog.Logger) *Service {
	return &Service{
		store:     store,
		profiles:  profiles,
		outbox:    outbox,
		validator: events.NewValidator(),
		lg:        lg.With().Str("component", "identity_service").Logger(),
		attempts:  3,
		schedule:  retry.FixedSchedule,
		now:       time.Now,
	}
}

// WithRetrySchedule overrides the local persistence retry loop (tests).
func (s *Service) WithRetrySchedule(attempts int, schedule []time.Duration) *Service {
	s.attempts = attempts
	s.schedule = schedule
	return s
}

// SyncFromEvent reconciles one identity.registered envelope into a local
// profile. Validation failures are terminal; transient store failures are
// retried locally before the transport layer ever sees them; a duplicate
// delivery concludes as success.
func (s *Service) SyncFromEvent(ctx context.Context, env events.Envelope) error {
	if res := s.validator.Validate(env); !res.IsValid {
		return domain.WithMeta(
			domain.New(domain.KindValidation, "invalid_event", "identity event failed validation"),
			map[string]string{"errors": joinErrors(res.Errors)},
		)
	}

	var payload events.IdentityRegistered
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return domain.ErrInvalidPayload(err)
	}
	registeredAt, err := payload.RegisteredTime()
	if err != nil {
		return domain.ErrInvalidField("registeredAt", "must be an ISO8601 timestamp")
	}

	firstName, lastName := DeriveName(payload.Name, payload.Email)

	req := CreateRequest{
		AuthUserID:      payload.UserID,
		Email:           payload.Email,
		FirstName:       firstName,
		LastName:        lastName,
		Source:          domain.SourceAuthEvent,
		OriginalEventID: env.EventID,
		CorrelationID:   env.CorrelationID,
		RegisteredAt:    &registeredAt,
	}

	var outcome CreateOutcome
	err = retry.DoFixed(ctx, s.attempts, s.schedule, func() error {
		var createErr error
		outcome, createErr = s.CreateProfile(ctx, req)
		return createErr
	})
	if err != nil {
		return err
	}

	lg := s.lg.With().
		Str("event_id", env.EventID).
		Str("auth_user_id", payload.UserID).
		Str("correlation_id", env.CorrelationID).
		Logger()

	if outcome.Result == ResultAlreadyExists {
		lg.Info().Msg("profile already exists; duplicate delivery concluded as success")
		return nil
	}

	// The record is created either way; a mismatch here is a correctness bug
	// that must reach operator triage, not a reason to fail the message.
	if invErr := outcome.Profile.CheckIdentityInvariant(); invErr != nil {
		lg.Error().
			Err(invErr).
			Str("severity", "critical").
			Str("profile_id", outcome.Profile.ID.String()).
			Msg("identity invariant violated: profile id differs from upstream id")
	}

	lg.Info().Str("profile_id", outcome.Profile.ID.String()).Msg("profile created from identity event")
	return nil
}

// CreateProfile runs the create-identity transaction. The first idempotency
// hit short-circuits creation; otherwise the profile insert and the
// identity.created outbox row commit atomically.
func (s *Service) CreateProfile(ctx context.Context, req CreateRequest) (CreateOutcome, error) {
	source := s.resolveSource(req)

	profile, err := s.buildProfile(req, source)
	if err != nil {
		return CreateOutcome{}, err
	}

	if existing, ok, err := s.findExisting(ctx, profile, req, source); err != nil {
		return CreateOutcome{}, err
	} else if ok {
		return CreateOutcome{Result: ResultAlreadyExists, Profile: existing}, nil
	}

	var created domain.Profile
	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		var txErr error
		created, txErr = s.profiles.CreateTx(ctx, tx, profile)
		if txErr != nil {
			return txErr
		}

		env, txErr := s.createdEnvelope(created, req.CorrelationID)
		if txErr != nil {
			return txErr
		}
		return s.outbox.PublishInTx(ctx, tx, env)
	})
	if err != nil {
		// A concurrent insert for the same identity lost us the race: that is
		// the idempotent outcome, not a failure.
		if domain.IsCode(err, "profile_already_exists") {
			if existing, getErr := s.profiles.GetByID(ctx, profile.ID); getErr == nil {
				return CreateOutcome{Result: ResultAlreadyExists, Profile: existing}, nil
			}
			return CreateOutcome{Result: ResultAlreadyExists, Profile: profile}, nil
		}
		return CreateOutcome{}, err
	}

	return CreateOutcome{Result: ResultCreated, Profile: created}, nil
}

// UpdateProfile applies mutable-field changes.
func (s *Service) UpdateProfile(ctx context.Context, req UpdateRequest) (domain.Profile, error) {
	current, err := s.profiles.GetByID(ctx, req.ID)
	if err != nil {
		return domain.Profile{}, err
	}

	if req.Email != "" {
		current.Email = req.Email
	}
	if req.FirstName != "" {
		current.FirstName = req.FirstName
	}
	if req.LastName != "" {
		current.LastName = req.LastName
	}
	if req.Phone != "" {
		current.Phone = req.Phone
	}
	if req.AvatarURL != "" {
		current.AvatarURL = req.AvatarURL
	}
	if req.Status != "" {
		current.Status = req.Status
	}

	return s.profiles.Update(ctx, current)
}

// DeleteProfile soft-deletes, preserving referential history.
func (s *Service) DeleteProfile(ctx context.Context, id uuid.UUID) error {
	return s.profiles.SoftDelete(ctx, id)
}

// resolveSource determines the creation context: auth-event when an upstream
// id plus event provenance is present, migration when marked, manual
// otherwise.
func (s *Service) resolveSource(req CreateRequest) domain.Source {
	if req.Source != "" {
		return req.Source
	}
	if req.AuthUserID != "" && req.OriginalEventID != "" {
		return domain.SourceAuthEvent
	}
	return domain.SourceManual
}

func (s *Service) buildProfile(req CreateRequest, source domain.Source) (domain.Profile, error) {
	syncedAt := s.now().UTC()
	md := domain.Metadata{
		OriginalEventID: req.OriginalEventID,
		CorrelationID:   req.CorrelationID,
		RegisteredAt:    req.RegisteredAt,
		SyncedAt:        &syncedAt,
	}

	var p domain.Profile
	var err error
	if source == domain.SourceAuthEvent {
		p, err = domain.NewAuthEventProfile(req.AuthUserID, req.Email, req.FirstName, req.LastName, md)
	} else {
		p, err = domain.NewLocalProfile(req.ID, req.AuthUserID, req.Email, req.FirstName, req.LastName, source, md)
	}
	if err != nil {
		return domain.Profile{}, err
	}
	p.Phone = req.Phone
	p.AvatarURL = req.AvatarURL
	return p, nil
}

// findExisting runs the idempotency checks in contract order: by id first;
// by email for non-event contexts; and, when an upstream id is supplied, an
// email hit with a matching authUserId also counts.
func (s *Service) findExisting(ctx context.Context, p domain.Profile, req CreateRequest, source domain.Source) (domain.Profile, bool, error) {
	existing, err := s.profiles.GetByID(ctx, p.ID)
	if err == nil {
		return existing, true, nil
	}
	if !domain.IsKind(err, domain.KindNotFound) {
		return domain.Profile{}, false, err
	}

	if source != domain.SourceAuthEvent {
		existing, err = s.profiles.GetByEmail(ctx, p.Email)
		if err == nil {
			return existing, true, nil
		}
		if !domain.IsKind(err, domain.KindNotFound) {
			return domain.Profile{}, false, err
		}
	}

	if req.AuthUserID != "" && source == domain.SourceAuthEvent {
		existing, err = s.profiles.GetByEmail(ctx, p.Email)
		if err == nil {
			if existing.Metadata.AuthUserID == req.AuthUserID {
				return existing, true, nil
			}
			// Same email, different upstream identity: let the unique
			// constraint report it as email_already_in_use.
			return domain.Profile{}, false, nil
		}
		if !domain.IsKind(err, domain.KindNotFound) {
			return domain.Profile{}, false, err
		}
	}

	return domain.Profile{}, false, nil
}

func (s *Service) createdEnvelope(p domain.Profile, correlationID string) (events.Envelope, error) {
	payload := events.IdentityCreated{
		UserID:    p.ID.String(),
		Email:     p.Email,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Status:    string(p.Status),
		CreatedAt: s.now().UTC(),
	}
	opts := []events.Option{}
	if correlationID != "" {
		opts = append(opts, events.WithCorrelationID(correlationID))
	}
	env, err := events.New(events.TypeIdentityCreated, ServiceName, payload, opts...)
	if err != nil {
		return events.Envelope{}, domain.ErrInternal(err)
	}
	return env, nil
}

func joinErrors(errs []string) string {
	return strings.Join(errs, "; ")
}
