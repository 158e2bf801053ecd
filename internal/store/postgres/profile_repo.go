package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ivchenko/identity-platform/services/profile-service/internal/domain"
)

// ProfileRepo persists the local identity/profile entity.
type ProfileRepo struct {
	db *sql.DB
}

func NewProfileRepo(db *sql.DB) *ProfileRepo {
	return &ProfileRepo{db: db}
}

const profileColumns = `id, auth_user_id, email, first_name, last_name, phone, avatar_url, status, is_verified, metadata, created_at, updated_at, deleted_at`

type profileRow struct {
	ID         uuid.UUID
	AuthUserID sql.NullString
	Email      string
	FirstName  string
	LastName   string
	Phone      sql.NullString
	AvatarURL  sql.NullString
	Status     string
	IsVerified bool
	Metadata   []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeletedAt  sql.NullTime
}

func scanProfile(row *sql.Row) (profileRow, error) {
	var pr profileRow
	err := row.Scan(
		&pr.ID, &pr.AuthUserID, &pr.Email, &pr.FirstName, &pr.LastName,
		&pr.Phone, &pr.AvatarURL, &pr.Status, &pr.IsVerified, &pr.Metadata,
		&pr.CreatedAt, &pr.UpdatedAt, &pr.DeletedAt,
	)
	return pr, err
}

func toDomainProfile(pr profileRow) (domain.Profile, error) {
	var md domain.Metadata
	if len(pr.Metadata) > 0 {
		if err := json.Unmarshal(pr.Metadata, &md); err != nil {
			return domain.Profile{}, domain.ErrInternal(fmt.Errorf("decode profile metadata: %w", err))
		}
	}
	p := domain.Profile{
		ID:         pr.ID,
		Email:      pr.Email,
		FirstName:  pr.FirstName,
		LastName:   pr.LastName,
		Phone:      pr.Phone.String,
		AvatarURL:  pr.AvatarURL.String,
		Status:     domain.Status(pr.Status),
		IsVerified: pr.IsVerified,
		Metadata:   md,
		CreatedAt:  pr.CreatedAt,
		UpdatedAt:  pr.UpdatedAt,
	}
	if pr.DeletedAt.Valid {
		t := pr.DeletedAt.Time
		p.DeletedAt = &t
	}
	return p, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CreateTx inserts a profile inside the caller's transaction. The caller is
// expected to append the identity.created outbox row in the same tx.
func (r *ProfileRepo) CreateTx(ctx context.Context, tx *sql.Tx, p domain.Profile) (domain.Profile, error) {
	return r.create(ctx, tx, p)
}

func (r *ProfileRepo) Create(ctx context.Context, p domain.Profile) (domain.Profile, error) {
	return r.create(ctx, r.db, p)
}

func (r *ProfileRepo) create(ctx context.Context, q querier, p domain.Profile) (domain.Profile, error) {
	md, err := json.Marshal(p.Metadata)
	if err != nil {
		return domain.Profile{}, domain.ErrInternal(fmt.Errorf("encode profile metadata: %w", err))
	}

	query := `
INSERT INTO profiles (id, auth_user_id, email, first_name, last_name, phone, avatar_url, status, is_verified, metadata)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
RETURNING ` + profileColumns + `;`

	pr, err := scanProfile(q.QueryRowContext(ctx, query,
		p.ID, nullable(p.Metadata.AuthUserID), p.Email, p.FirstName, p.LastName,
		nullable(p.Phone), nullable(p.AvatarURL), string(p.Status), p.IsVerified, md,
	))
	if err != nil {
		return domain.Profile{}, mapPgError(err)
	}
	return toDomainProfile(pr)
}

func (r *ProfileRepo) GetByID(ctx context.Context, id uuid.UUID) (domain.Profile, error) {
	return r.getByID(ctx, r.db, id)
}

func (r *ProfileRepo) GetByIDTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) (domain.Profile, error) {
	return r.getByID(ctx, tx, id)
}

func (r *ProfileRepo) getByID(ctx context.Context, q querier, id uuid.UUID) (domain.Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM profiles WHERE id = $1 LIMIT 1;`
	pr, err := scanProfile(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Profile{}, domain.ErrProfileNotFound()
		}
		return domain.Profile{}, mapPgError(err)
	}
	return toDomainProfile(pr)
}

func (r *ProfileRepo) GetByEmail(ctx context.Context, email string) (domain.Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM profiles WHERE email = $1 LIMIT 1;`
	pr, err := scanProfile(r.db.QueryRowContext(ctx, query, email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Profile{}, domain.ErrProfileNotFound()
		}
		return domain.Profile{}, mapPgError(err)
	}
	return toDomainProfile(pr)
}

// Update mutates mutable fields only: id and auth_user_id never change.
func (r *ProfileRepo) Update(ctx context.Context, p domain.Profile) (domain.Profile, error) {
	md, err := json.Marshal(p.Metadata)
	if err != nil {
		return domain.Profile{}, domain.ErrInternal(fmt.Errorf("encode profile metadata: %w", err))
	}

	query := `
UPDATE profiles
SET email = $2, first_name = $3, last_name = $4, phone = $5, avatar_url = $6,
    status = $7, is_verified = $8, metadata = $9, updated_at = NOW()
WHERE id = $1 AND deleted_at IS NULL
RETURNING ` + profileColumns + `;`

	pr, err := scanProfile(r.db.QueryRowContext(ctx, query,
		p.ID, p.Email, p.FirstName, p.LastName, nullable(p.Phone), nullable(p.AvatarURL),
		string(p.Status), p.IsVerified, md,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Profile{}, domain.ErrProfileNotFound()
		}
		return domain.Profile{}, mapPgError(err)
	}
	return toDomainProfile(pr)
}

// SoftDelete marks the profile deleted but keeps the row so event and outbox
// history stays correlatable.
func (r *ProfileRepo) SoftDelete(ctx context.Context, id uuid.UUID) error {
	const q = `
UPDATE profiles
SET status = $2, deleted_at = NOW(), updated_at = NOW()
WHERE id = $1 AND deleted_at IS NULL;
`
	res, err := r.db.ExecContext(ctx, q, id, string(domain.StatusDeleted))
	if err != nil {
		return mapPgError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrProfileNotFound()
	}
	return nil
}
