package postgres

import (
	"context"
	"database/sql"

	"github.com/ivchenko/identity-platform/services/profile-service/internal/domain"
)

// EnsureSchema creates the profiles and outbox_events tables if they are
// missing. Idempotent; intended for dev and test environments, real
// deployments run migrations out of band.
//
// Optional profile fields (auth_user_id, phone, avatar_url) are nullable:
// the repository binds empty strings as NULL and scans them back through
// sql.NullString.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS profiles (
  id UUID PRIMARY KEY,
  auth_user_id TEXT NULL,
  email TEXT NOT NULL,
  first_name TEXT NOT NULL DEFAULT '',
  last_name TEXT NOT NULL DEFAULT '',
  phone TEXT NULL,
  avatar_url TEXT NULL,
  status TEXT NOT NULL DEFAULT 'ACTIVE',
  is_verified BOOLEAN NOT NULL DEFAULT FALSE,
  metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  deleted_at TIMESTAMPTZ NULL,

  CONSTRAINT profiles_auth_user_id_key UNIQUE (auth_user_id),
  CONSTRAINT profiles_email_key UNIQUE (email),
  CONSTRAINT profiles_status_check CHECK (status IN ('ACTIVE', 'INACTIVE', 'SUSPENDED', 'DELETED'))
);
`,
		`
CREATE TABLE IF NOT EXISTS outbox_events (
  id UUID PRIMARY KEY,
  event_type TEXT NOT NULL,
  payload JSONB NOT NULL,
  metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
  status TEXT NOT NULL DEFAULT 'pending',
  attempts INT NOT NULL DEFAULT 0,
  error_message TEXT NULL,
  last_attempt_at TIMESTAMPTZ NULL,
  processed_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

  CONSTRAINT outbox_events_status_check CHECK (status IN ('pending', 'processing', 'published', 'failed', 'completed'))
);
`,
		`CREATE INDEX IF NOT EXISTS outbox_events_claim_idx ON outbox_events (status, created_at) WHERE processed_at IS NULL;`,
	}

	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return domain.ErrDBUnavailable(err)
		}
	}
	return nil
}
