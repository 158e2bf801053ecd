package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ivchenko/identity-platform/services/profile-service/internal/domain"
)

// querier is satisfied by both *sql.DB and *sql.Tx so repository methods can
// run standalone or join a caller's transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store wraps the shared *sql.DB and owns transaction demarcation. The
// create-profile write and its outbox emission go through WithTx: that single
// transaction is the load-bearing invariant of the whole design.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a transaction, rolling back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ErrDBUnavailable(fmt.Errorf("begin tx: %w", err))
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return domain.ErrDBUnavailable(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

// Postgres error codes this service cares about.
const (
	pgUniqueViolation  = "23505"
	pgNotNullViolation = "23502"
	pgCheckViolation   = "23514"
)

// Constraint names from the profiles migration.
const (
	constraintProfileAuthUserID = "profiles_auth_user_id_key"
	constraintProfileEmail      = "profiles_email_key"
)

// mapPgError turns store-level constraint violations into domain-meaningful
// errors. Anything unrecognized is reported as infrastructure so the retry
// layers treat it as transient.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrProfileNotFound()
		}
		return domain.ErrDBUnavailable(err)
	}

	switch pgErr.Code {
	case pgUniqueViolation:
		switch pgErr.ConstraintName {
		case constraintProfileAuthUserID:
			return domain.ErrProfileExists()
		case constraintProfileEmail:
			return domain.ErrEmailInUse()
		}
		// Primary key collision means the upstream id is already taken.
		return domain.ErrProfileExists()
	case pgNotNullViolation:
		// A column/binding mismatch never heals on retry; fail it as
		// validation so it lands in the DLQ on the first attempt.
		return domain.ErrCheckViolation(pgErr.ColumnName + " must not be null")
	case pgCheckViolation:
		return domain.ErrCheckViolation(pgErr.Message)
	}
	return domain.ErrDBUnavailable(err)
}
