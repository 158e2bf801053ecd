package postgres

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The repository binds NULL for empty phone/avatar_url, so the schema must
// declare those columns nullable or every event-sourced create dies on 23502.
func TestEnsureSchema_OptionalColumnsAreNullable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	okResult := sqlmock.NewResult(0, 0)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS profiles[\s\S]*phone TEXT NULL,\s*avatar_url TEXT NULL,`).
		WillReturnResult(okResult)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS outbox_events`).
		WillReturnResult(okResult)
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS outbox_events_claim_idx`).
		WillReturnResult(okResult)

	require.NoError(t, EnsureSchema(context.Background(), db))
	assert.NoError(t, mock.ExpectationsWereMet())
}
