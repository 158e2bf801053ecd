package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ivchenko/identity-platform/services/profile-service/internal/domain"
	"github.com/ivchenko/identity-platform/services/profile-service/internal/outbox"
)

// OutboxRepo persists outbox rows. Inserts are called by the outbox
// publisher; Claim/MarkPublished/MarkFailed by the relay worker.
type OutboxRepo struct {
	db *sql.DB
}

func NewOutboxRepo(db *sql.DB) *OutboxRepo {
	return &OutboxRepo{db: db}
}

const outboxInsert = `
INSERT INTO outbox_events (id, event_type, payload, metadata, status, attempts, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW());
`

func (r *OutboxRepo) Insert(ctx context.Context, rec outbox.Record) error {
	return r.insert(ctx, r.db, rec)
}

func (r *OutboxRepo) InsertTx(ctx context.Context, tx *sql.Tx, rec outbox.Record) error {
	return r.insert(ctx, tx, rec)
}

func (r *OutboxRepo) InsertAll(ctx context.Context, recs []outbox.Record) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ErrDBUnavailable(fmt.Errorf("begin outbox batch: %w", err))
	}
	if err := r.InsertAllTx(ctx, tx, recs); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return domain.ErrDBUnavailable(fmt.Errorf("commit outbox batch: %w", err))
	}
	return nil
}

func (r *OutboxRepo) InsertAllTx(ctx context.Context, tx *sql.Tx, recs []outbox.Record) error {
	for _, rec := range recs {
		if err := r.insert(ctx, tx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (r *OutboxRepo) insert(ctx context.Context, q querier, rec outbox.Record) error {
	_, err := q.ExecContext(ctx, outboxInsert,
		rec.ID, rec.Type, rec.Payload, rec.Metadata, rec.Status, rec.Attempts,
	)
	if err != nil {
		return mapPgError(err)
	}
	return nil
}

// Claim picks up to limit pending (or stalely locked) rows, marks them
// processing and bumps the attempt counter, skipping rows another relay
// instance holds. Rows past maxAttempts are left alone for operator triage.
const outboxClaim = `
WITH cte AS (
    SELECT id
    FROM outbox_events
    WHERE status IN ('pending', 'processing', 'failed')
      AND processed_at IS NULL
      AND attempts < $1
      AND (last_attempt_at IS NULL OR last_attempt_at < NOW() - ($2 * INTERVAL '1 second'))
    ORDER BY created_at
    LIMIT $3
    FOR UPDATE SKIP LOCKED
)
UPDATE outbox_events o
SET status = 'processing', attempts = o.attempts + 1, last_attempt_at = NOW(), updated_at = NOW()
FROM cte
WHERE o.id = cte.id
RETURNING o.id, o.event_type, o.payload, o.metadata, o.status, o.attempts, o.error_message, o.last_attempt_at, o.processed_at, o.created_at, o.updated_at;
`

func (r *OutboxRepo) Claim(ctx context.Context, limit int, lockTimeout time.Duration, maxAttempts int) ([]outbox.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	if lockTimeout <= 0 {
		lockTimeout = time.Minute
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}

	rows, err := r.db.QueryContext(ctx, outboxClaim, maxAttempts, int(lockTimeout.Seconds()), limit)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var recs []outbox.Record
	for rows.Next() {
		var rec outbox.Record
		var errMsg sql.NullString
		if err := rows.Scan(
			&rec.ID, &rec.Type, &rec.Payload, &rec.Metadata, &rec.Status,
			&rec.Attempts, &errMsg, &rec.LastAttemptAt, &rec.ProcessedAt,
			&rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, domain.ErrDBUnavailable(err)
		}
		rec.ErrorMessage = errMsg.String
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.ErrDBUnavailable(err)
	}
	return recs, nil
}

func (r *OutboxRepo) MarkPublished(ctx context.Context, id uuid.UUID) error {
	const q = `
UPDATE outbox_events
SET status = 'published', processed_at = NOW(), error_message = NULL, updated_at = NOW()
WHERE id = $1;
`
	res, err := r.db.ExecContext(ctx, q, id)
	if err != nil {
		return mapPgError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.WithMeta(
			domain.New(domain.KindNotFound, "outbox_row_not_found", "outbox row not found"),
			map[string]string{"id": id.String()},
		)
	}
	return nil
}

func (r *OutboxRepo) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	const q = `
UPDATE outbox_events
SET status = 'failed', error_message = $2, updated_at = NOW()
WHERE id = $1;
`
	if _, err := r.db.ExecContext(ctx, q, id, errMsg); err != nil {
		return mapPgError(err)
	}
	return nil
}
