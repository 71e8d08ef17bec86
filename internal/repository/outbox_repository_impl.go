package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jnst/lume-outbox/internal/model"
)

const (
	pgInsertOutboxEvent = `
INSERT INTO outbox_events (` + outboxColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	pgGetOutboxEvent = `SELECT ` + outboxColumns + ` FROM outbox_events WHERE id = $1`

	pgFetchPending = `
SELECT ` + outboxColumns + `
FROM outbox_events
WHERE (status IN ('pending', 'syncing') OR (status = 'failed' AND attempt_count < max_attempts))
  AND ($1::text = '' OR user_id = $1::text)
ORDER BY priority ASC, created_at ASC, seq ASC
LIMIT $2`

	pgListFailed = `
SELECT ` + outboxColumns + `
FROM outbox_events
WHERE status = 'failed' AND attempt_count >= max_attempts
  AND ($1::text = '' OR user_id = $1::text)
ORDER BY created_at ASC, seq ASC
LIMIT $2`

	pgUpdateStatus = `
UPDATE outbox_events SET
    status = $1::text,
    error_message = $2,
    server_id = CASE WHEN $3::text <> '' THEN $3::text ELSE server_id END,
    attempt_count = CASE $4::int
        WHEN 1 THEN attempt_count + 1
        WHEN 2 THEN GREATEST(attempt_count, max_attempts)
        WHEN 3 THEN GREATEST(attempt_count - 1, 0)
        ELSE attempt_count
    END,
    last_attempt_at = CASE $4::int
        WHEN 1 THEN $5::timestamptz
        WHEN 3 THEN $7::timestamptz
        ELSE last_attempt_at
    END,
    completed_at = CASE WHEN $1::text = 'completed' THEN $5::timestamptz ELSE NULL END
WHERE id = $6`

	pgQuarantine = `
UPDATE outbox_events
SET status = 'failed', attempt_count = GREATEST(attempt_count, max_attempts), error_message = $1, completed_at = NULL
WHERE id = $2 AND status <> 'completed'`

	pgResetAttempts = `
UPDATE outbox_events
SET status = 'pending', attempt_count = 0, error_message = '', completed_at = NULL
WHERE id = $1 AND status = 'failed'`
)

// OutboxRepositoryImpl implements OutboxRepository using PostgreSQL.
type OutboxRepositoryImpl struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewOutboxRepositoryImpl creates a new OutboxRepository implementation.
func NewOutboxRepositoryImpl(pool *pgxpool.Pool) *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{pool: pool, now: time.Now}
}

// Append persists a new outbox event.
func (r *OutboxRepositoryImpl) Append(ctx context.Context, event *model.OutboxEvent) (string, error) {
	if err := prepareAppend(event, r.now()); err != nil {
		return "", err
	}

	rec, err := newOutboxRecord(event)
	if err != nil {
		return "", err
	}

	_, err = postgresQuerier(ctx, r.pool).Exec(ctx, pgInsertOutboxEvent,
		rec.ID, rec.EventType, rec.EntityID, rec.UserID, rec.IsNewRecord, rec.ServerID,
		rec.Metadata, rec.MetadataVersion, rec.Priority, rec.Status, rec.AttemptCount,
		rec.MaxAttempts, rec.CreatedAt, rec.LastAttemptAt, rec.CompletedAt, rec.ErrorMessage,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert outbox event: %w", err)
	}

	return event.ID, nil
}

// Get retrieves an outbox event by ID.
func (r *OutboxRepositoryImpl) Get(ctx context.Context, id string) (*model.OutboxEvent, error) {
	rec, err := scanPostgresOutboxRecord(postgresQuerier(ctx, r.pool).QueryRow(ctx, pgGetOutboxEvent, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrEventNotFound
	}

	if err != nil {
		return nil, err
	}

	return getEnvelope(rec)
}

// FetchPending retrieves events eligible for delivery. Rows that cannot be
// decoded are marked terminally failed and left out of the batch.
func (r *OutboxRepositoryImpl) FetchPending(ctx context.Context, query model.PendingQuery) ([]*model.OutboxEvent, error) {
	recs, err := r.list(ctx, pgFetchPending, query.UserID, pageLimit(query.Limit))
	if err != nil {
		return nil, err
	}

	events, broken := decodeRows(recs, false)

	for _, b := range broken {
		logQuarantine(ctx, b)

		if _, err := postgresQuerier(ctx, r.pool).Exec(ctx, pgQuarantine, b.undecodableMessage(), b.id); err != nil {
			return nil, fmt.Errorf("failed to quarantine outbox event %s: %w", b.id, err)
		}
	}

	return events, nil
}

// ListFailed retrieves terminally failed events. Events whose metadata cannot
// be decoded are listed without it.
func (r *OutboxRepositoryImpl) ListFailed(ctx context.Context, query model.FailedQuery) ([]*model.OutboxEvent, error) {
	recs, err := r.list(ctx, pgListFailed, query.UserID, pageLimit(query.Limit))
	if err != nil {
		return nil, err
	}

	events, _ := decodeRows(recs, true)

	return events, nil
}

// UpdateStatus applies one status transition in a single statement.
func (r *OutboxRepositoryImpl) UpdateStatus(ctx context.Context, id string, update model.StatusUpdate) error {
	if !update.Status.Valid() {
		return fmt.Errorf("%w: invalid status %q", model.ErrInvalidEvent, update.Status)
	}

	at := update.At
	if at.IsZero() {
		at = r.now()
	}

	tag, err := postgresQuerier(ctx, r.pool).Exec(ctx, pgUpdateStatus,
		string(update.Status), update.ErrorMessage, update.ServerID, int(update.Attempt),
		at.UTC().Truncate(time.Microsecond), id, utcPtr(update.PreviousAttemptAt),
	)
	if err != nil {
		return fmt.Errorf("failed to update outbox event %s: %w", id, err)
	}

	return requireTagAffected(tag, id)
}

// Delete removes an outbox event.
func (r *OutboxRepositoryImpl) Delete(ctx context.Context, id string) error {
	tag, err := postgresQuerier(ctx, r.pool).Exec(ctx, `DELETE FROM outbox_events WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete outbox event %s: %w", id, err)
	}

	return requireTagAffected(tag, id)
}

// DeleteCompletedBefore prunes completed events older than cutoff.
func (r *OutboxRepositoryImpl) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := postgresQuerier(ctx, r.pool).Exec(ctx,
		`DELETE FROM outbox_events WHERE status = 'completed' AND completed_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune outbox events: %w", err)
	}

	return tag.RowsAffected(), nil
}

// ResetAttempts returns a failed event to pending.
func (r *OutboxRepositoryImpl) ResetAttempts(ctx context.Context, id string) error {
	tag, err := postgresQuerier(ctx, r.pool).Exec(ctx, pgResetAttempts, id)
	if err != nil {
		return fmt.Errorf("failed to reset outbox event %s: %w", id, err)
	}

	return requireTagAffected(tag, id)
}

func (r *OutboxRepositoryImpl) list(ctx context.Context, query, userID string, limit int) ([]*outboxRecord, error) {
	rows, err := postgresQuerier(ctx, r.pool).Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox events: %w", err)
	}
	defer rows.Close()

	var recs []*outboxRecord

	for rows.Next() {
		rec, err := scanPostgresOutboxRecord(rows)
		if err != nil {
			return nil, err
		}

		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbox events: %w", err)
	}

	return recs, nil
}

func scanPostgresOutboxRecord(row pgx.Row) (*outboxRecord, error) {
	var rec outboxRecord

	err := row.Scan(
		&rec.ID, &rec.EventType, &rec.EntityID, &rec.UserID, &rec.IsNewRecord, &rec.ServerID,
		&rec.Metadata, &rec.MetadataVersion, &rec.Priority, &rec.Status, &rec.AttemptCount,
		&rec.MaxAttempts, &rec.CreatedAt, &rec.LastAttemptAt, &rec.CompletedAt, &rec.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}

	return &rec, nil
}

func requireTagAffected(tag pgconn.CommandTag, id string) error {
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", model.ErrEventNotFound, id)
	}

	return nil
}
