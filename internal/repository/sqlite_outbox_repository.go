package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jnst/lume-outbox/internal/model"
)

const outboxColumns = `id, event_type, entity_id, user_id, is_new_record, server_id, metadata,
    metadata_version, priority, status, attempt_count, max_attempts, created_at,
    last_attempt_at, completed_at, error_message`

const (
	sqliteInsertOutboxEvent = `
INSERT INTO outbox_events (` + outboxColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqliteGetOutboxEvent = `SELECT ` + outboxColumns + ` FROM outbox_events WHERE id = ?`

	sqliteFetchPending = `
SELECT ` + outboxColumns + `
FROM outbox_events
WHERE (status IN ('pending', 'syncing') OR (status = 'failed' AND attempt_count < max_attempts))
  AND (?1 = '' OR user_id = ?1)
ORDER BY priority ASC, created_at ASC, seq ASC
LIMIT ?2`

	sqliteListFailed = `
SELECT ` + outboxColumns + `
FROM outbox_events
WHERE status = 'failed' AND attempt_count >= max_attempts
  AND (?1 = '' OR user_id = ?1)
ORDER BY created_at ASC, seq ASC
LIMIT ?2`

	sqliteUpdateStatus = `
UPDATE outbox_events SET
    status = ?1,
    error_message = ?2,
    server_id = CASE WHEN ?3 <> '' THEN ?3 ELSE server_id END,
    attempt_count = CASE ?4
        WHEN 1 THEN attempt_count + 1
        WHEN 2 THEN MAX(attempt_count, max_attempts)
        WHEN 3 THEN MAX(attempt_count - 1, 0)
        ELSE attempt_count
    END,
    last_attempt_at = CASE ?4 WHEN 1 THEN ?5 WHEN 3 THEN ?7 ELSE last_attempt_at END,
    completed_at = CASE WHEN ?1 = 'completed' THEN ?5 ELSE NULL END
WHERE id = ?6`

	sqliteQuarantine = `
UPDATE outbox_events
SET status = 'failed', attempt_count = MAX(attempt_count, max_attempts), error_message = ?1, completed_at = NULL
WHERE id = ?2 AND status <> 'completed'`

	sqliteResetAttempts = `
UPDATE outbox_events
SET status = 'pending', attempt_count = 0, error_message = '', completed_at = NULL
WHERE id = ? AND status = 'failed'`
)

// SQLiteOutboxRepository implements OutboxRepository using SQLite.
type SQLiteOutboxRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteOutboxRepository creates a new OutboxRepository implementation.
func NewSQLiteOutboxRepository(db *sql.DB) *SQLiteOutboxRepository {
	return &SQLiteOutboxRepository{db: db, now: time.Now}
}

// Append persists a new outbox event.
func (r *SQLiteOutboxRepository) Append(ctx context.Context, event *model.OutboxEvent) (string, error) {
	if err := prepareAppend(event, r.now()); err != nil {
		return "", err
	}

	rec, err := newOutboxRecord(event)
	if err != nil {
		return "", err
	}

	_, err = sqliteQuerier(ctx, r.db).ExecContext(ctx, sqliteInsertOutboxEvent,
		rec.ID, rec.EventType, rec.EntityID, rec.UserID, rec.IsNewRecord, rec.ServerID,
		string(rec.Metadata), rec.MetadataVersion, rec.Priority, rec.Status,
		rec.AttemptCount, rec.MaxAttempts, toMicros(rec.CreatedAt),
		nullMicros(rec.LastAttemptAt), nullMicros(rec.CompletedAt), rec.ErrorMessage,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert outbox event: %w", err)
	}

	return event.ID, nil
}

// Get retrieves an outbox event by ID.
func (r *SQLiteOutboxRepository) Get(ctx context.Context, id string) (*model.OutboxEvent, error) {
	row := sqliteQuerier(ctx, r.db).QueryRowContext(ctx, sqliteGetOutboxEvent, id)

	rec, err := scanSQLiteOutboxRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrEventNotFound
	}

	if err != nil {
		return nil, err
	}

	return getEnvelope(rec)
}

// FetchPending retrieves events eligible for delivery. Rows that cannot be
// decoded are marked terminally failed and left out of the batch.
func (r *SQLiteOutboxRepository) FetchPending(
	ctx context.Context, query model.PendingQuery,
) ([]*model.OutboxEvent, error) {
	recs, err := r.list(ctx, sqliteFetchPending, query.UserID, pageLimit(query.Limit))
	if err != nil {
		return nil, err
	}

	events, broken := decodeRows(recs, false)

	for _, b := range broken {
		if err := r.quarantine(ctx, b); err != nil {
			return nil, err
		}
	}

	return events, nil
}

// ListFailed retrieves terminally failed events. Events whose metadata cannot
// be decoded are listed without it.
func (r *SQLiteOutboxRepository) ListFailed(
	ctx context.Context, query model.FailedQuery,
) ([]*model.OutboxEvent, error) {
	recs, err := r.list(ctx, sqliteListFailed, query.UserID, pageLimit(query.Limit))
	if err != nil {
		return nil, err
	}

	events, _ := decodeRows(recs, true)

	return events, nil
}

func (r *SQLiteOutboxRepository) quarantine(ctx context.Context, b brokenRecord) error {
	logQuarantine(ctx, b)

	if _, err := sqliteQuerier(ctx, r.db).ExecContext(ctx, sqliteQuarantine, b.undecodableMessage(), b.id); err != nil {
		return fmt.Errorf("failed to quarantine outbox event %s: %w", b.id, err)
	}

	return nil
}

// UpdateStatus applies one status transition in a single statement.
func (r *SQLiteOutboxRepository) UpdateStatus(ctx context.Context, id string, update model.StatusUpdate) error {
	if !update.Status.Valid() {
		return fmt.Errorf("%w: invalid status %q", model.ErrInvalidEvent, update.Status)
	}

	at := update.At
	if at.IsZero() {
		at = r.now()
	}

	res, err := sqliteQuerier(ctx, r.db).ExecContext(ctx, sqliteUpdateStatus,
		string(update.Status), update.ErrorMessage, update.ServerID, int(update.Attempt), toMicros(at), id,
		nullMicros(update.PreviousAttemptAt),
	)
	if err != nil {
		return fmt.Errorf("failed to update outbox event %s: %w", id, err)
	}

	return requireAffected(res, id)
}

// Delete removes an outbox event.
func (r *SQLiteOutboxRepository) Delete(ctx context.Context, id string) error {
	res, err := sqliteQuerier(ctx, r.db).ExecContext(ctx, `DELETE FROM outbox_events WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete outbox event %s: %w", id, err)
	}

	return requireAffected(res, id)
}

// DeleteCompletedBefore prunes completed events older than cutoff.
func (r *SQLiteOutboxRepository) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := sqliteQuerier(ctx, r.db).ExecContext(ctx,
		`DELETE FROM outbox_events WHERE status = 'completed' AND completed_at < ?`, toMicros(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune outbox events: %w", err)
	}

	return res.RowsAffected()
}

// ResetAttempts returns a failed event to pending.
func (r *SQLiteOutboxRepository) ResetAttempts(ctx context.Context, id string) error {
	res, err := sqliteQuerier(ctx, r.db).ExecContext(ctx, sqliteResetAttempts, id)
	if err != nil {
		return fmt.Errorf("failed to reset outbox event %s: %w", id, err)
	}

	return requireAffected(res, id)
}

// list scans every row before returning so the single connection is free
// again for follow-up statements.
func (r *SQLiteOutboxRepository) list(ctx context.Context, query, userID string, limit int) ([]*outboxRecord, error) {
	rows, err := sqliteQuerier(ctx, r.db).QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox events: %w", err)
	}
	defer rows.Close()

	var recs []*outboxRecord

	for rows.Next() {
		rec, err := scanSQLiteOutboxRecord(rows)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteOutboxRecord(row rowScanner) (*outboxRecord, error) {
	var (
		rec           outboxRecord
		metadata      string
		createdAt     int64
		lastAttemptAt sql.NullInt64
		completedAt   sql.NullInt64
	)

	err := row.Scan(
		&rec.ID, &rec.EventType, &rec.EntityID, &rec.UserID, &rec.IsNewRecord, &rec.ServerID,
		&metadata, &rec.MetadataVersion, &rec.Priority, &rec.Status, &rec.AttemptCount,
		&rec.MaxAttempts, &createdAt, &lastAttemptAt, &completedAt, &rec.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}

	rec.Metadata = []byte(metadata)
	rec.CreatedAt = fromMicros(createdAt)
	rec.LastAttemptAt = fromNullMicros(lastAttemptAt)
	rec.CompletedAt = fromNullMicros(completedAt)

	return &rec, nil
}

func requireAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		return fmt.Errorf("%w: %s", model.ErrEventNotFound, id)
	}

	return nil
}
