package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jnst/lume-outbox/internal/model"
)

const entityColumns = `id, kind, user_id, backend_id, payload, payload_version, created_at, updated_at, deleted_at`

// SQLiteEntityRepository implements EntityRepository using SQLite.
type SQLiteEntityRepository struct {
	db *sql.DB
}

// NewSQLiteEntityRepository creates a new EntityRepository implementation.
func NewSQLiteEntityRepository(db *sql.DB) *SQLiteEntityRepository {
	return &SQLiteEntityRepository{db: db}
}

// Create inserts a new local entity.
func (r *SQLiteEntityRepository) Create(ctx context.Context, entity *model.LocalEntity) error {
	rec, err := newEntityRecord(entity)
	if err != nil {
		return err
	}

	_, err = sqliteQuerier(ctx, r.db).ExecContext(ctx,
		`INSERT INTO local_entities (`+entityColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Kind, rec.UserID, rec.BackendID, string(rec.Payload), rec.PayloadVersion,
		toMicros(rec.CreatedAt), toMicros(rec.UpdatedAt), nullMicros(rec.DeletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert %s %s: %w", rec.Kind, rec.ID, err)
	}

	return nil
}

// Update replaces the payload of a live entity.
func (r *SQLiteEntityRepository) Update(ctx context.Context, entity *model.LocalEntity) error {
	rec, err := newEntityRecord(entity)
	if err != nil {
		return err
	}

	res, err := sqliteQuerier(ctx, r.db).ExecContext(ctx, `
UPDATE local_entities SET payload = ?, payload_version = ?, updated_at = ?
WHERE kind = ? AND id = ? AND deleted_at IS NULL`,
		string(rec.Payload), rec.PayloadVersion, toMicros(rec.UpdatedAt), rec.Kind, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update %s %s: %w", rec.Kind, rec.ID, err)
	}

	return requireEntityAffected(res, entity.Kind, entity.ID)
}

// MarkDeleted soft-deletes an entity so a pending create can still be stamped.
func (r *SQLiteEntityRepository) MarkDeleted(ctx context.Context, kind model.EntityKind, id string, at time.Time) error {
	res, err := sqliteQuerier(ctx, r.db).ExecContext(ctx, `
UPDATE local_entities SET deleted_at = ?1, updated_at = ?1
WHERE kind = ?2 AND id = ?3 AND deleted_at IS NULL`,
		toMicros(at), string(kind), id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", kind, id, err)
	}

	return requireEntityAffected(res, kind, id)
}

// Get retrieves an entity, including soft-deleted ones.
func (r *SQLiteEntityRepository) Get(ctx context.Context, kind model.EntityKind, id string) (*model.LocalEntity, error) {
	var (
		rec       entityRecord
		payload   string
		createdAt int64
		updatedAt int64
		deletedAt sql.NullInt64
	)

	err := sqliteQuerier(ctx, r.db).QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM local_entities WHERE kind = ? AND id = ?`, string(kind), id,
	).Scan(&rec.ID, &rec.Kind, &rec.UserID, &rec.BackendID, &payload, &rec.PayloadVersion,
		&createdAt, &updatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %s", model.ErrEntityNotFound, kind, id)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get %s %s: %w", kind, id, err)
	}

	rec.Payload = []byte(payload)
	rec.CreatedAt = fromMicros(createdAt)
	rec.UpdatedAt = fromMicros(updatedAt)
	rec.DeletedAt = fromNullMicros(deletedAt)

	return rec.toModel()
}

// StampServerID records the backend id assigned to an entity.
func (r *SQLiteEntityRepository) StampServerID(ctx context.Context, kind model.EntityKind, id, serverID string) error {
	res, err := sqliteQuerier(ctx, r.db).ExecContext(ctx,
		`UPDATE local_entities SET backend_id = ? WHERE kind = ? AND id = ?`, serverID, string(kind), id)
	if err != nil {
		return fmt.Errorf("failed to stamp %s %s: %w", kind, id, err)
	}

	return requireEntityAffected(res, kind, id)
}

// ServerIDFor returns the backend id of an entity, or "" when it has none yet.
func (r *SQLiteEntityRepository) ServerIDFor(ctx context.Context, kind model.EntityKind, id string) (string, error) {
	var backendID string

	err := sqliteQuerier(ctx, r.db).QueryRowContext(ctx,
		`SELECT backend_id FROM local_entities WHERE kind = ? AND id = ?`, string(kind), id,
	).Scan(&backendID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s %s", model.ErrEntityNotFound, kind, id)
	}

	if err != nil {
		return "", fmt.Errorf("failed to read server id of %s %s: %w", kind, id, err)
	}

	return backendID, nil
}

func requireEntityAffected(res sql.Result, kind model.EntityKind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		return fmt.Errorf("%w: %s %s", model.ErrEntityNotFound, kind, id)
	}

	return nil
}
