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

// EntityRepositoryImpl implements EntityRepository using PostgreSQL.
type EntityRepositoryImpl struct {
	pool *pgxpool.Pool
}

// NewEntityRepositoryImpl creates a new EntityRepository implementation.
func NewEntityRepositoryImpl(pool *pgxpool.Pool) *EntityRepositoryImpl {
	return &EntityRepositoryImpl{pool: pool}
}

// Create inserts a new local entity.
func (r *EntityRepositoryImpl) Create(ctx context.Context, entity *model.LocalEntity) error {
	rec, err := newEntityRecord(entity)
	if err != nil {
		return err
	}

	_, err = postgresQuerier(ctx, r.pool).Exec(ctx,
		`INSERT INTO local_entities (`+entityColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.Kind, rec.UserID, rec.BackendID, rec.Payload, rec.PayloadVersion,
		rec.CreatedAt, rec.UpdatedAt, rec.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert %s %s: %w", rec.Kind, rec.ID, err)
	}

	return nil
}

// Update replaces the payload of a live entity.
func (r *EntityRepositoryImpl) Update(ctx context.Context, entity *model.LocalEntity) error {
	rec, err := newEntityRecord(entity)
	if err != nil {
		return err
	}

	tag, err := postgresQuerier(ctx, r.pool).Exec(ctx, `
UPDATE local_entities SET payload = $1, payload_version = $2, updated_at = $3
WHERE kind = $4 AND id = $5 AND deleted_at IS NULL`,
		rec.Payload, rec.PayloadVersion, rec.UpdatedAt, rec.Kind, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update %s %s: %w", rec.Kind, rec.ID, err)
	}

	return requireEntityTag(tag, entity.Kind, entity.ID)
}

// MarkDeleted soft-deletes an entity.
func (r *EntityRepositoryImpl) MarkDeleted(ctx context.Context, kind model.EntityKind, id string, at time.Time) error {
	tag, err := postgresQuerier(ctx, r.pool).Exec(ctx, `
UPDATE local_entities SET deleted_at = $1, updated_at = $1
WHERE kind = $2 AND id = $3 AND deleted_at IS NULL`,
		at.UTC(), string(kind), id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", kind, id, err)
	}

	return requireEntityTag(tag, kind, id)
}

// Get retrieves an entity, including soft-deleted ones.
func (r *EntityRepositoryImpl) Get(ctx context.Context, kind model.EntityKind, id string) (*model.LocalEntity, error) {
	var rec entityRecord

	err := postgresQuerier(ctx, r.pool).QueryRow(ctx,
		`SELECT `+entityColumns+` FROM local_entities WHERE kind = $1 AND id = $2`, string(kind), id,
	).Scan(&rec.ID, &rec.Kind, &rec.UserID, &rec.BackendID, &rec.Payload, &rec.PayloadVersion,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %s", model.ErrEntityNotFound, kind, id)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get %s %s: %w", kind, id, err)
	}

	return rec.toModel()
}

// StampServerID records the backend id assigned to an entity.
func (r *EntityRepositoryImpl) StampServerID(ctx context.Context, kind model.EntityKind, id, serverID string) error {
	tag, err := postgresQuerier(ctx, r.pool).Exec(ctx,
		`UPDATE local_entities SET backend_id = $1 WHERE kind = $2 AND id = $3`, serverID, string(kind), id)
	if err != nil {
		return fmt.Errorf("failed to stamp %s %s: %w", kind, id, err)
	}

	return requireEntityTag(tag, kind, id)
}

// ServerIDFor returns the backend id of an entity, or "" when it has none yet.
func (r *EntityRepositoryImpl) ServerIDFor(ctx context.Context, kind model.EntityKind, id string) (string, error) {
	var backendID string

	err := postgresQuerier(ctx, r.pool).QueryRow(ctx,
		`SELECT backend_id FROM local_entities WHERE kind = $1 AND id = $2`, string(kind), id,
	).Scan(&backendID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s %s", model.ErrEntityNotFound, kind, id)
	}

	if err != nil {
		return "", fmt.Errorf("failed to read server id of %s %s: %w", kind, id, err)
	}

	return backendID, nil
}

func requireEntityTag(tag pgconn.CommandTag, kind model.EntityKind, id string) error {
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s %s", model.ErrEntityNotFound, kind, id)
	}

	return nil
}
