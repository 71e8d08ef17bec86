// Package repository provides data access interfaces and implementations.
package repository

import (
	"context"
	"time"

	"github.com/jnst/lume-outbox/internal/model"
)

// OutboxRepository defines methods for outbox event data access.
type OutboxRepository interface {
	// Append persists a new event inside the transaction carried by ctx, if any.
	Append(ctx context.Context, event *model.OutboxEvent) (string, error)
	Get(ctx context.Context, id string) (*model.OutboxEvent, error)
	// FetchPending returns non-terminal events ordered by priority, then creation.
	FetchPending(ctx context.Context, query model.PendingQuery) ([]*model.OutboxEvent, error)
	UpdateStatus(ctx context.Context, id string, update model.StatusUpdate) error
	Delete(ctx context.Context, id string) error
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ListFailed(ctx context.Context, query model.FailedQuery) ([]*model.OutboxEvent, error)
	// ResetAttempts returns a failed event to pending with a zero attempt count.
	ResetAttempts(ctx context.Context, id string) error
}

// EntityRepository defines methods for local entity data access.
type EntityRepository interface {
	Create(ctx context.Context, entity *model.LocalEntity) error
	Update(ctx context.Context, entity *model.LocalEntity) error
	MarkDeleted(ctx context.Context, kind model.EntityKind, id string, at time.Time) error
	Get(ctx context.Context, kind model.EntityKind, id string) (*model.LocalEntity, error)
	StampServerID(ctx context.Context, kind model.EntityKind, id, serverID string) error
	ServerIDFor(ctx context.Context, kind model.EntityKind, id string) (string, error)
}

// TransactionManager defines methods for database transaction management.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
