package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jnst/lume-outbox/internal/model"
	"github.com/jnst/lume-outbox/internal/repository"
)

// EntityServiceImpl implements EntityService for local entity mutations.
type EntityServiceImpl struct {
	entityRepo     repository.EntityRepository
	outboxRepo     repository.OutboxRepository
	transactionMgr repository.TransactionManager
	maxAttempts    int
	now            func() time.Time
}

// NewEntityServiceImpl creates a new EntityService implementation.
func NewEntityServiceImpl(
	entityRepo repository.EntityRepository,
	outboxRepo repository.OutboxRepository,
	transactionMgr repository.TransactionManager,
	maxAttempts int,
) *EntityServiceImpl {
	return &EntityServiceImpl{
		entityRepo:     entityRepo,
		outboxRepo:     outboxRepo,
		transactionMgr: transactionMgr,
		maxAttempts:    maxAttempts,
		now:            time.Now,
	}
}

// Create stores a new entity and enqueues its create event.
func (s *EntityServiceImpl) Create(ctx context.Context, params *model.CreateEntityParams) (*model.LocalEntity, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	entity := &model.LocalEntity{
		ID:        uuid.NewString(),
		Kind:      params.Payload.Kind(),
		UserID:    params.UserID,
		Payload:   params.Payload,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.transactionMgr.WithTransaction(ctx, func(ctx context.Context) error {
		if err := s.entityRepo.Create(ctx, entity); err != nil {
			return fmt.Errorf("failed to create entity: %w", err)
		}

		return s.createOutboxEvent(ctx, entity, model.OperationCreate, entity.Payload, params.Priority)
	})
	if err != nil {
		return nil, err
	}

	return entity, nil
}

// Update replaces an entity's payload and enqueues an update event.
func (s *EntityServiceImpl) Update(ctx context.Context, params *model.UpdateEntityParams) (*model.LocalEntity, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	var updated *model.LocalEntity

	err := s.transactionMgr.WithTransaction(ctx, func(ctx context.Context) error {
		entity, err := s.liveEntity(ctx, params.Payload.Kind(), params.UserID, params.EntityID)
		if err != nil {
			return err
		}

		entity.Payload = params.Payload
		entity.UpdatedAt = s.now().UTC().Truncate(time.Microsecond)

		if err := s.entityRepo.Update(ctx, entity); err != nil {
			return fmt.Errorf("failed to update entity: %w", err)
		}

		updated = entity

		return s.createOutboxEvent(ctx, entity, model.OperationUpdate, entity.Payload, params.Priority)
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// Delete soft-deletes an entity and enqueues a delete event.
func (s *EntityServiceImpl) Delete(ctx context.Context, kind model.EntityKind, userID, entityID string) error {
	if userID == "" {
		return model.ErrInvalidUserID
	}

	return s.transactionMgr.WithTransaction(ctx, func(ctx context.Context) error {
		entity, err := s.liveEntity(ctx, kind, userID, entityID)
		if err != nil {
			return err
		}

		at := s.now().UTC().Truncate(time.Microsecond)
		if err := s.entityRepo.MarkDeleted(ctx, kind, entityID, at); err != nil {
			return fmt.Errorf("failed to delete entity: %w", err)
		}

		return s.createOutboxEvent(ctx, entity, model.OperationDelete, model.NewTombstone(kind, at), 0)
	})
}

// Get retrieves an entity by kind and ID.
func (s *EntityServiceImpl) Get(ctx context.Context, kind model.EntityKind, entityID string) (*model.LocalEntity, error) {
	return s.entityRepo.Get(ctx, kind, entityID)
}

func (s *EntityServiceImpl) liveEntity(ctx context.Context, kind model.EntityKind, userID, entityID string) (*model.LocalEntity, error) {
	entity, err := s.entityRepo.Get(ctx, kind, entityID)
	if err != nil {
		return nil, err
	}

	if entity.DeletedAt != nil || entity.UserID != userID {
		return nil, fmt.Errorf("%w: %s %s", model.ErrEntityNotFound, kind, entityID)
	}

	return entity, nil
}

func (s *EntityServiceImpl) createOutboxEvent(
	ctx context.Context,
	entity *model.LocalEntity,
	op model.Operation,
	md model.Metadata,
	priority int,
) error {
	eventType, err := model.EventTypeFor(entity.Kind, op)
	if err != nil {
		return err
	}

	// Updates and deletes of entities whose create is still queued carry no
	// server id; it is resolved when the event is delivered.
	event, err := model.NewOutboxEvent(&model.CreateOutboxEventParams{
		EventType:   eventType,
		EntityID:    entity.ID,
		UserID:      entity.UserID,
		IsNewRecord: op == model.OperationCreate,
		ServerID:    entity.BackendID,
		Metadata:    md,
		Priority:    priority,
		MaxAttempts: s.maxAttempts,
	})
	if err != nil {
		return err
	}

	if _, err := s.outboxRepo.Append(ctx, event); err != nil {
		return fmt.Errorf("failed to create outbox event: %w", err)
	}

	return nil
}

// StampServerID records the backend id of a delivered create.
func (s *EntityServiceImpl) StampServerID(ctx context.Context, kind model.EntityKind, entityID, serverID string) error {
	return s.entityRepo.StampServerID(ctx, kind, entityID, serverID)
}

// ServerIDFor returns the backend id of an entity, or "" before its create is delivered.
func (s *EntityServiceImpl) ServerIDFor(ctx context.Context, kind model.EntityKind, entityID string) (string, error) {
	return s.entityRepo.ServerIDFor(ctx, kind, entityID)
}
