// Package service provides business logic layer implementations.
package service

import (
	"context"

	"github.com/jnst/lume-outbox/internal/model"
)

// OutboxProcessor drains the outbox to the backend.
type OutboxProcessor interface {
	Process(ctx context.Context, opts model.RunOptions) (*model.RunSummary, error)
}

// EntityService defines the producing repository operations: every mutation
// commits the local entity together with exactly one outbox event.
type EntityService interface {
	Create(ctx context.Context, params *model.CreateEntityParams) (*model.LocalEntity, error)
	Update(ctx context.Context, params *model.UpdateEntityParams) (*model.LocalEntity, error)
	Delete(ctx context.Context, kind model.EntityKind, userID, entityID string) error
	Get(ctx context.Context, kind model.EntityKind, entityID string) (*model.LocalEntity, error)
}

// HousekeepingService defines retention and operator actions on the outbox.
type HousekeepingService interface {
	Prune(ctx context.Context) (int64, error)
	FailedEvents(ctx context.Context, query model.FailedQuery) ([]*model.OutboxEvent, error)
	Event(ctx context.Context, id string) (*model.OutboxEvent, error)
	Retry(ctx context.Context, id string) error
	Discard(ctx context.Context, id string) error
}

// DeliveryClient performs one remote call per event. Failures are returned as
// *model.DeliveryError; any other error is treated as retryable.
type DeliveryClient interface {
	Deliver(ctx context.Context, req *model.DeliveryRequest) (*model.DeliveryResult, error)
}

// CredentialProvider supplies the bearer token, or model.ErrNoSession.
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
}

// CredentialInvalidator is implemented by providers that can drop a stale token.
type CredentialInvalidator interface {
	Invalidate()
}

// ConnectivityMonitor reports the current network state.
type ConnectivityMonitor interface {
	IsOnline(ctx context.Context) bool
}

// ConnectivityWatcher also delivers state changes.
type ConnectivityWatcher interface {
	ConnectivityMonitor
	Subscribe() (<-chan bool, func())
}

// EntitySyncer is the processor's callback into the producing repository.
type EntitySyncer interface {
	StampServerID(ctx context.Context, kind model.EntityKind, entityID, serverID string) error
	ServerIDFor(ctx context.Context, kind model.EntityKind, entityID string) (string, error)
}

// TransitionObserver is told about every persisted status change.
type TransitionObserver interface {
	Observe(ctx context.Context, t model.Transition)
}

// RunLock serializes processing runs across processes sharing one store.
type RunLock interface {
	TryAcquire(ctx context.Context) (lease model.RunLease, acquired bool, err error)
}
