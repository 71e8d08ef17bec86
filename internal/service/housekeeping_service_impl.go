package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jnst/lume-outbox/internal/model"
	"github.com/jnst/lume-outbox/internal/repository"
)

// HousekeepingServiceImpl implements HousekeepingService.
type HousekeepingServiceImpl struct {
	outboxRepo repository.OutboxRepository
	retention  time.Duration
	now        func() time.Time
}

// NewHousekeepingServiceImpl creates a new HousekeepingService implementation.
// Completed events older than retention are pruned.
func NewHousekeepingServiceImpl(outboxRepo repository.OutboxRepository, retention time.Duration) *HousekeepingServiceImpl {
	return &HousekeepingServiceImpl{
		outboxRepo: outboxRepo,
		retention:  retention,
		now:        time.Now,
	}
}

// Prune deletes completed events past the retention window.
func (s *HousekeepingServiceImpl) Prune(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention)

	n, err := s.outboxRepo.DeleteCompletedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	if n > 0 {
		slog.InfoContext(ctx, "pruned completed outbox events", "count", n, "cutoff", cutoff)
	}

	return n, nil
}

// FailedEvents lists events that exhausted their attempts.
func (s *HousekeepingServiceImpl) FailedEvents(ctx context.Context, query model.FailedQuery) ([]*model.OutboxEvent, error) {
	return s.outboxRepo.ListFailed(ctx, query)
}

// Event retrieves one event.
func (s *HousekeepingServiceImpl) Event(ctx context.Context, id string) (*model.OutboxEvent, error) {
	return s.outboxRepo.Get(ctx, id)
}

// Retry gives a failed event a fresh set of attempts.
func (s *HousekeepingServiceImpl) Retry(ctx context.Context, id string) error {
	if err := s.outboxRepo.ResetAttempts(ctx, id); err != nil {
		return fmt.Errorf("failed to retry outbox event: %w", err)
	}

	slog.InfoContext(ctx, "outbox event queued for retry", "event_id", id)

	return nil
}

// Discard removes a failed event the user chose to abandon. Events still in
// delivery cannot be discarded.
func (s *HousekeepingServiceImpl) Discard(ctx context.Context, id string) error {
	event, err := s.outboxRepo.Get(ctx, id)
	if err != nil {
		return err
	}

	if event.Status != model.EventStatusFailed {
		return fmt.Errorf("%w: event %s is %s", model.ErrInvalidEvent, id, event.Status)
	}

	if err := s.outboxRepo.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to discard outbox event: %w", err)
	}

	slog.InfoContext(ctx, "outbox event discarded", "event_id", id, "event_type", event.EventType)

	return nil
}
