package model

import (
	"fmt"
	"time"
)

// DefaultMaxAttempts bounds retries when an event is created without an explicit limit.
const DefaultMaxAttempts = 5

// EventStatus is the delivery state of an outbox event.
type EventStatus string

const (
	EventStatusPending   EventStatus = "pending"
	EventStatusSyncing   EventStatus = "syncing"
	EventStatusCompleted EventStatus = "completed"
	EventStatusFailed    EventStatus = "failed"
)

// Valid reports whether s is one of the four statuses.
func (s EventStatus) Valid() bool {
	switch s {
	case EventStatusPending, EventStatusSyncing, EventStatusCompleted, EventStatusFailed:
		return true
	default:
		return false
	}
}

// OutboxEvent represents an outbox event for reliable delivery of one local mutation.
type OutboxEvent struct {
	ID          string     `json:"id"`
	EventType   EventType  `json:"event_type"`
	EntityID    string     `json:"entity_id"`
	UserID      string     `json:"user_id"`
	IsNewRecord bool       `json:"is_new_record"`
	// ServerID is the backend identifier of the entity: known up front for
	// updates and deletes of synced entities, recorded once a create succeeds.
	ServerID      string      `json:"server_id,omitempty"`
	Metadata      Metadata    `json:"metadata"`
	Priority      int         `json:"priority"`
	Status        EventStatus `json:"status"`
	AttemptCount  int         `json:"attempt_count"`
	MaxAttempts   int         `json:"max_attempts"`
	CreatedAt     time.Time   `json:"created_at"`
	LastAttemptAt *time.Time  `json:"last_attempt_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
	ErrorMessage  string      `json:"error_message,omitempty"`
}

// AttemptsExhausted reports whether no retries remain.
func (e *OutboxEvent) AttemptsExhausted() bool {
	return e.AttemptCount >= e.MaxAttempts
}

// IsTerminal reports whether the processor will never pick e up again on its own.
func (e *OutboxEvent) IsTerminal() bool {
	switch e.Status {
	case EventStatusCompleted:
		return true
	case EventStatusFailed:
		return e.AttemptsExhausted()
	default:
		return false
	}
}

// CreateOutboxEventParams represents parameters for creating a new outbox event.
type CreateOutboxEventParams struct {
	EventType   EventType
	EntityID    string
	UserID      string
	IsNewRecord bool
	ServerID    string
	Metadata    Metadata
	Priority    int
	MaxAttempts int
}

// Validate checks the params describe a deliverable mutation.
func (p *CreateOutboxEventParams) Validate() error {
	if !p.EventType.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, p.EventType)
	}

	if p.EntityID == "" {
		return fmt.Errorf("%w: entity id is required", ErrInvalidEvent)
	}

	if p.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidEvent)
	}

	if p.MaxAttempts < 0 {
		return fmt.Errorf("%w: max attempts must not be negative", ErrInvalidEvent)
	}

	switch p.EventType.Operation() {
	case OperationCreate:
		if !p.IsNewRecord {
			return fmt.Errorf("%w: %s must be a new record", ErrInvalidEvent, p.EventType)
		}
	case OperationDelete:
		if p.IsNewRecord {
			return fmt.Errorf("%w: %s cannot be a new record", ErrInvalidEvent, p.EventType)
		}
	}

	if !MetadataMatches(p.EventType, p.Metadata) {
		return fmt.Errorf("%w: %s", ErrMetadataMismatch, p.EventType)
	}

	if err := p.Metadata.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	return nil
}

// NewOutboxEvent validates params and returns a pending event. ID and
// CreatedAt are left for the store to assign.
func NewOutboxEvent(params *CreateOutboxEventParams) (*OutboxEvent, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	maxAttempts := params.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}

	return &OutboxEvent{
		EventType:   params.EventType,
		EntityID:    params.EntityID,
		UserID:      params.UserID,
		IsNewRecord: params.IsNewRecord,
		ServerID:    params.ServerID,
		Metadata:    params.Metadata,
		Priority:    params.Priority,
		Status:      EventStatusPending,
		MaxAttempts: maxAttempts,
	}, nil
}

// AttemptChange describes how a status update touches the attempt counter.
type AttemptChange int

const (
	// AttemptUnchanged leaves attempt_count and last_attempt_at alone.
	AttemptUnchanged AttemptChange = iota
	// AttemptBegin increments attempt_count and stamps last_attempt_at.
	AttemptBegin
	// AttemptExhaust raises attempt_count to max_attempts.
	AttemptExhaust
	// AttemptRollback undoes an AttemptBegin whose call never reached the
	// backend's domain logic. last_attempt_at is set back to PreviousAttemptAt.
	AttemptRollback
)

// StatusUpdate is one transactional change of an event's delivery state.
type StatusUpdate struct {
	Status       EventStatus
	ErrorMessage string
	// ServerID is recorded when non-empty and kept otherwise.
	ServerID string
	Attempt  AttemptChange
	// At stamps last_attempt_at on AttemptBegin and completed_at on completion.
	At time.Time
	// PreviousAttemptAt is restored as last_attempt_at on AttemptRollback.
	PreviousAttemptAt *time.Time
}

// PendingQuery selects events eligible for a processing run.
type PendingQuery struct {
	// UserID scopes the query to one account; empty means all accounts.
	UserID string
	Limit  int
}

// FailedQuery selects terminally failed events.
type FailedQuery struct {
	UserID string
	Limit  int
}
