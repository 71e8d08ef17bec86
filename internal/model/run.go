package model

import (
	"context"
	"time"
)

// Trigger names the stimulus that requested a processing run.
type Trigger string

const (
	TriggerStartup      Trigger = "startup"
	TriggerConnectivity Trigger = "connectivity"
	TriggerPeriodic     Trigger = "periodic"
	TriggerExplicit     Trigger = "explicit"
)

// RunOptions scopes one processing run.
type RunOptions struct {
	// UserID restricts the run to one account; empty means every account.
	UserID  string
	Trigger Trigger
}

// AbortReason explains why a run stopped before draining its batch.
type AbortReason string

const (
	AbortNone        AbortReason = ""
	AbortOffline     AbortReason = "offline"
	AbortNoSession   AbortReason = "no_session"
	AbortAuthExpired AbortReason = "auth_expired"
	AbortCancelled   AbortReason = "cancelled"
	AbortBusy        AbortReason = "busy"
	// AbortLockLost means the cross-process run lock expired or was taken over.
	AbortLockLost AbortReason = "lock_lost"
)

// RunLease is a held cross-process run lock.
type RunLease interface {
	// Extend pushes the expiry back and fails once the lease is no longer held.
	Extend(ctx context.Context) error
	Release(ctx context.Context) error
}

// RunSummary reports what a run did. It is never persisted.
type RunSummary struct {
	Trigger   Trigger     `json:"trigger"`
	UserID    string      `json:"user_id,omitempty"`
	Runs      int         `json:"runs"`
	Attempted int         `json:"attempted"`
	Completed int         `json:"completed"`
	Retrying  int         `json:"retrying"`
	Failed    int         `json:"failed"`
	Skipped   int         `json:"skipped"`
	Aborted   AbortReason `json:"aborted,omitempty"`
	// Coalesced is set when the request joined an active run instead of starting one.
	Coalesced  bool      `json:"coalesced,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Merge folds a follow-up run into s. Aborted reports the last run.
func (s *RunSummary) Merge(other *RunSummary) {
	if other == nil {
		return
	}

	s.Runs += other.Runs
	s.Attempted += other.Attempted
	s.Completed += other.Completed
	s.Retrying += other.Retrying
	s.Failed += other.Failed
	s.Skipped += other.Skipped

	s.Aborted = other.Aborted

	if s.StartedAt.IsZero() {
		s.StartedAt = other.StartedAt
	}

	s.FinishedAt = other.FinishedAt
}

// Transition is an observable change of an event's status.
type Transition struct {
	EventID      string       `json:"event_id"`
	EventType    EventType    `json:"event_type"`
	EntityID     string       `json:"entity_id"`
	UserID       string       `json:"user_id"`
	From         EventStatus  `json:"from"`
	To           EventStatus  `json:"to"`
	AttemptCount int          `json:"attempt_count"`
	MaxAttempts  int          `json:"max_attempts"`
	ErrorMessage string       `json:"error_message,omitempty"`
	ServerID     string       `json:"server_id,omitempty"`
	Class        FailureClass `json:"class,omitempty"`
	// Terminal marks a failure that needs user or operator attention.
	Terminal bool      `json:"terminal,omitempty"`
	At       time.Time `json:"at"`
}
