package service

import (
	"context"
	"log/slog"

	"github.com/jnst/lume-outbox/internal/model"
)

// ObserverFunc adapts a function to TransitionObserver.
type ObserverFunc func(ctx context.Context, t model.Transition)

// Observe calls f.
func (f ObserverFunc) Observe(ctx context.Context, t model.Transition) { f(ctx, t) }

// MultiObserver fans a transition out to several observers in order.
type MultiObserver []TransitionObserver

// Observe notifies every observer.
func (m MultiObserver) Observe(ctx context.Context, t model.Transition) {
	for _, o := range m {
		o.Observe(ctx, t)
	}
}

// LogObserver writes transitions to a structured logger. Terminal failures are
// the ones surfaced to the user, so they log at warn.
type LogObserver struct {
	Logger *slog.Logger
}

// Observe logs t.
func (o LogObserver) Observe(ctx context.Context, t model.Transition) {
	l := o.Logger
	if l == nil {
		l = slog.Default()
	}

	level := slog.LevelDebug
	if t.Terminal {
		level = slog.LevelWarn
	}

	l.Log(ctx, level, "outbox event transition",
		"event_id", t.EventID,
		"event_type", t.EventType,
		"entity_id", t.EntityID,
		"from", t.From,
		"to", t.To,
		"attempts", t.AttemptCount,
		"class", t.Class,
		"terminal", t.Terminal,
	)
}
