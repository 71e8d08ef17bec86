// Package broker publishes outbox status transitions to Redis Streams and
// coordinates processing runs across processes.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/rueidis"

	"github.com/jnst/lume-outbox/internal/model"
)

// DefaultTransitionsStream is the stream transitions are appended to.
const DefaultTransitionsStream = "outbox:transitions"

// TransitionPublisher appends every status transition to a Redis stream.
type TransitionPublisher struct {
	client rueidis.Client
	stream string
}

// NewTransitionPublisher creates a publisher on stream.
func NewTransitionPublisher(client rueidis.Client, stream string) *TransitionPublisher {
	if stream == "" {
		stream = DefaultTransitionsStream
	}

	return &TransitionPublisher{client: client, stream: stream}
}

// Observe publishes t. A publish failure is logged and never fails the run.
func (p *TransitionPublisher) Observe(ctx context.Context, t model.Transition) {
	if err := p.Publish(ctx, t); err != nil {
		slog.WarnContext(ctx, "failed to publish transition",
			slog.String("event_id", t.EventID),
			slog.String("stream", p.stream),
			slog.String("error", err.Error()),
		)
	}
}

// Publish appends t to the stream.
func (p *TransitionPublisher) Publish(ctx context.Context, t model.Transition) error {
	cmd := p.client.B().Xadd().Key(p.stream).Id("*").
		FieldValue().FieldValue("event_id", t.EventID).
		FieldValue("event_type", string(t.EventType)).
		FieldValue("entity_id", t.EntityID).
		FieldValue("user_id", t.UserID).
		FieldValue("from", string(t.From)).
		FieldValue("to", string(t.To)).
		FieldValue("attempt_count", strconv.Itoa(t.AttemptCount)).
		FieldValue("max_attempts", strconv.Itoa(t.MaxAttempts)).
		FieldValue("error_message", t.ErrorMessage).
		FieldValue("server_id", t.ServerID).
		FieldValue("class", string(t.Class)).
		FieldValue("terminal", strconv.FormatBool(t.Terminal)).
		FieldValue("at", t.At.UTC().Format(time.RFC3339Nano)).
		Build()

	if err := p.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to publish transition of %s: %w", t.EventID, err)
	}

	return nil
}

// DecodeTransition parses a stream entry written by TransitionPublisher.
func DecodeTransition(entry rueidis.XRangeEntry) (model.Transition, error) {
	f := entry.FieldValues

	eventID, ok := f["event_id"]
	if !ok || eventID == "" {
		return model.Transition{}, errors.New("missing event_id in message")
	}

	eventType, err := model.ParseEventType(f["event_type"])
	if err != nil {
		return model.Transition{}, err
	}

	t := model.Transition{
		EventID:      eventID,
		EventType:    eventType,
		EntityID:     f["entity_id"],
		UserID:       f["user_id"],
		From:         model.EventStatus(f["from"]),
		To:           model.EventStatus(f["to"]),
		ErrorMessage: f["error_message"],
		ServerID:     f["server_id"],
		Class:        model.FailureClass(f["class"]),
	}

	if !t.To.Valid() {
		return model.Transition{}, fmt.Errorf("invalid status %q in message", f["to"])
	}

	if t.AttemptCount, err = atoiField(f, "attempt_count"); err != nil {
		return model.Transition{}, err
	}

	if t.MaxAttempts, err = atoiField(f, "max_attempts"); err != nil {
		return model.Transition{}, err
	}

	if v := f["terminal"]; v != "" {
		if t.Terminal, err = strconv.ParseBool(v); err != nil {
			return model.Transition{}, fmt.Errorf("invalid terminal flag: %w", err)
		}
	}

	if v := f["at"]; v != "" {
		if t.At, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return model.Transition{}, fmt.Errorf("invalid timestamp: %w", err)
		}
	}

	return t, nil
}

func atoiField(f map[string]string, name string) (int, error) {
	v, ok := f[name]
	if !ok || v == "" {
		return 0, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}

	return n, nil
}
