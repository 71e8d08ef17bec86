package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jnst/lume-outbox/internal/model"
)

const (
	// metadataVersion is the payload schema written by this build.
	metadataVersion  = 1
	defaultPageLimit = 100
)

// outboxRecord is the storage shape of an outbox event, shared by every driver.
type outboxRecord struct {
	ID              string
	EventType       string
	EntityID        string
	UserID          string
	IsNewRecord     bool
	ServerID        string
	Metadata        []byte
	MetadataVersion int
	Priority        int
	Status          string
	AttemptCount    int
	MaxAttempts     int
	CreatedAt       time.Time
	LastAttemptAt   *time.Time
	CompletedAt     *time.Time
	ErrorMessage    string
}

// prepareAppend validates event and fills the fields the store owns.
func prepareAppend(event *model.OutboxEvent, now time.Time) error {
	if event == nil {
		return errors.New("outbox event is nil")
	}

	params := model.CreateOutboxEventParams{
		EventType:   event.EventType,
		EntityID:    event.EntityID,
		UserID:      event.UserID,
		IsNewRecord: event.IsNewRecord,
		ServerID:    event.ServerID,
		Metadata:    event.Metadata,
		Priority:    event.Priority,
		MaxAttempts: event.MaxAttempts,
	}
	if err := params.Validate(); err != nil {
		return err
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}

	event.CreatedAt = event.CreatedAt.UTC().Truncate(time.Microsecond)

	if event.MaxAttempts == 0 {
		event.MaxAttempts = model.DefaultMaxAttempts
	}

	event.Status = model.EventStatusPending
	event.AttemptCount = 0
	event.LastAttemptAt = nil
	event.CompletedAt = nil
	event.ErrorMessage = ""

	return nil
}

func newOutboxRecord(event *model.OutboxEvent) (*outboxRecord, error) {
	raw, err := encodeMetadata(event.Metadata)
	if err != nil {
		return nil, err
	}

	return &outboxRecord{
		ID:              event.ID,
		EventType:       string(event.EventType),
		EntityID:        event.EntityID,
		UserID:          event.UserID,
		IsNewRecord:     event.IsNewRecord,
		ServerID:        event.ServerID,
		Metadata:        raw,
		MetadataVersion: metadataVersion,
		Priority:        event.Priority,
		Status:          string(event.Status),
		AttemptCount:    event.AttemptCount,
		MaxAttempts:     event.MaxAttempts,
		CreatedAt:       event.CreatedAt,
		LastAttemptAt:   event.LastAttemptAt,
		CompletedAt:     event.CompletedAt,
		ErrorMessage:    event.ErrorMessage,
	}, nil
}

func (r *outboxRecord) toModel() (*model.OutboxEvent, error) {
	event, err := r.toEnvelope()
	if err != nil {
		return nil, err
	}

	md, err := decodeEventMetadata(event.EventType, r.Metadata, r.MetadataVersion)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", r.ID, err)
	}

	event.Metadata = md

	return event, nil
}

// toEnvelope converts every column except the metadata.
func (r *outboxRecord) toEnvelope() (*model.OutboxEvent, error) {
	eventType, err := model.ParseEventType(r.EventType)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", r.ID, err)
	}

	status := model.EventStatus(r.Status)
	if !status.Valid() {
		return nil, fmt.Errorf("event %s: invalid status %q", r.ID, r.Status)
	}

	return &model.OutboxEvent{
		ID:            r.ID,
		EventType:     eventType,
		EntityID:      r.EntityID,
		UserID:        r.UserID,
		IsNewRecord:   r.IsNewRecord,
		ServerID:      r.ServerID,
		Priority:      r.Priority,
		Status:        status,
		AttemptCount:  r.AttemptCount,
		MaxAttempts:   r.MaxAttempts,
		CreatedAt:     r.CreatedAt.UTC(),
		LastAttemptAt: utcPtr(r.LastAttemptAt),
		CompletedAt:   utcPtr(r.CompletedAt),
		ErrorMessage:  r.ErrorMessage,
	}, nil
}

// brokenRecord is a stored event this build cannot decode.
type brokenRecord struct {
	id  string
	err error
}

// undecodableMessage is the error recorded on a quarantined event.
func (b brokenRecord) undecodableMessage() string {
	return "undecodable event: " + b.err.Error()
}

// decodeRows converts scanned records. Undecodable records are returned
// separately; with keepEnvelopes their envelope stays in place in events so
// operators can still see and discard them.
func decodeRows(recs []*outboxRecord, keepEnvelopes bool) ([]*model.OutboxEvent, []brokenRecord) {
	var (
		events []*model.OutboxEvent
		broken []brokenRecord
	)

	for _, rec := range recs {
		event, err := rec.toModel()
		if err == nil {
			events = append(events, event)
			continue
		}

		broken = append(broken, brokenRecord{id: rec.ID, err: err})

		if keepEnvelopes {
			if envelope, envErr := rec.toEnvelope(); envErr == nil {
				events = append(events, envelope)
			}
		}
	}

	return events, broken
}

// getEnvelope converts a single fetched record. Undecodable metadata is left
// nil so operators can still inspect and discard the event.
func getEnvelope(rec *outboxRecord) (*model.OutboxEvent, error) {
	events, broken := decodeRows([]*outboxRecord{rec}, true)
	if len(events) == 0 {
		return nil, broken[0].err
	}

	return events[0], nil
}

func logQuarantine(ctx context.Context, b brokenRecord) {
	slog.ErrorContext(ctx, "outbox event cannot be decoded, marking it failed",
		slog.String("event_id", b.id),
		slog.String("error", b.err.Error()),
	)
}

// entityRecord is the storage shape of a local entity.
type entityRecord struct {
	ID             string
	Kind           string
	UserID         string
	BackendID      string
	Payload        []byte
	PayloadVersion int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}

func newEntityRecord(entity *model.LocalEntity) (*entityRecord, error) {
	raw, err := encodeMetadata(entity.Payload)
	if err != nil {
		return nil, err
	}

	return &entityRecord{
		ID:             entity.ID,
		Kind:           string(entity.Kind),
		UserID:         entity.UserID,
		BackendID:      entity.BackendID,
		Payload:        raw,
		PayloadVersion: metadataVersion,
		CreatedAt:      entity.CreatedAt.UTC().Truncate(time.Microsecond),
		UpdatedAt:      entity.UpdatedAt.UTC().Truncate(time.Microsecond),
		DeletedAt:      entity.DeletedAt,
	}, nil
}

func (r *entityRecord) toModel() (*model.LocalEntity, error) {
	kind, err := model.ParseEntityKind(r.Kind)
	if err != nil {
		return nil, fmt.Errorf("entity %s: %w", r.ID, err)
	}

	payload, err := decodeEntityPayload(kind, r.Payload, r.PayloadVersion)
	if err != nil {
		return nil, fmt.Errorf("entity %s: %w", r.ID, err)
	}

	return &model.LocalEntity{
		ID:        r.ID,
		Kind:      kind,
		UserID:    r.UserID,
		BackendID: r.BackendID,
		Payload:   payload,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
		DeletedAt: utcPtr(r.DeletedAt),
	}, nil
}

func encodeMetadata(md model.Metadata) ([]byte, error) {
	if md == nil {
		return nil, model.ErrPayloadRequired
	}

	raw, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s metadata: %w", md.Kind(), err)
	}

	return raw, nil
}

// decodeEventMetadata reads a stored event payload. Version 0 rows predate the
// version column and share the version 1 shape.
func decodeEventMetadata(eventType model.EventType, raw []byte, version int) (model.Metadata, error) {
	if version > metadataVersion {
		return nil, fmt.Errorf("%w: %d", model.ErrUnsupportedMetadataVersion, version)
	}

	return model.UnmarshalMetadata(eventType, raw)
}

func decodeEntityPayload(kind model.EntityKind, raw []byte, version int) (model.Metadata, error) {
	if version > metadataVersion {
		return nil, fmt.Errorf("%w: %d", model.ErrUnsupportedMetadataVersion, version)
	}

	return model.UnmarshalPayload(kind, raw)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	u := t.UTC()

	return &u
}

func pageLimit(limit int) int {
	if limit <= 0 {
		return defaultPageLimit
	}

	return limit
}
