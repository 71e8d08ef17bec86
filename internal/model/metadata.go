package model

import (
	"encoding/json"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const dateLayout = "2006-01-02"

// Metadata is the structured payload an outbox event carries to the backend.
// The set of variants is closed; each event type accepts exactly one of them.
type Metadata interface {
	Kind() EntityKind
	Validate() error
	metadata()
}

// MoodMetadata describes a mood entry.
type MoodMetadata struct {
	Valence      float64   `json:"valence"`
	Labels       []string  `json:"labels"`
	Associations []string  `json:"associations,omitempty"`
	Notes        string    `json:"notes,omitempty"`
	LoggedAt     time.Time `json:"logged_at"`
}

func (MoodMetadata) Kind() EntityKind { return EntityKindMoodEntry }
func (MoodMetadata) metadata()        {}

// Validate checks valence bounds and labels.
func (m MoodMetadata) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Valence, validation.Min(-1.0), validation.Max(1.0)),
		validation.Field(&m.Labels, validation.Required, validation.Each(validation.Required, validation.Length(1, 64))),
		validation.Field(&m.Associations, validation.Each(validation.Length(1, 64))),
		validation.Field(&m.Notes, validation.Length(0, 2000)),
	)
}

// JournalMetadata describes a journal entry.
type JournalMetadata struct {
	Title     string    `json:"title,omitempty"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	EntryType string    `json:"entry_type,omitempty"`
	Date      time.Time `json:"date"`
}

func (JournalMetadata) Kind() EntityKind { return EntityKindJournalEntry }
func (JournalMetadata) metadata()        {}

// Validate checks content presence and field lengths.
func (m JournalMetadata) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Title, validation.Length(0, 200)),
		validation.Field(&m.Content, validation.Required, validation.Length(1, 20000)),
		validation.Field(&m.Tags, validation.Each(validation.Length(1, 64))),
		validation.Field(&m.EntryType, validation.In("freeform", "gratitude", "reflection", "prompt")),
	)
}

// GoalMetadata describes a goal. Dates use the YYYY-MM-DD layout the backend expects.
type GoalMetadata struct {
	GoalType     string  `json:"goal_type"`
	Title        string  `json:"title"`
	Description  string  `json:"description,omitempty"`
	TargetValue  float64 `json:"target_value"`
	TargetUnit   string  `json:"target_unit,omitempty"`
	CurrentValue float64 `json:"current_value"`
	StartDate    string  `json:"start_date,omitempty"`
	TargetDate   string  `json:"target_date,omitempty"`
}

func (GoalMetadata) Kind() EntityKind { return EntityKindGoal }
func (GoalMetadata) metadata()        {}

// Validate checks the goal type, title and date formats.
func (m GoalMetadata) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.GoalType, validation.Required,
			validation.In("weight", "activity", "nutrition", "mood", "habit", "custom")),
		validation.Field(&m.Title, validation.Required, validation.Length(1, 200)),
		validation.Field(&m.Description, validation.Length(0, 2000)),
		validation.Field(&m.TargetUnit, validation.Length(0, 32)),
		validation.Field(&m.StartDate, validation.Date(dateLayout)),
		validation.Field(&m.TargetDate, validation.Date(dateLayout)),
	)
}

// Tombstone is the payload of a delete event. The backend call only needs the
// entity's server id, so it carries nothing beyond the deletion time.
type Tombstone struct {
	DeletedAt time.Time `json:"deleted_at"`

	kind EntityKind
}

// NewTombstone returns the delete payload for an entity of the given kind.
func NewTombstone(kind EntityKind, deletedAt time.Time) Tombstone {
	return Tombstone{DeletedAt: deletedAt, kind: kind}
}

func (t Tombstone) Kind() EntityKind { return t.kind }
func (Tombstone) metadata()          {}

// Validate checks that the tombstone names a known kind.
func (t Tombstone) Validate() error {
	if _, err := ParseEntityKind(string(t.kind)); err != nil {
		return err
	}

	return nil
}

// MetadataMatches reports whether md is the variant eventType requires.
func MetadataMatches(eventType EventType, md Metadata) bool {
	if md == nil || !eventType.Valid() || md.Kind() != eventType.Kind() {
		return false
	}

	_, isTombstone := md.(Tombstone)

	return isTombstone == (eventType.Operation() == OperationDelete)
}

// UnmarshalMetadata decodes raw into the variant eventType dictates.
func UnmarshalMetadata(eventType EventType, raw []byte) (Metadata, error) {
	if !eventType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}

	if eventType.Operation() == OperationDelete {
		t := Tombstone{kind: eventType.Kind()}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &t); err != nil {
				return nil, fmt.Errorf("failed to parse %s metadata: %w", eventType, err)
			}
		}

		return t, nil
	}

	return UnmarshalPayload(eventType.Kind(), raw)
}

// UnmarshalPayload decodes the entity payload variant for kind.
func UnmarshalPayload(kind EntityKind, raw []byte) (Metadata, error) {
	var (
		md  Metadata
		err error
	)

	switch kind {
	case EntityKindMoodEntry:
		var m MoodMetadata
		err = json.Unmarshal(raw, &m)
		md = m
	case EntityKindJournalEntry:
		var m JournalMetadata
		err = json.Unmarshal(raw, &m)
		md = m
	case EntityKindGoal:
		var m GoalMetadata
		err = json.Unmarshal(raw, &m)
		md = m
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntityKind, kind)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to parse %s payload: %w", kind, err)
	}

	return md, nil
}
