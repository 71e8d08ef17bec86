package model

import "fmt"

// EntityKind identifies the local domain entity an event concerns.
type EntityKind string

const (
	// EntityKindMoodEntry is a logged mood.
	EntityKindMoodEntry EntityKind = "mood_entry"
	// EntityKindJournalEntry is a free-form journal entry.
	EntityKindJournalEntry EntityKind = "journal_entry"
	// EntityKindGoal is a user goal.
	EntityKindGoal EntityKind = "goal"
)

// EntityKinds lists every supported kind.
var EntityKinds = []EntityKind{EntityKindMoodEntry, EntityKindJournalEntry, EntityKindGoal}

// ParseEntityKind validates s against the closed set of kinds.
func ParseEntityKind(s string) (EntityKind, error) {
	for _, k := range EntityKinds {
		if string(k) == s {
			return k, nil
		}
	}

	return "", fmt.Errorf("%w: %q", ErrUnknownEntityKind, s)
}

// Operation is the mutation an event carries to the backend.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// EventType identifies which domain operation an outbox event represents.
type EventType string

const (
	EventTypeCreateMoodEntry    EventType = "create_mood_entry"
	EventTypeUpdateMoodEntry    EventType = "update_mood_entry"
	EventTypeDeleteMoodEntry    EventType = "delete_mood_entry"
	EventTypeCreateJournalEntry EventType = "create_journal_entry"
	EventTypeUpdateJournalEntry EventType = "update_journal_entry"
	EventTypeDeleteJournalEntry EventType = "delete_journal_entry"
	EventTypeCreateGoal         EventType = "create_goal"
	EventTypeUpdateGoal         EventType = "update_goal"
	EventTypeDeleteGoal         EventType = "delete_goal"
)

type eventTypeInfo struct {
	kind EntityKind
	op   Operation
}

var eventTypes = map[EventType]eventTypeInfo{
	EventTypeCreateMoodEntry:    {EntityKindMoodEntry, OperationCreate},
	EventTypeUpdateMoodEntry:    {EntityKindMoodEntry, OperationUpdate},
	EventTypeDeleteMoodEntry:    {EntityKindMoodEntry, OperationDelete},
	EventTypeCreateJournalEntry: {EntityKindJournalEntry, OperationCreate},
	EventTypeUpdateJournalEntry: {EntityKindJournalEntry, OperationUpdate},
	EventTypeDeleteJournalEntry: {EntityKindJournalEntry, OperationDelete},
	EventTypeCreateGoal:         {EntityKindGoal, OperationCreate},
	EventTypeUpdateGoal:         {EntityKindGoal, OperationUpdate},
	EventTypeDeleteGoal:         {EntityKindGoal, OperationDelete},
}

// Valid reports whether t belongs to the closed set of event types.
func (t EventType) Valid() bool {
	_, ok := eventTypes[t]
	return ok
}

// Kind returns the entity kind t concerns, or "" for unknown types.
func (t EventType) Kind() EntityKind {
	return eventTypes[t].kind
}

// Operation returns the mutation t performs, or "" for unknown types.
func (t EventType) Operation() Operation {
	return eventTypes[t].op
}

// ParseEventType validates s against the closed set of event types.
func ParseEventType(s string) (EventType, error) {
	t := EventType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownEventType, s)
	}

	return t, nil
}

// EventTypeFor returns the event type for a kind and operation.
func EventTypeFor(kind EntityKind, op Operation) (EventType, error) {
	for t, info := range eventTypes {
		if info.kind == kind && info.op == op {
			return t, nil
		}
	}

	return "", fmt.Errorf("%w: %s %s", ErrUnknownEventType, op, kind)
}
