package model

import "errors"

var (
	// ErrEventNotFound is returned when an outbox event does not exist in the store.
	ErrEventNotFound = errors.New("outbox event not found")
	// ErrEntityNotFound is returned when a local entity does not exist in the store.
	ErrEntityNotFound = errors.New("entity not found")
	// ErrInvalidUserID is returned when a mutation names no owner.
	ErrInvalidUserID = errors.New("user id is required")
	// ErrPayloadRequired is returned when a create or update carries no entity payload.
	ErrPayloadRequired = errors.New("entity payload is required")
	// ErrNoSession is returned by credential providers when no user is signed in.
	ErrNoSession = errors.New("no active session")
	// ErrReauthenticationRequired is returned by a processing run aborted on an expired token.
	ErrReauthenticationRequired = errors.New("re-authentication required")
	// ErrUnknownEventType is returned for event types outside the closed set.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrUnknownEntityKind is returned for entity kinds outside the closed set.
	ErrUnknownEntityKind = errors.New("unknown entity kind")
	// ErrMetadataMismatch is returned when a metadata variant does not belong to the event type.
	ErrMetadataMismatch = errors.New("metadata does not match event type")
	// ErrInvalidEvent is returned when outbox event parameters are inconsistent.
	ErrInvalidEvent = errors.New("invalid outbox event")
	// ErrUnsupportedMetadataVersion is returned when a stored payload is newer than this build understands.
	ErrUnsupportedMetadataVersion = errors.New("unsupported metadata version")
)
