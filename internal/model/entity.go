// Package model defines domain models and data structures.
package model

import "time"

// LocalEntity is the on-device record of a user's domain entity.
type LocalEntity struct {
	ID        string     `json:"id"`
	Kind      EntityKind `json:"kind"`
	UserID    string     `json:"user_id"`
	BackendID string     `json:"backend_id,omitempty"`
	Payload   Metadata   `json:"payload"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// IsSynced reports whether the backend has assigned the entity an id.
func (e *LocalEntity) IsSynced() bool {
	return e.BackendID != ""
}

// CreateEntityParams represents parameters for creating a local entity.
type CreateEntityParams struct {
	UserID   string
	Payload  Metadata
	Priority int
}

// Validate validates the create entity parameters.
func (p *CreateEntityParams) Validate() error {
	if p.UserID == "" {
		return ErrInvalidUserID
	}

	if p.Payload == nil {
		return ErrPayloadRequired
	}

	if _, ok := p.Payload.(Tombstone); ok {
		return ErrPayloadRequired
	}

	return p.Payload.Validate()
}

// UpdateEntityParams represents parameters for updating a local entity.
type UpdateEntityParams struct {
	UserID   string
	EntityID string
	Payload  Metadata
	Priority int
}

// Validate validates the update entity parameters.
func (p *UpdateEntityParams) Validate() error {
	if p.EntityID == "" {
		return ErrEntityNotFound
	}

	create := CreateEntityParams{UserID: p.UserID, Payload: p.Payload}

	return create.Validate()
}
