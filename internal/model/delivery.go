package model

import (
	"errors"
	"fmt"
)

// FailureClass is the contract boundary between a transport and the processor:
// every backend failure maps onto exactly one class.
type FailureClass string

const (
	FailureRetryable          FailureClass = "retryable"
	FailureNotFound           FailureClass = "not_found"
	FailureConflict           FailureClass = "conflict"
	FailureAuthExpired        FailureClass = "auth_expired"
	FailureValidationRejected FailureClass = "validation_rejected"
)

// DeliveryRequest is one remote call for one outbox event.
type DeliveryRequest struct {
	EventID     string
	EventType   EventType
	EntityID    string
	UserID      string
	IsNewRecord bool
	// ServerID addresses the remote entity for updates and deletes.
	ServerID string
	Metadata Metadata
	Token    string
}

// DeliveryResult is a successful delivery. ServerID is set for creates.
type DeliveryResult struct {
	ServerID string
}

// DeliveryError is a classified delivery failure.
type DeliveryError struct {
	Class      FailureClass
	StatusCode int
	Message    string
	// ServerID may accompany a conflict when the backend reports the existing record.
	ServerID string
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Class, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

// NewDeliveryError builds a classified failure.
func NewDeliveryError(class FailureClass, message string) *DeliveryError {
	return &DeliveryError{Class: class, Message: message}
}

// ClassifyError returns the failure class of err. Errors that carry no
// classification are treated as transient.
func ClassifyError(err error) FailureClass {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Class
	}

	return FailureRetryable
}
