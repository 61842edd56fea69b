package einvoice

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("einvoice: not found")
	// ErrStateConflict is returned when the service refuses a state change
	// because the document already reached a terminal state. Callers treat
	// this as a soft success.
	ErrStateConflict = errors.New("einvoice: document already in terminal state")
	// ErrPollTimeout indicates the attempt budget ran out with no usable
	// response. The submission status is unknown and must be checked
	// manually.
	ErrPollTimeout = errors.New("einvoice: polling timed out, status unknown")
)

// ErrorType classifies tracking failures.
type ErrorType string

const (
	// ErrorValidation covers document-level rejections. Terminal for the
	// document, never retried.
	ErrorValidation ErrorType = "VALIDATION"
	// ErrorAPI covers transport and non-2xx failures. Retried at the
	// polling layer up to the attempt budget.
	ErrorAPI ErrorType = "API"
	// ErrorSystem covers programming or configuration failures. Fatal for
	// the current operation, no retry.
	ErrorSystem ErrorType = "SYSTEM"
	// ErrorTimeout covers attempt exhaustion with no usable last response.
	ErrorTimeout ErrorType = "TIMEOUT"
)

// TrackingError is the typed error attached to tracker notifications.
type TrackingError struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
}

func (e *TrackingError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// APIError is the typed failure raised by the validation API client for
// non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Code != "" {
		return fmt.Sprintf("einvoice api: status %d code %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("einvoice api: status %d: %s", e.StatusCode, e.Message)
}

// ClassifyError maps an arbitrary failure onto the tracking taxonomy.
func ClassifyError(err error) *TrackingError {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	switch {
	case errors.Is(err, ErrPollTimeout):
		return &TrackingError{Type: ErrorTimeout, Message: err.Error()}
	case errors.As(err, &apiErr):
		return &TrackingError{Type: ErrorAPI, Message: apiErr.Message, Details: apiErr.Code}
	default:
		return &TrackingError{Type: ErrorSystem, Message: err.Error()}
	}
}
