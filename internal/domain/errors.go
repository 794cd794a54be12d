package domain

import (
	"errors"
	"fmt"
	"time"
)

// Pipeline error taxonomy. Stages wrap these with fmt.Errorf("...: %w") and
// callers test with errors.Is.
var (
	ErrNotFound            = errors.New("not found")
	ErrStorageFailure      = errors.New("storage failure")
	ErrUnmappableCode      = errors.New("unmappable code")
	ErrTransientDependency = errors.New("transient dependency failure")
	ErrInvariantViolation  = errors.New("invariant violation")
	ErrInvalidDocument     = errors.New("invalid document")
)

// IsTerminal reports whether err must not be retried. Terminal failures are
// parked for manual inspection.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrUnmappableCode) ||
		errors.Is(err, ErrInvalidDocument) ||
		errors.Is(err, ErrInvariantViolation)
}

// IsTransient reports whether err may succeed on retry with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientDependency)
}

// UnmappableCodeError is returned when a coded value has no entry in the
// active mapping table. It requires a mapping table update.
type UnmappableCodeError struct {
	SchemaVersion string
	Field         string
	System        string
	Code          string
}

func (e *UnmappableCodeError) Error() string {
	return fmt.Sprintf("unmappable %s code %s|%s in mapping version %q", e.Field, e.System, e.Code, e.SchemaVersion)
}

func (e *UnmappableCodeError) Unwrap() error {
	return ErrUnmappableCode
}

// InvariantViolationError describes a state the pipeline refuses to resolve
// automatically, such as a report already linked to a different case.
type InvariantViolationError struct {
	ReportID string
	CaseIDs  []string
	Message  string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation for report %s (cases %v): %s", e.ReportID, e.CaseIDs, e.Message)
}

func (e *InvariantViolationError) Unwrap() error {
	return ErrInvariantViolation
}

// APIError represents a standardized error response body
type APIError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes returned at the HTTP boundary
const (
	CodeInvalidInput   = "INVALID_INPUT"
	CodeNotFound       = "NOT_FOUND"
	CodeStorageFailure = "STORAGE_FAILURE"
	CodeUnavailable    = "SERVICE_UNAVAILABLE"
	CodeInternalServer = "INTERNAL_SERVER_ERROR"
)

// ValidationError represents input validation errors
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// NewAPIError creates a new APIError with timestamp
func NewAPIError(code, message, details, requestID string) *APIError {
	return &APIError{
		Code:      code,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
	}
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}
