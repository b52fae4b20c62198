// Package errors provides structured error handling for the transcoding module.
// It defines the error taxonomy shared by the strategy, controller and
// collaborator packages, and helpers to classify errors across wrapping.
package errors

import (
	"errors"
	"fmt"
)

// ErrorType classifies where an error originated.
type ErrorType string

const (
	// ErrorTypeConfiguration indicates malformed strategy parameters
	ErrorTypeConfiguration ErrorType = "configuration"
	// ErrorTypeRequest indicates a malformed transcode request
	ErrorTypeRequest ErrorType = "request"
	// ErrorTypeState indicates the controller cannot accept the operation right now
	ErrorTypeState ErrorType = "state"
	// ErrorTypeSource indicates an input could not be opened or probed
	ErrorTypeSource ErrorType = "source"
	// ErrorTypeEngine indicates the media engine failed
	ErrorTypeEngine ErrorType = "engine"
	// ErrorTypeSink indicates the output destination failed
	ErrorTypeSink ErrorType = "sink"
	// ErrorTypeInternal indicates internal system errors
	ErrorTypeInternal ErrorType = "internal"
)

// Sentinel errors
var (
	// ErrInvalidConfiguration is returned when a resizer or strategy is built with bad parameters
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrInvalidRequest is returned synchronously by Submit for malformed requests
	ErrInvalidRequest = errors.New("invalid request")

	// ErrJobInProgress is returned by Submit while another job holds the running slot
	ErrJobInProgress = errors.New("job in progress")

	// ErrSourceUnreadable indicates an input could not be opened or probed
	ErrSourceUnreadable = errors.New("source unreadable")

	// ErrEngineFailed indicates the media engine reported an error
	ErrEngineFailed = errors.New("engine failed")

	// ErrSinkFailed indicates the output sink could not be opened, written or finalized
	ErrSinkFailed = errors.New("sink failed")

	// ErrCanceled indicates a job was canceled. It is a terminal outcome, not a failure.
	ErrCanceled = errors.New("canceled")

	// ErrJobNotFound indicates a job ID is unknown
	ErrJobNotFound = errors.New("job not found")
)

// TranscodingError carries an error with its classification and context.
type TranscodingError struct {
	Type    ErrorType              // Error classification
	Op      string                 // Operation that failed (e.g. "submit", "probe")
	JobID   string                 // Related job, if any
	Err     error                  // Underlying error
	Details map[string]interface{} // Additional context
}

// Error implements the error interface
func (e *TranscodingError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("%s error in %s for job %s: %v", e.Type, e.Op, e.JobID, e.Err)
	}
	return fmt.Sprintf("%s error in %s: %v", e.Type, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *TranscodingError) Unwrap() error {
	return e.Err
}

// Is reports whether the underlying error matches target.
func (e *TranscodingError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// New creates a new TranscodingError
func New(errType ErrorType, op string, err error) *TranscodingError {
	return &TranscodingError{
		Type:    errType,
		Op:      op,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// WithJob adds job context to the error
func (e *TranscodingError) WithJob(jobID string) *TranscodingError {
	e.JobID = jobID
	return e
}

// WithDetail adds a key-value detail to the error
func (e *TranscodingError) WithDetail(key string, value interface{}) *TranscodingError {
	e.Details[key] = value
	return e
}

// IsSynchronous reports whether the error is one that Submit returns directly
// instead of delivering through the listener.
func (e *TranscodingError) IsSynchronous() bool {
	return e.Type == ErrorTypeConfiguration || e.Type == ErrorTypeRequest || e.Type == ErrorTypeState
}

// ConfigurationError creates an InvalidConfiguration error with a reason.
func ConfigurationError(op, format string, args ...interface{}) *TranscodingError {
	return New(ErrorTypeConfiguration, op, fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...)))
}

// RequestError creates an InvalidRequest error for a request field.
func RequestError(op, field, message string) *TranscodingError {
	return New(ErrorTypeRequest, op, fmt.Errorf("%w: %s: %s", ErrInvalidRequest, field, message)).
		WithDetail("field", field)
}

// StateError creates a JobInProgress error.
func StateError(op, activeJobID string) *TranscodingError {
	return New(ErrorTypeState, op, ErrJobInProgress).WithDetail("active_job", activeJobID)
}

// SourceError creates a SourceUnreadable error for an input.
func SourceError(op, source string, err error) *TranscodingError {
	return New(ErrorTypeSource, op, fmt.Errorf("%w: %s: %v", ErrSourceUnreadable, source, err)).
		WithDetail("source", source)
}

// EngineError creates an engine failure error.
func EngineError(op string, err error) *TranscodingError {
	return New(ErrorTypeEngine, op, fmt.Errorf("%w: %w", ErrEngineFailed, err))
}

// SinkError creates a sink failure error.
func SinkError(op, destination string, err error) *TranscodingError {
	return New(ErrorTypeSink, op, fmt.Errorf("%w: %w", ErrSinkFailed, err)).
		WithDetail("destination", destination)
}

// InternalError creates an internal system error
func InternalError(op string, err error) *TranscodingError {
	return New(ErrorTypeInternal, op, err)
}

// Wrap wraps an error with operation context if it's not already a TranscodingError
func Wrap(err error, errType ErrorType, op string) error {
	if err == nil {
		return nil
	}

	var tErr *TranscodingError
	if errors.As(err, &tErr) {
		return err
	}

	return New(errType, op, err)
}

// GetType extracts the error type from an error
func GetType(err error) ErrorType {
	var tErr *TranscodingError
	if errors.As(err, &tErr) {
		return tErr.Type
	}
	return ErrorTypeInternal
}

// GetOperation extracts the operation from an error
func GetOperation(err error) string {
	var tErr *TranscodingError
	if errors.As(err, &tErr) {
		return tErr.Op
	}
	return "unknown"
}

// GetJobID extracts the job ID from an error
func GetJobID(err error) string {
	var tErr *TranscodingError
	if errors.As(err, &tErr) {
		return tErr.JobID
	}
	return ""
}

// GetDetails extracts error details
func GetDetails(err error) map[string]interface{} {
	var tErr *TranscodingError
	if errors.As(err, &tErr) {
		return tErr.Details
	}
	return nil
}
