package errors

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Reporter collects non-fatal errors raised outside the request path, such as
// a history write that failed or a sink that could not discard partial output.
type Reporter interface {
	// ReportError records a non-fatal error
	ReportError(err error)

	// ReportPanic records a recovered panic and returns it as an error
	ReportPanic(recovered interface{}, stack []byte) error

	// Errors returns the retained reports, oldest first
	Errors() []ReportedError
}

// ReportedError is one retained report.
type ReportedError struct {
	Error     error
	Type      ErrorType
	Operation string
	JobID     string
	IsPanic   bool
	Stack     string
	Timestamp time.Time
}

// LogReporter logs every report and keeps the most recent ones in memory.
type LogReporter struct {
	logger    hclog.Logger
	mu        sync.RWMutex
	errors    []ReportedError
	maxErrors int
}

// NewReporter creates a reporter that retains up to maxErrors reports.
func NewReporter(logger hclog.Logger, maxErrors int) *LogReporter {
	if maxErrors <= 0 {
		maxErrors = 100
	}
	return &LogReporter{
		logger:    logger.Named("error-reporter"),
		maxErrors: maxErrors,
	}
}

// ReportError implements Reporter.
func (r *LogReporter) ReportError(err error) {
	if err == nil {
		return
	}

	entry := ReportedError{
		Error:     err,
		Type:      GetType(err),
		Operation: GetOperation(err),
		JobID:     GetJobID(err),
		Timestamp: time.Now(),
	}
	r.logger.Warn("background operation error",
		"error", err,
		"type", entry.Type,
		"operation", entry.Operation,
		"job_id", entry.JobID,
	)
	r.add(entry)
}

// ReportPanic implements Reporter.
func (r *LogReporter) ReportPanic(recovered interface{}, stack []byte) error {
	var err error
	switch v := recovered.(type) {
	case error:
		err = fmt.Errorf("panic: %w", v)
	default:
		err = fmt.Errorf("panic: %v", v)
	}

	r.logger.Error("panic in background operation", "panic", recovered, "stack", string(stack))
	r.add(ReportedError{
		Error:     err,
		Type:      ErrorTypeInternal,
		Operation: "panic",
		IsPanic:   true,
		Stack:     string(stack),
		Timestamp: time.Now(),
	})
	return err
}

// Errors implements Reporter.
func (r *LogReporter) Errors() []ReportedError {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]ReportedError, len(r.errors))
	copy(result, r.errors)
	return result
}

func (r *LogReporter) add(entry ReportedError) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.errors) >= r.maxErrors {
		r.errors = r.errors[1:]
	}
	r.errors = append(r.errors, entry)
}
