// Package errors provides the standardized error type used throughout the
// log-analysis engine. Every error kind the core can produce (spec.md §7)
// is represented as a Kind constant; no exported function panics, and
// programmer-error assertions surface as a Kind of InternalInvariant with
// critical severity rather than a runtime panic.
package errors

import (
	"fmt"
	"runtime"
	"time"
)

// Kind enumerates the error kinds the core can produce. These map directly
// to spec.md §7's error-kind list plus one kind for invariant violations
// that should never occur but must not panic if they do.
type Kind string

const (
	KindMalformedJSON         Kind = "malformed_json"
	KindTimestampUnparseable  Kind = "timestamp_unparseable"
	KindLineTooLong           Kind = "line_too_long"
	KindMultilineUnterminated Kind = "multiline_unterminated"
	KindClusterCapReached     Kind = "cluster_cap_reached"
	KindCancelled             Kind = "cancelled"
	KindIOError               Kind = "io_error"
	KindInternalInvariant     Kind = "internal_invariant_violation"
)

// Severity mirrors the teacher's severity ladder and is recorded on every
// AppError; fail_fast does not consult it (any line-level error trips it).
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// AppError is the engine's single error type. It carries enough context
// (component, operation, line/source identity) to build an
// errors.samples[] entry (spec.md §6/§7) without any string parsing.
type AppError struct {
	Kind       Kind                   `json:"kind"`
	Message    string                 `json:"message"`
	Component  string                 `json:"component"`
	Operation  string                 `json:"operation"`
	SourceID   string                 `json:"source_id,omitempty"`
	LineNumber int64                  `json:"line_number,omitempty"`
	Cause      error                  `json:"-"`
	StackTrace string                 `json:"-"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Severity   Severity               `json:"severity"`
}

// New creates a new AppError of the given kind.
func New(kind Kind, component, operation, message string) *AppError {
	_, file, line, _ := runtime.Caller(1)
	return &AppError{
		Kind:       kind,
		Message:    message,
		Component:  component,
		Operation:  operation,
		StackTrace: fmt.Sprintf("%s:%d", file, line),
		Timestamp:  time.Now().UTC(),
		Severity:   SeverityMedium,
	}
}

// NewCritical creates a critical AppError (used for invariant violations).
func NewCritical(kind Kind, component, operation, message string) *AppError {
	err := New(kind, component, operation, message)
	err.Severity = SeverityCritical
	return err
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %s: %v", e.Component, e.Operation, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Kind, e.Message)
}

func (e *AppError) Unwrap() error { return e.Cause }

// Wrap attaches a cause and returns the receiver for chaining.
func (e *AppError) Wrap(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithLine attaches line identity, used when building errors.samples[] entries.
func (e *AppError) WithLine(sourceID string, lineNumber int64) *AppError {
	e.SourceID = sourceID
	e.LineNumber = lineNumber
	return e
}

// WithMetadata attaches a metadata key/value pair.
func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

func (e *AppError) IsCritical() bool { return e.Severity == SeverityCritical }

// Sample is the bounded, serializable form of an AppError used in the
// output document's errors.samples[] (spec.md §6), supplemented with a
// truncated detail string (SPEC_FULL.md §3).
type Sample struct {
	LineNumber int64  `json:"line_number"`
	SourceID   string `json:"source_id"`
	Kind       Kind   `json:"kind"`
	Detail     string `json:"detail,omitempty"`
}

const maxDetailBytes = 200

// ToSample converts the error into its bounded output representation.
func (e *AppError) ToSample() Sample {
	detail := e.Message
	if e.Cause != nil {
		detail = fmt.Sprintf("%s: %v", detail, e.Cause)
	}
	if len(detail) > maxDetailBytes {
		detail = detail[:maxDetailBytes]
	}
	return Sample{
		LineNumber: e.LineNumber,
		SourceID:   e.SourceID,
		Kind:       e.Kind,
		Detail:     detail,
	}
}

// AsAppError unwraps err into an *AppError if possible.
func AsAppError(err error) (*AppError, bool) {
	appErr, ok := err.(*AppError)
	return appErr, ok
}
