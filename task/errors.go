package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Class is the retry classification of a capability failure.
type Class int

const (
	// ClassTransient failures are retried with backoff.
	ClassTransient Class = iota
	// ClassFatal failures terminate the owning work item.
	ClassFatal
	// ClassCancelled marks attempts abandoned by session cancellation.
	ClassCancelled
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	case ClassCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error codes for capability failures. The classifier decides transient vs
// fatal by code, never by message text.
const (
	CodeRateLimited     = "RATE_LIMITED"
	CodeTimeout         = "TIMEOUT"
	CodeUnavailable     = "UNAVAILABLE"
	CodeInternal        = "INTERNAL"
	CodeValidation      = "VALIDATION_FAILED"
	CodeAuth            = "AUTH_FAILED"
	CodeMalformedSchema = "MALFORMED_SCHEMA"
	CodeInvalidRequest  = "INVALID_REQUEST"
)

// Error represents a failure reported by a capability or by the runtime.
type Error struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error, enabling errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new Error with the given code and message.
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Common errors.
var (
	ErrRateLimited = &Error{
		Code:    CodeRateLimited,
		Message: "capability quota exhausted",
	}

	ErrTimeout = &Error{
		Code:    CodeTimeout,
		Message: "capability call timed out",
	}

	ErrUnavailable = &Error{
		Code:    CodeUnavailable,
		Message: "capability temporarily unavailable",
	}

	ErrValidation = &Error{
		Code:    CodeValidation,
		Message: "capability input failed validation",
	}

	ErrAuth = &Error{
		Code:    CodeAuth,
		Message: "capability authentication failed",
	}

	ErrMalformedSchema = &Error{
		Code:    CodeMalformedSchema,
		Message: "capability output violated its schema",
	}
)

// classTable is the explicit error-class table. Codes absent from the table
// classify as fatal so unknown failures never retry unbounded.
var classTable = map[string]Class{
	CodeRateLimited:     ClassTransient,
	CodeTimeout:         ClassTransient,
	CodeUnavailable:     ClassTransient,
	CodeInternal:        ClassTransient,
	CodeValidation:      ClassFatal,
	CodeAuth:            ClassFatal,
	CodeMalformedSchema: ClassFatal,
	CodeInvalidRequest:  ClassFatal,
}

// ClassifyError decides whether a capability failure is retryable. Coded
// errors are classified by the table. Foreign errors fall back to the
// substring heuristics the external services are known to emit, then default
// to fatal.
func ClassifyError(err error) Class {
	if err == nil {
		return ClassFatal
	}
	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	var coded *Error
	if errors.As(err, &coded) {
		if class, ok := classTable[coded.Code]; ok {
			return class
		}
		return ClassFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	low := strings.ToLower(err.Error())
	for _, marker := range []string{"resource_exhausted", "quota", "429", "rate-limit", "unavailable", "timeout", "internal"} {
		if strings.Contains(low, marker) {
			return ClassTransient
		}
	}
	return ClassFatal
}

// IsQuotaError reports whether the failure is rate-limit class, which uses
// the slower quota backoff schedule instead of the base retry delay.
func IsQuotaError(err error) bool {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code == CodeRateLimited
	}
	if err == nil {
		return false
	}
	low := strings.ToLower(err.Error())
	for _, marker := range []string{"resource_exhausted", "quota", "429", "rate-limit"} {
		if strings.Contains(low, marker) {
			return true
		}
	}
	return false
}
