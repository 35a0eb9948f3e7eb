package errors

import (
	"errors"
	"fmt"
)

// Error is the structured error type for amanrag.
// It carries enough context (code, stage, cause) to reproduce a failure from logs.
type Error struct {
	// Code is the unique error code (e.g., "ERR_302_INDEX_UNAVAILABLE").
	Code string

	// Message is the human-readable error message.
	Message string

	Category Category
	Severity Severity

	// Stage is the pipeline stage that raised the error, if any.
	Stage Stage

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil && e.Cause.Error() != e.Message {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches by code, so errors.Is(err, ErrIndexUnavailable) works for any
// IndexUnavailable regardless of message or cause.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithStage records the pipeline stage that produced the error.
func (e *Error) WithStage(stage Stage) *Error {
	e.Stage = stage
	return e
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidRequest       = &Error{Code: ErrCodeInvalidRequest}
	ErrEmbeddingUnavailable = &Error{Code: ErrCodeEmbeddingUnavailable}
	ErrIndexUnavailable     = &Error{Code: ErrCodeIndexUnavailable}
	ErrRetrievalUnavailable = &Error{Code: ErrCodeRetrievalUnavailable}
	ErrRerankFailed         = &Error{Code: ErrCodeRerankFailed}
)

// New creates a new Error with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates an Error from an existing error.
func Wrap(code string, err error) *Error {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// InvalidRequest creates a validation error for bad caller input.
func InvalidRequest(message string) *Error {
	return New(ErrCodeInvalidRequest, message, nil)
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *Error {
	return New(ErrCodeConfigInvalid, message, cause)
}

// EmbeddingUnavailable reports that the embedding provider could not produce a vector.
func EmbeddingUnavailable(cause error) *Error {
	return New(ErrCodeEmbeddingUnavailable, "embedding provider unavailable", cause).WithStage(StageEmbed)
}

// IndexUnavailable reports a vector or lexical backend failure.
func IndexUnavailable(stage Stage, cause error) *Error {
	return New(ErrCodeIndexUnavailable, fmt.Sprintf("%s index unavailable", stage), cause).WithStage(stage)
}

// RetrievalUnavailable reports that no ranked list could be produced.
func RetrievalUnavailable(cause error) *Error {
	return New(ErrCodeRetrievalUnavailable, "retrieval unavailable: no search method returned results", cause).WithStage(StageFanout)
}

// RerankFailed reports a reranking failure. Callers degrade to the fused ranking.
func RerankFailed(cause error) *Error {
	return New(ErrCodeRerankFailed, "reranking failed", cause).WithStage(StageRerank)
}

// IsCode reports whether any error in err's chain carries the given code.
func IsCode(err error, code string) bool {
	return errors.Is(err, &Error{Code: code})
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
func IsFatal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the outermost error code from err's chain.
// Returns empty string if no Error is present.
func GetCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// GetStage extracts the stage of the outermost Error in err's chain.
func GetStage(err error) Stage {
	var e *Error
	if errors.As(err, &e) {
		return e.Stage
	}
	return ""
}
