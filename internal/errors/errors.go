package errors

import (
	"fmt"
)

// MemError is the structured error type for MemBank.
// It provides rich context for error handling, logging, and user presentation.
type MemError struct {
	// Code is the unique error code (e.g., "ERR_301_EMBEDDING_FAILED").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, IO, Remote, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *MemError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *MemError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with MemError.
func (e *MemError) Is(target error) bool {
	if t, ok := target.(*MemError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *MemError) WithDetail(key, value string) *MemError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new MemError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *MemError {
	return &MemError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a MemError from an existing error.
// The error's message becomes the MemError message.
func Wrap(code string, err error) *MemError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *MemError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// EmbeddingError creates an embedding API error. Retryable.
func EmbeddingError(message string, cause error) *MemError {
	return New(ErrCodeEmbeddingFailed, message, cause)
}

// ChatError creates a chat completion API error. Retryable.
func ChatError(message string, cause error) *MemError {
	return New(ErrCodeChatFailed, message, cause)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *MemError {
	return New(ErrCodeInvalidInput, message, cause)
}

// IndexError creates an index build/load error.
func IndexError(message string, cause error) *MemError {
	return New(ErrCodeIndexFailed, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *MemError {
	return New(ErrCodeInternal, message, cause)
}

// IsRetryable checks if an error is retryable.
// Returns true if the error is a MemError with the Retryable flag set.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if me, ok := err.(*MemError); ok {
		return me.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
// Fatal errors should abort the current operation.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if me, ok := err.(*MemError); ok {
		return me.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code from a MemError.
// Returns empty string if not a MemError.
func GetCode(err error) string {
	if me, ok := err.(*MemError); ok {
		return me.Code
	}
	return ""
}

// GetCategory extracts the category from a MemError.
// Returns empty string if not a MemError.
func GetCategory(err error) Category {
	if me, ok := err.(*MemError); ok {
		return me.Category
	}
	return ""
}
