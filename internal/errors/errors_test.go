package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemError_Unwrap_PreservesOriginalError(t *testing.T) {
	// Given: an original error
	originalErr := errors.New("original error")

	// When: wrapping with MemError
	memErr := New(ErrCodeFileNotFound, "records file not found", originalErr)

	// Then: unwrapping returns original error
	require.NotNil(t, memErr)
	assert.Equal(t, originalErr, errors.Unwrap(memErr))
	assert.True(t, errors.Is(memErr, originalErr))
}

func TestMemError_Error_ReturnsFormattedMessage(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		message  string
		expected string
	}{
		{
			name:     "config error",
			code:     ErrCodeConfigInvalid,
			message:  "invalid yaml syntax",
			expected: "[ERR_102_CONFIG_INVALID] invalid yaml syntax",
		},
		{
			name:     "file error",
			code:     ErrCodeFileNotFound,
			message:  "records.json not found",
			expected: "[ERR_201_FILE_NOT_FOUND] records.json not found",
		},
		{
			name:     "embedding error",
			code:     ErrCodeEmbeddingFailed,
			message:  "request timed out",
			expected: "[ERR_301_EMBEDDING_FAILED] request timed out",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, tt.message, nil)
			assert.Equal(t, tt.expected, err.Error())
		})
	}
}

func TestMemError_Is_MatchesByCode(t *testing.T) {
	// Given: two errors with same code
	err1 := New(ErrCodeFileNotFound, "file A not found", nil)
	err2 := New(ErrCodeFileNotFound, "file B not found", nil)

	// Then: they match by code
	assert.True(t, errors.Is(err1, err2))
}

func TestMemError_Is_DoesNotMatchDifferentCodes(t *testing.T) {
	// Given: two errors with different codes
	err1 := New(ErrCodeFileNotFound, "file not found", nil)
	err2 := New(ErrCodeConfigInvalid, "config invalid", nil)

	// Then: they don't match
	assert.False(t, errors.Is(err1, err2))
}

func TestMemError_WithDetails_AddsContext(t *testing.T) {
	// Given: a base error
	err := New(ErrCodeFileNotFound, "file not found", nil)

	// When: adding details
	err = err.WithDetail("path", "/data/records.json")
	err = err.WithDetail("size", "1024")

	// Then: details are available
	assert.Equal(t, "/data/records.json", err.Details["path"])
	assert.Equal(t, "1024", err.Details["size"])
}

func TestMemError_CategoryFromCode(t *testing.T) {
	tests := []struct {
		code         string
		wantCategory Category
	}{
		{ErrCodeConfigInvalid, CategoryConfig},
		{ErrCodeAPIKeyMissing, CategoryConfig},
		{ErrCodeFileNotFound, CategoryIO},
		{ErrCodeCorruptIndex, CategoryIO},
		{ErrCodeEmbeddingFailed, CategoryRemote},
		{ErrCodeChatFailed, CategoryRemote},
		{ErrCodeInvalidInput, CategoryValidation},
		{ErrCodeDimensionMismatch, CategoryValidation},
		{ErrCodeInternal, CategoryInternal},
		{ErrCodeRebuildFailed, CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "test message", nil)
			assert.Equal(t, tt.wantCategory, err.Category)
		})
	}
}

func TestMemError_SeverityFromCode(t *testing.T) {
	tests := []struct {
		code         string
		wantSeverity Severity
	}{
		{ErrCodeCorruptIndex, SeverityFatal},
		{ErrCodeIndexMismatch, SeverityFatal},
		{ErrCodeDimensionMismatch, SeverityFatal},
		{ErrCodeFileNotFound, SeverityError},
		{ErrCodeChatTruncated, SeverityWarning},
		{ErrCodeRebuildBusy, SeverityWarning},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "test message", nil)
			assert.Equal(t, tt.wantSeverity, err.Severity)
		})
	}
}

func TestMemError_RetryableFromCode(t *testing.T) {
	tests := []struct {
		code          string
		wantRetryable bool
	}{
		{ErrCodeEmbeddingFailed, true},
		{ErrCodeChatFailed, true},
		{ErrCodeFileNotFound, false},
		{ErrCodeConfigInvalid, false},
		{ErrCodeCorruptIndex, false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "test message", nil)
			assert.Equal(t, tt.wantRetryable, err.Retryable)
		})
	}
}

func TestWrap_CreatesMemErrorFromError(t *testing.T) {
	// Given: a standard error
	originalErr := errors.New("something went wrong")

	// When: wrapping with a code
	memErr := Wrap(ErrCodeInternal, originalErr)

	// Then: creates proper MemError
	require.NotNil(t, memErr)
	assert.Equal(t, ErrCodeInternal, memErr.Code)
	assert.Equal(t, "something went wrong", memErr.Message)
	assert.Equal(t, originalErr, memErr.Cause)
}

func TestEmbeddingError_CreatesRetryableError(t *testing.T) {
	err := EmbeddingError("connection refused", nil)

	assert.Equal(t, CategoryRemote, err.Category)
	assert.True(t, err.Retryable)
}

func TestValidationError_CreatesValidationCategoryError(t *testing.T) {
	err := ValidationError("query cannot be empty", nil)

	assert.Equal(t, CategoryValidation, err.Category)
}

func TestIsRetryable_ChecksRetryableFlag(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "retryable MemError",
			err:      New(ErrCodeEmbeddingFailed, "timeout", nil),
			expected: true,
		},
		{
			name:     "non-retryable MemError",
			err:      New(ErrCodeFileNotFound, "not found", nil),
			expected: false,
		},
		{
			name:     "wrapped retryable error",
			err:      Wrap(ErrCodeChatFailed, errors.New("wrapped")),
			expected: true,
		},
		{
			name:     "standard error",
			err:      errors.New("standard error"),
			expected: false,
		},
		{
			name:     "nil error",
			err:      nil,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsRetryable(tt.err))
		})
	}
}

func TestIsFatal_ChecksFatalSeverity(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "corrupt index",
			err:      New(ErrCodeCorruptIndex, "index corrupt", nil),
			expected: true,
		},
		{
			name:     "index metadata mismatch",
			err:      New(ErrCodeIndexMismatch, "5 vectors, 4 metadata entries", nil),
			expected: true,
		},
		{
			name:     "non-fatal error",
			err:      New(ErrCodeFileNotFound, "not found", nil),
			expected: false,
		},
		{
			name:     "standard error",
			err:      errors.New("standard error"),
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsFatal(tt.err))
		})
	}
}
