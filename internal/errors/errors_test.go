package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnifiedError_Creation(t *testing.T) {
	tests := []struct {
		name     string
		builder  func() *UnifiedError
		expected *UnifiedError
	}{
		{
			name: "validation error",
			builder: func() *UnifiedError {
				return Validation("INVALID_INPUT", "Input validation failed").
					WithDetails("Field 'name' is required").
					Build()
			},
			expected: &UnifiedError{
				Type:      ErrorTypeValidation,
				Code:      "INVALID_INPUT",
				Message:   "Input validation failed",
				Details:   "Field 'name' is required",
				Severity:  SeverityLow,
				Retryable: false,
			},
		},
		{
			name: "not found error",
			builder: func() *UnifiedError {
				return NotFound("RESOURCE_NOT_FOUND", "Resource not found").
					WithResource("entity").
					Build()
			},
			expected: &UnifiedError{
				Type:      ErrorTypeNotFound,
				Code:      "RESOURCE_NOT_FOUND",
				Message:   "Resource not found",
				Resource:  "entity",
				Severity:  SeverityLow,
				Retryable: false,
			},
		},
		{
			name: "retryable error",
			builder: func() *UnifiedError {
				return Timeout("OPERATION_TIMEOUT", "Operation timed out").
					WithRetryAfter(5 * time.Second).
					Build()
			},
			expected: &UnifiedError{
				Type:       ErrorTypeTimeout,
				Code:       "OPERATION_TIMEOUT",
				Message:    "Operation timed out",
				Severity:   SeverityMedium,
				Retryable:  true,
				RetryAfter: 5 * time.Second,
			},
		},
		{
			name: "tenant scoped error",
			builder: func() *UnifiedError {
				return Forbidden(CodeCrossTenant, "entity belongs to another tenant").
					WithTenant("t-1").
					Build()
			},
			expected: &UnifiedError{
				Type:      ErrorTypeForbidden,
				Code:      CodeCrossTenant,
				Message:   "entity belongs to another tenant",
				TenantID:  "t-1",
				Severity:  SeverityMedium,
				Retryable: false,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.builder()

			assert.Equal(t, tt.expected.Type, err.Type)
			assert.Equal(t, tt.expected.Code, err.Code)
			assert.Equal(t, tt.expected.Message, err.Message)
			assert.Equal(t, tt.expected.Details, err.Details)
			assert.Equal(t, tt.expected.Resource, err.Resource)
			assert.Equal(t, tt.expected.TenantID, err.TenantID)
			assert.Equal(t, tt.expected.Severity, err.Severity)
			assert.Equal(t, tt.expected.Retryable, err.Retryable)
			assert.Equal(t, tt.expected.RetryAfter, err.RetryAfter)
		})
	}
}

func TestUnifiedError_ErrorInterface(t *testing.T) {
	err := Validation("TEST_CODE", "Test message").
		WithDetails("Additional details").
		Build()

	expected := "[VALIDATION:TEST_CODE] Test message: Additional details"
	assert.Equal(t, expected, err.Error())

	err2 := NotFound("NOT_FOUND", "Item not found").Build()
	expected2 := "[NOT_FOUND:NOT_FOUND] Item not found"
	assert.Equal(t, expected2, err2.Error())
}

func TestUnifiedError_Unwrap(t *testing.T) {
	originalErr := errors.New("original error")
	err := Internal("INTERNAL", "Wrapped error").
		WithCause(originalErr).
		Build()

	assert.Equal(t, originalErr, err.Unwrap())
	assert.True(t, errors.Is(err, originalErr))
}

func TestOptimisticLock(t *testing.T) {
	err := OptimisticLock(3, 4)

	require.True(t, IsConflict(err))
	assert.Equal(t, CodeOptimisticLock, err.Code)
	assert.True(t, IsRetryable(err))

	lockErr, ok := AsOptimisticLock(err)
	require.True(t, ok)
	assert.Equal(t, 3, lockErr.Expected)
	assert.Equal(t, 4, lockErr.Actual)

	// Detection must survive wrapping.
	wrapped := Wrap(err, "SaveAggregate", "save failed")
	assert.True(t, IsOptimisticLock(wrapped))
	assert.False(t, IsOptimisticLock(errors.New("plain")))
}

func TestCircuitOpen(t *testing.T) {
	err := CircuitOpen(42 * time.Second)

	assert.True(t, IsCircuitOpen(err))
	assert.True(t, IsType(err, ErrorTypeUnavailable))
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 42*time.Second, GetRetryAfter(err))

	assert.False(t, IsCircuitOpen(Internal("X", "y").Build()))
}

func TestWrap_PreservesType(t *testing.T) {
	inner := NotFound("ENTITY_NOT_FOUND", "entity e1 not found").
		WithTenant("t-9").
		Build()

	wrapped := Wrap(inner, "MergeEntities", "merge validation failed")

	assert.Equal(t, ErrorTypeNotFound, wrapped.Type)
	assert.Equal(t, "ENTITY_NOT_FOUND", wrapped.Code)
	assert.Equal(t, "merge validation failed", wrapped.Message)
	assert.Equal(t, "entity e1 not found", wrapped.Details)
	assert.Equal(t, "MergeEntities", wrapped.Operation)
	assert.Equal(t, "t-9", wrapped.TenantID)
	assert.True(t, IsNotFound(wrapped))
}

func TestWrap_PlainError(t *testing.T) {
	plain := fmt.Errorf("dial tcp: connection refused")
	wrapped := Wrap(plain, "Poll", "outbox poll failed")

	assert.Equal(t, ErrorTypeInternal, wrapped.Type)
	assert.Equal(t, "WRAP_ERROR", wrapped.Code)
	assert.True(t, errors.Is(wrapped, plain))

	assert.Nil(t, Wrap(nil, "op", "msg"))
}

func TestTypeChecks(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		checkFn func(error) bool
		want    bool
	}{
		{"validation", Validation("C", "m").Build(), IsValidation, true},
		{"not found", NotFound("C", "m").Build(), IsNotFound, true},
		{"conflict", Conflict("C", "m").Build(), IsConflict, true},
		{"internal", Internal("C", "m").Build(), IsInternal, true},
		{"timeout", Timeout("C", "m").Build(), IsTimeout, true},
		{"connection", Connection("C", "m").Build(), IsConnection, true},
		{"plain error", errors.New("x"), IsValidation, false},
		{"nil", nil, IsNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.checkFn(tt.err))
		})
	}
}

func TestGetSeverity_Default(t *testing.T) {
	assert.Equal(t, SeverityMedium, GetSeverity(errors.New("plain")))
	assert.Equal(t, SeverityHigh, GetSeverity(Internal("C", "m").Build()))
}
