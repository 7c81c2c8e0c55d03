// Package errors provides the unified error system used across all layers.
// Every failure surfaced by a store, provider, or service is classified into
// one of the kinds below so callers can branch on kind instead of string
// matching.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorType defines the category of error for proper handling and response.
type ErrorType string

const (
	// Business logic errors
	ErrorTypeValidation ErrorType = "VALIDATION"
	ErrorTypeNotFound   ErrorType = "NOT_FOUND"
	ErrorTypeConflict   ErrorType = "CONFLICT"
	ErrorTypeForbidden  ErrorType = "FORBIDDEN"

	// Infrastructure errors
	ErrorTypeInternal   ErrorType = "INTERNAL"
	ErrorTypeTimeout    ErrorType = "TIMEOUT"
	ErrorTypeConnection ErrorType = "CONNECTION"
	ErrorTypeRateLimit  ErrorType = "RATE_LIMIT"

	// External service errors
	ErrorTypeExternal    ErrorType = "EXTERNAL"
	ErrorTypeUnavailable ErrorType = "UNAVAILABLE"
)

// Well-known error codes shared between the stores and their callers.
const (
	CodeOptimisticLock   = "OPTIMISTIC_LOCK"
	CodeDuplicateEvent   = "DUPLICATE_EVENT"
	CodeUnknownEventType = "UNKNOWN_EVENT_TYPE"
	CodeAggregateMissing = "AGGREGATE_NOT_FOUND"
	CodeCircuitOpen      = "CIRCUIT_OPEN"
	CodeTenantMissing    = "TENANT_CONTEXT_MISSING"
	CodeAliasChain       = "ALIAS_CHAIN"
	CodeCrossTenant      = "CROSS_TENANT"
)

// ErrorSeverity defines the severity level for logging and monitoring.
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "LOW"
	SeverityMedium   ErrorSeverity = "MEDIUM"
	SeverityHigh     ErrorSeverity = "HIGH"
	SeverityCritical ErrorSeverity = "CRITICAL"
)

// UnifiedError is the single error type used throughout the backend.
type UnifiedError struct {
	Type    ErrorType `json:"type"`
	Code    string    `json:"code"`    // Specific error code for programmatic handling
	Message string    `json:"message"` // Human-readable message
	Details string    `json:"details"` // Additional context information

	// Error context
	Operation string `json:"operation"` // The operation that failed
	Resource  string `json:"resource"`  // The resource being operated on
	TenantID  string `json:"tenantId"`  // Tenant context (if applicable)
	ActorID   string `json:"actorId"`   // Acting user or worker (if applicable)

	// Error metadata
	Severity   ErrorSeverity `json:"severity"`
	Retryable  bool          `json:"retryable"`            // Whether the operation can be retried
	RetryAfter time.Duration `json:"retryAfter,omitempty"` // How long to wait before retry
	Cause      error         `json:"-"`                    // Underlying cause (not serialized)

	// Stack trace information (for debugging)
	StackTrace []string `json:"stackTrace,omitempty"`
	File       string   `json:"file,omitempty"`
	Line       int      `json:"line,omitempty"`
}

// Error implements the error interface.
func (e *UnifiedError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s:%s] %s: %s", e.Type, e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message)
}

// Unwrap allows errors.Is and errors.As to work with the underlying cause.
func (e *UnifiedError) Unwrap() error {
	return e.Cause
}

// String provides a detailed string representation for logging.
func (e *UnifiedError) String() string {
	var builder strings.Builder

	builder.WriteString(fmt.Sprintf("Error: %s\n", e.Error()))

	if e.Operation != "" {
		builder.WriteString(fmt.Sprintf("Operation: %s\n", e.Operation))
	}
	if e.Resource != "" {
		builder.WriteString(fmt.Sprintf("Resource: %s\n", e.Resource))
	}
	if e.TenantID != "" {
		builder.WriteString(fmt.Sprintf("TenantID: %s\n", e.TenantID))
	}

	builder.WriteString(fmt.Sprintf("Severity: %s\n", e.Severity))
	builder.WriteString(fmt.Sprintf("Retryable: %t\n", e.Retryable))

	if e.Cause != nil {
		builder.WriteString(fmt.Sprintf("Cause: %v\n", e.Cause))
	}
	if e.File != "" && e.Line > 0 {
		builder.WriteString(fmt.Sprintf("Location: %s:%d\n", e.File, e.Line))
	}

	return builder.String()
}

// ErrorBuilder provides a fluent interface for constructing UnifiedError instances.
type ErrorBuilder struct {
	error *UnifiedError
}

// NewError creates a new error builder with the specified type and message.
func NewError(errType ErrorType, code, message string) *ErrorBuilder {
	_, file, line, _ := runtime.Caller(1)

	return &ErrorBuilder{
		error: &UnifiedError{
			Type:       errType,
			Code:       code,
			Message:    message,
			Severity:   SeverityMedium,
			Retryable:  false,
			File:       file,
			Line:       line,
			StackTrace: captureStackTrace(),
		},
	}
}

// WithDetails adds additional details to the error.
func (b *ErrorBuilder) WithDetails(details string) *ErrorBuilder {
	b.error.Details = details
	return b
}

// WithOperation specifies the operation that failed.
func (b *ErrorBuilder) WithOperation(operation string) *ErrorBuilder {
	b.error.Operation = operation
	return b
}

// WithResource specifies the resource being operated on.
func (b *ErrorBuilder) WithResource(resource string) *ErrorBuilder {
	b.error.Resource = resource
	return b
}

// WithTenant adds tenant context to the error.
func (b *ErrorBuilder) WithTenant(tenantID string) *ErrorBuilder {
	b.error.TenantID = tenantID
	return b
}

// WithActor adds the acting user or worker to the error.
func (b *ErrorBuilder) WithActor(actorID string) *ErrorBuilder {
	b.error.ActorID = actorID
	return b
}

// WithSeverity sets the error severity.
func (b *ErrorBuilder) WithSeverity(severity ErrorSeverity) *ErrorBuilder {
	b.error.Severity = severity
	return b
}

// WithRetryable marks the error as retryable.
func (b *ErrorBuilder) WithRetryable(retryable bool) *ErrorBuilder {
	b.error.Retryable = retryable
	return b
}

// WithCause adds the underlying cause error.
func (b *ErrorBuilder) WithCause(cause error) *ErrorBuilder {
	b.error.Cause = cause
	return b
}

// WithRetryAfter sets how long to wait before retrying.
func (b *ErrorBuilder) WithRetryAfter(duration time.Duration) *ErrorBuilder {
	b.error.RetryAfter = duration
	b.error.Retryable = true
	return b
}

// Build returns the constructed UnifiedError.
func (b *ErrorBuilder) Build() *UnifiedError {
	return b.error
}

// ============================================================================
// CONVENIENCE CONSTRUCTORS
// ============================================================================

// Validation creates a validation error.
func Validation(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeValidation, code, message).
		WithSeverity(SeverityLow).
		WithRetryable(false)
}

// NotFound creates a not found error.
func NotFound(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeNotFound, code, message).
		WithSeverity(SeverityLow).
		WithRetryable(false)
}

// Conflict creates a conflict error.
func Conflict(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeConflict, code, message).
		WithSeverity(SeverityMedium).
		WithRetryable(true)
}

// Forbidden creates a forbidden error.
func Forbidden(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeForbidden, code, message).
		WithSeverity(SeverityMedium).
		WithRetryable(false)
}

// Internal creates an internal error.
func Internal(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeInternal, code, message).
		WithSeverity(SeverityHigh).
		WithRetryable(false)
}

// Timeout creates a timeout error.
func Timeout(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeTimeout, code, message).
		WithSeverity(SeverityMedium).
		WithRetryable(true)
}

// Connection creates a connection error.
func Connection(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeConnection, code, message).
		WithSeverity(SeverityHigh).
		WithRetryable(true)
}

// RateLimit creates a rate-limit error.
func RateLimit(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeRateLimit, code, message).
		WithSeverity(SeverityMedium).
		WithRetryable(true)
}

// External creates an external service error.
func External(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeExternal, code, message).
		WithSeverity(SeverityMedium).
		WithRetryable(true)
}

// Unavailable creates an unavailable error.
func Unavailable(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeUnavailable, code, message).
		WithSeverity(SeverityMedium).
		WithRetryable(true)
}

// ============================================================================
// DOMAIN-SPECIFIC ERRORS
// ============================================================================

// OptimisticLockError reports a version conflict on an event stream append.
type OptimisticLockError struct {
	Expected int
	Actual   int
}

func (e *OptimisticLockError) Error() string {
	return fmt.Sprintf("optimistic lock: expected version %d, actual %d", e.Expected, e.Actual)
}

// OptimisticLock builds the CONFLICT error carrying an OptimisticLockError cause.
// Callers must reload the aggregate before retrying.
func OptimisticLock(expected, actual int) *UnifiedError {
	cause := &OptimisticLockError{Expected: expected, Actual: actual}
	return Conflict(CodeOptimisticLock, "event stream version conflict").
		WithDetails(cause.Error()).
		WithCause(cause).
		Build()
}

// AsOptimisticLock extracts the version conflict detail, if present.
func AsOptimisticLock(err error) (*OptimisticLockError, bool) {
	var lockErr *OptimisticLockError
	if errors.As(err, &lockErr) {
		return lockErr, true
	}
	return nil, false
}

// IsOptimisticLock checks if an error is a stream version conflict.
func IsOptimisticLock(err error) bool {
	_, ok := AsOptimisticLock(err)
	return ok
}

// CircuitOpen builds the UNAVAILABLE error returned while a breaker rejects calls.
func CircuitOpen(retryAfter time.Duration) *UnifiedError {
	return Unavailable(CodeCircuitOpen, "circuit breaker is open").
		WithRetryAfter(retryAfter).
		Build()
}

// IsCircuitOpen checks if an error is a breaker rejection.
func IsCircuitOpen(err error) bool {
	var unifiedErr *UnifiedError
	if errors.As(err, &unifiedErr) {
		return unifiedErr.Code == CodeCircuitOpen
	}
	return false
}

// ============================================================================
// ERROR CLASSIFICATION AND CHECKING
// ============================================================================

// IsType checks if an error is of a specific type.
func IsType(err error, errType ErrorType) bool {
	var unifiedErr *UnifiedError
	if errors.As(err, &unifiedErr) {
		return unifiedErr.Type == errType
	}
	return false
}

// IsValidation checks if an error is a validation error.
func IsValidation(err error) bool {
	return IsType(err, ErrorTypeValidation)
}

// IsNotFound checks if an error is a not found error.
func IsNotFound(err error) bool {
	return IsType(err, ErrorTypeNotFound)
}

// IsConflict checks if an error is a conflict error.
func IsConflict(err error) bool {
	return IsType(err, ErrorTypeConflict)
}

// IsInternal checks if an error is an internal error.
func IsInternal(err error) bool {
	return IsType(err, ErrorTypeInternal)
}

// IsTimeout checks if an error is a timeout error.
func IsTimeout(err error) bool {
	return IsType(err, ErrorTypeTimeout)
}

// IsConnection checks if an error is a connection error.
func IsConnection(err error) bool {
	return IsType(err, ErrorTypeConnection)
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var unifiedErr *UnifiedError
	if errors.As(err, &unifiedErr) {
		return unifiedErr.Retryable
	}
	return false
}

// GetRetryAfter returns the suggested wait before retrying, or zero.
func GetRetryAfter(err error) time.Duration {
	var unifiedErr *UnifiedError
	if errors.As(err, &unifiedErr) {
		return unifiedErr.RetryAfter
	}
	return 0
}

// GetSeverity returns the severity of an error.
func GetSeverity(err error) ErrorSeverity {
	var unifiedErr *UnifiedError
	if errors.As(err, &unifiedErr) {
		return unifiedErr.Severity
	}
	return SeverityMedium
}

// ============================================================================
// ERROR WRAPPING AND CONTEXT PRESERVATION
// ============================================================================

// Wrap wraps an existing error with additional context while preserving the
// original error chain. A wrapped UnifiedError keeps its type, code, severity
// and retryability; anything else becomes INTERNAL.
func Wrap(err error, operation, message string) *UnifiedError {
	if err == nil {
		return nil
	}

	var existingErr *UnifiedError
	if errors.As(err, &existingErr) {
		return &UnifiedError{
			Type:       existingErr.Type,
			Code:       existingErr.Code,
			Message:    message,
			Details:    existingErr.Message, // Original message becomes details
			Operation:  operation,
			Resource:   existingErr.Resource,
			TenantID:   existingErr.TenantID,
			ActorID:    existingErr.ActorID,
			Severity:   existingErr.Severity,
			Retryable:  existingErr.Retryable,
			RetryAfter: existingErr.RetryAfter,
			Cause:      err,
			StackTrace: existingErr.StackTrace,
			File:       existingErr.File,
			Line:       existingErr.Line,
		}
	}

	_, file, line, _ := runtime.Caller(1)
	return &UnifiedError{
		Type:       ErrorTypeInternal,
		Code:       "WRAP_ERROR",
		Message:    message,
		Details:    err.Error(),
		Operation:  operation,
		Severity:   SeverityMedium,
		Retryable:  false,
		Cause:      err,
		File:       file,
		Line:       line,
		StackTrace: captureStackTrace(),
	}
}

// captureStackTrace captures the current stack trace for debugging.
func captureStackTrace() []string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(2, pcs[:])

	frames := runtime.CallersFrames(pcs[:n])
	var stack []string

	for {
		frame, more := frames.Next()
		stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		if !more {
			break
		}
	}

	return stack
}
