package ports

import (
	"context"
	"time"
)

// CompletionRequest is one LLM inference call.
type CompletionRequest struct {
	System      string
	Prompt      string
	Model       string
	MaxTokens   int
	Temperature float64

	// JSONSchema, when set, asks for schema-constrained decoding from
	// providers that support it.
	JSONSchema []byte
}

// LLMProvider performs text completion against the configured model.
// Implementations classify their failures (timeout, rate limit, 5xx) so the
// circuit breaker can count them.
type LLMProvider interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// EmbeddingProvider turns texts into vectors. The returned slice is
// positionally aligned with the input.
type EmbeddingProvider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbeddingCache stores entity vectors keyed by (tenant, entity).
type EmbeddingCache interface {
	Get(ctx context.Context, tenantID, entityID string) ([]float32, bool, error)

	// GetBatch returns the cached subset; missing IDs are simply absent from
	// the result map.
	GetBatch(ctx context.Context, tenantID string, entityIDs []string) (map[string][]float32, error)

	Set(ctx context.Context, tenantID, entityID string, vector []float32) error
	SetBatch(ctx context.Context, tenantID string, vectors map[string][]float32) error

	// Invalidate drops a cached vector after the entity's text changed.
	Invalidate(ctx context.Context, tenantID, entityID string) error
}

// Circuit breaker states.
const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half_open"
)

// CircuitBreaker is the distributed breaker shared by all workers calling
// the LLM.
type CircuitBreaker interface {
	// AllowRequest reports whether a call may proceed. The OPEN to HALF_OPEN
	// transition happens inside this call and admits the caller as the test
	// request.
	AllowRequest(ctx context.Context) (bool, error)

	RecordSuccess(ctx context.Context) error
	RecordFailure(ctx context.Context) error

	// RetryAfter returns the time until the breaker will admit a test
	// request, 0 when it is not open.
	RetryAfter(ctx context.Context) (time.Duration, error)

	// State returns closed, open, or half_open.
	State(ctx context.Context) (string, error)
}
