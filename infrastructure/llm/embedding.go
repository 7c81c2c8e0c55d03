package llm

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"cartograph-backend/internal/config"
	"cartograph-backend/internal/errors"
	"cartograph-backend/internal/metrics"
)

// Embedding calls are cheap and frequent, so the in-process breaker trips on
// a short consecutive-failure streak instead of the shared Redis breaker the
// extraction pipeline uses.
const (
	embedderBreakerName     = "openai_embeddings"
	embedderFailureStreak   = 5
	embedderRecoveryTimeout = 30 * time.Second
)

// OpenAIEmbedder turns texts into vectors through an OpenAI-compatible
// embeddings endpoint. Requests are split into configured batches; one
// failing batch fails the whole call.
type OpenAIEmbedder struct {
	client    *openai.LLM
	cfg       config.EmbeddingConfig
	breaker   *gobreaker.CircuitBreaker
	collector *metrics.Collector
	logger    *zap.Logger
}

func NewOpenAIEmbedder(cfg config.EmbeddingConfig, collector *metrics.Collector, logger *zap.Logger) (*OpenAIEmbedder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("embedder")

	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, errors.Internal("EMBEDDER_INIT", "failed to construct embedding client").
			WithCause(err).
			Build()
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        embedderBreakerName,
		MaxRequests: 1,
		Timeout:     embedderRecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= embedderFailureStreak
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("embedding breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			collector.BreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		},
	})

	return &OpenAIEmbedder{
		client:    client,
		cfg:       cfg,
		breaker:   breaker,
		collector: collector,
		logger:    logger,
	}, nil
}

// Embed returns one vector per input text, positionally aligned.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	batchSize := e.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = len(texts)
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (e *OpenAIEmbedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	start := time.Now()
	result, err := e.breaker.Execute(func() (any, error) {
		return e.client.CreateEmbedding(ctx, batch)
	})
	e.collector.LLMDuration.WithLabelValues("openai", "embed").Observe(time.Since(start).Seconds())

	if err != nil {
		classified := e.classify(err)
		e.collector.LLMCalls.WithLabelValues("openai", "embed", outcomeLabel(classified)).Inc()
		e.logger.Warn("embedding batch failed",
			zap.Int("batch_size", len(batch)),
			zap.Error(err))
		return nil, classified
	}
	e.collector.LLMCalls.WithLabelValues("openai", "embed", "success").Inc()

	vectors := result.([][]float32)
	if len(vectors) != len(batch) {
		return nil, errors.External("EMBEDDING_BATCH_MISMATCH",
			fmt.Sprintf("sent %d texts, got %d vectors", len(batch), len(vectors))).
			WithRetryable(false).
			Build()
	}
	return vectors, nil
}

func (e *OpenAIEmbedder) classify(err error) error {
	switch {
	case stderrors.Is(err, gobreaker.ErrOpenState), stderrors.Is(err, gobreaker.ErrTooManyRequests):
		return errors.CircuitOpen(embedderRecoveryTimeout)
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.Timeout("EMBEDDING_TIMEOUT", "embedding call did not finish in time").
			WithCause(err).
			Build()
	case stderrors.Is(err, context.Canceled):
		return err
	default:
		return errors.External("EMBEDDING_CALL_FAILED", "embedding call failed").
			WithCause(err).
			Build()
	}
}

func breakerStateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}
