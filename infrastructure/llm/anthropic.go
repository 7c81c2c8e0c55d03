// Package llm implements the inference and embedding providers behind the
// application ports. Providers classify their failures (timeout, rate limit,
// upstream error) so the circuit breaker and retry scheduling can tell
// transient faults from permanent ones.
package llm

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"cartograph-backend/application/ports"
	"cartograph-backend/internal/config"
	"cartograph-backend/internal/errors"
	"cartograph-backend/internal/metrics"
)

const anthropicRetryBase = 1 * time.Second

// AnthropicProvider calls the Anthropic Messages API. Transient failures are
// retried in place with exponential backoff; everything the retry budget
// cannot absorb comes back classified for the breaker.
type AnthropicProvider struct {
	client    anthropic.Client
	cfg       config.LLMConfig
	retryBase time.Duration
	collector *metrics.Collector
	logger    *zap.Logger
}

func NewAnthropicProvider(cfg config.LLMConfig, collector *metrics.Collector, logger *zap.Logger) *AnthropicProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	// The SDK's own retry layer is disabled; retry policy lives here where
	// it is classified and counted.
	return &AnthropicProvider{
		client:    anthropic.NewClient(option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)),
		cfg:       cfg,
		retryBase: anthropicRetryBase,
		collector: collector,
		logger:    logger.Named("anthropic"),
	}
}

// Complete runs one completion and returns the first text block. The
// configured timeout bounds the whole call including retries.
func (p *AnthropicProvider) Complete(ctx context.Context, req ports.CompletionRequest) (string, error) {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.cfg.MaxTokens
	}
	system := req.System
	if len(req.JSONSchema) > 0 {
		note := "Respond only with JSON matching this schema:\n" + string(req.JSONSchema)
		if system == "" {
			system = note
		} else {
			system = system + "\n\n" + note
		}
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(req.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	message, err := p.callWithRetry(ctx, params)
	if err != nil {
		p.logger.Warn("completion failed",
			zap.String("model", model),
			zap.Error(err))
		return "", err
	}

	if message.StopReason == "max_tokens" {
		p.logger.Warn("completion truncated at max tokens",
			zap.String("model", model),
			zap.Int("max_tokens", maxTokens))
	}

	for _, block := range message.Content {
		if block.Type == "text" {
			p.logger.Debug("completion succeeded",
				zap.String("model", model),
				zap.Int64("input_tokens", message.Usage.InputTokens),
				zap.Int64("output_tokens", message.Usage.OutputTokens))
			return block.Text, nil
		}
	}
	return "", errors.External("LLM_EMPTY_RESPONSE", "completion returned no text content").
		WithRetryable(false).
		Build()
}

// callWithRetry retries transient failures up to the configured budget.
// Instrumentation counts every attempt, not just the last one.
func (p *AnthropicProvider) callWithRetry(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := p.retryBase << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, p.classify(ctx.Err())
			}
		}

		start := time.Now()
		message, err := p.client.Messages.New(ctx, params)
		p.collector.LLMDuration.WithLabelValues("anthropic", "complete").Observe(time.Since(start).Seconds())

		if err == nil {
			p.collector.LLMCalls.WithLabelValues("anthropic", "complete", "success").Inc()
			return message, nil
		}

		classified := p.classify(err)
		p.collector.LLMCalls.WithLabelValues("anthropic", "complete", outcomeLabel(classified)).Inc()
		lastErr = classified

		if ctx.Err() != nil || !errors.IsRetryable(classified) {
			return nil, classified
		}
	}
	return nil, lastErr
}

// classify maps SDK failures onto the error taxonomy.
func (p *AnthropicProvider) classify(err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Timeout("LLM_TIMEOUT", "completion did not finish in time").
			WithCause(err).
			Build()
	}
	if stderrors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *anthropic.Error
	if stderrors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return errors.RateLimit("LLM_RATE_LIMITED", "provider rate limit hit").
				WithCause(err).
				Build()
		case apiErr.StatusCode >= 500:
			return errors.External("LLM_UPSTREAM_ERROR", "provider returned a server error").
				WithCause(err).
				Build()
		default:
			return errors.External("LLM_REQUEST_REJECTED", "provider rejected the request").
				WithCause(err).
				WithRetryable(false).
				Build()
		}
	}

	return errors.External("LLM_CALL_FAILED", "completion call failed").
		WithCause(err).
		Build()
}

func outcomeLabel(err error) string {
	switch {
	case errors.IsTimeout(err):
		return "timeout"
	case errors.IsType(err, errors.ErrorTypeRateLimit):
		return "rate_limited"
	case errors.IsRetryable(err):
		return "upstream_error"
	default:
		return "rejected"
	}
}
