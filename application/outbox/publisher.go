// Package outbox drains the transactional outbox. Events commit to the log
// and the outbox in one transaction; a single publisher loop then delivers
// them downstream at least once, so every consumer is idempotent in
// event_id.
package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"cartograph-backend/application/ports"
	"cartograph-backend/internal/metrics"
)

// Config tunes the publisher loop.
type Config struct {
	BatchSize      int
	PollInterval   time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// maxRetryDelay caps exponential backoff between publish attempts.
const maxRetryDelay = 5 * time.Minute

// Publisher is the single-writer outbox drain loop.
type Publisher struct {
	store     ports.OutboxStore
	sink      ports.EventPublisher
	config    Config
	collector *metrics.Collector
	logger    *zap.Logger
	wake      chan struct{}
}

func NewPublisher(store ports.OutboxStore, sink ports.EventPublisher, config Config, collector *metrics.Collector, logger *zap.Logger) *Publisher {
	return &Publisher{
		store:     store,
		sink:      sink,
		config:    config,
		collector: collector,
		logger:    logger.Named("outbox"),
		wake:      make(chan struct{}, 1),
	}
}

// Wake nudges the loop to poll immediately, typically right after an append
// commits. Safe from any goroutine; coalesces when the loop is busy.
func (p *Publisher) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run polls and publishes until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	p.logger.Info("outbox publisher started",
		zap.Int("batch_size", p.config.BatchSize),
		zap.Duration("poll_interval", p.config.PollInterval))

	for {
		p.drain(ctx)
		p.reportPending(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

// Drain runs one final pass, used during shutdown after the event-producing
// loops have stopped.
func (p *Publisher) Drain(ctx context.Context) {
	p.drain(ctx)
	p.reportPending(ctx)
}

func (p *Publisher) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		entries, err := p.store.Poll(ctx, p.config.BatchSize)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("outbox poll failed", zap.Error(err))
			}
			return
		}
		if len(entries) == 0 {
			return
		}
		for _, entry := range entries {
			if ctx.Err() != nil {
				return
			}
			p.publish(ctx, entry)
		}
		if len(entries) < p.config.BatchSize {
			return
		}
	}
}

func (p *Publisher) publish(ctx context.Context, entry ports.OutboxEntry) {
	err := p.sink.Publish(ctx, entry)
	if err == nil {
		if markErr := p.store.MarkPublished(ctx, entry.ID); markErr != nil {
			// The entry stays pending and will be republished; consumers
			// dedupe on event_id.
			p.logger.Warn("failed to mark entry published",
				zap.Int64("outbox_id", entry.ID),
				zap.Error(markErr))
			return
		}
		p.collector.OutboxPublished.Inc()
		return
	}

	if entry.RetryCount+1 > p.config.MaxRetries {
		if markErr := p.store.MarkFailedPermanently(ctx, entry.ID, err.Error()); markErr != nil {
			p.logger.Error("failed to mark entry permanently failed",
				zap.Int64("outbox_id", entry.ID),
				zap.Error(markErr))
			return
		}
		p.collector.OutboxFailed.Inc()
		p.logger.Warn("outbox entry failed permanently",
			zap.Int64("outbox_id", entry.ID),
			zap.String("event_id", entry.EventID),
			zap.String("event_type", entry.EventType),
			zap.Int("attempts", entry.RetryCount+1),
			zap.Error(err))
		return
	}

	delay := p.retryDelay(entry.RetryCount)
	if markErr := p.store.MarkFailed(ctx, entry.ID, err.Error(), time.Now().UTC().Add(delay)); markErr != nil {
		p.logger.Warn("failed to schedule entry retry",
			zap.Int64("outbox_id", entry.ID),
			zap.Error(markErr))
		return
	}
	p.logger.Info("outbox publish failed, retry scheduled",
		zap.Int64("outbox_id", entry.ID),
		zap.String("event_id", entry.EventID),
		zap.Duration("retry_in", delay),
		zap.Error(err))
}

func (p *Publisher) retryDelay(retryCount int) time.Duration {
	delay := p.config.RetryBaseDelay
	for i := 0; i < retryCount && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

func (p *Publisher) reportPending(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	count, err := p.store.CountPending(ctx)
	if err != nil {
		return
	}
	p.collector.OutboxPending.Set(float64(count))
}

// NotifyPublisher fans committed events into the in-process projection
// runtime. The events are already durable in the log and projections read
// from it directly, so delivery is only a wake-up and never fails.
type NotifyPublisher struct {
	notify func()
	logger *zap.Logger
}

func NewNotifyPublisher(notify func(), logger *zap.Logger) *NotifyPublisher {
	return &NotifyPublisher{notify: notify, logger: logger.Named("outbox.fanout")}
}

func (n *NotifyPublisher) Publish(_ context.Context, entry ports.OutboxEntry) error {
	n.logger.Debug("fanning out event",
		zap.String("event_id", entry.EventID),
		zap.String("event_type", entry.EventType))
	n.notify()
	return nil
}
