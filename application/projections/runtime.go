// Package projections contains the projection runtime and the handlers that
// maintain the relational and graph read models from the event log.
//
// One worker runs per registered handler. Each worker reads events after its
// checkpoint in global order and applies them one at a time inside a
// transaction that also advances the checkpoint, so a read-model write and
// its checkpoint either both commit or neither does. Events that keep
// failing after retries are dead-lettered and the checkpoint advances past
// them; the failure is durably recorded instead of blocking the projection.
package projections

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"cartograph-backend/application/ports"
	"cartograph-backend/domain/events"
	"cartograph-backend/internal/errors"
	"cartograph-backend/internal/metrics"
)

// Handler applies one event to a read model. Handle runs inside the
// projection transaction; everything written through tx commits atomically
// with the checkpoint advance. Handlers must be idempotent because retries
// and dead-letter replay redeliver events.
type Handler interface {
	// Name is the projection's checkpoint identity. Renaming it replays
	// the projection from the beginning.
	Name() string

	// EventTypes lists the event types this handler consumes.
	EventTypes() []string

	// Handle applies one event. Returning an error rolls back tx.
	Handle(ctx context.Context, tx ports.Tx, event events.DomainEvent) error

	// Reset clears everything the projection wrote, so a rewound checkpoint
	// replays onto an empty read model. Runs in the same transaction as the
	// checkpoint rewind.
	Reset(ctx context.Context, tx ports.Tx) error
}

// Config tunes the worker loop.
type Config struct {
	BatchSize    int
	PollInterval time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	// HandlerTimeout bounds a single apply attempt so a hung handler
	// cannot wedge its worker.
	HandlerTimeout time.Duration
}

// DefaultConfig returns the runtime defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:      100,
		PollInterval:   2 * time.Second,
		MaxRetries:     3,
		RetryBackoff:   200 * time.Millisecond,
		HandlerTimeout: 30 * time.Second,
	}
}

// Stats is a point-in-time snapshot of one worker's progress.
type Stats struct {
	Projection   string
	Position     int64
	Applied      int64
	Skipped      int64
	DeadLettered int64
	LastEventAt  time.Time
}

type worker struct {
	handler Handler
	handles map[string]bool
	wake    chan struct{}
}

// Runtime drives all projection workers.
type Runtime struct {
	store      ports.ProjectionStore
	eventStore ports.EventStore
	config     Config
	logger     *zap.Logger
	collector  *metrics.Collector

	workers []*worker

	mu    sync.Mutex
	stats map[string]*Stats
}

// NewRuntime creates a projection runtime. Register every handler before
// calling Run or Notify.
func NewRuntime(store ports.ProjectionStore, eventStore ports.EventStore, config Config, collector *metrics.Collector, logger *zap.Logger) *Runtime {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = DefaultConfig().RetryBackoff
	}
	if config.HandlerTimeout <= 0 {
		config.HandlerTimeout = DefaultConfig().HandlerTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{
		store:      store,
		eventStore: eventStore,
		config:     config,
		logger:     logger,
		collector:  collector,
		stats:      make(map[string]*Stats),
	}
}

// Register adds a handler. Not safe to call after Run has started.
func (r *Runtime) Register(handler Handler) error {
	name := handler.Name()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.stats[name]; exists {
		return errors.Conflict("PROJECTION_EXISTS", "projection is already registered").
			WithResource(name).
			Build()
	}
	handles := make(map[string]bool, len(handler.EventTypes()))
	for _, eventType := range handler.EventTypes() {
		handles[eventType] = true
	}
	r.workers = append(r.workers, &worker{
		handler: handler,
		handles: handles,
		wake:    make(chan struct{}, 1),
	})
	r.stats[name] = &Stats{Projection: name}
	r.logger.Info("registered projection",
		zap.String("projection", name),
		zap.Strings("event_types", handler.EventTypes()))
	return nil
}

// Reset clears one projection's read model and rewinds its checkpoint to
// zero, both in one transaction. Call before Run: a running worker would
// race the rewind and re-advance the checkpoint mid-reset.
func (r *Runtime) Reset(ctx context.Context, name string) error {
	var target *worker
	for _, w := range r.workers {
		if w.handler.Name() == name {
			target = w
			break
		}
	}
	if target == nil {
		return errors.NotFound("PROJECTION_UNKNOWN", "no such projection is registered").
			WithResource(name).
			Build()
	}

	err := r.store.ResetCheckpoint(ctx, name, func(tx ports.Tx) error {
		return target.handler.Reset(ctx, tx)
	})
	if err != nil {
		return err
	}
	r.setPosition(name, 0)
	r.logger.Info("projection reset, will replay from the beginning",
		zap.String("projection", name))
	return nil
}

// Notify nudges every worker to poll immediately. Called by the outbox
// publisher after it ships new events.
func (r *Runtime) Notify() {
	for _, w := range r.workers {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
}

// Run drives one worker per registered handler until ctx is cancelled.
// It only returns after all workers have stopped.
func (r *Runtime) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, w := range r.workers {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			r.runWorker(ctx, w)
		}(w)
	}
	wg.Wait()
	return ctx.Err()
}

// Stats returns a snapshot of all worker positions and counters.
func (r *Runtime) Stats() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Stats, 0, len(r.stats))
	for _, w := range r.workers {
		out = append(out, *r.stats[w.handler.Name()])
	}
	return out
}

func (r *Runtime) runWorker(ctx context.Context, w *worker) {
	name := w.handler.Name()
	logger := r.logger.With(zap.String("projection", name))

	position, err := r.store.Checkpoint(ctx, name)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Error("failed to read checkpoint", zap.Error(err))
		position = 0
	}
	r.setPosition(name, position)
	logger.Info("projection worker started", zap.Int64("position", position))

	for {
		batch, err := r.eventStore.ReadFrom(ctx, position, r.config.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("failed to read event batch", zap.Error(err))
			if !r.sleep(ctx, w) {
				return
			}
			continue
		}

		if len(batch) == 0 {
			if !r.sleep(ctx, w) {
				return
			}
			continue
		}

		for _, stored := range batch {
			if ctx.Err() != nil {
				return
			}
			next, ok := r.processOne(ctx, w, logger, stored)
			if !ok {
				// Dead-lettering itself failed; re-read from the same
				// position after a pause so nothing is skipped.
				if !r.sleep(ctx, w) {
					return
				}
				break
			}
			position = next
			r.setPosition(name, position)
		}
	}
}

// processOne applies a single event with retries, dead-lettering it when the
// retry budget is exhausted. It returns the new checkpoint position and
// whether the worker may advance.
func (r *Runtime) processOne(ctx context.Context, w *worker, logger *zap.Logger, stored events.StoredEvent) (int64, bool) {
	name := w.handler.Name()
	event := stored.Event
	position := stored.GlobalPosition

	if !w.handles[event.EventType()] {
		// Still advance the checkpoint so unhandled event types do not
		// wedge the projection.
		err := r.store.ApplyWithCheckpoint(ctx, name, position, event.EventID(), func(ports.Tx) error {
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return position, false
			}
			logger.Warn("failed to advance checkpoint past unhandled event",
				zap.String("event_type", event.EventType()),
				zap.Error(err))
			return position, false
		}
		r.count(name, metrics.OutcomeSkipped, func(s *Stats) { s.Skipped++ })
		return position, true
	}

	attempt := 0
	apply := func() error {
		if attempt > 0 {
			r.count(name, metrics.OutcomeRetried, nil)
		}
		attempt++
		applyCtx, cancel := context.WithTimeout(ctx, r.config.HandlerTimeout)
		defer cancel()
		return r.store.ApplyWithCheckpoint(applyCtx, name, position, event.EventID(), func(tx ports.Tx) error {
			return w.handler.Handle(applyCtx, tx, event)
		})
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.config.RetryBackoff
	err := backoff.Retry(apply, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.config.MaxRetries)), ctx))
	if err == nil {
		r.count(name, metrics.OutcomeApplied, func(s *Stats) {
			s.Applied++
			s.LastEventAt = time.Now()
		})
		return position, true
	}
	if ctx.Err() != nil {
		return position, false
	}

	logger.Error("event failed after retries, dead-lettering",
		zap.String("event_id", event.EventID()),
		zap.String("event_type", event.EventType()),
		zap.Int64("global_position", position),
		zap.Int("attempts", attempt),
		zap.Error(err))

	dlqErr := r.store.DeadLetterAndAdvance(ctx, ports.DLQEntry{
		ProjectionName: name,
		EventID:        event.EventID(),
		EventType:      event.EventType(),
		GlobalPosition: position,
		ErrorMessage:   err.Error(),
		RetryCount:     attempt,
	})
	if dlqErr != nil {
		if ctx.Err() != nil {
			return position, false
		}
		logger.Error("failed to dead-letter event", zap.Error(dlqErr))
		return position, false
	}
	r.count(name, metrics.OutcomeDeadLettered, func(s *Stats) { s.DeadLettered++ })
	return position, true
}

// sleep waits for the poll interval, a wake signal, or shutdown. It reports
// whether the worker should keep running.
func (r *Runtime) sleep(ctx context.Context, w *worker) bool {
	timer := time.NewTimer(r.config.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-w.wake:
		return true
	case <-timer.C:
		return true
	}
}

func (r *Runtime) setPosition(name string, position int64) {
	r.mu.Lock()
	r.stats[name].Position = position
	r.mu.Unlock()
}

func (r *Runtime) count(name, outcome string, update func(*Stats)) {
	if r.collector != nil {
		r.collector.ProjectionEvents.WithLabelValues(name, outcome).Inc()
	}
	if update != nil {
		r.mu.Lock()
		update(r.stats[name])
		r.mu.Unlock()
	}
}
