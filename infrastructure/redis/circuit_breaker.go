package redis

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/redis/go-redis/v9"

	"cartograph-backend/application/ports"
	"cartograph-backend/internal/errors"
)

// watchRetries bounds the optimistic-transaction retry loop when concurrent
// workers race on the same breaker keys.
const watchRetries = 5

// BreakerConfig tunes the shared circuit breaker.
type BreakerConfig struct {
	// Name prefixes all keys so independent breakers can share one Redis.
	Name             string
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
}

// CircuitBreaker is a distributed breaker whose state lives in Redis, so
// every worker observes the same failures. All transitions run as WATCH
// transactions.
type CircuitBreaker struct {
	client *redis.Client
	config BreakerConfig
	now    func() time.Time
}

func NewCircuitBreaker(client *redis.Client, config BreakerConfig) *CircuitBreaker {
	if config.Name == "" {
		config.Name = "llm"
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 1
	}
	return &CircuitBreaker{client: client, config: config, now: time.Now}
}

func (b *CircuitBreaker) stateKey() string    { return "breaker:" + b.config.Name + ":state" }
func (b *CircuitBreaker) failuresKey() string { return "breaker:" + b.config.Name + ":failures" }
func (b *CircuitBreaker) openedAtKey() string { return "breaker:" + b.config.Name + ":opened_at" }
func (b *CircuitBreaker) halfOpenKey() string {
	return "breaker:" + b.config.Name + ":half_open_calls"
}

func (b *CircuitBreaker) keys() []string {
	return []string{b.stateKey(), b.failuresKey(), b.openedAtKey(), b.halfOpenKey()}
}

// AllowRequest reports whether a call may proceed. When the recovery timeout
// has elapsed on an open breaker, the transition to half-open happens here
// and the caller is admitted as the test request.
func (b *CircuitBreaker) AllowRequest(ctx context.Context) (bool, error) {
	var allowed bool
	err := b.watch(ctx, func(tx *redis.Tx) error {
		state, err := b.readState(ctx, tx)
		if err != nil {
			return err
		}
		switch state {
		case ports.BreakerClosed:
			allowed = true
			return nil

		case ports.BreakerOpen:
			openedAt, err := b.readOpenedAt(ctx, tx)
			if err != nil {
				return err
			}
			if b.now().Sub(openedAt) < b.config.RecoveryTimeout {
				allowed = false
				return nil
			}
			// Test-admission: move to half-open with this caller counted.
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, b.stateKey(), ports.BreakerHalfOpen, 0)
				pipe.Set(ctx, b.halfOpenKey(), 1, 0)
				return nil
			})
			allowed = err == nil
			return err

		case ports.BreakerHalfOpen:
			var calls *redis.IntCmd
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				calls = pipe.Incr(ctx, b.halfOpenKey())
				return nil
			})
			if err != nil {
				return err
			}
			allowed = calls.Val() <= int64(b.config.HalfOpenMaxCalls)
			return nil
		}
		allowed = false
		return nil
	})
	return allowed, err
}

// RecordSuccess resets the failure count; a half-open success closes the
// breaker.
func (b *CircuitBreaker) RecordSuccess(ctx context.Context) error {
	return b.watch(ctx, func(tx *redis.Tx) error {
		state, err := b.readState(ctx, tx)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if state == ports.BreakerHalfOpen {
				pipe.Set(ctx, b.stateKey(), ports.BreakerClosed, 0)
			}
			pipe.Del(ctx, b.failuresKey(), b.openedAtKey(), b.halfOpenKey())
			return nil
		})
		return err
	})
}

// RecordFailure counts a failure; crossing the threshold, or any failure in
// half-open, opens the breaker.
func (b *CircuitBreaker) RecordFailure(ctx context.Context) error {
	return b.watch(ctx, func(tx *redis.Tx) error {
		state, err := b.readState(ctx, tx)
		if err != nil {
			return err
		}
		switch state {
		case ports.BreakerOpen:
			return nil

		case ports.BreakerHalfOpen:
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				b.open(ctx, pipe)
				return nil
			})
			return err

		default:
			failures, err := tx.Get(ctx, b.failuresKey()).Int()
			if stderrors.Is(err, redis.Nil) {
				failures = 0
			} else if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if failures+1 >= b.config.FailureThreshold {
					b.open(ctx, pipe)
				} else {
					pipe.Incr(ctx, b.failuresKey())
				}
				return nil
			})
			return err
		}
	})
}

func (b *CircuitBreaker) open(ctx context.Context, pipe redis.Pipeliner) {
	pipe.Set(ctx, b.stateKey(), ports.BreakerOpen, 0)
	pipe.Set(ctx, b.openedAtKey(), b.now().Unix(), 0)
	pipe.Del(ctx, b.failuresKey(), b.halfOpenKey())
}

// RetryAfter returns the time until the next test admission, 0 when the
// breaker is not open.
func (b *CircuitBreaker) RetryAfter(ctx context.Context) (time.Duration, error) {
	state, err := b.State(ctx)
	if err != nil {
		return 0, err
	}
	if state != ports.BreakerOpen {
		return 0, nil
	}

	openedAtUnix, err := b.client.Get(ctx, b.openedAtKey()).Int64()
	if stderrors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, b.wrap(err, "failed to read breaker opened_at")
	}

	remaining := b.config.RecoveryTimeout - b.now().Sub(time.Unix(openedAtUnix, 0))
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// State returns closed, open, or half_open.
func (b *CircuitBreaker) State(ctx context.Context) (string, error) {
	state, err := b.client.Get(ctx, b.stateKey()).Result()
	if stderrors.Is(err, redis.Nil) {
		return ports.BreakerClosed, nil
	}
	if err != nil {
		return "", b.wrap(err, "failed to read breaker state")
	}
	return state, nil
}

func (b *CircuitBreaker) readState(ctx context.Context, tx *redis.Tx) (string, error) {
	state, err := tx.Get(ctx, b.stateKey()).Result()
	if stderrors.Is(err, redis.Nil) {
		return ports.BreakerClosed, nil
	}
	if err != nil {
		return "", err
	}
	return state, nil
}

func (b *CircuitBreaker) readOpenedAt(ctx context.Context, tx *redis.Tx) (time.Time, error) {
	openedAtUnix, err := tx.Get(ctx, b.openedAtKey()).Int64()
	if stderrors.Is(err, redis.Nil) {
		// Key lost while open; treat as due for a test request.
		return time.Unix(0, 0), nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(openedAtUnix, 0), nil
}

// watch runs fn as an optimistic transaction over the breaker keys,
// retrying when a concurrent worker invalidates the watch.
func (b *CircuitBreaker) watch(ctx context.Context, fn func(tx *redis.Tx) error) error {
	var err error
	for i := 0; i < watchRetries; i++ {
		err = b.client.Watch(ctx, fn, b.keys()...)
		if !stderrors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return b.wrap(err, "breaker transaction failed")
	}
	return nil
}

func (b *CircuitBreaker) wrap(err error, message string) error {
	return errors.Connection("BREAKER_STORE", message).
		WithResource(b.config.Name).
		WithCause(err).
		Build()
}
