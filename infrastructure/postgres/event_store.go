package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"cartograph-backend/domain/events"
	"cartograph-backend/internal/errors"
)

// EventStore is the append-only event log on Postgres. Appends run in a
// single transaction that also writes one outbox row per event, so a
// committed event always has its outbox mirror.
type EventStore struct {
	db     DB
	logger *zap.Logger
}

// NewEventStore creates the Postgres event store.
func NewEventStore(db DB, logger *zap.Logger) *EventStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventStore{db: db, logger: logger}
}

const insertEventSQL = `
	INSERT INTO events (event_id, event_type, aggregate_id, aggregate_type,
		aggregate_version, tenant_id, actor_id, payload, occurred_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

const insertOutboxSQL = `
	INSERT INTO event_outbox (event_id, event_type, aggregate_id, aggregate_type,
		tenant_id, payload, status)
	VALUES ($1, $2, $3, $4, $5, $6, 'pending')`

// Append appends the batch to one stream after checking the expected
// version, co-writing the outbox rows in the same transaction. It returns
// the new stream version.
func (s *EventStore) Append(ctx context.Context, aggregateID, aggregateType string, batch []events.DomainEvent, expectedVersion int) (int, error) {
	if len(batch) == 0 {
		return expectedVersion, nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, errors.Connection("EVENT_APPEND_BEGIN", "failed to begin append transaction").
			WithCause(err).
			Build()
	}
	defer tx.Rollback(ctx)

	var current int
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(aggregate_version), 0) FROM events WHERE aggregate_type = $1 AND aggregate_id = $2`,
		aggregateType, aggregateID,
	).Scan(&current)
	if err != nil {
		return 0, errors.Internal("EVENT_APPEND_VERSION", "failed to read stream version").
			WithResource(aggregateID).
			WithCause(err).
			Build()
	}
	if current != expectedVersion {
		return 0, errors.OptimisticLock(expectedVersion, current)
	}

	for i, event := range batch {
		payload, err := events.MarshalPayload(event)
		if err != nil {
			return 0, err
		}

		version := expectedVersion + 1 + i
		if event.Version() != version {
			return 0, errors.Internal("EVENT_VERSION_GAP", "event version does not continue the stream").
				WithDetails(fmt.Sprintf("event %s has version %d, want %d", event.EventID(), event.Version(), version)).
				WithResource(aggregateID).
				WithSeverity(errors.SeverityCritical).
				Build()
		}

		_, err = tx.Exec(ctx, insertEventSQL,
			event.EventID(), event.EventType(), aggregateID, aggregateType,
			version, textOrNil(event.TenantID()), textOrNil(event.ActorID()),
			payload, event.Timestamp())
		if err != nil {
			if appendErr := s.classifyAppendError(ctx, err, aggregateID, aggregateType, event.EventID(), expectedVersion); appendErr != nil {
				return 0, appendErr
			}
			return 0, errors.Internal("EVENT_APPEND_INSERT", "failed to insert event").
				WithResource(aggregateID).
				WithCause(err).
				Build()
		}

		_, err = tx.Exec(ctx, insertOutboxSQL,
			event.EventID(), event.EventType(), aggregateID, aggregateType,
			textOrNil(event.TenantID()), payload)
		if err != nil {
			return 0, errors.Internal("OUTBOX_INSERT", "failed to insert outbox row").
				WithResource(event.EventID()).
				WithCause(err).
				Build()
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, errors.Internal("EVENT_APPEND_COMMIT", "failed to commit append transaction").
			WithResource(aggregateID).
			WithCause(err).
			Build()
	}
	return expectedVersion + len(batch), nil
}

// classifyAppendError translates constraint violations. A duplicate event ID
// means the same event was appended twice; a duplicate stream version means
// a concurrent writer won the race after our version check.
func (s *EventStore) classifyAppendError(ctx context.Context, err error, aggregateID, aggregateType, eventID string, expectedVersion int) error {
	switch {
	case isUniqueViolation(err, "events_event_id_key"):
		return errors.Conflict(errors.CodeDuplicateEvent, "event was already committed").
			WithResource(eventID).
			WithRetryable(false).
			WithCause(err).
			Build()
	case isUniqueViolation(err, "events_stream_version_key"):
		actual, verErr := s.StreamVersion(ctx, aggregateID, aggregateType)
		if verErr != nil {
			actual = expectedVersion + 1
		}
		return errors.OptimisticLock(expectedVersion, actual)
	}
	return nil
}

const selectEventColumns = `
	SELECT event_id, event_type, aggregate_id, aggregate_type, aggregate_version,
		COALESCE(tenant_id, ''), COALESCE(actor_id, ''), payload, occurred_at`

// Load returns the full stream in version order.
func (s *EventStore) Load(ctx context.Context, aggregateID, aggregateType string) (events.Stream, error) {
	return s.LoadFrom(ctx, aggregateID, aggregateType, 1)
}

// LoadFrom returns the stream tail starting at fromVersion.
func (s *EventStore) LoadFrom(ctx context.Context, aggregateID, aggregateType string, fromVersion int) (events.Stream, error) {
	stream := events.Stream{AggregateID: aggregateID, AggregateType: aggregateType}

	rows, err := s.db.Query(ctx, selectEventColumns+`
		FROM events
		WHERE aggregate_type = $1 AND aggregate_id = $2 AND aggregate_version >= $3
		ORDER BY aggregate_version`,
		aggregateType, aggregateID, fromVersion)
	if err != nil {
		return stream, errors.Internal("EVENT_LOAD", "failed to query stream").
			WithResource(aggregateID).
			WithCause(err).
			Build()
	}
	defer rows.Close()

	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return stream, err
		}
		stream.Events = append(stream.Events, event)
		stream.Version = event.Version()
	}
	if err := rows.Err(); err != nil {
		return stream, errors.Internal("EVENT_LOAD", "failed to read stream rows").
			WithResource(aggregateID).
			WithCause(err).
			Build()
	}
	return stream, nil
}

// StreamVersion returns the stream's current version, 0 when the stream
// does not exist.
func (s *EventStore) StreamVersion(ctx context.Context, aggregateID, aggregateType string) (int, error) {
	var version int
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(MAX(aggregate_version), 0) FROM events WHERE aggregate_type = $1 AND aggregate_id = $2`,
		aggregateType, aggregateID,
	).Scan(&version)
	if err != nil {
		return 0, errors.Internal("EVENT_STREAM_VERSION", "failed to read stream version").
			WithResource(aggregateID).
			WithCause(err).
			Build()
	}
	return version, nil
}

// EventExists reports whether the event ID was already committed.
func (s *EventStore) EventExists(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM events WHERE event_id = $1)`,
		eventID,
	).Scan(&exists)
	if err != nil {
		return false, errors.Internal("EVENT_EXISTS", "failed to check event existence").
			WithResource(eventID).
			WithCause(err).
			Build()
	}
	return exists, nil
}

// ReadFrom returns up to limit events with global_position > after, in
// global order. This is the projection feed.
func (s *EventStore) ReadFrom(ctx context.Context, after int64, limit int) ([]events.StoredEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT global_position, event_id, event_type, aggregate_id, aggregate_type,
			aggregate_version, COALESCE(tenant_id, ''), COALESCE(actor_id, ''), payload, occurred_at
		FROM events
		WHERE global_position > $1
		ORDER BY global_position
		LIMIT $2`,
		after, limit)
	if err != nil {
		return nil, errors.Internal("EVENT_READ_FROM", "failed to query global event feed").
			WithCause(err).
			Build()
	}
	defer rows.Close()

	var out []events.StoredEvent
	for rows.Next() {
		var (
			position int64
			env      events.Envelope
		)
		if err := rows.Scan(&position, &env.EventID, &env.EventType, &env.AggregateID,
			&env.AggregateType, &env.Version, &env.TenantID, &env.ActorID,
			&env.Payload, &env.Timestamp); err != nil {
			return nil, errors.Internal("EVENT_READ_FROM", "failed to scan event row").
				WithCause(err).
				Build()
		}
		event, err := events.Decode(env)
		if err != nil {
			return nil, err
		}
		out = append(out, events.StoredEvent{Event: event, GlobalPosition: position})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Internal("EVENT_READ_FROM", "failed to read global event feed").
			WithCause(err).
			Build()
	}
	return out, nil
}

// Head returns the highest committed global position, 0 for an empty log.
// Projection lag is Head minus a checkpoint's position.
func (s *EventStore) Head(ctx context.Context) (int64, error) {
	var head int64
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(MAX(global_position), 0) FROM events`,
	).Scan(&head)
	if err != nil {
		return 0, errors.Internal("EVENT_HEAD", "failed to read event log head").
			WithCause(err).
			Build()
	}
	return head, nil
}

func scanEvent(rows pgx.Rows) (events.DomainEvent, error) {
	var env events.Envelope
	if err := rows.Scan(&env.EventID, &env.EventType, &env.AggregateID, &env.AggregateType,
		&env.Version, &env.TenantID, &env.ActorID, &env.Payload, &env.Timestamp); err != nil {
		return nil, errors.Internal("EVENT_SCAN", "failed to scan event row").
			WithCause(err).
			Build()
	}
	return events.Decode(env)
}
