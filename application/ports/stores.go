// Package ports declares the interfaces between the application core and
// its infrastructure. Implementations live under infrastructure/; the core
// never imports a driver.
package ports

import (
	"context"
	"time"

	"cartograph-backend/domain/events"
)

// EventStore is the append-only event log.
type EventStore interface {
	// Append atomically appends a batch to one stream, checking the
	// optimistic expected version, and co-writes one outbox row per event in
	// the same transaction. Returns the new stream version.
	Append(ctx context.Context, aggregateID, aggregateType string, batch []events.DomainEvent, expectedVersion int) (int, error)

	// Load returns the full stream ordered by aggregate version. An empty
	// stream has Version 0.
	Load(ctx context.Context, aggregateID, aggregateType string) (events.Stream, error)

	// LoadFrom returns the stream tail with aggregate_version >= fromVersion.
	LoadFrom(ctx context.Context, aggregateID, aggregateType string, fromVersion int) (events.Stream, error)

	// StreamVersion returns the current stream version, 0 when absent.
	StreamVersion(ctx context.Context, aggregateID, aggregateType string) (int, error)

	// EventExists reports whether an event ID was already committed.
	EventExists(ctx context.Context, eventID string) (bool, error)

	// ReadFrom returns up to limit events with global_position > after,
	// ordered by global position. Used by projections.
	ReadFrom(ctx context.Context, after int64, limit int) ([]events.StoredEvent, error)

	// Head returns the highest committed global position, 0 for an empty log.
	Head(ctx context.Context) (int64, error)
}

// SnapshotStore persists aggregate snapshots.
type SnapshotStore interface {
	Save(ctx context.Context, snapshot events.Snapshot) error

	// Latest returns the newest snapshot for a stream, nil when none exists.
	Latest(ctx context.Context, aggregateID, aggregateType string) (*events.Snapshot, error)
}

// Outbox entry statuses.
const (
	OutboxPending   = "pending"
	OutboxPublished = "published"
	OutboxFailed    = "failed"
)

// OutboxEntry mirrors one committed event awaiting publication.
type OutboxEntry struct {
	ID            int64
	EventID       string
	EventType     string
	AggregateID   string
	AggregateType string
	TenantID      string
	Payload       []byte
	Status        string
	RetryCount    int
	LastError     string
	NextRetryAt   *time.Time
	CreatedAt     time.Time
	PublishedAt   *time.Time
}

// OutboxStore drains the transactional outbox.
type OutboxStore interface {
	// Poll returns up to limit pending entries whose retry time has come,
	// ordered by creation, locked against concurrent pollers.
	Poll(ctx context.Context, limit int) ([]OutboxEntry, error)

	// MarkPublished finalizes an entry after successful publication.
	MarkPublished(ctx context.Context, id int64) error

	// MarkFailed records a failed publish attempt and schedules the retry.
	MarkFailed(ctx context.Context, id int64, errMsg string, nextRetryAt time.Time) error

	// MarkFailedPermanently moves an entry to the failed status after the
	// retry budget is exhausted.
	MarkFailedPermanently(ctx context.Context, id int64, errMsg string) error

	// CountPending returns the number of undelivered entries.
	CountPending(ctx context.Context) (int, error)
}

// EventPublisher delivers drained outbox entries downstream.
type EventPublisher interface {
	Publish(ctx context.Context, entry OutboxEntry) error
}

// Checkpoint is one projection's replay position.
type Checkpoint struct {
	ProjectionName  string
	Position        int64
	LastEventID     string
	EventsProcessed int64
	UpdatedAt       time.Time
}

// DLQ entry statuses.
const (
	DLQPending  = "pending"
	DLQResolved = "resolved"
)

// DLQEntry records an event a projection could not apply after retries.
type DLQEntry struct {
	ID             int64
	ProjectionName string
	EventID        string
	EventType      string
	GlobalPosition int64
	ErrorMessage   string
	RetryCount     int
	Status         string
	CreatedAt      time.Time
	LastFailedAt   time.Time
	ResolvedAt     *time.Time
	ResolvedBy     string
}

// Row is a single scanned result row.
type Row interface {
	Scan(dest ...any) error
}

// Rows is an iterable result set.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// Tx is the transactional surface handed to projection handlers so that
// read-model writes commit atomically with the checkpoint advance.
type Tx interface {
	// Exec runs a statement and returns the affected row count.
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) Row
}

// ProjectionStore couples projection handler transactions with checkpoint
// and dead-letter bookkeeping.
type ProjectionStore interface {
	// Checkpoint returns the projection's last applied global position, 0
	// when the projection has never run.
	Checkpoint(ctx context.Context, projection string) (int64, error)

	// Checkpoints lists all projection positions.
	Checkpoints(ctx context.Context) ([]Checkpoint, error)

	// ApplyWithCheckpoint runs fn inside a transaction that also advances
	// the projection checkpoint to position; both commit or neither does.
	ApplyWithCheckpoint(ctx context.Context, projection string, position int64, eventID string, fn func(Tx) error) error

	// DeadLetterAndAdvance atomically records a poisoned event and advances
	// the checkpoint past it.
	DeadLetterAndAdvance(ctx context.Context, entry DLQEntry) error

	// ResetCheckpoint runs fn inside a transaction that also rewinds the
	// projection checkpoint to zero, so the next run replays the log from
	// the beginning. Callers must ensure the projection's worker is not
	// running.
	ResetCheckpoint(ctx context.Context, projection string, fn func(Tx) error) error
}

// DLQStore is the operational surface over dead-lettered events.
type DLQStore interface {
	List(ctx context.Context, projection, status string, limit int) ([]DLQEntry, error)
	Get(ctx context.Context, id int64) (*DLQEntry, error)
	Resolve(ctx context.Context, id int64, resolvedBy string) error
	CountPending(ctx context.Context) (int, error)
}
