package postgres

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"

	"cartograph-backend/domain/events"
	"cartograph-backend/internal/errors"
)

// SnapshotStore keeps the latest snapshot per aggregate. Snapshots are an
// optimization; the event stream remains the source of truth.
type SnapshotStore struct {
	db DB
}

func NewSnapshotStore(db DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Save upserts the snapshot, keeping only the newest version per stream.
func (s *SnapshotStore) Save(ctx context.Context, snapshot events.Snapshot) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO snapshots (aggregate_id, aggregate_type, version, state, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (aggregate_type, aggregate_id) DO UPDATE
		SET version = EXCLUDED.version, state = EXCLUDED.state, created_at = now()
		WHERE snapshots.version < EXCLUDED.version`,
		snapshot.AggregateID, snapshot.AggregateType, snapshot.Version, snapshot.State)
	if err != nil {
		return errors.Internal("SNAPSHOT_SAVE", "failed to save snapshot").
			WithResource(snapshot.AggregateID).
			WithCause(err).
			Build()
	}
	return nil
}

// Latest returns the newest snapshot for a stream, nil when none exists.
func (s *SnapshotStore) Latest(ctx context.Context, aggregateID, aggregateType string) (*events.Snapshot, error) {
	row := s.db.QueryRow(ctx, `
		SELECT aggregate_id, aggregate_type, version, state, created_at
		FROM snapshots
		WHERE aggregate_type = $1 AND aggregate_id = $2`,
		aggregateType, aggregateID)

	var snapshot events.Snapshot
	err := row.Scan(&snapshot.AggregateID, &snapshot.AggregateType,
		&snapshot.Version, &snapshot.State, &snapshot.CreatedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Internal("SNAPSHOT_LOAD", "failed to load snapshot").
			WithResource(aggregateID).
			WithCause(err).
			Build()
	}
	return &snapshot, nil
}
