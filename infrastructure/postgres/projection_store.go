package postgres

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"

	"cartograph-backend/application/ports"
	"cartograph-backend/internal/errors"
)

// ProjectionStore couples read-model writes with checkpoint advancement.
// Handlers get a ports.Tx scoped to one transaction; the checkpoint row is
// updated in that same transaction, so a handler's writes and its position
// are never observed separately.
type ProjectionStore struct {
	db DB
}

func NewProjectionStore(db DB) *ProjectionStore {
	return &ProjectionStore{db: db}
}

// pgxTx adapts pgx.Tx to the driver-free ports.Tx surface.
type pgxTx struct {
	tx pgx.Tx
}

func (t pgxTx) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t pgxTx) Query(ctx context.Context, sql string, args ...any) (ports.Rows, error) {
	return t.tx.Query(ctx, sql, args...)
}

func (t pgxTx) QueryRow(ctx context.Context, sql string, args ...any) ports.Row {
	return t.tx.QueryRow(ctx, sql, args...)
}

// advanceCheckpointSQL bumps the projection position. The WHERE guard keeps
// the checkpoint monotonic even if an older position is replayed.
const advanceCheckpointSQL = `
	INSERT INTO projection_checkpoints (projection_name, last_global_position, last_event_id, events_processed, updated_at)
	VALUES ($1, $2, $3, 1, now())
	ON CONFLICT (projection_name) DO UPDATE
	SET last_global_position = EXCLUDED.last_global_position,
		last_event_id = EXCLUDED.last_event_id,
		events_processed = projection_checkpoints.events_processed + 1,
		updated_at = now()
	WHERE projection_checkpoints.last_global_position < EXCLUDED.last_global_position`

// ApplyWithCheckpoint runs fn and the checkpoint advance in one transaction.
func (s *ProjectionStore) ApplyWithCheckpoint(ctx context.Context, projection string, position int64, eventID string, fn func(ports.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return errors.Connection("PROJECTION_BEGIN", "failed to begin projection transaction").
			WithCause(err).
			Build()
	}
	defer tx.Rollback(ctx)

	if err := fn(pgxTx{tx: tx}); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, advanceCheckpointSQL, projection, position, textOrNil(eventID)); err != nil {
		return errors.Internal("CHECKPOINT_ADVANCE", "failed to advance projection checkpoint").
			WithResource(projection).
			WithCause(err).
			Build()
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Internal("PROJECTION_COMMIT", "failed to commit projection transaction").
			WithResource(projection).
			WithCause(err).
			Build()
	}
	return nil
}

// DeadLetterAndAdvance records the poisoned event and moves the checkpoint
// past it atomically. The failure is durable, so skipping loses nothing.
func (s *ProjectionStore) DeadLetterAndAdvance(ctx context.Context, entry ports.DLQEntry) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return errors.Connection("DLQ_BEGIN", "failed to begin dead-letter transaction").
			WithCause(err).
			Build()
	}
	defer tx.Rollback(ctx)

	// One row per (event, projection): a replayed event that fails again
	// reopens its entry instead of growing the queue.
	_, err = tx.Exec(ctx, `
		INSERT INTO dead_letter_queue (projection_name, event_id, event_type, global_position, error_message, retry_count, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending')
		ON CONFLICT (event_id, projection_name) DO UPDATE
		SET error_message = EXCLUDED.error_message,
			retry_count = dead_letter_queue.retry_count + EXCLUDED.retry_count,
			last_failed_at = now(),
			status = 'pending',
			resolved_at = NULL,
			resolved_by = NULL`,
		entry.ProjectionName, entry.EventID, entry.EventType, entry.GlobalPosition,
		entry.ErrorMessage, entry.RetryCount)
	if err != nil {
		return errors.Internal("DLQ_INSERT", "failed to insert dead-letter entry").
			WithResource(entry.EventID).
			WithCause(err).
			Build()
	}

	if _, err := tx.Exec(ctx, advanceCheckpointSQL, entry.ProjectionName, entry.GlobalPosition, textOrNil(entry.EventID)); err != nil {
		return errors.Internal("CHECKPOINT_ADVANCE", "failed to advance checkpoint past dead letter").
			WithResource(entry.ProjectionName).
			WithCause(err).
			Build()
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Internal("DLQ_COMMIT", "failed to commit dead-letter transaction").
			WithCause(err).
			Build()
	}
	return nil
}

// ResetCheckpoint runs fn and rewinds the checkpoint to zero in one
// transaction, bypassing the monotonic guard. The projection's worker must
// not be running; it would race the rewind and re-advance the checkpoint.
func (s *ProjectionStore) ResetCheckpoint(ctx context.Context, projection string, fn func(ports.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return errors.Connection("PROJECTION_BEGIN", "failed to begin projection transaction").
			WithCause(err).
			Build()
	}
	defer tx.Rollback(ctx)

	if err := fn(pgxTx{tx: tx}); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO projection_checkpoints (projection_name, last_global_position, last_event_id, events_processed, updated_at)
		VALUES ($1, 0, NULL, 0, now())
		ON CONFLICT (projection_name) DO UPDATE
		SET last_global_position = 0,
			last_event_id = NULL,
			events_processed = 0,
			updated_at = now()`,
		projection)
	if err != nil {
		return errors.Internal("CHECKPOINT_RESET", "failed to rewind projection checkpoint").
			WithResource(projection).
			WithCause(err).
			Build()
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Internal("PROJECTION_COMMIT", "failed to commit projection transaction").
			WithResource(projection).
			WithCause(err).
			Build()
	}
	return nil
}

// Checkpoint returns the projection's last applied position, 0 when the
// projection has never run.
func (s *ProjectionStore) Checkpoint(ctx context.Context, projection string) (int64, error) {
	var position int64
	err := s.db.QueryRow(ctx,
		`SELECT last_global_position FROM projection_checkpoints WHERE projection_name = $1`,
		projection,
	).Scan(&position)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Internal("CHECKPOINT_READ", "failed to read projection checkpoint").
			WithResource(projection).
			WithCause(err).
			Build()
	}
	return position, nil
}

// Checkpoints lists all projection positions for the ops surface.
func (s *ProjectionStore) Checkpoints(ctx context.Context) ([]ports.Checkpoint, error) {
	rows, err := s.db.Query(ctx, `
		SELECT projection_name, last_global_position, COALESCE(last_event_id::text, ''), events_processed, updated_at
		FROM projection_checkpoints
		ORDER BY projection_name`)
	if err != nil {
		return nil, errors.Internal("CHECKPOINT_LIST", "failed to list projection checkpoints").
			WithCause(err).
			Build()
	}
	defer rows.Close()

	var checkpoints []ports.Checkpoint
	for rows.Next() {
		var cp ports.Checkpoint
		if err := rows.Scan(&cp.ProjectionName, &cp.Position, &cp.LastEventID,
			&cp.EventsProcessed, &cp.UpdatedAt); err != nil {
			return nil, errors.Internal("CHECKPOINT_LIST", "failed to scan checkpoint row").
				WithCause(err).
				Build()
		}
		checkpoints = append(checkpoints, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Internal("CHECKPOINT_LIST", "failed to read checkpoint rows").
			WithCause(err).
			Build()
	}
	return checkpoints, nil
}
