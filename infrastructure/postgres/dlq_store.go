package postgres

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"

	"cartograph-backend/application/ports"
	"cartograph-backend/internal/errors"
)

// DLQStore is the operational surface over dead-lettered events.
type DLQStore struct {
	db DB
}

func NewDLQStore(db DB) *DLQStore {
	return &DLQStore{db: db}
}

const selectDLQColumns = `
	SELECT id, projection_name, event_id, event_type, global_position,
		error_message, retry_count, status, created_at, last_failed_at,
		resolved_at, COALESCE(resolved_by, '')`

// List returns dead-letter entries, newest first. Empty projection or
// status matches everything.
func (s *DLQStore) List(ctx context.Context, projection, status string, limit int) ([]ports.DLQEntry, error) {
	rows, err := s.db.Query(ctx, selectDLQColumns+`
		FROM dead_letter_queue
		WHERE ($1 = '' OR projection_name = $1)
			AND ($2 = '' OR status = $2)
		ORDER BY id DESC
		LIMIT $3`,
		projection, status, limit)
	if err != nil {
		return nil, errors.Internal("DLQ_LIST", "failed to list dead-letter entries").
			WithCause(err).
			Build()
	}
	defer rows.Close()

	var entries []ports.DLQEntry
	for rows.Next() {
		entry, err := scanDLQEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Internal("DLQ_LIST", "failed to read dead-letter rows").
			WithCause(err).
			Build()
	}
	return entries, nil
}

func (s *DLQStore) Get(ctx context.Context, id int64) (*ports.DLQEntry, error) {
	row := s.db.QueryRow(ctx, selectDLQColumns+` FROM dead_letter_queue WHERE id = $1`, id)

	var entry ports.DLQEntry
	err := row.Scan(&entry.ID, &entry.ProjectionName, &entry.EventID, &entry.EventType,
		&entry.GlobalPosition, &entry.ErrorMessage, &entry.RetryCount, &entry.Status,
		&entry.CreatedAt, &entry.LastFailedAt, &entry.ResolvedAt, &entry.ResolvedBy)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("DLQ_ENTRY_NOT_FOUND", "dead-letter entry does not exist").Build()
	}
	if err != nil {
		return nil, errors.Internal("DLQ_GET", "failed to read dead-letter entry").
			WithCause(err).
			Build()
	}
	return &entry, nil
}

// Resolve marks an entry handled by an operator. Resolution is bookkeeping
// only; replaying the event is a separate operation.
func (s *DLQStore) Resolve(ctx context.Context, id int64, resolvedBy string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE dead_letter_queue
		SET status = 'resolved', resolved_at = now(), resolved_by = $2
		WHERE id = $1 AND status = 'pending'`,
		id, resolvedBy)
	if err != nil {
		return errors.Internal("DLQ_RESOLVE", "failed to resolve dead-letter entry").
			WithCause(err).
			Build()
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("DLQ_ENTRY_NOT_FOUND", "no pending dead-letter entry with that id").Build()
	}
	return nil
}

func (s *DLQStore) CountPending(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM dead_letter_queue WHERE status = 'pending'`,
	).Scan(&count)
	if err != nil {
		return 0, errors.Internal("DLQ_COUNT", "failed to count pending dead letters").
			WithCause(err).
			Build()
	}
	return count, nil
}

func scanDLQEntry(rows pgx.Rows) (ports.DLQEntry, error) {
	var entry ports.DLQEntry
	err := rows.Scan(&entry.ID, &entry.ProjectionName, &entry.EventID, &entry.EventType,
		&entry.GlobalPosition, &entry.ErrorMessage, &entry.RetryCount, &entry.Status,
		&entry.CreatedAt, &entry.LastFailedAt, &entry.ResolvedAt, &entry.ResolvedBy)
	if err != nil {
		return entry, errors.Internal("DLQ_SCAN", "failed to scan dead-letter row").
			WithCause(err).
			Build()
	}
	return entry, nil
}
