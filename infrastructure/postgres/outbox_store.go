package postgres

import (
	"context"
	"time"

	"cartograph-backend/application/ports"
	"cartograph-backend/internal/errors"
)

// OutboxStore drains the transactional outbox. Rows are written by the
// event store inside the append transaction; this store only reads and
// updates publication status.
type OutboxStore struct {
	db DB
}

func NewOutboxStore(db DB) *OutboxStore {
	return &OutboxStore{db: db}
}

// Poll returns up to limit pending entries that are due, oldest first. Rows
// locked by a concurrent poller are skipped rather than waited on.
func (s *OutboxStore) Poll(ctx context.Context, limit int) ([]ports.OutboxEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, event_id, event_type, aggregate_id, aggregate_type,
			COALESCE(tenant_id, ''), payload, status, retry_count,
			COALESCE(last_error, ''), next_retry_at, created_at, published_at
		FROM event_outbox
		WHERE status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= now())
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`,
		limit)
	if err != nil {
		return nil, errors.Internal("OUTBOX_POLL", "failed to poll outbox").
			WithCause(err).
			Build()
	}
	defer rows.Close()

	var entries []ports.OutboxEntry
	for rows.Next() {
		var entry ports.OutboxEntry
		if err := rows.Scan(&entry.ID, &entry.EventID, &entry.EventType,
			&entry.AggregateID, &entry.AggregateType, &entry.TenantID,
			&entry.Payload, &entry.Status, &entry.RetryCount, &entry.LastError,
			&entry.NextRetryAt, &entry.CreatedAt, &entry.PublishedAt); err != nil {
			return nil, errors.Internal("OUTBOX_POLL", "failed to scan outbox row").
				WithCause(err).
				Build()
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Internal("OUTBOX_POLL", "failed to read outbox rows").
			WithCause(err).
			Build()
	}
	return entries, nil
}

// MarkPublished finalizes an entry after successful publication.
func (s *OutboxStore) MarkPublished(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE event_outbox SET status = 'published', published_at = now() WHERE id = $1`,
		id)
	if err != nil {
		return errors.Internal("OUTBOX_MARK_PUBLISHED", "failed to mark outbox entry published").
			WithCause(err).
			Build()
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("OUTBOX_ENTRY_NOT_FOUND", "outbox entry does not exist").Build()
	}
	return nil
}

// MarkFailed records a failed attempt and schedules the next one. The entry
// stays pending so Poll picks it up again once nextRetryAt passes.
func (s *OutboxStore) MarkFailed(ctx context.Context, id int64, errMsg string, nextRetryAt time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE event_outbox
		SET retry_count = retry_count + 1, last_error = $2, next_retry_at = $3
		WHERE id = $1`,
		id, errMsg, nextRetryAt)
	if err != nil {
		return errors.Internal("OUTBOX_MARK_FAILED", "failed to record outbox failure").
			WithCause(err).
			Build()
	}
	return nil
}

// MarkFailedPermanently parks an entry after its retry budget is exhausted.
// Failed entries need operator attention; they are never polled again.
func (s *OutboxStore) MarkFailedPermanently(ctx context.Context, id int64, errMsg string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'failed', retry_count = retry_count + 1, last_error = $2
		WHERE id = $1`,
		id, errMsg)
	if err != nil {
		return errors.Internal("OUTBOX_MARK_FAILED", "failed to park outbox entry").
			WithCause(err).
			Build()
	}
	return nil
}

// CountPending returns the number of undelivered entries.
func (s *OutboxStore) CountPending(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM event_outbox WHERE status = 'pending'`,
	).Scan(&count)
	if err != nil {
		return 0, errors.Internal("OUTBOX_COUNT", "failed to count pending outbox entries").
			WithCause(err).
			Build()
	}
	return count, nil
}
