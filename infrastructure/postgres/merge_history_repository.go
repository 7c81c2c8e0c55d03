package postgres

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"

	"cartograph-backend/domain/consolidation"
	"cartograph-backend/internal/errors"
)

// MergeHistoryRepository reads the materialized merge history. The history
// is derivable from the event log; this table exists so undo validation and
// audits do not replay streams.
type MergeHistoryRepository struct {
	db DB
}

func NewMergeHistoryRepository(db DB) *MergeHistoryRepository {
	return &MergeHistoryRepository{db: db}
}

const mergeHistoryColumns = `
	SELECT id::text, tenant_id, merge_event_id::text, canonical_entity_id::text,
		merged_entity_ids, merge_reason, COALESCE(merged_by, ''), merged_at,
		undone, COALESCE(undone_by, ''), undone_at, undo_reason`

func (r *MergeHistoryRepository) GetByMergeEventID(ctx context.Context, tenantID, mergeEventID string) (*consolidation.MergeRecord, error) {
	row := r.db.QueryRow(ctx, mergeHistoryColumns+`
		FROM merge_history
		WHERE tenant_id = $1 AND merge_event_id = $2::uuid`,
		tenantID, mergeEventID)

	record, err := scanMergeRecord(row)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Internal("MERGE_HISTORY_GET", "failed to read merge record").
			WithResource(mergeEventID).
			WithCause(err).
			Build()
	}
	return record, nil
}

func (r *MergeHistoryRepository) List(ctx context.Context, tenantID string, limit, offset int) ([]*consolidation.MergeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, mergeHistoryColumns+`
		FROM merge_history
		WHERE tenant_id = $1
		ORDER BY merged_at DESC
		LIMIT $2 OFFSET $3`,
		tenantID, limit, offset)
	if err != nil {
		return nil, errors.Internal("MERGE_HISTORY_LIST", "failed to list merge history").
			WithTenant(tenantID).
			WithCause(err).
			Build()
	}
	defer rows.Close()

	var records []*consolidation.MergeRecord
	for rows.Next() {
		record, err := scanMergeRecord(rows)
		if err != nil {
			return nil, errors.Internal("MERGE_HISTORY_LIST", "failed to scan merge record").
				WithCause(err).
				Build()
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Internal("MERGE_HISTORY_LIST", "failed to read merge records").
			WithCause(err).
			Build()
	}
	return records, nil
}

func scanMergeRecord(row interface{ Scan(dest ...any) error }) (*consolidation.MergeRecord, error) {
	var record consolidation.MergeRecord
	err := row.Scan(&record.ID, &record.TenantID, &record.MergeEventID,
		&record.CanonicalEntityID, &record.MergedEntityIDs, &record.MergeReason,
		&record.MergedBy, &record.MergedAt, &record.Undone, &record.UndoneBy,
		&record.UndoneAt, &record.UndoReason)
	if err != nil {
		return nil, err
	}
	return &record, nil
}
