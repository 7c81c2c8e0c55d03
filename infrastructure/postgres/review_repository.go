package postgres

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"cartograph-backend/domain/consolidation"
	"cartograph-backend/internal/errors"
)

// ReviewRepository reads the merge-review queue.
type ReviewRepository struct {
	db DB
}

func NewReviewRepository(db DB) *ReviewRepository {
	return &ReviewRepository{db: db}
}

const reviewColumns = `
	SELECT id::text, tenant_id, entity_a_id::text, entity_b_id::text, confidence,
		review_priority, similarity_scores, queue_reason, status, reviewed_by,
		reviewed_at, reviewer_notes, created_at, updated_at`

func (r *ReviewRepository) GetByID(ctx context.Context, tenantID, id string) (*consolidation.MergeReviewItem, error) {
	row := r.db.QueryRow(ctx, reviewColumns+`
		FROM merge_review_queue
		WHERE tenant_id = $1 AND id = $2::uuid`,
		tenantID, id)

	item, err := scanReviewItem(row)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("REVIEW_ITEM_NOT_FOUND", "review item does not exist").
			WithResource(id).
			WithTenant(tenantID).
			Build()
	}
	if err != nil {
		return nil, errors.Internal("REVIEW_GET", "failed to read review item").
			WithResource(id).
			WithCause(err).
			Build()
	}
	return item, nil
}

// List filters and pages the queue, highest priority first, then highest
// confidence. The entity-type filter matches either side of the pair.
func (r *ReviewRepository) List(ctx context.Context, tenantID string, filter consolidation.ReviewFilter) ([]*consolidation.MergeReviewItem, error) {
	var sb strings.Builder
	sb.WriteString(reviewColumns)
	sb.WriteString(` FROM merge_review_queue q WHERE tenant_id = $1`)
	args := []any{tenantID}

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		fmt.Fprintf(&sb, ` AND status = $%d`, len(args))
	}
	if filter.MinConfidence > 0 {
		args = append(args, filter.MinConfidence)
		fmt.Fprintf(&sb, ` AND confidence >= $%d`, len(args))
	}
	if filter.MaxConfidence > 0 {
		args = append(args, filter.MaxConfidence)
		fmt.Fprintf(&sb, ` AND confidence <= $%d`, len(args))
	}
	if filter.EntityType != "" {
		args = append(args, filter.EntityType)
		fmt.Fprintf(&sb, ` AND EXISTS (
			SELECT 1 FROM extracted_entities e
			WHERE e.tenant_id = q.tenant_id
				AND e.id IN (q.entity_a_id, q.entity_b_id)
				AND e.entity_type = $%d)`, len(args))
	}

	sb.WriteString(` ORDER BY review_priority DESC, confidence DESC, created_at`)

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	fmt.Fprintf(&sb, ` LIMIT $%d`, len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		fmt.Fprintf(&sb, ` OFFSET $%d`, len(args))
	}

	rows, err := r.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, errors.Internal("REVIEW_LIST", "failed to list review items").
			WithTenant(tenantID).
			WithCause(err).
			Build()
	}
	defer rows.Close()

	var items []*consolidation.MergeReviewItem
	for rows.Next() {
		item, err := scanReviewItem(rows)
		if err != nil {
			return nil, errors.Internal("REVIEW_LIST", "failed to scan review row").
				WithCause(err).
				Build()
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Internal("REVIEW_LIST", "failed to read review rows").
			WithCause(err).
			Build()
	}
	return items, nil
}

// Stats summarizes the queue: totals per status, pending average confidence,
// age of the oldest pending item, and pending counts per entity type.
func (r *ReviewRepository) Stats(ctx context.Context, tenantID string) (*consolidation.ReviewStats, error) {
	stats := &consolidation.ReviewStats{
		TotalByStatus:     map[consolidation.ReviewStatus]int{},
		CountByEntityType: map[string]int{},
	}

	rows, err := r.db.Query(ctx,
		`SELECT status, COUNT(*) FROM merge_review_queue WHERE tenant_id = $1 GROUP BY status`,
		tenantID)
	if err != nil {
		return nil, errors.Internal("REVIEW_STATS", "failed to aggregate review statuses").
			WithTenant(tenantID).
			WithCause(err).
			Build()
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.Internal("REVIEW_STATS", "failed to scan status aggregate").
				WithCause(err).
				Build()
		}
		stats.TotalByStatus[consolidation.ReviewStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Internal("REVIEW_STATS", "failed to read status aggregates").
			WithCause(err).
			Build()
	}

	var (
		avgConfidence *float64
		oldestPending *time.Time
	)
	err = r.db.QueryRow(ctx, `
		SELECT AVG(confidence), MIN(created_at)
		FROM merge_review_queue
		WHERE tenant_id = $1 AND status = 'pending'`,
		tenantID,
	).Scan(&avgConfidence, &oldestPending)
	if err != nil {
		return nil, errors.Internal("REVIEW_STATS", "failed to aggregate pending items").
			WithTenant(tenantID).
			WithCause(err).
			Build()
	}
	if avgConfidence != nil {
		stats.AverageConfidence = *avgConfidence
	}
	if oldestPending != nil {
		stats.OldestPendingAge = time.Since(*oldestPending)
	}

	typeRows, err := r.db.Query(ctx, `
		SELECT e.entity_type, COUNT(*)
		FROM merge_review_queue q
		JOIN extracted_entities e ON e.tenant_id = q.tenant_id AND e.id = q.entity_a_id
		WHERE q.tenant_id = $1 AND q.status = 'pending'
		GROUP BY e.entity_type`,
		tenantID)
	if err != nil {
		return nil, errors.Internal("REVIEW_STATS", "failed to aggregate entity types").
			WithTenant(tenantID).
			WithCause(err).
			Build()
	}
	defer typeRows.Close()
	for typeRows.Next() {
		var (
			entityType string
			count      int
		)
		if err := typeRows.Scan(&entityType, &count); err != nil {
			return nil, errors.Internal("REVIEW_STATS", "failed to scan entity-type aggregate").
				WithCause(err).
				Build()
		}
		stats.CountByEntityType[entityType] = count
	}
	if err := typeRows.Err(); err != nil {
		return nil, errors.Internal("REVIEW_STATS", "failed to read entity-type aggregates").
			WithCause(err).
			Build()
	}
	return stats, nil
}

func scanReviewItem(row interface{ Scan(dest ...any) error }) (*consolidation.MergeReviewItem, error) {
	var (
		item   consolidation.MergeReviewItem
		status string
	)
	err := row.Scan(&item.ID, &item.TenantID, &item.EntityAID, &item.EntityBID,
		&item.Confidence, &item.ReviewPriority, &item.SimilarityScores,
		&item.QueueReason, &status, &item.ReviewedBy, &item.ReviewedAt,
		&item.ReviewerNotes, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}
	item.Status = consolidation.ReviewStatus(status)
	return &item, nil
}
