package postgres

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"

	"cartograph-backend/domain/consolidation"
	"cartograph-backend/internal/errors"
)

// EntityRepository reads the extracted-entities read model. Content writes
// go through the relational projection handlers; the only direct writes are
// graph-sync bookkeeping and the synchronous restore step of a merge undo.
type EntityRepository struct {
	db DB
}

func NewEntityRepository(db DB) *EntityRepository {
	return &EntityRepository{db: db}
}

const entityColumns = `
	SELECT id::text, tenant_id, COALESCE(source_page_id::text, ''), entity_type,
		name, normalized_name, description, properties, extraction_method,
		confidence, is_canonical, is_alias_of::text, graph_node_id,
		synced_to_graph, synced_at, created_at, updated_at`

func (r *EntityRepository) GetByID(ctx context.Context, tenantID, id string) (*consolidation.ExtractedEntity, error) {
	row := r.db.QueryRow(ctx, entityColumns+`
		FROM extracted_entities
		WHERE tenant_id = $1 AND id = $2::uuid`,
		tenantID, id)

	entity, err := scanEntityRow(row)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("ENTITY_NOT_FOUND", "entity does not exist").
			WithResource(id).
			WithTenant(tenantID).
			Build()
	}
	if err != nil {
		return nil, errors.Internal("ENTITY_GET", "failed to read entity").
			WithResource(id).
			WithCause(err).
			Build()
	}
	return entity, nil
}

func (r *EntityRepository) GetByIDs(ctx context.Context, tenantID string, ids []string) ([]*consolidation.ExtractedEntity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.queryEntities(ctx, entityColumns+`
		FROM extracted_entities
		WHERE tenant_id = $1 AND id = ANY($2::uuid[])`,
		tenantID, ids)
}

func (r *EntityRepository) FindBySourcePageAndName(ctx context.Context, tenantID, pageID, name string) (*consolidation.ExtractedEntity, error) {
	row := r.db.QueryRow(ctx, entityColumns+`
		FROM extracted_entities
		WHERE tenant_id = $1 AND source_page_id = $2::uuid AND name = $3
		ORDER BY created_at
		LIMIT 1`,
		tenantID, pageID, name)

	entity, err := scanEntityRow(row)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Internal("ENTITY_FIND", "failed to find entity by page and name").
			WithCause(err).
			Build()
	}
	return entity, nil
}

func (r *EntityRepository) ListCanonical(ctx context.Context, tenantID, entityType string, limit, offset int) ([]*consolidation.ExtractedEntity, error) {
	return r.queryEntities(ctx, entityColumns+`
		FROM extracted_entities
		WHERE tenant_id = $1 AND is_canonical AND ($2 = '' OR entity_type = $2)
		ORDER BY created_at, id
		LIMIT $3 OFFSET $4`,
		tenantID, entityType, limit, offset)
}

func (r *EntityRepository) CountCanonical(ctx context.Context, tenantID, entityType string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM extracted_entities
		WHERE tenant_id = $1 AND is_canonical AND ($2 = '' OR entity_type = $2)`,
		tenantID, entityType,
	).Scan(&count)
	if err != nil {
		return 0, errors.Internal("ENTITY_COUNT", "failed to count canonical entities").
			WithTenant(tenantID).
			WithCause(err).
			Build()
	}
	return count, nil
}

func (r *EntityRepository) ListUnsynced(ctx context.Context, tenantID string, limit int) ([]*consolidation.ExtractedEntity, error) {
	return r.queryEntities(ctx, entityColumns+`
		FROM extracted_entities
		WHERE tenant_id = $1 AND NOT synced_to_graph
		ORDER BY created_at
		LIMIT $2`,
		tenantID, limit)
}

// MarkSynced records the graph node id after a successful mirror write.
func (r *EntityRepository) MarkSynced(ctx context.Context, tenantID, entityID, nodeID string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE extracted_entities
		SET graph_node_id = $3, synced_to_graph = TRUE, synced_at = NOW(), updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2::uuid`,
		tenantID, entityID, nodeID)
	if err != nil {
		return errors.Internal("ENTITY_MARK_SYNCED", "failed to mark entity synced").
			WithResource(entityID).
			WithCause(err).
			Build()
	}
	return nil
}

// RestoreCanonical promotes previously merged entities back to canonical.
// Runs before the MergeUndone event is appended so projections observe the
// restored rows.
func (r *EntityRepository) RestoreCanonical(ctx context.Context, tenantID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `
		UPDATE extracted_entities
		SET is_canonical = TRUE, is_alias_of = NULL, updated_at = NOW()
		WHERE tenant_id = $1 AND id = ANY($2::uuid[])`,
		tenantID, ids)
	if err != nil {
		return errors.Internal("ENTITY_RESTORE", "failed to restore canonical entities").
			WithTenant(tenantID).
			WithCause(err).
			Build()
	}
	return nil
}

func (r *EntityRepository) queryEntities(ctx context.Context, sql string, args ...any) ([]*consolidation.ExtractedEntity, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Internal("ENTITY_QUERY", "failed to query entities").
			WithCause(err).
			Build()
	}
	defer rows.Close()

	var entities []*consolidation.ExtractedEntity
	for rows.Next() {
		entity, err := scanEntityRow(rows)
		if err != nil {
			return nil, errors.Internal("ENTITY_QUERY", "failed to scan entity row").
				WithCause(err).
				Build()
		}
		entities = append(entities, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Internal("ENTITY_QUERY", "failed to read entity rows").
			WithCause(err).
			Build()
	}
	return entities, nil
}

// scanEntityRow scans the entityColumns select list from any row source.
func scanEntityRow(row interface{ Scan(dest ...any) error }) (*consolidation.ExtractedEntity, error) {
	var entity consolidation.ExtractedEntity
	err := row.Scan(&entity.ID, &entity.TenantID, &entity.SourcePageID,
		&entity.EntityType, &entity.Name, &entity.NormalizedName,
		&entity.Description, &entity.Properties, &entity.ExtractionMethod,
		&entity.Confidence, &entity.IsCanonical, &entity.IsAliasOf,
		&entity.GraphNodeID, &entity.SyncedToGraph, &entity.SyncedAt,
		&entity.CreatedAt, &entity.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &entity, nil
}
