package postgres

import (
	"context"

	"cartograph-backend/domain/consolidation"
	"cartograph-backend/internal/errors"
)

// RelationshipRepository reads the entity-relationships read model.
type RelationshipRepository struct {
	db DB
}

func NewRelationshipRepository(db DB) *RelationshipRepository {
	return &RelationshipRepository{db: db}
}

func (r *RelationshipRepository) ListByEntity(ctx context.Context, tenantID, entityID string) ([]*consolidation.EntityRelationship, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id::text, tenant_id, source_entity_id::text, target_entity_id::text,
			relationship_type, properties, confidence, graph_relationship_id,
			synced_to_graph, created_at, updated_at
		FROM entity_relationships
		WHERE tenant_id = $1 AND (source_entity_id = $2::uuid OR target_entity_id = $2::uuid)
		ORDER BY created_at`,
		tenantID, entityID)
	if err != nil {
		return nil, errors.Internal("RELATIONSHIP_LIST", "failed to list relationships").
			WithResource(entityID).
			WithCause(err).
			Build()
	}
	defer rows.Close()

	var relationships []*consolidation.EntityRelationship
	for rows.Next() {
		var rel consolidation.EntityRelationship
		err := rows.Scan(&rel.ID, &rel.TenantID, &rel.SourceEntityID,
			&rel.TargetEntityID, &rel.RelationshipType, &rel.Properties,
			&rel.Confidence, &rel.GraphRelationshipID, &rel.SyncedToGraph,
			&rel.CreatedAt, &rel.UpdatedAt)
		if err != nil {
			return nil, errors.Internal("RELATIONSHIP_LIST", "failed to scan relationship row").
				WithCause(err).
				Build()
		}
		relationships = append(relationships, &rel)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Internal("RELATIONSHIP_LIST", "failed to read relationship rows").
			WithCause(err).
			Build()
	}
	return relationships, nil
}

func (r *RelationshipRepository) CountByEntity(ctx context.Context, tenantID, entityID string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM entity_relationships
		WHERE tenant_id = $1 AND (source_entity_id = $2::uuid OR target_entity_id = $2::uuid)`,
		tenantID, entityID,
	).Scan(&count)
	if err != nil {
		return 0, errors.Internal("RELATIONSHIP_COUNT", "failed to count relationships").
			WithResource(entityID).
			WithCause(err).
			Build()
	}
	return count, nil
}
