// Package neo4j mirrors canonical entities and their relationships into a
// labeled-property graph. Every operation is tenant-scoped and idempotent so
// the graph projection can be delivered at-least-once.
package neo4j

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"cartograph-backend/domain/consolidation"
	"cartograph-backend/internal/errors"
)

// GraphStore implements the graph side of the read model on Neo4j.
type GraphStore struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *zap.Logger
}

// NewGraphStore connects the driver and verifies connectivity.
func NewGraphStore(ctx context.Context, uri, username, password, database string, logger *zap.Logger) (*GraphStore, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, errors.Connection("NEO4J_DRIVER", "failed to create neo4j driver").
			WithResource(uri).
			WithCause(err).
			Build()
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, errors.Connection("NEO4J_CONNECT", "neo4j is unreachable").
			WithResource(uri).
			WithCause(err).
			Build()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GraphStore{driver: driver, database: database, logger: logger}, nil
}

func (s *GraphStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func (s *GraphStore) Ping(ctx context.Context) error {
	if err := s.driver.VerifyConnectivity(ctx); err != nil {
		return errors.Connection("NEO4J_PING", "neo4j is unreachable").
			WithCause(err).
			Build()
	}
	return nil
}

// EnsureSchema creates constraints and indexes idempotently.
func (s *GraphStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE CONSTRAINT entity_id_unique IF NOT EXISTS FOR (e:Entity) REQUIRE e.id IS UNIQUE`,
		`CREATE INDEX entity_tenant IF NOT EXISTS FOR (e:Entity) ON (e.tenant_id)`,
		`CREATE INDEX entity_tenant_type IF NOT EXISTS FOR (e:Entity) ON (e.tenant_id, e.entity_type)`,
		`CREATE FULLTEXT INDEX entity_name_fulltext IF NOT EXISTS FOR (e:Entity) ON EACH [e.name, e.normalized_name]`,
	}

	session := s.writeSession(ctx)
	defer session.Close(ctx)

	for _, statement := range statements {
		if _, err := session.Run(ctx, statement, nil); err != nil {
			return errors.Internal("NEO4J_SCHEMA", "failed to ensure graph schema").
				WithDetails(statement).
				WithCause(err).
				Build()
		}
	}
	return nil
}

// UpsertEntity creates or updates the entity node and returns its
// graph-native element id. Nested properties ride along as a JSON string
// since graph properties must stay primitive.
func (s *GraphStore) UpsertEntity(ctx context.Context, entity *consolidation.ExtractedEntity) (string, error) {
	propertiesJSON := "{}"
	if len(entity.Properties) > 0 {
		data, err := json.Marshal(entity.Properties)
		if err == nil {
			propertiesJSON = string(data)
		}
	}

	records, err := s.executeWrite(ctx, `
		MERGE (e:Entity {id: $id})
		SET e.tenant_id = $tenant_id,
			e.name = $name,
			e.normalized_name = $normalized_name,
			e.entity_type = $entity_type,
			e.description = $description,
			e.confidence = $confidence,
			e.source_page_id = $source_page_id,
			e.properties_json = $properties_json,
			e.updated_at = datetime()
		RETURN elementId(e)`,
		map[string]any{
			"id":              entity.ID,
			"tenant_id":       entity.TenantID,
			"name":            entity.Name,
			"normalized_name": entity.NormalizedName,
			"entity_type":     entity.EntityType,
			"description":     entity.Description,
			"confidence":      entity.Confidence,
			"source_page_id":  entity.SourcePageID,
			"properties_json": propertiesJSON,
		})
	if err != nil {
		return "", errors.Internal("GRAPH_UPSERT_ENTITY", "failed to upsert entity node").
			WithResource(entity.ID).
			WithCause(err).
			Build()
	}
	if len(records) == 0 {
		return "", errors.Internal("GRAPH_UPSERT_ENTITY", "upsert returned no node").
			WithResource(entity.ID).
			Build()
	}
	nodeID, _ := records[0].Values[0].(string)
	return nodeID, nil
}

// relTypePattern keeps interpolated relationship types to safe identifier
// characters; Cypher cannot parameterize relationship types.
var relTypePattern = regexp.MustCompile(`[^A-Z0-9_]`)

// sanitizeRelType converts a free-form relationship type into a safe Cypher
// identifier.
func sanitizeRelType(relType string) string {
	cleaned := relTypePattern.ReplaceAllString(strings.ToUpper(strings.TrimSpace(relType)), "_")
	cleaned = strings.Trim(cleaned, "_")
	if cleaned == "" || (cleaned[0] >= '0' && cleaned[0] <= '9') {
		return "RELATED_TO"
	}
	return cleaned
}

// UpsertRelationship creates the typed edge between two entity nodes keyed
// by the relationship id, returning its graph-native element id.
func (s *GraphStore) UpsertRelationship(ctx context.Context, tenantID, relationshipID, sourceEntityID, targetEntityID, relationshipType string, confidence float64, properties map[string]interface{}) (string, error) {
	propertiesJSON := "{}"
	if len(properties) > 0 {
		if data, err := json.Marshal(properties); err == nil {
			propertiesJSON = string(data)
		}
	}

	cypher := `
		MATCH (a:Entity {id: $source_id, tenant_id: $tenant_id})
		MATCH (b:Entity {id: $target_id, tenant_id: $tenant_id})
		MERGE (a)-[r:` + sanitizeRelType(relationshipType) + ` {id: $rel_id}]->(b)
		SET r.confidence = $confidence,
			r.properties_json = $properties_json,
			r.updated_at = datetime()
		RETURN elementId(r)`

	records, err := s.executeWrite(ctx, cypher, map[string]any{
		"tenant_id":       tenantID,
		"rel_id":          relationshipID,
		"source_id":       sourceEntityID,
		"target_id":       targetEntityID,
		"confidence":      confidence,
		"properties_json": propertiesJSON,
	})
	if err != nil {
		return "", errors.Internal("GRAPH_UPSERT_RELATIONSHIP", "failed to upsert relationship").
			WithResource(relationshipID).
			WithCause(err).
			Build()
	}
	if len(records) == 0 {
		return "", errors.NotFound("GRAPH_ENDPOINT_MISSING", "relationship endpoints are not in the graph").
			WithResource(relationshipID).
			Build()
	}
	relID, _ := records[0].Values[0].(string)
	return relID, nil
}

// graphEdge is one edge read back for transfer or reassignment.
type graphEdge struct {
	id       string
	relType  string
	peerID   string
	outgoing bool
	props    map[string]any
}

// TransferRelationships redirects every edge of mergedID onto canonicalID,
// annotating provenance and skipping would-be self loops. The original
// edges are removed; the merged node itself is left for DeleteEntity.
func (s *GraphStore) TransferRelationships(ctx context.Context, tenantID, mergedID, canonicalID string) (int, error) {
	edges, err := s.readEdges(ctx, tenantID, mergedID)
	if err != nil {
		return 0, err
	}

	transferred := 0
	for _, edge := range edges {
		if edge.peerID == canonicalID {
			// Would become a self loop on the canonical node.
			if err := s.deleteEdge(ctx, edge.id); err != nil {
				return transferred, err
			}
			continue
		}

		var cypher string
		if edge.outgoing {
			cypher = `
				MATCH (c:Entity {id: $canonical_id, tenant_id: $tenant_id})
				MATCH (p:Entity {id: $peer_id, tenant_id: $tenant_id})
				MERGE (c)-[r:` + sanitizeRelType(edge.relType) + ` {id: $rel_id}]->(p)
				SET r += $props,
					r.transferred_from = $merged_id,
					r.transferred_at = datetime()`
		} else {
			cypher = `
				MATCH (c:Entity {id: $canonical_id, tenant_id: $tenant_id})
				MATCH (p:Entity {id: $peer_id, tenant_id: $tenant_id})
				MERGE (p)-[r:` + sanitizeRelType(edge.relType) + ` {id: $rel_id}]->(c)
				SET r += $props,
					r.transferred_from = $merged_id,
					r.transferred_at = datetime()`
		}

		_, err := s.executeWrite(ctx, cypher, map[string]any{
			"tenant_id":    tenantID,
			"canonical_id": canonicalID,
			"peer_id":      edge.peerID,
			"rel_id":       edge.id,
			"props":        edge.props,
			"merged_id":    mergedID,
		})
		if err != nil {
			return transferred, errors.Internal("GRAPH_TRANSFER", "failed to transfer relationship").
				WithResource(edge.id).
				WithCause(err).
				Build()
		}
		if err := s.deleteEdge(ctx, edge.id); err != nil {
			return transferred, err
		}
		transferred++
	}
	return transferred, nil
}

// ReassignRelationships moves the original entity's edges onto the split
// entities: assignments maps relationship id to its new entity; edges
// without an assignment go to defaultEntityID.
func (s *GraphStore) ReassignRelationships(ctx context.Context, tenantID, originalID string, assignments map[string]string, defaultEntityID string) (int, error) {
	edges, err := s.readEdges(ctx, tenantID, originalID)
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, edge := range edges {
		newOwner, ok := assignments[edge.id]
		if !ok {
			newOwner = defaultEntityID
		}
		if newOwner == "" || edge.peerID == newOwner {
			if err := s.deleteEdge(ctx, edge.id); err != nil {
				return moved, err
			}
			continue
		}

		var cypher string
		if edge.outgoing {
			cypher = `
				MATCH (o:Entity {id: $owner_id, tenant_id: $tenant_id})
				MATCH (p:Entity {id: $peer_id, tenant_id: $tenant_id})
				MERGE (o)-[r:` + sanitizeRelType(edge.relType) + ` {id: $rel_id}]->(p)
				SET r += $props,
					r.reassigned_from = $original_id,
					r.reassigned_at = datetime()`
		} else {
			cypher = `
				MATCH (o:Entity {id: $owner_id, tenant_id: $tenant_id})
				MATCH (p:Entity {id: $peer_id, tenant_id: $tenant_id})
				MERGE (p)-[r:` + sanitizeRelType(edge.relType) + ` {id: $rel_id}]->(o)
				SET r += $props,
					r.reassigned_from = $original_id,
					r.reassigned_at = datetime()`
		}

		_, err := s.executeWrite(ctx, cypher, map[string]any{
			"tenant_id":   tenantID,
			"owner_id":    newOwner,
			"peer_id":     edge.peerID,
			"rel_id":      edge.id,
			"props":       edge.props,
			"original_id": originalID,
		})
		if err != nil {
			return moved, errors.Internal("GRAPH_REASSIGN", "failed to reassign relationship").
				WithResource(edge.id).
				WithCause(err).
				Build()
		}
		if err := s.deleteEdge(ctx, edge.id); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// DeleteEntity removes the entity node and any remaining edges.
func (s *GraphStore) DeleteEntity(ctx context.Context, tenantID, entityID string) error {
	_, err := s.executeWrite(ctx, `
		MATCH (e:Entity {id: $id, tenant_id: $tenant_id})
		DETACH DELETE e`,
		map[string]any{"id": entityID, "tenant_id": tenantID})
	if err != nil {
		return errors.Internal("GRAPH_DELETE_ENTITY", "failed to delete entity node").
			WithResource(entityID).
			WithCause(err).
			Build()
	}
	return nil
}

// Clear removes every entity node and its edges so a projection replay
// starts from an empty graph. Deletes run in batches to keep transaction
// memory bounded on large graphs.
func (s *GraphStore) Clear(ctx context.Context) error {
	for {
		records, err := s.executeWrite(ctx, `
			MATCH (e:Entity)
			WITH e LIMIT $batch
			DETACH DELETE e
			RETURN count(e)`,
			map[string]any{"batch": 5000})
		if err != nil {
			return errors.Internal("GRAPH_CLEAR", "failed to clear graph").
				WithCause(err).
				Build()
		}
		var deleted int64
		if len(records) > 0 {
			deleted, _ = records[0].Values[0].(int64)
		}
		if deleted == 0 {
			return nil
		}
		s.logger.Debug("cleared graph batch", zap.Int64("deleted", deleted))
	}
}

// RestorePlaceholder recreates a node for an entity restored by a merge
// undo. Relationships are not recreated; re-extraction reintroduces them.
func (s *GraphStore) RestorePlaceholder(ctx context.Context, tenantID, entityID, name, entityType, restoredFrom string) error {
	_, err := s.executeWrite(ctx, `
		MERGE (e:Entity {id: $id})
		SET e.tenant_id = $tenant_id,
			e.name = $name,
			e.entity_type = $entity_type,
			e.restored_from_merge = $restored_from,
			e.restored_at = datetime()`,
		map[string]any{
			"id":            entityID,
			"tenant_id":     tenantID,
			"name":          name,
			"entity_type":   entityType,
			"restored_from": restoredFrom,
		})
	if err != nil {
		return errors.Internal("GRAPH_RESTORE", "failed to restore placeholder node").
			WithResource(entityID).
			WithCause(err).
			Build()
	}
	return nil
}

// AnnotateEntity sets extra properties on an existing node. Values must be
// graph primitives; missing nodes match nothing and the call is a no-op.
func (s *GraphStore) AnnotateEntity(ctx context.Context, tenantID, entityID string, props map[string]interface{}) error {
	if len(props) == 0 {
		return nil
	}
	_, err := s.executeWrite(ctx, `
		MATCH (e:Entity {id: $id, tenant_id: $tenant_id})
		SET e += $props, e.updated_at = datetime()`,
		map[string]any{
			"id":        entityID,
			"tenant_id": tenantID,
			"props":     props,
		})
	if err != nil {
		return errors.Internal("GRAPH_ANNOTATE", "failed to annotate entity node").
			WithResource(entityID).
			WithCause(err).
			Build()
	}
	return nil
}

// RecordMergeMetadata stamps merge provenance onto the canonical node.
// Guarded by the merge event id so replaying the event does not double
// count.
func (s *GraphStore) RecordMergeMetadata(ctx context.Context, tenantID, canonicalID, mergeEventID string, mergedNames []string, mergedCount int) error {
	_, err := s.executeWrite(ctx, `
		MATCH (e:Entity {id: $id, tenant_id: $tenant_id})
		WITH e, CASE WHEN coalesce(e.last_merge_event_id, '') = $merge_event_id THEN [] ELSE [1] END AS apply
		FOREACH (_ IN apply |
			SET e.merge_count = coalesce(e.merge_count, 0) + $merged_count,
				e.merged_names = coalesce(e.merged_names, []) + $merged_names,
				e.last_merge_event_id = $merge_event_id,
				e.last_merged_at = datetime())`,
		map[string]any{
			"id":             canonicalID,
			"tenant_id":      tenantID,
			"merge_event_id": mergeEventID,
			"merged_names":   mergedNames,
			"merged_count":   mergedCount,
		})
	if err != nil {
		return errors.Internal("GRAPH_MERGE_METADATA", "failed to record merge metadata").
			WithResource(canonicalID).
			WithCause(err).
			Build()
	}
	return nil
}

// Neighborhood returns the entity's direct neighbors and the relationship
// types touching it, both capped.
func (s *GraphStore) Neighborhood(ctx context.Context, tenantID, entityID string, cap int) (*consolidation.Neighborhood, error) {
	neighborhoods, err := s.NeighborhoodBatch(ctx, tenantID, []string{entityID}, cap)
	if err != nil {
		return nil, err
	}
	if n, ok := neighborhoods[entityID]; ok {
		return n, nil
	}
	return &consolidation.Neighborhood{EntityID: entityID}, nil
}

// NeighborhoodBatch bulk-loads neighborhoods for scoring in one query.
func (s *GraphStore) NeighborhoodBatch(ctx context.Context, tenantID string, entityIDs []string, cap int) (map[string]*consolidation.Neighborhood, error) {
	if cap <= 0 {
		cap = 50
	}
	result := make(map[string]*consolidation.Neighborhood, len(entityIDs))
	for _, id := range entityIDs {
		result[id] = &consolidation.Neighborhood{EntityID: id}
	}
	if len(entityIDs) == 0 {
		return result, nil
	}

	records, err := s.executeRead(ctx, `
		MATCH (e:Entity)
		WHERE e.tenant_id = $tenant_id AND e.id IN $ids
		MATCH (e)-[r]-(n:Entity {tenant_id: $tenant_id})
		WITH e, collect(DISTINCT n.id)[0..$cap] AS neighbors, collect(DISTINCT type(r))[0..$cap] AS rel_types
		RETURN e.id, neighbors, rel_types`,
		map[string]any{"tenant_id": tenantID, "ids": entityIDs, "cap": cap})
	if err != nil {
		return nil, errors.Internal("GRAPH_NEIGHBORHOOD", "failed to load neighborhoods").
			WithTenant(tenantID).
			WithCause(err).
			Build()
	}

	for _, record := range records {
		entityID, _ := record.Values[0].(string)
		neighborhood, ok := result[entityID]
		if !ok {
			continue
		}
		neighborhood.NeighborIDs = toStringSlice(record.Values[1])
		neighborhood.RelationshipTypes = toStringSlice(record.Values[2])
	}
	return result, nil
}

func (s *GraphStore) readEdges(ctx context.Context, tenantID, entityID string) ([]graphEdge, error) {
	records, err := s.executeRead(ctx, `
		MATCH (e:Entity {id: $id, tenant_id: $tenant_id})-[r]-(peer:Entity)
		RETURN r.id, type(r), peer.id, startNode(r) = e, properties(r)`,
		map[string]any{"id": entityID, "tenant_id": tenantID})
	if err != nil {
		return nil, errors.Internal("GRAPH_READ_EDGES", "failed to read entity edges").
			WithResource(entityID).
			WithCause(err).
			Build()
	}

	edges := make([]graphEdge, 0, len(records))
	for _, record := range records {
		edge := graphEdge{}
		edge.id, _ = record.Values[0].(string)
		edge.relType, _ = record.Values[1].(string)
		edge.peerID, _ = record.Values[2].(string)
		edge.outgoing, _ = record.Values[3].(bool)
		edge.props, _ = record.Values[4].(map[string]any)
		if edge.id == "" {
			// Edges written outside the store carry no id; skip rather
			// than invent one.
			continue
		}
		edges = append(edges, edge)
	}
	return edges, nil
}

func (s *GraphStore) deleteEdge(ctx context.Context, edgeID string) error {
	_, err := s.executeWrite(ctx,
		`MATCH ()-[r {id: $id}]-() DELETE r`,
		map[string]any{"id": edgeID})
	if err != nil {
		return errors.Internal("GRAPH_DELETE_EDGE", "failed to delete edge").
			WithResource(edgeID).
			WithCause(err).
			Build()
	}
	return nil
}

func (s *GraphStore) writeSession(ctx context.Context) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: s.database,
	})
}

func (s *GraphStore) executeWrite(ctx context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	session := s.writeSession(ctx)
	defer session.Close(ctx)

	records, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return result.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}
	return records.([]*neo4j.Record), nil
}

func (s *GraphStore) executeRead(ctx context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: s.database,
	})
	defer session.Close(ctx)

	records, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return result.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}
	return records.([]*neo4j.Record), nil
}

func toStringSlice(value any) []string {
	raw, ok := value.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
