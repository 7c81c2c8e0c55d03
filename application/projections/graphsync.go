package projections

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cartograph-backend/application/ports"
	"cartograph-backend/domain/consolidation"
	"cartograph-backend/domain/events"
)

// GraphSyncHandler mirrors entities and relationships into the graph store.
// The event log is the source of truth; graph writes aim for eventual
// convergence, so merge sub-steps degrade to logged warnings instead of
// blocking the projection, and the ops resync endpoint repairs stragglers.
type GraphSyncHandler struct {
	graph  ports.GraphStore
	logger *zap.Logger
}

func NewGraphSyncHandler(graph ports.GraphStore, logger *zap.Logger) *GraphSyncHandler {
	return &GraphSyncHandler{graph: graph, logger: logger.Named("graph_sync")}
}

func (h *GraphSyncHandler) Name() string { return "graph_sync" }

func (h *GraphSyncHandler) EventTypes() []string {
	return []string{
		events.TypeEntityExtracted,
		events.TypeRelationshipDiscovered,
		events.TypeEntitiesMerged,
		events.TypeMergeUndone,
		events.TypeEntitySplit,
	}
}

func (h *GraphSyncHandler) Handle(ctx context.Context, tx ports.Tx, event events.DomainEvent) error {
	switch e := event.(type) {
	case *events.EntityExtractedEvent:
		return h.syncEntity(ctx, tx, e)
	case *events.RelationshipDiscoveredEvent:
		return h.syncRelationship(ctx, tx, e)
	case *events.EntitiesMergedEvent:
		return h.syncMerge(ctx, e)
	case *events.MergeUndoneEvent:
		return h.syncUndo(ctx, tx, e)
	case *events.EntitySplitEvent:
		return h.syncSplit(ctx, tx, e)
	default:
		return fmt.Errorf("graph_sync: unexpected event type %s", event.EventType())
	}
}

// Reset wipes the graph and marks every relational row unsynced. The graph
// wipe is not transactional with the checkpoint rewind; if the process dies
// between the two, the cleared flags let the resync sweep finish the job.
func (h *GraphSyncHandler) Reset(ctx context.Context, tx ports.Tx) error {
	if err := h.graph.Clear(ctx); err != nil {
		return fmt.Errorf("graph_sync: clear graph: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE extracted_entities
		SET graph_node_id = NULL, synced_to_graph = FALSE, synced_at = NULL`); err != nil {
		return fmt.Errorf("graph_sync: reset entity sync flags: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE entity_relationships
		SET graph_relationship_id = NULL, synced_to_graph = FALSE`); err != nil {
		return fmt.Errorf("graph_sync: reset relationship sync flags: %w", err)
	}
	return nil
}

// syncEntity upserts the graph node and writes the node id back onto the
// relational row. The relational projection may not have applied this event
// yet; a zero-row write-back is fine because the resync sweep keys on
// synced_to_graph.
func (h *GraphSyncHandler) syncEntity(ctx context.Context, tx ports.Tx, e *events.EntityExtractedEvent) error {
	nodeID, err := h.graph.UpsertEntity(ctx, &consolidation.ExtractedEntity{
		ID:               e.EntityID,
		TenantID:         e.TenantID(),
		SourcePageID:     e.SourcePageID,
		EntityType:       e.EntityType,
		Name:             e.Name,
		NormalizedName:   e.NormalizedName,
		Description:      e.Description,
		Properties:       e.Properties,
		Confidence:       e.Confidence,
		ExtractionMethod: e.ExtractionMethod,
	})
	if err != nil {
		return fmt.Errorf("upsert graph entity %s: %w", e.EntityID, err)
	}

	updated, err := tx.Exec(ctx, `
		UPDATE extracted_entities
		SET graph_node_id = $3, synced_to_graph = TRUE, synced_at = NOW(), updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2::uuid`,
		e.TenantID(), e.EntityID, nodeID)
	if err != nil {
		return fmt.Errorf("write back graph node id: %w", err)
	}
	if updated == 0 {
		h.logger.Debug("entity row not materialized yet, resync will pick it up",
			zap.String("entity_id", e.EntityID))
	}
	return nil
}

func (h *GraphSyncHandler) syncRelationship(ctx context.Context, tx ports.Tx, e *events.RelationshipDiscoveredEvent) error {
	sourceID, err := resolvePageEntity(ctx, tx, e.TenantID(), e.PageID, e.SourceEntityName)
	if err != nil {
		return err
	}
	targetID, err := resolvePageEntity(ctx, tx, e.TenantID(), e.PageID, e.TargetEntityName)
	if err != nil {
		return err
	}
	if sourceID == "" || targetID == "" || sourceID == targetID {
		h.logger.Info("skipping graph relationship",
			zap.String("relationship_id", e.RelationshipID),
			zap.String("source_name", e.SourceEntityName),
			zap.String("target_name", e.TargetEntityName),
			zap.Bool("source_resolved", sourceID != ""),
			zap.Bool("target_resolved", targetID != ""))
		return nil
	}

	props := map[string]interface{}{}
	if e.Context != "" {
		props["context"] = e.Context
	}
	edgeID, err := h.graph.UpsertRelationship(ctx, e.TenantID(), e.RelationshipID,
		sourceID, targetID, e.RelationshipType, e.ConfidenceScore, props)
	if err != nil {
		return fmt.Errorf("upsert graph relationship %s: %w", e.RelationshipID, err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE entity_relationships
		SET graph_relationship_id = $3, synced_to_graph = TRUE, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2::uuid`,
		e.TenantID(), e.RelationshipID, edgeID)
	if err != nil {
		return fmt.Errorf("write back graph relationship id: %w", err)
	}
	return nil
}

// syncMerge transfers each merged node's edges onto the canonical node and
// deletes the merged node. Sub-steps fail independently; the handler only
// errors when nothing succeeded, so a single bad node cannot block the
// projection while a graph outage still triggers retry and dead-lettering.
func (h *GraphSyncHandler) syncMerge(ctx context.Context, e *events.EntitiesMergedEvent) error {
	var succeeded, failed int
	var firstErr error

	note := func(err error) {
		failed++
		if firstErr == nil {
			firstErr = err
		}
	}

	for _, mergedID := range e.MergedEntityIDs {
		transferred, err := h.graph.TransferRelationships(ctx, e.TenantID(), mergedID, e.CanonicalEntityID)
		if err != nil {
			h.logger.Warn("edge transfer failed, continuing merge",
				zap.String("merged_id", mergedID),
				zap.String("canonical_id", e.CanonicalEntityID),
				zap.Error(err))
			note(err)
		} else {
			succeeded++
			h.logger.Debug("transferred edges",
				zap.String("merged_id", mergedID),
				zap.Int("count", transferred))
		}

		if err := h.graph.DeleteEntity(ctx, e.TenantID(), mergedID); err != nil {
			h.logger.Warn("merged node delete failed, continuing merge",
				zap.String("merged_id", mergedID),
				zap.Error(err))
			note(err)
		} else {
			succeeded++
		}
	}

	if err := h.graph.RecordMergeMetadata(ctx, e.TenantID(), e.CanonicalEntityID,
		e.EventID(), e.MergedEntityNames, len(e.MergedEntityIDs)); err != nil {
		h.logger.Warn("canonical merge metadata failed",
			zap.String("canonical_id", e.CanonicalEntityID),
			zap.Error(err))
		note(err)
	} else {
		succeeded++
	}

	if succeeded == 0 && failed > 0 {
		return fmt.Errorf("graph merge sync made no progress: %w", firstErr)
	}
	return nil
}

// syncUndo recreates placeholder nodes for the restored entities. The merge
// service restores the relational rows before appending the event, so names
// and types are read from the read model; a missing row falls back to a bare
// placeholder that re-extraction fills in.
func (h *GraphSyncHandler) syncUndo(ctx context.Context, tx ports.Tx, e *events.MergeUndoneEvent) error {
	for _, restoredID := range e.RestoredEntityIDs {
		name, entityType, err := h.lookupNameAndType(ctx, tx, e.TenantID(), restoredID)
		if err != nil {
			return err
		}
		if err := h.graph.RestorePlaceholder(ctx, e.TenantID(), restoredID,
			name, entityType, e.OriginalMergeEventID); err != nil {
			return fmt.Errorf("restore placeholder %s: %w", restoredID, err)
		}
	}

	if err := h.graph.AnnotateEntity(ctx, e.TenantID(), e.CanonicalEntityID, map[string]interface{}{
		"undo_merge_event_id": e.OriginalMergeEventID,
		"undo_at":             e.Timestamp().UTC().Format(time.RFC3339),
		"undo_restored_count": len(e.RestoredEntityIDs),
	}); err != nil {
		return fmt.Errorf("annotate canonical undo: %w", err)
	}
	return nil
}

func (h *GraphSyncHandler) syncSplit(ctx context.Context, tx ports.Tx, e *events.EntitySplitEvent) error {
	if len(e.NewEntityIDs) == 0 || len(e.NewEntityIDs) != len(e.NewEntityNames) {
		h.logger.Warn("skipping malformed split event", zap.String("event_id", e.EventID()))
		return nil
	}

	_, entityType, err := h.lookupNameAndType(ctx, tx, e.TenantID(), e.OriginalEntityID)
	if err != nil {
		return err
	}

	for i, newID := range e.NewEntityIDs {
		name := e.NewEntityNames[i]
		props := map[string]interface{}{}
		for k, v := range e.PropertyAssignments[newID] {
			props[k] = v
		}
		props["split_from"] = e.OriginalEntityID
		props["split_event_id"] = e.EventID()

		if _, err := h.graph.UpsertEntity(ctx, &consolidation.ExtractedEntity{
			ID:               newID,
			TenantID:         e.TenantID(),
			EntityType:       entityType,
			Name:             name,
			NormalizedName:   consolidation.NormalizeName(name),
			Properties:       props,
			ExtractionMethod: "manual_split",
		}); err != nil {
			return fmt.Errorf("upsert split entity %s: %w", newID, err)
		}
	}

	moved, err := h.graph.ReassignRelationships(ctx, e.TenantID(), e.OriginalEntityID,
		e.RelationshipAssignments, e.NewEntityIDs[0])
	if err != nil {
		return fmt.Errorf("reassign split relationships: %w", err)
	}
	h.logger.Debug("reassigned split edges",
		zap.String("original_id", e.OriginalEntityID),
		zap.Int("count", moved))

	if err := h.graph.AnnotateEntity(ctx, e.TenantID(), e.OriginalEntityID, map[string]interface{}{
		"is_split":       true,
		"split_event_id": e.EventID(),
		"split_at":       e.Timestamp().UTC().Format(time.RFC3339),
	}); err != nil {
		return fmt.Errorf("annotate split original: %w", err)
	}
	return nil
}

func (h *GraphSyncHandler) lookupNameAndType(ctx context.Context, tx ports.Tx, tenantID, entityID string) (name, entityType string, err error) {
	rows, err := tx.Query(ctx, `
		SELECT name, entity_type FROM extracted_entities
		WHERE tenant_id = $1 AND id = $2::uuid`,
		tenantID, entityID)
	if err != nil {
		return "", "", fmt.Errorf("lookup entity %s: %w", entityID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return "", "", rows.Err()
	}
	if err := rows.Scan(&name, &entityType); err != nil {
		return "", "", fmt.Errorf("scan entity %s: %w", entityID, err)
	}
	return name, entityType, nil
}
