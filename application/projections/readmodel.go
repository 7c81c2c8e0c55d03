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

// ReadModelHandler maintains the relational read model: extracted entities,
// relationships, the merge review queue, aliases, and merge history. All
// writes are upserts keyed on event-carried ids so redelivery is a no-op.
type ReadModelHandler struct {
	logger *zap.Logger
}

func NewReadModelHandler(logger *zap.Logger) *ReadModelHandler {
	return &ReadModelHandler{logger: logger.Named("read_model")}
}

func (h *ReadModelHandler) Name() string { return "read_model" }

func (h *ReadModelHandler) EventTypes() []string {
	return []string{
		events.TypeEntityExtracted,
		events.TypeRelationshipDiscovered,
		events.TypeEntitiesMerged,
		events.TypeAliasCreated,
		events.TypeMergeUndone,
		events.TypeEntitySplit,
		events.TypeMergeQueuedForReview,
		events.TypeMergeReviewDecision,
		events.TypeConsolidationConfigUpdated,
	}
}

func (h *ReadModelHandler) Handle(ctx context.Context, tx ports.Tx, event events.DomainEvent) error {
	switch e := event.(type) {
	case *events.EntityExtractedEvent:
		return h.applyEntityExtracted(ctx, tx, e)
	case *events.RelationshipDiscoveredEvent:
		return h.applyRelationshipDiscovered(ctx, tx, e)
	case *events.EntitiesMergedEvent:
		return h.applyEntitiesMerged(ctx, tx, e)
	case *events.AliasCreatedEvent:
		return h.applyAliasCreated(ctx, tx, e)
	case *events.MergeUndoneEvent:
		return h.applyMergeUndone(ctx, tx, e)
	case *events.EntitySplitEvent:
		return h.applyEntitySplit(ctx, tx, e)
	case *events.MergeQueuedForReviewEvent:
		return h.applyMergeQueued(ctx, tx, e)
	case *events.MergeReviewDecisionEvent:
		return h.applyReviewDecision(ctx, tx, e)
	case *events.ConsolidationConfigUpdatedEvent:
		return h.applyConfigUpdated(ctx, tx, e)
	default:
		return fmt.Errorf("read_model: unexpected event type %s", event.EventType())
	}
}

// Reset empties every table this projection maintains. Aliases and
// relationships go first because they reference extracted_entities.
func (h *ReadModelHandler) Reset(ctx context.Context, tx ports.Tx) error {
	for _, table := range []string{
		"entity_aliases",
		"entity_relationships",
		"merge_review_queue",
		"merge_history",
		"tenant_consolidation_config",
		"extracted_entities",
	} {
		if _, err := tx.Exec(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("read_model: reset %s: %w", table, err)
		}
	}
	return nil
}

// applyEntityExtracted upserts the entity row. Re-extraction of the same
// page produces a fresh entity id, so the first write targets the natural
// key (tenant, page, type, normalized name) of the still-canonical row;
// only when no such row exists does the event id become a new row. The
// fallback upsert never touches is_canonical or is_alias_of, so a demotion
// from an earlier merge stays in place.
func (h *ReadModelHandler) applyEntityExtracted(ctx context.Context, tx ports.Tx, e *events.EntityExtractedEvent) error {
	props := e.Properties
	if props == nil {
		props = map[string]interface{}{}
	}

	if e.SourcePageID != "" {
		updated, err := tx.Exec(ctx, `
			UPDATE extracted_entities
			SET name = $5, description = $6, properties = $7, confidence = $8,
				extraction_method = $9, updated_at = NOW()
			WHERE tenant_id = $1 AND source_page_id = $2::uuid
				AND entity_type = $3 AND normalized_name = $4 AND is_canonical`,
			e.TenantID(), e.SourcePageID, e.EntityType, e.NormalizedName,
			e.Name, e.Description, props, e.Confidence, e.ExtractionMethod)
		if err != nil {
			return fmt.Errorf("update entity by page key: %w", err)
		}
		if updated > 0 {
			return nil
		}
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO extracted_entities
			(id, tenant_id, source_page_id, entity_type, name, normalized_name,
			 description, properties, extraction_method, confidence)
		VALUES ($1::uuid, $2, NULLIF($3, '')::uuid, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			properties = EXCLUDED.properties,
			extraction_method = EXCLUDED.extraction_method,
			confidence = EXCLUDED.confidence,
			updated_at = NOW()`,
		e.EntityID, e.TenantID(), e.SourcePageID, e.EntityType, e.Name,
		e.NormalizedName, e.Description, props, e.ExtractionMethod, e.Confidence)
	if err != nil {
		return fmt.Errorf("insert entity %s: %w", e.EntityID, err)
	}
	return nil
}

// applyRelationshipDiscovered resolves both endpoint names against entities
// extracted from the same page and upserts the relationship row. Unresolvable
// endpoints and self-loops are logged and skipped; the event stays in the log
// for later compensation.
func (h *ReadModelHandler) applyRelationshipDiscovered(ctx context.Context, tx ports.Tx, e *events.RelationshipDiscoveredEvent) error {
	sourceID, err := resolvePageEntity(ctx, tx, e.TenantID(), e.PageID, e.SourceEntityName)
	if err != nil {
		return err
	}
	targetID, err := resolvePageEntity(ctx, tx, e.TenantID(), e.PageID, e.TargetEntityName)
	if err != nil {
		return err
	}
	if sourceID == "" || targetID == "" {
		h.logger.Info("skipping relationship with unresolved endpoint",
			zap.String("relationship_id", e.RelationshipID),
			zap.String("source_name", e.SourceEntityName),
			zap.String("target_name", e.TargetEntityName),
			zap.Bool("source_resolved", sourceID != ""),
			zap.Bool("target_resolved", targetID != ""))
		return nil
	}
	if sourceID == targetID {
		h.logger.Info("skipping self-loop relationship",
			zap.String("relationship_id", e.RelationshipID),
			zap.String("entity_id", sourceID))
		return nil
	}

	props := map[string]interface{}{}
	if e.Context != "" {
		props["context"] = e.Context
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO entity_relationships
			(id, tenant_id, source_entity_id, target_entity_id,
			 relationship_type, properties, confidence)
		VALUES ($1::uuid, $2, $3::uuid, $4::uuid, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			relationship_type = EXCLUDED.relationship_type,
			properties = EXCLUDED.properties,
			confidence = EXCLUDED.confidence,
			updated_at = NOW()`,
		e.RelationshipID, e.TenantID(), sourceID, targetID,
		e.RelationshipType, props, e.ConfidenceScore)
	if err != nil {
		return fmt.Errorf("upsert relationship %s: %w", e.RelationshipID, err)
	}
	return nil
}

// resolvePageEntity maps an extracted name back to its entity row by the
// page it came from. Returns "" when no such entity exists.
func resolvePageEntity(ctx context.Context, tx ports.Tx, tenantID, pageID, name string) (string, error) {
	rows, err := tx.Query(ctx, `
		SELECT id::text FROM extracted_entities
		WHERE tenant_id = $1 AND source_page_id = $2::uuid AND name = $3
		ORDER BY created_at
		LIMIT 1`,
		tenantID, pageID, name)
	if err != nil {
		return "", fmt.Errorf("resolve entity %q: %w", name, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return "", rows.Err()
	}
	var id string
	if err := rows.Scan(&id); err != nil {
		return "", fmt.Errorf("scan entity id for %q: %w", name, err)
	}
	return id, nil
}

// applyEntitiesMerged demotes the merged entities to aliases of the
// canonical, stamps merge metadata on the canonical's properties, expires
// pending review items referencing any involved entity, and materializes
// the merge-history row. The metadata update is guarded by the merge event
// id so replays do not double the counter.
func (h *ReadModelHandler) applyEntitiesMerged(ctx context.Context, tx ports.Tx, e *events.EntitiesMergedEvent) error {
	_, err := tx.Exec(ctx, `
		UPDATE extracted_entities
		SET is_canonical = FALSE, is_alias_of = $3::uuid, updated_at = NOW()
		WHERE tenant_id = $1 AND id = ANY($2::uuid[]) AND id <> $3::uuid`,
		e.TenantID(), e.MergedEntityIDs, e.CanonicalEntityID)
	if err != nil {
		return fmt.Errorf("demote merged entities: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE extracted_entities
		SET properties = properties || jsonb_build_object(
				'_merged_count', COALESCE((properties->>'_merged_count')::int, 0) + $4,
				'_last_merged_at', $5::text,
				'_merge_event_id', $3::text),
			updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2::uuid
			AND properties->>'_merge_event_id' IS DISTINCT FROM $3`,
		e.TenantID(), e.CanonicalEntityID, e.EventID(),
		len(e.MergedEntityIDs), e.Timestamp().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("stamp canonical merge metadata: %w", err)
	}

	involved := append(append([]string{}, e.MergedEntityIDs...), e.CanonicalEntityID)
	if err := h.expireReviews(ctx, tx, e.TenantID(), involved); err != nil {
		return err
	}

	scores := e.SimilarityScores
	if scores == nil {
		scores = map[string]float64{}
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO merge_history
			(id, tenant_id, merge_event_id, canonical_entity_id, merged_entity_ids,
			 merge_reason, similarity_scores, merged_by, merged_at)
		VALUES ($1::uuid, $2, $1::uuid, $3::uuid, $4, $5, $6, NULLIF($7, ''), $8)
		ON CONFLICT (merge_event_id) DO NOTHING`,
		e.EventID(), e.TenantID(), e.CanonicalEntityID, e.MergedEntityIDs,
		e.MergeReason, scores, e.MergedByUserID, e.Timestamp().UTC())
	if err != nil {
		return fmt.Errorf("insert merge history: %w", err)
	}
	return nil
}

func (h *ReadModelHandler) applyAliasCreated(ctx context.Context, tx ports.Tx, e *events.AliasCreatedEvent) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO entity_aliases
			(id, tenant_id, canonical_entity_id, alias_name, original_entity_id, merge_event_id)
		VALUES ($1::uuid, $2, $3::uuid, $4, $5::uuid, $6::uuid)
		ON CONFLICT (id) DO NOTHING`,
		e.AliasID, e.TenantID(), e.CanonicalEntityID, e.AliasName,
		e.OriginalEntityID, e.MergeEventID)
	if err != nil {
		return fmt.Errorf("insert alias %s: %w", e.AliasID, err)
	}
	return nil
}

// applyMergeUndone stamps undo metadata on the canonical and flips the
// merge-history row. Entity rows are restored synchronously by the merge
// service before the event is appended, so the handler does not touch them.
func (h *ReadModelHandler) applyMergeUndone(ctx context.Context, tx ports.Tx, e *events.MergeUndoneEvent) error {
	_, err := tx.Exec(ctx, `
		UPDATE extracted_entities
		SET properties = properties || jsonb_build_object(
				'_undo_merge_event_id', $3::text,
				'_undo_at', $4::text,
				'_undo_restored_count', $5),
			updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2::uuid`,
		e.TenantID(), e.CanonicalEntityID, e.OriginalMergeEventID,
		e.Timestamp().UTC().Format(time.RFC3339), len(e.RestoredEntityIDs))
	if err != nil {
		return fmt.Errorf("stamp canonical undo metadata: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE merge_history
		SET undone = TRUE, undone_by = NULLIF($3, ''), undone_at = $4, undo_reason = $5
		WHERE tenant_id = $1 AND merge_event_id = $2::uuid AND NOT undone`,
		e.TenantID(), e.OriginalMergeEventID, e.UndoneByUserID,
		e.Timestamp().UTC(), e.UndoReason)
	if err != nil {
		return fmt.Errorf("mark merge history undone: %w", err)
	}
	return nil
}

// applyEntitySplit creates the new entity rows, demotes the original to an
// alias of the first successor, and expires review items referencing the
// original. Split entities carry no source page: the page provenance stays
// on the demoted original and in the _split_from property.
func (h *ReadModelHandler) applyEntitySplit(ctx context.Context, tx ports.Tx, e *events.EntitySplitEvent) error {
	if len(e.NewEntityIDs) == 0 || len(e.NewEntityIDs) != len(e.NewEntityNames) {
		h.logger.Warn("skipping malformed split event",
			zap.String("event_id", e.EventID()),
			zap.Int("ids", len(e.NewEntityIDs)),
			zap.Int("names", len(e.NewEntityNames)))
		return nil
	}

	entityType, confidence, found, err := h.lookupOriginal(ctx, tx, e.TenantID(), e.OriginalEntityID)
	if err != nil {
		return err
	}
	if !found {
		h.logger.Warn("skipping split of unknown entity",
			zap.String("entity_id", e.OriginalEntityID))
		return nil
	}

	splitAt := e.Timestamp().UTC().Format(time.RFC3339)
	for i, newID := range e.NewEntityIDs {
		name := e.NewEntityNames[i]
		props := map[string]interface{}{}
		for k, v := range e.PropertyAssignments[newID] {
			props[k] = v
		}
		props["_split_from"] = e.OriginalEntityID
		props["_split_event_id"] = e.EventID()

		_, err := tx.Exec(ctx, `
			INSERT INTO extracted_entities
				(id, tenant_id, entity_type, name, normalized_name,
				 properties, extraction_method, confidence)
			VALUES ($1::uuid, $2, $3, $4, $5, $6, 'manual_split', $7)
			ON CONFLICT (id) DO NOTHING`,
			newID, e.TenantID(), entityType, name,
			consolidation.NormalizeName(name), props, confidence)
		if err != nil {
			return fmt.Errorf("insert split entity %s: %w", newID, err)
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE extracted_entities
		SET is_canonical = FALSE, is_alias_of = $3::uuid,
			properties = properties || jsonb_build_object(
				'_split_into', $4::jsonb,
				'_split_at', $5::text,
				'_split_event_id', $6::text,
				'_split_reason', $7::text),
			updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2::uuid
			AND properties->>'_split_event_id' IS DISTINCT FROM $6`,
		e.TenantID(), e.OriginalEntityID, e.NewEntityIDs[0],
		e.NewEntityIDs, splitAt, e.EventID(), e.SplitReason)
	if err != nil {
		return fmt.Errorf("demote split original: %w", err)
	}

	return h.expireReviews(ctx, tx, e.TenantID(), []string{e.OriginalEntityID})
}

func (h *ReadModelHandler) lookupOriginal(ctx context.Context, tx ports.Tx, tenantID, entityID string) (entityType string, confidence float64, found bool, err error) {
	rows, err := tx.Query(ctx, `
		SELECT entity_type, confidence FROM extracted_entities
		WHERE tenant_id = $1 AND id = $2::uuid`,
		tenantID, entityID)
	if err != nil {
		return "", 0, false, fmt.Errorf("lookup split original: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return "", 0, false, rows.Err()
	}
	if err := rows.Scan(&entityType, &confidence); err != nil {
		return "", 0, false, fmt.Errorf("scan split original: %w", err)
	}
	return entityType, confidence, true, nil
}

func (h *ReadModelHandler) expireReviews(ctx context.Context, tx ports.Tx, tenantID string, entityIDs []string) error {
	_, err := tx.Exec(ctx, `
		UPDATE merge_review_queue
		SET status = 'expired', updated_at = NOW()
		WHERE tenant_id = $1 AND status = 'pending'
			AND (entity_a_id = ANY($2::uuid[]) OR entity_b_id = ANY($2::uuid[]))`,
		tenantID, entityIDs)
	if err != nil {
		return fmt.Errorf("expire review items: %w", err)
	}
	return nil
}

// applyMergeQueued upserts the review row keyed on the ordered pair. A
// re-scored pair refreshes its confidence and returns to pending, which is
// the intended behavior for expired and deferred rows.
func (h *ReadModelHandler) applyMergeQueued(ctx context.Context, tx ports.Tx, e *events.MergeQueuedForReviewEvent) error {
	first, second := consolidation.OrderedPair(e.EntityAID, e.EntityBID)
	scores := e.SimilarityScores
	if scores == nil {
		scores = map[string]float64{}
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO merge_review_queue
			(id, tenant_id, entity_a_id, entity_b_id, confidence,
			 review_priority, similarity_scores, queue_reason, status)
		VALUES ($1::uuid, $2, $3::uuid, $4::uuid, $5, $6, $7, $8, 'pending')
		ON CONFLICT (tenant_id, entity_a_id, entity_b_id) DO UPDATE SET
			confidence = EXCLUDED.confidence,
			review_priority = EXCLUDED.review_priority,
			similarity_scores = EXCLUDED.similarity_scores,
			queue_reason = EXCLUDED.queue_reason,
			status = 'pending',
			updated_at = NOW()`,
		e.AggregateID(), e.TenantID(), first, second, e.Confidence,
		e.ReviewPriority, scores, e.QueueReason)
	if err != nil {
		return fmt.Errorf("upsert review queue item: %w", err)
	}
	return nil
}

// applyConfigUpdated upserts the tenant's settings row from the event's full
// after-snapshot, so the write never depends on the row's current state. The
// row timestamp comes from the event, keeping replays deterministic. Snapshot
// values have been through JSON, so numbers arrive as float64.
func (h *ReadModelHandler) applyConfigUpdated(ctx context.Context, tx ports.Tx, e *events.ConsolidationConfigUpdatedEvent) error {
	autoMerge, okAuto := snapshotFloat(e.NewValues, "auto_merge_threshold")
	review, okReview := snapshotFloat(e.NewValues, "review_threshold")
	reject, okReject := snapshotFloat(e.NewValues, "reject_threshold")
	blockSize, okBlock := snapshotFloat(e.NewValues, "max_block_size")
	embedding, okEmbedding := e.NewValues["enable_embedding"].(bool)
	graph, okGraph := e.NewValues["enable_graph"].(bool)
	weights, okWeights := e.NewValues["feature_weights"].(map[string]interface{})
	if !okAuto || !okReview || !okReject || !okBlock || !okEmbedding || !okGraph || !okWeights {
		h.logger.Warn("skipping malformed config update",
			zap.String("event_id", e.EventID()),
			zap.String("tenant_id", e.TenantID()))
		return nil
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO tenant_consolidation_config
			(tenant_id, auto_merge_threshold, review_threshold, reject_threshold,
			 feature_weights, enable_embedding, enable_graph, max_block_size,
			 updated_by, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10)
		ON CONFLICT (tenant_id) DO UPDATE SET
			auto_merge_threshold = EXCLUDED.auto_merge_threshold,
			review_threshold = EXCLUDED.review_threshold,
			reject_threshold = EXCLUDED.reject_threshold,
			feature_weights = EXCLUDED.feature_weights,
			enable_embedding = EXCLUDED.enable_embedding,
			enable_graph = EXCLUDED.enable_graph,
			max_block_size = EXCLUDED.max_block_size,
			updated_by = EXCLUDED.updated_by,
			updated_at = EXCLUDED.updated_at`,
		e.TenantID(), autoMerge, review, reject, weights, embedding, graph,
		int(blockSize), e.UpdatedByUserID, e.Timestamp().UTC())
	if err != nil {
		return fmt.Errorf("upsert consolidation config: %w", err)
	}
	return nil
}

func snapshotFloat(values map[string]interface{}, key string) (float64, bool) {
	switch v := values[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func (h *ReadModelHandler) applyReviewDecision(ctx context.Context, tx ports.Tx, e *events.MergeReviewDecisionEvent) error {
	var status string
	switch e.Decision {
	case events.DecisionApprove:
		status = "approved"
	case events.DecisionReject, events.DecisionMarkDifferent:
		status = "rejected"
	case events.DecisionDefer:
		status = "deferred"
	default:
		h.logger.Warn("ignoring unknown review decision",
			zap.String("decision", e.Decision),
			zap.String("review_item_id", e.ReviewItemID))
		return nil
	}

	_, err := tx.Exec(ctx, `
		UPDATE merge_review_queue
		SET status = $3, reviewed_by = NULLIF($4, ''), reviewed_at = $5,
			reviewer_notes = $6, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2::uuid`,
		e.TenantID(), e.ReviewItemID, status, e.ReviewerUserID,
		e.Timestamp().UTC(), e.ReviewerNotes)
	if err != nil {
		return fmt.Errorf("apply review decision %s: %w", e.ReviewItemID, err)
	}
	return nil
}
