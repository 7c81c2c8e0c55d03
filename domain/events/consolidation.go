package events

// Consolidation event types.
const (
	TypeMergeCandidateIdentified    = "MergeCandidateIdentified"
	TypeEntitiesMerged              = "EntitiesMerged"
	TypeAliasCreated                = "AliasCreated"
	TypeMergeQueuedForReview        = "MergeQueuedForReview"
	TypeMergeReviewDecision         = "MergeReviewDecision"
	TypeMergeUndone                 = "MergeUndone"
	TypeEntitySplit                 = "EntitySplit"
	TypeBatchConsolidationStarted   = "BatchConsolidationStarted"
	TypeBatchConsolidationProgress  = "BatchConsolidationProgress"
	TypeBatchConsolidationCompleted = "BatchConsolidationCompleted"
	TypeBatchConsolidationFailed    = "BatchConsolidationFailed"
	TypeConsolidationConfigUpdated  = "ConsolidationConfigUpdated"
)

// Review decisions.
const (
	DecisionApprove       = "approve"
	DecisionReject        = "reject"
	DecisionDefer         = "defer"
	DecisionMarkDifferent = "mark_different"
)

// MergeCandidateIdentifiedEvent records a scored pair before routing.
type MergeCandidateIdentifiedEvent struct {
	BaseEvent
	EntityAID           string             `json:"entity_a_id"`
	EntityBID           string             `json:"entity_b_id"`
	CombinedConfidence  float64            `json:"combined_confidence"`
	SimilarityScores    map[string]float64 `json:"similarity_scores"`
	BlockingKeysMatched []string           `json:"blocking_keys_matched"`
}

// NewMergeCandidateIdentifiedEvent creates a new MergeCandidateIdentifiedEvent
// on the pair stream.
func NewMergeCandidateIdentifiedEvent(pairID, tenantID, entityAID, entityBID string, combined float64, scores map[string]float64, blockingKeys []string, version int) *MergeCandidateIdentifiedEvent {
	return &MergeCandidateIdentifiedEvent{
		BaseEvent:           newBaseEvent(TypeMergeCandidateIdentified, pairID, AggregateMergePair, tenantID, "", version),
		EntityAID:           entityAID,
		EntityBID:           entityBID,
		CombinedConfidence:  combined,
		SimilarityScores:    scores,
		BlockingKeysMatched: blockingKeys,
	}
}

// EventData returns the event-specific data.
func (e *MergeCandidateIdentifiedEvent) EventData() map[string]interface{} {
	return map[string]interface{}{
		"entity_a_id":           e.EntityAID,
		"entity_b_id":           e.EntityBID,
		"combined_confidence":   e.CombinedConfidence,
		"similarity_scores":     e.SimilarityScores,
		"blocking_keys_matched": e.BlockingKeysMatched,
	}
}

// EntitiesMergedEvent collapses one or more entities into a canonical one.
type EntitiesMergedEvent struct {
	BaseEvent
	CanonicalEntityID         string                 `json:"canonical_entity_id"`
	MergedEntityIDs           []string               `json:"merged_entity_ids"`
	MergedEntityNames         []string               `json:"merged_entity_names"`
	MergeReason               string                 `json:"merge_reason"`
	SimilarityScores          map[string]float64     `json:"similarity_scores,omitempty"`
	PropertyMergeDetails      map[string]interface{} `json:"property_merge_details,omitempty"`
	RelationshipTransferCount int                    `json:"relationship_transfer_count"`
	MergedByUserID            string                 `json:"merged_by_user_id,omitempty"`
}

// NewEntitiesMergedEvent creates a new EntitiesMergedEvent on the canonical
// entity's cluster stream.
func NewEntitiesMergedEvent(tenantID, canonicalID string, mergedIDs, mergedNames []string, reason string, scores map[string]float64, propertyDetails map[string]interface{}, transferCount int, mergedBy string, version int) *EntitiesMergedEvent {
	return &EntitiesMergedEvent{
		BaseEvent:                 newBaseEvent(TypeEntitiesMerged, canonicalID, AggregateEntityCluster, tenantID, mergedBy, version),
		CanonicalEntityID:         canonicalID,
		MergedEntityIDs:           mergedIDs,
		MergedEntityNames:         mergedNames,
		MergeReason:               reason,
		SimilarityScores:          scores,
		PropertyMergeDetails:      propertyDetails,
		RelationshipTransferCount: transferCount,
		MergedByUserID:            mergedBy,
	}
}

// EventData returns the event-specific data.
func (e *EntitiesMergedEvent) EventData() map[string]interface{} {
	return map[string]interface{}{
		"canonical_entity_id":         e.CanonicalEntityID,
		"merged_entity_ids":           e.MergedEntityIDs,
		"merged_entity_names":         e.MergedEntityNames,
		"merge_reason":                e.MergeReason,
		"similarity_scores":           e.SimilarityScores,
		"property_merge_details":      e.PropertyMergeDetails,
		"relationship_transfer_count": e.RelationshipTransferCount,
		"merged_by_user_id":           e.MergedByUserID,
	}
}

// AliasCreatedEvent records one merged entity becoming an alias.
type AliasCreatedEvent struct {
	BaseEvent
	AliasID           string `json:"alias_id"`
	CanonicalEntityID string `json:"canonical_entity_id"`
	AliasName         string `json:"alias_name"`
	OriginalEntityID  string `json:"original_entity_id"`
	MergeEventID      string `json:"merge_event_id"`
}

// NewAliasCreatedEvent creates a new AliasCreatedEvent.
func NewAliasCreatedEvent(tenantID, canonicalID, aliasID, aliasName, originalEntityID, mergeEventID string, version int) *AliasCreatedEvent {
	return &AliasCreatedEvent{
		BaseEvent:         newBaseEvent(TypeAliasCreated, canonicalID, AggregateEntityCluster, tenantID, "", version),
		AliasID:           aliasID,
		CanonicalEntityID: canonicalID,
		AliasName:         aliasName,
		OriginalEntityID:  originalEntityID,
		MergeEventID:      mergeEventID,
	}
}

// EventData returns the event-specific data.
func (e *AliasCreatedEvent) EventData() map[string]interface{} {
	return map[string]interface{}{
		"alias_id":            e.AliasID,
		"canonical_entity_id": e.CanonicalEntityID,
		"alias_name":          e.AliasName,
		"original_entity_id":  e.OriginalEntityID,
		"merge_event_id":      e.MergeEventID,
	}
}

// MergeQueuedForReviewEvent queues a medium-confidence pair for human review.
type MergeQueuedForReviewEvent struct {
	BaseEvent
	EntityAID        string             `json:"entity_a_id"`
	EntityBID        string             `json:"entity_b_id"`
	Confidence       float64            `json:"confidence"`
	ReviewPriority   int                `json:"review_priority"`
	QueueReason      string             `json:"queue_reason"`
	SimilarityScores map[string]float64 `json:"similarity_scores,omitempty"`
}

// NewMergeQueuedForReviewEvent creates a new MergeQueuedForReviewEvent on the
// pair stream.
func NewMergeQueuedForReviewEvent(pairID, tenantID, entityAID, entityBID string, confidence float64, priority int, reason string, scores map[string]float64, version int) *MergeQueuedForReviewEvent {
	return &MergeQueuedForReviewEvent{
		BaseEvent:        newBaseEvent(TypeMergeQueuedForReview, pairID, AggregateMergePair, tenantID, "", version),
		EntityAID:        entityAID,
		EntityBID:        entityBID,
		Confidence:       confidence,
		ReviewPriority:   priority,
		QueueReason:      reason,
		SimilarityScores: scores,
	}
}

// EventData returns the event-specific data.
func (e *MergeQueuedForReviewEvent) EventData() map[string]interface{} {
	return map[string]interface{}{
		"entity_a_id":       e.EntityAID,
		"entity_b_id":       e.EntityBID,
		"confidence":        e.Confidence,
		"review_priority":   e.ReviewPriority,
		"queue_reason":      e.QueueReason,
		"similarity_scores": e.SimilarityScores,
	}
}

// MergeReviewDecisionEvent records a reviewer's verdict on a queued pair.
type MergeReviewDecisionEvent struct {
	BaseEvent
	ReviewItemID       string  `json:"review_item_id"`
	EntityAID          string  `json:"entity_a_id"`
	EntityBID          string  `json:"entity_b_id"`
	Decision           string  `json:"decision"`
	ReviewerUserID     string  `json:"reviewer_user_id"`
	ReviewerNotes      string  `json:"reviewer_notes,omitempty"`
	OriginalConfidence float64 `json:"original_confidence"`
}

// NewMergeReviewDecisionEvent creates a new MergeReviewDecisionEvent.
func NewMergeReviewDecisionEvent(pairID, tenantID, reviewItemID, entityAID, entityBID, decision, reviewerUserID, notes string, originalConfidence float64, version int) *MergeReviewDecisionEvent {
	return &MergeReviewDecisionEvent{
		BaseEvent:          newBaseEvent(TypeMergeReviewDecision, pairID, AggregateMergePair, tenantID, reviewerUserID, version),
		ReviewItemID:       reviewItemID,
		EntityAID:          entityAID,
		EntityBID:          entityBID,
		Decision:           decision,
		ReviewerUserID:     reviewerUserID,
		ReviewerNotes:      notes,
		OriginalConfidence: originalConfidence,
	}
}

// EventData returns the event-specific data.
func (e *MergeReviewDecisionEvent) EventData() map[string]interface{} {
	return map[string]interface{}{
		"review_item_id":      e.ReviewItemID,
		"entity_a_id":         e.EntityAID,
		"entity_b_id":         e.EntityBID,
		"decision":            e.Decision,
		"reviewer_user_id":    e.ReviewerUserID,
		"reviewer_notes":      e.ReviewerNotes,
		"original_confidence": e.OriginalConfidence,
	}
}

// MergeUndoneEvent reverses a previous merge.
type MergeUndoneEvent struct {
	BaseEvent
	OriginalMergeEventID string   `json:"original_merge_event_id"`
	CanonicalEntityID    string   `json:"canonical_entity_id"`
	RestoredEntityIDs    []string `json:"restored_entity_ids"`
	OriginalEntityIDs    []string `json:"original_entity_ids"`
	UndoReason           string   `json:"undo_reason"`
	UndoneByUserID       string   `json:"undone_by_user_id"`
}

// NewMergeUndoneEvent creates a new MergeUndoneEvent on the cluster stream.
func NewMergeUndoneEvent(tenantID, canonicalID, originalMergeEventID string, restoredIDs, originalIDs []string, reason, undoneBy string, version int) *MergeUndoneEvent {
	return &MergeUndoneEvent{
		BaseEvent:            newBaseEvent(TypeMergeUndone, canonicalID, AggregateEntityCluster, tenantID, undoneBy, version),
		OriginalMergeEventID: originalMergeEventID,
		CanonicalEntityID:    canonicalID,
		RestoredEntityIDs:    restoredIDs,
		OriginalEntityIDs:    originalIDs,
		UndoReason:           reason,
		UndoneByUserID:       undoneBy,
	}
}

// EventData returns the event-specific data.
func (e *MergeUndoneEvent) EventData() map[string]interface{} {
	return map[string]interface{}{
		"original_merge_event_id": e.OriginalMergeEventID,
		"canonical_entity_id":     e.CanonicalEntityID,
		"restored_entity_ids":     e.RestoredEntityIDs,
		"original_entity_ids":     e.OriginalEntityIDs,
		"undo_reason":             e.UndoReason,
		"undone_by_user_id":       e.UndoneByUserID,
	}
}

// EntitySplitEvent splits one entity into two or more new entities.
// RelationshipAssignments maps relationship id to the new entity id that
// should own it; unassigned relationships move to the first new entity.
type EntitySplitEvent struct {
	BaseEvent
	OriginalEntityID        string                            `json:"original_entity_id"`
	NewEntityIDs            []string                          `json:"new_entity_ids"`
	NewEntityNames          []string                          `json:"new_entity_names"`
	RelationshipAssignments map[string]string                 `json:"relationship_assignments,omitempty"`
	PropertyAssignments     map[string]map[string]interface{} `json:"property_assignments,omitempty"`
	SplitReason             string                            `json:"split_reason"`
	SplitByUserID           string                            `json:"split_by_user_id"`
}

// NewEntitySplitEvent creates a new EntitySplitEvent on the cluster stream of
// the original entity.
func NewEntitySplitEvent(tenantID, originalEntityID string, newIDs, newNames []string, relationshipAssignments map[string]string, propertyAssignments map[string]map[string]interface{}, reason, splitBy string, version int) *EntitySplitEvent {
	return &EntitySplitEvent{
		BaseEvent:               newBaseEvent(TypeEntitySplit, originalEntityID, AggregateEntityCluster, tenantID, splitBy, version),
		OriginalEntityID:        originalEntityID,
		NewEntityIDs:            newIDs,
		NewEntityNames:          newNames,
		RelationshipAssignments: relationshipAssignments,
		PropertyAssignments:     propertyAssignments,
		SplitReason:             reason,
		SplitByUserID:           splitBy,
	}
}

// EventData returns the event-specific data.
func (e *EntitySplitEvent) EventData() map[string]interface{} {
	return map[string]interface{}{
		"original_entity_id":       e.OriginalEntityID,
		"new_entity_ids":           e.NewEntityIDs,
		"new_entity_names":         e.NewEntityNames,
		"relationship_assignments": e.RelationshipAssignments,
		"property_assignments":     e.PropertyAssignments,
		"split_reason":             e.SplitReason,
		"split_by_user_id":         e.SplitByUserID,
	}
}

// BatchConsolidationStartedEvent opens a batch job stream.
type BatchConsolidationStartedEvent struct {
	BaseEvent
	JobID       string `json:"job_id"`
	EntityCount int    `json:"entity_count"`
	Actor       string `json:"actor,omitempty"`
	DryRun      bool   `json:"dry_run"`
}

// NewBatchConsolidationStartedEvent creates a new BatchConsolidationStartedEvent.
func NewBatchConsolidationStartedEvent(jobID, tenantID string, entityCount int, actor string, dryRun bool, version int) *BatchConsolidationStartedEvent {
	return &BatchConsolidationStartedEvent{
		BaseEvent:   newBaseEvent(TypeBatchConsolidationStarted, jobID, AggregateConsolidationJob, tenantID, actor, version),
		JobID:       jobID,
		EntityCount: entityCount,
		Actor:       actor,
		DryRun:      dryRun,
	}
}

// EventData returns the event-specific data.
func (e *BatchConsolidationStartedEvent) EventData() map[string]interface{} {
	return map[string]interface{}{
		"job_id":       e.JobID,
		"entity_count": e.EntityCount,
		"actor":        e.Actor,
		"dry_run":      e.DryRun,
	}
}

// BatchConsolidationProgressEvent reports periodic batch job progress.
type BatchConsolidationProgressEvent struct {
	BaseEvent
	JobID             string `json:"job_id"`
	EntitiesProcessed int    `json:"entities_processed"`
	CandidatesFound   int    `json:"candidates_found"`
	MergesPerformed   int    `json:"merges_performed"`
	ReviewsQueued     int    `json:"reviews_queued"`
}

// NewBatchConsolidationProgressEvent creates a new BatchConsolidationProgressEvent.
func NewBatchConsolidationProgressEvent(jobID, tenantID string, processed, candidates, merges, reviews, version int) *BatchConsolidationProgressEvent {
	return &BatchConsolidationProgressEvent{
		BaseEvent:         newBaseEvent(TypeBatchConsolidationProgress, jobID, AggregateConsolidationJob, tenantID, "", version),
		JobID:             jobID,
		EntitiesProcessed: processed,
		CandidatesFound:   candidates,
		MergesPerformed:   merges,
		ReviewsQueued:     reviews,
	}
}

// EventData returns the event-specific data.
func (e *BatchConsolidationProgressEvent) EventData() map[string]interface{} {
	return map[string]interface{}{
		"job_id":             e.JobID,
		"entities_processed": e.EntitiesProcessed,
		"candidates_found":   e.CandidatesFound,
		"merges_performed":   e.MergesPerformed,
		"reviews_queued":     e.ReviewsQueued,
	}
}

// BatchConsolidationCompletedEvent closes a batch job normally.
type BatchConsolidationCompletedEvent struct {
	BaseEvent
	JobID             string   `json:"job_id"`
	EntitiesProcessed int      `json:"entities_processed"`
	CandidatesFound   int      `json:"candidates_found"`
	MergesPerformed   int      `json:"merges_performed"`
	ReviewsQueued     int      `json:"reviews_queued"`
	DurationSeconds   float64  `json:"duration_seconds"`
	Errors            []string `json:"errors,omitempty"`
}

// NewBatchConsolidationCompletedEvent creates a new BatchConsolidationCompletedEvent.
func NewBatchConsolidationCompletedEvent(jobID, tenantID string, processed, candidates, merges, reviews int, durationSeconds float64, errs []string, version int) *BatchConsolidationCompletedEvent {
	return &BatchConsolidationCompletedEvent{
		BaseEvent:         newBaseEvent(TypeBatchConsolidationCompleted, jobID, AggregateConsolidationJob, tenantID, "", version),
		JobID:             jobID,
		EntitiesProcessed: processed,
		CandidatesFound:   candidates,
		MergesPerformed:   merges,
		ReviewsQueued:     reviews,
		DurationSeconds:   durationSeconds,
		Errors:            errs,
	}
}

// EventData returns the event-specific data.
func (e *BatchConsolidationCompletedEvent) EventData() map[string]interface{} {
	return map[string]interface{}{
		"job_id":             e.JobID,
		"entities_processed": e.EntitiesProcessed,
		"candidates_found":   e.CandidatesFound,
		"merges_performed":   e.MergesPerformed,
		"reviews_queued":     e.ReviewsQueued,
		"duration_seconds":   e.DurationSeconds,
		"errors":             e.Errors,
	}
}

// BatchConsolidationFailedEvent closes a batch job after a fatal error.
type BatchConsolidationFailedEvent struct {
	BaseEvent
	JobID             string `json:"job_id"`
	ErrorMessage      string `json:"error_message"`
	EntitiesProcessed int    `json:"entities_processed"`
}

// NewBatchConsolidationFailedEvent creates a new BatchConsolidationFailedEvent.
func NewBatchConsolidationFailedEvent(jobID, tenantID, errorMessage string, processed, version int) *BatchConsolidationFailedEvent {
	return &BatchConsolidationFailedEvent{
		BaseEvent:         newBaseEvent(TypeBatchConsolidationFailed, jobID, AggregateConsolidationJob, tenantID, "", version),
		JobID:             jobID,
		ErrorMessage:      errorMessage,
		EntitiesProcessed: processed,
	}
}

// EventData returns the event-specific data.
func (e *BatchConsolidationFailedEvent) EventData() map[string]interface{} {
	return map[string]interface{}{
		"job_id":             e.JobID,
		"error_message":      e.ErrorMessage,
		"entities_processed": e.EntitiesProcessed,
	}
}

// ConsolidationConfigUpdatedEvent audits tenant threshold/weight changes.
type ConsolidationConfigUpdatedEvent struct {
	BaseEvent
	UpdatedFields   []string               `json:"updated_fields"`
	OldValues       map[string]interface{} `json:"old_values"`
	NewValues       map[string]interface{} `json:"new_values"`
	UpdatedByUserID string                 `json:"updated_by_user_id"`
}

// NewConsolidationConfigUpdatedEvent creates a new ConsolidationConfigUpdatedEvent
// on the tenant's config stream.
func NewConsolidationConfigUpdatedEvent(tenantID string, updatedFields []string, oldValues, newValues map[string]interface{}, updatedBy string, version int) *ConsolidationConfigUpdatedEvent {
	return &ConsolidationConfigUpdatedEvent{
		BaseEvent:       newBaseEvent(TypeConsolidationConfigUpdated, tenantID, AggregateTenantConfig, tenantID, updatedBy, version),
		UpdatedFields:   updatedFields,
		OldValues:       oldValues,
		NewValues:       newValues,
		UpdatedByUserID: updatedBy,
	}
}

// EventData returns the event-specific data.
func (e *ConsolidationConfigUpdatedEvent) EventData() map[string]interface{} {
	return map[string]interface{}{
		"updated_fields":     e.UpdatedFields,
		"old_values":         e.OldValues,
		"new_values":         e.NewValues,
		"updated_by_user_id": e.UpdatedByUserID,
	}
}

func init() {
	Register(TypeMergeCandidateIdentified, func(env Envelope) (DomainEvent, error) {
		var e MergeCandidateIdentifiedEvent
		if err := decodePayload(env, &e, &e.BaseEvent); err != nil {
			return nil, err
		}
		return &e, nil
	})
	Register(TypeEntitiesMerged, func(env Envelope) (DomainEvent, error) {
		var e EntitiesMergedEvent
		if err := decodePayload(env, &e, &e.BaseEvent); err != nil {
			return nil, err
		}
		return &e, nil
	})
	Register(TypeAliasCreated, func(env Envelope) (DomainEvent, error) {
		var e AliasCreatedEvent
		if err := decodePayload(env, &e, &e.BaseEvent); err != nil {
			return nil, err
		}
		return &e, nil
	})
	Register(TypeMergeQueuedForReview, func(env Envelope) (DomainEvent, error) {
		var e MergeQueuedForReviewEvent
		if err := decodePayload(env, &e, &e.BaseEvent); err != nil {
			return nil, err
		}
		return &e, nil
	})
	Register(TypeMergeReviewDecision, func(env Envelope) (DomainEvent, error) {
		var e MergeReviewDecisionEvent
		if err := decodePayload(env, &e, &e.BaseEvent); err != nil {
			return nil, err
		}
		return &e, nil
	})
	Register(TypeMergeUndone, func(env Envelope) (DomainEvent, error) {
		var e MergeUndoneEvent
		if err := decodePayload(env, &e, &e.BaseEvent); err != nil {
			return nil, err
		}
		return &e, nil
	})
	Register(TypeEntitySplit, func(env Envelope) (DomainEvent, error) {
		var e EntitySplitEvent
		if err := decodePayload(env, &e, &e.BaseEvent); err != nil {
			return nil, err
		}
		return &e, nil
	})
	Register(TypeBatchConsolidationStarted, func(env Envelope) (DomainEvent, error) {
		var e BatchConsolidationStartedEvent
		if err := decodePayload(env, &e, &e.BaseEvent); err != nil {
			return nil, err
		}
		return &e, nil
	})
	Register(TypeBatchConsolidationProgress, func(env Envelope) (DomainEvent, error) {
		var e BatchConsolidationProgressEvent
		if err := decodePayload(env, &e, &e.BaseEvent); err != nil {
			return nil, err
		}
		return &e, nil
	})
	Register(TypeBatchConsolidationCompleted, func(env Envelope) (DomainEvent, error) {
		var e BatchConsolidationCompletedEvent
		if err := decodePayload(env, &e, &e.BaseEvent); err != nil {
			return nil, err
		}
		return &e, nil
	})
	Register(TypeBatchConsolidationFailed, func(env Envelope) (DomainEvent, error) {
		var e BatchConsolidationFailedEvent
		if err := decodePayload(env, &e, &e.BaseEvent); err != nil {
			return nil, err
		}
		return &e, nil
	})
	Register(TypeConsolidationConfigUpdated, func(env Envelope) (DomainEvent, error) {
		var e ConsolidationConfigUpdatedEvent
		if err := decodePayload(env, &e, &e.BaseEvent); err != nil {
			return nil, err
		}
		return &e, nil
	})
}
