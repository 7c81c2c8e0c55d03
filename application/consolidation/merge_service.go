package consolidation

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cartograph-backend/application/ports"
	cdomain "cartograph-backend/domain/consolidation"
	"cartograph-backend/domain/events"
	"cartograph-backend/domain/tenant"
	"cartograph-backend/internal/errors"
	"cartograph-backend/internal/metrics"
)

// Merge reasons recorded on EntitiesMerged events.
const (
	ReasonManual       = "manual"
	ReasonUserApproved = "user_approved"
	ReasonBatch        = "batch_consolidation"
)

// EventAppender is the slice of the event store the consolidation services
// need: optimistic appends and the version read that precedes them.
type EventAppender interface {
	Append(ctx context.Context, aggregateID, aggregateType string, batch []events.DomainEvent, expectedVersion int) (int, error)
	StreamVersion(ctx context.Context, aggregateID, aggregateType string) (int, error)
}

// MergeRequest collapses one or more duplicates into a canonical entity.
type MergeRequest struct {
	CanonicalID string
	MergedIDs   []string
	Reason      string
	Scores      map[string]float64
	MergedBy    string
}

// MergeResult reports what a merge changed. MergeEventID is the handle later
// used to undo.
type MergeResult struct {
	MergeEventID  string
	CanonicalID   string
	MergedIDs     []string
	TransferCount int
}

// UndoRequest reverses a previous merge. Empty RestoredIDs restores every
// entity the original merge demoted.
type UndoRequest struct {
	MergeEventID string
	RestoredIDs  []string
	Reason       string
	UndoneBy     string
}

// SplitEntity describes one successor of a split. RelationshipIDs lists the
// original's relationships this successor takes over; relationships nobody
// claims follow the first successor.
type SplitEntity struct {
	Name            string
	Properties      map[string]interface{}
	RelationshipIDs []string
}

// SplitRequest breaks a wrongly conflated entity into two or more new ones.
type SplitRequest struct {
	OriginalID  string
	NewEntities []SplitEntity
	Reason      string
	SplitBy     string
}

// SplitResult maps the request's successors to their generated IDs, in
// request order.
type SplitResult struct {
	SplitEventID string
	NewEntityIDs []string
}

// MergeService implements merge, undo, and split as event appends on the
// canonical entity's cluster stream. Read-model and graph effects happen in
// the projections; the single synchronous exception is undo, which restores
// the relational rows before appending so the graph projection finds them.
type MergeService struct {
	store         EventAppender
	entities      ports.EntityRepository
	writer        ports.EntityWriter
	relationships ports.RelationshipRepository
	history       ports.MergeHistoryRepository
	embeddings    *EmbeddingService
	collector     *metrics.Collector
	logger        *zap.Logger
}

func NewMergeService(
	store EventAppender,
	entities ports.EntityRepository,
	writer ports.EntityWriter,
	relationships ports.RelationshipRepository,
	history ports.MergeHistoryRepository,
	embeddings *EmbeddingService,
	collector *metrics.Collector,
	logger *zap.Logger,
) *MergeService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MergeService{
		store:         store,
		entities:      entities,
		writer:        writer,
		relationships: relationships,
		history:       history,
		embeddings:    embeddings,
		collector:     collector,
		logger:        logger.Named("merge"),
	}
}

// Merge validates the cluster and appends EntitiesMerged plus one
// AliasCreated per merged entity in a single atomic batch. Chains are
// rejected: an entity that is already merged cannot be merged again, undo
// the first merge instead.
func (s *MergeService) Merge(ctx context.Context, req MergeRequest) (*MergeResult, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	if req.CanonicalID == "" || len(req.MergedIDs) == 0 {
		return nil, errors.Validation("MERGE_REQUEST_INVALID", "canonical id and at least one merged id are required").
			WithTenant(tenantID).
			Build()
	}

	merged := make([]string, 0, len(req.MergedIDs))
	seen := map[string]bool{}
	for _, id := range req.MergedIDs {
		if id == req.CanonicalID {
			return nil, errors.Validation("MERGE_SELF", "an entity cannot be merged into itself").
				WithTenant(tenantID).
				WithResource(id).
				Build()
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		merged = append(merged, id)
	}

	byID, err := s.fetchEntities(ctx, tenantID, append([]string{req.CanonicalID}, merged...))
	if err != nil {
		return nil, err
	}

	canonical := byID[req.CanonicalID]
	if !canonical.IsCanonical {
		return nil, errors.Conflict("MERGE_TARGET_NOT_CANONICAL", "merge target is itself merged into another entity").
			WithTenant(tenantID).
			WithResource(req.CanonicalID).
			Build()
	}

	mergedNames := make([]string, 0, len(merged))
	transferCount := 0
	propertyDetails := map[string]interface{}{}
	for _, id := range merged {
		entity := byID[id]
		if !entity.IsCanonical {
			return nil, errors.Conflict("MERGE_CHAIN", fmt.Sprintf("entity %s is already merged, undo that merge first", id)).
				WithTenant(tenantID).
				WithResource(id).
				Build()
		}
		mergedNames = append(mergedNames, entity.Name)

		count, err := s.relationships.CountByEntity(ctx, tenantID, id)
		if err != nil {
			return nil, err
		}
		transferCount += count

		if contributed := newPropertyKeys(canonical.Properties, entity.Properties); len(contributed) > 0 {
			propertyDetails[id] = contributed
		}
	}

	actor := req.MergedBy
	if actor == "" {
		actor = tenant.Actor(ctx)
	}
	reason := req.Reason
	if reason == "" {
		reason = ReasonManual
	}

	version, err := s.store.StreamVersion(ctx, req.CanonicalID, events.AggregateEntityCluster)
	if err != nil {
		return nil, err
	}
	mergedEvent := events.NewEntitiesMergedEvent(tenantID, req.CanonicalID, merged, mergedNames,
		reason, req.Scores, propertyDetails, transferCount, actor, version+1)
	batch := make([]events.DomainEvent, 0, 1+len(merged))
	batch = append(batch, mergedEvent)
	for i, id := range merged {
		batch = append(batch, events.NewAliasCreatedEvent(tenantID, req.CanonicalID,
			uuid.NewString(), byID[id].Name, id, mergedEvent.EventID(), version+2+i))
	}
	if _, err := s.store.Append(ctx, req.CanonicalID, events.AggregateEntityCluster, batch, version); err != nil {
		return nil, err
	}

	s.collector.MergesPerformed.Inc()
	s.invalidateEmbeddings(ctx, tenantID, append([]string{req.CanonicalID}, merged...))
	s.logger.Info("entities merged",
		zap.String("tenant_id", tenantID),
		zap.String("canonical_id", req.CanonicalID),
		zap.Strings("merged_ids", merged),
		zap.String("reason", reason),
		zap.Int("relationship_transfers", transferCount))

	return &MergeResult{
		MergeEventID:  mergedEvent.EventID(),
		CanonicalID:   req.CanonicalID,
		MergedIDs:     merged,
		TransferCount: transferCount,
	}, nil
}

// Undo restores previously merged entities to canonical and appends
// MergeUndone. The relational rows are restored synchronously first; if the
// append then fails the operation is safe to retry, because the history row
// still reads as not undone and the restore is idempotent. Relationships are
// not restored, a later re-extraction reintroduces them.
func (s *MergeService) Undo(ctx context.Context, req UndoRequest) error {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	if req.MergeEventID == "" {
		return errors.Validation("UNDO_REQUEST_INVALID", "merge event id is required").
			WithTenant(tenantID).
			Build()
	}

	record, err := s.history.GetByMergeEventID(ctx, tenantID, req.MergeEventID)
	if err != nil {
		return err
	}
	if record == nil {
		return errors.NotFound("MERGE_NOT_FOUND", "no merge recorded for that event id").
			WithTenant(tenantID).
			WithResource(req.MergeEventID).
			Build()
	}
	if record.Undone {
		return errors.Conflict("MERGE_ALREADY_UNDONE", "this merge was already undone").
			WithTenant(tenantID).
			WithResource(req.MergeEventID).
			Build()
	}

	restored := req.RestoredIDs
	if len(restored) == 0 {
		restored = record.MergedEntityIDs
	}
	mergedSet := make(map[string]bool, len(record.MergedEntityIDs))
	for _, id := range record.MergedEntityIDs {
		mergedSet[id] = true
	}
	for _, id := range restored {
		if !mergedSet[id] {
			return errors.Validation("UNDO_UNKNOWN_ENTITY", fmt.Sprintf("entity %s was not part of that merge", id)).
				WithTenant(tenantID).
				WithResource(req.MergeEventID).
				Build()
		}
	}

	if err := s.writer.RestoreCanonical(ctx, tenantID, restored); err != nil {
		return err
	}

	actor := req.UndoneBy
	if actor == "" {
		actor = tenant.Actor(ctx)
	}
	version, err := s.store.StreamVersion(ctx, record.CanonicalEntityID, events.AggregateEntityCluster)
	if err != nil {
		return err
	}
	undone := events.NewMergeUndoneEvent(tenantID, record.CanonicalEntityID, req.MergeEventID,
		restored, record.MergedEntityIDs, req.Reason, actor, version+1)
	if _, err := s.store.Append(ctx, record.CanonicalEntityID, events.AggregateEntityCluster,
		[]events.DomainEvent{undone}, version); err != nil {
		s.logger.Error("rows restored but MergeUndone append failed, retry the undo",
			zap.String("tenant_id", tenantID),
			zap.String("merge_event_id", req.MergeEventID),
			zap.Error(err))
		return err
	}

	s.invalidateEmbeddings(ctx, tenantID, append([]string{record.CanonicalEntityID}, restored...))
	s.logger.Info("merge undone",
		zap.String("tenant_id", tenantID),
		zap.String("merge_event_id", req.MergeEventID),
		zap.String("canonical_id", record.CanonicalEntityID),
		zap.Strings("restored_ids", restored))
	return nil
}

// Split appends EntitySplit for a wrongly conflated entity. Successor IDs
// are generated here so the caller learns them synchronously; the projection
// creates the rows.
func (s *MergeService) Split(ctx context.Context, req SplitRequest) (*SplitResult, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	if req.OriginalID == "" {
		return nil, errors.Validation("SPLIT_REQUEST_INVALID", "original entity id is required").
			WithTenant(tenantID).
			Build()
	}
	if len(req.NewEntities) < 2 {
		return nil, errors.Validation("SPLIT_TOO_FEW", "a split needs at least two new entities").
			WithTenant(tenantID).
			WithResource(req.OriginalID).
			Build()
	}
	for _, ne := range req.NewEntities {
		if ne.Name == "" {
			return nil, errors.Validation("SPLIT_BLANK_NAME", "every split entity needs a name").
				WithTenant(tenantID).
				WithResource(req.OriginalID).
				Build()
		}
	}

	original, err := s.entities.GetByID(ctx, tenantID, req.OriginalID)
	if err != nil {
		return nil, err
	}
	if !original.IsCanonical {
		return nil, errors.Conflict("SPLIT_TARGET_NOT_CANONICAL", "only canonical entities can be split").
			WithTenant(tenantID).
			WithResource(req.OriginalID).
			Build()
	}

	owned, err := s.relationships.ListByEntity(ctx, tenantID, req.OriginalID)
	if err != nil {
		return nil, err
	}
	ownedSet := make(map[string]bool, len(owned))
	for _, rel := range owned {
		ownedSet[rel.ID] = true
	}

	newIDs := make([]string, len(req.NewEntities))
	newNames := make([]string, len(req.NewEntities))
	relAssignments := map[string]string{}
	propAssignments := map[string]map[string]interface{}{}
	for i, ne := range req.NewEntities {
		newIDs[i] = uuid.NewString()
		newNames[i] = ne.Name
		if len(ne.Properties) > 0 {
			propAssignments[newIDs[i]] = ne.Properties
		}
		for _, relID := range ne.RelationshipIDs {
			if !ownedSet[relID] {
				return nil, errors.Validation("SPLIT_UNKNOWN_RELATIONSHIP",
					fmt.Sprintf("relationship %s does not touch the original entity", relID)).
					WithTenant(tenantID).
					WithResource(req.OriginalID).
					Build()
			}
			if _, dup := relAssignments[relID]; dup {
				return nil, errors.Validation("SPLIT_RELATIONSHIP_REASSIGNED",
					fmt.Sprintf("relationship %s is assigned to more than one new entity", relID)).
					WithTenant(tenantID).
					WithResource(req.OriginalID).
					Build()
			}
			relAssignments[relID] = newIDs[i]
		}
	}

	actor := req.SplitBy
	if actor == "" {
		actor = tenant.Actor(ctx)
	}
	version, err := s.store.StreamVersion(ctx, req.OriginalID, events.AggregateEntityCluster)
	if err != nil {
		return nil, err
	}
	split := events.NewEntitySplitEvent(tenantID, req.OriginalID, newIDs, newNames,
		relAssignments, propAssignments, req.Reason, actor, version+1)
	if _, err := s.store.Append(ctx, req.OriginalID, events.AggregateEntityCluster,
		[]events.DomainEvent{split}, version); err != nil {
		return nil, err
	}

	s.invalidateEmbeddings(ctx, tenantID, []string{req.OriginalID})
	s.logger.Info("entity split",
		zap.String("tenant_id", tenantID),
		zap.String("original_id", req.OriginalID),
		zap.Strings("new_ids", newIDs))
	return &SplitResult{SplitEventID: split.EventID(), NewEntityIDs: newIDs}, nil
}

func (s *MergeService) fetchEntities(ctx context.Context, tenantID string, ids []string) (map[string]*cdomain.ExtractedEntity, error) {
	rows, err := s.entities.GetByIDs(ctx, tenantID, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*cdomain.ExtractedEntity, len(rows))
	for _, e := range rows {
		byID[e.ID] = e
	}
	for _, id := range ids {
		if _, ok := byID[id]; !ok {
			return nil, errors.NotFound("ENTITY_NOT_FOUND", fmt.Sprintf("entity %s does not exist", id)).
				WithTenant(tenantID).
				WithResource(id).
				Build()
		}
	}
	return byID, nil
}

func (s *MergeService) invalidateEmbeddings(ctx context.Context, tenantID string, ids []string) {
	if s.embeddings == nil {
		return
	}
	s.embeddings.Invalidate(ctx, tenantID, ids...)
}

// newPropertyKeys lists, sorted, the property keys the merged entity carries
// that the canonical does not. Stored on the event as provenance; the
// canonical's own properties are never rewritten.
func newPropertyKeys(canonical, merged map[string]interface{}) []string {
	var keys []string
	for k := range merged {
		if _, exists := canonical[k]; !exists {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
