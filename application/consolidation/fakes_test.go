package consolidation

import (
	"context"
	"sort"
	"time"

	cdomain "cartograph-backend/domain/consolidation"
	"cartograph-backend/domain/events"
	"cartograph-backend/internal/errors"
)

const testTenant = "t1"

// fakeEventStore keeps per-stream slices plus a global append log so tests
// can assert cross-stream ordering.
type fakeEventStore struct {
	streams   map[string][]events.DomainEvent
	log       []events.DomainEvent
	appendErr error
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{streams: make(map[string][]events.DomainEvent)}
}

func (s *fakeEventStore) key(aggregateID, aggregateType string) string {
	return aggregateType + "/" + aggregateID
}

func (s *fakeEventStore) Append(_ context.Context, aggregateID, aggregateType string, batch []events.DomainEvent, expectedVersion int) (int, error) {
	if s.appendErr != nil {
		return 0, s.appendErr
	}
	key := s.key(aggregateID, aggregateType)
	current := len(s.streams[key])
	if current != expectedVersion {
		return 0, errors.OptimisticLock(expectedVersion, current)
	}
	s.streams[key] = append(s.streams[key], batch...)
	s.log = append(s.log, batch...)
	return len(s.streams[key]), nil
}

func (s *fakeEventStore) StreamVersion(_ context.Context, aggregateID, aggregateType string) (int, error) {
	return len(s.streams[s.key(aggregateID, aggregateType)]), nil
}

func (s *fakeEventStore) stream(aggregateID, aggregateType string) []events.DomainEvent {
	return s.streams[s.key(aggregateID, aggregateType)]
}

// ofType filters the global log, preserving append order.
func (s *fakeEventStore) ofType(eventType string) []events.DomainEvent {
	var matched []events.DomainEvent
	for _, event := range s.log {
		if event.EventType() == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

// fakeEntities backs both EntityRepository and EntityWriter.
type fakeEntities struct {
	entities   map[string]*cdomain.ExtractedEntity
	restored   [][]string
	restoreErr error
}

func newFakeEntities(list ...*cdomain.ExtractedEntity) *fakeEntities {
	f := &fakeEntities{entities: make(map[string]*cdomain.ExtractedEntity)}
	for _, e := range list {
		f.entities[e.ID] = e
	}
	return f
}

func (f *fakeEntities) GetByID(_ context.Context, _, id string) (*cdomain.ExtractedEntity, error) {
	entity, ok := f.entities[id]
	if !ok {
		return nil, errors.NotFound("ENTITY_NOT_FOUND", "entity does not exist").WithResource(id).Build()
	}
	return entity, nil
}

func (f *fakeEntities) GetByIDs(_ context.Context, _ string, ids []string) ([]*cdomain.ExtractedEntity, error) {
	var found []*cdomain.ExtractedEntity
	for _, id := range ids {
		if entity, ok := f.entities[id]; ok {
			found = append(found, entity)
		}
	}
	return found, nil
}

func (f *fakeEntities) FindBySourcePageAndName(context.Context, string, string, string) (*cdomain.ExtractedEntity, error) {
	return nil, nil
}

func (f *fakeEntities) canonical(entityType string) []*cdomain.ExtractedEntity {
	var list []*cdomain.ExtractedEntity
	for _, e := range f.entities {
		if !e.IsCanonical {
			continue
		}
		if entityType != "" && e.EntityType != entityType {
			continue
		}
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
	return list
}

func (f *fakeEntities) ListCanonical(_ context.Context, _, entityType string, limit, offset int) ([]*cdomain.ExtractedEntity, error) {
	list := f.canonical(entityType)
	if offset >= len(list) {
		return nil, nil
	}
	end := offset + limit
	if end > len(list) {
		end = len(list)
	}
	return list[offset:end], nil
}

func (f *fakeEntities) CountCanonical(_ context.Context, _, entityType string) (int, error) {
	return len(f.canonical(entityType)), nil
}

func (f *fakeEntities) ListUnsynced(context.Context, string, int) ([]*cdomain.ExtractedEntity, error) {
	return nil, nil
}

func (f *fakeEntities) MarkSynced(_ context.Context, _, entityID, nodeID string) error {
	if entity, ok := f.entities[entityID]; ok {
		entity.GraphNodeID = &nodeID
		entity.SyncedToGraph = true
	}
	return nil
}

func (f *fakeEntities) RestoreCanonical(_ context.Context, _ string, ids []string) error {
	if f.restoreErr != nil {
		return f.restoreErr
	}
	f.restored = append(f.restored, ids)
	for _, id := range ids {
		if entity, ok := f.entities[id]; ok {
			entity.IsCanonical = true
			entity.IsAliasOf = nil
		}
	}
	return nil
}

type fakeRelationships struct {
	byEntity map[string][]*cdomain.EntityRelationship
	countErr error
}

func newFakeRelationships(rels ...*cdomain.EntityRelationship) *fakeRelationships {
	f := &fakeRelationships{byEntity: make(map[string][]*cdomain.EntityRelationship)}
	for _, rel := range rels {
		f.byEntity[rel.SourceEntityID] = append(f.byEntity[rel.SourceEntityID], rel)
		f.byEntity[rel.TargetEntityID] = append(f.byEntity[rel.TargetEntityID], rel)
	}
	return f
}

func (f *fakeRelationships) ListByEntity(_ context.Context, _, entityID string) ([]*cdomain.EntityRelationship, error) {
	return f.byEntity[entityID], nil
}

func (f *fakeRelationships) CountByEntity(_ context.Context, _, entityID string) (int, error) {
	if f.countErr != nil {
		return 0, f.countErr
	}
	return len(f.byEntity[entityID]), nil
}

type fakeReviews struct {
	items map[string]*cdomain.MergeReviewItem
	stats *cdomain.ReviewStats
}

func newFakeReviews(items ...*cdomain.MergeReviewItem) *fakeReviews {
	f := &fakeReviews{items: make(map[string]*cdomain.MergeReviewItem)}
	for _, item := range items {
		f.items[item.ID] = item
	}
	return f
}

func (f *fakeReviews) GetByID(_ context.Context, _, id string) (*cdomain.MergeReviewItem, error) {
	item, ok := f.items[id]
	if !ok {
		return nil, errors.NotFound("REVIEW_NOT_FOUND", "review item does not exist").WithResource(id).Build()
	}
	return item, nil
}

func (f *fakeReviews) List(_ context.Context, _ string, filter cdomain.ReviewFilter) ([]*cdomain.MergeReviewItem, error) {
	var list []*cdomain.MergeReviewItem
	for _, item := range f.items {
		if filter.Status != "" && item.Status != filter.Status {
			continue
		}
		list = append(list, item)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].ReviewPriority != list[j].ReviewPriority {
			return list[i].ReviewPriority > list[j].ReviewPriority
		}
		return list[i].Confidence > list[j].Confidence
	})
	if filter.Limit > 0 && len(list) > filter.Limit {
		list = list[:filter.Limit]
	}
	return list, nil
}

func (f *fakeReviews) Stats(context.Context, string) (*cdomain.ReviewStats, error) {
	return f.stats, nil
}

type fakeHistory struct {
	records map[string]*cdomain.MergeRecord
}

func newFakeHistory(records ...*cdomain.MergeRecord) *fakeHistory {
	f := &fakeHistory{records: make(map[string]*cdomain.MergeRecord)}
	for _, record := range records {
		f.records[record.MergeEventID] = record
	}
	return f
}

func (f *fakeHistory) GetByMergeEventID(_ context.Context, _, mergeEventID string) (*cdomain.MergeRecord, error) {
	return f.records[mergeEventID], nil
}

func (f *fakeHistory) List(context.Context, string, int, int) ([]*cdomain.MergeRecord, error) {
	return nil, nil
}

type fakeSettings struct {
	settings *cdomain.Settings
}

func (f *fakeSettings) Get(context.Context, string) (*cdomain.Settings, error) {
	if f.settings != nil {
		return f.settings, nil
	}
	return cdomain.DefaultSettings(testTenant), nil
}

type fakeBlocker struct {
	results map[string]*cdomain.BlockingResult
	err     error
}

func (f *fakeBlocker) Candidates(_ context.Context, source *cdomain.ExtractedEntity, _ *cdomain.Settings) (*cdomain.BlockingResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.results[source.ID], nil
}

type fakeNeighborhoods struct {
	neighborhoods map[string]*cdomain.Neighborhood
	err           error
	calls         int
}

func (f *fakeNeighborhoods) NeighborhoodBatch(_ context.Context, _ string, entityIDs []string, _ int) (map[string]*cdomain.Neighborhood, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	result := make(map[string]*cdomain.Neighborhood, len(entityIDs))
	for _, id := range entityIDs {
		if n, ok := f.neighborhoods[id]; ok {
			result[id] = n
		}
	}
	return result, nil
}

// fakeEmbedder returns fixed vectors keyed by embedded text.
type fakeEmbedder struct {
	vectors map[string][]float32
	err     error
	calls   [][]string
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls = append(f.calls, texts)
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = f.vectors[text]
	}
	return out, nil
}

type fakeEmbeddingCache struct {
	vectors     map[string][]float32
	getErr      error
	setErr      error
	invalidated []string
}

func newFakeEmbeddingCache() *fakeEmbeddingCache {
	return &fakeEmbeddingCache{vectors: make(map[string][]float32)}
}

func (f *fakeEmbeddingCache) cacheKey(tenantID, entityID string) string {
	return tenantID + "/" + entityID
}

func (f *fakeEmbeddingCache) Get(_ context.Context, tenantID, entityID string) ([]float32, bool, error) {
	if f.getErr != nil {
		return nil, false, f.getErr
	}
	vec, ok := f.vectors[f.cacheKey(tenantID, entityID)]
	return vec, ok, nil
}

func (f *fakeEmbeddingCache) GetBatch(_ context.Context, tenantID string, entityIDs []string) (map[string][]float32, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	result := make(map[string][]float32)
	for _, id := range entityIDs {
		if vec, ok := f.vectors[f.cacheKey(tenantID, id)]; ok {
			result[id] = vec
		}
	}
	return result, nil
}

func (f *fakeEmbeddingCache) Set(_ context.Context, tenantID, entityID string, vector []float32) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.vectors[f.cacheKey(tenantID, entityID)] = vector
	return nil
}

func (f *fakeEmbeddingCache) SetBatch(_ context.Context, tenantID string, vectors map[string][]float32) error {
	if f.setErr != nil {
		return f.setErr
	}
	for id, vec := range vectors {
		f.vectors[f.cacheKey(tenantID, id)] = vec
	}
	return nil
}

func (f *fakeEmbeddingCache) Invalidate(_ context.Context, tenantID, entityID string) error {
	f.invalidated = append(f.invalidated, entityID)
	delete(f.vectors, f.cacheKey(tenantID, entityID))
	return nil
}

// canonicalEntity builds a minimal canonical read-model row.
func canonicalEntity(id, name, entityType string, createdAt time.Time) *cdomain.ExtractedEntity {
	return &cdomain.ExtractedEntity{
		ID:             id,
		TenantID:       testTenant,
		EntityType:     entityType,
		Name:           name,
		NormalizedName: cdomain.NormalizeName(name),
		IsCanonical:    true,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
}
