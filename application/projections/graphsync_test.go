package projections

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cartograph-backend/domain/consolidation"
	"cartograph-backend/domain/events"
	"cartograph-backend/internal/errors"
)

// fakeGraphStore records calls and scripts failures per merged entity id.
type fakeGraphStore struct {
	upserted      []*consolidation.ExtractedEntity
	relationships []string
	transferred   []string
	deleted       []string
	restored      []string
	annotated     map[string]map[string]interface{}
	mergeMetadata []string
	reassigned    bool
	reassignedDef string
	cleared       bool

	failTransfer map[string]bool
	failDelete   map[string]bool
	failAll      bool
}

func newFakeGraphStore() *fakeGraphStore {
	return &fakeGraphStore{
		annotated:    map[string]map[string]interface{}{},
		failTransfer: map[string]bool{},
		failDelete:   map[string]bool{},
	}
}

func (f *fakeGraphStore) fail() error {
	return errors.Unavailable("GRAPH_DOWN", "graph store unavailable").Build()
}

func (f *fakeGraphStore) UpsertEntity(_ context.Context, entity *consolidation.ExtractedEntity) (string, error) {
	if f.failAll {
		return "", f.fail()
	}
	f.upserted = append(f.upserted, entity)
	return "node:" + entity.ID, nil
}

func (f *fakeGraphStore) UpsertRelationship(_ context.Context, _, relationshipID, _, _, _ string, _ float64, _ map[string]interface{}) (string, error) {
	if f.failAll {
		return "", f.fail()
	}
	f.relationships = append(f.relationships, relationshipID)
	return "edge:" + relationshipID, nil
}

func (f *fakeGraphStore) TransferRelationships(_ context.Context, _, mergedID, _ string) (int, error) {
	if f.failAll || f.failTransfer[mergedID] {
		return 0, f.fail()
	}
	f.transferred = append(f.transferred, mergedID)
	return 2, nil
}

func (f *fakeGraphStore) DeleteEntity(_ context.Context, _, entityID string) error {
	if f.failAll || f.failDelete[entityID] {
		return f.fail()
	}
	f.deleted = append(f.deleted, entityID)
	return nil
}

func (f *fakeGraphStore) RestorePlaceholder(_ context.Context, _, entityID, _, _, _ string) error {
	if f.failAll {
		return f.fail()
	}
	f.restored = append(f.restored, entityID)
	return nil
}

func (f *fakeGraphStore) ReassignRelationships(_ context.Context, _, _ string, _ map[string]string, defaultEntityID string) (int, error) {
	if f.failAll {
		return 0, f.fail()
	}
	f.reassigned = true
	f.reassignedDef = defaultEntityID
	return 3, nil
}

func (f *fakeGraphStore) AnnotateEntity(_ context.Context, _, entityID string, props map[string]interface{}) error {
	if f.failAll {
		return f.fail()
	}
	f.annotated[entityID] = props
	return nil
}

func (f *fakeGraphStore) RecordMergeMetadata(_ context.Context, _, canonicalID, _ string, _ []string, _ int) error {
	if f.failAll {
		return f.fail()
	}
	f.mergeMetadata = append(f.mergeMetadata, canonicalID)
	return nil
}

func (f *fakeGraphStore) Neighborhood(_ context.Context, _, entityID string, _ int) (*consolidation.Neighborhood, error) {
	return &consolidation.Neighborhood{EntityID: entityID}, nil
}

func (f *fakeGraphStore) NeighborhoodBatch(_ context.Context, _ string, _ []string, _ int) (map[string]*consolidation.Neighborhood, error) {
	return map[string]*consolidation.Neighborhood{}, nil
}

func (f *fakeGraphStore) Clear(context.Context) error {
	if f.failAll {
		return f.fail()
	}
	f.cleared = true
	return nil
}

func (f *fakeGraphStore) EnsureSchema(context.Context) error { return nil }
func (f *fakeGraphStore) Ping(context.Context) error         { return nil }

func TestGraphSync_EntityExtractedUpsertsAndWritesBack(t *testing.T) {
	graph := newFakeGraphStore()
	handler := NewGraphSyncHandler(graph, zap.NewNop())
	tx := &fakeTx{}

	event := events.NewEntityExtractedEvent("proc-1", "tenant-1", "11111111-1111-1111-1111-111111111111",
		"22222222-2222-2222-2222-222222222222", "person", "Marie Curie", "marie curie",
		"physicist", map[string]interface{}{"field": "physics"}, 0.93, "llm_extraction", "", 3)

	require.NoError(t, handler.Handle(context.Background(), tx, event))

	require.Len(t, graph.upserted, 1)
	assert.Equal(t, "11111111-1111-1111-1111-111111111111", graph.upserted[0].ID)
	assert.Equal(t, "marie curie", graph.upserted[0].NormalizedName)

	writeBack := tx.execContaining("SET graph_node_id")
	require.NotNil(t, writeBack)
	assert.Equal(t, "node:11111111-1111-1111-1111-111111111111", writeBack.args[2])
}

func TestGraphSync_EntityUpsertFailureRetries(t *testing.T) {
	graph := newFakeGraphStore()
	graph.failAll = true
	handler := NewGraphSyncHandler(graph, zap.NewNop())
	tx := &fakeTx{}

	event := events.NewEntityExtractedEvent("proc-1", "tenant-1", "11111111-1111-1111-1111-111111111111",
		"", "person", "Marie Curie", "marie curie", "", nil, 0.93, "llm_extraction", "", 3)

	err := handler.Handle(context.Background(), tx, event)
	require.Error(t, err, "graph failure must surface so the runtime retries")
	assert.Empty(t, tx.execs, "no write-back on failed upsert")
}

func TestGraphSync_RelationshipResolvedAndMirrored(t *testing.T) {
	graph := newFakeGraphStore()
	handler := NewGraphSyncHandler(graph, zap.NewNop())
	tx := &fakeTx{
		queryFn: func(_ string, args []any) [][]any {
			switch args[2] {
			case "Marie Curie":
				return [][]any{{"aaaaaaaa-0000-0000-0000-000000000001"}}
			case "Pierre Curie":
				return [][]any{{"aaaaaaaa-0000-0000-0000-000000000002"}}
			}
			return nil
		},
	}

	event := events.NewRelationshipDiscoveredEvent("proc-1", "tenant-1", "33333333-3333-3333-3333-333333333333",
		"22222222-2222-2222-2222-222222222222", "Marie Curie", "Pierre Curie", "married_to", 0.9, "", 4)

	require.NoError(t, handler.Handle(context.Background(), tx, event))

	assert.Equal(t, []string{"33333333-3333-3333-3333-333333333333"}, graph.relationships)
	writeBack := tx.execContaining("SET graph_relationship_id")
	require.NotNil(t, writeBack)
	assert.Equal(t, "edge:33333333-3333-3333-3333-333333333333", writeBack.args[2])
}

func TestGraphSync_RelationshipUnresolvedSkips(t *testing.T) {
	graph := newFakeGraphStore()
	handler := NewGraphSyncHandler(graph, zap.NewNop())
	tx := &fakeTx{}

	event := events.NewRelationshipDiscoveredEvent("proc-1", "tenant-1", "33333333-3333-3333-3333-333333333333",
		"22222222-2222-2222-2222-222222222222", "Nobody", "Nothing", "knows", 0.9, "", 4)

	require.NoError(t, handler.Handle(context.Background(), tx, event))
	assert.Empty(t, graph.relationships)
	assert.Empty(t, tx.execs)
}

func TestGraphSync_MergeTransfersAndDeletes(t *testing.T) {
	graph := newFakeGraphStore()
	handler := NewGraphSyncHandler(graph, zap.NewNop())

	event := events.NewEntitiesMergedEvent("tenant-1", "canonical-1",
		[]string{"merged-1", "merged-2"}, []string{"M1", "M2"},
		"auto_merge", nil, nil, 4, "", 2)

	require.NoError(t, handler.Handle(context.Background(), nil, event))

	assert.Equal(t, []string{"merged-1", "merged-2"}, graph.transferred)
	assert.Equal(t, []string{"merged-1", "merged-2"}, graph.deleted)
	assert.Equal(t, []string{"canonical-1"}, graph.mergeMetadata)
}

func TestGraphSync_MergeContinuesPastFailedStep(t *testing.T) {
	graph := newFakeGraphStore()
	graph.failTransfer["merged-1"] = true
	handler := NewGraphSyncHandler(graph, zap.NewNop())

	event := events.NewEntitiesMergedEvent("tenant-1", "canonical-1",
		[]string{"merged-1", "merged-2"}, []string{"M1", "M2"},
		"auto_merge", nil, nil, 4, "", 2)

	require.NoError(t, handler.Handle(context.Background(), nil, event),
		"one bad node must not block the projection")

	assert.Equal(t, []string{"merged-2"}, graph.transferred)
	assert.Equal(t, []string{"merged-1", "merged-2"}, graph.deleted,
		"delete still runs after a failed transfer")
	assert.Equal(t, []string{"canonical-1"}, graph.mergeMetadata)
}

func TestGraphSync_MergeTotalOutageErrors(t *testing.T) {
	graph := newFakeGraphStore()
	graph.failAll = true
	handler := NewGraphSyncHandler(graph, zap.NewNop())

	event := events.NewEntitiesMergedEvent("tenant-1", "canonical-1",
		[]string{"merged-1"}, []string{"M1"}, "auto_merge", nil, nil, 4, "", 2)

	err := handler.Handle(context.Background(), nil, event)
	require.Error(t, err, "a full outage must reach the retry and dead-letter path")
}

func TestGraphSync_UndoRestoresPlaceholders(t *testing.T) {
	graph := newFakeGraphStore()
	handler := NewGraphSyncHandler(graph, zap.NewNop())
	tx := &fakeTx{
		queryFn: func(sql string, _ []any) [][]any {
			if strings.Contains(sql, "SELECT name, entity_type") {
				return [][]any{{"Madame Curie", "person"}}
			}
			return nil
		},
	}

	event := events.NewMergeUndoneEvent("tenant-1", "canonical-1", "merge-event-1",
		[]string{"restored-1", "restored-2"}, []string{"restored-1", "restored-2"},
		"wrong merge", "user-7", 6)

	require.NoError(t, handler.Handle(context.Background(), tx, event))

	assert.Equal(t, []string{"restored-1", "restored-2"}, graph.restored)
	require.Contains(t, graph.annotated, "canonical-1")
	assert.Equal(t, "merge-event-1", graph.annotated["canonical-1"]["undo_merge_event_id"])
}

func TestGraphSync_SplitCreatesNodesAndReassigns(t *testing.T) {
	graph := newFakeGraphStore()
	handler := NewGraphSyncHandler(graph, zap.NewNop())
	tx := &fakeTx{
		queryFn: func(sql string, _ []any) [][]any {
			if strings.Contains(sql, "SELECT name, entity_type") {
				return [][]any{{"Apple", "organization"}}
			}
			return nil
		},
	}

	event := events.NewEntitySplitEvent("tenant-1", "original-1",
		[]string{"new-1", "new-2"}, []string{"Apple Inc.", "Apple Records"},
		map[string]string{"rel-9": "new-2"}, nil, "distinct companies", "user-7", 8)

	require.NoError(t, handler.Handle(context.Background(), tx, event))

	require.Len(t, graph.upserted, 2)
	assert.Equal(t, "organization", graph.upserted[0].EntityType)
	assert.Equal(t, "original-1", graph.upserted[0].Properties["split_from"])

	assert.True(t, graph.reassigned)
	assert.Equal(t, "new-1", graph.reassignedDef, "unassigned edges go to the first new entity")

	require.Contains(t, graph.annotated, "original-1")
	assert.Equal(t, true, graph.annotated["original-1"]["is_split"])
}

func TestGraphSync_ResetClearsGraphAndSyncFlags(t *testing.T) {
	graph := newFakeGraphStore()
	handler := NewGraphSyncHandler(graph, zap.NewNop())
	tx := &fakeTx{}

	require.NoError(t, handler.Reset(context.Background(), tx))

	assert.True(t, graph.cleared)
	entityFlags := tx.execContaining("UPDATE extracted_entities")
	require.NotNil(t, entityFlags)
	assert.Contains(t, entityFlags.sql, "synced_to_graph = FALSE")
	relFlags := tx.execContaining("UPDATE entity_relationships")
	require.NotNil(t, relFlags)
	assert.Contains(t, relFlags.sql, "graph_relationship_id = NULL")
}

func TestGraphSync_ResetStopsOnGraphOutage(t *testing.T) {
	graph := newFakeGraphStore()
	graph.failAll = true
	handler := NewGraphSyncHandler(graph, zap.NewNop())
	tx := &fakeTx{}

	require.Error(t, handler.Reset(context.Background(), tx))
	assert.Empty(t, tx.execs, "sync flags stay put when the graph wipe fails")
}
