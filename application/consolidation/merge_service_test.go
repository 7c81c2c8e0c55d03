package consolidation

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cdomain "cartograph-backend/domain/consolidation"
	"cartograph-backend/domain/events"
	"cartograph-backend/domain/tenant"
	"cartograph-backend/internal/errors"
	"cartograph-backend/internal/metrics"
)

type mergeFixture struct {
	store     *fakeEventStore
	entities  *fakeEntities
	rels      *fakeRelationships
	history   *fakeHistory
	cache     *fakeEmbeddingCache
	collector *metrics.Collector
	svc       *MergeService
}

func newMergeFixture(entities *fakeEntities, rels *fakeRelationships, history *fakeHistory) *mergeFixture {
	store := newFakeEventStore()
	cache := newFakeEmbeddingCache()
	collector := metrics.NewCollector("test")
	embeddings := NewEmbeddingService(&fakeEmbedder{}, cache, collector, nil)
	return &mergeFixture{
		store:     store,
		entities:  entities,
		rels:      rels,
		history:   history,
		cache:     cache,
		collector: collector,
		svc:       NewMergeService(store, entities, entities, rels, history, embeddings, collector, nil),
	}
}

func tenantCtx() context.Context {
	return tenant.WithTenant(context.Background(), testTenant)
}

func relationship(id, source, target string) *cdomain.EntityRelationship {
	return &cdomain.EntityRelationship{
		ID:               id,
		TenantID:         testTenant,
		SourceEntityID:   source,
		TargetEntityID:   target,
		RelationshipType: "related_to",
	}
}

func TestMergeService_Merge(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	canonical := canonicalEntity("c1", "Apple Inc.", "company", base)
	canonical.Properties = map[string]interface{}{"founded": 1976}
	m1 := canonicalEntity("m1", "Apple", "company", base.Add(time.Hour))
	m1.Properties = map[string]interface{}{"founded": 1976, "hq": "Cupertino"}
	m2 := canonicalEntity("m2", "Apple Computer", "company", base.Add(2*time.Hour))
	fx := newMergeFixture(
		newFakeEntities(canonical, m1, m2),
		newFakeRelationships(
			relationship("r1", "m1", "x"),
			relationship("r2", "y", "m1"),
			relationship("r3", "m2", "x"),
		),
		newFakeHistory(),
	)

	result, err := fx.svc.Merge(tenant.WithActor(tenantCtx(), "user-9"), MergeRequest{
		CanonicalID: "c1",
		MergedIDs:   []string{"m1", "m2"},
		Scores:      map[string]float64{"jaro_winkler": 0.95},
	})

	require.NoError(t, err)
	assert.Equal(t, "c1", result.CanonicalID)
	assert.Equal(t, []string{"m1", "m2"}, result.MergedIDs)
	assert.Equal(t, 3, result.TransferCount)

	stream := fx.store.stream("c1", events.AggregateEntityCluster)
	require.Len(t, stream, 3)

	merged, ok := stream[0].(*events.EntitiesMergedEvent)
	require.True(t, ok)
	assert.Equal(t, result.MergeEventID, merged.EventID())
	assert.Equal(t, []string{"m1", "m2"}, merged.MergedEntityIDs)
	assert.Equal(t, []string{"Apple", "Apple Computer"}, merged.MergedEntityNames)
	assert.Equal(t, ReasonManual, merged.MergeReason)
	assert.Equal(t, "user-9", merged.MergedByUserID)
	assert.Equal(t, 3, merged.RelationshipTransferCount)
	assert.Equal(t, []string{"hq"}, merged.PropertyMergeDetails["m1"])
	assert.NotContains(t, merged.PropertyMergeDetails, "m2")

	for i, mergedID := range []string{"m1", "m2"} {
		alias, ok := stream[i+1].(*events.AliasCreatedEvent)
		require.True(t, ok)
		assert.Equal(t, "c1", alias.CanonicalEntityID)
		assert.Equal(t, mergedID, alias.OriginalEntityID)
		assert.NotEqual(t, mergedID, alias.AliasID)
		assert.Equal(t, merged.EventID(), alias.MergeEventID)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(fx.collector.MergesPerformed))
	assert.ElementsMatch(t, []string{"c1", "m1", "m2"}, fx.cache.invalidated)
}

func TestMergeService_MergeDedupesRepeatedIDs(t *testing.T) {
	base := time.Now()
	fx := newMergeFixture(
		newFakeEntities(
			canonicalEntity("c1", "Ada", "person", base),
			canonicalEntity("m1", "Ada L.", "person", base),
		),
		newFakeRelationships(),
		newFakeHistory(),
	)

	result, err := fx.svc.Merge(tenantCtx(), MergeRequest{
		CanonicalID: "c1",
		MergedIDs:   []string{"m1", "m1"},
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, result.MergedIDs)
	assert.Len(t, fx.store.stream("c1", events.AggregateEntityCluster), 2)
}

func TestMergeService_MergeRejectsChains(t *testing.T) {
	base := time.Now()
	alreadyMerged := canonicalEntity("m1", "Ada L.", "person", base)
	alreadyMerged.IsCanonical = false
	other := "c0"
	alreadyMerged.IsAliasOf = &other
	fx := newMergeFixture(
		newFakeEntities(canonicalEntity("c1", "Ada", "person", base), alreadyMerged),
		newFakeRelationships(),
		newFakeHistory(),
	)

	_, err := fx.svc.Merge(tenantCtx(), MergeRequest{CanonicalID: "c1", MergedIDs: []string{"m1"}})

	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
	assert.Empty(t, fx.store.log)
}

func TestMergeService_MergeRejectsNonCanonicalTarget(t *testing.T) {
	base := time.Now()
	target := canonicalEntity("c1", "Ada", "person", base)
	target.IsCanonical = false
	fx := newMergeFixture(
		newFakeEntities(target, canonicalEntity("m1", "Ada L.", "person", base)),
		newFakeRelationships(),
		newFakeHistory(),
	)

	_, err := fx.svc.Merge(tenantCtx(), MergeRequest{CanonicalID: "c1", MergedIDs: []string{"m1"}})

	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
}

func TestMergeService_MergeRejectsSelfAndUnknown(t *testing.T) {
	base := time.Now()
	fx := newMergeFixture(
		newFakeEntities(canonicalEntity("c1", "Ada", "person", base)),
		newFakeRelationships(),
		newFakeHistory(),
	)

	_, err := fx.svc.Merge(tenantCtx(), MergeRequest{CanonicalID: "c1", MergedIDs: []string{"c1"}})
	assert.True(t, errors.IsValidation(err))

	_, err = fx.svc.Merge(tenantCtx(), MergeRequest{CanonicalID: "c1", MergedIDs: []string{"ghost"}})
	assert.True(t, errors.IsNotFound(err))
}

func TestMergeService_MergeRequiresTenant(t *testing.T) {
	fx := newMergeFixture(newFakeEntities(), newFakeRelationships(), newFakeHistory())

	_, err := fx.svc.Merge(context.Background(), MergeRequest{CanonicalID: "c1", MergedIDs: []string{"m1"}})

	require.Error(t, err)
}

func demotedEntity(id, name, aliasOf string) *cdomain.ExtractedEntity {
	e := canonicalEntity(id, name, "person", time.Now())
	e.IsCanonical = false
	e.IsAliasOf = &aliasOf
	return e
}

func TestMergeService_Undo(t *testing.T) {
	fx := newMergeFixture(
		newFakeEntities(
			canonicalEntity("c1", "Ada", "person", time.Now()),
			demotedEntity("m1", "Ada L.", "c1"),
			demotedEntity("m2", "A. Lovelace", "c1"),
		),
		newFakeRelationships(),
		newFakeHistory(&cdomain.MergeRecord{
			ID:                "me-1",
			TenantID:          testTenant,
			MergeEventID:      "me-1",
			CanonicalEntityID: "c1",
			MergedEntityIDs:   []string{"m1", "m2"},
		}),
	)

	err := fx.svc.Undo(tenantCtx(), UndoRequest{MergeEventID: "me-1", Reason: "wrong person", UndoneBy: "user-2"})

	require.NoError(t, err)
	require.Len(t, fx.entities.restored, 1)
	assert.Equal(t, []string{"m1", "m2"}, fx.entities.restored[0], "empty restore list restores everything")
	assert.True(t, fx.entities.entities["m1"].IsCanonical)
	assert.Nil(t, fx.entities.entities["m1"].IsAliasOf)

	stream := fx.store.stream("c1", events.AggregateEntityCluster)
	require.Len(t, stream, 1)
	undone, ok := stream[0].(*events.MergeUndoneEvent)
	require.True(t, ok)
	assert.Equal(t, "me-1", undone.OriginalMergeEventID)
	assert.Equal(t, []string{"m1", "m2"}, undone.RestoredEntityIDs)
	assert.Equal(t, "wrong person", undone.UndoReason)
	assert.Equal(t, "user-2", undone.UndoneByUserID)
}

func TestMergeService_UndoSubset(t *testing.T) {
	fx := newMergeFixture(
		newFakeEntities(demotedEntity("m1", "Ada L.", "c1"), demotedEntity("m2", "A. Lovelace", "c1")),
		newFakeRelationships(),
		newFakeHistory(&cdomain.MergeRecord{
			MergeEventID:      "me-1",
			CanonicalEntityID: "c1",
			MergedEntityIDs:   []string{"m1", "m2"},
		}),
	)

	err := fx.svc.Undo(tenantCtx(), UndoRequest{MergeEventID: "me-1", RestoredIDs: []string{"m2"}})

	require.NoError(t, err)
	assert.Equal(t, [][]string{{"m2"}}, fx.entities.restored)
	assert.False(t, fx.entities.entities["m1"].IsCanonical, "m1 stays merged")
}

func TestMergeService_UndoValidations(t *testing.T) {
	fx := newMergeFixture(
		newFakeEntities(),
		newFakeRelationships(),
		newFakeHistory(
			&cdomain.MergeRecord{MergeEventID: "done", CanonicalEntityID: "c1", MergedEntityIDs: []string{"m1"}, Undone: true},
			&cdomain.MergeRecord{MergeEventID: "open", CanonicalEntityID: "c1", MergedEntityIDs: []string{"m1"}},
		),
	)

	err := fx.svc.Undo(tenantCtx(), UndoRequest{MergeEventID: "missing"})
	assert.True(t, errors.IsNotFound(err))

	err = fx.svc.Undo(tenantCtx(), UndoRequest{MergeEventID: "done"})
	assert.True(t, errors.IsConflict(err))

	err = fx.svc.Undo(tenantCtx(), UndoRequest{MergeEventID: "open", RestoredIDs: []string{"stranger"}})
	assert.True(t, errors.IsValidation(err))
}

func TestMergeService_UndoRestoreFailureAppendsNothing(t *testing.T) {
	entities := newFakeEntities(demotedEntity("m1", "Ada L.", "c1"))
	entities.restoreErr = errors.Internal("DB_DOWN", "connection lost").Build()
	fx := newMergeFixture(entities, newFakeRelationships(), newFakeHistory(&cdomain.MergeRecord{
		MergeEventID:      "me-1",
		CanonicalEntityID: "c1",
		MergedEntityIDs:   []string{"m1"},
	}))

	err := fx.svc.Undo(tenantCtx(), UndoRequest{MergeEventID: "me-1"})

	require.Error(t, err)
	assert.Empty(t, fx.store.log, "rows restore before any event is appended")
}

func TestMergeService_Split(t *testing.T) {
	original := canonicalEntity("o1", "Mercury", "entity", time.Now())
	fx := newMergeFixture(
		newFakeEntities(original),
		newFakeRelationships(
			relationship("r1", "o1", "x"),
			relationship("r2", "y", "o1"),
		),
		newFakeHistory(),
	)

	result, err := fx.svc.Split(tenantCtx(), SplitRequest{
		OriginalID: "o1",
		NewEntities: []SplitEntity{
			{Name: "Mercury (planet)", RelationshipIDs: []string{"r1"}},
			{Name: "Mercury (element)", Properties: map[string]interface{}{"symbol": "Hg"}},
		},
		Reason:  "conflated planet and element",
		SplitBy: "user-3",
	})

	require.NoError(t, err)
	require.Len(t, result.NewEntityIDs, 2)
	assert.NotEqual(t, result.NewEntityIDs[0], result.NewEntityIDs[1])

	stream := fx.store.stream("o1", events.AggregateEntityCluster)
	require.Len(t, stream, 1)
	split, ok := stream[0].(*events.EntitySplitEvent)
	require.True(t, ok)
	assert.Equal(t, result.SplitEventID, split.EventID())
	assert.Equal(t, []string{"Mercury (planet)", "Mercury (element)"}, split.NewEntityNames)
	assert.Equal(t, result.NewEntityIDs, split.NewEntityIDs)
	assert.Equal(t, map[string]string{"r1": result.NewEntityIDs[0]}, split.RelationshipAssignments)
	require.Contains(t, split.PropertyAssignments, result.NewEntityIDs[1])
	assert.Equal(t, "Hg", split.PropertyAssignments[result.NewEntityIDs[1]]["symbol"])
	assert.Equal(t, "conflated planet and element", split.SplitReason)
}

func TestMergeService_SplitValidations(t *testing.T) {
	original := canonicalEntity("o1", "Mercury", "entity", time.Now())
	demoted := demotedEntity("o2", "Old", "o1")
	fx := newMergeFixture(
		newFakeEntities(original, demoted),
		newFakeRelationships(relationship("r1", "o1", "x")),
		newFakeHistory(),
	)
	two := []SplitEntity{{Name: "A"}, {Name: "B"}}

	_, err := fx.svc.Split(tenantCtx(), SplitRequest{OriginalID: "o1", NewEntities: two[:1]})
	assert.True(t, errors.IsValidation(err), "one successor is not a split")

	_, err = fx.svc.Split(tenantCtx(), SplitRequest{OriginalID: "o1", NewEntities: []SplitEntity{{Name: "A"}, {Name: ""}}})
	assert.True(t, errors.IsValidation(err))

	_, err = fx.svc.Split(tenantCtx(), SplitRequest{OriginalID: "o2", NewEntities: two})
	assert.True(t, errors.IsConflict(err))

	_, err = fx.svc.Split(tenantCtx(), SplitRequest{OriginalID: "o1", NewEntities: []SplitEntity{
		{Name: "A", RelationshipIDs: []string{"ghost"}}, {Name: "B"},
	}})
	assert.True(t, errors.IsValidation(err))

	_, err = fx.svc.Split(tenantCtx(), SplitRequest{OriginalID: "o1", NewEntities: []SplitEntity{
		{Name: "A", RelationshipIDs: []string{"r1"}}, {Name: "B", RelationshipIDs: []string{"r1"}},
	}})
	assert.True(t, errors.IsValidation(err), "a relationship cannot follow two successors")

	assert.Empty(t, fx.store.log)
}
