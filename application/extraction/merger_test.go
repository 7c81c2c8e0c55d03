package extraction

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cartograph-backend/internal/config"
	"cartograph-backend/internal/errors"
)

func crossChunkConfig() config.CrossChunkConfig {
	return config.CrossChunkConfig{
		HighThreshold:    0.92,
		LowThreshold:     0.82,
		TiebreakerBatch:  10,
		UseLLMTiebreaker: true,
	}
}

func newTestMerger(provider *fakeLLM) *Merger {
	cfg := crossChunkConfig()
	if provider == nil {
		cfg.UseLLMTiebreaker = false
		return NewMerger(nil, cfg, "tiebreak-model", zap.NewNop())
	}
	return NewMerger(provider, cfg, "tiebreak-model", zap.NewNop())
}

func entity(name, entityType string, confidence float64, chunk int) ParsedEntity {
	return ParsedEntity{Name: name, EntityType: entityType, Confidence: confidence, ChunkIndex: chunk}
}

func TestMerger_IdenticalNamesCollapse(t *testing.T) {
	entities := []ParsedEntity{
		entity("Marie Curie", "person", 0.8, 0),
		entity("marie  curie", "person", 0.9, 1),
		entity("Marie Curie", "person", 0.7, 2),
	}

	merged, _ := newTestMerger(nil).Merge(context.Background(), entities, nil)

	require.Len(t, merged, 1)
	assert.Equal(t, "marie  curie", merged[0].Name, "highest confidence wins")
	assert.Equal(t, 0.9, merged[0].Confidence)
}

func TestMerger_HighSimilarityCollapsesAcrossChunks(t *testing.T) {
	entities := []ParsedEntity{
		entity("Apple Inc.", "organization", 0.85, 0),
		entity("Apple Inc", "organization", 0.85, 1),
	}

	merged, _ := newTestMerger(nil).Merge(context.Background(), entities, nil)

	require.Len(t, merged, 1)
	assert.Equal(t, "Apple Inc.", merged[0].Name, "equal confidence, longer name wins")
}

func TestMerger_TypeMismatchNeverCollapses(t *testing.T) {
	entities := []ParsedEntity{
		entity("Amazon", "organization", 0.9, 0),
		entity("Amazon", "location", 0.9, 1),
	}

	merged, _ := newTestMerger(nil).Merge(context.Background(), entities, nil)

	assert.Len(t, merged, 2)
}

func TestMerger_SameChunkSimilarNamesStaySeparate(t *testing.T) {
	entities := []ParsedEntity{
		entity("Johnson", "person", 0.9, 0),
		entity("Johnsen", "person", 0.9, 0),
	}

	merged, _ := newTestMerger(nil).Merge(context.Background(), entities, nil)

	assert.Len(t, merged, 2, "near-identical names in one chunk are distinct on purpose")
}

func TestMerger_AmbiguousWithoutTiebreakerStaysSeparate(t *testing.T) {
	// "smith" vs "smyth" sits in the ambiguous band: similar enough to
	// question, not enough for the high threshold.
	entities := []ParsedEntity{
		entity("Smith", "person", 0.9, 0),
		entity("Smyth", "person", 0.9, 1),
	}

	merged, _ := newTestMerger(nil).Merge(context.Background(), entities, nil)

	assert.Len(t, merged, 2)
}

func TestMerger_TiebreakerMergesApprovedPairs(t *testing.T) {
	provider := &fakeLLM{responses: []string{
		`[{"pair_index": 0, "should_merge": true, "confidence": 0.9, "reason": "spelling variant"}]`,
	}}
	entities := []ParsedEntity{
		entity("Smith", "person", 0.9, 0),
		entity("Smyth", "person", 0.8, 1),
	}

	merged, _ := newTestMerger(provider).Merge(context.Background(), entities, nil)

	require.Len(t, merged, 1)
	assert.Equal(t, "Smith", merged[0].Name)
	require.Len(t, provider.requests, 1)
	assert.Contains(t, provider.requests[0].Prompt, `"Smith" (person)`)
	assert.Contains(t, provider.requests[0].Prompt, `"Smyth" (person)`)
}

func TestMerger_TiebreakerRejectionKeepsSeparate(t *testing.T) {
	provider := &fakeLLM{responses: []string{
		`[{"pair_index": 0, "should_merge": false, "confidence": 0.8, "reason": "different people"}]`,
	}}
	entities := []ParsedEntity{
		entity("Smith", "person", 0.9, 0),
		entity("Smyth", "person", 0.8, 1),
	}

	merged, _ := newTestMerger(provider).Merge(context.Background(), entities, nil)

	assert.Len(t, merged, 2)
}

func TestMerger_TiebreakerFailureIsConservative(t *testing.T) {
	provider := &fakeLLM{err: errors.Timeout("LLM_TIMEOUT", "deadline exceeded").Build()}
	entities := []ParsedEntity{
		entity("Smith", "person", 0.9, 0),
		entity("Smyth", "person", 0.8, 1),
	}

	merged, _ := newTestMerger(provider).Merge(context.Background(), entities, nil)

	assert.Len(t, merged, 2)
}

func TestMerger_RemapsAndDeduplicatesRelationships(t *testing.T) {
	entities := []ParsedEntity{
		entity("Apple Inc.", "organization", 0.9, 0),
		entity("Apple Inc", "organization", 0.8, 1),
		entity("Tim Cook", "person", 0.9, 0),
		entity("Tim Cook", "person", 0.85, 1),
	}
	relationships := []ParsedRelationship{
		{SourceName: "Tim Cook", TargetName: "Apple Inc.", RelationshipType: "works_at", Confidence: 0.7, Context: "chunk 0"},
		{SourceName: "Tim Cook", TargetName: "Apple Inc", RelationshipType: "works_at", Confidence: 0.9, Context: "chunk 1"},
		{SourceName: "Tim Cook", TargetName: "Unknown Corp", RelationshipType: "works_at", Confidence: 0.9},
		{SourceName: "Apple Inc", TargetName: "Apple Inc.", RelationshipType: "related_to", Confidence: 0.6},
	}

	merged, remapped := newTestMerger(nil).Merge(context.Background(), entities, relationships)

	require.Len(t, merged, 2)

	// Parallel works_at edges collapse into one with the best confidence;
	// the dangling edge and the self-loop created by the merge disappear.
	require.Len(t, remapped, 1)
	r := remapped[0]
	assert.Equal(t, "Tim Cook", r.SourceName)
	assert.Equal(t, "Apple Inc.", r.TargetName)
	assert.Equal(t, 0.9, r.Confidence)
	assert.Equal(t, "chunk 1", r.Context)
}

func TestMerger_TransitiveGroupsCollapse(t *testing.T) {
	entities := []ParsedEntity{
		entity("International Business Machines Corporation", "organization", 0.7, 0),
		entity("International Business Machines Corporatio", "organization", 0.8, 1),
		entity("International Business Machines Corporati", "organization", 0.9, 2),
	}

	merged, _ := newTestMerger(nil).Merge(context.Background(), entities, nil)

	require.Len(t, merged, 1)
	assert.Equal(t, "International Business Machines Corporati", merged[0].Name)
}

func TestMerger_EmptyInput(t *testing.T) {
	merged, remapped := newTestMerger(nil).Merge(context.Background(), nil, nil)

	assert.Nil(t, merged)
	assert.Nil(t, remapped)
}
