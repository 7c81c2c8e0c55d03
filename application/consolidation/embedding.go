package consolidation

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"cartograph-backend/application/ports"
	cdomain "cartograph-backend/domain/consolidation"
	"cartograph-backend/internal/errors"
	"cartograph-backend/internal/metrics"
)

// embeddingDescriptionLimit caps how much of the description feeds the
// embedded text. Long descriptions add cost without moving the vector much.
const embeddingDescriptionLimit = 200

// EmbeddingService computes semantic similarity between entities. Vectors
// are cached per (tenant, entity); the provider is only called for misses,
// batched so one source entity's candidate set costs at most one call.
type EmbeddingService struct {
	provider  ports.EmbeddingProvider
	cache     ports.EmbeddingCache
	collector *metrics.Collector
	logger    *zap.Logger
}

func NewEmbeddingService(provider ports.EmbeddingProvider, cache ports.EmbeddingCache, collector *metrics.Collector, logger *zap.Logger) *EmbeddingService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmbeddingService{
		provider:  provider,
		cache:     cache,
		collector: collector,
		logger:    logger.Named("embedding"),
	}
}

// EntityToText renders the text that gets embedded for an entity:
// "<name> [<type>] <description>", with the description truncated.
func EntityToText(e *cdomain.ExtractedEntity) string {
	text := fmt.Sprintf("%s [%s]", e.Name, e.EntityType)
	desc := e.Description
	if runes := []rune(desc); len(runes) > embeddingDescriptionLimit {
		desc = string(runes[:embeddingDescriptionLimit])
	}
	if desc != "" {
		text += " " + desc
	}
	return text
}

// Similarity embeds both entities (through the cache) and returns the
// normalized cosine in [0,1].
func (s *EmbeddingService) Similarity(ctx context.Context, a, b *cdomain.ExtractedEntity) (float64, error) {
	vectors, err := s.Vectors(ctx, a.TenantID, []*cdomain.ExtractedEntity{a, b})
	if err != nil {
		return 0, err
	}
	return NormalizedCosine(vectors[a.ID], vectors[b.ID]), nil
}

// Vectors returns a vector per entity ID. Cached vectors are bulk-fetched
// first; the remainder is computed in a single provider call and written
// back. Cache failures degrade to provider calls, never to scoring failures.
func (s *EmbeddingService) Vectors(ctx context.Context, tenantID string, entities []*cdomain.ExtractedEntity) (map[string][]float32, error) {
	result := make(map[string][]float32, len(entities))
	if len(entities) == 0 {
		return result, nil
	}

	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		ids = append(ids, e.ID)
	}
	cached, err := s.cache.GetBatch(ctx, tenantID, ids)
	if err != nil {
		s.logger.Warn("embedding cache read failed, embedding everything",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
		cached = nil
	}

	var missing []*cdomain.ExtractedEntity
	for _, e := range entities {
		if vec, ok := cached[e.ID]; ok {
			result[e.ID] = vec
			s.collector.EmbeddingCacheHits.Inc()
			continue
		}
		s.collector.EmbeddingCacheMisses.Inc()
		missing = append(missing, e)
	}
	if len(missing) == 0 {
		return result, nil
	}

	texts := make([]string, 0, len(missing))
	for _, e := range missing {
		texts = append(texts, EntityToText(e))
	}
	vectors, err := s.provider.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missing) {
		return nil, errors.External("EMBEDDING_COUNT_MISMATCH",
			fmt.Sprintf("requested %d embeddings, got %d", len(missing), len(vectors))).
			WithTenant(tenantID).
			Build()
	}

	writeBack := make(map[string][]float32, len(missing))
	for i, e := range missing {
		result[e.ID] = vectors[i]
		writeBack[e.ID] = vectors[i]
	}
	if err := s.cache.SetBatch(ctx, tenantID, writeBack); err != nil {
		s.logger.Warn("embedding cache write failed",
			zap.String("tenant_id", tenantID),
			zap.Int("vectors", len(writeBack)),
			zap.Error(err))
	}
	return result, nil
}

// Invalidate drops a cached vector after an entity's name, type, or
// description changed. Merge and split call this for every touched entity.
func (s *EmbeddingService) Invalidate(ctx context.Context, tenantID string, entityIDs ...string) {
	for _, id := range entityIDs {
		if err := s.cache.Invalidate(ctx, tenantID, id); err != nil {
			s.logger.Warn("embedding cache invalidation failed",
				zap.String("tenant_id", tenantID),
				zap.String("entity_id", id),
				zap.Error(err))
		}
	}
}

// CosineSimilarity is the raw cosine in [-1,1]. Zero or mismatched vectors
// score 0 so a bad provider response cannot poison a merge decision.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// NormalizedCosine maps cosine onto [0,1] so it composes with the other
// features.
func NormalizedCosine(a, b []float32) float64 {
	return (CosineSimilarity(a, b) + 1) / 2
}
