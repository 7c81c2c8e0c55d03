package consolidation

import (
	"context"

	"go.uber.org/zap"

	cdomain "cartograph-backend/domain/consolidation"
	"cartograph-backend/internal/metrics"
)

// Scorer turns a blocked candidate set into classified pairs. String and
// context features are always computed; embedding and graph features join
// only when the tenant enables them, and an enabled feature that fails to
// compute is omitted rather than scored 0, so an embedding outage degrades
// precision instead of rejecting every pair.
type Scorer struct {
	embeddings *EmbeddingService
	graph      *GraphScorer
	collector  *metrics.Collector
	logger     *zap.Logger
}

func NewScorer(embeddings *EmbeddingService, graph *GraphScorer, collector *metrics.Collector, logger *zap.Logger) *Scorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scorer{
		embeddings: embeddings,
		graph:      graph,
		collector:  collector,
		logger:     logger.Named("scorer"),
	}
}

// ScorePair scores a single pair under the given tenant settings.
func (s *Scorer) ScorePair(ctx context.Context, source, candidate *cdomain.ExtractedEntity, settings *cdomain.Settings) (*cdomain.ScoredPair, error) {
	pairs, err := s.score(ctx, source, []cdomain.BlockingCandidate{{Entity: candidate}}, settings)
	if err != nil {
		return nil, err
	}
	return pairs[0], nil
}

// ScoreCandidates scores every blocked candidate against the source. Cached
// embeddings and graph neighborhoods for the whole set are prefetched in one
// bulk call each, so per-pair scoring is pure in-memory math.
func (s *Scorer) ScoreCandidates(ctx context.Context, source *cdomain.ExtractedEntity, blocking *cdomain.BlockingResult, settings *cdomain.Settings) ([]*cdomain.ScoredPair, error) {
	if blocking == nil || len(blocking.Candidates) == 0 {
		return nil, nil
	}
	return s.score(ctx, source, blocking.Candidates, settings)
}

func (s *Scorer) score(ctx context.Context, source *cdomain.ExtractedEntity, candidates []cdomain.BlockingCandidate, settings *cdomain.Settings) ([]*cdomain.ScoredPair, error) {
	entities := make([]*cdomain.ExtractedEntity, 0, len(candidates)+1)
	ids := make([]string, 0, len(candidates)+1)
	entities = append(entities, source)
	ids = append(ids, source.ID)
	for _, c := range candidates {
		entities = append(entities, c.Entity)
		ids = append(ids, c.Entity.ID)
	}

	var vectors map[string][]float32
	if settings.EnableEmbedding && s.embeddings != nil {
		var err error
		vectors, err = s.embeddings.Vectors(ctx, source.TenantID, entities)
		if err != nil {
			s.logger.Warn("embedding unavailable, scoring without it",
				zap.String("tenant_id", source.TenantID),
				zap.String("entity_id", source.ID),
				zap.Error(err))
			vectors = nil
		}
	}

	var neighborhoods map[string]*cdomain.Neighborhood
	if settings.EnableGraph && s.graph != nil {
		var err error
		neighborhoods, err = s.graph.Preload(ctx, source.TenantID, ids)
		if err != nil {
			s.logger.Warn("graph neighborhoods unavailable, scoring without them",
				zap.String("tenant_id", source.TenantID),
				zap.String("entity_id", source.ID),
				zap.Error(err))
			neighborhoods = nil
		}
	}

	pairs := make([]*cdomain.ScoredPair, 0, len(candidates))
	for _, c := range candidates {
		scores := StringScores(source, c.Entity)
		if vectors != nil {
			sourceVec, okA := vectors[source.ID]
			candVec, okB := vectors[c.Entity.ID]
			if okA && okB {
				scores[cdomain.FeatureEmbedding] = NormalizedCosine(sourceVec, candVec)
			}
		}
		if neighborhoods != nil {
			scores[cdomain.FeatureGraph] = GraphSimilarity(neighborhoods[source.ID], neighborhoods[c.Entity.ID])
		}

		combined := Combine(scores, settings.FeatureWeights)
		level := settings.Classify(combined)
		pairs = append(pairs, &cdomain.ScoredPair{
			Source:       source,
			Candidate:    c.Entity,
			Scores:       scores,
			Combined:     combined,
			Level:        level,
			Decision:     cdomain.DecisionFor(level),
			BlockingKeys: c.MatchedKeys,
		})
		s.collector.CandidatesScored.Inc()
	}
	return pairs, nil
}

// Combine is the weighted average over the features that actually produced
// a value. Weights are renormalized over that active set so disabling or
// losing a feature does not silently drag every pair toward zero.
func Combine(scores cdomain.SimilarityScores, weights map[string]float64) float64 {
	var activeWeight, sum float64
	for feature, score := range scores {
		w := weights[feature]
		if w <= 0 {
			continue
		}
		activeWeight += w
		sum += w * score
	}
	if activeWeight == 0 {
		return 0
	}
	return sum / activeWeight
}
