package consolidation

import (
	"context"

	"go.uber.org/zap"

	cdomain "cartograph-backend/domain/consolidation"
)

// Graph score weighting: who you are connected to matters more than how.
const (
	graphNeighborWeight = 0.7
	graphRelTypeWeight  = 0.3

	// Two entities with no graph presence at all tell us nothing either
	// way, so they score neutral rather than dissimilar.
	graphNeutralScore = 0.5
)

// NeighborhoodReader is the slice of the graph store the scorer needs.
type NeighborhoodReader interface {
	NeighborhoodBatch(ctx context.Context, tenantID string, entityIDs []string, cap int) (map[string]*cdomain.Neighborhood, error)
}

// GraphScorer computes structural similarity from the mirrored graph. Scores
// lag the relational read model by however far the graph projection is
// behind; that is acceptable for a soft signal.
type GraphScorer struct {
	store  NeighborhoodReader
	cap    int
	logger *zap.Logger
}

func NewGraphScorer(store NeighborhoodReader, neighborhoodCap int, logger *zap.Logger) *GraphScorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GraphScorer{
		store:  store,
		cap:    neighborhoodCap,
		logger: logger.Named("graph_scorer"),
	}
}

// Similarity fetches both neighborhoods and scores them.
func (g *GraphScorer) Similarity(ctx context.Context, tenantID, entityAID, entityBID string) (float64, error) {
	batch, err := g.store.NeighborhoodBatch(ctx, tenantID, []string{entityAID, entityBID}, g.cap)
	if err != nil {
		return 0, err
	}
	return GraphSimilarity(batch[entityAID], batch[entityBID]), nil
}

// Preload bulk-fetches neighborhoods for one source's whole candidate set so
// per-pair scoring stays in memory.
func (g *GraphScorer) Preload(ctx context.Context, tenantID string, entityIDs []string) (map[string]*cdomain.Neighborhood, error) {
	if len(entityIDs) == 0 {
		return map[string]*cdomain.Neighborhood{}, nil
	}
	return g.store.NeighborhoodBatch(ctx, tenantID, entityIDs, g.cap)
}

// GraphSimilarity combines Jaccard over neighbor sets with Jaccard over
// relationship-type sets. A nil neighborhood counts as empty.
func GraphSimilarity(a, b *cdomain.Neighborhood) float64 {
	if isolated(a) && isolated(b) {
		return graphNeutralScore
	}
	var neighborsA, neighborsB, typesA, typesB []string
	if a != nil {
		neighborsA, typesA = a.NeighborIDs, a.RelationshipTypes
	}
	if b != nil {
		neighborsB, typesB = b.NeighborIDs, b.RelationshipTypes
	}
	return graphNeighborWeight*jaccard(neighborsA, neighborsB) + graphRelTypeWeight*jaccard(typesA, typesB)
}

func isolated(n *cdomain.Neighborhood) bool {
	return n == nil || (len(n.NeighborIDs) == 0 && len(n.RelationshipTypes) == 0)
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(a))
	for _, v := range a {
		setA[v] = true
	}
	setB := make(map[string]bool, len(b))
	for _, v := range b {
		setB[v] = true
	}
	intersection := 0
	for v := range setA {
		if setB[v] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}
