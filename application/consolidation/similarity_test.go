package consolidation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	cdomain "cartograph-backend/domain/consolidation"
)

func pageEntity(name, entityType, pageID string) *cdomain.ExtractedEntity {
	e := canonicalEntity("id-"+name, name, entityType, time.Now())
	e.SourcePageID = pageID
	return e
}

func TestStringScores_IdenticalEntities(t *testing.T) {
	a := pageEntity("Marie Curie", "person", "p1")
	b := pageEntity("Marie Curie", "person", "p1")

	scores := StringScores(a, b)

	assert.Equal(t, 1.0, scores[cdomain.FeatureJaroWinkler])
	assert.Equal(t, 1.0, scores[cdomain.FeatureNormalizedExact])
	assert.Equal(t, 1.0, scores[cdomain.FeatureSoundex])
	assert.Equal(t, 1.0, scores[cdomain.FeatureTrigram])
	assert.Equal(t, 1.0, scores[cdomain.FeatureTypeMatch])
	assert.Equal(t, 1.0, scores[cdomain.FeatureSamePage])
}

func TestStringScores_UnrelatedEntities(t *testing.T) {
	a := pageEntity("Marie Curie", "person", "p1")
	b := pageEntity("Analytical Engine", "invention", "p2")

	scores := StringScores(a, b)

	assert.Equal(t, 0.0, scores[cdomain.FeatureNormalizedExact])
	assert.Equal(t, 0.0, scores[cdomain.FeatureSoundex])
	assert.Equal(t, 0.0, scores[cdomain.FeatureTypeMatch])
	assert.Equal(t, 0.0, scores[cdomain.FeatureSamePage])
	assert.Less(t, scores[cdomain.FeatureJaroWinkler], 0.7)
	assert.Less(t, scores[cdomain.FeatureTrigram], 0.2)
}

func TestStringScores_NearMissNames(t *testing.T) {
	a := pageEntity("Smith", "person", "p1")
	b := pageEntity("Smyth", "person", "p3")

	scores := StringScores(a, b)

	assert.InDelta(t, 0.8933, scores[cdomain.FeatureJaroWinkler], 0.001)
	assert.Equal(t, 0.0, scores[cdomain.FeatureNormalizedExact])
	assert.Equal(t, 1.0, scores[cdomain.FeatureSoundex], "smith and smyth share a soundex code")
	assert.Equal(t, 1.0, scores[cdomain.FeatureTypeMatch])
	assert.Equal(t, 0.0, scores[cdomain.FeatureSamePage])
}

func TestStringScores_BlankPagesNeverMatch(t *testing.T) {
	a := pageEntity("Ada", "person", "")
	b := pageEntity("Ada", "person", "")

	scores := StringScores(a, b)

	assert.Equal(t, 0.0, scores[cdomain.FeatureSamePage])
}

func TestTrigramSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, TrigramSimilarity("apple", "apple"))
	assert.Equal(t, 0.0, TrigramSimilarity("apple", ""))
	assert.Equal(t, 0.0, TrigramSimilarity("", ""))

	// "  abc " and "  abd " share "  a" and " ab": 2 of 6 distinct grams.
	assert.InEpsilon(t, 1.0/3.0, TrigramSimilarity("abc", "abd"), 1e-9)

	assert.Equal(t, TrigramSimilarity("night", "nacht"), TrigramSimilarity("nacht", "night"))
	assert.Greater(t, TrigramSimilarity("johnson", "johnsen"), TrigramSimilarity("johnson", "smith"))
}
