// Package consolidation implements entity deduplication on top of the read
// model: per-pair similarity scoring, candidate routing, merge/undo/split,
// the human review queue, and tenant-wide batch jobs. Every write goes
// through the event store; the relational and graph stores only ever change
// via projections.
package consolidation

import (
	"github.com/xrash/smetrics"

	cdomain "cartograph-backend/domain/consolidation"
)

// Jaro-Winkler parameters: prefix boost kicks in above 0.7, over at most the
// first four characters. These match the blocking engine's SQL-side scoring.
const (
	jaroWinklerBoost  = 0.7
	jaroWinklerPrefix = 4
)

// StringScores computes the synchronous name and context features for a
// pair. Embedding and graph features are appended separately by the scorer
// when the tenant enables them.
func StringScores(a, b *cdomain.ExtractedEntity) cdomain.SimilarityScores {
	return cdomain.SimilarityScores{
		cdomain.FeatureJaroWinkler:     smetrics.JaroWinkler(a.NormalizedName, b.NormalizedName, jaroWinklerBoost, jaroWinklerPrefix),
		cdomain.FeatureNormalizedExact: boolScore(a.NormalizedName != "" && a.NormalizedName == b.NormalizedName),
		cdomain.FeatureSoundex:         boolScore(soundexMatch(a.Name, b.Name)),
		cdomain.FeatureTrigram:         TrigramSimilarity(a.NormalizedName, b.NormalizedName),
		cdomain.FeatureTypeMatch:       boolScore(a.EntityType == b.EntityType),
		cdomain.FeatureSamePage:        boolScore(a.SourcePageID != "" && a.SourcePageID == b.SourcePageID),
	}
}

func boolScore(match bool) float64 {
	if match {
		return 1
	}
	return 0
}

func soundexMatch(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return smetrics.Soundex(a) == smetrics.Soundex(b)
}

// TrigramSimilarity is Jaccard over padded trigram sets, matching the
// semantics of the store's % operator closely enough that in-memory rescoring
// agrees with what blocking retrieved. Identical strings score 1; a single
// empty side scores 0.
func TrigramSimilarity(a, b string) float64 {
	if a == b {
		if a == "" {
			return 0
		}
		return 1
	}
	ta := trigrams(a)
	tb := trigrams(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	intersection := 0
	for g := range ta {
		if tb[g] {
			intersection++
		}
	}
	union := len(ta) + len(tb) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// trigrams pads with two leading and one trailing space the way pg_trgm
// does, so short strings still produce a usable set.
func trigrams(s string) map[string]bool {
	if s == "" {
		return nil
	}
	padded := []rune("  " + s + " ")
	set := make(map[string]bool, len(padded))
	for i := 0; i+3 <= len(padded); i++ {
		set[string(padded[i:i+3])] = true
	}
	return set
}
