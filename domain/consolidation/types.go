// Package consolidation defines the read-model types and scoring vocabulary
// for entity consolidation: extracted entities, candidate pairs, review
// items, per-tenant settings, and the routing decisions derived from
// combined similarity scores.
package consolidation

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Similarity feature names. Scores are always in [0, 1].
const (
	FeatureJaroWinkler     = "jaro_winkler"
	FeatureNormalizedExact = "normalized_exact"
	FeatureSoundex         = "soundex"
	FeatureTrigram         = "trigram"
	FeatureTypeMatch       = "type_match"
	FeatureSamePage        = "same_page"
	FeatureEmbedding       = "embedding"
	FeatureGraph           = "graph"
)

// SimilarityScores maps feature name to score for one candidate pair.
type SimilarityScores map[string]float64

// MatchLevel classifies a combined score against tenant thresholds.
type MatchLevel string

const (
	MatchHigh   MatchLevel = "high"
	MatchMedium MatchLevel = "medium"
	MatchLow    MatchLevel = "low"
)

// Decision is the routing outcome for a scored pair.
type Decision string

const (
	DecisionAutoMerge Decision = "auto_merge"
	DecisionReview    Decision = "review"
	DecisionReject    Decision = "reject"
)

// DecisionFor maps a match level to its routing decision.
func DecisionFor(level MatchLevel) Decision {
	switch level {
	case MatchHigh:
		return DecisionAutoMerge
	case MatchMedium:
		return DecisionReview
	default:
		return DecisionReject
	}
}

// ExtractedEntity is the relational read model of one extracted entity.
type ExtractedEntity struct {
	ID               string
	TenantID         string
	SourcePageID     string
	EntityType       string
	Name             string
	NormalizedName   string
	Description      string
	Properties       map[string]interface{}
	ExtractionMethod string
	Confidence       float64
	IsCanonical      bool
	IsAliasOf        *string
	GraphNodeID      *string
	SyncedToGraph    bool
	SyncedAt         *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// EntityRelationship is the relational read model of one directed
// relationship between two entities.
type EntityRelationship struct {
	ID                  string
	TenantID            string
	SourceEntityID      string
	TargetEntityID      string
	RelationshipType    string
	Properties          map[string]interface{}
	Confidence          float64
	GraphRelationshipID *string
	SyncedToGraph       bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ReviewStatus is the lifecycle state of a merge-review item.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
	ReviewDeferred ReviewStatus = "deferred"
	ReviewExpired  ReviewStatus = "expired"
)

// MergeReviewItem is one queued medium-confidence pair awaiting a human
// decision. EntityAID sorts before EntityBID.
type MergeReviewItem struct {
	ID               string
	TenantID         string
	EntityAID        string
	EntityBID        string
	Confidence       float64
	ReviewPriority   int
	SimilarityScores SimilarityScores
	Status           ReviewStatus
	QueueReason      string
	ReviewedBy       *string
	ReviewedAt       *time.Time
	ReviewerNotes    string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ReviewFilter selects review items for listing.
type ReviewFilter struct {
	Status        ReviewStatus
	MinConfidence float64
	MaxConfidence float64
	EntityType    string
	Limit         int
	Offset        int
}

// ReviewStats summarizes the review queue for one tenant.
type ReviewStats struct {
	TotalByStatus     map[ReviewStatus]int
	AverageConfidence float64
	OldestPendingAge  time.Duration
	CountByEntityType map[string]int
}

// MergeRecord is the materialized history of one merge, kept so undo can
// validate and operators can audit without replaying streams.
type MergeRecord struct {
	ID                string
	TenantID          string
	MergeEventID      string
	CanonicalEntityID string
	MergedEntityIDs   []string
	MergeReason       string
	MergedBy          string
	MergedAt          time.Time
	Undone            bool
	UndoneBy          string
	UndoneAt          *time.Time
	UndoReason        string
}

// Settings are the per-tenant consolidation thresholds, weights, and
// feature toggles. Thresholds satisfy auto >= review >= reject.
type Settings struct {
	TenantID           string
	AutoMergeThreshold float64
	ReviewThreshold    float64
	RejectThreshold    float64
	FeatureWeights     map[string]float64
	EnableEmbedding    bool
	EnableGraph        bool
	MaxBlockSize       int
	UpdatedBy          string
	UpdatedAt          time.Time
}

// DefaultSettings returns the settings used for tenants that never
// customized consolidation. Weights cover every feature; scoring
// renormalizes over the features that actually produced values.
func DefaultSettings(tenantID string) *Settings {
	return &Settings{
		TenantID:           tenantID,
		AutoMergeThreshold: 0.90,
		ReviewThreshold:    0.50,
		RejectThreshold:    0.30,
		FeatureWeights: map[string]float64{
			FeatureJaroWinkler:     0.35,
			FeatureNormalizedExact: 0.20,
			FeatureTrigram:         0.15,
			FeatureSoundex:         0.10,
			FeatureTypeMatch:       0.15,
			FeatureSamePage:        0.05,
			FeatureEmbedding:       0.25,
			FeatureGraph:           0.15,
		},
		EnableEmbedding: false,
		EnableGraph:     false,
		MaxBlockSize:    100,
	}
}

// Classify maps a combined score onto a match level using these settings.
func (s *Settings) Classify(combined float64) MatchLevel {
	switch {
	case combined >= s.AutoMergeThreshold:
		return MatchHigh
	case combined >= s.ReviewThreshold:
		return MatchMedium
	default:
		return MatchLow
	}
}

// ScoredPair is the outcome of scoring one candidate pair.
type ScoredPair struct {
	Source       *ExtractedEntity
	Candidate    *ExtractedEntity
	Scores       SimilarityScores
	Combined     float64
	Level        MatchLevel
	Decision     Decision
	BlockingKeys []string
}

// BlockingCandidate is one candidate produced by the blocking engine with
// the keys that matched it.
type BlockingCandidate struct {
	Entity      *ExtractedEntity
	MatchedKeys []string
}

// BlockingResult is the blocking engine output for one source entity.
type BlockingResult struct {
	Candidates []BlockingCandidate
	Strategies []string
	Truncated  bool
}

// Neighborhood is an entity's direct graph neighborhood, capped.
type Neighborhood struct {
	EntityID          string
	NeighborIDs       []string
	RelationshipTypes []string
}

// OrderedPair returns the two IDs in their canonical order so that a pair
// is identified the same way regardless of discovery order.
func OrderedPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// pairNamespace scopes deterministic pair IDs.
var pairNamespace = uuid.MustParse("a9c1e3f4-5b9d-4f7b-9a0e-2d6c8b714305")

// PairID derives the deterministic merge-pair stream ID for two entities of
// one tenant. Symmetric in a and b.
func PairID(tenantID, a, b string) string {
	first, second := OrderedPair(a, b)
	return uuid.NewSHA1(pairNamespace, []byte(tenantID+"|"+first+"|"+second)).String()
}

// NormalizeName canonicalizes an entity name for comparison and blocking.
func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}
