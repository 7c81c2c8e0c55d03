package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/xrash/smetrics"
	"go.uber.org/zap"

	"cartograph-backend/application/ports"
	"cartograph-backend/domain/consolidation"
	"cartograph-backend/internal/config"
)

// Merger combines per-chunk entity and relationship lists into one
// deduplicated set per document. Overlapping chunks report the same entity
// more than once; names also drift slightly between chunks ("Apple" vs
// "Apple Inc."), which is what the similarity passes are for.
type Merger struct {
	provider ports.LLMProvider
	config   config.CrossChunkConfig
	model    string
	logger   *zap.Logger
}

// NewMerger builds a cross-chunk merger. The provider is only used for the
// ambiguous-pair tiebreaker and may be nil, in which case ambiguous pairs
// stay separate.
func NewMerger(provider ports.LLMProvider, cfg config.CrossChunkConfig, model string, logger *zap.Logger) *Merger {
	return &Merger{
		provider: provider,
		config:   cfg,
		model:    model,
		logger:   logger.Named("cross_chunk"),
	}
}

// Merge deduplicates entities across chunks and remaps relationships onto
// the surviving representatives. Afterwards no same-type pair in the entity
// list exceeds the high similarity threshold, and every relationship
// endpoint names a surviving entity.
func (m *Merger) Merge(ctx context.Context, entities []ParsedEntity, relationships []ParsedRelationship) ([]ParsedEntity, []ParsedRelationship) {
	if len(entities) == 0 {
		return nil, nil
	}

	groups := newUnionFind(len(entities))
	normalized := make([]string, len(entities))
	for i, e := range entities {
		normalized[i] = consolidation.NormalizeName(e.Name)
	}

	// Exact pass: identical normalized name and type always collapse, even
	// within one chunk.
	byKey := make(map[string]int, len(entities))
	for i, e := range entities {
		key := normalized[i] + "\x00" + e.EntityType
		if j, ok := byKey[key]; ok {
			groups.union(i, j)
		} else {
			byKey[key] = i
		}
	}

	// Similarity pass over cross-chunk pairs of matching type.
	var ambiguous []mergePair
	for i := 0; i < len(entities); i++ {
		for j := i + 1; j < len(entities); j++ {
			if entities[i].EntityType != entities[j].EntityType {
				continue
			}
			if entities[i].ChunkIndex == entities[j].ChunkIndex {
				continue
			}
			if groups.find(i) == groups.find(j) {
				continue
			}
			sim := smetrics.JaroWinkler(normalized[i], normalized[j], 0.7, 4)
			switch {
			case sim >= m.config.HighThreshold:
				groups.union(i, j)
			case sim >= m.config.LowThreshold:
				ambiguous = append(ambiguous, mergePair{a: i, b: j, similarity: sim})
			}
		}
	}

	if len(ambiguous) > 0 && m.config.UseLLMTiebreaker && m.provider != nil {
		m.resolveAmbiguous(ctx, entities, ambiguous, groups)
	}

	merged := m.electRepresentatives(entities, groups)

	// Map every member's original name onto its representative's name.
	nameToRep := make(map[string]string, len(entities))
	for i, e := range entities {
		nameToRep[e.Name] = merged.repNames[groups.find(i)]
	}

	return merged.entities, remapRelationships(relationships, nameToRep)
}

type mergePair struct {
	a, b       int
	similarity float64
}

type electionResult struct {
	entities []ParsedEntity
	repNames map[int]string
}

// electRepresentatives picks one entity per group: highest confidence wins,
// longer name breaks ties.
func (m *Merger) electRepresentatives(entities []ParsedEntity, groups *unionFind) electionResult {
	repIdx := make(map[int]int)
	for i := range entities {
		root := groups.find(i)
		cur, ok := repIdx[root]
		if !ok || betterRepresentative(entities[i], entities[cur]) {
			repIdx[root] = i
		}
	}

	roots := make([]int, 0, len(repIdx))
	for root := range repIdx {
		roots = append(roots, root)
	}
	// First-seen order keeps the output stable for identical inputs.
	sort.Slice(roots, func(i, j int) bool { return repIdx[roots[i]] < repIdx[roots[j]] })

	result := electionResult{
		entities: make([]ParsedEntity, 0, len(roots)),
		repNames: make(map[int]string, len(roots)),
	}
	for _, root := range roots {
		rep := entities[repIdx[root]]
		result.entities = append(result.entities, rep)
		result.repNames[root] = rep.Name
	}
	return result
}

func betterRepresentative(candidate, incumbent ParsedEntity) bool {
	if candidate.Confidence != incumbent.Confidence {
		return candidate.Confidence > incumbent.Confidence
	}
	return len(candidate.Name) > len(incumbent.Name)
}

// remapRelationships rewrites endpoints onto representative names, drops
// relationships referencing unknown names or collapsing into self-loops,
// and deduplicates parallel edges keeping the highest confidence.
func remapRelationships(relationships []ParsedRelationship, nameToRep map[string]string) []ParsedRelationship {
	type edgeKey struct{ source, target, relType string }
	seen := make(map[edgeKey]int)
	var out []ParsedRelationship

	for _, r := range relationships {
		source, okS := nameToRep[r.SourceName]
		target, okT := nameToRep[r.TargetName]
		if !okS || !okT || source == target {
			continue
		}
		key := edgeKey{source, target, r.RelationshipType}
		if idx, ok := seen[key]; ok {
			if r.Confidence > out[idx].Confidence {
				out[idx].Confidence = r.Confidence
				out[idx].Context = r.Context
			}
			continue
		}
		r.SourceName = source
		r.TargetName = target
		seen[key] = len(out)
		out = append(out, r)
	}
	return out
}

// resolveAmbiguous asks the model for a should_merge verdict on each pair in
// bounded batches. Anything unparseable, missing, or failed stays separate.
func (m *Merger) resolveAmbiguous(ctx context.Context, entities []ParsedEntity, pairs []mergePair, groups *unionFind) {
	batchSize := m.config.TiebreakerBatch
	if batchSize <= 0 {
		batchSize = 10
	}

	for start := 0; start < len(pairs); start += batchSize {
		end := start + batchSize
		if end > len(pairs) {
			end = len(pairs)
		}
		batch := pairs[start:end]

		verdicts, err := m.tiebreak(ctx, entities, batch)
		if err != nil {
			m.logger.Warn("tiebreaker batch failed, keeping pairs separate",
				zap.Int("pairs", len(batch)), zap.Error(err))
			continue
		}
		for _, v := range verdicts {
			if v.PairIndex < 0 || v.PairIndex >= len(batch) || !v.ShouldMerge {
				continue
			}
			p := batch[v.PairIndex]
			groups.union(p.a, p.b)
		}
	}
}

type tiebreakVerdict struct {
	PairIndex   int     `json:"pair_index"`
	ShouldMerge bool    `json:"should_merge"`
	Confidence  float64 `json:"confidence"`
	Reason      string  `json:"reason"`
}

const tiebreakerSystem = `You decide whether two extracted entities refer to the same real-world thing. Respond ONLY with a JSON array of objects {"pair_index": <int>, "should_merge": <bool>, "confidence": <0..1>, "reason": "<short>"} covering every pair, and nothing else.`

func (m *Merger) tiebreak(ctx context.Context, entities []ParsedEntity, batch []mergePair) ([]tiebreakVerdict, error) {
	var b strings.Builder
	b.WriteString("For each numbered pair, decide whether A and B are the same entity.\n\n")
	for i, p := range batch {
		a, bb := entities[p.a], entities[p.b]
		fmt.Fprintf(&b, "Pair %d:\n", i)
		fmt.Fprintf(&b, "  A: %q (%s)", a.Name, a.EntityType)
		if a.Description != "" {
			fmt.Fprintf(&b, " - %s", a.Description)
		}
		b.WriteString("\n")
		fmt.Fprintf(&b, "  B: %q (%s)", bb.Name, bb.EntityType)
		if bb.Description != "" {
			fmt.Fprintf(&b, " - %s", bb.Description)
		}
		b.WriteString("\n")
	}

	response, err := m.provider.Complete(ctx, ports.CompletionRequest{
		System:      tiebreakerSystem,
		Prompt:      b.String(),
		Model:       m.model,
		MaxTokens:   1024,
		Temperature: 0,
	})
	if err != nil {
		return nil, err
	}

	start := strings.Index(response, "[")
	end := strings.LastIndex(response, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in tiebreaker response")
	}
	var verdicts []tiebreakVerdict
	if err := json.Unmarshal([]byte(response[start:end+1]), &verdicts); err != nil {
		return nil, fmt.Errorf("tiebreaker response unparseable: %w", err)
	}
	return verdicts, nil
}

// unionFind is a plain disjoint-set over entity slice indices.
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	return &unionFind{parent: parent}
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

func (u *unionFind) union(i, j int) {
	ri, rj := u.find(i), u.find(j)
	if ri != rj {
		u.parent[rj] = ri
	}
}
