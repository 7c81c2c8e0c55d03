package postgres

import (
	"context"

	"cartograph-backend/domain/consolidation"
	"cartograph-backend/internal/errors"
)

// DefaultMinPrefixLength is the prefix block width when not configured.
const DefaultMinPrefixLength = 4

// Blocker retrieves merge candidates with OR-combined blocking predicates,
// avoiding the all-pairs comparison. Queries are tenant-scoped, restricted
// to canonical entities, and capped at max_block_size + 1 so truncation is
// detectable.
type Blocker struct {
	db              DB
	minPrefixLength int
}

func NewBlocker(db DB, minPrefixLength int) *Blocker {
	if minPrefixLength <= 0 {
		minPrefixLength = DefaultMinPrefixLength
	}
	return &Blocker{db: db, minPrefixLength: minPrefixLength}
}

// blockingSQL returns candidates plus one boolean per strategy so the
// caller knows which keys matched each candidate. The trigram predicate
// uses the % operator backed by the GIN index; soundex compares against the
// generated column.
const blockingSQL = entityColumns + `,
		left(normalized_name, $4) = $5 AS match_prefix,
		entity_type = $6 AS match_type,
		name_soundex = soundex($3) AS match_soundex,
		normalized_name % $3 AS match_trigram
	FROM extracted_entities
	WHERE tenant_id = $1
		AND is_canonical
		AND id <> $2::uuid
		AND (
			left(normalized_name, $4) = $5
			OR entity_type = $6
			OR name_soundex = soundex($3)
			OR normalized_name % $3
		)
	ORDER BY created_at, id
	LIMIT $7`

// Candidates returns the block for one source entity.
func (b *Blocker) Candidates(ctx context.Context, source *consolidation.ExtractedEntity, settings *consolidation.Settings) (*consolidation.BlockingResult, error) {
	if source == nil {
		return nil, errors.Validation("BLOCKING_NO_SOURCE", "source entity is required").Build()
	}

	maxBlock := settings.MaxBlockSize
	if maxBlock <= 0 {
		maxBlock = consolidation.DefaultSettings(source.TenantID).MaxBlockSize
	}

	prefix := source.NormalizedName
	if len(prefix) > b.minPrefixLength {
		prefix = prefix[:b.minPrefixLength]
	}

	rows, err := b.db.Query(ctx, blockingSQL,
		source.TenantID, source.ID, source.NormalizedName,
		b.minPrefixLength, prefix, source.EntityType,
		maxBlock+1)
	if err != nil {
		return nil, errors.Internal("BLOCKING_QUERY", "failed to query blocking candidates").
			WithResource(source.ID).
			WithCause(err).
			Build()
	}
	defer rows.Close()

	result := &consolidation.BlockingResult{}
	contributed := map[string]bool{}

	for rows.Next() {
		var (
			entity                                             consolidation.ExtractedEntity
			matchPrefix, matchType, matchSoundex, matchTrigram bool
		)
		err := rows.Scan(&entity.ID, &entity.TenantID, &entity.SourcePageID,
			&entity.EntityType, &entity.Name, &entity.NormalizedName,
			&entity.Description, &entity.Properties, &entity.ExtractionMethod,
			&entity.Confidence, &entity.IsCanonical, &entity.IsAliasOf,
			&entity.GraphNodeID, &entity.SyncedToGraph, &entity.SyncedAt,
			&entity.CreatedAt, &entity.UpdatedAt,
			&matchPrefix, &matchType, &matchSoundex, &matchTrigram)
		if err != nil {
			return nil, errors.Internal("BLOCKING_SCAN", "failed to scan blocking candidate").
				WithCause(err).
				Build()
		}

		var keys []string
		if matchPrefix {
			keys = append(keys, "prefix")
		}
		if matchType {
			keys = append(keys, "entity_type")
		}
		if matchSoundex {
			keys = append(keys, "soundex")
		}
		if matchTrigram {
			keys = append(keys, "trigram")
		}
		for _, k := range keys {
			contributed[k] = true
		}

		result.Candidates = append(result.Candidates, consolidation.BlockingCandidate{
			Entity:      &entity,
			MatchedKeys: keys,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Internal("BLOCKING_QUERY", "failed to read blocking candidates").
			WithCause(err).
			Build()
	}

	if len(result.Candidates) > maxBlock {
		result.Candidates = result.Candidates[:maxBlock]
		result.Truncated = true
	}
	for _, strategy := range []string{"prefix", "entity_type", "soundex", "trigram"} {
		if contributed[strategy] {
			result.Strategies = append(result.Strategies, strategy)
		}
	}
	return result, nil
}
