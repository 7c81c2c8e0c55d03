package redis

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/redis/go-redis/v9"

	"cartograph-backend/internal/errors"
)

// DefaultEmbeddingTTL bounds staleness of cached vectors.
const DefaultEmbeddingTTL = 24 * time.Hour

// EmbeddingCache stores entity embedding vectors keyed by (tenant, entity).
// Vectors are JSON-encoded float32 slices.
type EmbeddingCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewEmbeddingCache(client *redis.Client, ttl time.Duration) *EmbeddingCache {
	if ttl <= 0 {
		ttl = DefaultEmbeddingTTL
	}
	return &EmbeddingCache{client: client, ttl: ttl}
}

func (c *EmbeddingCache) key(tenantID, entityID string) string {
	return "emb:" + tenantID + ":" + entityID
}

func (c *EmbeddingCache) Get(ctx context.Context, tenantID, entityID string) ([]float32, bool, error) {
	data, err := c.client.Get(ctx, c.key(tenantID, entityID)).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Connection("EMBEDDING_CACHE_GET", "failed to read cached vector").
			WithResource(entityID).
			WithCause(err).
			Build()
	}

	var vector []float32
	if err := json.Unmarshal(data, &vector); err != nil {
		// A corrupt entry is a miss; the caller recomputes and overwrites.
		return nil, false, nil
	}
	return vector, true, nil
}

// GetBatch bulk-loads the cached subset with one MGET; missing or corrupt
// entries are absent from the result.
func (c *EmbeddingCache) GetBatch(ctx context.Context, tenantID string, entityIDs []string) (map[string][]float32, error) {
	if len(entityIDs) == 0 {
		return map[string][]float32{}, nil
	}

	keys := make([]string, len(entityIDs))
	for i, id := range entityIDs {
		keys[i] = c.key(tenantID, id)
	}

	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Connection("EMBEDDING_CACHE_MGET", "failed to bulk-read cached vectors").
			WithTenant(tenantID).
			WithCause(err).
			Build()
	}

	vectors := make(map[string][]float32, len(entityIDs))
	for i, value := range values {
		if value == nil {
			continue
		}
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var vector []float32
		if err := json.Unmarshal([]byte(raw), &vector); err != nil {
			continue
		}
		vectors[entityIDs[i]] = vector
	}
	return vectors, nil
}

func (c *EmbeddingCache) Set(ctx context.Context, tenantID, entityID string, vector []float32) error {
	data, err := json.Marshal(vector)
	if err != nil {
		return errors.Internal("EMBEDDING_CACHE_ENCODE", "failed to encode vector").
			WithResource(entityID).
			WithCause(err).
			Build()
	}
	if err := c.client.Set(ctx, c.key(tenantID, entityID), data, c.ttl).Err(); err != nil {
		return errors.Connection("EMBEDDING_CACHE_SET", "failed to cache vector").
			WithResource(entityID).
			WithCause(err).
			Build()
	}
	return nil
}

// SetBatch writes all vectors in one pipeline round trip.
func (c *EmbeddingCache) SetBatch(ctx context.Context, tenantID string, vectors map[string][]float32) error {
	if len(vectors) == 0 {
		return nil
	}

	pipe := c.client.Pipeline()
	for entityID, vector := range vectors {
		data, err := json.Marshal(vector)
		if err != nil {
			return errors.Internal("EMBEDDING_CACHE_ENCODE", "failed to encode vector").
				WithResource(entityID).
				WithCause(err).
				Build()
		}
		pipe.Set(ctx, c.key(tenantID, entityID), data, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Connection("EMBEDDING_CACHE_SET", "failed to bulk-cache vectors").
			WithTenant(tenantID).
			WithCause(err).
			Build()
	}
	return nil
}

// Invalidate drops a cached vector after the entity's text changed.
func (c *EmbeddingCache) Invalidate(ctx context.Context, tenantID, entityID string) error {
	if err := c.client.Del(ctx, c.key(tenantID, entityID)).Err(); err != nil {
		return errors.Connection("EMBEDDING_CACHE_DEL", "failed to invalidate cached vector").
			WithResource(entityID).
			WithCause(err).
			Build()
	}
	return nil
}
