// Package redis implements the key-value backed components: the distributed
// circuit breaker shared by LLM workers and the embedding vector cache.
package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"cartograph-backend/internal/errors"
)

// NewClient connects a go-redis client and verifies connectivity.
func NewClient(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Connection("REDIS_CONNECT", "redis is unreachable").
			WithResource(addr).
			WithCause(err).
			Build()
	}
	return client, nil
}
