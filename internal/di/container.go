// Package di builds the application object graph. NewContainer is the
// production path; wire.go carries the equivalent provider set for
// wire-generated initialization.
package di

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"cartograph-backend/application/consolidation"
	"cartograph-backend/application/extraction"
	"cartograph-backend/application/outbox"
	"cartograph-backend/application/projections"
	extdomain "cartograph-backend/domain/extraction"
	"cartograph-backend/domain/schema"
	"cartograph-backend/infrastructure/llm"
	"cartograph-backend/infrastructure/neo4j"
	"cartograph-backend/infrastructure/postgres"
	infraredis "cartograph-backend/infrastructure/redis"
	"cartograph-backend/interfaces/ops"
	"cartograph-backend/internal/config"
	"cartograph-backend/internal/metrics"
)

// Container holds every wired component. Fields are initialized by
// NewContainer and must be treated as read-only afterwards.
type Container struct {
	Config    *config.Config
	Logger    *zap.Logger
	Collector *metrics.Collector

	Pool  *pgxpool.Pool
	Redis *goredis.Client
	Graph *neo4j.GraphStore

	Events           *postgres.EventStore
	Snapshots        *postgres.SnapshotStore
	OutboxStore      *postgres.OutboxStore
	ProjectionStore  *postgres.ProjectionStore
	DLQ              *postgres.DLQStore
	EntityRepo       *postgres.EntityRepository
	RelationshipRepo *postgres.RelationshipRepository
	ReviewRepo       *postgres.ReviewRepository
	MergeHistoryRepo *postgres.MergeHistoryRepository
	SettingsRepo     *postgres.SettingsRepository
	JobRepo          *postgres.JobRepository
	PageRepo         *postgres.PageRepository
	Blocker          *postgres.Blocker

	Breaker        *infraredis.CircuitBreaker
	EmbeddingCache *infraredis.EmbeddingCache

	LLM *llm.AnthropicProvider
	// Embedder is nil when no embedding key is configured; everything
	// downstream treats embeddings as optional.
	Embedder *llm.OpenAIEmbedder

	Registry *schema.Registry
	// Watcher is nil unless schema hot reload is enabled.
	Watcher *schema.Watcher

	Processes *extdomain.ProcessRepository
	Pipeline  *extraction.Pipeline
	Intake    *extraction.Intake

	Embeddings *consolidation.EmbeddingService
	Scorer     *consolidation.Scorer
	Merges     *consolidation.MergeService
	Reviews    *consolidation.ReviewService
	Settings   *consolidation.SettingsService
	Batch      *consolidation.BatchConsolidator

	Runtime *projections.Runtime
	Outbox  *outbox.Publisher
	Ops     *ops.Server

	cleanups []func() `wire:"-"`
}

// NewContainer wires the full object graph in dependency order. On any
// failure it closes what was already opened before returning the error.
func NewContainer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Container, error) {
	c := &Container{
		Config:    cfg,
		Logger:    logger,
		Collector: ProvideCollector(),
	}

	pool, cleanup, err := ProvidePool(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	c.Pool = pool
	c.cleanups = append(c.cleanups, cleanup)

	redisClient, cleanup, err := ProvideRedis(cfg)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Redis = redisClient
	c.cleanups = append(c.cleanups, cleanup)

	graph, cleanup, err := ProvideGraphStore(ctx, cfg, logger)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Graph = graph
	c.cleanups = append(c.cleanups, cleanup)

	c.Events = ProvideEventStore(pool, logger)
	c.Snapshots = ProvideSnapshotStore(pool)
	c.OutboxStore = ProvideOutboxStore(pool)
	c.ProjectionStore = ProvideProjectionStore(pool)
	c.DLQ = ProvideDLQStore(pool)
	c.EntityRepo = ProvideEntityRepository(pool)
	c.RelationshipRepo = ProvideRelationshipRepository(pool)
	c.ReviewRepo = ProvideReviewRepository(pool)
	c.MergeHistoryRepo = ProvideMergeHistoryRepository(pool)
	c.SettingsRepo = ProvideSettingsRepository(pool)
	c.JobRepo = ProvideJobRepository(pool)
	c.PageRepo = ProvidePageRepository(pool)
	c.Blocker = ProvideBlocker(pool, cfg)

	c.Breaker = ProvideBreaker(redisClient, cfg)
	c.EmbeddingCache = ProvideEmbeddingCache(redisClient, cfg)

	c.LLM = ProvideLLM(cfg, c.Collector, logger)
	c.Embedder, err = ProvideEmbedder(cfg, c.Collector, logger)
	if err != nil {
		c.Close()
		return nil, err
	}

	c.Registry, err = ProvideRegistry(cfg, logger)
	if err != nil {
		c.Close()
		return nil, err
	}
	watcher, cleanup, err := ProvideWatcher(cfg, c.Registry, logger)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Watcher = watcher
	c.cleanups = append(c.cleanups, cleanup)

	c.Processes = ProvideProcessRepository(c.Events, c.Snapshots, cfg, logger)
	c.Pipeline = ProvidePipeline(c.Processes, c.PageRepo, c.JobRepo, c.Registry,
		c.LLM, c.Breaker, cfg, c.Collector, logger)
	c.Intake = ProvideIntake(c.PageRepo, c.Pipeline, cfg, logger)

	c.Embeddings = ProvideEmbeddingService(c.Embedder, c.EmbeddingCache, c.Collector, logger)
	c.Scorer = ProvideScorer(c.Embeddings, graph, cfg, c.Collector, logger)
	c.Merges = ProvideMergeService(c.Events, c.EntityRepo, c.RelationshipRepo,
		c.MergeHistoryRepo, c.Embeddings, c.Collector, logger)
	c.Reviews = ProvideReviewService(c.Events, c.ReviewRepo, c.Merges, logger)
	c.Settings = ProvideSettingsService(c.Events, c.SettingsRepo, logger)
	c.Batch = ProvideBatchConsolidator(c.Events, c.EntityRepo, c.Blocker, c.Scorer,
		c.Merges, c.ReviewRepo, c.SettingsRepo, cfg, c.Collector, logger)

	c.Runtime, err = ProvideRuntime(c.ProjectionStore, c.Events, graph, cfg, c.Collector, logger)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Outbox = ProvideOutbox(c.OutboxStore, c.Runtime, cfg, c.Collector, logger)
	c.Ops = ProvideOps(cfg, c.Collector, c.Events, c.ProjectionStore, c.DLQ,
		c.Breaker, c.EntityRepo, graph, c.Settings, pool, redisClient, logger)

	logger.Info("container wired",
		zap.Bool("embeddings", c.Embedder != nil),
		zap.Bool("schema_hot_reload", c.Watcher != nil))
	return c, nil
}

// Close releases all resources in reverse construction order.
func (c *Container) Close() {
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		c.cleanups[i]()
	}
	c.cleanups = nil
}
