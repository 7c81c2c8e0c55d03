package di

import (
	"context"
	"time"

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

// ProvideCollector registers all Prometheus metrics once per process.
func ProvideCollector() *metrics.Collector {
	return metrics.NewCollector("cartograph")
}

// ProvidePool runs pending migrations when configured and opens the shared
// connection pool.
func ProvidePool(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*pgxpool.Pool, func(), error) {
	if cfg.Postgres.MigrateOnStart {
		if err := postgres.RunMigrations(cfg.Postgres.DSN, logger); err != nil {
			return nil, nil, err
		}
	}
	pool, err := postgres.NewPool(ctx, cfg.Postgres.DSN, int(cfg.Postgres.MaxConns))
	if err != nil {
		return nil, nil, err
	}
	return pool, pool.Close, nil
}

// ProvideRedis opens the client backing the circuit breaker and the
// embedding cache.
func ProvideRedis(cfg *config.Config) (*goredis.Client, func(), error) {
	client, err := infraredis.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, nil, err
	}
	return client, func() { _ = client.Close() }, nil
}

// ProvideGraphStore opens the Neo4j driver and ensures constraints and
// indexes exist before anything writes to the graph.
func ProvideGraphStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*neo4j.GraphStore, func(), error) {
	graph, err := neo4j.NewGraphStore(ctx, cfg.Neo4j.URI, cfg.Neo4j.Username, cfg.Neo4j.Password, cfg.Neo4j.Database, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := graph.EnsureSchema(ctx); err != nil {
		_ = graph.Close(ctx)
		return nil, nil, err
	}
	cleanup := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := graph.Close(closeCtx); err != nil {
			logger.Warn("neo4j close failed", zap.Error(err))
		}
	}
	return graph, cleanup, nil
}

func ProvideEventStore(pool *pgxpool.Pool, logger *zap.Logger) *postgres.EventStore {
	return postgres.NewEventStore(pool, logger)
}

func ProvideSnapshotStore(pool *pgxpool.Pool) *postgres.SnapshotStore {
	return postgres.NewSnapshotStore(pool)
}

func ProvideOutboxStore(pool *pgxpool.Pool) *postgres.OutboxStore {
	return postgres.NewOutboxStore(pool)
}

func ProvideProjectionStore(pool *pgxpool.Pool) *postgres.ProjectionStore {
	return postgres.NewProjectionStore(pool)
}

func ProvideDLQStore(pool *pgxpool.Pool) *postgres.DLQStore {
	return postgres.NewDLQStore(pool)
}

func ProvideEntityRepository(pool *pgxpool.Pool) *postgres.EntityRepository {
	return postgres.NewEntityRepository(pool)
}

func ProvideRelationshipRepository(pool *pgxpool.Pool) *postgres.RelationshipRepository {
	return postgres.NewRelationshipRepository(pool)
}

func ProvideReviewRepository(pool *pgxpool.Pool) *postgres.ReviewRepository {
	return postgres.NewReviewRepository(pool)
}

func ProvideMergeHistoryRepository(pool *pgxpool.Pool) *postgres.MergeHistoryRepository {
	return postgres.NewMergeHistoryRepository(pool)
}

func ProvideSettingsRepository(pool *pgxpool.Pool) *postgres.SettingsRepository {
	return postgres.NewSettingsRepository(pool)
}

func ProvideJobRepository(pool *pgxpool.Pool) *postgres.JobRepository {
	return postgres.NewJobRepository(pool)
}

func ProvidePageRepository(pool *pgxpool.Pool) *postgres.PageRepository {
	return postgres.NewPageRepository(pool)
}

func ProvideBlocker(pool *pgxpool.Pool, cfg *config.Config) *postgres.Blocker {
	return postgres.NewBlocker(pool, cfg.Consolidation.MinPrefixLength)
}

func ProvideBreaker(client *goredis.Client, cfg *config.Config) *infraredis.CircuitBreaker {
	return infraredis.NewCircuitBreaker(client, infraredis.BreakerConfig{
		Name:             cfg.Breaker.KeyPrefix,
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
	})
}

func ProvideEmbeddingCache(client *goredis.Client, cfg *config.Config) *infraredis.EmbeddingCache {
	return infraredis.NewEmbeddingCache(client, cfg.Embedding.CacheTTL)
}

func ProvideLLM(cfg *config.Config, collector *metrics.Collector, logger *zap.Logger) *llm.AnthropicProvider {
	return llm.NewAnthropicProvider(cfg.LLM, collector, logger)
}

// ProvideEmbedder returns nil when no embedding key is configured; the
// scorer then runs on string and graph features alone.
func ProvideEmbedder(cfg *config.Config, collector *metrics.Collector, logger *zap.Logger) (*llm.OpenAIEmbedder, error) {
	if cfg.Embedding.APIKey == "" {
		logger.Info("no embedding key configured, embedding similarity disabled")
		return nil, nil
	}
	return llm.NewOpenAIEmbedder(cfg.Embedding, collector, logger)
}

// ProvideRegistry loads every schema file under the configured directory.
func ProvideRegistry(cfg *config.Config, logger *zap.Logger) (*schema.Registry, error) {
	registry := schema.NewRegistry(cfg.Schema.Dir, cfg.Schema.HotReload, logger)
	if err := registry.Load(); err != nil {
		return nil, err
	}
	return registry, nil
}

// ProvideWatcher returns a running filesystem watcher, or nil when hot
// reload is disabled.
func ProvideWatcher(cfg *config.Config, registry *schema.Registry, logger *zap.Logger) (*schema.Watcher, func(), error) {
	if !cfg.Schema.HotReload {
		return nil, func() {}, nil
	}
	watcher, err := schema.NewWatcher(registry, logger)
	if err != nil {
		return nil, nil, err
	}
	return watcher, watcher.Stop, nil
}

func ProvideProcessRepository(events *postgres.EventStore, snapshots *postgres.SnapshotStore, cfg *config.Config, logger *zap.Logger) *extdomain.ProcessRepository {
	return extdomain.NewProcessRepository(events, snapshots, cfg.SnapshotFrequency, logger)
}

// ProvidePipeline assembles the full extraction pipeline: chunking, domain
// classification, strategy routing, per-chunk extraction, and cross-chunk
// merge.
func ProvidePipeline(
	processes *extdomain.ProcessRepository,
	pages *postgres.PageRepository,
	jobs *postgres.JobRepository,
	registry *schema.Registry,
	provider *llm.AnthropicProvider,
	breaker *infraredis.CircuitBreaker,
	cfg *config.Config,
	collector *metrics.Collector,
	logger *zap.Logger,
) *extraction.Pipeline {
	chunker := extraction.NewChunker(cfg.Chunker, logger)
	classifier := extraction.NewClassifier(provider, registry, cfg.Classifier, cfg.LLM.ClassifierModel, logger)
	router := extraction.NewStrategyRouter(registry, classifier, jobs, logger)
	merger := extraction.NewMerger(provider, cfg.CrossChunk, cfg.LLM.Model, logger)
	return extraction.NewPipeline(processes, pages, jobs, router, chunker, merger,
		provider, breaker, cfg.LLM, collector, logger)
}

func ProvideIntake(pages *postgres.PageRepository, pipeline *extraction.Pipeline, cfg *config.Config, logger *zap.Logger) *extraction.Intake {
	return extraction.NewIntake(pages, pipeline, extraction.IntakeConfig{
		PollInterval: cfg.Intake.PollInterval,
		BatchSize:    cfg.Intake.BatchSize,
		Workers:      cfg.Intake.Workers,
	}, logger)
}

// ProvideEmbeddingService returns nil when there is no embedder.
func ProvideEmbeddingService(embedder *llm.OpenAIEmbedder, cache *infraredis.EmbeddingCache, collector *metrics.Collector, logger *zap.Logger) *consolidation.EmbeddingService {
	if embedder == nil {
		return nil
	}
	return consolidation.NewEmbeddingService(embedder, cache, collector, logger)
}

func ProvideScorer(embeddings *consolidation.EmbeddingService, graph *neo4j.GraphStore, cfg *config.Config, collector *metrics.Collector, logger *zap.Logger) *consolidation.Scorer {
	graphScorer := consolidation.NewGraphScorer(graph, cfg.Consolidation.NeighborhoodCap, logger)
	return consolidation.NewScorer(embeddings, graphScorer, collector, logger)
}

func ProvideMergeService(
	events *postgres.EventStore,
	entities *postgres.EntityRepository,
	relationships *postgres.RelationshipRepository,
	history *postgres.MergeHistoryRepository,
	embeddings *consolidation.EmbeddingService,
	collector *metrics.Collector,
	logger *zap.Logger,
) *consolidation.MergeService {
	return consolidation.NewMergeService(events, entities, entities, relationships, history, embeddings, collector, logger)
}

func ProvideReviewService(events *postgres.EventStore, reviews *postgres.ReviewRepository, merges *consolidation.MergeService, logger *zap.Logger) *consolidation.ReviewService {
	return consolidation.NewReviewService(events, reviews, merges, logger)
}

func ProvideSettingsService(events *postgres.EventStore, settings *postgres.SettingsRepository, logger *zap.Logger) *consolidation.SettingsService {
	return consolidation.NewSettingsService(events, settings, logger)
}

func ProvideBatchConsolidator(
	events *postgres.EventStore,
	entities *postgres.EntityRepository,
	blocker *postgres.Blocker,
	scorer *consolidation.Scorer,
	merges *consolidation.MergeService,
	reviews *postgres.ReviewRepository,
	settings *postgres.SettingsRepository,
	cfg *config.Config,
	collector *metrics.Collector,
	logger *zap.Logger,
) *consolidation.BatchConsolidator {
	return consolidation.NewBatchConsolidator(events, entities, blocker, scorer, merges,
		reviews, settings, collector, cfg.Consolidation, logger)
}

// ProvideRuntime builds the projection runtime with both read-model
// maintainers registered: the relational projector and the graph mirror.
func ProvideRuntime(
	store *postgres.ProjectionStore,
	events *postgres.EventStore,
	graph *neo4j.GraphStore,
	cfg *config.Config,
	collector *metrics.Collector,
	logger *zap.Logger,
) (*projections.Runtime, error) {
	runtime := projections.NewRuntime(store, events, projections.Config{
		BatchSize:      cfg.Projection.BatchSize,
		PollInterval:   cfg.Projection.PollInterval,
		MaxRetries:     cfg.Projection.MaxRetries,
		RetryBackoff:   cfg.Projection.RetryBaseDelay,
		HandlerTimeout: cfg.Projection.HandlerTimeout,
	}, collector, logger)
	if err := runtime.Register(projections.NewReadModelHandler(logger)); err != nil {
		return nil, err
	}
	if err := runtime.Register(projections.NewGraphSyncHandler(graph, logger)); err != nil {
		return nil, err
	}
	return runtime, nil
}

// ProvideOutbox wires the publisher to wake the projection runtime whenever
// new events land.
func ProvideOutbox(store *postgres.OutboxStore, runtime *projections.Runtime, cfg *config.Config, collector *metrics.Collector, logger *zap.Logger) *outbox.Publisher {
	return outbox.NewPublisher(store, outbox.NewNotifyPublisher(runtime.Notify, logger), outbox.Config{
		BatchSize:      cfg.Outbox.BatchSize,
		PollInterval:   cfg.Outbox.PollInterval,
		MaxRetries:     cfg.Outbox.MaxRetries,
		RetryBaseDelay: cfg.Outbox.RetryBaseDelay,
	}, collector, logger)
}

func ProvideOps(
	cfg *config.Config,
	collector *metrics.Collector,
	events *postgres.EventStore,
	projStore *postgres.ProjectionStore,
	dlq *postgres.DLQStore,
	breaker *infraredis.CircuitBreaker,
	entities *postgres.EntityRepository,
	graph *neo4j.GraphStore,
	settings *consolidation.SettingsService,
	pool *pgxpool.Pool,
	redisClient *goredis.Client,
	logger *zap.Logger,
) *ops.Server {
	return ops.NewServer(cfg.OpsAddr, ops.Deps{
		Collector:   collector,
		Events:      events,
		Projections: projStore,
		DLQ:         dlq,
		Breaker:     breaker,
		Entities:    entities,
		Writer:      entities,
		Graph:       graph,
		Settings:    settings,
		Checks: []ops.HealthCheck{
			{Name: "postgres", Check: pool.Ping},
			{Name: "redis", Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }},
			{Name: "neo4j", Check: graph.Ping},
		},
		Logger: logger,
	})
}
