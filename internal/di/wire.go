//go:build wireinject
// +build wireinject

package di

import (
	"context"

	"github.com/google/wire"
	"go.uber.org/zap"

	"cartograph-backend/internal/config"
)

// SuperSet lists every provider in the graph. Kept in step with the manual
// wiring in NewContainer so `wire` can validate and generate the same graph.
var SuperSet = wire.NewSet(
	ProvideCollector,
	ProvidePool,
	ProvideRedis,
	ProvideGraphStore,
	ProvideEventStore,
	ProvideSnapshotStore,
	ProvideOutboxStore,
	ProvideProjectionStore,
	ProvideDLQStore,
	ProvideEntityRepository,
	ProvideRelationshipRepository,
	ProvideReviewRepository,
	ProvideMergeHistoryRepository,
	ProvideSettingsRepository,
	ProvideJobRepository,
	ProvidePageRepository,
	ProvideBlocker,
	ProvideBreaker,
	ProvideEmbeddingCache,
	ProvideLLM,
	ProvideEmbedder,
	ProvideRegistry,
	ProvideWatcher,
	ProvideProcessRepository,
	ProvidePipeline,
	ProvideIntake,
	ProvideEmbeddingService,
	ProvideScorer,
	ProvideMergeService,
	ProvideReviewService,
	ProvideSettingsService,
	ProvideBatchConsolidator,
	ProvideRuntime,
	ProvideOutbox,
	ProvideOps,
	wire.Struct(new(Container), "*"),
)

// InitializeContainer is the wire injector for the container.
func InitializeContainer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Container, func(), error) {
	wire.Build(SuperSet)
	return nil, nil, nil
}
