package consolidation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"cartograph-backend/application/ports"
	cdomain "cartograph-backend/domain/consolidation"
	"cartograph-backend/domain/events"
	"cartograph-backend/domain/tenant"
	"cartograph-backend/internal/errors"
)

// SettingsUpdate is a partial settings change; nil fields keep their current
// value and FeatureWeights entries are merged per feature.
type SettingsUpdate struct {
	AutoMergeThreshold *float64
	ReviewThreshold    *float64
	RejectThreshold    *float64
	FeatureWeights     map[string]float64
	EnableEmbedding    *bool
	EnableGraph        *bool
	MaxBlockSize       *int
	UpdatedBy          string
}

// SettingsService reads and updates per-tenant consolidation settings.
// Updates append ConsolidationConfigUpdated to the tenant's config stream;
// the relational row materializes through the read-model projection.
type SettingsService struct {
	store    EventAppender
	settings ports.SettingsRepository
	logger   *zap.Logger
}

func NewSettingsService(store EventAppender, settings ports.SettingsRepository, logger *zap.Logger) *SettingsService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SettingsService{
		store:    store,
		settings: settings,
		logger:   logger.Named("settings"),
	}
}

// Get returns the tenant's effective settings.
func (s *SettingsService) Get(ctx context.Context) (*cdomain.Settings, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	return s.settings.Get(ctx, tenantID)
}

// Update applies a partial change and appends the audit event. The event
// carries full before and after snapshots, so the projection upserts the
// relational row without reading it first.
func (s *SettingsService) Update(ctx context.Context, update SettingsUpdate) (*cdomain.Settings, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}

	current, err := s.settings.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	next := *current
	next.FeatureWeights = make(map[string]float64, len(current.FeatureWeights))
	for feature, weight := range current.FeatureWeights {
		next.FeatureWeights[feature] = weight
	}

	var updated []string
	if update.AutoMergeThreshold != nil {
		next.AutoMergeThreshold = *update.AutoMergeThreshold
		updated = append(updated, "auto_merge_threshold")
	}
	if update.ReviewThreshold != nil {
		next.ReviewThreshold = *update.ReviewThreshold
		updated = append(updated, "review_threshold")
	}
	if update.RejectThreshold != nil {
		next.RejectThreshold = *update.RejectThreshold
		updated = append(updated, "reject_threshold")
	}
	if len(update.FeatureWeights) > 0 {
		for feature, weight := range update.FeatureWeights {
			if _, known := next.FeatureWeights[feature]; !known {
				return nil, errors.Validation("CONFIG_UNKNOWN_FEATURE", "unknown similarity feature").
					WithDetails(feature).
					WithTenant(tenantID).
					Build()
			}
			next.FeatureWeights[feature] = weight
		}
		updated = append(updated, "feature_weights")
	}
	if update.EnableEmbedding != nil {
		next.EnableEmbedding = *update.EnableEmbedding
		updated = append(updated, "enable_embedding")
	}
	if update.EnableGraph != nil {
		next.EnableGraph = *update.EnableGraph
		updated = append(updated, "enable_graph")
	}
	if update.MaxBlockSize != nil {
		next.MaxBlockSize = *update.MaxBlockSize
		updated = append(updated, "max_block_size")
	}
	if len(updated) == 0 {
		return nil, errors.Validation("CONFIG_EMPTY_UPDATE", "update contains no changes").
			WithTenant(tenantID).
			Build()
	}

	if err := validateSettings(&next); err != nil {
		return nil, err
	}

	actor := update.UpdatedBy
	if actor == "" {
		actor = tenant.Actor(ctx)
	}
	next.UpdatedBy = actor
	next.UpdatedAt = time.Now().UTC()

	version, err := s.store.StreamVersion(ctx, tenantID, events.AggregateTenantConfig)
	if err != nil {
		return nil, err
	}
	event := events.NewConsolidationConfigUpdatedEvent(tenantID, updated,
		settingsSnapshot(current), settingsSnapshot(&next), actor, version+1)
	if _, err := s.store.Append(ctx, tenantID, events.AggregateTenantConfig,
		[]events.DomainEvent{event}, version); err != nil {
		return nil, err
	}

	s.logger.Info("consolidation settings updated",
		zap.String("tenant_id", tenantID),
		zap.Strings("fields", updated),
		zap.String("updated_by", actor))
	return &next, nil
}

// settingsSnapshot flattens settings for the audit event using the
// relational column names.
func settingsSnapshot(s *cdomain.Settings) map[string]interface{} {
	weights := make(map[string]interface{}, len(s.FeatureWeights))
	for feature, weight := range s.FeatureWeights {
		weights[feature] = weight
	}
	return map[string]interface{}{
		"auto_merge_threshold": s.AutoMergeThreshold,
		"review_threshold":     s.ReviewThreshold,
		"reject_threshold":     s.RejectThreshold,
		"feature_weights":      weights,
		"enable_embedding":     s.EnableEmbedding,
		"enable_graph":         s.EnableGraph,
		"max_block_size":       s.MaxBlockSize,
	}
}

func validateSettings(s *cdomain.Settings) error {
	for _, threshold := range []float64{s.AutoMergeThreshold, s.ReviewThreshold, s.RejectThreshold} {
		if threshold < 0 || threshold > 1 {
			return errors.Validation("CONFIG_THRESHOLD_RANGE", "thresholds must be within [0, 1]").
				WithTenant(s.TenantID).
				Build()
		}
	}
	if s.AutoMergeThreshold < s.ReviewThreshold || s.ReviewThreshold < s.RejectThreshold {
		return errors.Validation("CONFIG_THRESHOLD_ORDER", "thresholds must satisfy auto >= review >= reject").
			WithTenant(s.TenantID).
			Build()
	}
	for feature, weight := range s.FeatureWeights {
		if weight < 0 {
			return errors.Validation("CONFIG_WEIGHT_NEGATIVE", "feature weights cannot be negative").
				WithDetails(feature).
				WithTenant(s.TenantID).
				Build()
		}
	}
	if s.MaxBlockSize < 1 {
		return errors.Validation("CONFIG_BLOCK_SIZE", "max block size must be at least 1").
			WithTenant(s.TenantID).
			Build()
	}
	return nil
}
