package postgres

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"

	"cartograph-backend/domain/consolidation"
	"cartograph-backend/internal/errors"
)

// SettingsRepository reads per-tenant consolidation settings. Updates flow
// through ConsolidationConfigUpdated events and the relational projection.
type SettingsRepository struct {
	db DB
}

func NewSettingsRepository(db DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// Get returns the tenant's settings, or defaults when never customized.
// Feature weights missing from the stored row fall back to the default
// weight for that feature.
func (r *SettingsRepository) Get(ctx context.Context, tenantID string) (*consolidation.Settings, error) {
	row := r.db.QueryRow(ctx, `
		SELECT tenant_id, auto_merge_threshold, review_threshold, reject_threshold,
			feature_weights, enable_embedding, enable_graph, max_block_size,
			COALESCE(updated_by, ''), updated_at
		FROM tenant_consolidation_config
		WHERE tenant_id = $1`,
		tenantID)

	var settings consolidation.Settings
	err := row.Scan(&settings.TenantID, &settings.AutoMergeThreshold,
		&settings.ReviewThreshold, &settings.RejectThreshold,
		&settings.FeatureWeights, &settings.EnableEmbedding,
		&settings.EnableGraph, &settings.MaxBlockSize,
		&settings.UpdatedBy, &settings.UpdatedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return consolidation.DefaultSettings(tenantID), nil
	}
	if err != nil {
		return nil, errors.Internal("SETTINGS_GET", "failed to read consolidation settings").
			WithTenant(tenantID).
			WithCause(err).
			Build()
	}

	defaults := consolidation.DefaultSettings(tenantID)
	if settings.FeatureWeights == nil {
		settings.FeatureWeights = map[string]float64{}
	}
	for feature, weight := range defaults.FeatureWeights {
		if _, ok := settings.FeatureWeights[feature]; !ok {
			settings.FeatureWeights[feature] = weight
		}
	}
	return &settings, nil
}
