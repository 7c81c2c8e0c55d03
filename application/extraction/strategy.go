package extraction

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"cartograph-backend/application/ports"
	extdomain "cartograph-backend/domain/extraction"
	"cartograph-backend/domain/schema"
	"cartograph-backend/internal/errors"
)

// Strategy is the materialized extraction approach for one job: either the
// schema-free legacy prompt or a domain schema with its generated prompt and
// output schema.
type Strategy struct {
	Legacy       bool
	DomainID     string
	Schema       *schema.DomainSchema
	SystemPrompt string
	OutputSchema []byte
}

// StrategyRouter resolves each job's schema mode into a concrete strategy.
// Auto-detected classifications are persisted back onto the job together
// with a schema snapshot so re-running the job after a schema edit stays
// reproducible.
type StrategyRouter struct {
	registry   *schema.Registry
	classifier *Classifier
	jobs       ports.JobRepository
	logger     *zap.Logger
}

func NewStrategyRouter(registry *schema.Registry, classifier *Classifier, jobs ports.JobRepository, logger *zap.Logger) *StrategyRouter {
	return &StrategyRouter{
		registry:   registry,
		classifier: classifier,
		jobs:       jobs,
		logger:     logger.Named("strategy"),
	}
}

// Resolve picks the strategy for a job, classifying the sample text when the
// job wants auto-detection and no domain is resolved yet.
func (r *StrategyRouter) Resolve(ctx context.Context, job *extdomain.Job, sample string) (*Strategy, error) {
	switch job.SchemaMode {
	case extdomain.ModeLegacy:
		return legacyStrategy(), nil

	case extdomain.ModeManual:
		if job.ContentDomain == "" {
			return nil, errors.Validation("MANUAL_MODE_WITHOUT_DOMAIN", "manual schema mode requires content_domain").
				WithResource(job.ID).
				Build()
		}
		return r.materialize(job.ContentDomain)

	case extdomain.ModeAutoDetect:
		if job.ContentDomain != "" {
			return r.materialize(job.ContentDomain)
		}
		return r.autoDetect(ctx, job, sample)

	default:
		r.logger.Warn("unknown schema mode, using legacy extraction",
			zap.String("job_id", job.ID),
			zap.String("schema_mode", string(job.SchemaMode)))
		return legacyStrategy(), nil
	}
}

func (r *StrategyRouter) autoDetect(ctx context.Context, job *extdomain.Job, sample string) (*Strategy, error) {
	classification := r.classifier.Classify(ctx, sample)

	strategy, err := r.materialize(classification.Domain)
	if err != nil {
		return nil, err
	}

	if classification.FallbackUsed {
		// Low confidence still extracts with the fallback schema, but the
		// job stays unresolved so the next run classifies again.
		r.logger.Info("classification fell back, job left unresolved",
			zap.String("job_id", job.ID),
			zap.String("domain", classification.Domain),
			zap.String("reasoning", classification.Reasoning))
		return strategy, nil
	}

	snapshot, err := json.Marshal(strategy.Schema.Snapshot())
	if err != nil {
		return nil, errors.Internal("SNAPSHOT_MARSHAL", "cannot marshal schema snapshot").
			WithResource(job.ID).
			WithCause(err).
			Build()
	}
	if err := r.jobs.UpdateClassification(ctx, job.TenantID, job.ID, classification.Domain, classification.Confidence, snapshot); err != nil {
		// The strategy is still usable; reclassification on the next run
		// costs one extra call.
		r.logger.Warn("could not persist classification onto job",
			zap.String("job_id", job.ID),
			zap.String("domain", classification.Domain),
			zap.Error(err))
	} else {
		r.logger.Info("job domain auto-detected",
			zap.String("job_id", job.ID),
			zap.String("domain", classification.Domain),
			zap.Float64("confidence", classification.Confidence))
	}
	return strategy, nil
}

func (r *StrategyRouter) materialize(domainID string) (*Strategy, error) {
	s, err := r.registry.Get(domainID)
	if err != nil {
		return nil, err
	}
	outputSchema, err := BuildOutputSchema(s)
	if err != nil {
		return nil, err
	}
	return &Strategy{
		DomainID:     s.DomainID,
		Schema:       s,
		SystemPrompt: BuildSystemPrompt(s),
		OutputSchema: outputSchema,
	}, nil
}

func legacyStrategy() *Strategy {
	return &Strategy{Legacy: true, SystemPrompt: LegacySystemPrompt}
}
