package consolidation

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cartograph-backend/application/ports"
	cdomain "cartograph-backend/domain/consolidation"
	"cartograph-backend/domain/events"
	"cartograph-backend/domain/tenant"
	"cartograph-backend/internal/config"
	"cartograph-backend/internal/errors"
	"cartograph-backend/internal/metrics"
)

// batchErrorCap bounds the error list carried on the completion event.
const batchErrorCap = 100

// BatchOptions narrows a run. Zero values take the configured defaults;
// MaxMerges 0 means unlimited.
type BatchOptions struct {
	EntityType string
	BatchSize  int
	MaxMerges  int
	DryRun     bool
	Actor      string
}

// BatchReport summarizes a finished run. In a dry run MergesPerformed and
// ReviewsQueued count what would have happened.
type BatchReport struct {
	JobID             string
	EntitiesProcessed int
	CandidatesFound   int
	MergesPerformed   int
	ReviewsQueued     int
	Duration          time.Duration
	Errors            []string
	DryRun            bool
}

// BatchConsolidator sweeps a tenant's canonical entities through blocking,
// scoring, and routing. Per-entity failures are accumulated and the sweep
// continues; only infrastructure failures abort the job.
type BatchConsolidator struct {
	store     EventAppender
	entities  ports.EntityRepository
	blocker   ports.CandidateBlocker
	scorer    *Scorer
	merges    *MergeService
	reviews   ports.ReviewRepository
	settings  ports.SettingsRepository
	collector *metrics.Collector
	cfg       config.ConsolidationConfig
	logger    *zap.Logger
}

func NewBatchConsolidator(
	store EventAppender,
	entities ports.EntityRepository,
	blocker ports.CandidateBlocker,
	scorer *Scorer,
	merges *MergeService,
	reviews ports.ReviewRepository,
	settings ports.SettingsRepository,
	collector *metrics.Collector,
	cfg config.ConsolidationConfig,
	logger *zap.Logger,
) *BatchConsolidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchConsolidator{
		store:     store,
		entities:  entities,
		blocker:   blocker,
		scorer:    scorer,
		merges:    merges,
		reviews:   reviews,
		settings:  settings,
		collector: collector,
		cfg:       cfg,
		logger:    logger.Named("batch"),
	}
}

// Run executes one batch consolidation job for the tenant in the context.
func (b *BatchConsolidator) Run(ctx context.Context, opts BatchOptions) (*BatchReport, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}

	settings, err := b.settings.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	total, err := b.entities.CountCanonical(ctx, tenantID, opts.EntityType)
	if err != nil {
		return nil, err
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = b.cfg.BatchSize
	}
	progressEvery := b.cfg.ProgressInterval
	if progressEvery <= 0 {
		progressEvery = 100
	}
	actor := opts.Actor
	if actor == "" {
		actor = tenant.Actor(ctx)
	}

	run := &batchRun{
		consolidator: b,
		tenantID:     tenantID,
		jobID:        uuid.NewString(),
		settings:     settings,
		opts:         opts,
		actor:        actor,
		started:      time.Now(),
		seenPairs:    map[string]bool{},
		demoted:      map[string]bool{},
	}

	if err := run.appendJobEvent(ctx, events.NewBatchConsolidationStartedEvent(
		run.jobID, tenantID, total, actor, opts.DryRun, run.jobVersion+1)); err != nil {
		return nil, err
	}
	b.logger.Info("batch consolidation started",
		zap.String("tenant_id", tenantID),
		zap.String("job_id", run.jobID),
		zap.Int("entity_count", total),
		zap.String("entity_type", opts.EntityType),
		zap.Bool("dry_run", opts.DryRun))

	if err := run.sweep(ctx, opts.EntityType, batchSize, progressEvery); err != nil {
		run.fail(ctx, err)
		return nil, err
	}

	report := run.complete(ctx)
	b.logger.Info("batch consolidation completed",
		zap.String("tenant_id", tenantID),
		zap.String("job_id", run.jobID),
		zap.Int("processed", report.EntitiesProcessed),
		zap.Int("candidates", report.CandidatesFound),
		zap.Int("merges", report.MergesPerformed),
		zap.Int("reviews", report.ReviewsQueued),
		zap.Int("errors", len(report.Errors)),
		zap.Duration("duration", report.Duration))
	return report, nil
}

// batchRun is the mutable state of one job.
type batchRun struct {
	consolidator *BatchConsolidator
	tenantID     string
	jobID        string
	settings     *cdomain.Settings
	opts         BatchOptions
	actor        string
	started      time.Time

	jobVersion int
	processed  int
	candidates int
	merges     int
	reviews    int
	errs       []string

	// seenPairs dedupes A/B versus B/A across the whole run; demoted
	// tracks entities merged away mid-run so later pages skip them.
	seenPairs map[string]bool
	demoted   map[string]bool
}

// sweep pages through canonical entities with a stable creation ordering.
// Merges performed mid-run shrink the canonical set underneath the offset,
// which can skip a few rows; those are picked up by the next run rather
// than paid for with a snapshot of all IDs up front.
func (r *batchRun) sweep(ctx context.Context, entityType string, batchSize, progressEvery int) error {
	b := r.consolidator
	for offset := 0; ; offset += batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := b.entities.ListCanonical(ctx, r.tenantID, entityType, batchSize, offset)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		for _, entity := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			if r.demoted[entity.ID] {
				continue
			}
			r.processEntity(ctx, entity)
			r.processed++
			if r.processed%progressEvery == 0 {
				r.progress(ctx)
			}
		}
		if len(page) < batchSize {
			return nil
		}
	}
}

// processEntity runs block → score → route for one source. Failures are
// recorded and the sweep moves on.
func (r *batchRun) processEntity(ctx context.Context, entity *cdomain.ExtractedEntity) {
	b := r.consolidator
	blocked, err := b.blocker.Candidates(ctx, entity, r.settings)
	if err != nil {
		r.recordError(entity.ID, fmt.Errorf("blocking: %w", err))
		return
	}
	if blocked == nil || len(blocked.Candidates) == 0 {
		return
	}
	if blocked.Truncated {
		b.logger.Warn("candidate set truncated at max block size",
			zap.String("tenant_id", r.tenantID),
			zap.String("entity_id", entity.ID),
			zap.Int("max_block_size", r.settings.MaxBlockSize))
	}

	pairs, err := b.scorer.ScoreCandidates(ctx, entity, blocked, r.settings)
	if err != nil {
		r.recordError(entity.ID, fmt.Errorf("scoring: %w", err))
		return
	}

	for _, pair := range pairs {
		pairID := cdomain.PairID(r.tenantID, pair.Source.ID, pair.Candidate.ID)
		if r.seenPairs[pairID] || r.demoted[pair.Candidate.ID] || r.demoted[pair.Source.ID] {
			continue
		}
		r.seenPairs[pairID] = true
		r.routePair(ctx, pairID, pair)
	}
}

func (r *batchRun) routePair(ctx context.Context, pairID string, pair *cdomain.ScoredPair) {
	if err := r.appendPairEvent(ctx, pairID, func(version int) events.DomainEvent {
		return events.NewMergeCandidateIdentifiedEvent(pairID, r.tenantID,
			pair.Source.ID, pair.Candidate.ID, pair.Combined,
			map[string]float64(pair.Scores), pair.BlockingKeys, version)
	}); err != nil {
		r.recordError(pair.Source.ID, fmt.Errorf("candidate event: %w", err))
		return
	}
	r.candidates++

	switch pair.Decision {
	case cdomain.DecisionAutoMerge:
		r.autoMerge(ctx, pair)
	case cdomain.DecisionReview:
		r.queueReview(ctx, pairID, pair)
	default:
		// low band: scored, recorded, dropped
	}
}

// autoMerge keeps the older entity as canonical so repeated sweeps converge
// on stable IDs.
func (r *batchRun) autoMerge(ctx context.Context, pair *cdomain.ScoredPair) {
	b := r.consolidator
	if r.opts.MaxMerges > 0 && r.merges >= r.opts.MaxMerges {
		b.logger.Debug("merge cap reached, leaving pair for the next run",
			zap.String("tenant_id", r.tenantID),
			zap.String("entity_a", pair.Source.ID),
			zap.String("entity_b", pair.Candidate.ID))
		return
	}

	canonical, merged := pair.Source, pair.Candidate
	if merged.CreatedAt.Before(canonical.CreatedAt) ||
		(merged.CreatedAt.Equal(canonical.CreatedAt) && merged.ID < canonical.ID) {
		canonical, merged = merged, canonical
	}

	if r.opts.DryRun {
		r.merges++
		b.logger.Info("dry run: would merge",
			zap.String("tenant_id", r.tenantID),
			zap.String("canonical_id", canonical.ID),
			zap.String("merged_id", merged.ID),
			zap.Float64("confidence", pair.Combined))
		return
	}

	_, err := b.merges.Merge(ctx, MergeRequest{
		CanonicalID: canonical.ID,
		MergedIDs:   []string{merged.ID},
		Reason:      ReasonBatch,
		Scores:      map[string]float64(pair.Scores),
		MergedBy:    r.actor,
	})
	if err != nil {
		if errors.IsConflict(err) {
			b.logger.Debug("pair no longer mergeable, skipping",
				zap.String("canonical_id", canonical.ID),
				zap.String("merged_id", merged.ID))
			return
		}
		r.recordError(canonical.ID, fmt.Errorf("merge with %s: %w", merged.ID, err))
		return
	}
	r.merges++
	r.demoted[merged.ID] = true
}

// queueReview appends MergeQueuedForReview unless the pair was already
// rejected by a reviewer; a human saying "different" outranks the scorer
// saying "maybe" forever.
func (r *batchRun) queueReview(ctx context.Context, pairID string, pair *cdomain.ScoredPair) {
	b := r.consolidator
	existing, err := b.reviews.GetByID(ctx, r.tenantID, pairID)
	if err != nil && !errors.IsNotFound(err) {
		r.recordError(pair.Source.ID, fmt.Errorf("review lookup: %w", err))
		return
	}
	if existing != nil && existing.Status == cdomain.ReviewRejected {
		return
	}

	if r.opts.DryRun {
		r.reviews++
		return
	}

	priority := int(math.Round(pair.Combined * 100))
	if err := r.appendPairEvent(ctx, pairID, func(version int) events.DomainEvent {
		return events.NewMergeQueuedForReviewEvent(pairID, r.tenantID,
			pair.Source.ID, pair.Candidate.ID, pair.Combined, priority,
			ReasonBatch, map[string]float64(pair.Scores), version)
	}); err != nil {
		r.recordError(pair.Source.ID, fmt.Errorf("queue review: %w", err))
		return
	}
	r.reviews++
	b.collector.ReviewsQueued.Inc()
}

func (r *batchRun) progress(ctx context.Context) {
	event := events.NewBatchConsolidationProgressEvent(r.jobID, r.tenantID,
		r.processed, r.candidates, r.merges, r.reviews, r.jobVersion+1)
	if err := r.appendJobEvent(ctx, event); err != nil {
		r.consolidator.logger.Warn("progress event append failed",
			zap.String("job_id", r.jobID),
			zap.Error(err))
	}
}

func (r *batchRun) complete(ctx context.Context) *BatchReport {
	duration := time.Since(r.started)
	event := events.NewBatchConsolidationCompletedEvent(r.jobID, r.tenantID,
		r.processed, r.candidates, r.merges, r.reviews,
		duration.Seconds(), r.errs, r.jobVersion+1)
	if err := r.appendJobEvent(ctx, event); err != nil {
		r.consolidator.logger.Error("completion event append failed",
			zap.String("job_id", r.jobID),
			zap.Error(err))
	}
	return &BatchReport{
		JobID:             r.jobID,
		EntitiesProcessed: r.processed,
		CandidatesFound:   r.candidates,
		MergesPerformed:   r.merges,
		ReviewsQueued:     r.reviews,
		Duration:          duration,
		Errors:            r.errs,
		DryRun:            r.opts.DryRun,
	}
}

func (r *batchRun) fail(ctx context.Context, cause error) {
	event := events.NewBatchConsolidationFailedEvent(r.jobID, r.tenantID,
		cause.Error(), r.processed, r.jobVersion+1)
	if err := r.appendJobEvent(ctx, event); err != nil {
		r.consolidator.logger.Error("failure event append failed",
			zap.String("job_id", r.jobID),
			zap.NamedError("append_error", err),
			zap.NamedError("job_error", cause))
	}
}

// appendJobEvent writes to the job's own stream. Only this run writes it,
// so the version is tracked locally.
func (r *batchRun) appendJobEvent(ctx context.Context, event events.DomainEvent) error {
	if _, err := r.consolidator.store.Append(ctx, r.jobID,
		events.AggregateConsolidationJob, []events.DomainEvent{event}, r.jobVersion); err != nil {
		return err
	}
	r.jobVersion++
	return nil
}

// appendPairEvent writes one event to a pair stream, reading the current
// version first; pair streams accumulate across runs.
func (r *batchRun) appendPairEvent(ctx context.Context, pairID string, build func(version int) events.DomainEvent) error {
	version, err := r.consolidator.store.StreamVersion(ctx, pairID, events.AggregateMergePair)
	if err != nil {
		return err
	}
	_, err = r.consolidator.store.Append(ctx, pairID, events.AggregateMergePair,
		[]events.DomainEvent{build(version + 1)}, version)
	return err
}

func (r *batchRun) recordError(entityID string, err error) {
	r.consolidator.logger.Warn("entity skipped",
		zap.String("tenant_id", r.tenantID),
		zap.String("job_id", r.jobID),
		zap.String("entity_id", entityID),
		zap.Error(err))
	if len(r.errs) < batchErrorCap {
		r.errs = append(r.errs, fmt.Sprintf("entity %s: %v", entityID, err))
	}
}
