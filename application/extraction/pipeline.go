package extraction

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"cartograph-backend/application/ports"
	"cartograph-backend/domain/consolidation"
	extdomain "cartograph-backend/domain/extraction"
	"cartograph-backend/internal/config"
	"cartograph-backend/internal/errors"
	"cartograph-backend/internal/metrics"
)

// Retry backoff for failed extractions doubles per attempt from the base,
// capped so a flapping upstream cannot push retries out by days.
const (
	retryBase = 30 * time.Second
	retryMax  = time.Hour
)

// Pipeline drives one page through the full extraction flow: preprocess,
// chunk, resolve the prompt strategy, call the model per chunk behind the
// distributed breaker, merge across chunks, and record everything as
// commands on the page's extraction process. All commands of one attempt are
// saved in a single append, so a crashed attempt leaves no partial state.
type Pipeline struct {
	processes *extdomain.ProcessRepository
	pages     ports.PageRepository
	jobs      ports.JobRepository
	router    *StrategyRouter
	chunker   *Chunker
	merger    *Merger
	provider  ports.LLMProvider
	breaker   ports.CircuitBreaker
	llm       config.LLMConfig
	collector *metrics.Collector
	logger    *zap.Logger
}

func NewPipeline(
	processes *extdomain.ProcessRepository,
	pages ports.PageRepository,
	jobs ports.JobRepository,
	router *StrategyRouter,
	chunker *Chunker,
	merger *Merger,
	provider ports.LLMProvider,
	breaker ports.CircuitBreaker,
	llm config.LLMConfig,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		processes: processes,
		pages:     pages,
		jobs:      jobs,
		router:    router,
		chunker:   chunker,
		merger:    merger,
		provider:  provider,
		breaker:   breaker,
		llm:       llm,
		collector: collector,
		logger:    logger.Named("pipeline"),
	}
}

// ExtractPage runs one extraction attempt for a page. Completed pages are
// skipped; non-retryable failed pages surface a conflict. Returns the
// underlying cause when the attempt fails so the caller can decide whether
// to requeue.
func (p *Pipeline) ExtractPage(ctx context.Context, tenantID, pageID, workerID string) error {
	page, err := p.pages.Get(ctx, tenantID, pageID)
	if err != nil {
		return err
	}

	process, err := p.processes.LoadOrCreate(ctx, pageID)
	if err != nil {
		return err
	}
	switch process.Status() {
	case extdomain.StatusCompleted:
		p.logger.Debug("page already extracted", zap.String("page_id", pageID))
		return nil
	case "":
		if err := process.RequestExtraction(tenantID, page.ID, page.URL, page.ContentHash, nil); err != nil {
			return err
		}
	}
	if err := process.Start(workerID); err != nil {
		return err
	}

	if err := p.pages.UpdateStatus(ctx, tenantID, pageID, extdomain.PageExtracting); err != nil {
		p.logger.Warn("could not mark page extracting", zap.String("page_id", pageID), zap.Error(err))
	}

	started := time.Now()
	entities, relationships, method, err := p.extract(ctx, tenantID, page)
	if err != nil {
		return p.failAttempt(ctx, tenantID, process, err)
	}

	for _, e := range entities {
		if _, err := process.RecordEntity(
			e.EntityType, e.Name, consolidation.NormalizeName(e.Name), e.Description,
			e.Properties, e.Confidence, method, e.SourceText,
		); err != nil {
			return p.failAttempt(ctx, tenantID, process, err)
		}
	}
	for _, r := range relationships {
		if err := process.RecordRelationship(
			r.SourceName, r.TargetName, r.RelationshipType, r.Confidence, r.Context,
		); err != nil {
			return p.failAttempt(ctx, tenantID, process, err)
		}
	}

	if err := process.Complete(time.Since(started).Milliseconds(), method); err != nil {
		return p.failAttempt(ctx, tenantID, process, err)
	}
	if err := p.processes.Save(ctx, process); err != nil {
		return err
	}
	if err := p.pages.UpdateStatus(ctx, tenantID, pageID, extdomain.PageCompleted); err != nil {
		p.logger.Warn("could not mark page completed", zap.String("page_id", pageID), zap.Error(err))
	}
	p.collector.PagesExtracted.WithLabelValues(metrics.PageCompleted).Inc()

	p.logger.Info("page extracted",
		zap.String("tenant_id", tenantID),
		zap.String("page_id", pageID),
		zap.String("method", method),
		zap.Int("entities", len(entities)),
		zap.Int("relationships", len(relationships)),
		zap.Duration("duration", time.Since(started)))
	return nil
}

// extract produces the merged entity and relationship lists for a page plus
// the extraction method label.
func (p *Pipeline) extract(ctx context.Context, tenantID string, page *extdomain.Page) ([]ParsedEntity, []ParsedRelationship, string, error) {
	pre := Preprocess(page.Content, page.ContentType)
	chunks := p.chunker.Chunk(pre.Text)

	strategy, err := p.resolveStrategy(ctx, tenantID, page, pre.Text)
	if err != nil {
		return nil, nil, "", err
	}
	method := "llm_legacy"
	if !strategy.Legacy {
		method = "llm_schema:" + strategy.DomainID
	}

	var allEntities []ParsedEntity
	var allRelationships []ParsedRelationship
	parseFailures := 0
	for _, chunk := range chunks {
		result, err := p.extractChunk(ctx, strategy, chunk)
		if err != nil {
			return nil, nil, "", err
		}
		if result == nil {
			parseFailures++
			continue
		}
		allEntities = append(allEntities, result.Entities...)
		allRelationships = append(allRelationships, result.Relationships...)
	}
	if len(chunks) > 0 && parseFailures == len(chunks) {
		return nil, nil, "", errors.External("EXTRACTION_UNPARSEABLE", "no chunk produced a parseable extraction").
			WithResource(page.ID).
			Build()
	}

	entities, relationships := p.merger.Merge(ctx, allEntities, allRelationships)
	return entities, relationships, method, nil
}

// extractChunk calls the model once behind the breaker. A nil result with
// nil error means the chunk response was unparseable and should be skipped;
// provider and breaker errors abort the attempt.
func (p *Pipeline) extractChunk(ctx context.Context, strategy *Strategy, chunk Chunk) (*ExtractionResult, error) {
	allowed, err := p.breaker.AllowRequest(ctx)
	if err != nil {
		return nil, err
	}
	if !allowed {
		retryAfter, err := p.breaker.RetryAfter(ctx)
		if err != nil {
			retryAfter = 0
		}
		return nil, errors.CircuitOpen(retryAfter)
	}

	response, err := p.provider.Complete(ctx, ports.CompletionRequest{
		System:      strategy.SystemPrompt,
		Prompt:      "Extract entities and relationships from this text:\n\n" + chunk.Text,
		Model:       p.llm.Model,
		MaxTokens:   p.llm.MaxTokens,
		JSONSchema:  strategy.OutputSchema,
		Temperature: 0,
	})
	if err != nil {
		if recErr := p.breaker.RecordFailure(ctx); recErr != nil {
			p.logger.Warn("breaker failure record lost", zap.Error(recErr))
		}
		return nil, err
	}
	if recErr := p.breaker.RecordSuccess(ctx); recErr != nil {
		p.logger.Warn("breaker success record lost", zap.Error(recErr))
	}

	result, err := ParseExtraction(response, chunk.Index, strategy.Schema)
	if err != nil {
		p.logger.Warn("chunk response unparseable, skipping chunk",
			zap.Int("chunk_index", chunk.Index), zap.Error(err))
		return nil, nil
	}
	return result, nil
}

func (p *Pipeline) resolveStrategy(ctx context.Context, tenantID string, page *extdomain.Page, sample string) (*Strategy, error) {
	if page.JobID == "" {
		return legacyStrategy(), nil
	}
	job, err := p.jobs.Get(ctx, tenantID, page.JobID)
	if err != nil {
		if errors.IsNotFound(err) {
			p.logger.Warn("page references missing job, using legacy extraction",
				zap.String("page_id", page.ID), zap.String("job_id", page.JobID))
			return legacyStrategy(), nil
		}
		return nil, err
	}
	return p.router.Resolve(ctx, job, sample)
}

// failAttempt records the failure on the process, schedules a retry when the
// cause is retryable and attempts remain, and persists the whole attempt.
// Retryable pages go back to pending with the backoff as their earliest next
// claim; exhausted or permanent failures stay failed. The original cause is
// returned.
func (p *Pipeline) failAttempt(ctx context.Context, tenantID string, process *extdomain.Process, cause error) error {
	retryable := errors.IsRetryable(cause) && process.RetryCount() < p.llm.MaxRetries

	if err := process.Fail(cause.Error(), errorKind(cause), retryable); err != nil {
		p.logger.Error("could not record extraction failure",
			zap.String("process_id", process.ID()), zap.Error(err))
		return cause
	}
	retryAt := time.Now().UTC()
	if retryable {
		backoff := retryBackoff(process.RetryCount())
		retryAt = retryAt.Add(backoff)
		if err := process.ScheduleRetry(retryAt, int(backoff.Seconds())); err != nil {
			p.logger.Warn("could not schedule retry", zap.String("process_id", process.ID()), zap.Error(err))
		}
	}
	if err := p.processes.Save(ctx, process); err != nil {
		p.logger.Error("could not persist failed attempt",
			zap.String("process_id", process.ID()), zap.Error(err))
		return cause
	}
	if retryable {
		if err := p.pages.Requeue(ctx, tenantID, process.PageID(), retryAt); err != nil {
			p.logger.Warn("could not requeue page", zap.String("page_id", process.PageID()), zap.Error(err))
		}
		p.collector.PagesExtracted.WithLabelValues(metrics.PageRequeued).Inc()
	} else {
		if err := p.pages.UpdateStatus(ctx, tenantID, process.PageID(), extdomain.PageFailed); err != nil {
			p.logger.Warn("could not mark page failed", zap.String("page_id", process.PageID()), zap.Error(err))
		}
		p.collector.PagesExtracted.WithLabelValues(metrics.PageFailed).Inc()
	}

	p.logger.Warn("extraction attempt failed",
		zap.String("tenant_id", tenantID),
		zap.String("page_id", process.PageID()),
		zap.Bool("retryable", retryable),
		zap.Int("retry_count", process.RetryCount()),
		zap.Error(cause))
	return cause
}

func retryBackoff(retryCount int) time.Duration {
	backoff := retryBase
	for i := 0; i < retryCount && backoff < retryMax; i++ {
		backoff *= 2
	}
	if backoff > retryMax {
		backoff = retryMax
	}
	return backoff
}

func errorKind(err error) string {
	var unified *errors.UnifiedError
	if stderrors.As(err, &unified) {
		return strings.ToLower(string(unified.Type))
	}
	return "internal"
}
