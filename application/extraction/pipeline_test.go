package extraction

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cartograph-backend/application/ports"
	"cartograph-backend/domain/events"
	extdomain "cartograph-backend/domain/extraction"
	"cartograph-backend/internal/config"
	"cartograph-backend/internal/errors"
	"cartograph-backend/internal/metrics"
)

type fakeEventStore struct {
	streams map[string][]events.DomainEvent
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{streams: make(map[string][]events.DomainEvent)}
}

func (s *fakeEventStore) key(aggregateID, aggregateType string) string {
	return aggregateType + "/" + aggregateID
}

func (s *fakeEventStore) Append(_ context.Context, aggregateID, aggregateType string, batch []events.DomainEvent, expectedVersion int) (int, error) {
	key := s.key(aggregateID, aggregateType)
	current := len(s.streams[key])
	if current != expectedVersion {
		return 0, errors.OptimisticLock(expectedVersion, current)
	}
	s.streams[key] = append(s.streams[key], batch...)
	return len(s.streams[key]), nil
}

func (s *fakeEventStore) LoadFrom(_ context.Context, aggregateID, aggregateType string, fromVersion int) (events.Stream, error) {
	key := s.key(aggregateID, aggregateType)
	all := s.streams[key]
	var tail []events.DomainEvent
	for _, event := range all {
		if event.Version() >= fromVersion {
			tail = append(tail, event)
		}
	}
	return events.Stream{
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Version:       len(all),
		Events:        tail,
	}, nil
}

func (s *fakeEventStore) StreamVersion(_ context.Context, aggregateID, aggregateType string) (int, error) {
	return len(s.streams[s.key(aggregateID, aggregateType)]), nil
}

type fakeSnapshotStore struct{}

func (fakeSnapshotStore) Save(context.Context, events.Snapshot) error { return nil }
func (fakeSnapshotStore) Latest(context.Context, string, string) (*events.Snapshot, error) {
	return nil, nil
}

type fakePages struct {
	pages    map[string]*extdomain.Page
	statuses []extdomain.PageStatus
	requeues []time.Time
}

func newFakePages(pages ...*extdomain.Page) *fakePages {
	f := &fakePages{pages: make(map[string]*extdomain.Page)}
	for _, page := range pages {
		f.pages[page.ID] = page
	}
	return f
}

func (f *fakePages) Get(_ context.Context, _, pageID string) (*extdomain.Page, error) {
	page, ok := f.pages[pageID]
	if !ok {
		return nil, errors.NotFound("PAGE_NOT_FOUND", "page does not exist").WithResource(pageID).Build()
	}
	return page, nil
}

func (f *fakePages) Upsert(_ context.Context, page *extdomain.Page) error {
	f.pages[page.ID] = page
	return nil
}

func (f *fakePages) UpdateStatus(_ context.Context, _, pageID string, status extdomain.PageStatus) error {
	f.statuses = append(f.statuses, status)
	if page, ok := f.pages[pageID]; ok {
		page.Status = status
	}
	return nil
}

func (f *fakePages) ListPending(_ context.Context, _ string, _ int) ([]*extdomain.Page, error) {
	return nil, nil
}

func (f *fakePages) ClaimPending(_ context.Context, limit int) ([]*extdomain.Page, error) {
	var claimed []*extdomain.Page
	for _, page := range f.pages {
		if len(claimed) == limit {
			break
		}
		if page.Status == extdomain.PagePending && !page.NextAttemptAt.After(time.Now()) {
			page.Status = extdomain.PageExtracting
			claimed = append(claimed, page)
		}
	}
	return claimed, nil
}

func (f *fakePages) Requeue(_ context.Context, _, pageID string, at time.Time) error {
	f.requeues = append(f.requeues, at)
	if page, ok := f.pages[pageID]; ok {
		page.Status = extdomain.PagePending
		page.NextAttemptAt = at
	}
	return nil
}

type fakeBreaker struct {
	allow      bool
	successes  int
	failures   int
	retryAfter time.Duration
}

func (b *fakeBreaker) AllowRequest(context.Context) (bool, error) { return b.allow, nil }
func (b *fakeBreaker) RecordSuccess(context.Context) error        { b.successes++; return nil }
func (b *fakeBreaker) RecordFailure(context.Context) error        { b.failures++; return nil }
func (b *fakeBreaker) RetryAfter(context.Context) (time.Duration, error) {
	return b.retryAfter, nil
}
func (b *fakeBreaker) State(context.Context) (string, error) { return ports.BreakerClosed, nil }

type pipelineFixture struct {
	pipeline  *Pipeline
	processes *extdomain.ProcessRepository
	pages     *fakePages
	provider  *fakeLLM
	breaker   *fakeBreaker
}

func newPipelineFixture(t *testing.T, provider *fakeLLM, jobs *fakeJobs, pages *fakePages, llm config.LLMConfig) *pipelineFixture {
	t.Helper()
	logger := zap.NewNop()
	processes := extdomain.NewProcessRepository(newFakeEventStore(), fakeSnapshotStore{}, 0, logger)
	registry := newTestRegistry(t)
	classifier := NewClassifier(provider, registry, classifierConfig(), "classifier-model", logger)
	router := NewStrategyRouter(registry, classifier, jobs, logger)
	chunker := NewChunker(config.ChunkerConfig{MaxChunkSize: 4000, OverlapSize: 200, MaxChunks: 10}, logger)
	merger := NewMerger(nil, config.CrossChunkConfig{HighThreshold: 0.92, LowThreshold: 0.82}, "", logger)
	breaker := &fakeBreaker{allow: true}

	return &pipelineFixture{
		pipeline:  NewPipeline(processes, pages, jobs, router, chunker, merger, provider, breaker, llm, metrics.NewCollector("test"), logger),
		processes: processes,
		pages:     pages,
		provider:  provider,
		breaker:   breaker,
	}
}

func testPage(id string) *extdomain.Page {
	return &extdomain.Page{
		ID:          id,
		TenantID:    "t1",
		URL:         "https://example.com/a",
		ContentHash: "h1",
		Content:     "Ada Lovelace worked with Charles Babbage on the Analytical Engine.",
		ContentType: "text/plain",
		Status:      extdomain.PagePending,
	}
}

const happyResponse = `{
	"entities": [
		{"name": "Ada Lovelace", "entity_type": "person", "confidence": 0.95, "description": "Mathematician"},
		{"name": "Charles Babbage", "entity_type": "person", "confidence": 0.9}
	],
	"relationships": [
		{"source": "Ada Lovelace", "target": "Charles Babbage", "relationship_type": "collaborated_with", "confidence": 0.85, "context": "worked with"}
	]
}`

func TestPipeline_HappyPathLegacy(t *testing.T) {
	provider := &fakeLLM{responses: []string{happyResponse}}
	fx := newPipelineFixture(t, provider, newFakeJobs(), newFakePages(testPage("page-1")), config.LLMConfig{Model: "extract-model", MaxTokens: 4096, MaxRetries: 3})

	err := fx.pipeline.ExtractPage(context.Background(), "t1", "page-1", "worker-1")
	require.NoError(t, err)

	process, err := fx.processes.Load(context.Background(), "page-1")
	require.NoError(t, err)
	assert.Equal(t, extdomain.StatusCompleted, process.Status())
	assert.Equal(t, 6, process.Version(), "requested, started, 2 entities, 1 relationship, completed")
	assert.Equal(t, 2, process.EntityCount())
	assert.Equal(t, 1, process.RelationshipCount())

	assert.Equal(t, []extdomain.PageStatus{extdomain.PageExtracting, extdomain.PageCompleted}, fx.pages.statuses)
	assert.Equal(t, 1, fx.breaker.successes)
	assert.Zero(t, fx.breaker.failures)

	require.Len(t, provider.requests, 1)
	req := provider.requests[0]
	assert.Equal(t, LegacySystemPrompt, req.System)
	assert.Equal(t, "extract-model", req.Model)
	assert.Contains(t, req.Prompt, "Ada Lovelace worked with")
	assert.Nil(t, req.JSONSchema)
}

func TestPipeline_SchemaStrategyFiltersEntities(t *testing.T) {
	response := `{
		"entities": [
			{"name": "Rosetta Stone", "entity_type": "artifact", "confidence": 0.9},
			{"name": "Napoleon", "entity_type": "person", "confidence": 0.9}
		],
		"relationships": []
	}`
	provider := &fakeLLM{responses: []string{response}}
	jobs := newFakeJobs(&extdomain.Job{ID: "job-1", TenantID: "t1", SchemaMode: extdomain.ModeManual, ContentDomain: "museum"})
	page := testPage("page-1")
	page.JobID = "job-1"
	fx := newPipelineFixture(t, provider, jobs, newFakePages(page), config.LLMConfig{Model: "extract-model", MaxTokens: 4096})

	err := fx.pipeline.ExtractPage(context.Background(), "t1", "page-1", "worker-1")
	require.NoError(t, err)

	process, err := fx.processes.Load(context.Background(), "page-1")
	require.NoError(t, err)
	assert.Equal(t, 1, process.EntityCount(), "schema drops the unknown person type")

	require.Len(t, provider.requests, 1)
	assert.Contains(t, provider.requests[0].System, "Museum Collections")
	assert.NotEmpty(t, provider.requests[0].JSONSchema)
}

func TestPipeline_BreakerOpenSchedulesRetry(t *testing.T) {
	provider := &fakeLLM{responses: []string{happyResponse}}
	fx := newPipelineFixture(t, provider, newFakeJobs(), newFakePages(testPage("page-1")), config.LLMConfig{Model: "m", MaxTokens: 100, MaxRetries: 3})
	fx.breaker.allow = false
	fx.breaker.retryAfter = 45 * time.Second

	err := fx.pipeline.ExtractPage(context.Background(), "t1", "page-1", "worker-1")

	require.Error(t, err)
	assert.True(t, errors.IsCircuitOpen(err))
	assert.Empty(t, provider.requests, "open breaker blocks the provider call")

	process, loadErr := fx.processes.Load(context.Background(), "page-1")
	require.NoError(t, loadErr)
	assert.Equal(t, extdomain.StatusRetryScheduled, process.Status())
	assert.Equal(t, 1, process.RetryCount())
	assert.False(t, process.ScheduledFor().IsZero())
	assert.Equal(t, []extdomain.PageStatus{extdomain.PageExtracting}, fx.pages.statuses)
	require.Len(t, fx.pages.requeues, 1, "retryable failure puts the page back in the queue")
	assert.Equal(t, extdomain.PagePending, fx.pages.pages["page-1"].Status)
	assert.True(t, fx.pages.requeues[0].After(time.Now()), "requeue respects the backoff")
}

func TestPipeline_ProviderFailureRecordsBreakerFailure(t *testing.T) {
	provider := &fakeLLM{err: errors.External("LLM_CALL", "upstream 500").Build()}
	fx := newPipelineFixture(t, provider, newFakeJobs(), newFakePages(testPage("page-1")), config.LLMConfig{Model: "m", MaxTokens: 100, MaxRetries: 3})

	err := fx.pipeline.ExtractPage(context.Background(), "t1", "page-1", "worker-1")

	require.Error(t, err)
	assert.Equal(t, 1, fx.breaker.failures)
	assert.Zero(t, fx.breaker.successes)

	process, loadErr := fx.processes.Load(context.Background(), "page-1")
	require.NoError(t, loadErr)
	assert.Equal(t, extdomain.StatusRetryScheduled, process.Status())
}

func TestPipeline_NonRetryableWhenAttemptsExhausted(t *testing.T) {
	provider := &fakeLLM{err: errors.External("LLM_CALL", "upstream 500").Build()}
	fx := newPipelineFixture(t, provider, newFakeJobs(), newFakePages(testPage("page-1")), config.LLMConfig{Model: "m", MaxTokens: 100, MaxRetries: 0})

	err := fx.pipeline.ExtractPage(context.Background(), "t1", "page-1", "worker-1")

	require.Error(t, err)
	process, loadErr := fx.processes.Load(context.Background(), "page-1")
	require.NoError(t, loadErr)
	assert.Equal(t, extdomain.StatusFailed, process.Status())
	assert.Zero(t, process.RetryCount())
	assert.Equal(t, extdomain.PageFailed, fx.pages.pages["page-1"].Status)
	assert.Empty(t, fx.pages.requeues, "exhausted pages are not requeued")
}

func TestPipeline_CompletedPageIsSkipped(t *testing.T) {
	provider := &fakeLLM{responses: []string{happyResponse, happyResponse}}
	fx := newPipelineFixture(t, provider, newFakeJobs(), newFakePages(testPage("page-1")), config.LLMConfig{Model: "m", MaxTokens: 100})

	require.NoError(t, fx.pipeline.ExtractPage(context.Background(), "t1", "page-1", "worker-1"))
	require.NoError(t, fx.pipeline.ExtractPage(context.Background(), "t1", "page-1", "worker-2"))

	assert.Len(t, provider.requests, 1, "second attempt short-circuits")
}

func TestPipeline_RetryAttemptResumesFromSchedule(t *testing.T) {
	provider := &fakeLLM{err: errors.External("LLM_CALL", "upstream 500").Build()}
	fx := newPipelineFixture(t, provider, newFakeJobs(), newFakePages(testPage("page-1")), config.LLMConfig{Model: "m", MaxTokens: 100, MaxRetries: 3})

	require.Error(t, fx.pipeline.ExtractPage(context.Background(), "t1", "page-1", "worker-1"))

	provider.err = nil
	provider.responses = []string{happyResponse}

	require.NoError(t, fx.pipeline.ExtractPage(context.Background(), "t1", "page-1", "worker-2"))

	process, err := fx.processes.Load(context.Background(), "page-1")
	require.NoError(t, err)
	assert.Equal(t, extdomain.StatusCompleted, process.Status())
	assert.Equal(t, 1, process.RetryCount())
	assert.Equal(t, 2, process.EntityCount())
}

func TestPipeline_AllChunksUnparseableFails(t *testing.T) {
	provider := &fakeLLM{responses: []string{"no json here at all"}}
	fx := newPipelineFixture(t, provider, newFakeJobs(), newFakePages(testPage("page-1")), config.LLMConfig{Model: "m", MaxTokens: 100, MaxRetries: 3})

	err := fx.pipeline.ExtractPage(context.Background(), "t1", "page-1", "worker-1")

	require.Error(t, err)
	process, loadErr := fx.processes.Load(context.Background(), "page-1")
	require.NoError(t, loadErr)
	assert.Equal(t, extdomain.StatusRetryScheduled, process.Status(), "unparseable output is worth retrying")
}
