package ops

import (
	"context"
	"time"

	"cartograph-backend/application/ports"
	cdomain "cartograph-backend/domain/consolidation"
	"cartograph-backend/domain/events"
	"cartograph-backend/internal/errors"
)

type fakeEvents struct {
	head    int64
	headErr error
}

func (f *fakeEvents) Append(context.Context, string, string, []events.DomainEvent, int) (int, error) {
	return 0, nil
}
func (f *fakeEvents) Load(context.Context, string, string) (events.Stream, error) {
	return events.Stream{}, nil
}
func (f *fakeEvents) LoadFrom(context.Context, string, string, int) (events.Stream, error) {
	return events.Stream{}, nil
}
func (f *fakeEvents) StreamVersion(context.Context, string, string) (int, error) { return 0, nil }
func (f *fakeEvents) EventExists(context.Context, string) (bool, error)          { return false, nil }
func (f *fakeEvents) ReadFrom(context.Context, int64, int) ([]events.StoredEvent, error) {
	return nil, nil
}
func (f *fakeEvents) Head(context.Context) (int64, error) { return f.head, f.headErr }

type fakeProjections struct {
	checkpoints []ports.Checkpoint
}

func (f *fakeProjections) Checkpoint(context.Context, string) (int64, error) { return 0, nil }
func (f *fakeProjections) Checkpoints(context.Context) ([]ports.Checkpoint, error) {
	return f.checkpoints, nil
}
func (f *fakeProjections) ApplyWithCheckpoint(_ context.Context, _ string, _ int64, _ string, fn func(ports.Tx) error) error {
	return fn(nil)
}
func (f *fakeProjections) DeadLetterAndAdvance(context.Context, ports.DLQEntry) error { return nil }
func (f *fakeProjections) ResetCheckpoint(_ context.Context, _ string, fn func(ports.Tx) error) error {
	return fn(nil)
}

type fakeDLQ struct {
	entries        []ports.DLQEntry
	pending        int
	resolved       map[int64]string
	resolveErr     error
	listProjection string
	listStatus     string
	listLimit      int
}

func newFakeDLQ() *fakeDLQ {
	return &fakeDLQ{resolved: map[int64]string{}}
}

func (f *fakeDLQ) List(_ context.Context, projection, status string, limit int) ([]ports.DLQEntry, error) {
	f.listProjection, f.listStatus, f.listLimit = projection, status, limit
	return f.entries, nil
}

func (f *fakeDLQ) Get(_ context.Context, id int64) (*ports.DLQEntry, error) {
	for i := range f.entries {
		if f.entries[i].ID == id {
			return &f.entries[i], nil
		}
	}
	return nil, errors.NotFound("DLQ_NOT_FOUND", "dlq entry not found").Build()
}

func (f *fakeDLQ) Resolve(_ context.Context, id int64, resolvedBy string) error {
	if f.resolveErr != nil {
		return f.resolveErr
	}
	f.resolved[id] = resolvedBy
	return nil
}

func (f *fakeDLQ) CountPending(context.Context) (int, error) { return f.pending, nil }

type fakeBreaker struct {
	state      string
	retryAfter time.Duration
}

func (f *fakeBreaker) AllowRequest(context.Context) (bool, error) { return true, nil }
func (f *fakeBreaker) RecordSuccess(context.Context) error        { return nil }
func (f *fakeBreaker) RecordFailure(context.Context) error        { return nil }
func (f *fakeBreaker) RetryAfter(context.Context) (time.Duration, error) {
	return f.retryAfter, nil
}
func (f *fakeBreaker) State(context.Context) (string, error) {
	if f.state == "" {
		return ports.BreakerClosed, nil
	}
	return f.state, nil
}

type fakeEntityRepo struct {
	unsynced []*cdomain.ExtractedEntity
	gotLimit int
}

func (f *fakeEntityRepo) GetByID(context.Context, string, string) (*cdomain.ExtractedEntity, error) {
	return nil, errors.NotFound("ENTITY_NOT_FOUND", "entity not found").Build()
}
func (f *fakeEntityRepo) GetByIDs(context.Context, string, []string) ([]*cdomain.ExtractedEntity, error) {
	return nil, nil
}
func (f *fakeEntityRepo) FindBySourcePageAndName(context.Context, string, string, string) (*cdomain.ExtractedEntity, error) {
	return nil, nil
}
func (f *fakeEntityRepo) ListCanonical(context.Context, string, string, int, int) ([]*cdomain.ExtractedEntity, error) {
	return nil, nil
}
func (f *fakeEntityRepo) CountCanonical(context.Context, string, string) (int, error) {
	return 0, nil
}
func (f *fakeEntityRepo) ListUnsynced(_ context.Context, _ string, limit int) ([]*cdomain.ExtractedEntity, error) {
	f.gotLimit = limit
	return f.unsynced, nil
}

type fakeWriter struct {
	synced map[string]string
}

func newFakeWriter() *fakeWriter { return &fakeWriter{synced: map[string]string{}} }

func (f *fakeWriter) MarkSynced(_ context.Context, _, entityID, nodeID string) error {
	f.synced[entityID] = nodeID
	return nil
}
func (f *fakeWriter) RestoreCanonical(context.Context, string, []string) error { return nil }

// fakeGraph scripts UpsertEntity failures per entity id; the other graph
// operations are unused by the ops surface.
type fakeGraph struct {
	upserted []string
	fail     map[string]bool
}

func newFakeGraph() *fakeGraph { return &fakeGraph{fail: map[string]bool{}} }

func (f *fakeGraph) UpsertEntity(_ context.Context, entity *cdomain.ExtractedEntity) (string, error) {
	if f.fail[entity.ID] {
		return "", errors.Unavailable("GRAPH_DOWN", "graph store unavailable").Build()
	}
	f.upserted = append(f.upserted, entity.ID)
	return "node:" + entity.ID, nil
}

func (f *fakeGraph) UpsertRelationship(context.Context, string, string, string, string, string, float64, map[string]interface{}) (string, error) {
	return "", nil
}
func (f *fakeGraph) TransferRelationships(context.Context, string, string, string) (int, error) {
	return 0, nil
}
func (f *fakeGraph) DeleteEntity(context.Context, string, string) error { return nil }
func (f *fakeGraph) RestorePlaceholder(context.Context, string, string, string, string, string) error {
	return nil
}
func (f *fakeGraph) ReassignRelationships(context.Context, string, string, map[string]string, string) (int, error) {
	return 0, nil
}
func (f *fakeGraph) AnnotateEntity(context.Context, string, string, map[string]interface{}) error {
	return nil
}
func (f *fakeGraph) RecordMergeMetadata(context.Context, string, string, string, []string, int) error {
	return nil
}
func (f *fakeGraph) Neighborhood(context.Context, string, string, int) (*cdomain.Neighborhood, error) {
	return nil, nil
}
func (f *fakeGraph) NeighborhoodBatch(context.Context, string, []string, int) (map[string]*cdomain.Neighborhood, error) {
	return nil, nil
}
func (f *fakeGraph) Clear(context.Context) error        { return nil }
func (f *fakeGraph) EnsureSchema(context.Context) error { return nil }
func (f *fakeGraph) Ping(context.Context) error         { return nil }

// fakeAppender satisfies the settings service's event sink.
type fakeAppender struct {
	appended []events.DomainEvent
}

func (f *fakeAppender) Append(_ context.Context, _, _ string, batch []events.DomainEvent, _ int) (int, error) {
	f.appended = append(f.appended, batch...)
	return len(f.appended), nil
}

func (f *fakeAppender) StreamVersion(context.Context, string, string) (int, error) {
	return len(f.appended), nil
}

type fakeSettingsRepo struct{}

func (fakeSettingsRepo) Get(_ context.Context, tenantID string) (*cdomain.Settings, error) {
	return cdomain.DefaultSettings(tenantID), nil
}
