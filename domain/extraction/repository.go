package extraction

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"cartograph-backend/domain/events"
	"cartograph-backend/internal/errors"
)

// EventStore is the slice of the event store the repository needs.
type EventStore interface {
	// Append atomically appends a batch with optimistic version checking and
	// returns the new stream version.
	Append(ctx context.Context, aggregateID, aggregateType string, batch []events.DomainEvent, expectedVersion int) (int, error)

	// LoadFrom returns the stream tail with aggregate_version >= fromVersion,
	// ordered ascending. fromVersion 1 loads the whole stream.
	LoadFrom(ctx context.Context, aggregateID, aggregateType string, fromVersion int) (events.Stream, error)

	// StreamVersion returns the current version of a stream, 0 when absent.
	StreamVersion(ctx context.Context, aggregateID, aggregateType string) (int, error)
}

// SnapshotStore persists point-in-time aggregate state.
type SnapshotStore interface {
	Save(ctx context.Context, snapshot events.Snapshot) error
	Latest(ctx context.Context, aggregateID, aggregateType string) (*events.Snapshot, error)
}

// ProcessRepository loads and saves extraction processes against the event
// store, optionally seeding replay from snapshots.
type ProcessRepository struct {
	store             EventStore
	snapshots         SnapshotStore
	snapshotFrequency int
	logger            *zap.Logger
}

// NewProcessRepository creates a repository. Snapshots are disabled when
// snapshots is nil or snapshotFrequency is 0.
func NewProcessRepository(store EventStore, snapshots SnapshotStore, snapshotFrequency int, logger *zap.Logger) *ProcessRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessRepository{
		store:             store,
		snapshots:         snapshots,
		snapshotFrequency: snapshotFrequency,
		logger:            logger,
	}
}

// Load rebuilds a process from its stream. Fails with NOT_FOUND when the
// stream is empty.
func (r *ProcessRepository) Load(ctx context.Context, id string) (*Process, error) {
	process, found, err := r.replay(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.NotFound(errors.CodeAggregateMissing, "extraction process not found").
			WithResource(id).
			Build()
	}
	return process, nil
}

// LoadOrCreate rebuilds a process, returning a fresh zero-version aggregate
// when the stream is empty.
func (r *ProcessRepository) LoadOrCreate(ctx context.Context, id string) (*Process, error) {
	process, _, err := r.replay(ctx, id)
	if err != nil {
		return nil, err
	}
	return process, nil
}

// Save appends the aggregate's uncommitted events with optimistic version
// checking, then clears them. Optimistic lock conflicts propagate to the
// caller, which must reload and re-emit rather than retry the same batch.
func (r *ProcessRepository) Save(ctx context.Context, process *Process) error {
	batch := process.UncommittedEvents()
	if len(batch) == 0 {
		return nil
	}

	expected := process.Version() - len(batch)
	newVersion, err := r.store.Append(ctx, process.ID(), events.AggregateExtraction, batch, expected)
	if err != nil {
		return err
	}
	process.MarkCommitted()

	r.maybeSnapshot(ctx, process, expected, newVersion)
	return nil
}

// Exists reports whether the process has any committed events.
func (r *ProcessRepository) Exists(ctx context.Context, id string) (bool, error) {
	version, err := r.store.StreamVersion(ctx, id, events.AggregateExtraction)
	if err != nil {
		return false, err
	}
	return version > 0, nil
}

// GetVersion returns the committed stream version, 0 when absent.
func (r *ProcessRepository) GetVersion(ctx context.Context, id string) (int, error) {
	return r.store.StreamVersion(ctx, id, events.AggregateExtraction)
}

func (r *ProcessRepository) replay(ctx context.Context, id string) (*Process, bool, error) {
	process := NewProcess(id)
	fromVersion := 1
	seeded := false

	if r.snapshots != nil && r.snapshotFrequency > 0 {
		snapshot, err := r.snapshots.Latest(ctx, id, events.AggregateExtraction)
		if err != nil {
			r.logger.Warn("snapshot load failed, replaying full stream",
				zap.String("aggregate_id", id),
				zap.Error(err))
		} else if snapshot != nil {
			if err := process.RestoreState(snapshot.Version, snapshot.State); err != nil {
				return nil, false, err
			}
			fromVersion = snapshot.Version + 1
			seeded = true
		}
	}

	stream, err := r.store.LoadFrom(ctx, id, events.AggregateExtraction, fromVersion)
	if err != nil {
		return nil, false, err
	}
	for _, event := range stream.Events {
		if err := process.Apply(event); err != nil {
			return nil, false, err
		}
	}

	return process, seeded || len(stream.Events) > 0, nil
}

// maybeSnapshot writes a snapshot when the save crossed a frequency
// boundary. Snapshot failures are logged, never surfaced: the stream stays
// authoritative.
func (r *ProcessRepository) maybeSnapshot(ctx context.Context, process *Process, oldVersion, newVersion int) {
	if r.snapshots == nil || r.snapshotFrequency <= 0 {
		return
	}
	if newVersion/r.snapshotFrequency == oldVersion/r.snapshotFrequency {
		return
	}

	state, err := process.MarshalState()
	if err != nil {
		r.logger.Warn("snapshot serialization failed",
			zap.String("aggregate_id", process.ID()),
			zap.Error(err))
		return
	}
	snapshot := events.Snapshot{
		AggregateID:   process.ID(),
		AggregateType: events.AggregateExtraction,
		Version:       newVersion,
		State:         state,
		CreatedAt:     time.Now().UTC(),
	}
	if err := r.snapshots.Save(ctx, snapshot); err != nil {
		r.logger.Warn("snapshot save failed",
			zap.String("aggregate_id", process.ID()),
			zap.Int("version", newVersion),
			zap.Error(err))
	}
}

// processState is the snapshot serialization of a Process.
type processState struct {
	TenantID          string                 `json:"tenant_id"`
	PageID            string                 `json:"page_id"`
	PageURL           string                 `json:"page_url"`
	ContentHash       string                 `json:"content_hash"`
	Config            map[string]interface{} `json:"config,omitempty"`
	Status            Status                 `json:"status"`
	WorkerID          string                 `json:"worker_id,omitempty"`
	EntityCount       int                    `json:"entity_count"`
	RelationshipCount int                    `json:"relationship_count"`
	LastError         string                 `json:"last_error,omitempty"`
	LastErrorType     string                 `json:"last_error_type,omitempty"`
	Retryable         bool                   `json:"retryable"`
	RetryCount        int                    `json:"retry_count"`
	ScheduledFor      time.Time              `json:"scheduled_for,omitempty"`
}

// MarshalState serializes the process for snapshotting.
func (p *Process) MarshalState() ([]byte, error) {
	state := processState{
		TenantID:          p.tenantID,
		PageID:            p.pageID,
		PageURL:           p.pageURL,
		ContentHash:       p.contentHash,
		Config:            p.config,
		Status:            p.status,
		WorkerID:          p.workerID,
		EntityCount:       p.entityCount,
		RelationshipCount: p.relationshipCount,
		LastError:         p.lastError,
		LastErrorType:     p.lastErrorType,
		Retryable:         p.retryable,
		RetryCount:        p.retryCount,
		ScheduledFor:      p.scheduledFor,
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, errors.Internal("SNAPSHOT_MARSHAL", "failed to serialize process state").
			WithResource(p.id).
			WithCause(err).
			Build()
	}
	return data, nil
}

// RestoreState rehydrates the process from a snapshot taken at version.
func (p *Process) RestoreState(version int, data []byte) error {
	var state processState
	if err := json.Unmarshal(data, &state); err != nil {
		return errors.Internal("SNAPSHOT_UNMARSHAL", "failed to restore process state").
			WithResource(p.id).
			WithCause(err).
			Build()
	}

	p.tenantID = state.TenantID
	p.pageID = state.PageID
	p.pageURL = state.PageURL
	p.contentHash = state.ContentHash
	p.config = state.Config
	p.status = state.Status
	p.workerID = state.WorkerID
	p.entityCount = state.EntityCount
	p.relationshipCount = state.RelationshipCount
	p.lastError = state.LastError
	p.lastErrorType = state.LastErrorType
	p.retryable = state.Retryable
	p.retryCount = state.RetryCount
	p.scheduledFor = state.ScheduledFor
	p.version = version
	return nil
}
