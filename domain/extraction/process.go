// Package extraction holds the event-sourced extraction process aggregate.
// A Process tracks one page through request, extraction, and completion or
// retryable failure; all state changes are emitted as domain events and the
// struct itself is rebuilt by replay.
package extraction

import (
	"time"

	"github.com/google/uuid"

	"cartograph-backend/domain/events"
	"cartograph-backend/internal/errors"
)

// Status represents the state of an extraction process.
type Status string

const (
	StatusPending        Status = "pending"
	StatusInProgress     Status = "in_progress"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusRetryScheduled Status = "retry_scheduled"
)

// Process is the extraction lifecycle for one scraped page. Commands
// validate against the state machine, emit an event, and apply it locally
// so later commands in the same unit of work observe the new state.
type Process struct {
	id          string
	tenantID    string
	pageID      string
	pageURL     string
	contentHash string
	config      map[string]interface{}

	status            Status
	workerID          string
	entityCount       int
	relationshipCount int
	lastError         string
	lastErrorType     string
	retryable         bool
	retryCount        int
	scheduledFor      time.Time

	version     int
	uncommitted []events.DomainEvent
}

// NewProcess returns an empty zero-version aggregate. The first command must
// be RequestExtraction.
func NewProcess(id string) *Process {
	return &Process{id: id}
}

// ID returns the process identifier (the aggregate stream ID).
func (p *Process) ID() string {
	return p.id
}

// TenantID returns the owning tenant.
func (p *Process) TenantID() string {
	return p.tenantID
}

// PageID returns the scraped page this process extracts from.
func (p *Process) PageID() string {
	return p.pageID
}

// Status returns the current state.
func (p *Process) Status() Status {
	return p.status
}

// Version returns the aggregate version for optimistic locking.
func (p *Process) Version() int {
	return p.version
}

// EntityCount returns the number of entities recorded so far.
func (p *Process) EntityCount() int {
	return p.entityCount
}

// RelationshipCount returns the number of relationships recorded so far.
func (p *Process) RelationshipCount() int {
	return p.relationshipCount
}

// RetryCount returns how many retries have been scheduled.
func (p *Process) RetryCount() int {
	return p.retryCount
}

// ScheduledFor returns the next retry time, zero when none is scheduled.
func (p *Process) ScheduledFor() time.Time {
	return p.scheduledFor
}

// UncommittedEvents returns events emitted since the last save.
func (p *Process) UncommittedEvents() []events.DomainEvent {
	return p.uncommitted
}

// MarkCommitted clears the uncommitted events after a successful save.
func (p *Process) MarkCommitted() {
	p.uncommitted = nil
}

// RequestExtraction opens the process for a page. Valid only on a fresh
// zero-version aggregate.
func (p *Process) RequestExtraction(tenantID, pageID, pageURL, contentHash string, config map[string]interface{}) error {
	if p.version != 0 || p.status != "" {
		return errors.Conflict("EXTRACTION_ALREADY_REQUESTED", "extraction already requested for this process").
			WithResource(p.id).
			Build()
	}
	if tenantID == "" {
		return errors.Validation("MISSING_TENANT", "tenant_id is required").Build()
	}
	if pageID == "" {
		return errors.Validation("MISSING_PAGE", "page_id is required").Build()
	}

	return p.raise(events.NewExtractionRequestedEvent(p.id, tenantID, pageID, pageURL, contentHash, config, p.version+1))
}

// Start claims the process for a worker. Valid from pending or a scheduled
// retry.
func (p *Process) Start(workerID string) error {
	if p.status != StatusPending && p.status != StatusRetryScheduled {
		return p.invalidTransition("start")
	}
	if workerID == "" {
		return errors.Validation("MISSING_WORKER", "worker_id is required").Build()
	}

	return p.raise(events.NewExtractionStartedEvent(p.id, p.tenantID, p.pageID, workerID, p.version+1))
}

// RecordEntity records one extracted entity and returns its assigned ID.
// Valid only while in progress.
func (p *Process) RecordEntity(entityType, name, normalizedName, description string, properties map[string]interface{}, confidence float64, extractionMethod, sourceText string) (string, error) {
	if p.status != StatusInProgress {
		return "", p.invalidTransition("record_entity")
	}
	if name == "" {
		return "", errors.Validation("MISSING_ENTITY_NAME", "entity name is required").Build()
	}
	if confidence < 0 || confidence > 1 {
		return "", errors.Validation("INVALID_CONFIDENCE", "confidence must be within [0, 1]").
			WithDetails(name).
			Build()
	}

	entityID := uuid.NewString()
	event := events.NewEntityExtractedEvent(
		p.id, p.tenantID, entityID, p.pageID,
		entityType, name, normalizedName, description,
		properties, confidence, extractionMethod, sourceText,
		p.version+1,
	)
	if err := p.raise(event); err != nil {
		return "", err
	}
	return entityID, nil
}

// RecordRelationship records one discovered relationship between two named
// entities. Valid only while in progress.
func (p *Process) RecordRelationship(sourceEntityName, targetEntityName, relationshipType string, confidence float64, context string) error {
	if p.status != StatusInProgress {
		return p.invalidTransition("record_relationship")
	}
	if sourceEntityName == "" || targetEntityName == "" {
		return errors.Validation("MISSING_RELATIONSHIP_ENDPOINT", "source and target entity names are required").Build()
	}
	if sourceEntityName == targetEntityName {
		return errors.Validation("SELF_RELATIONSHIP", "relationship source and target must differ").
			WithDetails(sourceEntityName).
			Build()
	}

	return p.raise(events.NewRelationshipDiscoveredEvent(
		p.id, p.tenantID, uuid.NewString(), p.pageID,
		sourceEntityName, targetEntityName, relationshipType,
		confidence, context,
		p.version+1,
	))
}

// Complete closes the process successfully.
func (p *Process) Complete(durationMs int64, extractionMethod string) error {
	if p.status != StatusInProgress {
		return p.invalidTransition("complete")
	}

	return p.raise(events.NewExtractionCompletedEvent(
		p.id, p.tenantID,
		p.entityCount, p.relationshipCount,
		durationMs, extractionMethod,
		p.version+1,
	))
}

// Fail records a failure. Retryable failures may later be rescheduled.
func (p *Process) Fail(errorMessage, errorType string, retryable bool) error {
	if p.status != StatusInProgress {
		return p.invalidTransition("fail")
	}

	return p.raise(events.NewExtractionFailedEvent(p.id, p.tenantID, errorMessage, errorType, retryable, p.version+1))
}

// ScheduleRetry schedules another attempt after a retryable failure.
func (p *Process) ScheduleRetry(scheduledFor time.Time, backoffSeconds int) error {
	if p.status != StatusFailed {
		return p.invalidTransition("schedule_retry")
	}
	if !p.retryable {
		return errors.Conflict("NOT_RETRYABLE", "last failure was not retryable").
			WithResource(p.id).
			Build()
	}

	return p.raise(events.NewExtractionRetryScheduledEvent(p.id, p.tenantID, scheduledFor, backoffSeconds, p.version+1))
}

// raise appends the event to the uncommitted batch and applies it locally.
func (p *Process) raise(event events.DomainEvent) error {
	if err := p.Apply(event); err != nil {
		return err
	}
	p.uncommitted = append(p.uncommitted, event)
	return nil
}

// Apply advances the aggregate state with one event. Used both by commands
// and by replay; an event type this aggregate does not understand is a loud
// failure because skipping it would desynchronize the rebuilt state.
func (p *Process) Apply(event events.DomainEvent) error {
	switch e := event.(type) {
	case *events.ExtractionRequestedEvent:
		p.tenantID = e.TenantID()
		p.pageID = e.PageID
		p.pageURL = e.PageURL
		p.contentHash = e.ContentHash
		p.config = e.ExtractionConfig
		p.status = StatusPending

	case *events.ExtractionStartedEvent:
		p.workerID = e.WorkerID
		p.status = StatusInProgress
		p.scheduledFor = time.Time{}

	case *events.EntityExtractedEvent:
		p.entityCount++

	case *events.RelationshipDiscoveredEvent:
		p.relationshipCount++

	case *events.ExtractionCompletedEvent:
		p.status = StatusCompleted

	case *events.ExtractionFailedEvent:
		p.status = StatusFailed
		p.lastError = e.ErrorMessage
		p.lastErrorType = e.ErrorType
		p.retryable = e.Retryable

	case *events.ExtractionRetryScheduledEvent:
		p.status = StatusRetryScheduled
		p.scheduledFor = e.ScheduledFor
		p.retryCount++

	default:
		return errors.Internal(errors.CodeUnknownEventType, "extraction process cannot apply event").
			WithDetails(event.EventType()).
			WithResource(p.id).
			WithSeverity(errors.SeverityCritical).
			Build()
	}

	p.version = event.Version()
	return nil
}

func (p *Process) invalidTransition(command string) error {
	return errors.Conflict("INVALID_STATE_TRANSITION", "command not allowed in current state").
		WithDetails(command+" requires a different state than "+string(p.status)).
		WithResource(p.id).
		Build()
}
