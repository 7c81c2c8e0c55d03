package events

import "time"

// Extraction event types.
const (
	TypeExtractionRequested      = "ExtractionRequested"
	TypeExtractionStarted        = "ExtractionStarted"
	TypeEntityExtracted          = "EntityExtracted"
	TypeRelationshipDiscovered   = "RelationshipDiscovered"
	TypeExtractionCompleted      = "ExtractionCompleted"
	TypeExtractionFailed         = "ExtractionFailed"
	TypeExtractionRetryScheduled = "ExtractionRetryScheduled"
)

// ExtractionRequestedEvent is fired when a page is queued for extraction.
type ExtractionRequestedEvent struct {
	BaseEvent
	PageID           string                 `json:"page_id"`
	PageURL          string                 `json:"page_url"`
	ContentHash      string                 `json:"content_hash"`
	ExtractionConfig map[string]interface{} `json:"extraction_config,omitempty"`
	RequestedAt      time.Time              `json:"requested_at"`
}

// NewExtractionRequestedEvent creates a new ExtractionRequestedEvent.
func NewExtractionRequestedEvent(processID, tenantID, pageID, pageURL, contentHash string, config map[string]interface{}, version int) *ExtractionRequestedEvent {
	return &ExtractionRequestedEvent{
		BaseEvent:        newBaseEvent(TypeExtractionRequested, processID, AggregateExtraction, tenantID, "", version),
		PageID:           pageID,
		PageURL:          pageURL,
		ContentHash:      contentHash,
		ExtractionConfig: config,
		RequestedAt:      time.Now().UTC(),
	}
}

// EventData returns the event-specific data.
func (e *ExtractionRequestedEvent) EventData() map[string]interface{} {
	return map[string]interface{}{
		"page_id":           e.PageID,
		"page_url":          e.PageURL,
		"content_hash":      e.ContentHash,
		"extraction_config": e.ExtractionConfig,
		"requested_at":      e.RequestedAt,
	}
}

// ExtractionStartedEvent is fired when a worker claims the extraction.
type ExtractionStartedEvent struct {
	BaseEvent
	PageID    string    `json:"page_id"`
	WorkerID  string    `json:"worker_id"`
	StartedAt time.Time `json:"started_at"`
}

// NewExtractionStartedEvent creates a new ExtractionStartedEvent.
func NewExtractionStartedEvent(processID, tenantID, pageID, workerID string, version int) *ExtractionStartedEvent {
	return &ExtractionStartedEvent{
		BaseEvent: newBaseEvent(TypeExtractionStarted, processID, AggregateExtraction, tenantID, workerID, version),
		PageID:    pageID,
		WorkerID:  workerID,
		StartedAt: time.Now().UTC(),
	}
}

// EventData returns the event-specific data.
func (e *ExtractionStartedEvent) EventData() map[string]interface{} {
	return map[string]interface{}{
		"page_id":    e.PageID,
		"worker_id":  e.WorkerID,
		"started_at": e.StartedAt,
	}
}

// EntityExtractedEvent is fired for every entity the pipeline keeps after
// cross-chunk merging. EntityID is assigned by the aggregate command and is
// authoritative for the read model.
type EntityExtractedEvent struct {
	BaseEvent
	EntityID         string                 `json:"entity_id"`
	SourcePageID     string                 `json:"source_page_id"`
	EntityType       string                 `json:"entity_type"`
	Name             string                 `json:"name"`
	NormalizedName   string                 `json:"normalized_name"`
	Description      string                 `json:"description,omitempty"`
	Properties       map[string]interface{} `json:"properties,omitempty"`
	Confidence       float64                `json:"confidence"`
	ExtractionMethod string                 `json:"extraction_method"`
	SourceText       string                 `json:"source_text,omitempty"`
}

// NewEntityExtractedEvent creates a new EntityExtractedEvent.
func NewEntityExtractedEvent(processID, tenantID, entityID, pageID, entityType, name, normalizedName, description string, properties map[string]interface{}, confidence float64, extractionMethod, sourceText string, version int) *EntityExtractedEvent {
	return &EntityExtractedEvent{
		BaseEvent:        newBaseEvent(TypeEntityExtracted, processID, AggregateExtraction, tenantID, "", version),
		EntityID:         entityID,
		SourcePageID:     pageID,
		EntityType:       entityType,
		Name:             name,
		NormalizedName:   normalizedName,
		Description:      description,
		Properties:       properties,
		Confidence:       confidence,
		ExtractionMethod: extractionMethod,
		SourceText:       sourceText,
	}
}

// EventData returns the event-specific data.
func (e *EntityExtractedEvent) EventData() map[string]interface{} {
	return map[string]interface{}{
		"entity_id":         e.EntityID,
		"source_page_id":    e.SourcePageID,
		"entity_type":       e.EntityType,
		"name":              e.Name,
		"normalized_name":   e.NormalizedName,
		"description":       e.Description,
		"properties":        e.Properties,
		"confidence":        e.Confidence,
		"extraction_method": e.ExtractionMethod,
		"source_text":       e.SourceText,
	}
}

// RelationshipDiscoveredEvent is fired for every relationship surviving the
// cross-chunk remap. Endpoints are names, resolved against the read model by
// the graph projection.
type RelationshipDiscoveredEvent struct {
	BaseEvent
	RelationshipID   string  `json:"relationship_id"`
	PageID           string  `json:"page_id"`
	SourceEntityName string  `json:"source_entity_name"`
	TargetEntityName string  `json:"target_entity_name"`
	RelationshipType string  `json:"relationship_type"`
	ConfidenceScore  float64 `json:"confidence_score"`
	Context          string  `json:"context,omitempty"`
}

// NewRelationshipDiscoveredEvent creates a new RelationshipDiscoveredEvent.
func NewRelationshipDiscoveredEvent(processID, tenantID, relationshipID, pageID, sourceName, targetName, relationshipType string, confidence float64, context string, version int) *RelationshipDiscoveredEvent {
	return &RelationshipDiscoveredEvent{
		BaseEvent:        newBaseEvent(TypeRelationshipDiscovered, processID, AggregateExtraction, tenantID, "", version),
		RelationshipID:   relationshipID,
		PageID:           pageID,
		SourceEntityName: sourceName,
		TargetEntityName: targetName,
		RelationshipType: relationshipType,
		ConfidenceScore:  confidence,
		Context:          context,
	}
}

// EventData returns the event-specific data.
func (e *RelationshipDiscoveredEvent) EventData() map[string]interface{} {
	return map[string]interface{}{
		"relationship_id":    e.RelationshipID,
		"page_id":            e.PageID,
		"source_entity_name": e.SourceEntityName,
		"target_entity_name": e.TargetEntityName,
		"relationship_type":  e.RelationshipType,
		"confidence_score":   e.ConfidenceScore,
		"context":            e.Context,
	}
}

// ExtractionCompletedEvent closes a successful extraction.
type ExtractionCompletedEvent struct {
	BaseEvent
	EntityCount       int       `json:"entity_count"`
	RelationshipCount int       `json:"relationship_count"`
	DurationMs        int64     `json:"duration_ms"`
	ExtractionMethod  string    `json:"extraction_method"`
	CompletedAt       time.Time `json:"completed_at"`
}

// NewExtractionCompletedEvent creates a new ExtractionCompletedEvent.
func NewExtractionCompletedEvent(processID, tenantID string, entityCount, relationshipCount int, durationMs int64, extractionMethod string, version int) *ExtractionCompletedEvent {
	return &ExtractionCompletedEvent{
		BaseEvent:         newBaseEvent(TypeExtractionCompleted, processID, AggregateExtraction, tenantID, "", version),
		EntityCount:       entityCount,
		RelationshipCount: relationshipCount,
		DurationMs:        durationMs,
		ExtractionMethod:  extractionMethod,
		CompletedAt:       time.Now().UTC(),
	}
}

// EventData returns the event-specific data.
func (e *ExtractionCompletedEvent) EventData() map[string]interface{} {
	return map[string]interface{}{
		"entity_count":       e.EntityCount,
		"relationship_count": e.RelationshipCount,
		"duration_ms":        e.DurationMs,
		"extraction_method":  e.ExtractionMethod,
		"completed_at":       e.CompletedAt,
	}
}

// ExtractionFailedEvent closes a failed extraction.
type ExtractionFailedEvent struct {
	BaseEvent
	ErrorMessage string `json:"error_message"`
	ErrorType    string `json:"error_type"`
	Retryable    bool   `json:"retryable"`
}

// NewExtractionFailedEvent creates a new ExtractionFailedEvent.
func NewExtractionFailedEvent(processID, tenantID, errorMessage, errorType string, retryable bool, version int) *ExtractionFailedEvent {
	return &ExtractionFailedEvent{
		BaseEvent:    newBaseEvent(TypeExtractionFailed, processID, AggregateExtraction, tenantID, "", version),
		ErrorMessage: errorMessage,
		ErrorType:    errorType,
		Retryable:    retryable,
	}
}

// EventData returns the event-specific data.
func (e *ExtractionFailedEvent) EventData() map[string]interface{} {
	return map[string]interface{}{
		"error_message": e.ErrorMessage,
		"error_type":    e.ErrorType,
		"retryable":     e.Retryable,
	}
}

// ExtractionRetryScheduledEvent records a backoff decision after a retryable failure.
type ExtractionRetryScheduledEvent struct {
	BaseEvent
	ScheduledFor   time.Time `json:"scheduled_for"`
	BackoffSeconds int       `json:"backoff_seconds"`
}

// NewExtractionRetryScheduledEvent creates a new ExtractionRetryScheduledEvent.
func NewExtractionRetryScheduledEvent(processID, tenantID string, scheduledFor time.Time, backoffSeconds, version int) *ExtractionRetryScheduledEvent {
	return &ExtractionRetryScheduledEvent{
		BaseEvent:      newBaseEvent(TypeExtractionRetryScheduled, processID, AggregateExtraction, tenantID, "", version),
		ScheduledFor:   scheduledFor,
		BackoffSeconds: backoffSeconds,
	}
}

// EventData returns the event-specific data.
func (e *ExtractionRetryScheduledEvent) EventData() map[string]interface{} {
	return map[string]interface{}{
		"scheduled_for":   e.ScheduledFor,
		"backoff_seconds": e.BackoffSeconds,
	}
}

func init() {
	Register(TypeExtractionRequested, func(env Envelope) (DomainEvent, error) {
		var e ExtractionRequestedEvent
		if err := decodePayload(env, &e, &e.BaseEvent); err != nil {
			return nil, err
		}
		return &e, nil
	})
	Register(TypeExtractionStarted, func(env Envelope) (DomainEvent, error) {
		var e ExtractionStartedEvent
		if err := decodePayload(env, &e, &e.BaseEvent); err != nil {
			return nil, err
		}
		return &e, nil
	})
	Register(TypeEntityExtracted, func(env Envelope) (DomainEvent, error) {
		var e EntityExtractedEvent
		if err := decodePayload(env, &e, &e.BaseEvent); err != nil {
			return nil, err
		}
		return &e, nil
	})
	Register(TypeRelationshipDiscovered, func(env Envelope) (DomainEvent, error) {
		var e RelationshipDiscoveredEvent
		if err := decodePayload(env, &e, &e.BaseEvent); err != nil {
			return nil, err
		}
		return &e, nil
	})
	Register(TypeExtractionCompleted, func(env Envelope) (DomainEvent, error) {
		var e ExtractionCompletedEvent
		if err := decodePayload(env, &e, &e.BaseEvent); err != nil {
			return nil, err
		}
		return &e, nil
	})
	Register(TypeExtractionFailed, func(env Envelope) (DomainEvent, error) {
		var e ExtractionFailedEvent
		if err := decodePayload(env, &e, &e.BaseEvent); err != nil {
			return nil, err
		}
		return &e, nil
	})
	Register(TypeExtractionRetryScheduled, func(env Envelope) (DomainEvent, error) {
		var e ExtractionRetryScheduledEvent
		if err := decodePayload(env, &e, &e.BaseEvent); err != nil {
			return nil, err
		}
		return &e, nil
	})
}
