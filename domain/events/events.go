// Package events defines the persisted domain events and the type registry
// used to decode them. Every state change in the backend is one of the event
// types declared here; stores and projections never see anything else.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"cartograph-backend/internal/errors"
)

// Aggregate types. Each event belongs to exactly one stream kind.
const (
	AggregateExtraction       = "extraction_process"
	AggregateEntityCluster    = "entity_cluster"
	AggregateMergePair        = "merge_pair"
	AggregateConsolidationJob = "consolidation_job"
	AggregateTenantConfig     = "tenant_config"
)

// DomainEvent represents an important business occurrence in the domain.
type DomainEvent interface {
	// EventID returns a unique identifier for this event instance.
	EventID() string

	// EventType returns the type of event (e.g., "EntityExtracted").
	EventType() string

	// AggregateID returns the ID of the aggregate that generated this event.
	AggregateID() string

	// AggregateType returns the stream kind this event belongs to.
	AggregateType() string

	// TenantID returns the owning tenant, or "" for tenant-global events.
	TenantID() string

	// ActorID returns the user or worker that triggered this event, if any.
	ActorID() string

	// Timestamp returns when the event occurred (UTC).
	Timestamp() time.Time

	// Version returns the version of the aggregate when the event occurred.
	Version() int

	// EventData returns the event-specific data.
	EventData() map[string]interface{}
}

// BaseEvent provides common functionality for all domain events.
type BaseEvent struct {
	eventID       string
	eventType     string
	aggregateID   string
	aggregateType string
	tenantID      string
	actorID       string
	timestamp     time.Time
	version       int
}

// EventID returns the unique event identifier.
func (e BaseEvent) EventID() string {
	return e.eventID
}

// EventType returns the type of event.
func (e BaseEvent) EventType() string {
	return e.eventType
}

// AggregateID returns the aggregate identifier.
func (e BaseEvent) AggregateID() string {
	return e.aggregateID
}

// AggregateType returns the stream kind.
func (e BaseEvent) AggregateType() string {
	return e.aggregateType
}

// TenantID returns the owning tenant identifier.
func (e BaseEvent) TenantID() string {
	return e.tenantID
}

// ActorID returns the triggering user or worker identifier.
func (e BaseEvent) ActorID() string {
	return e.actorID
}

// Timestamp returns the event timestamp.
func (e BaseEvent) Timestamp() time.Time {
	return e.timestamp
}

// Version returns the aggregate version.
func (e BaseEvent) Version() int {
	return e.version
}

// newBaseEvent creates a new base event with common fields.
func newBaseEvent(eventType, aggregateID, aggregateType, tenantID, actorID string, version int) BaseEvent {
	return BaseEvent{
		eventID:       uuid.NewString(),
		eventType:     eventType,
		aggregateID:   aggregateID,
		aggregateType: aggregateType,
		tenantID:      tenantID,
		actorID:       actorID,
		timestamp:     time.Now().UTC(),
		version:       version,
	}
}

// Envelope is the persisted form of an event, as read back from the store.
type Envelope struct {
	EventID       string
	EventType     string
	AggregateID   string
	AggregateType string
	TenantID      string
	ActorID       string
	Timestamp     time.Time
	Version       int
	Payload       []byte
}

// StoredEvent pairs a decoded event with its global replay position.
type StoredEvent struct {
	Event          DomainEvent
	GlobalPosition int64
}

// Stream is the ordered event sequence of one aggregate.
type Stream struct {
	AggregateID   string
	AggregateType string
	Version       int
	Events        []DomainEvent
}

// Snapshot is a point-in-time serialization of aggregate state, used to
// seed replay so that only the event tail after Version must be loaded.
type Snapshot struct {
	AggregateID   string
	AggregateType string
	Version       int
	State         []byte
	CreatedAt     time.Time
}

// MarshalPayload serializes the event-specific fields for persistence.
// The JSON tags on each concrete event type are authoritative; Decode
// unmarshals the same shape back.
func MarshalPayload(event DomainEvent) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, errors.Internal("EVENT_MARSHAL", "failed to serialize event payload").
			WithDetails(event.EventType()).
			WithCause(err).
			Build()
	}
	return data, nil
}

// rehydrateBase rebuilds the BaseEvent of a decoded event from its envelope.
func rehydrateBase(env Envelope) BaseEvent {
	return BaseEvent{
		eventID:       env.EventID,
		eventType:     env.EventType,
		aggregateID:   env.AggregateID,
		aggregateType: env.AggregateType,
		tenantID:      env.TenantID,
		actorID:       env.ActorID,
		timestamp:     env.Timestamp,
		version:       env.Version,
	}
}

// DecodeFunc turns a stored envelope back into its typed event.
type DecodeFunc func(Envelope) (DomainEvent, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]DecodeFunc)
)

// Register adds a decoder for an event type. Called from init() in the
// per-domain event files; tests may register additional types.
func Register(eventType string, decode DecodeFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[eventType] = decode
}

// Registered reports whether a decoder exists for the event type.
func Registered(eventType string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[eventType]
	return ok
}

// RegisteredTypes returns all known event type names.
func RegisteredTypes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	types := make([]string, 0, len(registry))
	for name := range registry {
		types = append(types, name)
	}
	return types
}

// Decode turns an envelope into its typed event. An unknown event type is a
// loud failure: silently skipping it would desynchronize replayed state.
func Decode(env Envelope) (DomainEvent, error) {
	registryMu.RLock()
	decode, ok := registry[env.EventType]
	registryMu.RUnlock()

	if !ok {
		return nil, errors.Internal(errors.CodeUnknownEventType, "no decoder registered for event type").
			WithDetails(env.EventType).
			WithResource(env.AggregateType).
			WithSeverity(errors.SeverityCritical).
			Build()
	}
	return decode(env)
}

// decodePayload unmarshals the envelope payload into the typed event and
// rehydrates its base fields.
func decodePayload(env Envelope, target DomainEvent, base *BaseEvent) error {
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, target); err != nil {
			return errors.Internal("EVENT_DECODE", "failed to decode event payload").
				WithDetails(env.EventType).
				WithCause(err).
				Build()
		}
	}
	*base = rehydrateBase(env)
	return nil
}
