package ports

import (
	"context"
	"time"

	"cartograph-backend/domain/consolidation"
	"cartograph-backend/domain/extraction"
)

// EntityRepository reads the extracted-entities read model. Content writes
// happen only through projection handlers; the narrow EntityWriter covers
// the two maintenance paths that bypass projections.
type EntityRepository interface {
	// GetByID returns one entity of the tenant.
	GetByID(ctx context.Context, tenantID, id string) (*consolidation.ExtractedEntity, error)

	// GetByIDs returns the subset of ids that exist, in no particular order.
	GetByIDs(ctx context.Context, tenantID string, ids []string) ([]*consolidation.ExtractedEntity, error)

	// FindBySourcePageAndName resolves an entity by its extraction page and
	// exact name, nil when absent. Used by graph sync endpoint resolution.
	FindBySourcePageAndName(ctx context.Context, tenantID, pageID, name string) (*consolidation.ExtractedEntity, error)

	// ListCanonical pages through canonical entities of a tenant, optionally
	// filtered by entity type, ordered by creation.
	ListCanonical(ctx context.Context, tenantID, entityType string, limit, offset int) ([]*consolidation.ExtractedEntity, error)

	// CountCanonical sizes a batch consolidation run up front.
	CountCanonical(ctx context.Context, tenantID, entityType string) (int, error)

	// ListUnsynced returns entities not yet mirrored to the graph store.
	ListUnsynced(ctx context.Context, tenantID string, limit int) ([]*consolidation.ExtractedEntity, error)
}

// EntityWriter mutates the extracted-entities read model outside the
// projection pipeline: graph sync bookkeeping and the synchronous
// restore step of a merge undo, which must land before the MergeUndone
// event is appended so the graph projection can read the restored rows.
type EntityWriter interface {
	// MarkSynced records the graph node id after a successful mirror write.
	MarkSynced(ctx context.Context, tenantID, entityID, nodeID string) error

	// RestoreCanonical promotes previously merged entities back to
	// canonical, clearing their alias pointers.
	RestoreCanonical(ctx context.Context, tenantID string, ids []string) error
}

// CandidateBlocker generates merge candidates for a source entity using the
// OR-combined blocking predicates.
type CandidateBlocker interface {
	Candidates(ctx context.Context, source *consolidation.ExtractedEntity, settings *consolidation.Settings) (*consolidation.BlockingResult, error)
}

// RelationshipRepository reads the entity-relationships read model.
type RelationshipRepository interface {
	// ListByEntity returns relationships where the entity is source or
	// target.
	ListByEntity(ctx context.Context, tenantID, entityID string) ([]*consolidation.EntityRelationship, error)

	// CountByEntity returns how many relationships touch the entity.
	CountByEntity(ctx context.Context, tenantID, entityID string) (int, error)
}

// ReviewRepository reads the merge-review queue.
type ReviewRepository interface {
	GetByID(ctx context.Context, tenantID, id string) (*consolidation.MergeReviewItem, error)

	// List filters and pages the queue, ordered by review priority then
	// confidence, both descending.
	List(ctx context.Context, tenantID string, filter consolidation.ReviewFilter) ([]*consolidation.MergeReviewItem, error)

	// Stats summarizes the queue for one tenant.
	Stats(ctx context.Context, tenantID string) (*consolidation.ReviewStats, error)
}

// MergeHistoryRepository reads the materialized merge history.
type MergeHistoryRepository interface {
	// GetByMergeEventID returns the record for an EntitiesMerged event, nil
	// when unknown.
	GetByMergeEventID(ctx context.Context, tenantID, mergeEventID string) (*consolidation.MergeRecord, error)

	List(ctx context.Context, tenantID string, limit, offset int) ([]*consolidation.MergeRecord, error)
}

// SettingsRepository reads per-tenant consolidation settings.
type SettingsRepository interface {
	// Get returns the tenant's settings, falling back to defaults when the
	// tenant never customized them.
	Get(ctx context.Context, tenantID string) (*consolidation.Settings, error)
}

// JobRepository persists scraping jobs.
type JobRepository interface {
	Get(ctx context.Context, tenantID, jobID string) (*extraction.Job, error)
	Create(ctx context.Context, job *extraction.Job) error

	// UpdateClassification persists an auto-detected domain back onto the
	// job together with the schema snapshot that will make re-runs
	// reproducible.
	UpdateClassification(ctx context.Context, tenantID, jobID, contentDomain string, confidence float64, snapshot []byte) error
}

// PageRepository persists scraped pages.
type PageRepository interface {
	Get(ctx context.Context, tenantID, pageID string) (*extraction.Page, error)
	Upsert(ctx context.Context, page *extraction.Page) error
	UpdateStatus(ctx context.Context, tenantID, pageID string, status extraction.PageStatus) error

	// ListPending returns pages waiting for extraction, oldest first.
	ListPending(ctx context.Context, tenantID string, limit int) ([]*extraction.Page, error)

	// ClaimPending atomically claims due pending pages across all tenants
	// and marks them extracting, so concurrent intake workers never pick
	// the same page twice.
	ClaimPending(ctx context.Context, limit int) ([]*extraction.Page, error)

	// Requeue returns a page to pending, claimable no earlier than at.
	Requeue(ctx context.Context, tenantID, pageID string, at time.Time) error
}

// GraphStore is the graph-side mirror of canonical entities and their
// relationships. All operations are idempotent and tenant-scoped.
type GraphStore interface {
	// UpsertEntity creates or updates the entity node and returns the
	// graph-native node identifier.
	UpsertEntity(ctx context.Context, entity *consolidation.ExtractedEntity) (string, error)

	// UpsertRelationship creates the typed relationship between two entity
	// nodes and returns its graph-native identifier.
	UpsertRelationship(ctx context.Context, tenantID, relationshipID, sourceEntityID, targetEntityID, relationshipType string, confidence float64, properties map[string]interface{}) (string, error)

	// TransferRelationships redirects every edge of mergedID onto
	// canonicalID with provenance annotations, skipping would-be self loops,
	// and returns the number of transferred edges.
	TransferRelationships(ctx context.Context, tenantID, mergedID, canonicalID string) (int, error)

	// DeleteEntity removes the entity node and any remaining edges.
	DeleteEntity(ctx context.Context, tenantID, entityID string) error

	// RestorePlaceholder recreates a node for an entity restored by undo,
	// annotated as restored; relationships are not recreated.
	RestorePlaceholder(ctx context.Context, tenantID, entityID, name, entityType, restoredFrom string) error

	// ReassignRelationships moves the original entity's edges onto split
	// entities per assignments (relationship id to new entity id); edges
	// without an assignment go to defaultEntityID. Returns moved count.
	ReassignRelationships(ctx context.Context, tenantID, originalID string, assignments map[string]string, defaultEntityID string) (int, error)

	// AnnotateEntity sets extra properties on an existing entity node.
	// Missing nodes are ignored.
	AnnotateEntity(ctx context.Context, tenantID, entityID string, props map[string]interface{}) error

	// RecordMergeMetadata stamps merge provenance onto the canonical node.
	// Replaying the same merge event is a no-op.
	RecordMergeMetadata(ctx context.Context, tenantID, canonicalID, mergeEventID string, mergedNames []string, mergedCount int) error

	// Neighborhood returns the entity's direct neighborhood, capped.
	Neighborhood(ctx context.Context, tenantID, entityID string, cap int) (*consolidation.Neighborhood, error)

	// NeighborhoodBatch bulk-loads neighborhoods for scoring.
	NeighborhoodBatch(ctx context.Context, tenantID string, entityIDs []string, cap int) (map[string]*consolidation.Neighborhood, error)

	// EnsureSchema creates indexes idempotently at startup.
	EnsureSchema(ctx context.Context) error

	// Clear removes every entity node and relationship for a projection
	// replay. The relational log remains the source of truth.
	Clear(ctx context.Context) error

	Ping(ctx context.Context) error
}
