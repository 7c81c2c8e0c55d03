// Package schema loads and serves the declarative domain schemas that drive
// schema-aware extraction. Schemas are YAML files validated at load time;
// after loading, the registry is read-only.
package schema

import (
	"strings"

	"github.com/go-playground/validator/v10"

	"cartograph-backend/internal/errors"
)

// EntityType declares one extractable entity kind within a domain.
type EntityType struct {
	ID            string   `yaml:"id" validate:"required"`
	DisplayName   string   `yaml:"display_name" validate:"required"`
	Description   string   `yaml:"description"`
	PropertyHints []string `yaml:"property_hints"`
}

// TypePair is one allowed (source, target) combination for a relationship.
type TypePair struct {
	Source string `yaml:"source" validate:"required"`
	Target string `yaml:"target" validate:"required"`
}

// RelationshipType declares one extractable relationship kind and which
// entity type pairs it may connect.
type RelationshipType struct {
	ID           string     `yaml:"id" validate:"required"`
	DisplayName  string     `yaml:"display_name" validate:"required"`
	Description  string     `yaml:"description"`
	AllowedPairs []TypePair `yaml:"allowed_pairs" validate:"dive"`
}

// Thresholds are the per-domain confidence floors applied during extraction.
type Thresholds struct {
	EntityExtraction       float64 `yaml:"entity_extraction" json:"entity_extraction" validate:"gte=0,lte=1"`
	RelationshipExtraction float64 `yaml:"relationship_extraction" json:"relationship_extraction" validate:"gte=0,lte=1"`
}

// DomainSchema is one declarative content domain.
type DomainSchema struct {
	DomainID             string             `yaml:"domain_id" validate:"required"`
	DisplayName          string             `yaml:"display_name" validate:"required"`
	Version              int                `yaml:"version" validate:"gte=1"`
	Description          string             `yaml:"description"`
	EntityTypes          []EntityType       `yaml:"entity_types" validate:"min=1,dive"`
	RelationshipTypes    []RelationshipType `yaml:"relationship_types" validate:"dive"`
	ConfidenceThresholds Thresholds         `yaml:"confidence_thresholds"`
}

// NormalizeDomainID canonicalizes a domain identifier for lookups.
func NormalizeDomainID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

var validate = validator.New()

// Validate checks structural validity plus the cross-references the struct
// tags cannot express: unique type IDs and relationship pairs that point at
// declared entity types.
func (s *DomainSchema) Validate() error {
	if err := validate.Struct(s); err != nil {
		return errors.Validation("INVALID_SCHEMA", "domain schema failed validation").
			WithResource(s.DomainID).
			WithCause(err).
			Build()
	}

	entityIDs := make(map[string]bool, len(s.EntityTypes))
	for _, et := range s.EntityTypes {
		id := NormalizeDomainID(et.ID)
		if entityIDs[id] {
			return errors.Validation("DUPLICATE_ENTITY_TYPE", "entity type declared twice").
				WithResource(s.DomainID).
				WithDetails(et.ID).
				Build()
		}
		entityIDs[id] = true
	}

	relIDs := make(map[string]bool, len(s.RelationshipTypes))
	for _, rt := range s.RelationshipTypes {
		id := NormalizeDomainID(rt.ID)
		if relIDs[id] {
			return errors.Validation("DUPLICATE_RELATIONSHIP_TYPE", "relationship type declared twice").
				WithResource(s.DomainID).
				WithDetails(rt.ID).
				Build()
		}
		relIDs[id] = true

		for _, pair := range rt.AllowedPairs {
			if !entityIDs[NormalizeDomainID(pair.Source)] || !entityIDs[NormalizeDomainID(pair.Target)] {
				return errors.Validation("UNDECLARED_PAIR_TYPE", "relationship pair references undeclared entity type").
					WithResource(s.DomainID).
					WithDetails(rt.ID + ": " + pair.Source + " -> " + pair.Target).
					Build()
			}
		}
	}

	return nil
}

// SupportsEntityType reports whether the domain declares the entity type.
func (s *DomainSchema) SupportsEntityType(entityType string) bool {
	want := NormalizeDomainID(entityType)
	for _, et := range s.EntityTypes {
		if NormalizeDomainID(et.ID) == want {
			return true
		}
	}
	return false
}

// EntityTypeIDs returns the declared entity type identifiers in order.
func (s *DomainSchema) EntityTypeIDs() []string {
	ids := make([]string, 0, len(s.EntityTypes))
	for _, et := range s.EntityTypes {
		ids = append(ids, et.ID)
	}
	return ids
}

// RelationshipTypeIDs returns the declared relationship type identifiers in
// order.
func (s *DomainSchema) RelationshipTypeIDs() []string {
	ids := make([]string, 0, len(s.RelationshipTypes))
	for _, rt := range s.RelationshipTypes {
		ids = append(ids, rt.ID)
	}
	return ids
}

// Snapshot captures the reproducibility data persisted onto a scraping job
// when a schema is selected for it.
type Snapshot struct {
	DomainID          string     `json:"domain_id"`
	Version           int        `json:"version"`
	EntityTypes       []string   `json:"entity_types"`
	RelationshipTypes []string   `json:"relationship_types"`
	Thresholds        Thresholds `json:"thresholds"`
}

// Snapshot returns the job-persistable snapshot of this schema.
func (s *DomainSchema) Snapshot() Snapshot {
	return Snapshot{
		DomainID:          s.DomainID,
		Version:           s.Version,
		EntityTypes:       s.EntityTypeIDs(),
		RelationshipTypes: s.RelationshipTypeIDs(),
		Thresholds:        s.ConfidenceThresholds,
	}
}
