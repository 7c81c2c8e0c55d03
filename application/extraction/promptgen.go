package extraction

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"cartograph-backend/domain/schema"
	"cartograph-backend/internal/errors"
)

// LegacySystemPrompt is the schema-free extractor role used when a job has
// no content domain. The JSON shape matches what the parser expects so both
// strategies share one decode path.
const LegacySystemPrompt = `You are a knowledge extraction system. Extract named entities and the relationships between them from the provided text.

For every entity report: name, entity_type (a short lowercase identifier you choose), description (one sentence), properties (an object of notable attributes), confidence (0 to 1), and source_text (the snippet the entity came from).

For every relationship report: source and target (entity names you extracted), relationship_type (a short lowercase identifier), confidence (0 to 1), and context (the sentence supporting it).

Respond ONLY with a JSON object of the form {"entities": [...], "relationships": [...]} and nothing else.`

// BuildSystemPrompt renders the schema-aware extractor role for one domain.
// Pure and deterministic: type lists are sorted by id regardless of schema
// file order.
func BuildSystemPrompt(s *schema.DomainSchema) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a knowledge extraction system for the %s domain (%s).\n", s.DisplayName, s.DomainID)
	if s.Description != "" {
		b.WriteString(s.Description)
		b.WriteString("\n")
	}
	b.WriteString("Extract entities and relationships from the provided text.\n\n")

	b.WriteString("Entity types you may extract:\n")
	for _, et := range sortedEntityTypes(s) {
		fmt.Fprintf(&b, "- %s (%s)", et.ID, et.DisplayName)
		if et.Description != "" {
			fmt.Fprintf(&b, ": %s", et.Description)
		}
		if len(et.PropertyHints) > 0 {
			hints := append([]string(nil), et.PropertyHints...)
			sort.Strings(hints)
			fmt.Fprintf(&b, " [useful properties: %s]", strings.Join(hints, ", "))
		}
		b.WriteString("\n")
	}

	if len(s.RelationshipTypes) > 0 {
		b.WriteString("\nRelationship types you may extract:\n")
		for _, rt := range sortedRelationshipTypes(s) {
			fmt.Fprintf(&b, "- %s (%s)", rt.ID, rt.DisplayName)
			if rt.Description != "" {
				fmt.Fprintf(&b, ": %s", rt.Description)
			}
			if len(rt.AllowedPairs) > 0 {
				pairs := make([]string, 0, len(rt.AllowedPairs))
				for _, p := range rt.AllowedPairs {
					pairs = append(pairs, p.Source+" -> "+p.Target)
				}
				sort.Strings(pairs)
				fmt.Fprintf(&b, " [allowed: %s]", strings.Join(pairs, "; "))
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("\nRules:\n")
	b.WriteString("- Extract ONLY entities and relationships of the listed types.\n")
	fmt.Fprintf(&b, "- Omit entities with confidence below %.2f and relationships below %.2f.\n",
		s.ConfidenceThresholds.EntityExtraction, s.ConfidenceThresholds.RelationshipExtraction)
	b.WriteString("- Entity fields: name, entity_type, description, properties, confidence, source_text.\n")
	b.WriteString("- Relationship fields: source, target, relationship_type, confidence, context; source and target must be names of entities you extracted.\n")
	b.WriteString(`- Respond ONLY with a JSON object of the form {"entities": [...], "relationships": [...]} and nothing else.`)
	b.WriteString("\n")
	return b.String()
}

// BuildOutputSchema renders a JSON Schema equivalent of the system prompt
// for providers that support schema-constrained decoding. Map keys marshal
// sorted, so identical inputs produce identical bytes.
func BuildOutputSchema(s *schema.DomainSchema) ([]byte, error) {
	entityTypeIDs := make([]string, 0, len(s.EntityTypes))
	for _, et := range sortedEntityTypes(s) {
		entityTypeIDs = append(entityTypeIDs, et.ID)
	}
	relTypeIDs := make([]string, 0, len(s.RelationshipTypes))
	for _, rt := range sortedRelationshipTypes(s) {
		relTypeIDs = append(relTypeIDs, rt.ID)
	}

	confidence := map[string]interface{}{"type": "number", "minimum": 0, "maximum": 1}
	entityItem := map[string]interface{}{
		"type":     "object",
		"required": []string{"name", "entity_type", "confidence"},
		"properties": map[string]interface{}{
			"name":        map[string]interface{}{"type": "string"},
			"entity_type": map[string]interface{}{"type": "string", "enum": entityTypeIDs},
			"description": map[string]interface{}{"type": "string"},
			"properties":  map[string]interface{}{"type": "object"},
			"confidence":  confidence,
			"source_text": map[string]interface{}{"type": "string"},
		},
	}
	relationshipItem := map[string]interface{}{
		"type":     "object",
		"required": []string{"source", "target", "relationship_type", "confidence"},
		"properties": map[string]interface{}{
			"source":            map[string]interface{}{"type": "string"},
			"target":            map[string]interface{}{"type": "string"},
			"relationship_type": map[string]interface{}{"type": "string", "enum": relTypeIDs},
			"confidence":        confidence,
			"context":           map[string]interface{}{"type": "string"},
		},
	}
	root := map[string]interface{}{
		"type":     "object",
		"required": []string{"entities", "relationships"},
		"properties": map[string]interface{}{
			"entities":      map[string]interface{}{"type": "array", "items": entityItem},
			"relationships": map[string]interface{}{"type": "array", "items": relationshipItem},
		},
	}

	out, err := json.Marshal(root)
	if err != nil {
		return nil, errors.Internal("OUTPUT_SCHEMA_MARSHAL", "cannot marshal output schema").
			WithResource(s.DomainID).
			WithCause(err).
			Build()
	}
	return out, nil
}

func sortedEntityTypes(s *schema.DomainSchema) []schema.EntityType {
	out := append([]schema.EntityType(nil), s.EntityTypes...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedRelationshipTypes(s *schema.DomainSchema) []schema.RelationshipType {
	out := append([]schema.RelationshipType(nil), s.RelationshipTypes...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
