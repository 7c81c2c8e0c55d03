package extraction

import (
	"encoding/json"
	"strings"

	"cartograph-backend/domain/schema"
	"cartograph-backend/internal/errors"
)

// ParsedEntity is one entity as reported by the extractor model for a chunk.
type ParsedEntity struct {
	Name        string
	EntityType  string
	Description string
	Properties  map[string]interface{}
	Confidence  float64
	SourceText  string
	ChunkIndex  int
}

// ParsedRelationship is one relationship between two named entities.
type ParsedRelationship struct {
	SourceName       string
	TargetName       string
	RelationshipType string
	Confidence       float64
	Context          string
}

// ExtractionResult is the validated outcome of parsing one model response.
type ExtractionResult struct {
	Entities      []ParsedEntity
	Relationships []ParsedRelationship
}

type wirePayload struct {
	Entities      []wireEntity       `json:"entities"`
	Relationships []wireRelationship `json:"relationships"`
}

type wireEntity struct {
	Name        string                 `json:"name"`
	EntityType  string                 `json:"entity_type"`
	Description string                 `json:"description"`
	Properties  map[string]interface{} `json:"properties"`
	Confidence  float64                `json:"confidence"`
	SourceText  string                 `json:"source_text"`
}

type wireRelationship struct {
	Source           string  `json:"source"`
	Target           string  `json:"target"`
	RelationshipType string  `json:"relationship_type"`
	Confidence       float64 `json:"confidence"`
	Context          string  `json:"context"`
}

// ParseExtraction decodes a model response for one chunk. Models wrap JSON
// in prose or markdown fences more often than not, so the first balanced
// JSON object in the text is what gets decoded. When a domain schema is
// supplied, entities of unknown types and items below the schema's
// confidence thresholds are dropped rather than failing the chunk.
func ParseExtraction(raw string, chunkIndex int, domainSchema *schema.DomainSchema) (*ExtractionResult, error) {
	payload, err := extractJSONObject(raw)
	if err != nil {
		return nil, err
	}

	var wire wirePayload
	if err := json.Unmarshal([]byte(payload), &wire); err != nil {
		return nil, errors.Validation("EXTRACTION_PARSE", "extraction response is not valid JSON").
			WithCause(err).
			Build()
	}

	result := &ExtractionResult{}
	kept := make(map[string]bool, len(wire.Entities))
	for _, e := range wire.Entities {
		name := strings.TrimSpace(e.Name)
		entityType := strings.TrimSpace(e.EntityType)
		if name == "" || entityType == "" {
			continue
		}
		confidence := clampConfidence(e.Confidence)
		if domainSchema != nil {
			if !domainSchema.SupportsEntityType(entityType) {
				continue
			}
			if confidence < domainSchema.ConfidenceThresholds.EntityExtraction {
				continue
			}
		}
		result.Entities = append(result.Entities, ParsedEntity{
			Name:        name,
			EntityType:  entityType,
			Description: strings.TrimSpace(e.Description),
			Properties:  e.Properties,
			Confidence:  confidence,
			SourceText:  strings.TrimSpace(e.SourceText),
			ChunkIndex:  chunkIndex,
		})
		kept[name] = true
	}

	relTypes := map[string]bool{}
	if domainSchema != nil {
		for _, id := range domainSchema.RelationshipTypeIDs() {
			relTypes[id] = true
		}
	}
	for _, r := range wire.Relationships {
		source := strings.TrimSpace(r.Source)
		target := strings.TrimSpace(r.Target)
		relType := strings.TrimSpace(r.RelationshipType)
		if source == "" || target == "" || relType == "" || source == target {
			continue
		}
		// Relationships must reference entities the same response reported.
		if !kept[source] || !kept[target] {
			continue
		}
		confidence := clampConfidence(r.Confidence)
		if domainSchema != nil {
			if !relTypes[relType] {
				continue
			}
			if confidence < domainSchema.ConfidenceThresholds.RelationshipExtraction {
				continue
			}
		}
		result.Relationships = append(result.Relationships, ParsedRelationship{
			SourceName:       source,
			TargetName:       target,
			RelationshipType: relType,
			Confidence:       confidence,
			Context:          strings.TrimSpace(r.Context),
		})
	}

	return result, nil
}

// extractJSONObject returns the first top-level JSON object in the text,
// stripping markdown fences first.
func extractJSONObject(raw string) (string, error) {
	text := strings.TrimSpace(raw)
	if idx := strings.Index(text, "```"); idx >= 0 {
		text = text[idx+3:]
		text = strings.TrimPrefix(text, "json")
		if end := strings.Index(text, "```"); end >= 0 {
			text = text[:end]
		}
		text = strings.TrimSpace(text)
	}

	start := strings.Index(text, "{")
	if start < 0 {
		return "", errors.Validation("EXTRACTION_PARSE", "no JSON object in extraction response").Build()
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", errors.Validation("EXTRACTION_PARSE", "unterminated JSON object in extraction response").Build()
}

func clampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
