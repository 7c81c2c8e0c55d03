package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"cartograph-backend/application/ports"
	"cartograph-backend/domain/schema"
	"cartograph-backend/internal/config"
)

// Alternative is a classification the floor rejected, preserved so a human
// can see what the model actually thought.
type Alternative struct {
	Domain     string  `json:"domain"`
	Confidence float64 `json:"confidence"`
}

// Classification is the outcome of domain detection. Confidence 0 with
// FallbackUsed means classification never produced a usable answer.
type Classification struct {
	Domain       string
	Confidence   float64
	Reasoning    string
	Alternatives []Alternative
	FallbackUsed bool
}

// PII-shaped content is redacted before any sample leaves the process.
var (
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`)
	ssnPattern   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\d[\d().\s-]{7,}\d`)
)

const classifierSystem = `You classify text into one of a fixed list of content domains. Respond ONLY with a JSON object of the form {"domain": "<id>", "confidence": <0..1>, "reasoning": "<one sentence>"} and nothing else.`

// Classifier detects the content domain of a text sample. It never returns
// an error: every failure path degrades to the configured fallback domain
// with confidence 0 so extraction can proceed schema-free.
type Classifier struct {
	provider ports.LLMProvider
	registry *schema.Registry
	config   config.ClassifierConfig
	model    string
	logger   *zap.Logger
}

func NewClassifier(provider ports.LLMProvider, registry *schema.Registry, cfg config.ClassifierConfig, model string, logger *zap.Logger) *Classifier {
	return &Classifier{
		provider: provider,
		registry: registry,
		config:   cfg,
		model:    model,
		logger:   logger.Named("classifier"),
	}
}

// Classify runs the sanitize -> truncate -> prompt -> parse -> validate ->
// floor pipeline over one text sample.
func (c *Classifier) Classify(ctx context.Context, sample string) Classification {
	text := truncateRunes(Sanitize(sample), c.config.MaxChars)
	if len([]rune(text)) < c.config.MinChars {
		return c.fallback("sample shorter than classification minimum", nil)
	}

	domains, err := c.registry.List()
	if err != nil || len(domains) == 0 {
		c.logger.Warn("domain registry unavailable for classification", zap.Error(err))
		return c.fallback("domain registry unavailable", nil)
	}

	response, err := c.provider.Complete(ctx, ports.CompletionRequest{
		System:      classifierSystem,
		Prompt:      classifierPrompt(domains, text),
		Model:       c.model,
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.config.Temperature,
	})
	if err != nil {
		c.logger.Warn("classification call failed", zap.Error(err))
		return c.fallback("classifier call failed", nil)
	}

	parsed, err := parseClassification(response)
	if err != nil {
		c.logger.Warn("classification response unparseable", zap.Error(err))
		return c.fallback("classifier response unparseable", nil)
	}
	parsed.Domain = schema.NormalizeDomainID(parsed.Domain)
	parsed.Confidence = clampConfidence(parsed.Confidence)

	if _, err := c.registry.Get(parsed.Domain); err != nil {
		c.logger.Info("classifier proposed unknown domain",
			zap.String("domain", parsed.Domain),
			zap.Float64("confidence", parsed.Confidence))
		return c.fallback(
			fmt.Sprintf("classifier proposed unregistered domain %q", parsed.Domain),
			[]Alternative{{Domain: parsed.Domain, Confidence: parsed.Confidence}},
		)
	}

	if parsed.Confidence < c.config.ConfidenceThreshold {
		return c.fallback(
			fmt.Sprintf("confidence %.2f below floor %.2f", parsed.Confidence, c.config.ConfidenceThreshold),
			[]Alternative{{Domain: parsed.Domain, Confidence: parsed.Confidence}},
		)
	}

	return Classification{
		Domain:     parsed.Domain,
		Confidence: parsed.Confidence,
		Reasoning:  parsed.Reasoning,
	}
}

func (c *Classifier) fallback(reason string, alternatives []Alternative) Classification {
	return Classification{
		Domain:       schema.NormalizeDomainID(c.config.FallbackDomain),
		Confidence:   0,
		Reasoning:    reason,
		Alternatives: alternatives,
		FallbackUsed: true,
	}
}

// Sanitize redacts PII-shaped substrings from a sample. Card and SSN shapes
// go first so the broader phone pattern cannot eat them.
func Sanitize(sample string) string {
	out := cardPattern.ReplaceAllString(sample, "[redacted-number]")
	out = ssnPattern.ReplaceAllString(out, "[redacted-number]")
	out = emailPattern.ReplaceAllString(out, "[redacted-email]")
	out = phonePattern.ReplaceAllString(out, "[redacted-phone]")
	return out
}

func classifierPrompt(domains []*schema.DomainSchema, sample string) string {
	sorted := append([]*schema.DomainSchema(nil), domains...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].DomainID < sorted[j].DomainID })

	var b strings.Builder
	b.WriteString("Classify the following text into exactly one of these content domains:\n\n")
	for _, d := range sorted {
		fmt.Fprintf(&b, "- %s: %s", d.DomainID, d.DisplayName)
		if d.Description != "" {
			fmt.Fprintf(&b, " (%s)", d.Description)
		}
		b.WriteString("\n")
	}
	b.WriteString("\nText:\n")
	b.WriteString(sample)
	return b.String()
}

type wireClassification struct {
	Domain     string  `json:"domain"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

func parseClassification(response string) (*wireClassification, error) {
	payload, err := extractJSONObject(response)
	if err != nil {
		return nil, err
	}
	var parsed wireClassification
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return nil, err
	}
	return &parsed, nil
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
