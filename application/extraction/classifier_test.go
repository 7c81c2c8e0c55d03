package extraction

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cartograph-backend/application/ports"
	"cartograph-backend/domain/schema"
	"cartograph-backend/internal/config"
	"cartograph-backend/internal/errors"
)

type fakeLLM struct {
	responses []string
	requests  []ports.CompletionRequest
	err       error
}

func (f *fakeLLM) Complete(_ context.Context, req ports.CompletionRequest) (string, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	if len(f.responses) == 0 {
		return "", errors.External("NO_RESPONSE", "fake exhausted").Build()
	}
	response := f.responses[0]
	f.responses = f.responses[1:]
	return response, nil
}

const classifierMuseumYAML = `
domain_id: museum
display_name: Museum Collections
version: 1
entity_types:
  - id: artifact
    display_name: Artifact
`

func newTestRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "museum.yaml"), []byte(classifierMuseumYAML), 0o644))
	registry := schema.NewRegistry(dir, false, nil)
	require.NoError(t, registry.Load())
	return registry
}

func classifierConfig() config.ClassifierConfig {
	return config.ClassifierConfig{
		MaxChars:            200,
		MinChars:            20,
		ConfidenceThreshold: 0.6,
		FallbackDomain:      "encyclopedia",
		Temperature:         0.1,
		MaxTokens:           256,
	}
}

func newTestClassifier(t *testing.T, provider ports.LLMProvider) *Classifier {
	t.Helper()
	return NewClassifier(provider, newTestRegistry(t), classifierConfig(), "classifier-model", zap.NewNop())
}

func TestSanitize_RedactsPIIShapes(t *testing.T) {
	input := "Contact jane.doe@example.com or +1 (555) 123-4567. SSN 123-45-6789, card 4111 1111 1111 1111."

	out := Sanitize(input)

	assert.NotContains(t, out, "jane.doe@example.com")
	assert.NotContains(t, out, "555) 123-4567")
	assert.NotContains(t, out, "123-45-6789")
	assert.NotContains(t, out, "4111 1111 1111 1111")
	assert.Contains(t, out, "[redacted-email]")
	assert.Contains(t, out, "[redacted-number]")
	assert.Contains(t, out, "Contact")
}

func TestClassifier_ShortSampleShortCircuits(t *testing.T) {
	provider := &fakeLLM{}
	c := newTestClassifier(t, provider)

	result := c.Classify(context.Background(), "too short")

	assert.True(t, result.FallbackUsed)
	assert.Equal(t, "encyclopedia", result.Domain)
	assert.Zero(t, result.Confidence)
	assert.Empty(t, provider.requests, "no provider call for short samples")
}

func TestClassifier_ConfidentResult(t *testing.T) {
	provider := &fakeLLM{responses: []string{
		`{"domain": "Museum", "confidence": 0.92, "reasoning": "describes artifacts and exhibitions"}`,
	}}
	c := newTestClassifier(t, provider)

	result := c.Classify(context.Background(), strings.Repeat("The exhibition catalogue lists artifacts. ", 5))

	assert.False(t, result.FallbackUsed)
	assert.Equal(t, "museum", result.Domain)
	assert.Equal(t, 0.92, result.Confidence)
	assert.Equal(t, "describes artifacts and exhibitions", result.Reasoning)

	require.Len(t, provider.requests, 1)
	req := provider.requests[0]
	assert.Equal(t, "classifier-model", req.Model)
	assert.Equal(t, 0.1, req.Temperature)
	assert.Contains(t, req.Prompt, "- museum: Museum Collections")
	assert.Contains(t, req.Prompt, "- encyclopedia:")
}

func TestClassifier_TruncatesSample(t *testing.T) {
	provider := &fakeLLM{responses: []string{
		`{"domain": "museum", "confidence": 0.9}`,
	}}
	c := newTestClassifier(t, provider)

	sample := strings.Repeat("a", 190) + " TAIL-MARKER " + strings.Repeat("b", 100)
	c.Classify(context.Background(), sample)

	require.Len(t, provider.requests, 1)
	assert.NotContains(t, provider.requests[0].Prompt, "TAIL-MARKER")
}

func TestClassifier_ProviderFailureFallsBack(t *testing.T) {
	provider := &fakeLLM{err: errors.Timeout("LLM_TIMEOUT", "deadline exceeded").Build()}
	c := newTestClassifier(t, provider)

	result := c.Classify(context.Background(), strings.Repeat("plenty of text here ", 5))

	assert.True(t, result.FallbackUsed)
	assert.Equal(t, "encyclopedia", result.Domain)
	assert.Zero(t, result.Confidence)
}

func TestClassifier_UnparseableResponseFallsBack(t *testing.T) {
	provider := &fakeLLM{responses: []string{"I think this is about museums."}}
	c := newTestClassifier(t, provider)

	result := c.Classify(context.Background(), strings.Repeat("plenty of text here ", 5))

	assert.True(t, result.FallbackUsed)
	assert.Equal(t, "encyclopedia", result.Domain)
}

func TestClassifier_UnknownDomainFallsBackWithAlternative(t *testing.T) {
	provider := &fakeLLM{responses: []string{
		`{"domain": "astrology", "confidence": 0.9, "reasoning": "stars"}`,
	}}
	c := newTestClassifier(t, provider)

	result := c.Classify(context.Background(), strings.Repeat("plenty of text here ", 5))

	assert.True(t, result.FallbackUsed)
	assert.Equal(t, "encyclopedia", result.Domain)
	assert.Zero(t, result.Confidence)
	require.Len(t, result.Alternatives, 1)
	assert.Equal(t, "astrology", result.Alternatives[0].Domain)
	assert.Equal(t, 0.9, result.Alternatives[0].Confidence)
}

func TestClassifier_BelowFloorPreservesAlternative(t *testing.T) {
	provider := &fakeLLM{responses: []string{
		`{"domain": "museum", "confidence": 0.4, "reasoning": "weak signal"}`,
	}}
	c := newTestClassifier(t, provider)

	result := c.Classify(context.Background(), strings.Repeat("plenty of text here ", 5))

	assert.True(t, result.FallbackUsed)
	assert.Equal(t, "encyclopedia", result.Domain)
	assert.Zero(t, result.Confidence)
	require.Len(t, result.Alternatives, 1)
	assert.Equal(t, "museum", result.Alternatives[0].Domain)
	assert.Equal(t, 0.4, result.Alternatives[0].Confidence)
}
