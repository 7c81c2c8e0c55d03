package extraction

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPreprocess_StripsHTMLChrome(t *testing.T) {
	page := `<!DOCTYPE html>
<html>
<head><title>Ada Lovelace</title><style>body { color: red; }</style></head>
<body>
<nav><a href="/">Home</a> | <a href="/about">About</a></nav>
<script>console.log("tracking");</script>
<header>Site Header</header>
<main>
  <h1>Ada Lovelace</h1>
  <p>Ada Lovelace was an    English mathematician.</p>
</main>
<footer>Copyright 2026</footer>
</body>
</html>`

	result := Preprocess(page, "text/html")

	assert.Equal(t, MethodHTMLStripped, result.Method)
	assert.Contains(t, result.Text, "Ada Lovelace was an English mathematician.")
	assert.NotContains(t, result.Text, "console.log")
	assert.NotContains(t, result.Text, "color: red")
	assert.NotContains(t, result.Text, "Home")
	assert.NotContains(t, result.Text, "Site Header")
	assert.NotContains(t, result.Text, "Copyright")
}

func TestPreprocess_PlainTextNormalizesWhitespace(t *testing.T) {
	result := Preprocess("  line one\n\n\tline   two  ", "text/plain")

	assert.Equal(t, MethodPlainText, result.Method)
	assert.Equal(t, "line one line two", result.Text)
}

func TestPreprocess_DetectsHTMLWithoutContentType(t *testing.T) {
	result := Preprocess("<html><body><p>Hello world</p></body></html>", "")

	assert.Equal(t, MethodHTMLStripped, result.Method)
	assert.Equal(t, "Hello world", result.Text)
}

func TestPreprocess_EmptyContent(t *testing.T) {
	result := Preprocess("   \n\t ", "text/html")

	assert.Equal(t, MethodPlainText, result.Method)
	assert.Empty(t, result.Text)
}

func TestPreprocess_FallsBackWhenStripYieldsNothing(t *testing.T) {
	// All content lives inside skipped containers, so stripping leaves
	// nothing and the raw markup is better than an empty document.
	page := `<html><body><script>var x = 1;</script></body></html>`

	result := Preprocess(page, "text/html")

	assert.Equal(t, MethodRawFallback, result.Method)
	assert.NotEmpty(t, result.Text)
}

func TestPreprocess_NestedSkippedContainers(t *testing.T) {
	page := `<html><body><nav>Menu <header>inner</header> more menu</nav><p>Content</p></body></html>`

	result := Preprocess(page, "text/html")

	assert.Equal(t, "Content", result.Text)
}
