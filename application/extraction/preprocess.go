// Package extraction turns scraped pages into extraction-process commands:
// clean text, chunk it, route the prompt strategy, call the model per chunk,
// merge the per-chunk results, and record the outcome on the event-sourced
// process aggregate.
package extraction

import (
	"strings"

	"golang.org/x/net/html"
)

// Preprocessing methods recorded on the completed extraction.
const (
	MethodHTMLStripped = "html_stripped"
	MethodPlainText    = "plain_text"
	MethodRawFallback  = "raw_fallback"
)

// PreprocessResult is the cleaned page text plus the method that produced it.
type PreprocessResult struct {
	Text   string
	Method string
}

// skippedContainers are elements whose text is page chrome, not content.
var skippedContainers = map[string]bool{
	"script":   true,
	"style":    true,
	"nav":      true,
	"header":   true,
	"footer":   true,
	"aside":    true,
	"noscript": true,
	"iframe":   true,
}

// Preprocess produces clean text from raw page content. HTML is stripped
// with a tokenizer; anything else is whitespace-normalized as plain text. A
// strip that yields nothing falls back to the raw content so a malformed
// page still gets extracted.
func Preprocess(raw, contentType string) PreprocessResult {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PreprocessResult{Text: "", Method: MethodPlainText}
	}
	if !looksLikeHTML(trimmed, contentType) {
		return PreprocessResult{Text: collapseWhitespace(trimmed), Method: MethodPlainText}
	}
	if text := stripHTML(trimmed); text != "" {
		return PreprocessResult{Text: text, Method: MethodHTMLStripped}
	}
	return PreprocessResult{Text: collapseWhitespace(trimmed), Method: MethodRawFallback}
}

func looksLikeHTML(content, contentType string) bool {
	if strings.Contains(strings.ToLower(contentType), "html") {
		return true
	}
	head := content
	if len(head) > 512 {
		head = head[:512]
	}
	head = strings.ToLower(head)
	return strings.Contains(head, "<html") ||
		strings.Contains(head, "<!doctype html") ||
		strings.Contains(head, "<body")
}

// stripHTML extracts visible text, skipping text inside chrome containers.
// The tokenizer never fails on malformed markup; it returns io.EOF (or an
// input error) from Next, at which point whatever was collected is the
// result.
func stripHTML(content string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(content))
	var out strings.Builder
	skipDepth := 0

	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return collapseWhitespace(out.String())
		case html.StartTagToken:
			name, _ := tokenizer.TagName()
			if skippedContainers[string(name)] {
				skipDepth++
			}
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			if skippedContainers[string(name)] && skipDepth > 0 {
				skipDepth--
			}
		case html.TextToken:
			if skipDepth == 0 {
				out.Write(tokenizer.Text())
				out.WriteByte(' ')
			}
		}
	}
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
