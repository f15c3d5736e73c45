// Package detector decides when a plainly fetched page needs a headless
// render before its images can be extracted, and provides a fetcher that
// promotes such pages.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/JakeFAU/image-crawler/internal/fetcher"
)

// DefaultBodyLengthThreshold is the body size under which script-heavy pages
// are promoted.
const DefaultBodyLengthThreshold = 2048

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector. A threshold of 0 uses the default.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = DefaultBodyLengthThreshold
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

// ShouldPromote reports whether page looks client-rendered. Pages that are
// already rendered, failed or not HTML never promote.
func (h *Heuristic) ShouldPromote(page fetcher.Page) bool {
	if page.Rendered || page.StatusCode != http.StatusOK {
		return false
	}
	body := page.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	if !page.IsHTML() {
		return false
	}
	if bytes.Contains(bytes.ToLower(body), []byte("<img")) {
		return false
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	coverage := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel

		tagEnd := strings.IndexByte(lower[start:], '>')
		if tagEnd == -1 {
			// Malformed tag: the rest of the document counts as script.
			coverage += total - start
			break
		}
		contentStart := start + tagEnd + 1

		next := total
		if end := strings.Index(lower[contentStart:], closeTag); end != -1 {
			next = contentStart + end + len(closeTag)
		}
		coverage += next - start
		pos = next
	}
	return coverage > 0 && coverage*100/total >= 25
}
