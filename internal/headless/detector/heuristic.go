// Package detector explains why a results page yielded no results: the
// provider served a bot challenge, the page is a JavaScript shell that only
// a headless browser can render, or the query simply matched nothing.
package detector

import (
	"bytes"
	"strings"
)

// Verdict classifies an empty results page.
type Verdict int

// Verdicts, from least to most actionable.
const (
	VerdictEmpty Verdict = iota
	VerdictNeedsJavaScript
	VerdictBlocked
)

// Reason is the human-readable failure cause recorded on the search.
func (v Verdict) Reason() string {
	switch v {
	case VerdictBlocked:
		return "blocked by provider challenge"
	case VerdictNeedsJavaScript:
		return "results page requires javascript"
	default:
		return "no results found"
	}
}

// Heuristic implements a handful of rule-based checks.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("<noscript>"),
}

var challengeMarkers = []string{
	"captcha",
	"unusual traffic",
	"are you a robot",
	"anomaly-modal",
	"challenge-form",
}

// Diagnose classifies a page that produced no results.
func (h *Heuristic) Diagnose(status int, body []byte) Verdict {
	if status == 403 || status == 429 {
		return VerdictBlocked
	}
	lower := bytes.ToLower(body)
	for _, marker := range challengeMarkers {
		if bytes.Contains(lower, []byte(marker)) {
			return VerdictBlocked
		}
	}
	if status != 0 && status != 200 {
		return VerdictEmpty
	}
	if len(body) == 0 {
		return VerdictNeedsJavaScript
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return VerdictNeedsJavaScript
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return VerdictNeedsJavaScript
		}
	}
	return VerdictEmpty
}

// scriptDensityHigh reports whether script elements cover a quarter of body.
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
	covered := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagEnd := strings.IndexByte(lower[start:], '>')
		if tagEnd == -1 {
			covered += total - start
			break
		}
		contentStart := start + tagEnd + 1
		end := total
		if relEnd := strings.Index(lower[contentStart:], closeTag); relEnd != -1 {
			end = contentStart + relEnd + len(closeTag)
		}
		covered += end - start
		pos = end
	}
	return covered*100/total >= 25
}
