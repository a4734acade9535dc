// Package serp extracts result links from search-engine result pages.
package serp

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/serpqueue/internal/search"
)

// Extract returns the text and normalized href of every element matching
// selector, in document order. Elements without visible text are skipped.
// limit <= 0 means no limit. The returned slice is never nil.
func Extract(html []byte, selector, pageURL string, limit int) ([]search.Result, error) {
	if strings.TrimSpace(selector) == "" {
		return nil, fmt.Errorf("result selector is required")
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	base, _ := url.Parse(pageURL)

	results := []search.Result{}
	doc.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.Join(strings.Fields(s.Text()), " ")
		if text == "" {
			return true
		}
		href, _ := s.Attr("href")
		results = append(results, search.Result{Text: text, Href: NormalizeHref(href, base)})
		return limit <= 0 || len(results) < limit
	})
	return results, nil
}

// NormalizeHref resolves raw against base and unwraps DuckDuckGo redirect
// links (/l/?uddg=<target>) to their destination.
func NormalizeHref(raw string, base *url.URL) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if strings.HasSuffix(u.Hostname(), "duckduckgo.com") && strings.HasPrefix(u.Path, "/l/") {
		if target := u.Query().Get("uddg"); target != "" {
			return target
		}
	}
	return u.String()
}
