// Package collyfetcher fetches search results over plain HTTP with gocolly.
// It targets the provider's no-JavaScript results page and needs no browser.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/serpqueue/internal/headless/detector"
	"github.com/JakeFAU/serpqueue/internal/search"
	"github.com/JakeFAU/serpqueue/internal/serp"
)

// Defaults target DuckDuckGo's HTML endpoint.
const (
	DefaultSearchURL      = "https://html.duckduckgo.com/html/?q=%s"
	DefaultResultSelector = "a.result__a"
	defaultTimeout        = 15 * time.Second
)

// Config controls collector behavior.
type Config struct {
	SearchURL      string
	ResultSelector string
	UserAgent      string
	Timeout        time.Duration
	MaxResults     int
}

// Fetcher implements search.Fetcher using a Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
	detector      *detector.Heuristic
}

var _ search.Fetcher = (*Fetcher)(nil)

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// page is what the hooks capture for one visit.
type page struct {
	status int
	body   []byte
	err    error
}

// New builds a Fetcher.
func New(cfg Config) (*Fetcher, error) {
	if cfg.SearchURL == "" {
		cfg.SearchURL = DefaultSearchURL
	}
	if !strings.Contains(cfg.SearchURL, "%s") {
		return nil, fmt.Errorf("search url %q must contain %%s", cfg.SearchURL)
	}
	if cfg.ResultSelector == "" {
		cfg.ResultSelector = DefaultResultSelector
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	transport := newHTTPTransport()
	c.WithTransport(transport)
	return &Fetcher{cfg: cfg, transport: transport, baseCollector: c, detector: detector.NewHeuristic(0)}, nil
}

// Fetch requests the results page for query and extracts result links.
func (f *Fetcher) Fetch(ctx context.Context, query string) ([]search.Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, search.NewScrapeError(query, "empty query",
			&search.ValidationError{Field: "query", Reason: "must not be empty"})
	}
	target := fmt.Sprintf(f.cfg.SearchURL, url.QueryEscape(query))

	var got page
	collector := f.buildCollector()
	f.configureCollectorHooks(collector, &got)
	if err := f.runCollector(ctx, collector, target, &got); err != nil {
		sErr := search.NewScrapeError(query, "request failed", err)
		if ctx.Err() == nil {
			sErr.Snapshot = got.body
		}
		return nil, sErr
	}

	results, err := serp.Extract(got.body, f.cfg.ResultSelector, target, f.cfg.MaxResults)
	if err != nil {
		return nil, search.NewScrapeError(query, "unreadable results page", err)
	}
	if len(results) == 0 {
		sErr := search.NewScrapeError(query, f.detector.Diagnose(got.status, got.body).Reason(), nil)
		sErr.Snapshot = got.body
		return nil, sErr
	}
	return results, nil
}

func (f *Fetcher) buildCollector() *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.AllowURLRevisit = true
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(f.transport)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, got *page) {
	hooks.OnResponse(func(r *colly.Response) {
		got.status = r.StatusCode
		got.body = append([]byte(nil), r.Body...)
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			got.status = r.StatusCode
			got.body = append([]byte(nil), r.Body...)
		}
		got.err = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, target string, got *page) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if got.err != nil {
			return fmt.Errorf("colly response failed (status %d): %w", got.status, got.err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
