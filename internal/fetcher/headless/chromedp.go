// Package headless fetches search results through one long-lived headless
// Chrome session driven by chromedp.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/serpqueue/internal/headless/detector"
	"github.com/JakeFAU/serpqueue/internal/search"
	"github.com/JakeFAU/serpqueue/internal/serp"
)

// Defaults target the DuckDuckGo JavaScript results page.
const (
	DefaultSearchURL      = "https://duckduckgo.com/?q=%s"
	DefaultResultSelector = `a[data-testid="result-title-a"]`
	defaultNavTimeout     = 45 * time.Second
	snapshotTimeout       = 2 * time.Second
)

// Config controls the headless fetcher.
type Config struct {
	// SearchURL is a fmt template receiving the escaped query.
	SearchURL         string
	ResultSelector    string
	UserAgent         string
	NavigationTimeout time.Duration
	// ExecPath overrides the Chrome binary chromedp launches.
	ExecPath   string
	MaxResults int
}

// Fetcher owns a single browser. Fetches are serialized by the session slot;
// the browser is launched on first use and relaunched only after it dies or
// fails to start.
type Fetcher struct {
	cfg    Config
	logger *zap.Logger

	session       chan struct{}
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

var _ search.Fetcher = (*Fetcher)(nil)

// NewChromedp creates a fetcher. No browser is started until the first Fetch.
func NewChromedp(cfg Config, logger *zap.Logger) (*Fetcher, error) {
	if cfg.SearchURL == "" {
		cfg.SearchURL = DefaultSearchURL
	}
	if !strings.Contains(cfg.SearchURL, "%s") {
		return nil, fmt.Errorf("search url %q must contain %%s", cfg.SearchURL)
	}
	if cfg.ResultSelector == "" {
		cfg.ResultSelector = DefaultResultSelector
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{cfg: cfg, logger: logger, session: make(chan struct{}, 1)}, nil
}

// Fetch navigates to the results page for query and extracts result links.
func (f *Fetcher) Fetch(ctx context.Context, query string) ([]search.Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, search.NewScrapeError(query, "empty query",
			&search.ValidationError{Field: "query", Reason: "must not be empty"})
	}

	if err := f.acquire(ctx); err != nil {
		return nil, search.NewScrapeError(query, "fetcher busy", fmt.Errorf("%w: %w", search.ErrFetcherBusy, err))
	}
	defer f.release()

	if err := f.ensureBrowser(); err != nil {
		return nil, search.NewScrapeError(query, "browser unavailable", err)
	}

	tabCtx, tabCancel := chromedp.NewContext(f.browserCtx)
	defer tabCancel()
	runCtx, cancel := context.WithTimeout(tabCtx, f.navTimeout())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	target := f.searchURL(query)
	var html string
	err := chromedp.Run(runCtx,
		f.networkSetupAction(),
		chromedp.Navigate(target),
		chromedp.WaitVisible(f.cfg.ResultSelector, chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		snap := f.snapshot(tabCtx)
		cause := failureCause(ctx, err)
		if ctx.Err() == nil && blocked.Diagnose(0, snap) == detector.VerdictBlocked {
			cause = detector.VerdictBlocked.Reason()
		}
		sErr := search.NewScrapeError(query, cause, err)
		sErr.Snapshot = snap
		if f.browserCtx.Err() != nil {
			f.logger.Warn("browser session lost", zap.Error(err))
			f.resetLocked()
		}
		return nil, sErr
	}

	results, err := serp.Extract([]byte(html), f.cfg.ResultSelector, target, f.cfg.MaxResults)
	if err != nil {
		return nil, search.NewScrapeError(query, "unreadable results page", err)
	}
	if len(results) == 0 {
		sErr := search.NewScrapeError(query, "no results found", nil)
		sErr.Snapshot = []byte(html)
		return nil, sErr
	}
	return results, nil
}

// Close shuts the browser down. A later Fetch starts a new one.
func (f *Fetcher) Close() {
	_ = f.acquire(context.Background())
	defer f.release()
	f.resetLocked()
}

// acquire takes the session slot or gives up when ctx is done.
func (f *Fetcher) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case f.session <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fetcher) release() { <-f.session }

func (f *Fetcher) ensureBrowser() error {
	if f.browserCtx != nil && f.browserCtx.Err() == nil {
		return nil
	}
	f.resetLocked()

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), f.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return &search.ResourceError{Op: "launch browser", Err: err}
	}
	f.allocCancel = allocCancel
	f.browserCtx = browserCtx
	f.browserCancel = browserCancel
	f.logger.Info("browser session started")
	return nil
}

func (f *Fetcher) resetLocked() {
	if f.browserCancel != nil {
		f.browserCancel()
	}
	if f.allocCancel != nil {
		f.allocCancel()
	}
	f.browserCtx = nil
	f.browserCancel = nil
	f.allocCancel = nil
}

func (f *Fetcher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if f.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(f.cfg.ExecPath))
	}
	return opts
}

func (f *Fetcher) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// snapshot captures the tab's DOM after a failed run. The run context may
// already be canceled, so a detached context keeps the tab reachable.
func (f *Fetcher) snapshot(tabCtx context.Context) []byte {
	if tabCtx.Err() != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(tabCtx), snapshotTimeout)
	defer cancel()
	var html string
	if err := chromedp.Run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return nil
	}
	return []byte(html)
}

func (f *Fetcher) searchURL(query string) string {
	return fmt.Sprintf(f.cfg.SearchURL, url.QueryEscape(query))
}

func (f *Fetcher) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return defaultNavTimeout
}

// blocked recognizes challenge pages in snapshots taken after a failed wait.
var blocked = detector.NewHeuristic(0)

func failureCause(ctx context.Context, err error) string {
	switch {
	case ctx.Err() != nil:
		return "fetch canceled"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timed out waiting for results"
	default:
		return "navigation failed"
	}
}
