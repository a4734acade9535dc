package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/serpqueue/internal/search"
)

const resultsPage = `<html><body>
<a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fen.wikipedia.org%2Fwiki%2FCat">Cats - Wikipedia</a>
<a class="result__a" href="https://www.britannica.com/animal/cat">Cat | Britannica</a>
</body></html>`

func TestFetchExtractsResults(t *testing.T) {
	t.Parallel()

	var gotQuery, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		gotUA = r.UserAgent()
		_, _ = w.Write([]byte(resultsPage))
	}))
	defer srv.Close()

	f, err := New(Config{SearchURL: srv.URL + "/html/?q=%s", UserAgent: "serpqueue-test"})
	require.NoError(t, err)

	results, err := f.Fetch(context.Background(), "  cats  ")
	require.NoError(t, err)
	require.Equal(t, "cats", gotQuery)
	require.Equal(t, "serpqueue-test", gotUA)
	require.Equal(t, []search.Result{
		{Text: "Cats - Wikipedia", Href: "https://en.wikipedia.org/wiki/Cat"},
		{Text: "Cat | Britannica", Href: "https://www.britannica.com/animal/cat"},
	}, results)

	again, err := f.Fetch(context.Background(), "cats")
	require.NoError(t, err, "same URL may be visited again")
	require.Len(t, again, 2)
}

func TestFetchNoResultsCarriesSnapshot(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html><body>captcha</body></html>"))
	}))
	defer srv.Close()

	f, err := New(Config{SearchURL: srv.URL + "/?q=%s"})
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), "dogs")
	var sErr *search.ScrapeError
	require.ErrorAs(t, err, &sErr)
	require.Equal(t, "blocked by provider challenge", sErr.Cause)
	require.Contains(t, string(sErr.Snapshot), "captcha")
}

func TestFetchNoResultsExplainsEmptyPage(t *testing.T) {
	t.Parallel()

	pages := map[string]string{
		"plain": `<html><body><p>No results were found for your search. Try different keywords please.</p></body></html>`,
		"shell": `<html><body><div id="__next"></div></body></html>`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(pages[r.URL.Query().Get("q")]))
	}))
	defer srv.Close()

	f, err := New(Config{SearchURL: srv.URL + "/?q=%s"})
	require.NoError(t, err)

	var sErr *search.ScrapeError
	_, err = f.Fetch(context.Background(), "plain")
	require.ErrorAs(t, err, &sErr)
	require.Equal(t, "no results found", sErr.Cause)

	_, err = f.Fetch(context.Background(), "shell")
	require.ErrorAs(t, err, &sErr)
	require.Equal(t, "results page requires javascript", sErr.Cause)
}

func TestFetchHTTPErrorIsScrapeError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f, err := New(Config{SearchURL: srv.URL + "/?q=%s"})
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), "dogs")
	var sErr *search.ScrapeError
	require.ErrorAs(t, err, &sErr)
	require.Equal(t, "request failed", sErr.Cause)
	require.True(t, search.Retryable(err))
}

func TestFetchRejectsEmptyQuery(t *testing.T) {
	t.Parallel()

	f, err := New(Config{})
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), "")
	require.False(t, search.Retryable(err))

	_, err = New(Config{SearchURL: "https://example.com"})
	require.Error(t, err)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f, err := New(Config{})
	require.NoError(t, err)

	hooks := &stubHooks{}
	var got page
	f.configureCollectorHooks(hooks, &got)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	hooks.onResponse(&colly.Response{StatusCode: http.StatusOK, Body: []byte("body")})
	require.Equal(t, "body", string(got.body))

	hooks.onError(&colly.Response{StatusCode: http.StatusBadGateway}, errors.New("boom"))
	require.Equal(t, http.StatusBadGateway, got.status)
	require.EqualError(t, got.err, "boom")
}

type stubHooks struct {
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) { s.onResponse = cb }

func (s *stubHooks) OnError(cb colly.ErrorCallback) { s.onError = cb }
