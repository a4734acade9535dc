package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/serpqueue/internal/config"
	"github.com/JakeFAU/serpqueue/internal/search"
)

func TestBuildServesSearchesEndToEnd(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, `<html><body>
<a class="result__a" href="https://example.com/%[1]s/1">First %[1]s</a>
<a class="result__a" href="https://example.com/%[1]s/2">Second %[1]s</a>
</body></html>`, r.URL.Query().Get("q"))
	}))
	t.Cleanup(provider.Close)

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Fetcher.Backend = "colly"
	cfg.Fetcher.SearchURL = provider.URL + "/html/?q=%s"
	cfg.RateLimit.RPS = 0
	cfg.Storage.Backend = "memory"
	cfg.Publisher.Backend = "memory"
	cfg.Worker.Concurrency = 2

	app, err := Build(context.Background(), cfg, zap.NewNop(), "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	require.Equal(t, 2, app.dispatch.Size())
	require.Empty(t, app.readinessChecks())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go app.dispatch.Run(ctx)

	created, err := app.service.Submit(ctx, "fp-1", []string{"cats"})
	require.NoError(t, err)
	require.Len(t, created, 1)

	require.Eventually(t, func() bool {
		got, err := app.service.Get(ctx, created[0].ID, "fp-1")
		return err == nil && got.Status == search.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	got, err := app.service.Get(ctx, created[0].ID, "fp-1")
	require.NoError(t, err)
	require.Len(t, got.Results, 2)
	require.Equal(t, "First cats", got.Results[0].Text)
	require.Equal(t, "https://example.com/cats/1", got.Results[0].Href)

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildRejectsUnreachablePostgres(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Store.Backend = "postgres"
	cfg.DB.DSN = "postgres://nobody@127.0.0.1:1/none?connect_timeout=1"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = Build(ctx, cfg, zap.NewNop(), "test")
	require.Error(t, err)
}

func TestInitSchemaRequiresPostgres(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	require.Error(t, InitSchema(context.Background(), cfg, zap.NewNop()))
}

func TestProviderKey(t *testing.T) {
	require.Equal(t, "https://a/%s", providerKey("https://a/%s", "https://b/%s"))
	require.Equal(t, "https://b/%s", providerKey("", "https://b/%s"))
}
