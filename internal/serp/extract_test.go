package serp

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/serpqueue/internal/search"
)

const page = `<html><body>
<div class="result">
  <a data-testid="result-title-a" href="https://en.wikipedia.org/wiki/Cat">Cats -
     Wikipedia</a>
</div>
<div class="result"><a data-testid="result-title-a" href="/l/?uddg=https%3A%2F%2Fwww.britannica.com%2Fanimal%2Fcat">Cat | Britannica</a></div>
<div class="result"><a data-testid="result-title-a" href="https://example.com/empty">   </a></div>
<div class="result"><a data-testid="result-title-a">No link</a></div>
</body></html>`

func TestExtract(t *testing.T) {
	t.Parallel()

	results, err := Extract([]byte(page), `a[data-testid="result-title-a"]`, "https://duckduckgo.com/?q=cats", 0)
	require.NoError(t, err)
	require.Equal(t, []search.Result{
		{Text: "Cats - Wikipedia", Href: "https://en.wikipedia.org/wiki/Cat"},
		{Text: "Cat | Britannica", Href: "https://www.britannica.com/animal/cat"},
		{Text: "No link"},
	}, results)
}

func TestExtractLimitAndEmpty(t *testing.T) {
	t.Parallel()

	results, err := Extract([]byte(page), `a[data-testid="result-title-a"]`, "", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)

	none, err := Extract([]byte("<html></html>"), "a.result__a", "", 0)
	require.NoError(t, err)
	require.NotNil(t, none)
	require.Empty(t, none)

	_, err = Extract([]byte(page), " ", "", 0)
	require.Error(t, err)
}

func TestNormalizeHref(t *testing.T) {
	t.Parallel()

	base, err := url.Parse("https://html.duckduckgo.com/html/?q=cats")
	require.NoError(t, err)

	require.Equal(t, "", NormalizeHref("", base))
	require.Equal(t, "https://example.com/a", NormalizeHref("https://example.com/a", base))
	require.Equal(t, "https://html.duckduckgo.com/about", NormalizeHref("/about", base))
	require.Equal(t, "https://example.org/x?y=1",
		NormalizeHref("//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.org%2Fx%3Fy%3D1&rut=abc", base))
}
