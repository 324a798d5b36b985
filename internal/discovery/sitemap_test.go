package discovery

import (
	"compress/gzip"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/slotheather55/webspark/internal/config"
)

func testDiscoveryConfig() config.DiscoveryConfig {
	return config.DiscoveryConfig{
		FetchTimeout:      5 * time.Second,
		MaxSitemaps:       10,
		MaxURLs:           100,
		IncludeSubdomains: true,
	}
}

// newFixtureSite starts a server and hands the registration callback a mux
// plus the server's base URL, so fixture bodies can reference the site's
// own host.
func newFixtureSite(t *testing.T, register func(mux *http.ServeMux, base string)) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	register(mux, srv.URL)
	return srv
}

func newTestLoader(t *testing.T, cfg config.DiscoveryConfig) *SitemapLoader {
	t.Helper()
	l := NewSitemapLoader(cfg, nil, zaptest.NewLogger(t))
	t.Cleanup(l.client.CloseIdleConnections)
	return l
}

func urlset(locs ...string) string {
	s := `<?xml version="1.0" encoding="UTF-8"?><urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`
	for _, loc := range locs {
		s += "<url><loc>" + loc + "</loc></url>"
	}
	return s + `</urlset>`
}

func sitemapIndex(locs ...string) string {
	s := `<?xml version="1.0" encoding="UTF-8"?><sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`
	for _, loc := range locs {
		s += "<sitemap><loc>" + loc + "</loc></sitemap>"
	}
	return s + `</sitemapindex>`
}

func pageURLs(pages []SitePage) []string {
	urls := make([]string, len(pages))
	for i, p := range pages {
		urls[i] = p.URL
	}
	return urls
}

func TestDiscoverPlainSitemap(t *testing.T) {
	srv := newFixtureSite(t, func(mux *http.ServeMux, base string) {
		mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, urlset(
				base+"/books/42/some-title/",
				base+"/the-read-down/best-of-summer/",
				base+"/about-us",
				base+"/books/42/some-title/", // duplicate
				base+"/static/app.css",       // asset
				"https://tracker.example.net/pixel", // out of scope
			))
		})
	})

	loader := newTestLoader(t, testDiscoveryConfig())
	pages, err := loader.Discover(context.Background(), srv.URL)
	require.NoError(t, err)

	require.Len(t, pages, 3)
	assert.Equal(t, []string{
		srv.URL + "/books/42/some-title/",
		srv.URL + "/the-read-down/best-of-summer/",
		srv.URL + "/about-us",
	}, pageURLs(pages))
	assert.Equal(t, PageTypeProduct, pages[0].Type)
	assert.Equal(t, PageTypeList, pages[1].Type)
	assert.Equal(t, PageTypeDefault, pages[2].Type)
}

func TestDiscoverFollowsRobotsAndIndex(t *testing.T) {
	srv := newFixtureSite(t, func(mux *http.ServeMux, base string) {
		mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, "User-agent: *\nDisallow: /cart\n\nSitemap: %s/sitemaps/index.xml\n", base)
		})
		// The conventional location is tried too; absent here.
		mux.HandleFunc("/sitemaps/index.xml", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, sitemapIndex(
				base+"/sitemaps/books.xml",
				base+"/sitemaps/lists.xml.gz",
				"https://cdn.example.org/sitemap.xml", // out of scope, never fetched
			))
		})
		mux.HandleFunc("/sitemaps/books.xml", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, urlset(base+"/books/1/alpha/", base+"/books/2/beta/"))
		})
		mux.HandleFunc("/sitemaps/lists.xml.gz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/gzip")
			gz := gzip.NewWriter(w)
			fmt.Fprint(gz, urlset(base+"/the-read-down/noir/"))
			_ = gz.Close()
		})
	})

	loader := newTestLoader(t, testDiscoveryConfig())
	pages, err := loader.Discover(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.Equal(t, []string{
		srv.URL + "/books/1/alpha/",
		srv.URL + "/books/2/beta/",
		srv.URL + "/the-read-down/noir/",
	}, pageURLs(pages))
}

func TestDiscoverIgnoresDoubleNestedIndex(t *testing.T) {
	srv := newFixtureSite(t, func(mux *http.ServeMux, base string) {
		mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, sitemapIndex(base+"/nested.xml"))
		})
		// An index nested inside an index is beyond the supported depth.
		mux.HandleFunc("/nested.xml", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, sitemapIndex(base+"/deep.xml"))
		})
		mux.HandleFunc("/deep.xml", func(w http.ResponseWriter, r *http.Request) {
			t.Error("sitemap two levels below an index must not be fetched")
		})
	})

	loader := newTestLoader(t, testDiscoveryConfig())
	pages, err := loader.Discover(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Empty(t, pages)
}

func TestDiscoverHonorsSitemapBudget(t *testing.T) {
	fetched := make(chan string, 16)
	srv := newFixtureSite(t, func(mux *http.ServeMux, base string) {
		mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, sitemapIndex(base+"/a.xml", base+"/b.xml", base+"/c.xml"))
		})
		for _, name := range []string{"a", "b", "c"} {
			name := name
			mux.HandleFunc("/"+name+".xml", func(w http.ResponseWriter, r *http.Request) {
				fetched <- name
				fmt.Fprint(w, urlset(base+"/books/"+name+"/"))
			})
		}
	})

	cfg := testDiscoveryConfig()
	cfg.MaxSitemaps = 2 // one candidate plus one index entry
	loader := newTestLoader(t, cfg)

	pages, err := loader.Discover(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Len(t, pages, 1)
	assert.Len(t, fetched, 1)
}

func TestDiscoverCapsResultCount(t *testing.T) {
	srv := newFixtureSite(t, func(mux *http.ServeMux, base string) {
		mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
			var locs []string
			for i := 0; i < 10; i++ {
				locs = append(locs, fmt.Sprintf("%s/books/%d/title/", base, i))
			}
			fmt.Fprint(w, urlset(locs...))
		})
	})

	cfg := testDiscoveryConfig()
	cfg.MaxURLs = 3
	loader := newTestLoader(t, cfg)

	pages, err := loader.Discover(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Len(t, pages, 3)
}

func TestDiscoverSurvivesMissingSitemap(t *testing.T) {
	srv := newFixtureSite(t, func(mux *http.ServeMux, base string) {})

	loader := newTestLoader(t, testDiscoveryConfig())
	pages, err := loader.Discover(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Empty(t, pages)
}

func TestDiscoverRejectsBadSite(t *testing.T) {
	loader := newTestLoader(t, testDiscoveryConfig())

	_, err := loader.Discover(context.Background(), "")
	assert.Error(t, err)

	_, err = loader.Discover(context.Background(), "ftp://example.com")
	assert.Error(t, err)
}

func TestNormalizeSite(t *testing.T) {
	u, err := normalizeSite("shop.example.com")
	require.NoError(t, err)
	assert.Equal(t, "https://shop.example.com", u.String())

	u, err = normalizeSite("http://shop.example.com/landing")
	require.NoError(t, err)
	assert.Equal(t, "http", u.Scheme)
}

func TestClassifyURL(t *testing.T) {
	cases := map[string]PageType{
		"https://x.example/books/42/some-title/9780593750179/": PageTypeProduct,
		"https://x.example/book/42/":                           PageTypeProduct,
		"https://x.example/the-read-down/summer/":              PageTypeList,
		"https://x.example/lists/award-winners":                PageTypeList,
		"https://x.example/":                                   PageTypeDefault,
		"https://x.example/authors/1234/":                      PageTypeDefault,
	}
	for raw, want := range cases {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		assert.Equal(t, want, ClassifyURL(u), raw)
	}
}

func TestScopeContains(t *testing.T) {
	scope, err := NewScope("https://shop.example.co.uk/start", true)
	require.NoError(t, err)
	assert.Equal(t, "example.co.uk", scope.RootDomain())

	contains := func(raw string) bool {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		return scope.Contains(u)
	}
	assert.True(t, contains("https://example.co.uk/"))
	assert.True(t, contains("https://www.example.co.uk/books/1/"))
	assert.False(t, contains("https://notexample.co.uk/"))
	assert.False(t, contains("https://example.org/"))

	exact, err := NewScope("https://shop.example.co.uk", false)
	require.NoError(t, err)
	u, _ := url.Parse("https://www.example.co.uk/")
	assert.False(t, exact.Contains(u))
}

func TestScopeHandlesIPAndSingleLabelHosts(t *testing.T) {
	scope, err := NewScope("http://127.0.0.1:8799", true)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", scope.RootDomain())

	u, _ := url.Parse("http://127.0.0.1:8799/books/1/")
	assert.True(t, scope.Contains(u))

	local, err := NewScope("http://localhost:3000", true)
	require.NoError(t, err)
	assert.Equal(t, "localhost", local.RootDomain())
}
