package ingest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	origin, _ := url.Parse("https://acme.test/start")

	cases := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"https://acme.test/about", "https://acme.test/about", true},
		{"/pricing", "https://acme.test/pricing", true},
		{"https://acme.test/docs#install", "https://acme.test/docs", true},
		{"https://other.test/page", "", false},
		{"mailto:hello@acme.test", "", false},
		{"javascript:void(0)", "", false},
	}
	for _, tc := range cases {
		got, ok := normalizeURL(origin, tc.raw)
		assert.Equal(t, tc.ok, ok, tc.raw)
		if tc.ok {
			assert.Equal(t, tc.want, got, tc.raw)
		}
	}
}

func crawlSite(t *testing.T, pages map[string]string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for path, body := range pages {
		body := body
		mux.HandleFunc(path, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, body)
		})
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestCrawl_FollowsSameOriginLinks(t *testing.T) {
	srv := crawlSite(t, map[string]string{
		"/": `<html><body><h1>Home</h1>
			<a href="/about">About</a>
			<a href="https://elsewhere.test/x">External</a></body></html>`,
		"/about": `<html><body><h1>About</h1><p>We are Acme.</p></body></html>`,
	})

	c := NewCrawler(10)
	var urls []string
	fetched, failed, err := c.Crawl(context.Background(), []string{srv.URL + "/"}, nil, func(p Page) {
		urls = append(urls, p.URL)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, fetched)
	assert.Zero(t, failed)
	assert.Len(t, urls, 2, "external link not followed")
}

func TestCrawl_RespectsPageLimit(t *testing.T) {
	pages := map[string]string{}
	for i := 0; i < 20; i++ {
		pages[fmt.Sprintf("/p%d", i)] = fmt.Sprintf(
			`<html><body><p>page %d</p><a href="/p%d">next</a></body></html>`, i, i+1)
	}
	srv := crawlSite(t, pages)

	c := NewCrawler(5)
	fetched, failed, err := c.Crawl(context.Background(), []string{srv.URL + "/p0"}, nil, func(Page) {})
	require.NoError(t, err)
	assert.LessOrEqual(t, fetched+failed, 5)
}

func TestCrawl_StopFlagAbandons(t *testing.T) {
	srv := crawlSite(t, map[string]string{
		"/": `<html><body><p>home</p><a href="/next">next</a></body></html>`,
	})

	c := NewCrawler(10)
	stop := func(context.Context) bool { return true }
	fetched, _, err := c.Crawl(context.Background(), []string{srv.URL + "/"}, stop, func(Page) {})
	require.NoError(t, err)
	assert.Zero(t, fetched, "stop before the first batch")
}

func TestCrawl_CountsFailedPages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><p>home</p><a href="/missing">broken</a></body></html>`)
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewCrawler(10)
	fetched, failed, err := c.Crawl(context.Background(), []string{srv.URL + "/"}, nil, func(Page) {})
	require.NoError(t, err)
	assert.Equal(t, 1, fetched)
	assert.Equal(t, 1, failed)
}

func TestCrawl_SitemapSeed(t *testing.T) {
	var srvURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0"?>
<urlset><url><loc>%s/a</loc></url><url><loc>%s/b</loc></url></urlset>`, srvURL, srvURL)
	})
	mux.HandleFunc("/a", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><p>a</p></body></html>`)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><p>b</p></body></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	srvURL = srv.URL

	c := NewCrawler(10)
	fetched, failed, err := c.Crawl(context.Background(), []string{srv.URL + "/sitemap.xml"}, nil, func(Page) {})
	require.NoError(t, err)
	assert.Zero(t, failed)
	assert.Equal(t, 2, fetched)
}
