package ingest

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/errgroup"
)

const (
	crawlFetchTimeout  = 20 * time.Second
	crawlBatchSize     = 8
	maxPageBytes       = 5 << 20
	crawlerUserAgent   = "chatlead-crawler/1.0"
	sitemapMaxEntries  = 5000
	maxSitemapNestings = 3
)

// Page is one fetched page: extracted text plus metadata.
type Page struct {
	URL   string
	Title string
	Text  string
}

// StopFunc is polled between fetch batches; returning true abandons the
// crawl after the current batch.
type StopFunc func(ctx context.Context) bool

// Crawler walks a site breadth-first within the seed origin, or expands a
// sitemap when one is given. Fetches inside a batch run concurrently.
type Crawler struct {
	httpClient *http.Client
	maxPages   int
}

func NewCrawler(maxPages int) *Crawler {
	if maxPages <= 0 {
		maxPages = 100
	}
	return &Crawler{
		httpClient: &http.Client{Timeout: crawlFetchTimeout},
		maxPages:   maxPages,
	}
}

// Crawl fetches up to maxPages pages starting from the seeds, calling
// onPage for each successful extraction. Per-page failures are logged and
// skipped. Returns the number of pages fetched and failed.
func (c *Crawler) Crawl(ctx context.Context, seeds []string, stop StopFunc, onPage func(Page)) (fetched, failed int, err error) {
	origin, err := originOf(seeds)
	if err != nil {
		return 0, 0, err
	}

	queue := make([]string, 0, len(seeds))
	seen := make(map[string]bool)
	enqueue := func(raw string) {
		norm, ok := normalizeURL(origin, raw)
		if !ok || seen[norm] {
			return
		}
		seen[norm] = true
		queue = append(queue, norm)
	}

	for _, s := range seeds {
		if strings.HasSuffix(strings.ToLower(s), "sitemap.xml") {
			for _, loc := range c.expandSitemap(ctx, s, 0) {
				enqueue(loc)
			}
			continue
		}
		enqueue(s)
	}

	var mu sync.Mutex
	for len(queue) > 0 && fetched+failed < c.maxPages {
		if ctx.Err() != nil {
			return fetched, failed, ctx.Err()
		}
		if stop != nil && stop(ctx) {
			slog.Info("[Crawler] Stop requested, abandoning crawl", "fetched", fetched)
			return fetched, failed, nil
		}

		batch := queue
		if len(batch) > crawlBatchSize {
			batch = batch[:crawlBatchSize]
		}
		if remaining := c.maxPages - fetched - failed; len(batch) > remaining {
			batch = batch[:remaining]
		}
		queue = queue[len(batch):]

		g, gctx := errgroup.WithContext(ctx)
		for _, pageURL := range batch {
			pageURL := pageURL
			g.Go(func() error {
				page, links, ferr := c.fetch(gctx, pageURL)
				mu.Lock()
				defer mu.Unlock()
				if ferr != nil {
					slog.Warn("[Crawler] Page fetch failed", "url", pageURL, "error", ferr)
					failed++
					return nil
				}
				fetched++
				for _, l := range links {
					enqueue(l)
				}
				onPage(page)
				return nil
			})
		}
		if gerr := g.Wait(); gerr != nil {
			return fetched, failed, gerr
		}
	}
	return fetched, failed, nil
}

func (c *Crawler) fetch(ctx context.Context, pageURL string) (Page, []string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return Page{}, nil, err
	}
	req.Header.Set("User-Agent", crawlerUserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Page{}, nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Page{}, nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "text/html") {
		return Page{}, nil, fmt.Errorf("skipping content type %s", ct)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return Page{}, nil, err
	}

	text, err := ExtractHTML(bytes.NewReader(body))
	if err != nil {
		return Page{}, nil, err
	}
	page := Page{
		URL:   pageURL,
		Title: PageTitle(bytes.NewReader(body)),
		Text:  text,
	}
	return page, extractLinks(bytes.NewReader(body), pageURL), nil
}

func extractLinks(r io.Reader, base string) []string {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil
	}

	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		links = append(links, baseURL.ResolveReference(ref).String())
	})
	return links
}

type sitemapIndex struct {
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
	URLs []struct {
		Loc string `xml:"loc"`
	} `xml:"url"`
}

// expandSitemap flattens a sitemap (or sitemap index) into page URLs.
func (c *Crawler) expandSitemap(ctx context.Context, sitemapURL string, depth int) []string {
	if depth > maxSitemapNestings {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", crawlerUserAgent)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Warn("[Crawler] Sitemap fetch failed", "url", sitemapURL, "error", err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var idx sitemapIndex
	if err := xml.NewDecoder(io.LimitReader(resp.Body, maxPageBytes)).Decode(&idx); err != nil {
		slog.Warn("[Crawler] Sitemap parse failed", "url", sitemapURL, "error", err)
		return nil
	}

	var out []string
	for _, u := range idx.URLs {
		if len(out) >= sitemapMaxEntries {
			break
		}
		out = append(out, strings.TrimSpace(u.Loc))
	}
	for _, sm := range idx.Sitemaps {
		if len(out) >= sitemapMaxEntries {
			break
		}
		out = append(out, c.expandSitemap(ctx, strings.TrimSpace(sm.Loc), depth+1)...)
	}
	return out
}

func originOf(seeds []string) (*url.URL, error) {
	if len(seeds) == 0 {
		return nil, fmt.Errorf("crawl requires at least one seed url")
	}
	u, err := url.Parse(seeds[0])
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid seed url %q", seeds[0])
	}
	return u, nil
}

// normalizeURL resolves and filters a candidate link: same origin only,
// fragments stripped, http(s) only.
func normalizeURL(origin *url.URL, raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	if u.Scheme == "" {
		u.Scheme = origin.Scheme
	}
	if u.Host == "" {
		u.Host = origin.Host
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if !strings.EqualFold(u.Host, origin.Host) {
		return "", false
	}
	u.Fragment = ""
	return u.String(), true
}
