// internal/discovery/sitemap.go
package discovery

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/beevik/etree"
	"go.uber.org/zap"

	"github.com/slotheather55/webspark/internal/browser/network"
	"github.com/slotheather55/webspark/internal/config"
)

// maxSitemapBytes bounds a single sitemap document after decompression.
// The protocol caps sitemaps at 50MB uncompressed; anything near that is
// not worth parsing for page discovery.
const maxSitemapBytes = 32 << 20

// fetchConcurrency bounds parallel sitemap downloads per discovery.
const fetchConcurrency = 4

// SitePage is one discovered page with its classified type.
type SitePage struct {
	URL  string   `json:"url"`
	Type PageType `json:"page_type"`
}

// SitemapLoader discovers analyzable pages by walking a site's sitemaps.
// It reads robots.txt for sitemap locations, always trying /sitemap.xml as
// well, follows sitemap indexes one level deep, and classifies every
// in-scope page URL it finds.
type SitemapLoader struct {
	cfg    config.DiscoveryConfig
	client *http.Client
	logger *zap.Logger
	// fetchSem bounds concurrent downloads.
	fetchSem chan struct{}
}

// NewSitemapLoader creates a loader. A nil client gets the default fetch
// client with transparent response decompression.
func NewSitemapLoader(cfg config.DiscoveryConfig, client *http.Client, logger *zap.Logger) *SitemapLoader {
	if client == nil {
		client = network.NewFetchClient(cfg.FetchTimeout, false)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SitemapLoader{
		cfg:      cfg,
		client:   client,
		logger:   logger.Named("discovery"),
		fetchSem: make(chan struct{}, fetchConcurrency),
	}
}

// Discover walks the site's sitemaps and returns the classified pages,
// grouped product pages first, then list pages, then everything else,
// alphabetical within each group. The grouping puts the pages with rich
// selector sets at the front, where a result limit will keep them.
func (l *SitemapLoader) Discover(ctx context.Context, site string) ([]SitePage, error) {
	base, err := normalizeSite(site)
	if err != nil {
		return nil, err
	}
	scope, err := NewScope(base.String(), l.cfg.IncludeSubdomains)
	if err != nil {
		return nil, err
	}

	sitemaps := l.sitemapCandidates(ctx, base)
	if len(sitemaps) > l.cfg.MaxSitemaps {
		l.logger.Warn("Too many sitemap candidates, truncating.",
			zap.Int("found", len(sitemaps)), zap.Int("limit", l.cfg.MaxSitemaps))
		sitemaps = sitemaps[:l.cfg.MaxSitemaps]
	}

	locs := make(chan string, 1024)
	var wg sync.WaitGroup
	budget := newSitemapBudget(l.cfg.MaxSitemaps - len(sitemaps))
	for _, sm := range sitemaps {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			l.readSitemap(ctx, u, scope, 0, budget, locs)
		}(sm)
	}
	go func() {
		wg.Wait()
		close(locs)
	}()

	seen := make(map[string]struct{})
	var pages []SitePage
	for raw := range locs {
		u, err := normalizePageURL(raw, scope)
		if err != nil {
			l.logger.Debug("Discarding sitemap entry", zap.String("url", raw), zap.Error(err))
			continue
		}
		key := u.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if len(pages) < l.cfg.MaxURLs {
			pages = append(pages, SitePage{URL: key, Type: ClassifyURL(u)})
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(pages, func(i, j int) bool {
		ri, rj := pageTypeRank(pages[i].Type), pageTypeRank(pages[j].Type)
		if ri != rj {
			return ri < rj
		}
		return pages[i].URL < pages[j].URL
	})

	l.logger.Info("Site discovery finished.",
		zap.String("site", base.String()),
		zap.Int("sitemaps", len(sitemaps)),
		zap.Int("pages", len(pages)))
	return pages, nil
}

func pageTypeRank(pt PageType) int {
	switch pt {
	case PageTypeProduct:
		return 0
	case PageTypeList:
		return 1
	default:
		return 2
	}
}

// sitemapBudget caps how many nested sitemaps an index may add, shared
// across the goroutines walking one discovery.
type sitemapBudget struct {
	mu        sync.Mutex
	remaining int
}

func newSitemapBudget(n int) *sitemapBudget {
	if n < 0 {
		n = 0
	}
	return &sitemapBudget{remaining: n}
}

func (b *sitemapBudget) take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining <= 0 {
		return false
	}
	b.remaining--
	return true
}

// sitemapCandidates collects sitemap URLs from robots.txt, always
// including the conventional /sitemap.xml location.
func (l *SitemapLoader) sitemapCandidates(ctx context.Context, base *url.URL) []string {
	baseURL := base.Scheme + "://" + base.Host
	candidates := []string{baseURL + "/sitemap.xml"}

	body, err := l.fetch(ctx, baseURL+"/robots.txt")
	if err != nil {
		l.logger.Debug("robots.txt not available", zap.Error(err))
		return candidates
	}

	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasPrefix(strings.ToLower(line), "sitemap:") {
			continue
		}
		if loc := strings.TrimSpace(line[len("sitemap:"):]); loc != "" {
			candidates = append(candidates, loc)
		}
	}

	seen := make(map[string]struct{}, len(candidates))
	unique := candidates[:0]
	for _, c := range candidates {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		unique = append(unique, c)
	}
	return unique
}

// readSitemap fetches and parses one sitemap document, sending page URLs
// to out. A sitemap index is followed only from depth 0; an index nested
// inside an index is ignored.
func (l *SitemapLoader) readSitemap(ctx context.Context, sitemapURL string, scope *Scope, depth int, budget *sitemapBudget, out chan<- string) {
	select {
	case l.fetchSem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-l.fetchSem }()

	body, err := l.fetch(ctx, sitemapURL)
	if err != nil {
		l.logger.Debug("Failed to fetch sitemap", zap.String("url", sitemapURL), zap.Error(err))
		return
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		l.logger.Debug("Sitemap is not well-formed XML", zap.String("url", sitemapURL), zap.Error(err))
		return
	}
	root := doc.Root()
	if root == nil {
		return
	}

	switch root.Tag {
	case "sitemapindex":
		if depth > 0 {
			l.logger.Debug("Ignoring sitemap index nested inside an index", zap.String("url", sitemapURL))
			return
		}
		var wg sync.WaitGroup
		for _, loc := range doc.FindElements("//sitemap/loc") {
			nested := strings.TrimSpace(loc.Text())
			if nested == "" {
				continue
			}
			parsed, err := url.Parse(nested)
			if err != nil || !scope.Contains(parsed) {
				l.logger.Debug("Skipping out-of-scope nested sitemap", zap.String("url", nested))
				continue
			}
			if !budget.take() {
				l.logger.Warn("Sitemap budget exhausted, remaining index entries skipped.",
					zap.String("index", sitemapURL))
				break
			}
			wg.Add(1)
			go func(u string) {
				defer wg.Done()
				l.readSitemap(ctx, u, scope, depth+1, budget, out)
			}(nested)
		}
		wg.Wait()

	case "urlset":
		for _, loc := range doc.FindElements("//url/loc") {
			entry := strings.TrimSpace(loc.Text())
			if entry == "" {
				continue
			}
			select {
			case out <- entry:
			case <-ctx.Done():
				return
			}
		}

	default:
		l.logger.Debug("Unsupported sitemap root element",
			zap.String("url", sitemapURL), zap.String("tag", root.Tag))
	}
}

// fetch downloads a document. Transport-level compression is already
// undone by the client; payload-level gzip, the .xml.gz convention, is
// detected by magic bytes and unwrapped here.
func (l *SitemapLoader) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d for %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSitemapBytes))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}

	if len(body) > 2 && body[0] == 0x1f && body[1] == 0x8b {
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip payload: %w", err)
		}
		defer gz.Close()
		body, err = io.ReadAll(io.LimitReader(gz, maxSitemapBytes))
		if err != nil {
			return nil, fmt.Errorf("decompressing payload: %w", err)
		}
	}
	return body, nil
}

// staticExtensions lists paths a sitemap may carry that are never
// analyzable pages.
var staticExtensions = map[string]struct{}{
	".css": {}, ".js": {}, ".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {},
	".woff": {}, ".woff2": {}, ".ico": {}, ".svg": {}, ".ttf": {}, ".eot": {},
	".pdf": {}, ".zip": {},
}

// normalizeSite turns the operator's site argument into a base URL,
// defaulting to https when no scheme was given.
func normalizeSite(site string) (*url.URL, error) {
	s := strings.TrimSpace(site)
	if s == "" {
		return nil, fmt.Errorf("site must not be empty")
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid site %q: %w", site, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("site %q has no host", site)
	}
	return u, nil
}

// normalizePageURL canonicalizes one sitemap entry: fragments dropped,
// default ports stripped, query keys sorted, static assets and anything
// out of scope rejected.
func normalizePageURL(rawURL string, scope *Scope) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("relative URL in sitemap: %s", rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	u.Fragment = ""
	host := u.Host
	if (u.Scheme == "http" && strings.HasSuffix(host, ":80")) ||
		(u.Scheme == "https" && strings.HasSuffix(host, ":443")) {
		u.Host = u.Hostname()
	}
	if u.Path == "" {
		u.Path = "/"
	}
	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}

	if !scope.Contains(u) {
		return nil, fmt.Errorf("out of scope: %s", u.String())
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if _, skip := staticExtensions[ext]; skip {
		return nil, fmt.Errorf("static asset: %s", ext)
	}
	return u, nil
}

// pageTypePatterns maps URL path substrings to page types, first match
// wins. The patterns follow the site's URL layout: product pages live
// under /books/, curated reading lists under the-read-down.
var pageTypePatterns = []struct {
	substr string
	pt     PageType
}{
	{"/books/", PageTypeProduct},
	{"/book/", PageTypeProduct},
	{"the-read-down", PageTypeList},
	{"read-down", PageTypeList},
	{"/lists/", PageTypeList},
}

// ClassifyURL assigns a page type from the URL path alone.
func ClassifyURL(u *url.URL) PageType {
	p := strings.ToLower(u.Path)
	for _, pat := range pageTypePatterns {
		if strings.Contains(p, pat.substr) {
			return pat.pt
		}
	}
	return PageTypeDefault
}
