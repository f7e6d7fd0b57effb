package crawler

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oidebrett/crawler/internal/store"
	"github.com/oidebrett/crawler/pkg/logger"
)

// sitemapIndex and urlSet follow the sitemaps.org 0.9 schema.
type sitemapIndex struct {
	XMLName  xml.Name `xml:"sitemapindex"`
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
}

type urlSet struct {
	XMLName xml.Name `xml:"urlset"`
	URLs    []struct {
		Loc string `xml:"loc"`
	} `xml:"url"`
}

// Expander resolves a seed URL into a site's URL list by collecting robots.txt
// Sitemap directives and walking sitemap indexes breadth-first. Individual
// sitemap failures are skipped; expansion always ends with the site marked
// sitemap_processed so the fetch stage is unblocked.
type Expander struct {
	store     *store.Store
	progress  *Progress
	client    *http.Client
	userAgent string
}

func NewExpander(st *store.Store, progress *Progress, timeout time.Duration, userAgent string) *Expander {
	return &Expander{
		store:     st,
		progress:  progress,
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
	}
}

// Expand walks the seed's sitemaps, union-merging discovered URLs into the
// site's list after every sitemap so progress is visible incrementally.
func (e *Expander) Expand(ctx context.Context, site, seedURL, filter string) error {
	log := logger.Log
	e.progress.Set(site, ProgressNote{Status: "processing", Message: "Fetching sitemaps..."})

	seeds := e.discover(ctx, site, seedURL, true)

	total := 0
	err := e.walk(ctx, site, seeds, filter, func(sm string) {
		e.progress.Set(site, ProgressNote{Status: "processing", Message: "Processing sitemap: " + sm})
	}, func(urls []string) error {
		merged, err := e.store.MergeURLs(site, urls)
		if err != nil {
			return err
		}
		total = merged
		return e.store.UpdateStatus(site, func(st *store.Status) {
			st.TotalURLs = merged
			st.Processing = true
		})
	})
	if err != nil {
		e.finishWithError(site, err)
		return err
	}

	if err := e.store.UpdateStatus(site, func(st *store.Status) {
		st.Processing = false
		st.SitemapProcessed = true
	}); err != nil {
		return err
	}
	e.progress.Set(site, ProgressNote{Status: "completed", URLsFound: total, TotalURLs: total})
	log.Info().Str("site", site).Int("urls", total).Msg("sitemap expansion finished")
	return nil
}

// Refresh re-expands the seed and replaces the URL list wholesale, so URLs
// dropped upstream vanish from the list and reconciliation can propagate the
// deletions. It does not touch the expansion progress notes.
func (e *Expander) Refresh(ctx context.Context, site, seedURL, filter string) error {
	seeds := e.discover(ctx, site, seedURL, false)

	seen := make(map[string]struct{})
	var fresh []string
	err := e.walk(ctx, site, seeds, filter, nil, func(urls []string) error {
		for _, u := range urls {
			if _, dup := seen[u]; !dup {
				seen[u] = struct{}{}
				fresh = append(fresh, u)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	total, err := e.store.ReplaceURLs(site, fresh)
	if err != nil {
		return err
	}
	return e.store.UpdateStatus(site, func(st *store.Status) {
		st.TotalURLs = total
	})
}

func (e *Expander) finishWithError(site string, cause error) {
	log := logger.Log
	err := e.store.UpdateStatus(site, func(st *store.Status) {
		st.Processing = false
		st.SitemapProcessed = true
		st.Error = cause.Error()
	})
	if err != nil {
		log.Error().Err(err).Str("site", site).Msg("update status after failed expansion")
	}
	e.progress.Set(site, ProgressNote{Status: "error", Message: cause.Error()})
}

// discover resolves the seed into the initial sitemap frontier: the seed
// itself when it already names a sitemap, otherwise the robots.txt Sitemap
// directives, otherwise the conventional /sitemap.xml.
func (e *Expander) discover(ctx context.Context, site, seedURL string, announce bool) []string {
	log := logger.Log
	if isSitemapSeed(seedURL) {
		return []string{seedURL}
	}

	if announce {
		e.progress.Set(site, ProgressNote{Status: "processing", Message: "Checking robots.txt..."})
	}
	seed := strings.TrimRight(seedURL, "/")
	body, status, err := e.get(ctx, seed+"/robots.txt")
	if err != nil {
		log.Warn().Str("site", site).Str("url", seed+"/robots.txt").Err(err).Msg("robots.txt unreachable")
	} else if status != http.StatusOK {
		log.Warn().Str("site", site).Int("status", status).Msg("robots.txt not available")
	} else if sitemaps := parseRobotsSitemaps(body); len(sitemaps) > 0 {
		return sitemaps
	}
	return []string{seed + "/sitemap.xml"}
}

// isSitemapSeed reports whether the URL should be treated as a sitemap
// directly instead of a website root.
func isSitemapSeed(url string) bool {
	lower := strings.ToLower(url)
	return strings.Contains(lower, "sitemap") || strings.HasSuffix(strings.TrimRight(lower, "/"), ".xml")
}

// parseRobotsSitemaps collects the values of case-insensitive "Sitemap:"
// lines.
func parseRobotsSitemaps(body []byte) []string {
	var sitemaps []string
	for _, line := range strings.Split(string(body), "\n") {
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(parts[0]), "sitemap") {
			continue
		}
		if loc := strings.TrimSpace(parts[1]); loc != "" {
			sitemaps = append(sitemaps, loc)
		}
	}
	return sitemaps
}

// walk processes the sitemap frontier breadth-first with a visited set so
// cyclic indexes terminate. merge is called with the filtered URLs of every
// leaf sitemap; its errors abort the walk, per-sitemap errors do not.
func (e *Expander) walk(ctx context.Context, site string, seeds []string, filter string, announce func(string), merge func([]string) error) error {
	log := logger.Log
	visited := make(map[string]struct{})
	frontier := append([]string(nil), seeds...)

	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		sm := frontier[0]
		frontier = frontier[1:]
		if _, seen := visited[sm]; seen {
			continue
		}
		visited[sm] = struct{}{}

		if announce != nil {
			announce(sm)
		}

		body, err := e.fetchSitemap(ctx, sm)
		if err != nil {
			log.Error().Err(err).Str("site", site).Msg("SITEMAP | fetch failed | " + sm)
			continue
		}
		children, urls, err := parseSitemap(body)
		if err != nil {
			log.Error().Err(err).Str("site", site).Msg("SITEMAP | parse failed | " + sm)
			continue
		}
		if len(children) > 0 {
			frontier = append(frontier, children...)
			continue
		}

		kept := urls[:0]
		for _, u := range urls {
			if filter == "" || strings.Contains(u, filter) {
				kept = append(kept, u)
			}
		}
		if err := merge(kept); err != nil {
			return err
		}
	}
	return nil
}

func (e *Expander) fetchSitemap(ctx context.Context, url string) ([]byte, error) {
	body, status, err := e.get(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetch sitemap: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("fetch sitemap: HTTP %d", status)
	}
	if strings.HasSuffix(strings.ToLower(url), ".gz") {
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("decompress sitemap: %w", err)
		}
		defer gz.Close()
		if body, err = io.ReadAll(gz); err != nil {
			return nil, fmt.Errorf("decompress sitemap: %w", err)
		}
	}
	return body, nil
}

// parseSitemap decodes a sitemap document, returning either child sitemap
// URLs (index) or page URLs (urlset).
func parseSitemap(data []byte) (children, urls []string, err error) {
	var idx sitemapIndex
	if xml.Unmarshal(data, &idx) == nil {
		for _, sm := range idx.Sitemaps {
			if loc := strings.TrimSpace(sm.Loc); loc != "" {
				children = append(children, loc)
			}
		}
		return children, nil, nil
	}

	var set urlSet
	if err := xml.Unmarshal(data, &set); err != nil {
		return nil, nil, fmt.Errorf("parse sitemap xml: %w", err)
	}
	for _, u := range set.URLs {
		if loc := strings.TrimSpace(u.Loc); loc != "" {
			urls = append(urls, loc)
		}
	}
	return nil, urls, nil
}

func (e *Expander) get(ctx context.Context, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", e.userAgent)
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}
