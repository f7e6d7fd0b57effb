package service

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"strings"

	"github.com/oidebrett/crawler/internal/crawler"
	"github.com/oidebrett/crawler/internal/store"
	"github.com/oidebrett/crawler/pkg/logger"
)

// ErrInvalidSeed means no site name could be derived from the seed URL.
var ErrInvalidSeed = errors.New("invalid seed url")

var siteNameRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ValidSiteName reports whether an operator-supplied site name is usable.
// Derived names are exempt; hosts legitimately contain hyphens.
func ValidSiteName(name string) bool {
	return siteNameRe.MatchString(name)
}

// SiteNameFromURL derives the canonical site name from a URL's host, dots
// becoming underscores. A bare host without scheme is accepted.
func SiteNameFromURL(raw string) string {
	input := strings.TrimSpace(raw)
	if input == "" {
		return ""
	}
	if !strings.Contains(input, "://") {
		input = "https://" + input
	}
	u, err := url.Parse(input)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ReplaceAll(u.Host, ".", "_")
}

// VectorStore is the service's view of the external vector database.
type VectorStore interface {
	DeleteBySite(ctx context.Context, site string) error
}

// AccessControl revokes a deleted site's permission tuples.
type AccessControl interface {
	DeleteSite(ctx context.Context, site string) error
}

// RegisterResult is what a registration attempt produced.
type RegisterResult struct {
	SiteName       string
	AlreadyExisted bool
	TotalURLs      int
}

// Sites owns site lifecycle: registration with background sitemap
// expansion, pause, restart, deletion, and periodic sitemap refresh.
type Sites struct {
	runCtx   context.Context
	store    *store.Store
	expander *crawler.Expander
	queues   *crawler.SiteQueues
	progress *crawler.Progress
	vector   VectorStore
	fga      AccessControl
}

// NewSites wires the service. runCtx bounds background expansions so they
// stop with the process, not with the request that started them.
func NewSites(runCtx context.Context, st *store.Store, expander *crawler.Expander, queues *crawler.SiteQueues, progress *crawler.Progress, vector VectorStore, fga AccessControl) *Sites {
	return &Sites{
		runCtx:   runCtx,
		store:    st,
		expander: expander,
		queues:   queues,
		progress: progress,
		vector:   vector,
		fga:      fga,
	}
}

// Register starts crawling a site. Registering a known site changes
// nothing on disk and reports the current URL count.
func (s *Sites) Register(seedURL, filter, siteName string) (RegisterResult, error) {
	log := logger.Log

	name := strings.TrimSpace(siteName)
	if name == "" {
		name = SiteNameFromURL(seedURL)
	}
	if name == "" {
		return RegisterResult{}, ErrInvalidSeed
	}

	if s.store.HasStatus(name) {
		urls, err := s.store.ReadURLs(name)
		if err != nil {
			return RegisterResult{}, err
		}
		log.Info().Str("site", name).Int("urls", len(urls)).Msg("site already registered")
		return RegisterResult{SiteName: name, AlreadyExisted: true, TotalURLs: len(urls)}, nil
	}

	if err := s.start(name, seedURL, filter); err != nil {
		return RegisterResult{}, err
	}
	log.Info().Str("site", name).Str("url", seedURL).Msg("site registered")
	return RegisterResult{SiteName: name}, nil
}

// start seeds the status file and kicks off expansion in the background.
func (s *Sites) start(name, seedURL, filter string) error {
	s.queues.Revive(name)
	err := s.store.UpdateStatus(name, func(st *store.Status) {
		*st = store.Status{
			Processing:  true,
			OriginalURL: seedURL,
			Filter:      filter,
			Errors:      map[string]int{},
			JSONStats:   store.JSONStats{TypeCounts: map[string]int{}},
		}
	})
	if err != nil {
		return err
	}

	go func() {
		if err := s.expander.Expand(s.runCtx, name, seedURL, filter); err != nil && !errors.Is(err, context.Canceled) {
			logger.Log.Error().Err(err).Str("site", name).Msg("expansion failed")
		}
	}()
	return nil
}

// TogglePause flips the site's paused flag and returns the new value.
func (s *Sites) TogglePause(site string) (bool, error) {
	var paused bool
	err := s.store.UpdateStatus(site, func(st *store.Status) {
		st.Paused = !st.Paused
		paused = st.Paused
	})
	if err != nil {
		return false, err
	}
	logger.Log.Info().Str("site", site).Bool("paused", paused).Msg("pause toggled")
	return paused, nil
}

// Delete removes the site everywhere. External removals are best-effort;
// the file store is authoritative and its failure is the only one
// reported.
func (s *Sites) Delete(ctx context.Context, site string) error {
	log := logger.Log

	s.queues.MarkDeleted(site)

	if err := s.vector.DeleteBySite(ctx, site); err != nil {
		log.Error().Err(err).Str("site", site).Msg("vector delete failed")
	}
	if err := s.fga.DeleteSite(ctx, site); err != nil {
		log.Warn().Err(err).Str("site", site).Msg("permission revoke failed")
	}
	if err := s.store.DeleteSite(site); err != nil {
		return err
	}
	s.progress.Clear(site)
	log.Info().Str("site", site).Msg("site deleted")
	return nil
}

// Restart wipes the site and crawls it again from its original seed URL,
// keeping the filter it was registered with. Without a recorded seed the
// site name is mapped back to a host.
func (s *Sites) Restart(ctx context.Context, site string) error {
	st, err := s.store.ReadStatus(site)
	if err != nil {
		return err
	}
	seed := st.OriginalURL
	if seed == "" {
		seed = "https://" + strings.ReplaceAll(site, "_", ".")
	}
	filter := st.Filter

	if err := s.Delete(ctx, site); err != nil {
		return err
	}
	if err := s.start(site, seed, filter); err != nil {
		return err
	}
	logger.Log.Info().Str("site", site).Str("url", seed).Msg("crawl restarted")
	return nil
}

// RefreshAll re-expands every idle site's sitemaps so new URLs are picked
// up and vanished ones get reconciled away. Paused and mid-expansion
// sites are skipped.
func (s *Sites) RefreshAll(ctx context.Context) {
	log := logger.Log

	sites, err := s.store.Sites()
	if err != nil {
		log.Error().Err(err).Msg("list sites failed")
		return
	}

	for _, site := range sites {
		if ctx.Err() != nil {
			return
		}
		if s.queues.IsDeleted(site) {
			continue
		}
		st, err := s.store.ReadStatus(site)
		if err != nil {
			log.Error().Err(err).Str("site", site).Msg("read status failed")
			continue
		}
		if st.Paused || st.Processing || !st.SitemapProcessed || st.OriginalURL == "" {
			continue
		}
		if err := s.expander.Refresh(ctx, site, st.OriginalURL, st.Filter); err != nil {
			log.Error().Err(err).Str("site", site).Msg("sitemap refresh failed")
		}
	}
}
