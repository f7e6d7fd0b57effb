package handler

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/oidebrett/crawler/internal/crawler"
	"github.com/oidebrett/crawler/internal/service"
	"github.com/oidebrett/crawler/internal/store"
	"github.com/oidebrett/crawler/pkg/logger"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

// SiteHandler serves the site lifecycle and status routes.
type SiteHandler struct {
	sites    *service.Sites
	store    *store.Store
	progress *crawler.Progress
}

func NewSiteHandler(sites *service.Sites, st *store.Store, progress *crawler.Progress) *SiteHandler {
	return &SiteHandler{
		sites:    sites,
		store:    st,
		progress: progress,
	}
}

type ProcessRequest struct {
	URL      string `json:"url"`
	Filter   string `json:"filter,omitempty"`
	SiteName string `json:"site_name,omitempty"`
}

// Process registers one site and starts its crawl in the background.
func (h *SiteHandler) Process(c *fiber.Ctx) error {
	var req ProcessRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(ErrorResponse{Error: "invalid request body"})
	}

	seedURL := strings.TrimSpace(req.URL)
	if seedURL == "" {
		return c.Status(400).JSON(ErrorResponse{Error: "URL is required"})
	}

	siteName := strings.TrimSpace(req.SiteName)
	if siteName != "" && !service.ValidSiteName(siteName) {
		return c.Status(400).JSON(ErrorResponse{Error: "Site name can only contain letters, numbers, and underscores"})
	}

	res, err := h.sites.Register(seedURL, strings.TrimSpace(req.Filter), siteName)
	if err != nil {
		if err == service.ErrInvalidSeed {
			return c.Status(400).JSON(ErrorResponse{Error: "invalid URL"})
		}
		logger.Log.Error().Err(err).Str("url", seedURL).Msg("registration failed")
		return c.Status(500).JSON(ErrorResponse{Error: "failed to register site"})
	}

	if res.AlreadyExisted {
		return c.JSON(fiber.Map{
			"site_name":       res.SiteName,
			"urls_found":      0,
			"total_urls":      res.TotalURLs,
			"already_existed": true,
		})
	}
	return c.JSON(fiber.Map{
		"site_name":  res.SiteName,
		"processing": true,
		"message":    "Site is being processed in the background",
	})
}

type ProcessMultipleRequest struct {
	URLs []string `json:"urls"`
}

// ProcessMultiple registers a batch of seed URLs, deriving every site name.
func (h *SiteHandler) ProcessMultiple(c *fiber.Ctx) error {
	var req ProcessMultipleRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(ErrorResponse{Error: "invalid request body"})
	}
	if len(req.URLs) == 0 {
		return c.Status(400).JSON(ErrorResponse{Error: "No URLs provided"})
	}

	results := make([]fiber.Map, 0, len(req.URLs))
	for _, raw := range req.URLs {
		seedURL := strings.TrimSpace(raw)
		if seedURL == "" {
			continue
		}

		res, err := h.sites.Register(seedURL, "", "")
		if err != nil {
			results = append(results, fiber.Map{"url": seedURL, "error": "invalid URL"})
			continue
		}
		if res.AlreadyExisted {
			results = append(results, fiber.Map{
				"site_name":       res.SiteName,
				"already_existed": true,
				"total_urls":      res.TotalURLs,
			})
			continue
		}
		results = append(results, fiber.Map{
			"site_name":       res.SiteName,
			"already_existed": false,
			"processing":      true,
		})
	}

	return c.JSON(fiber.Map{
		"total_sites": len(results),
		"results":     results,
		"message":     "Sites are being processed in the background",
	})
}

// TogglePause flips a site between paused and crawling.
func (h *SiteHandler) TogglePause(c *fiber.Ctx) error {
	site := c.Params("site")

	paused, err := h.sites.TogglePause(site)
	if err != nil {
		logger.Log.Error().Err(err).Str("site", site).Msg("toggle pause failed")
		return c.Status(500).JSON(ErrorResponse{Error: "failed to toggle pause"})
	}
	return c.JSON(fiber.Map{"paused": paused})
}

// Delete removes a site and everything it produced.
func (h *SiteHandler) Delete(c *fiber.Ctx) error {
	site := c.Params("site")

	if err := h.sites.Delete(c.Context(), site); err != nil {
		return c.Status(500).JSON(fiber.Map{"success": false, "message": err.Error()})
	}
	return c.JSON(fiber.Map{
		"success": true,
		"message": fmt.Sprintf("Site %s deleted successfully", site),
	})
}

// Restart wipes a site and crawls it again from its original seed URL.
func (h *SiteHandler) Restart(c *fiber.Ctx) error {
	site := c.Params("site")

	if err := h.sites.Restart(c.Context(), site); err != nil {
		return c.Status(500).JSON(fiber.Map{"success": false, "message": err.Error()})
	}
	return c.JSON(fiber.Map{
		"success":   true,
		"message":   fmt.Sprintf("Restarting crawl for %s", site),
		"site_name": site,
	})
}

// Status reports a site's progress snapshot plus its five newest records.
func (h *SiteHandler) Status(c *fiber.Ctx) error {
	site := c.Params("site")

	st, err := h.store.ReadStatus(site)
	if err != nil {
		logger.Log.Error().Err(err).Str("site", site).Msg("read status failed")
		return c.Status(500).JSON(ErrorResponse{Error: "failed to read status"})
	}

	recent := []fiber.Map{}
	if recs, err := h.store.ReadRecords(site); err == nil {
		start := 0
		if len(recs) > 5 {
			start = len(recs) - 5
		}
		for i := len(recs) - 1; i >= start; i-- {
			recent = append(recent, displayRecord(recs[i]))
		}
	}

	resp := fiber.Map{
		"total_urls":        st.TotalURLs,
		"crawled_urls":      st.CrawledURLs,
		"paused":            st.Paused,
		"processing":        st.Processing,
		"sitemap_processed": st.SitemapProcessed,
		"original_url":      st.OriginalURL,
		"errors":            st.Errors,
		"json_stats":        st.JSONStats,
		"last_updated":      st.LastUpdated,
		"recent_json":       recent,
	}
	if st.Filter != "" {
		resp["filter"] = st.Filter
	}
	if st.Error != "" {
		resp["error"] = st.Error
	}
	return c.JSON(resp)
}

// displayRecord shapes a stored record as {url, timestamp, data} for the
// status view. Records already carrying a data envelope pass through.
func displayRecord(rec store.Record) fiber.Map {
	if _, ok := rec["data"]; ok {
		return fiber.Map(rec)
	}
	data := make(map[string]any, len(rec))
	for k, v := range rec {
		if k == "url" || k == "timestamp" {
			continue
		}
		data[k] = v
	}
	return fiber.Map{
		"url":       rec.URL(),
		"timestamp": rec.Timestamp(),
		"data":      data,
	}
}

// List returns a summary row per registered site.
func (h *SiteHandler) List(c *fiber.Ctx) error {
	names, err := h.store.Sites()
	if err != nil {
		logger.Log.Error().Err(err).Msg("list sites failed")
		return c.Status(500).JSON(ErrorResponse{Error: "failed to list sites"})
	}

	sites := make([]fiber.Map, 0, len(names))
	for _, name := range names {
		st, err := h.store.ReadStatus(name)
		if err != nil {
			continue
		}
		sites = append(sites, fiber.Map{
			"name":         name,
			"total_urls":   st.TotalURLs,
			"crawled_urls": st.CrawledURLs,
			"paused":       st.Paused,
			"errors":       st.Errors,
			"json_objects": st.JSONStats.TotalObjects,
		})
	}
	return c.JSON(sites)
}

// ProcessingStatus reports live expansion progress, falling back to the
// status file once the note is gone.
func (h *SiteHandler) ProcessingStatus(c *fiber.Ctx) error {
	site := c.Params("site")

	if note, ok := h.progress.Get(site); ok {
		return c.JSON(note)
	}
	if h.store.HasStatus(site) {
		st, err := h.store.ReadStatus(site)
		if err != nil {
			return c.Status(500).JSON(ErrorResponse{Error: "failed to read status"})
		}
		if st.Processing {
			return c.JSON(fiber.Map{"status": "processing", "message": "Processing URLs..."})
		}
		return c.JSON(fiber.Map{"status": "completed", "total_urls": st.TotalURLs})
	}
	return c.JSON(fiber.Map{"status": "not_found"})
}
