package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/oidebrett/crawler/internal/crawler"
	"github.com/oidebrett/crawler/internal/service"
	"github.com/oidebrett/crawler/internal/store"
)

type stubVector struct {
	mu    sync.Mutex
	sites []string
}

func (s *stubVector) DeleteBySite(ctx context.Context, site string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sites = append(s.sites, site)
	return nil
}

func (s *stubVector) deleted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sites...)
}

type stubFGA struct {
	mu    sync.Mutex
	sites []string
}

func (s *stubFGA) DeleteSite(ctx context.Context, site string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sites = append(s.sites, site)
	return nil
}

type appFixture struct {
	app      *fiber.App
	store    *store.Store
	queues   *crawler.SiteQueues
	progress *crawler.Progress
	vector   *stubVector
	dataDir  string
	seedURL  string
}

// newAppFixture wires the real service and expander behind the handlers,
// with a local sitemap server and stubbed external clients.
func newAppFixture(t *testing.T) *appFixture {
	t.Helper()

	dataDir := t.TempDir()
	st := store.New(dataDir)
	if err := st.EnsureDirs(); err != nil {
		t.Fatal(err)
	}

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9"><url><loc>%s/page1</loc></url><url><loc>%s/page2</loc></url></urlset>`, srv.URL, srv.URL)
	})

	queues := crawler.NewSiteQueues()
	progress := crawler.NewProgress()
	expander := crawler.NewExpander(st, progress, 2*time.Second, "test-agent")
	vec := &stubVector{}
	sites := service.NewSites(context.Background(), st, expander, queues, progress, vec, &stubFGA{})

	h := NewSiteHandler(sites, st, progress)
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Post("/process", h.Process)
	app.Post("/process_multiple", h.ProcessMultiple)
	app.Post("/toggle_pause/:site", h.TogglePause)
	app.Post("/delete_site/:site", h.Delete)
	app.Post("/restart_crawl/:site", h.Restart)
	app.Get("/status/:site", h.Status)
	app.Get("/sites", h.List)
	app.Get("/processing_status/:site", h.ProcessingStatus)

	return &appFixture{
		app:      app,
		store:    st,
		queues:   queues,
		progress: progress,
		vector:   vec,
		dataDir:  dataDir,
		seedURL:  srv.URL,
	}
}

func doJSON(t *testing.T, app *fiber.App, method, path string, payload any) (int, map[string]any) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatal(err)
		}
		body = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, body)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("%s %s: decode response: %v", method, path, err)
	}
	return resp.StatusCode, decoded
}

func getJSONList(t *testing.T, app *fiber.App, path string) (int, []any) {
	t.Helper()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil))
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()

	var decoded []any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("GET %s: decode response: %v", path, err)
	}
	return resp.StatusCode, decoded
}

func waitForExpansion(t *testing.T, st *store.Store, site string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		status, err := st.ReadStatus(site)
		if err == nil && status.SitemapProcessed && !status.Processing {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expansion for %s did not finish in time", site)
}

func TestProcessValidation(t *testing.T) {
	fx := newAppFixture(t)

	tests := []struct {
		name      string
		payload   any
		wantError string
	}{
		{
			name:      "missing url",
			payload:   map[string]any{},
			wantError: "URL is required",
		},
		{
			name:      "blank url",
			payload:   map[string]any{"url": "   "},
			wantError: "URL is required",
		},
		{
			name:      "invalid site name",
			payload:   map[string]any{"url": "https://x.test", "site_name": "bad name!"},
			wantError: "Site name can only contain letters, numbers, and underscores",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := doJSON(t, fx.app, http.MethodPost, "/process", tt.payload)
			if code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", code)
			}
			if body["error"] != tt.wantError {
				t.Errorf("error = %q, want %q", body["error"], tt.wantError)
			}
		})
	}
}

// Registering the same site twice reports already_existed and leaves the
// on-disk artifacts byte-identical.
func TestProcessIdempotent(t *testing.T) {
	fx := newAppFixture(t)

	code, body := doJSON(t, fx.app, http.MethodPost, "/process", map[string]any{
		"url":       fx.seedURL,
		"site_name": "x_test",
	})
	if code != http.StatusOK {
		t.Fatalf("first POST /process status = %d, want 200", code)
	}
	if body["site_name"] != "x_test" || body["processing"] != true {
		t.Fatalf("first POST /process body = %v", body)
	}
	waitForExpansion(t, fx.store, "x_test")

	urlsPath := filepath.Join(fx.dataDir, "urls", "x_test.txt")
	statusPath := filepath.Join(fx.dataDir, "status", "x_test.json")
	urlsBefore, err := os.ReadFile(urlsPath)
	if err != nil {
		t.Fatal(err)
	}
	statusBefore, err := os.ReadFile(statusPath)
	if err != nil {
		t.Fatal(err)
	}

	code, body = doJSON(t, fx.app, http.MethodPost, "/process", map[string]any{
		"url":       fx.seedURL,
		"site_name": "x_test",
	})
	if code != http.StatusOK {
		t.Fatalf("second POST /process status = %d, want 200", code)
	}
	if body["already_existed"] != true {
		t.Errorf("second registration body = %v, want already_existed", body)
	}
	if body["total_urls"] != float64(2) {
		t.Errorf("total_urls = %v, want 2", body["total_urls"])
	}

	urlsAfter, _ := os.ReadFile(urlsPath)
	statusAfter, _ := os.ReadFile(statusPath)
	if !bytes.Equal(urlsBefore, urlsAfter) {
		t.Error("urls file changed after a duplicate registration")
	}
	if !bytes.Equal(statusBefore, statusAfter) {
		t.Error("status file changed after a duplicate registration")
	}
}

func TestTogglePause(t *testing.T) {
	fx := newAppFixture(t)
	if err := fx.store.UpdateStatus("x_test", func(s *store.Status) {}); err != nil {
		t.Fatal(err)
	}

	code, body := doJSON(t, fx.app, http.MethodPost, "/toggle_pause/x_test", nil)
	if code != http.StatusOK || body["paused"] != true {
		t.Errorf("first toggle = %d %v, want paused true", code, body)
	}
	_, body = doJSON(t, fx.app, http.MethodPost, "/toggle_pause/x_test", nil)
	if body["paused"] != false {
		t.Errorf("second toggle = %v, want paused false", body)
	}

	status, _ := fx.store.ReadStatus("x_test")
	if status.Paused {
		t.Error("status file still paused after the second toggle")
	}
}

func TestStatusEndpoint(t *testing.T) {
	fx := newAppFixture(t)

	if err := fx.store.UpdateStatus("x_test", func(s *store.Status) {
		s.TotalURLs = 9
		s.CrawledURLs = 7
		s.OriginalURL = "https://x.test"
	}); err != nil {
		t.Fatal(err)
	}
	var recs []store.Record
	for i := 1; i <= 7; i++ {
		recs = append(recs, store.Record{
			"url":       fmt.Sprintf("https://x.test/p%d", i),
			"timestamp": "2026-01-02T03:04:05Z",
			"@type":     "Product",
			"name":      fmt.Sprintf("P%d", i),
		})
	}
	if err := fx.store.AppendRecords("x_test", recs); err != nil {
		t.Fatal(err)
	}

	code, body := doJSON(t, fx.app, http.MethodGet, "/status/x_test", nil)
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if body["total_urls"] != float64(9) || body["crawled_urls"] != float64(7) {
		t.Errorf("counts = %v/%v, want 9/7", body["total_urls"], body["crawled_urls"])
	}
	if body["original_url"] != "https://x.test" {
		t.Errorf("original_url = %v", body["original_url"])
	}

	recent, ok := body["recent_json"].([]any)
	if !ok || len(recent) != 5 {
		t.Fatalf("recent_json = %v, want 5 entries", body["recent_json"])
	}
	newest, _ := recent[0].(map[string]any)
	if newest["url"] != "https://x.test/p7" {
		t.Errorf("recent_json[0].url = %v, want the newest record", newest["url"])
	}
	data, _ := newest["data"].(map[string]any)
	if data["name"] != "P7" {
		t.Errorf("recent_json[0].data = %v", newest["data"])
	}
}

func TestSitesList(t *testing.T) {
	fx := newAppFixture(t)
	for _, site := range []string{"a_test", "b_test"} {
		if err := fx.store.UpdateStatus(site, func(s *store.Status) {
			s.TotalURLs = 3
		}); err != nil {
			t.Fatal(err)
		}
	}

	code, list := getJSONList(t, fx.app, "/sites")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if len(list) != 2 {
		t.Fatalf("GET /sites returned %d entries, want 2", len(list))
	}
	entry, _ := list[0].(map[string]any)
	for _, key := range []string{"name", "total_urls", "crawled_urls", "paused", "errors", "json_objects"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("site entry missing %q: %v", key, entry)
		}
	}
}

func TestDeleteSite(t *testing.T) {
	fx := newAppFixture(t)
	if err := fx.store.UpdateStatus("x_test", func(s *store.Status) {}); err != nil {
		t.Fatal(err)
	}
	if err := fx.store.WriteDoc("x_test", "https://x.test/a", []byte("<html></html>")); err != nil {
		t.Fatal(err)
	}

	code, body := doJSON(t, fx.app, http.MethodPost, "/delete_site/x_test", nil)
	if code != http.StatusOK || body["success"] != true {
		t.Fatalf("delete = %d %v, want success", code, body)
	}

	if fx.store.HasStatus("x_test") {
		t.Error("status file survived the delete")
	}
	if fx.store.HasDoc("x_test", "https://x.test/a") {
		t.Error("document survived the delete")
	}
	if !fx.queues.IsDeleted("x_test") {
		t.Error("queues were not marked deleted")
	}
	if deleted := fx.vector.deleted(); len(deleted) != 1 || deleted[0] != "x_test" {
		t.Errorf("vector deletes = %v, want the site", deleted)
	}
}

// Restarting wipes the artifacts and re-expands from the originally
// registered seed URL.
func TestRestartCrawl(t *testing.T) {
	fx := newAppFixture(t)

	code, _ := doJSON(t, fx.app, http.MethodPost, "/process", map[string]any{
		"url":       fx.seedURL,
		"site_name": "x_test",
	})
	if code != http.StatusOK {
		t.Fatalf("POST /process status = %d", code)
	}
	waitForExpansion(t, fx.store, "x_test")

	staleURL := fx.seedURL + "/page1"
	if err := fx.store.WriteDoc("x_test", staleURL, []byte("<html></html>")); err != nil {
		t.Fatal(err)
	}

	code, body := doJSON(t, fx.app, http.MethodPost, "/restart_crawl/x_test", nil)
	if code != http.StatusOK || body["success"] != true {
		t.Fatalf("restart = %d %v, want success", code, body)
	}
	waitForExpansion(t, fx.store, "x_test")

	status, _ := fx.store.ReadStatus("x_test")
	if status.OriginalURL != fx.seedURL {
		t.Errorf("original_url after restart = %q, want %q", status.OriginalURL, fx.seedURL)
	}
	if status.TotalURLs != 2 {
		t.Errorf("total_urls after restart = %d, want 2", status.TotalURLs)
	}
	if fx.store.HasDoc("x_test", staleURL) {
		t.Error("stale document survived the restart")
	}
	if fx.queues.IsDeleted("x_test") {
		t.Error("queues still marked deleted after the restart")
	}
}

func TestProcessingStatus(t *testing.T) {
	fx := newAppFixture(t)

	fx.progress.Set("x_test", crawler.ProgressNote{Status: "processing", Message: "Processing sitemap: https://x.test/sitemap.xml"})
	_, body := doJSON(t, fx.app, http.MethodGet, "/processing_status/x_test", nil)
	if body["status"] != "processing" || body["message"] == "" {
		t.Errorf("live note body = %v", body)
	}

	fx.progress.Clear("x_test")
	if err := fx.store.UpdateStatus("x_test", func(s *store.Status) {
		s.TotalURLs = 4
	}); err != nil {
		t.Fatal(err)
	}
	_, body = doJSON(t, fx.app, http.MethodGet, "/processing_status/x_test", nil)
	if body["status"] != "completed" || body["total_urls"] != float64(4) {
		t.Errorf("completed body = %v", body)
	}

	_, body = doJSON(t, fx.app, http.MethodGet, "/processing_status/unknown_site", nil)
	if body["status"] != "not_found" {
		t.Errorf("unknown site body = %v", body)
	}
}

func TestProcessMultiple(t *testing.T) {
	fx := newAppFixture(t)

	code, body := doJSON(t, fx.app, http.MethodPost, "/process_multiple", map[string]any{
		"urls": []string{},
	})
	if code != http.StatusBadRequest || body["error"] != "No URLs provided" {
		t.Errorf("empty batch = %d %v", code, body)
	}

	code, body = doJSON(t, fx.app, http.MethodPost, "/process_multiple", map[string]any{
		"urls": []string{fx.seedURL},
	})
	if code != http.StatusOK {
		t.Fatalf("batch status = %d, want 200", code)
	}
	if body["total_sites"] != float64(1) {
		t.Errorf("total_sites = %v, want 1", body["total_sites"])
	}
	results, _ := body["results"].([]any)
	if len(results) != 1 {
		t.Fatalf("results = %v", body["results"])
	}
	first, _ := results[0].(map[string]any)
	siteName, _ := first["site_name"].(string)
	if siteName == "" || first["processing"] != true {
		t.Errorf("first result = %v", first)
	}

	// Let the background expansion settle before the fixture tears down.
	waitForExpansion(t, fx.store, siteName)
}
