package handler

import (
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"
)

type fakePool struct {
	running bool
}

func (f *fakePool) Running() bool { return f.running }

func TestCrawlerStatus(t *testing.T) {
	tests := []struct {
		name        string
		running     bool
		wantMessage string
	}{
		{"running", true, "Crawler is running"},
		{"stopped", false, "Crawler is not running"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewSystemHandler(&fakePool{running: tt.running})
			app := fiber.New(fiber.Config{DisableStartupMessage: true})
			app.Get("/crawler_status", h.CrawlerStatus)

			_, body := doJSON(t, app, http.MethodGet, "/crawler_status", nil)
			if body["running"] != tt.running {
				t.Errorf("running = %v, want %v", body["running"], tt.running)
			}
			if body["message"] != tt.wantMessage {
				t.Errorf("message = %q, want %q", body["message"], tt.wantMessage)
			}
		})
	}
}
