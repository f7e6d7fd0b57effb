package handler

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// LogHandler serves the crawler and error log views.
type LogHandler struct {
	logsDir string
}

func NewLogHandler(logsDir string) *LogHandler {
	return &LogHandler{logsDir: logsDir}
}

// ErrorEntry is one classified line of the error log.
type ErrorEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Type      string `json:"type"`
}

// CrawlerLog returns the last 100 lines of crawler.log, newest first.
func (h *LogHandler) CrawlerLog(c *fiber.Ctx) error {
	lines, err := readTail(filepath.Join(h.logsDir, "crawler.log"), 100)
	if err != nil {
		lines = []string{"No log file found. The crawler may not have run yet."}
	}
	reverse(lines)
	return c.JSON(fiber.Map{"lines": lines})
}

// ErrorLog returns the last 200 error log entries, classified and newest
// first.
func (h *LogHandler) ErrorLog(c *fiber.Ctx) error {
	lines, err := readTail(filepath.Join(h.logsDir, "error.log"), 200)
	if err != nil {
		return c.JSON(fiber.Map{"entries": []ErrorEntry{{
			Timestamp: "N/A",
			Level:     "INFO",
			Message:   "No errors logged yet.",
			Type:      "general",
		}}})
	}

	entries := make([]ErrorEntry, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " | ", 3)
		if len(parts) < 3 {
			continue
		}
		entries = append(entries, ErrorEntry{
			Timestamp: parts[0],
			Level:     parts[1],
			Message:   parts[2],
			Type:      classifyError(parts[2]),
		})
	}

	reversed := make([]ErrorEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		reversed = append(reversed, entries[i])
	}
	return c.JSON(fiber.Map{"entries": reversed})
}

func classifyError(message string) string {
	switch {
	case strings.Contains(message, "SITEMAP"):
		return "sitemap"
	case strings.Contains(message, "HTTP 429"):
		return "rate_limit"
	case strings.Contains(message, "TIMEOUT"):
		return "timeout"
	case strings.Contains(message, "HTTP 404"):
		return "not_found"
	default:
		return "general"
	}
}

// readTail returns the last n lines of the file at path.
func readTail(path string, n int) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		lines = nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

func reverse(lines []string) {
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
}
