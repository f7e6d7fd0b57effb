package handler

import (
	"github.com/gofiber/fiber/v2"
)

// PoolStatus reports whether the fetch pool is accepting work.
type PoolStatus interface {
	Running() bool
}

type SystemHandler struct {
	pool PoolStatus
}

func NewSystemHandler(pool PoolStatus) *SystemHandler {
	return &SystemHandler{pool: pool}
}

// CrawlerStatus handles GET /crawler_status.
func (h *SystemHandler) CrawlerStatus(c *fiber.Ctx) error {
	running := h.pool.Running()
	message := "Crawler is not running"
	if running {
		message = "Crawler is running"
	}

	return c.JSON(fiber.Map{
		"running": running,
		"message": message,
	})
}
