package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
)

// HandleStats 输出简单的 HTML 统计页：条目数与总字节数。
func (h *Handler) HandleStats(c fiber.Ctx) error {
	count, err := h.store.Count()
	if err != nil {
		h.logger.WithError(err).Warn("stats_count_failed")
	}
	total, err := h.store.SizeTotal()
	if err != nil {
		h.logger.WithError(err).Warn("stats_size_failed")
	}

	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return c.SendString(fmt.Sprintf(
		`<!DOCTYPE html>
<html>
<head><title>flower-cache</title></head>
<body>
<h1>flower-cache</h1>
<p>Blobs: %d</p>
<p>Total size: %d bytes</p>
</body>
</html>
`, count, total))
}
