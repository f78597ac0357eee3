// Package httpmw holds the gin middleware shared by the HTTP surface.
package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/stagehand/stagehand/internal/common/logger"
)

// RequestLogger logs each request after the handler completes. Health
// probes are skipped and websocket upgrades are logged on entry, since
// the connection outlives the handler.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	log = log.WithFields(zap.String("server", serverName))

	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if path == "/health" {
			c.Next()
			return
		}
		if path == "/ws" {
			log.Debug("websocket client connecting", zap.String("remote", c.ClientIP()))
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("remote", c.ClientIP()),
		}
		if delivery := c.GetHeader("Linear-Delivery"); delivery != "" {
			fields = append(fields, zap.String("delivery_id", delivery))
		}

		switch {
		case status >= 500:
			log.Error("http request failed", fields...)
		case status >= 400:
			log.Warn("http request rejected", fields...)
		default:
			log.Debug("http request", fields...)
		}
	}
}
