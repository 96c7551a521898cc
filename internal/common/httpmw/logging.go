// Package httpmw holds gin middleware shared by the HTTP surfaces.
package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/acphost/internal/common/logger"
)

// RequestLogger logs one line per request once the handler completes.
// Server errors log at error level, everything else at debug.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	log = logger.Or(log)
	return func(c *gin.Context) {
		start := time.Now()
		path := routeOf(c)

		c.Next()

		size := c.Writer.Size()
		if size < 0 {
			size = 0
		}
		fields := []zap.Field{
			zap.String("server", serverName),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Int("bytes", size),
		}
		if agentID := c.Param("id"); agentID != "" {
			fields = append(fields, zap.String("agent_id", agentID))
		}
		if c.Writer.Status() >= 500 {
			log.Error("http", fields...)
			return
		}
		log.Debug("http", fields...)
	}
}

func routeOf(c *gin.Context) string {
	if path := c.FullPath(); path != "" {
		return path
	}
	return c.Request.URL.Path
}
