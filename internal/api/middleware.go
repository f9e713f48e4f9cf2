package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/oarkflow/cmpp-server/pkg/cmpp"
)

// requestLogger logs every request, at error level for 4xx and 5xx
func requestLogger(logger cmpp.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		c.Next()

		fields := []interface{}{
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
			"method", c.Request.Method,
			"path", path,
		}
		if c.Writer.Status() >= 400 {
			if errs := c.Errors.String(); errs != "" {
				fields = append(fields, "errors", errs)
			}
			logger.Error("HTTP request failed", fields...)
			return
		}
		logger.Debug("HTTP request", fields...)
	}
}
