package logging

import (
	"time"

	"github.com/gin-gonic/gin"
)

// CorrelationHeader carries the request correlation ID in both directions.
const CorrelationHeader = "X-Correlation-ID"

// GinMiddleware adds correlation ID and request logging to gin handlers
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Generate or extract correlation ID
		correlationID := c.GetHeader(CorrelationHeader)
		if correlationID == "" {
			correlationID = NewCorrelationID()
		}

		ctx := WithCorrelationID(c.Request.Context(), correlationID)
		c.Request = c.Request.WithContext(ctx)
		c.Header(CorrelationHeader, correlationID)

		start := time.Now()
		Debug(ctx, ComponentHTTP, ActionRequest, "HTTP request started", map[string]interface{}{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"query":      c.Request.URL.RawQuery,
			"remote_ip":  c.ClientIP(),
			"user_agent": c.Request.UserAgent(),
		})

		c.Next()

		status := c.Writer.Status()
		level := INFO
		if status >= 500 {
			level = ERROR
		} else if status >= 400 {
			level = WARN
		}

		WithDuration(ctx, level, ComponentHTTP, ActionResponse, "HTTP request completed", time.Since(start), map[string]interface{}{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status_code": status,
			"bytes_sent":  c.Writer.Size(),
		})
	}
}
