package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Gin context keys set by the identity middleware.
const (
	OrganisationKey = "organisation_id"
	UserKey         = "user_id"
)

// RequestLog writes one access log line per request.
func RequestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetString(HeaderRequestID)),
		}
		if org := c.GetString(OrganisationKey); org != "" {
			fields = append(fields, zap.String("organisation_id", org))
		}

		switch {
		case c.Writer.Status() >= 500:
			zap.L().Error("[HTTP] request", fields...)
		case c.Writer.Status() >= 400:
			zap.L().Warn("[HTTP] request", fields...)
		default:
			zap.L().Info("[HTTP] request", fields...)
		}
	}
}
