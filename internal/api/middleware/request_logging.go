package middleware

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/relaybroker/ccrelay/internal/logging"
	"github.com/relaybroker/ccrelay/internal/util"
)

// RequestLogging installs the byte-tracking response writer and emits one
// structured log line per request once the handler chain completes.
func RequestLogging() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		tw := wrapResponseWriter(c)

		c.Next()

		path := c.Request.URL.Path
		if masked := util.MaskSensitiveQuery(c.Request.URL.RawQuery); masked != "" {
			path = path + "?" + masked
		}
		latency := time.Since(start).Truncate(time.Millisecond)
		requestID := logging.GetGinRequestID(c)
		if requestID == "" {
			requestID = "--------"
		}

		entry := log.WithFields(log.Fields{
			"request_id": requestID,
			"account_id": c.Writer.Header().Get("x-relay-account-id"),
		})
		logLine := fmt.Sprintf("%3d | %10v | %7d B | %-7s \"%s\"", c.Writer.Status(), latency, tw.bytesSent, c.Request.Method, path)

		switch {
		case c.Writer.Status() >= 500:
			entry.Error(logLine)
		case c.Writer.Status() >= 400:
			entry.Warn(logLine)
		default:
			entry.Info(logLine)
		}
	}
}
