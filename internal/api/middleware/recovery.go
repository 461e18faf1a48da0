package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/sitegrid/botguard/internal/metrics"
	"github.com/sitegrid/botguard/internal/util"
)

// Recovery turns a handler panic into a JSON 500 and counts it per route.
// Headers already set by earlier middleware (CORS, request ID) are kept.
// With verbose set the log entry also carries the stack and sanitized
// request headers.
func Recovery(verbose bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			route := c.FullPath()
			if route == "" {
				route = "unmatched"
			}
			metrics.IncHandlerPanic(route)

			entry := GetRequestLogger(c).WithFields(logrus.Fields{
				"source":    "recovery",
				"route":     route,
				"client_ip": util.SanitizeForLog(c.ClientIP()),
			})
			if verbose {
				entry.WithFields(logrus.Fields{
					"method":  c.Request.Method,
					"path":    SanitizePath(c.Request.URL.Path),
					"headers": SanitizeHeaders(c.Request.Header),
				}).Errorf("PANIC: %v\nStacktrace:\n%s", r, debug.Stack())
			} else {
				entry.Errorf("PANIC: %v", r)
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		}()
		c.Next()
	}
}
