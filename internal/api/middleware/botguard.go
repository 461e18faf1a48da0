package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/sitegrid/botguard/internal/services"
)

// Evaluator decides on a request. Implemented by services.GuardService.
type Evaluator interface {
	Evaluate(ctx context.Context, req services.RequestDescriptor) (*services.Verdict, error)
}

// BotGuard runs the service's own bot and rate limit checks against inbound
// requests, so the admin API is protected like any other client endpoint.
// Errors from the guard fail open.
func BotGuard(guard Evaluator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if guard == nil {
			c.Next()
			return
		}

		headers := make(map[string]string, len(c.Request.Header))
		for name, values := range c.Request.Header {
			headers[strings.ToLower(name)] = strings.Join(values, ", ")
		}

		verdict, err := guard.Evaluate(c.Request.Context(), services.RequestDescriptor{
			IP:        c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
			Path:      c.Request.URL.Path,
			Headers:   headers,
		})
		if err != nil {
			if !errors.Is(err, services.ErrInvalidRequest) {
				GetRequestLogger(c).WithError(err).Error("bot guard evaluation failed")
			}
			c.Next()
			return
		}

		entry := GetRequestLogger(c).WithFields(logrus.Fields{
			"source":   "botguard",
			"verdict":  verdict.Kind,
			"path":     SanitizePath(c.Request.URL.Path),
			"decision": "block",
		})
		switch {
		case verdict.Kind == services.VerdictRateLimited:
			entry.Warn("rate limited admin request")
			c.Header("Retry-After", strconv.Itoa(verdict.RetryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": verdict.Reason})
			return
		case verdict.Denied():
			entry.Warn("blocked admin request")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Blocked by bot protection"})
			return
		}

		c.Next()
	}
}
