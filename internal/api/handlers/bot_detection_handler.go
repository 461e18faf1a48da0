package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sitegrid/botguard/internal/api/middleware"
	"github.com/sitegrid/botguard/internal/services"
)

// isoMillis renders timestamps the way browser clients emit them.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// Guard evaluates a request descriptor.
type Guard interface {
	Evaluate(ctx context.Context, req services.RequestDescriptor) (*services.Verdict, error)
}

type BotDetectionHandler struct {
	guard Guard
}

func NewBotDetectionHandler(guard Guard) *BotDetectionHandler {
	return &BotDetectionHandler{guard: guard}
}

type botDetectionRequest struct {
	UserAgent        string            `json:"userAgent"`
	IP               string            `json:"ip"`
	Path             string            `json:"path"`
	Headers          map[string]string `json:"headers"`
	Fingerprint      string            `json:"fingerprint"`
	RequestsInWindow *int              `json:"requestsInWindow"`
}

type rateLimitInfo struct {
	Remaining int    `json:"remaining"`
	Reset     string `json:"reset"`
}

type evaluationResponse struct {
	Blocked   bool          `json:"blocked"`
	IsBot     bool          `json:"isBot"`
	Score     int           `json:"score"`
	Reasons   []string      `json:"reasons"`
	RateLimit rateLimitInfo `json:"rateLimit"`
}

// Evaluate handles POST /bot-detection.
func (h *BotDetectionHandler) Evaluate(c *gin.Context) {
	var req botDetectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	verdict, err := h.guard.Evaluate(c.Request.Context(), services.RequestDescriptor{
		IP:               req.IP,
		UserAgent:        req.UserAgent,
		Path:             req.Path,
		Headers:          req.Headers,
		Fingerprint:      req.Fingerprint,
		RequestsInWindow: req.RequestsInWindow,
	})
	if err != nil {
		if errors.Is(err, services.ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		middleware.GetRequestLogger(c).WithError(err).Error("bot detection failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	switch verdict.Kind {
	case services.VerdictBlocked:
		body := gin.H{"blocked": true, "reason": verdict.Reason}
		if verdict.ExpiresAt != nil {
			body["expiresAt"] = formatISO(*verdict.ExpiresAt)
		}
		c.JSON(http.StatusForbidden, body)
	case services.VerdictRateLimited:
		c.Header("Retry-After", strconv.Itoa(verdict.RetryAfter))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"blocked":    true,
			"reason":     verdict.Reason,
			"retryAfter": verdict.RetryAfter,
		})
	default:
		status := http.StatusOK
		if verdict.Detection.ShouldBlock {
			status = http.StatusForbidden
		}
		reasons := verdict.Detection.Reasons
		if reasons == nil {
			reasons = []string{}
		}
		c.JSON(status, evaluationResponse{
			Blocked: verdict.Detection.ShouldBlock,
			IsBot:   verdict.Detection.IsBot,
			Score:   verdict.Detection.Score,
			Reasons: reasons,
			RateLimit: rateLimitInfo{
				Remaining: verdict.Remaining,
				Reset:     formatISO(verdict.Reset),
			},
		})
	}
}

func formatISO(t time.Time) string {
	return t.UTC().Format(isoMillis)
}
