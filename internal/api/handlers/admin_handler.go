package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/sitegrid/botguard/internal/api/middleware"
	"github.com/sitegrid/botguard/internal/models"
	"github.com/sitegrid/botguard/internal/ratelimit"
	"github.com/sitegrid/botguard/internal/services"
	"github.com/sitegrid/botguard/internal/util"
)

// DetectionLister reads the detection log.
type DetectionLister interface {
	List(ctx context.Context, filter services.DetectionFilter) ([]models.BotDetectionLog, error)
}

// RateLimitAdmin inspects and clears rate limit state.
type RateLimitAdmin interface {
	State(ctx context.Context, identifier string) (*models.RateLimitState, error)
	Reset(ctx context.Context, identifier string) error
}

// AdminHandler serves the operator endpoints.
type AdminHandler struct {
	logs    DetectionLister
	limiter RateLimitAdmin
}

func NewAdminHandler(logs DetectionLister, limiter RateLimitAdmin) *AdminHandler {
	return &AdminHandler{logs: logs, limiter: limiter}
}

// ListDetections handles GET /admin/detections?ip=&blocked=&limit=.
func (h *AdminHandler) ListDetections(c *gin.Context) {
	filter := services.DetectionFilter{IP: c.Query("ip")}

	if raw := c.Query("blocked"); raw != "" {
		blocked, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "blocked must be a boolean"})
			return
		}
		filter.Blocked = &blocked
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		filter.Limit = limit
	}

	entries, err := h.logs.List(c.Request.Context(), filter)
	if err != nil {
		middleware.GetRequestLogger(c).WithError(err).Error("list detections failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list detections"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"detections": entries, "count": len(entries)})
}

// GetRateLimit handles GET /admin/rate-limits/:identifier.
func (h *AdminHandler) GetRateLimit(c *gin.Context) {
	id := c.Param("identifier")
	state, err := h.limiter.State(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ratelimit.ErrStateNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no rate limit state for identifier"})
			return
		}
		middleware.GetRequestLogger(c).WithError(err).Error("get rate limit state failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load rate limit state"})
		return
	}
	c.JSON(http.StatusOK, state)
}

// ResetRateLimit handles DELETE /admin/rate-limits/:identifier.
func (h *AdminHandler) ResetRateLimit(c *gin.Context) {
	id := c.Param("identifier")
	if err := h.limiter.Reset(c.Request.Context(), id); err != nil {
		if errors.Is(err, ratelimit.ErrStateNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no rate limit state for identifier"})
			return
		}
		middleware.GetRequestLogger(c).WithError(err).Error("reset rate limit failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reset rate limit"})
		return
	}
	middleware.GetRequestLogger(c).WithField("identifier", util.SanitizeForLog(id)).
		WithField("subject", c.GetString("subject")).Info("rate limit reset by operator")
	c.Status(http.StatusNoContent)
}
