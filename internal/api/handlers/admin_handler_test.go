package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitegrid/botguard/internal/models"
	"github.com/sitegrid/botguard/internal/ratelimit"
)

func adminRouter(s *handlerStack) *gin.Engine {
	r := gin.New()
	h := NewAdminHandler(s.logs, s.limiter)
	r.GET("/admin/detections", h.ListDetections)
	r.GET("/admin/rate-limits/:identifier", h.GetRateLimit)
	r.DELETE("/admin/rate-limits/:identifier", h.ResetRateLimit)
	return r
}

func doAdmin(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func seedDetections(t *testing.T, s *handlerStack) {
	t.Helper()
	ctx := context.Background()
	expires := handlerTestNow.Add(time.Hour)
	rows := []*models.BotDetectionLog{
		{IPAddress: "192.0.2.1", BotScore: 0, CreatedAt: handlerTestNow.Add(-3 * time.Minute)},
		{IPAddress: "192.0.2.1", BotScore: 55, IsBot: true, CreatedAt: handlerTestNow.Add(-2 * time.Minute)},
		{IPAddress: "192.0.2.2", BotScore: 95, IsBot: true, IsBlocked: true, BlockExpiresAt: &expires, CreatedAt: handlerTestNow.Add(-time.Minute)},
	}
	for _, row := range rows {
		require.NoError(t, s.logs.Append(ctx, row))
	}
}

type detectionsResponse struct {
	Detections []models.BotDetectionLog `json:"detections"`
	Count      int                      `json:"count"`
}

func TestAdminHandler_ListDetections(t *testing.T) {
	s := newHandlerStack(t, ratelimit.DefaultRules())
	seedDetections(t, s)
	r := adminRouter(s)

	tests := []struct {
		name      string
		query     string
		wantCount int
		wantFirst string
	}{
		{"all", "", 3, "192.0.2.2"},
		{"by ip", "?ip=192.0.2.1", 2, "192.0.2.1"},
		{"blocked only", "?blocked=true", 1, "192.0.2.2"},
		{"not blocked", "?blocked=false", 2, "192.0.2.1"},
		{"limit", "?limit=1", 1, "192.0.2.2"},
		{"limit above max is clamped", "?limit=5000", 3, "192.0.2.2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doAdmin(r, http.MethodGet, "/admin/detections"+tt.query)
			require.Equal(t, http.StatusOK, w.Code)

			var resp detectionsResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantCount, resp.Count)
			require.Len(t, resp.Detections, tt.wantCount)
			assert.Equal(t, tt.wantFirst, resp.Detections[0].IPAddress)
		})
	}
}

func TestAdminHandler_ListDetectionsBadQuery(t *testing.T) {
	r := adminRouter(newHandlerStack(t, ratelimit.DefaultRules()))

	for _, q := range []string{"?blocked=maybe", "?limit=0", "?limit=ten"} {
		w := doAdmin(r, http.MethodGet, "/admin/detections"+q)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestAdminHandler_RateLimitStateAndReset(t *testing.T) {
	rules := ratelimit.DefaultRules()
	rules.MaxRequests = 1
	s := newHandlerStack(t, rules)
	r := adminRouter(s)
	ctx := context.Background()

	w := doAdmin(r, http.MethodGet, "/admin/rate-limits/192.0.2.9")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = doAdmin(r, http.MethodDelete, "/admin/rate-limits/192.0.2.9")
	assert.Equal(t, http.StatusNotFound, w.Code)

	for i := 0; i < 2; i++ {
		_, err := s.limiter.Check(ctx, "192.0.2.9", "/login")
		require.NoError(t, err)
	}

	w = doAdmin(r, http.MethodGet, "/admin/rate-limits/192.0.2.9")
	require.Equal(t, http.StatusOK, w.Code)
	var state models.RateLimitState
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	assert.Equal(t, "192.0.2.9", state.Identifier)
	assert.Equal(t, 2, state.RequestCount)
	assert.True(t, state.IsBlocked)
	assert.Equal(t, 1, state.ConsecutiveViolations)

	w = doAdmin(r, http.MethodDelete, "/admin/rate-limits/192.0.2.9")
	assert.Equal(t, http.StatusNoContent, w.Code)

	res, err := s.limiter.Check(ctx, "192.0.2.9", "/login")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	after, err := s.limiter.State(ctx, "192.0.2.9")
	require.NoError(t, err)
	assert.Equal(t, 1, after.TotalViolations, "total violations survive a reset")
	assert.Equal(t, 0, after.ConsecutiveViolations)
}
