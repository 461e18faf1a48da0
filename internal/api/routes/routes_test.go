package routes

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/sitegrid/botguard/internal/api/middleware"
	"github.com/sitegrid/botguard/internal/config"
	"github.com/sitegrid/botguard/internal/detection"
	"github.com/sitegrid/botguard/internal/metrics"
	"github.com/sitegrid/botguard/internal/ratelimit"
	"github.com/sitegrid/botguard/internal/services"
)

const adminSecret = "routes-test-secret"

func setupRoutes(t *testing.T, cfg config.Config) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s_%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"), uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	logs := services.NewDetectionLogService(db)
	limiter := ratelimit.New(ratelimit.NewSQLStore(db), ratelimit.DefaultRules(), nil)
	guard := services.NewGuardService(logs, detection.New(detection.DefaultPolicy()), limiter, nil, services.GuardOptions{})

	reg := prometheus.NewRegistry()
	metrics.Register(reg)

	router := gin.New()
	require.NoError(t, Register(router, db, cfg, Dependencies{
		Guard:    guard,
		Logs:     logs,
		Limiter:  limiter,
		Gatherer: reg,
	}))
	return router
}

func serve(r *gin.Engine, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRegister(t *testing.T) {
	router := setupRoutes(t, config.Config{RateLimitBackend: config.BackendSQL})

	routes := router.Routes()
	paths := make(map[string]bool)
	for _, r := range routes {
		paths[r.Method+" "+r.Path] = true
	}

	assert.True(t, paths["GET /api/v1/health"])
	assert.True(t, paths["GET /metrics"])
	assert.True(t, paths["POST /api/v1/bot-detection"])
	assert.True(t, paths["POST /functions/v1/bot-detection"])
	assert.False(t, paths["GET /api/v1/admin/detections"], "admin API needs a secret")
}

func TestRegister_RequiresDependencies(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	assert.Error(t, Register(gin.New(), db, config.Config{}, Dependencies{}))
}

func TestRoutes_BothDetectionPaths(t *testing.T) {
	router := setupRoutes(t, config.Config{})
	body := `{"userAgent":"Mozilla/5.0 (X11; Linux x86_64) Firefox/121.0","ip":"192.0.2.5","path":"/","headers":{"accept":"*/*","accept-language":"de","accept-encoding":"gzip"}}`

	for _, path := range []string{"/api/v1/bot-detection", "/functions/v1/bot-detection"} {
		w := serve(router, http.MethodPost, path, body, map[string]string{"Content-Type": "application/json"})
		assert.Equal(t, http.StatusOK, w.Code, path)
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"), path)
		assert.Contains(t, w.Body.String(), `"rateLimit"`, path)
	}
}

func TestRoutes_PreflightAnyPath(t *testing.T) {
	router := setupRoutes(t, config.Config{})

	for _, path := range []string{"/api/v1/bot-detection", "/functions/v1/bot-detection", "/whatever"} {
		w := serve(router, http.MethodOptions, path, "", nil)
		assert.Equal(t, http.StatusOK, w.Code, path)
		assert.Empty(t, w.Body.String(), path)
		assert.Equal(t, "authorization, x-client-info, apikey, content-type", w.Header().Get("Access-Control-Allow-Headers"))
	}
}

func TestRoutes_UnknownPathIs404JSON(t *testing.T) {
	router := setupRoutes(t, config.Config{})
	w := serve(router, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "route not found")
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRoutes_Metrics(t *testing.T) {
	router := setupRoutes(t, config.Config{})
	serve(router, http.MethodPost, "/api/v1/bot-detection", `{"ip":"192.0.2.6","userAgent":"curl/8.1"}`, map[string]string{"Content-Type": "application/json"})

	w := serve(router, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "botguard_evaluations_total")
}

func TestRoutes_AdminRequiresToken(t *testing.T) {
	router := setupRoutes(t, config.Config{AdminJWTSecret: adminSecret})
	browser := map[string]string{
		"User-Agent":      "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 Chrome/120.0 Safari/537.36",
		"Accept":          "application/json",
		"Accept-Language": "en",
		"Accept-Encoding": "gzip",
	}

	w := serve(router, http.MethodGet, "/api/v1/admin/detections", "", browser)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := middleware.SignAdminToken([]byte(adminSecret), "ops", time.Hour)
	require.NoError(t, err)
	authed := map[string]string{"Authorization": "Bearer " + token}
	for k, v := range browser {
		authed[k] = v
	}

	w = serve(router, http.MethodGet, "/api/v1/admin/detections", "", authed)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Body.String(), `"detections"`)

	w = serve(router, http.MethodGet, "/api/v1/admin/rate-limits/192.0.2.250", "", authed)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRoutes_AdminGuardedAgainstBots(t *testing.T) {
	router := setupRoutes(t, config.Config{AdminJWTSecret: adminSecret})
	token, err := middleware.SignAdminToken([]byte(adminSecret), "ops", time.Hour)
	require.NoError(t, err)

	w := serve(router, http.MethodGet, "/api/v1/admin/detections", "", map[string]string{
		"Authorization": "Bearer " + token,
		"User-Agent":    "python-requests/2.31",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}
