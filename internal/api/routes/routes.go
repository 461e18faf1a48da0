package routes

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/sitegrid/botguard/internal/api/handlers"
	"github.com/sitegrid/botguard/internal/api/middleware"
	"github.com/sitegrid/botguard/internal/config"
	"github.com/sitegrid/botguard/internal/database"
	"github.com/sitegrid/botguard/internal/logger"
	"github.com/sitegrid/botguard/internal/ratelimit"
	"github.com/sitegrid/botguard/internal/services"
)

// Dependencies are the services routes dispatch to.
type Dependencies struct {
	Guard    *services.GuardService
	Logs     *services.DetectionLogService
	Limiter  *ratelimit.Limiter
	Gatherer prometheus.Gatherer
}

// Register wires up API routes and performs automatic migrations.
func Register(router *gin.Engine, db *gorm.DB, cfg config.Config, deps Dependencies) error {
	if deps.Guard == nil || deps.Logs == nil || deps.Limiter == nil {
		return errors.New("register routes: guard, detection log and limiter are required")
	}
	if err := database.Migrate(db); err != nil {
		return fmt.Errorf("register routes: %w", err)
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	// Global so preflight requests are answered on any path, routed or not.
	router.Use(middleware.CORS())

	router.GET("/api/v1/health", handlers.NewHealthHandler(db, cfg.RateLimitBackend).Get)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	detectHandler := handlers.NewBotDetectionHandler(deps.Guard)
	router.POST("/api/v1/bot-detection", detectHandler.Evaluate)
	// Path used by existing edge-function callers.
	router.POST("/functions/v1/bot-detection", detectHandler.Evaluate)

	if cfg.AdminJWTSecret == "" {
		logger.Log().Info("admin API disabled: BOTGUARD_ADMIN_JWT_SECRET not set")
	} else {
		adminHandler := handlers.NewAdminHandler(deps.Logs, deps.Limiter)
		admin := router.Group("/api/v1/admin")
		admin.Use(
			middleware.SecurityHeaders(middleware.SecurityHeadersConfig{
				IsDevelopment: cfg.Environment == "development",
				NoStore:       true,
			}),
			middleware.BotGuard(deps.Guard),
			middleware.AuthMiddleware([]byte(cfg.AdminJWTSecret)),
			middleware.RequireRole(middleware.RoleAdmin),
		)
		admin.GET("/detections", adminHandler.ListDetections)
		admin.GET("/rate-limits/:identifier", adminHandler.GetRateLimit)
		admin.DELETE("/rate-limits/:identifier", adminHandler.ResetRateLimit)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	return nil
}
