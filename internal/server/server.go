package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/gorm"

	"github.com/sitegrid/botguard/internal/api/middleware"
	"github.com/sitegrid/botguard/internal/api/routes"
	"github.com/sitegrid/botguard/internal/config"
	"github.com/sitegrid/botguard/internal/detection"
	"github.com/sitegrid/botguard/internal/logger"
	"github.com/sitegrid/botguard/internal/metrics"
	"github.com/sitegrid/botguard/internal/ratelimit"
	"github.com/sitegrid/botguard/internal/services"
)

const (
	redisCallTimeout  = 500 * time.Millisecond
	redisMaxFailures  = 5
	shutdownGraceTime = 5 * time.Second
)

// Server wraps the HTTP engine and shared dependencies for easier testing.
type Server struct {
	Engine    *gin.Engine
	Guard     *services.GuardService
	Logs      *services.DetectionLogService
	Limiter   *ratelimit.Limiter
	Alerts    *services.AlertService
	Retention *services.RetentionService
	Registry  *prometheus.Registry

	cfg   config.Config
	redis *redis.Client
}

// New builds the services described by cfg and registers versioned routes.
func New(db *gorm.DB, cfg config.Config) (*Server, error) {
	gin.SetMode(gin.ReleaseMode)
	if cfg.Environment == "development" {
		gin.SetMode(gin.DebugMode)
	}

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg}

	var store ratelimit.Store
	switch cfg.RateLimitBackend {
	case config.BackendRedis:
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store = ratelimit.NewRedisStore(s.redis, redisCallTimeout, redisMaxFailures)
	default:
		store = ratelimit.NewSQLStore(db)
	}

	s.Logs = services.NewDetectionLogService(db)
	s.Limiter = ratelimit.New(store, cfg.RateLimit, nil)
	s.Alerts = services.NewAlertService(cfg.AlertURL, cfg.AlertsPerMinute)
	s.Guard = services.NewGuardService(s.Logs, detection.New(policy), s.Limiter, s.Alerts, services.GuardOptions{
		BlockDuration: cfg.BotBlockDuration,
	})

	s.Retention, err = services.NewRetentionService(s.Logs, cfg.LogRetention, cfg.RetentionSchedule, nil)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.Registry = prometheus.NewRegistry()
	s.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(s.Registry)

	router := gin.New()
	router.Use(
		middleware.RequestID(),
		middleware.RequestLogger("/metrics", "/api/v1/health"),
		middleware.Recovery(cfg.Debug),
	)

	if err := routes.Register(router, db, cfg, routes.Dependencies{
		Guard:    s.Guard,
		Logs:     s.Logs,
		Limiter:  s.Limiter,
		Gatherer: s.Registry,
	}); err != nil {
		s.Close()
		return nil, fmt.Errorf("register routes: %w", err)
	}

	s.Engine = router
	logger.Log().WithField("rate_limit_backend", cfg.RateLimitBackend).Info("server configured")
	return s, nil
}

// Run starts the HTTP server and the retention scheduler with proper shutdown semantics.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.cfg.HTTPPort),
		Handler:           s.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.Retention.Start()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGraceTime)
		defer cancel()

		s.Retention.Stop(shutdownCtx)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		s.Retention.Stop(context.Background())
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Close waits for pending alerts and releases the redis connection.
func (s *Server) Close() error {
	s.Alerts.Wait()
	if s.redis != nil {
		return s.redis.Close()
	}
	return nil
}
