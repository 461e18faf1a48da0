package handlers

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/sitegrid/botguard/internal/version"
)

// getLocalIP returns the non-loopback local IP of the host
func getLocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, address := range addrs {
		if ipnet, ok := address.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}
	return ""
}

// HealthHandler reports service metadata and whether the database answers.
type HealthHandler struct {
	db      *gorm.DB
	backend string
}

func NewHealthHandler(db *gorm.DB, rateLimitBackend string) *HealthHandler {
	return &HealthHandler{db: db, backend: rateLimitBackend}
}

// Get responds 200 when the database is reachable and 503 otherwise.
func (h *HealthHandler) Get(c *gin.Context) {
	status, code := "ok", http.StatusOK
	if err := h.ping(c.Request.Context()); err != nil {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	info := version.Current()
	c.JSON(code, gin.H{
		"status":             status,
		"service":            info.Service,
		"version":            info.Version,
		"git_commit":         info.GitCommit,
		"build_time":         info.BuildTime,
		"internal_ip":        getLocalIP(),
		"rate_limit_backend": h.backend,
	})
}

func (h *HealthHandler) ping(ctx context.Context) error {
	if h.db == nil {
		return nil
	}
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}
