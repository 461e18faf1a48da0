package handlers

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/sitegrid/botguard/internal/database"
	"github.com/sitegrid/botguard/internal/detection"
	"github.com/sitegrid/botguard/internal/ratelimit"
	"github.com/sitegrid/botguard/internal/services"
)

// openHandlerTestDB creates a migrated SQLite in-memory DB unique per test.
func openHandlerTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsnName := strings.ReplaceAll(t.Name(), "/", "_") + "_" + uuid.NewString()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", dsnName)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := database.Migrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

var handlerTestNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type handlerStack struct {
	db      *gorm.DB
	logs    *services.DetectionLogService
	limiter *ratelimit.Limiter
	guard   *services.GuardService
	now     time.Time
}

func newHandlerStack(t *testing.T, rules ratelimit.Rules) *handlerStack {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s := &handlerStack{db: openHandlerTestDB(t), now: handlerTestNow}
	clock := func() time.Time { return s.now }
	s.logs = services.NewDetectionLogService(s.db)
	s.limiter = ratelimit.New(ratelimit.NewSQLStore(s.db), rules, &ratelimit.Options{Now: clock})
	s.guard = services.NewGuardService(s.logs, detection.New(detection.DefaultPolicy()), s.limiter, nil,
		services.GuardOptions{BlockDuration: time.Hour, Now: clock})
	return s
}
