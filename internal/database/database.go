package database

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/sitegrid/botguard/internal/logger"
	"github.com/sitegrid/botguard/internal/models"
)

const (
	maxConnectAttempts = 5
	initialRetryDelay  = 2 * time.Second
)

// Connect opens the database for the given driver. SQLite uses path;
// Postgres uses dsn and retries with backoff while the server comes up.
func Connect(driver, path, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}

	switch driver {
	case "", "sqlite":
		return openSQLite(path, cfg)
	case "postgres":
		return openPostgres(dsn, cfg, initialRetryDelay)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func openSQLite(path string, cfg *gorm.Config) (*gorm.DB, error) {
	// WAL lets readers proceed while the limiter is writing; busy_timeout
	// serialises concurrent writers instead of failing them.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), cfg)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sqlite handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return db, nil
}

func openPostgres(dsn string, cfg *gorm.Config, retryDelay time.Duration) (*gorm.DB, error) {
	log := logger.WithFields(logrus.Fields{"component": "database", "driver": "postgres"})

	var db *gorm.DB
	var err error
	for attempt := 1; attempt <= maxConnectAttempts; attempt++ {
		db, err = gorm.Open(postgres.Open(dsn), cfg)
		if err == nil {
			break
		}

		log.WithFields(logrus.Fields{
			"attempt": attempt,
			"error":   err,
		}).Warn("Database connection failed")

		if attempt < maxConnectAttempts {
			time.Sleep(retryDelay)
			retryDelay *= 2
		}
	}
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	log.Info("Database connection established")
	return db, nil
}

// Migrate creates or updates the tables owned by the service.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.BotDetectionLog{}, &models.RateLimitState{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
