package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/sitegrid/botguard/internal/models"
)

const (
	DefaultDetectionListLimit = 100
	MaxDetectionListLimit     = 1000
)

// DetectionFilter narrows List results. Zero values mean "any".
type DetectionFilter struct {
	IP      string
	Blocked *bool
	Limit   int
}

// DetectionLogService persists and queries the append-only detection log.
type DetectionLogService struct {
	db *gorm.DB
}

// NewDetectionLogService returns a DetectionLogService using the provided DB
func NewDetectionLogService(db *gorm.DB) *DetectionLogService {
	return &DetectionLogService{db: db}
}

// Append inserts entry, assigning a UUID when it has none.
func (s *DetectionLogService) Append(ctx context.Context, entry *models.BotDetectionLog) error {
	if entry.UUID == "" {
		entry.UUID = uuid.New().String()
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("append detection log: %w", err)
	}
	return nil
}

// ActiveBlock returns the newest row for ip whose block is still in force at
// now, or nil when the IP is not blocked.
func (s *DetectionLogService) ActiveBlock(ctx context.Context, ip string, now time.Time) (*models.BotDetectionLog, error) {
	var entry models.BotDetectionLog
	err := s.db.WithContext(ctx).
		Where("ip_address = ? AND is_blocked = ? AND block_expires_at > ?", ip, true, now.UTC()).
		Order("created_at desc, id desc").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup active block: %w", err)
	}
	return &entry, nil
}

// List returns entries newest first.
func (s *DetectionLogService) List(ctx context.Context, filter DetectionFilter) ([]models.BotDetectionLog, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultDetectionListLimit
	}
	if limit > MaxDetectionListLimit {
		limit = MaxDetectionListLimit
	}

	query := s.db.WithContext(ctx).Order("created_at desc, id desc").Limit(limit)
	if filter.IP != "" {
		query = query.Where("ip_address = ?", filter.IP)
	}
	if filter.Blocked != nil {
		query = query.Where("is_blocked = ?", *filter.Blocked)
	}

	var entries []models.BotDetectionLog
	if err := query.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("list detection logs: %w", err)
	}
	return entries, nil
}

// Prune deletes entries created before cutoff. Entries whose block is still
// active at now are kept regardless of age.
func (s *DetectionLogService) Prune(ctx context.Context, cutoff, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff.UTC()).
		Where("is_blocked = ? OR block_expires_at IS NULL OR block_expires_at <= ?", false, now.UTC()).
		Delete(&models.BotDetectionLog{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune detection logs: %w", res.Error)
	}
	return res.RowsAffected, nil
}
