package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sitegrid/botguard/internal/models"
)

// SQLStore keeps rate limit state in the advanced_rate_limits table.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore returns a SQLStore using the provided DB.
func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Hit increments (or resets) the window counter with a single conditional
// UPDATE ... RETURNING and, on overflow, bumps the violation counters with a
// second one. Both run in one transaction.
func (s *SQLStore) Hit(ctx context.Context, key Key, endpoint string, now time.Time, rules Rules) (*models.RateLimitState, bool, error) {
	var state models.RateLimitState
	violated := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		found, err := s.advance(tx, &state, key, endpoint, now, rules.Window)
		if err != nil {
			return err
		}
		if !found {
			state = models.RateLimitState{
				Identifier:     key.Identifier,
				IdentifierType: key.Type,
				Endpoint:       endpoint,
				RequestCount:   1,
				WindowStart:    now,
			}
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&state)
			if res.Error != nil {
				return fmt.Errorf("create rate limit state: %w", res.Error)
			}
			if res.RowsAffected == 1 {
				return nil
			}
			// Another request created the row first.
			state = models.RateLimitState{}
			if found, err = s.advance(tx, &state, key, endpoint, now, rules.Window); err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("rate limit state for %s vanished", key.Identifier)
			}
		}

		if state.RequestCount <= rules.MaxRequests {
			return nil
		}

		violated = true
		id := state.ID
		state = models.RateLimitState{}
		res := tx.Model(&state).
			Clauses(clause.Returning{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"consecutive_violations": gorm.Expr("consecutive_violations + 1"),
				"total_violations":       gorm.Expr("total_violations + 1"),
				"is_blocked":             true,
			})
		if res.Error != nil {
			return fmt.Errorf("record violation: %w", res.Error)
		}

		expires := now.Add(rules.BlockFor(state.ConsecutiveViolations))
		res = tx.Model(&models.RateLimitState{}).
			Where("id = ? AND (block_expires_at IS NULL OR block_expires_at < ?)", id, expires).
			Update("block_expires_at", expires)
		if res.Error != nil {
			return fmt.Errorf("set block expiry: %w", res.Error)
		}
		state.BlockExpiresAt = &expires
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return &state, violated, nil
}

// advance resets a stale window or increments the active one. Every SET
// expression reads the pre-update row, so the reset branch is all-or-nothing.
func (s *SQLStore) advance(tx *gorm.DB, state *models.RateLimitState, key Key, endpoint string, now time.Time, window time.Duration) (bool, error) {
	stale := now.Add(-window)
	res := tx.Model(state).
		Clauses(clause.Returning{}).
		Where("identifier = ? AND identifier_type = ?", key.Identifier, key.Type).
		Updates(map[string]interface{}{
			"endpoint":               endpoint,
			"request_count":          gorm.Expr("CASE WHEN window_start <= ? THEN 1 ELSE request_count + 1 END", stale),
			"window_start":           gorm.Expr("CASE WHEN window_start <= ? THEN ? ELSE window_start END", stale, now),
			"is_blocked":             gorm.Expr("CASE WHEN window_start <= ? THEN ? ELSE is_blocked END", stale, false),
			"block_expires_at":       gorm.Expr("CASE WHEN window_start <= ? THEN NULL ELSE block_expires_at END", stale),
			"consecutive_violations": gorm.Expr("CASE WHEN window_start <= ? THEN 0 ELSE consecutive_violations END", stale),
		})
	if res.Error != nil {
		return false, fmt.Errorf("advance rate limit window: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Get returns the stored state for key.
func (s *SQLStore) Get(ctx context.Context, key Key) (*models.RateLimitState, error) {
	var state models.RateLimitState
	err := s.db.WithContext(ctx).
		Where("identifier = ? AND identifier_type = ?", key.Identifier, key.Type).
		First(&state).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrStateNotFound
		}
		return nil, err
	}
	return &state, nil
}

// Reset clears the counters and block for key.
func (s *SQLStore) Reset(ctx context.Context, key Key, now time.Time) error {
	res := s.db.WithContext(ctx).
		Model(&models.RateLimitState{}).
		Where("identifier = ? AND identifier_type = ?", key.Identifier, key.Type).
		Updates(map[string]interface{}{
			"request_count":          0,
			"window_start":           now,
			"is_blocked":             false,
			"block_expires_at":       nil,
			"consecutive_violations": 0,
		})
	if res.Error != nil {
		return fmt.Errorf("reset rate limit state: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStateNotFound
	}
	return nil
}
