package models

import (
	"time"

	"gorm.io/datatypes"
)

// BehavioralData is the request snapshot stored alongside each detection so the
// audit log stays machine-checkable.
type BehavioralData struct {
	Headers          []string `json:"headers"`
	Fingerprint      string   `json:"fingerprint,omitempty"`
	RequestsInWindow *int     `json:"requests_in_window,omitempty"`
	Browser          string   `json:"browser,omitempty"`
	OS               string   `json:"os,omitempty"`
	Device           string   `json:"device,omitempty"`
}

// BotDetectionLog records one evaluated request. Rows are append-only.
type BotDetectionLog struct {
	ID               uint                               `json:"id" gorm:"primaryKey"`
	UUID             string                             `json:"uuid" gorm:"uniqueIndex"`
	IPAddress        string                             `json:"ip_address" gorm:"type:varchar(64);not null;index:idx_detection_ip_blocked"`
	UserAgent        string                             `json:"user_agent" gorm:"type:text"`
	Path             string                             `json:"path" gorm:"type:text"`
	BotScore         int                                `json:"bot_score"`
	DetectionReasons datatypes.JSONSlice[string]        `json:"detection_reasons"`
	IsBot            bool                               `json:"is_bot"`
	IsBlocked        bool                               `json:"is_blocked" gorm:"index:idx_detection_ip_blocked"`
	BehavioralData   datatypes.JSONType[BehavioralData] `json:"behavioral_data"`
	BlockExpiresAt   *time.Time                         `json:"block_expires_at,omitempty" gorm:"index"`
	CreatedAt        time.Time                          `json:"created_at" gorm:"index"`
}

func (BotDetectionLog) TableName() string {
	return "bot_detection_logs"
}

// BlockActive reports whether the row carries a block that has not expired at now.
func (l *BotDetectionLog) BlockActive(now time.Time) bool {
	return l.IsBlocked && l.BlockExpiresAt != nil && l.BlockExpiresAt.After(now)
}
