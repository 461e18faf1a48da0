package models

import (
	"time"
)

// IdentifierTypeIP is the only identifier type currently tracked.
const IdentifierTypeIP = "ip"

// RateLimitState holds the fixed-window counter and abuse history of one
// identifier. Rows are mutated in place and never deleted.
type RateLimitState struct {
	ID                    uint       `json:"id" gorm:"primaryKey"`
	Identifier            string     `json:"identifier" gorm:"type:varchar(255);not null;uniqueIndex:idx_rate_limit_identity"`
	IdentifierType        string     `json:"identifier_type" gorm:"type:varchar(32);not null;default:ip;uniqueIndex:idx_rate_limit_identity"`
	Endpoint              string     `json:"endpoint" gorm:"type:text"`
	RequestCount          int        `json:"request_count" gorm:"not null;default:0"`
	WindowStart           time.Time  `json:"window_start" gorm:"not null"`
	IsBlocked             bool       `json:"is_blocked" gorm:"not null;default:false"`
	BlockExpiresAt        *time.Time `json:"block_expires_at,omitempty"`
	ConsecutiveViolations int        `json:"consecutive_violations" gorm:"not null;default:0"`
	TotalViolations       int        `json:"total_violations" gorm:"not null;default:0"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

func (RateLimitState) TableName() string {
	return "advanced_rate_limits"
}
