package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/sitegrid/botguard/internal/models"
)

var (
	ErrStateNotFound    = errors.New("rate limit state not found")
	ErrStoreUnavailable = errors.New("rate limit store unavailable")
)

// Key identifies a tracked client.
type Key struct {
	Identifier string
	Type       string
}

// IPKey returns the key for an IP identifier.
func IPKey(ip string) Key {
	return Key{Identifier: ip, Type: models.IdentifierTypeIP}
}

// Store persists RateLimitState and applies one request's transition
// atomically, so concurrent hits on the same key never read a stale count.
type Store interface {
	// Hit records one request at now and returns the post-transition state.
	// violated is true when this request pushed the count above MaxRequests.
	Hit(ctx context.Context, key Key, endpoint string, now time.Time, rules Rules) (state *models.RateLimitState, violated bool, err error)
	// Get returns the stored state or ErrStateNotFound.
	Get(ctx context.Context, key Key) (*models.RateLimitState, error)
	// Reset clears the counter and any block while keeping total_violations.
	Reset(ctx context.Context, key Key, now time.Time) error
}
