// Package ratelimit implements a fixed-window request counter per client with
// blocks that escalate on repeated violations.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sitegrid/botguard/internal/logger"
	"github.com/sitegrid/botguard/internal/metrics"
	"github.com/sitegrid/botguard/internal/models"
	"github.com/sitegrid/botguard/internal/util"
)

// Result is the limiter's answer for one request.
type Result struct {
	Allowed    bool
	Remaining  int
	Reset      time.Time
	RetryAfter int
	// State is the stored row after this request.
	State *models.RateLimitState
}

// Options tune a Limiter.
type Options struct {
	Now func() time.Time
}

// Limiter checks identifiers against Rules using a Store.
type Limiter struct {
	store Store
	rules Rules
	now   func() time.Time
}

// New returns a Limiter. A nil opts uses the wall clock.
func New(store Store, rules Rules, opts *Options) *Limiter {
	now := time.Now
	if opts != nil && opts.Now != nil {
		now = opts.Now
	}
	return &Limiter{store: store, rules: rules, now: now}
}

// Rules returns the limiter's rules.
func (l *Limiter) Rules() Rules {
	return l.rules
}

// Check counts one request from identifier against endpoint.
func (l *Limiter) Check(ctx context.Context, identifier, endpoint string) (*Result, error) {
	now := l.now().UTC()
	state, violated, err := l.store.Hit(ctx, IPKey(identifier), endpoint, now, l.rules)
	if err != nil {
		return nil, fmt.Errorf("check rate limit: %w", err)
	}

	res := &Result{
		Allowed: true,
		Reset:   state.WindowStart.Add(l.rules.Window),
		State:   state,
	}
	if remaining := l.rules.MaxRequests - state.RequestCount; remaining > 0 {
		res.Remaining = remaining
	}

	if violated {
		block := l.rules.BlockFor(state.ConsecutiveViolations)
		res.Allowed = false
		res.Remaining = 0
		res.RetryAfter = int(block / time.Second)
		metrics.IncRateLimitViolation()
		logger.WithFields(logrus.Fields{
			"source":                 "ratelimit",
			"identifier":             util.SanitizeForLog(identifier),
			"request_count":          state.RequestCount,
			"consecutive_violations": state.ConsecutiveViolations,
			"retry_after":            res.RetryAfter,
		}).Warn("rate limit exceeded")
	}

	return res, nil
}

// State returns the stored state for identifier.
func (l *Limiter) State(ctx context.Context, identifier string) (*models.RateLimitState, error) {
	return l.store.Get(ctx, IPKey(identifier))
}

// Reset clears the window and block for identifier.
func (l *Limiter) Reset(ctx context.Context, identifier string) error {
	return l.store.Reset(ctx, IPKey(identifier), l.now().UTC())
}
