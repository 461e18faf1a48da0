package ratelimit

import "time"

// Rules configure the fixed window and the escalation of blocks.
type Rules struct {
	Window      time.Duration
	MaxRequests int
	BlockStep   time.Duration
	MaxBlock    time.Duration
}

// DefaultRules allows 60 requests per minute and blocks for 5 minutes per
// consecutive violation, capped at one hour.
func DefaultRules() Rules {
	return Rules{
		Window:      time.Minute,
		MaxRequests: 60,
		BlockStep:   5 * time.Minute,
		MaxBlock:    time.Hour,
	}
}

// BlockFor returns the block duration for the given consecutive violation count.
func (r Rules) BlockFor(consecutive int) time.Duration {
	if consecutive < 1 {
		consecutive = 1
	}
	d := time.Duration(consecutive) * r.BlockStep
	if d > r.MaxBlock || d < 0 {
		return r.MaxBlock
	}
	return d
}
