// Package ratelimit caps how often a single user can hit the reservation
// API. Limits are fixed per-minute windows so a burst of renew calls from a
// stuck client cannot starve the admission path.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Result describes the outcome of a rate limit check.
type Result struct {
	Allowed   bool
	Remaining int
	Reset     time.Time
}

// Limiter provides rate limit checks.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, now time.Time) (Result, error)
}

// KeyForUser builds a limiter key for the user. Empty keys disable the check.
func KeyForUser(userID uint64) string {
	if userID == 0 {
		return ""
	}
	return fmt.Sprintf("u:%d", userID)
}
