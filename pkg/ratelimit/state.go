// Package ratelimit tracks the request budget an upstream advertises through
// X-RateLimit-Remaining / X-RateLimit-Reset and Retry-After response headers
// and gates requests once the budget is spent. State can be shared between
// gateway instances through Redis.
package ratelimit

import (
	"time"
)

// DefaultKey is the Redis key the shared state is stored under.
const DefaultKey = "gw:ratelimit:state"

// Default thresholds for gating decisions.
const (
	// DefaultBlockBelow blocks requests while fewer requests than this remain.
	DefaultBlockBelow = 1

	// DefaultThrottleBelow delays requests while fewer requests than this remain.
	DefaultThrottleBelow = 10
)

// State is the upstream request budget as last reported.
type State struct {
	// Remaining requests in the current window.
	Remaining int `json:"remaining"`

	// Limit of the window, 0 when the upstream does not report it.
	Limit int `json:"limit,omitempty"`

	// ResetAt is when the window resets.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this state was recorded.
	LastUpdate time.Time `json:"last_update"`
}

// IsStale reports whether the state is older than maxAge at now.
func (s *State) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.LastUpdate) > maxAge
}

// Expired reports whether the window has reset by now.
func (s *State) Expired(now time.Time) bool {
	return !now.Before(s.ResetAt)
}

// TimeUntilReset returns the time left until the window resets, never negative.
func (s *State) TimeUntilReset(now time.Time) time.Duration {
	if d := s.ResetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
