package core

import "time"

// RateLimitState captures the persisted poll budget for one agent host.
type RateLimitState struct {
	RequestCount int
	WindowStart  time.Time
	BackoffUntil *time.Time
	Last429At    *time.Time
}
