// Package engine holds the persisted poll budget shared by agent pollers.
package engine

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/sdwanlab/ratewatch/internal/core"
)

// RateLimiter enforces a poll budget per agent host. State lives in a
// RateLimitStore so a restarted daemon honours an agent's Retry-After.
type RateLimiter struct {
	Store  RateLimitStore
	Limits map[string]RateLimit
	Clock  func() time.Time
	Margin float64

	mu sync.Mutex
}

// RateLimit represents a rate limit window.
type RateLimit struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// RateLimitStore stores rate limit state.
type RateLimitStore interface {
	GetRateLimit(ctx context.Context, host string) (*core.RateLimitState, error)
	UpdateRateLimit(ctx context.Context, host string, state *core.RateLimitState) error
}

// DefaultPollBudget applies to hosts without an override. It leaves room for
// two pollers at the default 2s interval against one host.
var DefaultPollBudget = RateLimit{RequestsPerWindow: 120, WindowDuration: time.Minute}

// DefaultBackoff applies to a 429 that carries no usable Retry-After.
const DefaultBackoff = 10 * time.Second

// Allow checks if a poll is allowed and returns the wait duration if not.
func (r *RateLimiter) Allow(ctx context.Context, host string) (bool, time.Duration, error) {
	if r == nil || r.Store == nil {
		return true, 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.load(ctx, host)
	if err != nil {
		return true, 0, err
	}
	allowed, wait := r.check(host, state)
	return allowed, wait, nil
}

// Reserve checks the budget and, when allowed, records the poll in one step.
// Pollers sharing a host use it so concurrent ticks cannot both take the
// last slot.
func (r *RateLimiter) Reserve(ctx context.Context, host string) (bool, time.Duration, error) {
	if r == nil || r.Store == nil {
		return true, 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.load(ctx, host)
	if err != nil {
		return true, 0, err
	}
	if allowed, wait := r.check(host, state); !allowed {
		return false, wait, nil
	}

	state.RequestCount++
	return true, 0, r.Store.UpdateRateLimit(ctx, host, state)
}

// Record increments the poll count for a host.
func (r *RateLimiter) Record(ctx context.Context, host string) error {
	if r == nil || r.Store == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.load(ctx, host)
	if err != nil {
		return err
	}
	state.RequestCount++
	return r.Store.UpdateRateLimit(ctx, host, state)
}

// Record429 applies a backoff window from a 429 response.
func (r *RateLimiter) Record429(ctx context.Context, host string, retryAfter time.Duration) error {
	if r == nil || r.Store == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.load(ctx, host)
	if err != nil {
		return err
	}

	if retryAfter <= 0 {
		retryAfter = DefaultBackoff
	}
	now := r.now()
	until := now.Add(retryAfter)
	state.Last429At = &now
	state.BackoffUntil = &until

	return r.Store.UpdateRateLimit(ctx, host, state)
}

// ApplyOverrides merges per-host poll overrides (per minute).
func (r *RateLimiter) ApplyOverrides(overrides map[string]int) {
	if r == nil || len(overrides) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Limits == nil {
		r.Limits = make(map[string]RateLimit, len(overrides))
	}

	for host, value := range overrides {
		host = strings.ToLower(strings.TrimSpace(host))
		if host == "" || value <= 0 {
			continue
		}
		r.Limits[host] = RateLimit{
			RequestsPerWindow: value,
			WindowDuration:    time.Minute,
		}
	}
}

// ApplySafetyMargin adjusts the effective request limits by a ratio (0-1].
func (r *RateLimiter) ApplySafetyMargin(margin float64) {
	if r == nil {
		return
	}
	if margin <= 0 || margin > 1 {
		return
	}
	r.Margin = margin
}

// Limit returns the effective budget for a host after overrides and margin.
func (r *RateLimiter) Limit(host string) RateLimit {
	return r.getLimit(host)
}

// load returns the stored state with an expired window already rolled over.
func (r *RateLimiter) load(ctx context.Context, host string) (*core.RateLimitState, error) {
	state, err := r.Store.GetRateLimit(ctx, host)
	if err != nil {
		return nil, err
	}
	now := r.now()
	if state == nil {
		return &core.RateLimitState{WindowStart: now}, nil
	}

	limit := r.getLimit(host)
	if state.WindowStart.IsZero() || now.After(state.WindowStart.Add(limit.WindowDuration)) {
		state.RequestCount = 0
		state.WindowStart = now
	}
	return state, nil
}

func (r *RateLimiter) check(host string, state *core.RateLimitState) (bool, time.Duration) {
	now := r.now()
	if state.BackoffUntil != nil && now.Before(*state.BackoffUntil) {
		return false, state.BackoffUntil.Sub(now)
	}

	limit := r.getLimit(host)
	if state.RequestCount >= limit.RequestsPerWindow {
		return false, state.WindowStart.Add(limit.WindowDuration).Sub(now)
	}
	return true, 0
}

func (r *RateLimiter) getLimit(host string) RateLimit {
	if r == nil {
		return DefaultPollBudget
	}

	if limit, ok := r.Limits[strings.ToLower(host)]; ok {
		return r.applyMargin(limit)
	}

	// An override may name the bare host without a port.
	if bare, _, found := strings.Cut(host, ":"); found {
		if limit, ok := r.Limits[strings.ToLower(bare)]; ok {
			return r.applyMargin(limit)
		}
	}

	return r.applyMargin(DefaultPollBudget)
}

func (r *RateLimiter) now() time.Time {
	if r != nil && r.Clock != nil {
		return r.Clock()
	}
	return time.Now().UTC()
}

func (r *RateLimiter) applyMargin(limit RateLimit) RateLimit {
	if r == nil || r.Margin <= 0 || r.Margin > 1 {
		return limit
	}
	adjusted := int(math.Floor(float64(limit.RequestsPerWindow) * r.Margin))
	if adjusted < 1 {
		adjusted = 1
	}
	limit.RequestsPerWindow = adjusted
	return limit
}

// MemoryRateStore keeps poll budgets in process, for runs without a database.
type MemoryRateStore struct {
	mu    sync.Mutex
	state map[string]core.RateLimitState
}

// NewMemoryRateStore returns an empty in-process RateLimitStore.
func NewMemoryRateStore() *MemoryRateStore {
	return &MemoryRateStore{state: make(map[string]core.RateLimitState)}
}

func (m *MemoryRateStore) GetRateLimit(ctx context.Context, host string) (*core.RateLimitState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.state[host]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

func (m *MemoryRateStore) UpdateRateLimit(ctx context.Context, host string, state *core.RateLimitState) error {
	if state == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == nil {
		m.state = make(map[string]core.RateLimitState)
	}
	m.state[host] = *state
	return nil
}
