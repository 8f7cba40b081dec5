package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/vantagepay/agentmesh/internal/config"
)

// RateLimitError rejects a send before any transport work happens.
type RateLimitError struct {
	AgentID string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for agent %s", e.AgentID)
}

// RateLimitInfo tracks rolling request windows for one agent.
type RateLimitInfo struct {
	RequestsPerMinute int       `json:"requests_per_minute"`
	RequestsPerHour   int       `json:"requests_per_hour"`
	RequestsPerDay    int       `json:"requests_per_day"`
	MinuteReset       time.Time `json:"minute_reset"`
	HourReset         time.Time `json:"hour_reset"`
	DayReset          time.Time `json:"day_reset"`
	IsBlocked         bool      `json:"is_blocked"`
}

// RateLimiter enforces per-agent request budgets across three rolling
// windows plus an explicit block flag.
type RateLimiter struct {
	cfg config.SecurityConfig

	mu     sync.Mutex
	agents map[string]*RateLimitInfo
}

// NewRateLimiter creates a limiter with the configured thresholds.
func NewRateLimiter(cfg config.SecurityConfig) *RateLimiter {
	return &RateLimiter{
		cfg:    cfg,
		agents: make(map[string]*RateLimitInfo),
	}
}

// Allow counts one request for the agent and rejects when the agent is
// blocked or any window limit is exhausted. The increment and the
// check are atomic with respect to concurrent callers.
func (r *RateLimiter) Allow(agentID string) error {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.agents[agentID]
	if !ok {
		info = &RateLimitInfo{
			MinuteReset: now.Add(time.Minute),
			HourReset:   now.Add(time.Hour),
			DayReset:    now.Add(24 * time.Hour),
		}
		r.agents[agentID] = info
	}

	if info.IsBlocked {
		return &RateLimitError{AgentID: agentID}
	}

	if now.After(info.MinuteReset) {
		info.RequestsPerMinute = 0
		info.MinuteReset = now.Add(time.Minute)
	}
	if now.After(info.HourReset) {
		info.RequestsPerHour = 0
		info.HourReset = now.Add(time.Hour)
	}
	if now.After(info.DayReset) {
		info.RequestsPerDay = 0
		info.DayReset = now.Add(24 * time.Hour)
	}

	if (r.cfg.RequestsPerMinute > 0 && info.RequestsPerMinute >= r.cfg.RequestsPerMinute) ||
		(r.cfg.RequestsPerHour > 0 && info.RequestsPerHour >= r.cfg.RequestsPerHour) ||
		(r.cfg.RequestsPerDay > 0 && info.RequestsPerDay >= r.cfg.RequestsPerDay) {
		return &RateLimitError{AgentID: agentID}
	}

	info.RequestsPerMinute++
	info.RequestsPerHour++
	info.RequestsPerDay++
	return nil
}

// Block flags the agent so every subsequent Allow fails until Unblock.
func (r *RateLimiter) Block(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.agents[agentID]
	if !ok {
		info = &RateLimitInfo{}
		r.agents[agentID] = info
	}
	info.IsBlocked = true
}

// Unblock clears the block flag. Unknown agents are a no-op.
func (r *RateLimiter) Unblock(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.agents[agentID]; ok {
		info.IsBlocked = false
	}
}

// Status returns a snapshot of the agent's windows, or ok false.
func (r *RateLimiter) Status(agentID string) (RateLimitInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.agents[agentID]
	if !ok {
		return RateLimitInfo{}, false
	}
	return *info, true
}
