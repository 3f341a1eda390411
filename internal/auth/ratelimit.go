package auth

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Failed-authentication throttling defaults.
const (
	DefaultMaxFailedAttempts = 10
	DefaultRateLimitWindow   = 15 * time.Minute
	DefaultCleanupInterval   = 5 * time.Minute
)

// RateLimiterConfig holds rate limiter configuration.
type RateLimiterConfig struct {
	MaxFailedAttempts int
	Window            time.Duration
	CleanupInterval   time.Duration
}

// DefaultRateLimiterConfig returns the default rate limiter configuration.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		MaxFailedAttempts: DefaultMaxFailedAttempts,
		Window:            DefaultRateLimitWindow,
		CleanupInterval:   DefaultCleanupInterval,
	}
}

type failureWindow struct {
	count int
	start time.Time
}

// RateLimiter counts failed authentications per client IP within a fixed window.
type RateLimiter struct {
	mu       sync.Mutex
	failures map[string]*failureWindow
	config   RateLimiterConfig
	now      func() time.Time
}

// NewRateLimiter creates a RateLimiter. Call Run to evict stale entries.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	return &RateLimiter{
		failures: make(map[string]*failureWindow),
		config:   config,
		now:      time.Now,
	}
}

// Run evicts expired windows every cleanup interval until ctx is cancelled.
func (rl *RateLimiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rl.evictExpired()
		}
	}
}

func (rl *RateLimiter) evictExpired() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for ip, fw := range rl.failures {
		if now.Sub(fw.start) > rl.config.Window {
			delete(rl.failures, ip)
		}
	}
}

// Len returns the number of tracked clients.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.failures)
}

// IsLimited reports whether ip reached the failure limit in the current window.
func (rl *RateLimiter) IsLimited(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	fw, ok := rl.failures[ip]
	if !ok || rl.now().Sub(fw.start) > rl.config.Window {
		return false
	}
	return fw.count >= rl.config.MaxFailedAttempts
}

// RecordFailure counts a failed attempt for ip, opening a new window if needed.
func (rl *RateLimiter) RecordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	fw, ok := rl.failures[ip]
	if !ok || now.Sub(fw.start) > rl.config.Window {
		rl.failures[ip] = &failureWindow{count: 1, start: now}
		return
	}
	fw.count++
}

// Reset forgets ip.
func (rl *RateLimiter) Reset(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.failures, ip)
}

// GetClientIP returns the originating client address. X-Forwarded-For wins
// over X-Real-IP, which wins over RemoteAddr.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
