package ratelimit

import (
	"context"
	"sync"
	"time"

	"labforge/internal/common/clock"
)

// Limiter decides whether key may perform one more attempt in the current window.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Config holds fixed-window parameters.
type Config struct {
	Window      time.Duration
	MaxAttempts int
}

const (
	DefaultWindow      = 60 * time.Second
	DefaultMaxAttempts = 5

	pruneEvery = 1024
)

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

type window struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter is a per-process fixed-window limiter.
// Limits are per node; use RedisLimiter when several nodes serve traffic.
type MemoryLimiter struct {
	cfg   Config
	clock clock.Clock

	mu      sync.Mutex
	windows map[string]*window
	calls   int
}

// NewMemoryLimiter creates a limiter; a nil clock uses the system clock.
func NewMemoryLimiter(cfg Config, clk clock.Clock) *MemoryLimiter {
	if clk == nil {
		clk = clock.Real{}
	}
	return &MemoryLimiter{
		cfg:     cfg.withDefaults(),
		clock:   clk,
		windows: make(map[string]*window),
	}
}

// Allow never returns an error; the signature matches Limiter.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls++
	if l.calls%pruneEvery == 0 {
		l.pruneLocked(now)
	}

	w, ok := l.windows[key]
	if !ok || now.After(w.resetAt) {
		l.windows[key] = &window{count: 1, resetAt: now.Add(l.cfg.Window)}
		return true, nil
	}
	if w.count >= l.cfg.MaxAttempts {
		return false, nil
	}
	w.count++
	return true, nil
}

// Len reports tracked keys.
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Prune drops windows whose reset time has passed.
func (l *MemoryLimiter) Prune() {
	now := l.clock.Now()
	l.mu.Lock()
	l.pruneLocked(now)
	l.mu.Unlock()
}

func (l *MemoryLimiter) pruneLocked(now time.Time) {
	for key, w := range l.windows {
		if now.After(w.resetAt) {
			delete(l.windows, key)
		}
	}
}
