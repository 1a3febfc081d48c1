// Package ratelimit implements a sliding-window attempt limiter with lockout.
// It never fails; it only denies.
package ratelimit

import (
	"context"
	"time"

	"emconnect.org/internal/obs"
)

// Config bounds attempts per key.
type Config struct {
	AttemptsPerWindow int
	Window            time.Duration
	Lock              time.Duration
}

// DefaultConfig allows 5 attempts per 5 minutes and locks for 10 minutes.
func DefaultConfig() Config {
	return Config{AttemptsPerWindow: 5, Window: 5 * time.Minute, Lock: 10 * time.Minute}
}

// Decision is the result of Check.
type Decision struct {
	Allowed     bool
	Remaining   int
	LockedUntil time.Time
}

// Limiter applies Config to keys held in a Store.
type Limiter struct {
	cfg   Config
	store Store
	now   func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithStore swaps the backing store.
func WithStore(s Store) Option {
	return func(l *Limiter) {
		if s != nil {
			l.store = s
		}
	}
}

// New returns a Limiter. Non-positive config values fall back to defaults.
func New(cfg Config, opts ...Option) *Limiter {
	def := DefaultConfig()
	if cfg.AttemptsPerWindow <= 0 {
		cfg.AttemptsPerWindow = def.AttemptsPerWindow
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Lock <= 0 {
		cfg.Lock = def.Lock
	}
	l := &Limiter{cfg: cfg, store: NewMemoryStore(), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Config returns the effective configuration.
func (l *Limiter) Config() Config { return l.cfg }

// Check evaluates key without recording an attempt.
func (l *Limiter) Check(key string) Decision {
	now := l.now()
	var d Decision
	l.store.Update(key, func(e *Entry) {
		if e.Locked(now) {
			d = Decision{LockedUntil: e.LockedUntil}
			return
		}
		if !e.LockedUntil.IsZero() {
			e.LockedUntil = time.Time{}
			e.Timestamps = nil
		}
		e.Timestamps = prune(e.Timestamps, now.Add(-l.cfg.Window))
		remaining := l.cfg.AttemptsPerWindow - len(e.Timestamps)
		if remaining <= 0 {
			e.LockedUntil = now.Add(l.cfg.Lock)
			obs.RateLimitLockouts.Inc()
			d = Decision{LockedUntil: e.LockedUntil}
			return
		}
		d = Decision{Allowed: true, Remaining: remaining}
	})
	return d
}

// Record appends an attempt for key. Call it only after an allowed Check.
func (l *Limiter) Record(key string) {
	now := l.now()
	l.store.Update(key, func(e *Entry) {
		e.Timestamps = append(e.Timestamps, now)
	})
}

// Reset forgets key entirely.
func (l *Limiter) Reset(key string) {
	l.store.Delete(key)
}

// Sweep drops entries with no attempts in the window and no active lock.
func (l *Limiter) Sweep() int {
	now := l.now()
	cutoff := now.Add(-l.cfg.Window)
	return l.store.Sweep(func(e *Entry) bool {
		if e.Locked(now) {
			return false
		}
		e.Timestamps = prune(e.Timestamps, cutoff)
		return len(e.Timestamps) == 0
	})
}

// RunJanitor sweeps every interval until ctx is done.
func (l *Limiter) RunJanitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				obs.Info("ratelimit_sweep", map[string]any{"removed": n})
			}
		}
	}
}

func prune(ts []time.Time, cutoff time.Time) []time.Time {
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
