// Package quota tracks per-minute and per-day call budgets for an external
// provider.
package quota

import (
	"fmt"
	"time"
	_ "time/tzdata"

	"emconnect.org/internal/config"
)

const (
	DefaultPerMinute = 8
	DefaultPerDay    = 200
	DefaultTimeZone  = "America/Los_Angeles"
)

// Usage is a point-in-time snapshot of consumption.
type Usage struct {
	MinuteUsed  int    `json:"minute_used"`
	MinuteLimit int    `json:"minute_limit"`
	DayUsed     int    `json:"day_used"`
	DayLimit    int    `json:"day_limit"`
	DayKey      string `json:"day_key"`
}

// Guard decides whether another external call fits the budget.
type Guard struct {
	perMinute int
	perDay    int
	loc       *time.Location
	store     Store
	now       func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

func WithClock(fn func() time.Time) Option {
	return func(g *Guard) {
		if fn != nil {
			g.now = fn
		}
	}
}

func WithStore(s Store) Option {
	return func(g *Guard) {
		if s != nil {
			g.store = s
		}
	}
}

// WithLocation sets the zone used to derive the day key.
func WithLocation(loc *time.Location) Option {
	return func(g *Guard) {
		if loc != nil {
			g.loc = loc
		}
	}
}

// NewGuard returns a Guard with the given ceilings. Non-positive ceilings use
// the defaults.
func NewGuard(perMinute, perDay int, opts ...Option) *Guard {
	if perMinute <= 0 {
		perMinute = DefaultPerMinute
	}
	if perDay <= 0 {
		perDay = DefaultPerDay
	}
	g := &Guard{
		perMinute: perMinute,
		perDay:    perDay,
		loc:       defaultLocation(),
		store:     NewMemoryStore(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// FromConfig builds a Guard from configuration. An unknown zone is an error.
func FromConfig(cfg config.QuotaConfig, opts ...Option) (*Guard, error) {
	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("quota: time zone %q: %w", cfg.TimeZone, err)
	}
	return NewGuard(cfg.PerMinute, cfg.PerDay, append([]Option{WithLocation(loc)}, opts...)...), nil
}

// defaultLocation never fails: zone data is embedded via time/tzdata.
func defaultLocation() *time.Location {
	loc, err := time.LoadLocation(DefaultTimeZone)
	if err != nil {
		panic(fmt.Sprintf("quota: embedded zone %s: %v", DefaultTimeZone, err))
	}
	return loc
}

// Allowed reports whether one more call fits both ceilings.
func (g *Guard) Allowed() bool {
	now := g.now()
	allowed := false
	g.store.Update(func(s *State) {
		g.refresh(s, now)
		allowed = s.DailyCount < g.perDay && len(s.Minute) < g.perMinute
	})
	return allowed
}

// Record consumes one call.
func (g *Guard) Record() {
	now := g.now()
	g.store.Update(func(s *State) {
		g.refresh(s, now)
		s.DailyCount++
		s.Minute = append(s.Minute, now)
	})
}

// Usage returns current consumption.
func (g *Guard) Usage() Usage {
	now := g.now()
	var u Usage
	g.store.Update(func(s *State) {
		g.refresh(s, now)
		u = Usage{
			MinuteUsed:  len(s.Minute),
			MinuteLimit: g.perMinute,
			DayUsed:     s.DailyCount,
			DayLimit:    g.perDay,
			DayKey:      s.DayKey,
		}
	})
	return u
}

func (g *Guard) refresh(s *State, now time.Time) {
	key := now.In(g.loc).Format("2006-01-02")
	if s.DayKey != key {
		s.DayKey = key
		s.DailyCount = 0
	}
	cutoff := now.Add(-time.Minute)
	kept := s.Minute[:0]
	for _, t := range s.Minute {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.Minute = kept
}
