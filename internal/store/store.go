// Package store picks the repository backend from configuration.
package store

import (
	"context"

	"emconnect.org/internal/covert"
	"emconnect.org/internal/incident"
	"emconnect.org/internal/notify"
	"emconnect.org/internal/obs"
	"emconnect.org/internal/store/memstore"
	"emconnect.org/internal/store/pg"
)

// Backend is every repository interface plus lifecycle.
type Backend interface {
	covert.Repository
	incident.Store
	notify.Store
	notify.AddressResolver

	AddLink(ctx context.Context, l covert.TrustedLink) error
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Backend = (*pg.Store)(nil)
	_ Backend = (*memstore.Store)(nil)
)

// Open returns the PostgreSQL store for dsn, or an in-memory store when dsn
// is empty.
func Open(dsn string) (Backend, error) {
	if dsn == "" {
		obs.Warn("store_in_memory", map[string]any{"reason": "no postgres dsn configured"})
		return memstore.New(), nil
	}
	s, err := pg.Open(dsn)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// IsMemory reports whether b keeps state only in this process.
func IsMemory(b Backend) bool {
	_, ok := b.(*memstore.Store)
	return ok
}
