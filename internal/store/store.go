// Package store selects the backend the commands run on.
package store

import (
	"context"
	"fmt"
	"time"

	"gracechurch.org/authz/internal/audit"
	"gracechurch.org/authz/internal/authz"
	"gracechurch.org/authz/internal/delegation"
	"gracechurch.org/authz/internal/review"
	"gracechurch.org/authz/internal/store/memory"
	"gracechurch.org/authz/internal/store/pg"
)

// Backend is everything the service reads and writes.
type Backend interface {
	authz.Store
	delegation.Store
	review.Store
	audit.Sink
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Backend = (*memory.Store)(nil)
	_ Backend = (*pg.Store)(nil)
)

// Open returns the PostgreSQL store when dsn is set. Without a dsn it returns an
// in-memory store holding the default roles, plus the demo congregation when
// seedDemo is set.
func Open(ctx context.Context, dsn string, seedDemo bool, now time.Time) (Backend, error) {
	if dsn == "" {
		m := memory.New()
		if seedDemo {
			memory.SeedDemo(m, now)
		} else {
			memory.SeedRoles(m)
		}
		return m, nil
	}
	s, err := pg.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return s, nil
}
