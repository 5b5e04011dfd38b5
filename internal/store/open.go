package store

import (
	"context"
	"fmt"

	"labelflow/internal/config"
)

// Open returns the store selected by cfg.StoreDriver. Postgres is migrated before use.
// The returned func releases the store.
func Open(ctx context.Context, cfg config.Config) (Store, func(), error) {
	switch cfg.StoreDriver {
	case "memory":
		return NewMemory(nil), func() {}, nil
	case "postgres":
		pg, err := NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		return pg, pg.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
