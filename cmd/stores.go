package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/wabridge/internal/config"
	"github.com/nextlevelbuilder/wabridge/internal/store"
	"github.com/nextlevelbuilder/wabridge/internal/store/pg"
	"github.com/nextlevelbuilder/wabridge/internal/store/sqlite"
	"github.com/nextlevelbuilder/wabridge/internal/upgrade"
)

// openStores opens the configured backend. SQLite migrates itself on open;
// Postgres must already be at the required schema version.
func openStores(ctx context.Context, cfg *config.Config) (*store.Stores, error) {
	switch cfg.Database.ResolvedDriver() {
	case "postgres":
		db, err := pg.OpenDB(cfg.Database.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		s, err := upgrade.CheckSchema(ctx, db)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("check schema: %w", err)
		}
		if err := s.Err(); err != nil {
			db.Close()
			fmt.Print(upgrade.FormatError(s))
			return nil, err
		}
		slog.Info("store.opened", "driver", "postgres", "schema", s.CurrentVersion)
		return store.NewStores(pg.NewPGMessageStore(db), pg.NewPGWebhookStore(db), db), nil

	default:
		path := config.ExpandHome(cfg.Database.SQLitePath)
		stores, err := sqlite.NewSQLiteStores(path)
		if err != nil {
			return nil, err
		}
		slog.Info("store.opened", "driver", "sqlite", "path", path)
		return stores, nil
	}
}
