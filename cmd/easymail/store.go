package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"

	"github.com/djlord-it/easy-mail/internal/api"
	"github.com/djlord-it/easy-mail/internal/config"
	"github.com/djlord-it/easy-mail/internal/dispatcher"
	"github.com/djlord-it/easy-mail/internal/reconciler"
	"github.com/djlord-it/easy-mail/internal/registry"
	"github.com/djlord-it/easy-mail/internal/store/postgres"
	"github.com/djlord-it/easy-mail/internal/store/sqlite"
)

// jobStore is everything serve needs from a store backend.
type jobStore interface {
	registry.Store
	dispatcher.Store
	reconciler.Store
	api.Store
}

var (
	_ jobStore = (*postgres.Store)(nil)
	_ jobStore = (*sqlite.Store)(nil)
)

type openedStore struct {
	store jobStore
	db    *sql.DB
	// pg is set only for STORE_DRIVER=postgres; leader election needs it.
	pg *sql.DB
}

func (o *openedStore) Close() error {
	return o.db.Close()
}

// errSchemaMissing is returned when AUTO_MIGRATE=false and the jobs table
// does not exist yet.
var errSchemaMissing = errors.New("schema not found; run 'easymail migrate' or set AUTO_MIGRATE=true")

// openStore connects to the configured backend and prepares its schema.
func openStore(ctx context.Context, cfg config.Config, migrate bool) (*openedStore, error) {
	switch cfg.StoreDriver {
	case "sqlite":
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		slog.Info("easymail: sqlite store opened", "path", cfg.SQLitePath)
		return &openedStore{store: s, db: s.DB()}, nil

	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}

		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

		slog.Info("easymail: db pool configured",
			"max_open", cfg.DBMaxOpenConns,
			"max_idle", cfg.DBMaxIdleConns,
			"max_lifetime", cfg.DBConnMaxLifetime,
			"max_idle_time", cfg.DBConnMaxIdleTime)

		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("connect to database: %w", err)
		}

		s := postgres.New(db, cfg.DBOpTimeout)
		if migrate {
			if err := s.Migrate(ctx); err != nil {
				db.Close()
				return nil, err
			}
			slog.Info("easymail: schema migrated")
		} else if err := probeSchema(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		return &openedStore{store: s, db: db, pg: db}, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// probeSchema checks that the jobs table exists.
func probeSchema(ctx context.Context, db *sql.DB) error {
	var name sql.NullString
	if err := db.QueryRowContext(ctx, "SELECT to_regclass('public.jobs')::text").Scan(&name); err != nil {
		return fmt.Errorf("probe schema: %w", err)
	}
	if !name.Valid {
		return errSchemaMissing
	}
	return nil
}
