package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	BackendPostgres = "postgres"
	BackendBadger   = "badger"
)

type BackendOptions struct {
	Backend       string
	DatabaseURL   string
	MigrationsDir string
	BadgerPath    string
}

// OpenBackend opens the configured backend. Postgres schemas are migrated before the store is returned.
func OpenBackend(ctx context.Context, opts BackendOptions) (Store, []string, error) {
	switch opts.Backend {
	case BackendBadger:
		s, err := OpenBadger(opts.BadgerPath)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	case BackendPostgres, "":
		db, err := Open(ctx, opts.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		applied, err := ApplyMigrations(ctx, db, opts.MigrationsDir)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return NewPostgresStore(db), applied, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}

func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}
