package logstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Driver names accepted by Open.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverPebble   = "pebble"
)

// Config selects and configures a backend for Open.
type Config struct {
	Driver   string
	PageSize int

	SQLite SQLiteConfig
	Pebble PebbleConfig

	// Pool is required for the postgres driver. The caller owns it.
	Pool           *pgxpool.Pool
	PostgresSchema string
}

// Open builds the backend named by cfg.Driver and makes sure its schema exists.
func Open(ctx context.Context, cfg Config, log *slog.Logger) (Store, error) {
	if log == nil {
		log = slog.Default()
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DriverSQLite
	}

	var (
		st  Store
		err error
	)
	switch driver {
	case DriverMemory:
		st = NewMemoryStore()

	case DriverSQLite:
		sc := cfg.SQLite
		if sc.PageSize == 0 {
			sc.PageSize = cfg.PageSize
		}
		st, err = OpenSQLite(ctx, sc)

	case DriverPebble:
		st, err = OpenPebble(ctx, cfg.Pebble)

	case DriverPostgres:
		if cfg.Pool == nil {
			return nil, errors.New("logstore: postgres driver requires a pool")
		}
		opts := []PostgresOption{WithPageSize(cfg.PageSize)}
		if s := strings.TrimSpace(cfg.PostgresSchema); s != "" {
			opts = append(opts, WithSchema(s))
		}
		var pg *PostgresStore
		pg, err = NewPostgresStore(cfg.Pool, opts...)
		if err == nil {
			err = pg.Init(ctx)
		}
		st = pg

	default:
		return nil, fmt.Errorf("logstore: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	log.Info("logstore.open", "driver", driver)
	return st, nil
}
