package dbpool

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/todo-1m/todo-api/internal/platform/config"
)

// ParseConfig maps the base+overflow sizing onto pgxpool: PoolSize
// connections are kept warm (MinConns) and the pool may grow to
// PoolSize+MaxOverflow, with idle extras closed after MaxConnIdleTime.
func ParseConfig(databaseURL string, db config.DB) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	minConns := db.PoolSize
	maxConns := db.MaxConns()
	if maxConns <= 0 {
		maxConns = 1
	}
	if minConns < 0 {
		minConns = 0
	}
	if minConns > maxConns {
		minConns = maxConns
	}

	cfg.MinConns = int32(minConns)
	cfg.MaxConns = int32(maxConns)
	if db.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = db.MaxConnLifetime
	}
	if db.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = db.MaxConnIdleTime
	}
	if db.HealthCheckPeriod > 0 {
		cfg.HealthCheckPeriod = db.HealthCheckPeriod
	}
	return cfg, nil
}

func New(ctx context.Context, databaseURL string, db config.DB) (*pgxpool.Pool, error) {
	cfg, err := ParseConfig(databaseURL, db)
	if err != nil {
		return nil, err
	}
	return pgxpool.NewWithConfig(ctx, cfg)
}
