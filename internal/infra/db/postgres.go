package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/acme/power-dialer/internal/config"
)

const defaultHealthQuery = "SELECT 1"

// Postgres holds the run history database: a pgx pool exposed through sqlx
// for the repositories.
type Postgres struct {
	pool        *pgxpool.Pool
	db          *sqlx.DB
	healthQuery string
}

// NewPostgres opens the pool and verifies it with the health query.
func NewPostgres(ctx context.Context, cfg config.PostgresConfig) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MinConns = cfg.MinConns
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}

	p := &Postgres{
		pool:        pool,
		db:          sqlx.NewDb(stdlib.OpenDBFromPool(pool), "pgx"),
		healthQuery: cfg.HealthQuery,
	}
	if p.healthQuery == "" {
		p.healthQuery = defaultHealthQuery
	}
	if err := p.Health(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func dsn(cfg config.PostgresConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database, sslMode,
	)
}

// DB exposes the sqlx handle.
func (p *Postgres) DB() *sqlx.DB {
	return p.db
}

// Health runs the configured probe query.
func (p *Postgres) Health(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, p.healthQuery); err != nil {
		return fmt.Errorf("postgres: health: %w", err)
	}
	return nil
}

// Close drains the pool and releases resources.
func (p *Postgres) Close(ctx context.Context) error {
	var err error
	if p.db != nil {
		err = p.db.Close()
	}
	if p.pool != nil {
		p.pool.Close()
	}
	return err
}
