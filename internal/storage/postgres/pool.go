// Package postgres provides Postgres-backed persistence for news records and sync runs.
//
// Expected tables:
//
//	news(id bigserial primary key, title text unique not null, category text, excerpt text,
//	     content text, badge text, status text, publish_date timestamptz, author_id bigint,
//	     attachments jsonb, created_at timestamptz default now(), updated_at timestamptz default now())
//	users(id bigserial primary key, role text)
//	crawl_runs(run_id text primary key, started_at timestamptz, finished_at timestamptz,
//	     total int, added int, updated int, skipped int, errors int, stopped bool,
//	     status text, error_message text, details jsonb)
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	NewsTable       string        `mapstructure:"news_table"`
	UsersTable      string        `mapstructure:"users_table"`
	RunsTable       string        `mapstructure:"runs_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// WithDefaults fills table names.
func (c Config) WithDefaults() Config {
	if c.NewsTable == "" {
		c.NewsTable = "news"
	}
	if c.UsersTable == "" {
		c.UsersTable = "users"
	}
	if c.RunsTable == "" {
		c.RunsTable = "crawl_runs"
	}
	return c
}

// Validate checks the DSN and table names.
func (c Config) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("db.dsn is required")
	}
	for _, table := range []string{c.NewsTable, c.UsersTable, c.RunsTable} {
		if !validTableName.MatchString(table) {
			return fmt.Errorf("invalid table name %q", table)
		}
	}
	return nil
}

// dbtx is the subset of pgxpool.Pool the stores use; pgxmock satisfies it.
type dbtx interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// Connect opens a pool and verifies connectivity.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}
