// Package database
package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/recipebox/recipebox/internal/config"
)

// SQLSTATE codes that no amount of retrying will fix.
const (
	codeInvalidPassword       = "28P01"
	codeInvalidAuthorization  = "28000"
	codeInvalidCatalogName    = "3D000"
	codeUndefinedTable        = "42P01"
	codeInsufficientPrivilege = "42501"
)

// Connect opens a connection pool sized from cfg and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.Pool.MaxConns)
	poolCfg.MinConns = int32(cfg.Pool.MinConns)
	poolCfg.MaxConnLifetime = cfg.Pool.MaxConnLifetime()
	poolCfg.MaxConnIdleTime = cfg.Pool.MaxConnIdleTime()
	poolCfg.HealthCheckPeriod = cfg.Pool.HealthCheckPeriod()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("connected to database",
		"host", cfg.Host,
		"dbname", cfg.DBName,
		"max_conns", cfg.Pool.MaxConns,
	)
	return pool, nil
}

// Ping runs a trivial query, which unlike pool.Ping exercises the executor.
func Ping(ctx context.Context, pool *pgxpool.Pool) error {
	var n int
	if err := pool.QueryRow(ctx, "SELECT 1 + 1").Scan(&n); err != nil {
		return fmt.Errorf("database ping: %w", err)
	}
	return nil
}

// IsFatal reports whether err is a database error that retrying cannot fix:
// rejected credentials, a missing database or a missing schema.
func IsFatal(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case codeInvalidPassword, codeInvalidAuthorization, codeInvalidCatalogName,
		codeUndefinedTable, codeInsufficientPrivilege:
		return true
	default:
		return false
	}
}
