// Package cache wraps the Redis connection used for sessions and health
// probes.
package cache

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/recipebox/recipebox/internal/config"
)

// Client is the subset of go-redis client methods used by Store.
type Client interface {
	Ping(ctx context.Context) *redis.StatusCmd
	DBSize(ctx context.Context) *redis.IntCmd
	Close() error
}

// Store is a Redis connection with the probes the admin surface needs.
type Store struct {
	client Client
	addr   string
	logger *slog.Logger
}

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*Store, error) {
	opts := &redis.Options{
		Addr: cfg.Addr(),
		DB:   cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s: ping failed: %w", cfg.Addr(), err)
	}

	s := NewWithClient(cfg.Addr(), client, logger)
	s.logger.Info("connected to redis", "address", cfg.Addr(), "db", cfg.DB)
	return s, nil
}

// NewWithClient creates a Store backed by a pre-built client.
func NewWithClient(addr string, client Client, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client: client,
		addr:   addr,
		logger: logger.With("component", "cache"),
	}
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis %s: %w", s.addr, err)
	}
	return nil
}

// Count returns the number of keys in the selected database.
func (s *Store) Count(ctx context.Context) (int64, error) {
	n, err := s.client.DBSize(ctx).Result()
	if err != nil {
		return 0, fmt.Errorf("redis %s: dbsize: %w", s.addr, err)
	}
	return n, nil
}

// Close closes the connection.
func (s *Store) Close() error {
	s.logger.Info("closing redis connection", "address", s.addr)
	return s.client.Close()
}
