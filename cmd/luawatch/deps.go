package main

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/kiranshivaraju/luawatch/internal/cache"
	"github.com/kiranshivaraju/luawatch/internal/notify"
	"github.com/kiranshivaraju/luawatch/internal/store"
)

// openStore returns the Postgres store when DATABASE_URL is set and the
// SQLite store otherwise. Migrations are applied first in both cases.
func (c *cli) openStore(ctx context.Context) (store.Store, error) {
	if !c.cfg.UsePostgres() {
		s, err := store.OpenSQLiteStore(c.cfg.Database.SQLitePath)
		if err != nil {
			return nil, errors.Wrap(err, "open sqlite store")
		}
		slog.Debug("using sqlite store", "path", c.cfg.Database.SQLitePath)
		return s, nil
	}

	if err := store.RunMigrations(c.cfg.Database.URL); err != nil {
		return nil, errors.Wrap(err, "run migrations")
	}
	pool, err := store.Connect(ctx, c.cfg.Database)
	if err != nil {
		return nil, errors.Wrap(err, "connect database")
	}
	slog.Debug("using postgres store")
	return store.NewPostgresStore(pool), nil
}

// openCache returns Redis when REDIS_URL is set and the in-process cache
// otherwise. The Redis client is returned for pub/sub users and is nil for
// the in-process cache.
func (c *cli) openCache(ctx context.Context) (cache.Cache, *redis.Client, error) {
	if c.cfg.Redis.URL == "" {
		return cache.NewMemoryCache(cache.DefaultMemoryKeys), nil, nil
	}

	rc, err := cache.NewRedisCache(c.cfg.Redis.URL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "create redis cache")
	}
	if err := rc.Ping(ctx); err != nil {
		rc.Close()
		return nil, nil, errors.Wrap(err, "ping redis")
	}
	slog.Debug("redis connected")
	return rc, rc.Client(), nil
}

// newNotifier publishes to Redis when a client is available and logs otherwise.
func newNotifier(client *redis.Client) notify.Notifier {
	if client == nil {
		return notify.LogNotifier{}
	}
	return notify.NewRedisNotifier(client)
}
