package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/usagemeter"
	"github.com/ineyio/usagemeter/store/memory"
	storepg "github.com/ineyio/usagemeter/store/postgres"
	storeredis "github.com/ineyio/usagemeter/store/redis"
	"github.com/ineyio/usagemeter/store/sqlite"
	"github.com/ineyio/usagemeter/store/tee"
)

func storeDriver(cfg usagemeter.StoreConfig) string {
	if cfg.Driver == "" {
		return "memory"
	}
	return cfg.Driver
}

// openStore opens the configured store and its optional mirror. The
// returned func releases every connection opened.
func openStore(ctx context.Context, cfg usagemeter.StoreConfig) (usagemeter.Store, func(), error) {
	primary, closePrimary, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Mirror == nil {
		return primary, closePrimary, nil
	}

	mirror, closeMirror, err := openBackend(ctx, *cfg.Mirror)
	if err != nil {
		closePrimary()
		return nil, nil, fmt.Errorf("mirror: %w", err)
	}
	return tee.New(primary, mirror), func() {
		closeMirror()
		closePrimary()
	}, nil
}

func openBackend(ctx context.Context, cfg usagemeter.StoreConfig) (usagemeter.Store, func(), error) {
	switch storeDriver(cfg) {
	case "memory":
		return memory.New(), func() {}, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		var opts []storepg.Option
		if cfg.Prefix != "" {
			opts = append(opts, storepg.WithTablePrefix(cfg.Prefix))
		}
		s := storepg.New(pool, opts...)
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return s, pool.Close, nil

	case "redis":
		redisOpts, err := goredis.ParseURL(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		client := goredis.NewClient(redisOpts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		var opts []storeredis.Option
		if cfg.Prefix != "" {
			opts = append(opts, storeredis.WithKeyPrefix(cfg.Prefix))
		}
		return storeredis.New(client, opts...), func() { client.Close() }, nil

	case "sqlite":
		s, err := sqlite.Open(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
