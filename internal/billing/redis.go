package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/abdul-hamid-achik/counselor/internal/config"
	"github.com/abdul-hamid-achik/counselor/internal/logging"
)

// RedisStore opens a limiter store on the Redis instance at url, so every
// server process shares one set of counters. The returned client is owned by
// the caller.
func RedisStore(ctx context.Context, url string) (limiter.Store, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid quota redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("quota redis unreachable: %w", err)
	}

	store, err := sredis.NewStoreWithOptions(client, limiter.StoreOptions{
		Prefix:   keyPrefix,
		MaxRetry: 3,
	})
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to create quota store: %w", err)
	}
	return store, client, nil
}

// Open builds the gate described by cfg. With a redis_url the counters live
// in Redis, otherwise in process memory. An empty tier table yields AllowAll.
// The close func releases the Redis client, if any.
func Open(ctx context.Context, cfg config.QuotaConfig, log *logging.Logger) (Gate, func() error, error) {
	noop := func() error { return nil }
	if len(cfg.Turns) == 0 {
		return AllowAll{}, noop, nil
	}
	if cfg.RedisURL == "" {
		g, err := NewGate(cfg, nil, log)
		if err != nil {
			return nil, noop, err
		}
		return g, noop, nil
	}
	store, client, err := RedisStore(ctx, cfg.RedisURL)
	if err != nil {
		return nil, noop, err
	}
	g, err := NewGate(cfg, store, log)
	if err != nil {
		_ = client.Close()
		return nil, noop, err
	}
	return g, client.Close, nil
}
