package main

import (
	"context"

	"tradeflow/cmd/worker/config"

	"github.com/redis/go-redis/v9"
)

// buildRedisClient connects the shared Redis client that backs both queues
// and the order store.
func buildRedisClient(ctx context.Context) (*redis.Client, func(), error) {
	cfg, err := config.LoadRedis()
	if err != nil {
		return nil, nil, err
	}
	return cfg.NewClient(ctx)
}
