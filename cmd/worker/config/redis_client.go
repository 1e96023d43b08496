package config

import (
	"context"
	"log"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
)

// NewClient connects and health-checks a Redis client for this config. The
// returned cleanup closes the client.
func (c RedisConfig) NewClient(ctx context.Context) (*redis.Client, func(), error) {
	opts, err := redis.ParseURL(c.URL)
	if err != nil {
		return nil, nil, err
	}
	if c.DialTimeout != nil {
		opts.DialTimeout = *c.DialTimeout
	}
	if c.ReadTimeout != nil {
		opts.ReadTimeout = *c.ReadTimeout
	}
	if c.WriteTimeout != nil {
		opts.WriteTimeout = *c.WriteTimeout
	}
	if c.PoolSize != nil {
		opts.PoolSize = *c.PoolSize
	}
	if c.MinIdleConns != nil {
		opts.MinIdleConns = *c.MinIdleConns
	}
	if c.MaxRetries != nil {
		opts.MaxRetries = *c.MaxRetries
	}
	if c.TLSConfig != nil {
		opts.TLSConfig = c.TLSConfig
	}

	client := redis.NewClient(opts)
	if c.EnableOTel {
		if err := redisotel.InstrumentTracing(client); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		if err := redisotel.InstrumentMetrics(client); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
	}

	pingCtx := ctx
	if pingCtx == nil {
		pingCtx = context.Background()
	}
	if c.HealthcheckTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(pingCtx, c.HealthcheckTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	cleanup := func() {
		if err := client.Close(); err != nil {
			log.Printf("close redis: %v", err)
		}
	}
	return client, cleanup, nil
}
