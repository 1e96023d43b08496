package main

import (
	"context"
	"database/sql"
	"log"
	"time"

	"tradeflow/cmd/worker/config"
	"tradeflow/internal/blob"
	"tradeflow/internal/orders"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var openBlobDB = func(driver, dsn string) (*sql.DB, error) {
	return sql.Open(driver, dsn)
}

// buildBlobStore prefers Postgres and falls back to the local filesystem
// when no DATABASE_URL is configured. Puts are retried either way.
func buildBlobStore(ctx context.Context, cfg config.StorageConfig) (blob.Store, func(), error) {
	var store blob.Store
	cleanup := func() {}

	if cfg.DatabaseURL != "" {
		db, err := openBlobDB("pgx", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		pgStore, err := blob.NewPostgresStoreWithSchema(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		store = pgStore
		cleanup = func() {
			if err := db.Close(); err != nil {
				log.Printf("close blobs db: %v", err)
			}
		}
	} else {
		log.Printf("DATABASE_URL unset, keeping blobs under %s", cfg.BlobDir)
		fileStore, err := blob.NewFileStore(cfg.BlobDir)
		if err != nil {
			return nil, nil, err
		}
		store = fileStore
	}

	return &retryingBlobStore{
		inner: store,
		retry: orders.RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    time.Second,
		},
	}, cleanup, nil
}

// retryingBlobStore retries transient put failures; a duplicate put is
// already a no-op underneath, so repeating one is safe.
type retryingBlobStore struct {
	inner blob.Store
	retry orders.RetryPolicy
}

func (s *retryingBlobStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	return s.retry.Do(ctx, func() error {
		return s.inner.Put(ctx, key, data, contentType)
	})
}

func (s *retryingBlobStore) Get(ctx context.Context, key string) ([]byte, string, bool, error) {
	return s.inner.Get(ctx, key)
}
