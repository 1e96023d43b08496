package blob

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore keeps blobs in a single receipts table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore constructs a PostgresStore over an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// NewPostgresStoreWithSchema initializes the schema then returns the store.
func NewPostgresStoreWithSchema(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	store := NewPostgresStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the blobs table if it does not exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS blobs (
			key TEXT PRIMARY KEY,
			content_type TEXT NOT NULL,
			body BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	return err
}

// Put inserts the blob; an existing key is left untouched.
func (s *PostgresStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blobs (key, content_type, body)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO NOTHING`,
		key, contentType, data,
	)
	return err
}

// Get returns the blob stored under key.
func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, string, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT body, content_type
		FROM blobs
		WHERE key = $1`,
		key,
	)

	var body []byte
	var contentType string
	if err := row.Scan(&body, &contentType); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", false, nil
		}
		return nil, "", false, err
	}
	return body, contentType, true, nil
}
