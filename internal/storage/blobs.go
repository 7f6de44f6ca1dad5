package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// PutBlob stores image bytes under a content-addressed key. Write-once:
// a concurrent or repeated put of the same key is a no-op.
func (db *DB) PutBlob(ctx context.Context, key, contentType string, data []byte) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO blobs (key, content_type, data, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO NOTHING`,
		key, contentType, data, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: put blob: %w", err)
	}
	return nil
}

// GetBlob retrieves cached image bytes by key.
func (db *DB) GetBlob(ctx context.Context, key string) (contentType string, data []byte, err error) {
	err = db.pool.QueryRow(ctx,
		`SELECT content_type, data FROM blobs WHERE key = $1`, key,
	).Scan(&contentType, &data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil, fmt.Errorf("storage: blob %s: %w", key, ErrNotFound)
		}
		return "", nil, fmt.Errorf("storage: get blob: %w", err)
	}
	return contentType, data, nil
}
