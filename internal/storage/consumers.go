package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/checkmate-sg/checkmate-core/internal/model"
)

const consumerColumns = `name, key_prefix, key_hash, allowed_apis,
	milliseconds_per_request, capacity, milliseconds_for_updates,
	tokens, last_refill_at, call_counters, is_active, created_at`

// CreateConsumer inserts a new consumer. Returns ErrAlreadyExists when the
// name is taken.
func (db *DB) CreateConsumer(ctx context.Context, c *model.Consumer) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.LastRefillAt.IsZero() {
		c.LastRefillAt = c.CreatedAt
	}
	counters, err := json.Marshal(c.CallCounters)
	if err != nil {
		return fmt.Errorf("storage: marshal call counters: %w", err)
	}

	_, err = db.pool.Exec(ctx, `
		INSERT INTO consumers (
			name, key_prefix, key_hash, allowed_apis,
			milliseconds_per_request, capacity, milliseconds_for_updates,
			tokens, last_refill_at, call_counters, is_active, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.Name, c.KeyPrefix, c.KeyHash, c.AllowedAPIs,
		c.MillisecondsPerRequest, c.Capacity, c.MillisecondsForUpdates,
		c.Tokens, c.LastRefillAt, counters, c.IsActive, c.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("storage: consumer %q: %w", c.Name, ErrAlreadyExists)
		}
		return fmt.Errorf("storage: create consumer: %w", err)
	}
	return nil
}

// GetConsumerByName retrieves a consumer by unique name.
func (db *DB) GetConsumerByName(ctx context.Context, name string) (model.Consumer, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+consumerColumns+` FROM consumers WHERE name = $1`, name)
	c, err := scanConsumer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Consumer{}, fmt.Errorf("storage: consumer %q: %w", name, ErrNotFound)
		}
		return model.Consumer{}, fmt.Errorf("storage: get consumer: %w", err)
	}
	return c, nil
}

// GetActiveConsumersByKeyPrefix returns active consumers whose stored key
// prefix matches. The prefix is an O(1) pre-filter before Argon2 verification;
// collisions are possible so all matches are returned.
func (db *DB) GetActiveConsumersByKeyPrefix(ctx context.Context, prefix string) ([]model.Consumer, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT `+consumerColumns+` FROM consumers
		WHERE key_prefix = $1 AND is_active = true`, prefix)
	if err != nil {
		return nil, fmt.Errorf("storage: get consumers by prefix: %w", err)
	}
	defer rows.Close()

	var consumers []model.Consumer
	for rows.Next() {
		c, err := scanConsumer(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan consumer: %w", err)
		}
		consumers = append(consumers, c)
	}
	return consumers, rows.Err()
}

// ListConsumers returns all consumers ordered by creation time.
func (db *DB) ListConsumers(ctx context.Context) ([]model.Consumer, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+consumerColumns+` FROM consumers ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list consumers: %w", err)
	}
	defer rows.Close()

	var consumers []model.Consumer
	for rows.Next() {
		c, err := scanConsumer(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan consumer: %w", err)
		}
		consumers = append(consumers, c)
	}
	return consumers, rows.Err()
}

// UpdateConsumerAPIs replaces the allowed-API set for a consumer.
func (db *DB) UpdateConsumerAPIs(ctx context.Context, name string, apis []string) error {
	tag, err := db.pool.Exec(ctx, `UPDATE consumers SET allowed_apis = $2 WHERE name = $1`, name, apis)
	if err != nil {
		return fmt.Errorf("storage: update consumer apis: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: consumer %q: %w", name, ErrNotFound)
	}
	return nil
}

// DeleteConsumer removes a consumer record.
func (db *DB) DeleteConsumer(ctx context.Context, name string) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM consumers WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("storage: delete consumer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: consumer %q: %w", name, ErrNotFound)
	}
	return nil
}

// IncrementCallCounters atomically bumps the lifetime and monthly call
// counters for an API. Only called after a downstream response below 500,
// so upstream outages do not burn quota.
func (db *DB) IncrementCallCounters(ctx context.Context, name, api string, at time.Time) error {
	lifetime, monthly := model.CounterKeys(api, at)
	tag, err := db.pool.Exec(ctx, `
		UPDATE consumers SET call_counters = call_counters
			|| jsonb_build_object($2::text, COALESCE((call_counters->>$2)::bigint, 0) + 1)
			|| jsonb_build_object($3::text, COALESCE((call_counters->>$3)::bigint, 0) + 1)
		WHERE name = $1`,
		name, lifetime, monthly,
	)
	if err != nil {
		return fmt.Errorf("storage: increment call counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: consumer %q: %w", name, ErrNotFound)
	}
	return nil
}

// SaveBucketState persists the live token-bucket level so restarts do not
// grant a free burst.
func (db *DB) SaveBucketState(ctx context.Context, name string, tokens float64, lastRefill time.Time) error {
	_, err := db.pool.Exec(ctx, `
		UPDATE consumers SET tokens = $2, last_refill_at = $3 WHERE name = $1`,
		name, tokens, lastRefill,
	)
	if err != nil {
		return fmt.Errorf("storage: save bucket state: %w", err)
	}
	return nil
}

func scanConsumer(row pgx.Row) (model.Consumer, error) {
	var (
		c        model.Consumer
		counters []byte
	)
	err := row.Scan(
		&c.Name, &c.KeyPrefix, &c.KeyHash, &c.AllowedAPIs,
		&c.MillisecondsPerRequest, &c.Capacity, &c.MillisecondsForUpdates,
		&c.Tokens, &c.LastRefillAt, &counters, &c.IsActive, &c.CreatedAt,
	)
	if err != nil {
		return model.Consumer{}, err
	}
	if len(counters) > 0 {
		if err := json.Unmarshal(counters, &c.CallCounters); err != nil {
			return model.Consumer{}, fmt.Errorf("unmarshal call counters: %w", err)
		}
	}
	return c, nil
}
