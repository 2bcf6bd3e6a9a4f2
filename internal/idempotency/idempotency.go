// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Package idempotency is spec.md §4.5: the only place in the system
// that maps a caller-supplied fingerprint to a previously computed
// artifact, guaranteeing at-most-one live entry per key per TTL window.
package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"pipeweave/internal/model"
)

type Cache struct {
	db *sql.DB
}

func New(db *sql.DB) *Cache {
	return &Cache{db: db}
}

// Lookup returns the cached entry iff it has not expired. A miss
// (including an expired row) returns (nil, nil) — it is not an error.
func (c *Cache) Lookup(ctx context.Context, key string) (*model.IdempotencyCacheEntry, error) {
	var e model.IdempotencyCacheEntry
	var assets sql.NullString
	err := c.db.QueryRowContext(ctx, `
		SELECT key, task_id, task_run_id, code_version, output_path, output_size, assets, cached_at, expires_at
		FROM idempotency_cache WHERE key = $1 AND expires_at > now()
	`, key).Scan(&e.Key, &e.TaskID, &e.TaskRunID, &e.CodeVersion, &e.OutputPath, &e.OutputSize, &assets, &e.CachedAt, &e.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up idempotency key: %w", err)
	}
	if assets.Valid {
		if err := json.Unmarshal([]byte(assets.String), &e.Assets); err != nil {
			return nil, fmt.Errorf("decoding cached assets: %w", err)
		}
	}
	return &e, nil
}

// Store upserts by key, the way spec.md requires so a retried enqueue
// with the same key never produces two live rows.
func (c *Cache) Store(ctx context.Context, key, taskID, taskRunID string, codeVersion int, outputPath string, ttlSec int, outputSize *int64, assets map[string]any) error {
	var assetsJSON []byte
	if assets != nil {
		var err error
		assetsJSON, err = json.Marshal(assets)
		if err != nil {
			return fmt.Errorf("encoding assets: %w", err)
		}
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO idempotency_cache (key, task_id, task_run_id, code_version, output_path, output_size, assets, cached_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now() + make_interval(secs => $8))
		ON CONFLICT (key) DO UPDATE SET
			task_id = EXCLUDED.task_id,
			task_run_id = EXCLUDED.task_run_id,
			code_version = EXCLUDED.code_version,
			output_path = EXCLUDED.output_path,
			output_size = EXCLUDED.output_size,
			assets = EXCLUDED.assets,
			cached_at = EXCLUDED.cached_at,
			expires_at = EXCLUDED.expires_at
	`, key, taskID, taskRunID, codeVersion, outputPath, outputSize, nullableJSON(assetsJSON), ttlSec)
	if err != nil {
		return fmt.Errorf("storing idempotency entry: %w", err)
	}
	return nil
}

// CleanupExpired bulk-deletes expired rows. Invoked by a periodic
// cleanup driver (spec.md §4.5, "CLI db cleanup") — the core exposes
// the operation; scheduling it is an external concern.
func (c *Cache) CleanupExpired(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM idempotency_cache WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("cleaning up expired idempotency entries: %w", err)
	}
	return res.RowsAffected()
}

func nullableJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}
