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

// Package registry implements spec.md §4.2: upserting services and
// their task definitions, versioning task code on change, and
// orphaning tasks a service stops declaring.
package registry

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"pipeweave/internal/logging"
	"pipeweave/internal/model"
	"pipeweave/internal/store"
)

// TaskInput is the caller-supplied shape of one task definition in a
// registration call. It excludes CodeVersion and CodeHash: those are
// computed here, never supplied by the caller.
type TaskInput struct {
	ID                  string
	AllowedNext         []string
	TimeoutSec          int
	MaxRetries          int
	RetryBackoff        model.RetryBackoff
	RetryDelayMs        int
	MaxRetryDelayMs     int
	HeartbeatIntervalMs int
	Concurrency         int
	Priority            int
	IdempotencyTTLSec   *int
	Description         string
}

// CodeChange describes one task whose code hash (and therefore version)
// changed on this registration, per SPEC_FULL.md's "code-version
// diffing report" addition.
type CodeChange struct {
	TaskID     string `json:"taskId"`
	OldVersion int    `json:"oldVersion"`
	NewVersion int    `json:"newVersion"`
	OldHash    string `json:"oldHash,omitempty"`
	NewHash    string `json:"newHash"`
}

type RegisterResult struct {
	CodeChanges    []CodeChange
	OrphanedTasks  []string
}

type Registry struct {
	db *sql.DB
}

func New(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// Register upserts a service and its declared tasks inside one
// transaction, so a mid-batch failure never leaves the service with
// half its tasks versioned (spec.md §4.2's "prefer the transactional
// form").
func (r *Registry) Register(ctx context.Context, serviceID, version, baseURL string, tasks []TaskInput) (*RegisterResult, error) {
	result := &RegisterResult{}

	err := store.Transaction(ctx, r.db, func(tx *sql.Tx) error {
		var previousVersion sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT version FROM services WHERE id = $1`, serviceID).Scan(&previousVersion)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("reading previous service version: %w", err)
		}

		now := time.Now()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO services (id, version, base_url, registered_at, last_heartbeat, status)
			VALUES ($1, $2, $3, $4, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				version = EXCLUDED.version,
				base_url = EXCLUDED.base_url,
				last_heartbeat = EXCLUDED.last_heartbeat,
				status = EXCLUDED.status
		`, serviceID, version, baseURL, now, model.ServiceActive)
		if err != nil {
			return fmt.Errorf("upserting service: %w", err)
		}

		if previousVersion.Valid && previousVersion.String != version {
			orphaned, err := r.orphanRemovedTasks(ctx, tx, serviceID, version, tasks)
			if err != nil {
				return err
			}
			result.OrphanedTasks = orphaned
		}

		for _, t := range tasks {
			change, err := r.upsertTask(ctx, tx, serviceID, version, t)
			if err != nil {
				return fmt.Errorf("upserting task %s: %w", t.ID, err)
			}
			if change != nil {
				result.CodeChanges = append(result.CodeChanges, *change)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// orphanRemovedTasks cancels pending runs of tasks the service no
// longer declares. The task definitions themselves are retained so
// TaskCodeHistory stays intact (spec.md §4.2 step 2).
func (r *Registry) orphanRemovedTasks(ctx context.Context, tx *sql.Tx, serviceID, newVersion string, incoming []TaskInput) ([]string, error) {
	incomingIDs := make(map[string]bool, len(incoming))
	for _, t := range incoming {
		incomingIDs[t.ID] = true
	}

	rows, err := tx.QueryContext(ctx, `SELECT id FROM tasks WHERE service_id = $1`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("listing existing tasks: %w", err)
	}
	defer rows.Close()

	var orphaned []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if !incomingIDs[id] {
			orphaned = append(orphaned, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, taskID := range orphaned {
		reason := fmt.Sprintf("Task type removed in version %s", newVersion)
		if _, err := tx.ExecContext(ctx, `
			UPDATE task_runs SET status = 'cancelled', error = $1, completed_at = now()
			WHERE task_id = $2 AND status = 'pending'
		`, reason, taskID); err != nil {
			return nil, fmt.Errorf("cancelling orphaned runs for %s: %w", taskID, err)
		}
		logging.LogContext(ctx, "orphaned task "+taskID+" on service version change", slog.LevelInfo)
	}

	return orphaned, nil
}

// upsertTask computes the canonical hash, bumps CodeVersion if it
// changed, and writes the task row plus (if new) a TaskCodeHistory
// entry.
func (r *Registry) upsertTask(ctx context.Context, tx *sql.Tx, serviceID, serviceVersion string, t TaskInput) (*CodeChange, error) {
	hash, err := CanonicalHash(t)
	if err != nil {
		return nil, fmt.Errorf("hashing task config: %w", err)
	}

	var oldHash string
	var oldVersion int
	err = tx.QueryRowContext(ctx, `SELECT code_hash, code_version FROM tasks WHERE id = $1`, t.ID).Scan(&oldHash, &oldVersion)
	isNew := err == sql.ErrNoRows
	if err != nil && !isNew {
		return nil, fmt.Errorf("reading existing task: %w", err)
	}

	newVersion := oldVersion
	var change *CodeChange
	if isNew {
		newVersion = 1
		change = &CodeChange{TaskID: t.ID, OldVersion: 0, NewVersion: newVersion, NewHash: hash}
	} else if oldHash != hash {
		newVersion = oldVersion + 1
		change = &CodeChange{TaskID: t.ID, OldVersion: oldVersion, NewVersion: newVersion, OldHash: oldHash, NewHash: hash}
	}

	allowedNext, err := json.Marshal(t.AllowedNext)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (
			id, service_id, code_hash, code_version, allowed_next, timeout_sec,
			max_retries, retry_backoff, retry_delay_ms, max_retry_delay_ms,
			heartbeat_interval_ms, concurrency, priority, idempotency_ttl_sec, description
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (id) DO UPDATE SET
			service_id = EXCLUDED.service_id,
			code_hash = EXCLUDED.code_hash,
			code_version = EXCLUDED.code_version,
			allowed_next = EXCLUDED.allowed_next,
			timeout_sec = EXCLUDED.timeout_sec,
			max_retries = EXCLUDED.max_retries,
			retry_backoff = EXCLUDED.retry_backoff,
			retry_delay_ms = EXCLUDED.retry_delay_ms,
			max_retry_delay_ms = EXCLUDED.max_retry_delay_ms,
			heartbeat_interval_ms = EXCLUDED.heartbeat_interval_ms,
			concurrency = EXCLUDED.concurrency,
			priority = EXCLUDED.priority,
			idempotency_ttl_sec = EXCLUDED.idempotency_ttl_sec,
			description = EXCLUDED.description
	`, t.ID, serviceID, hash, newVersion, allowedNext, t.TimeoutSec, t.MaxRetries, t.RetryBackoff,
		t.RetryDelayMs, t.MaxRetryDelayMs, t.HeartbeatIntervalMs, t.Concurrency, t.Priority,
		t.IdempotencyTTLSec, t.Description)
	if err != nil {
		return nil, err
	}

	if change != nil {
		var exists bool
		err = tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM task_code_history WHERE task_id = $1 AND code_hash = $2)`,
			t.ID, hash).Scan(&exists)
		if err != nil {
			return nil, err
		}
		if !exists {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO task_code_history (task_id, code_version, code_hash, service_version, recorded_at)
				VALUES ($1, $2, $3, $4, now())
			`, t.ID, newVersion, hash, serviceVersion)
			if err != nil {
				return nil, fmt.Errorf("recording code history: %w", err)
			}
		}
	}

	return change, nil
}

// CanonicalHash is the first 16 hex characters of SHA-256 over a
// stable JSON encoding of the task config. This choice is load-bearing:
// changing the encoding would invalidate every existing hash
// (spec.md §4.2's canonical serialization note).
func CanonicalHash(t TaskInput) (string, error) {
	sort.Strings(t.AllowedNext)
	canonical := struct {
		ID                  string
		AllowedNext         []string
		TimeoutSec          int
		MaxRetries          int
		RetryBackoff        model.RetryBackoff
		RetryDelayMs        int
		MaxRetryDelayMs     int
		HeartbeatIntervalMs int
		Concurrency         int
		Priority            int
		IdempotencyTTLSec   *int
		Description         string
	}{
		t.ID, t.AllowedNext, t.TimeoutSec, t.MaxRetries, t.RetryBackoff, t.RetryDelayMs,
		t.MaxRetryDelayMs, t.HeartbeatIntervalMs, t.Concurrency, t.Priority,
		t.IdempotencyTTLSec, t.Description,
	}
	data, err := json.Marshal(canonical)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16], nil
}

func (r *Registry) GetService(ctx context.Context, id string) (*model.Service, error) {
	s := &model.Service{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, version, base_url, registered_at, last_heartbeat, status FROM services WHERE id = $1
	`, id).Scan(&s.ID, &s.Version, &s.BaseURL, &s.RegisteredAt, &s.LastHeartbeat, &s.Status)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("service %s: %w", id, sql.ErrNoRows)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *Registry) ListServices(ctx context.Context) ([]model.Service, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, version, base_url, registered_at, last_heartbeat, status FROM services ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Service
	for rows.Next() {
		var s model.Service
		if err := rows.Scan(&s.ID, &s.Version, &s.BaseURL, &s.RegisteredAt, &s.LastHeartbeat, &s.Status); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Registry) GetTask(ctx context.Context, id string) (*model.Task, error) {
	return scanTask(r.db.QueryRowContext(ctx, `
		SELECT id, service_id, code_hash, code_version, allowed_next, timeout_sec, max_retries,
		       retry_backoff, retry_delay_ms, max_retry_delay_ms, heartbeat_interval_ms,
		       concurrency, priority, idempotency_ttl_sec, description
		FROM tasks WHERE id = $1
	`, id))
}

func (r *Registry) ListTasksForService(ctx context.Context, serviceID string) ([]model.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, service_id, code_hash, code_version, allowed_next, timeout_sec, max_retries,
		       retry_backoff, retry_delay_ms, max_retry_delay_ms, heartbeat_interval_ms,
		       concurrency, priority, idempotency_ttl_sec, description
		FROM tasks WHERE service_id = $1 ORDER BY id
	`, serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Task
	for rows.Next() {
		var t model.Task
		var allowedNext []byte
		if err := rows.Scan(&t.ID, &t.ServiceID, &t.CodeHash, &t.CodeVersion, &allowedNext,
			&t.TimeoutSec, &t.MaxRetries, &t.RetryBackoff, &t.RetryDelayMs, &t.MaxRetryDelayMs,
			&t.HeartbeatIntervalMs, &t.Concurrency, &t.Priority, &t.IdempotencyTTLSec, &t.Description); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(allowedNext, &t.AllowedNext); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *Registry) GetTaskCodeHistory(ctx context.Context, taskID string) ([]model.TaskCodeHistory, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT task_id, code_version, code_hash, service_version, recorded_at
		FROM task_code_history WHERE task_id = $1 ORDER BY recorded_at
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TaskCodeHistory
	for rows.Next() {
		var h model.TaskCodeHistory
		if err := rows.Scan(&h.TaskID, &h.CodeVersion, &h.CodeHash, &h.ServiceVersion, &h.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	var t model.Task
	var allowedNext []byte
	err := row.Scan(&t.ID, &t.ServiceID, &t.CodeHash, &t.CodeVersion, &allowedNext,
		&t.TimeoutSec, &t.MaxRetries, &t.RetryBackoff, &t.RetryDelayMs, &t.MaxRetryDelayMs,
		&t.HeartbeatIntervalMs, &t.Concurrency, &t.Priority, &t.IdempotencyTTLSec, &t.Description)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task not found: %w", sql.ErrNoRows)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(allowedNext, &t.AllowedNext); err != nil {
		return nil, err
	}
	return &t, nil
}
