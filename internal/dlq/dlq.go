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

// Package dlq is spec.md §4.7: the dead-letter queue of task runs that
// exhausted their retries, retained with enough context for manual or
// automated replay.
package dlq

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pipeweave/internal/model"
)

type Queue struct {
	db *sql.DB
}

func New(db *sql.DB) *Queue {
	return &Queue{db: db}
}

// Add inserts a DLQ row capturing the run's full history. Returns the
// new DLQ ID.
func (q *Queue) Add(ctx context.Context, run *model.TaskRun, failureError string) (string, error) {
	id := "dlq_" + uuid.NewString()

	upstream, err := json.Marshal(run.UpstreamRefs)
	if err != nil {
		return "", fmt.Errorf("encoding upstream refs: %w", err)
	}
	previous, err := json.Marshal(run.PreviousAttempts)
	if err != nil {
		return "", fmt.Errorf("encoding previous attempts: %w", err)
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO dlq (id, task_run_id, task_id, pipeline_run_id, code_version, code_hash,
		                 error, attempts, input_path, upstream_refs, previous_attempts, failed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11, now())
	`, id, run.ID, run.TaskID, run.PipelineRunID, run.CodeVersion, run.CodeHash,
		failureError, run.Attempt, run.InputPath, upstream, previous)
	if err != nil {
		return "", fmt.Errorf("inserting dlq entry: %w", err)
	}
	return id, nil
}

// List returns non-retried entries, most recently failed first.
func (q *Queue) List(ctx context.Context, limit, offset int) ([]model.DLQEntry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, task_run_id, task_id, pipeline_run_id, code_version, code_hash, error,
		       attempts, input_path, upstream_refs, previous_attempts, failed_at, retried_at, retry_run_id
		FROM dlq WHERE retried_at IS NULL
		ORDER BY failed_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing dlq entries: %w", err)
	}
	defer rows.Close()

	var out []model.DLQEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (q *Queue) Get(ctx context.Context, id string) (*model.DLQEntry, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, task_run_id, task_id, pipeline_run_id, code_version, code_hash, error,
		       attempts, input_path, upstream_refs, previous_attempts, failed_at, retried_at, retry_run_id
		FROM dlq WHERE id = $1
	`, id)
	return scanEntry(row)
}

// MarkRetried links a manual replay's new run ID back to the DLQ
// entry. SPEC_FULL.md's "DLQ replay produces a genuinely new TaskRun"
// addition: the caller enqueues first, then calls this.
func (q *Queue) MarkRetried(ctx context.Context, dlqID, newRunID string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE dlq SET retried_at = now(), retry_run_id = $1 WHERE id = $2 AND retried_at IS NULL
	`, newRunID, dlqID)
	if err != nil {
		return fmt.Errorf("marking dlq entry retried: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dlq entry %s not found or already retried: %w", dlqID, sql.ErrNoRows)
	}
	return nil
}

// Purge deletes entries older than retentionDays.
func (q *Queue) Purge(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	res, err := q.db.ExecContext(ctx, `DELETE FROM dlq WHERE failed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging dlq: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*model.DLQEntry, error) {
	var e model.DLQEntry
	var upstream, previous []byte
	err := row.Scan(&e.ID, &e.TaskRunID, &e.TaskID, &e.PipelineRunID, &e.CodeVersion, &e.CodeHash,
		&e.Error, &e.Attempts, &e.InputPath, &upstream, &previous, &e.FailedAt, &e.RetriedAt, &e.RetryRunID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("dlq entry not found: %w", sql.ErrNoRows)
	}
	if err != nil {
		return nil, err
	}
	if len(upstream) > 0 {
		if err := json.Unmarshal(upstream, &e.UpstreamRefs); err != nil {
			return nil, err
		}
	}
	if len(previous) > 0 {
		if err := json.Unmarshal(previous, &e.PreviousAttempts); err != nil {
			return nil, err
		}
	}
	return &e, nil
}
