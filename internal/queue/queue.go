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

// Package queue is spec.md §4.4: the task_runs writer for enqueue, claim,
// and the Mark* transitions (retry rescheduling, heartbeat timeouts,
// fail-fast and orphan cancellation are written by their own packages).
// The claim query uses
// "FOR UPDATE SKIP LOCKED" so N dispatcher goroutines (or processes)
// never hand the same run to two workers.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"pipeweave/internal/idempotency"
	"pipeweave/internal/maintenance"
	"pipeweave/internal/model"
	"pipeweave/internal/store"
)

type Manager struct {
	db          *sql.DB
	idempotency *idempotency.Cache
	maintenance *maintenance.Manager
}

func New(db *sql.DB, idem *idempotency.Cache) *Manager {
	return &Manager{db: db, idempotency: idem}
}

// SetMaintenance wires the maintenance hook after construction, since
// Maintenance itself depends on Manager to satisfy ActiveCounter — the
// two are constructed in opposite order from how they reference each
// other.
func (m *Manager) SetMaintenance(mm *maintenance.Manager) {
	m.maintenance = mm
}

// EnqueueInput describes a new task run before it exists. PipelineRunID
// and UpstreamRefs are nil for a standalone trigger (spec.md §4.2
// "Standalone task trigger").
type EnqueueInput struct {
	TaskID         string
	PipelineRunID  *string
	CodeVersion    int
	CodeHash       string
	MaxRetries     int
	Priority       int
	UpstreamRefs   map[string]model.TaskRef
	IdempotencyKey *string
	Metadata       map[string]any
}

// ErrAlreadyQueued is returned by EnqueueTx when the join re-enqueue
// guard (the partial unique index on (pipeline_run_id, task_id) for
// non-terminal runs) rejects a concurrent duplicate enqueue of the same
// task within the same pipeline run.
var ErrAlreadyQueued = fmt.Errorf("task already has an active run in this pipeline run")

// Enqueue inserts a new pending run, short-circuiting to a synthetic
// "completed" run when an idempotency key hits the cache (spec.md §8
// scenario S4). Returns the run ID either way. Runs its own
// transaction; callers that already hold one (PipelineExecutor's
// trigger and join paths) should use EnqueueTx instead.
func (m *Manager) Enqueue(ctx context.Context, in EnqueueInput) (string, error) {
	var runID string
	var wasCachedCompletion bool

	err := store.Transaction(ctx, m.db, func(tx *sql.Tx) error {
		id, cached, err := m.EnqueueTx(ctx, tx, in)
		if err != nil {
			return err
		}
		runID, wasCachedCompletion = id, cached
		return nil
	})
	if err != nil {
		return "", err
	}
	if wasCachedCompletion && m.maintenance != nil {
		if err := m.maintenance.OnTaskStatusChange(ctx); err != nil {
			return "", fmt.Errorf("notifying maintenance of cached completion: %w", err)
		}
	}
	return runID, nil
}

// EnqueueTx is Enqueue's transactional core, exposed so
// PipelineExecutor can fold a whole trigger (or a join's fan-out) into
// one transaction per spec.md's Open Question 6. It reports whether the
// new run was an immediate idempotency-cache completion, since the
// maintenance hook must fire only after the caller's transaction
// commits.
func (m *Manager) EnqueueTx(ctx context.Context, tx *sql.Tx, in EnqueueInput) (runID string, wasCachedCompletion bool, err error) {
	if in.IdempotencyKey != nil {
		cached, err := m.idempotency.Lookup(ctx, *in.IdempotencyKey)
		if err != nil {
			return "", false, fmt.Errorf("checking idempotency cache: %w", err)
		}
		if cached != nil {
			id, err := m.insertCachedCompletion(ctx, tx, in, cached)
			return id, true, err
		}
	}
	id, err := m.insertPending(ctx, tx, in)
	return id, false, err
}

func (m *Manager) insertPending(ctx context.Context, tx *sql.Tx, in EnqueueInput) (string, error) {
	runID := "trun_" + uuid.NewString()
	inputPath := inputPathFor(runID, in.PipelineRunID)

	upstream, err := json.Marshal(in.UpstreamRefs)
	if err != nil {
		return "", fmt.Errorf("encoding upstream refs: %w", err)
	}
	metadata, err := json.Marshal(in.Metadata)
	if err != nil {
		return "", fmt.Errorf("encoding metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO task_runs (id, task_id, pipeline_run_id, status, code_version, code_hash,
		                       attempt, max_retries, priority, input_path, upstream_refs,
		                       idempotency_key, metadata, created_at)
		VALUES ($1,$2,$3,'pending',$4,$5,1,$6,$7,$8,$9,$10,$11, now())
	`, runID, in.TaskID, in.PipelineRunID, in.CodeVersion, in.CodeHash,
		in.MaxRetries, in.Priority, inputPath, upstream, in.IdempotencyKey, metadata)
	if err != nil {
		if isUniqueViolation(err) {
			return "", ErrAlreadyQueued
		}
		return "", fmt.Errorf("inserting task run: %w", err)
	}
	if err := store.Notify(ctx, tx); err != nil {
		return "", err
	}
	return runID, nil
}

// insertCachedCompletion materializes a run that is immediately
// completed from a cached artifact, so callers that branch on TaskRun
// status never need a separate "was this cached" code path.
func (m *Manager) insertCachedCompletion(ctx context.Context, tx *sql.Tx, in EnqueueInput, cached *model.IdempotencyCacheEntry) (string, error) {
	runID := "trun_" + uuid.NewString()
	inputPath := inputPathFor(runID, in.PipelineRunID)

	upstream, err := json.Marshal(in.UpstreamRefs)
	if err != nil {
		return "", fmt.Errorf("encoding upstream refs: %w", err)
	}
	assets, err := json.Marshal(cached.Assets)
	if err != nil {
		return "", fmt.Errorf("encoding cached assets: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO task_runs (id, task_id, pipeline_run_id, status, code_version, code_hash,
		                       attempt, max_retries, priority, input_path, output_path, output_size,
		                       assets, upstream_refs, idempotency_key, started_at, completed_at, created_at)
		VALUES ($1,$2,$3,'completed',$4,$5,1,$6,$7,$8,$9,$10,$11,$12,$13, now(), now(), now())
	`, runID, in.TaskID, in.PipelineRunID, in.CodeVersion, in.CodeHash,
		in.MaxRetries, in.Priority, inputPath, cached.OutputPath, cached.OutputSize,
		assets, upstream, in.IdempotencyKey)
	if err != nil {
		if isUniqueViolation(err) {
			return "", ErrAlreadyQueued
		}
		return "", fmt.Errorf("inserting cached task run: %w", err)
	}
	return runID, nil
}

// EnqueueBatch enqueues several runs in input order, each through
// Enqueue in its own transaction. It stops at the first error; items
// before it stay enqueued.
func (m *Manager) EnqueueBatch(ctx context.Context, inputs []EnqueueInput) ([]string, error) {
	ids := make([]string, len(inputs))
	for i, in := range inputs {
		id, err := m.Enqueue(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("enqueueing batch item %d: %w", i, err)
		}
		ids[i] = id
	}
	return ids, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// GetNext claims up to n eligible runs for taskID: pending, due, and
// under the task's concurrency ceiling, ordered oldest-priority-first.
// concurrency == 0 means unlimited, per spec.md §3's Task.concurrency
// definition. "FOR UPDATE SKIP LOCKED" lets concurrent dispatcher ticks
// race safely against the same task without blocking on each other's
// claim.
func (m *Manager) GetNext(ctx context.Context, taskID string, concurrency, n int) ([]model.TaskRun, error) {
	var runs []model.TaskRun

	err := store.Transaction(ctx, m.db, func(tx *sql.Tx) error {
		if concurrency > 0 {
			var running int
			if err := tx.QueryRowContext(ctx, `
				SELECT count(*) FROM task_runs WHERE task_id = $1 AND status = 'running'
			`, taskID).Scan(&running); err != nil {
				return fmt.Errorf("counting running runs: %w", err)
			}
			room := concurrency - running
			if room <= 0 {
				return nil
			}
			if room < n {
				n = room
			}
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT id, task_id, pipeline_run_id, status, code_version, code_hash, attempt, max_retries,
			       priority, input_path, upstream_refs, previous_attempts, idempotency_key, created_at
			FROM task_runs
			WHERE task_id = $1 AND status = 'pending' AND (scheduled_for IS NULL OR scheduled_for <= now())
			ORDER BY priority ASC, created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		`, taskID, n)
		if err != nil {
			return fmt.Errorf("selecting claimable runs: %w", err)
		}
		defer rows.Close()

		var ids []string
		for rows.Next() {
			var r model.TaskRun
			var upstream, previous []byte
			var createdAt time.Time
			if err := rows.Scan(&r.ID, &r.TaskID, &r.PipelineRunID, &r.Status, &r.CodeVersion, &r.CodeHash,
				&r.Attempt, &r.MaxRetries, &r.Priority, &r.InputPath, &upstream, &previous, &r.IdempotencyKey, &createdAt); err != nil {
				return fmt.Errorf("scanning claimable run: %w", err)
			}
			if len(upstream) > 0 {
				if err := json.Unmarshal(upstream, &r.UpstreamRefs); err != nil {
					return err
				}
			}
			if len(previous) > 0 {
				if err := json.Unmarshal(previous, &r.PreviousAttempts); err != nil {
					return err
				}
			}
			runs = append(runs, r)
			ids = append(ids, r.ID)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE task_runs SET status = 'running', started_at = now() WHERE id = ANY($1)
		`, pq.Array(ids))
		if err != nil {
			return fmt.Errorf("marking claimed runs running: %w", err)
		}
		if n, _ := res.RowsAffected(); int(n) != len(ids) {
			return fmt.Errorf("claimed %d runs but updated %d", len(ids), n)
		}
		for i := range runs {
			runs[i].Status = model.TaskRunRunning
		}
		return nil
	})

	return runs, err
}

// MarkRunning moves one known pending run to running, for a run that is
// already identified rather than freshly claimed via GetNext.
func (m *Manager) MarkRunning(ctx context.Context, runID string) error {
	res, err := m.db.ExecContext(ctx, `
		UPDATE task_runs SET status = 'running', started_at = now() WHERE id = $1 AND status = 'pending'
	`, runID)
	if err != nil {
		return fmt.Errorf("marking run running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not pending: %w", runID, sql.ErrNoRows)
	}
	return nil
}

// MarkCompleted records success, optionally populating the idempotency
// cache, then fires the maintenance hook so a drain request can
// progress the moment the queue empties.
func (m *Manager) MarkCompleted(ctx context.Context, runID, outputPath string, outputSize *int64, assets map[string]any) error {
	assetsJSON, err := json.Marshal(assets)
	if err != nil {
		return fmt.Errorf("encoding assets: %w", err)
	}

	var idemKey sql.NullString
	var taskID string
	var codeVersion int
	var idemTTL sql.NullInt64
	err = m.db.QueryRowContext(ctx, `
		SELECT tr.idempotency_key, tr.task_id, tr.code_version, t.idempotency_ttl_sec
		FROM task_runs tr JOIN tasks t ON t.id = tr.task_id
		WHERE tr.id = $1
	`, runID).Scan(&idemKey, &taskID, &codeVersion, &idemTTL)
	if err != nil {
		return fmt.Errorf("loading run for completion: %w", err)
	}

	res, err := m.db.ExecContext(ctx, `
		UPDATE task_runs
		SET status = 'completed', output_path = $1, output_size = $2, assets = $3, completed_at = now()
		WHERE id = $4 AND status = 'running'
	`, outputPath, outputSize, assetsJSON, runID)
	if err != nil {
		return fmt.Errorf("marking run completed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not running: %w", runID, sql.ErrNoRows)
	}

	if idemKey.Valid && idemTTL.Valid {
		if err := m.idempotency.Store(ctx, idemKey.String, taskID, runID, codeVersion, outputPath, int(idemTTL.Int64), outputSize, assets); err != nil {
			return fmt.Errorf("caching idempotent result: %w", err)
		}
	}

	if m.maintenance != nil {
		if err := m.maintenance.OnTaskStatusChange(ctx); err != nil {
			return fmt.Errorf("notifying maintenance of completion: %w", err)
		}
	}
	return nil
}

// MarkFailed records a terminal (non-retried) failure — runs whose
// retries are exhausted land here, not in retry.Manager.
func (m *Manager) MarkFailed(ctx context.Context, runID, errMsg, errCode string) error {
	res, err := m.db.ExecContext(ctx, `
		UPDATE task_runs
		SET status = 'failed', error = $1, error_code = $2, completed_at = now()
		WHERE id = $3 AND status IN ('running', 'pending')
	`, errMsg, errCode, runID)
	if err != nil {
		return fmt.Errorf("marking run failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not active: %w", runID, sql.ErrNoRows)
	}
	if m.maintenance != nil {
		if err := m.maintenance.OnTaskStatusChange(ctx); err != nil {
			return fmt.Errorf("notifying maintenance of failure: %w", err)
		}
	}
	return nil
}

// MarkCancelled cancels a single run (pending, waiting or running), so
// it is distinguishable from a failure in reporting. Fail-fast
// cancellation does not go through here: executor.failFast cancels a
// pipeline run's pending runs with its own UPDATE.
func (m *Manager) MarkCancelled(ctx context.Context, runID, reason string) error {
	res, err := m.db.ExecContext(ctx, `
		UPDATE task_runs SET status = 'cancelled', error = $1, completed_at = now()
		WHERE id = $2 AND status IN ('pending', 'waiting', 'running')
	`, reason, runID)
	if err != nil {
		return fmt.Errorf("cancelling run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not cancellable: %w", runID, sql.ErrNoRows)
	}
	if m.maintenance != nil {
		if err := m.maintenance.OnTaskStatusChange(ctx); err != nil {
			return fmt.Errorf("notifying maintenance of cancellation: %w", err)
		}
	}
	return nil
}

// TaskQueueStatus is one row of spec.md §4.4's queue status: depth
// broken out by state, plus the DLQ backlog and the age of the oldest
// still-pending run, both needed to tell a deep-but-healthy queue from
// a stuck one.
type TaskQueueStatus struct {
	TaskID          string
	Pending         int
	Running         int
	Waiting         int
	DLQCount        int
	OldestPendingAt *time.Time
}

// GetStatus returns the queue depth breakdown spec.md §6's
// /api/queue/status exposes, one row per task.
func (m *Manager) GetStatus(ctx context.Context) ([]TaskQueueStatus, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT task_id,
		       count(*) FILTER (WHERE status = 'pending'),
		       count(*) FILTER (WHERE status = 'running'),
		       count(*) FILTER (WHERE status = 'waiting'),
		       min(created_at) FILTER (WHERE status = 'pending')
		FROM task_runs
		GROUP BY task_id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying queue status: %w", err)
	}
	defer rows.Close()

	byTask := make(map[string]*TaskQueueStatus)
	var order []string
	for rows.Next() {
		s := &TaskQueueStatus{}
		if err := rows.Scan(&s.TaskID, &s.Pending, &s.Running, &s.Waiting, &s.OldestPendingAt); err != nil {
			return nil, err
		}
		byTask[s.TaskID] = s
		order = append(order, s.TaskID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	dlqRows, err := m.db.QueryContext(ctx, `
		SELECT task_id, count(*) FROM dlq WHERE retried_at IS NULL GROUP BY task_id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying dlq backlog: %w", err)
	}
	defer dlqRows.Close()

	for dlqRows.Next() {
		var taskID string
		var n int
		if err := dlqRows.Scan(&taskID, &n); err != nil {
			return nil, err
		}
		if s, ok := byTask[taskID]; ok {
			s.DLQCount = n
		} else {
			byTask[taskID] = &TaskQueueStatus{TaskID: taskID, DLQCount: n}
			order = append(order, taskID)
		}
	}
	if err := dlqRows.Err(); err != nil {
		return nil, err
	}

	out := make([]TaskQueueStatus, len(order))
	for i, id := range order {
		out[i] = *byTask[id]
	}
	return out, nil
}

// CanRunTask reports whether taskID currently has room under its own
// concurrency ceiling. The dispatcher does not call it: GetNext applies
// the same ceiling inside its claim. concurrency == 0 means unlimited.
func (m *Manager) CanRunTask(ctx context.Context, taskID string, concurrency int) (bool, error) {
	if concurrency == 0 {
		return true, nil
	}
	var running int
	err := m.db.QueryRowContext(ctx, `
		SELECT count(*) FROM task_runs WHERE task_id = $1 AND status = 'running'
	`, taskID).Scan(&running)
	if err != nil {
		return false, fmt.Errorf("counting running runs: %w", err)
	}
	return running < concurrency, nil
}

// PendingAndRunningCount satisfies maintenance.ActiveCounter.
func (m *Manager) PendingAndRunningCount(ctx context.Context) (int, error) {
	var n int
	err := m.db.QueryRowContext(ctx, `
		SELECT count(*) FROM task_runs WHERE status IN ('pending', 'running', 'waiting')
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting active runs: %w", err)
	}
	return n, nil
}

func inputPathFor(runID string, pipelineRunID *string) string {
	if pipelineRunID != nil {
		return fmt.Sprintf("runs/%s/tasks/%s/input.json", *pipelineRunID, runID)
	}
	return fmt.Sprintf("standalone/%s/input.json", runID)
}

