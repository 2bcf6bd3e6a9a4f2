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

// Package heartbeat is spec.md §4.8: in-process cooperative timers
// keyed by run ID. The map is the one piece of in-memory shared state
// besides the maintenance singleton (spec.md §9 "Global mutable
// state") and is guarded by a mutex exactly the way
// continuumworker/containerization guards its single active-container
// handle — concurrent writers exist here too: the dispatcher arms a
// timer, a callback cancels it, and the timer itself fires.
package heartbeat

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pipeweave/internal/logging"
)

// TimeoutHandler is invoked once a run's heartbeat lapses (or is found
// stale on startup recovery). The source elides this wiring; spec.md
// §4.8 calls it out as required in any faithful implementation. It
// is expected to consult the task def and route to RetryManager or
// DLQ.
type TimeoutHandler func(ctx context.Context, runID, taskID string)

type tracked struct {
	taskID              string
	heartbeatIntervalMs int
	timer               *time.Timer
}

type Monitor struct {
	db      *sql.DB
	onTimeout TimeoutHandler

	mu      sync.Mutex
	tracked map[string]*tracked
}

func New(db *sql.DB, onTimeout TimeoutHandler) *Monitor {
	return &Monitor{
		db:        db,
		onTimeout: onTimeout,
		tracked:   make(map[string]*tracked),
	}
}

// StartTracking arms a timer for 2x heartbeatIntervalMs. Re-arming an
// already-tracked run (e.g. a redispatch) replaces its timer.
func (m *Monitor) StartTracking(runID, taskID string, heartbeatIntervalMs int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.tracked[runID]; ok {
		existing.timer.Stop()
	}

	t := &tracked{taskID: taskID, heartbeatIntervalMs: heartbeatIntervalMs}
	t.timer = time.AfterFunc(timeoutDuration(heartbeatIntervalMs), func() {
		m.fire(runID, taskID)
	})
	m.tracked[runID] = t
}

// RecordHeartbeat writes heartbeat_at and a metadata.progress patch,
// then resets the timeout window.
func (m *Monitor) RecordHeartbeat(ctx context.Context, runID string, percent *float64, message string) error {
	progress := map[string]any{}
	if percent != nil {
		progress["percent"] = *percent
	}
	if message != "" {
		progress["message"] = message
	}
	patch, err := json.Marshal(map[string]any{"progress": progress})
	if err != nil {
		return fmt.Errorf("encoding heartbeat progress: %w", err)
	}

	res, err := m.db.ExecContext(ctx, `
		UPDATE task_runs
		SET heartbeat_at = now(), metadata = metadata || $1::jsonb
		WHERE id = $2 AND status = 'running'
	`, patch, runID)
	if err != nil {
		return fmt.Errorf("recording heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task run %s is not running: %w", runID, sql.ErrNoRows)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tracked[runID]; ok {
		t.timer.Reset(timeoutDuration(t.heartbeatIntervalMs))
	}
	return nil
}

// CancelTracking stops and forgets a run's timer, called once it
// reaches any terminal state through the normal callback path.
func (m *Monitor) CancelTracking(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tracked[runID]; ok {
		t.timer.Stop()
		delete(m.tracked, runID)
	}
}

func (m *Monitor) fire(runID, taskID string) {
	m.mu.Lock()
	delete(m.tracked, runID)
	m.mu.Unlock()

	ctx := context.Background()
	timedOut, err := m.markTimeoutIfRunning(ctx, runID)
	if err != nil {
		logging.Log("heartbeat timeout update failed for "+runID+": "+err.Error(), slog.LevelError)
		return
	}
	if !timedOut {
		return // already reached a terminal state through the normal path
	}
	logging.Log("task run "+runID+" timed out waiting for heartbeat", slog.LevelWarn)
	logging.RecordHeartbeatTimeout(ctx)
	m.onTimeout(ctx, runID, taskID)
}

// markTimeoutIfRunning is the "only if still running" guard spec.md
// §4.8 requires, so a run that already completed or failed through the
// callback path is never clobbered by a racing timer.
func (m *Monitor) markTimeoutIfRunning(ctx context.Context, runID string) (bool, error) {
	res, err := m.db.ExecContext(ctx, `
		UPDATE task_runs
		SET status = 'timeout', error = 'Task heartbeat timeout', error_code = 'TIMEOUT', completed_at = now()
		WHERE id = $1 AND status = 'running'
	`, runID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RecoverStaleRunning scans for runs left in "running" by a crashed
// process (heartbeat older than 2x their task's interval, or never
// heartbeated and started longer ago than that window) and routes each
// through the normal timeout handling. The source does not do this;
// SPEC_FULL.md resolves the spec's Open Question 3 in favor of running
// it once at startup.
func (m *Monitor) RecoverStaleRunning(ctx context.Context) (int, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT tr.id, tr.task_id
		FROM task_runs tr
		JOIN tasks t ON t.id = tr.task_id
		WHERE tr.status = 'running'
		  AND COALESCE(tr.heartbeat_at, tr.started_at) < now() - make_interval(secs => (2 * t.heartbeat_interval_ms) / 1000.0)
	`)
	if err != nil {
		return 0, fmt.Errorf("scanning stale running runs: %w", err)
	}
	type stale struct{ runID, taskID string }
	var staleRuns []stale
	for rows.Next() {
		var s stale
		if err := rows.Scan(&s.runID, &s.taskID); err != nil {
			rows.Close()
			return 0, err
		}
		staleRuns = append(staleRuns, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	recovered := 0
	for _, s := range staleRuns {
		timedOut, err := m.markTimeoutIfRunning(ctx, s.runID)
		if err != nil {
			return recovered, fmt.Errorf("marking %s timed out during recovery: %w", s.runID, err)
		}
		if timedOut {
			recovered++
			logging.RecordHeartbeatTimeout(ctx)
			m.onTimeout(ctx, s.runID, s.taskID)
		}
	}
	if recovered > 0 {
		logging.Log(fmt.Sprintf("recovered %d stale running task runs on startup", recovered), slog.LevelInfo)
	}
	return recovered, nil
}

// TrackedCount reports how many runs currently have an armed timer,
// surfaced by the health handler alongside queue-derived counts.
func (m *Monitor) TrackedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracked)
}

func timeoutDuration(heartbeatIntervalMs int) time.Duration {
	return 2 * time.Duration(heartbeatIntervalMs) * time.Millisecond
}
