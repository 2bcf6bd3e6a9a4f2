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

package queue

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"

	"pipeweave/internal/idempotency"
	"pipeweave/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := os.Getenv("PIPEWEAVE_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("set PIPEWEAVE_POSTGRES_DSN to run queue integration tests")
	}
	s, err := store.Open(dsn)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// setupTask inserts a fresh service and task row (task_runs has a FK to
// tasks) and returns the task ID.
func setupTask(t *testing.T, s *store.Store, concurrency int) string {
	t.Helper()
	svcID := "svc_" + uuid.NewString()
	taskID := "task_" + uuid.NewString()

	_, err := s.DB().Exec(`INSERT INTO services (id, version, base_url) VALUES ($1, 'v1', 'http://localhost')`, svcID)
	if err != nil {
		t.Fatalf("inserting service: %v", err)
	}
	_, err = s.DB().Exec(`
		INSERT INTO tasks (id, service_id, code_hash, concurrency, idempotency_ttl_sec)
		VALUES ($1, $2, 'hash', $3, 3600)
	`, taskID, svcID, concurrency)
	if err != nil {
		t.Fatalf("inserting task: %v", err)
	}
	return taskID
}

// TestEnqueueThenGetNext exercises S1 from spec.md §8: a freshly
// enqueued run is pending, then claimable exactly once.
func TestEnqueueThenGetNext(t *testing.T) {
	s := openTestStore(t)
	idem := idempotency.New(s.DB())
	q := New(s.DB(), idem)
	ctx := context.Background()

	taskID := setupTask(t, s, 5)
	runID, err := q.Enqueue(ctx, EnqueueInput{TaskID: taskID, CodeVersion: 1, CodeHash: "hash", MaxRetries: 0})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	runs, err := q.GetNext(ctx, taskID, 5, 10)
	if err != nil {
		t.Fatalf("GetNext() error = %v", err)
	}
	if len(runs) != 1 || runs[0].ID != runID {
		t.Fatalf("GetNext() = %+v, want exactly the one enqueued run", runs)
	}

	again, err := q.GetNext(ctx, taskID, 5, 10)
	if err != nil {
		t.Fatalf("second GetNext() error = %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second GetNext() = %+v, want no runs (already claimed)", again)
	}
}

// TestGetNext_RespectsConcurrency exercises concurrency-gated claiming
// (spec.md §4.4): with concurrency 1 and one already running, a second
// pending run must not be claimed.
func TestGetNext_RespectsConcurrency(t *testing.T) {
	s := openTestStore(t)
	idem := idempotency.New(s.DB())
	q := New(s.DB(), idem)
	ctx := context.Background()

	taskID := setupTask(t, s, 1)
	if _, err := q.Enqueue(ctx, EnqueueInput{TaskID: taskID, CodeVersion: 1, CodeHash: "hash"}); err != nil {
		t.Fatalf("Enqueue() #1 error = %v", err)
	}
	if _, err := q.Enqueue(ctx, EnqueueInput{TaskID: taskID, CodeVersion: 1, CodeHash: "hash"}); err != nil {
		t.Fatalf("Enqueue() #2 error = %v", err)
	}

	first, err := q.GetNext(ctx, taskID, 1, 10)
	if err != nil {
		t.Fatalf("first GetNext() error = %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("first GetNext() = %d runs, want 1", len(first))
	}

	second, err := q.GetNext(ctx, taskID, 1, 10)
	if err != nil {
		t.Fatalf("second GetNext() error = %v", err)
	}
	if len(second) != 0 {
		t.Errorf("second GetNext() = %d runs, want 0 (task is at its concurrency ceiling)", len(second))
	}
}

// TestEnqueue_IdempotencyHit exercises S4 from spec.md §8: enqueuing
// with a key that is already cached produces an immediately-completed
// run instead of a pending one.
func TestEnqueue_IdempotencyHit(t *testing.T) {
	s := openTestStore(t)
	idem := idempotency.New(s.DB())
	q := New(s.DB(), idem)
	ctx := context.Background()

	taskID := setupTask(t, s, 5)
	key := "idem-" + uuid.NewString()
	if err := idem.Store(ctx, key, taskID, "trun_seed", 1, "runs/seed/output.json", 3600, nil, nil); err != nil {
		t.Fatalf("seeding idempotency cache: %v", err)
	}

	runID, err := q.Enqueue(ctx, EnqueueInput{
		TaskID: taskID, CodeVersion: 1, CodeHash: "hash", IdempotencyKey: &key,
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	var status, outputPath string
	if err := s.DB().QueryRow(`SELECT status, output_path FROM task_runs WHERE id = $1`, runID).Scan(&status, &outputPath); err != nil {
		t.Fatalf("reading back enqueued run: %v", err)
	}
	if status != "completed" {
		t.Errorf("status = %q, want completed for an idempotency-cache hit", status)
	}
	if outputPath != "runs/seed/output.json" {
		t.Errorf("output_path = %q, want the cached path", outputPath)
	}
}

func TestMarkCompleted_ThenMarkFailedOnAlreadyTerminalErrors(t *testing.T) {
	s := openTestStore(t)
	idem := idempotency.New(s.DB())
	q := New(s.DB(), idem)
	ctx := context.Background()

	taskID := setupTask(t, s, 5)
	runID, err := q.Enqueue(ctx, EnqueueInput{TaskID: taskID, CodeVersion: 1, CodeHash: "hash"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := q.GetNext(ctx, taskID, 5, 10); err != nil {
		t.Fatalf("GetNext() error = %v", err)
	}

	if err := q.MarkCompleted(ctx, runID, "runs/out.json", nil, nil); err != nil {
		t.Fatalf("MarkCompleted() error = %v", err)
	}

	if err := q.MarkFailed(ctx, runID, "boom", "E"); err == nil {
		t.Error("MarkFailed() on an already-completed run should error, got nil")
	}
}
