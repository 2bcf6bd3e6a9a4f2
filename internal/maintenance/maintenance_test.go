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

package maintenance_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"

	"pipeweave/internal/apperr"
	"pipeweave/internal/idempotency"
	"pipeweave/internal/maintenance"
	"pipeweave/internal/model"
	"pipeweave/internal/queue"
	"pipeweave/internal/registry"
	"pipeweave/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := os.Getenv("PIPEWEAVE_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("set PIPEWEAVE_POSTGRES_DSN to run maintenance integration tests")
	}
	s, err := store.Open(dsn)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() {
		s.DB().Exec(`UPDATE maintenance_state SET mode = 'running'`)
		s.Close()
	})
	return s
}

// TestRequestMaintenance_DrainsThenEnters exercises spec.md §8 S5: with
// one run in flight, requesting maintenance parks in
// waiting_for_maintenance until that run completes, then
// OnTaskStatusChange auto-transitions to maintenance.
func TestRequestMaintenance_DrainsThenEnters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	reg := registry.New(s.DB())
	q := queue.New(s.DB(), idempotency.New(s.DB()))
	mm := maintenance.New(s.DB(), q)
	q.SetMaintenance(mm)

	svc := "svc_" + uuid.NewString()
	task := "task_" + uuid.NewString()
	if _, err := reg.Register(ctx, svc, "v1", "http://localhost", []registry.TaskInput{
		{ID: task, Concurrency: 5},
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	runID, err := q.Enqueue(ctx, queue.EnqueueInput{TaskID: task})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	state, err := mm.RequestMaintenance(ctx)
	if err != nil {
		t.Fatalf("RequestMaintenance() error = %v", err)
	}
	if state.Mode != model.ModeWaitingForMaintenance {
		t.Fatalf("mode = %q, want waiting_for_maintenance with a run in flight", state.Mode)
	}

	if _, err := mm.EnterMaintenance(ctx); err == nil {
		t.Fatal("EnterMaintenance() succeeded with a run still in flight, want conflict")
	} else if !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("EnterMaintenance() error = %v, want apperr.ErrConflict", err)
	}

	claimed, err := q.GetNext(ctx, task, 5, 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("GetNext() = %+v, %v", claimed, err)
	}
	if err := q.MarkCompleted(ctx, claimed[0].ID, "runs/out.json", nil, nil); err != nil {
		t.Fatalf("MarkCompleted() error = %v", err)
	}

	state, err = mm.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if state.Mode != model.ModeMaintenance {
		t.Errorf("mode after drain = %q, want maintenance", state.Mode)
	}

	if _, err := mm.EnterMaintenance(ctx); err != nil {
		t.Errorf("EnterMaintenance() after drain error = %v", err)
	}

	state, err = mm.ExitMaintenance(ctx)
	if err != nil {
		t.Fatalf("ExitMaintenance() error = %v", err)
	}
	if state.Mode != model.ModeRunning {
		t.Errorf("mode after exit = %q, want running", state.Mode)
	}
	_ = runID
}

// TestRequestMaintenance_NoActiveRunsEntersImmediately covers the
// fast path: requesting maintenance with nothing in flight jumps
// straight to maintenance.
func TestRequestMaintenance_NoActiveRunsEntersImmediately(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	q := queue.New(s.DB(), idempotency.New(s.DB()))
	mm := maintenance.New(s.DB(), q)
	q.SetMaintenance(mm)

	state, err := mm.RequestMaintenance(ctx)
	if err != nil {
		t.Fatalf("RequestMaintenance() error = %v", err)
	}
	if state.Mode != model.ModeMaintenance {
		t.Fatalf("mode = %q, want maintenance with nothing in flight", state.Mode)
	}
	if _, err := mm.ExitMaintenance(ctx); err != nil {
		t.Fatalf("ExitMaintenance() error = %v", err)
	}
}
