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

package dispatcher

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"pipeweave/internal/apperr"
	"pipeweave/internal/dlq"
	"pipeweave/internal/executor"
	"pipeweave/internal/heartbeat"
	"pipeweave/internal/idempotency"
	"pipeweave/internal/maintenance"
	"pipeweave/internal/model"
	"pipeweave/internal/pipeline"
	"pipeweave/internal/queue"
	"pipeweave/internal/registry"
	"pipeweave/internal/retry"
	"pipeweave/internal/store"
	"pipeweave/internal/token"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := os.Getenv("PIPEWEAVE_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("set PIPEWEAVE_POSTGRES_DSN to run dispatcher integration tests")
	}
	s, err := store.Open(dsn)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeTransport lets tests force a dispatch outcome without a real
// worker listening on the other end.
type fakeTransport struct {
	mu   sync.Mutex
	fail error
	got  []DispatchInput
}

func (f *fakeTransport) Dispatch(ctx context.Context, baseURL string, in DispatchInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, in)
	return f.fail
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

type harness struct {
	ex         *executor.Executor
	reg        *registry.Registry
	pipes      *pipeline.Registry
	q          *queue.Manager
	hb         *heartbeat.Monitor
	dispatcher *Dispatcher
	transport  *fakeTransport
}

func newHarness(t *testing.T, s *store.Store, transportErr error) *harness {
	t.Helper()
	reg := registry.New(s.DB())
	pipes := pipeline.New(s.DB())
	q := queue.New(s.DB(), idempotency.New(s.DB()))
	mm := maintenance.New(s.DB(), q)
	q.SetMaintenance(mm)
	ex := executor.New(s.DB(), pipes, reg, q)
	rm := retry.New(s.DB())
	dq := dlq.New(s.DB())
	signer := token.NewSigner("test-secret")
	transport := &fakeTransport{fail: transportErr}

	var d *Dispatcher
	hb := heartbeat.New(s.DB(), func(ctx context.Context, runID, taskID string) {
		d.HandleTimeout(ctx, runID, taskID)
	})
	d = New(reg, q, hb, rm, dq, mm, ex, signer, transport, Options{MaxConcurrency: 10, TokenTTL: time.Minute})

	return &harness{ex: ex, reg: reg, pipes: pipes, q: q, hb: hb, dispatcher: d, transport: transport}
}

func registerTask(t *testing.T, h *harness, svcID, taskID string, maxRetries int) {
	t.Helper()
	_, err := h.reg.Register(context.Background(), svcID, "v1", "http://localhost:9", []registry.TaskInput{
		{ID: taskID, MaxRetries: maxRetries, Concurrency: 5, RetryDelayMs: 1},
	})
	if err != nil {
		t.Fatalf("registering task %s: %v", taskID, err)
	}
}

// TestTick_DispatchesPendingRun exercises the happy path: a pending run
// gets claimed, dispatched, and armed for heartbeat tracking.
func TestTick_DispatchesPendingRun(t *testing.T) {
	s := openTestStore(t)
	h := newHarness(t, s, nil)
	ctx := context.Background()

	svc := "svc_" + uuid.NewString()
	task := "task_" + uuid.NewString()
	registerTask(t, h, svc, task, 0)

	p, err := h.pipes.Upsert(ctx, pipeline.UpsertInput{
		ID:         "pipe_" + uuid.NewString(),
		Name:       "solo",
		EntryTasks: []string{task},
		Structure:  model.PipelineStructure{task: {AllowedNext: nil}},
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if _, err := h.ex.TriggerPipeline(ctx, executor.TriggerInput{PipelineID: p.ID}); err != nil {
		t.Fatalf("TriggerPipeline() error = %v", err)
	}

	dispatched, err := h.dispatcher.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if dispatched != 1 {
		t.Fatalf("Tick() dispatched = %d, want 1", dispatched)
	}
	if h.transport.calls() != 1 {
		t.Fatalf("transport calls = %d, want 1", h.transport.calls())
	}
}

// TestTick_MaintenanceModeSkipsDispatch exercises spec.md §8 S5: once
// maintenance is requested, entering it is refused while a run is still
// pending, and no run is claimed while the request is waiting.
func TestTick_MaintenanceModeSkipsDispatch(t *testing.T) {
	s := openTestStore(t)
	h := newHarness(t, s, nil)
	ctx := context.Background()

	svc := "svc_" + uuid.NewString()
	task := "task_" + uuid.NewString()
	registerTask(t, h, svc, task, 0)

	p, err := h.pipes.Upsert(ctx, pipeline.UpsertInput{
		ID:         "pipe_" + uuid.NewString(),
		Name:       "solo",
		EntryTasks: []string{task},
		Structure:  model.PipelineStructure{task: {AllowedNext: nil}},
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if _, err := h.ex.TriggerPipeline(ctx, executor.TriggerInput{PipelineID: p.ID}); err != nil {
		t.Fatalf("TriggerPipeline() error = %v", err)
	}

	mm := maintenance.New(s.DB(), h.q)
	if _, err := mm.RequestMaintenance(ctx); err != nil {
		t.Fatalf("RequestMaintenance() error = %v", err)
	}
	if _, err := mm.EnterMaintenance(ctx); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("EnterMaintenance() with a pending run error = %v, want conflict", err)
	}
	h.dispatcher.maintenance = mm

	dispatched, err := h.dispatcher.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if dispatched != 0 {
		t.Fatalf("Tick() dispatched = %d during maintenance, want 0", dispatched)
	}
	if h.transport.calls() != 0 {
		t.Fatalf("transport calls = %d during maintenance, want 0", h.transport.calls())
	}
}

// TestFailRun_RetriesThenDLQs exercises spec.md §8 S3: a task that keeps
// failing is retried up to its budget, then lands in the DLQ and fails
// its pipeline run.
func TestFailRun_RetriesThenDLQs(t *testing.T) {
	s := openTestStore(t)
	h := newHarness(t, s, errors.New("connection refused"))
	ctx := context.Background()

	svc := "svc_" + uuid.NewString()
	task := "task_" + uuid.NewString()
	registerTask(t, h, svc, task, 1)

	p, err := h.pipes.Upsert(ctx, pipeline.UpsertInput{
		ID:         "pipe_" + uuid.NewString(),
		Name:       "flaky",
		EntryTasks: []string{task},
		Structure:  model.PipelineStructure{task: {AllowedNext: nil}},
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	trig, err := h.ex.TriggerPipeline(ctx, executor.TriggerInput{PipelineID: p.ID})
	if err != nil {
		t.Fatalf("TriggerPipeline() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := h.dispatcher.Tick(ctx); err != nil {
			t.Fatalf("Tick() iteration %d error = %v", i, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	pr, err := h.ex.GetPipelineRun(ctx, trig.PipelineRunID)
	if err != nil {
		t.Fatalf("GetPipelineRun() error = %v", err)
	}
	if pr.Status != model.PipelineRunFailed {
		t.Errorf("pipeline run status = %q, want failed after retries exhausted", pr.Status)
	}
}

// TestHandleTimeout_ExhaustedRetriesResolvesPipelineRun is a regression
// test: a run that times out (status already "timeout" via the
// heartbeat monitor) with no retries left used to leave its pipeline
// run stuck "running" forever, because MarkFailed's
// status IN ('running','pending') guard matched zero rows against the
// already-terminal row and short-circuited before the executor ever
// got to resolve the pipeline run.
func TestHandleTimeout_ExhaustedRetriesResolvesPipelineRun(t *testing.T) {
	s := openTestStore(t)
	h := newHarness(t, s, nil)
	ctx := context.Background()

	svc := "svc_" + uuid.NewString()
	task := "task_" + uuid.NewString()
	registerTask(t, h, svc, task, 0)

	p, err := h.pipes.Upsert(ctx, pipeline.UpsertInput{
		ID:         "pipe_" + uuid.NewString(),
		Name:       "slow",
		EntryTasks: []string{task},
		Structure:  model.PipelineStructure{task: {AllowedNext: nil}},
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	trig, err := h.ex.TriggerPipeline(ctx, executor.TriggerInput{PipelineID: p.ID})
	if err != nil {
		t.Fatalf("TriggerPipeline() error = %v", err)
	}

	if _, err := h.dispatcher.Tick(ctx); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if h.transport.calls() != 1 {
		t.Fatalf("transport calls = %d, want 1", h.transport.calls())
	}

	runID := h.transport.got[0].RunID
	if _, err := s.DB().ExecContext(ctx, `
		UPDATE task_runs SET status = 'timeout', error = 'Task heartbeat timeout', error_code = 'TIMEOUT', completed_at = now()
		WHERE id = $1 AND status = 'running'
	`, runID); err != nil {
		t.Fatalf("forcing timeout status: %v", err)
	}

	h.dispatcher.HandleTimeout(ctx, runID, task)

	run, err := h.ex.LoadTaskRun(ctx, runID)
	if err != nil {
		t.Fatalf("LoadTaskRun() error = %v", err)
	}
	if run.Status != model.TaskRunTimeout {
		t.Errorf("task run status = %q, want it to remain timeout (not overwritten)", run.Status)
	}

	pr, err := h.ex.GetPipelineRun(ctx, trig.PipelineRunID)
	if err != nil {
		t.Fatalf("GetPipelineRun() error = %v", err)
	}
	if pr.Status != model.PipelineRunFailed {
		t.Errorf("pipeline run status = %q, want failed once the timed-out task exhausted its retries", pr.Status)
	}
}
