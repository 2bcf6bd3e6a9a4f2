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

package executor

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"

	"pipeweave/internal/idempotency"
	"pipeweave/internal/model"
	"pipeweave/internal/pipeline"
	"pipeweave/internal/queue"
	"pipeweave/internal/registry"
	"pipeweave/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := os.Getenv("PIPEWEAVE_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("set PIPEWEAVE_POSTGRES_DSN to run executor integration tests")
	}
	s, err := store.Open(dsn)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newHarness(t *testing.T, s *store.Store) (*Executor, *registry.Registry, *pipeline.Registry, *queue.Manager) {
	t.Helper()
	reg := registry.New(s.DB())
	pipes := pipeline.New(s.DB())
	q := queue.New(s.DB(), idempotency.New(s.DB()))
	return New(s.DB(), pipes, reg, q), reg, pipes, q
}

func registerTask(t *testing.T, reg *registry.Registry, svcID, taskID string, allowedNext []string) {
	t.Helper()
	_, err := reg.Register(context.Background(), svcID, "v1", "http://localhost", []registry.TaskInput{
		{ID: taskID, AllowedNext: allowedNext, MaxRetries: 0, Concurrency: 5},
	})
	if err != nil {
		t.Fatalf("registering task %s: %v", taskID, err)
	}
}

// TestTriggerPipeline_LinearHappyPath exercises S1 from spec.md §8: a
// two-step linear pipeline triggers, queues its one entry task, and on
// completion routes to the second task.
func TestTriggerPipeline_LinearHappyPath(t *testing.T) {
	s := openTestStore(t)
	ex, reg, pipes, q := newHarness(t, s)
	ctx := context.Background()

	svc := "svc_" + uuid.NewString()
	a, b := "task_"+uuid.NewString(), "task_"+uuid.NewString()
	registerTask(t, reg, svc, a, []string{b})
	registerTask(t, reg, svc, b, nil)

	pipeID := "pipe_" + uuid.NewString()
	p, err := pipes.Upsert(ctx, pipeline.UpsertInput{
		ID:         pipeID,
		Name:       "linear",
		EntryTasks: []string{a},
		Structure: model.PipelineStructure{
			a: {AllowedNext: []string{b}},
			b: {AllowedNext: nil},
		},
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	result, err := ex.TriggerPipeline(ctx, TriggerInput{PipelineID: p.ID})
	if err != nil {
		t.Fatalf("TriggerPipeline() error = %v", err)
	}
	if len(result.QueuedTaskRunIDs) != 1 {
		t.Fatalf("QueuedTaskRunIDs = %v, want exactly the entry task run", result.QueuedTaskRunIDs)
	}

	claimed, err := q.GetNext(ctx, a, 5, 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("GetNext(%s) = %+v, %v", a, claimed, err)
	}
	if err := q.MarkCompleted(ctx, claimed[0].ID, "runs/a/output.json", nil, nil); err != nil {
		t.Fatalf("MarkCompleted() error = %v", err)
	}

	queued, err := ex.QueueDownstreamTasks(ctx, claimed[0].ID, nil)
	if err != nil {
		t.Fatalf("QueueDownstreamTasks() error = %v", err)
	}
	if len(queued) != 1 {
		t.Fatalf("QueueDownstreamTasks() queued %v, want one run of %s", queued, b)
	}

	bRuns, err := q.GetNext(ctx, b, 5, 10)
	if err != nil || len(bRuns) != 1 {
		t.Fatalf("GetNext(%s) = %+v, %v", b, bRuns, err)
	}
	if bRuns[0].UpstreamRefs[a].OutputPath != "runs/a/output.json" {
		t.Errorf("upstream ref for %s = %+v, want output from %s", b, bRuns[0].UpstreamRefs[a], a)
	}
}

// TestQueueDownstreamTasks_DiamondJoin exercises S2 from spec.md §8: a
// join task is enqueued only once both of its predecessors complete.
func TestQueueDownstreamTasks_DiamondJoin(t *testing.T) {
	s := openTestStore(t)
	ex, reg, pipes, q := newHarness(t, s)
	ctx := context.Background()

	svc := "svc_" + uuid.NewString()
	start, left, right, join := "task_"+uuid.NewString(), "task_"+uuid.NewString(), "task_"+uuid.NewString(), "task_"+uuid.NewString()
	registerTask(t, reg, svc, start, []string{left, right})
	registerTask(t, reg, svc, left, []string{join})
	registerTask(t, reg, svc, right, []string{join})
	registerTask(t, reg, svc, join, nil)

	p, err := pipes.Upsert(ctx, pipeline.UpsertInput{
		ID:         "pipe_" + uuid.NewString(),
		Name:       "diamond",
		EntryTasks: []string{start},
		Structure: model.PipelineStructure{
			start: {AllowedNext: []string{left, right}},
			left:  {AllowedNext: []string{join}},
			right: {AllowedNext: []string{join}},
			join:  {AllowedNext: nil},
		},
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	if _, err := ex.TriggerPipeline(ctx, TriggerInput{PipelineID: p.ID}); err != nil {
		t.Fatalf("TriggerPipeline() error = %v", err)
	}

	startRuns, err := q.GetNext(ctx, start, 5, 10)
	if err != nil || len(startRuns) != 1 {
		t.Fatalf("GetNext(%s) = %+v, %v", start, startRuns, err)
	}
	if err := q.MarkCompleted(ctx, startRuns[0].ID, "runs/start/output.json", nil, nil); err != nil {
		t.Fatalf("MarkCompleted(start) error = %v", err)
	}
	if _, err := ex.QueueDownstreamTasks(ctx, startRuns[0].ID, nil); err != nil {
		t.Fatalf("QueueDownstreamTasks(start) error = %v", err)
	}

	leftRuns, err := q.GetNext(ctx, left, 5, 10)
	if err != nil || len(leftRuns) != 1 {
		t.Fatalf("GetNext(%s) = %+v, %v", left, leftRuns, err)
	}
	if err := q.MarkCompleted(ctx, leftRuns[0].ID, "runs/left/output.json", nil, nil); err != nil {
		t.Fatalf("MarkCompleted(left) error = %v", err)
	}
	queuedAfterLeft, err := ex.QueueDownstreamTasks(ctx, leftRuns[0].ID, nil)
	if err != nil {
		t.Fatalf("QueueDownstreamTasks(left) error = %v", err)
	}
	if len(queuedAfterLeft) != 0 {
		t.Fatalf("QueueDownstreamTasks(left) queued %v before right completed, want none", queuedAfterLeft)
	}

	rightRuns, err := q.GetNext(ctx, right, 5, 10)
	if err != nil || len(rightRuns) != 1 {
		t.Fatalf("GetNext(%s) = %+v, %v", right, rightRuns, err)
	}
	if err := q.MarkCompleted(ctx, rightRuns[0].ID, "runs/right/output.json", nil, nil); err != nil {
		t.Fatalf("MarkCompleted(right) error = %v", err)
	}
	queuedAfterRight, err := ex.QueueDownstreamTasks(ctx, rightRuns[0].ID, nil)
	if err != nil {
		t.Fatalf("QueueDownstreamTasks(right) error = %v", err)
	}
	if len(queuedAfterRight) != 1 {
		t.Fatalf("QueueDownstreamTasks(right) queued %v, want exactly one join run", queuedAfterRight)
	}

	joinRuns, err := q.GetNext(ctx, join, 5, 10)
	if err != nil || len(joinRuns) != 1 {
		t.Fatalf("GetNext(%s) = %+v, %v", join, joinRuns, err)
	}
	if joinRuns[0].UpstreamRefs[left].OutputPath != "runs/left/output.json" {
		t.Errorf("join upstream ref[%s] = %+v, want left's output", left, joinRuns[0].UpstreamRefs[left])
	}
	if joinRuns[0].UpstreamRefs[right].OutputPath != "runs/right/output.json" {
		t.Errorf("join upstream ref[%s] = %+v, want right's output", right, joinRuns[0].UpstreamRefs[right])
	}
}

// TestHandleTaskFailure_FailFastCancelsPending exercises S6 from
// spec.md §8: a fail-fast pipeline cancels its remaining pending run and
// is marked failed when one sibling fails. Both entry tasks feed one
// join task, so they belong to the single scheduled component.
func TestHandleTaskFailure_FailFastCancelsPending(t *testing.T) {
	s := openTestStore(t)
	ex, reg, pipes, q := newHarness(t, s)
	ctx := context.Background()

	svc := "svc_" + uuid.NewString()
	a, b, c := "task_"+uuid.NewString(), "task_"+uuid.NewString(), "task_"+uuid.NewString()
	registerTask(t, reg, svc, a, []string{c})
	registerTask(t, reg, svc, b, []string{c})
	registerTask(t, reg, svc, c, nil)

	p, err := pipes.Upsert(ctx, pipeline.UpsertInput{
		ID:          "pipe_" + uuid.NewString(),
		Name:        "fanout-failfast",
		EntryTasks:  []string{a, b},
		FailureMode: model.FailureModeFailFast,
		Structure: model.PipelineStructure{
			a: {AllowedNext: []string{c}},
			b: {AllowedNext: []string{c}},
			c: {AllowedNext: nil},
		},
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	trig, err := ex.TriggerPipeline(ctx, TriggerInput{PipelineID: p.ID})
	if err != nil {
		t.Fatalf("TriggerPipeline() error = %v", err)
	}

	aRuns, err := q.GetNext(ctx, a, 5, 10)
	if err != nil || len(aRuns) != 1 {
		t.Fatalf("GetNext(%s) = %+v, %v", a, aRuns, err)
	}
	if err := q.MarkFailed(ctx, aRuns[0].ID, "boom", "WORKER_ERROR"); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	if err := ex.HandleTaskFailure(ctx, aRuns[0].ID); err != nil {
		t.Fatalf("HandleTaskFailure() error = %v", err)
	}

	pr, err := ex.GetPipelineRun(ctx, trig.PipelineRunID)
	if err != nil {
		t.Fatalf("GetPipelineRun() error = %v", err)
	}
	if pr.Status != model.PipelineRunFailed {
		t.Errorf("pipeline run status = %q, want failed", pr.Status)
	}

	var bStatus string
	if err := s.DB().QueryRow(`SELECT status FROM task_runs WHERE task_id = $1 AND pipeline_run_id = $2`, b, trig.PipelineRunID).Scan(&bStatus); err != nil {
		t.Fatalf("reading back %s's run: %v", b, err)
	}
	if bStatus != "cancelled" {
		t.Errorf("%s status = %q, want cancelled", b, bStatus)
	}
}
