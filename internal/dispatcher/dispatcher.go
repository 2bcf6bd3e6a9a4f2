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

// Package dispatcher is spec.md §4.9: each tick claims runnable task
// runs and hands them to the worker transport, isolating one run's
// failure from its siblings exactly the way the teacher's main.go loop
// never lets one task's Docker failure stop the next poll.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pipeweave/internal/apperr"
	"pipeweave/internal/dlq"
	"pipeweave/internal/executor"
	"pipeweave/internal/heartbeat"
	"pipeweave/internal/logging"
	"pipeweave/internal/maintenance"
	"pipeweave/internal/model"
	"pipeweave/internal/queue"
	"pipeweave/internal/registry"
	"pipeweave/internal/retry"
	"pipeweave/internal/token"
)

type Dispatcher struct {
	registry    *registry.Registry
	queue       *queue.Manager
	heartbeat   *heartbeat.Monitor
	retry       *retry.Manager
	dlq         *dlq.Queue
	maintenance *maintenance.Manager
	executor    *executor.Executor
	tokens      *token.Signer
	transport   Transport

	maxConcurrency int
	tokenTTL       time.Duration

	lastTickDuration time.Duration
	mu               sync.Mutex
}

type Options struct {
	MaxConcurrency int
	TokenTTL       time.Duration
}

func New(reg *registry.Registry, q *queue.Manager, hb *heartbeat.Monitor, rm *retry.Manager,
	dq *dlq.Queue, mm *maintenance.Manager, ex *executor.Executor, signer *token.Signer,
	transport Transport, opts Options) *Dispatcher {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 15 * time.Minute
	}
	return &Dispatcher{
		registry:       reg,
		queue:          q,
		heartbeat:      hb,
		retry:          rm,
		dlq:            dq,
		maintenance:    mm,
		executor:       ex,
		tokens:         signer,
		transport:      transport,
		maxConcurrency: opts.MaxConcurrency,
		tokenTTL:       opts.TokenTTL,
	}
}

// Tick implements spec.md §4.9's per-tick body, shared by the
// continuous mode's ticker and the tick-driven mode's /api/tick
// handler. It claims up to maxConcurrency runs across every task with
// pending work and dispatches each concurrently and in isolation.
func (d *Dispatcher) Tick(ctx context.Context) (dispatched int, err error) {
	ctx, span := logging.StartSpan(ctx, "dispatcher.tick")
	defer span.End()

	start := time.Now()
	defer func() {
		d.mu.Lock()
		d.lastTickDuration = time.Since(start)
		d.mu.Unlock()
		logging.UpdateSpanValue(ctx, "tasks_dispatched", float64(dispatched))
		logging.RecordTasksDispatched(ctx, dispatched)
	}()

	state, err := d.maintenance.Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading maintenance state: %w", err)
	}
	if state.Mode != model.ModeRunning {
		return 0, nil
	}

	statuses, err := d.queue.GetStatus(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading queue status: %w", err)
	}

	remaining := d.maxConcurrency
	var wg sync.WaitGroup

	for _, st := range statuses {
		if remaining <= 0 {
			break
		}
		if st.Pending == 0 {
			continue
		}

		task, err := d.registry.GetTask(ctx, st.TaskID)
		if err != nil {
			logging.Log(fmt.Sprintf("dispatcher: loading task %s: %v", st.TaskID, err), slog.LevelError)
			continue
		}

		runs, err := d.queue.GetNext(ctx, st.TaskID, task.Concurrency, remaining)
		if err != nil {
			logging.Log(fmt.Sprintf("dispatcher: claiming runs for %s: %v", st.TaskID, err), slog.LevelError)
			continue
		}
		remaining -= len(runs)
		dispatched += len(runs)

		for _, run := range runs {
			run := run
			task := *task
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						logging.Log(fmt.Sprintf("dispatcher: recovered panic dispatching run %s: %v", run.ID, r), slog.LevelError)
					}
				}()
				// Each dispatch gets its own context so one run's
				// cancellation or timeout never propagates to siblings
				// claimed in the same tick.
				d.dispatchOne(context.Background(), task, run)
			}()
		}
	}

	wg.Wait()
	return dispatched, nil
}

// dispatchOne implements spec.md §4.9 steps 2-4 for one already-claimed
// (running) run.
func (d *Dispatcher) dispatchOne(ctx context.Context, task model.Task, run model.TaskRun) {
	service, err := d.registry.GetService(ctx, task.ServiceID)
	if err != nil {
		logging.Log(fmt.Sprintf("dispatcher: loading service %s for run %s: %v", task.ServiceID, run.ID, err), slog.LevelError)
		d.failRun(ctx, run, task, err.Error(), "DISPATCH_FAILED")
		return
	}

	storageToken := d.tokens.Sign(run.ID, d.tokenTTL)
	in := DispatchInput{
		RunID:            run.ID,
		TaskID:           run.TaskID,
		CodeVersion:      run.CodeVersion,
		CodeHash:         run.CodeHash,
		InputPath:        run.InputPath,
		UpstreamRefs:     run.UpstreamRefs,
		StorageToken:     storageToken,
		Attempt:          run.Attempt,
		PreviousAttempts: run.PreviousAttempts,
		Metadata:         run.Metadata,
	}

	if err := d.transport.Dispatch(ctx, service.BaseURL, in); err != nil {
		logging.Log(fmt.Sprintf("dispatcher: dispatch of run %s failed: %v", run.ID, err), slog.LevelWarn)
		d.failRun(ctx, run, task, err.Error(), "DISPATCH_FAILED")
		return
	}

	d.heartbeat.StartTracking(run.ID, run.TaskID, task.HeartbeatIntervalMs)
}

// HandleCallback implements the worker-reported half of spec.md §6's
// POST /api/callback/:runId: success routes through queueDownstream,
// failure through the same retry-or-DLQ path dispatch errors and
// heartbeat timeouts use. StorageToken must be the same token this
// run was dispatched with, so a worker can only report on the run it
// was actually handed.
type CallbackInput struct {
	RunID        string
	StorageToken string
	Success      bool
	OutputPath   string
	OutputSize   *int64
	Assets       map[string]any
	Error        string
	ErrorCode    string
	SelectedNext []string
}

func (d *Dispatcher) HandleCallback(ctx context.Context, in CallbackInput) error {
	if err := d.tokens.Verify(in.RunID, in.StorageToken); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrUnauthorized, err)
	}

	d.heartbeat.CancelTracking(in.RunID)

	if in.Success {
		if err := d.queue.MarkCompleted(ctx, in.RunID, in.OutputPath, in.OutputSize, in.Assets); err != nil {
			return fmt.Errorf("marking run %s completed: %w", in.RunID, err)
		}
		if _, err := d.executor.QueueDownstreamTasks(ctx, in.RunID, in.SelectedNext); err != nil {
			return fmt.Errorf("queueing downstream of %s: %w", in.RunID, err)
		}
		return nil
	}

	task, run, err := d.loadTaskAndRun(ctx, in.RunID)
	if err != nil {
		return err
	}
	errorCode := in.ErrorCode
	if errorCode == "" {
		errorCode = "WORKER_FAILURE"
	}
	d.failRun(ctx, *run, *task, in.Error, errorCode)
	return nil
}

// HandleTimeout satisfies heartbeat.TimeoutHandler: a heartbeat lapse
// is handled through the same retry-or-DLQ policy a worker-reported
// failure uses, per spec.md §7's "Timeout" error kind. The run's row
// is already "timeout" (markTimeoutIfRunning set it before calling
// here), so the exhausted-retries branch must not try to re-mark it
// "failed" — it would match zero rows and the pipeline would never
// get resolved.
func (d *Dispatcher) HandleTimeout(ctx context.Context, runID, taskID string) {
	task, run, err := d.loadTaskAndRun(ctx, runID)
	if err != nil {
		logging.Log(fmt.Sprintf("dispatcher: loading task/run for timeout %s: %v", runID, err), slog.LevelError)
		return
	}
	d.resolveFailure(ctx, *run, *task, "Task heartbeat timeout", "TIMEOUT", false)
}

// failRun is the shared retry-or-DLQ policy (spec.md §7) for failures
// reported while the run is still "running" or "pending": dispatch
// errors and worker-reported callback failures.
func (d *Dispatcher) failRun(ctx context.Context, run model.TaskRun, task model.Task, errMsg, errCode string) {
	d.resolveFailure(ctx, run, task, errMsg, errCode, true)
}

// resolveFailure schedules another attempt if the task has retries
// left; otherwise it DLQs the run and, when markFailed is true,
// transitions it to "failed" before handing off to the executor.
// markFailed is false for the heartbeat-timeout path, whose row is
// already terminal in status "timeout" — marking it "failed" too
// would match zero rows and skip the executor handoff entirely,
// leaving the pipeline run stuck in "running" forever.
func (d *Dispatcher) resolveFailure(ctx context.Context, run model.TaskRun, task model.Task, errMsg, errCode string, markFailed bool) {
	scheduled, err := d.retry.ScheduleRetry(ctx, retry.ScheduleInput{
		RunID:           run.ID,
		Attempt:         run.Attempt,
		MaxRetries:      task.MaxRetries,
		RetryBackoff:    task.RetryBackoff,
		RetryDelayMs:    task.RetryDelayMs,
		MaxRetryDelayMs: task.MaxRetryDelayMs,
		Error:           errMsg,
		ErrorCode:       errCode,
	})
	if err != nil {
		logging.Log(fmt.Sprintf("dispatcher: scheduling retry for %s: %v", run.ID, err), slog.LevelError)
		return
	}
	if scheduled {
		logging.RecordTaskRetried(ctx)
		return
	}

	logging.RecordTaskDLQed(ctx)
	if _, err := d.dlq.Add(ctx, &run, errMsg); err != nil {
		logging.Log(fmt.Sprintf("dispatcher: adding %s to dlq: %v", run.ID, err), slog.LevelError)
	}
	if markFailed {
		if err := d.queue.MarkFailed(ctx, run.ID, errMsg, errCode); err != nil {
			logging.Log(fmt.Sprintf("dispatcher: marking %s failed: %v", run.ID, err), slog.LevelError)
			return
		}
	} else if err := d.maintenance.OnTaskStatusChange(ctx); err != nil {
		// MarkFailed normally fires this hook; skipped above since the
		// row is already terminal, so a waiting-for-maintenance request
		// parked behind this exact run would otherwise never get
		// re-checked.
		logging.Log(fmt.Sprintf("dispatcher: notifying maintenance after timeout %s: %v", run.ID, err), slog.LevelError)
	}
	if err := d.executor.HandleTaskFailure(ctx, run.ID); err != nil {
		logging.Log(fmt.Sprintf("dispatcher: handling pipeline failure for %s: %v", run.ID, err), slog.LevelError)
	}
}

func (d *Dispatcher) loadTaskAndRun(ctx context.Context, runID string) (*model.Task, *model.TaskRun, error) {
	run, err := d.executor.LoadTaskRun(ctx, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading run %s: %w", runID, err)
	}
	task, err := d.registry.GetTask(ctx, run.TaskID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading task %s: %w", run.TaskID, err)
	}
	return task, run, nil
}

// LastTickDuration is surfaced by the health handler per SPEC_FULL.md's
// "Dispatcher liveness/health" addition.
func (d *Dispatcher) LastTickDuration() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastTickDuration
}
