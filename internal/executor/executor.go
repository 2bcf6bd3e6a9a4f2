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

// Package executor is spec.md §4.10: triggers pipeline runs, routes a
// completed task's output to its downstream tasks (join-aware), and
// decides when a pipeline run reaches a terminal state. It is the one
// component that reaches across QueueManager, Graph, and the pipeline
// and registry stores to hold the whole DAG's lifecycle together.
package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"pipeweave/internal/graph"
	"pipeweave/internal/logging"
	"pipeweave/internal/model"
	"pipeweave/internal/pipeline"
	"pipeweave/internal/queue"
	"pipeweave/internal/registry"
	"pipeweave/internal/store"
)

type Executor struct {
	db        *sql.DB
	pipelines *pipeline.Registry
	registry  *registry.Registry
	queue     *queue.Manager
	validator *graph.PipelineValidator
}

func New(db *sql.DB, pipelines *pipeline.Registry, reg *registry.Registry, q *queue.Manager) *Executor {
	return &Executor{
		db:        db,
		pipelines: pipelines,
		registry:  reg,
		queue:     q,
		validator: graph.NewPipelineValidator(reg),
	}
}

// TriggerInput is the caller-supplied shape of a pipeline trigger.
type TriggerInput struct {
	PipelineID  string
	Input       map[string]any
	FailureMode model.FailureMode // empty defers to the pipeline's own default
	Priority    int
	Metadata    map[string]any
}

// TriggerResult mirrors spec.md §4.10 step 5's response shape.
type TriggerResult struct {
	PipelineRunID   string
	Status          model.PipelineRunStatus
	InputPath       string
	EntryTaskIDs    []string
	QueuedTaskRunIDs []string
}

var ErrInvalidPipeline = errors.New("pipeline failed validation")

// TriggerPipeline implements spec.md §4.10 steps 1-5: load, validate,
// mint a run, and enqueue every entry task in the same transaction the
// PipelineRun row is inserted in, so a crash mid-fan-out never leaves a
// run with no queued work (Open Question 6).
func (e *Executor) TriggerPipeline(ctx context.Context, in TriggerInput) (*TriggerResult, error) {
	p, err := e.pipelines.Get(ctx, in.PipelineID)
	if err != nil {
		return nil, fmt.Errorf("loading pipeline %s: %w", in.PipelineID, err)
	}

	res, err := e.validator.ValidatePipeline(ctx, p.Structure, p.EntryTasks)
	if err != nil {
		return nil, fmt.Errorf("validating pipeline %s: %w", in.PipelineID, err)
	}
	if !res.OK() {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPipeline, res.Errors)
	}

	failureMode := in.FailureMode
	if failureMode == "" {
		failureMode = p.FailureMode
	}

	runID := "prun_" + uuid.NewString()
	inputPath := fmt.Sprintf("runs/%s/input.json", runID)

	structureSnapshot, err := json.Marshal(p.Structure)
	if err != nil {
		return nil, fmt.Errorf("snapshotting pipeline structure: %w", err)
	}
	metadata, err := json.Marshal(in.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}

	queuedIDs := make([]string, 0, len(p.EntryTasks))

	err = store.Transaction(ctx, e.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pipeline_runs (id, pipeline_id, pipeline_version, structure_snapshot,
			                           status, input_path, failure_mode, metadata, created_at)
			VALUES ($1,$2,$3,$4,'running',$5,$6,$7, now())
		`, runID, p.ID, p.Version, structureSnapshot, inputPath, failureMode, metadata)
		if err != nil {
			return fmt.Errorf("inserting pipeline run: %w", err)
		}

		for _, taskID := range p.EntryTasks {
			if len(res.Components) > 0 && !res.SelectedNodes[taskID] {
				continue // outside the scheduled component; reported as a warning
			}
			task, err := e.registry.GetTask(ctx, taskID)
			if err != nil {
				return fmt.Errorf("loading entry task %s: %w", taskID, err)
			}

			runIDForTask, _, err := e.queue.EnqueueTx(ctx, tx, queue.EnqueueInput{
				TaskID:        taskID,
				PipelineRunID: &runID,
				CodeVersion:   task.CodeVersion,
				CodeHash:      task.CodeHash,
				MaxRetries:    task.MaxRetries,
				Priority:      in.Priority,
				Metadata:      in.Metadata,
			})
			if err != nil {
				return fmt.Errorf("enqueueing entry task %s: %w", taskID, err)
			}
			queuedIDs = append(queuedIDs, runIDForTask)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &TriggerResult{
		PipelineRunID:    runID,
		Status:           model.PipelineRunRunning,
		InputPath:        inputPath,
		EntryTaskIDs:     p.EntryTasks,
		QueuedTaskRunIDs: queuedIDs,
	}, nil
}

// QueueDownstreamTasks implements spec.md §4.10's queueDownstreamTasks:
// given a just-completed run, it computes the next task(s) to enqueue,
// honoring join readiness, and falls back to completion detection when
// there is nothing left to route to.
func (e *Executor) QueueDownstreamTasks(ctx context.Context, completedRunID string, selectedNext []string) ([]string, error) {
	run, err := e.LoadTaskRun(ctx, completedRunID)
	if err != nil {
		return nil, fmt.Errorf("loading completed run %s: %w", completedRunID, err)
	}
	if run.PipelineRunID == nil {
		return nil, nil // standalone run: spec.md §4.10 step 2
	}

	task, err := e.registry.GetTask(ctx, run.TaskID)
	if err != nil {
		return nil, fmt.Errorf("loading task %s: %w", run.TaskID, err)
	}

	pr, snapshot, err := e.loadPipelineRunAndSnapshot(ctx, *run.PipelineRunID)
	if err != nil {
		return nil, fmt.Errorf("loading pipeline run %s: %w", *run.PipelineRunID, err)
	}
	if pr.Status != model.PipelineRunRunning {
		return nil, nil // run already resolved (e.g. failed fast): queue nothing further
	}

	next := task.AllowedNext
	if selectedNext != nil {
		next = intersectDroppingInvalid(ctx, selectedNext, task.AllowedNext, run.TaskID)
	}
	if len(next) == 0 {
		return nil, e.checkPipelineCompletion(ctx, *run.PipelineRunID)
	}

	g := graph.Build(snapshotToNodes(snapshot))

	var queued []string
	for _, nextTaskID := range next {
		id, err := e.tryQueueNext(ctx, pr, snapshot, g, run, nextTaskID)
		if err != nil {
			return nil, err
		}
		if id != "" {
			queued = append(queued, id)
		}
	}
	return queued, nil
}

// tryQueueNext enqueues one downstream task if it is ready: a
// fan-out step needs no predecessor check; a join needs at least one
// completed run per predecessor per spec.md §4.10 step 4. A concurrent
// enqueue of the same join losing the unique-index race is treated as
// success, not an error (SPEC_FULL.md's join re-enqueue guard).
func (e *Executor) tryQueueNext(ctx context.Context, pr *model.PipelineRun, snapshot model.PipelineStructure, g *graph.Graph, completed *model.TaskRun, nextTaskID string) (string, error) {
	preds := g.Predecessors(nextTaskID)
	if len(preds) > 1 {
		ready, err := e.joinIsReady(ctx, *completed.PipelineRunID, preds)
		if err != nil {
			return "", err
		}
		if !ready {
			return "", nil
		}
	}

	upstreamRefs, err := e.buildUpstreamRefs(ctx, *completed.PipelineRunID, preds, completed)
	if err != nil {
		return "", err
	}

	task, err := e.registry.GetTask(ctx, nextTaskID)
	if err != nil {
		return "", fmt.Errorf("loading downstream task %s: %w", nextTaskID, err)
	}

	var runID string
	err = store.Transaction(ctx, e.db, func(tx *sql.Tx) error {
		id, _, err := e.queue.EnqueueTx(ctx, tx, queue.EnqueueInput{
			TaskID:        nextTaskID,
			PipelineRunID: completed.PipelineRunID,
			CodeVersion:   task.CodeVersion,
			CodeHash:      task.CodeHash,
			MaxRetries:    task.MaxRetries,
			Priority:      completed.Priority,
			UpstreamRefs:  upstreamRefs,
		})
		if err != nil {
			return err
		}
		runID = id
		return nil
	})
	if errors.Is(err, queue.ErrAlreadyQueued) {
		logging.LogContext(ctx, fmt.Sprintf("join task %s already queued for pipeline run %s", nextTaskID, pr.ID), slog.LevelInfo)
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("enqueueing downstream task %s: %w", nextTaskID, err)
	}
	return runID, nil
}

// joinIsReady checks "at least one completed TaskRun per predecessor"
// against this pipeline run, per spec.md §4.10's join correctness note.
func (e *Executor) joinIsReady(ctx context.Context, pipelineRunID string, predecessors []string) (bool, error) {
	for _, pred := range predecessors {
		var n int
		err := e.db.QueryRowContext(ctx, `
			SELECT count(*) FROM task_runs
			WHERE pipeline_run_id = $1 AND task_id = $2 AND status = 'completed'
		`, pipelineRunID, pred).Scan(&n)
		if err != nil {
			return false, fmt.Errorf("checking join readiness for %s: %w", pred, err)
		}
		if n == 0 {
			return false, nil
		}
	}
	return true, nil
}

// buildUpstreamRefs loads the most recent completed run of each
// predecessor (falling back to the just-completed run itself when it is
// among them, since it is guaranteed fresh) and maps it to the artifact
// the downstream task will read.
func (e *Executor) buildUpstreamRefs(ctx context.Context, pipelineRunID string, predecessors []string, justCompleted *model.TaskRun) (map[string]model.TaskRef, error) {
	if len(predecessors) == 0 {
		predecessors = []string{justCompleted.TaskID}
	}
	refs := make(map[string]model.TaskRef, len(predecessors))
	for _, pred := range predecessors {
		if pred == justCompleted.TaskID {
			refs[pred] = taskRefOf(justCompleted)
			continue
		}
		var outputPath sql.NullString
		var assetsJSON []byte
		err := e.db.QueryRowContext(ctx, `
			SELECT output_path, assets FROM task_runs
			WHERE pipeline_run_id = $1 AND task_id = $2 AND status = 'completed'
			ORDER BY completed_at DESC LIMIT 1
		`, pipelineRunID, pred).Scan(&outputPath, &assetsJSON)
		if err != nil {
			return nil, fmt.Errorf("loading upstream output for %s: %w", pred, err)
		}
		ref := model.TaskRef{OutputPath: outputPath.String}
		if len(assetsJSON) > 0 {
			if err := json.Unmarshal(assetsJSON, &ref.Assets); err != nil {
				return nil, err
			}
		}
		refs[pred] = ref
	}
	return refs, nil
}

func taskRefOf(r *model.TaskRun) model.TaskRef {
	ref := model.TaskRef{Assets: r.Assets}
	if r.OutputPath != nil {
		ref.OutputPath = *r.OutputPath
	}
	return ref
}

// HandleTaskFailure implements spec.md §4.10's handleTaskFailure:
// fail-fast cancels every pending sibling and fails the run outright;
// continue mode defers to checkPipelineCompletion.
func (e *Executor) HandleTaskFailure(ctx context.Context, failedRunID string) error {
	run, err := e.LoadTaskRun(ctx, failedRunID)
	if err != nil {
		return fmt.Errorf("loading failed run %s: %w", failedRunID, err)
	}
	if run.PipelineRunID == nil {
		return nil
	}

	pr, _, err := e.loadPipelineRunAndSnapshot(ctx, *run.PipelineRunID)
	if err != nil {
		return fmt.Errorf("loading pipeline run %s: %w", *run.PipelineRunID, err)
	}

	if pr.FailureMode == model.FailureModeFailFast {
		return e.failFast(ctx, pr)
	}
	return e.checkPipelineCompletion(ctx, pr.ID)
}

// failFast cancels every still-pending run in the pipeline run and
// marks it failed, per spec.md §8 scenario S6. Already-running tasks
// are left to complete normally; their downstream work is simply never
// queued, since queueDownstreamTasks checks the pipeline run's status.
func (e *Executor) failFast(ctx context.Context, pr *model.PipelineRun) error {
	err := store.Transaction(ctx, e.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE task_runs SET status = 'cancelled', error = $1, completed_at = now()
			WHERE pipeline_run_id = $2 AND status = 'pending'
		`, "Pipeline failed in fail-fast mode", pr.ID); err != nil {
			return fmt.Errorf("cancelling pending runs: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE pipeline_runs SET status = 'failed', completed_at = now() WHERE id = $1
		`, pr.ID); err != nil {
			return fmt.Errorf("marking pipeline run failed: %w", err)
		}
		return nil
	})
	if err == nil {
		logging.RecordPipelineRunCompleted(ctx, string(model.PipelineRunFailed))
	}
	return err
}

// checkPipelineCompletion marks the pipeline run terminal once no
// pending|running|waiting task remains: failed if anything ended badly,
// completed otherwise.
func (e *Executor) checkPipelineCompletion(ctx context.Context, pipelineRunID string) error {
	var active, bad int
	err := e.db.QueryRowContext(ctx, `
		SELECT count(*) FILTER (WHERE status IN ('pending','running','waiting')),
		       count(*) FILTER (WHERE status IN ('failed','timeout','cancelled'))
		FROM task_runs WHERE pipeline_run_id = $1
	`, pipelineRunID).Scan(&active, &bad)
	if err != nil {
		return fmt.Errorf("checking pipeline completion for %s: %w", pipelineRunID, err)
	}
	if active > 0 {
		return nil
	}

	status := model.PipelineRunCompleted
	if bad > 0 {
		status = model.PipelineRunFailed
	}
	_, err = e.db.ExecContext(ctx, `
		UPDATE pipeline_runs SET status = $1, completed_at = now() WHERE id = $2
	`, status, pipelineRunID)
	if err != nil {
		return fmt.Errorf("marking pipeline run %s: %w", status, err)
	}
	logging.RecordPipelineRunCompleted(ctx, string(status))
	return nil
}

// DryRunResult bundles validation diagnostics with the execution plan
// spec.md §4.10's dryRun returns.
type DryRunResult struct {
	Valid  bool
	Result *graph.Result
	Plan   []model.GraphLevel
}

// DryRun validates a pipeline and, if valid, computes its topological
// plan without creating a PipelineRun.
func (e *Executor) DryRun(ctx context.Context, pipelineID string) (*DryRunResult, error) {
	p, err := e.pipelines.Get(ctx, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("loading pipeline %s: %w", pipelineID, err)
	}

	res, err := e.validator.ValidatePipeline(ctx, p.Structure, p.EntryTasks)
	if err != nil {
		return nil, fmt.Errorf("validating pipeline %s: %w", pipelineID, err)
	}
	if !res.OK() {
		return &DryRunResult{Valid: false, Result: res}, nil
	}

	nodes := make(map[string]graph.Node, len(p.Structure))
	for id, n := range p.Structure {
		nodes[id] = graph.Node{TaskID: id, AllowedNext: n.AllowedNext}
	}
	g := graph.Build(nodes)
	plan, err := g.TopologicalSort(p.EntryTasks)
	if err != nil {
		return nil, fmt.Errorf("planning pipeline %s: %w", pipelineID, err)
	}
	return &DryRunResult{Valid: true, Result: res, Plan: plan}, nil
}

func (e *Executor) GetPipelineRun(ctx context.Context, id string) (*model.PipelineRun, error) {
	pr, _, err := e.loadPipelineRunAndSnapshot(ctx, id)
	return pr, err
}

// ListPipelineRunsFilter narrows GET /api/pipeline-runs per spec.md §6.
type ListPipelineRunsFilter struct {
	PipelineID string
	Limit      int
	Offset     int
}

func (e *Executor) ListPipelineRuns(ctx context.Context, f ListPipelineRunsFilter) ([]model.PipelineRun, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, pipeline_id, pipeline_version, structure_snapshot, status, input_path,
		       failure_mode, metadata, created_at, completed_at
		FROM pipeline_runs
	`
	args := []any{}
	if f.PipelineID != "" {
		query += " WHERE pipeline_id = $1"
		args = append(args, f.PipelineID)
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d OFFSET %d", limit, f.Offset)

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing pipeline runs: %w", err)
	}
	defer rows.Close()

	var out []model.PipelineRun
	for rows.Next() {
		pr, err := scanPipelineRunRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *pr)
	}
	return out, rows.Err()
}

func (e *Executor) LoadTaskRun(ctx context.Context, id string) (*model.TaskRun, error) {
	var r model.TaskRun
	var upstream, previous, assets []byte
	err := e.db.QueryRowContext(ctx, `
		SELECT id, task_id, pipeline_run_id, status, code_version, code_hash, attempt, max_retries,
		       priority, input_path, output_path, output_size, assets, upstream_refs, previous_attempts,
		       idempotency_key
		FROM task_runs WHERE id = $1
	`, id).Scan(&r.ID, &r.TaskID, &r.PipelineRunID, &r.Status, &r.CodeVersion, &r.CodeHash, &r.Attempt,
		&r.MaxRetries, &r.Priority, &r.InputPath, &r.OutputPath, &r.OutputSize, &assets, &upstream,
		&previous, &r.IdempotencyKey)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task run %s: %w", id, sql.ErrNoRows)
	}
	if err != nil {
		return nil, err
	}
	if len(assets) > 0 {
		if err := json.Unmarshal(assets, &r.Assets); err != nil {
			return nil, err
		}
	}
	if len(upstream) > 0 {
		if err := json.Unmarshal(upstream, &r.UpstreamRefs); err != nil {
			return nil, err
		}
	}
	if len(previous) > 0 {
		if err := json.Unmarshal(previous, &r.PreviousAttempts); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

func (e *Executor) loadPipelineRunAndSnapshot(ctx context.Context, id string) (*model.PipelineRun, model.PipelineStructure, error) {
	row := e.db.QueryRowContext(ctx, `
		SELECT id, pipeline_id, pipeline_version, structure_snapshot, status, input_path,
		       failure_mode, metadata, created_at, completed_at
		FROM pipeline_runs WHERE id = $1
	`, id)
	pr, err := scanPipelineRunRow(row)
	if err != nil {
		return nil, nil, err
	}
	return pr, pr.StructureSnapshot, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPipelineRunRow(row rowScanner) (*model.PipelineRun, error) {
	var pr model.PipelineRun
	var snapshot, metadata []byte
	err := row.Scan(&pr.ID, &pr.PipelineID, &pr.PipelineVersion, &snapshot, &pr.Status, &pr.InputPath,
		&pr.FailureMode, &metadata, &pr.CreatedAt, &pr.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pipeline run not found: %w", sql.ErrNoRows)
	}
	if err != nil {
		return nil, err
	}
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &pr.StructureSnapshot); err != nil {
			return nil, err
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &pr.Metadata); err != nil {
			return nil, err
		}
	}
	return &pr, nil
}

func snapshotToNodes(s model.PipelineStructure) map[string]graph.Node {
	nodes := make(map[string]graph.Node, len(s))
	for id, n := range s {
		nodes[id] = graph.Node{TaskID: id, AllowedNext: n.AllowedNext}
	}
	return nodes
}

// intersectDroppingInvalid keeps only the selections the task def
// actually allows, logging the rest as dropped per spec.md §4.10 step 3
// ("log and drop" — Open Question 2, resolved as stated).
func intersectDroppingInvalid(ctx context.Context, selected, allowed []string, taskID string) []string {
	allowedSet := make(map[string]bool, len(allowed))
	for _, id := range allowed {
		allowedSet[id] = true
	}
	out := make([]string, 0, len(selected))
	for _, id := range selected {
		if allowedSet[id] {
			out = append(out, id)
			continue
		}
		logging.LogContext(ctx, fmt.Sprintf("task %s selected invalid next task %s, dropping", taskID, id), slog.LevelWarn)
	}
	return out
}

