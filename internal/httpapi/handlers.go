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

package httpapi

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"pipeweave/internal/apperr"
	"pipeweave/internal/dispatcher"
	"pipeweave/internal/executor"
	"pipeweave/internal/model"
	"pipeweave/internal/pipeline"
	"pipeweave/internal/queue"
	"pipeweave/internal/registry"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case apperr.Is(err, apperr.ErrNotFound), errors.Is(err, sql.ErrNoRows):
		status = http.StatusNotFound
	case apperr.Is(err, apperr.ErrValidation):
		status = http.StatusBadRequest
	case apperr.Is(err, apperr.ErrConflict):
		status = http.StatusConflict
	case apperr.Is(err, apperr.ErrMaintenance):
		status = http.StatusServiceUnavailable
	case apperr.Is(err, apperr.ErrUnauthorized):
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// bearerToken extracts the worker's storage token from "Authorization:
// Bearer <token>", the credential dispatchOne minted and handed the
// worker at dispatch time, echoed back to prove the callback came from
// the run it claims to.
func bearerToken(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.Join(apperr.ErrValidation, err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	databaseOk := true
	if err := s.store.Ping(ctx); err != nil {
		databaseOk = false
	}

	state, err := s.maintenance.Get(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	statuses, err := s.queue.GetStatus(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	running := 0
	for _, st := range statuses {
		running += st.Running
	}
	status := "ok"
	httpStatus := http.StatusOK
	if !databaseOk {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, healthResponse{
		Status:                   status,
		DatabaseOk:               databaseOk,
		CanAcceptTasks:           databaseOk && state.Mode == model.ModeRunning,
		MaintenanceMode:          string(state.Mode),
		RunningTasks:             running,
		DispatcherTickDurationMs: s.dispatcher.LastTickDuration().Milliseconds(),
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ServiceID == "" || req.BaseURL == "" {
		writeError(w, errors.Join(apperr.ErrValidation, errors.New("serviceId and baseUrl are required")))
		return
	}

	result, err := s.registry.Register(r.Context(), req.ServiceID, req.Version, req.BaseURL, toTaskInputs(req.Tasks))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, registerResponse{
		Success:       true,
		CodeChanges:   result.CodeChanges,
		OrphanedTasks: result.OrphanedTasks,
	})
}

func toTaskInputs(dtos []taskInputDTO) []registry.TaskInput {
	out := make([]registry.TaskInput, 0, len(dtos))
	for _, d := range dtos {
		out = append(out, d.toInput())
	}
	return out
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	svcs, err := s.registry.ListServices(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, svcs)
}

func (s *Server) handleUpsertPipeline(w http.ResponseWriter, r *http.Request) {
	var req pipelineRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" || len(req.EntryTasks) == 0 {
		writeError(w, errors.Join(apperr.ErrValidation, errors.New("name and entryTasks are required")))
		return
	}
	p, err := s.pipelines.Upsert(r.Context(), pipeline.UpsertInput{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		EntryTasks:  req.EntryTasks,
		Structure:   req.Structure,
		FailureMode: req.FailureMode,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	ps, err := s.pipelines.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := s.pipelines.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleTriggerPipeline(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}

	state, err := s.maintenance.Get(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if state.Mode != model.ModeRunning {
		writeError(w, errors.Join(apperr.ErrMaintenance, errors.New("cannot trigger pipelines while maintenance is active")))
		return
	}

	result, err := s.executor.TriggerPipeline(r.Context(), executor.TriggerInput{
		PipelineID:  r.PathValue("id"),
		Input:       req.Input,
		FailureMode: req.FailureMode,
		Priority:    req.Priority,
		Metadata:    req.Metadata,
	})
	if err != nil {
		if errors.Is(err, executor.ErrInvalidPipeline) {
			writeError(w, errors.Join(apperr.ErrValidation, err))
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, triggerResponse{
		PipelineRunID:    result.PipelineRunID,
		Status:           result.Status,
		InputPath:        result.InputPath,
		EntryTaskIDs:     result.EntryTaskIDs,
		QueuedTaskRunIDs: result.QueuedTaskRunIDs,
	})
}

func (s *Server) handleDryRun(w http.ResponseWriter, r *http.Request) {
	result, err := s.executor.DryRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListPipelineRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := executor.ListPipelineRunsFilter{
		PipelineID: q.Get("pipelineId"),
		Limit:      atoiDefault(q.Get("limit"), 0),
		Offset:     atoiDefault(q.Get("offset"), 0),
	}
	runs, err := s.executor.ListPipelineRuns(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetPipelineRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.executor.GetPipelineRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	err := s.dispatcher.HandleCallback(r.Context(), dispatcher.CallbackInput{
		RunID:        r.PathValue("runId"),
		StorageToken: bearerToken(r),
		Success:      req.Status == "success",
		OutputPath:   req.OutputPath,
		OutputSize:   req.OutputSize,
		Assets:       req.Assets,
		Error:        req.Error,
		ErrorCode:    req.ErrorCode,
		SelectedNext: req.SelectedNext,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.RunID == "" {
		writeError(w, errors.Join(apperr.ErrValidation, errors.New("runId is required")))
		return
	}
	if err := s.heartbeat.RecordHeartbeat(r.Context(), req.RunID, req.Progress, req.Message); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	dispatched, err := s.dispatcher.Tick(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tickResponse{Dispatched: dispatched})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.queue.GetStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := atoiDefault(q.Get("limit"), 50)
	offset := atoiDefault(q.Get("offset"), 0)
	entries, err := s.dlq.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGetDLQ(w http.ResponseWriter, r *http.Request) {
	entry, err := s.dlq.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleRetryDLQ(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entry, err := s.dlq.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	run, err := s.executor.LoadTaskRun(r.Context(), entry.TaskRunID)
	if err != nil {
		writeError(w, err)
		return
	}
	task, err := s.registry.GetTask(r.Context(), run.TaskID)
	if err != nil {
		writeError(w, err)
		return
	}
	newRunID, err := s.queue.Enqueue(r.Context(), queue.EnqueueInput{
		TaskID:        run.TaskID,
		PipelineRunID: run.PipelineRunID,
		CodeVersion:   task.CodeVersion,
		CodeHash:      task.CodeHash,
		MaxRetries:    task.MaxRetries,
		Priority:      run.Priority,
		UpstreamRefs:  run.UpstreamRefs,
		Metadata:      run.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.dlq.MarkRetried(r.Context(), id, newRunID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"newRunId": newRunID})
}

func (s *Server) handlePurgeDLQ(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	days := atoiDefault(q.Get("retentionDays"), 30)
	n, err := s.dlq.Purge(r.Context(), days)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"purged": n})
}

func (s *Server) handleGetMaintenance(w http.ResponseWriter, r *http.Request) {
	state, err := s.maintenance.Get(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleRequestMaintenance(w http.ResponseWriter, r *http.Request) {
	state, err := s.maintenance.RequestMaintenance(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleEnterMaintenance(w http.ResponseWriter, r *http.Request) {
	state, err := s.maintenance.EnterMaintenance(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleExitMaintenance(w http.ResponseWriter, r *http.Request) {
	state, err := s.maintenance.ExitMaintenance(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func atoiDefault(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
