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
	"pipeweave/internal/model"
	"pipeweave/internal/registry"
)

// registerRequest is spec.md §6's POST /api/register body.
type registerRequest struct {
	ServiceID string         `json:"serviceId"`
	Version   string         `json:"version"`
	BaseURL   string         `json:"baseUrl"`
	Tasks     []taskInputDTO `json:"tasks"`
}

type taskInputDTO struct {
	ID                  string             `json:"id"`
	AllowedNext         []string           `json:"allowedNext,omitempty"`
	TimeoutSec          int                `json:"timeoutSec"`
	MaxRetries          int                `json:"maxRetries"`
	RetryBackoff        model.RetryBackoff `json:"retryBackoff"`
	RetryDelayMs        int                `json:"retryDelayMs"`
	MaxRetryDelayMs     int                `json:"maxRetryDelayMs"`
	HeartbeatIntervalMs int                `json:"heartbeatIntervalMs"`
	Concurrency         int                `json:"concurrency"`
	Priority            int                `json:"priority"`
	IdempotencyTTLSec   *int               `json:"idempotencyTTLSec,omitempty"`
	Description         string             `json:"description,omitempty"`
}

func (t taskInputDTO) toInput() registry.TaskInput {
	return registry.TaskInput{
		ID:                  t.ID,
		AllowedNext:         t.AllowedNext,
		TimeoutSec:          t.TimeoutSec,
		MaxRetries:          t.MaxRetries,
		RetryBackoff:        t.RetryBackoff,
		RetryDelayMs:        t.RetryDelayMs,
		MaxRetryDelayMs:     t.MaxRetryDelayMs,
		HeartbeatIntervalMs: t.HeartbeatIntervalMs,
		Concurrency:         t.Concurrency,
		Priority:            t.Priority,
		IdempotencyTTLSec:   t.IdempotencyTTLSec,
		Description:         t.Description,
	}
}

type registerResponse struct {
	Success       bool                 `json:"success"`
	CodeChanges   []registry.CodeChange `json:"codeChanges"`
	OrphanedTasks []string             `json:"orphanedTasks,omitempty"`
}

// pipelineRequest is the supplemented POST /api/pipelines body
// (SPEC_FULL.md's PipelineRegistry CRUD addition).
type pipelineRequest struct {
	ID          string                   `json:"id,omitempty"`
	Name        string                   `json:"name"`
	Description string                   `json:"description,omitempty"`
	EntryTasks  []string                 `json:"entryTasks"`
	Structure   model.PipelineStructure  `json:"structure"`
	FailureMode model.FailureMode        `json:"failureMode,omitempty"`
}

type triggerRequest struct {
	Input       map[string]any    `json:"input,omitempty"`
	FailureMode model.FailureMode `json:"failureMode,omitempty"`
	Priority    int               `json:"priority,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
}

type triggerResponse struct {
	PipelineRunID    string                    `json:"pipelineRunId"`
	Status           model.PipelineRunStatus   `json:"status"`
	InputPath        string                    `json:"inputPath"`
	EntryTaskIDs     []string                  `json:"entryTaskIds"`
	QueuedTaskRunIDs []string                  `json:"queuedTaskRunIds"`
}

type callbackRequest struct {
	Status       string         `json:"status"`
	OutputPath   string         `json:"outputPath,omitempty"`
	OutputSize   *int64         `json:"outputSize,omitempty"`
	Assets       map[string]any `json:"assets,omitempty"`
	Error        string         `json:"error,omitempty"`
	ErrorCode    string         `json:"errorCode,omitempty"`
	SelectedNext []string       `json:"selectedNext,omitempty"`
}

type heartbeatRequest struct {
	RunID    string   `json:"runId"`
	Progress *float64 `json:"progress,omitempty"`
	Message  string   `json:"message,omitempty"`
}

type healthResponse struct {
	Status                   string `json:"status"`
	DatabaseOk               bool   `json:"databaseOk"`
	CanAcceptTasks           bool   `json:"canAcceptTasks"`
	MaintenanceMode          string `json:"maintenanceMode"`
	RunningTasks             int    `json:"runningTasks"`
	DispatcherTickDurationMs int64  `json:"dispatcherTickDurationMs"`
}

type tickResponse struct {
	Dispatched int `json:"dispatched"`
}

type errorResponse struct {
	Error string `json:"error"`
}
