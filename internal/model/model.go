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

// Package model holds the entities PipeWeave persists and passes between
// components. Nothing here owns a database connection; it is the shape
// the rest of the system agrees on.
package model

import "time"

type ServiceStatus string

const (
	ServiceActive       ServiceStatus = "active"
	ServiceInactive     ServiceStatus = "inactive"
	ServiceDisconnected ServiceStatus = "disconnected"
)

type RetryBackoff string

const (
	BackoffFixed       RetryBackoff = "fixed"
	BackoffExponential RetryBackoff = "exponential"
)

type FailureMode string

const (
	FailureModeFailFast  FailureMode = "fail-fast"
	FailureModeContinue  FailureMode = "continue"
)

type TaskRunStatus string

const (
	TaskRunPending   TaskRunStatus = "pending"
	TaskRunRunning   TaskRunStatus = "running"
	TaskRunWaiting   TaskRunStatus = "waiting"
	TaskRunCompleted TaskRunStatus = "completed"
	TaskRunFailed    TaskRunStatus = "failed"
	TaskRunTimeout   TaskRunStatus = "timeout"
	TaskRunCancelled TaskRunStatus = "cancelled"
)

type PipelineRunStatus string

const (
	PipelineRunRunning   PipelineRunStatus = "running"
	PipelineRunCompleted PipelineRunStatus = "completed"
	PipelineRunFailed    PipelineRunStatus = "failed"
)

type MaintenanceMode string

const (
	ModeRunning                MaintenanceMode = "running"
	ModeWaitingForMaintenance  MaintenanceMode = "waiting_for_maintenance"
	ModeMaintenance            MaintenanceMode = "maintenance"
)

type LevelType string

const (
	LevelEntry    LevelType = "entry"
	LevelParallel LevelType = "parallel"
	LevelJoin     LevelType = "join"
	LevelEnd      LevelType = "end"
)

// Service is a registered worker fleet member. A service owns zero or
// more Tasks and is re-upserted on every registration heartbeat.
type Service struct {
	ID            string
	Version       string
	BaseURL       string
	RegisteredAt  time.Time
	LastHeartbeat time.Time
	Status        ServiceStatus
}

// Task is a task definition (not a run). CodeVersion increments whenever
// CodeHash changes; re-registering an unchanged task is a no-op on version.
type Task struct {
	ID                  string
	ServiceID           string
	CodeHash            string
	CodeVersion         int
	AllowedNext         []string
	TimeoutSec          int
	MaxRetries          int
	RetryBackoff        RetryBackoff
	RetryDelayMs        int
	MaxRetryDelayMs     int
	HeartbeatIntervalMs int
	Concurrency         int
	Priority            int
	IdempotencyTTLSec   *int
	Description         string
}

// TaskCodeHistory is an append-only record of every distinct code hash a
// task has carried, one row per (TaskID, CodeHash).
type TaskCodeHistory struct {
	TaskID         string
	CodeVersion    int
	CodeHash       string
	ServiceVersion string
	RecordedAt     time.Time
}

// PipelineStructure is a snapshot of a pipeline's DAG edges at the time
// it was captured, keyed by task ID.
type PipelineStructure map[string]PipelineNode

type PipelineNode struct {
	AllowedNext []string `json:"allowedNext"`
}

// Pipeline is a named DAG definition with declared entry tasks.
type Pipeline struct {
	ID          string
	Name        string
	Description string
	EntryTasks  []string
	Structure   PipelineStructure
	Version     int
	FailureMode FailureMode
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PipelineRun is one live invocation of a Pipeline.
type PipelineRun struct {
	ID                string
	PipelineID        string
	PipelineVersion   int
	StructureSnapshot PipelineStructure
	Status            PipelineRunStatus
	InputPath         string
	FailureMode       FailureMode
	CreatedAt         time.Time
	CompletedAt       *time.Time
	Metadata          map[string]any
}

// TaskRef is the artifact a predecessor task produced; UpstreamRefs maps
// predecessor task IDs to these.
type TaskRef struct {
	OutputPath string         `json:"outputPath"`
	Assets     map[string]any `json:"assets,omitempty"`
}

// AttemptRecord is one entry in a TaskRun's append-only attempt history.
type AttemptRecord struct {
	Attempt   int       `json:"attempt"`
	Error     string    `json:"error"`
	ErrorCode string    `json:"errorCode,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskRun is one execution attempt (or retried series sharing an ID) of
// a task.
type TaskRun struct {
	ID                string
	TaskID            string
	PipelineRunID     *string
	Status            TaskRunStatus
	CodeVersion       int
	CodeHash          string
	Attempt           int
	MaxRetries        int
	Priority          int
	InputPath         string
	OutputPath        *string
	OutputSize        *int64
	Assets            map[string]any
	UpstreamRefs      map[string]TaskRef
	PreviousAttempts  []AttemptRecord
	IdempotencyKey    *string
	ScheduledFor      *time.Time
	HeartbeatAt       *time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
	Error             *string
	ErrorCode         *string
	Metadata          map[string]any
}

// DLQEntry is a permanently-failed task run retained for inspection or
// manual replay.
type DLQEntry struct {
	ID            string
	TaskRunID     string
	TaskID        string
	PipelineRunID *string
	CodeVersion   int
	CodeHash      string
	Error         string
	Attempts      int
	InputPath     string
	UpstreamRefs  map[string]TaskRef
	PreviousAttempts []AttemptRecord
	FailedAt      time.Time
	RetriedAt     *time.Time
	RetryRunID    *string
}

// IdempotencyCacheEntry maps a caller-supplied fingerprint to a
// previously computed artifact.
type IdempotencyCacheEntry struct {
	Key         string
	TaskID      string
	TaskRunID   string
	CodeVersion int
	OutputPath  string
	OutputSize  *int64
	Assets      map[string]any
	CachedAt    time.Time
	ExpiresAt   time.Time
}

// MaintenanceState is the singleton admission-control row.
type MaintenanceState struct {
	Mode          MaintenanceMode
	ModeChangedAt time.Time
}

// GraphLevel is one level of a topological execution plan.
type GraphLevel struct {
	Level    int
	Tasks    []string
	Type     LevelType
	WaitsFor map[string][]string `json:"waitsFor,omitempty"`
}
