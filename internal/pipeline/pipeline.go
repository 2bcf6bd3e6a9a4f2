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

// Package pipeline is SPEC_FULL.md's "PipelineRegistry" addition: the
// write path for pipeline definitions that spec.md assumes already
// exist by the time triggerPipeline loads one. It mirrors
// ServiceRegistry's upsert-and-version shape, scoped to a single
// pipeline row rather than a service-plus-tasks batch.
package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"pipeweave/internal/model"
)

type Registry struct {
	db *sql.DB
}

func New(db *sql.DB) *Registry {
	return &Registry{db: db}
}

type UpsertInput struct {
	ID          string // empty mints a new ID
	Name        string
	Description string
	EntryTasks  []string
	Structure   model.PipelineStructure
	FailureMode model.FailureMode
}

// Upsert creates a pipeline or bumps its version when an existing
// pipeline's structure or entry tasks change. Unlike ServiceRegistry's
// content hash, pipeline versioning here is a plain increment — the
// spec never asks for pipeline-definition diffing, only the
// structure_snapshot a PipelineRun freezes at trigger time.
func (r *Registry) Upsert(ctx context.Context, in UpsertInput) (*model.Pipeline, error) {
	if in.FailureMode == "" {
		in.FailureMode = model.FailureModeFailFast
	}
	id := in.ID
	if id == "" {
		id = "pipe_" + uuid.NewString()
	}

	entryTasks, err := json.Marshal(in.EntryTasks)
	if err != nil {
		return nil, fmt.Errorf("encoding entry tasks: %w", err)
	}
	structure, err := json.Marshal(in.Structure)
	if err != nil {
		return nil, fmt.Errorf("encoding structure: %w", err)
	}

	var version int
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO pipelines (id, name, description, entry_tasks, structure, version, failure_mode, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 1, $6, now(), now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			entry_tasks = EXCLUDED.entry_tasks,
			structure = EXCLUDED.structure,
			version = CASE
				WHEN pipelines.structure = EXCLUDED.structure AND pipelines.entry_tasks = EXCLUDED.entry_tasks
				THEN pipelines.version
				ELSE pipelines.version + 1
			END,
			failure_mode = EXCLUDED.failure_mode,
			updated_at = now()
		RETURNING version
	`, id, in.Name, in.Description, entryTasks, structure, in.FailureMode).Scan(&version)
	if err != nil {
		return nil, fmt.Errorf("upserting pipeline: %w", err)
	}

	return r.Get(ctx, id)
}

func (r *Registry) Get(ctx context.Context, id string) (*model.Pipeline, error) {
	return scanPipeline(r.db.QueryRowContext(ctx, `
		SELECT id, name, description, entry_tasks, structure, version, failure_mode, created_at, updated_at
		FROM pipelines WHERE id = $1
	`, id))
}

func (r *Registry) List(ctx context.Context) ([]model.Pipeline, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, description, entry_tasks, structure, version, failure_mode, created_at, updated_at
		FROM pipelines ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Pipeline
	for rows.Next() {
		p, err := scanPipelineRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPipeline(row rowScanner) (*model.Pipeline, error) {
	p, err := scanPipelineRow(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pipeline not found: %w", sql.ErrNoRows)
	}
	return p, err
}

func scanPipelineRow(row rowScanner) (*model.Pipeline, error) {
	var p model.Pipeline
	var entryTasks, structure []byte
	var description sql.NullString
	err := row.Scan(&p.ID, &p.Name, &description, &entryTasks, &structure,
		&p.Version, &p.FailureMode, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Description = description.String
	if err := json.Unmarshal(entryTasks, &p.EntryTasks); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(structure, &p.Structure); err != nil {
		return nil, err
	}
	return &p, nil
}
