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

package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"pipeweave/internal/model"
)

// TaskLoader is the slice of ServiceRegistry a PipelineValidator needs:
// enough to load each referenced task's ID and allowedNext. Depending
// on this narrow interface rather than *registry.Registry keeps graph
// free of a store dependency and trivially fakeable in tests.
type TaskLoader interface {
	GetTask(ctx context.Context, id string) (*model.Task, error)
}

type PipelineValidator struct {
	loader TaskLoader
}

func NewPipelineValidator(loader TaskLoader) *PipelineValidator {
	return &PipelineValidator{loader: loader}
}

// ValidatePipeline loads every task ID referenced by the pipeline's
// structure (and entry list), then runs the structural checks in
// Validate.
func (v *PipelineValidator) ValidatePipeline(ctx context.Context, structure model.PipelineStructure, entryTasks []string) (*Result, error) {
	requested := make(map[string]bool)
	for id, n := range structure {
		requested[id] = true
		for _, next := range n.AllowedNext {
			requested[next] = true
		}
	}
	for _, id := range entryTasks {
		requested[id] = true
	}

	nodes := make(map[string]Node, len(requested))
	var ids []string
	for id := range requested {
		ids = append(ids, id)
	}
	for _, id := range ids {
		task, err := v.loader.GetTask(ctx, id)
		if errors.Is(err, sql.ErrNoRows) {
			continue // Validate reports "task not found" for these
		}
		if err != nil {
			return nil, fmt.Errorf("loading task %s: %w", id, err)
		}
		nodes[id] = Node{TaskID: task.ID, ServiceID: task.ServiceID, AllowedNext: task.AllowedNext}
	}

	res := Validate(ids, nodes)

	// Validate's own component choice is an arbitrary first-by-sort-order
	// pick. A pipeline declares which component it means to run: the one
	// holding entryTasks[0]. Re-home SelectedNodes on that component when
	// it differs, so a disconnected warning task never masks the real one.
	if len(entryTasks) > 0 && len(res.Components) > 1 {
		if comp := componentContaining(res.Components, entryTasks[0]); comp != nil {
			selected := make(map[string]bool, len(comp))
			for _, id := range comp {
				selected[id] = true
			}
			res.SelectedNodes = selected
		}
	}

	for _, id := range entryTasks {
		if !res.SelectedNodes[id] && len(res.Components) > 0 {
			res.Warnings = append(res.Warnings, fmt.Sprintf("entry task %s is outside the scheduled component", id))
		}
	}

	return res, nil
}

func componentContaining(components [][]string, taskID string) []string {
	for _, comp := range components {
		for _, id := range comp {
			if id == taskID {
				return comp
			}
		}
	}
	return nil
}
