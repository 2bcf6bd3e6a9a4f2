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

// Package maintenance is spec.md §4.11: the singleton admission-control
// state machine. It is the other half of spec.md §9's "global mutable
// state" note — DB-backed, single-writer semantics enforced by
// transactional updates on the one-row maintenance_state table.
package maintenance

import (
	"context"
	"database/sql"
	"fmt"

	"pipeweave/internal/apperr"
	"pipeweave/internal/model"
)

// ActiveCounter reports how many task runs currently occupy the
// pending/running states. QueueManager satisfies this; maintenance
// depends only on the narrow interface so there is no import cycle
// with the package that calls into it.
type ActiveCounter interface {
	PendingAndRunningCount(ctx context.Context) (int, error)
}

type Manager struct {
	db      *sql.DB
	counter ActiveCounter
}

func New(db *sql.DB, counter ActiveCounter) *Manager {
	return &Manager{db: db, counter: counter}
}

func (m *Manager) Get(ctx context.Context) (*model.MaintenanceState, error) {
	var s model.MaintenanceState
	err := m.db.QueryRowContext(ctx, `SELECT mode, mode_changed_at FROM maintenance_state LIMIT 1`).
		Scan(&s.Mode, &s.ModeChangedAt)
	if err != nil {
		return nil, fmt.Errorf("reading maintenance state: %w", err)
	}
	return &s, nil
}

// RequestMaintenance moves straight to "maintenance" if nothing is
// in flight, else parks in "waiting_for_maintenance" until
// OnTaskStatusChange observes the queue has drained.
func (m *Manager) RequestMaintenance(ctx context.Context) (*model.MaintenanceState, error) {
	state, err := m.Get(ctx)
	if err != nil {
		return nil, err
	}
	if state.Mode != model.ModeRunning {
		return state, nil
	}

	active, err := m.counter.PendingAndRunningCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting active runs: %w", err)
	}

	target := model.ModeWaitingForMaintenance
	if active == 0 {
		target = model.ModeMaintenance
	}
	return m.setMode(ctx, target)
}

// EnterMaintenance is rejected unless the queue is already drained —
// callers that want to force a drain first should call
// RequestMaintenance instead.
func (m *Manager) EnterMaintenance(ctx context.Context) (*model.MaintenanceState, error) {
	active, err := m.counter.PendingAndRunningCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting active runs: %w", err)
	}
	if active > 0 {
		return nil, fmt.Errorf("%d task runs still pending or running: %w", active, apperr.ErrConflict)
	}
	return m.setMode(ctx, model.ModeMaintenance)
}

func (m *Manager) ExitMaintenance(ctx context.Context) (*model.MaintenanceState, error) {
	state, err := m.Get(ctx)
	if err != nil {
		return nil, err
	}
	if state.Mode == model.ModeRunning {
		return state, nil
	}
	return m.setMode(ctx, model.ModeRunning)
}

// OnTaskStatusChange is the event-driven hook QueueManager.markCompleted
// and markFailed call after every terminal transition. If the mode is
// waiting and the queue has now drained, it auto-transitions to
// maintenance.
func (m *Manager) OnTaskStatusChange(ctx context.Context) error {
	state, err := m.Get(ctx)
	if err != nil {
		return err
	}
	if state.Mode != model.ModeWaitingForMaintenance {
		return nil
	}
	active, err := m.counter.PendingAndRunningCount(ctx)
	if err != nil {
		return fmt.Errorf("counting active runs: %w", err)
	}
	if active == 0 {
		_, err := m.setMode(ctx, model.ModeMaintenance)
		return err
	}
	return nil
}

func (m *Manager) setMode(ctx context.Context, mode model.MaintenanceMode) (*model.MaintenanceState, error) {
	_, err := m.db.ExecContext(ctx, `UPDATE maintenance_state SET mode = $1, mode_changed_at = now()`, mode)
	if err != nil {
		return nil, fmt.Errorf("updating maintenance mode: %w", err)
	}
	return m.Get(ctx)
}
