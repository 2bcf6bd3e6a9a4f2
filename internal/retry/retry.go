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

// Package retry is spec.md §4.6: deciding whether a failed task run
// gets another attempt, and if so, how long to wait.
package retry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"pipeweave/internal/model"
	"pipeweave/internal/store"
)

type Manager struct {
	db *sql.DB
}

func New(db *sql.DB) *Manager {
	return &Manager{db: db}
}

type ScheduleInput struct {
	RunID           string
	Attempt         int
	MaxRetries      int
	RetryBackoff    model.RetryBackoff
	RetryDelayMs    int
	MaxRetryDelayMs int
	Error           string
	ErrorCode       string
}

// ComputeDelay implements spec.md §4.6's backoff formula. Exported
// standalone so the scheduling math is unit-testable without a
// database.
func ComputeDelay(backoff model.RetryBackoff, attempt, retryDelayMs, maxRetryDelayMs int) time.Duration {
	if backoff == model.BackoffExponential {
		delay := float64(retryDelayMs) * math.Pow(2, float64(attempt-1))
		if maxRetryDelayMs > 0 && delay > float64(maxRetryDelayMs) {
			delay = float64(maxRetryDelayMs)
		}
		return time.Duration(delay) * time.Millisecond
	}
	return time.Duration(retryDelayMs) * time.Millisecond
}

// ScheduleRetry returns (false, nil) when attempts are exhausted — the
// caller (dispatcher or callback handler) must then hand the run to
// the DLQ. On success it atomically bumps attempt, clears error
// fields, appends to previous_attempts, and NOTIFYs the dispatcher when
// the transaction commits. A retry with a non-zero delay is not yet due
// at that moment, so it is claimed by the first tick after its
// scheduled_for passes.
func (m *Manager) ScheduleRetry(ctx context.Context, in ScheduleInput) (bool, error) {
	if in.Attempt >= in.MaxRetries+1 {
		return false, nil
	}

	delay := ComputeDelay(in.RetryBackoff, in.Attempt, in.RetryDelayMs, in.MaxRetryDelayMs)
	scheduledFor := time.Now().Add(delay)

	record := model.AttemptRecord{
		Attempt:   in.Attempt,
		Error:     in.Error,
		ErrorCode: in.ErrorCode,
		Timestamp: time.Now(),
	}

	err := store.Transaction(ctx, m.db, func(tx *sql.Tx) error {
		var existing []byte
		if err := tx.QueryRowContext(ctx, `SELECT previous_attempts FROM task_runs WHERE id = $1 FOR UPDATE`, in.RunID).Scan(&existing); err != nil {
			return fmt.Errorf("reading previous attempts: %w", err)
		}
		var attempts []model.AttemptRecord
		if len(existing) > 0 {
			if err := json.Unmarshal(existing, &attempts); err != nil {
				return fmt.Errorf("decoding previous attempts: %w", err)
			}
		}
		attempts = append(attempts, record)
		encoded, err := json.Marshal(attempts)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE task_runs SET
				status = 'pending',
				attempt = attempt + 1,
				scheduled_for = $1,
				error = NULL,
				error_code = NULL,
				previous_attempts = $2
			WHERE id = $3
		`, scheduledFor, encoded, in.RunID)
		if err != nil {
			return fmt.Errorf("updating task run for retry: %w", err)
		}

		return store.Notify(ctx, tx)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}
