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

// Package store is the thin transactional facade spec.md §4.1 describes:
// single-row get, multi-row get, exec, and a Transaction operator whose
// failure rolls back atomically. It relies on Postgres read-committed
// isolation and, where it matters (QueueManager's claim query), on
// "FOR UPDATE SKIP LOCKED" rather than in-process locks — the core must
// stay safe with many goroutines in one process; clustering across
// processes is explicitly out of scope.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// TaskRunsChannel is the Postgres NOTIFY channel the dispatcher LISTENs
// on, mirroring continuumworker's "tasks_updated" channel. QueueManager
// and RetryManager NOTIFY it whenever a row becomes newly eligible.
const TaskRunsChannel = "pipeweave_task_runs"

type Store struct {
	db *sql.DB
}

// Open connects to Postgres and verifies the connection with a bounded
// ping, the way a long-lived service should rather than deferring the
// failure to the first query.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the pool for components that run their own SQL — most of
// them, per the teacher's style of each package owning its own queries
// against a shared *sql.DB rather than routing through a repository
// interface.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Transaction runs fn inside a transaction on db, committing on nil
// error and rolling back otherwise. Registration, enqueue, pipeline
// trigger, and retry scheduling all use this to satisfy spec.md's "no
// partial state on failure" requirement (§4.2, §4.4, §7, Open
// Question 6). It takes db rather than being a Store method because
// those four callers each own their package's *sql.DB directly
// instead of a *Store, the way the teacher has each package query its
// own handle rather than route through a shared repository.
func Transaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Notify fires a Postgres NOTIFY on TaskRunsChannel from inside an
// already-open transaction, so the dispatcher's LISTEN only wakes once
// the enqueuing transaction actually commits.
func Notify(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, "NOTIFY "+TaskRunsChannel)
	if err != nil {
		return fmt.Errorf("notifying %s: %w", TaskRunsChannel, err)
	}
	return nil
}

// Ping is used by the health handler.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
