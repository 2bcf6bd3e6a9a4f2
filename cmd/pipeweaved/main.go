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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lib/pq"

	"pipeweave/internal/config"
	"pipeweave/internal/dispatcher"
	"pipeweave/internal/dlq"
	"pipeweave/internal/executor"
	"pipeweave/internal/heartbeat"
	"pipeweave/internal/httpapi"
	"pipeweave/internal/idempotency"
	"pipeweave/internal/logging"
	"pipeweave/internal/maintenance"
	"pipeweave/internal/pipeline"
	"pipeweave/internal/queue"
	"pipeweave/internal/registry"
	"pipeweave/internal/retry"
	"pipeweave/internal/store"
	"pipeweave/internal/token"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("loading configuration: %v", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := logging.SetupOTelSDK(ctx, logging.Options{
		Exporter: cfg.OTelExporter,
		Endpoint: cfg.OTelEndpoint,
	})
	if err != nil {
		panic(fmt.Sprintf("setting up OTel SDK: %v", err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "OTel shutdown error: %v\n", err)
		}
	}()

	s, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		panic(fmt.Sprintf("opening store: %v", err))
	}
	defer s.Close()

	db := s.DB()
	reg := registry.New(db)
	pipes := pipeline.New(db)
	idem := idempotency.New(db)
	q := queue.New(db, idem)
	mm := maintenance.New(db, q)
	q.SetMaintenance(mm)
	ex := executor.New(db, pipes, reg, q)
	rm := retry.New(db)
	dq := dlq.New(db)
	signer := token.NewSigner(cfg.SecretKey)
	transport := dispatcher.NewHTTPTransport(30 * time.Second)

	// heartbeat.New requires its timeout handler up front, but that
	// handler needs the dispatcher it will be armed by. disp is
	// captured by reference and assigned once constructed below.
	var disp *dispatcher.Dispatcher
	hb := heartbeat.New(db, func(ctx context.Context, runID, taskID string) {
		disp.HandleTimeout(ctx, runID, taskID)
	})
	disp = dispatcher.New(reg, q, hb, rm, dq, mm, ex, signer, transport, dispatcher.Options{
		MaxConcurrency: cfg.MaxConcurrency,
	})

	recovered, err := hb.RecoverStaleRunning(ctx)
	if err != nil {
		logging.Log(fmt.Sprintf("recovering stale running runs: %v", err), slog.LevelError)
	} else if recovered > 0 {
		logging.Log(fmt.Sprintf("recovered %d stale running run(s) on startup", recovered), slog.LevelWarn)
	}

	server := httpapi.New(s, reg, pipes, q, hb, dq, mm, ex, disp)

	if cfg.Mode == config.ModeContinuous {
		go runDispatchLoop(ctx, cfg, disp)
	}

	logging.Log(fmt.Sprintf("pipeweave starting in %s mode on :%s", cfg.Mode, cfg.Port), slog.LevelInfo)
	if err := server.Run(ctx, cfg.Port); err != nil {
		logging.Log(fmt.Sprintf("http server exited: %v", err), slog.LevelError)
	}
}

// runDispatchLoop drives continuous mode: a fallback poll ticker plus an
// immediate wake on Postgres NOTIFY, mirroring continuumworker's own
// ticker+listener select loop in main.go.
func runDispatchLoop(ctx context.Context, cfg *config.Config, disp *dispatcher.Dispatcher) {
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logging.Log(fmt.Sprintf("listener error: %v", err), slog.LevelWarn)
		}
	}
	listener := pq.NewListener(cfg.DatabaseURL, 10*time.Second, time.Minute, reportProblem)
	if err := listener.Listen(store.TaskRunsChannel); err != nil {
		logging.Log(fmt.Sprintf("listening on %s: %v", store.TaskRunsChannel, err), slog.LevelError)
		return
	}
	defer listener.Close()

	ticker := time.NewTicker(time.Duration(cfg.PollIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	tick := func() {
		n, err := disp.Tick(ctx)
		if err != nil {
			logging.Log(fmt.Sprintf("dispatcher tick failed: %v", err), slog.LevelError)
			return
		}
		if n > 0 {
			logging.Log(fmt.Sprintf("dispatched %d run(s)", n), slog.LevelInfo)
		}
	}

	tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		case <-listener.Notify:
			tick()
		}
	}
}
