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

// Package httpapi is spec.md §6's external interface: every route the
// orchestrator exposes to services, workers, and operators, wired the
// way continuumworker's server.go wires its own status endpoints.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pipeweave/internal/dispatcher"
	"pipeweave/internal/dlq"
	"pipeweave/internal/executor"
	"pipeweave/internal/heartbeat"
	"pipeweave/internal/maintenance"
	"pipeweave/internal/pipeline"
	"pipeweave/internal/queue"
	"pipeweave/internal/registry"
	"pipeweave/internal/store"
)

// Server holds every component a handler might need, mirroring
// APIServer's role in continuumworker's server.go.
type Server struct {
	store       *store.Store
	registry    *registry.Registry
	pipelines   *pipeline.Registry
	queue       *queue.Manager
	heartbeat   *heartbeat.Monitor
	dlq         *dlq.Queue
	maintenance *maintenance.Manager
	executor    *executor.Executor
	dispatcher  *dispatcher.Dispatcher
}

func New(st *store.Store, reg *registry.Registry, pipes *pipeline.Registry, q *queue.Manager,
	hb *heartbeat.Monitor, dq *dlq.Queue, mm *maintenance.Manager, ex *executor.Executor,
	disp *dispatcher.Dispatcher) *Server {
	return &Server{
		store:       st,
		registry:    reg,
		pipelines:   pipes,
		queue:       q,
		heartbeat:   hb,
		dlq:         dq,
		maintenance: mm,
		executor:    ex,
		dispatcher:  disp,
	}
}

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/register", s.handleRegister)
	mux.HandleFunc("GET /api/services", s.handleListServices)

	mux.HandleFunc("POST /api/pipelines", s.handleUpsertPipeline)
	mux.HandleFunc("GET /api/pipelines", s.handleListPipelines)
	mux.HandleFunc("GET /api/pipelines/{id}", s.handleGetPipeline)
	mux.HandleFunc("POST /api/pipelines/{id}/trigger", s.handleTriggerPipeline)
	mux.HandleFunc("POST /api/pipelines/{id}/dry-run", s.handleDryRun)

	mux.HandleFunc("GET /api/pipeline-runs", s.handleListPipelineRuns)
	mux.HandleFunc("GET /api/pipeline-runs/{id}", s.handleGetPipelineRun)

	mux.HandleFunc("POST /api/callback/{runId}", s.handleCallback)
	mux.HandleFunc("POST /api/heartbeat", s.handleHeartbeat)

	mux.HandleFunc("POST /api/tick", s.handleTick)
	mux.HandleFunc("GET /api/queue/status", s.handleQueueStatus)

	mux.HandleFunc("GET /api/dlq", s.handleListDLQ)
	mux.HandleFunc("GET /api/dlq/{id}", s.handleGetDLQ)
	mux.HandleFunc("POST /api/dlq/{id}/retry", s.handleRetryDLQ)
	mux.HandleFunc("POST /api/dlq/purge", s.handlePurgeDLQ)

	mux.HandleFunc("GET /api/maintenance", s.handleGetMaintenance)
	mux.HandleFunc("POST /api/maintenance/request", s.handleRequestMaintenance)
	mux.HandleFunc("POST /api/maintenance/enter", s.handleEnterMaintenance)
	mux.HandleFunc("POST /api/maintenance/exit", s.handleExitMaintenance)

	return mux
}

// Run starts the HTTP server and blocks until ctx is cancelled, then
// drains in-flight requests the way continuumworker's StartAPIServer
// does for its own worker process.
func (s *Server) Run(ctx context.Context, port string) error {
	handler := otelhttp.NewHandler(s.mux(), "pipeweave-api")
	httpServer := &http.Server{
		Addr:    ":" + port,
		Handler: handler,
	}

	serverErr := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stdout, "pipeweave API listening on :%s\n", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server startup failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	}
}
