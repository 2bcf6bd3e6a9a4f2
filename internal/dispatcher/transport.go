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

package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pipeweave/internal/model"
)

// DispatchInput is the wire shape dispatched to a worker, spec.md §6:
// "Task dispatch (core → worker)".
type DispatchInput struct {
	RunID            string                     `json:"runId"`
	TaskID           string                     `json:"taskId"`
	CodeVersion      int                        `json:"codeVersion"`
	CodeHash         string                     `json:"codeHash"`
	InputPath        string                     `json:"inputPath"`
	UpstreamRefs     map[string]model.TaskRef   `json:"upstreamRefs,omitempty"`
	StorageToken     string                     `json:"storageToken"`
	Attempt          int                        `json:"attempt"`
	PreviousAttempts []model.AttemptRecord      `json:"previousAttempts,omitempty"`
	Metadata         map[string]any             `json:"metadata,omitempty"`
}

// Transport is the out-of-scope worker collaborator spec.md §1 assumes:
// "HTTP with a signed credential token carrying blob-store coordinates".
// A narrow interface keeps the dispatcher testable without a real HTTP
// round trip.
type Transport interface {
	Dispatch(ctx context.Context, baseURL string, in DispatchInput) error
}

// HTTPTransport is the only real implementation: POST the dispatch
// payload to the owning service's baseURL, instrumented the way the
// teacher wraps its own HTTP surface with otelhttp.
type HTTPTransport struct {
	client *http.Client
}

func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (t *HTTPTransport) Dispatch(ctx context.Context, baseURL string, in DispatchInput) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding dispatch payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/tasks/dispatch", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatching to %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("worker %s rejected dispatch: status %d", baseURL, resp.StatusCode)
	}
	return nil
}
