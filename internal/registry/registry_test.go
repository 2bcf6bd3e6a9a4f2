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

package registry

import (
	"testing"

	"pipeweave/internal/model"
)

func sampleTask() TaskInput {
	return TaskInput{
		ID:                  "extract",
		AllowedNext:         []string{"transform", "load"},
		TimeoutSec:          30,
		MaxRetries:          3,
		RetryBackoff:        model.BackoffExponential,
		RetryDelayMs:        1000,
		MaxRetryDelayMs:     60000,
		HeartbeatIntervalMs: 5000,
		Concurrency:         2,
		Priority:            10,
	}
}

func TestCanonicalHash_StableForIdenticalInput(t *testing.T) {
	a, err := CanonicalHash(sampleTask())
	if err != nil {
		t.Fatalf("CanonicalHash() error = %v", err)
	}
	b, err := CanonicalHash(sampleTask())
	if err != nil {
		t.Fatalf("CanonicalHash() error = %v", err)
	}
	if a != b {
		t.Errorf("CanonicalHash() not stable: %q != %q", a, b)
	}
	if len(a) != 16 {
		t.Errorf("CanonicalHash() length = %d, want 16", len(a))
	}
}

func TestCanonicalHash_OrderIndependentOverAllowedNext(t *testing.T) {
	reordered := sampleTask()
	reordered.AllowedNext = []string{"load", "transform"}

	a, err := CanonicalHash(sampleTask())
	if err != nil {
		t.Fatalf("CanonicalHash() error = %v", err)
	}
	b, err := CanonicalHash(reordered)
	if err != nil {
		t.Fatalf("CanonicalHash() error = %v", err)
	}
	if a != b {
		t.Errorf("CanonicalHash() depends on AllowedNext order: %q != %q", a, b)
	}
}

func TestCanonicalHash_ChangesWithConfig(t *testing.T) {
	base, err := CanonicalHash(sampleTask())
	if err != nil {
		t.Fatalf("CanonicalHash() error = %v", err)
	}

	changed := sampleTask()
	changed.MaxRetries = 5
	other, err := CanonicalHash(changed)
	if err != nil {
		t.Fatalf("CanonicalHash() error = %v", err)
	}

	if base == other {
		t.Errorf("CanonicalHash() did not change when MaxRetries changed")
	}
}
