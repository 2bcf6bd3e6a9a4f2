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

// Package apperr is the small error taxonomy the HTTP edge maps to
// status codes. Components return these wrapped with context; the edge
// never has to pattern-match on strings.
package apperr

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation failed")
	ErrConflict     = errors.New("conflict")
	ErrMaintenance  = errors.New("maintenance mode denies admission")
	ErrUnauthorized = errors.New("unauthorized")
)

// Is reports whether err (or something it wraps) is one of the sentinels
// above. Thin wrapper kept for call-site readability next to errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
