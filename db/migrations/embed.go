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

// Package migrations embeds the SQL schema so an external migration
// runner can apply it. The core intentionally never executes these
// files itself (spec.md §1, §9 note 5): "ensure schema up to date" is a
// recovery tool bundled with admin tooling, not something the
// orchestrator process does on every boot.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
