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
	"testing"

	"pipeweave/internal/model"
)

func linearNodes() map[string]Node {
	return map[string]Node{
		"A": {TaskID: "A", AllowedNext: []string{"B"}},
		"B": {TaskID: "B", AllowedNext: []string{"C"}},
		"C": {TaskID: "C"},
	}
}

func diamondNodes() map[string]Node {
	return map[string]Node{
		"A": {TaskID: "A", AllowedNext: []string{"B", "C"}},
		"B": {TaskID: "B", AllowedNext: []string{"D"}},
		"C": {TaskID: "C", AllowedNext: []string{"D"}},
		"D": {TaskID: "D"},
	}
}

func TestValidate_Linear(t *testing.T) {
	res := Validate([]string{"A", "B", "C"}, linearNodes())
	if !res.OK() {
		t.Fatalf("expected valid pipeline, got errors: %v", res.Errors)
	}
	if len(res.EntryNodes) != 1 || res.EntryNodes[0] != "A" {
		t.Errorf("EntryNodes = %v, want [A]", res.EntryNodes)
	}
	if len(res.EndNodes) != 1 || res.EndNodes[0] != "C" {
		t.Errorf("EndNodes = %v, want [C]", res.EndNodes)
	}
}

func TestValidate_DetectsCycle(t *testing.T) {
	nodes := map[string]Node{
		"A": {TaskID: "A", AllowedNext: []string{"B"}},
		"B": {TaskID: "B", AllowedNext: []string{"C"}},
		"C": {TaskID: "C", AllowedNext: []string{"A"}},
	}
	res := Validate([]string{"A", "B", "C"}, nodes)
	if res.OK() {
		t.Fatal("expected cycle to be reported as an error")
	}
	if len(res.Cycles) != 1 {
		t.Fatalf("Cycles = %v, want exactly one cycle", res.Cycles)
	}
}

func TestValidate_UnknownAllowedNext(t *testing.T) {
	nodes := map[string]Node{
		"A": {TaskID: "A", AllowedNext: []string{"ghost"}},
	}
	res := Validate([]string{"A"}, nodes)
	if res.OK() {
		t.Fatal("expected unknown allowedNext reference to be an error")
	}
}

func TestValidate_DisconnectedComponentsWarnButDoNotFail(t *testing.T) {
	nodes := map[string]Node{
		"A": {TaskID: "A", AllowedNext: []string{"B"}},
		"B": {TaskID: "B"},
		"X": {TaskID: "X", AllowedNext: []string{"Y"}},
		"Y": {TaskID: "Y"},
	}
	res := Validate([]string{"A", "B", "X", "Y"}, nodes)
	if !res.OK() {
		t.Fatalf("disconnected components should not be fatal, got errors: %v", res.Errors)
	}
	if len(res.Components) != 2 {
		t.Fatalf("Components = %v, want 2 components", res.Components)
	}
	if len(res.Warnings) == 0 {
		t.Error("expected a warning about disconnected components")
	}
}

func TestValidate_NoEntryNodesIsFatal(t *testing.T) {
	nodes := map[string]Node{
		"A": {TaskID: "A", AllowedNext: []string{"B"}},
		"B": {TaskID: "B", AllowedNext: []string{"A"}},
	}
	res := Validate([]string{"A", "B"}, nodes)
	if res.OK() {
		t.Fatal("a 2-cycle has no entry nodes and must be rejected")
	}
}

func TestTopologicalSort_Linear(t *testing.T) {
	g := Build(linearNodes())
	levels, err := g.TopologicalSort([]string{"A"})
	if err != nil {
		t.Fatalf("TopologicalSort() error = %v", err)
	}
	if len(levels) != 3 {
		t.Fatalf("got %d levels, want 3", len(levels))
	}
	if levels[0].Type != model.LevelEntry {
		t.Errorf("level 0 type = %s, want entry", levels[0].Type)
	}
	if levels[2].Type != model.LevelEnd {
		t.Errorf("level 2 type = %s, want end", levels[2].Type)
	}
}

func TestTopologicalSort_DiamondHasJoinLevel(t *testing.T) {
	g := Build(diamondNodes())
	levels, err := g.TopologicalSort([]string{"A"})
	if err != nil {
		t.Fatalf("TopologicalSort() error = %v", err)
	}
	if len(levels) != 3 {
		t.Fatalf("got %d levels, want 3 (entry, parallel, join)", len(levels))
	}
	if levels[2].Type != model.LevelJoin {
		t.Errorf("final level type = %s, want join", levels[2].Type)
	}
	if len(levels[2].WaitsFor["D"]) != 2 {
		t.Errorf("WaitsFor[D] = %v, want 2 predecessors", levels[2].WaitsFor["D"])
	}
}

func TestIsReadyToRun_Join(t *testing.T) {
	g := Build(diamondNodes())
	if g.IsReadyToRun("D", map[string]bool{"B": true}) {
		t.Error("D should not be ready with only B completed")
	}
	if !g.IsReadyToRun("D", map[string]bool{"B": true, "C": true}) {
		t.Error("D should be ready once both B and C are completed")
	}
}

func TestGetDownstreamTasks(t *testing.T) {
	g := Build(diamondNodes())
	down := g.GetDownstreamTasks("A")
	want := map[string]bool{"B": true, "C": true, "D": true}
	if len(down) != len(want) {
		t.Fatalf("GetDownstreamTasks(A) = %v, want %v", down, want)
	}
	for _, id := range down {
		if !want[id] {
			t.Errorf("unexpected downstream task %s", id)
		}
	}
}
