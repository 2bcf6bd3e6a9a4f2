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

// Package graph is spec.md §4.3: cycle/disconnection detection over a
// pipeline's task nodes and the topological planner the dry-run
// endpoint and PipelineExecutor both use.
//
// Cyclic references here are structural, not memory — the graph is a
// map of task ID to its declared successors plus a derived reverse
// map. All traversal is by ID lookup.
package graph

import (
	"fmt"
	"sort"

	"pipeweave/internal/model"
)

// Node is the minimal shape the validator needs per task: its
// declared successors. ServiceID is carried through for diagnostics.
type Node struct {
	TaskID      string
	ServiceID   string
	AllowedNext []string
}

const maxDepthWarningThreshold = 20

// Graph holds forward and reverse adjacency over a fixed node set. It
// owns no database handle; PipelineValidator builds one from loaded
// Nodes.
type Graph struct {
	nodes   map[string]Node
	reverse map[string][]string // taskID -> predecessors
}

// Build computes the reverse adjacency once, as spec.md §4.3 specifies.
func Build(nodes map[string]Node) *Graph {
	reverse := make(map[string][]string, len(nodes))
	for id := range nodes {
		reverse[id] = nil
	}
	for id, n := range nodes {
		for _, next := range n.AllowedNext {
			reverse[next] = append(reverse[next], id)
		}
	}
	return &Graph{nodes: nodes, reverse: reverse}
}

// Predecessors returns the direct predecessors of taskID, in the order
// they were encountered while building the graph.
func (g *Graph) Predecessors(taskID string) []string {
	return g.reverse[taskID]
}

// Successors returns the direct successors declared by taskID.
func (g *Graph) Successors(taskID string) []string {
	if n, ok := g.nodes[taskID]; ok {
		return n.AllowedNext
	}
	return nil
}

// IsReadyToRun reports whether every predecessor of taskID is present
// in completed.
func (g *Graph) IsReadyToRun(taskID string, completed map[string]bool) bool {
	for _, pred := range g.reverse[taskID] {
		if !completed[pred] {
			return false
		}
	}
	return true
}

// GetDownstreamTasks is the transitive closure of successors.
func (g *Graph) GetDownstreamTasks(taskID string) []string {
	return g.closure(taskID, g.Successors)
}

// GetUpstreamTasks is the transitive closure of predecessors.
func (g *Graph) GetUpstreamTasks(taskID string) []string {
	return g.closure(taskID, func(id string) []string { return g.reverse[id] })
}

func (g *Graph) closure(start string, edges func(string) []string) []string {
	seen := map[string]bool{start: true}
	queue := []string{start}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range edges(cur) {
			if !seen[next] {
				seen[next] = true
				out = append(out, next)
				queue = append(queue, next)
			}
		}
	}
	sort.Strings(out)
	return out
}

// TopologicalSort runs BFS from entry using in-degree counters and
// returns one GraphLevel per wave, typed per spec.md §4.3: "entry" at
// level 0, "join" if any task in the level has 2+ predecessors, "end"
// if any task in the level has no successors and there is no further
// level, else "parallel".
func (g *Graph) TopologicalSort(entry []string) ([]model.GraphLevel, error) {
	inDegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		inDegree[id] = len(g.reverse[id])
	}

	visited := make(map[string]bool, len(g.nodes))
	var levels []model.GraphLevel

	current := append([]string(nil), entry...)
	sort.Strings(current)
	level := 0

	for len(current) > 0 {
		var frontier []string
		waitsFor := map[string][]string{}
		isJoin := false
		for _, id := range current {
			if visited[id] {
				continue
			}
			visited[id] = true
			frontier = append(frontier, id)
			if preds := g.reverse[id]; len(preds) >= 2 {
				isJoin = true
				waitsFor[id] = preds
			}
		}
		if len(frontier) == 0 {
			break
		}

		var next []string
		nextSeen := map[string]bool{}
		hasEnd := false
		for _, id := range frontier {
			succs := g.Successors(id)
			if len(succs) == 0 {
				hasEnd = true
			}
			for _, s := range succs {
				inDegree[s]--
				if inDegree[s] <= 0 && !visited[s] && !nextSeen[s] {
					nextSeen[s] = true
					next = append(next, s)
				}
			}
		}
		sort.Strings(next)

		lvlType := model.LevelParallel
		switch {
		case level == 0:
			lvlType = model.LevelEntry
		case isJoin:
			lvlType = model.LevelJoin
		case hasEnd && len(next) == 0:
			lvlType = model.LevelEnd
		}

		gl := model.GraphLevel{Level: level, Tasks: frontier, Type: lvlType}
		if len(waitsFor) > 0 {
			gl.WaitsFor = waitsFor
		}
		levels = append(levels, gl)

		current = next
		level++
	}

	return levels, nil
}

// Validate (below) implements spec.md §4.3's validation pass. It is
// handed a pre-loaded node set rather than a store handle so it stays
// pure and trivially testable; PipelineValidator (the HTTP-facing
// wrapper) is the thing that loads nodes from the registry.
type Result struct {
	Errors        []string
	Warnings      []string
	Cycles        [][]string
	EntryNodes    []string
	EndNodes      []string
	MaxDepth      int
	Components    [][]string
	SelectedNodes map[string]bool // the component actually scheduled
}

func (r *Result) OK() bool { return len(r.Errors) == 0 }

// Validate checks the requested node set against spec.md §4.3's rules:
// missing tasks, unknown allowedNext references, cycles, disconnected
// components, empty entry set, and max-depth.
func Validate(requested []string, nodes map[string]Node) *Result {
	res := &Result{}

	present := make(map[string]bool, len(nodes))
	for id := range nodes {
		present[id] = true
	}
	for _, id := range requested {
		if !present[id] {
			res.Errors = append(res.Errors, fmt.Sprintf("task not found: %s", id))
		}
	}

	for id, n := range nodes {
		for _, next := range n.AllowedNext {
			if !present[next] {
				res.Errors = append(res.Errors, fmt.Sprintf("task %s references unknown allowedNext task %s", id, next))
			}
		}
	}

	if cycles := findCycles(nodes); len(cycles) > 0 {
		res.Cycles = cycles
		for _, c := range cycles {
			res.Errors = append(res.Errors, fmt.Sprintf("cycle detected: %s", joinArrow(c)))
		}
	}

	components := connectedComponents(nodes)
	res.Components = components
	if len(components) > 1 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("pipeline has %d disconnected components; only the first is executed", len(components)))
	}

	g := Build(nodes)
	var entryNodes, endNodes []string
	for id := range nodes {
		if len(g.reverse[id]) == 0 {
			entryNodes = append(entryNodes, id)
		}
		if len(g.Successors(id)) == 0 {
			endNodes = append(endNodes, id)
		}
	}
	sort.Strings(entryNodes)
	sort.Strings(endNodes)
	res.EntryNodes = entryNodes
	res.EndNodes = endNodes

	if len(entryNodes) == 0 {
		res.Errors = append(res.Errors, "pipeline has no entry tasks (no task without predecessors)")
	} else if len(res.Cycles) == 0 {
		levels, _ := g.TopologicalSort(entryNodes)
		res.MaxDepth = len(levels)
		if res.MaxDepth > maxDepthWarningThreshold {
			res.Warnings = append(res.Warnings, fmt.Sprintf("pipeline depth %d exceeds recommended maximum %d", res.MaxDepth, maxDepthWarningThreshold))
		}
	}

	if len(components) > 0 {
		first := components[0]
		res.SelectedNodes = make(map[string]bool, len(first))
		for _, id := range first {
			res.SelectedNodes[id] = true
		}
	}

	return res
}

// findCycles runs DFS with a recursion stack (white/gray/black coloring)
// and returns each distinct cycle once as the ordered list of task IDs
// on it, closing back to the start.
func findCycles(nodes map[string]Node) [][]string {
	const white, gray, black = 0, 1, 2
	color := make(map[string]int, len(nodes))
	var stack []string
	var cycles [][]string
	seenCycle := map[string]bool{}

	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		stack = append(stack, id)

		succs := append([]string(nil), nodes[id].AllowedNext...)
		sort.Strings(succs)
		for _, next := range succs {
			if _, ok := nodes[next]; !ok {
				continue // unknown ref already reported separately
			}
			switch color[next] {
			case white:
				visit(next)
			case gray:
				cycle := cycleFrom(stack, next)
				key := joinArrow(cycle)
				if !seenCycle[key] {
					seenCycle[key] = true
					cycles = append(cycles, cycle)
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
	}

	for _, id := range ids {
		if color[id] == white {
			visit(id)
		}
	}
	return cycles
}

func cycleFrom(stack []string, start string) []string {
	for i, id := range stack {
		if id == start {
			cycle := append([]string(nil), stack[i:]...)
			return append(cycle, start)
		}
	}
	return []string{start, start}
}

func joinArrow(ids []string) string {
	out := ids[0]
	for _, id := range ids[1:] {
		out += " -> " + id
	}
	return out
}

// connectedComponents treats edges as undirected and returns each
// component as a sorted task ID list, components themselves sorted by
// their first element for determinism.
func connectedComponents(nodes map[string]Node) [][]string {
	undirected := make(map[string][]string, len(nodes))
	for id, n := range nodes {
		for _, next := range n.AllowedNext {
			if _, ok := nodes[next]; !ok {
				continue
			}
			undirected[id] = append(undirected[id], next)
			undirected[next] = append(undirected[next], id)
		}
	}

	visited := make(map[string]bool, len(nodes))
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var components [][]string
	for _, start := range ids {
		if visited[start] {
			continue
		}
		var comp []string
		queue := []string{start}
		visited[start] = true
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			comp = append(comp, cur)
			for _, n := range undirected[cur] {
				if !visited[n] {
					visited[n] = true
					queue = append(queue, n)
				}
			}
		}
		sort.Strings(comp)
		components = append(components, comp)
	}
	return components
}
