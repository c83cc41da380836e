// Package dag builds a level-partitioned execution plan from a task list:
// cycle detection, deployment-ordering rules, and parallel groups.
package dag

import (
	"context"
	"fmt"
	"sort"

	"github.com/swarmguard/cuenv/internal/cerr"
	"github.com/swarmguard/cuenv/internal/observability/otelinit"
	"github.com/swarmguard/cuenv/internal/task"
)

// Node wraps a Task with scheduler-assigned metadata.
type Node struct {
	Task     task.Task
	Level    int
	Digest   string
	children []string
}

// Graph is a validated, leveled task dependency graph.
type Graph struct {
	nodes map[string]*Node
	order []string // manifest insertion order, for stable tie-breaks
}

// Build validates tasks and constructs a Graph, or returns a *cerr.Error of
// Kind Graph/Validation describing the first violation found.
func Build(ctx context.Context, tasks []task.Task, runtimes map[string]task.Runtime) (*Graph, error) {
	_, end := otelinit.WithSpan(ctx, "dag.Build")
	defer end()

	g := &Graph{nodes: make(map[string]*Node, len(tasks))}

	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if seen[t.ID] {
			return nil, cerr.Validation("dag.Build", fmt.Errorf("duplicate task id %q", t.ID))
		}
		seen[t.ID] = true
		if len(t.Command) == 0 {
			return nil, &cerr.Error{Kind: cerr.KindValidation, Op: "dag.Build", TaskID: t.ID, Err: fmt.Errorf("empty command")}
		}
		if t.Deployment && t.CachePolicy != task.CacheDisabled {
			return nil, cerr.Graph("dag.Build", t.ID, "", nil, fmt.Errorf("deployment task must have cache_policy disabled"))
		}
		if t.Runtime != "" {
			if _, ok := runtimes[t.Runtime]; !ok {
				return nil, cerr.Graph("dag.Build", t.ID, "", nil, fmt.Errorf("missing runtime %q", t.Runtime))
			}
		}
		g.nodes[t.ID] = &Node{Task: t}
		g.order = append(g.order, t.ID)
	}

	for _, id := range g.order {
		n := g.nodes[id]
		for _, dep := range n.Task.DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				return nil, cerr.Graph("dag.Build", id, dep, nil, fmt.Errorf("missing dependency"))
			}
			g.nodes[dep].children = append(g.nodes[dep].children, id)
		}
	}

	if cyclePath := g.findCycle(); cyclePath != nil {
		return nil, cerr.Graph("dag.Build", "", "", cyclePath, fmt.Errorf("cyclic dependency"))
	}

	if err := g.validateDeploymentEdges(); err != nil {
		return nil, err
	}

	g.assignLevels()

	return g, nil
}

// colors for the DFS cycle check.
const (
	white = 0
	gray  = 1
	black = 2
)

func (g *Graph) findCycle() []string {
	color := make(map[string]int, len(g.nodes))
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		path = append(path, id)
		for _, dep := range g.nodes[id].Task.DependsOn {
			switch color[dep] {
			case gray:
				// found the back edge; return the cycle slice starting at dep
				for i, p := range path {
					if p == dep {
						cyc := append([]string{}, path[i:]...)
						return append(cyc, dep)
					}
				}
				return []string{dep, id}
			case white:
				if cyc := visit(dep); cyc != nil {
					return cyc
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	for _, id := range g.order {
		if color[id] == white {
			if cyc := visit(id); cyc != nil {
				return cyc
			}
		}
	}
	return nil
}

// validateDeploymentEdges rejects any non-deployment task that directly
// depends on a deployment task.
func (g *Graph) validateDeploymentEdges() error {
	for _, id := range g.order {
		n := g.nodes[id]
		for _, dep := range n.Task.DependsOn {
			depNode := g.nodes[dep]
			if depNode.Task.Deployment && !n.Task.Deployment {
				return cerr.Graph("dag.Build", id, dep, nil,
					fmt.Errorf("non-deployment task %q may not depend on deployment task %q", id, dep))
			}
		}
	}
	return nil
}

// assignLevels computes level(n) = 1 + max(level(predecessor)), roots at
// level 0, using the topological order already implied by findCycle having
// passed.
func (g *Graph) assignLevels() {
	levelOf := make(map[string]int, len(g.nodes))
	var compute func(id string) int
	compute = func(id string) int {
		if lvl, ok := levelOf[id]; ok {
			return lvl
		}
		n := g.nodes[id]
		if len(n.Task.DependsOn) == 0 {
			levelOf[id] = 0
			return 0
		}
		max := -1
		for _, dep := range n.Task.DependsOn {
			if l := compute(dep); l > max {
				max = l
			}
		}
		levelOf[id] = max + 1
		return max + 1
	}
	for _, id := range g.order {
		g.nodes[id].Level = compute(id)
	}
}

// ParallelGroups returns tasks grouped by level, in level order; within a
// level, tasks are ordered by manifest insertion order.
func (g *Graph) ParallelGroups() [][]string {
	maxLevel := 0
	for _, id := range g.order {
		if g.nodes[id].Level > maxLevel {
			maxLevel = g.nodes[id].Level
		}
	}
	groups := make([][]string, maxLevel+1)
	for _, id := range g.order {
		lvl := g.nodes[id].Level
		groups[lvl] = append(groups[lvl], id)
	}
	return groups
}

// PropagateDeploymentCachePolicy forces cache_policy=Disabled on every
// transitive descendant of every deployment task, returning the sorted,
// deduplicated list of task ids whose policy was changed. Must run before
// ComputeDigests.
func (g *Graph) PropagateDeploymentCachePolicy() []string {
	changed := make(map[string]bool)
	for _, id := range g.order {
		if !g.nodes[id].Task.Deployment {
			continue
		}
		visited := make(map[string]bool)
		var dfs func(cur string)
		dfs = func(cur string) {
			for _, child := range g.nodes[cur].children {
				if visited[child] {
					continue
				}
				visited[child] = true
				n := g.nodes[child]
				if n.Task.CachePolicy != task.CacheDisabled {
					n.Task.CachePolicy = task.CacheDisabled
					changed[child] = true
				}
				dfs(child)
			}
		}
		dfs(id)
	}
	out := make([]string, 0, len(changed))
	for id := range changed {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// DependsOnDeployment reports whether id is reachable from any deployment
// task (i.e. id is a descendant of a deployment task).
func (g *Graph) DependsOnDeployment(id string) bool {
	for _, depID := range g.order {
		if !g.nodes[depID].Task.Deployment {
			continue
		}
		if depID == id {
			continue
		}
		if g.reachableFrom(depID, id) {
			return true
		}
	}
	return false
}

func (g *Graph) reachableFrom(from, to string) bool {
	visited := make(map[string]bool)
	var dfs func(cur string) bool
	dfs = func(cur string) bool {
		if cur == to {
			return true
		}
		visited[cur] = true
		for _, child := range g.nodes[cur].children {
			if visited[child] {
				continue
			}
			if dfs(child) {
				return true
			}
		}
		return false
	}
	return dfs(from)
}

// Node returns the node for id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// IDs returns every task id in manifest insertion order.
func (g *Graph) IDs() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}
