// Package pipeline coordinates task execution: routing, generation,
// validation, refinement, escalation, and version commits, across a
// bounded worker pool with dependency ordering.
package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ShayCichocki/crucible/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the task graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// DependencyGraph represents a directed acyclic graph of task dependencies.
// Tasks are nodes, and edges represent "blocked by" relationships.
type DependencyGraph struct {
	mu sync.RWMutex
	// nodes maps task ID to the task itself.
	nodes map[string]*models.Task
	// edges maps task ID to IDs of tasks it depends on (is blocked by).
	edges map[string][]string
	// done tracks tasks that reached a terminal state, and whether they
	// were accepted.
	done map[string]bool
	// dispatched tracks tasks handed to a worker so they are not
	// scheduled twice.
	dispatched map[string]bool
}

// NewGraph creates a new empty dependency graph.
func NewGraph() *DependencyGraph {
	return &DependencyGraph{
		nodes:      make(map[string]*models.Task),
		edges:      make(map[string][]string),
		done:       make(map[string]bool),
		dispatched: make(map[string]bool),
	}
}

// Build constructs the dependency graph from a slice of tasks.
// Returns an error if a cycle is detected or dependencies reference unknown tasks.
func (g *DependencyGraph) Build(tasks []*models.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, task := range tasks {
		g.nodes[task.ID] = task
		g.edges[task.ID] = nil
		if task.Status.Terminal() {
			g.done[task.ID] = task.Status == models.TaskStatusAccepted
		}
	}

	for _, task := range tasks {
		for _, depID := range task.DependsOn {
			if _, exists := g.nodes[depID]; !exists {
				return fmt.Errorf("task %s depends on unknown task %s", task.ID, depID)
			}
			g.edges[task.ID] = append(g.edges[task.ID], depID)
		}
	}

	if g.hasCycleLocked() {
		return ErrCycleDetected
	}
	return nil
}

// hasCycleLocked detects back edges with depth-first coloring.
// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
func (g *DependencyGraph) hasCycleLocked() bool {
	colors := make(map[string]int, len(g.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1

		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}

		colors[id] = 2
		return false
	}

	for id := range g.nodes {
		if colors[id] == 0 && visit(id) {
			return true
		}
	}
	return false
}

// Ready returns tasks whose dependencies all succeeded and that have
// not yet been dispatched. Each task is returned exactly once.
func (g *DependencyGraph) Ready() []*models.Task {
	g.mu.Lock()
	defer g.mu.Unlock()

	var ready []*models.Task
	for id, task := range g.nodes {
		if g.dispatched[id] {
			continue
		}
		if _, terminal := g.done[id]; terminal {
			continue
		}

		ok := true
		for _, depID := range g.edges[id] {
			if accepted, terminal := g.done[depID]; !terminal || !accepted {
				ok = false
				break
			}
		}
		if ok {
			g.dispatched[id] = true
			ready = append(ready, task)
		}
	}
	return ready
}

// Blocked returns undispatched tasks that can never run because a
// dependency terminated without being accepted, including tasks that
// only become blocked through the failure of another blocked task.
// Each task is returned exactly once and marked terminal, so one call
// drains the whole cascade regardless of chain depth or map iteration
// order.
func (g *DependencyGraph) Blocked() []*models.Task {
	g.mu.Lock()
	defer g.mu.Unlock()

	var blocked []*models.Task
	for {
		n := len(blocked)
		for id, task := range g.nodes {
			if g.dispatched[id] {
				continue
			}
			if _, terminal := g.done[id]; terminal {
				continue
			}

			for _, depID := range g.edges[id] {
				if accepted, terminal := g.done[depID]; terminal && !accepted {
					g.dispatched[id] = true
					g.done[id] = false
					blocked = append(blocked, task)
					break
				}
			}
		}
		if len(blocked) == n {
			return blocked
		}
	}
}

// MarkDone records a task's terminal outcome. This affects subsequent
// calls to Ready and Blocked.
func (g *DependencyGraph) MarkDone(taskID string, accepted bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.done[taskID] = accepted
}

// Settled returns true when every task has a terminal outcome.
func (g *DependencyGraph) Settled() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.done) == len(g.nodes)
}

// Size returns the number of tasks in the graph.
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}
