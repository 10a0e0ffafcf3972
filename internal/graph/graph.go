// Package graph builds and validates the task dependency graph of a run.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/begmaroman/go-dag"

	"github.com/3cpo-dev/trellis/internal/interp"
	"github.com/3cpo-dev/trellis/pkg/api"
)

type ErrorKind string

const (
	DuplicateID       ErrorKind = "duplicate id"
	UnknownDependency ErrorKind = "unknown dependency"
	CycleDetected     ErrorKind = "cycle detected"
)

// Error is returned by Build. A graph error is fatal: the run never starts.
type Error struct {
	Kind ErrorKind
	// Task is the offending task; for unknown dependencies Ref is the missing id.
	Task string
	Ref  string
	// Cycle lists the tasks Kahn's algorithm could not order.
	Cycle []string
}

func (e *Error) Error() string {
	switch e.Kind {
	case DuplicateID:
		return fmt.Sprintf("graph: %s %q", e.Kind, e.Task)
	case UnknownDependency:
		return fmt.Sprintf("graph: task %q has %s %q", e.Task, e.Kind, e.Ref)
	case CycleDetected:
		return fmt.Sprintf("graph: %s among [%s]", e.Kind, strings.Join(e.Cycle, ", "))
	}
	return "graph: " + string(e.Kind)
}

type vertex struct {
	id    string
	index int
}

func (v *vertex) ID() string { return v.id }

// Graph is the validated task set. Topology never changes after Build.
type Graph struct {
	tasks      []api.TaskSpec
	index      map[string]int
	deps       [][]int
	dependents [][]int
	order      []int
	dag        *dag.DAG[*vertex]
}

// Build validates specs and returns the immutable graph. Tasks keep their
// declaration order, which the scheduler uses for tie-breaking. A reference to
// another task's output in a command or env template is an implicit
// dependency and is added to DependsOn.
func Build(specs []api.TaskSpec) (*Graph, error) {
	g := &Graph{
		tasks: make([]api.TaskSpec, len(specs)),
		index: make(map[string]int, len(specs)),
		deps:  make([][]int, len(specs)),
	}
	copy(g.tasks, specs)

	for i, t := range g.tasks {
		if _, ok := g.index[t.ID]; ok {
			return nil, &Error{Kind: DuplicateID, Task: t.ID}
		}
		g.index[t.ID] = i
	}

	g.dependents = make([][]int, len(specs))
	for i, t := range g.tasks {
		seen := make(map[int]bool, len(t.DependsOn))
		for _, dep := range t.DependsOn {
			j, ok := g.index[dep]
			if !ok {
				return nil, &Error{Kind: UnknownDependency, Task: t.ID, Ref: dep}
			}
			if seen[j] {
				continue
			}
			seen[j] = true
			g.deps[i] = append(g.deps[i], j)
			g.dependents[j] = append(g.dependents[j], i)
		}
		for _, ref := range References(t) {
			j, ok := g.index[ref.Task]
			if ref.IsVar() || !ok || j == i || seen[j] {
				continue
			}
			seen[j] = true
			g.deps[i] = append(g.deps[i], j)
			g.dependents[j] = append(g.dependents[j], i)
		}
		g.tasks[i].DependsOn = g.ids(g.deps[i])
	}
	for j := range g.dependents {
		sort.Ints(g.dependents[j])
	}

	order, ok := g.topoSort()
	if !ok {
		placed := make(map[int]bool, len(order))
		for _, i := range order {
			placed[i] = true
		}
		var cycle []string
		for i, t := range g.tasks {
			if !placed[i] {
				cycle = append(cycle, t.ID)
			}
		}
		return nil, &Error{Kind: CycleDetected, Cycle: cycle}
	}
	g.order = order

	if err := g.loadDAG(); err != nil {
		return nil, err
	}
	return g, nil
}

// topoSort runs Kahn's algorithm, always taking the lowest declaration index
// among the nodes with zero in-degree.
func (g *Graph) topoSort() ([]int, bool) {
	indeg := make([]int, len(g.tasks))
	for i := range g.tasks {
		indeg[i] = len(g.deps[i])
	}
	var ready []int
	for i, d := range indeg {
		if d == 0 {
			ready = append(ready, i)
		}
	}
	order := make([]int, 0, len(g.tasks))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		for _, m := range g.dependents[n] {
			indeg[m]--
			if indeg[m] == 0 {
				ready = insertSorted(ready, m)
			}
		}
	}
	return order, len(order) == len(g.tasks)
}

// loadDAG mirrors the validated adjacency into go-dag, which answers the
// child queries used for failure propagation.
func (g *Graph) loadDAG() error {
	d := dag.NewDAG[*vertex]()
	for i, t := range g.tasks {
		if _, err := d.AddVertex(&vertex{id: t.ID, index: i}); err != nil {
			return fmt.Errorf("add vertex %s: %w", t.ID, err)
		}
	}
	for i, t := range g.tasks {
		for _, j := range g.deps[i] {
			if err := d.AddEdge(g.tasks[j].ID, t.ID); err != nil {
				return fmt.Errorf("add edge %s -> %s: %w", g.tasks[j].ID, t.ID, err)
			}
		}
	}
	g.dag = d
	return nil
}

func (g *Graph) Len() int { return len(g.tasks) }

// Task returns the TaskSpec at declaration index i.
func (g *Graph) Task(i int) api.TaskSpec { return g.tasks[i] }

// Index returns the declaration index of id.
func (g *Graph) Index(id string) (int, bool) {
	i, ok := g.index[id]
	return i, ok
}

// Deps returns the direct dependencies of i in declaration order.
func (g *Graph) Deps(i int) []int { return append([]int(nil), g.deps[i]...) }

// Dependents returns the tasks that directly depend on i, in declaration order.
// Build adds every task as a vertex, so a lookup failure is a broken invariant.
func (g *Graph) Dependents(i int) []int {
	children, err := g.dag.GetChildren(g.tasks[i].ID)
	if err != nil {
		panic(fmt.Sprintf("graph: children of %s: %v", g.tasks[i].ID, err))
	}
	out := make([]int, 0, len(children))
	for _, v := range children {
		out = append(out, v.index)
	}
	sort.Ints(out)
	return out
}

// Descendants returns every task that transitively depends on i, in declaration order.
func (g *Graph) Descendants(i int) []int {
	seen := make(map[int]bool)
	stack := g.Dependents(i)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, g.Dependents(n)...)
	}
	out := make([]int, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// Ancestors returns every task i transitively depends on, in declaration order.
func (g *Graph) Ancestors(i int) []int {
	seen := make(map[int]bool)
	stack := g.Deps(i)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, g.deps[n]...)
	}
	out := make([]int, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// References lists the placeholders of t's command and env values, command
// first and env in key order, without duplicates.
func References(t api.TaskSpec) []interp.Ref {
	keys := make([]string, 0, len(t.Env))
	for k := range t.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	templates := []string{t.Command}
	for _, k := range keys {
		templates = append(templates, t.Env[k])
	}
	var out []interp.Ref
	seen := make(map[string]bool)
	for _, tpl := range templates {
		for _, ref := range interp.References(tpl) {
			if seen[ref.Raw] {
				continue
			}
			seen[ref.Raw] = true
			out = append(out, ref)
		}
	}
	return out
}

// Order is the deterministic topological order.
func (g *Graph) Order() []int { return append([]int(nil), g.order...) }

// Roots returns the tasks without dependencies.
func (g *Graph) Roots() []int {
	var out []int
	for i := range g.tasks {
		if len(g.deps[i]) == 0 {
			out = append(out, i)
		}
	}
	return out
}

func (g *Graph) ids(idx []int) []string {
	out := make([]string, len(idx))
	for k, i := range idx {
		out[k] = g.tasks[i].ID
	}
	return out
}

func insertSorted(s []int, v int) []int {
	k := sort.SearchInts(s, v)
	s = append(s, 0)
	copy(s[k+1:], s[k:])
	s[k] = v
	return s
}
