package graph

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/3cpo-dev/trellis/pkg/api"
)

func task(id string, deps ...string) api.TaskSpec {
	return api.TaskSpec{ID: id, Command: "true", DependsOn: deps}
}

func ids(g *Graph, idx []int) []string {
	out := make([]string, len(idx))
	for k, i := range idx {
		out[k] = g.Task(i).ID
	}
	return out
}

func TestBuildDiamond(t *testing.T) {
	g, err := Build([]api.TaskSpec{task("A"), task("B", "A"), task("C", "A"), task("D", "B", "C")})
	require.NoError(t, err)
	assert.Equal(t, 4, g.Len())
	assert.Equal(t, []string{"A", "B", "C", "D"}, ids(g, g.Order()))
	assert.Equal(t, []string{"A"}, ids(g, g.Roots()))
	assert.Equal(t, []string{"B", "C"}, ids(g, g.Dependents(0)))
	assert.Equal(t, []string{"B", "C", "D"}, ids(g, g.Descendants(0)))
	assert.Equal(t, []string{"A", "B", "C"}, ids(g, g.Ancestors(3)))

	d, ok := g.Index("D")
	require.True(t, ok)
	assert.Equal(t, []string{"B", "C"}, ids(g, g.Deps(d)))
}

func TestBuildOrderFollowsDeclarationAmongReadyTasks(t *testing.T) {
	g, err := Build([]api.TaskSpec{task("late", "b"), task("b"), task("a"), task("c", "a")})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "late", "a", "c"}, ids(g, g.Order()))
}

func TestBuildCollapsesDuplicateDependencies(t *testing.T) {
	g, err := Build([]api.TaskSpec{task("A"), task("B", "A", "A")})
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, g.Task(1).DependsOn)
}

func TestBuildErrors(t *testing.T) {
	cases := []struct {
		name  string
		tasks []api.TaskSpec
		kind  ErrorKind
	}{
		{"duplicate", []api.TaskSpec{task("A"), task("A")}, DuplicateID},
		{"unknown", []api.TaskSpec{task("A", "missing")}, UnknownDependency},
		{"self loop", []api.TaskSpec{task("A", "A")}, CycleDetected},
		{"cycle", []api.TaskSpec{task("A", "C"), task("B", "A"), task("C", "B"), task("D")}, CycleDetected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g, err := Build(tc.tasks)
			assert.Nil(t, g)
			var gerr *Error
			require.True(t, errors.As(err, &gerr), "got %v", err)
			assert.Equal(t, tc.kind, gerr.Kind)
		})
	}
}

func TestCycleErrorNamesUnorderedTasks(t *testing.T) {
	_, err := Build([]api.TaskSpec{task("ok"), task("A", "B"), task("B", "A"), task("after", "A")})
	var gerr *Error
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, []string{"A", "B", "after"}, gerr.Cycle)
	assert.Contains(t, err.Error(), "cycle detected")
}

func TestLint(t *testing.T) {
	tasks := []api.TaskSpec{
		{ID: "A", Command: "true", Outputs: []api.OutputSpec{{Name: "x"}}},
		{ID: "B", Command: "echo {{A.x}} {{A.y}} {{vars.env}} {{vars.nope}}", DependsOn: []string{"A"}},
		{ID: "C", Command: "echo {{B.z}} {{ghost.k}}", Env: map[string]string{"TOKEN": "{{A.secret}}", "SELF": "{{C.x}}"}},
	}
	g, err := Build(tasks)
	require.NoError(t, err)

	var msgs []string
	for _, w := range Lint(g, map[string]string{"env": "prod"}) {
		msgs = append(msgs, w.String())
	}
	assert.Equal(t, []string{
		`B: task "A" declares no output "y"`,
		`B: undefined variable "nope"`,
		`C: task "B" declares no output "z"`,
		`C: reference ghost.k names an unknown task`,
		`C: reference C.x names the task itself`,
		`C: task "A" declares no output "secret"`,
	}, msgs)
}

func TestBuildAddsReferencedTasksAsDependencies(t *testing.T) {
	b := task("B")
	b.Command = "echo {{A.x}} {{vars.env}} {{ghost.y}} {{B.self}}"
	c := task("C", "B")
	c.Env = map[string]string{"X": "{{A.x}}", "Y": "{{B.y}}"}
	g, err := Build([]api.TaskSpec{task("A"), b, c})
	require.NoError(t, err)

	assert.Equal(t, []string{"A"}, g.Task(1).DependsOn)
	assert.Equal(t, []string{"B", "A"}, g.Task(2).DependsOn)
	assert.Equal(t, []string{"A"}, ids(g, g.Roots()))
	assert.Equal(t, []string{"B", "C"}, ids(g, g.Dependents(0)))
	assert.Equal(t, []string{"A", "B", "C"}, ids(g, g.Order()))
}

func TestBuildReferenceCycle(t *testing.T) {
	a := task("A")
	a.Command = "echo {{B.x}}"
	_, err := Build([]api.TaskSpec{a, task("B", "A")})
	var gerr *Error
	require.True(t, errors.As(err, &gerr), "got %v", err)
	assert.Equal(t, CycleDetected, gerr.Kind)
	assert.Equal(t, []string{"A", "B"}, gerr.Cycle)
}

func TestReferencesCoverCommandAndEnv(t *testing.T) {
	spec := api.TaskSpec{
		Command: "run {{A.x}} {{vars.v}}",
		Env:     map[string]string{"Z": "{{C.z}}", "B": "{{A.x}}-{{B.y}}"},
	}
	var got []string
	for _, r := range References(spec) {
		got = append(got, r.String())
	}
	assert.Equal(t, []string{"A.x", "vars.v", "B.y", "C.z"}, got)
}

// genDAG draws a random acyclic task list: edges only point to earlier tasks.
func genDAG(t *rapid.T) []api.TaskSpec {
	n := rapid.IntRange(1, 25).Draw(t, "n")
	tasks := make([]api.TaskSpec, n)
	for i := 0; i < n; i++ {
		tasks[i] = task(fmt.Sprintf("t%d", i))
		if i == 0 {
			continue
		}
		for _, d := range rapid.SliceOfDistinct(rapid.IntRange(0, i-1), rapid.ID[int]).Draw(t, fmt.Sprintf("deps%d", i)) {
			tasks[i].DependsOn = append(tasks[i].DependsOn, fmt.Sprintf("t%d", d))
		}
	}
	return tasks
}

func TestProperty_TopologicalOrderRespectsDependencies(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tasks := genDAG(t)
		g, err := Build(tasks)
		if err != nil {
			t.Fatalf("acyclic graph rejected: %v", err)
		}
		pos := make(map[int]int)
		for p, i := range g.Order() {
			pos[i] = p
		}
		if len(pos) != len(tasks) {
			t.Fatalf("order has %d tasks, want %d", len(pos), len(tasks))
		}
		for i := 0; i < g.Len(); i++ {
			for _, d := range g.Deps(i) {
				if pos[d] >= pos[i] {
					t.Fatalf("%s ordered before its dependency %s", g.Task(i).ID, g.Task(d).ID)
				}
			}
		}
	})
}

func TestProperty_BackEdgeIsRejectedAsCycle(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tasks := genDAG(t)
		if len(tasks) < 2 {
			return
		}
		// Make some task depend on one of its own descendants (or itself).
		g, err := Build(tasks)
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		from := rapid.IntRange(0, len(tasks)-1).Draw(t, "from")
		targets := append([]int{from}, g.Descendants(from)...)
		to := targets[rapid.IntRange(0, len(targets)-1).Draw(t, "to")]
		tasks[from].DependsOn = append(tasks[from].DependsOn, tasks[to].ID)

		_, err = Build(tasks)
		var gerr *Error
		if !errors.As(err, &gerr) || gerr.Kind != CycleDetected {
			t.Fatalf("expected cycle error, got %v", err)
		}
	})
}

func TestProperty_DependentsMirrorDeps(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		g, err := Build(genDAG(t))
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		want := make([][]int, g.Len())
		for i := 0; i < g.Len(); i++ {
			for _, d := range g.Deps(i) {
				want[d] = append(want[d], i)
			}
		}
		for i := 0; i < g.Len(); i++ {
			got := g.Dependents(i)
			if fmt.Sprint(got) != fmt.Sprint(want[i]) {
				t.Fatalf("dependents of %s: got %v, want %v", g.Task(i).ID, got, want[i])
			}
		}
	})
}
