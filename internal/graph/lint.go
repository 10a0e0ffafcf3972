package graph

import (
	"fmt"

	"github.com/3cpo-dev/trellis/pkg/api"
)

// Warning is a non-fatal finding about a built graph.
type Warning struct {
	Task    string
	Message string
}

func (w Warning) String() string { return fmt.Sprintf("%s: %s", w.Task, w.Message) }

// Lint reports references in command and env templates that can never
// resolve: unknown tasks, output keys the referenced task does not declare,
// and undefined variables.
func Lint(g *Graph, vars map[string]string) []Warning {
	var out []Warning
	for i := 0; i < g.Len(); i++ {
		t := g.Task(i)
		for _, ref := range References(t) {
			if ref.IsVar() {
				if _, ok := vars[ref.Key]; !ok {
					out = append(out, Warning{Task: t.ID, Message: fmt.Sprintf("undefined variable %q", ref.Key)})
				}
				continue
			}
			j, ok := g.Index(ref.Task)
			if !ok {
				out = append(out, Warning{Task: t.ID, Message: fmt.Sprintf("reference %s names an unknown task", ref)})
				continue
			}
			if j == i {
				out = append(out, Warning{Task: t.ID, Message: fmt.Sprintf("reference %s names the task itself", ref)})
				continue
			}
			if !declares(g.Task(j), ref.Key) {
				out = append(out, Warning{Task: t.ID, Message: fmt.Sprintf("task %q declares no output %q", ref.Task, ref.Key)})
			}
		}
	}
	return out
}

func declares(t api.TaskSpec, key string) bool {
	for _, o := range t.Outputs {
		if o.Name == key {
			return true
		}
	}
	return false
}
