package core

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/3cpo-dev/trellis/internal/graph"
	"github.com/3cpo-dev/trellis/pkg/api"
)

func benchGraph(b *testing.B, tasks []api.TaskSpec) *graph.Graph {
	b.Helper()
	g, err := graph.Build(tasks)
	if err != nil {
		b.Fatalf("build: %v", err)
	}
	return g
}

func benchRun(b *testing.B, g *graph.Graph, concurrency int) {
	nop := zerolog.Nop()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		res := NewScheduler(newFakeBackend(nil), Options{Concurrency: concurrency, Logger: &nop}).Run(context.Background(), g)
		if res.Status != api.RunSucceeded {
			b.Fatalf("run %s", res.Status)
		}
	}
}

// 200 independent tasks.
func BenchmarkSchedulerWide(b *testing.B) {
	tasks := make([]api.TaskSpec, 200)
	for i := range tasks {
		tasks[i] = task(fmt.Sprintf("t%d", i), "true")
	}
	benchRun(b, benchGraph(b, tasks), 16)
}

// A 200-task chain, each passing an output to the next.
func BenchmarkSchedulerChainWithInterpolation(b *testing.B) {
	tasks := make([]api.TaskSpec, 200)
	for i := range tasks {
		id := fmt.Sprintf("t%d", i)
		if i == 0 {
			tasks[i] = task(id, "seed")
		} else {
			prev := fmt.Sprintf("t%d", i-1)
			tasks[i] = task(id, "echo {{"+prev+".output}}", prev)
		}
		tasks[i].Outputs = []api.OutputSpec{{Name: "output", From: api.OutputStdout}}
	}
	benchRun(b, benchGraph(b, tasks), 4)
}

// Layers of 10 tasks where every task depends on the whole previous layer.
func BenchmarkSchedulerLayered(b *testing.B) {
	var tasks []api.TaskSpec
	var prev []string
	for layer := 0; layer < 10; layer++ {
		var cur []string
		for k := 0; k < 10; k++ {
			id := fmt.Sprintf("l%d_%d", layer, k)
			tasks = append(tasks, task(id, "true", prev...))
			cur = append(cur, id)
		}
		prev = cur
	}
	benchRun(b, benchGraph(b, tasks), 8)
}
