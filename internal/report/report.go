// Package report renders the end-of-run summary printed by the CLI.
package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	"github.com/fatih/color"

	"github.com/3cpo-dev/trellis/internal/core"
	"github.com/3cpo-dev/trellis/pkg/api"
)

// Latency summarises attempt durations in milliseconds.
type Latency struct {
	Count int64
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration
	P90   time.Duration
	P99   time.Duration
}

// Durations builds a Latency over the given attempt records. Durations
// above one hour are clamped.
func Durations(records []core.AttemptRecord) Latency {
	maxMs := time.Hour.Milliseconds()
	h := hdrhistogram.New(1, maxMs, 3)
	for _, rec := range records {
		ms := rec.Duration.Milliseconds()
		if ms > maxMs {
			ms = maxMs
		}
		_ = h.RecordValue(ms)
	}
	ms := func(v int64) time.Duration { return time.Duration(v) * time.Millisecond }
	if h.TotalCount() == 0 {
		return Latency{}
	}
	return Latency{
		Count: h.TotalCount(),
		Min:   ms(h.Min()),
		Max:   ms(h.Max()),
		Mean:  time.Duration(h.Mean() * float64(time.Millisecond)),
		P50:   ms(h.ValueAtQuantile(50)),
		P90:   ms(h.ValueAtQuantile(90)),
		P99:   ms(h.ValueAtQuantile(99)),
	}
}

var statusColor = map[api.TaskStatus]*color.Color{
	api.TaskSucceeded: color.New(color.FgGreen),
	api.TaskFailed:    color.New(color.FgRed, color.Bold),
	api.TaskSkipped:   color.New(color.FgYellow),
	api.TaskCancelled: color.New(color.FgMagenta),
}

// Write prints one row per task followed by run totals.
func Write(w io.Writer, res *core.RunResult) {
	width := len("TASK")
	for _, t := range res.Tasks {
		if len(t.ID) > width {
			width = len(t.ID)
		}
	}

	header := color.New(color.FgCyan, color.Bold)
	header.Fprintf(w, "%-*s  %-10s  %-8s  %s\n", width, "TASK", "STATUS", "ATTEMPTS", "DETAIL")
	fmt.Fprintf(w, "%s  %s  %s  %s\n", strings.Repeat("-", width), strings.Repeat("-", 10), strings.Repeat("-", 8), strings.Repeat("-", 6))

	counts := map[api.TaskStatus]int{}
	for _, t := range res.Tasks {
		counts[t.Status]++
		detail := ""
		if t.Err != nil {
			detail = t.Err.Error()
		}
		fmt.Fprintf(w, "%-*s  ", width, t.ID)
		status := fmt.Sprintf("%-10s", t.Status)
		if c, ok := statusColor[t.Status]; ok {
			c.Fprint(w, status)
		} else {
			fmt.Fprint(w, status)
		}
		fmt.Fprintf(w, "  %-8d  %s\n", t.Attempts, detail)
	}

	fmt.Fprintln(w)
	runColor := color.New(color.FgGreen, color.Bold)
	if res.Status != api.RunSucceeded {
		runColor = color.New(color.FgRed, color.Bold)
	}
	fmt.Fprintf(w, "run %s ", res.RunID)
	runColor.Fprint(w, res.Status)
	fmt.Fprintf(w, " in %s: %d succeeded, %d failed, %d skipped, %d cancelled\n",
		res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond),
		counts[api.TaskSucceeded], counts[api.TaskFailed], counts[api.TaskSkipped], counts[api.TaskCancelled])

	if l := Durations(res.Records); l.Count > 0 {
		fmt.Fprintf(w, "attempts %d  min %s  p50 %s  p90 %s  p99 %s  max %s\n",
			l.Count, l.Min, l.P50, l.P90, l.P99, l.Max)
	}
}
