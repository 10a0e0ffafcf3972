package report

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"

	"github.com/3cpo-dev/trellis/internal/core"
	"github.com/3cpo-dev/trellis/pkg/api"
)

func TestDurations(t *testing.T) {
	var recs []core.AttemptRecord
	for i := 1; i <= 100; i++ {
		recs = append(recs, core.AttemptRecord{Duration: time.Duration(i) * time.Millisecond})
	}
	l := Durations(recs)
	assert.Equal(t, int64(100), l.Count)
	assert.Equal(t, time.Millisecond, l.Min)
	assert.Equal(t, 100*time.Millisecond, l.Max)
	assert.Equal(t, 50*time.Millisecond, l.P50)
	assert.Equal(t, 90*time.Millisecond, l.P90)
	assert.InDelta(t, float64(50500*time.Microsecond), float64(l.Mean), float64(time.Millisecond))

	assert.Equal(t, Latency{}, Durations(nil))
	assert.Equal(t, time.Hour, Durations([]core.AttemptRecord{{Duration: 3 * time.Hour}}).Max.Round(time.Minute))
}

func TestWrite(t *testing.T) {
	color.NoColor = true
	start := time.Unix(1700000000, 0)
	res := &core.RunResult{
		RunID:      "r1",
		Status:     api.RunFailed,
		StartedAt:  start,
		FinishedAt: start.Add(1500 * time.Millisecond),
		Tasks: []core.TaskResult{
			{ID: "build", Status: api.TaskSucceeded, Attempts: 1},
			{ID: "test", Status: api.TaskFailed, Attempts: 3, Err: errors.New("non-zero exit (exit 1)")},
			{ID: "deploy", Status: api.TaskSkipped},
		},
		Records: []core.AttemptRecord{
			{TaskID: "build", Duration: 200 * time.Millisecond},
			{TaskID: "test", Duration: 100 * time.Millisecond},
		},
	}
	var buf bytes.Buffer
	Write(&buf, res)
	out := buf.String()

	assert.Contains(t, out, "TASK    STATUS")
	assert.Contains(t, out, "test    failed      3         non-zero exit (exit 1)")
	assert.Contains(t, out, "run r1 failed in 1.5s: 1 succeeded, 1 failed, 1 skipped, 0 cancelled")
	assert.Contains(t, out, "attempts 2")
}
