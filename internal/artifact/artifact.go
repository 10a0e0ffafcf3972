// Package artifact writes per-attempt logs and metadata to a run directory.
package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/3cpo-dev/trellis/internal/core"
)

// DirSink lays out one directory per run:
//
//	<dir>/<run>/<task>_<attempt>.log   command, exit code, stdout and stderr
//	<dir>/<run>/<task>_<attempt>.json  attempt metadata
//	<dir>/<run>/run.json               final task statuses
type DirSink struct {
	dir string
}

func NewDirSink(dir string) *DirSink { return &DirSink{dir: dir} }

// RunDir is where the files of runID are written.
func (d *DirSink) RunDir(runID string) string {
	return filepath.Join(d.dir, safeName(runID))
}

func (d *DirSink) BeginRun(_ context.Context, runID string, _ time.Time) error {
	if err := os.MkdirAll(d.RunDir(runID), 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	return nil
}

type attemptMeta struct {
	core.AttemptRecord
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

func (d *DirSink) Record(_ context.Context, rec core.AttemptRecord) error {
	dir := d.RunDir(rec.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	base := fmt.Sprintf("%s_%d", safeName(rec.TaskID), rec.Attempt)

	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\nAttempt: %d\nCmd: %s\nExit: %d\nOutcome: %s\n", rec.TaskID, rec.Attempt, rec.Command, rec.ExitCode, rec.Outcome)
	if rec.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", rec.Error)
	}
	fmt.Fprintf(&b, "Stdout:\n%s\nStderr:\n%s\n", rec.Stdout, rec.Stderr)
	if err := os.WriteFile(filepath.Join(dir, base+".log"), []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write attempt log: %w", err)
	}

	meta, err := json.MarshalIndent(attemptMeta{
		AttemptRecord: rec,
		DurationMS:    rec.Duration.Milliseconds(),
		Timestamp:     rec.StartedAt.Add(rec.Duration).UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode attempt meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, base+".json"), meta, 0o644); err != nil {
		return fmt.Errorf("write attempt meta: %w", err)
	}
	return nil
}

type runTask struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

type runMeta struct {
	RunID      string    `json:"run_id"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Tasks      []runTask `json:"tasks"`
}

func (d *DirSink) FinishRun(_ context.Context, res *core.RunResult) error {
	m := runMeta{RunID: res.RunID, Status: string(res.Status), StartedAt: res.StartedAt.UTC(), FinishedAt: res.FinishedAt.UTC()}
	for _, t := range res.Tasks {
		rt := runTask{ID: t.ID, Status: string(t.Status), Attempts: t.Attempts}
		if t.Err != nil {
			rt.Error = t.Err.Error()
		}
		m.Tasks = append(m.Tasks, rt)
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run meta: %w", err)
	}
	if err := os.MkdirAll(d.RunDir(res.RunID), 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(d.RunDir(res.RunID), "run.json"), b, 0o644); err != nil {
		return fmt.Errorf("write run meta: %w", err)
	}
	return nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func safeName(s string) string {
	s = unsafeChars.ReplaceAllString(s, "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
