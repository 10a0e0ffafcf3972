// Package pipeline loads pipeline files into api.PipelineSpec, applies the
// pipeline defaults to every task and validates the result.
package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/trellis/internal/interp"
	"github.com/3cpo-dev/trellis/internal/retry"
	"github.com/3cpo-dev/trellis/pkg/api"
)

// LoadFile reads a .yaml/.yml or .hcl pipeline.
func LoadFile(path string) (*api.PipelineSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline: %w", err)
	}
	var spec *api.PipelineSpec
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		spec, err = ParseYAML(data)
	case ".hcl":
		spec, err = ParseHCL(data, path)
	default:
		return nil, fmt.Errorf("unsupported pipeline format %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if spec.Name == "" {
		spec.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	ApplyDefaults(spec)
	if err := Validate(spec); err != nil {
		return nil, err
	}
	return spec, nil
}

// ParseYAML decodes a pipeline, rejecting unknown fields.
func ParseYAML(data []byte) (*api.PipelineSpec, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var spec api.PipelineSpec
	if err := dec.Decode(&spec); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return &spec, nil
}

// ApplyDefaults fills backend, retry and timeout of every task from the
// pipeline defaults and infers the backend kind from a lone sub-spec.
func ApplyDefaults(spec *api.PipelineSpec) {
	d := spec.Defaults
	for i := range spec.Tasks {
		t := &spec.Tasks[i]
		if t.Backend.Kind == "" && !hasSubSpec(t.Backend) && d.Backend != nil {
			t.Backend = *d.Backend
		}
		if t.Backend.Kind == "" {
			t.Backend.Kind = inferKind(t.Backend)
		}
		if t.Retry == nil && d.Retry != nil {
			r := *d.Retry
			t.Retry = &r
		}
		if t.Timeout == 0 {
			t.Timeout = d.Timeout
		}
	}
}

func hasSubSpec(b api.BackendSpec) bool {
	return b.Local != nil || b.Remote != nil || b.Container != nil || b.Pod != nil
}

func inferKind(b api.BackendSpec) api.BackendKind {
	switch {
	case b.Remote != nil:
		return api.BackendRemote
	case b.Container != nil:
		return api.BackendContainer
	case b.Pod != nil:
		return api.BackendPod
	}
	return api.BackendLocal
}

// Validate reports every problem found, one per line.
func Validate(spec *api.PipelineSpec) error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if len(spec.Tasks) == 0 {
		add("pipeline has no tasks")
	}
	if spec.Concurrency < 0 {
		add("concurrency must not be negative")
	}
	for k := range spec.Vars {
		if k == "" || strings.ContainsAny(k, ". {}") {
			add("invalid variable name %q", k)
		}
	}
	for i, t := range spec.Tasks {
		name := t.ID
		if name == "" {
			name = fmt.Sprintf("#%d", i+1)
			add("task %s: id is required", name)
		}
		if strings.ContainsAny(t.ID, " {}") || t.ID == interp.VarsNamespace {
			add("task %s: invalid id", name)
		}
		if strings.TrimSpace(t.Command) == "" {
			add("task %s: run is required", name)
		}
		if t.Timeout < 0 {
			add("task %s: timeout must not be negative", name)
		}
		if err := validateBackend(t.Backend); err != nil {
			add("task %s: %v", name, err)
		}
		if t.Retry != nil {
			if t.Retry.MaxAttempts < 0 {
				add("task %s: max_attempts must not be negative", name)
			}
			if err := retry.FromSpec(t.Retry, retry.DefaultPolicy()).Validate(); err != nil {
				add("task %s: %v", name, err)
			}
		}
		seen := map[string]bool{}
		for _, o := range t.Outputs {
			if o.Name == "" {
				add("task %s: output without name", name)
				continue
			}
			if seen[o.Name] {
				add("task %s: duplicate output %q", name, o.Name)
			}
			seen[o.Name] = true
			switch o.From {
			case "", api.OutputMarker, api.OutputStdout:
			case api.OutputLine, api.OutputRegex, api.OutputJSONPath:
				if o.Expr == "" {
					add("task %s: output %q from %s needs expr", name, o.Name, o.From)
				}
			default:
				add("task %s: output %q has unknown source %q", name, o.Name, o.From)
			}
		}
	}
	return errors.Join(errs...)
}

func validateBackend(b api.BackendSpec) error {
	others := 0
	if b.Local != nil && b.Kind != api.BackendLocal {
		others++
	}
	if b.Remote != nil && b.Kind != api.BackendRemote {
		others++
	}
	if b.Container != nil && b.Kind != api.BackendContainer {
		others++
	}
	if b.Pod != nil && b.Kind != api.BackendPod {
		others++
	}
	if others > 0 {
		return fmt.Errorf("backend %s carries settings for another backend", b.Kind)
	}
	switch b.Kind {
	case api.BackendLocal:
	case api.BackendRemote:
		if b.Remote == nil || b.Remote.Host == "" {
			return errors.New("remote backend requires host")
		}
		for _, f := range b.Remote.Fetch {
			if f.Remote == "" {
				return errors.New("remote fetch requires a remote path")
			}
		}
	case api.BackendContainer:
		if b.Container == nil || b.Container.Image == "" {
			return errors.New("container backend requires image")
		}
		switch b.Container.Pull {
		case "", api.PullAlways, api.PullIfNotPresent, api.PullNever:
		default:
			return fmt.Errorf("unknown pull policy %q", b.Container.Pull)
		}
	case api.BackendPod:
		if b.Pod == nil || b.Pod.Image == "" {
			return errors.New("pod backend requires image")
		}
	default:
		return fmt.Errorf("unknown backend %q", b.Kind)
	}
	return nil
}
