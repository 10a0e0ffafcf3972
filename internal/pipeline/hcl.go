package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/3cpo-dev/trellis/pkg/api"
)

// hclPipeline is the on-disk HCL layout:
//
//	concurrency = 4
//	vars = { env = "ci" }
//
//	task "build" {
//	  run        = "make"
//	  depends_on = ["fetch"]
//	  backend "container" { image = "golang:1.22" }
//	  retry { max_attempts = 3 }
//	  output "version" { from = "line" expr = "1" }
//	}
type hclPipeline struct {
	Name        string            `hcl:"name,optional"`
	Concurrency int               `hcl:"concurrency,optional"`
	FailFast    bool              `hcl:"fail_fast,optional"`
	Vars        map[string]string `hcl:"vars,optional"`
	Defaults    *hclDefaults      `hcl:"defaults,block"`
	Tasks       []*hclTask        `hcl:"task,block"`
}

type hclDefaults struct {
	Timeout string      `hcl:"timeout,optional"`
	Backend *hclBackend `hcl:"backend,block"`
	Retry   *hclRetry   `hcl:"retry,block"`
}

type hclTask struct {
	ID        string            `hcl:"id,label"`
	Run       string            `hcl:"run"`
	DependsOn []string          `hcl:"depends_on,optional"`
	Env       map[string]string `hcl:"env,optional"`
	Timeout   string            `hcl:"timeout,optional"`
	Backend   *hclBackend       `hcl:"backend,block"`
	Retry     *hclRetry         `hcl:"retry,block"`
	Outputs   []*hclOutput      `hcl:"output,block"`
}

// hclBackend carries the union of every backend's attributes; the label
// decides which ones are meaningful.
type hclBackend struct {
	Kind string `hcl:"kind,label"`

	Dir   string   `hcl:"dir,optional"`
	Shell []string `hcl:"shell,optional"`

	Host  string      `hcl:"host,optional"`
	User  string      `hcl:"user,optional"`
	Port  int         `hcl:"port,optional"`
	Fetch []*hclFetch `hcl:"fetch,block"`

	Image   string   `hcl:"image,optional"`
	Pull    string   `hcl:"pull,optional"`
	Workdir string   `hcl:"workdir,optional"`
	Mounts  []string `hcl:"mounts,optional"`
	Network string   `hcl:"network,optional"`

	Namespace       string            `hcl:"namespace,optional"`
	ServiceAccount  string            `hcl:"service_account,optional"`
	NodeSelector    map[string]string `hcl:"node_selector,optional"`
	ScheduleTimeout string            `hcl:"schedule_timeout,optional"`
}

type hclFetch struct {
	Remote string `hcl:"remote"`
	Local  string `hcl:"local,optional"`
}

type hclRetry struct {
	MaxAttempts int     `hcl:"max_attempts,optional"`
	Strategy    string  `hcl:"strategy,optional"`
	Delay       string  `hcl:"delay,optional"`
	Base        string  `hcl:"base,optional"`
	Factor      float64 `hcl:"factor,optional"`
	Cap         string  `hcl:"cap,optional"`
	Jitter      float64 `hcl:"jitter,optional"`
}

type hclOutput struct {
	Name string `hcl:"name,label"`
	From string `hcl:"from,optional"`
	Expr string `hcl:"expr,optional"`
}

// ParseHCL decodes an HCL pipeline. filename is only used in diagnostics.
func ParseHCL(data []byte, filename string) (*api.PipelineSpec, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, diagError(diags)
	}
	var raw hclPipeline
	if diags := gohcl.DecodeBody(file.Body, nil, &raw); diags.HasErrors() {
		return nil, diagError(diags)
	}
	return raw.toSpec()
}

func diagError(diags hcl.Diagnostics) error {
	var errs []error
	for _, d := range diags {
		if d.Severity == hcl.DiagError {
			errs = append(errs, errors.New(d.Error()))
		}
	}
	return errors.Join(errs...)
}

// durations accumulates the first duration parse error so conversion code
// can stay linear.
type durations struct{ err error }

func (d *durations) parse(field, s string) time.Duration {
	if s == "" || d.err != nil {
		return 0
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		d.err = fmt.Errorf("%s: %w", field, err)
	}
	return v
}

func (p *hclPipeline) toSpec() (*api.PipelineSpec, error) {
	var dur durations
	spec := &api.PipelineSpec{
		Name:        p.Name,
		Concurrency: p.Concurrency,
		FailFast:    p.FailFast,
		Vars:        p.Vars,
	}
	if p.Defaults != nil {
		spec.Defaults.Timeout = dur.parse("defaults.timeout", p.Defaults.Timeout)
		if p.Defaults.Backend != nil {
			b := p.Defaults.Backend.toSpec(&dur, "defaults.backend")
			spec.Defaults.Backend = &b
		}
		spec.Defaults.Retry = p.Defaults.Retry.toSpec(&dur, "defaults.retry")
	}
	for _, t := range p.Tasks {
		task := api.TaskSpec{
			ID:        t.ID,
			Command:   t.Run,
			DependsOn: t.DependsOn,
			Env:       t.Env,
			Timeout:   dur.parse("task "+t.ID+" timeout", t.Timeout),
			Retry:     t.Retry.toSpec(&dur, "task "+t.ID+" retry"),
		}
		if t.Backend != nil {
			task.Backend = t.Backend.toSpec(&dur, "task "+t.ID+" backend")
		}
		for _, o := range t.Outputs {
			task.Outputs = append(task.Outputs, api.OutputSpec{Name: o.Name, From: api.OutputSource(o.From), Expr: o.Expr})
		}
		spec.Tasks = append(spec.Tasks, task)
	}
	if dur.err != nil {
		return nil, dur.err
	}
	return spec, nil
}

func (b *hclBackend) toSpec(dur *durations, field string) api.BackendSpec {
	kind := api.BackendKind(b.Kind)
	out := api.BackendSpec{Kind: kind}
	switch kind {
	case api.BackendLocal:
		if b.Dir != "" || len(b.Shell) > 0 {
			out.Local = &api.LocalSpec{Dir: b.Dir, Shell: b.Shell}
		}
	case api.BackendRemote:
		r := &api.RemoteSpec{Host: b.Host, User: b.User, Port: b.Port, Dir: b.Dir}
		for _, f := range b.Fetch {
			r.Fetch = append(r.Fetch, api.FetchSpec{Remote: f.Remote, Local: f.Local})
		}
		out.Remote = r
	case api.BackendContainer:
		out.Container = &api.ContainerSpec{
			Image:   b.Image,
			Pull:    api.PullPolicy(b.Pull),
			Workdir: b.Workdir,
			Mounts:  b.Mounts,
			Network: b.Network,
		}
	case api.BackendPod:
		out.Pod = &api.PodSpec{
			Image:           b.Image,
			Namespace:       b.Namespace,
			ServiceAccount:  b.ServiceAccount,
			NodeSelector:    b.NodeSelector,
			ScheduleTimeout: dur.parse(field+".schedule_timeout", b.ScheduleTimeout),
		}
	}
	return out
}

func (r *hclRetry) toSpec(dur *durations, field string) *api.RetrySpec {
	if r == nil {
		return nil
	}
	return &api.RetrySpec{
		MaxAttempts: r.MaxAttempts,
		Strategy:    api.RetryStrategy(r.Strategy),
		Delay:       dur.parse(field+".delay", r.Delay),
		Base:        dur.parse(field+".base", r.Base),
		Factor:      r.Factor,
		Cap:         dur.parse(field+".cap", r.Cap),
		Jitter:      r.Jitter,
	}
}
