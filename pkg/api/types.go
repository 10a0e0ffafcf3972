package api

import "time"

// v0 contains the public pipeline types shared by parsers, the scheduler and backends.

// PipelineSpec is an ordered list of task descriptors plus run-level settings.
type PipelineSpec struct {
	Name        string            `json:"name" yaml:"name"`
	Concurrency int               `json:"concurrency" yaml:"concurrency"`
	FailFast    bool              `json:"fail_fast" yaml:"fail_fast"`
	Vars        map[string]string `json:"vars" yaml:"vars"`
	Defaults    DefaultsSpec      `json:"defaults" yaml:"defaults"`
	Tasks       []TaskSpec        `json:"tasks" yaml:"tasks"`
}

// DefaultsSpec holds values applied to every task that does not set its own.
type DefaultsSpec struct {
	Backend *BackendSpec  `json:"backend,omitempty" yaml:"backend"`
	Retry   *RetrySpec    `json:"retry,omitempty" yaml:"retry"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

type TaskSpec struct {
	ID        string            `json:"id" yaml:"id"`
	Command   string            `json:"run" yaml:"run"`
	DependsOn []string          `json:"depends_on" yaml:"depends_on"`
	Env       map[string]string `json:"env" yaml:"env"`
	Backend   BackendSpec       `json:"backend" yaml:"backend"`
	Retry     *RetrySpec        `json:"retry,omitempty" yaml:"retry"`
	// Timeout bounds a single attempt. Zero means no limit.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	Outputs []OutputSpec  `json:"outputs" yaml:"outputs"`
}

type BackendKind string

const (
	BackendLocal     BackendKind = "local"
	BackendRemote    BackendKind = "remote"
	BackendContainer BackendKind = "container"
	BackendPod       BackendKind = "pod"
)

// BackendSpec is a tagged variant: Kind selects which of the sub-specs applies.
type BackendSpec struct {
	Kind      BackendKind    `json:"kind" yaml:"kind"`
	Local     *LocalSpec     `json:"local,omitempty" yaml:"local"`
	Remote    *RemoteSpec    `json:"remote,omitempty" yaml:"remote"`
	Container *ContainerSpec `json:"container,omitempty" yaml:"container"`
	Pod       *PodSpec       `json:"pod,omitempty" yaml:"pod"`
}

type LocalSpec struct {
	Dir   string   `json:"dir" yaml:"dir"`
	Shell []string `json:"shell" yaml:"shell"`
}

type RemoteSpec struct {
	// Host is either an inventory name from the config or a host[:port] address.
	Host  string      `json:"host" yaml:"host"`
	User  string      `json:"user" yaml:"user"`
	Port  int         `json:"port" yaml:"port"`
	Dir   string      `json:"dir" yaml:"dir"`
	Fetch []FetchSpec `json:"fetch" yaml:"fetch"`
}

// FetchSpec names a remote file pulled over SFTP after a successful attempt.
type FetchSpec struct {
	Remote string `json:"remote" yaml:"remote"`
	Local  string `json:"local" yaml:"local"`
}

type PullPolicy string

const (
	PullAlways       PullPolicy = "always"
	PullIfNotPresent PullPolicy = "if-not-present"
	PullNever        PullPolicy = "never"
)

type ContainerSpec struct {
	Image   string     `json:"image" yaml:"image"`
	Pull    PullPolicy `json:"pull" yaml:"pull"`
	Workdir string     `json:"workdir" yaml:"workdir"`
	Mounts  []string   `json:"mounts" yaml:"mounts"`
	Network string     `json:"network" yaml:"network"`
}

type PodSpec struct {
	Image          string            `json:"image" yaml:"image"`
	Namespace      string            `json:"namespace" yaml:"namespace"`
	ServiceAccount string            `json:"service_account" yaml:"service_account"`
	NodeSelector   map[string]string `json:"node_selector" yaml:"node_selector"`
	// ScheduleTimeout is how long a pod may stay unschedulable before the attempt fails.
	ScheduleTimeout time.Duration `json:"schedule_timeout" yaml:"schedule_timeout"`
}

type RetryStrategy string

const (
	RetryFixed       RetryStrategy = "fixed"
	RetryExponential RetryStrategy = "exponential"
)

type RetrySpec struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	Strategy    RetryStrategy `json:"strategy" yaml:"strategy"`
	Delay       time.Duration `json:"delay" yaml:"delay"`
	Base        time.Duration `json:"base" yaml:"base"`
	Factor      float64       `json:"factor" yaml:"factor"`
	Cap         time.Duration `json:"cap" yaml:"cap"`
	Jitter      float64       `json:"jitter" yaml:"jitter"`
}

type OutputSource string

const (
	OutputMarker   OutputSource = "marker"
	OutputStdout   OutputSource = "stdout"
	OutputLine     OutputSource = "line"
	OutputRegex    OutputSource = "regex"
	OutputJSONPath OutputSource = "jsonpath"
)

// OutputSpec declares a named value captured from a successful attempt.
type OutputSpec struct {
	Name string       `json:"name" yaml:"name"`
	From OutputSource `json:"from" yaml:"from"`
	Expr string       `json:"expr" yaml:"expr"`
}

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskReady     TaskStatus = "ready"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskSkipped, TaskCancelled:
		return true
	}
	return false
}

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)
