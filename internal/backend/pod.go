package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/3cpo-dev/trellis/pkg/api"
)

const podContainer = "task"

var imagePullReasons = map[string]bool{
	"ErrImagePull":      true,
	"ImagePullBackOff":  true,
	"InvalidImageName":  true,
	"ErrImageNeverPull": true,
}

// NewKubeClient builds a clientset from kubeconfig (default loading rules when
// empty) and an optional context override.
func NewKubeClient(kubeconfig, kubeContext string) (kubernetes.Interface, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfig != "" {
		rules.ExplicitPath = kubeconfig
	}
	cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{CurrentContext: kubeContext}).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("load kubeconfig: %w", err)
	}
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes client: %w", err)
	}
	return cs, nil
}

type PodOptions struct {
	Client          kubernetes.Interface
	Namespace       string
	PollInterval    time.Duration
	ScheduleTimeout time.Duration
}

// Pod runs the command in a single-use pod that is deleted on every exit path.
type Pod struct {
	client   kubernetes.Interface
	spec     api.PodSpec
	interval time.Duration

	mu        sync.Mutex
	cancelled bool
	abort     context.CancelFunc
}

// NewPodFactory returns a Factory for api.BackendPod.
func NewPodFactory(opts PodOptions) Factory {
	return func(spec api.BackendSpec) (Executor, error) {
		if spec.Pod == nil || spec.Pod.Image == "" {
			return nil, errors.New("pod backend requires an image")
		}
		if opts.Client == nil {
			return nil, errors.New("pod backend: no kubernetes client configured")
		}
		p := &Pod{client: opts.Client, spec: *spec.Pod, interval: opts.PollInterval}
		if p.spec.Namespace == "" {
			p.spec.Namespace = opts.Namespace
		}
		if p.spec.Namespace == "" {
			p.spec.Namespace = "default"
		}
		if p.spec.ScheduleTimeout <= 0 {
			p.spec.ScheduleTimeout = opts.ScheduleTimeout
		}
		if p.spec.ScheduleTimeout <= 0 {
			p.spec.ScheduleTimeout = 5 * time.Minute
		}
		if p.interval <= 0 {
			p.interval = time.Second
		}
		return p, nil
	}
}

func (p *Pod) Execute(ctx context.Context, req Request) (Result, error) {
	ctx, abort := context.WithCancel(ctx)
	defer abort()
	p.mu.Lock()
	if p.cancelled {
		p.mu.Unlock()
		return Result{}, newError(Cancelled, api.BackendPod, context.Canceled)
	}
	p.abort = abort
	p.mu.Unlock()

	pods := p.client.CoreV1().Pods(p.spec.Namespace)
	created, err := pods.Create(ctx, p.manifest(req), metav1.CreateOptions{})
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, newError(Cancelled, api.BackendPod, ctx.Err())
		}
		return Result{}, newError(PodFailure, api.BackendPod, fmt.Errorf("create pod: %w", err))
	}
	name := created.Name
	defer p.delete(name)
	log.Debug().Str("task", req.TaskID).Str("pod", name).Str("namespace", p.spec.Namespace).Msg("pod created")

	var (
		final         *corev1.Pod
		unschedulable time.Time
	)
	err = wait.PollUntilContextCancel(ctx, p.interval, true, func(ctx context.Context) (bool, error) {
		pod, err := pods.Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return false, newError(PodFailure, api.BackendPod, fmt.Errorf("pod %s disappeared", name))
		}
		if err != nil {
			log.Debug().Err(err).Str("pod", name).Msg("poll pod")
			return false, nil
		}
		switch pod.Status.Phase {
		case corev1.PodSucceeded, corev1.PodFailed:
			final = pod
			return true, nil
		case corev1.PodPending:
			if reason, msg := pullFailure(pod); reason != "" {
				return false, newError(ImagePullFailure, api.BackendPod, fmt.Errorf("%s: %s", reason, msg))
			}
			if msg, ok := isUnschedulable(pod); ok {
				if unschedulable.IsZero() {
					unschedulable = time.Now()
				}
				if time.Since(unschedulable) >= p.spec.ScheduleTimeout {
					return false, newError(PodSchedulingFailure, api.BackendPod, errors.New(msg))
				}
			} else {
				unschedulable = time.Time{}
			}
		}
		return false, nil
	})
	if err != nil {
		var execErr *ExecutionError
		if errors.As(err, &execErr) {
			return Result{}, execErr
		}
		return Result{}, newError(Cancelled, api.BackendPod, err)
	}

	term := terminatedState(final)
	if term == nil {
		return Result{}, newError(PodFailure, api.BackendPod, fmt.Errorf("pod %s %s: %s %s", name, final.Status.Phase, final.Status.Reason, final.Status.Message))
	}
	res := Result{ExitCode: int(term.ExitCode)}

	logCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rc, err := pods.GetLogs(name, &corev1.PodLogOptions{Container: podContainer}).Stream(logCtx)
	if err != nil {
		return res, newError(PodFailure, api.BackendPod, fmt.Errorf("read logs: %w", err))
	}
	defer rc.Close()
	out, err := io.ReadAll(rc)
	if err != nil {
		return res, newError(PodFailure, api.BackendPod, fmt.Errorf("read logs: %w", err))
	}
	res.Stdout = string(out)
	return res, nil
}

// Cancel aborts the attempt; Execute deletes the pod before returning.
func (p *Pod) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelled {
		return
	}
	p.cancelled = true
	if p.abort != nil {
		p.abort()
	}
}

func (p *Pod) manifest(req Request) *corev1.Pod {
	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]corev1.EnvVar, 0, len(keys))
	for _, k := range keys {
		env = append(env, corev1.EnvVar{Name: k, Value: req.Env[k]})
	}
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:        resourceName(req.TaskID),
			Namespace:   p.spec.Namespace,
			Labels:      map[string]string{"app.kubernetes.io/managed-by": "trellis"},
			Annotations: map[string]string{"trellis/task": req.TaskID, "trellis/attempt": fmt.Sprint(req.Attempt)},
		},
		Spec: corev1.PodSpec{
			RestartPolicy:      corev1.RestartPolicyNever,
			ServiceAccountName: p.spec.ServiceAccount,
			NodeSelector:       p.spec.NodeSelector,
			Containers: []corev1.Container{{
				Name:    podContainer,
				Image:   p.spec.Image,
				Command: []string{"sh", "-c", req.Command},
				Env:     env,
			}},
		},
	}
}

func (p *Pod) delete(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	grace := int64(0)
	policy := metav1.DeletePropagationBackground
	err := p.client.CoreV1().Pods(p.spec.Namespace).Delete(ctx, name, metav1.DeleteOptions{GracePeriodSeconds: &grace, PropagationPolicy: &policy})
	if err != nil && !apierrors.IsNotFound(err) {
		log.Warn().Err(err).Str("pod", name).Msg("delete pod")
	}
}

func pullFailure(pod *corev1.Pod) (reason, msg string) {
	for _, cs := range pod.Status.ContainerStatuses {
		if w := cs.State.Waiting; w != nil && imagePullReasons[w.Reason] {
			return w.Reason, w.Message
		}
	}
	return "", ""
}

func isUnschedulable(pod *corev1.Pod) (string, bool) {
	for _, c := range pod.Status.Conditions {
		if c.Type == corev1.PodScheduled && c.Status == corev1.ConditionFalse && c.Reason == corev1.PodReasonUnschedulable {
			return strings.TrimSpace("unschedulable: " + c.Message), true
		}
	}
	return "", false
}

func terminatedState(pod *corev1.Pod) *corev1.ContainerStateTerminated {
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.Name == podContainer && cs.State.Terminated != nil {
			return cs.State.Terminated
		}
	}
	return nil
}
