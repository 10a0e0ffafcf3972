package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	kfake "k8s.io/client-go/kubernetes/fake"

	"github.com/3cpo-dev/trellis/pkg/api"
)

type podRun struct {
	res Result
	err error
}

func startPod(t *testing.T, cs kubernetes.Interface, spec api.PodSpec) (Executor, <-chan podRun) {
	t.Helper()
	ex, err := NewPodFactory(PodOptions{Client: cs, Namespace: "ci", PollInterval: 10 * time.Millisecond})(api.BackendSpec{Kind: api.BackendPod, Pod: &spec})
	require.NoError(t, err)
	done := make(chan podRun, 1)
	go func() {
		res, err := ex.Execute(context.Background(), Request{TaskID: "unit", Attempt: 1, Command: "go test ./...", Env: map[string]string{"CI": "1"}})
		done <- podRun{res, err}
	}()
	return ex, done
}

func waitForPod(t *testing.T, cs kubernetes.Interface) *corev1.Pod {
	t.Helper()
	var pod *corev1.Pod
	require.Eventually(t, func() bool {
		list, err := cs.CoreV1().Pods("ci").List(context.Background(), metav1.ListOptions{})
		if err != nil || len(list.Items) == 0 {
			return false
		}
		pod = &list.Items[0]
		return true
	}, 5*time.Second, 5*time.Millisecond)
	return pod
}

func setStatus(t *testing.T, cs kubernetes.Interface, pod *corev1.Pod, status corev1.PodStatus) {
	t.Helper()
	pod = pod.DeepCopy()
	pod.Status = status
	_, err := cs.CoreV1().Pods("ci").UpdateStatus(context.Background(), pod, metav1.UpdateOptions{})
	require.NoError(t, err)
}

func receive(t *testing.T, done <-chan podRun) podRun {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("pod attempt did not finish")
		return podRun{}
	}
}

func assertPodGone(t *testing.T, cs kubernetes.Interface) {
	t.Helper()
	list, err := cs.CoreV1().Pods("ci").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, list.Items)
}

func TestPodRunsToCompletion(t *testing.T) {
	cs := kfake.NewSimpleClientset()
	_, done := startPod(t, cs, api.PodSpec{Image: "golang:1.22", ServiceAccount: "runner"})
	pod := waitForPod(t, cs)

	assert.Equal(t, corev1.RestartPolicyNever, pod.Spec.RestartPolicy)
	assert.Equal(t, "runner", pod.Spec.ServiceAccountName)
	assert.Equal(t, []string{"sh", "-c", "go test ./..."}, pod.Spec.Containers[0].Command)
	assert.Equal(t, []corev1.EnvVar{{Name: "CI", Value: "1"}}, pod.Spec.Containers[0].Env)
	assert.Equal(t, "unit", pod.Annotations["trellis/task"])

	setStatus(t, cs, pod, corev1.PodStatus{
		Phase: corev1.PodFailed,
		ContainerStatuses: []corev1.ContainerStatus{{
			Name:  podContainer,
			State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{ExitCode: 3}},
		}},
	})
	r := receive(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, 3, r.res.ExitCode)
	assert.Equal(t, "fake logs", r.res.Stdout)
	assertPodGone(t, cs)
}

func TestPodImagePullFailure(t *testing.T) {
	cs := kfake.NewSimpleClientset()
	_, done := startPod(t, cs, api.PodSpec{Image: "missing:tag"})
	pod := waitForPod(t, cs)
	setStatus(t, cs, pod, corev1.PodStatus{
		Phase: corev1.PodPending,
		ContainerStatuses: []corev1.ContainerStatus{{
			Name:  podContainer,
			State: corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{Reason: "ImagePullBackOff", Message: "back-off"}},
		}},
	})
	r := receive(t, done)
	assert.Equal(t, ImagePullFailure, KindOf(r.err))
	assertPodGone(t, cs)
}

func TestPodSchedulingTimeout(t *testing.T) {
	cs := kfake.NewSimpleClientset()
	_, done := startPod(t, cs, api.PodSpec{Image: "alpine", ScheduleTimeout: 50 * time.Millisecond})
	pod := waitForPod(t, cs)
	setStatus(t, cs, pod, corev1.PodStatus{
		Phase: corev1.PodPending,
		Conditions: []corev1.PodCondition{{
			Type: corev1.PodScheduled, Status: corev1.ConditionFalse, Reason: corev1.PodReasonUnschedulable, Message: "0/3 nodes are available",
		}},
	})
	r := receive(t, done)
	assert.Equal(t, PodSchedulingFailure, KindOf(r.err))
	assert.ErrorContains(t, r.err, "0/3 nodes")
	assertPodGone(t, cs)
}

func TestPodCancelDeletesPod(t *testing.T) {
	cs := kfake.NewSimpleClientset()
	ex, done := startPod(t, cs, api.PodSpec{Image: "alpine"})
	waitForPod(t, cs)
	ex.Cancel()
	r := receive(t, done)
	assert.Equal(t, Cancelled, KindOf(r.err))
	assertPodGone(t, cs)
}

func TestPodFactoryRequiresImage(t *testing.T) {
	_, err := NewPodFactory(PodOptions{Client: kfake.NewSimpleClientset()})(api.BackendSpec{Kind: api.BackendPod, Pod: &api.PodSpec{}})
	assert.Error(t, err)
}
