package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/trellis/pkg/api"
)

// DockerAPI is the subset of the Docker Engine client used by the container backend.
type DockerAPI interface {
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

var _ DockerAPI = (*client.Client)(nil)

// NewDockerClient connects to host, or to the environment's DOCKER_HOST when host is empty.
// No request is made until the first attempt runs.
func NewDockerClient(host string) (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return cli, nil
}

type ContainerOptions struct {
	Client      DockerAPI
	DefaultPull api.PullPolicy
	// StopTimeout is the grace the engine gives the container between SIGTERM and SIGKILL.
	StopTimeout time.Duration
}

// Container runs the command in a fresh container that is always removed afterwards.
type Container struct {
	api  DockerAPI
	spec api.ContainerSpec
	stop time.Duration

	mu        sync.Mutex
	cancelled bool
	abort     context.CancelFunc
}

// NewContainerFactory returns a Factory for api.BackendContainer.
func NewContainerFactory(opts ContainerOptions) Factory {
	return func(spec api.BackendSpec) (Executor, error) {
		if spec.Container == nil || spec.Container.Image == "" {
			return nil, errors.New("container backend requires an image")
		}
		if opts.Client == nil {
			return nil, errors.New("container backend: no docker client configured")
		}
		c := &Container{api: opts.Client, spec: *spec.Container, stop: opts.StopTimeout}
		if c.spec.Pull == "" {
			c.spec.Pull = opts.DefaultPull
		}
		if c.spec.Pull == "" {
			c.spec.Pull = api.PullIfNotPresent
		}
		if c.stop <= 0 {
			c.stop = 10 * time.Second
		}
		return c, nil
	}
}

func (c *Container) Execute(ctx context.Context, req Request) (Result, error) {
	ctx, abort := context.WithCancel(ctx)
	defer abort()
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return Result{}, newError(Cancelled, api.BackendContainer, context.Canceled)
	}
	c.abort = abort
	c.mu.Unlock()

	if err := c.ensureImage(ctx); err != nil {
		if c.isCancelled() || ctx.Err() != nil {
			return Result{}, newError(Cancelled, api.BackendContainer, ctx.Err())
		}
		return Result{}, newError(ImagePullFailure, api.BackendContainer, err)
	}

	cfg := &container.Config{
		Image:      c.spec.Image,
		Cmd:        []string{"sh", "-c", req.Command},
		Env:        envList(req.Env),
		WorkingDir: c.spec.Workdir,
		Labels:     map[string]string{"trellis.task": req.TaskID},
	}
	host := &container.HostConfig{Binds: c.spec.Mounts}
	if c.spec.Network != "" {
		host.NetworkMode = container.NetworkMode(c.spec.Network)
	}
	created, err := c.api.ContainerCreate(ctx, cfg, host, nil, nil, resourceName(req.TaskID))
	if err != nil {
		return Result{}, c.runtimeErr(ctx, fmt.Errorf("create container: %w", err))
	}
	id := created.ID
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.api.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true}); err != nil {
			log.Warn().Err(err).Str("container", id).Msg("remove container")
		}
	}()

	if err := c.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return Result{}, c.runtimeErr(ctx, fmt.Errorf("start container: %w", err))
	}
	log.Debug().Str("task", req.TaskID).Str("container", id).Msg("container started")

	statusc, errc := c.api.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case st := <-statusc:
		if st.Error != nil && st.Error.Message != "" {
			return Result{}, newError(RuntimeFailure, api.BackendContainer, errors.New(st.Error.Message))
		}
		exitCode = int(st.StatusCode)
	case err := <-errc:
		if ctx.Err() == nil {
			return Result{}, newError(RuntimeFailure, api.BackendContainer, fmt.Errorf("wait container: %w", err))
		}
		return Result{}, c.stopContainer(id)
	case <-ctx.Done():
		return Result{}, c.stopContainer(id)
	}

	res := Result{ExitCode: exitCode}
	logCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rc, err := c.api.ContainerLogs(logCtx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return res, newError(RuntimeFailure, api.BackendContainer, fmt.Errorf("read logs: %w", err))
	}
	defer rc.Close()
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return res, newError(RuntimeFailure, api.BackendContainer, fmt.Errorf("demux logs: %w", err))
	}
	res.Stdout, res.Stderr = stdout.String(), stderr.String()
	return res, nil
}

// Cancel aborts the attempt; Execute stops the container and removes it.
func (c *Container) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled {
		return
	}
	c.cancelled = true
	if c.abort != nil {
		c.abort()
	}
}

func (c *Container) isCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

func (c *Container) stopContainer(id string) error {
	c.Cancel()
	secs := int(c.stop / time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), c.stop+10*time.Second)
	defer cancel()
	if err := c.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		log.Warn().Err(err).Str("container", id).Msg("stop container")
	}
	return newError(Cancelled, api.BackendContainer, context.Canceled)
}

func (c *Container) runtimeErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return newError(Cancelled, api.BackendContainer, ctx.Err())
	}
	return newError(RuntimeFailure, api.BackendContainer, err)
}

func (c *Container) ensureImage(ctx context.Context) error {
	switch c.spec.Pull {
	case api.PullNever, api.PullIfNotPresent:
		_, _, err := c.api.ImageInspectWithRaw(ctx, c.spec.Image)
		if err == nil {
			return nil
		}
		if !errdefs.IsNotFound(err) {
			return fmt.Errorf("inspect image %s: %w", c.spec.Image, err)
		}
		if c.spec.Pull == api.PullNever {
			return fmt.Errorf("image %s not present and pull policy is never", c.spec.Image)
		}
	}
	rc, err := c.api.ImagePull(ctx, c.spec.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", c.spec.Image, err)
	}
	defer rc.Close()
	if err := jsonmessage.DisplayJSONMessagesStream(rc, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("pull image %s: %w", c.spec.Image, err)
	}
	return nil
}

var nameUnsafe = regexp.MustCompile(`[^a-z0-9-]+`)

// resourceName derives a container or pod name from the task id. The result
// is a valid DNS-1123 label.
func resourceName(taskID string) string {
	base := strings.Trim(nameUnsafe.ReplaceAllString(strings.ToLower(taskID), "-"), "-")
	if len(base) > 40 {
		base = strings.TrimRight(base[:40], "-")
	}
	if base == "" {
		base = "task"
	}
	return "trellis-" + base + "-" + uuid.NewString()[:8]
}
