package main

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/trellis/internal/backend"
	"github.com/3cpo-dev/trellis/internal/core"
	gssh "github.com/3cpo-dev/trellis/internal/ssh"
	"github.com/3cpo-dev/trellis/pkg/api"
)

// lazyFactory defers building a backend's client until the first task that
// needs it, so a pipeline that only runs locally never touches SSH keys, the
// Docker socket or a kubeconfig. A build error fails every task of that kind.
func lazyFactory(kind api.BackendKind, build func() (backend.Factory, error)) backend.Factory {
	var (
		once sync.Once
		f    backend.Factory
		err  error
	)
	return func(spec api.BackendSpec) (backend.Executor, error) {
		once.Do(func() {
			f, err = build()
			if err != nil {
				err = fmt.Errorf("init %s backend: %w", kind, err)
				log.Error().Err(err).Msg("backend unavailable")
			}
		})
		if err != nil {
			return nil, err
		}
		return f(spec)
	}
}

// newRegistry wires every backend from the machine config. fetchDir is where
// remote fetches with a relative destination land.
func newRegistry(cfg core.Config, fetchDir string) *backend.Registry {
	reg := backend.NewRegistry()
	reg.Register(api.BackendLocal, backend.NewLocalFactory(backend.LocalOptions{
		Shell:     cfg.Local.Shell,
		KillDelay: cfg.Local.KillDelay,
	}))
	reg.Register(api.BackendRemote, lazyFactory(api.BackendRemote, func() (backend.Factory, error) {
		signer, err := gssh.LoadPrivateKeySigner(cfg.KeyPath(), cfg.SSH.Passphrase)
		if err != nil {
			return nil, err
		}
		known, err := gssh.LoadKnownHostsCallback(cfg.SSH.KnownHosts)
		if err != nil {
			return nil, err
		}
		return backend.NewRemoteFactory(backend.RemoteOptions{
			User:           cfg.SSH.User,
			Port:           cfg.SSH.Port,
			Hosts:          cfg.Inventory(),
			Signer:         signer,
			KnownHosts:     known,
			ConnectTimeout: cfg.SSH.ConnectTimeout,
			KillDelay:      cfg.SSH.KillDelay,
			FetchDir:       fetchDir,
		}), nil
	}))
	reg.Register(api.BackendContainer, lazyFactory(api.BackendContainer, func() (backend.Factory, error) {
		cli, err := backend.NewDockerClient(cfg.Docker.Host)
		if err != nil {
			return nil, err
		}
		return backend.NewContainerFactory(backend.ContainerOptions{
			Client:      cli,
			DefaultPull: cfg.Docker.Pull,
			StopTimeout: cfg.Docker.StopTimeout,
		}), nil
	}))
	reg.Register(api.BackendPod, lazyFactory(api.BackendPod, func() (backend.Factory, error) {
		cli, err := backend.NewKubeClient(cfg.Kubernetes.Kubeconfig, cfg.Kubernetes.Context)
		if err != nil {
			return nil, err
		}
		return backend.NewPodFactory(backend.PodOptions{
			Client:          cli,
			Namespace:       cfg.Kubernetes.Namespace,
			PollInterval:    cfg.Kubernetes.PollInterval,
			ScheduleTimeout: cfg.Kubernetes.ScheduleTimeout,
		}), nil
	}))
	return reg
}
