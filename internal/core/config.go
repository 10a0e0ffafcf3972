package core

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/trellis/internal/backend"
	"github.com/3cpo-dev/trellis/internal/retry"
	"github.com/3cpo-dev/trellis/pkg/api"
)

// Config holds the machine-level settings: where state lives and how to reach
// remote hosts, the Docker engine and the cluster. Pipeline files and CLI
// flags override the run settings.
type Config struct {
	Concurrency    int            `yaml:"concurrency"`
	FailFast       bool           `yaml:"fail_fast"`
	GracePeriod    time.Duration  `yaml:"grace_period"`
	DefaultTimeout time.Duration  `yaml:"default_timeout"`
	Retry          *api.RetrySpec `yaml:"retry"`
	StorePath      string         `yaml:"store"`
	ArtifactsDir   string         `yaml:"artifacts_dir"`
	Log            struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"log"`
	SSH struct {
		KeyDir         string        `yaml:"key_dir"`
		KnownHosts     string        `yaml:"known_hosts"`
		User           string        `yaml:"user"`
		Port           int           `yaml:"port"`
		ConnectTimeout time.Duration `yaml:"connect_timeout"`
		KillDelay      time.Duration `yaml:"kill_delay"`
		// Passphrase only comes from TRELLIS_SSH_PASSPHRASE or secrets.env.
		Passphrase string `yaml:"-"`
	} `yaml:"ssh"`
	Hosts []struct {
		Name string `yaml:"name"`
		IP   string `yaml:"ip"`
		User string `yaml:"user"`
		Port int    `yaml:"port"`
	} `yaml:"hosts"`
	Local struct {
		Shell     []string      `yaml:"shell"`
		KillDelay time.Duration `yaml:"kill_delay"`
	} `yaml:"local"`
	Docker struct {
		Host        string         `yaml:"host"`
		Pull        api.PullPolicy `yaml:"pull"`
		StopTimeout time.Duration  `yaml:"stop_timeout"`
	} `yaml:"docker"`
	Kubernetes struct {
		Kubeconfig      string        `yaml:"kubeconfig"`
		Context         string        `yaml:"context"`
		Namespace       string        `yaml:"namespace"`
		ScheduleTimeout time.Duration `yaml:"schedule_timeout"`
		PollInterval    time.Duration `yaml:"poll_interval"`
	} `yaml:"kubernetes"`
	Telemetry struct {
		Enabled       bool          `yaml:"enabled"`
		FlushInterval time.Duration `yaml:"flush_interval"`
	} `yaml:"telemetry"`
}

// ConfigDir resolves $XDG_CONFIG_HOME/trellis or ~/.config/trellis.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "trellis")
}

// DefaultConfig returns the settings used when no config file exists.
func DefaultConfig() Config {
	dir := ConfigDir()
	var cfg Config
	cfg.Concurrency = 4
	cfg.GracePeriod = 10 * time.Second
	cfg.StorePath = filepath.Join(dir, "history.db")
	cfg.ArtifactsDir = filepath.Join(dir, "runs")
	cfg.Log.Level = "info"
	cfg.Log.MaxSizeMB = 50
	cfg.Log.MaxBackups = 3
	cfg.Log.MaxAgeDays = 28
	cfg.SSH.KeyDir = dir
	cfg.SSH.KnownHosts = filepath.Join(dir, "known_hosts")
	cfg.SSH.Port = 22
	cfg.SSH.ConnectTimeout = 10 * time.Second
	cfg.Docker.Pull = api.PullIfNotPresent
	cfg.Kubernetes.Namespace = "default"
	cfg.Kubernetes.ScheduleTimeout = 5 * time.Minute
	cfg.Telemetry.FlushInterval = 30 * time.Second
	return cfg
}

// LoadConfig reads YAML configuration from a path. If path is empty, it resolves
// $XDG_CONFIG_HOME/trellis/config.yaml or ~/.config/trellis/config.yaml; a
// missing default file yields DefaultConfig. Values in the file override defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = filepath.Join(ConfigDir(), "config.yaml")
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case explicit || !errors.Is(err, fs.ErrNotExist):
		return cfg, fmt.Errorf("open config: %w", err)
	}

	// Merge secrets from secrets.env if present to avoid storing passphrases in YAML
	secrets, _ := LoadSecretsEnv("")
	if v := os.Getenv("TRELLIS_SSH_PASSPHRASE"); v != "" {
		secrets["TRELLIS_SSH_PASSPHRASE"] = v
	}
	cfg.SSH.Passphrase = secrets["TRELLIS_SSH_PASSPHRASE"]

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Concurrency < 0 {
		return fmt.Errorf("config: concurrency must not be negative")
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("config: grace_period must not be negative")
	}
	switch c.Docker.Pull {
	case "", api.PullAlways, api.PullIfNotPresent, api.PullNever:
	default:
		return fmt.Errorf("config: unknown docker pull policy %q", c.Docker.Pull)
	}
	if c.Retry != nil {
		if err := retry.FromSpec(c.Retry, retry.DefaultPolicy()).Validate(); err != nil {
			return fmt.Errorf("config: retry: %w", err)
		}
	}
	for _, h := range c.Hosts {
		if h.Name == "" || h.IP == "" {
			return fmt.Errorf("config: every host needs a name and an ip")
		}
	}
	return nil
}

// RetryPolicy is the run-level default retry policy.
func (c Config) RetryPolicy() retry.Policy {
	return retry.FromSpec(c.Retry, retry.DefaultPolicy())
}

// Inventory maps host names to connection details for the remote backend.
func (c Config) Inventory() map[string]backend.RemoteHost {
	out := make(map[string]backend.RemoteHost, len(c.Hosts))
	for _, h := range c.Hosts {
		out[h.Name] = backend.RemoteHost{Addr: h.IP, User: h.User, Port: h.Port}
	}
	return out
}

// KeyPath is the private key used for remote hosts.
func (c Config) KeyPath() string {
	return filepath.Join(c.SSH.KeyDir, "id_ed25519")
}
