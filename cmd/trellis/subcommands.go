package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/trellis/internal/artifact"
	"github.com/3cpo-dev/trellis/internal/backend"
	"github.com/3cpo-dev/trellis/internal/core"
	"github.com/3cpo-dev/trellis/internal/graph"
	"github.com/3cpo-dev/trellis/internal/pipeline"
	"github.com/3cpo-dev/trellis/internal/report"
	gssh "github.com/3cpo-dev/trellis/internal/ssh"
	"github.com/3cpo-dev/trellis/internal/telemetry"
	"github.com/3cpo-dev/trellis/pkg/api"
)

// Load a pipeline and build its graph, logging lint warnings.
func loadGraph(path string, extraVars map[string]string) (*api.PipelineSpec, *graph.Graph, []graph.Warning, error) {
	spec, err := pipeline.LoadFile(path)
	if err != nil {
		return nil, nil, nil, err
	}
	vars := maps.Clone(spec.Vars)
	if vars == nil {
		vars = map[string]string{}
	}
	maps.Copy(vars, extraVars)
	spec.Vars = vars

	g, err := graph.Build(spec.Tasks)
	if err != nil {
		return nil, nil, nil, err
	}
	warnings := graph.Lint(g, spec.Vars)
	for _, w := range warnings {
		log.Warn().Str("task", w.Task).Msg(w.Message)
	}
	return spec, g, warnings, nil
}

// Run a pipeline
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <pipeline>",
		Short: "Run a pipeline file (.yaml, .yml or .hcl)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			vars, _ := cmd.Flags().GetStringToString("var")
			spec, g, _, err := loadGraph(args[0], vars)
			if err != nil {
				return err
			}

			concurrency := cfg.Concurrency
			if spec.Concurrency > 0 {
				concurrency = spec.Concurrency
			}
			if cmd.Flags().Changed("concurrency") {
				concurrency, _ = cmd.Flags().GetInt("concurrency")
			}
			failFast := cfg.FailFast || spec.FailFast
			if cmd.Flags().Changed("fail-fast") {
				failFast, _ = cmd.Flags().GetBool("fail-fast")
			}
			grace := cfg.GracePeriod
			if cmd.Flags().Changed("grace") {
				grace, _ = cmd.Flags().GetDuration("grace")
			}
			artifactsDir := cfg.ArtifactsDir
			if dir, _ := cmd.Flags().GetString("artifacts"); dir != "" {
				artifactsDir = dir
			}

			statusAddr, _ := cmd.Flags().GetString("status-addr")
			tel := telemetry.NewCollector(cfg.Telemetry.Enabled || statusAddr != "", cfg.Telemetry.FlushInterval)
			defer tel.Shutdown()
			sampler := telemetry.StartRuntimeSampler(tel, 10*time.Second)
			defer sampler.Stop()

			runID := uuid.NewString()
			dirSink := artifact.NewDirSink(artifactsDir)
			sinks := core.MultiSink{dirSink}
			var store *core.Store
			if noHistory, _ := cmd.Flags().GetBool("no-history"); !noHistory {
				store, err = core.NewStore(cfg.StorePath)
				if err != nil {
					return fmt.Errorf("open history: %w", err)
				}
				defer store.Close()
				sinks = append(sinks, store)
			}

			if statusAddr != "" {
				srv, err := telemetry.NewStatusServer(statusAddr, tel)
				if err != nil {
					return err
				}
				if store != nil {
					srv.RegisterHealthCheck("history", func() telemetry.HealthCheck {
						ctx, cancel := context.WithTimeout(context.Background(), time.Second)
						defer cancel()
						if err := store.Ping(ctx); err != nil {
							return telemetry.HealthCheck{Status: telemetry.HealthStatusDegraded, Message: err.Error()}
						}
						return telemetry.HealthCheck{Status: telemetry.HealthStatusHealthy, Message: "ok"}
					})
				}
				srv.Start()
				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					_ = srv.Shutdown(ctx)
				}()
			}

			ctrl := core.NewController(grace)
			stop := ctrl.NotifyOn(cmd.Context())
			defer stop()

			logger := log.Logger.With().Str("pipeline", spec.Name).Logger()
			sched := core.NewScheduler(newRegistry(cfg, dirSink.RunDir(runID)), core.Options{
				Concurrency:    concurrency,
				FailurePolicy:  core.PolicyFor(failFast),
				GracePeriod:    grace,
				DefaultRetry:   cfg.RetryPolicy(),
				DefaultTimeout: cfg.DefaultTimeout,
				Vars:           spec.Vars,
				Sink:           sinks,
				Logger:         &logger,
				Telemetry:      tel,
				RunID:          runID,
				Controller:     ctrl,
			})
			res := sched.Run(cmd.Context(), g)

			if quiet, _ := cmd.Flags().GetBool("quiet"); !quiet {
				report.Write(cmd.OutOrStdout(), res)
			}
			switch res.Status {
			case api.RunCancelled:
				return &exitError{code: 130, msg: fmt.Sprintf("run %s cancelled", res.RunID)}
			case api.RunFailed:
				return &exitError{code: 1, msg: fmt.Sprintf("run %s failed", res.RunID)}
			}
			return nil
		},
	}
	cmd.Flags().Int("concurrency", 0, "maximum number of attempts running at once (overrides pipeline and config)")
	cmd.Flags().Bool("fail-fast", false, "stop dispatching new tasks after the first failure; running tasks finish")
	cmd.Flags().Duration("grace", 0, "how long cancelled tasks get to exit before they are abandoned")
	cmd.Flags().StringToString("var", nil, "pipeline variable, repeatable (--var env=prod)")
	cmd.Flags().String("artifacts", "", "directory for per-run logs and metadata")
	cmd.Flags().Bool("no-history", false, "do not record the run in the history database")
	cmd.Flags().BoolP("quiet", "q", false, "do not print the summary table")
	cmd.Flags().String("status-addr", "", "serve /health and /metrics on this address while the run is in progress")
	return cmd
}

// Validate a pipeline without running it
func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <pipeline>",
		Short: "Check a pipeline file and print its execution order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vars, _ := cmd.Flags().GetStringToString("var")
			spec, g, warnings, err := loadGraph(args[0], vars)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pipeline %s: %d tasks\n", spec.Name, g.Len())
			for n, i := range g.Order() {
				t := g.Task(i)
				deps := ""
				if len(t.DependsOn) > 0 {
					deps = " <- " + strings.Join(t.DependsOn, ", ")
				}
				fmt.Fprintf(out, "%3d. %s [%s]%s\n", n+1, t.ID, t.Backend.Kind, deps)
			}
			for _, w := range warnings {
				fmt.Fprintf(out, "warning: %s\n", w)
			}
			if strict, _ := cmd.Flags().GetBool("strict"); strict && len(warnings) > 0 {
				return fmt.Errorf("%d warnings", len(warnings))
			}
			return nil
		},
	}
	cmd.Flags().StringToString("var", nil, "pipeline variable, repeatable (--var env=prod)")
	cmd.Flags().Bool("strict", false, "treat warnings as errors")
	return cmd
}

// Show past runs
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recorded runs, or the attempts of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := core.NewStore(cfg.StorePath)
			if err != nil {
				return fmt.Errorf("open history: %w", err)
			}
			defer store.Close()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer tw.Flush()
			if len(args) == 0 {
				limit, _ := cmd.Flags().GetInt("limit")
				runs, err := store.ListRuns(cmd.Context(), limit)
				if err != nil {
					return err
				}
				fmt.Fprintln(tw, "RUN\tSTATUS\tSTARTED\tDURATION\tTASKS\tFAILED")
				for _, r := range runs {
					dur := "-"
					if !r.FinishedAt.IsZero() {
						dur = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\n", r.ID, r.Status, r.StartedAt.Local().Format(time.DateTime), dur, r.Tasks, r.Failed)
				}
				return nil
			}

			recs, err := store.Attempts(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				return fmt.Errorf("no attempts recorded for run %s", args[0])
			}
			fmt.Fprintln(tw, "TASK\tATTEMPT\tBACKEND\tOUTCOME\tEXIT\tDURATION\tERROR")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d\t%s\t%s\n", r.TaskID, r.Attempt, r.Backend, r.Outcome, r.ExitCode, r.Duration.Round(time.Millisecond), r.Error)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "number of runs to list")
	return cmd
}

// Generate the SSH key used for remote hosts
func newKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the ed25519 key used by the remote backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			path := cfg.KeyPath()
			force, _ := cmd.Flags().GetBool("force")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("key already exists at %s (use --force to replace it)", path)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("stat key: %w", err)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
				return fmt.Errorf("mkdir key dir: %w", err)
			}
			pub, err := gssh.GenerateEd25519Keypair(path, "trellis")
			if err != nil {
				return err
			}
			log.Info().Str("path", path).Msg("key written")
			fmt.Fprint(cmd.OutOrStdout(), pub)
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "overwrite an existing key")
	return cmd
}

// Add a host key to known_hosts
func newTrustCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust <host>",
		Short: "Record a host key in known_hosts, scanning the host unless --key is given",
		Long:  "host is an inventory name from the config or a host[:port] address.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			opts := backend.RemoteOptions{User: cfg.SSH.User, Port: cfg.SSH.Port, Hosts: cfg.Inventory()}
			addr, _ := opts.Resolve(&api.RemoteSpec{Host: args[0]})

			key, _ := cmd.Flags().GetString("key")
			if key == "" {
				pub, err := gssh.ScanHostKey(cmd.Context(), addr, cfg.SSH.ConnectTimeout)
				if err != nil {
					return err
				}
				key = string(xssh.MarshalAuthorizedKey(pub))
				log.Info().Str("host", addr).Str("fingerprint", xssh.FingerprintSHA256(pub)).Msg("scanned host key")
			}
			if err := gssh.AppendKnownHost(cfg.SSH.KnownHosts, addr, key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "trusted %s\n", addr)
			return nil
		},
	}
	cmd.Flags().String("key", "", "authorized_keys formatted host key to trust instead of scanning")
	return cmd
}

// Generate shell completion scripts
func newCompletionCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "completion [bash|zsh|fish|powershell]",
		Short:     "Generate shell completion script",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
		RunE: func(cmd *cobra.Command, args []string) error {
			root, out := cmd.Root(), cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return root.GenBashCompletionV2(out, true)
			case "zsh":
				return root.GenZshCompletion(out)
			case "fish":
				return root.GenFishCompletion(out, true)
			case "powershell":
				return root.GenPowerShellCompletionWithDesc(out)
			}
			return fmt.Errorf("unsupported shell %q", args[0])
		},
	}
}
