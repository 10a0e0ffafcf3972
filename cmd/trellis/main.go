package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/3cpo-dev/trellis/internal/core"
)

var (
	version   = "0.1.0"
	commit    = ""
	buildDate = ""
)

// Create the root command
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trellis",
		Short: "Trellis: dependency-aware task orchestration",
		Long:  "Trellis runs a pipeline of shell tasks as a dependency graph on local processes, SSH hosts, containers or Kubernetes pods.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("log", "l", "", "Set log level. Available: trace, debug, info, warn, error (default from config)")
	cmd.PersistentFlags().String("config", "", "config file")

	cmd.PersistentPreRunE = func(c *cobra.Command, args []string) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		levelStr, _ := c.Flags().GetString("log")
		if levelStr == "" {
			levelStr = cfg.Log.Level
		}
		zerolog.SetGlobalLevel(parseLevel(levelStr))
		if cfg.Log.File != "" {
			setupLogger(c.ErrOrStderr(), &lumberjack.Logger{
				Filename:   cfg.Log.File,
				MaxSize:    cfg.Log.MaxSizeMB,
				MaxBackups: cfg.Log.MaxBackups,
				MaxAge:     cfg.Log.MaxAgeDays,
				Compress:   true,
			})
		}
		return nil
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newKeygenCmd())
	cmd.AddCommand(newTrustCmd())
	cmd.AddCommand(newCompletionCmd())
	return cmd
}

func parseLevel(s string) zerolog.Level {
	switch s {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	}
	return zerolog.InfoLevel
}

func loadConfig(cmd *cobra.Command) (core.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return core.LoadConfig(path)
}

// Create the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "trellis %s (%s) %s\n", version, commit, buildDate)
		},
	}
}

// Setup the logger. The console always gets human-readable output; a log
// file, when given, receives the raw JSON events.
func setupLogger(console io.Writer, file io.Writer) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	var out io.Writer = zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339}
	if file != nil {
		out = zerolog.MultiLevelWriter(out, file)
	}
	log.Logger = log.Output(out)
}

// exitError carries a process exit code for a run that finished unsuccessfully.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

// Main entry point
func main() {
	setupLogger(os.Stderr, nil)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	root := newRootCmd()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}
