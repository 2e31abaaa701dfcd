package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"blockci/internal/config"
	"blockci/internal/core"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// errVerdict is returned when a run finished with a verdict other than
// succeeded. The report has already been printed.
var errVerdict = errors.New("pipeline did not succeed")

// app carries state shared by all subcommands of one invocation.
type app struct {
	v      *viper.Viper
	cfg    *config.Config
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer

	cfgFile string
}

func newRootCmd(stdout, stderr io.Writer) (*cobra.Command, *app) {
	a := &app{v: viper.New(), stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "blockci",
		Short:         "blockci pipeline engine",
		Long:          "blockci runs dependency-ordered CI/CD pipelines and records every outcome in a signed ledger.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetVersionTemplate(fmt.Sprintf("blockci %s (commit: %s)\n", version, commit))

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default: ./blockci.yaml if present)")
	pf.StringP("pipeline", "f", "pipeline.yaml", "pipeline definition file")
	pf.String("log-level", "info", "log level: debug, info, warn or error")
	pf.String("data-dir", ".blockci", "directory for logs, ledger and keys")
	pf.String("workdir", ".", "working directory for stage commands")
	pf.String("builder", "auto", "container builder: auto, docker, podman or none")
	pf.Int("concurrency", 4, "maximum number of stages running at once")
	pf.Duration("stage-timeout", 30*time.Minute, "default timeout of a single stage attempt")

	_ = a.v.BindPFlag("pipeline", pf.Lookup("pipeline"))
	_ = a.v.BindPFlag("log_level", pf.Lookup("log-level"))
	_ = a.v.BindPFlag("data_dir", pf.Lookup("data-dir"))
	_ = a.v.BindPFlag("workdir", pf.Lookup("workdir"))
	_ = a.v.BindPFlag("builder", pf.Lookup("builder"))
	_ = a.v.BindPFlag("concurrency", pf.Lookup("concurrency"))
	_ = a.v.BindPFlag("stage_timeout", pf.Lookup("stage-timeout"))

	root.AddCommand(
		a.runCmd(),
		a.validateCmd(),
		a.serveCmd(),
		a.triggerCmd(),
		a.ledgerCmd(),
		a.keysCmd(),
	)
	return root, a
}

func (a *app) load() error {
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(a.stderr, cfg.LogLevel)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

// execute runs the CLI and returns the process exit code: 0 on success,
// 2 for an invalid pipeline or configuration, 1 otherwise.
func execute(args []string, stdout, stderr io.Writer) int {
	root, _ := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.Execute()
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errVerdict):
		return 1
	case errors.Is(err, core.ErrConfig):
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
}
