package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"simwatch/internal/cli"
	"simwatch/internal/logging"
)

// exitError carries a semantic exit code out of a cobra command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

type app struct {
	flags  cli.Flags
	limit  int
	out    io.Writer
	logger *zap.Logger
	inv    cli.Invocation
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{out: stdout}
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	if err == nil {
		return cli.ExitSuccess
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(stderr, ee.err)
		}
		return ee.code
	}
	// cobra usage errors: unknown flags, wrong arguments.
	fmt.Fprintln(stderr, err)
	return cli.ExitInvalidInvocation
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "simwatch",
		Short: "Watch a document-comparison pipeline and re-run it on change",
		Long: `simwatch watches source directories and re-runs a fixed, ordered pipeline of
interpreted scripts and statistical-runtime programs whenever a relevant file
changes. It verifies declared outputs at checkpoints, diagnoses failures from
both runtimes and previews the key result tables.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.flags.ConfigPath, "config", "c", cli.DefaultConfigName, "Configuration file (relative to --workdir)")
	pf.StringVar(&a.flags.WorkDir, "workdir", "", "Working directory (default: current directory)")
	pf.BoolVarP(&a.flags.Verbose, "verbose", "v", false, "Enable debug logging")
	pf.StringVar(&a.flags.LogFormat, "log-format", string(logging.FormatJSON), "Log encoding: json|console")
	pf.StringVar(&a.flags.StateDir, "state-dir", "", "Run ledger directory (overrides state_dir)")

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Check outputs, then re-run the pipeline whenever a watched file changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.finish(cli.Watch(cmd.Context(), a.inv, a.out, a.logger))
		},
	}
	watchCmd.Flags().StringVar(&a.flags.Cooldown, "cooldown", "", "Debounce cooldown, e.g. 5s (overrides watch.cooldown)")
	watchCmd.Flags().StringVar(&a.flags.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (overrides metrics.addr)")
	a.keepFlag(watchCmd)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.finish(cli.RunOnce(cmd.Context(), a.inv, a.out, a.logger))
		},
	}
	a.keepFlag(runCmd)

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Report which declared outputs exist",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return a.finish(cli.Check(a.inv, a.out, a.logger))
		},
	}

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs from the ledger",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return a.finish(cli.History(a.inv, a.out, a.limit))
		},
	}
	historyCmd.Flags().IntVarP(&a.limit, "limit", "n", cli.DefaultHistoryLimit, "Number of runs to list")

	root.AddCommand(watchCmd, runCmd, checkCmd, historyCmd)
	return root
}

func (a *app) keepFlag(cmd *cobra.Command) {
	cmd.Flags().IntVar(&a.flags.Keep, "keep", 0, "Prune the run ledger to the newest N runs (overrides keep_runs)")
}

// setup canonicalizes the invocation and builds the logger before any
// subcommand runs.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if a.flags.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return &exitError{code: cli.ExitInternalError, err: err}
		}
		a.flags.WorkDir = wd
	}
	if f := cmd.Flags().Lookup("keep"); f != nil {
		a.flags.KeepSet = f.Changed
	}

	inv, err := cli.ParseInvocation(a.flags)
	if err != nil {
		return &exitError{code: cli.ExitCode(err), err: err}
	}
	a.inv = inv

	logger, err := logging.New(logging.Options{Verbose: inv.Verbose, Format: inv.LogFormat})
	if err != nil {
		return &exitError{code: cli.ExitInternalError, err: err}
	}
	a.logger = logger
	return nil
}

func (a *app) finish(res cli.CLIResult, err error) error {
	if res.ExitCode == cli.ExitSuccess && err == nil {
		return nil
	}
	return &exitError{code: res.ExitCode, err: err}
}
