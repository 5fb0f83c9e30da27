// Package cli wires the crontick command line.
package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"crontick/internal/app"
)

// ShutdownTimeout bounds App.Stop after the scheduler halts or a signal arrives.
const ShutdownTimeout = 10 * time.Second

type rootFlags struct {
	config   string
	baseDir  string
	logLevel string
}

func (f *rootFlags) options() app.Options {
	return app.Options{ConfigPath: f.config, BaseDir: f.baseDir, LogLevel: f.logLevel}
}

// NewRootCmd builds "crontick [stop]" and its subcommands.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&rootFlags{}, app.Options{})
}

// newRootCmd lets tests inject process and env hooks through base.
func newRootCmd(f *rootFlags, base app.Options) *cobra.Command {
	opts := func() app.Options {
		o := f.options()
		o.Process = base.Process
		o.LookupEnv = base.LookupEnv
		return o
	}
	root := &cobra.Command{
		Use:   "crontick [stop]",
		Short: "Run tasks from a JSON task file on cron schedules",
		Long: "crontick re-reads its task file every period and runs each entry whose cron\n" +
			"expression matches the current minute. With \"stop\" it only terminates a\n" +
			"running instance and exits.",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 1 || (len(args) == 1 && args[0] != "stop") {
				return fmt.Errorf("unexpected arguments %q; only \"stop\" is accepted", args)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return runStop(cmd, opts())
			}
			return runDaemon(cmd.Context(), opts())
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&f.config, "config", "crontick.yaml", "settings file (YAML or JSON); missing means defaults")
	pf.StringVar(&f.baseDir, "base-dir", "", "directory holding the task and config caches")
	pf.StringVar(&f.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")

	root.AddCommand(
		newValidateCmd(opts),
		newNextCmd(opts),
	)
	return root
}

// runDaemon blocks until the scheduler halts, a component fails or ctx ends.
func runDaemon(ctx context.Context, opts app.Options) error {
	a, err := app.New(ctx, opts)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
		defer cancel()
		_ = a.Stop(stopCtx)
		return fmt.Errorf("start: %w", err)
	}
	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
	defer cancel()
	return a.Stop(stopCtx)
}

// runStop terminates any recorded instance, records this process and exits.
func runStop(cmd *cobra.Command, opts app.Options) error {
	a, err := app.New(cmd.Context(), opts)
	if err != nil {
		return err
	}
	defer a.Close()
	prev, err := a.Takeover()
	if err != nil {
		return err
	}
	if prev > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "previous instance pid %d handled\n", prev)
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "no previous instance recorded")
	}
	return nil
}
