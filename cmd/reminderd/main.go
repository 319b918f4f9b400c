package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"bangremind/internal/app"
	"bangremind/internal/config"
	logx "bangremind/pkg/logx"
)

const shutdownTimeout = 20 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "reminderd",
		Short:         "Reminder sweep daemon and maintenance tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "./config.json", "path to config file (json or yaml)")

	root.AddCommand(
		newServeCmd(opts),
		newSweepCmd(opts),
		newStuckCmd(opts),
		newAddCmd(opts),
		newListCmd(opts),
		newFiringsCmd(opts),
		newMigrateCmd(opts),
	)
	return root
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sweep scheduler until SIGINT/SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(opts.configPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				stopCtx, c := context.WithTimeout(context.Background(), shutdownTimeout)
				defer c()
				_ = a.Stop(stopCtx, app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				if a.Err() != nil {
					reason = app.StopFatalError
				}
			}
			fatal := a.Err()

			stopCtx, c := context.WithTimeout(context.Background(), shutdownTimeout)
			defer c()
			_ = a.Stop(stopCtx, reason)
			if reason == app.StopFatalError {
				return fatal
			}
			return nil
		},
	}
}

// loadConfig reads and validates the config without starting anything.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.NewConfigManager(path).Load()
	if err != nil {
		return nil, err
	}
	if err := app.Validate(context.Background(), cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// cliLogger logs to stderr so command output stays parseable.
func cliLogger(cfg *config.Config) logx.Logger {
	level := cfg.Logging.Level
	if level == "" {
		level = "warn"
	}
	return logx.NewWriter(os.Stderr, level)
}
