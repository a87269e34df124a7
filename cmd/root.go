// Package cmd defines and implements the CLI commands for the harvester executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/artifact-harvester/internal/config"
	"github.com/JakeFAU/artifact-harvester/internal/logging"
)

// envKeyType keys the command environment in the context.
type envKeyType string

const envKey envKeyType = "env"

// env is what every subcommand receives once the root hook has run.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// newRootCmd creates the root command with its persistent flags and subcommands.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Resumable bulk artifact harvester.",
		Long: `harvester walks a list of record ids, fetches each one from a source,
fits the payload under the sink's size ceiling and stores it. Progress is
persisted after every batch so an interrupted job resumes where it stopped.`,
		SilenceUsage: true,

		// Loading config and the logger here keeps every subcommand's RunE small.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, &env{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, ok := cmd.Context().Value(envKey).(*env); ok && e != nil {
				_ = e.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env vars prefixed HARVEST_ override it)")

	cmd.AddCommand(newRunCmd(), newStatusCmd())
	return cmd
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil {
		return nil, fmt.Errorf("command environment not initialized")
	}
	return e, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
