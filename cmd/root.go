// Package cmd defines and implements the CLI commands for the botconsole
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/botfleet-console/internal/config"
	"github.com/JakeFAU/botfleet-console/internal/logging"
)

// version is overridden at build time via -ldflags "-X".
var version = "dev"

// envKeyType is the key for storing the environment in the context.
type envKeyType string

const envKey envKeyType = "env"

// environment is what every subcommand needs: loaded config and a logger.
type environment struct {
	cfg    config.Config
	logger *zap.Logger
}

// newEnvironment is the environment factory. It's a variable so tests can
// inject a fixed configuration.
var newEnvironment = func(cfgPath string) (*environment, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	return &environment{cfg: cfg, logger: logger}, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "botconsole",
		Short: "Real-time log console for the scraping bot fleet.",
		Long: `botconsole subscribes to the fleet's streaming hub and keeps a bounded,
ordered buffer of bot log lines and progress updates. Run it as a headless
console service (serve), stream logs to the terminal (tail), or drive the
fleet REST API (bots, analytics).`,
		SilenceUsage: true,

		// Runs before every subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			env, err := newEnvironment(cfgFile)
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(env.logger)
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, env))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if env, ok := cmd.Context().Value(envKey).(*environment); ok && env != nil {
				_ = env.logger.Sync() //nolint:errcheck // stderr sync is best effort
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env BOTCONSOLE_* overrides apply either way)")

	cmd.AddCommand(
		newServeCmd(),
		newTailCmd(),
		newBotsCmd(),
		newAnalyticsCmd(),
		newVersionCmd(),
	)
	return cmd
}

func resolveEnv(ctx context.Context) (*environment, error) {
	env, ok := ctx.Value(envKey).(*environment)
	if !ok || env == nil {
		return nil, errors.New("environment not initialized")
	}
	return env, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
