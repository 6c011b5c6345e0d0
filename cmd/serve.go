package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	"github.com/JakeFAU/botfleet-console/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the headless console service",
		Long: `Opens the configured scope against the streaming hub and serves the
console over HTTP: snapshot, logs, stats and progress under /api/console,
scope switching, fleet API passthrough, health probes and /metrics.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	env, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}

	undo, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		env.logger.Debug(fmt.Sprintf(format, args...))
	}))
	if err != nil {
		env.logger.Warn("failed to set GOMAXPROCS", zap.Error(err))
	}
	defer undo()

	app, err := server.Build(cmd.Context(), env.cfg, version, env.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	if err := app.Run(cmd.Context()); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}
