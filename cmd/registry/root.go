package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/upb/artifact-registry/app"
	"github.com/upb/artifact-registry/config"
	"github.com/upb/artifact-registry/internal/observability"
	"go.uber.org/zap"
)

// loadConfig is swapped out by tests
var loadConfig = config.New

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Artifact version registry",
		Long: `registry stores immutable, content-addressed versions of static site
builds and serves them to deployment agents.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newSyncStorageCommand())

	return cmd
}

// bootstrap loads configuration and builds the logger every command shares
func bootstrap(ctx context.Context) (*config.Config, *zap.Logger, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observability.NewLogger(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}

// withDependencies runs fn against fully wired dependencies for one-shot
// maintenance commands. The cleanup scheduler stays off so only fn touches
// the registry; the webhook dispatcher runs so fn's events are delivered.
func withDependencies(ctx context.Context, fn func(ctx context.Context, deps *app.Dependencies) error) error {
	cfg, logger, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	cfg.Cleanup.Enabled = false

	deps, err := app.NewDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := deps.Start(ctx); err != nil {
		_ = deps.Close(ctx)
		return err
	}

	runErr := fn(ctx, deps)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := deps.Close(closeCtx); err != nil && runErr == nil {
		return err
	}
	return runErr
}
