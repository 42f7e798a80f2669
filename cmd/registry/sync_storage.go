package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/upb/artifact-registry/app"
)

const cliAgent = "cli"

func newSyncStorageCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-storage",
		Short: "Rebuild the version index from blob storage",
		Long: color.GreenString(`Scan the blob store for committed versions and reconcile the database
with what is found. Published versions are never removed.`),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDependencies(cmd.Context(), func(ctx context.Context, deps *app.Dependencies) error {
				color.Yellow("Scanning storage...")
				result, err := deps.Engine.SyncStorage(ctx, cliAgent)
				if err != nil {
					return fmt.Errorf("sync failed: %w", err)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "projects: %d\napps:     %d\nversions: %d\n", result.Projects, result.Apps, result.Versions)
				fmt.Fprintf(out, "added:    %d\nremoved:  %d\nskipped:  %d\n", result.Added, result.Removed, result.Skipped)
				color.Green("Storage sync complete")
				return nil
			})
		},
	}
}
