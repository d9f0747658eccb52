package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/simplesurance/drover/internal/runner"
)

func newCleanupCmd() *cobra.Command {
	var maxAge time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "remove leftover containers of aborted runs",
		Long: `Remove drover containers and job networks that are older than --max-age.

Leftovers can exist when a previous drover process was killed before its
container teardown ran.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			jobRunner := runner.New(runner.Options{Engine: config.ContainerEngine})

			return jobRunner.Cleanup(cmd.Context(), maxAge)
		},
	}

	cmd.Flags().DurationVar(&maxAge, "max-age", 24*time.Hour,
		"containers older than this are removed")

	return cmd
}
