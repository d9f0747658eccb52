package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/simplesurance/drover/internal/jobs"
	"github.com/simplesurance/drover/internal/runner"
)

func newFetchImagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch-images ECOSYSTEM...",
		Short: "pull the updater images for the given package ecosystems",
		Long: fmt.Sprintf(`Pull the updater images for the given package ecosystems and the proxy
image, so that a later run does not spend its job timeout on image downloads.

The image names are derived from the configured updater image template,
%s is replaced with the ecosystem identifier.`, jobs.ImagePlaceholder),
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, posArgs []string) error {
			ecosystems := make([]jobs.Ecosystem, 0, len(posArgs))
			for _, arg := range posArgs {
				eco, err := jobs.ParseEcosystem(arg)
				if err != nil {
					return err
				}

				ecosystems = append(ecosystems, eco)
			}

			jobRunner := runner.New(runner.Options{
				Engine:               config.ContainerEngine,
				ProxyImage:           config.ProxyImage,
				UpdaterImageTemplate: config.UpdaterImageTemplate,
			})

			return jobRunner.FetchImages(cmd.Context(), ecosystems)
		},
	}
}
