package main

import (
	"fmt"

	"ml-workbench/internal/images"

	"github.com/spf13/cobra"
)

var imageTag string

var imageCmd = &cobra.Command{
	Use:   "image",
	Short: "Manage the training and serving container image",
}

var imageBuildPushCmd = &cobra.Command{
	Use:   "build-push",
	Short: "Build the recipe's image and push it to the account's registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		registry, err := images.NewRegistry(ctx, region())
		if err != nil {
			return err
		}

		opts := recipe.BuildOptions()
		if imageTag != "" {
			opts.Tag = imageTag
		}

		uri, err := registry.BuildAndPush(ctx, opts)
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), uri)
		return nil
	},
}

func init() {
	imageBuildPushCmd.Flags().StringVarP(&imageTag, "tag", "t", "", "image tag, overrides the recipe")

	imageCmd.AddCommand(imageBuildPushCmd)
}
