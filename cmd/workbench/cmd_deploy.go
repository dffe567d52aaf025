package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	deployModelData string
	deployJob       string
	deployImage     string
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy a trained model to an endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		session, err := platformSession(ctx)
		if err != nil {
			return err
		}

		modelData := deployModelData
		if modelData == "" {
			if deployJob == "" {
				return errors.New("one of --model-data or --job is required")
			}
			job, err := session.DescribeTrainingJob(ctx, deployJob)
			if err != nil {
				return err
			}
			if job.ModelArtifacts == "" {
				return fmt.Errorf("training job %s has no model artifacts (status %s)", deployJob, job.Status)
			}
			modelData = job.ModelArtifacts
		}

		model := recipe.Model(modelData)
		if deployImage != "" {
			model.Image = deployImage
		}

		endpoint, err := session.Deploy(ctx, model, recipe.DeployOptions(), true)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "endpoint: %s\n", endpoint.Name)
		fmt.Fprintf(cmd.OutOrStdout(), "status:   %s\n", endpoint.Status)
		return nil
	},
}

func init() {
	deployCmd.Flags().StringVar(&deployModelData, "model-data", "", "s3 uri of the model.tar.gz")
	deployCmd.Flags().StringVar(&deployJob, "job", "", "training job whose artifacts to deploy")
	deployCmd.Flags().StringVar(&deployImage, "image", "", "serving image, defaults to the training image")
}
