package main

import (
	"fmt"
	"path"

	"ml-workbench/internal/dataset"
	"ml-workbench/internal/storage"

	"github.com/spf13/cobra"
)

var (
	trainInput string
	testInput  string
	trainImage string
	noWait     bool
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Launch a training job with the recipe's estimator",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		session, err := platformSession(ctx)
		if err != nil {
			return err
		}

		est := recipe.TrainingEstimator()
		if trainImage != "" {
			est.Image = trainImage
		}

		job, err := session.Fit(ctx, est, trainingInputs(), !noWait)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "job:    %s\n", job.Name)
		fmt.Fprintf(cmd.OutOrStdout(), "status: %s\n", job.Status)
		if job.ModelArtifacts != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "model:  %s\n", job.ModelArtifacts)
		}
		return nil
	},
}

// trainingInputs defaults the channels to the prefixes dataset prepare uploads to.
func trainingInputs() map[string]string {
	opts := recipe.PrepareOptions("")

	inputs := map[string]string{}
	if trainInput != "" {
		inputs[dataset.TrainChannel] = trainInput
	} else {
		inputs[dataset.TrainChannel] = storage.URI(opts.Bucket, path.Join(opts.Prefix, dataset.TrainChannel))
	}

	if testInput != "" {
		inputs[dataset.TestChannel] = testInput
	} else if trainInput == "" && (opts.TestFraction > 0 || opts.TestURL != "") {
		inputs[dataset.TestChannel] = storage.URI(opts.Bucket, path.Join(opts.Prefix, dataset.TestChannel))
	}
	return inputs
}

func init() {
	trainCmd.Flags().StringVar(&trainInput, "train", "", "s3 prefix of the train channel")
	trainCmd.Flags().StringVar(&testInput, "test", "", "s3 prefix of the test channel")
	trainCmd.Flags().StringVar(&trainImage, "image", "", "training image, overrides the recipe")
	trainCmd.Flags().BoolVar(&noWait, "no-wait", false, "return once the job is created")
}
