package main

import (
	"fmt"
	"os"
	"path/filepath"

	"ml-workbench/internal/dataset"

	"github.com/spf13/cobra"
)

var (
	datasetWorkDir  string
	datasetQuiet    bool
	exportInput     string
	exportTestInput string
	exportOutputDir string
)

var datasetCmd = &cobra.Command{
	Use:   "dataset",
	Short: "Download, split and upload the recipe's dataset",
}

var datasetPrepareCmd = &cobra.Command{
	Use:   "prepare",
	Short: "Fetch the dataset, split it and upload the train and test channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		store, err := objectStore(ctx)
		if err != nil {
			return err
		}

		opts := recipe.PrepareOptions(datasetWorkDir)
		if err := store.CreateBucket(ctx, opts.Bucket); err != nil {
			return fmt.Errorf("error creating bucket %s: %w", opts.Bucket, err)
		}

		result, err := dataset.Prepare(ctx, dataset.NewFetcher(datasetQuiet), store, opts)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "train: %s (%d samples)\n", result.TrainURI, result.TrainCount)
		fmt.Fprintf(cmd.OutOrStdout(), "test:  %s (%d samples)\n", result.TestURI, result.TestCount)
		return nil
	},
}

var datasetExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Split a local dataset file and write the channel CSVs to a directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := recipe.PrepareOptions("")

		train, err := dataset.ParseFile(exportInput, opts.Parse)
		if err != nil {
			return err
		}

		var test []dataset.Sample
		if exportTestInput != "" {
			if test, err = dataset.ParseFile(exportTestInput, opts.Parse); err != nil {
				return err
			}
		} else if opts.TestFraction > 0 {
			if train, test, err = dataset.Split(train, opts.TestFraction, opts.Seed); err != nil {
				return err
			}
		}

		channels := []struct {
			name    string
			samples []dataset.Sample
		}{{dataset.TrainChannel, train}, {dataset.TestChannel, test}}

		for _, channel := range channels {
			path := filepath.Join(exportOutputDir, channel.name, channel.name+".csv")
			if err := writeChannel(path, channel.samples); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%d samples)\n", channel.name, path, len(channel.samples))
		}
		return nil
	},
}

func writeChannel(path string, samples []dataset.Sample) error {
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return fmt.Errorf("error creating directory for %s: %w", path, err)
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", path, err)
	}
	defer file.Close()

	if err := dataset.WriteCSV(file, samples); err != nil {
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	return file.Close()
}

func init() {
	datasetPrepareCmd.Flags().StringVar(&datasetWorkDir, "work-dir", "", "directory for downloaded files, a temporary directory when empty")
	datasetPrepareCmd.Flags().BoolVarP(&datasetQuiet, "quiet", "q", false, "hide the download progress bar")

	datasetExportCmd.Flags().StringVar(&exportInput, "input", "", "local dataset file")
	datasetExportCmd.Flags().StringVar(&exportTestInput, "test-input", "", "optional local test file, disables splitting")
	datasetExportCmd.Flags().StringVarP(&exportOutputDir, "output-dir", "o", ".", "directory to write train/ and test/ into")
	_ = datasetExportCmd.MarkFlagRequired("input")

	datasetCmd.AddCommand(datasetPrepareCmd)
	datasetCmd.AddCommand(datasetExportCmd)
}
