package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"ml-workbench/internal/config"
	"ml-workbench/internal/platform"
	"ml-workbench/internal/storage"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	recipePath string
	envPath    string

	recipe *config.Recipe
)

var rootCmd = &cobra.Command{
	Use:           "workbench",
	Short:         "Train and deploy text classifiers on SageMaker",
	SilenceUsage:  true,
	SilenceErrors: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if envPath != "" {
			log.Printf("loading env from file %s", envPath)
			if err := godotenv.Load(envPath); err != nil {
				return fmt.Errorf("error loading .env file '%s': %w", envPath, err)
			}
		}

		if recipePath == "" {
			return errors.New("--recipe is required")
		}
		r, err := config.LoadRecipe(recipePath)
		if err != nil {
			return err
		}
		recipe = r
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&recipePath, "recipe", "r", "", "path of the walkthrough recipe")
	rootCmd.PersistentFlags().StringVar(&envPath, "env", "", "path to load env from")

	rootCmd.AddCommand(datasetCmd)
	rootCmd.AddCommand(imageCmd)
	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(predictCmd)
	rootCmd.AddCommand(endpointCmd)
}

// platformSession creates a session in the recipe's region, falling back to
// the environment.
func platformSession(ctx context.Context) (*platform.Session, error) {
	var cfg config.PlatformConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing platform config: %w", err)
	}
	if recipe.Region != "" {
		cfg.Region = recipe.Region
	}
	return cfg.NewSession(ctx)
}

func objectStore(ctx context.Context) (storage.ObjectStore, error) {
	var cfg config.StorageConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing storage config: %w", err)
	}
	if recipe.Region != "" {
		cfg.S3Region = recipe.Region
	}
	return cfg.NewObjectStore(ctx)
}

func region() string {
	if recipe.Region != "" {
		return recipe.Region
	}
	var cfg config.PlatformConfig
	if err := env.Parse(&cfg); err != nil {
		return ""
	}
	return cfg.Region
}
