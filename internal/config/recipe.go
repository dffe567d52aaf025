package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"ml-workbench/internal/dataset"
	"ml-workbench/internal/images"
	"ml-workbench/internal/platform"
)

// Recipe holds the settings of one walkthrough: where the dataset comes from,
// how the image is built, how training runs and how the model is deployed.
// Environment variables in the file are expanded before parsing.
type Recipe struct {
	Name      string          `yaml:"name"`
	Region    string          `yaml:"region"`
	RoleARN   string          `yaml:"role_arn"`
	Dataset   DatasetRecipe   `yaml:"dataset"`
	Image     ImageRecipe     `yaml:"image"`
	Estimator EstimatorRecipe `yaml:"estimator"`
	Deploy    DeployRecipe    `yaml:"deploy"`
}

type DatasetRecipe struct {
	URL          string   `yaml:"url"`
	TestURL      string   `yaml:"test_url"`
	Format       string   `yaml:"format"`
	TextFields   []string `yaml:"text_fields"`
	LabelField   string   `yaml:"label_field"`
	LabelOffset  int      `yaml:"label_offset"`
	Header       []string `yaml:"header"`
	TestFraction float64  `yaml:"test_fraction"`
	Seed         uint64   `yaml:"seed"`
	Bucket       string   `yaml:"bucket"`
	Prefix       string   `yaml:"prefix"`
}

type ImageRecipe struct {
	ContextDir string            `yaml:"context_dir"`
	Dockerfile string            `yaml:"dockerfile"`
	Repository string            `yaml:"repository"`
	Tag        string            `yaml:"tag"`
	BuildArgs  map[string]string `yaml:"build_args"`
}

type EstimatorRecipe struct {
	Image             string                      `yaml:"image"`
	InstanceType      string                      `yaml:"instance_type"`
	InstanceCount     int                         `yaml:"instance_count"`
	VolumeSizeGB      int                         `yaml:"volume_size_gb"`
	MaxRuntime        time.Duration               `yaml:"max_runtime"`
	Hyperparameters   map[string]string           `yaml:"hyperparameters"`
	Environment       map[string]string           `yaml:"environment"`
	OutputPath        string                      `yaml:"output_path"`
	BaseJobName       string                      `yaml:"base_job_name"`
	InputMode         string                      `yaml:"input_mode"`
	MetricDefinitions []platform.MetricDefinition `yaml:"metric_definitions"`
}

type DeployRecipe struct {
	EndpointName  string            `yaml:"endpoint_name"`
	InstanceType  string            `yaml:"instance_type"`
	InstanceCount int               `yaml:"instance_count"`
	VariantName   string            `yaml:"variant_name"`
	Environment   map[string]string `yaml:"environment"`
}

func LoadRecipe(path string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading recipe %s: %w", path, err)
	}
	return ParseRecipe(data)
}

func ParseRecipe(data []byte) (*Recipe, error) {
	var recipe Recipe
	if err := yaml.UnmarshalStrict([]byte(os.ExpandEnv(string(data))), &recipe); err != nil {
		return nil, fmt.Errorf("error parsing recipe: %w", err)
	}
	if recipe.Name == "" {
		return nil, errors.New("recipe name is required")
	}
	return &recipe, nil
}

func (r *Recipe) PrepareOptions(workDir string) dataset.PrepareOptions {
	prefix := r.Dataset.Prefix
	if prefix == "" {
		prefix = r.Name
	}
	return dataset.PrepareOptions{
		URL:     r.Dataset.URL,
		TestURL: r.Dataset.TestURL,
		Parse: dataset.ParseOptions{
			Format:      r.Dataset.Format,
			TextFields:  r.Dataset.TextFields,
			LabelField:  r.Dataset.LabelField,
			LabelOffset: r.Dataset.LabelOffset,
			Header:      r.Dataset.Header,
		},
		TestFraction: r.Dataset.TestFraction,
		Seed:         r.Dataset.Seed,
		Bucket:       r.Dataset.Bucket,
		Prefix:       prefix,
		WorkDir:      workDir,
	}
}

func (r *Recipe) BuildOptions() images.BuildOptions {
	return images.BuildOptions{
		ContextDir: r.Image.ContextDir,
		Dockerfile: r.Image.Dockerfile,
		Repository: r.Image.Repository,
		Tag:        r.Image.Tag,
		BuildArgs:  r.Image.BuildArgs,
	}
}

func (r *Recipe) TrainingEstimator() platform.Estimator {
	base := r.Estimator.BaseJobName
	if base == "" {
		base = r.Name
	}
	return platform.Estimator{
		Image:             r.Estimator.Image,
		RoleARN:           r.RoleARN,
		InstanceType:      r.Estimator.InstanceType,
		InstanceCount:     r.Estimator.InstanceCount,
		VolumeSizeGB:      r.Estimator.VolumeSizeGB,
		MaxRuntime:        r.Estimator.MaxRuntime,
		Hyperparameters:   r.Estimator.Hyperparameters,
		Environment:       r.Estimator.Environment,
		OutputPath:        r.Estimator.OutputPath,
		BaseJobName:       base,
		InputMode:         r.Estimator.InputMode,
		MetricDefinitions: r.Estimator.MetricDefinitions,
	}
}

// Model describes the model to deploy from a training artifact. The image
// defaults to the training image.
func (r *Recipe) Model(modelDataURL string) platform.Model {
	return platform.Model{
		Image:        r.Estimator.Image,
		ModelDataURL: modelDataURL,
		RoleARN:      r.RoleARN,
		Environment:  r.Deploy.Environment,
	}
}

func (r *Recipe) DeployOptions() platform.DeployOptions {
	return platform.DeployOptions{
		EndpointName:  r.Deploy.EndpointName,
		InstanceType:  r.Deploy.InstanceType,
		InstanceCount: r.Deploy.InstanceCount,
		VariantName:   r.Deploy.VariantName,
	}
}
