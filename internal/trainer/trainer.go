package trainer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"ml-workbench/internal/core/bayes"
	"ml-workbench/internal/dataset"
)

// Env holds the directories the platform provides to a training container.
type Env struct {
	TrainDir            string `env:"SM_CHANNEL_TRAIN" envDefault:"/opt/ml/input/data/train"`
	TestDir             string `env:"SM_CHANNEL_TEST" envDefault:"/opt/ml/input/data/test"`
	OutputDataDir       string `env:"SM_OUTPUT_DATA_DIR" envDefault:"/opt/ml/output/data"`
	ModelDir            string `env:"SM_MODEL_DIR" envDefault:"/opt/ml/model"`
	HyperparametersFile string `env:"SM_HYPERPARAMETERS_FILE" envDefault:"/opt/ml/input/config/hyperparameters.json"`
	FailureFile         string `env:"SM_FAILURE_FILE" envDefault:"/opt/ml/output/failure"`
}

const MetricsFile = "metrics.json"

type Metrics struct {
	TrainAccuracy float64  `json:"train_accuracy"`
	TestAccuracy  *float64 `json:"test_accuracy,omitempty"`
	TrainCount    int      `json:"train_count"`
	TestCount     int      `json:"test_count"`
	VocabSize     int      `json:"vocab_size"`
	Labels        []int    `json:"labels"`
}

// Run trains a model from the channel directories and writes the model and
// metrics. Metric lines for the platform's metric definitions go to metricsOut.
func Run(env Env, hp Hyperparameters, metricsOut io.Writer) (*Metrics, error) {
	train, err := loadChannel(env.TrainDir)
	if err != nil {
		return nil, fmt.Errorf("error loading train channel: %w", err)
	}
	if len(train) == 0 {
		return nil, fmt.Errorf("no training samples found in %s", env.TrainDir)
	}

	test, err := loadChannel(env.TestDir)
	if err != nil {
		return nil, fmt.Errorf("error loading test channel: %w", err)
	}

	slog.Info("training naive bayes model", "train_count", len(train), "test_count", len(test), "alpha", hp.Alpha, "min_count", hp.MinCount, "max_vocab", hp.MaxVocab, "tokenizer", hp.Tokenizer)

	model, err := bayes.Train(train, bayes.TrainOptions{
		Alpha:      hp.Alpha,
		MinCount:   hp.MinCount,
		MaxVocab:   hp.MaxVocab,
		LabelNames: hp.LabelNames,
	}, bayes.TokenizerConfig{Name: hp.Tokenizer, Lowercase: hp.Lowercase})
	if err != nil {
		return nil, fmt.Errorf("error training model: %w", err)
	}

	metrics := &Metrics{
		TrainAccuracy: model.Evaluate(train),
		TrainCount:    len(train),
		TestCount:     len(test),
		VocabSize:     len(model.Vocab),
		Labels:        model.Labels,
	}
	fmt.Fprintf(metricsOut, "train_accuracy=%.4f;\n", metrics.TrainAccuracy)

	if len(test) > 0 {
		acc := model.Evaluate(test)
		metrics.TestAccuracy = &acc
		fmt.Fprintf(metricsOut, "test_accuracy=%.4f;\n", acc)
	}

	if err := writeMetrics(env.OutputDataDir, metrics); err != nil {
		return nil, err
	}

	if err := model.Save(env.ModelDir); err != nil {
		return nil, fmt.Errorf("error saving model: %w", err)
	}

	slog.Info("training complete", "model_dir", env.ModelDir, "train_accuracy", metrics.TrainAccuracy)

	return metrics, nil
}

// loadChannel reads every csv file in dir. A missing dir yields no samples.
func loadChannel(dir string) ([]dataset.Sample, error) {
	if dir == "" {
		return nil, nil
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	var samples []dataset.Sample
	for _, file := range files {
		f, err := os.Open(file)
		if err != nil {
			return nil, fmt.Errorf("error opening %s: %w", file, err)
		}
		batch, err := dataset.ReadCSV(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("error reading %s: %w", file, err)
		}
		samples = append(samples, batch...)
	}

	return samples, nil
}

func writeMetrics(dir string, metrics *Metrics) error {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return fmt.Errorf("error creating output dir %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(metrics, "", "  ")
	if err != nil {
		return fmt.Errorf("error encoding metrics: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, MetricsFile), data, 0644); err != nil {
		return fmt.Errorf("error writing metrics: %w", err)
	}
	return nil
}

// WriteFailure records the training failure where the platform reads it as the
// job's failure reason.
func WriteFailure(path string, cause error) error {
	if path == "" || cause == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return errors.Join(cause, err)
	}
	return os.WriteFile(path, []byte(cause.Error()), 0644)
}
