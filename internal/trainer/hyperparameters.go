package trainer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"
)

type Hyperparameters struct {
	Alpha      float64
	MinCount   int
	MaxVocab   int
	Lowercase  bool
	Tokenizer  string
	LabelNames []string
}

// BindFlags registers the hyperparameter flags. The platform passes
// hyperparameters as --name value pairs.
func BindFlags(fs *pflag.FlagSet, hp *Hyperparameters) {
	fs.Float64Var(&hp.Alpha, "alpha", 1.0, "additive smoothing parameter")
	fs.IntVar(&hp.MinCount, "min-count", 1, "minimum corpus frequency for a token to enter the vocabulary")
	fs.IntVar(&hp.MaxVocab, "max-vocab", 0, "maximum vocabulary size, 0 for unlimited")
	fs.BoolVar(&hp.Lowercase, "lowercase", true, "lowercase text before tokenizing")
	fs.StringVar(&hp.Tokenizer, "tokenizer", "word", "'word' or the path of a huggingface tokenizer.json")
	fs.StringSliceVar(&hp.LabelNames, "label-names", nil, "comma separated label names, indexed by label")
}

// ApplyHyperparametersFile sets flags from the platform's hyperparameters.json.
// Values there are always strings. Keys without a matching flag are skipped,
// since the platform adds its own entries. A missing file is not an error.
func ApplyHyperparametersFile(fs *pflag.FlagSet, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("error reading hyperparameters file %s: %w", path, err)
	}

	var values map[string]any
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("error parsing hyperparameters file %s: %w", path, err)
	}

	for key, value := range values {
		name := strings.ReplaceAll(key, "_", "-")
		if fs.Lookup(name) == nil {
			slog.Info("ignoring unknown hyperparameter", "name", key)
			continue
		}

		var s string
		switch v := value.(type) {
		case string:
			s = strings.Trim(v, `"`)
		default:
			s = fmt.Sprint(v)
		}

		if err := fs.Set(name, s); err != nil {
			return fmt.Errorf("invalid value '%s' for hyperparameter %s: %w", s, key, err)
		}
	}

	return nil
}
