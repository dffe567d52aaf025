//go:build !tokenizers

package bayes

import (
	"errors"
)

var ErrHFTokenizerNotSupported = errors.New("huggingface tokenizers require building with -tags tokenizers")

type HFTokenizer struct{}

func LoadHFTokenizer(path string, lowercase bool) (*HFTokenizer, error) {
	return nil, ErrHFTokenizerNotSupported
}

func (t *HFTokenizer) Tokenize(text string) []string {
	return nil
}

func (t *HFTokenizer) Close() error {
	return nil
}
