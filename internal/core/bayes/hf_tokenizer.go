//go:build tokenizers

package bayes

import (
	"fmt"
	"strings"

	"github.com/daulet/tokenizers"
)

// HFTokenizer uses a HuggingFace tokenizer.json for subword tokenization.
type HFTokenizer struct {
	tokenizer *tokenizers.Tokenizer
	lowercase bool
}

func LoadHFTokenizer(path string, lowercase bool) (*HFTokenizer, error) {
	tk, err := tokenizers.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("error loading tokenizer from %s: %w", path, err)
	}
	return &HFTokenizer{tokenizer: tk, lowercase: lowercase}, nil
}

func (t *HFTokenizer) Tokenize(text string) []string {
	if t.lowercase {
		text = strings.ToLower(text)
	}
	_, tokens := t.tokenizer.Encode(text, false)
	return tokens
}

func (t *HFTokenizer) Close() error {
	return t.tokenizer.Close()
}
