package bayes

import (
	"strings"
	"unicode"
)

const WordTokenizerName = "word"

type Tokenizer interface {
	Tokenize(text string) []string
}

// WordTokenizer splits text on runs of characters that are not letters or digits.
type WordTokenizer struct {
	Lowercase bool
}

func (t WordTokenizer) Tokenize(text string) []string {
	if t.Lowercase {
		text = strings.ToLower(text)
	}
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// TokenizerConfig is persisted with the model so that serving tokenizes the
// same way training did. Name is either "word" or the path of a tokenizer.json.
type TokenizerConfig struct {
	Name      string `json:"name"`
	Lowercase bool   `json:"lowercase"`
}

func (cfg TokenizerConfig) isWord() bool {
	return cfg.Name == "" || cfg.Name == WordTokenizerName
}

// NewTokenizer constructs the tokenizer described by cfg.
func NewTokenizer(cfg TokenizerConfig) (Tokenizer, error) {
	if cfg.isWord() {
		return WordTokenizer{Lowercase: cfg.Lowercase}, nil
	}
	tk, err := LoadHFTokenizer(cfg.Name, cfg.Lowercase)
	if err != nil {
		return nil, err
	}
	return tk, nil
}
