package bayes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"ml-workbench/internal/dataset"
)

const (
	ModelFile     = "model.json"
	tokenizerFile = "tokenizer.json"
)

type TrainOptions struct {
	// Alpha is the additive smoothing parameter.
	Alpha float64
	// MinCount drops tokens seen fewer times across the corpus.
	MinCount int
	// MaxVocab keeps only the most frequent tokens; zero means no limit.
	MaxVocab int
	// LabelNames optionally names labels by index.
	LabelNames []string
}

func DefaultTrainOptions() TrainOptions {
	return TrainOptions{Alpha: 1.0, MinCount: 1}
}

type Score struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Model is a multinomial naive Bayes text classifier. It is read-only after
// Train or Load and safe for concurrent use.
type Model struct {
	Labels         []int           `json:"labels"`
	LabelNames     map[int]string  `json:"label_names,omitempty"`
	Vocab          map[string]int  `json:"vocab"`
	LogPriors      []float64       `json:"log_priors"`
	LogLikelihoods [][]float64     `json:"log_likelihoods"`
	Tokenizer      TokenizerConfig `json:"tokenizer"`

	tokenizer Tokenizer
}

func Train(samples []dataset.Sample, opts TrainOptions, tokenizerCfg TokenizerConfig) (*Model, error) {
	if len(samples) == 0 {
		return nil, errors.New("cannot train on an empty dataset")
	}
	if opts.Alpha <= 0 {
		return nil, fmt.Errorf("alpha must be positive, got %v", opts.Alpha)
	}

	tokenizer, err := NewTokenizer(tokenizerCfg)
	if err != nil {
		return nil, err
	}

	tokenized := make([][]string, len(samples))
	totals := make(map[string]int)
	labelDocs := make(map[int]int)
	for i, sample := range samples {
		tokenized[i] = tokenizer.Tokenize(sample.Text)
		for _, token := range tokenized[i] {
			totals[token]++
		}
		labelDocs[sample.Label]++
	}

	vocab := buildVocab(totals, opts.MinCount, opts.MaxVocab)
	if len(vocab) == 0 {
		return nil, errors.New("vocabulary is empty after applying min count and max vocab")
	}

	labels := make([]int, 0, len(labelDocs))
	for label := range labelDocs {
		labels = append(labels, label)
	}
	sort.Ints(labels)

	labelIdx := make(map[int]int, len(labels))
	for i, label := range labels {
		labelIdx[label] = i
	}

	counts := make([][]float64, len(labels))
	for i := range counts {
		counts[i] = make([]float64, len(vocab))
	}
	labelTotals := make([]float64, len(labels))
	for i, sample := range samples {
		c := labelIdx[sample.Label]
		for _, token := range tokenized[i] {
			if t, ok := vocab[token]; ok {
				counts[c][t]++
				labelTotals[c]++
			}
		}
	}

	model := &Model{
		Labels:         labels,
		Vocab:          vocab,
		LogPriors:      make([]float64, len(labels)),
		LogLikelihoods: make([][]float64, len(labels)),
		Tokenizer:      tokenizerCfg,
		tokenizer:      tokenizer,
	}

	if len(opts.LabelNames) > 0 {
		model.LabelNames = make(map[int]string)
		for _, label := range labels {
			if label >= 0 && label < len(opts.LabelNames) {
				model.LabelNames[label] = opts.LabelNames[label]
			}
		}
	}

	denom := float64(len(vocab)) * opts.Alpha
	for c, label := range labels {
		model.LogPriors[c] = math.Log(float64(labelDocs[label]) / float64(len(samples)))
		model.LogLikelihoods[c] = make([]float64, len(vocab))
		for t := 0; t < len(vocab); t++ {
			model.LogLikelihoods[c][t] = math.Log((counts[c][t] + opts.Alpha) / (labelTotals[c] + denom))
		}
	}

	return model, nil
}

func buildVocab(totals map[string]int, minCount, maxVocab int) map[string]int {
	tokens := make([]string, 0, len(totals))
	for token, count := range totals {
		if count >= minCount {
			tokens = append(tokens, token)
		}
	}

	sort.Slice(tokens, func(i, j int) bool {
		if totals[tokens[i]] != totals[tokens[j]] {
			return totals[tokens[i]] > totals[tokens[j]]
		}
		return tokens[i] < tokens[j]
	})

	if maxVocab > 0 && len(tokens) > maxVocab {
		tokens = tokens[:maxVocab]
	}

	vocab := make(map[string]int, len(tokens))
	for i, token := range tokens {
		vocab[token] = i
	}
	return vocab
}

func (m *Model) labelName(label int) string {
	if name, ok := m.LabelNames[label]; ok {
		return name
	}
	return strconv.Itoa(label)
}

func (m *Model) logScores(text string) []float64 {
	scores := make([]float64, len(m.Labels))
	copy(scores, m.LogPriors)

	for _, token := range m.tokenizer.Tokenize(text) {
		t, ok := m.Vocab[token]
		if !ok {
			continue
		}
		for c := range scores {
			scores[c] += m.LogLikelihoods[c][t]
		}
	}
	return scores
}

// Predict returns the probability of every label, highest first.
func (m *Model) Predict(text string) []Score {
	logScores := m.logScores(text)

	maxScore := math.Inf(-1)
	for _, s := range logScores {
		maxScore = max(maxScore, s)
	}

	var sum float64
	probs := make([]float64, len(logScores))
	for c, s := range logScores {
		probs[c] = math.Exp(s - maxScore)
		sum += probs[c]
	}

	result := make([]Score, len(m.Labels))
	for c, label := range m.Labels {
		result[c] = Score{Label: m.labelName(label), Score: probs[c] / sum}
	}

	sort.SliceStable(result, func(i, j int) bool { return result[i].Score > result[j].Score })

	return result
}

// PredictLabel returns the most probable label.
func (m *Model) PredictLabel(text string) int {
	logScores := m.logScores(text)
	best := 0
	for c := range logScores {
		if logScores[c] > logScores[best] {
			best = c
		}
	}
	return m.Labels[best]
}

// Evaluate returns the accuracy of the model on samples.
func (m *Model) Evaluate(samples []dataset.Sample) float64 {
	if len(samples) == 0 {
		return 0
	}

	correct := 0
	for _, sample := range samples {
		if m.PredictLabel(sample.Text) == sample.Label {
			correct++
		}
	}
	return float64(correct) / float64(len(samples))
}

// Save writes model.json to dir. A file-based tokenizer is copied alongside it.
func (m *Model) Save(dir string) error {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return fmt.Errorf("error creating model dir %s: %w", dir, err)
	}

	saved := *m
	if !m.Tokenizer.isWord() {
		if err := copyFile(m.Tokenizer.Name, filepath.Join(dir, tokenizerFile)); err != nil && !errors.Is(err, errSameFile) {
			return fmt.Errorf("error saving tokenizer: %w", err)
		}
		saved.Tokenizer.Name = tokenizerFile
	}

	file, err := os.Create(filepath.Join(dir, ModelFile))
	if err != nil {
		return fmt.Errorf("error creating model file: %w", err)
	}
	return writeJSON(file, &saved)
}

// writeJSON encodes v to w and closes it, returning the first error.
func writeJSON(w io.WriteCloser, v any) error {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		w.Close()
		return fmt.Errorf("error encoding model: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("error closing model file: %w", err)
	}
	return nil
}

func Load(dir string) (*Model, error) {
	file, err := os.Open(filepath.Join(dir, ModelFile))
	if err != nil {
		return nil, fmt.Errorf("error opening model file: %w", err)
	}
	defer file.Close()

	var model Model
	if err := json.NewDecoder(file).Decode(&model); err != nil {
		return nil, fmt.Errorf("error decoding model: %w", err)
	}

	if len(model.Labels) == 0 || len(model.LogPriors) != len(model.Labels) || len(model.LogLikelihoods) != len(model.Labels) {
		return nil, errors.New("invalid model: label dimensions do not match")
	}
	for _, ll := range model.LogLikelihoods {
		if len(ll) != len(model.Vocab) {
			return nil, errors.New("invalid model: vocab dimensions do not match")
		}
	}

	tokenizerCfg := model.Tokenizer
	if !tokenizerCfg.isWord() && !filepath.IsAbs(tokenizerCfg.Name) {
		tokenizerCfg.Name = filepath.Join(dir, tokenizerCfg.Name)
	}
	model.tokenizer, err = NewTokenizer(tokenizerCfg)
	if err != nil {
		return nil, err
	}
	model.Tokenizer = tokenizerCfg

	return &model, nil
}

var errSameFile = errors.New("source and destination are the same file")

func copyFile(src, dst string) error {
	srcAbs, err := filepath.Abs(src)
	if err != nil {
		return err
	}
	dstAbs, err := filepath.Abs(dst)
	if err != nil {
		return err
	}
	if srcAbs == dstAbs {
		return errSameFile
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
