package bayes

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"ml-workbench/internal/dataset"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trainingSamples() []dataset.Sample {
	return []dataset.Sample{
		{Text: "the team won the football match", Label: 0},
		{Text: "striker scores twice in cup final", Label: 0},
		{Text: "coach praises players after the game", Label: 0},
		{Text: "stocks rally as markets rise", Label: 1},
		{Text: "central bank raises interest rates", Label: 1},
		{Text: "shares fall after weak earnings", Label: 1},
		{Text: "new smartphone chip doubles battery life", Label: 2},
		{Text: "researchers release open source software", Label: 2},
		{Text: "startup unveils faster laptop processor", Label: 2},
	}
}

func TestWordTokenizer(t *testing.T) {
	assert.Equal(t, []string{"Hello", "world", "42"}, WordTokenizer{}.Tokenize("Hello, world! 42"))
	assert.Equal(t, []string{"hello", "wörld"}, WordTokenizer{Lowercase: true}.Tokenize("  HELLO--Wörld  "))
	assert.Empty(t, WordTokenizer{}.Tokenize("?!"))
}

func TestTrainPredict(t *testing.T) {
	model, err := Train(trainingSamples(), DefaultTrainOptions(), TokenizerConfig{Name: WordTokenizerName, Lowercase: true})
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2}, model.Labels)
	assert.Equal(t, 0, model.PredictLabel("The match was a great game for the team"))
	assert.Equal(t, 1, model.PredictLabel("markets react to interest rates"))
	assert.Equal(t, 2, model.PredictLabel("laptop software update"))

	scores := model.Predict("football cup final")
	require.Len(t, scores, 3)
	assert.Equal(t, "0", scores[0].Label)
	var total float64
	for i, score := range scores {
		total += score.Score
		if i > 0 {
			assert.GreaterOrEqual(t, scores[i-1].Score, score.Score)
		}
	}
	assert.InDelta(t, 1.0, total, 1e-9)

	assert.Equal(t, 1.0, model.Evaluate(trainingSamples()))
	assert.Equal(t, 0.0, model.Evaluate(nil))
}

func TestTrain_UnknownTokensUsePriors(t *testing.T) {
	samples := append(trainingSamples(), dataset.Sample{Text: "rates", Label: 1})
	model, err := Train(samples, DefaultTrainOptions(), TokenizerConfig{})
	require.NoError(t, err)
	assert.Equal(t, 1, model.PredictLabel("zzz qqq"))
}

func TestTrain_Options(t *testing.T) {
	model, err := Train(trainingSamples(), TrainOptions{Alpha: 0.5, MinCount: 2}, TokenizerConfig{Lowercase: true})
	require.NoError(t, err)
	assert.Contains(t, model.Vocab, "the")
	assert.NotContains(t, model.Vocab, "striker")

	model, err = Train(trainingSamples(), TrainOptions{Alpha: 1, MinCount: 1, MaxVocab: 3}, TokenizerConfig{})
	require.NoError(t, err)
	assert.Len(t, model.Vocab, 3)

	model, err = Train(trainingSamples(), TrainOptions{Alpha: 1, LabelNames: []string{"Sports", "Business", "Sci/Tech"}}, TokenizerConfig{})
	require.NoError(t, err)
	assert.Equal(t, "Business", model.Predict("stocks and shares")[0].Label)

	_, err = Train(nil, DefaultTrainOptions(), TokenizerConfig{})
	assert.Error(t, err)

	_, err = Train(trainingSamples(), TrainOptions{Alpha: 0}, TokenizerConfig{})
	assert.Error(t, err)

	_, err = Train(trainingSamples(), TrainOptions{Alpha: 1, MinCount: 100}, TokenizerConfig{})
	assert.ErrorContains(t, err, "vocabulary is empty")
}

func TestSaveLoad(t *testing.T) {
	model, err := Train(trainingSamples(), DefaultTrainOptions(), TokenizerConfig{Lowercase: true})
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "model")
	require.NoError(t, model.Save(dir))

	loaded, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, model.Labels, loaded.Labels)
	assert.Equal(t, model.Vocab, loaded.Vocab)
	for _, text := range []string{"football final", "bank earnings", "open source chip"} {
		assert.Equal(t, model.Predict(text), loaded.Predict(text))
	}
}

type failingCloser struct {
	bytes.Buffer
	closeErr error
}

func (f *failingCloser) Close() error { return f.closeErr }

func TestWriteJSONReportsCloseError(t *testing.T) {
	model, err := Train(trainingSamples(), DefaultTrainOptions(), TokenizerConfig{Lowercase: true})
	require.NoError(t, err)

	out := &failingCloser{closeErr: errors.New("disk quota exceeded")}
	err = writeJSON(out, model)
	assert.ErrorContains(t, err, "disk quota exceeded")
	assert.NotZero(t, out.Len())

	require.NoError(t, writeJSON(&failingCloser{}, model))
}

func TestLoad_Invalid(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.Error(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ModelFile), []byte(`{"labels":[0,1],"log_priors":[0],"vocab":{}}`), os.ModePerm))
	_, err = Load(dir)
	assert.ErrorContains(t, err, "invalid model")
}

func TestHFTokenizerConfig(t *testing.T) {
	_, err := NewTokenizer(TokenizerConfig{Name: filepath.Join(t.TempDir(), "missing-tokenizer.json")})
	assert.Error(t, err)
}
