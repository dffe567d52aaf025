package inference

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"ml-workbench/internal/core/bayes"
)

var (
	ErrNotImplemented = errors.New("only application/json content and accept types are supported")
	ErrInvalidInput   = errors.New("invalid request payload")
)

type Prediction struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Pipeline classifies a batch of texts, returning at most topK predictions per
// text ordered by score. Implementations must be safe for concurrent use.
type Pipeline interface {
	Predict(texts []string, topK int) ([][]Prediction, error)
}

type BayesPipeline struct {
	model *bayes.Model
}

func NewBayesPipeline(model *bayes.Model) *BayesPipeline {
	return &BayesPipeline{model: model}
}

func (p *BayesPipeline) Predict(texts []string, topK int) ([][]Prediction, error) {
	results := make([][]Prediction, 0, len(texts))
	for _, text := range texts {
		scores := p.model.Predict(text)
		if topK < len(scores) {
			scores = scores[:topK]
		}

		preds := make([]Prediction, 0, len(scores))
		for _, score := range scores {
			preds = append(preds, Prediction{Label: score.Label, Score: score.Score})
		}
		results = append(results, preds)
	}
	return results, nil
}

// ModelFn loads the pipeline saved in modelDir.
func ModelFn(modelDir string) (Pipeline, error) {
	model, err := bayes.Load(modelDir)
	if err != nil {
		return nil, fmt.Errorf("error loading model from %s: %w", modelDir, err)
	}
	return NewBayesPipeline(model), nil
}

// Inputs accepts either a single string or a list of strings.
type Inputs struct {
	Texts  []string
	Single bool
}

func (in *Inputs) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		in.Texts, in.Single = []string{single}, true
		return nil
	}

	var texts []string
	if err := json.Unmarshal(data, &texts); err != nil {
		return errors.New("inputs must be a string or a list of strings")
	}
	in.Texts, in.Single = texts, false
	return nil
}

type Parameters struct {
	TopK *int `json:"top_k"`
}

type Request struct {
	Inputs     *Inputs    `json:"inputs"`
	Parameters Parameters `json:"parameters"`
}

type Response struct {
	Predictions [][]Prediction
	Single      bool
}

const defaultTopK = 1

func IsJSON(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "json")
}

func acceptsJSON(accept string) bool {
	accept = strings.TrimSpace(accept)
	return accept == "" || strings.Contains(accept, "*/*") || IsJSON(accept)
}

// InputFn decodes a request body.
func InputFn(body []byte, contentType string) (*Request, error) {
	if !IsJSON(contentType) {
		return nil, ErrNotImplemented
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if req.Inputs == nil || len(req.Inputs.Texts) == 0 {
		return nil, fmt.Errorf("%w: inputs must not be empty", ErrInvalidInput)
	}
	if req.Parameters.TopK != nil && *req.Parameters.TopK < 1 {
		return nil, fmt.Errorf("%w: top_k must be at least 1", ErrInvalidInput)
	}

	return &req, nil
}

// PredictFn runs the decoded request through the pipeline.
func PredictFn(req *Request, pipeline Pipeline) (*Response, error) {
	topK := defaultTopK
	if req.Parameters.TopK != nil {
		topK = *req.Parameters.TopK
	}

	preds, err := pipeline.Predict(req.Inputs.Texts, topK)
	if err != nil {
		return nil, fmt.Errorf("error running pipeline: %w", err)
	}
	return &Response{Predictions: preds, Single: req.Inputs.Single}, nil
}

// OutputFn encodes the response. A single string input gets a flat list of
// predictions, a list input gets one list per input.
func OutputFn(res *Response, accept string) ([]byte, error) {
	if !acceptsJSON(accept) {
		return nil, ErrNotImplemented
	}

	if res.Single && len(res.Predictions) == 1 {
		return json.Marshal(res.Predictions[0])
	}
	return json.Marshal(res.Predictions)
}

// TransformFn handles one invocation end to end.
func TransformFn(pipeline Pipeline, body []byte, contentType, accept string) ([]byte, error) {
	if !IsJSON(contentType) || !acceptsJSON(accept) {
		return nil, ErrNotImplemented
	}

	req, err := InputFn(body, contentType)
	if err != nil {
		return nil, err
	}

	res, err := PredictFn(req, pipeline)
	if err != nil {
		return nil, err
	}

	return OutputFn(res, accept)
}
