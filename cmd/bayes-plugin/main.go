// Command bayes-plugin serves the built-in naive Bayes pipeline as an
// out-of-process plugin. It is an example of a program the model server
// loads from the submit directory through SAGEMAKER_PROGRAM.
package main

import (
	"log"

	"ml-workbench/internal/inference"
	"ml-workbench/plugin/shared"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	ModelDir string `env:"SM_MODEL_DIR" envDefault:"/opt/ml/model"`
}

type pipelineTransformer struct {
	pipeline inference.Pipeline
}

func (t pipelineTransformer) Transform(body []byte, contentType, accept string) ([]byte, error) {
	return inference.TransformFn(t.pipeline, body, contentType, accept)
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	pipeline, err := inference.ModelFn(cfg.ModelDir)
	if err != nil {
		log.Fatalf("error loading model: %v", err)
	}

	shared.Serve(pipelineTransformer{pipeline: pipeline})
}
