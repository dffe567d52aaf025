package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"ml-workbench/internal/api"
	"ml-workbench/internal/inference"
	"ml-workbench/plugin/shared"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/semaphore"
)

// Config is read from the environment the platform sets on serving containers.
type Config struct {
	Program         string `env:"SAGEMAKER_PROGRAM"`
	SubmitDirectory string `env:"SAGEMAKER_SUBMIT_DIRECTORY" envDefault:"/opt/ml/code"`
	CodeDir         string `env:"SM_CODE_DIR" envDefault:"/opt/ml/code"`
	ModelDir        string `env:"SM_MODEL_DIR" envDefault:"/opt/ml/model"`
	Port            int    `env:"SAGEMAKER_BIND_TO_PORT" envDefault:"8080"`
	TimeoutSeconds  int    `env:"SAGEMAKER_MODEL_SERVER_TIMEOUT" envDefault:"60"`
	Workers         int    `env:"SAGEMAKER_MODEL_SERVER_WORKERS"`
	MaxPayloadMB    int    `env:"SAGEMAKER_MAX_PAYLOAD_IN_MB" envDefault:"6"`
}

func (c Config) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.NumCPU()
}

func (c Config) timeout() time.Duration {
	if c.TimeoutSeconds > 0 {
		return time.Duration(c.TimeoutSeconds) * time.Second
	}
	return 60 * time.Second
}

type Server struct {
	cfg Config
	sem *semaphore.Weighted

	mu          sync.RWMutex
	transformer shared.Transformer
	ready       atomic.Bool
}

func NewServer(cfg Config) *Server {
	return &Server{
		cfg: cfg,
		sem: semaphore.NewWeighted(int64(cfg.workers())),
	}
}

// SetTransformer installs the request handler and marks the server ready.
func (s *Server) SetTransformer(t shared.Transformer) {
	s.mu.Lock()
	s.transformer = t
	s.mu.Unlock()
	s.ready.Store(t != nil)
}

func (s *Server) Ready() bool {
	return s.ready.Load()
}

func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.timeout()))

	r.Get("/ping", s.Ping)
	r.Post("/invocations", s.Invocations)
	r.Get("/execution-parameters", api.RestHandler(s.ExecutionParameters))

	return r
}

func (s *Server) Ping(w http.ResponseWriter, r *http.Request) {
	if !s.Ready() {
		http.Error(w, "model is not loaded", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) Invocations(w http.ResponseWriter, r *http.Request) {
	body, err := s.invoke(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		slog.Error("error writing invocation response", "error", err)
	}
}

func (s *Server) invoke(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	s.mu.RLock()
	transformer := s.transformer
	s.mu.RUnlock()

	if transformer == nil {
		return nil, api.CodedErrorf(http.StatusServiceUnavailable, "model is not loaded")
	}

	maxBytes := int64(s.cfg.MaxPayloadMB) * 1024 * 1024
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, api.CodedErrorf(http.StatusRequestEntityTooLarge, "request body exceeds %d bytes", maxErr.Limit)
		}
		return nil, api.CodedErrorf(http.StatusBadRequest, "unable to read request body")
	}

	if err := s.sem.Acquire(r.Context(), 1); err != nil {
		return nil, api.CodedErrorf(http.StatusServiceUnavailable, "request cancelled while waiting for a worker")
	}
	defer s.sem.Release(1)

	out, err := transformer.Transform(body, r.Header.Get("Content-Type"), r.Header.Get("Accept"))
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, inference.ErrNotImplemented):
		return nil, api.CodedError(http.StatusUnsupportedMediaType, err)
	case errors.Is(err, inference.ErrInvalidInput):
		return nil, api.CodedError(http.StatusBadRequest, err)
	default:
		return nil, fmt.Errorf("error handling invocation: %w", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := api.ErrorCode(err)
	if code == http.StatusInternalServerError {
		slog.Error("invocation failed", "error", err)
	}
	http.Error(w, err.Error(), code)
}

type ExecutionParameters struct {
	MaxConcurrentTransforms int    `json:"MaxConcurrentTransforms"`
	BatchStrategy           string `json:"BatchStrategy"`
	MaxPayloadInMB          int    `json:"MaxPayloadInMB"`
}

func (s *Server) ExecutionParameters(r *http.Request) (any, error) {
	return ExecutionParameters{
		MaxConcurrentTransforms: s.cfg.workers(),
		BatchStrategy:           "MULTI_RECORD",
		MaxPayloadInMB:          s.cfg.MaxPayloadMB,
	}, nil
}

// pipelineTransformer serves the built-in pipeline in process.
type pipelineTransformer struct {
	pipeline inference.Pipeline
}

func (t pipelineTransformer) Transform(body []byte, contentType, accept string) ([]byte, error) {
	return inference.TransformFn(t.pipeline, body, contentType, accept)
}
