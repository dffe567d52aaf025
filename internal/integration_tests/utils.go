//go:build integration
// +build integration

package integrationtests

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ml-workbench/internal/dataset"
	"ml-workbench/internal/inference"
	"ml-workbench/internal/platform"
	"ml-workbench/internal/storage"
	"ml-workbench/internal/trainer"

	"github.com/aws/aws-sdk-go-v2/service/sagemaker/types"
	"github.com/aws/aws-sdk-go-v2/service/sagemakerruntime"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/minio"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	minioUsername = "admin"
	minioPassword = "password"
)

func setupMinioContainer(t *testing.T, ctx context.Context) string {
	minioContainer, err := minio.Run(
		ctx,
		"minio/minio:RELEASE.2024-01-16T16-07-38Z",
		minio.WithUsername(minioUsername),
		minio.WithPassword(minioPassword),
	)
	require.NoError(t, err, "Failed to start MinIO container")

	t.Cleanup(func() {
		err := minioContainer.Terminate(context.Background())
		require.NoError(t, err, "Failed to terminate MinIO container")
	})

	connStr, err := minioContainer.ConnectionString(ctx)
	require.NoError(t, err, "Failed to get MinIO connection string")

	return "http://" + connStr
}

func setupPostgresContainer(t *testing.T, ctx context.Context) string {
	dbName, dbUser, dbPassword := "test_db", "test_user", "test_password"

	postgresContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")

	t.Cleanup(func() {
		err := postgresContainer.Terminate(context.Background())
		require.NoError(t, err, "Failed to terminate PostgreSQL container")
	})

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "Failed to get PostgreSQL connection string")

	return connStr
}

func setupRabbitMQContainer(t *testing.T, ctx context.Context) string {
	rabbitmqContainer, err := rabbitmq.Run(ctx, "rabbitmq:3.11-management")
	require.NoError(t, err, "Failed to start RabbitMQ container")

	t.Cleanup(func() {
		err := rabbitmqContainer.Terminate(context.Background())
		require.NoError(t, err, "Failed to terminate RabbitMQ container")
	})

	connStr, err := rabbitmqContainer.AmqpURL(ctx)
	require.NoError(t, err, "Failed to get RabbitMQ AMQP URL")

	return connStr
}

// localPlatform stands in for the managed platform. Training jobs run the
// container's trainer against channels downloaded from the object store, and
// endpoints serve the uploaded model with the built-in pipeline.
type localPlatform struct {
	t     *testing.T
	store storage.ObjectStore

	mu        sync.Mutex
	jobs      map[string]*platform.TrainingJob
	endpoints map[string]inference.Pipeline
}

func newLocalPlatform(t *testing.T, store storage.ObjectStore) *localPlatform {
	return &localPlatform{
		t:         t,
		store:     store,
		jobs:      map[string]*platform.TrainingJob{},
		endpoints: map[string]inference.Pipeline{},
	}
}

func (p *localPlatform) download(ctx context.Context, uri, dest string) error {
	bucket, prefix, err := storage.ParseURI(uri)
	if err != nil {
		return err
	}
	return p.store.DownloadDir(ctx, bucket, prefix, dest, true)
}

func (p *localPlatform) Fit(ctx context.Context, est platform.Estimator, inputs map[string]string, wait bool) (*platform.TrainingJob, error) {
	name := platform.NameFromBase(est.BaseJobName, time.Now())
	root := p.t.TempDir()

	env := trainer.Env{
		TrainDir:      filepath.Join(root, "input", dataset.TrainChannel),
		TestDir:       filepath.Join(root, "input", dataset.TestChannel),
		OutputDataDir: filepath.Join(root, "output"),
		ModelDir:      filepath.Join(root, "model"),
	}
	if err := p.download(ctx, inputs[dataset.TrainChannel], env.TrainDir); err != nil {
		return nil, err
	}
	if uri, ok := inputs[dataset.TestChannel]; ok {
		if err := p.download(ctx, uri, env.TestDir); err != nil {
			return nil, err
		}
	}

	job := &platform.TrainingJob{Name: name, Status: types.TrainingJobStatusCompleted}
	if _, err := trainer.Run(env, trainer.Hyperparameters{Alpha: 1, MinCount: 1, Lowercase: true, Tokenizer: "word"}, io.Discard); err != nil {
		job.Status = types.TrainingJobStatusFailed
		job.FailureReason = err.Error()
	} else {
		bucket, prefix, err := storage.ParseURI(est.OutputPath)
		if err != nil {
			return nil, err
		}
		key := path.Join(prefix, name, "model")
		if err := p.store.UploadDir(ctx, bucket, key, env.ModelDir); err != nil {
			return nil, err
		}
		job.ModelArtifacts = storage.URI(bucket, key)
	}

	p.mu.Lock()
	p.jobs[name] = job
	p.mu.Unlock()

	return &platform.TrainingJob{Name: name, Status: types.TrainingJobStatusInProgress}, nil
}

func (p *localPlatform) WaitForTrainingJob(ctx context.Context, name string) (*platform.TrainingJob, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	job, ok := p.jobs[name]
	if !ok {
		return nil, fmt.Errorf("training job %s not found", name)
	}
	if job.Status == types.TrainingJobStatusFailed {
		return job, fmt.Errorf("training job %s failed: %s", name, job.FailureReason)
	}
	return job, nil
}

func (p *localPlatform) StopTrainingJob(ctx context.Context, name string) error {
	return nil
}

func (p *localPlatform) Deploy(ctx context.Context, model platform.Model, opts platform.DeployOptions, wait bool) (*platform.Endpoint, error) {
	modelDir := p.t.TempDir()
	if err := p.download(ctx, model.ModelDataURL, modelDir); err != nil {
		return nil, err
	}

	pipeline, err := inference.ModelFn(modelDir)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.endpoints[opts.EndpointName] = pipeline
	p.mu.Unlock()

	return &platform.Endpoint{
		Name:       opts.EndpointName,
		ConfigName: opts.EndpointName,
		ModelName:  opts.EndpointName + "-model",
		Status:     types.EndpointStatusCreating,
	}, nil
}

func (p *localPlatform) WaitForEndpoint(ctx context.Context, endpoint *platform.Endpoint) (*platform.Endpoint, error) {
	endpoint.Status = types.EndpointStatusInService
	return endpoint, nil
}

func (p *localPlatform) DeleteEndpoint(ctx context.Context, endpoint platform.Endpoint) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.endpoints, endpoint.Name)
	return nil
}

func (p *localPlatform) Runtime() platform.RuntimeAPI {
	return p
}

func (p *localPlatform) InvokeEndpoint(ctx context.Context, params *sagemakerruntime.InvokeEndpointInput, optFns ...func(*sagemakerruntime.Options)) (*sagemakerruntime.InvokeEndpointOutput, error) {
	p.mu.Lock()
	pipeline, ok := p.endpoints[*params.EndpointName]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("endpoint %s not found", *params.EndpointName)
	}

	accept := ""
	if params.Accept != nil {
		accept = *params.Accept
	}
	body, err := inference.TransformFn(pipeline, params.Body, *params.ContentType, accept)
	if err != nil {
		return nil, err
	}
	return &sagemakerruntime.InvokeEndpointOutput{Body: body}, nil
}

func httpRequest(api http.Handler, method, endpoint string, payload any, dest any) error {
	var body io.Reader
	if payload != nil {
		requestBody, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(requestBody)
	}

	req := httptest.NewRequest(method, endpoint, body)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	api.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		return fmt.Errorf("expected status code 200, got %d: %v", rr.Code, rr.Body.String())
	}

	if dest != nil {
		if err := json.Unmarshal(rr.Body.Bytes(), dest); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}
