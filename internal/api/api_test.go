package api_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	backend "ml-workbench/internal/api"
	"ml-workbench/internal/database"
	"ml-workbench/internal/messaging"
	"ml-workbench/internal/platform"
	"ml-workbench/pkg/api"

	"github.com/aws/aws-sdk-go-v2/service/sagemakerruntime"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func createDB(t *testing.T, create ...any) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.GetMigrator(db).Migrate())

	for _, c := range create {
		require.NoError(t, db.Create(c).Error)
	}

	return db
}

type mockRuntime struct {
	input    *sagemakerruntime.InvokeEndpointInput
	response []byte
	err      error
}

func (m *mockRuntime) InvokeEndpoint(ctx context.Context, params *sagemakerruntime.InvokeEndpointInput, optFns ...func(*sagemakerruntime.Options)) (*sagemakerruntime.InvokeEndpointOutput, error) {
	m.input = params
	if m.err != nil {
		return nil, m.err
	}
	return &sagemakerruntime.InvokeEndpointOutput{Body: m.response}, nil
}

type mockPlatform struct {
	stopped []string
	deleted []platform.Endpoint
	err     error
	runtime *mockRuntime
}

func (m *mockPlatform) StopTrainingJob(ctx context.Context, name string) error {
	if m.err != nil {
		return m.err
	}
	m.stopped = append(m.stopped, name)
	return nil
}

func (m *mockPlatform) DeleteEndpoint(ctx context.Context, endpoint platform.Endpoint) error {
	if m.err != nil {
		return m.err
	}
	m.deleted = append(m.deleted, endpoint)
	return nil
}

func (m *mockPlatform) Runtime() platform.RuntimeAPI {
	return m.runtime
}

type testEnv struct {
	db       *gorm.DB
	queue    *messaging.InMemoryQueue
	platform *mockPlatform
	router   chi.Router
}

func newTestEnv(t *testing.T, create ...any) *testEnv {
	env := &testEnv{
		db:       createDB(t, create...),
		queue:    messaging.NewInMemoryQueue(),
		platform: &mockPlatform{runtime: &mockRuntime{}},
		router:   chi.NewRouter(),
	}
	t.Cleanup(env.queue.Close)

	service := backend.NewBackendService(env.db, env.queue, env.platform, "datasets")
	service.AddRoutes(env.router)
	return env
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			panic(err)
		}
	}
	req := httptest.NewRequest(method, path, &payload)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) nextTask(t *testing.T) messaging.Task {
	select {
	case task := <-e.queue.Tasks():
		return task
	case <-time.After(time.Second):
		t.Fatal("expected a task to be published")
		return nil
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func completedDataset() *database.Dataset {
	return &database.Dataset{
		Id:           uuid.New(),
		Name:         "reviews",
		SourceURL:    "https://example.com/train.csv",
		Format:       "csv",
		TextFields:   []byte(`["text"]`),
		LabelField:   "label",
		Header:       []byte(`[]`),
		TestFraction: 0.2,
		Bucket:       "datasets",
		Prefix:       "reviews",
		Status:       database.JobCompleted,
		CreationTime: time.Now().UTC(),
		TrainURI:     sql.NullString{String: "s3://datasets/reviews/train/train.csv", Valid: true},
		TrainCount:   80,
		TestCount:    20,
	}
}

func trainingJob(datasetId uuid.UUID, status string) *database.TrainingJob {
	return &database.TrainingJob{
		Id:              uuid.New(),
		Name:            "reviews-bayes",
		DatasetId:       datasetId,
		Image:           "123456789012.dkr.ecr.us-east-1.amazonaws.com/bayes-text:latest",
		InstanceType:    "ml.m5.large",
		InstanceCount:   1,
		Hyperparameters: []byte(`{"alpha":"0.5"}`),
		OutputPath:      "s3://models/reviews",
		Status:          status,
		CreationTime:    time.Now().UTC(),
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateDataset(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/datasets", api.CreateDatasetRequest{
		Name:         "reviews",
		SourceURL:    "https://example.com/train.csv",
		TextFields:   []string{"text"},
		LabelField:   "label",
		TestFraction: 0.2,
		Seed:         7,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decode[api.CreateDatasetResponse](t, rec)

	var record database.Dataset
	require.NoError(t, env.db.First(&record, "id = ?", res.Id).Error)
	assert.Equal(t, "reviews", record.Name)
	assert.Equal(t, "csv", record.Format)
	assert.Equal(t, "datasets", record.Bucket)
	assert.Equal(t, "reviews", record.Prefix)
	assert.Equal(t, int64(7), record.Seed)
	assert.Equal(t, database.JobQueued, record.Status)

	task := env.nextTask(t)
	assert.Equal(t, messaging.DatasetQueue, task.Type())
	var payload messaging.DatasetTaskPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, res.Id, payload.DatasetId)
}

func TestCreateDataset_Invalid(t *testing.T) {
	env := newTestEnv(t)

	valid := api.CreateDatasetRequest{
		Name:       "reviews",
		SourceURL:  "https://example.com/train.csv",
		TextFields: []string{"text"},
		LabelField: "label",
	}

	cases := map[string]func(r *api.CreateDatasetRequest){
		"bad name":      func(r *api.CreateDatasetRequest) { r.Name = "bad name!" },
		"no source":     func(r *api.CreateDatasetRequest) { r.SourceURL = "" },
		"ftp source":    func(r *api.CreateDatasetRequest) { r.SourceURL = "ftp://example.com/a.csv" },
		"bad format":    func(r *api.CreateDatasetRequest) { r.Format = "parquet" },
		"no text":       func(r *api.CreateDatasetRequest) { r.TextFields = nil },
		"no label":      func(r *api.CreateDatasetRequest) { r.LabelField = "" },
		"fraction high": func(r *api.CreateDatasetRequest) { r.TestFraction = 1 },
		"fraction low":  func(r *api.CreateDatasetRequest) { r.TestFraction = -0.1 },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := valid
			mutate(&req)
			rec := env.do(http.MethodPost, "/datasets", req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	var count int64
	require.NoError(t, env.db.Model(&database.Dataset{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestCreateDataset_MalformedBody(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/datasets", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetDataset(t *testing.T) {
	ds := completedDataset()
	env := newTestEnv(t, ds, &database.TaskError{
		ResourceId: ds.Id,
		ErrorId:    uuid.New(),
		Error:      "first attempt failed",
		Timestamp:  time.Now().UTC(),
	})

	rec := env.do(http.MethodGet, "/datasets/"+ds.Id.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	res := decode[api.Dataset](t, rec)
	assert.Equal(t, ds.Id, res.Id)
	assert.Equal(t, database.JobCompleted, res.Status)
	assert.Equal(t, "s3://datasets/reviews/train/train.csv", res.TrainURI)
	assert.Equal(t, 80, res.TrainCount)
	assert.Equal(t, []string{"first attempt failed"}, res.Errors)
}

func TestGetDataset_NotFound(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/datasets/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(http.MethodGet, "/datasets/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListDatasets(t *testing.T) {
	ds1 := completedDataset()
	ds2 := completedDataset()
	ds2.Name = "queued"
	ds2.Status = database.JobQueued
	env := newTestEnv(t, ds1, ds2)

	rec := env.do(http.MethodGet, "/datasets", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]api.Dataset](t, rec), 2)

	rec = env.do(http.MethodGet, "/datasets?status=queued", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[[]api.Dataset](t, rec)
	require.Len(t, res, 1)
	assert.Equal(t, ds2.Id, res[0].Id)

	rec = env.do(http.MethodGet, "/datasets?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]api.Dataset](t, rec), 1)
}

func TestCreateTrainingJob(t *testing.T) {
	ds := completedDataset()
	env := newTestEnv(t, ds)

	rec := env.do(http.MethodPost, "/training-jobs", api.CreateTrainingJobRequest{
		Name:            "reviews-bayes",
		DatasetId:       ds.Id,
		Image:           "bayes-text:latest",
		InstanceType:    "ml.m5.large",
		Hyperparameters: map[string]string{"alpha": "0.5"},
		OutputPath:      "s3://models/reviews",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decode[api.CreateTrainingJobResponse](t, rec)

	rec = env.do(http.MethodGet, "/training-jobs/"+res.Id.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job := decode[api.TrainingJob](t, rec)
	assert.Equal(t, ds.Id, job.DatasetId)
	assert.Equal(t, 1, job.InstanceCount)
	assert.Equal(t, map[string]string{"alpha": "0.5"}, job.Hyperparameters)
	assert.Equal(t, database.JobQueued, job.Status)

	task := env.nextTask(t)
	assert.Equal(t, messaging.TrainingQueue, task.Type())
	var payload messaging.TrainingTaskPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, res.Id, payload.TrainingJobId)
}

func TestCreateTrainingJob_Invalid(t *testing.T) {
	ds := completedDataset()
	env := newTestEnv(t, ds)

	valid := api.CreateTrainingJobRequest{
		Name:         "reviews-bayes",
		DatasetId:    ds.Id,
		Image:        "bayes-text:latest",
		InstanceType: "ml.m5.large",
		OutputPath:   "s3://models/reviews",
	}

	cases := map[string]struct {
		mutate func(r *api.CreateTrainingJobRequest)
		code   int
	}{
		"no image":        {func(r *api.CreateTrainingJobRequest) { r.Image = "" }, http.StatusBadRequest},
		"no instance":     {func(r *api.CreateTrainingJobRequest) { r.InstanceType = "" }, http.StatusBadRequest},
		"negative count":  {func(r *api.CreateTrainingJobRequest) { r.InstanceCount = -1 }, http.StatusBadRequest},
		"local output":    {func(r *api.CreateTrainingJobRequest) { r.OutputPath = "/tmp/models" }, http.StatusBadRequest},
		"missing dataset": {func(r *api.CreateTrainingJobRequest) { r.DatasetId = uuid.New() }, http.StatusNotFound},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := valid
			tc.mutate(&req)
			rec := env.do(http.MethodPost, "/training-jobs", req)
			assert.Equal(t, tc.code, rec.Code)
		})
	}
}

func TestStopTrainingJob(t *testing.T) {
	ds := completedDataset()
	queued := trainingJob(ds.Id, database.JobQueued)
	running := trainingJob(ds.Id, database.JobRunning)
	running.PlatformJobName = sql.NullString{String: "reviews-bayes-2024", Valid: true}
	completed := trainingJob(ds.Id, database.JobCompleted)
	unnamed := trainingJob(ds.Id, database.JobRunning)
	env := newTestEnv(t, ds, queued, running, completed, unnamed)

	rec := env.do(http.MethodPost, fmt.Sprintf("/training-jobs/%s/stop", queued.Id), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var record database.TrainingJob
	require.NoError(t, env.db.First(&record, "id = ?", queued.Id).Error)
	assert.Equal(t, database.JobStopped, record.Status)
	assert.True(t, record.CompletionTime.Valid)
	assert.Empty(t, env.platform.stopped)

	rec = env.do(http.MethodPost, fmt.Sprintf("/training-jobs/%s/stop", running.Id), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"reviews-bayes-2024"}, env.platform.stopped)

	rec = env.do(http.MethodPost, fmt.Sprintf("/training-jobs/%s/stop", completed.Id), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(http.MethodPost, fmt.Sprintf("/training-jobs/%s/stop", unnamed.Id), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, []string{"reviews-bayes-2024"}, env.platform.stopped)
}

func TestStopTrainingJob_PlatformError(t *testing.T) {
	ds := completedDataset()
	running := trainingJob(ds.Id, database.JobRunning)
	running.PlatformJobName = sql.NullString{String: "reviews-bayes-2024", Valid: true}
	env := newTestEnv(t, ds, running)
	env.platform.err = errors.New("throttled")

	rec := env.do(http.MethodPost, fmt.Sprintf("/training-jobs/%s/stop", running.Id), nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestListTrainingJobs(t *testing.T) {
	ds := completedDataset()
	env := newTestEnv(t, ds, trainingJob(ds.Id, database.JobQueued), trainingJob(ds.Id, database.JobFailed))

	rec := env.do(http.MethodGet, "/training-jobs?status=FAILED", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[[]api.TrainingJob](t, rec)
	require.Len(t, res, 1)
	assert.Equal(t, database.JobFailed, res[0].Status)
}

func TestCreateEndpoint(t *testing.T) {
	ds := completedDataset()
	job := trainingJob(ds.Id, database.JobCompleted)
	env := newTestEnv(t, ds, job)

	rec := env.do(http.MethodPost, "/endpoints", api.CreateEndpointRequest{
		Name:          "reviews-endpoint",
		TrainingJobId: job.Id,
		InstanceType:  "ml.t2.medium",
		Environment:   map[string]string{"LOG_LEVEL": "debug"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[api.CreateEndpointResponse](t, rec)

	rec = env.do(http.MethodGet, "/endpoints/"+res.Id.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	endpoint := decode[api.Endpoint](t, rec)
	assert.Equal(t, job.Image, endpoint.Image)
	assert.Equal(t, 1, endpoint.InstanceCount)
	assert.Equal(t, map[string]string{"LOG_LEVEL": "debug"}, endpoint.Environment)
	assert.Equal(t, database.EndpointQueued, endpoint.Status)

	task := env.nextTask(t)
	assert.Equal(t, messaging.DeployQueue, task.Type())

	rec = env.do(http.MethodPost, "/endpoints", api.CreateEndpointRequest{
		Name:          "reviews-endpoint",
		TrainingJobId: job.Id,
		InstanceType:  "ml.t2.medium",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateEndpoint_Invalid(t *testing.T) {
	ds := completedDataset()
	job := trainingJob(ds.Id, database.JobCompleted)
	env := newTestEnv(t, ds, job)

	for _, name := range []string{"", "-leading", "trailing-", "under_score", string(bytes.Repeat([]byte("a"), 64))} {
		rec := env.do(http.MethodPost, "/endpoints", api.CreateEndpointRequest{
			Name:          name,
			TrainingJobId: job.Id,
			InstanceType:  "ml.t2.medium",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
	}

	rec := env.do(http.MethodPost, "/endpoints", api.CreateEndpointRequest{
		Name:          "reviews-endpoint",
		TrainingJobId: uuid.New(),
		InstanceType:  "ml.t2.medium",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteEndpoint(t *testing.T) {
	ds := completedDataset()
	job := trainingJob(ds.Id, database.JobCompleted)
	endpoint := &database.Endpoint{
		Id:            uuid.New(),
		Name:          "reviews-endpoint",
		TrainingJobId: job.Id,
		Image:         job.Image,
		InstanceType:  "ml.t2.medium",
		InstanceCount: 1,
		Environment:   []byte(`{}`),
		ModelName:     sql.NullString{String: "reviews-endpoint-model", Valid: true},
		ConfigName:    sql.NullString{String: "reviews-endpoint-config", Valid: true},
		Status:        database.EndpointInService,
		CreationTime:  time.Now().UTC(),
	}
	env := newTestEnv(t, ds, job, endpoint)

	rec := env.do(http.MethodDelete, "/endpoints/"+endpoint.Id.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []platform.Endpoint{{
		Name:       "reviews-endpoint",
		ConfigName: "reviews-endpoint-config",
		ModelName:  "reviews-endpoint-model",
	}}, env.platform.deleted)

	var record database.Endpoint
	require.NoError(t, env.db.First(&record, "id = ?", endpoint.Id).Error)
	assert.Equal(t, database.EndpointDeleted, record.Status)

	// Deleting twice does not reach the platform again.
	rec = env.do(http.MethodDelete, "/endpoints/"+endpoint.Id.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, env.platform.deleted, 1)

	// The name is free again.
	rec = env.do(http.MethodPost, "/endpoints", api.CreateEndpointRequest{
		Name:          "reviews-endpoint",
		TrainingJobId: job.Id,
		InstanceType:  "ml.t2.medium",
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestInvokeEndpoint(t *testing.T) {
	ds := completedDataset()
	job := trainingJob(ds.Id, database.JobCompleted)
	live := &database.Endpoint{
		Id:            uuid.New(),
		Name:          "reviews-endpoint",
		TrainingJobId: job.Id,
		Image:         job.Image,
		InstanceType:  "ml.t2.medium",
		InstanceCount: 1,
		Environment:   []byte(`{}`),
		Status:        database.EndpointInService,
		CreationTime:  time.Now().UTC(),
	}
	creating := &database.Endpoint{
		Id:            uuid.New(),
		Name:          "other-endpoint",
		TrainingJobId: job.Id,
		Image:         job.Image,
		InstanceType:  "ml.t2.medium",
		InstanceCount: 1,
		Environment:   []byte(`{}`),
		Status:        database.EndpointCreating,
		CreationTime:  time.Now().UTC(),
	}
	env := newTestEnv(t, ds, job, live, creating)
	env.platform.runtime.response = []byte(`[{"label":"positive","probability":0.9}]`)

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/endpoints/%s/invocations", live.Id), bytes.NewBufferString(`{"inputs":"great movie"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `[{"label":"positive","probability":0.9}]`, rec.Body.String())
	assert.Equal(t, "reviews-endpoint", *env.platform.runtime.input.EndpointName)
	assert.Equal(t, `{"inputs":"great movie"}`, string(env.platform.runtime.input.Body))

	req = httptest.NewRequest(http.MethodPost, fmt.Sprintf("/endpoints/%s/invocations", creating.Id), bytes.NewBufferString(`{}`))
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)

	env.platform.runtime.err = errors.New("model error")
	req = httptest.NewRequest(http.MethodPost, fmt.Sprintf("/endpoints/%s/invocations", live.Id), bytes.NewBufferString(`{}`))
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
