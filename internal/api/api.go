package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"ml-workbench/internal/database"
	"ml-workbench/internal/dataset"
	"ml-workbench/internal/messaging"
	"ml-workbench/internal/platform"
	"ml-workbench/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Platform is the part of the managed platform the api calls synchronously.
// Long running work goes through the queue.
type Platform interface {
	StopTrainingJob(ctx context.Context, name string) error
	DeleteEndpoint(ctx context.Context, endpoint platform.Endpoint) error
	Runtime() platform.RuntimeAPI
}

type BackendService struct {
	db            *gorm.DB
	publisher     messaging.Publisher
	platform      Platform
	datasetBucket string
}

const (
	defaultListLimit   = 100
	maxInvocationBytes = 6 * 1024 * 1024
)

func NewBackendService(db *gorm.DB, publisher messaging.Publisher, platform Platform, datasetBucket string) *BackendService {
	return &BackendService{db: db, publisher: publisher, platform: platform, datasetBucket: datasetBucket}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))

	r.Route("/datasets", func(r chi.Router) {
		r.Post("/", RestHandler(s.CreateDataset))
		r.Get("/", RestHandler(s.ListDatasets))
		r.Get("/{dataset_id}", RestHandler(s.GetDataset))
	})

	r.Route("/training-jobs", func(r chi.Router) {
		r.Post("/", RestHandler(s.CreateTrainingJob))
		r.Get("/", RestHandler(s.ListTrainingJobs))
		r.Get("/{job_id}", RestHandler(s.GetTrainingJob))
		r.Post("/{job_id}/stop", RestHandler(s.StopTrainingJob))
	})

	r.Route("/endpoints", func(r chi.Router) {
		r.Post("/", RestHandler(s.CreateEndpoint))
		r.Get("/", RestHandler(s.ListEndpoints))
		r.Get("/{endpoint_id}", RestHandler(s.GetEndpoint))
		r.Delete("/{endpoint_id}", RestHandler(s.DeleteEndpoint))
		r.Post("/{endpoint_id}/invocations", s.InvokeEndpoint)
	})
}

func listQuery(txn *gorm.DB, params api.ListParams) *gorm.DB {
	if params.Status != "" {
		txn = txn.Where("status = ?", strings.ToUpper(params.Status))
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	return txn.Order("creation_time DESC").Limit(limit)
}

func (s *BackendService) taskErrors(ctx context.Context, resourceId uuid.UUID) ([]string, error) {
	errs, err := database.GetTaskErrors(ctx, s.db, resourceId)
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving task errors")
	}
	return convertErrors(errs), nil
}

func getRecord[T any](ctx context.Context, db *gorm.DB, kind string, id uuid.UUID, preload ...string) (T, error) {
	var record T
	txn := db.WithContext(ctx)
	for _, p := range preload {
		txn = txn.Preload(p)
	}
	if err := txn.First(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return record, CodedErrorf(http.StatusNotFound, "%s not found", kind)
		}
		slog.Error("error getting record", "kind", kind, "id", id, "error", err)
		return record, CodedErrorf(http.StatusInternalServerError, "error retrieving %s record", kind)
	}
	return record, nil
}

func (s *BackendService) CreateDataset(r *http.Request) (any, error) {
	req, err := ParseRequest[api.CreateDatasetRequest](r)
	if err != nil {
		return nil, err
	}

	if err := validateName(req.Name); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(req.SourceURL, "http://") && !strings.HasPrefix(req.SourceURL, "https://") {
		return nil, CodedErrorf(http.StatusBadRequest, "invalid SourceURL, SourceURL is required and must be an http or https url")
	}
	if req.Format == "" {
		req.Format = dataset.FormatCSV
	}
	if req.Format != dataset.FormatCSV && req.Format != dataset.FormatJSONL {
		return nil, CodedErrorf(http.StatusBadRequest, "invalid Format '%s', must be '%s' or '%s'", req.Format, dataset.FormatCSV, dataset.FormatJSONL)
	}
	if len(req.TextFields) == 0 || req.LabelField == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "TextFields and LabelField are required")
	}
	if req.TestFraction < 0 || req.TestFraction >= 1 {
		return nil, CodedErrorf(http.StatusBadRequest, "TestFraction must be in [0, 1), got %v", req.TestFraction)
	}
	if req.Bucket == "" {
		req.Bucket = s.datasetBucket
	}
	if req.Prefix == "" {
		req.Prefix = req.Name
	}

	textFields, err := database.ToJSON(req.TextFields)
	if err != nil {
		return nil, CodedError(http.StatusBadRequest, err)
	}
	header, err := database.ToJSON(req.Header)
	if err != nil {
		return nil, CodedError(http.StatusBadRequest, err)
	}

	ctx := r.Context()

	record := database.Dataset{
		Id:            uuid.New(),
		Name:          req.Name,
		SourceURL:     req.SourceURL,
		TestSourceURL: database.NullString(req.TestSourceURL),
		Format:        req.Format,
		TextFields:    textFields,
		LabelField:    req.LabelField,
		LabelOffset:   req.LabelOffset,
		Header:        header,
		TestFraction:  req.TestFraction,
		Seed:          req.Seed,
		Bucket:        req.Bucket,
		Prefix:        req.Prefix,
		Status:        database.JobQueued,
		CreationTime:  time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		slog.Error("error creating dataset", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create dataset entry")
	}

	if err := s.publisher.PublishDatasetTask(ctx, messaging.DatasetTaskPayload{DatasetId: record.Id}); err != nil {
		slog.Error("error publishing dataset task", "dataset_id", record.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue dataset task")
	}

	slog.Info("queued dataset", "dataset_id", record.Id, "name", record.Name)
	return api.CreateDatasetResponse{Id: record.Id}, nil
}

func (s *BackendService) ListDatasets(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[api.ListParams](r)
	if err != nil {
		return nil, err
	}

	var datasets []database.Dataset
	if err := listQuery(s.db.WithContext(r.Context()), params).Find(&datasets).Error; err != nil {
		slog.Error("error listing datasets", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error listing datasets")
	}
	return convertDatasets(datasets), nil
}

func (s *BackendService) GetDataset(r *http.Request) (any, error) {
	id, err := URLParamUUID(r, "dataset_id")
	if err != nil {
		return nil, err
	}

	record, err := getRecord[database.Dataset](r.Context(), s.db, "dataset", id)
	if err != nil {
		return nil, err
	}

	res := convertDataset(record)
	if res.Errors, err = s.taskErrors(r.Context(), id); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *BackendService) CreateTrainingJob(r *http.Request) (any, error) {
	req, err := ParseRequest[api.CreateTrainingJobRequest](r)
	if err != nil {
		return nil, err
	}

	if err := validateName(req.Name); err != nil {
		return nil, err
	}
	if req.Image == "" || req.InstanceType == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "Image and InstanceType are required")
	}
	if req.InstanceCount == 0 {
		req.InstanceCount = 1
	}
	if req.InstanceCount < 0 {
		return nil, CodedErrorf(http.StatusBadRequest, "InstanceCount must be at least 1")
	}
	if !strings.HasPrefix(req.OutputPath, "s3://") {
		return nil, CodedErrorf(http.StatusBadRequest, "invalid OutputPath, OutputPath is required and must start with s3://")
	}

	ctx := r.Context()

	if _, err := getRecord[database.Dataset](ctx, s.db, "dataset", req.DatasetId); err != nil {
		return nil, err
	}

	hyperparameters, err := database.ToJSON(req.Hyperparameters)
	if err != nil {
		return nil, CodedError(http.StatusBadRequest, err)
	}

	job := database.TrainingJob{
		Id:                uuid.New(),
		Name:              req.Name,
		DatasetId:         req.DatasetId,
		Image:             req.Image,
		InstanceType:      req.InstanceType,
		InstanceCount:     req.InstanceCount,
		VolumeSizeGB:      req.VolumeSizeGB,
		MaxRuntimeSeconds: req.MaxRuntimeSeconds,
		Hyperparameters:   hyperparameters,
		OutputPath:        req.OutputPath,
		Status:            database.JobQueued,
		CreationTime:      time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(&job).Error; err != nil {
		slog.Error("error creating training job", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create training job entry")
	}

	if err := s.publisher.PublishTrainingTask(ctx, messaging.TrainingTaskPayload{TrainingJobId: job.Id}); err != nil {
		slog.Error("error publishing training task", "training_job_id", job.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue training task")
	}

	slog.Info("queued training job", "training_job_id", job.Id, "dataset_id", job.DatasetId)
	return api.CreateTrainingJobResponse{Id: job.Id}, nil
}

func (s *BackendService) ListTrainingJobs(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[api.ListParams](r)
	if err != nil {
		return nil, err
	}

	var jobs []database.TrainingJob
	if err := listQuery(s.db.WithContext(r.Context()), params).Find(&jobs).Error; err != nil {
		slog.Error("error listing training jobs", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error listing training jobs")
	}

	res, err := convertTrainingJobs(jobs)
	if err != nil {
		return nil, CodedError(http.StatusInternalServerError, err)
	}
	return res, nil
}

func (s *BackendService) GetTrainingJob(r *http.Request) (any, error) {
	id, err := URLParamUUID(r, "job_id")
	if err != nil {
		return nil, err
	}

	job, err := getRecord[database.TrainingJob](r.Context(), s.db, "training job", id)
	if err != nil {
		return nil, err
	}

	res, err := convertTrainingJob(job)
	if err != nil {
		return nil, CodedError(http.StatusInternalServerError, err)
	}
	if res.Errors, err = s.taskErrors(r.Context(), id); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *BackendService) StopTrainingJob(r *http.Request) (any, error) {
	id, err := URLParamUUID(r, "job_id")
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	job, err := getRecord[database.TrainingJob](ctx, s.db, "training job", id)
	if err != nil {
		return nil, err
	}

	if job.Status == database.JobQueued && !job.PlatformJobName.Valid {
		stopped, err := stopQueuedTrainingJob(ctx, s.db, id)
		if err != nil {
			return nil, CodedErrorf(http.StatusInternalServerError, "error stopping training job")
		}
		if stopped {
			slog.Info("stopped queued training job", "training_job_id", id)
			return nil, nil
		}
		// The worker submitted the job meanwhile.
		if job, err = getRecord[database.TrainingJob](ctx, s.db, "training job", id); err != nil {
			return nil, err
		}
	}

	if !job.PlatformJobName.Valid || (job.Status != database.JobQueued && job.Status != database.JobRunning) {
		return nil, CodedErrorf(http.StatusConflict, "training job in status %s cannot be stopped", job.Status)
	}
	if err := s.platform.StopTrainingJob(ctx, job.PlatformJobName.String); err != nil {
		slog.Error("error stopping training job", "training_job_id", id, "job_name", job.PlatformJobName.String, "error", err)
		return nil, CodedErrorf(http.StatusBadGateway, "error stopping training job on the platform: %v", err)
	}

	slog.Info("stopped training job", "training_job_id", id)
	return nil, nil
}

// stopQueuedTrainingJob marks a job stopped only while no platform job has
// been submitted for it.
func stopQueuedTrainingJob(ctx context.Context, db *gorm.DB, id uuid.UUID) (bool, error) {
	result := db.WithContext(ctx).Model(&database.TrainingJob{Id: id}).
		Where("status = ? AND (platform_job_name IS NULL OR platform_job_name = '')", database.JobQueued).
		Updates(map[string]any{"status": database.JobStopped, "completion_time": time.Now().UTC()})
	if result.Error != nil {
		slog.Error("error stopping queued training job", "training_job_id", id, "error", result.Error)
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *BackendService) CreateEndpoint(r *http.Request) (any, error) {
	req, err := ParseRequest[api.CreateEndpointRequest](r)
	if err != nil {
		return nil, err
	}

	if err := validateEndpointName(req.Name); err != nil {
		return nil, err
	}
	if req.InstanceType == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "InstanceType is required")
	}
	if req.InstanceCount == 0 {
		req.InstanceCount = 1
	}
	if req.InstanceCount < 0 {
		return nil, CodedErrorf(http.StatusBadRequest, "InstanceCount must be at least 1")
	}

	ctx := r.Context()

	job, err := getRecord[database.TrainingJob](ctx, s.db, "training job", req.TrainingJobId)
	if err != nil {
		return nil, err
	}
	if req.Image == "" {
		req.Image = job.Image
	}

	var existing int64
	if err := s.db.WithContext(ctx).Model(&database.Endpoint{}).Where("name = ? AND status != ?", req.Name, database.EndpointDeleted).Count(&existing).Error; err != nil {
		slog.Error("error checking endpoint name", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error checking endpoint name")
	}
	if existing > 0 {
		return nil, CodedErrorf(http.StatusConflict, "endpoint '%s' already exists", req.Name)
	}

	environment, err := database.ToJSON(req.Environment)
	if err != nil {
		return nil, CodedError(http.StatusBadRequest, err)
	}

	record := database.Endpoint{
		Id:            uuid.New(),
		Name:          req.Name,
		TrainingJobId: job.Id,
		Image:         req.Image,
		InstanceType:  req.InstanceType,
		InstanceCount: req.InstanceCount,
		Environment:   environment,
		Status:        database.EndpointQueued,
		CreationTime:  time.Now().UTC(),
	}

	err = s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		// Deleted endpoints keep their record; free the unique name for reuse.
		if err := txn.Model(&database.Endpoint{}).
			Where("name = ? AND status = ?", req.Name, database.EndpointDeleted).
			Update("name", gorm.Expr("name || ?", "-deleted-"+uuid.NewString()[:8])).Error; err != nil {
			return err
		}
		return txn.Create(&record).Error
	})
	if err != nil {
		slog.Error("error creating endpoint", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create endpoint entry")
	}

	if err := s.publisher.PublishDeployTask(ctx, messaging.DeployTaskPayload{EndpointId: record.Id}); err != nil {
		slog.Error("error publishing deploy task", "endpoint_id", record.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue deploy task")
	}

	slog.Info("queued endpoint", "endpoint_id", record.Id, "name", record.Name, "training_job_id", job.Id)
	return api.CreateEndpointResponse{Id: record.Id}, nil
}

func (s *BackendService) ListEndpoints(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[api.ListParams](r)
	if err != nil {
		return nil, err
	}

	var records []database.Endpoint
	if err := listQuery(s.db.WithContext(r.Context()), params).Find(&records).Error; err != nil {
		slog.Error("error listing endpoints", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error listing endpoints")
	}

	endpoints := make([]api.Endpoint, 0, len(records))
	for _, record := range records {
		endpoint, err := convertEndpoint(record)
		if err != nil {
			return nil, CodedError(http.StatusInternalServerError, err)
		}
		endpoints = append(endpoints, endpoint)
	}
	return endpoints, nil
}

func (s *BackendService) GetEndpoint(r *http.Request) (any, error) {
	id, err := URLParamUUID(r, "endpoint_id")
	if err != nil {
		return nil, err
	}

	record, err := getRecord[database.Endpoint](r.Context(), s.db, "endpoint", id)
	if err != nil {
		return nil, err
	}

	res, err := convertEndpoint(record)
	if err != nil {
		return nil, CodedError(http.StatusInternalServerError, err)
	}
	if res.Errors, err = s.taskErrors(r.Context(), id); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *BackendService) DeleteEndpoint(r *http.Request) (any, error) {
	id, err := URLParamUUID(r, "endpoint_id")
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	record, err := getRecord[database.Endpoint](ctx, s.db, "endpoint", id)
	if err != nil {
		return nil, err
	}
	if record.Status == database.EndpointDeleted {
		return nil, nil
	}

	if err := s.platform.DeleteEndpoint(ctx, platform.Endpoint{
		Name:       record.Name,
		ConfigName: record.ConfigName.String,
		ModelName:  record.ModelName.String,
	}); err != nil {
		slog.Error("error deleting endpoint", "endpoint_id", id, "error", err)
		return nil, CodedErrorf(http.StatusBadGateway, "error deleting endpoint on the platform: %v", err)
	}

	if err := database.UpdateEndpointStatus(ctx, s.db, id, database.EndpointDeleted); err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "error updating endpoint status")
	}

	slog.Info("deleted endpoint", "endpoint_id", id, "name", record.Name)
	return nil, nil
}

// InvokeEndpoint forwards the request body to the deployed endpoint and
// returns its response unchanged.
func (s *BackendService) InvokeEndpoint(w http.ResponseWriter, r *http.Request) {
	body, contentType, err := s.invokeEndpoint(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		slog.Error("error writing invocation response", "error", err)
	}
}

func (s *BackendService) invokeEndpoint(w http.ResponseWriter, r *http.Request) ([]byte, string, error) {
	id, err := URLParamUUID(r, "endpoint_id")
	if err != nil {
		return nil, "", err
	}

	ctx := r.Context()

	record, err := getRecord[database.Endpoint](ctx, s.db, "endpoint", id)
	if err != nil {
		return nil, "", err
	}
	if record.Status != database.EndpointInService {
		return nil, "", CodedErrorf(http.StatusConflict, "endpoint is %s, not %s", record.Status, database.EndpointInService)
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInvocationBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, "", CodedErrorf(http.StatusRequestEntityTooLarge, "request body exceeds %d bytes", maxErr.Limit)
		}
		return nil, "", CodedErrorf(http.StatusBadRequest, "error reading request body: %v", err)
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	accept := r.Header.Get("Accept")
	if accept == "" || accept == "*/*" {
		accept = "application/json"
	}

	res, err := platform.NewPredictor(s.platform.Runtime(), record.Name).Invoke(ctx, payload, contentType, accept)
	if err != nil {
		slog.Error("error invoking endpoint", "endpoint_id", id, "error", err)
		return nil, "", CodedError(http.StatusBadGateway, fmt.Errorf("error invoking endpoint: %w", err))
	}
	return res, accept, nil
}
