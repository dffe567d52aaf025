package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"ml-workbench/internal/database"
	"ml-workbench/internal/dataset"
	"ml-workbench/internal/messaging"
	"ml-workbench/internal/platform"
	"ml-workbench/internal/storage"

	"github.com/aws/aws-sdk-go-v2/service/sagemaker/types"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Platform is the part of the managed platform the worker drives.
type Platform interface {
	Fit(ctx context.Context, est platform.Estimator, inputs map[string]string, wait bool) (*platform.TrainingJob, error)
	WaitForTrainingJob(ctx context.Context, name string) (*platform.TrainingJob, error)
	Deploy(ctx context.Context, model platform.Model, opts platform.DeployOptions, wait bool) (*platform.Endpoint, error)
	WaitForEndpoint(ctx context.Context, endpoint *platform.Endpoint) (*platform.Endpoint, error)
	StopTrainingJob(ctx context.Context, name string) error
	DeleteEndpoint(ctx context.Context, endpoint platform.Endpoint) error
}

type TaskProcessor struct {
	db        *gorm.DB
	storage   storage.ObjectStore
	fetcher   *dataset.Fetcher
	platform  Platform
	publisher messaging.Publisher
	reciever  messaging.Reciever

	roleARN string
	workDir string
}

func NewTaskProcessor(db *gorm.DB, storage storage.ObjectStore, fetcher *dataset.Fetcher, platform Platform, publisher messaging.Publisher, reciever messaging.Reciever, roleARN string, workDir string) *TaskProcessor {
	return &TaskProcessor{
		db:        db,
		storage:   storage,
		fetcher:   fetcher,
		platform:  platform,
		publisher: publisher,
		reciever:  reciever,
		roleARN:   roleARN,
		workDir:   workDir,
	}
}

func (proc *TaskProcessor) Start() {
	slog.Info("starting task processor")

	for task := range proc.reciever.Tasks() {
		proc.ProcessTask(task)
	}
}

func (proc *TaskProcessor) Stop() {
	slog.Info("stopping task processor")

	proc.publisher.Close()
	proc.reciever.Close()
}

func decodePayload[T any](task messaging.Task) (T, bool) {
	var payload T
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		slog.Error("error unmarshalling task", "queue", task.Type(), "error", err)
		if err := task.Reject(); err != nil { // Discard malformed message
			slog.Error("error rejecting message from queue", "error", err)
		}
		return payload, false
	}
	return payload, true
}

func (proc *TaskProcessor) ProcessTask(task messaging.Task) {
	ctx := context.Background()

	var err error
	switch task.Type() {

	case messaging.DatasetQueue:
		payload, ok := decodePayload[messaging.DatasetTaskPayload](task)
		if !ok {
			return
		}
		err = proc.processDatasetTask(ctx, payload)

	case messaging.TrainingQueue:
		payload, ok := decodePayload[messaging.TrainingTaskPayload](task)
		if !ok {
			return
		}
		err = proc.processTrainingTask(ctx, payload)

	case messaging.DeployQueue:
		payload, ok := decodePayload[messaging.DeployTaskPayload](task)
		if !ok {
			return
		}
		err = proc.processDeployTask(ctx, payload)

	default:
		slog.Error("received unknown task type", "queue", task.Type())
		if err := task.Reject(); err != nil { // reject unknown message type
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	if err != nil {
		slog.Error("error processing task", "queue", task.Type(), "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error reporting processing failure on message from queue", "error", err)
		}
	} else {
		slog.Info("successfully processed task", "queue", task.Type())
		if err := task.Ack(); err != nil {
			slog.Error("error acknowledging message from queue", "error", err)
		}
	}
}

func (proc *TaskProcessor) processDatasetTask(ctx context.Context, payload messaging.DatasetTaskPayload) error {
	datasetId := payload.DatasetId

	var record database.Dataset
	if err := proc.db.WithContext(ctx).First(&record, "id = ?", datasetId).Error; err != nil {
		slog.Error("error fetching dataset", "dataset_id", datasetId, "error", err)
		return fmt.Errorf("error getting dataset: %w", err)
	}

	switch record.Status {
	case database.JobCompleted, database.JobFailed:
		slog.Info("dataset already prepared or failed, skipping task", "dataset_id", datasetId, "status", record.Status)
		return nil
	}

	slog.Info("processing dataset task", "dataset_id", datasetId, "source", record.SourceURL)
	if err := database.UpdateDatasetStatus(ctx, proc.db, datasetId, database.JobRunning); err != nil {
		slog.Error("error marking dataset as running", "error", err)
	}

	fail := func(err error) error {
		database.UpdateDatasetStatus(ctx, proc.db, datasetId, database.JobFailed) //nolint:errcheck
		database.SaveTaskError(ctx, proc.db, datasetId, err.Error())
		return err
	}

	textFields, err := database.FromJSON[[]string](record.TextFields)
	if err != nil {
		return fail(fmt.Errorf("invalid text fields: %w", err))
	}
	header, err := database.FromJSON[[]string](record.Header)
	if err != nil {
		return fail(fmt.Errorf("invalid header: %w", err))
	}

	result, err := dataset.Prepare(ctx, proc.fetcher, proc.storage, dataset.PrepareOptions{
		URL:     record.SourceURL,
		TestURL: record.TestSourceURL.String,
		Parse: dataset.ParseOptions{
			Format:      record.Format,
			TextFields:  textFields,
			LabelField:  record.LabelField,
			LabelOffset: record.LabelOffset,
			Header:      header,
		},
		TestFraction: record.TestFraction,
		Seed:         uint64(record.Seed),
		Bucket:       record.Bucket,
		Prefix:       record.Prefix,
		WorkDir:      filepath.Join(proc.workDir, "datasets", datasetId.String()),
	})
	if err != nil {
		slog.Error("error preparing dataset", "dataset_id", datasetId, "error", err)
		return fail(fmt.Errorf("error preparing dataset: %w", err))
	}

	if err := proc.db.WithContext(ctx).Model(&database.Dataset{Id: datasetId}).Updates(map[string]any{
		"train_uri":   result.TrainURI,
		"test_uri":    result.TestURI,
		"train_count": result.TrainCount,
		"test_count":  result.TestCount,
	}).Error; err != nil {
		return fmt.Errorf("error saving dataset export: %w", err)
	}

	if err := database.UpdateDatasetStatus(ctx, proc.db, datasetId, database.JobCompleted); err != nil {
		return fmt.Errorf("error updating dataset status to complete: %w", err)
	}

	slog.Info("dataset prepared", "dataset_id", datasetId, "train_count", result.TrainCount, "test_count", result.TestCount)
	return nil
}

func (proc *TaskProcessor) processTrainingTask(ctx context.Context, payload messaging.TrainingTaskPayload) error {
	jobId := payload.TrainingJobId

	var job database.TrainingJob
	if err := proc.db.WithContext(ctx).Preload("Dataset").First(&job, "id = ?", jobId).Error; err != nil {
		slog.Error("error fetching training job", "training_job_id", jobId, "error", err)
		return fmt.Errorf("error getting training job: %w", err)
	}

	switch job.Status {
	case database.JobStopped, database.JobCompleted, database.JobFailed:
		slog.Info("training job already finished, skipping task", "training_job_id", jobId, "status", job.Status)
		return nil
	}

	// finish moves the job to a terminal status unless it was stopped meanwhile.
	finish := func(status string, fields map[string]any) (bool, error) {
		changed, err := database.TransitionTrainingJobStatus(ctx, proc.db, jobId, status, database.ActiveTrainingJobStatuses, fields)
		if err == nil && !changed {
			slog.Info("training job left the active states, dropping result", "training_job_id", jobId, "status", status)
		}
		return changed, err
	}

	fail := func(err error, fields map[string]any) error {
		changed, updateErr := finish(database.JobFailed, fields)
		if updateErr == nil && !changed {
			return nil
		}
		database.SaveTaskError(ctx, proc.db, jobId, err.Error())
		return err
	}

	if job.Dataset == nil || job.Dataset.Status != database.JobCompleted || !job.Dataset.TrainURI.Valid {
		return fail(fmt.Errorf("dataset %s is not prepared", job.DatasetId), nil)
	}

	platformJobName := job.PlatformJobName.String
	if platformJobName == "" {
		hyperparameters, err := database.FromJSON[map[string]string](job.Hyperparameters)
		if err != nil {
			return fail(fmt.Errorf("invalid hyperparameters: %w", err), nil)
		}

		inputs := map[string]string{dataset.TrainChannel: job.Dataset.TrainURI.String}
		if job.Dataset.TestURI.Valid && job.Dataset.TestCount > 0 {
			inputs[dataset.TestChannel] = job.Dataset.TestURI.String
		}

		submitted, err := proc.platform.Fit(ctx, platform.Estimator{
			Image:           job.Image,
			RoleARN:         proc.roleARN,
			InstanceType:    job.InstanceType,
			InstanceCount:   job.InstanceCount,
			VolumeSizeGB:    job.VolumeSizeGB,
			MaxRuntime:      time.Duration(job.MaxRuntimeSeconds) * time.Second,
			Hyperparameters: hyperparameters,
			OutputPath:      job.OutputPath,
			BaseJobName:     job.Name,
		}, inputs, false)
		if err != nil {
			slog.Error("error submitting training job", "training_job_id", jobId, "error", err)
			return fail(fmt.Errorf("error submitting training job: %w", err), nil)
		}
		platformJobName = submitted.Name

		running, err := database.TransitionTrainingJobStatus(ctx, proc.db, jobId, database.JobRunning, database.ActiveTrainingJobStatuses, map[string]any{
			"platform_job_name": platformJobName,
		})
		if err != nil {
			slog.Error("error saving platform job name", "training_job_id", jobId, "job_name", platformJobName, "error", err)
		} else if !running {
			return proc.stopOrphanedTrainingJob(ctx, jobId, platformJobName)
		}
	}

	result, err := proc.platform.WaitForTrainingJob(ctx, platformJobName)
	if result == nil {
		return fail(fmt.Errorf("error waiting for training job: %w", err), nil)
	}

	switch result.Status {
	case types.TrainingJobStatusStopped:
		slog.Info("training job stopped", "training_job_id", jobId, "job_name", platformJobName)
		_, err := finish(database.JobStopped, nil)
		return err
	case types.TrainingJobStatusFailed:
		if err == nil {
			err = fmt.Errorf("training job %s failed: %s", platformJobName, result.FailureReason)
		}
		return fail(err, map[string]any{"failure_reason": result.FailureReason})
	}
	if err != nil {
		return fail(fmt.Errorf("error waiting for training job: %w", err), nil)
	}

	completed, err := finish(database.JobCompleted, map[string]any{"model_artifacts": result.ModelArtifacts})
	if err != nil {
		return fmt.Errorf("error updating training job status to complete: %w", err)
	}
	if completed {
		slog.Info("training job completed", "training_job_id", jobId, "job_name", platformJobName, "model_artifacts", result.ModelArtifacts)
	}
	return nil
}

// stopOrphanedTrainingJob handles a job stopped while it was being submitted:
// the record keeps its stopped status and the submitted platform job is stopped.
func (proc *TaskProcessor) stopOrphanedTrainingJob(ctx context.Context, jobId uuid.UUID, platformJobName string) error {
	slog.Info("training job stopped during submission, stopping platform job", "training_job_id", jobId, "job_name", platformJobName)

	if err := proc.db.WithContext(ctx).Model(&database.TrainingJob{Id: jobId}).Update("platform_job_name", platformJobName).Error; err != nil {
		slog.Error("error saving platform job name", "training_job_id", jobId, "job_name", platformJobName, "error", err)
	}
	if err := proc.platform.StopTrainingJob(ctx, platformJobName); err != nil {
		database.SaveTaskError(ctx, proc.db, jobId, err.Error())
		return fmt.Errorf("error stopping training job %s: %w", platformJobName, err)
	}
	return nil
}

func (proc *TaskProcessor) processDeployTask(ctx context.Context, payload messaging.DeployTaskPayload) error {
	endpointId := payload.EndpointId

	var record database.Endpoint
	if err := proc.db.WithContext(ctx).Preload("TrainingJob").First(&record, "id = ?", endpointId).Error; err != nil {
		slog.Error("error fetching endpoint", "endpoint_id", endpointId, "error", err)
		return fmt.Errorf("error getting endpoint: %w", err)
	}

	switch record.Status {
	case database.EndpointDeleted, database.EndpointInService, database.EndpointFailed:
		slog.Info("endpoint already deleted or finished, skipping task", "endpoint_id", endpointId, "status", record.Status)
		return nil
	}

	endpoint := &platform.Endpoint{
		Name:       record.Name,
		ConfigName: record.ConfigName.String,
		ModelName:  record.ModelName.String,
		Status:     types.EndpointStatusCreating,
	}

	fail := func(err error, fields map[string]any) error {
		changed, updateErr := database.TransitionEndpointStatus(ctx, proc.db, endpointId, database.EndpointFailed, database.ActiveEndpointStatuses, fields)
		if updateErr == nil && !changed {
			return proc.teardownEndpoint(ctx, endpointId, *endpoint)
		}
		database.SaveTaskError(ctx, proc.db, endpointId, err.Error())
		return err
	}

	job := record.TrainingJob
	if job == nil || job.Status != database.JobCompleted || !job.ModelArtifacts.Valid {
		return fail(fmt.Errorf("training job %s has no model artifacts", record.TrainingJobId), nil)
	}

	if !record.ModelName.Valid {
		environment, err := database.FromJSON[map[string]string](record.Environment)
		if err != nil {
			return fail(fmt.Errorf("invalid environment: %w", err), nil)
		}

		deployed, err := proc.platform.Deploy(ctx, platform.Model{
			Image:        record.Image,
			ModelDataURL: job.ModelArtifacts.String,
			RoleARN:      proc.roleARN,
			Environment:  environment,
		}, platform.DeployOptions{
			EndpointName:  record.Name,
			InstanceType:  record.InstanceType,
			InstanceCount: record.InstanceCount,
		}, false)
		if err != nil {
			slog.Error("error deploying endpoint", "endpoint_id", endpointId, "error", err)
			var fields map[string]any
			if deployed != nil {
				endpoint.ModelName, endpoint.ConfigName = deployed.ModelName, deployed.ConfigName
				fields = map[string]any{
					"model_name":  database.NullString(deployed.ModelName),
					"config_name": database.NullString(deployed.ConfigName),
				}
			}
			return fail(fmt.Errorf("error deploying endpoint: %w", err), fields)
		}
		endpoint = deployed

		creating, err := database.TransitionEndpointStatus(ctx, proc.db, endpointId, database.EndpointCreating, database.ActiveEndpointStatuses, map[string]any{
			"model_name":  endpoint.ModelName,
			"config_name": endpoint.ConfigName,
		})
		if err != nil {
			slog.Error("error saving endpoint resources", "endpoint_id", endpointId, "error", err)
		} else if !creating {
			return proc.teardownEndpoint(ctx, endpointId, *endpoint)
		}
	}

	waited, err := proc.platform.WaitForEndpoint(ctx, endpoint)
	if waited != nil {
		endpoint = waited
	}
	if err != nil {
		var fields map[string]any
		if endpoint.FailureReason != "" {
			fields = map[string]any{"failure_reason": endpoint.FailureReason}
		}
		return fail(err, fields)
	}

	inService, err := database.TransitionEndpointStatus(ctx, proc.db, endpointId, database.EndpointInService, database.ActiveEndpointStatuses, nil)
	if err != nil {
		return fmt.Errorf("error updating endpoint status to in service: %w", err)
	}
	if !inService {
		return proc.teardownEndpoint(ctx, endpointId, *endpoint)
	}

	slog.Info("endpoint in service", "endpoint_id", endpointId, "endpoint_name", endpoint.Name)
	return nil
}

// teardownEndpoint removes the platform resources of an endpoint whose record
// left the active states while the worker was creating it. Only deleted
// records are torn down.
func (proc *TaskProcessor) teardownEndpoint(ctx context.Context, endpointId uuid.UUID, endpoint platform.Endpoint) error {
	var record database.Endpoint
	if err := proc.db.WithContext(ctx).First(&record, "id = ?", endpointId).Error; err != nil {
		return fmt.Errorf("error getting endpoint: %w", err)
	}
	if record.Status != database.EndpointDeleted {
		slog.Info("endpoint left the active states, dropping result", "endpoint_id", endpointId, "status", record.Status)
		return nil
	}

	slog.Info("endpoint deleted during deploy, removing platform resources", "endpoint_id", endpointId, "endpoint_name", endpoint.Name)
	if err := proc.platform.DeleteEndpoint(ctx, endpoint); err != nil {
		database.SaveTaskError(ctx, proc.db, endpointId, err.Error())
		return fmt.Errorf("error deleting endpoint %s: %w", endpoint.Name, err)
	}
	return nil
}

// RequeuePending publishes a task for every record still waiting to be
// processed, so work queued before a restart of an in-memory queue is not lost.
func RequeuePending(ctx context.Context, db *gorm.DB, publisher messaging.Publisher) error {
	var datasets []database.Dataset
	if err := db.WithContext(ctx).Where("status IN ?", []string{database.JobQueued, database.JobRunning}).Find(&datasets).Error; err != nil {
		return fmt.Errorf("error listing pending datasets: %w", err)
	}
	var jobs []database.TrainingJob
	if err := db.WithContext(ctx).Where("status IN ?", database.ActiveTrainingJobStatuses).Find(&jobs).Error; err != nil {
		return fmt.Errorf("error listing pending training jobs: %w", err)
	}
	var endpoints []database.Endpoint
	if err := db.WithContext(ctx).Where("status IN ?", database.ActiveEndpointStatuses).Find(&endpoints).Error; err != nil {
		return fmt.Errorf("error listing pending endpoints: %w", err)
	}

	var errs []error
	for _, d := range datasets {
		errs = append(errs, publisher.PublishDatasetTask(ctx, messaging.DatasetTaskPayload{DatasetId: d.Id}))
	}
	for _, j := range jobs {
		errs = append(errs, publisher.PublishTrainingTask(ctx, messaging.TrainingTaskPayload{TrainingJobId: j.Id}))
	}
	for _, e := range endpoints {
		errs = append(errs, publisher.PublishDeployTask(ctx, messaging.DeployTaskPayload{EndpointId: e.Id}))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("error requeueing pending tasks: %w", err)
	}
	slog.Info("requeued pending tasks", "datasets", len(datasets), "training_jobs", len(jobs), "endpoints", len(endpoints))
	return nil
}
